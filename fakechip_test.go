package bioswrite

import (
	"bytes"
	"errors"
	"fmt"

	"periph.io/x/conn/v3"
	"periph.io/x/conn/v3/spi"
)

// chipOp is a mutating command seen by fakeChip.
type chipOp struct {
	kind string // "erase" or "program"
	addr uint32
	n    int
	wel  bool // write enable latch was set when the command arrived
}

// fakeChip is a SPI-NOR chip behind a spi.Conn. Programming ANDs into the
// array, erase sets a 4 KiB sector to 0xFF, and commands without the write
// enable latch are ignored like on real parts.
type fakeChip struct {
	id     [3]byte
	mem    []byte
	wel    bool
	asleep bool // deep power-down, only release is accepted

	busy      int  // status reads left that report BUSY
	busyAfter int  // BUSY reads after every program or erase
	stuck     bool // BUSY forever
	hangAfter int  // become stuck on this mutating command (1-based), 0 never

	ignoreWREN int // write enables to drop
	failStatus int // status reads to fail
	status     byte

	ops   []chipOp
	reads []chipOp
}

func newFakeChip(id [3]byte, size int) *fakeChip {
	return &fakeChip{id: id, mem: bytes.Repeat([]byte{0xFF}, size)}
}

func newW25Q80() *fakeChip { return newFakeChip(flashIDWinbondW25Q80, 1<<20) }

func (c *fakeChip) String() string      { return "fakechip" }
func (c *fakeChip) Duplex() conn.Duplex { return conn.Full }

func (c *fakeChip) TxPackets(pkts []spi.Packet) error {
	for _, p := range pkts {
		if err := c.Tx(p.W, p.R); err != nil {
			return err
		}
	}
	return nil
}

func fakeAddr(w []byte) (uint32, error) {
	if len(w) < cmdBytes {
		return 0, fmt.Errorf("fakechip: opcode %#02x without address", w[0])
	}
	return uint32(w[1])<<16 | uint32(w[2])<<8 | uint32(w[3]), nil
}

func (c *fakeChip) Tx(w, r []byte) error {
	if len(w) == 0 {
		return errors.New("fakechip: empty transaction")
	}
	if c.asleep && w[0] != flashCmdPowerUp {
		return nil
	}
	switch w[0] {
	case flashCmdReadID:
		if len(r) >= 4 {
			copy(r[1:4], c.id[:])
		}

	case flashCmdReadStatusRegister:
		if c.failStatus > 0 {
			c.failStatus--
			return errors.New("fakechip: status read failed")
		}
		sr := c.status
		if c.wel {
			sr |= 1 << 1
		}
		if c.stuck || c.busy > 0 {
			sr |= 1 << 0
			if c.busy > 0 {
				c.busy--
			}
		}
		if len(r) > 1 {
			r[1] = sr
		}

	case flashCmdWriteEnable:
		if c.ignoreWREN > 0 {
			c.ignoreWREN--
			return nil
		}
		c.wel = true

	case flashCmdRead:
		a, err := fakeAddr(w)
		if err != nil {
			return err
		}
		n := len(r) - cmdBytes
		if int(a)+n > len(c.mem) {
			return fmt.Errorf("fakechip: read %#x+%#x past the array", a, n)
		}
		c.reads = append(c.reads, chipOp{kind: "read", addr: a, n: n})
		copy(r[cmdBytes:], c.mem[a:int(a)+n])

	case flashCmdPageProgram:
		a, err := fakeAddr(w)
		if err != nil {
			return err
		}
		data := w[cmdBytes:]
		if c.mutate(chipOp{kind: "program", addr: a, n: len(data), wel: c.wel}) {
			for i, b := range data {
				c.mem[int(a)+i] &= b
			}
		}

	case flashCmdErase4KB:
		a, err := fakeAddr(w)
		if err != nil {
			return err
		}
		a &^= sectorSize - 1
		if c.mutate(chipOp{kind: "erase", addr: a, n: sectorSize, wel: c.wel}) {
			copy(c.mem[a:a+sectorSize], bytes.Repeat([]byte{0xFF}, sectorSize))
		}

	case flashCmdPowerUp:
		c.asleep = false

	case flashCmdPowerDown:
		c.asleep = true

	default:
		return fmt.Errorf("fakechip: unsupported opcode %#02x", w[0])
	}
	return nil
}

// mutate records op and reports whether the chip accepts it.
func (c *fakeChip) mutate(op chipOp) bool {
	c.ops = append(c.ops, op)
	if !c.wel || c.stuck {
		return false
	}
	c.wel = false
	c.busy = c.busyAfter
	if c.hangAfter > 0 && len(c.ops) >= c.hangAfter {
		c.stuck = true
	}
	return true
}

func (c *fakeChip) count(kind string) int {
	n := 0
	for _, op := range c.ops {
		if op.kind == kind {
			n++
		}
	}
	return n
}

func (c *fakeChip) resetOps() {
	c.ops = nil
	c.reads = nil
}

// ichSim is the SPIBAR register file of an ICH9 with software sequencing
// cycles forwarded to a fakeChip.
type ichSim struct {
	regs [defaultSPIBarSize / 4]uint32
	chip *fakeChip

	hang  bool // cycles never finish
	fcerr bool // cycles fail

	cycles      int
	atomic      int // cycles sent with a prefix opcode
	statusReads int
}

func newICHSim(chip *fakeChip) *ichSim {
	return &ichSim{chip: chip}
}

func (s *ichSim) lock() { s.regs[ich9RegHSFS/4] |= hsfsFLOCKDN }

func (s *ichSim) Read32(off uint32) (uint32, error) {
	if off%4 != 0 || int(off/4) >= len(s.regs) {
		return 0, fmt.Errorf("ichsim: read %#x", off)
	}
	if off == ich9RegSSFS {
		s.statusReads++
	}
	return s.regs[off/4], nil
}

func (s *ichSim) Write32(off, v uint32) error {
	if off%4 != 0 || int(off/4) >= len(s.regs) {
		return fmt.Errorf("ichsim: write %#x", off)
	}
	locked := s.regs[ich9RegHSFS/4]&hsfsFLOCKDN != 0
	switch off {
	case ich9RegPREOP, ich9RegOPMENU, ich9RegOPMENU + 4:
		if locked {
			return nil
		}
	case ich9RegSSFS:
		status := s.regs[off/4] & 0xff &^ (v & ssfsClear)
		if v&ssfcSCGO != 0 {
			status |= s.cycle(v)
		}
		s.regs[off/4] = status | v&^0xff&^ssfcSCGO
		return nil
	}
	s.regs[off/4] = v
	return nil
}

func (s *ichSim) cycle(ctl uint32) uint32 {
	s.cycles++
	switch {
	case s.hang:
		return ssfsSCIP
	case s.fcerr:
		return ssfsFCERR
	}

	idx := (ctl >> ssfcCOPOff) & 7
	menu := uint64(s.regs[ich9RegOPMENU/4+1])<<32 | uint64(s.regs[ich9RegOPMENU/4])
	op := byte(menu >> (8 * idx))
	typ := opType(s.regs[ich9RegPREOP/4]>>16>>(2*idx)) & 3

	n := 0
	if ctl&ssfcDS != 0 {
		n = int((ctl>>ssfcDBCOff)&0x3f) + 1
	}
	buf := []byte{op}
	if typ.hasAddr() {
		a := s.regs[ich9RegFAddr/4] & 0xFFFFFF
		buf = append(buf, byte(a>>16), byte(a>>8), byte(a))
	}
	hdr := len(buf)
	for i := range n {
		var b byte
		if typ.isWrite() {
			b = byte(s.regs[ich9RegFData0/4+uint32(i/4)] >> (8 * (i % 4)))
		}
		buf = append(buf, b)
	}

	acs := ctl&ssfcACS != 0
	if acs {
		s.atomic++
		prefix := byte(s.regs[ich9RegPREOP/4])
		if ctl&ssfcSPOP != 0 {
			prefix = byte(s.regs[ich9RegPREOP/4] >> 8)
		}
		if err := s.chip.Tx([]byte{prefix}, nil); err != nil {
			return ssfsFCERR
		}
	}
	if err := s.chip.Tx(buf, buf); err != nil {
		return ssfsFCERR
	}
	if acs {
		return s.pollChip()
	}
	if !typ.isWrite() {
		for i := range n {
			reg := &s.regs[ich9RegFData0/4+uint32(i/4)]
			shift := 8 * (i % 4)
			*reg = *reg&^(0xff<<shift) | uint32(buf[hdr+i])<<shift
		}
	}
	return ssfsCDS
}

// pollChip reads the chip status until it is no longer busy, like the end
// of an atomic sequence. A chip that stays busy leaves the cycle running.
func (s *ichSim) pollChip() uint32 {
	for range 64 {
		sr := []byte{flashCmdReadStatusRegister, 0}
		if err := s.chip.Tx(sr, sr); err != nil {
			return ssfsFCERR
		}
		if sr[1]&1 == 0 {
			return ssfsCDS
		}
	}
	return ssfsSCIP
}

// memMMIO is plain memory standing in for a mapped register block.
type memMMIO struct {
	words  []uint32
	closed int
}

func newMemMMIO(size int) *memMMIO { return &memMMIO{words: make([]uint32, size/4)} }

func (m *memMMIO) Len() int                  { return 4 * len(m.words) }
func (m *memMMIO) Load32(off int) uint32     { return m.words[off/4] }
func (m *memMMIO) Store32(off int, v uint32) { m.words[off/4] = v }
func (m *memMMIO) Close() error              { m.closed++; return nil }

// simMMIO maps an ichSim as the SPIBAR block.
type simMMIO struct {
	sim    *ichSim
	closed int
}

func (m *simMMIO) Len() int { return defaultSPIBarSize }

func (m *simMMIO) Load32(off int) uint32 {
	v, _ := m.sim.Read32(uint32(off))
	return v
}

func (m *simMMIO) Store32(off int, v uint32) { m.sim.Write32(uint32(off), v) }
func (m *simMMIO) Close() error              { m.closed++; return nil }
