package bioswrite

import (
	"errors"
	"fmt"
	"time"

	"github.com/golang/glog"
	"periph.io/x/conn/v3"
	"periph.io/x/conn/v3/physic"
	"periph.io/x/conn/v3/spi"
)

// registers is 32-bit access to the SPIBAR block; *Bank implements it.
type registers interface {
	Read32(off uint32) (uint32, error)
	Write32(off, v uint32) error
}

// SPIBAR registers. 16- and 8-bit registers are accessed through the 32-bit
// word that contains them. [ICH9|22.1 Serial Peripheral Interface Memory Mapped Configuration Registers]
const (
	ich9RegHSFS   uint32 = 0x04 // HSFS (15:0), HSFC (31:16)
	ich9RegFAddr  uint32 = 0x08
	ich9RegFData0 uint32 = 0x10
	ich9RegFRAP   uint32 = 0x50
	ich9RegFREG0  uint32 = 0x54
	ich9RegPR0    uint32 = 0x74
	ich9RegSSFS   uint32 = 0x90 // SSFS (7:0), SSFC (31:8)
	ich9RegPREOP  uint32 = 0x94 // PREOP (15:0), OPTYPE (31:16)
	ich9RegOPMENU uint32 = 0x98 // eight opcodes over two registers
)

const (
	hsfsFDV     = 1 << 14 // flash descriptor valid
	hsfsFLOCKDN = 1 << 15 // configuration locked down until reset
)

const (
	ssfsSCIP  uint32 = 1 << 0 // cycle in progress
	ssfsCDS   uint32 = 1 << 2 // cycle done (write 1 to clear)
	ssfsFCERR uint32 = 1 << 3 // flash cycle error (write 1 to clear)
	ssfsAEL   uint32 = 1 << 4 // access error log (write 1 to clear)

	ssfsClear = ssfsCDS | ssfsFCERR | ssfsAEL

	ssfcSCGO   uint32 = 1 << 9
	ssfcACS    uint32 = 1 << 10 // atomic cycle sequence
	ssfcSPOP   uint32 = 1 << 11 // sequence prefix opcode pointer
	ssfcCOPOff        = 12
	ssfcDBCOff        = 16
	ssfcDS     uint32 = 1 << 22
	ssfcSCFOff        = 24

	scf20MHz = 0
	scf33MHz = 1
)

const (
	ichDataSize  = 64 // FDATA0-15
	ichAddrMask  = 0x01FFFFFF
	ichMenuSlots = 8

	ichPollInterval = 10 * time.Microsecond
)

// opType is the OPTYPE encoding of a menu slot.
type opType uint8

const (
	opReadNoAddr opType = iota
	opWriteNoAddr
	opReadAddr
	opWriteAddr
)

func (t opType) hasAddr() bool { return t&2 != 0 }
func (t opType) isWrite() bool { return t&1 != 0 }

type menuEntry struct {
	op  byte
	typ opType
}

// Opcode menu installed when the controller is not locked down.
var ichDefaultMenu = [ichMenuSlots]menuEntry{
	{flashCmdRead, opReadAddr},
	{flashCmdReadStatusRegister, opReadNoAddr},
	{flashCmdReadID, opReadNoAddr},
	{flashCmdPageProgram, opWriteAddr},
	{flashCmdErase4KB, opWriteAddr},
	{flashCmdErase64KB, opWriteAddr},
	{flashCmdWriteEnable, opWriteNoAddr},
	{flashCmdPowerUp, opWriteNoAddr},
}

const flashCmdEnableWriteStatus = 0x50

type ichSlot struct {
	index uint32
	typ   opType
}

// ICH drives the chipset SPI controller with software sequencing. It
// implements spi.Conn: each Tx is one controller cycle carrying an opcode,
// an optional 24-bit address and at most 64 data bytes.
type ICH struct {
	regs    registers
	menu    map[byte]ichSlot
	locked  bool
	fdv     bool
	scf     uint32
	timeout time.Duration

	// prefix is the PREOP slot holding write enable when the opcode menu
	// lacks it, or -1. Program and erase cycles then run as atomic
	// sequences that send it first.
	prefix int
	// seqTimeout bounds an atomic sequence, which lasts until the chip
	// is no longer busy.
	seqTimeout time.Duration
}

var _ spi.Conn = (*ICH)(nil)

// NewICH sets up software sequencing on regs. If the configuration is not
// locked down the opcode menu is installed, otherwise the locked menu is
// adopted as is. timeout bounds every controller cycle.
func NewICH(regs registers, clock physic.Frequency, timeout time.Duration) (*ICH, error) {
	c := &ICH{
		regs:       regs,
		menu:       map[byte]ichSlot{},
		timeout:    timeout,
		scf:        scf20MHz,
		prefix:     -1,
		seqTimeout: max(timeout, maxParam(func(c *Chip) time.Duration { return c.tSE })),
	}
	if clock >= 33*physic.MegaHertz {
		c.scf = scf33MHz
	}

	hsfs, err := regs.Read32(ich9RegHSFS)
	if err != nil {
		return nil, err
	}
	c.locked = hsfs&hsfsFLOCKDN != 0
	c.fdv = hsfs&hsfsFDV != 0

	if !c.locked {
		if err := c.installMenu(); err != nil {
			return nil, err
		}
	}
	if err := c.loadMenu(); err != nil {
		return nil, err
	}
	for _, op := range []byte{flashCmdReadID, flashCmdRead, flashCmdReadStatusRegister} {
		if _, ok := c.menu[op]; !ok {
			return nil, fmt.Errorf("%w: %#02x", ErrOpcodeUnavailable, op)
		}
	}
	glog.V(1).Infof("ich: locked=%v descriptor=%v menu=%v prefix=%d", c.locked, c.fdv, c.menu, c.prefix)
	return c, nil
}

func (c *ICH) installMenu() error {
	var (
		opmenu [2]uint32
		optype uint32
	)
	for i, e := range ichDefaultMenu {
		opmenu[i/4] |= uint32(e.op) << (8 * (i % 4))
		optype |= uint32(e.typ) << (2 * i)
	}
	preop := uint32(flashCmdWriteEnable) | uint32(flashCmdEnableWriteStatus)<<8
	if err := c.regs.Write32(ich9RegPREOP, preop|optype<<16); err != nil {
		return err
	}
	if err := c.regs.Write32(ich9RegOPMENU, opmenu[0]); err != nil {
		return err
	}
	return c.regs.Write32(ich9RegOPMENU+4, opmenu[1])
}

func (c *ICH) loadMenu() error {
	v, err := c.regs.Read32(ich9RegPREOP)
	if err != nil {
		return err
	}
	optype := v >> 16
	var opmenu [2]uint32
	for i := range opmenu {
		if opmenu[i], err = c.regs.Read32(ich9RegOPMENU + uint32(4*i)); err != nil {
			return err
		}
	}
	for i := range ichMenuSlots {
		op := byte(opmenu[i/4] >> (8 * (i % 4)))
		if _, dup := c.menu[op]; dup {
			continue
		}
		c.menu[op] = ichSlot{index: uint32(i), typ: opType(optype>>(2*i)) & 3}
	}

	// Locked down firmware often leaves write enable out of the menu and
	// only offers it as a prefix opcode.
	if _, ok := c.menu[flashCmdWriteEnable]; !ok {
		for i := range 2 {
			if byte(v>>(8*i)) == flashCmdWriteEnable {
				c.prefix = i
				break
			}
		}
	}
	return nil
}

// PrefixesWriteEnable reports whether program and erase cycles carry write
// enable as their atomic prefix, so no standalone write enable is needed.
func (c *ICH) PrefixesWriteEnable() bool { return c.prefix >= 0 }

func (c *ICH) setSequenceTimeout(d time.Duration) {
	if d > 0 {
		c.seqTimeout = d
	}
}

// Locked reports whether the controller configuration is locked down.
func (c *ICH) Locked() bool { return c.locked }

// DescriptorMode reports whether the chip holds a valid flash descriptor,
// which makes the region registers meaningful.
func (c *ICH) DescriptorMode() bool { return c.fdv }

func (c *ICH) String() string { return "ich-swseq" }

func (c *ICH) Duplex() conn.Duplex { return conn.Half }

// MaxTxSize is the opcode, address and the FDATA block.
func (c *ICH) MaxTxSize() int { return cmdBytes + ichDataSize }

// Tx runs w as one controller cycle. w[0] is the opcode; address-type
// opcodes carry a 24-bit address in w[1:4]. Write-type opcodes send the
// rest of w; read-type opcodes fill r past the header.
func (c *ICH) Tx(w, r []byte) error {
	if len(w) == 0 {
		return errors.New("ich: empty command")
	}
	slot, ok := c.menu[w[0]]
	if !ok {
		return fmt.Errorf("%w: %#02x", ErrOpcodeUnavailable, w[0])
	}

	hdr := 1
	if slot.typ.hasAddr() {
		if len(w) < cmdBytes {
			return fmt.Errorf("ich: opcode %#02x needs a 24-bit address", w[0])
		}
		hdr = cmdBytes
		addr := uint32(w[1])<<16 | uint32(w[2])<<8 | uint32(w[3])
		if err := c.setAddress(addr); err != nil {
			return err
		}
	}

	var n int
	if slot.typ.isWrite() {
		n = len(w) - hdr
	} else {
		n = max(len(r)-hdr, 0)
	}
	if n > ichDataSize {
		return fmt.Errorf("ich: %d byte data phase exceeds %d", n, ichDataSize)
	}

	if slot.typ.isWrite() && n > 0 {
		if err := c.fillData(w[hdr:]); err != nil {
			return err
		}
	}
	atomic := c.prefix >= 0 && slot.typ == opWriteAddr
	if err := c.cycle(slot.index, n, atomic); err != nil {
		return fmt.Errorf("opcode %#02x: %w", w[0], err)
	}
	if !slot.typ.isWrite() && n > 0 {
		return c.readData(r[hdr : hdr+n])
	}
	return nil
}

func (c *ICH) TxPackets(pkts []spi.Packet) error {
	for _, p := range pkts {
		if err := c.Tx(p.W, p.R); err != nil {
			return err
		}
	}
	return nil
}

func (c *ICH) setAddress(a uint32) error {
	v, err := c.regs.Read32(ich9RegFAddr)
	if err != nil {
		return err
	}
	v = (v &^ ichAddrMask) | (a & ichAddrMask)
	return c.regs.Write32(ich9RegFAddr, v)
}

func (c *ICH) fillData(b []byte) error {
	for i := 0; i < len(b); i += 4 {
		var t uint32
		for j := 0; j < 4 && i+j < len(b); j++ {
			t |= uint32(b[i+j]) << (8 * j)
		}
		if err := c.regs.Write32(ich9RegFData0+uint32(i), t); err != nil {
			return err
		}
	}
	return nil
}

func (c *ICH) readData(b []byte) error {
	var t uint32
	for i := range b {
		if i%4 == 0 {
			var err error
			if t, err = c.regs.Read32(ich9RegFData0 + uint32(i)); err != nil {
				return err
			}
		}
		b[i] = byte(t >> (8 * (i % 4)))
	}
	return nil
}

// cycle starts the menu opcode at index with n data bytes and waits for the
// controller to finish it. An atomic cycle sends the write enable prefix
// first and finishes once the chip is no longer busy.
func (c *ICH) cycle(index uint32, n int, atomic bool) error {
	v, err := c.regs.Read32(ich9RegSSFS)
	if err != nil {
		return err
	}
	if v&ssfsSCIP != 0 {
		return fmt.Errorf("%w: controller cycle already in progress", ErrHardwareTimeout)
	}

	// Writing the status bits back as 1 clears them.
	ctl := ssfsClear | c.scf<<ssfcSCFOff | index<<ssfcCOPOff | ssfcSCGO
	if n > 0 {
		ctl |= uint32(n-1)<<ssfcDBCOff | ssfcDS
	}
	timeout := c.timeout
	if atomic {
		ctl |= ssfcACS
		if c.prefix == 1 {
			ctl |= ssfcSPOP
		}
		timeout = c.seqTimeout
	}
	if err := c.regs.Write32(ich9RegSSFS, ctl); err != nil {
		return err
	}
	return c.waitCycle(timeout)
}

func (c *ICH) waitCycle(timeout time.Duration) error {
	var (
		status   uint32
		timedout bool
		err      error
	)
	deadline := time.Now().Add(timeout)
	for {
		if status, err = c.regs.Read32(ich9RegSSFS); err != nil {
			return err
		}
		if status&ssfsSCIP == 0 && status&(ssfsCDS|ssfsFCERR) != 0 {
			break
		}
		if time.Now().After(deadline) {
			timedout = true
			break
		}
		time.Sleep(ichPollInterval)
	}

	if err := c.regs.Write32(ich9RegSSFS, ssfsClear|c.scf<<ssfcSCFOff); err != nil {
		return err
	}

	if status&ssfsFCERR != 0 {
		addr, _ := c.regs.Read32(ich9RegFAddr)
		return fmt.Errorf("%w: transaction error @ %08X", ErrHardwareTimeout, addr&ichAddrMask)
	}
	if timedout {
		addr, _ := c.regs.Read32(ich9RegFAddr)
		return fmt.Errorf("%w: cycle timed out @ %08X after %v", ErrHardwareTimeout, addr&ichAddrMask, timeout)
	}
	return nil
}
