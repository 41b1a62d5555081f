package bioswrite

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"periph.io/x/conn/v3/spi"
)

// Flash speaks the JEDEC SPI-NOR command set over a SPI transport. It knows
// nothing about how the bytes reach the chip: the transport may be the
// chipset's SPI controller or an external programmer.
type Flash struct {
	conn     spi.Conn
	id       [3]byte // JEDEC ID of the flash chip
	chip     *Chip
	timeouts Timeouts
}

// NewFlash returns a Flash on conn. Zero fields of t fall back to the
// chip's datasheet timings.
func NewFlash(conn spi.Conn, t Timeouts) *Flash {
	return &Flash{
		conn:     conn,
		timeouts: t,
	}
}

// Flash commands:
//   - [N25Q32|Table 16: Command Set]
//   - [W25Q128|8.1.2 Instruction Set Table 1]
const (
	flashCmdPowerUp            = 0xAB // Release Power Down
	flashCmdPowerDown          = 0xB9
	flashCmdReadID             = 0x9F
	flashCmdRead               = 0x03
	flashCmdWriteEnable        = 0x06
	flashCmdPageProgram        = 0x02
	flashCmdErase4KB           = 0x20 // Subsector Erase / Sector Erase (4KB)
	flashCmdErase64KB          = 0xD8 // Sector Erase / Block Erase (64KB)
	flashCmdReadStatusRegister = 0x05
)

const (
	cmdBytes    = 4 // opcode + 24-bit address
	maxAttempts = 3 // single-command retries (write enable, status read)

	writeEnableBackoff = 100 * time.Microsecond
)

func (f *Flash) tx(buf []byte) error {
	return f.conn.Tx(buf, buf)
}

// maxData is the largest data phase that fits in one transaction.
func (f *Flash) maxData() int {
	const maxTx = 65536 // [FTDI-AN_108]
	n := maxTx
	if l, ok := f.conn.(interface{ MaxTxSize() int }); ok && l.MaxTxSize() > cmdBytes {
		n = l.MaxTxSize()
	}
	return n - cmdBytes
}

func putAddr(buf []byte, cmd byte, addr uint32) {
	buf[0] = cmd
	buf[1] = byte(addr >> 16)
	buf[2] = byte(addr >> 8)
	buf[3] = byte(addr)
}

func checkAddr(addr uint32) error {
	const max24 = 1<<24 - 1 // 0xFFFFFF
	if addr > max24 {
		return fmt.Errorf("%w: address %#X out of 24-bit range", ErrOutOfBounds, addr)
	}
	return nil
}

func (f *Flash) PowerUp() error {
	buf := []byte{flashCmdPowerUp}
	if err := f.tx(buf); err != nil {
		return err
	}
	time.Sleep(f.tRES1())
	return nil
}

// PowerDown enters deep power-down; only PowerUp is accepted afterwards.
func (f *Flash) PowerDown() error {
	buf := []byte{flashCmdPowerDown}
	if err := f.tx(buf); err != nil {
		return err
	}
	time.Sleep(f.tDP())
	return nil
}

// ReadID returns the JEDEC ID of the flash chip and configures its parameters.
// It returns a non-empty name for known IDs. The extended device string is ignored.
func (f *Flash) ReadID() (id [3]byte, name string, err error) {
	buf := make([]byte, 4)
	buf[0] = flashCmdReadID

	if err = f.tx(buf); err != nil {
		return
	}

	f.id = [3]byte(buf[1:])
	f.chip = nil
	if c, ok := knownFlash[f.id]; ok {
		f.chip = &c
		name = c.Name
	}
	return f.id, name, err
}

// Read performs a read operation, splitting it into multiple transactions if needed
// to stay within the maximum transaction size.
func (f *Flash) Read(addr, n uint32) ([]byte, error) {
	if n > 0 {
		if err := checkAddr(addr + n - 1); err != nil {
			return nil, err
		}
	}
	maxData := uint32(f.maxData())

	out := make([]byte, n)
	off := uint32(0)
	for remaining := n; remaining > 0; {
		chunk := min(remaining, maxData)
		buf := make([]byte, cmdBytes+chunk)
		putAddr(buf, flashCmdRead, addr)
		// buf[4:] dummy bytes

		if err := f.tx(buf); err != nil {
			return nil, fmt.Errorf("read %#08x: %w", addr, err)
		}

		copy(out[off:], buf[cmdBytes:])

		addr += chunk
		off += chunk
		remaining -= chunk
	}
	return out, nil
}

// writeEnablePrefixer is a transport that sends write enable ahead of
// every program and erase on its own.
type writeEnablePrefixer interface {
	PrefixesWriteEnable() bool
}

// WriteEnable sets the write enable latch and checks it in the status
// register. The latch clears itself after every program or erase, so it has
// to be set again before each of them.
func (f *Flash) WriteEnable() error {
	if p, ok := f.conn.(writeEnablePrefixer); ok && p.PrefixesWriteEnable() {
		return nil
	}
	var (
		sr      StatusRegister
		lastErr error
	)
	for attempt := range maxAttempts {
		if attempt > 0 {
			time.Sleep(time.Duration(attempt) * writeEnableBackoff)
		}
		if lastErr = f.tx([]byte{flashCmdWriteEnable}); lastErr != nil {
			continue
		}
		if sr, lastErr = f.ReadStatusRegister(); lastErr != nil {
			continue
		}
		if sr.WriteEnabled() {
			return nil
		}
	}
	if lastErr != nil {
		return fmt.Errorf("%w: %w", ErrWriteEnableFailed, lastErr)
	}
	return fmt.Errorf("%w: status %v", ErrWriteEnableFailed, sr)
}

// EraseSector erases the sector starting at addr and waits for completion.
func (f *Flash) EraseSector(addr uint32) error {
	if err := checkAddr(addr); err != nil {
		return err
	}
	cmd := byte(flashCmdErase4KB)
	if f.chip != nil {
		if addr%f.chip.SectorSize != 0 {
			return fmt.Errorf("%w: erase address %#08x not sector aligned", ErrOutOfBounds, addr)
		}
		cmd = f.chip.eraseOpcode
	}

	if err := f.WriteEnable(); err != nil {
		return err
	}

	buf := make([]byte, cmdBytes)
	putAddr(buf, cmd, addr)
	if err := f.tx(buf); err != nil {
		return err
	}
	return f.busyWait(f.pollInterval(50*time.Millisecond), f.eraseTimeout(), ErrEraseTimeout)
}

// ProgramPage programs data at addr. The range must not cross a page
// boundary; callers split writes at page boundaries. Transports with a small
// transaction size get several program commands, each with its own write
// enable.
func (f *Flash) ProgramPage(addr uint32, data []byte) error {
	if len(data) == 0 {
		return nil
	}
	page := uint32(pageSize)
	if f.chip != nil {
		page = f.chip.PageSize
	}
	if uint64(addr%page)+uint64(len(data)) > uint64(page) {
		return fmt.Errorf("%w: %#x bytes at %#08x", ErrPageBoundary, len(data), addr)
	}
	if err := checkAddr(addr); err != nil {
		return err
	}

	maxData := f.maxData()
	for len(data) > 0 {
		chunk := data[:min(len(data), maxData)]

		if err := f.WriteEnable(); err != nil {
			return err
		}
		buf := make([]byte, cmdBytes+len(chunk))
		putAddr(buf, flashCmdPageProgram, addr)
		copy(buf[cmdBytes:], chunk)

		if err := f.tx(buf); err != nil {
			return err
		}
		if err := f.busyWait(f.pollInterval(100*time.Microsecond), f.programTimeout(), ErrProgramTimeout); err != nil {
			return err
		}
		addr += uint32(len(chunk))
		data = data[len(chunk):]
	}
	return nil
}

func (f *Flash) pollInterval(def time.Duration) time.Duration {
	if f.timeouts.PollInterval > 0 {
		return f.timeouts.PollInterval
	}
	return def
}

func (f *Flash) programTimeout() time.Duration {
	if f.timeouts.Program > 0 {
		return f.timeouts.Program
	}
	return f.tPP()
}

func (f *Flash) eraseTimeout() time.Duration {
	if f.timeouts.Erase > 0 {
		return f.timeouts.Erase
	}
	return f.tSE()
}

// busyWait waits for the flash to become ready by polling the status
// register's bit 0 with specified intervals. It gives up with errTimeout once
// timeout expires; the chip keeps working on the command regardless, so the
// caller must not issue another one.
func (f *Flash) busyWait(interval, timeout time.Duration, errTimeout error) error {
	// Fast path
	if sr, err := f.readStatus(); err == nil && !sr.Busy() {
		return nil
	}

	timer := time.NewTimer(timeout)
	defer timer.Stop()
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-timer.C:
			// the command may have finished between the last tick and now
			if sr, err := f.readStatus(); err == nil && !sr.Busy() {
				return nil
			}
			return fmt.Errorf("%w: still busy after %v", errTimeout, timeout)
		case <-ticker.C:
			sr, err := f.readStatus()
			if err != nil {
				return err
			}
			if !sr.Busy() {
				return nil
			}
		}
	}
}

// readStatus retries transient status register read failures.
func (f *Flash) readStatus() (sr StatusRegister, err error) {
	for range maxAttempts {
		if sr, err = f.ReadStatusRegister(); err == nil {
			return sr, nil
		}
	}
	return 0, fmt.Errorf("read status register: %w", err)
}

// StatusRegister represents the status register of the flash chip.
//
//	Bits| [N25Q32|Table 9]                     | [W25Q128|7.1 Status Registers]
//	----+--------------------------------------+-------------------------------
//	7   | Status register write enable/disable | SRP: Status Register Protect
//	6   | Reserved                             | SEC: Sector protect
//	5   | Top/bottom                           | TB: Top/Bottom protect
//	4:2 | Block protect 2-0                    | BP2-0: Block Protect bit 2-0
//	1   | Write enable latch                   | WEL: Write Enable Latch
//	0   | Write in progress                    | BUSY: Erase/Write in progress
type StatusRegister byte

func (sr StatusRegister) StatusRegisterProtect() bool { return sr&(1<<7) != 0 }
func (sr StatusRegister) SectorProtect() bool         { return sr&(1<<6) != 0 }
func (sr StatusRegister) TopBottom() bool             { return sr&(1<<5) != 0 }
func (sr StatusRegister) BlockProtect2() bool         { return sr&(1<<4) != 0 }
func (sr StatusRegister) BlockProtect1() bool         { return sr&(1<<3) != 0 }
func (sr StatusRegister) BlockProtect0() bool         { return sr&(1<<2) != 0 }
func (sr StatusRegister) WriteEnabled() bool          { return sr&(1<<1) != 0 }
func (sr StatusRegister) Busy() bool                  { return sr&(1<<0) != 0 }

// Protected reports whether any block protect bit is set. Programs and
// erases into protected blocks are silently ignored by the chip.
func (sr StatusRegister) Protected() bool {
	return sr.BlockProtect0() || sr.BlockProtect1() || sr.BlockProtect2()
}

func (sr StatusRegister) String() string {
	b := fmt.Sprintf("%08b", byte(sr))
	s := []string{}
	if sr.StatusRegisterProtect() {
		s = append(s, "SRP")
	}
	if sr.SectorProtect() {
		s = append(s, "SEC")
	}
	if sr.TopBottom() {
		s = append(s, "TB")
	}
	if sr.BlockProtect2() {
		s = append(s, "BP2")
	}
	if sr.BlockProtect1() {
		s = append(s, "BP1")
	}
	if sr.BlockProtect0() {
		s = append(s, "BP0")
	}
	if sr.WriteEnabled() {
		s = append(s, "WEL")
	}
	if sr.Busy() {
		s = append(s, "BUSY")
	}
	if len(s) == 0 {
		return b
	}
	return b + " " + strings.Join(s, ",")
}

func (f *Flash) ReadStatusRegister() (StatusRegister, error) {
	buf := []byte{flashCmdReadStatusRegister, 0}
	if err := f.tx(buf); err != nil {
		return 0, err
	}
	return StatusRegister(buf[1]), nil
}

// isTimeout reports whether err is one of the deadline errors.
func isTimeout(err error) bool {
	return errors.Is(err, ErrEraseTimeout) || errors.Is(err, ErrProgramTimeout) || errors.Is(err, ErrHardwareTimeout)
}
