package bioswrite

import (
	"bytes"
	"fmt"
	"slices"
	"time"

	"github.com/golang/glog"
	"periph.io/x/conn/v3/spi"
)

// State is the lifecycle state of a Driver.
type State int

const (
	StateUninitialized State = iota
	StateMapped
	StateReady
	StateClosed
)

func (s State) String() string {
	switch s {
	case StateUninitialized:
		return "uninitialized"
	case StateMapped:
		return "mapped"
	case StateReady:
		return "ready"
	case StateClosed:
		return "closed"
	}
	return fmt.Sprintf("State(%d)", int(s))
}

// Driver reads and writes one SPI flash chip. It is not safe for concurrent
// use, and only one Driver may own a chip at a time.
type Driver struct {
	state State
	win   *RegisterWindow // nil when the transport is not the chipset
	conn  spi.Conn
	flash *Flash
	chip  Chip

	readBack ReadBack
	verify   bool

	regions   []FlashRegion
	protected []ProtectedRange
}

type options struct {
	timeouts Timeouts
	readBack ReadBack
	verify   bool
	wake     bool
}

// Option configures a Driver created by NewDriver.
type Option func(*options)

// WithTimeouts overrides the datasheet deadlines.
func WithTimeouts(t Timeouts) Option { return func(o *options) { o.timeouts = t } }

// WithReadBack selects how much of the chip Write reads before planning.
func WithReadBack(rb ReadBack) Option { return func(o *options) { o.readBack = rb } }

// WithVerify makes Write read its range back and compare.
func WithVerify(v bool) Option { return func(o *options) { o.verify = v } }

// WithWake releases the chip from deep power-down before probing it.
func WithWake() Option { return func(o *options) { o.wake = true } }

// sequenceTimer is implemented by transports whose cycles can last until
// the chip finishes a program or erase.
type sequenceTimer interface {
	setSequenceTimeout(time.Duration)
}

// regionReporter is implemented by transports that know the flash layout.
type regionReporter interface {
	Regions() ([]FlashRegion, []ProtectedRange, error)
}

// GCS: General Control and Status. [ICH9|10.1.75 GCS]
const rcbaRegGCS = 0x3410

// A 64-byte cycle takes tens of microseconds; the deadline stays well
// under the fastest page program.
const defaultCycleTimeout = time.Millisecond

// Init maps the chipset registers described by cfg, sets up the SPI
// controller and probes the flash chip. A nil cfg uses DefaultConfig.
func Init(cfg *Config) (_ *Driver, err error) {
	if cfg == nil {
		cfg = DefaultConfig()
	}
	clock, err := cfg.clock()
	if err != nil {
		return nil, err
	}

	win, err := MapWindow(cfg)
	if err != nil {
		return nil, err
	}
	defer func() {
		if err != nil {
			win.Unmap()
		}
	}()
	d := &Driver{state: StateMapped, win: win}

	if gcs, err := win.Controller.Read32(rcbaRegGCS); err == nil {
		glog.V(1).Infof("GCS %#08x: boot BIOS straps %d, BILD %v", gcs, (gcs>>10)&3, gcs&1 != 0)
	}

	timeout := cfg.Timeouts.Read
	if timeout <= 0 {
		timeout = defaultCycleTimeout
	}
	ich, err := NewICH(win.SPI, clock, timeout)
	if err != nil {
		return nil, fmt.Errorf("SPI controller: %w", err)
	}
	if err := d.setup(ich, cfg.options()); err != nil {
		return nil, err
	}
	return d, nil
}

func (c *Config) options() options {
	return options{timeouts: c.Timeouts, readBack: c.ReadBack, verify: c.Verify}
}

// NewDriver returns a Driver for the chip behind conn, e.g. an external
// programmer.
func NewDriver(conn spi.Conn, opts ...Option) (*Driver, error) {
	var o options
	for _, opt := range opts {
		opt(&o)
	}
	d := &Driver{}
	if err := d.setup(conn, o); err != nil {
		return nil, err
	}
	return d, nil
}

func (d *Driver) setup(conn spi.Conn, o options) error {
	switch o.readBack {
	case "":
		o.readBack = ReadBackChip
	case ReadBackChip, ReadBackSectors:
	default:
		return fmt.Errorf("unknown read back mode %q", o.readBack)
	}
	d.conn = conn
	d.readBack = o.readBack
	d.verify = o.verify
	d.flash = NewFlash(conn, o.timeouts)

	if o.wake {
		if err := d.flash.PowerUp(); err != nil {
			return fmt.Errorf("flash power up: %w", err)
		}
	}
	chip, err := Probe(d.flash)
	if err != nil {
		return err
	}
	d.chip = chip

	if st, ok := conn.(sequenceTimer); ok {
		st.setSequenceTimeout(max(d.flash.eraseTimeout(), d.flash.programTimeout()))
	}

	if rr, ok := conn.(regionReporter); ok {
		if d.regions, d.protected, err = rr.Regions(); err != nil {
			return fmt.Errorf("flash regions: %w", err)
		}
		for _, r := range d.regions {
			glog.V(1).Infof("region %v read=%v write=%v", r, r.Readable, r.Writable)
		}
		for _, p := range d.protected {
			glog.V(1).Infof("protected %v", p)
		}
	}
	d.state = StateReady
	return nil
}

func (d *Driver) ready() error {
	switch d.state {
	case StateReady:
		return nil
	case StateClosed:
		return ErrClosed
	}
	return fmt.Errorf("driver is %v", d.state)
}

func (d *Driver) State() State { return d.state }

// Chip returns the probed chip.
func (d *Driver) Chip() Chip { return d.chip }

func (d *Driver) Geometry() Geometry { return d.chip.Geometry }

// Size returns the size of the chip in bytes.
func (d *Driver) Size() uint32 { return d.chip.TotalSize }

// Transport names the SPI transport in use.
func (d *Driver) Transport() string { return d.conn.String() }

// Status reads the chip's status register.
func (d *Driver) Status() (StatusRegister, error) {
	if err := d.ready(); err != nil {
		return 0, err
	}
	return d.flash.ReadStatusRegister()
}

// Regions returns the flash regions and write protected ranges reported by
// the controller. Both are empty for transports that do not report them.
func (d *Driver) Regions() ([]FlashRegion, []ProtectedRange, error) {
	if err := d.ready(); err != nil {
		return nil, nil, err
	}
	return slices.Clone(d.regions), slices.Clone(d.protected), nil
}

// Read returns length bytes starting at offset.
func (d *Driver) Read(offset, length uint32) ([]byte, error) {
	if err := d.ready(); err != nil {
		return nil, err
	}
	if err := (TransferRequest{Offset: offset, Length: length, Direction: DirRead}).Check(d.chip.Geometry); err != nil {
		return nil, err
	}
	return d.flash.Read(offset, length)
}

// Write makes the chip hold payload at offset, erasing and programming only
// what differs unless force is set. A failure after the chip was modified
// is a *WriteError; earlier operations are not undone.
func (d *Driver) Write(offset uint32, payload []byte, force bool) error {
	if err := d.ready(); err != nil {
		return err
	}
	g := d.chip.Geometry
	req, err := newRequest(offset, len(payload), DirWrite, g)
	if err != nil {
		return err
	}
	n := req.Length
	if n == 0 {
		return nil
	}

	// Sector erases reach past the payload, so the whole span is guarded.
	span := d.sectorSpan(offset, n)
	if err := checkWritable(d.regions, d.protected, span.Offset, span.Length); err != nil {
		return err
	}

	current, err := d.readSpan(span)
	if err != nil {
		return err
	}
	desired := slices.Clone(current)
	copy(desired[offset-span.Offset:], payload)

	ops, err := Plan(g, PlanRequest{
		Base:    span.Offset,
		Current: current,
		Desired: desired,
		Force:   force,
		Target:  Range{Offset: offset, Length: n},
	})
	if err != nil {
		return err
	}
	glog.V(1).Infof("write %#08x+%#x: %d erases, %d programs", offset, n, countErases(ops), len(ops))

	if err := d.execute(ops); err != nil {
		return err
	}
	if d.verify {
		return d.Verify(offset, payload)
	}
	return nil
}

func (d *Driver) sectorSpan(offset, n uint32) Range {
	g := d.chip.Geometry
	lo := g.sectorBase(offset)
	hi := g.sectorBase(offset+n-1) + g.SectorSize
	return Range{Offset: lo, Length: hi - lo}
}

// readSpan reads the current content of span, either directly or out of a
// read of the whole chip.
func (d *Driver) readSpan(span Range) ([]byte, error) {
	if d.readBack == ReadBackSectors {
		return d.flash.Read(span.Offset, span.Length)
	}
	all, err := d.flash.Read(0, d.chip.TotalSize)
	if err != nil {
		return nil, err
	}
	return all[span.Offset : span.Offset+span.Length], nil
}

func (d *Driver) execute(ops []PageOp) error {
	g := d.chip.Geometry
	for i, op := range ops {
		if op.NeedsErase {
			sector := g.sectorBase(op.Offset)
			glog.V(2).Infof("erase sector %#08x", sector)
			if err := d.flash.EraseSector(sector); err != nil {
				return d.opFailed("erase", sector, i, err)
			}
		}
		glog.V(2).Infof("program page %#08x (%d bytes)", op.Offset, len(op.Payload))
		if err := d.flash.ProgramPage(op.Offset, op.Payload); err != nil {
			return d.opFailed("program", op.Offset, i, err)
		}
	}
	return nil
}

func (d *Driver) opFailed(op string, offset uint32, done int, err error) error {
	if isTimeout(err) {
		glog.Errorf("%s at %#08x did not complete; the chip may still be busy", op, offset)
	}
	return &WriteError{Op: op, Offset: offset, Done: done, Err: err}
}

// Erase erases the sectors in [offset, offset+length), which must be sector
// aligned. Sectors that already read as erased are skipped unless force is
// set.
func (d *Driver) Erase(offset, length uint32, force bool) error {
	if err := d.ready(); err != nil {
		return err
	}
	g := d.chip.Geometry
	if err := ValidateAligned(offset, length, g); err != nil {
		return err
	}
	if length == 0 {
		return nil
	}
	if err := checkWritable(d.regions, d.protected, offset, length); err != nil {
		return err
	}

	done := 0
	for s := offset; s < offset+length; s += g.SectorSize {
		if !force {
			cur, err := d.flash.Read(s, g.SectorSize)
			if err != nil {
				return err
			}
			if erased(cur) {
				continue
			}
		}
		glog.V(2).Infof("erase sector %#08x", s)
		if err := d.flash.EraseSector(s); err != nil {
			return d.opFailed("erase", s, done, err)
		}
		done++
	}
	glog.V(1).Infof("erase %#08x+%#x: %d sectors erased", offset, length, done)
	return nil
}

func erased(b []byte) bool {
	return len(bytes.TrimLeft(b, "\xff")) == 0
}

// Verify reads the chip at offset and compares it with want.
func (d *Driver) Verify(offset uint32, want []byte) error {
	if err := d.ready(); err != nil {
		return err
	}
	req, err := newRequest(offset, len(want), DirRead, d.chip.Geometry)
	if err != nil {
		return err
	}
	got, err := d.flash.Read(req.Offset, req.Length)
	if err != nil {
		return err
	}
	for i := range want {
		if got[i] != want[i] {
			return &VerifyError{Offset: offset + uint32(i), Got: got[i], Want: want[i]}
		}
	}
	return nil
}

// Close releases the register mappings. Every later call fails with
// ErrClosed; closing again is a no-op.
// PowerDown puts the chip into deep power-down. The chip ignores every
// command but release from power-down afterwards, so only Close is left to
// call; a later driver on the same chip needs WithWake.
func (d *Driver) PowerDown() error {
	if err := d.ready(); err != nil {
		return err
	}
	glog.V(1).Infof("%s: deep power-down", d.chip.Name)
	return d.flash.PowerDown()
}

func (d *Driver) Close() error {
	if d.state == StateClosed {
		return nil
	}
	d.state = StateClosed
	if d.win != nil {
		return d.win.Unmap()
	}
	return nil
}
