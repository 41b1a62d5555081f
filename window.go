package bioswrite

import (
	"errors"
	"fmt"
	"sync/atomic"
	"unsafe"

	"github.com/golang/glog"
	"github.com/hashicorp/go-multierror"
	"golang.org/x/sys/unix"
	"periph.io/x/host/v3/pmem"
)

// MMIO is a mapped physical register range accessed in 32-bit words.
// Offsets are bytes from the start of the range.
type MMIO interface {
	Len() int
	Load32(off int) uint32
	Store32(off int, v uint32)
	Close() error
}

// Mapper maps size bytes of physical address space starting at phys.
type Mapper func(phys uint64, size int) (MMIO, error)

const devMem = "/dev/mem"

// MapDevMem maps physical memory through /dev/mem.
func MapDevMem(phys uint64, size int) (MMIO, error) {
	if err := unix.Access(devMem, unix.R_OK|unix.W_OK); err != nil {
		if errors.Is(err, unix.EACCES) || errors.Is(err, unix.EPERM) {
			return nil, fmt.Errorf("%w: %s: %v", ErrPermissionDenied, devMem, err)
		}
		return nil, fmt.Errorf("%w: %s: %v", ErrMapFailed, devMem, err)
	}
	v, err := pmem.Map(phys, size)
	if err != nil {
		return nil, fmt.Errorf("%w: %#x+%#x: %v", ErrMapFailed, phys, size, err)
	}
	return &viewMMIO{v: v, b: v.Bytes()}, nil
}

type viewMMIO struct {
	v *pmem.View
	b []byte
}

func (m *viewMMIO) Len() int { return len(m.b) }

// Registers must be accessed with a single 32-bit load or store; a byte-wise
// copy would split it into four bus cycles.
func (m *viewMMIO) Load32(off int) uint32 {
	return atomic.LoadUint32((*uint32)(unsafe.Pointer(&m.b[off])))
}

func (m *viewMMIO) Store32(off int, v uint32) {
	atomic.StoreUint32((*uint32)(unsafe.Pointer(&m.b[off])), v)
}

func (m *viewMMIO) Close() error { return m.v.Close() }

// Bank is one bounds-checked register range of a RegisterWindow.
type Bank struct {
	name string
	phys uint64
	mem  MMIO
}

// Read32 reads the 32-bit register at off.
func (b *Bank) Read32(off uint32) (uint32, error) {
	if err := b.check(off); err != nil {
		return 0, err
	}
	return b.mem.Load32(int(off)), nil
}

// Write32 writes the 32-bit register at off.
func (b *Bank) Write32(off, v uint32) error {
	if err := b.check(off); err != nil {
		return err
	}
	b.mem.Store32(int(off), v)
	return nil
}

func (b *Bank) check(off uint32) error {
	if b.mem == nil {
		return fmt.Errorf("%w: %s is unmapped", ErrOutOfRange, b.name)
	}
	if off%4 != 0 || uint64(off)+4 > uint64(b.mem.Len()) {
		return fmt.Errorf("%w: %s offset %#x (size %#x)", ErrOutOfRange, b.name, off, b.mem.Len())
	}
	return nil
}

// PhysAddr returns the physical base address of the bank.
func (b *Bank) PhysAddr() uint64 { return b.phys }

func (b *Bank) String() string { return fmt.Sprintf("%s@%#x", b.name, b.phys) }

// RegisterWindow owns the chipset register mappings: the root complex block
// and the SPI controller block inside it.
type RegisterWindow struct {
	Controller *Bank
	SPI        *Bank
}

// MapWindow maps both register ranges described by cfg. If the second
// mapping fails the first one is released before returning.
func MapWindow(cfg *Config) (_ *RegisterWindow, err error) {
	if err := cfg.validate(); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMapFailed, err)
	}
	mapper := cfg.Mapper
	if mapper == nil {
		mapper = MapDevMem
	}
	rcba, err := cfg.rcbaBase()
	if err != nil {
		return nil, err
	}

	win := &RegisterWindow{}
	defer func() {
		if err != nil {
			win.Unmap()
		}
	}()

	ctrl, err := mapper(rcba, cfg.RCBASize)
	if err != nil {
		return nil, fmt.Errorf("map RCBA: %w", err)
	}
	win.Controller = &Bank{name: "RCBA", phys: rcba, mem: ctrl}

	spiPhys := rcba + cfg.SPIBarOffset
	spi, err := mapper(spiPhys, cfg.SPIBarSize)
	if err != nil {
		return nil, fmt.Errorf("map SPIBAR: %w", err)
	}
	win.SPI = &Bank{name: "SPIBAR", phys: spiPhys, mem: spi}

	glog.V(1).Infof("mapped %v (%#x bytes), %v (%#x bytes)", win.Controller, cfg.RCBASize, win.SPI, cfg.SPIBarSize)
	return win, nil
}

// Unmap releases both mappings. It is safe to call more than once.
func (w *RegisterWindow) Unmap() error {
	var errs error
	for _, b := range []*Bank{w.SPI, w.Controller} {
		if b == nil || b.mem == nil {
			continue
		}
		if err := b.mem.Close(); err != nil {
			errs = multierror.Append(errs, fmt.Errorf("unmap %v: %w", b, err))
		}
		b.mem = nil
	}
	return errs
}
