package bioswrite

import (
	"errors"
	"fmt"
	"sync/atomic"

	"github.com/golang/glog"
	"periph.io/x/conn/v3/gpio"
	"periph.io/x/conn/v3/physic"
	"periph.io/x/conn/v3/spi"
	"periph.io/x/host/v3"
	"periph.io/x/host/v3/ftdi"
)

// Programmer is an FT2232H wired to the flash chip with a test clip, for
// repairing a board whose chipset can no longer program its own flash.
type Programmer struct {
	ft   *ftdi.FT232H
	port spi.PortCloser
	cs   gpio.PinIO // ADBUS4 Chip Select

	clock physic.Frequency
	conn  spi.Conn
}

var hostInitialized atomic.Bool

// OpenProgrammer finds the FT2232H and opens its MPSSE SPI port.
func OpenProgrammer() (*Programmer, error) {
	if hostInitialized.CompareAndSwap(false, true) {
		if _, err := host.Init(); err != nil {
			return nil, fmt.Errorf("host initialization failed: %w", err)
		}
	}

	p := &Programmer{
		clock: 30 * physic.MegaHertz, // [AN_135 3.2.1 Divisors]
	}
	if err := p.findFT2232H(); err != nil {
		return nil, err
	}

	// ADBUS0 | SCK
	// ADBUS1 | MOSI
	// ADBUS2 | MISO
	// ADBUS4 | CS#
	p.cs = p.ft.D4

	if err := p.connectSPI(); err != nil {
		return nil, err
	}
	glog.V(1).Infof("programmer: %s, SPI %v", p.ft, p.clock)
	return p, nil
}

func (p *Programmer) findFT2232H() error {
	const (
		vendorID  = 0x0403 // FTDI
		productID = 0x6010 // FT2232H
	)

	info := ftdi.Info{}
	for _, dev := range ftdi.All() {
		dev.Info(&info)
		if info.VenID != vendorID || info.DevID != productID {
			continue
		}
		if ft, ok := dev.(*ftdi.FT232H); ok {
			p.ft = ft
			return nil
		}
	}

	return errors.New("FT2232H not found")
}

func (p *Programmer) connectSPI() error {
	port, err := p.ft.SPI()
	if err != nil {
		return fmt.Errorf("failed to get SPI port: %w", err)
	}

	// [FTDI AN_114|1.2] > FTDI device can only support mode 0 and mode 2 due to the limitation of MPSSE engine
	// SPI-NOR parts support mode 0 and mode 3.
	c, err := port.Connect(p.clock, spi.Mode0, 8)
	if err != nil {
		port.Close()
		return err
	}
	p.port = port
	p.conn = &chipSelectConn{Conn: c, cs: p.cs}
	return p.cs.Out(gpio.High)
}

// Conn returns the SPI connection to the flash chip, for NewDriver.
func (p *Programmer) Conn() spi.Conn { return p.conn }

// Close releases chip select and the SPI port.
func (p *Programmer) Close() error {
	csErr := p.cs.Out(gpio.High)
	if err := p.port.Close(); err != nil {
		return err
	}
	return csErr
}

// chipSelectConn drives chip select low for the duration of each
// transaction. The MPSSE port does not own the CS line.
type chipSelectConn struct {
	spi.Conn
	cs gpio.PinOut
}

func (c *chipSelectConn) Tx(w, r []byte) (err error) {
	return c.selected(func() error { return c.Conn.Tx(w, r) })
}

func (c *chipSelectConn) TxPackets(pkts []spi.Packet) error {
	return c.selected(func() error { return c.Conn.TxPackets(pkts) })
}

func (c *chipSelectConn) selected(tx func() error) (err error) {
	if err = c.cs.Out(gpio.Low); err != nil {
		return err
	}
	defer func() {
		if csErr := c.cs.Out(gpio.High); csErr != nil && err == nil {
			err = csErr
		}
	}()
	return tx()
}
