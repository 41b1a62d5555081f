package bioswrite

import (
	"bytes"
	"cmp"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"time"

	"github.com/adrg/xdg"
	"github.com/golang/glog"
	"gopkg.in/yaml.v3"
	"periph.io/x/conn/v3/physic"
)

// ReadBack selects how much of the chip Write reads before planning.
type ReadBack string

const (
	// ReadBackChip reads the whole chip.
	ReadBackChip ReadBack = "chip"
	// ReadBackSectors reads only the sectors the payload touches.
	ReadBackSectors ReadBack = "sectors"
)

// Timeouts are per-operation deadlines. Zero values use the chip's datasheet
// maximums; erase is the slowest, then program, then a controller cycle.
type Timeouts struct {
	Read         time.Duration `yaml:"read"`
	Program      time.Duration `yaml:"program"`
	Erase        time.Duration `yaml:"erase"`
	PollInterval time.Duration `yaml:"poll_interval"`
}

// Config is the platform configuration: where the controller registers live
// and how the driver behaves.
type Config struct {
	// RCBA is the physical address of the chipset's root complex register
	// block. Zero means read it from the LPC bridge.
	RCBA         uint64 `yaml:"rcba"`
	RCBASize     int    `yaml:"rcba_size"`
	SPIBarOffset uint64 `yaml:"spibar_offset"`
	SPIBarSize   int    `yaml:"spibar_size"`

	// SPIClock is the software sequencing cycle frequency, e.g. "20MHz".
	SPIClock string `yaml:"spi_clock"`

	Timeouts Timeouts `yaml:"timeouts"`
	ReadBack ReadBack `yaml:"read_back"`
	// Verify reads written ranges back after Write.
	Verify bool `yaml:"verify"`

	// Mapper maps physical register ranges. Nil uses /dev/mem.
	Mapper Mapper `yaml:"-"`
	// LPCConfig is the sysfs PCI config file of the LPC bridge, used to
	// discover RCBA.
	LPCConfig string `yaml:"lpc_config"`
}

const (
	defaultRCBASize     = 0x4000
	defaultSPIBarOffset = 0x3800
	defaultSPIBarSize   = 0x200
	defaultSPIClock     = "20MHz"
	defaultLPCConfig    = "/sys/bus/pci/devices/0000:00:1f.0/config"

	configRelPath = "bioswrite/platform.yaml"
)

// DefaultConfig returns the ICH9-compatible layout: SPIBAR at RCBA+0x3800.
func DefaultConfig() *Config {
	return &Config{
		RCBASize:     defaultRCBASize,
		SPIBarOffset: defaultSPIBarOffset,
		SPIBarSize:   defaultSPIBarSize,
		SPIClock:     defaultSPIClock,
		ReadBack:     ReadBackChip,
		LPCConfig:    defaultLPCConfig,
		Timeouts: Timeouts{
			Read: defaultCycleTimeout,
		},
	}
}

// LoadConfig reads a YAML platform file over the defaults. An empty path
// searches the XDG config directories for bioswrite/platform.yaml and falls
// back to the defaults when there is none.
func LoadConfig(path string) (*Config, error) {
	cfg := DefaultConfig()
	if path == "" {
		p, err := xdg.SearchConfigFile(configRelPath)
		if err != nil {
			glog.V(1).Infof("no %s, using defaults", configRelPath)
			return cfg, nil
		}
		path = p
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(cfg); err != nil && !errors.Is(err, io.EOF) {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	if err := cfg.validate(); err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	glog.V(1).Infof("loaded platform config %s", path)
	return cfg, nil
}

func (c *Config) validate() error {
	if c.RCBASize <= 0 || c.SPIBarSize <= 0 {
		return errors.New("register region sizes must be positive")
	}
	if c.SPIBarOffset+uint64(c.SPIBarSize) > uint64(c.RCBASize) {
		return fmt.Errorf("SPIBAR %#x+%#x is outside the %#x byte RCBA block", c.SPIBarOffset, c.SPIBarSize, c.RCBASize)
	}
	switch c.ReadBack {
	case "", ReadBackChip, ReadBackSectors:
	default:
		return fmt.Errorf("unknown read_back %q", c.ReadBack)
	}
	if _, err := c.clock(); err != nil {
		return err
	}
	return c.Timeouts.validate()
}

// validate requires erase > program > read. Unset deadlines stand for the
// fastest part in the chip table, or the default controller cycle.
func (t Timeouts) validate() error {
	for name, d := range map[string]time.Duration{
		"read": t.Read, "program": t.Program, "erase": t.Erase, "poll_interval": t.PollInterval,
	} {
		if d < 0 {
			return fmt.Errorf("timeouts.%s %v is negative", name, d)
		}
	}
	read := cmp.Or(t.Read, defaultCycleTimeout)
	program := cmp.Or(t.Program, minParam(func(c *Chip) time.Duration { return c.tPP }))
	erase := cmp.Or(t.Erase, minParam(func(c *Chip) time.Duration { return c.tSE }))
	if program <= read {
		return fmt.Errorf("timeouts: program %v must be longer than read %v", program, read)
	}
	if erase <= program {
		return fmt.Errorf("timeouts: erase %v must be longer than program %v", erase, program)
	}
	return nil
}

func (c *Config) clock() (physic.Frequency, error) {
	s := c.SPIClock
	if s == "" {
		s = defaultSPIClock
	}
	var f physic.Frequency
	if err := f.Set(s); err != nil {
		return 0, fmt.Errorf("spi_clock %q: %w", s, err)
	}
	return f, nil
}

// rcbaBase resolves the physical address of the root complex register block,
// discovering it when it is not configured.
func (c *Config) rcbaBase() (uint64, error) {
	if c.RCBA != 0 {
		return c.RCBA, nil
	}
	return discoverRCBA(c.LPCConfig)
}

// discoverRCBA reads the Root Complex Base Address register (offset 0xF0) of
// the LPC bridge. [ICH9|13.1.35 RCBA]
func discoverRCBA(path string) (uint64, error) {
	const (
		intelVendorID = 0x8086
		rcbaReg       = 0xF0
		rcbaEnable    = 1 << 0
		rcbaMask      = 0xffffc000
	)
	if path == "" {
		path = defaultLPCConfig
	}
	cfg, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, fs.ErrPermission) {
			return 0, fmt.Errorf("%w: %v", ErrPermissionDenied, err)
		}
		return 0, fmt.Errorf("%w: LPC bridge config: %v", ErrMapFailed, err)
	}
	// sysfs hides everything past the standard header from unprivileged readers
	if len(cfg) < rcbaReg+4 {
		return 0, fmt.Errorf("%w: LPC bridge config is %d bytes, need root", ErrPermissionDenied, len(cfg))
	}
	if v := binary.LittleEndian.Uint16(cfg[0:]); v != intelVendorID {
		return 0, fmt.Errorf("%w: LPC bridge vendor %#04x is not Intel", ErrMapFailed, v)
	}
	rcba := binary.LittleEndian.Uint32(cfg[rcbaReg:])
	if rcba&rcbaEnable == 0 {
		return 0, fmt.Errorf("%w: RCBA %#08x is not enabled", ErrMapFailed, rcba)
	}
	return uint64(rcba & rcbaMask), nil
}
