package main

import (
	"errors"
	"fmt"
	"os"

	"github.com/adrg/xdg"
	"github.com/gentam/bioswrite"
	"github.com/golang/glog"
	"github.com/hashicorp/go-multierror"
	"golang.org/x/sys/unix"
)

// session owns everything a command holds while it talks to the chip.
type session struct {
	Driver *bioswrite.Driver

	prog *bioswrite.Programmer
	lock *os.File
}

func newSession(verify bool) (*session, error) {
	// The chipset reads the firmware out of the chip while the system runs.
	if flagPowerDown && flagProgrammer != "ftdi" {
		return nil, errors.New("--power-down needs --programmer ftdi")
	}
	cfg, err := bioswrite.LoadConfig(flagConfig)
	if err != nil {
		return nil, err
	}
	cfg.Verify = cfg.Verify || verify

	s := &session{}
	if s.lock, err = lockInstance(); err != nil {
		return nil, err
	}

	switch flagProgrammer {
	case "ich":
		s.Driver, err = bioswrite.Init(cfg)
	case "ftdi":
		if s.prog, err = bioswrite.OpenProgrammer(); err != nil {
			break
		}
		s.Driver, err = bioswrite.NewDriver(s.prog.Conn(),
			bioswrite.WithTimeouts(cfg.Timeouts),
			bioswrite.WithReadBack(cfg.ReadBack),
			bioswrite.WithVerify(cfg.Verify),
			bioswrite.WithWake(),
		)
	default:
		err = fmt.Errorf("unknown programmer %q", flagProgrammer)
	}
	if err != nil {
		if cerr := s.Close(); cerr != nil {
			glog.Warningf("cleanup: %v", cerr)
		}
		return nil, err
	}
	glog.V(1).Infof("%s over %s", s.Driver.Chip().Name, s.Driver.Transport())
	return s, nil
}

func (s *session) Close() error {
	var errs error
	if s.Driver != nil {
		if s.prog != nil && flagPowerDown {
			if err := s.Driver.PowerDown(); err != nil {
				errs = multierror.Append(errs, err)
			}
		}
		if err := s.Driver.Close(); err != nil {
			errs = multierror.Append(errs, err)
		}
	}
	if s.prog != nil {
		if err := s.prog.Close(); err != nil {
			errs = multierror.Append(errs, err)
		}
	}
	if s.lock != nil {
		if err := unlockInstance(s.lock); err != nil {
			errs = multierror.Append(errs, err)
		}
	}
	return errs
}

const lockName = "bioswrite.lock"

// lockInstance takes an exclusive lock so that two invocations never drive
// the flash controller at the same time.
func lockInstance() (*os.File, error) {
	path, err := xdg.RuntimeFile(lockName)
	if err != nil {
		return nil, fmt.Errorf("lock file: %w", err)
	}
	f, err := os.OpenFile(path, os.O_CREATE|os.O_RDWR, 0o600)
	if err != nil {
		return nil, err
	}
	if err := unix.Flock(int(f.Fd()), unix.LOCK_EX|unix.LOCK_NB); err != nil {
		f.Close()
		if errors.Is(err, unix.EWOULDBLOCK) {
			return nil, fmt.Errorf("another bioswrite is running (%s)", path)
		}
		return nil, fmt.Errorf("lock %s: %w", path, err)
	}
	return f, nil
}

func unlockInstance(f *os.File) error {
	if err := unix.Flock(int(f.Fd()), unix.LOCK_UN); err != nil {
		f.Close()
		return err
	}
	return f.Close()
}
