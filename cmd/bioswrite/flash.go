package main

import (
	"errors"
	"fmt"

	"github.com/gentam/bioswrite"
	"github.com/golang/glog"
	"github.com/spf13/cobra"
)

var (
	flagOffset       string
	flagLength       string
	flagForce        bool
	flagVerify       bool
	flagIgnoreLayout bool
)

func parseRange() (offset, length uint32, err error) {
	if offset, err = parseNumber(flagOffset); err != nil {
		return 0, 0, fmt.Errorf("offset: %w", err)
	}
	if length, err = parseNumber(flagLength); err != nil {
		return 0, 0, fmt.Errorf("length: %w", err)
	}
	return offset, length, nil
}

// restOfChip resolves a zero length to the rest of the chip past offset.
func restOfChip(offset, length, size uint32) (uint32, error) {
	if offset > size {
		return 0, fmt.Errorf("offset %08x > flash size %08x", offset, size)
	}
	if length == 0 {
		length = size - offset
	}
	return length, nil
}

func closeSession(s *session) {
	if err := s.Close(); err != nil {
		glog.Warningf("cleanup: %v", err)
	}
}

var readCmd = &cobra.Command{
	Use:   "read FILE",
	Short: "Read the flash range and dump it to FILE",
	Long:  "Read the flash range and dump it to FILE, '-' for stdout. A FILE ending in .xz is compressed.",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		offset, length, err := parseRange()
		if err != nil {
			return err
		}
		s, err := newSession(false)
		if err != nil {
			return err
		}
		defer closeSession(s)

		if length, err = restOfChip(offset, length, s.Driver.Size()); err != nil {
			return err
		}
		glog.V(1).Infof("reading from %08x: %#x bytes", offset, length)
		data, err := s.Driver.Read(offset, length)
		if err != nil {
			return err
		}
		return writeImage(args[0], data)
	},
}

var writeCmd = &cobra.Command{
	Use:   "write FILE",
	Short: "Write FILE to the flash range",
	Long: `Write FILE, '-' for stdin, to the flash at the given offset. Only pages
that differ from the current content are programmed, unless --force is given.
A FILE ending in .xz is decompressed first.`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		offset, length, err := parseRange()
		if err != nil {
			return err
		}
		s, err := newSession(flagVerify)
		if err != nil {
			return err
		}
		defer closeSession(s)

		data, err := readImage(args[0], s.Driver.Size())
		if err != nil {
			return err
		}
		if length != 0 && uint64(len(data)) != uint64(length) {
			return fmt.Errorf("read %#x bytes, expected %#x", len(data), length)
		}
		if err := checkLayout(s.Driver, offset, data); err != nil {
			return err
		}

		glog.V(1).Infof("writing to %08x: %#x bytes", offset, len(data))
		if err := s.Driver.Write(offset, data, flagForce); err != nil {
			var werr *bioswrite.WriteError
			if errors.As(err, &werr) {
				glog.Errorf("the flash was modified before the failure at %08x; do not reboot until it is rewritten", werr.Offset)
			}
			return err
		}
		glog.V(1).Info("success!")
		return nil
	},
}

// checkLayout refuses a full image whose flash descriptor places the regions
// differently from the chip's current descriptor.
func checkLayout(d *bioswrite.Driver, offset uint32, image []byte) error {
	if flagIgnoreLayout || offset != 0 {
		return nil
	}
	chip, _, err := d.Regions()
	if err != nil || len(chip) == 0 {
		return err
	}
	img, err := bioswrite.DescriptorRegions(image)
	if err != nil {
		glog.V(1).Infof("image layout not checked: %v", err)
		return nil
	}
	if !bioswrite.SameLayout(chip, img) {
		return errors.New("the image's flash layout differs from the chip's, use --ignore-layout to write it anyway")
	}
	return nil
}

var eraseCmd = &cobra.Command{
	Use:   "erase",
	Short: "Erase the flash range",
	Long:  "Erase the sector aligned flash range. Sectors that are already blank are skipped unless --force is given.",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		offset, length, err := parseRange()
		if err != nil {
			return err
		}
		s, err := newSession(false)
		if err != nil {
			return err
		}
		defer closeSession(s)

		if length, err = restOfChip(offset, length, s.Driver.Size()); err != nil {
			return err
		}
		return s.Driver.Erase(offset, length, flagForce)
	},
}
