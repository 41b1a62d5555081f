package bioswrite

import (
	"errors"
	"fmt"

	"github.com/golang/glog"
)

// Geometry is the addressable layout of a flash chip.
type Geometry struct {
	TotalSize  uint32 // bytes
	PageSize   uint32 // program granularity
	SectorSize uint32 // erase granularity
}

// MaxOffset is the first offset past the end of the chip.
func (g Geometry) MaxOffset() uint32 { return g.TotalSize }

// Validate checks that sectors tile the chip and pages tile a sector.
func (g Geometry) Validate() error {
	switch {
	case g.TotalSize == 0 || g.PageSize == 0 || g.SectorSize == 0:
		return errors.New("geometry has a zero size")
	case g.SectorSize%g.PageSize != 0:
		return fmt.Errorf("sector size %#x is not a multiple of page size %#x", g.SectorSize, g.PageSize)
	case g.TotalSize%g.SectorSize != 0:
		return fmt.Errorf("total size %#x is not a multiple of sector size %#x", g.TotalSize, g.SectorSize)
	}
	return nil
}

func (g Geometry) sectorBase(off uint32) uint32 { return off - off%g.SectorSize }

func (g Geometry) String() string {
	return fmt.Sprintf("size=%#x page=%#x sector=%#x", g.TotalSize, g.PageSize, g.SectorSize)
}

// Probe reads the JEDEC ID and looks the chip up in the known-part table.
// An unknown ID is a hard failure: guessing a geometry could corrupt a part
// with different page or sector sizes.
func Probe(f *Flash) (Chip, error) {
	id, name, err := f.ReadID()
	if err != nil {
		return Chip{}, fmt.Errorf("read flash ID: %w", err)
	}
	if name == "" {
		return Chip{}, fmt.Errorf("%w: JEDEC ID %X", ErrUnknownChip, id)
	}
	chip := *f.chip
	if err := chip.Validate(); err != nil {
		return Chip{}, fmt.Errorf("%s: %w", chip.Name, err)
	}
	glog.V(1).Infof("flash: %s (%X), %s", chip.Name, id, chip.Geometry)
	return chip, nil
}
