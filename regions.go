package bioswrite

import (
	"fmt"
	"slices"

	"github.com/linuxboot/fiano/pkg/uefi"
)

// FlashRegion is one region of an Intel flash layout. Limit is the last
// byte of the region.
type FlashRegion struct {
	Name     string
	Base     uint32
	Limit    uint32
	Readable bool
	Writable bool
}

func (r FlashRegion) Size() uint32 { return r.Limit - r.Base + 1 }

func (r FlashRegion) String() string {
	return fmt.Sprintf("%s [%#08x-%#08x]", r.Name, r.Base, r.Limit)
}

// ProtectedRange is a PRx range with write protection enabled.
type ProtectedRange struct {
	Index int
	Base  uint32
	Limit uint32
}

func (p ProtectedRange) String() string {
	return fmt.Sprintf("PR%d [%#08x-%#08x]", p.Index, p.Base, p.Limit)
}

// [ICH9|22.1.11 FREG0 - Flash Region 0 (Flash Descriptor) Register]
const (
	fregCount = 5
	prCount   = 5

	prWPE = 1 << 31
)

func fregBase(v uint32) uint32  { return (v & 0x1fff) << 12 }
func fregLimit(v uint32) uint32 { return (v>>4)&0x01fff000 | 0xfff }

func regionName(i int) string {
	if i == 0 {
		return "Descriptor"
	}
	// fiano numbers the regions after the descriptor
	return uefi.FlashRegionType(i - 1).String()
}

// Regions decodes the flash regions and the write protected ranges. Flash
// regions are only reported in descriptor mode; a disabled region (limit
// below base) is left out.
func (c *ICH) Regions() ([]FlashRegion, []ProtectedRange, error) {
	var regions []FlashRegion
	if c.fdv {
		frap, err := c.regs.Read32(ich9RegFRAP)
		if err != nil {
			return nil, nil, err
		}
		brra, brwa := frap&0xff, (frap>>8)&0xff
		for i := range fregCount {
			v, err := c.regs.Read32(ich9RegFREG0 + uint32(4*i))
			if err != nil {
				return nil, nil, err
			}
			base, limit := fregBase(v), fregLimit(v)
			if limit < base {
				continue
			}
			regions = append(regions, FlashRegion{
				Name:     regionName(i),
				Base:     base,
				Limit:    limit,
				Readable: brra&(1<<i) != 0,
				Writable: brwa&(1<<i) != 0,
			})
		}
	}

	var prs []ProtectedRange
	for i := range prCount {
		v, err := c.regs.Read32(ich9RegPR0 + uint32(4*i))
		if err != nil {
			return nil, nil, err
		}
		if v&prWPE == 0 {
			continue
		}
		prs = append(prs, ProtectedRange{Index: i, Base: fregBase(v), Limit: fregLimit(v)})
	}
	return regions, prs, nil
}

// checkWritable refuses [off, off+n) when it touches a region without host
// write access or a write protected range.
func checkWritable(regions []FlashRegion, prs []ProtectedRange, off, n uint32) error {
	for _, r := range regions {
		if !r.Writable && (Range{off, n}).overlaps(r.Base, r.Size()) {
			return fmt.Errorf("%w: %#08x+%#x overlaps %v", ErrRegionProtected, off, n, r)
		}
	}
	for _, p := range prs {
		if (Range{off, n}).overlaps(p.Base, p.Limit-p.Base+1) {
			return fmt.Errorf("%w: %#08x+%#x overlaps %v", ErrRegionProtected, off, n, p)
		}
	}
	return nil
}

// DescriptorRegions decodes the Intel flash descriptor at the start of image
// and returns its regions, descriptor first. Access grants are not part of
// the image layout and are left unset.
func DescriptorRegions(image []byte) ([]FlashRegion, error) {
	if len(image) < uefi.FlashDescriptorLength {
		return nil, fmt.Errorf("image is %#x bytes, shorter than a flash descriptor", len(image))
	}
	var fd uefi.FlashDescriptor
	fd.SetBuf(image[:uefi.FlashDescriptorLength])
	if err := fd.ParseFlashDescriptor(); err != nil {
		return nil, fmt.Errorf("flash descriptor: %w", err)
	}

	regions := []FlashRegion{{Name: regionName(0), Base: 0, Limit: uefi.FlashDescriptorLength - 1}}
	for i, r := range fd.Region.FlashRegions {
		if !r.Valid() {
			continue
		}
		regions = append(regions, FlashRegion{
			Name:  regionName(i + 1),
			Base:  r.BaseOffset(),
			Limit: r.EndOffset() - 1,
		})
	}
	return regions, nil
}

// SameLayout reports whether every region of chip appears in image with the
// same bounds. Access grants are ignored, and image regions the controller
// does not report are not compared.
func SameLayout(chip, image []FlashRegion) bool {
	for _, c := range chip {
		i := slices.IndexFunc(image, func(r FlashRegion) bool { return r.Name == c.Name })
		if i < 0 || image[i].Base != c.Base || image[i].Limit != c.Limit {
			return false
		}
	}
	return true
}
