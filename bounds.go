package bioswrite

import (
	"fmt"
	"math/bits"
)

// Validate checks that [offset, offset+length) lies inside the chip. The sum
// is computed with carry so a wrapping range is rejected, never truncated.
func Validate(offset, length uint32, g Geometry) error {
	end, carry := bits.Add32(offset, length, 0)
	if carry != 0 {
		return fmt.Errorf("%w: offset %#x + length %#x overflows", ErrOutOfBounds, offset, length)
	}
	if end > g.MaxOffset() {
		return fmt.Errorf("%w: offset %#08x + length %#08x > flash size %#08x", ErrOutOfBounds, offset, length, g.TotalSize)
	}
	return nil
}

// ValidateAligned is Validate plus sector alignment of both ends, as needed
// by erase.
func ValidateAligned(offset, length uint32, g Geometry) error {
	if err := Validate(offset, length, g); err != nil {
		return err
	}
	if offset%g.SectorSize != 0 || length%g.SectorSize != 0 {
		return fmt.Errorf("%w: range %#08x+%#x not aligned to %#x byte sectors", ErrOutOfBounds, offset, length, g.SectorSize)
	}
	return nil
}

// Direction is the data direction of a TransferRequest.
type Direction int

const (
	DirRead Direction = iota
	DirWrite
)

func (d Direction) String() string {
	if d == DirWrite {
		return "write"
	}
	return "read"
}

// TransferRequest is a chip range about to be read or written. Check must
// pass before the request reaches the transfer engine.
type TransferRequest struct {
	Offset    uint32
	Length    uint32
	Direction Direction
}

// Check validates the request against g.
func (r TransferRequest) Check(g Geometry) error {
	if err := Validate(r.Offset, r.Length, g); err != nil {
		return fmt.Errorf("%v: %w", r.Direction, err)
	}
	return nil
}

// newRequest builds a checked request for a buffer of n bytes. Lengths that
// do not fit in 32 bits cannot address the chip.
func newRequest(offset uint32, n int, dir Direction, g Geometry) (TransferRequest, error) {
	if n < 0 || uint64(n) > uint64(^uint32(0)) {
		return TransferRequest{}, fmt.Errorf("%v: %w: length %d", dir, ErrOutOfBounds, n)
	}
	r := TransferRequest{Offset: offset, Length: uint32(n), Direction: dir}
	return r, r.Check(g)
}
