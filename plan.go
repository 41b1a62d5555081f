package bioswrite

import (
	"bytes"
	"fmt"
)

// PageOp is one page of a write plan. When NeedsErase is set the sector
// containing Offset is erased before the page is programmed.
type PageOp struct {
	Offset     uint32
	Size       uint32
	NeedsErase bool
	Payload    []byte
}

// Range is a span of the chip.
type Range struct {
	Offset, Length uint32
}

func (r Range) overlaps(off, n uint32) bool {
	if r.Length == 0 || n == 0 {
		return false
	}
	return uint64(off) < uint64(r.Offset)+uint64(r.Length) && uint64(r.Offset) < uint64(off)+uint64(n)
}

// PlanRequest describes a whole-sector span of the chip before and after a
// write.
type PlanRequest struct {
	Base    uint32 // chip offset of Current[0] and Desired[0], sector aligned
	Current []byte
	Desired []byte

	// Force rewrites every page overlapping Target whatever its content.
	Force  bool
	Target Range
}

// Plan returns the page operations that turn Current into Desired, in
// ascending offset order. Pages already equal to Desired are skipped, and
// pages that only need bits cleared are programmed in place. Any page that
// needs a bit set erases its whole sector; every page of an erased sector is
// then programmed from Desired since the erase destroys it. Payloads alias
// req.Desired.
func Plan(g Geometry, req PlanRequest) ([]PageOp, error) {
	if err := g.Validate(); err != nil {
		return nil, err
	}
	if len(req.Current) != len(req.Desired) {
		return nil, fmt.Errorf("plan: current is %d bytes, desired %d", len(req.Current), len(req.Desired))
	}
	span, err := newRequest(req.Base, len(req.Desired), DirWrite, g)
	if err != nil {
		return nil, err
	}
	n := span.Length
	if req.Base%g.SectorSize != 0 || n%g.SectorSize != 0 {
		return nil, fmt.Errorf("%w: plan span %#08x+%#x is not whole sectors", ErrOutOfBounds, req.Base, n)
	}

	var ops []PageOp
	for s := uint32(0); s < n; s += g.SectorSize {
		erase := false
		var progs []PageOp
		for p := s; p < s+g.SectorSize && !erase; p += g.PageSize {
			off := req.Base + p
			cur, want := req.Current[p:p+g.PageSize], req.Desired[p:p+g.PageSize]
			switch {
			case req.Force && req.Target.overlaps(off, g.PageSize):
				erase = true
			case bytes.Equal(cur, want):
			case programmable(cur, want):
				progs = append(progs, PageOp{Offset: off, Size: g.PageSize, Payload: want})
			default:
				erase = true
			}
		}
		if !erase {
			ops = append(ops, progs...)
			continue
		}
		for p := s; p < s+g.SectorSize; p += g.PageSize {
			ops = append(ops, PageOp{
				Offset:     req.Base + p,
				Size:       g.PageSize,
				NeedsErase: p == s,
				Payload:    req.Desired[p : p+g.PageSize],
			})
		}
	}
	return ops, nil
}

// programmable reports whether programming can turn cur into want, i.e. no
// bit has to go from 0 to 1.
func programmable(cur, want []byte) bool {
	for i := range want {
		if cur[i]&want[i] != want[i] {
			return false
		}
	}
	return true
}

// countErases returns the number of sector erases in ops.
func countErases(ops []PageOp) int {
	n := 0
	for _, op := range ops {
		if op.NeedsErase {
			n++
		}
	}
	return n
}
