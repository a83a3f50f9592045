package memory

import (
	"errors"
	"fmt"
)

// PageSize is the dirty tracking granularity.
const PageSize = 4096

const (
	// mmioGapStart..mmioGapEnd is kept free for device MMIO on x86, so
	// guests bigger than 3 GiB get a second region above 4 GiB.
	mmioGapStart = 3 << 30
	mmioGapEnd   = 4 << 30
)

var (
	errRegionUnaligned = errors.New("region is not page aligned")
	errRegionOverlap   = errors.New("regions overlap or are out of order")
	errRegionOffset    = errors.New("region file offsets are not dense")
	errOutOfRange      = errors.New("guest physical range is not backed by memory")
	errEmptyLayout     = errors.New("memory layout has no regions")
)

// Region is a contiguous range of guest physical memory and the place its
// bytes occupy in the backing store and in memory files.
type Region struct {
	GuestAddr  uint64
	Size       uint64
	FileOffset uint64
}

// End returns the first guest address past the region.
func (r Region) End() uint64 { return r.GuestAddr + r.Size }

// Pages returns the number of pages, rounded up.
func (r Region) Pages() int { return int((r.Size + PageSize - 1) / PageSize) }

// Contains reports whether gpa falls inside the region.
func (r Region) Contains(gpa uint64) bool { return gpa >= r.GuestAddr && gpa < r.End() }

// Layout is the ordered set of guest memory regions.
type Layout []Region

// ArchLayout returns the x86 layout for a guest with size bytes of RAM.
func ArchLayout(size uint64) Layout {
	if size <= mmioGapStart {
		return Layout{{GuestAddr: 0, Size: size}}
	}

	return Layout{
		{GuestAddr: 0, Size: mmioGapStart},
		{GuestAddr: mmioGapEnd, Size: size - mmioGapStart, FileOffset: mmioGapStart},
	}
}

// TotalSize is the sum of region sizes; also the size of a full memory file.
func (l Layout) TotalSize() uint64 {
	var n uint64
	for _, r := range l {
		n += r.Size
	}

	return n
}

// Validate checks alignment, ordering and dense file offsets.
func (l Layout) Validate() error {
	if len(l) == 0 {
		return errEmptyLayout
	}

	var off, prevEnd uint64

	for i, r := range l {
		if r.GuestAddr%PageSize != 0 || r.Size%PageSize != 0 || r.Size == 0 {
			return fmt.Errorf("%w: region %d [%#x+%#x]", errRegionUnaligned, i, r.GuestAddr, r.Size)
		}

		if i > 0 && r.GuestAddr < prevEnd {
			return fmt.Errorf("%w: region %d", errRegionOverlap, i)
		}

		if r.FileOffset != off {
			return fmt.Errorf("%w: region %d at %#x, want %#x", errRegionOffset, i, r.FileOffset, off)
		}

		off += r.Size
		prevEnd = r.End()
	}

	return nil
}

// Equal reports whether both layouts describe the same regions.
func (l Layout) Equal(o Layout) bool {
	if len(l) != len(o) {
		return false
	}

	for i := range l {
		if l[i] != o[i] {
			return false
		}
	}

	return true
}

// span is the part of a guest access that lands in one region.
type span struct {
	region int
	off    uint64 // offset inside the region
	n      int
}

// split breaks [gpa, gpa+n) into per-region spans.
func (l Layout) split(gpa uint64, n int) ([]span, error) {
	var spans []span

	for n > 0 {
		idx := -1

		for i, r := range l {
			if r.Contains(gpa) {
				idx = i

				break
			}
		}

		if idx < 0 {
			return nil, fmt.Errorf("%w: %#x", errOutOfRange, gpa)
		}

		r := l[idx]
		chunk := n

		if rem := r.End() - gpa; uint64(chunk) > rem {
			chunk = int(rem)
		}

		spans = append(spans, span{region: idx, off: gpa - r.GuestAddr, n: chunk})
		gpa += uint64(chunk)
		n -= chunk
	}

	return spans, nil
}
