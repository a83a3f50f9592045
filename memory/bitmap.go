package memory

import "math/bits"

// Bitmap holds one bit per guest page of a region. The word layout is the
// one KVM_GET_DIRTY_LOG uses, so a hardware log can be OR-ed in directly.
type Bitmap struct {
	words []uint64
	pages int
}

// NewBitmap returns a cleared bitmap covering pages pages.
func NewBitmap(pages int) *Bitmap {
	return &Bitmap{
		words: make([]uint64, (pages+63)/64),
		pages: pages,
	}
}

// Len is the number of pages covered.
func (b *Bitmap) Len() int { return b.pages }

// Words exposes the backing words. Callers must not grow the slice.
func (b *Bitmap) Words() []uint64 { return b.words }

// Set marks page as dirty. Out of range pages are ignored.
func (b *Bitmap) Set(page int) {
	if page < 0 || page >= b.pages {
		return
	}

	b.words[page/64] |= 1 << uint(page%64)
}

// SetRange marks n pages starting at first.
func (b *Bitmap) SetRange(first, n int) {
	for p := first; p < first+n; p++ {
		b.Set(p)
	}
}

// Test reports whether page is dirty.
func (b *Bitmap) Test(page int) bool {
	if page < 0 || page >= b.pages {
		return false
	}

	return b.words[page/64]&(1<<uint(page%64)) != 0
}

// Count returns the number of dirty pages.
func (b *Bitmap) Count() int {
	n := 0
	for _, w := range b.words {
		n += bits.OnesCount64(w)
	}

	return n
}

// Clear zeroes every bit.
func (b *Bitmap) Clear() {
	for i := range b.words {
		b.words[i] = 0
	}
}

// Or merges words (same layout) into b. Bits past Len are dropped.
func (b *Bitmap) Or(words []uint64) {
	n := len(words)
	if n > len(b.words) {
		n = len(b.words)
	}

	for i := 0; i < n; i++ {
		b.words[i] |= words[i]
	}

	if rem := b.pages % 64; rem != 0 && len(b.words) > 0 {
		b.words[len(b.words)-1] &= (1 << uint(rem)) - 1
	}
}

// Runs calls fn for every maximal run of consecutive dirty pages, in
// ascending order.
func (b *Bitmap) Runs(fn func(first, n int) error) error {
	start := -1

	for p := 0; p < b.pages; p++ {
		if b.words[p/64] == 0 && p%64 == 0 && start < 0 {
			p += 63

			continue
		}

		dirty := b.Test(p)

		switch {
		case dirty && start < 0:
			start = p
		case !dirty && start >= 0:
			if err := fn(start, p-start); err != nil {
				return err
			}

			start = -1
		}
	}

	if start >= 0 {
		return fn(start, b.pages-start)
	}

	return nil
}
