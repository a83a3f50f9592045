package memory

import (
	"fmt"
	"io"
	"os"
	"sort"
	"sync"
	"sync/atomic"
)

// Overlay is an explicit copy-on-write view of a memory file: reads of
// untouched pages go to the file every time, the first write to a page
// copies it into a private buffer and all later accesses use that copy.
// The base is never written.
type Overlay struct {
	mu     sync.RWMutex
	base   io.ReaderAt
	closer io.Closer
	size   int64
	pages  map[int64][]byte

	baseReads atomic.Uint64
}

// NewOverlay wraps base, which must hold size bytes.
func NewOverlay(base io.ReaderAt, size int64) *Overlay {
	o := &Overlay{
		base:  base,
		size:  size,
		pages: make(map[int64][]byte),
	}

	if c, ok := base.(io.Closer); ok {
		o.closer = c
	}

	return o
}

// OpenOverlay opens path read-only and wraps it.
func OpenOverlay(path string, size int64) (*Overlay, error) {
	f, err := openSized(path, size)
	if err != nil {
		return nil, err
	}

	return NewOverlay(readOnly{f}, size), nil
}

// readOnly hides WriteAt so nothing can reach the base file through a type
// assertion.
type readOnly struct{ f *os.File }

func (r readOnly) ReadAt(p []byte, off int64) (int, error) { return r.f.ReadAt(p, off) }
func (r readOnly) Close() error                            { return r.f.Close() }

// Size returns the guest memory size.
func (o *Overlay) Size() int64 { return o.size }

// PrivatePages returns the indices of pages that have a private copy.
func (o *Overlay) PrivatePages() []int64 {
	o.mu.RLock()
	defer o.mu.RUnlock()

	idx := make([]int64, 0, len(o.pages))
	for p := range o.pages {
		idx = append(idx, p)
	}

	sort.Slice(idx, func(i, j int) bool { return idx[i] < idx[j] })

	return idx
}

// BaseReads counts reads served from the base file.
func (o *Overlay) BaseReads() uint64 { return o.baseReads.Load() }

func (o *Overlay) check(n int, off int64) error {
	if o.pages == nil {
		return errClosed
	}

	if off < 0 || off+int64(n) > o.size {
		return fmt.Errorf("%w: [%#x+%#x] size %#x", errAccessRange, off, n, o.size)
	}

	return nil
}

func (o *Overlay) readBase(p []byte, off int64) error {
	o.baseReads.Add(1)

	if _, err := o.base.ReadAt(p, off); err != nil {
		return fmt.Errorf("read memory file at %#x: %w", off, err)
	}

	return nil
}

// ReadAt reads through the overlay.
func (o *Overlay) ReadAt(p []byte, off int64) (int, error) {
	o.mu.RLock()
	defer o.mu.RUnlock()

	if err := o.check(len(p), off); err != nil {
		return 0, err
	}

	done := 0

	for done < len(p) {
		cur := off + int64(done)
		page := cur / PageSize
		inPage := cur % PageSize

		n := int(PageSize - inPage)
		if n > len(p)-done {
			n = len(p) - done
		}

		if priv, ok := o.pages[page]; ok {
			copy(p[done:done+n], priv[inPage:])
		} else if err := o.readBase(p[done:done+n], cur); err != nil {
			return done, err
		}

		done += n
	}

	return done, nil
}

// WriteAt writes into private page copies, faulting each page in from the
// base file on first write.
func (o *Overlay) WriteAt(p []byte, off int64) (int, error) {
	o.mu.Lock()
	defer o.mu.Unlock()

	if err := o.check(len(p), off); err != nil {
		return 0, err
	}

	done := 0

	for done < len(p) {
		cur := off + int64(done)
		page := cur / PageSize
		inPage := cur % PageSize

		n := int(PageSize - inPage)
		if n > len(p)-done {
			n = len(p) - done
		}

		priv, ok := o.pages[page]
		if !ok {
			priv = make([]byte, PageSize)

			// A page cut by the end of the file keeps zeroes past it.
			want := int64(PageSize)
			if rem := o.size - page*PageSize; rem < want {
				want = rem
			}

			if err := o.readBase(priv[:want], page*PageSize); err != nil {
				return done, err
			}

			o.pages[page] = priv
		}

		copy(priv[inPage:], p[done:done+n])
		done += n
	}

	return done, nil
}

// Close drops private pages and closes the base handle.
func (o *Overlay) Close() error {
	o.mu.Lock()
	defer o.mu.Unlock()

	o.pages = nil

	if o.closer != nil {
		return o.closer.Close()
	}

	return nil
}
