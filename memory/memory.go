// Package memory manages guest physical memory: the region layout, the
// backing store, per-page dirty tracking, Full and Diff memory files and
// lazy copy-on-write mapping of a memory file on restore.
package memory

import (
	"errors"
	"fmt"
	"sync"

	"github.com/sirupsen/logrus"
)

var log = logrus.WithField("subsystem", "memory") //nolint:gochecknoglobals

var errBackendSize = errors.New("backend size does not match layout")

// DirtyLogSource is a hardware assisted dirty log, typically one KVM memory
// slot per region. Collect ORs pages dirtied since the previous call into b
// and resets the source.
type DirtyLogSource interface {
	Arm() error
	Collect(region int, b *Bitmap) error
}

// Memory is the guest physical memory of one VM.
type Memory struct {
	mu       sync.Mutex
	layout   Layout
	backend  Backend
	bitmaps  []*Bitmap
	tracking bool
	dirtyLog DirtyLogSource
}

// New wraps backend, which must hold exactly layout.TotalSize bytes.
func New(layout Layout, backend Backend) (*Memory, error) {
	if err := layout.Validate(); err != nil {
		return nil, err
	}

	if backend.Size() != int64(layout.TotalSize()) {
		return nil, fmt.Errorf("%w: %d != %d", errBackendSize, backend.Size(), layout.TotalSize())
	}

	m := &Memory{
		layout:  append(Layout(nil), layout...),
		backend: backend,
		bitmaps: make([]*Bitmap, len(layout)),
	}

	for i, r := range layout {
		m.bitmaps[i] = NewBitmap(r.Pages())
	}

	return m, nil
}

// NewAnonymous allocates zeroed memory with the x86 layout for size bytes.
func NewAnonymous(size uint64) (*Memory, error) {
	layout := ArchLayout(size)
	if err := layout.Validate(); err != nil {
		return nil, err
	}

	backend, err := NewAnonymousMapping(int64(size))
	if err != nil {
		return nil, err
	}

	m, err := New(layout, backend)
	if err != nil {
		backend.Close()

		return nil, err
	}

	return m, nil
}

// Layout returns a copy of the region layout.
func (m *Memory) Layout() Layout { return append(Layout(nil), m.layout...) }

// Backend returns the current backing store.
func (m *Memory) Backend() Backend {
	m.mu.Lock()
	defer m.mu.Unlock()

	return m.backend
}

// ReadAt reads guest physical memory at gpa.
func (m *Memory) ReadAt(p []byte, gpa int64) (int, error) {
	spans, err := m.layout.split(uint64(gpa), len(p))
	if err != nil {
		return 0, err
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	done := 0

	for _, s := range spans {
		off := int64(m.layout[s.region].FileOffset + s.off)
		if _, err := m.backend.ReadAt(p[done:done+s.n], off); err != nil {
			return done, err
		}

		done += s.n
	}

	return done, nil
}

// WriteAt writes guest physical memory at gpa and marks the touched pages
// when tracking is armed.
func (m *Memory) WriteAt(p []byte, gpa int64) (int, error) {
	spans, err := m.layout.split(uint64(gpa), len(p))
	if err != nil {
		return 0, err
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	done := 0

	for _, s := range spans {
		off := int64(m.layout[s.region].FileOffset + s.off)
		if _, err := m.backend.WriteAt(p[done:done+s.n], off); err != nil {
			return done, err
		}

		m.mark(s)
		done += s.n
	}

	return done, nil
}

func (m *Memory) mark(s span) {
	if !m.tracking || s.n == 0 {
		return
	}

	first := int(s.off / PageSize)
	last := int((s.off + uint64(s.n) - 1) / PageSize)
	m.bitmaps[s.region].SetRange(first, last-first+1)
}

// MarkDirty records writes done behind the Memory's back, for instance by
// a device that holds the host mapping.
func (m *Memory) MarkDirty(gpa uint64, n int) error {
	spans, err := m.layout.split(gpa, n)
	if err != nil {
		return err
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	for _, s := range spans {
		m.mark(s)
	}

	return nil
}

// SetDirtyLog attaches a hardware dirty log. It is armed immediately when
// tracking is already on.
func (m *Memory) SetDirtyLog(src DirtyLogSource) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.dirtyLog = src

	if m.tracking && src != nil {
		return src.Arm()
	}

	return nil
}

// EnableDirtyTracking arms tracking from now on.
func (m *Memory) EnableDirtyTracking() error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.tracking {
		return nil
	}

	if m.dirtyLog != nil {
		if err := m.dirtyLog.Arm(); err != nil {
			return fmt.Errorf("arm dirty log: %w", err)
		}
	}

	m.tracking = true
	log.Debug("dirty page tracking enabled")

	return nil
}

// DirtyTrackingEnabled reports whether tracking was ever armed.
func (m *Memory) DirtyTrackingEnabled() bool {
	m.mu.Lock()
	defer m.mu.Unlock()

	return m.tracking
}

// collect drains the hardware log into the bitmaps. Caller holds mu.
func (m *Memory) collect() error {
	if !m.tracking || m.dirtyLog == nil {
		return nil
	}

	for i, b := range m.bitmaps {
		if err := m.dirtyLog.Collect(i, b); err != nil {
			return fmt.Errorf("collect dirty log for region %d: %w", i, err)
		}
	}

	return nil
}

// DirtyPages returns the number of pages marked since the last clear.
func (m *Memory) DirtyPages() (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if err := m.collect(); err != nil {
		return 0, err
	}

	n := 0
	for _, b := range m.bitmaps {
		n += b.Count()
	}

	return n, nil
}

// IsDirty reports whether the page holding gpa is marked.
func (m *Memory) IsDirty(gpa uint64) bool {
	m.mu.Lock()
	defer m.mu.Unlock()

	for i, r := range m.layout {
		if r.Contains(gpa) {
			return m.bitmaps[i].Test(int((gpa - r.GuestAddr) / PageSize))
		}
	}

	return false
}

// ClearDirtyBitmap drops every mark, including anything still pending in the
// hardware log.
func (m *Memory) ClearDirtyBitmap() error {
	m.mu.Lock()
	defer m.mu.Unlock()

	err := m.collect()

	for _, b := range m.bitmaps {
		b.Clear()
	}

	return err
}

// MapLazy replaces the backend with a copy-on-write view of the memory file
// at path. The file is never written. A hardware dirty log registered
// against the old host mapping must be registered again.
func (m *Memory) MapLazy(path string, mode MapMode) error {
	size := int64(m.layout.TotalSize())

	var (
		backend Backend
		err     error
	)

	switch mode {
	case MapPrivate:
		backend, err = NewPrivateFileMapping(path, size)
	case MapOverlay:
		backend, err = OpenOverlay(path, size)
	default:
		err = fmt.Errorf("unknown map mode %v", mode)
	}

	if err != nil {
		return err
	}

	m.mu.Lock()
	old := m.backend
	m.backend = backend
	m.dirtyLog = nil
	m.mu.Unlock()

	log.WithFields(logrus.Fields{"path": path, "mode": mode.String(), "size": size}).
		Info("memory file mapped")

	if old != nil {
		return old.Close()
	}

	return nil
}

// Close releases the backing store.
func (m *Memory) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.backend == nil {
		return nil
	}

	err := m.backend.Close()
	m.backend = nil

	return err
}
