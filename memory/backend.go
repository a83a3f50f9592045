package memory

import (
	"errors"
	"fmt"
	"io"
	"os"

	"golang.org/x/sys/unix"
)

var (
	errShortBackend = errors.New("backing file size does not match guest memory")
	errAccessRange  = errors.New("access outside backing store")
	errClosed       = errors.New("backing store is closed")
)

// Backend stores guest memory bytes at dense file offsets (Region.FileOffset).
type Backend interface {
	io.ReaderAt
	io.WriterAt
	Size() int64
	Close() error
}

// HostMapped is implemented by backends whose bytes live in one host mapping,
// which is what KVM needs to register a memory slot.
type HostMapped interface {
	Bytes() []byte
}

// MapMode selects how MapLazy exposes a memory file.
type MapMode int

const (
	// MapPrivate maps the file MAP_PRIVATE: the kernel faults pages in from the
	// file on first access and gives writes a private anonymous copy.
	MapPrivate MapMode = iota
	// MapOverlay keeps a read-only handle to the file and an explicit private
	// page overlay in process memory.
	MapOverlay
)

func (m MapMode) String() string {
	switch m {
	case MapPrivate:
		return "mmap"
	case MapOverlay:
		return "overlay"
	default:
		return fmt.Sprintf("MapMode(%d)", int(m))
	}
}

// ParseMapMode accepts the names produced by String.
func ParseMapMode(s string) (MapMode, error) {
	switch s {
	case "", "mmap":
		return MapPrivate, nil
	case "overlay":
		return MapOverlay, nil
	default:
		return 0, fmt.Errorf("unknown memory backend %q", s)
	}
}

// Mapping is a backend over a host mmap, anonymous or private file-backed.
type Mapping struct {
	buf  []byte
	file *os.File
}

var _ HostMapped = (*Mapping)(nil)

// NewAnonymousMapping allocates size bytes of zeroed private memory.
func NewAnonymousMapping(size int64) (*Mapping, error) {
	buf, err := unix.Mmap(-1, 0, int(size),
		unix.PROT_READ|unix.PROT_WRITE, unix.MAP_PRIVATE|unix.MAP_ANONYMOUS|unix.MAP_NORESERVE)
	if err != nil {
		return nil, fmt.Errorf("mmap anonymous %d: %w", size, err)
	}

	return &Mapping{buf: buf}, nil
}

// NewPrivateFileMapping maps path copy-on-write. The file is opened read-only
// and the handle is kept for the life of the mapping; the file must not be
// modified by anyone while mapped.
func NewPrivateFileMapping(path string, size int64) (*Mapping, error) {
	f, err := openSized(path, size)
	if err != nil {
		return nil, err
	}

	buf, err := unix.Mmap(int(f.Fd()), 0, int(size),
		unix.PROT_READ|unix.PROT_WRITE, unix.MAP_PRIVATE|unix.MAP_NORESERVE)
	if err != nil {
		f.Close()

		return nil, fmt.Errorf("mmap %s: %w", path, err)
	}

	return &Mapping{buf: buf, file: f}, nil
}

func openSized(path string, size int64) (*os.File, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open memory file: %w", err)
	}

	fi, err := f.Stat()
	if err != nil {
		f.Close()

		return nil, fmt.Errorf("stat memory file: %w", err)
	}

	if fi.Size() != size {
		f.Close()

		return nil, fmt.Errorf("%w: %s is %d bytes, want %d", errShortBackend, path, fi.Size(), size)
	}

	return f, nil
}

// Bytes returns the host mapping.
func (m *Mapping) Bytes() []byte { return m.buf }

// Size returns the mapping length.
func (m *Mapping) Size() int64 { return int64(len(m.buf)) }

func (m *Mapping) bounds(n int, off int64) error {
	if m.buf == nil {
		return errClosed
	}

	if off < 0 || off+int64(n) > int64(len(m.buf)) {
		return fmt.Errorf("%w: [%#x+%#x] size %#x", errAccessRange, off, n, len(m.buf))
	}

	return nil
}

// ReadAt copies from the mapping.
func (m *Mapping) ReadAt(p []byte, off int64) (int, error) {
	if err := m.bounds(len(p), off); err != nil {
		return 0, err
	}

	return copy(p, m.buf[off:]), nil
}

// WriteAt copies into the mapping. For file mappings the file is untouched.
func (m *Mapping) WriteAt(p []byte, off int64) (int, error) {
	if err := m.bounds(len(p), off); err != nil {
		return 0, err
	}

	return copy(m.buf[off:], p), nil
}

// Close unmaps and releases the file handle, if any.
func (m *Mapping) Close() error {
	if m.buf == nil {
		return nil
	}

	err := unix.Munmap(m.buf)
	m.buf = nil

	if m.file != nil {
		if cerr := m.file.Close(); err == nil {
			err = cerr
		}
	}

	return err
}
