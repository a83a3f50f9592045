package memory

import (
	"errors"
	"fmt"
	"io"
	"os"

	"golang.org/x/sys/unix"

	"github.com/bobuhiro11/gosnap/atomicfile"
)

const copyChunk = 1 << 20

// SparseWriter is what a Diff dump needs from its output.
type SparseWriter interface {
	io.WriterAt
	Truncate(size int64) error
}

// copyOut copies n backend bytes at off into w at the same offset.
func (m *Memory) copyOut(w io.WriterAt, off, n int64) error {
	buf := make([]byte, min(n, copyChunk))

	for n > 0 {
		chunk := buf[:min(n, int64(len(buf)))]

		if _, err := m.backend.ReadAt(chunk, off); err != nil {
			return fmt.Errorf("read guest memory at %#x: %w", off, err)
		}

		if _, err := w.WriteAt(chunk, off); err != nil {
			return fmt.Errorf("write memory file at %#x: %w", off, err)
		}

		off += int64(len(chunk))
		n -= int64(len(chunk))
	}

	return nil
}

// DumpFull writes every region densely at its file offset and returns the
// number of bytes written.
func (m *Memory) DumpFull(w io.WriterAt) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	return m.dumpFull(w)
}

func (m *Memory) dumpFull(w io.WriterAt) (int64, error) {
	var total int64

	for _, r := range m.layout {
		if err := m.copyOut(w, int64(r.FileOffset), int64(r.Size)); err != nil {
			return total, err
		}

		total += int64(r.Size)
	}

	return total, nil
}

// DumpDiff sizes f to the total guest memory and writes only the dirty page
// runs, leaving holes elsewhere. Without tracking ever armed there is no
// baseline to diff against, so a full dump is written instead.
func (m *Memory) DumpDiff(f SparseWriter) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if !m.tracking {
		log.Warn("diff requested but dirty page tracking was never enabled, writing full memory")

		return m.dumpFull(f)
	}

	if err := m.collect(); err != nil {
		return 0, err
	}

	if err := f.Truncate(int64(m.layout.TotalSize())); err != nil {
		return 0, fmt.Errorf("truncate memory file: %w", err)
	}

	var total int64

	for i, r := range m.layout {
		err := m.bitmaps[i].Runs(func(first, n int) error {
			off := int64(r.FileOffset) + int64(first)*PageSize

			size := int64(n) * PageSize
			if end := int64(r.FileOffset + r.Size); off+size > end {
				size = end - off
			}

			total += size

			return m.copyOut(f, off, size)
		})
		if err != nil {
			return total, err
		}
	}

	return total, nil
}

// WriteFull dumps all memory to path atomically.
func (m *Memory) WriteFull(path string) (int64, error) {
	return m.writeAtomic(path, func(f *os.File) (int64, error) { return m.DumpFull(f) })
}

// WriteDiff dumps dirty pages to path atomically.
func (m *Memory) WriteDiff(path string) (int64, error) {
	return m.writeAtomic(path, func(f *os.File) (int64, error) { return m.DumpDiff(f) })
}

func (m *Memory) writeAtomic(path string, dump func(*os.File) (int64, error)) (int64, error) {
	f, err := atomicfile.Create(path)
	if err != nil {
		return 0, err
	}

	n, err := dump(f.File)
	if err != nil {
		f.Abort()

		return n, err
	}

	return n, f.Commit()
}

// Extent is a populated byte range of a sparse file.
type Extent struct {
	Offset int64
	Length int64
}

// DataRanges lists the populated ranges of f using SEEK_DATA/SEEK_HOLE.
// On filesystems without hole reporting the kernel treats the whole file as
// data and a Diff file is reported as one fully populated range.
func DataRanges(f *os.File) ([]Extent, error) {
	fi, err := f.Stat()
	if err != nil {
		return nil, fmt.Errorf("stat %s: %w", f.Name(), err)
	}

	size := fi.Size()
	fd := int(f.Fd())

	var (
		out []Extent
		pos int64
	)

	for pos < size {
		data, err := unix.Seek(fd, pos, unix.SEEK_DATA)
		if errors.Is(err, unix.ENXIO) {
			break
		}

		if err != nil {
			return nil, fmt.Errorf("seek data in %s: %w", f.Name(), err)
		}

		hole, err := unix.Seek(fd, data, unix.SEEK_HOLE)
		if err != nil {
			return nil, fmt.Errorf("seek hole in %s: %w", f.Name(), err)
		}

		out = append(out, Extent{Offset: data, Length: hole - data})
		pos = hole
	}

	if _, err := f.Seek(0, io.SeekStart); err != nil {
		return nil, fmt.Errorf("rewind %s: %w", f.Name(), err)
	}

	return out, nil
}
