// Package atomicfile writes files through a temp file in the destination
// directory that is fsynced and renamed into place only on Commit.
// Atomicity holds only when the temp file and the target share a filesystem.
package atomicfile

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"github.com/google/uuid"
)

var errDone = errors.New("atomicfile: already committed or aborted")

// File is a pending write to Path.
type File struct {
	*os.File

	Path string

	done      bool
	renamed   bool
	committed bool
	syncDir   func(dir string) error
}

// Create opens a temp file next to path. Nothing appears at path until Commit.
func Create(path string) (*File, error) {
	tmp := filepath.Join(filepath.Dir(path),
		fmt.Sprintf(".%s.%s.tmp", filepath.Base(path), uuid.NewString()))

	f, err := os.OpenFile(tmp, os.O_RDWR|os.O_CREATE|os.O_EXCL, 0o600)
	if err != nil {
		return nil, fmt.Errorf("atomicfile: create temp for %s: %w", path, err)
	}

	return &File{File: f, Path: path, syncDir: syncDir}, nil
}

// Sync flushes the temp file. Commit calls it too; callers that stage several
// files use it to fsync all of them before renaming any.
func (f *File) Sync() error {
	if err := f.File.Sync(); err != nil {
		return fmt.Errorf("atomicfile: fsync %s: %w", f.Name(), err)
	}

	return nil
}

// Commit fsyncs, closes and renames the temp file onto Path, then fsyncs the
// directory so the rename survives a crash. An error may come after the
// rename; Abort then removes Path.
func (f *File) Commit() error {
	if f.done {
		return errDone
	}

	f.done = true

	if err := f.Sync(); err != nil {
		f.File.Close()
		os.Remove(f.Name())

		return err
	}

	if err := f.File.Close(); err != nil {
		os.Remove(f.Name())

		return fmt.Errorf("atomicfile: close %s: %w", f.Name(), err)
	}

	if err := os.Rename(f.Name(), f.Path); err != nil {
		os.Remove(f.Name())

		return fmt.Errorf("atomicfile: rename onto %s: %w", f.Path, err)
	}

	f.renamed = true

	if err := f.syncDir(filepath.Dir(f.Path)); err != nil {
		return err
	}

	f.committed = true

	return nil
}

// Renamed reports whether Commit got as far as renaming onto Path.
func (f *File) Renamed() bool { return f.renamed }

// Abort closes and removes the temp file. After a Commit that failed past
// the rename it removes Path instead. Aborting after a successful Commit is
// a no-op.
func (f *File) Abort() error {
	if f.committed {
		return nil
	}

	if f.renamed {
		f.committed = true

		if err := os.Remove(f.Path); err != nil && !errors.Is(err, os.ErrNotExist) {
			return fmt.Errorf("atomicfile: remove %s: %w", f.Path, err)
		}

		return nil
	}

	if f.done {
		return nil
	}

	f.done = true
	f.File.Close()

	if err := os.Remove(f.Name()); err != nil && !errors.Is(err, os.ErrNotExist) {
		return fmt.Errorf("atomicfile: remove %s: %w", f.Name(), err)
	}

	return nil
}

func syncDir(dir string) error {
	d, err := os.Open(dir)
	if err != nil {
		return fmt.Errorf("atomicfile: open dir: %w", err)
	}
	defer d.Close()

	if err := d.Sync(); err != nil {
		return fmt.Errorf("atomicfile: fsync dir %s: %w", dir, err)
	}

	return nil
}

// WriteFile writes data to path atomically.
func WriteFile(path string, data []byte) error {
	f, err := Create(path)
	if err != nil {
		return err
	}

	if _, err := f.Write(data); err != nil {
		f.Abort()

		return fmt.Errorf("atomicfile: write %s: %w", path, err)
	}

	return f.Commit()
}
