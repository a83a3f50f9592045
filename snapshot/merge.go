package snapshot

import (
	"errors"
	"fmt"
	"io"
	"os"

	"github.com/sirupsen/logrus"

	"github.com/bobuhiro11/gosnap/memory"
)

var log = logrus.WithField("subsystem", "snapshot") //nolint:gochecknoglobals

// ErrFormat reports memory files that cannot be merged.
var ErrFormat = errors.New("memory files have different sizes")

// MergeLayer copies every populated range of the sparse diff file onto base
// at the same offsets. Diffs must be applied in the order they were created;
// nothing here can tell the order apart.
func MergeLayer(basePath, diffPath string) (int64, error) {
	base, err := os.OpenFile(basePath, os.O_RDWR, 0)
	if err != nil {
		return 0, fmt.Errorf("open base: %w", err)
	}
	defer base.Close()

	diff, err := os.Open(diffPath)
	if err != nil {
		return 0, fmt.Errorf("open diff: %w", err)
	}
	defer diff.Close()

	bfi, err := base.Stat()
	if err != nil {
		return 0, fmt.Errorf("stat base: %w", err)
	}

	dfi, err := diff.Stat()
	if err != nil {
		return 0, fmt.Errorf("stat diff: %w", err)
	}

	if bfi.Size() != dfi.Size() {
		return 0, fmt.Errorf("%w: base %d bytes, diff %d bytes", ErrFormat, bfi.Size(), dfi.Size())
	}

	ranges, err := memory.DataRanges(diff)
	if err != nil {
		return 0, err
	}

	var copied int64

	for _, r := range ranges {
		src := io.NewSectionReader(diff, r.Offset, r.Length)
		dst := io.NewOffsetWriter(base, r.Offset)

		n, err := io.Copy(dst, src)
		copied += n

		if err != nil {
			return copied, fmt.Errorf("copy range [%#x+%#x]: %w", r.Offset, r.Length, err)
		}
	}

	if err := base.Sync(); err != nil {
		return copied, fmt.Errorf("fsync base: %w", err)
	}

	log.WithFields(logrus.Fields{
		"base":   basePath,
		"diff":   diffPath,
		"ranges": len(ranges),
		"bytes":  copied,
	}).Info("diff layer merged")

	return copied, nil
}
