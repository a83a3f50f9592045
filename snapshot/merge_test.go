package snapshot_test

import (
	"bytes"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/bobuhiro11/gosnap/memory"
	"github.com/bobuhiro11/gosnap/snapshot"
)

const pg = memory.PageSize

func holesSupported(t *testing.T, dir string) {
	t.Helper()

	path := filepath.Join(dir, "probe")
	f, err := os.Create(path)
	require.NoError(t, err)

	defer f.Close()

	require.NoError(t, f.Truncate(4*pg))
	_, err = f.WriteAt([]byte{1}, 2*pg)
	require.NoError(t, err)

	ranges, err := memory.DataRanges(f)
	require.NoError(t, err)

	if len(ranges) != 1 || ranges[0].Offset != 2*pg {
		t.Skipf("filesystem does not report holes: %v", ranges)
	}
}

// Full followed by N diffs merged in creation order equals live memory.
func TestMergeChainEqualsLiveMemory(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	holesSupported(t, dir)

	layout := memory.Layout{{GuestAddr: 0, Size: 32 * pg}}
	backend, err := memory.NewAnonymousMapping(32 * pg)
	require.NoError(t, err)

	m, err := memory.New(layout, backend)
	require.NoError(t, err)

	defer m.Close()

	_, err = m.WriteAt(bytes.Repeat([]byte{0x11}, 32*pg), 0)
	require.NoError(t, err)

	base := filepath.Join(dir, "base")
	_, err = m.WriteFull(base)
	require.NoError(t, err)
	require.NoError(t, m.EnableDirtyTracking())

	for step, pages := range [][]int{{0, 3}, {3, 4, 31}, {10}} {
		for _, p := range pages {
			_, err := m.WriteAt(bytes.Repeat([]byte{byte(0x20 + step)}, 100), int64(p*pg+7))
			require.NoError(t, err)
		}

		diff := filepath.Join(dir, "diff")
		_, err = m.WriteDiff(diff)
		require.NoError(t, err)
		require.NoError(t, m.ClearDirtyBitmap())

		_, err = snapshot.MergeLayer(base, diff)
		require.NoError(t, err)
	}

	live := make([]byte, 32*pg)
	_, err = m.ReadAt(live, 0)
	require.NoError(t, err)

	merged, err := os.ReadFile(base)
	require.NoError(t, err)
	assert.Equal(t, live, merged)
}

func TestMergeSizeMismatch(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	base := filepath.Join(dir, "base")
	diff := filepath.Join(dir, "diff")

	require.NoError(t, os.WriteFile(base, make([]byte, 2*pg), 0o600))
	require.NoError(t, os.WriteFile(diff, make([]byte, pg), 0o600))

	_, err := snapshot.MergeLayer(base, diff)
	assert.ErrorIs(t, err, snapshot.ErrFormat)

	_, err = snapshot.MergeLayer(base, filepath.Join(dir, "nope"))
	assert.Error(t, err)
}
