package atomicfile_test

import (
	"errors"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/bobuhiro11/gosnap/atomicfile"
)

func entries(t *testing.T, dir string) []string {
	t.Helper()

	des, err := os.ReadDir(dir)
	require.NoError(t, err)

	names := make([]string, 0, len(des))
	for _, de := range des {
		names = append(names, de.Name())
	}

	return names
}

func TestCommit(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	path := filepath.Join(dir, "out")

	f, err := atomicfile.Create(path)
	require.NoError(t, err)

	_, err = f.WriteString("hello")
	require.NoError(t, err)

	_, err = os.Stat(path)
	require.True(t, os.IsNotExist(err), "target must not exist before commit")

	require.NoError(t, f.Commit())

	got, err := os.ReadFile(path)
	require.NoError(t, err)
	require.Equal(t, "hello", string(got))
	require.Equal(t, []string{"out"}, entries(t, dir))

	require.Error(t, f.Commit())
	require.NoError(t, f.Abort())
}

func TestAbortLeavesNothing(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	path := filepath.Join(dir, "out")

	require.NoError(t, os.WriteFile(path, []byte("old"), 0o600))

	f, err := atomicfile.Create(path)
	require.NoError(t, err)

	_, err = f.WriteString("new")
	require.NoError(t, err)
	require.NoError(t, f.Abort())

	got, err := os.ReadFile(path)
	require.NoError(t, err)
	require.Equal(t, "old", string(got))
	require.Equal(t, []string{"out"}, entries(t, dir))
}

func TestWriteFile(t *testing.T) {
	t.Parallel()

	path := filepath.Join(t.TempDir(), "f")
	require.NoError(t, atomicfile.WriteFile(path, []byte{1, 2, 3}))

	got, err := os.ReadFile(path)
	require.NoError(t, err)
	require.Equal(t, []byte{1, 2, 3}, got)

	require.Error(t, atomicfile.WriteFile(filepath.Join(t.TempDir(), "missing", "f"), nil))
}

func TestAbortAfterFailedDirSync(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	path := filepath.Join(dir, "out")

	f, err := atomicfile.Create(path)
	require.NoError(t, err)

	_, err = f.WriteString("half")
	require.NoError(t, err)

	errEIO := errors.New("input/output error")
	atomicfile.SetDirSync(f, func(string) error { return errEIO })

	require.ErrorIs(t, f.Commit(), errEIO)
	require.True(t, f.Renamed())
	require.Equal(t, []string{"out"}, entries(t, dir))

	require.NoError(t, f.Abort())
	require.Empty(t, entries(t, dir))
	require.NoError(t, f.Abort())
}
