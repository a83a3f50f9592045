package flag_test

import (
	"bytes"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/alecthomas/kong"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/bobuhiro11/gosnap/flag"
	"github.com/bobuhiro11/gosnap/memory"
	"github.com/bobuhiro11/gosnap/persist"
	"github.com/bobuhiro11/gosnap/snapshot"
	"github.com/bobuhiro11/gosnap/version"
)

func writeSnapshot(t *testing.T) string {
	t.Helper()

	payload, err := persist.EncodeTree(persist.Tree{
		Memory: memory.Layout{{GuestAddr: 0, Size: 4 * memory.PageSize}},
	}, version.Current)
	require.NoError(t, err)

	path := filepath.Join(t.TempDir(), "snap")
	require.NoError(t, snapshot.WriteFile(path, uint16(version.Current), payload))

	return path
}

func TestVerify(t *testing.T) {
	t.Parallel()

	path := writeSnapshot(t)
	require.NoError(t, (&flag.VerifyCMD{Snapshot: path}).Run())

	raw, err := os.ReadFile(path)
	require.NoError(t, err)

	raw[len(raw)-1] ^= 0xff
	require.NoError(t, os.WriteFile(path, raw, 0o600))

	err = (&flag.VerifyCMD{Snapshot: path}).Run()
	require.ErrorIs(t, err, snapshot.ErrIntegrity)
}

func TestMerge(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	base := filepath.Join(dir, "base")
	diff := filepath.Join(dir, "diff")

	require.NoError(t, os.WriteFile(base, bytes.Repeat([]byte{1}, 2*memory.PageSize), 0o600))
	require.NoError(t, os.WriteFile(diff, bytes.Repeat([]byte{2}, 2*memory.PageSize), 0o600))

	require.NoError(t, (&flag.MergeCMD{Base: base, Diffs: []string{diff}}).Run())

	got, err := os.ReadFile(base)
	require.NoError(t, err)
	assert.Equal(t, bytes.Repeat([]byte{2}, 2*memory.PageSize), got)

	assert.Error(t, (&flag.MergeCMD{Base: base}).Run())

	short := filepath.Join(dir, "short")
	require.NoError(t, os.WriteFile(short, []byte{3}, 0o600))
	require.ErrorIs(t, (&flag.MergeCMD{Base: base, Diffs: []string{short}}).Run(), snapshot.ErrFormat)
}

func TestRestoreFlags(t *testing.T) {
	t.Parallel()

	snap := writeSnapshot(t)
	mem := filepath.Join(t.TempDir(), "mem")
	require.NoError(t, os.WriteFile(mem, make([]byte, 4*memory.PageSize), 0o600))

	var cli flag.CLI

	parser, err := kong.New(&cli, kong.Name("gosnap"))
	require.NoError(t, err)

	ctx, err := parser.Parse([]string{
		"restore", "--snapshot", snap, "--mem", mem, "--run", "2s", "--out-snap", "next",
	})
	require.NoError(t, err)
	assert.Equal(t, "restore", ctx.Command())
	assert.Equal(t, 2*time.Second, cli.Restore.For)
	assert.Equal(t, "next", cli.Restore.OutSnap)
	assert.Equal(t, "Diff", cli.Restore.OutType)
}
