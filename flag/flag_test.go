package flag_test

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/bobuhiro11/gosnap/flag"
	"github.com/bobuhiro11/gosnap/memory"
	"github.com/bobuhiro11/gosnap/virtio"
)

func TestParseSize(t *testing.T) {
	t.Parallel()

	for _, test := range []struct {
		in   string
		unit string
		want int
	}{
		{"1G", "", 1 << 30},
		{"64m", "", 64 << 20},
		{"4k", "", 4096},
		{"512", "m", 512 << 20},
		{"0x10", "", 16},
		{"12", "", 12},
	} {
		test := test
		t.Run(test.in, func(t *testing.T) {
			t.Parallel()

			got, err := flag.ParseSize(test.in, test.unit)
			if err != nil {
				t.Fatalf("ParseSize(%q): %v", test.in, err)
			}

			if got != test.want {
				t.Errorf("ParseSize(%q) = %d, want %d", test.in, got, test.want)
			}
		})
	}

	for _, bad := range []string{"", "G", "1T", "x1"} {
		if _, err := flag.ParseSize(bad, "q"); err == nil {
			t.Errorf("ParseSize(%q) succeeded", bad)
		}
	}
}

func writeConfig(t *testing.T, body string) string {
	t.Helper()

	path := filepath.Join(t.TempDir(), "vm.toml")
	require.NoError(t, os.WriteFile(path, []byte(body), 0o600))

	return path
}

func TestLoadConfig(t *testing.T) {
	t.Parallel()

	path := writeConfig(t, `
vcpus = 2
mem_size = "64M"
track_dirty_pages = true
mem_backend = "overlay"
pause_timeout = "2s"

[[device]]
kind = "net"
id = "eth0"
mac = "02:00:00:00:00:01"
mmds_version = "V2"

[[device]]
kind = "block"
id = "rootfs"
size = "1M"
cache_type = "Writeback"

[[device]]
kind = "vsock"
id = "vsock0"
guest_cid = 3

[[device]]
kind = "balloon"
id = "balloon"
amount_mib = 8
deflate_on_oom = true
`)

	fc, err := flag.LoadConfig(path)
	require.NoError(t, err)

	cfg, err := fc.VMMConfig()
	require.NoError(t, err)

	assert.Equal(t, 2, cfg.VCPUs)
	assert.Equal(t, uint64(64<<20), cfg.MemSize)
	assert.True(t, cfg.TrackDirtyPages)
	assert.Equal(t, memory.MapOverlay, cfg.MemBackend)
	assert.Equal(t, 2*time.Second, cfg.PauseTimeout)

	require.Len(t, cfg.Devices, 4)
	require.NotNil(t, cfg.Devices[0].Net)
	assert.Equal(t, virtio.MMDSV2, cfg.Devices[0].Net.MMDS)
	assert.Equal(t, "02:00:00:00:00:01", cfg.Devices[0].Net.MAC.String())
	require.NotNil(t, cfg.Devices[1].Block)
	assert.Equal(t, uint64(2048), cfg.Devices[1].Block.Capacity)
	assert.Equal(t, virtio.CacheWriteback, cfg.Devices[1].Block.CacheType)
	require.NotNil(t, cfg.Devices[2].Vsock)
	assert.Equal(t, uint64(3), cfg.Devices[2].Vsock.GuestCID)
	require.NotNil(t, cfg.Devices[3].Balloon)
	assert.True(t, cfg.Devices[3].Balloon.DeflateOnOOM)
}

func TestLoadConfigDefaults(t *testing.T) {
	t.Parallel()

	cfg, err := (&flag.FileConfig{}).VMMConfig()
	require.NoError(t, err)

	assert.Equal(t, 1, cfg.VCPUs)
	assert.Equal(t, uint64(128<<20), cfg.MemSize)
	assert.Equal(t, memory.MapPrivate, cfg.MemBackend)
}

func TestLoadConfigRejects(t *testing.T) {
	t.Parallel()

	for _, test := range []struct {
		name string
		body string
	}{
		{"unknown key", "vcpus = 1\nmystery = true\n"},
		{"unknown kind", "[[device]]\nkind = \"gpu\"\nid = \"g\"\n"},
		{"bad backend", "mem_backend = \"swap\"\n"},
		{"bad size", "mem_size = \"lots\"\n"},
		{"bad mmds", "[[device]]\nkind = \"net\"\nid = \"n\"\nmmds_version = \"V9\"\n"},
		{"bad cache", "[[device]]\nkind = \"block\"\nid = \"b\"\ncache_type = \"Sometimes\"\n"},
	} {
		test := test
		t.Run(test.name, func(t *testing.T) {
			t.Parallel()

			fc, err := flag.LoadConfig(writeConfig(t, test.body))
			if err == nil {
				_, err = fc.VMMConfig()
			}

			assert.Error(t, err)
		})
	}
}

func TestOpenDisk(t *testing.T) {
	t.Parallel()

	disk, err := flag.OpenDisk(virtio.BlkConfig{ID: "none"})
	require.NoError(t, err)
	assert.Nil(t, disk)

	path := filepath.Join(t.TempDir(), "disk.img")
	require.NoError(t, os.WriteFile(path, make([]byte, 4096), 0o600))

	disk, err = flag.OpenDisk(virtio.BlkConfig{ID: "rootfs", Path: path, ReadOnly: true})
	require.NoError(t, err)
	require.NotNil(t, disk)

	disk.(*os.File).Close()
}
