package flag

import (
	"errors"
	"fmt"
	"net"
	"os"
	"time"

	"github.com/BurntSushi/toml"

	"github.com/bobuhiro11/gosnap/machine"
	"github.com/bobuhiro11/gosnap/memory"
	"github.com/bobuhiro11/gosnap/virtio"
	"github.com/bobuhiro11/gosnap/vmm"
)

const sectorSize = 512

var (
	errUnknownKind = errors.New("unknown device kind")
	errUndecoded   = errors.New("unknown configuration keys")
)

// FileConfig is the TOML form of a VM configuration:
//
//	vcpus = 2
//	mem_size = "256M"
//	track_dirty_pages = true
//	mem_backend = "mmap"
//
//	[[device]]
//	kind = "block"
//	id = "rootfs"
//	path = "rootfs.ext4"
//	size = "64M"
//
// Devices are attached in the order they appear.
type FileConfig struct {
	VCPUs           int            `toml:"vcpus"`
	MemSize         string         `toml:"mem_size"`
	TrackDirtyPages bool           `toml:"track_dirty_pages"`
	MemBackend      string         `toml:"mem_backend"`
	MaxBackwardSpan uint16         `toml:"max_backward_span"`
	PauseTimeout    string         `toml:"pause_timeout"`
	Devices         []DeviceConfig `toml:"device"`
}

// DeviceConfig is one [[device]] table. Which keys apply depends on Kind.
type DeviceConfig struct {
	Kind string `toml:"kind"`
	ID   string `toml:"id"`

	// block
	Path      string `toml:"path"`
	Size      string `toml:"size"`
	ReadOnly  bool   `toml:"read_only"`
	CacheType string `toml:"cache_type"`

	// net
	MAC         string `toml:"mac"`
	MMDSVersion string `toml:"mmds_version"`

	// vsock
	GuestCID uint64 `toml:"guest_cid"`
	UDSPath  string `toml:"uds_path"`

	// balloon
	AmountMiB             uint32 `toml:"amount_mib"`
	DeflateOnOOM          bool   `toml:"deflate_on_oom"`
	StatsPollingIntervalS uint32 `toml:"stats_polling_interval_s"`
}

// LoadConfig reads a TOML configuration file.
func LoadConfig(path string) (*FileConfig, error) {
	var fc FileConfig

	md, err := toml.DecodeFile(path, &fc)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}

	if keys := md.Undecoded(); len(keys) > 0 {
		return nil, fmt.Errorf("%s: %w: %v", path, errUndecoded, keys)
	}

	return &fc, nil
}

// VMMConfig converts the file form into a vmm.Config. Host side hooks are
// left for the caller.
func (fc *FileConfig) VMMConfig() (vmm.Config, error) {
	cfg := vmm.Config{
		VCPUs:           fc.VCPUs,
		TrackDirtyPages: fc.TrackDirtyPages,
		MaxBackwardSpan: fc.MaxBackwardSpan,
	}

	if cfg.VCPUs == 0 {
		cfg.VCPUs = 1
	}

	memSize := fc.MemSize
	if memSize == "" {
		memSize = "128M"
	}

	n, err := ParseSize(memSize, "m")
	if err != nil {
		return vmm.Config{}, fmt.Errorf("mem_size: %w", err)
	}

	cfg.MemSize = uint64(n)

	if cfg.MemBackend, err = memory.ParseMapMode(fc.MemBackend); err != nil {
		return vmm.Config{}, err
	}

	if fc.PauseTimeout != "" {
		if cfg.PauseTimeout, err = time.ParseDuration(fc.PauseTimeout); err != nil {
			return vmm.Config{}, fmt.Errorf("pause_timeout: %w", err)
		}
	}

	for i, d := range fc.Devices {
		dc, err := d.machine()
		if err != nil {
			return vmm.Config{}, fmt.Errorf("device %d (%s): %w", i, d.ID, err)
		}

		cfg.Devices = append(cfg.Devices, dc)
	}

	return cfg, nil
}

func (d DeviceConfig) machine() (machine.DeviceConfig, error) {
	switch d.Kind {
	case "block":
		ct, err := virtio.ParseCacheType(d.CacheType)
		if err != nil {
			return machine.DeviceConfig{}, err
		}

		var capacity uint64

		if d.Size != "" {
			n, err := ParseSize(d.Size, "m")
			if err != nil {
				return machine.DeviceConfig{}, fmt.Errorf("size: %w", err)
			}

			capacity = uint64(n) / sectorSize
		}

		return machine.DeviceConfig{Block: &virtio.BlkConfig{
			ID: d.ID, Capacity: capacity, ReadOnly: d.ReadOnly, CacheType: ct, Path: d.Path,
		}}, nil
	case "net":
		mmds, err := virtio.ParseMMDSVersion(d.MMDSVersion)
		if err != nil {
			return machine.DeviceConfig{}, err
		}

		var mac net.HardwareAddr

		if d.MAC != "" {
			if mac, err = net.ParseMAC(d.MAC); err != nil {
				return machine.DeviceConfig{}, err
			}
		}

		return machine.DeviceConfig{Net: &virtio.NetConfig{ID: d.ID, MAC: mac, MMDS: mmds}}, nil
	case "vsock":
		return machine.DeviceConfig{Vsock: &virtio.VsockConfig{
			ID: d.ID, GuestCID: d.GuestCID, UDSPath: d.UDSPath,
		}}, nil
	case "balloon":
		return machine.DeviceConfig{Balloon: &virtio.BalloonConfig{
			ID: d.ID, AmountMiB: d.AmountMiB, DeflateOnOOM: d.DeflateOnOOM,
			StatsPollingIntervalS: d.StatsPollingIntervalS,
		}}, nil
	default:
		return machine.DeviceConfig{}, fmt.Errorf("%w %q", errUnknownKind, d.Kind)
	}
}

// OpenDisk opens the backing file of a block device. It is what the CLI
// passes as vmm.Config.OpenDisk.
func OpenDisk(cfg virtio.BlkConfig) (virtio.Disk, error) {
	if cfg.Path == "" {
		return nil, nil
	}

	flags := os.O_RDWR
	if cfg.ReadOnly {
		flags = os.O_RDONLY
	}

	f, err := os.OpenFile(cfg.Path, flags, 0)
	if err != nil {
		return nil, err
	}

	return f, nil
}
