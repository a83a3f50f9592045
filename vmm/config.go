package vmm

import (
	"fmt"
	"io"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/bobuhiro11/gosnap/machine"
	"github.com/bobuhiro11/gosnap/memory"
	"github.com/bobuhiro11/gosnap/vcpu"
	"github.com/bobuhiro11/gosnap/version"
	"github.com/bobuhiro11/gosnap/virtio"
)

const defaultPauseTimeout = 5 * time.Second

// Config is everything a VMM needs. Machine shape fields are used by Boot;
// LoadSnapshot takes the shape from the snapshot and uses only the host
// side hooks.
type Config struct {
	VCPUs           int
	MemSize         uint64
	Devices         []machine.DeviceConfig
	TrackDirtyPages bool

	// MemBackend selects how LoadSnapshot maps the memory file.
	MemBackend memory.MapMode
	// KVM is the path of /dev/kvm. When set, guest memory is registered
	// as KVM memory slots and their dirty log is merged into Diff
	// snapshots. It needs a host mapping, so not MapOverlay.
	KVM string
	// MaxBackwardSpan is how many formats older than the current one are
	// still read and written; version.DefaultMaxBackwardSpan when zero.
	MaxBackwardSpan uint16
	PauseTimeout    time.Duration

	Console   io.Writer
	NewRunner func(index int) vcpu.Runner
	OpenDisk  func(cfg virtio.BlkConfig) (virtio.Disk, error)

	// Registerer receives the metrics; a private registry when nil.
	Registerer prometheus.Registerer
	// Fatal is called when a load fails after its preconditions passed.
	// The default logs at fatal level, which exits the process.
	Fatal func(err error)
}

func (c *Config) setDefaults() {
	if c.MaxBackwardSpan == 0 {
		c.MaxBackwardSpan = version.DefaultMaxBackwardSpan
	}

	if c.PauseTimeout == 0 {
		c.PauseTimeout = defaultPauseTimeout
	}

	if c.Registerer == nil {
		c.Registerer = prometheus.NewRegistry()
	}

	if c.Fatal == nil {
		c.Fatal = func(err error) {
			log.WithError(err).WithField("kind", Classify(err).String()).Fatal("snapshot load failed")
		}
	}
}

func (c *Config) validate() error {
	switch c.MemBackend {
	case memory.MapPrivate, memory.MapOverlay:
	default:
		return fmt.Errorf("%w: memory backend %v", machine.ErrConfig, c.MemBackend)
	}

	if c.KVM != "" && c.MemBackend == memory.MapOverlay {
		return fmt.Errorf("%w: kvm memory slots need the mmap backend", machine.ErrConfig)
	}

	if c.MaxBackwardSpan >= uint16(version.Current) {
		return fmt.Errorf("%w: backward span %d reaches past format %d",
			machine.ErrConfig, c.MaxBackwardSpan, version.FormatInitial)
	}

	return nil
}

func (c *Config) machine() machine.Config {
	return machine.Config{
		VCPUs:     c.VCPUs,
		MemSize:   c.MemSize,
		Devices:   c.Devices,
		Console:   c.Console,
		NewRunner: c.NewRunner,
		OpenDisk:  c.OpenDisk,
	}
}
