// Package vmm is the snapshot orchestrator of one microVM: it owns the
// machine and its run state and sequences Create and Load so that a
// snapshot on disk always describes a consistent, paused VM.
package vmm

import (
	"context"
	"fmt"
	"sync"

	"github.com/hashicorp/go-multierror"
	"github.com/sirupsen/logrus"

	"github.com/bobuhiro11/gosnap/machine"
	"github.com/bobuhiro11/gosnap/runctl"
	"github.com/bobuhiro11/gosnap/version"
)

var log = logrus.WithField("subsystem", "vmm") //nolint:gochecknoglobals

// VMState is the target of SetState.
type VMState string

const (
	Paused  VMState = "Paused"
	Resumed VMState = "Resumed"
)

// VMM drives one VM. Every operation holds the VMM lock for its whole
// duration, so at most one Create or Load is in flight.
type VMM struct {
	mu       sync.Mutex
	cfg      Config
	versions *version.Map
	metrics  *metrics

	m        *machine.Machine
	host     *hostVM
	state    runctl.RunState
	used     bool
	poisoned error
}

// New returns a VMM that has neither booted nor loaded anything.
func New(cfg Config) (*VMM, error) {
	cfg.setDefaults()

	if err := cfg.validate(); err != nil {
		return nil, err
	}

	versions, err := version.NewMap(version.DefaultReleases(), version.Current, cfg.MaxBackwardSpan)
	if err != nil {
		return nil, err
	}

	return &VMM{
		cfg:      cfg,
		versions: versions,
		metrics:  newMetrics(cfg.Registerer),
	}, nil
}

// Versions is the compatibility map in force.
func (v *VMM) Versions() *version.Map { return v.versions }

// State is the run state.
func (v *VMM) State() runctl.RunState {
	v.mu.Lock()
	defer v.mu.Unlock()

	return v.state
}

// Machine is the VM, nil before Boot or Load.
func (v *VMM) Machine() *machine.Machine {
	v.mu.Lock()
	defer v.mu.Unlock()

	return v.m
}

// usable fails when a previous load poisoned the VMM. Caller holds mu.
func (v *VMM) usable() error {
	if v.poisoned != nil {
		return fmt.Errorf("%w: a failed snapshot load left the vmm unusable: %v", ErrPrecondition, v.poisoned)
	}

	return nil
}

// Boot builds the machine from the configuration and starts it.
func (v *VMM) Boot(ctx context.Context) error {
	v.mu.Lock()
	defer v.mu.Unlock()

	if err := v.usable(); err != nil {
		return err
	}

	if v.used {
		return fmt.Errorf("%w: boot needs a pristine vmm", ErrPrecondition)
	}

	m, err := machine.New(v.cfg.machine())
	if err != nil {
		return err
	}

	if err := v.attachHost(m); err != nil {
		m.Close()

		return err
	}

	if v.cfg.TrackDirtyPages {
		if err := m.Memory().EnableDirtyTracking(); err != nil {
			v.release(m)

			return err
		}
	}

	if err := m.Launch(ctx); err != nil {
		v.release(m)

		return err
	}

	m.Resume()

	v.m, v.used, v.state = m, true, runctl.Running

	log.WithFields(logrus.Fields{
		"vcpus": v.cfg.VCPUs, "memory": v.cfg.MemSize, "track_dirty_pages": v.cfg.TrackDirtyPages,
	}).Info("vm booted")

	return nil
}

// attachHost registers guest memory with KVM when configured.
func (v *VMM) attachHost(m *machine.Machine) error {
	if v.cfg.KVM == "" {
		return nil
	}

	host, err := openHostVM(v.cfg.KVM)
	if err != nil {
		return err
	}

	if err := host.register(m.Memory()); err != nil {
		host.Close()

		return err
	}

	v.host = host

	return nil
}

// release closes a machine that never became the VMM's, and the KVM VM
// its memory was registered with.
func (v *VMM) release(m *machine.Machine) {
	m.Close()

	if v.host != nil {
		v.host.Close()
		v.host = nil
	}
}

// SetState pauses or resumes the VM.
func (v *VMM) SetState(ctx context.Context, s VMState) error {
	switch s {
	case Paused:
		return v.Pause(ctx)
	case Resumed:
		return v.Resume()
	default:
		return fmt.Errorf("%w: unknown vm state %q", ErrPrecondition, s)
	}
}

// Pause parks every vCPU and device thread. Pausing a paused VM is a no-op.
// When the threads do not park within the pause timeout the VM keeps
// running and an error is returned.
func (v *VMM) Pause(ctx context.Context) error {
	v.mu.Lock()
	defer v.mu.Unlock()

	if err := v.usable(); err != nil {
		return err
	}

	switch v.state {
	case runctl.Paused:
		return nil
	case runctl.NotStarted:
		return fmt.Errorf("%w: no vm to pause", ErrPrecondition)
	case runctl.Running:
	}

	ctx, cancel := context.WithTimeout(ctx, v.cfg.PauseTimeout)
	defer cancel()

	if err := v.m.Pause(ctx); err != nil {
		return err
	}

	v.state = runctl.Paused
	log.Debug("vm paused")

	return nil
}

// Resume continues a paused VM. Resuming a running VM is a no-op.
func (v *VMM) Resume() error {
	v.mu.Lock()
	defer v.mu.Unlock()

	if err := v.usable(); err != nil {
		return err
	}

	return v.resume()
}

func (v *VMM) resume() error {
	switch v.state {
	case runctl.Running:
		return nil
	case runctl.NotStarted:
		return fmt.Errorf("%w: no vm to resume", ErrPrecondition)
	case runctl.Paused:
	}

	v.m.Resume()
	v.state = runctl.Running
	log.Debug("vm resumed")

	return nil
}

// Close stops the VM and releases its memory.
func (v *VMM) Close() error {
	v.mu.Lock()
	defer v.mu.Unlock()

	var result *multierror.Error

	if v.m != nil {
		if err := v.m.Close(); err != nil {
			result = multierror.Append(result, err)
		}
	}

	if v.host != nil {
		if err := v.host.Close(); err != nil {
			result = multierror.Append(result, err)
		}
	}

	v.m, v.host, v.state = nil, nil, runctl.NotStarted

	return result.ErrorOrNil()
}
