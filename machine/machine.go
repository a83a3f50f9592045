// Package machine assembles one VM instance: guest memory, vCPUs, the
// platform devices and the virtio devices a user attached, and turns the
// whole of it into a persist.Tree and back.
package machine

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sync"
	"time"

	"github.com/hashicorp/go-multierror"
	"github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"

	"github.com/bobuhiro11/gosnap/irqchip"
	"github.com/bobuhiro11/gosnap/memory"
	"github.com/bobuhiro11/gosnap/pci"
	"github.com/bobuhiro11/gosnap/persist"
	"github.com/bobuhiro11/gosnap/runctl"
	"github.com/bobuhiro11/gosnap/serial"
	"github.com/bobuhiro11/gosnap/vcpu"
	"github.com/bobuhiro11/gosnap/version"
	"github.com/bobuhiro11/gosnap/virtio"
)

var log = logrus.WithField("subsystem", "machine") //nolint:gochecknoglobals

const (
	bootParamAddr = 0x10000
	kernelAddr    = 0x100000

	// First GSI handed to virtio devices; 0-4 belong to the platform.
	firstDeviceGSI = 5

	MinMemSize = 1 << 25
	MaxVCPUs   = 32

	idleTick = 10 * time.Millisecond
)

var (
	ErrConfig          = errors.New("invalid machine configuration")
	ErrDuplicateDevice = errors.New("duplicate device id")
	ErrLaunched        = errors.New("machine threads already launched")
)

// DeviceConfig is one user device. Exactly one field is set.
type DeviceConfig struct {
	Block   *virtio.BlkConfig
	Net     *virtio.NetConfig
	Vsock   *virtio.VsockConfig
	Balloon *virtio.BalloonConfig
}

// Config describes a machine. On restore only the host side fields
// (Console, NewRunner, OpenDisk) are used; everything else comes from the
// snapshot.
type Config struct {
	VCPUs   int
	MemSize uint64
	Devices []DeviceConfig

	// EntryPoint is the boot RIP, kernelAddr when zero.
	EntryPoint uint64

	Console   io.Writer
	NewRunner func(index int) vcpu.Runner
	OpenDisk  func(cfg virtio.BlkConfig) (virtio.Disk, error)
}

func (c Config) validate() error {
	if c.VCPUs < 1 || c.VCPUs > MaxVCPUs {
		return fmt.Errorf("%w: %d vcpus, want 1..%d", ErrConfig, c.VCPUs, MaxVCPUs)
	}

	if c.MemSize < MinMemSize || c.MemSize%memory.PageSize != 0 {
		return fmt.Errorf("%w: memory size %#x", ErrConfig, c.MemSize)
	}

	for i, d := range c.Devices {
		n := 0

		for _, set := range []bool{d.Block != nil, d.Net != nil, d.Vsock != nil, d.Balloon != nil} {
			if set {
				n++
			}
		}

		if n != 1 {
			return fmt.Errorf("%w: device %d sets %d kinds", ErrConfig, i, n)
		}
	}

	return nil
}

func (c Config) runner(i int) vcpu.Runner {
	if c.NewRunner != nil {
		return c.NewRunner(i)
	}

	return vcpu.NewIdleRunner(idleTick)
}

func (c Config) console() io.Writer {
	if c.Console != nil {
		return c.Console
	}

	return io.Discard
}

// Machine is one VM.
type Machine struct {
	mem     *memory.Memory
	barrier *runctl.Barrier
	vcpus   []*vcpu.VCPU
	chip    *irqchip.Chip
	clock   *Clock
	timer   *BootTimer
	serial  *serial.Serial
	bus     *pci.Bus
	devices []virtio.Device
	workers []*virtio.Worker
	disks   []virtio.Disk

	mu     sync.Mutex
	group  *errgroup.Group
	cancel context.CancelFunc
	closed bool
}

func newShell(mem *memory.Memory) *Machine {
	return &Machine{
		mem:     mem,
		barrier: runctl.NewBarrier(),
		bus:     pci.New(),
		timer:   &BootTimer{},
	}
}

// New builds a machine ready to boot: vCPUs at the entry point, platform
// devices, then cfg.Devices in order. Threads are not started.
func New(cfg Config) (*Machine, error) {
	if err := cfg.validate(); err != nil {
		return nil, err
	}

	mem, err := memory.NewAnonymous(cfg.MemSize)
	if err != nil {
		return nil, err
	}

	m := newShell(mem)
	m.timer = NewBootTimer()

	entry := cfg.EntryPoint
	if entry == 0 {
		entry = kernelAddr
	}

	for i := 0; i < cfg.VCPUs; i++ {
		st := vcpu.BootState(entry, bootParamAddr)
		if i > 0 {
			st.MPState = vcpu.MPStateUninitialized
		}

		m.vcpus = append(m.vcpus, vcpu.New(i, st, cfg.runner(i)))
	}

	m.chip = irqchip.New()
	m.clock = NewClock()

	line, err := m.chip.Claim(serial.COM1IRQ, "com1")
	if err != nil {
		m.Close()

		return nil, err
	}

	m.serial = serial.New(line, cfg.console())

	for _, d := range cfg.Devices {
		if err := m.attach(cfg, d); err != nil {
			m.Close()

			return nil, err
		}
	}

	log.WithFields(logrus.Fields{
		"vcpus": cfg.VCPUs, "memory": cfg.MemSize, "devices": len(m.devices),
	}).Debug("machine created")

	return m, nil
}

func (d DeviceConfig) id() string {
	switch {
	case d.Block != nil:
		return d.Block.ID
	case d.Net != nil:
		return d.Net.ID
	case d.Vsock != nil:
		return d.Vsock.ID
	case d.Balloon != nil:
		return d.Balloon.ID
	default:
		return ""
	}
}

func (m *Machine) attach(cfg Config, d DeviceConfig) error {
	id := d.id()
	if id == "" {
		return fmt.Errorf("%w: device without id", ErrConfig)
	}

	if m.Device(id) != nil {
		return fmt.Errorf("%w: %s", ErrDuplicateDevice, id)
	}

	slot, err := m.bus.NextSlot()
	if err != nil {
		return err
	}

	line, err := m.chip.Allocate(firstDeviceGSI, id)
	if err != nil {
		return err
	}

	var dev virtio.Device

	switch {
	case d.Block != nil:
		disk, err := m.openDisk(cfg, *d.Block)
		if err != nil {
			return err
		}

		dev = virtio.NewBlk(*d.Block, slot, line, m.mem, disk)
	case d.Net != nil:
		dev = virtio.NewNet(*d.Net, slot, line, m.mem)
	case d.Vsock != nil:
		dev = virtio.NewVsock(*d.Vsock, slot, line)
	case d.Balloon != nil:
		dev = virtio.NewBalloon(*d.Balloon, slot, line)
	}

	return m.plug(dev)
}

func (m *Machine) openDisk(cfg Config, bc virtio.BlkConfig) (virtio.Disk, error) {
	if cfg.OpenDisk == nil {
		return nil, nil
	}

	disk, err := cfg.OpenDisk(bc)
	if err != nil {
		return nil, fmt.Errorf("open disk %s: %w", bc.ID, err)
	}

	m.disks = append(m.disks, disk)

	return disk, nil
}

// plug puts dev on the bus at the slot its transport names and gives it a
// worker.
func (m *Machine) plug(dev virtio.Device) error {
	if err := m.bus.AddAt(dev.Transport().Slot, dev); err != nil {
		return fmt.Errorf("%s %q: %w", dev.Tag(), dev.ID(), err)
	}

	w := virtio.NewWorker(dev.ID(), m.barrier)
	dev.Start(w)

	m.devices = append(m.devices, dev)
	m.workers = append(m.workers, w)

	return nil
}

// Memory is guest RAM.
func (m *Machine) Memory() *memory.Memory { return m.mem }

// Barrier is the run barrier shared by every thread of the machine.
func (m *Machine) Barrier() *runctl.Barrier { return m.barrier }

// VCPUs returns the vCPUs in index order.
func (m *Machine) VCPUs() []*vcpu.VCPU { return m.vcpus }

// IRQChip is the interrupt controller.
func (m *Machine) IRQChip() *irqchip.Chip { return m.chip }

// Clock is the guest kvmclock.
func (m *Machine) Clock() *Clock { return m.clock }

// BootTimer is the boot time probe.
func (m *Machine) BootTimer() *BootTimer { return m.timer }

// Serial is COM1.
func (m *Machine) Serial() *serial.Serial { return m.serial }

// Bus is PCI bus 0.
func (m *Machine) Bus() *pci.Bus { return m.bus }

// Devices returns user devices in attachment order.
func (m *Machine) Devices() []virtio.Device { return m.devices }

// Device looks a user device up by id.
func (m *Machine) Device(id string) virtio.Device {
	for _, d := range m.devices {
		if d.ID() == id {
			return d
		}
	}

	return nil
}

// HandleIO dispatches a guest port access. It reports false for ports
// nothing claims.
func (m *Machine) HandleIO(port uint64, data []byte, write bool) (bool, error) {
	switch {
	case port >= serial.COM1Addr && port < serial.COM1Addr+serial.PortSize:
		if write {
			return true, m.serial.Out(port, data)
		}

		return true, m.serial.In(port, data)
	case port == BootTimerPort:
		if write {
			return true, m.timer.Out(port, data)
		}

		return true, nil
	case port == pci.ConfAddrPort:
		if write {
			return true, m.bus.ConfAddrOut(port, data)
		}

		return true, m.bus.ConfAddrIn(port, data)
	case port >= pci.ConfDataPort && port < pci.ConfDataPort+4:
		if write {
			return true, m.bus.ConfDataOut(port, data)
		}

		return true, m.bus.ConfDataIn(port, data)
	default:
		return m.bus.HandleIO(port, data, write)
	}
}

// Components lists everything that is saved, in tree order: vCPUs, the
// platform devices, then user devices in attachment order.
func (m *Machine) Components() []persist.Device {
	out := make([]persist.Device, 0, len(m.vcpus)+3+len(m.devices))

	for _, c := range m.vcpus {
		out = append(out, c)
	}

	out = append(out, m.chip, m.clock, m.serial)

	for _, d := range m.devices {
		out = append(out, d)
	}

	return out
}

// SaveState serializes the machine at format f. The machine must be
// paused.
func (m *Machine) SaveState(f version.Format) (persist.Tree, error) {
	tree := persist.Tree{Memory: m.mem.Layout()}

	for _, d := range m.Components() {
		en, err := persist.SaveEntry(d, f)
		if err != nil {
			return persist.Tree{}, err
		}

		tree.Entries = append(tree.Entries, en)
	}

	return tree, nil
}

// Launch starts every vCPU thread and device worker. They stay parked at
// the barrier until Resume.
func (m *Machine) Launch(ctx context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.group != nil {
		return ErrLaunched
	}

	ctx, m.cancel = context.WithCancel(ctx)
	g, ctx := errgroup.WithContext(ctx)

	for _, c := range m.vcpus {
		c := c

		if k, ok := c.Runner().(runctl.Kicker); ok {
			m.barrier.AddKicker(k)
		}

		g.Go(func() error { return c.Run(ctx, m.barrier) })
	}

	for _, w := range m.workers {
		w := w
		g.Go(func() error { return w.Run(ctx) })
	}

	m.group = g

	return nil
}

// Resume lets the threads run and guest time advance.
func (m *Machine) Resume() {
	m.clock.Thaw()
	m.barrier.Resume()
}

// Pause parks every thread at its safe point and freezes guest time.
func (m *Machine) Pause(ctx context.Context) error {
	if err := m.barrier.Pause(ctx); err != nil {
		return err
	}

	m.clock.Freeze()

	return nil
}

// Wait blocks until the threads end and returns the first thread error.
func (m *Machine) Wait() error {
	m.mu.Lock()
	g := m.group
	m.mu.Unlock()

	if g == nil {
		return nil
	}

	return g.Wait()
}

// Close stops the threads and releases memory and disks.
func (m *Machine) Close() error {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()

		return nil
	}

	m.closed = true
	g, cancel := m.group, m.cancel
	m.mu.Unlock()

	m.barrier.Stop()

	if cancel != nil {
		cancel()
	}

	for _, w := range m.workers {
		w.Close()
	}

	var result *multierror.Error

	if g != nil {
		if err := g.Wait(); err != nil {
			result = multierror.Append(result, err)
		}
	}

	for _, d := range m.disks {
		if c, ok := d.(io.Closer); ok {
			if err := c.Close(); err != nil {
				result = multierror.Append(result, err)
			}
		}
	}

	if m.mem != nil {
		if err := m.mem.Close(); err != nil {
			result = multierror.Append(result, err)
		}
	}

	return result.ErrorOrNil()
}
