package virtio

import (
	"fmt"
	"sync"

	"github.com/bobuhiro11/gosnap/irqchip"
	"github.com/bobuhiro11/gosnap/pci"
	"github.com/bobuhiro11/gosnap/persist"
)

// VsockConfig describes a vsock device.
type VsockConfig struct {
	ID       string
	GuestCID uint64
	UDSPath  string
}

// Vsock is a virtio-vsock device. Connections are host state and do not
// outlive a snapshot: saving resets the transport and queues a
// TRANSPORT_RESET event so the guest driver drops its sockets.
type Vsock struct {
	mu           sync.Mutex
	tr           *Transport
	cfg          VsockConfig
	conns        int
	eventPending bool
	worker       *Worker
}

var _ Device = (*Vsock)(nil)

// NewVsock returns a vsock device in slot raising line.
func NewVsock(cfg VsockConfig, slot int, line *irqchip.Line) *Vsock {
	// rx, tx, event
	v := &Vsock{tr: newTransport(TypeVsock, slot, line, FeatureVersion1|FeatureEventIdx, 3), cfg: cfg}
	v.tr.config = v.configSpace

	return v
}

func (v *Vsock) configSpace() []byte {
	return []byte{
		byte(v.cfg.GuestCID), byte(v.cfg.GuestCID >> 8), byte(v.cfg.GuestCID >> 16), byte(v.cfg.GuestCID >> 24),
		byte(v.cfg.GuestCID >> 32), byte(v.cfg.GuestCID >> 40), byte(v.cfg.GuestCID >> 48), byte(v.cfg.GuestCID >> 56),
	}
}

// Config returns the device configuration.
func (v *Vsock) Config() VsockConfig { return v.cfg }

func (v *Vsock) Tag() persist.Tag                     { return persist.TagVsock }
func (v *Vsock) ID() string                           { return v.cfg.ID }
func (v *Vsock) Transport() *Transport                { return v.tr }
func (v *Vsock) Start(w *Worker)                      { v.worker = w }
func (v *Vsock) GetIORange() (uint64, uint64)         { return v.tr.GetIORange() }
func (v *Vsock) GetDeviceHeader() pci.DeviceHeader    { return v.tr.GetDeviceHeader() }
func (v *Vsock) Read(port uint64, data []byte) error  { return v.tr.Read(port, data) }
func (v *Vsock) Write(port uint64, data []byte) error { return v.tr.Write(port, data) }

// Connect records a new host-guest connection.
func (v *Vsock) Connect() {
	v.mu.Lock()
	defer v.mu.Unlock()

	v.conns++
}

// Connections is the number of live connections.
func (v *Vsock) Connections() int {
	v.mu.Lock()
	defer v.mu.Unlock()

	return v.conns
}

// EventPending reports whether a TRANSPORT_RESET event awaits the guest.
func (v *Vsock) EventPending() bool {
	v.mu.Lock()
	defer v.mu.Unlock()

	return v.eventPending
}

// resetTransport drops every connection and queues the reset event.
func (v *Vsock) resetTransport() {
	v.mu.Lock()
	defer v.mu.Unlock()

	if v.conns > 0 {
		log.WithField("id", v.cfg.ID).WithField("connections", v.conns).Info("vsock connections reset for snapshot")
	}

	v.conns = 0
	v.eventPending = true
}

const (
	vsockFieldTransport = 1
	vsockFieldCID       = 2
	vsockFieldUDS       = 3
	vsockFieldPending   = 4
)

// Save resets the transport first, so the reset is part of the saved
// state and the live device and its snapshot agree.
func (v *Vsock) Save(e *persist.Encoder) error {
	v.resetTransport()

	if err := v.tr.save(e, vsockFieldTransport); err != nil {
		return err
	}

	e.PutUint(vsockFieldCID, v.cfg.GuestCID)
	e.PutString(vsockFieldUDS, v.cfg.UDSPath)
	e.PutBool(vsockFieldPending, v.EventPending())

	return nil
}

// RestoreVsock rebuilds a vsock device saved under id.
func RestoreVsock(d *persist.Decoder, id string, chip *irqchip.Chip) (*Vsock, error) {
	tr, err := restoreTransport(d, vsockFieldTransport, TypeVsock, 3, chip, id)
	if err != nil {
		return nil, err
	}

	cfg := VsockConfig{ID: id}

	if cfg.GuestCID, err = d.Uint(vsockFieldCID); err != nil {
		return nil, err
	}

	if cfg.GuestCID < 3 {
		return nil, fmt.Errorf("%w: %s guest cid %d is reserved", persist.ErrDeserialization, id, cfg.GuestCID)
	}

	if cfg.UDSPath, err = d.String(vsockFieldUDS); err != nil {
		return nil, err
	}

	pending, err := d.Bool(vsockFieldPending)
	if err != nil {
		return nil, err
	}

	v := &Vsock{tr: tr, cfg: cfg, eventPending: pending}
	v.tr.config = v.configSpace

	return v, nil
}
