package virtio

import (
	"errors"
	"fmt"
	"net"

	"github.com/bobuhiro11/gosnap/irqchip"
	"github.com/bobuhiro11/gosnap/pci"
	"github.com/bobuhiro11/gosnap/persist"
	"github.com/bobuhiro11/gosnap/version"
)

var errBadMMDS = errors.New("unknown MMDS version")

// MMDSVersion selects the metadata service protocol exposed on the
// interface.
type MMDSVersion uint8

const (
	MMDSV1 MMDSVersion = 1
	MMDSV2 MMDSVersion = 2
)

// ParseMMDSVersion accepts "V1" and "V2"; empty is V1.
func ParseMMDSVersion(s string) (MMDSVersion, error) {
	switch s {
	case "", "V1":
		return MMDSV1, nil
	case "V2":
		return MMDSV2, nil
	default:
		return 0, fmt.Errorf("%w %q", errBadMMDS, s)
	}
}

func (m MMDSVersion) String() string { return fmt.Sprintf("V%d", uint8(m)) }

// NetConfig describes a network interface. The host side (TAP) is not part
// of the device state.
type NetConfig struct {
	ID   string
	MAC  net.HardwareAddr
	MMDS MMDSVersion
}

// Net is a virtio-net device with an rx and a tx queue.
type Net struct {
	tr     *Transport
	cfg    NetConfig
	mem    GuestMemory
	worker *Worker
}

var _ Device = (*Net)(nil)

// NewNet returns a network device in slot raising line.
func NewNet(cfg NetConfig, slot int, line *irqchip.Line, mem GuestMemory) *Net {
	if cfg.MMDS == 0 {
		cfg.MMDS = MMDSV1
	}

	features := FeatureVersion1 | FeatureEventIdx | NetFeatureCsum | NetFeatureGuestCsum | NetFeatureMrgRxbuf
	if len(cfg.MAC) == 6 {
		features |= NetFeatureMAC
	}

	v := &Net{tr: newTransport(TypeNet, slot, line, features, 2), cfg: cfg, mem: mem}
	v.tr.config = v.configSpace

	return v
}

func (v *Net) configSpace() []byte {
	cfg := make([]byte, 8)
	copy(cfg, v.cfg.MAC)

	return cfg
}

// Config returns the device configuration.
func (v *Net) Config() NetConfig { return v.cfg }

func (v *Net) Tag() persist.Tag                     { return persist.TagNet }
func (v *Net) ID() string                           { return v.cfg.ID }
func (v *Net) Transport() *Transport                { return v.tr }
func (v *Net) Start(w *Worker)                      { v.worker = w }
func (v *Net) GetIORange() (uint64, uint64)         { return v.tr.GetIORange() }
func (v *Net) GetDeviceHeader() pci.DeviceHeader    { return v.tr.GetDeviceHeader() }
func (v *Net) Read(port uint64, data []byte) error  { return v.tr.Read(port, data) }
func (v *Net) Write(port uint64, data []byte) error { return v.tr.Write(port, data) }

// Deliver places an incoming frame into the guest rx buffer at gpa.
func (v *Net) Deliver(frame []byte, gpa uint64) <-chan error {
	if v.worker == nil {
		done := make(chan error, 1)
		done <- ErrNotStarted

		return done
	}

	return v.worker.Submit(func() error {
		if _, err := v.mem.WriteAt(frame, int64(gpa)); err != nil {
			return fmt.Errorf("%s: rx: %w", v.cfg.ID, err)
		}

		if err := v.tr.advance(0); err != nil {
			return err
		}

		v.tr.Kick()

		return nil
	})
}

const (
	netFieldTransport = 1
	netFieldMAC       = 2
	netFieldMMDS      = 3 // since FormatDeviceOptions
)

// Save writes the device. Before FormatDeviceOptions the MMDS version is
// dropped with a warning and the restored interface falls back to V1.
func (v *Net) Save(e *persist.Encoder) error {
	if err := v.tr.save(e, netFieldTransport); err != nil {
		return err
	}

	e.PutBytes(netFieldMAC, v.cfg.MAC)

	if e.Since(version.FormatDeviceOptions) {
		e.PutUint(netFieldMMDS, uint64(v.cfg.MMDS))
	} else if v.cfg.MMDS != MMDSV1 {
		log.WithField("id", v.cfg.ID).WithField("mmds", v.cfg.MMDS.String()).
			Warnf("MMDS version is not saved at format %d; it restores as V1", e.Format())
	}

	return nil
}

// RestoreNet rebuilds a network device saved under id.
func RestoreNet(d *persist.Decoder, id string, chip *irqchip.Chip, mem GuestMemory) (*Net, error) {
	tr, err := restoreTransport(d, netFieldTransport, TypeNet, 2, chip, id)
	if err != nil {
		return nil, err
	}

	mac, err := d.Bytes(netFieldMAC)
	if err != nil {
		return nil, err
	}

	if len(mac) != 0 && len(mac) != 6 {
		return nil, fmt.Errorf("%w: %s mac is %d bytes", persist.ErrDeserialization, id, len(mac))
	}

	m, err := d.UintOr(netFieldMMDS, uint64(MMDSV1))
	if err != nil {
		return nil, err
	}

	if m != uint64(MMDSV1) && m != uint64(MMDSV2) {
		return nil, fmt.Errorf("%w: %s MMDS version %d", persist.ErrDeserialization, id, m)
	}

	cfg := NetConfig{ID: id, MMDS: MMDSVersion(m)}
	if len(mac) == 6 {
		cfg.MAC = net.HardwareAddr(mac)
	}

	v := &Net{tr: tr, cfg: cfg, mem: mem}
	v.tr.config = v.configSpace

	return v, nil
}
