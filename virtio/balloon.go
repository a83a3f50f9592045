package virtio

import (
	"encoding/binary"
	"fmt"
	"sync"

	"github.com/bobuhiro11/gosnap/irqchip"
	"github.com/bobuhiro11/gosnap/pci"
	"github.com/bobuhiro11/gosnap/persist"
	"github.com/bobuhiro11/gosnap/version"
)

// BalloonConfig describes the memory balloon.
type BalloonConfig struct {
	ID                    string
	AmountMiB             uint32
	DeflateOnOOM          bool
	StatsPollingIntervalS uint32
}

// Balloon is a virtio-balloon device. It exists only from FormatBalloon on.
type Balloon struct {
	mu          sync.Mutex
	tr          *Transport
	cfg         BalloonConfig
	actualPages uint32
	worker      *Worker
}

var _ Device = (*Balloon)(nil)

// NewBalloon returns a balloon in slot raising line.
func NewBalloon(cfg BalloonConfig, slot int, line *irqchip.Line) *Balloon {
	features := FeatureVersion1
	if cfg.DeflateOnOOM {
		features |= BalloonFeatureDeflateOnOOM
	}

	if cfg.StatsPollingIntervalS > 0 {
		features |= BalloonFeatureStatsVQ
	}

	queues := 2
	if cfg.StatsPollingIntervalS > 0 {
		queues = 3
	}

	v := &Balloon{tr: newTransport(TypeBalloon, slot, line, features, queues), cfg: cfg}
	v.tr.config = v.configSpace

	return v
}

// targetPages is the balloon size in 4 KiB pages.
func (v *Balloon) targetPages() uint32 { return v.cfg.AmountMiB << 8 }

func (v *Balloon) configSpace() []byte {
	v.mu.Lock()
	defer v.mu.Unlock()

	cfg := binary.LittleEndian.AppendUint32(nil, v.targetPages())

	return binary.LittleEndian.AppendUint32(cfg, v.actualPages)
}

// Config returns the device configuration.
func (v *Balloon) Config() BalloonConfig { return v.cfg }

// ActualPages is what the guest reports as inflated.
func (v *Balloon) ActualPages() uint32 {
	v.mu.Lock()
	defer v.mu.Unlock()

	return v.actualPages
}

// Inflate records pages handed over by the guest driver.
func (v *Balloon) Inflate(pages uint32) {
	v.mu.Lock()
	defer v.mu.Unlock()

	v.actualPages += pages
	if t := v.targetPages(); v.actualPages > t {
		v.actualPages = t
	}
}

func (v *Balloon) Tag() persist.Tag                     { return persist.TagBalloon }
func (v *Balloon) ID() string                           { return v.cfg.ID }
func (v *Balloon) Transport() *Transport                { return v.tr }
func (v *Balloon) Start(w *Worker)                      { v.worker = w }
func (v *Balloon) GetIORange() (uint64, uint64)         { return v.tr.GetIORange() }
func (v *Balloon) GetDeviceHeader() pci.DeviceHeader    { return v.tr.GetDeviceHeader() }
func (v *Balloon) Read(port uint64, data []byte) error  { return v.tr.Read(port, data) }
func (v *Balloon) Write(port uint64, data []byte) error { return v.tr.Write(port, data) }

const (
	balloonFieldTransport = 1
	balloonFieldAmount    = 2
	balloonFieldDeflate   = 3
	balloonFieldStats     = 4
	balloonFieldActual    = 5
)

// Save writes the balloon. Formats before FormatBalloon have no place for
// it, so the save fails.
func (v *Balloon) Save(e *persist.Encoder) error {
	if !e.Since(version.FormatBalloon) {
		return fmt.Errorf("%w: balloon device needs format %d, target is %d",
			persist.ErrSerialization, version.FormatBalloon, e.Format())
	}

	if err := v.tr.save(e, balloonFieldTransport); err != nil {
		return err
	}

	e.PutUint(balloonFieldAmount, uint64(v.cfg.AmountMiB))
	e.PutBool(balloonFieldDeflate, v.cfg.DeflateOnOOM)
	e.PutUint(balloonFieldStats, uint64(v.cfg.StatsPollingIntervalS))
	e.PutUint(balloonFieldActual, uint64(v.ActualPages()))

	return nil
}

// RestoreBalloon rebuilds the balloon saved under id.
func RestoreBalloon(d *persist.Decoder, id string, chip *irqchip.Chip) (*Balloon, error) {
	if !d.Since(version.FormatBalloon) {
		return nil, fmt.Errorf("%w: balloon entry in a format %d snapshot", persist.ErrDeserialization, d.Format())
	}

	cfg := BalloonConfig{ID: id}

	amount, err := d.Uint(balloonFieldAmount)
	if err != nil {
		return nil, err
	}

	if cfg.DeflateOnOOM, err = d.Bool(balloonFieldDeflate); err != nil {
		return nil, err
	}

	stats, err := d.Uint(balloonFieldStats)
	if err != nil {
		return nil, err
	}

	actual, err := d.Uint(balloonFieldActual)
	if err != nil {
		return nil, err
	}

	cfg.AmountMiB, cfg.StatsPollingIntervalS = uint32(amount), uint32(stats)

	queues := 2
	if cfg.StatsPollingIntervalS > 0 {
		queues = 3
	}

	tr, err := restoreTransport(d, balloonFieldTransport, TypeBalloon, queues, chip, id)
	if err != nil {
		return nil, err
	}

	v := &Balloon{tr: tr, cfg: cfg, actualPages: uint32(actual)}
	v.tr.config = v.configSpace

	return v, nil
}
