package machine

import (
	"errors"
	"fmt"
	"strconv"

	"github.com/bobuhiro11/gosnap/irqchip"
	"github.com/bobuhiro11/gosnap/memory"
	"github.com/bobuhiro11/gosnap/persist"
	"github.com/bobuhiro11/gosnap/serial"
	"github.com/bobuhiro11/gosnap/vcpu"
	"github.com/bobuhiro11/gosnap/version"
	"github.com/bobuhiro11/gosnap/virtio"
)

var (
	errUnknownTag = errors.New("unknown entry tag")
	errOrder      = errors.New("entry out of order")
	errMissing    = errors.New("required entry missing")
)

type restorer struct {
	m      *Machine
	cfg    Config
	format version.Format
}

type restoreFunc func(r *restorer, en persist.Entry, d *persist.Decoder) error

// registry is the closed set of entry kinds a snapshot may carry.
var registry = map[persist.Tag]restoreFunc{ //nolint:gochecknoglobals
	persist.TagVCPU:    (*restorer).vcpu,
	persist.TagIRQChip: (*restorer).irqchip,
	persist.TagClock:   (*restorer).clock,
	persist.TagSerial:  (*restorer).serial,
	persist.TagBlock:   (*restorer).block,
	persist.TagNet:     (*restorer).net,
	persist.TagVsock:   (*restorer).vsock,
	persist.TagBalloon: (*restorer).balloon,
}

// Restore builds a fresh machine from tree, decoded at format f. Entries
// are replayed in order and may only reference earlier ones: device lines
// are claimed on the restored irqchip and every device must fit its saved
// PCI slot. Guest memory is allocated empty with the saved layout; the
// caller maps the memory file over it. On any failure the partial machine
// is released and a persist.ErrDeserialization is returned.
func Restore(cfg Config, tree persist.Tree, f version.Format) (*Machine, error) {
	m, err := restore(cfg, tree, f)
	if err == nil {
		return m, nil
	}

	if !errors.Is(err, persist.ErrDeserialization) {
		err = fmt.Errorf("%w: %w", persist.ErrDeserialization, err)
	}

	return nil, err
}

func restore(cfg Config, tree persist.Tree, f version.Format) (*Machine, error) {
	if err := tree.Memory.Validate(); err != nil {
		return nil, err
	}

	backend, err := memory.NewAnonymousMapping(int64(tree.Memory.TotalSize()))
	if err != nil {
		return nil, err
	}

	mem, err := memory.New(tree.Memory, backend)
	if err != nil {
		backend.Close()

		return nil, err
	}

	r := &restorer{m: newShell(mem), cfg: cfg, format: f}

	if err := r.replay(tree.Entries); err != nil {
		r.m.Close()

		return nil, err
	}

	log.WithField("entries", len(tree.Entries)).WithField("format", f.String()).Debug("machine restored")

	return r.m, nil
}

func (r *restorer) replay(entries []persist.Entry) error {
	for i, en := range entries {
		fn, ok := registry[en.Tag]
		if !ok {
			return fmt.Errorf("entry %d: %w %d", i, errUnknownTag, uint32(en.Tag))
		}

		d, err := en.Decoder(r.format)
		if err != nil {
			return err
		}

		if err := fn(r, en, d); err != nil {
			return fmt.Errorf("entry %d %s %q: %w", i, en.Tag, en.ID, err)
		}
	}

	switch {
	case len(r.m.vcpus) == 0:
		return fmt.Errorf("%w: vcpu", errMissing)
	case r.m.chip == nil:
		return fmt.Errorf("%w: irqchip", errMissing)
	case r.m.clock == nil:
		return fmt.Errorf("%w: clock", errMissing)
	case r.m.serial == nil:
		return fmt.Errorf("%w: serial", errMissing)
	}

	return nil
}

// platformSeen reports whether any non-vCPU entry was replayed.
func (r *restorer) platformSeen() bool {
	return r.m.chip != nil || r.m.clock != nil || r.m.serial != nil || len(r.m.devices) > 0
}

func (r *restorer) needChip() (*irqchip.Chip, error) {
	if r.m.chip == nil {
		return nil, fmt.Errorf("%w: irqchip must precede devices", errOrder)
	}

	return r.m.chip, nil
}

func (r *restorer) vcpu(en persist.Entry, d *persist.Decoder) error {
	if r.platformSeen() {
		return fmt.Errorf("%w: vcpu after platform devices", errOrder)
	}

	if want := strconv.Itoa(len(r.m.vcpus)); en.ID != want {
		return fmt.Errorf("%w: vcpu %q, want %q", errOrder, en.ID, want)
	}

	c, err := vcpu.Restore(d)
	if err != nil {
		return err
	}

	if c.Index() != len(r.m.vcpus) {
		return fmt.Errorf("%w: vcpu index %d", errOrder, c.Index())
	}

	c.SetRunner(r.cfg.runner(c.Index()))
	r.m.vcpus = append(r.m.vcpus, c)

	return nil
}

func (r *restorer) irqchip(_ persist.Entry, d *persist.Decoder) error {
	if r.m.chip != nil {
		return fmt.Errorf("%w: second irqchip", errOrder)
	}

	chip, err := irqchip.Restore(d)
	if err != nil {
		return err
	}

	r.m.chip = chip

	return nil
}

func (r *restorer) clock(_ persist.Entry, d *persist.Decoder) error {
	if r.m.clock != nil {
		return fmt.Errorf("%w: second clock", errOrder)
	}

	c, err := RestoreClock(d)
	if err != nil {
		return err
	}

	r.m.clock = c

	return nil
}

func (r *restorer) serial(_ persist.Entry, d *persist.Decoder) error {
	if r.m.serial != nil {
		return fmt.Errorf("%w: second serial", errOrder)
	}

	chip, err := r.needChip()
	if err != nil {
		return err
	}

	s, err := serial.Restore(d, chip, r.cfg.console())
	if err != nil {
		return err
	}

	r.m.serial = s

	return nil
}

func (r *restorer) device(en persist.Entry, build func(*irqchip.Chip) (virtio.Device, error)) error {
	if en.ID == "" || r.m.Device(en.ID) != nil {
		return fmt.Errorf("%w: %q", ErrDuplicateDevice, en.ID)
	}

	chip, err := r.needChip()
	if err != nil {
		return err
	}

	dev, err := build(chip)
	if err != nil {
		return err
	}

	return r.m.plug(dev)
}

func (r *restorer) block(en persist.Entry, d *persist.Decoder) error {
	return r.device(en, func(chip *irqchip.Chip) (virtio.Device, error) {
		v, err := virtio.RestoreBlk(d, en.ID, chip, r.m.mem, nil)
		if err != nil {
			return nil, err
		}

		disk, err := r.m.openDisk(r.cfg, v.Config())
		if err != nil {
			return nil, err
		}

		if disk != nil {
			v.AttachDisk(disk)
		}

		return v, nil
	})
}

func (r *restorer) net(en persist.Entry, d *persist.Decoder) error {
	return r.device(en, func(chip *irqchip.Chip) (virtio.Device, error) {
		return virtio.RestoreNet(d, en.ID, chip, r.m.mem)
	})
}

func (r *restorer) vsock(en persist.Entry, d *persist.Decoder) error {
	return r.device(en, func(chip *irqchip.Chip) (virtio.Device, error) {
		return virtio.RestoreVsock(d, en.ID, chip)
	})
}

func (r *restorer) balloon(en persist.Entry, d *persist.Decoder) error {
	return r.device(en, func(chip *irqchip.Chip) (virtio.Device, error) {
		return virtio.RestoreBalloon(d, en.ID, chip)
	})
}
