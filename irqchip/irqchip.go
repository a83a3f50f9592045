// Package irqchip models the in-kernel interrupt controller pair (two
// cascaded 8259 PICs and one IOAPIC) as far as snapshots need it: pin
// levels, masks and redirection entries, plus ownership of the GSI lines
// handed to devices.
package irqchip

import (
	"errors"
	"fmt"
	"sync"

	"github.com/sirupsen/logrus"
	"google.golang.org/protobuf/encoding/protowire"

	"github.com/bobuhiro11/gosnap/persist"
)

// NumPins is the number of IOAPIC pins, and so of GSIs.
const NumPins = 24

var log = logrus.WithField("subsystem", "irqchip") //nolint:gochecknoglobals

var (
	ErrNoLine    = errors.New("no free interrupt line")
	ErrLineTaken = errors.New("interrupt line already claimed")
	ErrBadLine   = errors.New("interrupt line out of range")
)

// PIC is one 8259.
type PIC struct {
	IRR, IMR, ISR uint8
	Base          uint8 // vector offset programmed by ICW2
	ELCR          uint8
}

// Chip is the interrupt controller of one VM.
type Chip struct {
	mu       sync.Mutex
	pics     [2]PIC
	ioapicID uint32
	redirect [NumPins]uint64
	level    uint32 // asserted pins
	owners   [NumPins]string
	raised   [NumPins]uint64
}

var _ persist.Device = (*Chip)(nil)

// New returns a chip in its reset state: PIC vectors at 0x20/0x28, every
// IOAPIC pin masked.
func New() *Chip {
	c := &Chip{}
	c.pics[0] = PIC{Base: 0x20, IMR: 0xff}
	c.pics[1] = PIC{Base: 0x28, IMR: 0xff}

	for i := range c.redirect {
		c.redirect[i] = 1 << 16 // masked
	}

	return c
}

// Line is one GSI owned by a device.
type Line struct {
	chip *Chip
	gsi  uint32
}

// GSI is the line number.
func (l *Line) GSI() uint32 { return l.gsi }

// Set drives the pin level.
func (l *Line) Set(level bool) { l.chip.setLevel(l.gsi, level) }

// Pulse raises and lowers an edge triggered line.
func (l *Line) Pulse() {
	l.Set(true)
	l.Set(false)
}

// Claim hands gsi to owner.
func (c *Chip) Claim(gsi uint32, owner string) (*Line, error) {
	if gsi >= NumPins {
		return nil, fmt.Errorf("%w: %d", ErrBadLine, gsi)
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	if c.owners[gsi] != "" {
		return nil, fmt.Errorf("%w: %d held by %s", ErrLineTaken, gsi, c.owners[gsi])
	}

	c.owners[gsi] = owner

	return &Line{chip: c, gsi: gsi}, nil
}

// Allocate claims the lowest free line at or above first.
func (c *Chip) Allocate(first uint32, owner string) (*Line, error) {
	c.mu.Lock()

	gsi := first
	for gsi < NumPins && c.owners[gsi] != "" {
		gsi++
	}

	c.mu.Unlock()

	if gsi >= NumPins {
		return nil, fmt.Errorf("%w for %s", ErrNoLine, owner)
	}

	return c.Claim(gsi, owner)
}

// Owner reports who holds gsi.
func (c *Chip) Owner(gsi uint32) string {
	if gsi >= NumPins {
		return ""
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	return c.owners[gsi]
}

func (c *Chip) setLevel(gsi uint32, level bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	bit := uint32(1) << gsi

	if level {
		if c.level&bit == 0 {
			c.raised[gsi]++
		}

		c.level |= bit
	} else {
		c.level &^= bit
	}

	// Legacy ISA lines are mirrored on the PICs.
	if gsi < 16 {
		pic := &c.pics[gsi/8]
		if level {
			pic.IRR |= 1 << (gsi % 8)
		} else if pic.ELCR&(1<<(gsi%8)) != 0 {
			pic.IRR &^= 1 << (gsi % 8)
		}
	}
}

// Level reports whether gsi is asserted.
func (c *Chip) Level(gsi uint32) bool {
	c.mu.Lock()
	defer c.mu.Unlock()

	return c.level&(1<<gsi) != 0
}

// Raised counts rising edges on gsi.
func (c *Chip) Raised(gsi uint32) uint64 {
	c.mu.Lock()
	defer c.mu.Unlock()

	return c.raised[gsi]
}

// SetRedirect programs IOAPIC redirection entry pin, as the guest would.
func (c *Chip) SetRedirect(pin int, entry uint64) error {
	if pin < 0 || pin >= NumPins {
		return fmt.Errorf("%w: %d", ErrBadLine, pin)
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	c.redirect[pin] = entry

	return nil
}

// Redirect returns IOAPIC redirection entry pin.
func (c *Chip) Redirect(pin int) uint64 {
	c.mu.Lock()
	defer c.mu.Unlock()

	return c.redirect[pin]
}

// PIC returns a copy of PIC i (0 master, 1 slave).
func (c *Chip) PIC(i int) PIC {
	c.mu.Lock()
	defer c.mu.Unlock()

	return c.pics[i]
}

// SetPIC replaces PIC i.
func (c *Chip) SetPIC(i int, p PIC) {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.pics[i] = p
}

func (c *Chip) Tag() persist.Tag { return persist.TagIRQChip }
func (c *Chip) ID() string       { return "irqchip" }

const (
	fieldPIC      = 1
	fieldIOAPICID = 2
	fieldRedirect = 3
	fieldLevel    = 4

	picIRR  = 1
	picIMR  = 2
	picISR  = 3
	picBase = 4
	picELCR = 5
)

// Save writes pin state. Line ownership is not saved; devices claim their
// lines again on restore.
func (c *Chip) Save(e *persist.Encoder) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	for _, p := range c.pics {
		p := p
		_ = e.PutMessage(fieldPIC, func(e *persist.Encoder) error {
			e.PutUint(picIRR, uint64(p.IRR))
			e.PutUint(picIMR, uint64(p.IMR))
			e.PutUint(picISR, uint64(p.ISR))
			e.PutUint(picBase, uint64(p.Base))
			e.PutUint(picELCR, uint64(p.ELCR))

			return nil
		})
	}

	e.PutUint(fieldIOAPICID, uint64(c.ioapicID))

	for _, r := range c.redirect {
		e.PutFixed64(fieldRedirect, r)
	}

	e.PutUint(fieldLevel, uint64(c.level))

	return nil
}

// Restore rebuilds a chip with no lines claimed.
func Restore(d *persist.Decoder) (*Chip, error) {
	pics, err := d.Messages(fieldPIC)
	if err != nil {
		return nil, err
	}

	if len(pics) != 2 {
		return nil, fmt.Errorf("%w: %d PICs", persist.ErrDeserialization, len(pics))
	}

	c := New()

	for i, pd := range pics {
		var vals [5]uint64

		for j := range vals {
			if vals[j], err = pd.Uint(protowire.Number(picIRR + j)); err != nil {
				return nil, err
			}
		}

		c.pics[i] = PIC{
			IRR: uint8(vals[0]), IMR: uint8(vals[1]), ISR: uint8(vals[2]),
			Base: uint8(vals[3]), ELCR: uint8(vals[4]),
		}
	}

	id, err := d.Uint(fieldIOAPICID)
	if err != nil {
		return nil, err
	}

	c.ioapicID = uint32(id)

	red, err := d.Fixed64s(fieldRedirect)
	if err != nil {
		return nil, err
	}

	if len(red) != NumPins {
		return nil, fmt.Errorf("%w: %d redirection entries", persist.ErrDeserialization, len(red))
	}

	copy(c.redirect[:], red)

	level, err := d.Uint(fieldLevel)
	if err != nil {
		return nil, err
	}

	c.level = uint32(level)

	log.WithField("asserted", fmt.Sprintf("%#x", c.level)).Debug("irqchip restored")

	return c, nil
}
