// Package virtio holds the legacy virtio-pci transport and the state bearing
// models of the block, net, vsock and balloon devices. Data path emulation is
// limited to what moves bytes in and out of guest memory; everything a guest
// driver can observe through the transport is kept and survives a snapshot.
package virtio

import (
	"errors"
	"fmt"
	"io"
	"sync"

	"github.com/sirupsen/logrus"
	"google.golang.org/protobuf/encoding/protowire"

	"github.com/bobuhiro11/gosnap/irqchip"
	"github.com/bobuhiro11/gosnap/pci"
	"github.com/bobuhiro11/gosnap/persist"
	"github.com/bobuhiro11/gosnap/version"
)

var log = logrus.WithField("subsystem", "virtio") //nolint:gochecknoglobals

var (
	ErrNoTxPacket   = errors.New("no packet for tx")
	ErrQueueIndex   = errors.New("virtqueue index out of range")
	ErrQueueNotSet  = errors.New("virtqueue not configured")
	ErrUnknownFeats = errors.New("negotiated features unknown to the target format")
)

// QueueSize is the size of every virtqueue the transport offers.
const QueueSize = 256

// Device types, as in the virtio specification.
type Type uint32

const (
	TypeNet     Type = 1
	TypeBlock   Type = 2
	TypeBalloon Type = 5
	TypeVsock   Type = 19
)

func (t Type) String() string {
	switch t {
	case TypeNet:
		return "net"
	case TypeBlock:
		return "block"
	case TypeBalloon:
		return "balloon"
	case TypeVsock:
		return "vsock"
	default:
		return fmt.Sprintf("Type(%d)", uint32(t))
	}
}

// pciDeviceID is the transitional PCI device id of t.
func (t Type) pciDeviceID() uint16 {
	switch t {
	case TypeNet:
		return 0x1000
	case TypeBlock:
		return 0x1001
	case TypeBalloon:
		return 0x1002
	default:
		return 0x1040 + uint16(t)
	}
}

// Feature bits.
const (
	FeatureIndirectDesc uint64 = 1 << 28
	FeatureEventIdx     uint64 = 1 << 29
	FeatureVersion1     uint64 = 1 << 32

	BlkFeatureRO    uint64 = 1 << 5
	BlkFeatureFlush uint64 = 1 << 9

	NetFeatureCsum      uint64 = 1 << 0
	NetFeatureGuestCsum uint64 = 1 << 1
	NetFeatureMAC       uint64 = 1 << 5
	NetFeatureMrgRxbuf  uint64 = 1 << 15

	BalloonFeatureStatsVQ      uint64 = 1 << 1
	BalloonFeatureDeflateOnOOM uint64 = 1 << 2
)

// KnownFeatures is the set of feature bits a device of type t may have
// negotiated in a snapshot of format f.
func KnownFeatures(t Type, f version.Format) uint64 {
	known := FeatureIndirectDesc | FeatureVersion1
	if f >= version.FormatDeviceOptions {
		known |= FeatureEventIdx
	}

	switch t {
	case TypeBlock:
		known |= BlkFeatureRO | BlkFeatureFlush
	case TypeNet:
		known |= NetFeatureCsum | NetFeatureGuestCsum | NetFeatureMAC
		if f >= version.FormatSerialDivisor {
			known |= NetFeatureMrgRxbuf
		}
	case TypeBalloon:
		known |= BalloonFeatureStatsVQ | BalloonFeatureDeflateOnOOM
	case TypeVsock:
	}

	return known
}

// GuestMemory is the device view of guest RAM. Writes through it are dirty
// tracked.
type GuestMemory interface {
	io.ReaderAt
	io.WriterAt
}

// Device is what the machine needs from every virtio device.
type Device interface {
	persist.Device
	pci.Device
	Transport() *Transport
	Start(w *Worker)
}

// Queue is the host side of one virtqueue.
type Queue struct {
	Size      uint16
	PFN       uint32 // legacy layout: ring at PFN*4096
	NextAvail uint16
	NextUsed  uint16
}

// Ready reports whether the driver configured the queue.
func (q Queue) Ready() bool { return q.PFN != 0 }

// Transport is the legacy virtio-pci register block (BAR0) plus the
// interrupt line and slot of one device.
type Transport struct {
	mu sync.Mutex

	Type           Type
	Slot           int
	DeviceFeatures uint64
	DriverFeatures uint64
	QueueSel       uint16
	Queues         []Queue
	Status         uint8
	ISR            uint8
	Notifies       uint64

	line   *irqchip.Line
	notify func(queue uint16)
	config func() []byte
}

// newTransport returns a transport with n queues. Offered features are
// masked to what the current format knows.
func newTransport(t Type, slot int, line *irqchip.Line, features uint64, n int) *Transport {
	tr := &Transport{
		Type:           t,
		Slot:           slot,
		DeviceFeatures: features & KnownFeatures(t, version.Current),
		Queues:         make([]Queue, n),
		line:           line,
	}

	for i := range tr.Queues {
		tr.Queues[i].Size = QueueSize
	}

	return tr
}

// Line returns the interrupt line.
func (t *Transport) Line() *irqchip.Line { return t.line }

// Negotiate sets the driver feature word; bits the device does not offer are
// dropped, as a real device would refuse them.
func (t *Transport) Negotiate(features uint64) {
	t.mu.Lock()
	defer t.mu.Unlock()

	t.DriverFeatures = features & t.DeviceFeatures
}

// Kick raises the used buffer interrupt.
func (t *Transport) Kick() {
	t.mu.Lock()
	t.ISR |= 0x1
	t.mu.Unlock()

	if t.line != nil {
		t.line.Set(true)
	}
}

// Reset returns the device to its state before driver initialization.
func (t *Transport) Reset() {
	t.mu.Lock()
	defer t.mu.Unlock()

	t.DriverFeatures, t.QueueSel, t.Status, t.ISR = 0, 0, 0, 0

	for i := range t.Queues {
		t.Queues[i] = Queue{Size: QueueSize}
	}
}

// Queue returns a copy of queue i.
func (t *Transport) Queue(i int) (Queue, error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	if i < 0 || i >= len(t.Queues) {
		return Queue{}, fmt.Errorf("%w: %d", ErrQueueIndex, i)
	}

	return t.Queues[i], nil
}

// advance records that the device consumed one avail entry of queue i and
// published one used entry.
func (t *Transport) advance(i int) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	if i < 0 || i >= len(t.Queues) {
		return fmt.Errorf("%w: %d", ErrQueueIndex, i)
	}

	q := &t.Queues[i]
	if !q.Ready() {
		return fmt.Errorf("%w: %d", ErrQueueNotSet, i)
	}

	q.NextAvail++
	q.NextUsed++

	return nil
}

// Legacy register offsets within BAR0.
const (
	regDeviceFeatures = 0
	regDriverFeatures = 4
	regQueuePFN       = 8
	regQueueNum       = 12
	regQueueSel       = 14
	regQueueNotify    = 16
	regStatus         = 18
	regISR            = 19
	regConfig         = 20
)

func (t *Transport) ioStart() uint64 {
	start, _ := pci.SlotIORange(t.Slot)

	return start
}

// GetIORange is the BAR0 window.
func (t *Transport) GetIORange() (start, end uint64) { return pci.SlotIORange(t.Slot) }

// GetDeviceHeader is the PCI configuration header.
func (t *Transport) GetDeviceHeader() pci.DeviceHeader {
	var irq uint8
	if t.line != nil {
		irq = uint8(t.line.GSI())
	}

	return pci.DeviceHeader{
		DeviceID:    t.Type.pciDeviceID(),
		VendorID:    0x1AF4,
		HeaderType:  0,
		SubsystemID: uint16(t.Type),
		Command:     1, // Enable IO port
		BAR: [6]uint32{
			uint32(t.ioStart()) | 0x1,
		},
		// https://github.com/torvalds/linux/blob/fb3b0673b7d5b477ed104949450cd511337ba3c6/drivers/pci/setup-irq.c#L30-L55
		InterruptPin:  1,
		InterruptLine: irq,
	}
}

// Read serves a guest read of BAR0.
func (t *Transport) Read(port uint64, data []byte) error {
	t.mu.Lock()

	offset := int(port - t.ioStart())

	var v uint64

	switch {
	case offset == regDeviceFeatures:
		v = t.DeviceFeatures & 0xffffffff
	case offset == regDriverFeatures:
		v = t.DriverFeatures & 0xffffffff
	case offset == regQueuePFN && int(t.QueueSel) < len(t.Queues):
		v = uint64(t.Queues[t.QueueSel].PFN)
	case offset == regQueueNum && int(t.QueueSel) < len(t.Queues):
		v = uint64(t.Queues[t.QueueSel].Size)
	case offset == regQueueSel:
		v = uint64(t.QueueSel)
	case offset == regStatus:
		v = uint64(t.Status)
	case offset == regISR:
		// Reading ISR acknowledges the interrupt.
		v = uint64(t.ISR)
		t.ISR = 0

		defer func() {
			if t.line != nil {
				t.line.Set(false)
			}
		}()
	case offset >= regConfig && t.config != nil:
		cfg := t.config()
		for i := range data {
			if off := offset - regConfig + i; off < len(cfg) {
				data[i] = cfg[off]
			}
		}

		t.mu.Unlock()

		return nil
	}

	t.mu.Unlock()

	copy(data, pci.NumToBytes(v))

	return nil
}

// Write serves a guest write of BAR0.
func (t *Transport) Write(port uint64, data []byte) error {
	offset := int(port - t.ioStart())
	v := pci.BytesToNum(data)

	t.mu.Lock()

	var notify func(uint16)

	switch offset {
	case regDriverFeatures:
		t.DriverFeatures = v & t.DeviceFeatures
	case regQueuePFN:
		// Queue PFN is aligned to page (4096 bytes)
		if int(t.QueueSel) < len(t.Queues) {
			t.Queues[t.QueueSel].PFN = uint32(v)
		}
	case regQueueSel:
		t.QueueSel = uint16(v)
	case regQueueNotify:
		t.Notifies++
		notify = t.notify
	case regStatus:
		t.Status = uint8(v)
		if t.Status == 0 {
			t.mu.Unlock()
			t.Reset()

			return nil
		}
	default:
		log.WithFields(logrus.Fields{"type": t.Type, "offset": offset}).Debug("ignored register write")
	}

	t.mu.Unlock()

	if notify != nil {
		notify(uint16(v))
	}

	return nil
}

const (
	trSlot           = 1
	trDeviceFeatures = 2
	trDriverFeatures = 3
	trQueueSel       = 4
	trQueue          = 5
	trStatus         = 6
	trISR            = 7
	trGSI            = 8

	qSize      = 1
	qPFN       = 2
	qNextAvail = 3
	qNextUsed  = 4
)

// save writes the transport as a nested message. Negotiated features the
// target format does not know cannot be expressed and fail the save.
func (t *Transport) save(e *persist.Encoder, num int) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	if unknown := t.DriverFeatures &^ KnownFeatures(t.Type, e.Format()); unknown != 0 {
		return fmt.Errorf("%w: %s features %#x at format %d: %w",
			persist.ErrSerialization, t.Type, unknown, e.Format(), ErrUnknownFeats)
	}

	return e.PutMessage(protowire.Number(num), func(e *persist.Encoder) error {
		e.PutUint(trSlot, uint64(t.Slot))
		e.PutUint(trDeviceFeatures, t.DeviceFeatures&KnownFeatures(t.Type, e.Format()))
		e.PutUint(trDriverFeatures, t.DriverFeatures)
		e.PutUint(trQueueSel, uint64(t.QueueSel))

		for _, q := range t.Queues {
			q := q
			_ = e.PutMessage(trQueue, func(e *persist.Encoder) error {
				e.PutUint(qSize, uint64(q.Size))
				e.PutUint(qPFN, uint64(q.PFN))
				e.PutUint(qNextAvail, uint64(q.NextAvail))
				e.PutUint(qNextUsed, uint64(q.NextUsed))

				return nil
			})
		}

		e.PutUint(trStatus, uint64(t.Status))
		e.PutUint(trISR, uint64(t.ISR))

		if t.line != nil {
			e.PutUint(trGSI, uint64(t.line.GSI()))
		}

		return nil
	})
}

// restoreTransport decodes a transport of type typ with want queues, and
// claims its interrupt line on chip for owner.
func restoreTransport(d *persist.Decoder, num int, typ Type, want int, chip *irqchip.Chip, owner string) (*Transport, error) {
	td, err := d.Message(protowire.Number(num))
	if err != nil {
		return nil, err
	}

	t := &Transport{Type: typ}

	var vals [4]uint64

	for i, n := range []int{trSlot, trDeviceFeatures, trDriverFeatures, trQueueSel} {
		if vals[i], err = td.Uint(protowire.Number(n)); err != nil {
			return nil, err
		}
	}

	t.Slot, t.DeviceFeatures, t.DriverFeatures, t.QueueSel = int(vals[0]), vals[1], vals[2], uint16(vals[3])

	if t.DriverFeatures&^t.DeviceFeatures != 0 {
		return nil, fmt.Errorf("%w: %s driver features %#x exceed offered %#x",
			persist.ErrDeserialization, typ, t.DriverFeatures, t.DeviceFeatures)
	}

	qs, err := td.Messages(trQueue)
	if err != nil {
		return nil, err
	}

	if len(qs) != want {
		return nil, fmt.Errorf("%w: %s has %d queues, want %d", persist.ErrDeserialization, typ, len(qs), want)
	}

	for _, qd := range qs {
		var qv [4]uint64

		for i, n := range []int{qSize, qPFN, qNextAvail, qNextUsed} {
			if qv[i], err = qd.Uint(protowire.Number(n)); err != nil {
				return nil, err
			}
		}

		if qv[0] == 0 || qv[0] > QueueSize {
			return nil, fmt.Errorf("%w: %s queue size %d", persist.ErrDeserialization, typ, qv[0])
		}

		t.Queues = append(t.Queues, Queue{
			Size: uint16(qv[0]), PFN: uint32(qv[1]), NextAvail: uint16(qv[2]), NextUsed: uint16(qv[3]),
		})
	}

	status, err := td.Uint(trStatus)
	if err != nil {
		return nil, err
	}

	isr, err := td.Uint(trISR)
	if err != nil {
		return nil, err
	}

	t.Status, t.ISR = uint8(status), uint8(isr)

	if td.Has(trGSI) {
		gsi, err := td.Uint(trGSI)
		if err != nil {
			return nil, err
		}

		if t.line, err = chip.Claim(uint32(gsi), owner); err != nil {
			return nil, err
		}
	}

	return t, nil
}
