// Package pci is the PCI bus of the VM: configuration space access through
// mechanism #1 on ports 0xCF8/0xCFC, slot allocation and dispatch of port
// I/O to each device's BAR0 window.
//
// refs
// https://wiki.osdev.org/PCI
// http://www2.comp.ufscar.br/~helio/boot-int/pci.html
package pci

import (
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"
	"sync"

	"github.com/sirupsen/logrus"
)

const (
	ConfAddrPort = 0xcf8
	ConfDataPort = 0xcfc

	// MaxSlots is the number of devices on bus 0.
	MaxSlots = 32

	// IOBase is the port address of slot 0's BAR0 window; slot n sits n
	// windows above it.
	IOBase     = 0x6000
	IOSlotSize = 0x100
)

var log = logrus.WithField("subsystem", "pci") //nolint:gochecknoglobals

var (
	ErrNoSlot     = errors.New("no free PCI slot")
	ErrSlotInUse  = errors.New("PCI slot already in use")
	ErrBadSlot    = errors.New("PCI slot out of range")
	ErrIOConflict = errors.New("PCI I/O window overlaps another device")
)

type address uint32

func (a address) getRegisterOffset() uint32 {
	return uint32(a) & 0xfc
}

func (a address) getFunctionNumber() uint32 {
	return (uint32(a) >> 8) & 0x7
}

func (a address) getDeviceNumber() uint32 {
	return (uint32(a) >> 11) & 0x1f
}

func (a address) getBusNumber() uint32 {
	return (uint32(a) >> 16) & 0xff
}

func (a address) isEnable() bool {
	return uint32(a)&(1<<31) != 0
}

// DeviceHeader is a type 0/1 configuration space header.
type DeviceHeader struct {
	VendorID                uint16
	DeviceID                uint16
	Command                 uint16
	Status                  uint16
	RevisonID               uint8
	ClassCode               [3]uint8
	CacheLineSize           uint8
	LatencyTimer            uint8
	HeaderType              uint8
	BIST                    uint8
	BAR                     [6]uint32
	CardbusCISPointer       uint32
	SubsystemVendorID       uint16
	SubsystemID             uint16
	ExpansionROMBaseAddress uint32
	CapabilitiesPointer     uint8
	Reserved                [7]uint8
	InterruptLine           uint8
	InterruptPin            uint8
	MinGnt                  uint8
	MaxLat                  uint8
}

// Bytes encodes the header as the guest sees it.
func (h DeviceHeader) Bytes() ([]byte, error) {
	buf := new(bytes.Buffer)

	if err := binary.Write(buf, binary.LittleEndian, h); err != nil {
		return []byte{}, err
	}

	return buf.Bytes(), nil
}

// Device is a function on the bus.
type Device interface {
	GetDeviceHeader() DeviceHeader
	Read(port uint64, data []byte) error
	Write(port uint64, data []byte) error
	GetIORange() (start, end uint64)
}

// Bus is PCI bus 0.
type Bus struct {
	mu    sync.Mutex
	addr  address
	slots [MaxSlots]Device
}

// New returns a bus with the host bridge at 00:00.0.
func New() *Bus {
	b := &Bus{}
	b.slots[hostBridgeSlotNum] = NewBridge()

	return b
}

// SlotIORange is the BAR0 window of slot.
func SlotIORange(slot int) (start, end uint64) {
	start = IOBase + uint64(slot)*IOSlotSize

	return start, start + IOSlotSize
}

// NextSlot returns the lowest free slot.
func (b *Bus) NextSlot() (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	for i, d := range b.slots {
		if d == nil {
			return i, nil
		}
	}

	return 0, ErrNoSlot
}

// AddAt plugs d into slot after checking that the slot is free and the
// device's I/O window overlaps nothing else on the bus.
func (b *Bus) AddAt(slot int, d Device) error {
	if slot < 0 || slot >= MaxSlots {
		return fmt.Errorf("%w: %d", ErrBadSlot, slot)
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	if b.slots[slot] != nil {
		return fmt.Errorf("%w: %d", ErrSlotInUse, slot)
	}

	start, end := d.GetIORange()

	for i, o := range b.slots {
		if o == nil || start == end {
			continue
		}

		os, oe := o.GetIORange()
		if start < oe && os < end {
			return fmt.Errorf("%w: slot %d [%#x, %#x) and slot %d [%#x, %#x)",
				ErrIOConflict, slot, start, end, i, os, oe)
		}
	}

	b.slots[slot] = d

	log.WithFields(logrus.Fields{"slot": slot, "io": fmt.Sprintf("%#x", start)}).Debug("device plugged")

	return nil
}

// Slot returns the device in slot, or nil.
func (b *Bus) Slot(slot int) Device {
	if slot < 0 || slot >= MaxSlots {
		return nil
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	return b.slots[slot]
}

// ConfDataIn serves reads of the configuration data port.
func (b *Bus) ConfDataIn(port uint64, values []byte) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	// offset can be obtained from many source as below:
	//        (address from IO port 0xcf8) & 0xfc + (IO port address for Data) - 0xCFC
	// see pci_conf1_read in linux/arch/x86/pci/direct.c for more detail.
	offset := int(b.addr.getRegisterOffset() + uint32(port-ConfDataPort))

	for i := range values {
		values[i] = 0xff
	}

	if !b.addr.isEnable() || b.addr.getBusNumber() != 0 || b.addr.getFunctionNumber() != 0 {
		return nil
	}

	d := b.slots[b.addr.getDeviceNumber()]
	if d == nil {
		return nil
	}

	raw, err := d.GetDeviceHeader().Bytes()
	if err != nil {
		return err
	}

	if offset+len(values) > len(raw) {
		return nil
	}

	copy(values, raw[offset:])

	return nil
}

// ConfDataOut ignores configuration writes; BARs are fixed.
func (b *Bus) ConfDataOut(port uint64, values []byte) error {
	return nil
}

// ConfAddrIn reads back the address latch.
func (b *Bus) ConfAddrIn(port uint64, values []byte) error {
	if len(values) != 4 {
		return nil
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	copy(values, NumToBytes(uint32(b.addr)))

	return nil
}

// ConfAddrOut latches a configuration address.
func (b *Bus) ConfAddrOut(port uint64, values []byte) error {
	if len(values) != 4 {
		return nil
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	b.addr = address(BytesToNum(values))

	return nil
}

// HandleIO routes a port access to the device whose BAR0 window holds it.
// It reports false when no device claims the port.
func (b *Bus) HandleIO(port uint64, data []byte, write bool) (bool, error) {
	b.mu.Lock()

	var target Device

	for _, d := range b.slots {
		if d == nil {
			continue
		}

		if s, e := d.GetIORange(); port >= s && port < e {
			target = d

			break
		}
	}

	b.mu.Unlock()

	if target == nil {
		return false, nil
	}

	if write {
		return true, target.Write(port, data)
	}

	return true, target.Read(port, data)
}

// SizeToBits returns the BAR size mask for a window of size bytes.
func SizeToBits(size uint64) uint32 {
	return ^uint32(size - 1)
}

// BytesToNum decodes up to 8 little endian bytes.
func BytesToNum(bytes []byte) uint64 {
	res := uint64(0)

	for i, b := range bytes {
		res |= uint64(b) << (8 * i)
	}

	return res
}

// NumToBytes encodes an unsigned integer little endian. Other types yield
// an empty slice.
func NumToBytes(x interface{}) []byte {
	switch v := x.(type) {
	case uint8:
		return []byte{v}
	case uint16:
		return binary.LittleEndian.AppendUint16(nil, v)
	case uint32:
		return binary.LittleEndian.AppendUint32(nil, v)
	case uint64:
		return binary.LittleEndian.AppendUint64(nil, v)
	default:
		return []byte{}
	}
}
