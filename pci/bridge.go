package pci

import (
	"errors"
	"fmt"
)

// ErrBridgeIO reports port I/O routed to the host bridge, which decodes no
// ports of its own.
var ErrBridgeIO = errors.New("host bridge has no I/O ports")

const (
	intelVendorID     = 0x8086
	hostBridgeID      = 0x6000
	headerTypeBridge  = 1
	hostBridgeSlotNum = 0
)

// hostBridge occupies slot 0 of every bus. It carries no mutable state, so
// it is never part of a snapshot: restore recreates it with the bus.
type hostBridge struct{}

// NewBridge returns the host bridge that sits at 00:00.0.
func NewBridge() Device { return hostBridge{} }

func (hostBridge) GetDeviceHeader() DeviceHeader {
	return DeviceHeader{
		VendorID:   intelVendorID,
		DeviceID:   hostBridgeID,
		HeaderType: headerTypeBridge,
	}
}

func (hostBridge) Read(port uint64, _ []byte) error {
	return fmt.Errorf("%w: read %#x", ErrBridgeIO, port)
}

func (hostBridge) Write(port uint64, _ []byte) error {
	return fmt.Errorf("%w: write %#x", ErrBridgeIO, port)
}

func (hostBridge) GetIORange() (start, end uint64) { return 0, 0 }
