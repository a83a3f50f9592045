// Package kvm wraps the handful of /dev/kvm ioctls the snapshot subsystem
// needs: VM creation, capability probing, memory slot registration and the
// per-slot dirty page log.
package kvm

import (
	"fmt"
	"os"
)

const (
	kvmGetAPIVersion       = 0x00
	kvmCreateVM            = 0x01
	kvmCheckExtension      = 0x03
	kvmGetDirtyLog         = 0x42
	kvmSetUserMemoryRegion = 0x46

	expectedAPIVersion = 12
)

// Capability is a KVM extension number as passed to KVM_CHECK_EXTENSION.
type Capability uint32

const (
	CapUserMemory             Capability = 3
	CapNRMemSlots             Capability = 10
	CapSyncMMU                Capability = 16
	CapReadonlyMem            Capability = 81
	CapMultiAddressSpace      Capability = 118
	CapManualDirtyLogProtect2 Capability = 168
	CapDirtyLogRing           Capability = 192
	CapDirtyLogRingAcqRel     Capability = 223
	CapDirtyLogRingWithBitmap Capability = 225
)

var capabilityNames = map[Capability]string{ //nolint:gochecknoglobals
	CapUserMemory:             "CapUserMemory",
	CapNRMemSlots:             "CapNRMemSlots",
	CapSyncMMU:                "CapSyncMMU",
	CapReadonlyMem:            "CapReadonlyMem",
	CapMultiAddressSpace:      "CapMultiAddressSpace",
	CapManualDirtyLogProtect2: "CapManualDirtyLogProtect2",
	CapDirtyLogRing:           "CapDirtyLogRing",
	CapDirtyLogRingAcqRel:     "CapDirtyLogRingAcqRel",
	CapDirtyLogRingWithBitmap: "CapDirtyLogRingWithBitmap",
}

func (c Capability) String() string {
	if s, ok := capabilityNames[c]; ok {
		return s
	}

	return fmt.Sprintf("Capability(%d)", uint32(c))
}

// DirtyLogCapabilities lists the extensions relevant to dirty page tracking,
// in the order `probe` reports them.
func DirtyLogCapabilities() []Capability {
	return []Capability{
		CapUserMemory,
		CapNRMemSlots,
		CapSyncMMU,
		CapReadonlyMem,
		CapManualDirtyLogProtect2,
		CapDirtyLogRing,
		CapDirtyLogRingAcqRel,
		CapDirtyLogRingWithBitmap,
	}
}

// GetAPIVersion returns the KVM API version. Anything but 12 is unusable.
func GetAPIVersion(kvmFd uintptr) (uintptr, error) {
	return Ioctl(kvmFd, IIO(kvmGetAPIVersion), 0)
}

// CreateVM creates a new VM and returns its file descriptor.
func CreateVM(kvmFd uintptr) (uintptr, error) {
	return Ioctl(kvmFd, IIO(kvmCreateVM), 0)
}

// CheckExtension returns a positive value when the capability is present.
// Some capabilities (CapNRMemSlots) return a count instead of a flag.
func CheckExtension(fd uintptr, c Capability) (int, error) {
	ret, err := Ioctl(fd, IIO(kvmCheckExtension), uintptr(c))

	return int(ret), err
}

// Device is an open /dev/kvm handle.
type Device struct {
	f *os.File
}

// Open opens the KVM device at path and checks the API version.
func Open(path string) (*Device, error) {
	f, err := os.OpenFile(path, os.O_RDWR, 0o644)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}

	v, err := GetAPIVersion(f.Fd())
	if err != nil {
		f.Close()

		return nil, fmt.Errorf("GetAPIVersion: %w", err)
	}

	if v != expectedAPIVersion {
		f.Close()

		return nil, fmt.Errorf("%w: got %d want %d", ErrAPIVersion, v, expectedAPIVersion)
	}

	return &Device{f: f}, nil
}

// Fd returns the raw descriptor.
func (d *Device) Fd() uintptr { return d.f.Fd() }

// Close closes the device.
func (d *Device) Close() error { return d.f.Close() }
