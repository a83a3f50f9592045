package kvm

import "unsafe"

const (
	memLogDirtyPages = 1 << 0
	memReadonly      = 1 << 1
)

// UserspaceMemoryRegion defines Memory Regions.
type UserspaceMemoryRegion struct {
	Slot          uint32
	Flags         uint32
	GuestPhysAddr uint64
	MemorySize    uint64
	UserspaceAddr uint64
}

// SetMemLogDirtyPages sets region flags to log dirty pages.
// This is what makes diff snapshots possible for guest-side writes.
func (r *UserspaceMemoryRegion) SetMemLogDirtyPages() {
	r.Flags |= memLogDirtyPages
}

// SetMemReadonly marks a region as read only.
func (r *UserspaceMemoryRegion) SetMemReadonly() {
	r.Flags |= memReadonly
}

// LogsDirtyPages reports whether the dirty log flag is set.
func (r *UserspaceMemoryRegion) LogsDirtyPages() bool {
	return r.Flags&memLogDirtyPages != 0
}

// SetUserMemoryRegion adds a memory region to a vm -- not a vcpu, a vm.
// Re-registering an existing slot with different flags toggles dirty logging.
func SetUserMemoryRegion(vmFd uintptr, region *UserspaceMemoryRegion) error {
	_, err := Ioctl(vmFd,
		IIOW(kvmSetUserMemoryRegion, unsafe.Sizeof(UserspaceMemoryRegion{})),
		uintptr(unsafe.Pointer(region)))

	return err
}

// DirtyLog is struct kvm_dirty_log. BitMap points at a buffer holding one
// bit per page of the slot, rounded up to 64 bits.
type DirtyLog struct {
	Slot   uint32
	_      uint32
	BitMap uint64
}

// GetDirtyLog fetches the dirty bitmap for a slot. Without manual dirty log
// protection KVM atomically clears the log on every call.
func GetDirtyLog(vmFd uintptr, dl *DirtyLog) error {
	_, err := Ioctl(vmFd,
		IIOW(kvmGetDirtyLog, unsafe.Sizeof(DirtyLog{})),
		uintptr(unsafe.Pointer(dl)))

	return err
}

// GetDirtyBitmap is a convenience wrapper around GetDirtyLog that fills words.
func GetDirtyBitmap(vmFd uintptr, slot uint32, words []uint64) error {
	if len(words) == 0 {
		return nil
	}

	dl := &DirtyLog{
		Slot:   slot,
		BitMap: uint64(uintptr(unsafe.Pointer(&words[0]))),
	}

	return GetDirtyLog(vmFd, dl)
}
