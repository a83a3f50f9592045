package memory

import (
	"errors"
	"fmt"
	"unsafe"

	"github.com/bobuhiro11/gosnap/kvm"
)

var errNotHostMapped = errors.New("backend has no host mapping to register")

// KVMDirtyLog reads KVM_GET_DIRTY_LOG for the slots a Memory registered.
type KVMDirtyLog struct {
	vmFd    uintptr
	regions []kvm.UserspaceMemoryRegion
}

var _ DirtyLogSource = (*KVMDirtyLog)(nil)

// RegisterWithVM registers every region as a KVM memory slot, slot i for
// region i, and attaches the returned dirty log. With logDirty the slots
// log from the start; otherwise logging starts on Arm.
func (m *Memory) RegisterWithVM(vmFd uintptr, logDirty bool) (*KVMDirtyLog, error) {
	m.mu.Lock()
	hm, ok := m.backend.(HostMapped)
	m.mu.Unlock()

	if !ok {
		return nil, errNotHostMapped
	}

	buf := hm.Bytes()
	dl := &KVMDirtyLog{vmFd: vmFd}

	for i, r := range m.layout {
		region := kvm.UserspaceMemoryRegion{
			Slot:          uint32(i),
			GuestPhysAddr: r.GuestAddr,
			MemorySize:    r.Size,
			UserspaceAddr: uint64(uintptr(unsafe.Pointer(&buf[r.FileOffset]))),
		}

		if logDirty {
			region.SetMemLogDirtyPages()
		}

		if err := kvm.SetUserMemoryRegion(vmFd, &region); err != nil {
			return nil, fmt.Errorf("SetUserMemoryRegion slot %d: %w", i, err)
		}

		dl.regions = append(dl.regions, region)
	}

	if err := m.SetDirtyLog(dl); err != nil {
		return nil, err
	}

	return dl, nil
}

// Arm turns on dirty logging for every slot that does not log yet.
func (d *KVMDirtyLog) Arm() error {
	for i := range d.regions {
		r := &d.regions[i]
		if r.LogsDirtyPages() {
			continue
		}

		r.SetMemLogDirtyPages()

		if err := kvm.SetUserMemoryRegion(d.vmFd, r); err != nil {
			return fmt.Errorf("enable dirty log on slot %d: %w", r.Slot, err)
		}
	}

	return nil
}

// Collect ORs the slot log into b. KVM clears the log as it is read.
func (d *KVMDirtyLog) Collect(region int, b *Bitmap) error {
	if region < 0 || region >= len(d.regions) {
		return fmt.Errorf("%w: slot %d", errOutOfRange, region)
	}

	words := make([]uint64, len(b.Words()))
	if err := kvm.GetDirtyBitmap(d.vmFd, d.regions[region].Slot, words); err != nil {
		return fmt.Errorf("GetDirtyLog slot %d: %w", region, err)
	}

	b.Or(words)

	return nil
}
