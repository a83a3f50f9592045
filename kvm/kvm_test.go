package kvm_test

import (
	"os"
	"runtime"
	"testing"
	"unsafe"

	"github.com/bobuhiro11/gosnap/kvm"
)

func openKVM(t *testing.T) *kvm.Device {
	t.Helper()

	if os.Getuid() != 0 {
		t.Skipf("Skipping test since we are not root")
	}

	if _, err := os.Stat("/dev/kvm"); err != nil {
		t.Skipf("Skipping test since /dev/kvm is unavailable: %v", err)
	}

	dev, err := kvm.Open("/dev/kvm")
	if err != nil {
		t.Fatal(err)
	}

	t.Cleanup(func() { dev.Close() })

	return dev
}

func TestIoctlNumbers(t *testing.T) {
	t.Parallel()

	for _, test := range []struct {
		name string
		have uintptr
		want uintptr
	}{
		{"KVM_GET_API_VERSION", kvm.IIO(0x00), 0xae00},
		{"KVM_CREATE_VM", kvm.IIO(0x01), 0xae01},
		{"KVM_SET_USER_MEMORY_REGION", kvm.IIOW(0x46, unsafe.Sizeof(kvm.UserspaceMemoryRegion{})), 0x4020ae46},
		{"KVM_GET_DIRTY_LOG", kvm.IIOW(0x42, unsafe.Sizeof(kvm.DirtyLog{})), 0x4010ae42},
	} {
		test := test
		t.Run(test.name, func(t *testing.T) {
			t.Parallel()

			if test.have != test.want {
				t.Errorf("have: %#x, want: %#x", test.have, test.want)
			}
		})
	}
}

func TestCapabilityStringer(t *testing.T) {
	t.Parallel()

	for _, test := range []struct {
		name  string
		value kvm.Capability
		want  string
	}{
		{name: "UserMemory", value: kvm.CapUserMemory, want: "CapUserMemory"},
		{name: "ManualDirtyLog", value: kvm.CapManualDirtyLogProtect2, want: "CapManualDirtyLogProtect2"},
		{name: "Unknown", value: kvm.Capability(255), want: "Capability(255)"},
	} {
		test := test
		t.Run(test.name, func(t *testing.T) {
			t.Parallel()

			if test.value.String() != test.want {
				t.Errorf("have: %s, want: %s", test.value.String(), test.want)
			}
		})
	}
}

func TestRegionFlags(t *testing.T) {
	t.Parallel()

	r := &kvm.UserspaceMemoryRegion{}
	if r.LogsDirtyPages() {
		t.Fatal("fresh region must not log dirty pages")
	}

	r.SetMemLogDirtyPages()
	r.SetMemReadonly()

	if !r.LogsDirtyPages() || r.Flags != 0x3 {
		t.Fatalf("unexpected flags %#x", r.Flags)
	}
}

func TestDirtyLogRoundTrip(t *testing.T) {
	t.Parallel()

	dev := openKVM(t)

	vmFd, err := kvm.CreateVM(dev.Fd())
	if err != nil {
		t.Fatal(err)
	}

	defer os.NewFile(vmFd, "kvm-vm").Close()

	if n, err := kvm.CheckExtension(dev.Fd(), kvm.CapUserMemory); err != nil || n <= 0 {
		t.Skipf("CapUserMemory unavailable: %d %v", n, err)
	}

	const size = 16 << 12

	mem := make([]byte, size+4096)
	aligned := (uintptr(unsafe.Pointer(&mem[0])) + 4095) &^ 4095

	region := &kvm.UserspaceMemoryRegion{
		Slot:          0,
		MemorySize:    size,
		UserspaceAddr: uint64(aligned),
	}
	region.SetMemLogDirtyPages()

	if err := kvm.SetUserMemoryRegion(vmFd, region); err != nil {
		t.Fatalf("SetUserMemoryRegion: %v", err)
	}

	words := make([]uint64, 1)
	if err := kvm.GetDirtyBitmap(vmFd, 0, words); err != nil {
		t.Fatalf("GetDirtyBitmap: %v", err)
	}

	// No vCPU ran, so nothing can be dirty.
	if words[0] != 0 {
		t.Fatalf("unexpected dirty bits %#x", words[0])
	}

	runtime.KeepAlive(mem)
}
