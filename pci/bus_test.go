package pci_test

import (
	"errors"
	"testing"

	"github.com/bobuhiro11/gosnap/pci"
)

type fakeDev struct {
	slot   int
	last   []byte
	header pci.DeviceHeader
}

func (f *fakeDev) GetDeviceHeader() pci.DeviceHeader { return f.header }

func (f *fakeDev) Read(port uint64, data []byte) error {
	for i := range data {
		data[i] = byte(port)
	}

	return nil
}

func (f *fakeDev) Write(port uint64, data []byte) error {
	f.last = append([]byte(nil), data...)

	return nil
}

func (f *fakeDev) GetIORange() (start, end uint64) { return pci.SlotIORange(f.slot) }

func TestAddAtSanity(t *testing.T) {
	t.Parallel()

	b := pci.New()

	slot, err := b.NextSlot()
	if err != nil || slot != 1 {
		t.Fatalf("NextSlot: %d %v", slot, err)
	}

	if err := b.AddAt(1, &fakeDev{slot: 1}); err != nil {
		t.Fatal(err)
	}

	for _, test := range []struct {
		name string
		slot int
		dev  *fakeDev
		want error
	}{
		{name: "in use", slot: 1, dev: &fakeDev{slot: 1}, want: pci.ErrSlotInUse},
		{name: "range", slot: pci.MaxSlots, dev: &fakeDev{slot: 2}, want: pci.ErrBadSlot},
		{name: "window clash", slot: 2, dev: &fakeDev{slot: 1}, want: pci.ErrIOConflict},
	} {
		test := test
		t.Run(test.name, func(t *testing.T) {
			t.Parallel()

			if err := b.AddAt(test.slot, test.dev); !errors.Is(err, test.want) {
				t.Fatalf("expected: %v, actual: %v", test.want, err)
			}
		})
	}
}

func TestConfigSpace(t *testing.T) {
	t.Parallel()

	b := pci.New()
	dev := &fakeDev{slot: 3, header: pci.DeviceHeader{VendorID: 0x1af4, DeviceID: 0x1001}}

	if err := b.AddAt(3, dev); err != nil {
		t.Fatal(err)
	}

	// enable | slot 3 | offset 0
	if err := b.ConfAddrOut(pci.ConfAddrPort, pci.NumToBytes(uint32(1<<31|3<<11))); err != nil {
		t.Fatal(err)
	}

	addr := make([]byte, 4)
	if err := b.ConfAddrIn(pci.ConfAddrPort, addr); err != nil {
		t.Fatal(err)
	}

	if pci.BytesToNum(addr) != 1<<31|3<<11 {
		t.Fatalf("address latch %#x", pci.BytesToNum(addr))
	}

	id := make([]byte, 4)
	if err := b.ConfDataIn(pci.ConfDataPort, id); err != nil {
		t.Fatal(err)
	}

	if got := pci.BytesToNum(id); got != 0x10011af4 {
		t.Fatalf("vendor/device %#x", got)
	}

	// Empty slot reads all ones.
	_ = b.ConfAddrOut(pci.ConfAddrPort, pci.NumToBytes(uint32(1<<31|7<<11)))
	_ = b.ConfDataIn(pci.ConfDataPort, id)

	if pci.BytesToNum(id) != 0xffffffff {
		t.Fatalf("empty slot %#x", pci.BytesToNum(id))
	}
}

func TestHandleIO(t *testing.T) {
	t.Parallel()

	b := pci.New()
	dev := &fakeDev{slot: 2}

	if err := b.AddAt(2, dev); err != nil {
		t.Fatal(err)
	}

	start, _ := pci.SlotIORange(2)

	ok, err := b.HandleIO(start+4, []byte{9}, true)
	if !ok || err != nil || len(dev.last) != 1 || dev.last[0] != 9 {
		t.Fatalf("write: %v %v %v", ok, err, dev.last)
	}

	buf := []byte{0}
	if ok, err := b.HandleIO(start+4, buf, false); !ok || err != nil || buf[0] != byte(start+4) {
		t.Fatalf("read: %v %v %v", ok, err, buf)
	}

	if ok, _ := b.HandleIO(0x10, buf, false); ok {
		t.Fatal("unclaimed port was handled")
	}
}
