package vmm

import (
	"fmt"
	"os"

	"github.com/hashicorp/go-multierror"

	"github.com/bobuhiro11/gosnap/kvm"
	"github.com/bobuhiro11/gosnap/memory"
)

// hostVM is the KVM VM whose memory slots map guest RAM when Config.KVM is
// set. Its dirty log feeds Diff snapshots alongside software tracking.
type hostVM struct {
	dev *kvm.Device
	vm  *os.File
}

func openHostVM(path string) (*hostVM, error) {
	dev, err := kvm.Open(path)
	if err != nil {
		return nil, err
	}

	fd, err := kvm.CreateVM(dev.Fd())
	if err != nil {
		dev.Close()

		return nil, fmt.Errorf("CreateVM: %w", err)
	}

	return &hostVM{dev: dev, vm: os.NewFile(fd, "kvm-vm")}, nil
}

// register maps every region of mem into a KVM slot. Slots log dirty pages
// from the start when tracking is already armed.
func (h *hostVM) register(mem *memory.Memory) error {
	if _, err := mem.RegisterWithVM(h.vm.Fd(), mem.DirtyTrackingEnabled()); err != nil {
		return err
	}

	log.WithField("regions", len(mem.Layout())).Debug("guest memory registered with kvm")

	return nil
}

func (h *hostVM) Close() error {
	var result *multierror.Error

	if err := h.vm.Close(); err != nil {
		result = multierror.Append(result, err)
	}

	if err := h.dev.Close(); err != nil {
		result = multierror.Append(result, err)
	}

	return result.ErrorOrNil()
}
