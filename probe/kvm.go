// Package probe reports what the host KVM offers for dirty page tracking
// and copy-on-write memory slots.
package probe

import (
	"fmt"
	"io"

	"github.com/bobuhiro11/gosnap/kvm"
)

// Result is one capability and the value KVM_CHECK_EXTENSION returned.
type Result struct {
	Cap   kvm.Capability
	Value int
	Err   error
}

// KVMCapabilities queries every dirty log related capability on the device
// at path.
func KVMCapabilities(path string) ([]Result, error) {
	dev, err := kvm.Open(path)
	if err != nil {
		return nil, err
	}
	defer dev.Close()

	caps := kvm.DirtyLogCapabilities()
	out := make([]Result, 0, len(caps))

	for _, c := range caps {
		v, err := kvm.CheckExtension(dev.Fd(), c)
		out = append(out, Result{Cap: c, Value: v, Err: err})
	}

	return out, nil
}

// Print writes one line per result.
func Print(w io.Writer, results []Result) {
	for _, r := range results {
		switch {
		case r.Err != nil:
			fmt.Fprintf(w, "%-28s error: %v\n", r.Cap, r.Err)
		case r.Value > 0:
			fmt.Fprintf(w, "%-28s yes (%d)\n", r.Cap, r.Value)
		default:
			fmt.Fprintf(w, "%-28s no\n", r.Cap)
		}
	}
}

// DiffCapable reports whether hardware dirty logging can back Diff
// snapshots: user memory slots must exist and be more than zero.
func DiffCapable(results []Result) bool {
	var mem, slots bool

	for _, r := range results {
		if r.Err != nil {
			continue
		}

		switch r.Cap {
		case kvm.CapUserMemory:
			mem = r.Value > 0
		case kvm.CapNRMemSlots:
			slots = r.Value > 0
		}
	}

	return mem && slots
}
