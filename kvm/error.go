package kvm

import "errors"

var (
	// ErrAPIVersion is returned by Open when the kernel speaks another KVM API.
	ErrAPIVersion = errors.New("unexpected kvm api version")

	// ErrNoSlots means the kernel reports no usable memory slots.
	ErrNoSlots = errors.New("no kvm memory slots available")
)
