package kvm

import "errors"

var (
	// ErrAPIVersion means /dev/kvm speaks an API version we do not.
	ErrAPIVersion = errors.New("unsupported KVM API version")

	// ErrUnsupported means the running kernel lacks a capability we need.
	ErrUnsupported = errors.New("KVM capability not supported")
)
