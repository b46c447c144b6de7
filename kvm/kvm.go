package kvm

import (
	"fmt"
	"os"
)

const (
	kvmGetAPIVersion  = 0x00
	kvmCreateVM       = 0x01
	kvmCheckExtension = 0x03

	kvmSetUserMemoryRegion = 0x46
	kvmCreateIRQChip       = 0x60
	kvmIRQLine             = 0x61
	kvmIRQFD               = 0x76
	kvmIOEventFD           = 0x79

	// APIVersion is the only stable KVM API version. Anything else is a
	// kernel we do not know how to talk to.
	APIVersion = 12
)

// Open opens the KVM character device and verifies the API version.
func Open(path string) (*os.File, error) {
	devKVM, err := os.OpenFile(path, os.O_RDWR, 0o644)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}

	version, err := Ioctl(devKVM.Fd(), IIO(kvmGetAPIVersion), 0)
	if err != nil {
		devKVM.Close()

		return nil, fmt.Errorf("KVM_GET_API_VERSION: %w", err)
	}

	if version != APIVersion {
		devKVM.Close()

		return nil, fmt.Errorf("%w: got %d, want %d", ErrAPIVersion, version, APIVersion)
	}

	return devKVM, nil
}

// CreateVM creates a new VM and returns its control fd.
func CreateVM(kvmFd uintptr) (uintptr, error) {
	return Ioctl(kvmFd, IIO(kvmCreateVM), 0)
}
