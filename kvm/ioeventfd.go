package kvm

import "unsafe"

const (
	ioeventfdFlagDatamatch = 1 << 0
	ioeventfdFlagPIO       = 1 << 1
	ioeventfdFlagDeassign  = 1 << 2
)

// ioeventfd mirrors struct kvm_ioeventfd.
type ioeventfd struct {
	Datamatch uint64
	Addr      uint64
	Len       uint32
	Fd        int32
	Flags     uint32
	_         [36]uint8
}

// AssignIOEventFD signals an eventfd on guest writes to a guest-physical
// address, which is how a queue notification register becomes a kickable fd.
func AssignIOEventFD(vmFd uintptr, fd int, addr uint64, length uint32) error {
	req := ioeventfd{
		Addr: addr,
		Len:  length,
		Fd:   int32(fd),
	}

	_, err := Ioctl(vmFd, IIOW(kvmIOEventFD, unsafe.Sizeof(ioeventfd{})), uintptr(unsafe.Pointer(&req)))

	return err
}

// DeassignIOEventFD removes a route installed by AssignIOEventFD.
func DeassignIOEventFD(vmFd uintptr, fd int, addr uint64, length uint32) error {
	req := ioeventfd{
		Addr:  addr,
		Len:   length,
		Fd:    int32(fd),
		Flags: ioeventfdFlagDeassign,
	}

	_, err := Ioctl(vmFd, IIOW(kvmIOEventFD, unsafe.Sizeof(ioeventfd{})), uintptr(unsafe.Pointer(&req)))

	return err
}
