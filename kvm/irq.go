package kvm

import "unsafe"

// irqLevel mirrors struct kvm_irq_level.
type irqLevel struct {
	IRQ   uint32
	Level uint32
}

// IRQLine sets the level of an in-kernel interrupt line.
func IRQLine(vmFd uintptr, irq, level uint32) error {
	irqLev := irqLevel{
		IRQ:   irq,
		Level: level,
	}

	_, err := Ioctl(vmFd, IIOW(kvmIRQLine, unsafe.Sizeof(irqLevel{})), uintptr(unsafe.Pointer(&irqLev)))

	return err
}

// CreateIRQChip creates the in-kernel interrupt controller.
func CreateIRQChip(vmFd uintptr) error {
	_, err := Ioctl(vmFd, IIO(kvmCreateIRQChip), 0)

	return err
}

const irqfdFlagDeassign = 1 << 0

// irqfd mirrors struct kvm_irqfd.
type irqfd struct {
	Fd         uint32
	GSI        uint32
	Flags      uint32
	ResampleFd uint32
	_          [16]uint8
}

// AssignIRQFD routes writes on an eventfd to guest interrupt line gsi.
func AssignIRQFD(vmFd uintptr, fd int, gsi uint32) error {
	req := irqfd{
		Fd:  uint32(fd),
		GSI: gsi,
	}

	_, err := Ioctl(vmFd, IIOW(kvmIRQFD, unsafe.Sizeof(irqfd{})), uintptr(unsafe.Pointer(&req)))

	return err
}

// DeassignIRQFD removes an eventfd-to-gsi route installed by AssignIRQFD.
func DeassignIRQFD(vmFd uintptr, fd int, gsi uint32) error {
	req := irqfd{
		Fd:    uint32(fd),
		GSI:   gsi,
		Flags: irqfdFlagDeassign,
	}

	_, err := Ioctl(vmFd, IIOW(kvmIRQFD, unsafe.Sizeof(irqfd{})), uintptr(unsafe.Pointer(&req)))

	return err
}
