package device

import (
	"fmt"

	"github.com/plugvm/plugvm/eventfd"
	"github.com/plugvm/plugvm/kvm"
)

// Trigger delivers a device interrupt to the guest.
type Trigger interface {
	Signal() error
}

// LineTrigger pulses a legacy shared interrupt line via the in-kernel
// irqchip. This is the shared-irq mode for devices configured that way.
type LineTrigger struct {
	VMFd uintptr
	IRQ  uint32
}

func (t LineTrigger) Signal() error {
	if err := kvm.IRQLine(t.VMFd, t.IRQ, 1); err != nil {
		return fmt.Errorf("raise irq %d: %w", t.IRQ, err)
	}

	if err := kvm.IRQLine(t.VMFd, t.IRQ, 0); err != nil {
		return fmt.Errorf("lower irq %d: %w", t.IRQ, err)
	}

	return nil
}

// EventfdTrigger signals a guest interrupt through an eventfd the kernel
// routes with KVM_IRQFD. This is the generic-irq mode.
type EventfdTrigger struct {
	Event eventfd.Eventfd
}

func (t EventfdTrigger) Signal() error {
	return t.Event.Notify()
}

// NewEventfdTrigger creates an eventfd and routes it to gsi.
func NewEventfdTrigger(vmFd uintptr, gsi uint32) (EventfdTrigger, error) {
	ev, err := eventfd.Create()
	if err != nil {
		return EventfdTrigger{}, err
	}

	if err := kvm.AssignIRQFD(vmFd, ev.FD(), gsi); err != nil {
		ev.Close()

		return EventfdTrigger{}, fmt.Errorf("irqfd gsi %d: %w", gsi, err)
	}

	return EventfdTrigger{Event: ev}, nil
}

// Release deassigns the irqfd route and closes the eventfd.
func (t EventfdTrigger) Release(vmFd uintptr, gsi uint32) error {
	if err := kvm.DeassignIRQFD(vmFd, t.Event.FD(), gsi); err != nil {
		return fmt.Errorf("deassign irqfd gsi %d: %w", gsi, err)
	}

	return t.Event.Close()
}
