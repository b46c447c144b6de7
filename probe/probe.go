// Package probe reports what the host's KVM can do for us.
package probe

import (
	"fmt"

	"github.com/plugvm/plugvm/kvm"
)

// KVMCapabilities prints the capabilities this device plane depends on.
func KVMCapabilities(path string) error {
	devKVM, err := kvm.Open(path)
	if err != nil {
		return err
	}
	defer devKVM.Close()

	for _, c := range []struct {
		name string
		cap  kvm.Capability
	}{
		{"KVM_CAP_IRQCHIP", kvm.CapIRQChip},
		{"KVM_CAP_USER_MEMORY", kvm.CapUserMemory},
		{"KVM_CAP_NR_MEMSLOTS", kvm.CapNRMemSlots},
		{"KVM_CAP_IRQFD", kvm.CapIRQFD},
		{"KVM_CAP_IOEVENTFD", kvm.CapIOEventFD},
	} {
		val, err := kvm.CheckExtension(devKVM.Fd(), c.cap)
		if err != nil {
			return fmt.Errorf("%s: %w", c.name, err)
		}

		fmt.Printf("%-24s %d\n", c.name, val)
	}

	return nil
}
