package memory

import (
	"fmt"
	"sync"

	"github.com/plugvm/plugvm/kvm"
)

// SlotTable is the hypervisor's memory-slot registry. Slot ids are
// caller-managed and globally unique for the VM's lifetime.
type SlotTable interface {
	Register(slot uint32, guestAddr, size uint64, hostAddr uintptr) error
	Unregister(slot uint32, guestAddr uint64) error
}

// KVMSlotTable registers slots against a KVM vm fd.
type KVMSlotTable struct {
	VMFd uintptr
}

func (t KVMSlotTable) Register(slot uint32, guestAddr, size uint64, hostAddr uintptr) error {
	return kvm.SetUserMemoryRegion(t.VMFd, &kvm.UserspaceMemoryRegion{
		Slot:          slot,
		GuestPhysAddr: guestAddr,
		MemorySize:    size,
		UserspaceAddr: uint64(hostAddr),
	})
}

// Unregister deletes a slot. KVM treats a zero-size registration as delete.
func (t KVMSlotTable) Unregister(slot uint32, guestAddr uint64) error {
	return kvm.SetUserMemoryRegion(t.VMFd, &kvm.UserspaceMemoryRegion{
		Slot:          slot,
		GuestPhysAddr: guestAddr,
		MemorySize:    0,
	})
}

// SlotAllocator hands out slot ids. Ids are never reused, even after the
// region that held one is torn down.
type SlotAllocator struct {
	mu   sync.Mutex
	next uint32
	max  uint32
}

// NewSlotAllocator returns an allocator for at most max slots, typically the
// value of the CapNRMemSlots capability.
func NewSlotAllocator(max uint32) *SlotAllocator {
	return &SlotAllocator{max: max}
}

// Next returns a fresh slot id.
func (s *SlotAllocator) Next() (uint32, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.next >= s.max {
		return 0, fmt.Errorf("%d slots: %w", s.max, ErrNoSlotsAvail)
	}

	slot := s.next
	s.next++

	return slot, nil
}
