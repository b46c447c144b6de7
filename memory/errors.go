package memory

import "errors"

var (
	// ErrUnaligned means a guest address or length is not page-aligned.
	ErrUnaligned = errors.New("guest range is not page-aligned")

	// ErrOverflow means a guest range wraps the address width.
	ErrOverflow = errors.New("guest range overflows the guest address space")

	// ErrReservedGapConflict means a guest range intersects the MMIO gap
	// reserved below the 4 GiB boundary.
	ErrReservedGapConflict = errors.New("guest range intersects the reserved MMIO gap")

	// ErrMappingFailed means the host mapping could not be created.
	ErrMappingFailed = errors.New("host mapping failed")

	// ErrSlotRegistrationFailed means the hypervisor rejected the memory slot.
	ErrSlotRegistrationFailed = errors.New("memory slot registration failed")

	// ErrAddressSpaceConflict means a guest range overlaps an existing region.
	ErrAddressSpaceConflict = errors.New("address space occupied")

	// ErrNotMapped means no published region covers the guest address.
	ErrNotMapped = errors.New("guest address is not mapped")

	// ErrNoSlotsAvail means the hypervisor's memory slot table is full.
	ErrNoSlotsAvail = errors.New("maximal number of memory slots exhausted")
)
