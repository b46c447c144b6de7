package memory

import "unsafe"

const (
	// PageSize is the guest page granularity every region is aligned to.
	PageSize = 0x1000

	// MMIOGapStart and MMIOGapEnd bound the guest-physical hole reserved
	// for device MMIO below the 4 GiB boundary. RAM never maps there.
	MMIOGapStart = 3 << 30
	MMIOGapEnd   = 1 << 32
)

// BackingKind selects how a region's host mapping is backed.
type BackingKind uint8

const (
	Anonymous BackingKind = iota
	SharedFile
	HugePage
)

func (b BackingKind) String() string {
	switch b {
	case Anonymous:
		return "anonymous"
	case SharedFile:
		return "shared-file"
	case HugePage:
		return "huge-page"
	}

	return "unknown"
}

// Policy is the VM-wide memory placement policy regions are built under.
type Policy struct {
	Backing BackingKind
	// BackingDir holds the per-region backing files for SharedFile regions.
	BackingDir string
	// HostNUMANode pins region pages to a host node when >= 0.
	HostNUMANode int
}

// DefaultPolicy returns an anonymous, unpinned policy.
func DefaultPolicy() Policy {
	return Policy{Backing: Anonymous, HostNUMANode: -1}
}

// Region is one host mapping backing a guest-physical range. Regions are
// immutable once published and live until VM teardown.
type Region struct {
	GuestAddr uint64
	Size      uint64
	Slot      uint32
	Backing   BackingKind
	// NUMANode records the pinned host node, -1 when unpinned.
	NUMANode int

	buf         []byte
	backingPath string
}

// HostAddr returns the host virtual address of the mapping.
func (r *Region) HostAddr() uintptr {
	return uintptr(unsafe.Pointer(&r.buf[0]))
}

// Bytes exposes the host view of the whole region.
func (r *Region) Bytes() []byte {
	return r.buf
}

// contains reports whether gpa falls inside the region.
func (r *Region) contains(gpa uint64) bool {
	return gpa >= r.GuestAddr && gpa < r.GuestAddr+r.Size
}
