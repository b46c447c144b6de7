package memory

import (
	"fmt"
	"sort"
)

// Snapshot is an immutable view of every published region, sorted by guest
// base address. Readers grab one snapshot per operation and translate
// against it without locking; a new region means a new snapshot.
type Snapshot struct {
	regions []*Region
}

// emptySnapshot is the generation before any region is published.
func emptySnapshot() *Snapshot {
	return &Snapshot{}
}

// withRegion returns a new snapshot that also contains r.
func (s *Snapshot) withRegion(r *Region) *Snapshot {
	regions := make([]*Region, 0, len(s.regions)+1)
	regions = append(regions, s.regions...)
	regions = append(regions, r)

	sort.Slice(regions, func(i, j int) bool {
		return regions[i].GuestAddr < regions[j].GuestAddr
	})

	return &Snapshot{regions: regions}
}

// withoutRegion returns a new snapshot that no longer contains r.
func (s *Snapshot) withoutRegion(r *Region) *Snapshot {
	regions := make([]*Region, 0, len(s.regions))

	for _, cur := range s.regions {
		if cur != r {
			regions = append(regions, cur)
		}
	}

	return &Snapshot{regions: regions}
}

// find returns the region covering gpa.
func (s *Snapshot) find(gpa uint64) (*Region, bool) {
	i := sort.Search(len(s.regions), func(i int) bool {
		return s.regions[i].GuestAddr+s.regions[i].Size > gpa
	})

	if i < len(s.regions) && s.regions[i].contains(gpa) {
		return s.regions[i], true
	}

	return nil, false
}

// HostAddr translates a guest-physical address to a host virtual address.
func (s *Snapshot) HostAddr(gpa uint64) (uintptr, error) {
	r, ok := s.find(gpa)
	if !ok {
		return 0, fmt.Errorf("%#x: %w", gpa, ErrNotMapped)
	}

	return r.HostAddr() + uintptr(gpa-r.GuestAddr), nil
}

// Slice returns the host bytes backing [gpa, gpa+length). The range must not
// cross a region boundary: descriptor buffers never legitimately do.
func (s *Snapshot) Slice(gpa uint64, length uint32) ([]byte, error) {
	r, ok := s.find(gpa)
	if !ok {
		return nil, fmt.Errorf("%#x: %w", gpa, ErrNotMapped)
	}

	off := gpa - r.GuestAddr
	if uint64(length) > r.Size-off {
		return nil, fmt.Errorf("%#x+%#x crosses region end: %w", gpa, length, ErrNotMapped)
	}

	return r.buf[off : off+uint64(length)], nil
}

// Regions returns the snapshot's regions in guest address order.
func (s *Snapshot) Regions() []*Region {
	return s.regions
}
