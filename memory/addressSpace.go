package memory

import (
	"fmt"
	"sync"
)

// AddressSpace tracks every claimed guest-physical range so overlapping
// regions are rejected before they reach the hypervisor.
type AddressSpace struct {
	Name  string
	Start uint64
	Size  uint64

	mu     sync.Mutex
	claims []claim
}

type claim struct {
	name  string
	start uint64
	size  uint64
}

func NewAddressSpace(name string, start, size uint64) *AddressSpace {
	return &AddressSpace{
		Name:  name,
		Start: start,
		Size:  size,
	}
}

func overlaps(aStart, aSize, bStart, bSize uint64) bool {
	return aStart < bStart+bSize && bStart < aStart+aSize
}

// Claim reserves [start, start+size) under the given name.
func (a *AddressSpace) Claim(name string, start, size uint64) error {
	a.mu.Lock()
	defer a.mu.Unlock()

	for _, c := range a.claims {
		if overlaps(start, size, c.start, c.size) {
			return fmt.Errorf("%s [%#x, %#x) vs %s: %w",
				name, start, start+size, c.name, ErrAddressSpaceConflict)
		}
	}

	a.claims = append(a.claims, claim{name: name, start: start, size: size})

	return nil
}

// IsFree reports whether [start, start+size) overlaps no existing claim.
func (a *AddressSpace) IsFree(start, size uint64) bool {
	a.mu.Lock()
	defer a.mu.Unlock()

	for _, c := range a.claims {
		if overlaps(start, size, c.start, c.size) {
			return false
		}
	}

	return true
}

// Release drops the claim starting at start, if any. Used only at teardown.
func (a *AddressSpace) Release(start uint64) {
	a.mu.Lock()
	defer a.mu.Unlock()

	for i, c := range a.claims {
		if c.start == start {
			a.claims = append(a.claims[:i], a.claims[i+1:]...)

			return
		}
	}
}
