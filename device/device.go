// Package device holds the live device bus and the interrupt-delivery
// plumbing devices signal the guest through.
package device

import (
	"errors"
	"sync"
)

var errDeviceExists = errors.New("device id already attached")

// Device is anything attached to the live device bus.
type Device interface {
	ID() string
	// Shutdown releases the device's platform resources. Must be
	// idempotent: the bus may be torn down more than once.
	Shutdown() error
}

// Bus is the list of live devices. At most one device per id.
type Bus struct {
	mu      sync.Mutex
	devices []Device
}

func NewBus() *Bus {
	return &Bus{}
}

// Attach adds a device to the bus.
func (b *Bus) Attach(d Device) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	for _, cur := range b.devices {
		if cur.ID() == d.ID() {
			return errDeviceExists
		}
	}

	b.devices = append(b.devices, d)

	return nil
}

// Find returns the live device with the given id.
func (b *Bus) Find(id string) (Device, bool) {
	b.mu.Lock()
	defer b.mu.Unlock()

	for _, d := range b.devices {
		if d.ID() == id {
			return d, true
		}
	}

	return nil, false
}

// Remove detaches the device with the given id, if attached.
func (b *Bus) Remove(id string) {
	b.mu.Lock()
	defer b.mu.Unlock()

	for i, d := range b.devices {
		if d.ID() == id {
			b.devices = append(b.devices[:i], b.devices[i+1:]...)

			return
		}
	}
}

// Devices returns a copy of the live device list.
func (b *Bus) Devices() []Device {
	b.mu.Lock()
	defer b.mu.Unlock()

	out := make([]Device, len(b.devices))
	copy(out, b.devices)

	return out
}

// Len returns the number of live devices.
func (b *Bus) Len() int {
	b.mu.Lock()
	defer b.mu.Unlock()

	return len(b.devices)
}
