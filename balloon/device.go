package balloon

import (
	"fmt"
	"sync"

	"github.com/sirupsen/logrus"

	"github.com/plugvm/plugvm/device"
	"github.com/plugvm/plugvm/memory"
)

// Resizer is the polymorphic resize capability of a memory device. The
// manager only ever resizes through it.
type Resizer interface {
	Resize(bytes uint64) error
}

// Device is a live hot-pluggable memory device. Guest-visible memory grows
// by whole factory regions; shrinking only lowers the requested size and
// leaves the mapped regions in place for the guest to deflate into.
type Device struct {
	l  *logrus.Logger
	id string

	factory     *memory.Factory
	slots       *memory.SlotAllocator
	irq         device.Trigger
	releaseIRQ  func() error
	guestBase   uint64
	capacity    uint64
	hostNode    int
	multiRegion bool

	// mu protects the resize state. Resize requests for one device are
	// serialized here so no two slot registrations target the same range.
	mu        sync.Mutex
	requested uint64
	mapped    uint64
	regions   []*memory.Region
	removed   bool
}

func newDevice(l *logrus.Logger, cfg Config, factory *memory.Factory,
	slots *memory.SlotAllocator, irq device.Trigger, releaseIRQ func() error,
	guestBase uint64,
) (*Device, error) {
	d := &Device{
		l:           l,
		id:          cfg.ID,
		factory:     factory,
		slots:       slots,
		irq:         irq,
		releaseIRQ:  releaseIRQ,
		guestBase:   guestBase,
		capacity:    cfg.CapacityBytes(),
		hostNode:    cfg.HostNUMANode,
		multiRegion: cfg.MultiRegion,
	}

	// A single-region device maps its whole capacity up front; only the
	// requested size moves afterwards. Multi-region devices grow region
	// by region as requests arrive.
	if !d.multiRegion {
		if err := d.grow(d.capacity); err != nil {
			return nil, err
		}
	}

	if err := d.Resize(cfg.RequestedBytes()); err != nil {
		// The caller still owns the IRQ plumbing at this point; only the
		// regions are ours to roll back.
		_ = d.releaseRegions()

		return nil, err
	}

	return d, nil
}

// ID implements device.Device.
func (d *Device) ID() string {
	return d.id
}

// GuestBase returns the device's guest-physical base address.
func (d *Device) GuestBase() uint64 {
	return d.guestBase
}

// Capacity returns the device's maximum size in bytes. Invariant under
// resize.
func (d *Device) Capacity() uint64 {
	return d.capacity
}

// RequestedSize returns the size most recently requested of the guest.
func (d *Device) RequestedSize() uint64 {
	d.mu.Lock()
	defer d.mu.Unlock()

	return d.requested
}

// MappedSize returns how many bytes of backing regions exist.
func (d *Device) MappedSize() uint64 {
	d.mu.Lock()
	defer d.mu.Unlock()

	return d.mapped
}

// Resize sets the device's requested size. Growing maps new regions through
// the factory; shrinking never unmaps, it only lowers what is asked of the
// guest driver. The config-change interrupt tells the guest to renegotiate.
func (d *Device) Resize(size uint64) error {
	d.mu.Lock()
	defer d.mu.Unlock()

	if d.removed {
		return fmt.Errorf("device %s: %w", d.id, ErrDeviceNotFound)
	}

	if size > d.capacity {
		return fmt.Errorf("device %s: %d bytes exceeds capacity %d: %w",
			d.id, size, d.capacity, ErrResizeFailed)
	}

	if size > d.mapped {
		if err := d.grow(size); err != nil {
			return fmt.Errorf("device %s: %v: %w", d.id, err, ErrResizeFailed)
		}
	}

	d.requested = size

	if d.irq != nil {
		if err := d.irq.Signal(); err != nil {
			d.l.WithField("device", d.id).WithError(err).
				Warn("config-change interrupt failed; guest will pick the size up late")
		}
	}

	return nil
}

// grow maps one more region so at least size bytes are backed. Callers hold
// d.mu (or own the device exclusively during construction).
func (d *Device) grow(size uint64) error {
	want := alignUp(size, memory.PageSize)
	if want <= d.mapped {
		return nil
	}

	slot, err := d.slots.Next()
	if err != nil {
		return err
	}

	r, err := d.factory.CreateRegionOnNode(d.guestBase+d.mapped, want-d.mapped, slot, d.hostNode)
	if err != nil {
		return err
	}

	d.regions = append(d.regions, r)
	d.mapped += r.Size

	return nil
}

// Shutdown releases the device's regions and interrupt route. Idempotent.
func (d *Device) Shutdown() error {
	d.mu.Lock()
	defer d.mu.Unlock()

	if d.removed {
		return nil
	}

	d.removed = true

	return d.teardown()
}

func (d *Device) teardown() error {
	firstErr := d.releaseRegions()

	if d.releaseIRQ != nil {
		if err := d.releaseIRQ(); err != nil && firstErr == nil {
			firstErr = err
		}
	}

	return firstErr
}

func (d *Device) releaseRegions() error {
	var firstErr error

	for _, r := range d.regions {
		if err := d.factory.ReleaseRegion(r); err != nil && firstErr == nil {
			firstErr = err
		}
	}

	d.regions = nil
	d.mapped = 0

	return firstErr
}

func alignUp(v, align uint64) uint64 {
	return (v + align - 1) &^ (align - 1)
}
