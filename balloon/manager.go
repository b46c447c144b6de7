package balloon

import (
	"fmt"
	"sync"

	"github.com/sirupsen/logrus"

	"github.com/plugvm/plugvm/device"
	"github.com/plugvm/plugvm/memory"
)

// guestBaseStart is the first guest-physical address handed to memory
// devices: directly above the 4 GiB boundary, clear of boot RAM and the
// MMIO gap.
const guestBaseStart = memory.MMIOGapEnd

// deviceAlign keeps each device's address window 1 GiB aligned.
const deviceAlign = 1 << 30

// TriggerFactory builds the interrupt-delivery plumbing for a device, and a
// release func undoing it at shutdown.
type TriggerFactory func(cfg Config) (device.Trigger, func() error, error)

// Manager owns the configured memory devices: it creates, resizes, attaches
// and removes instances, delegating mapping work to the region factory.
type Manager struct {
	l       *logrus.Logger
	factory *memory.Factory
	slots   *memory.SlotAllocator
	bus     *device.Bus

	hotplugEnabled bool
	newTrigger     TriggerFactory

	mu      sync.Mutex
	order   []string
	configs map[string]*Config
	// live holds at most one handle per config id, present exactly while
	// the device's resources are registered with the hypervisor.
	live    map[string]Resizer
	nextGPA uint64
}

// NewManager returns a manager placing devices from baseGPA upward. A zero
// baseGPA means directly above the 4 GiB boundary; pass the end of boot RAM
// when it spills past the MMIO gap.
func NewManager(l *logrus.Logger, factory *memory.Factory, slots *memory.SlotAllocator,
	bus *device.Bus, hotplugEnabled bool, baseGPA uint64, newTrigger TriggerFactory,
) *Manager {
	if baseGPA == 0 {
		baseGPA = guestBaseStart
	}

	return &Manager{
		l:              l,
		factory:        factory,
		slots:          slots,
		bus:            bus,
		hotplugEnabled: hotplugEnabled,
		newTrigger:     newTrigger,
		configs:        make(map[string]*Config),
		live:           make(map[string]Resizer),
		nextGPA:        alignUp(baseGPA, deviceAlign),
	}
}

// InsertOrUpdateDevice persists a device config and, when hotplugging,
// applies it to the live instance (resizing an existing device or
// constructing a new one).
func (m *Manager) InsertOrUpdateDevice(cfg Config, isHotplug bool) error {
	if isHotplug && !m.hotplugEnabled {
		return fmt.Errorf("device %s: %w", cfg.ID, ErrHotplugUnsupported)
	}

	if err := cfg.validate(); err != nil {
		return fmt.Errorf("%v: %w", err, ErrCreateFailed)
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	handle, isLive := m.live[cfg.ID]

	switch {
	case isLive && isHotplug:
		if err := handle.Resize(cfg.RequestedBytes()); err != nil {
			return fmt.Errorf("device %s: %w", cfg.ID, err)
		}

		m.persistLocked(cfg)
		// The merge skips zero-valued fields, but a resize to zero (full
		// deflate) must still land in the stored config.
		m.configs[cfg.ID].RequestedSizeMiB = cfg.RequestedSizeMiB

		return nil
	case isLive && !isHotplug:
		// Boot-time config merge: persist only, no live effect.
	case !isLive && isHotplug:
		if err := m.attachLocked(cfg); err != nil {
			return err
		}
	case !isLive && !isHotplug:
		// Persisted for boot-time attach; no device yet.
	}

	m.persistLocked(cfg)

	return nil
}

// AttachDevices constructs and registers every configured device at boot.
// Zero-size configs are valid placeholders and are skipped.
func (m *Manager) AttachDevices() error {
	m.mu.Lock()
	defer m.mu.Unlock()

	for _, id := range m.order {
		cfg := *m.configs[id]

		if cfg.RequestedSizeMiB == 0 {
			continue
		}

		if _, ok := m.live[id]; ok {
			continue
		}

		if err := m.attachLocked(cfg); err != nil {
			return err
		}
	}

	return nil
}

// RemoveDevices tears down every live device's platform resources at VM
// shutdown. Idempotent with respect to already-removed devices.
func (m *Manager) RemoveDevices() error {
	m.mu.Lock()
	defer m.mu.Unlock()

	var firstErr error

	for id := range m.live {
		if dev, ok := m.bus.Find(id); ok {
			if err := dev.Shutdown(); err != nil && firstErr == nil {
				firstErr = fmt.Errorf("device %s: %w", id, err)
			}

			m.bus.Remove(id)
		}

		delete(m.live, id)
	}

	return firstErr
}

// UpdateMemorySize asks a live device to change its requested size. No
// retries: failures surface to the caller.
func (m *Manager) UpdateMemorySize(id string, bytes uint64) error {
	m.mu.Lock()
	handle, ok := m.live[id]
	m.mu.Unlock()

	if !ok {
		return fmt.Errorf("device %s: %w", id, ErrDeviceNotFound)
	}

	if err := handle.Resize(bytes); err != nil {
		return fmt.Errorf("device %s: %w", id, err)
	}

	return nil
}

// DeviceCount returns how many device configs are persisted.
func (m *Manager) DeviceCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()

	return len(m.order)
}

// Configs returns the persisted configs in insertion order.
func (m *Manager) Configs() []Config {
	m.mu.Lock()
	defer m.mu.Unlock()

	out := make([]Config, 0, len(m.order))
	for _, id := range m.order {
		out = append(out, *m.configs[id])
	}

	return out
}

func (m *Manager) persistLocked(cfg Config) {
	if existing, ok := m.configs[cfg.ID]; ok {
		if err := cfg.mergeInto(existing); err != nil {
			// mergo only fails on type mismatches, which identical
			// struct types cannot produce.
			m.l.WithField("device", cfg.ID).WithError(err).Error("config merge failed")
		}

		return
	}

	c := cfg
	m.configs[cfg.ID] = &c
	m.order = append(m.order, cfg.ID)
}

func (m *Manager) attachLocked(cfg Config) error {
	if cfg.CapacityMiB == 0 {
		cfg.CapacityMiB = cfg.RequestedSizeMiB
	}

	trigger, releaseIRQ, err := m.newTrigger(cfg)
	if err != nil {
		return fmt.Errorf("device %s interrupt plumbing: %v: %w", cfg.ID, err, ErrCreateFailed)
	}

	dev, err := newDevice(m.l, cfg, m.factory, m.slots, trigger, releaseIRQ, m.nextGPA)
	if err != nil {
		if releaseIRQ != nil {
			_ = releaseIRQ()
		}

		return fmt.Errorf("device %s: %v: %w", cfg.ID, err, ErrCreateFailed)
	}

	if err := m.bus.Attach(dev); err != nil {
		_ = dev.Shutdown()

		return fmt.Errorf("device %s: %v: %w", cfg.ID, err, ErrDeviceConflict)
	}

	m.nextGPA += alignUp(cfg.CapacityBytes(), deviceAlign)
	m.live[cfg.ID] = dev

	m.l.WithFields(logrus.Fields{
		"device":     cfg.ID,
		"guest_addr": fmt.Sprintf("%#x", dev.GuestBase()),
		"capacity":   cfg.CapacityBytes(),
	}).Info("memory device attached")

	return nil
}
