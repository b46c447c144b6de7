package balloon_test

import (
	"errors"
	"io"
	"testing"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/plugvm/plugvm/balloon"
	"github.com/plugvm/plugvm/device"
	"github.com/plugvm/plugvm/memory"
)

const mib = 1 << 20

// fakeSlots stands in for the hypervisor slot table.
type fakeSlots struct {
	registered   int
	unregistered int
}

func (s *fakeSlots) Register(slot uint32, guestAddr, size uint64, hostAddr uintptr) error {
	s.registered++

	return nil
}

func (s *fakeSlots) Unregister(slot uint32, guestAddr uint64) error {
	s.unregistered++

	return nil
}

// triggerCount plays the interrupt plumbing and counts its lifecycle.
type triggerCount struct {
	fail bool

	created  int
	released int
	signals  int
}

func (tc *triggerCount) factory(cfg balloon.Config) (device.Trigger, func() error, error) {
	if tc.fail {
		return nil, nil, errors.New("no interrupt route available")
	}

	tc.created++

	return tc, func() error { tc.released++; return nil }, nil
}

func (tc *triggerCount) Signal() error {
	tc.signals++

	return nil
}

type stubDevice struct {
	id string
}

func (s stubDevice) ID() string      { return s.id }
func (s stubDevice) Shutdown() error { return nil }

type env struct {
	mgr   *balloon.Manager
	bus   *device.Bus
	slots *fakeSlots
	trig  *triggerCount
}

func newEnv(t *testing.T, hotplug bool) *env {
	t.Helper()

	l := logrus.New()
	l.SetOutput(io.Discard)

	e := &env{
		bus:   device.NewBus(),
		slots: &fakeSlots{},
		trig:  &triggerCount{},
	}

	factory := memory.NewFactory(l, e.slots, memory.DefaultPolicy())
	alloc := memory.NewSlotAllocator(32)
	e.mgr = balloon.NewManager(l, factory, alloc, e.bus, hotplug, 0, e.trig.factory)

	t.Cleanup(func() {
		require.NoError(t, e.mgr.RemoveDevices())
	})

	return e
}

func cfg(id string, requestedMiB, capacityMiB uint64) balloon.Config {
	return balloon.Config{
		ID:               id,
		RequestedSizeMiB: requestedMiB,
		CapacityMiB:      capacityMiB,
		HostNUMANode:     -1,
	}
}

func (e *env) liveDevice(t *testing.T, id string) *balloon.Device {
	t.Helper()

	d, ok := e.bus.Find(id)
	require.True(t, ok)

	dev, ok := d.(*balloon.Device)
	require.True(t, ok)

	return dev
}

func TestHotplugDisabledRejectsInsert(t *testing.T) {
	t.Parallel()

	e := newEnv(t, false)

	err := e.mgr.InsertOrUpdateDevice(cfg("m0", 4, 8), true)
	require.ErrorIs(t, err, balloon.ErrHotplugUnsupported)

	// The failed insert left no trace anywhere.
	assert.Equal(t, 0, e.mgr.DeviceCount())
	assert.Empty(t, e.mgr.Configs())
	assert.Equal(t, 0, e.bus.Len())
	assert.Equal(t, 0, e.trig.created)
}

func TestBootInsertPersistsWithoutAttach(t *testing.T) {
	t.Parallel()

	e := newEnv(t, false)

	require.NoError(t, e.mgr.InsertOrUpdateDevice(cfg("m0", 4, 8), false))

	assert.Equal(t, 1, e.mgr.DeviceCount())
	assert.Equal(t, 0, e.bus.Len())

	require.NoError(t, e.mgr.AttachDevices())
	assert.Equal(t, 1, e.bus.Len())
	assert.Equal(t, 1, e.trig.created)
}

func TestAttachSkipsZeroSizedConfigs(t *testing.T) {
	t.Parallel()

	e := newEnv(t, false)

	require.NoError(t, e.mgr.InsertOrUpdateDevice(cfg("m0", 0, 8), false))
	require.NoError(t, e.mgr.InsertOrUpdateDevice(cfg("m1", 4, 8), false))

	require.NoError(t, e.mgr.AttachDevices())

	assert.Equal(t, 2, e.mgr.DeviceCount())
	assert.Equal(t, 1, e.bus.Len())

	_, ok := e.bus.Find("m1")
	assert.True(t, ok)
}

func TestHotplugInsertAttachesImmediately(t *testing.T) {
	t.Parallel()

	e := newEnv(t, true)

	require.NoError(t, e.mgr.InsertOrUpdateDevice(cfg("m0", 4, 8), true))

	assert.Equal(t, 1, e.mgr.DeviceCount())
	assert.Equal(t, 1, e.bus.Len())

	dev := e.liveDevice(t, "m0")
	assert.Equal(t, uint64(8*mib), dev.Capacity())
	assert.Equal(t, uint64(4*mib), dev.RequestedSize())
	assert.Equal(t, uint64(8*mib), dev.MappedSize())
}

func TestResizeRoundTripKeepsCapacity(t *testing.T) {
	t.Parallel()

	e := newEnv(t, true)
	require.NoError(t, e.mgr.InsertOrUpdateDevice(cfg("m0", 8, 8), true))

	dev := e.liveDevice(t, "m0")

	require.NoError(t, e.mgr.UpdateMemorySize("m0", 4*mib))
	assert.Equal(t, uint64(4*mib), dev.RequestedSize())
	assert.Equal(t, uint64(8*mib), dev.Capacity())
	// Shrinking never unmaps.
	assert.Equal(t, uint64(8*mib), dev.MappedSize())

	require.NoError(t, e.mgr.UpdateMemorySize("m0", 8*mib))
	assert.Equal(t, uint64(8*mib), dev.RequestedSize())
	assert.Equal(t, uint64(8*mib), dev.Capacity())

	// One config-change interrupt per resize, plus the construction one.
	assert.Equal(t, 3, e.trig.signals)
}

func TestResizeBeyondCapacityFails(t *testing.T) {
	t.Parallel()

	e := newEnv(t, true)
	require.NoError(t, e.mgr.InsertOrUpdateDevice(cfg("m0", 4, 8), true))

	err := e.mgr.UpdateMemorySize("m0", 16*mib)
	require.ErrorIs(t, err, balloon.ErrResizeFailed)

	dev := e.liveDevice(t, "m0")
	assert.Equal(t, uint64(4*mib), dev.RequestedSize())
}

func TestUpdateUnknownDevice(t *testing.T) {
	t.Parallel()

	e := newEnv(t, true)

	err := e.mgr.UpdateMemorySize("nope", 4*mib)
	assert.ErrorIs(t, err, balloon.ErrDeviceNotFound)
}

func TestHotplugUpdateResizesLiveDevice(t *testing.T) {
	t.Parallel()

	e := newEnv(t, true)
	require.NoError(t, e.mgr.InsertOrUpdateDevice(cfg("m0", 4, 8), true))
	require.NoError(t, e.mgr.InsertOrUpdateDevice(cfg("m0", 6, 8), true))

	assert.Equal(t, 1, e.mgr.DeviceCount())
	assert.Equal(t, 1, e.bus.Len())
	assert.Equal(t, 1, e.trig.created)

	dev := e.liveDevice(t, "m0")
	assert.Equal(t, uint64(6*mib), dev.RequestedSize())
}

func TestHotplugDeflateToZeroIsPersisted(t *testing.T) {
	t.Parallel()

	e := newEnv(t, true)
	require.NoError(t, e.mgr.InsertOrUpdateDevice(cfg("m0", 4, 8), true))

	// A full deflate must land in the stored config, not just the live
	// device.
	require.NoError(t, e.mgr.InsertOrUpdateDevice(cfg("m0", 0, 8), true))

	dev := e.liveDevice(t, "m0")
	assert.Equal(t, uint64(0), dev.RequestedSize())

	configs := e.mgr.Configs()
	require.Len(t, configs, 1)
	assert.Equal(t, uint64(0), configs[0].RequestedSizeMiB)
	assert.Equal(t, uint64(8), configs[0].CapacityMiB)
}

func TestRemoveDevicesIdempotent(t *testing.T) {
	t.Parallel()

	e := newEnv(t, true)
	require.NoError(t, e.mgr.InsertOrUpdateDevice(cfg("m0", 4, 4), true))
	require.NoError(t, e.mgr.InsertOrUpdateDevice(cfg("m1", 4, 4), true))

	require.NoError(t, e.mgr.RemoveDevices())
	assert.Equal(t, 0, e.bus.Len())
	assert.Equal(t, 2, e.trig.released)
	assert.Equal(t, e.slots.registered, e.slots.unregistered)

	// Removing again changes nothing.
	require.NoError(t, e.mgr.RemoveDevices())
	assert.Equal(t, 2, e.trig.released)

	err := e.mgr.UpdateMemorySize("m0", 2*mib)
	assert.ErrorIs(t, err, balloon.ErrDeviceNotFound)
}

func TestAttachConflictRollsBack(t *testing.T) {
	t.Parallel()

	e := newEnv(t, true)
	require.NoError(t, e.bus.Attach(stubDevice{id: "m0"}))

	err := e.mgr.InsertOrUpdateDevice(cfg("m0", 4, 4), true)
	require.ErrorIs(t, err, balloon.ErrDeviceConflict)

	// The half-built device released its regions and interrupt route.
	assert.Equal(t, e.slots.registered, e.slots.unregistered)
	assert.Equal(t, 1, e.trig.released)
	assert.Equal(t, 1, e.bus.Len())
}

func TestTriggerFailureAbortsCreate(t *testing.T) {
	t.Parallel()

	e := newEnv(t, true)
	e.trig.fail = true

	err := e.mgr.InsertOrUpdateDevice(cfg("m0", 4, 8), true)
	require.ErrorIs(t, err, balloon.ErrCreateFailed)

	assert.Equal(t, 0, e.mgr.DeviceCount())
	assert.Equal(t, 0, e.bus.Len())
	assert.Equal(t, 0, e.slots.registered)
}

func TestInsertRejectsInvalidConfig(t *testing.T) {
	t.Parallel()

	e := newEnv(t, true)

	err := e.mgr.InsertOrUpdateDevice(cfg("", 4, 8), true)
	require.ErrorIs(t, err, balloon.ErrCreateFailed)

	err = e.mgr.InsertOrUpdateDevice(cfg("m0", 16, 8), true)
	require.ErrorIs(t, err, balloon.ErrCreateFailed)

	assert.Equal(t, 0, e.mgr.DeviceCount())
}

func TestMultiRegionGrowsOnDemand(t *testing.T) {
	t.Parallel()

	e := newEnv(t, true)

	c := cfg("m0", 2, 8)
	c.MultiRegion = true
	require.NoError(t, e.mgr.InsertOrUpdateDevice(c, true))

	dev := e.liveDevice(t, "m0")
	assert.Equal(t, uint64(2*mib), dev.MappedSize())
	assert.Equal(t, 1, e.slots.registered)

	require.NoError(t, e.mgr.UpdateMemorySize("m0", 6*mib))
	assert.Equal(t, uint64(6*mib), dev.MappedSize())
	assert.Equal(t, 2, e.slots.registered)

	// Shrinking leaves the mapped regions alone.
	require.NoError(t, e.mgr.UpdateMemorySize("m0", 3*mib))
	assert.Equal(t, uint64(6*mib), dev.MappedSize())
	assert.Equal(t, uint64(3*mib), dev.RequestedSize())
}
