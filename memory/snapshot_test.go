package memory_test

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/plugvm/plugvm/memory"
)

func TestSnapshotSliceStaysInsideRegion(t *testing.T) {
	t.Parallel()

	f := newTestFactory(t, newFakeSlots())

	// Two guest-adjacent regions with unrelated host mappings.
	_, err := f.CreateRegion(0, 4*memory.PageSize, 0)
	require.NoError(t, err)
	_, err = f.CreateRegion(4*memory.PageSize, 4*memory.PageSize, 1)
	require.NoError(t, err)

	snap := f.Snapshot()

	b, err := snap.Slice(3*memory.PageSize, memory.PageSize)
	require.NoError(t, err)
	assert.Len(t, b, memory.PageSize)

	b, err = snap.Slice(4*memory.PageSize, memory.PageSize)
	require.NoError(t, err)
	assert.Len(t, b, memory.PageSize)

	// Guest-contiguous but host-discontiguous: the range must be refused.
	_, err = snap.Slice(3*memory.PageSize, 2*memory.PageSize)
	require.ErrorIs(t, err, memory.ErrNotMapped)

	_, err = snap.Slice(9*memory.PageSize, 1)
	require.ErrorIs(t, err, memory.ErrNotMapped)
}

func TestSnapshotIsImmutable(t *testing.T) {
	t.Parallel()

	f := newTestFactory(t, newFakeSlots())

	_, err := f.CreateRegion(0, 4*memory.PageSize, 0)
	require.NoError(t, err)

	old := f.Snapshot()
	require.Len(t, old.Regions(), 1)

	r2, err := f.CreateRegion(8*memory.PageSize, 4*memory.PageSize, 1)
	require.NoError(t, err)

	// The old generation never picks up later regions.
	assert.Len(t, old.Regions(), 1)
	_, err = old.HostAddr(8 * memory.PageSize)
	assert.ErrorIs(t, err, memory.ErrNotMapped)

	cur := f.Snapshot()
	assert.Len(t, cur.Regions(), 2)

	require.NoError(t, f.ReleaseRegion(r2))

	// Release publishes a new generation too; cur keeps both. Translating
	// against a stale generation is the caller's bug, but the snapshot
	// itself stays coherent.
	assert.Len(t, cur.Regions(), 2)
	assert.Len(t, f.Snapshot().Regions(), 1)
}

func TestSnapshotRegionsSortedByGuestAddr(t *testing.T) {
	t.Parallel()

	f := newTestFactory(t, newFakeSlots())

	_, err := f.CreateRegion(8*memory.PageSize, 4*memory.PageSize, 0)
	require.NoError(t, err)
	_, err = f.CreateRegion(0, 4*memory.PageSize, 1)
	require.NoError(t, err)

	regions := f.Snapshot().Regions()
	require.Len(t, regions, 2)
	assert.Equal(t, uint64(0), regions[0].GuestAddr)
	assert.Equal(t, uint64(8*memory.PageSize), regions[1].GuestAddr)
}
