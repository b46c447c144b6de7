package memory_test

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/plugvm/plugvm/memory"
)

func TestDumpInsts(t *testing.T) {
	t.Parallel()

	f := newTestFactory(t, newFakeSlots())

	r, err := f.CreateRegion(0, 4*memory.PageSize, 0)
	require.NoError(t, err)

	copy(r.Bytes(), []byte{0x90, 0x90, 0x90})

	out, err := f.Snapshot().DumpInsts(0, 3)
	require.NoError(t, err)

	lines := strings.Split(strings.TrimRight(out, "\n"), "\n")
	require.Len(t, lines, 3)
	assert.True(t, strings.HasPrefix(lines[0], "0x0:"))
	assert.True(t, strings.HasPrefix(lines[1], "0x1:"))
	assert.Equal(t, 3, strings.Count(out, "nop"))
}

func TestDumpInstsStopsAtGarbage(t *testing.T) {
	t.Parallel()

	f := newTestFactory(t, newFakeSlots())

	r, err := f.CreateRegion(0, 4*memory.PageSize, 0)
	require.NoError(t, err)

	// A nop followed by bytes no decoder accepts.
	copy(r.Bytes(), []byte{0x90, 0x06, 0x06})

	out, err := f.Snapshot().DumpInsts(0, 8)
	require.NoError(t, err)

	assert.Contains(t, out, "nop")
	assert.Contains(t, out, "undecodable")
}

func TestDumpInstsUnmapped(t *testing.T) {
	t.Parallel()

	f := newTestFactory(t, newFakeSlots())

	_, err := f.Snapshot().DumpInsts(0x5000, 1)
	require.ErrorIs(t, err, memory.ErrNotMapped)
}
