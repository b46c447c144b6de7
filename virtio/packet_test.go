package virtio_test

import (
	"encoding/binary"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/plugvm/plugvm/virtio"
)

// peekOne publishes the prepared chain and peeks it back.
func peekOne(t *testing.T, mem guestMem, r *ring, head uint16) *virtio.Chain {
	t.Helper()

	q := newTestQueue(t, mem, r)
	r.pushAvail(head)

	chain, err := q.PeekChain()
	require.NoError(t, err)
	require.NotNil(t, chain)

	return chain
}

func TestPacketPayloadSpansDescriptors(t *testing.T) {
	t.Parallel()

	mem := make(guestMem, 0x8000)
	r := newRing(mem, descBase, availBase, usedBase)

	// Header plus 4 payload bytes in the head, 6 more in the tail.
	head := uint64(bufBase)
	tail := uint64(bufBase + bufStride)
	copy(mem[head+virtio.HdrSize:], "abcd")
	copy(mem[tail:], "efghij")
	binary.LittleEndian.PutUint32(mem[head+24:], 10)

	r.writeDesc(0, head, virtio.HdrSize+4, flagNext, 1)
	r.writeDesc(1, tail, 6, 0, 0)

	chain := peekOne(t, mem, r, 0)

	pkt, err := virtio.NewPacketTX(chain)
	require.NoError(t, err)

	assert.Equal(t, uint32(10), pkt.Len())
	assert.Equal(t, uint32(10), pkt.PayloadCap())
	assert.Equal(t, uint32(virtio.HdrSize+10), pkt.UsedLen())

	var data []byte
	for _, b := range pkt.Payload() {
		data = append(data, b...)
	}

	assert.Equal(t, []byte("abcdefghij"), data)
}

func TestPacketPayloadTruncatedToHeaderLength(t *testing.T) {
	t.Parallel()

	mem := make(guestMem, 0x8000)
	r := newRing(mem, descBase, availBase, usedBase)

	binary.LittleEndian.PutUint32(mem[bufBase+24:], 3)
	r.writeDesc(0, bufBase, virtio.HdrSize+64, 0, 0)

	chain := peekOne(t, mem, r, 0)

	pkt, err := virtio.NewPacketTX(chain)
	require.NoError(t, err)

	var n int
	for _, b := range pkt.Payload() {
		n += len(b)
	}

	assert.Equal(t, 3, n)
	assert.Equal(t, uint32(64), pkt.PayloadCap())
}

func TestPacketRejectsWrongDirection(t *testing.T) {
	t.Parallel()

	mem := make(guestMem, 0x8000)
	r := newRing(mem, descBase, availBase, usedBase)

	r.writeDesc(0, bufBase, bufStride, flagWrite, 0)

	chain := peekOne(t, mem, r, 0)

	_, err := virtio.NewPacketTX(chain)
	assert.ErrorIs(t, err, virtio.ErrBadPacket)

	pkt, err := virtio.NewPacketRX(chain)
	require.NoError(t, err)
	assert.Equal(t, uint32(bufStride-virtio.HdrSize), pkt.PayloadCap())
}

func TestPacketRejectsSplitHeader(t *testing.T) {
	t.Parallel()

	mem := make(guestMem, 0x8000)
	r := newRing(mem, descBase, availBase, usedBase)

	// Header straddling two descriptors is not a usable view.
	r.writeDesc(0, bufBase, 20, flagNext, 1)
	r.writeDesc(1, bufBase+bufStride, bufStride, 0, 0)

	chain := peekOne(t, mem, r, 0)

	_, err := virtio.NewPacketTX(chain)
	assert.ErrorIs(t, err, virtio.ErrBadPacket)
}

func TestPacketHeaderFields(t *testing.T) {
	t.Parallel()

	mem := make(guestMem, 0x8000)
	r := newRing(mem, descBase, availBase, usedBase)

	r.writeDesc(0, bufBase, bufStride, flagWrite, 0)

	chain := peekOne(t, mem, r, 0)

	pkt, err := virtio.NewPacketRX(chain)
	require.NoError(t, err)

	pkt.SetSrcCID(2)
	pkt.SetDstCID(52)
	pkt.SetSrcPort(1024)
	pkt.SetDstPort(5555)
	pkt.SetLen(9)
	pkt.SetType(1)
	pkt.SetOp(5)
	pkt.SetFlags(0x3)
	pkt.SetBufAlloc(0x40000)
	pkt.SetFwdCnt(77)

	assert.Equal(t, uint64(2), pkt.SrcCID())
	assert.Equal(t, uint64(52), pkt.DstCID())
	assert.Equal(t, uint32(1024), pkt.SrcPort())
	assert.Equal(t, uint32(5555), pkt.DstPort())
	assert.Equal(t, uint32(9), pkt.Len())
	assert.Equal(t, uint16(1), pkt.Type())
	assert.Equal(t, uint16(5), pkt.Op())
	assert.Equal(t, uint32(0x3), pkt.Flags())
	assert.Equal(t, uint32(0x40000), pkt.BufAlloc())
	assert.Equal(t, uint32(77), pkt.FwdCnt())

	// Setters write straight through to guest memory.
	assert.Equal(t, uint64(52), binary.LittleEndian.Uint64(mem[bufBase+8:]))
}
