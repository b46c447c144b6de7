package virtio

import (
	"encoding/binary"
	"errors"
	"fmt"
)

// HdrSize is the size of a vsock frame header on the wire.
const HdrSize = 44

// ErrBadPacket means a descriptor chain does not form a usable packet view:
// the header does not fit the head descriptor, the buffers have the wrong
// direction, or the declared payload exceeds the buffer space.
var ErrBadPacket = errors.New("descriptor chain does not form a packet")

// Packet is an ephemeral zero-copy view over one vsock frame's header and
// payload in guest memory. Its lifetime is bounded to one processing call.
type Packet struct {
	hdr     []byte
	payload [][]byte
}

// splitChain peels the header off the head descriptor and gathers the rest
// as payload space. The header must sit wholly in the head descriptor.
func splitChain(c *Chain, wantWritable bool) (*Packet, error) {
	if len(c.bufs) == 0 {
		return nil, fmt.Errorf("empty chain: %w", ErrBadPacket)
	}

	for i, b := range c.bufs {
		if b.writable != wantWritable {
			return nil, fmt.Errorf("buffer %d direction: %w", i, ErrBadPacket)
		}
	}

	head := c.bufs[0].data
	if len(head) < HdrSize {
		return nil, fmt.Errorf("head descriptor holds %d of %d header bytes: %w",
			len(head), HdrSize, ErrBadPacket)
	}

	p := &Packet{hdr: head[:HdrSize]}

	if len(head) > HdrSize {
		p.payload = append(p.payload, head[HdrSize:])
	}

	for _, b := range c.bufs[1:] {
		p.payload = append(p.payload, b.data)
	}

	return p, nil
}

// NewPacketRX builds a writable packet view for the backend to fill. Every
// buffer in an RX chain must be device-writable.
func NewPacketRX(c *Chain) (*Packet, error) {
	return splitChain(c, true)
}

// NewPacketTX builds a readable packet view over a guest-sent frame. The
// header's length field must not exceed the chain's payload space.
func NewPacketTX(c *Chain) (*Packet, error) {
	p, err := splitChain(c, false)
	if err != nil {
		return nil, err
	}

	if uint64(p.Len()) > uint64(p.PayloadCap()) {
		return nil, fmt.Errorf("declared payload %d exceeds %d buffer bytes: %w",
			p.Len(), p.PayloadCap(), ErrBadPacket)
	}

	return p, nil
}

// PayloadCap returns the total payload space the chain provides.
func (p *Packet) PayloadCap() uint32 {
	var n uint32
	for _, b := range p.payload {
		n += uint32(len(b))
	}

	return n
}

// Payload returns the payload buffers truncated to the header length.
func (p *Packet) Payload() [][]byte {
	out := make([][]byte, 0, len(p.payload))
	left := p.Len()

	for _, b := range p.payload {
		if left == 0 {
			break
		}

		if uint32(len(b)) > left {
			b = b[:left]
		}

		out = append(out, b)
		left -= uint32(len(b))
	}

	return out
}

// UsedLen is the used-ring length for a filled RX packet.
func (p *Packet) UsedLen() uint32 {
	return HdrSize + p.Len()
}

func (p *Packet) SrcCID() uint64  { return binary.LittleEndian.Uint64(p.hdr[0:8]) }
func (p *Packet) DstCID() uint64  { return binary.LittleEndian.Uint64(p.hdr[8:16]) }
func (p *Packet) SrcPort() uint32 { return binary.LittleEndian.Uint32(p.hdr[16:20]) }
func (p *Packet) DstPort() uint32 { return binary.LittleEndian.Uint32(p.hdr[20:24]) }
func (p *Packet) Len() uint32     { return binary.LittleEndian.Uint32(p.hdr[24:28]) }
func (p *Packet) Type() uint16    { return binary.LittleEndian.Uint16(p.hdr[28:30]) }
func (p *Packet) Op() uint16      { return binary.LittleEndian.Uint16(p.hdr[30:32]) }
func (p *Packet) Flags() uint32   { return binary.LittleEndian.Uint32(p.hdr[32:36]) }
func (p *Packet) BufAlloc() uint32 { return binary.LittleEndian.Uint32(p.hdr[36:40]) }
func (p *Packet) FwdCnt() uint32  { return binary.LittleEndian.Uint32(p.hdr[40:44]) }

func (p *Packet) SetSrcCID(v uint64)  { binary.LittleEndian.PutUint64(p.hdr[0:8], v) }
func (p *Packet) SetDstCID(v uint64)  { binary.LittleEndian.PutUint64(p.hdr[8:16], v) }
func (p *Packet) SetSrcPort(v uint32) { binary.LittleEndian.PutUint32(p.hdr[16:20], v) }
func (p *Packet) SetDstPort(v uint32) { binary.LittleEndian.PutUint32(p.hdr[20:24], v) }
func (p *Packet) SetLen(v uint32)     { binary.LittleEndian.PutUint32(p.hdr[24:28], v) }
func (p *Packet) SetType(v uint16)    { binary.LittleEndian.PutUint16(p.hdr[28:30], v) }
func (p *Packet) SetOp(v uint16)      { binary.LittleEndian.PutUint16(p.hdr[30:32], v) }
func (p *Packet) SetFlags(v uint32)   { binary.LittleEndian.PutUint32(p.hdr[32:36], v) }
func (p *Packet) SetBufAlloc(v uint32) { binary.LittleEndian.PutUint32(p.hdr[36:40], v) }
func (p *Packet) SetFwdCnt(v uint32)  { binary.LittleEndian.PutUint32(p.hdr[40:44], v) }
