package virtio

import (
	"encoding/binary"
	"errors"
	"fmt"
	"sync"

	"github.com/plugvm/plugvm/eventfd"
)

var (
	// ErrBadChain means the guest supplied a descriptor chain we cannot
	// walk: an out-of-range index, a cycle, or a buffer outside guest
	// memory. The chain is completed with zero length and processing
	// continues.
	ErrBadChain = errors.New("malformed descriptor chain")

	// ErrBadLayout means a queue layout has an unusable ring size.
	ErrBadLayout = errors.New("virtqueue size must be a nonzero power of two")
)

const (
	descSize = 16

	descFlagNext  = 1 << 0
	descFlagWrite = 1 << 1

	availIdxOff  = 2
	availRingOff = 4

	usedIdxOff   = 2
	usedRingOff  = 4
	usedElemSize = 8
)

// Translator turns guest-physical ranges into host byte views. The published
// guest-memory snapshot implements it.
type Translator interface {
	Slice(gpa uint64, length uint32) ([]byte, error)
}

// Layout locates one split virtqueue in guest memory.
type Layout struct {
	Size      uint16
	DescAddr  uint64
	AvailAddr uint64
	UsedAddr  uint64
}

// Queue walks one driver-owned split virtqueue. Chains are taken with an
// explicit peek/commit protocol: PeekChain never advances ring state, Commit
// consumes the peeked chain and publishes it used. A chain peeked but never
// committed reappears on the next peek.
type Queue struct {
	mem  Translator
	kick eventfd.Eventfd

	size      uint16
	descAddr  uint64
	availAddr uint64
	usedAddr  uint64

	// mu is held only while a processor drains the queue, to keep a
	// concurrent device removal from racing the walk.
	mu sync.Mutex

	lastAvail uint16
	usedIdx   uint16
}

// NewQueue returns a queue over the given layout. kick is the notification
// fd the guest rings after publishing available descriptors.
func NewQueue(mem Translator, layout Layout, kick eventfd.Eventfd) (*Queue, error) {
	if layout.Size == 0 || layout.Size&(layout.Size-1) != 0 {
		return nil, fmt.Errorf("size %d: %w", layout.Size, ErrBadLayout)
	}

	return &Queue{
		mem:       mem,
		kick:      kick,
		size:      layout.Size,
		descAddr:  layout.DescAddr,
		availAddr: layout.AvailAddr,
		usedAddr:  layout.UsedAddr,
	}, nil
}

// KickFD returns the queue notification descriptor for event subscription.
func (q *Queue) KickFD() int {
	return q.kick.FD()
}

// ConsumeNotification drains the queue's notification fd.
func (q *Queue) ConsumeNotification() {
	_, _ = q.kick.Read()
}

// chainBuf is one guest buffer of a chain.
type chainBuf struct {
	data     []byte
	writable bool
}

// Chain is an ephemeral view over one descriptor chain. It is valid until
// committed and never persisted.
type Chain struct {
	Head uint16

	bufs []chainBuf
}

func (q *Queue) readUint16(gpa uint64) (uint16, error) {
	b, err := q.mem.Slice(gpa, 2)
	if err != nil {
		return 0, err
	}

	return binary.LittleEndian.Uint16(b), nil
}

// PeekChain returns the next available chain without consuming it, (nil,
// nil) when the guest has published nothing new, or the chain plus
// ErrBadChain when the guest's descriptors cannot be walked.
func (q *Queue) PeekChain() (*Chain, error) {
	availIdx, err := q.readUint16(q.availAddr + availIdxOff)
	if err != nil {
		return nil, fmt.Errorf("avail ring unreadable: %w", err)
	}

	if q.lastAvail == availIdx {
		return nil, nil
	}

	pos := q.lastAvail % q.size

	head, err := q.readUint16(q.availAddr + availRingOff + uint64(pos)*2)
	if err != nil {
		return nil, fmt.Errorf("avail ring unreadable: %w", err)
	}

	chain := &Chain{Head: head}

	idx := head
	for hop := uint16(0); ; hop++ {
		// A chain longer than the queue must contain a cycle.
		if idx >= q.size || hop >= q.size {
			return chain, fmt.Errorf("desc %d (hop %d): %w", idx, hop, ErrBadChain)
		}

		desc, err := q.mem.Slice(q.descAddr+uint64(idx)*descSize, descSize)
		if err != nil {
			return chain, fmt.Errorf("desc %d: %w", idx, ErrBadChain)
		}

		addr := binary.LittleEndian.Uint64(desc[0:8])
		length := binary.LittleEndian.Uint32(desc[8:12])
		flags := binary.LittleEndian.Uint16(desc[12:14])
		next := binary.LittleEndian.Uint16(desc[14:16])

		buf, err := q.mem.Slice(addr, length)
		if err != nil {
			return chain, fmt.Errorf("desc %d buffer [%#x, +%#x): %w", idx, addr, length, ErrBadChain)
		}

		chain.bufs = append(chain.bufs, chainBuf{
			data:     buf,
			writable: flags&descFlagWrite != 0,
		})

		if flags&descFlagNext == 0 {
			return chain, nil
		}

		idx = next
	}
}

// Commit consumes the peeked chain and publishes it on the used ring with
// the given length. A head is committed at most once: commit advances the
// internal cursor, so the chain can never be peeked again.
func (q *Queue) Commit(c *Chain, usedLen uint32) error {
	pos := q.usedIdx % q.size

	elem, err := q.mem.Slice(q.usedAddr+usedRingOff+uint64(pos)*usedElemSize, usedElemSize)
	if err != nil {
		return fmt.Errorf("used ring unwritable: %w", err)
	}

	binary.LittleEndian.PutUint32(elem[0:4], uint32(c.Head))
	binary.LittleEndian.PutUint32(elem[4:8], usedLen)

	idx, err := q.mem.Slice(q.usedAddr+usedIdxOff, 2)
	if err != nil {
		return fmt.Errorf("used ring unwritable: %w", err)
	}

	// The element above must be visible before the index moves past it.
	q.usedIdx++
	binary.LittleEndian.PutUint16(idx, q.usedIdx)

	q.lastAvail++

	return nil
}
