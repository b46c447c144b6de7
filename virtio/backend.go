package virtio

import "errors"

var (
	// ErrNoData means the backend has nothing more to deliver right now.
	// Not a failure: the processor stops and waits for the next event.
	ErrNoData = errors.New("backend has no pending data")

	// ErrWouldBlock means the backend cannot accept a packet right now.
	// The chain stays available and is retried on the next event.
	ErrWouldBlock = errors.New("backend cannot accept now")
)

// Backend is the connection muxer capability behind a vsock device. It is
// external to this core; the device only drives packets across it.
type Backend interface {
	// HasPendingRx reports whether inbound data is waiting for the guest.
	HasPendingRx() bool

	// RecvPkt fills a writable packet view and sets its length. Returns
	// ErrNoData when nothing is pending.
	RecvPkt(p *Packet) error

	// SendPkt hands a guest frame to the backend. Returns ErrWouldBlock
	// for backpressure; any other error is a transport failure and the
	// frame is dropped.
	SendPkt(p *Packet) error

	// Notify forwards raw readiness bits from the backend's descriptor.
	Notify(revents uint32)

	// PolledEvents is the interest mask the backend wants watched.
	PolledEvents() uint32

	// Fd is the backend descriptor the reactor subscribes to.
	Fd() int
}
