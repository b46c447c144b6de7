package virtio

import (
	"errors"

	metrics "github.com/rcrowley/go-metrics"
	"github.com/sirupsen/logrus"
	"golang.org/x/sys/unix"

	"github.com/plugvm/plugvm/device"
	"github.com/plugvm/plugvm/epoll"
)

// Event tags for a vsock device's four event sources.
const (
	TagRxQueue epoll.Tag = iota
	TagTxQueue
	TagEvtQueue
	TagBackend
)

// Vsock drives a paravirtualized socket device: RX/TX/event split queues on
// the guest side, a connection-muxer backend on the host side. All methods
// run on the event manager, which never invokes the same device
// concurrently with itself.
type Vsock struct {
	l *logrus.Logger

	guestCID uint64
	backend  Backend
	irq      device.Trigger

	rx *Queue
	tx *Queue
	ev *Queue

	pktsRx       metrics.Counter
	pktsTx       metrics.Counter
	interrupts   metrics.Counter
	malformed    metrics.Counter
	backpressure metrics.Meter
}

// NewVsock builds the device over already-negotiated queue layouts.
func NewVsock(l *logrus.Logger, guestCID uint64, backend Backend, irq device.Trigger, rx, tx, ev *Queue) *Vsock {
	return &Vsock{
		l:        l,
		guestCID: guestCID,
		backend:  backend,
		irq:      irq,
		rx:       rx,
		tx:       tx,
		ev:       ev,

		pktsRx:       metrics.GetOrRegisterCounter("virtio.vsock.rx.packets", nil),
		pktsTx:       metrics.GetOrRegisterCounter("virtio.vsock.tx.packets", nil),
		interrupts:   metrics.GetOrRegisterCounter("virtio.vsock.interrupts", nil),
		malformed:    metrics.GetOrRegisterCounter("virtio.vsock.malformed_chains", nil),
		backpressure: metrics.GetOrRegisterMeter("virtio.vsock.tx.backpressure", nil),
	}
}

// GuestCID returns the guest's context id.
func (d *Vsock) GuestCID() uint64 {
	return d.guestCID
}

// Subscriptions returns the device's four event sources for registration
// with the event manager.
func (d *Vsock) Subscriptions() []epoll.Subscription {
	const in = uint32(unix.EPOLLIN)

	return []epoll.Subscription{
		{FD: d.rx.KickFD(), Tag: TagRxQueue, Events: in},
		{FD: d.tx.KickFD(), Tag: TagTxQueue, Events: in},
		{FD: d.ev.KickFD(), Tag: TagEvtQueue, Events: in},
		{FD: d.backend.Fd(), Tag: TagBackend, Events: d.backend.PolledEvents()},
	}
}

// Process dispatches one readiness event purely on its tag.
func (d *Vsock) Process(tag epoll.Tag, revents uint32) {
	switch tag {
	case TagRxQueue:
		d.rx.ConsumeNotification()

		if d.backend.HasPendingRx() {
			d.processRX()
		}
	case TagTxQueue:
		d.tx.ConsumeNotification()
		d.processTX()

		// Sending may provoke backend replies.
		if d.backend.HasPendingRx() {
			d.processRX()
		}
	case TagEvtQueue:
		// Nothing is defined for the event queue at this layer; just
		// consume the notification.
		d.ev.ConsumeNotification()
	case TagBackend:
		d.backend.Notify(revents)

		// Resume any send parked on backpressure, then drain replies.
		d.processTX()

		if d.backend.HasPendingRx() {
			d.processRX()
		}
	default:
		d.l.WithField("tag", tag).Warn("vsock: event with unknown tag")
	}
}

// processRX drains available RX chains while the backend has data. Chains
// are peeked first and committed only once filled; a chain the backend has
// no data for stays available for the next pass.
func (d *Vsock) processRX() {
	d.rx.mu.Lock()
	defer d.rx.mu.Unlock()

	committed := false

	for {
		chain, err := d.rx.PeekChain()
		if chain == nil {
			if err != nil {
				d.l.WithError(err).Error("vsock: rx queue unreadable")
			}

			break
		}

		if err != nil {
			// Guest-caused, non-fatal: complete with zero length and
			// keep the queue moving.
			d.malformed.Inc(1)

			if !d.commitRX(chain, 0, &committed) {
				break
			}

			continue
		}

		pkt, err := NewPacketRX(chain)
		if err != nil {
			d.malformed.Inc(1)

			if !d.commitRX(chain, 0, &committed) {
				break
			}

			continue
		}

		if err := d.backend.RecvPkt(pkt); err != nil {
			if errors.Is(err, ErrNoData) {
				// Backend exhausted: leave the chain available.
				break
			}

			d.l.WithError(err).Error("vsock: backend recv failed, dropping buffer")

			if !d.commitRX(chain, 0, &committed) {
				break
			}

			continue
		}

		d.pktsRx.Inc(1)

		if !d.commitRX(chain, pkt.UsedLen(), &committed) {
			break
		}
	}

	d.signalIfCommitted(committed)
}

// processTX drains available TX chains into the backend, stopping dead on
// backpressure so the parked chain is retried on the next event.
func (d *Vsock) processTX() {
	d.tx.mu.Lock()
	defer d.tx.mu.Unlock()

	committed := false

	for {
		chain, err := d.tx.PeekChain()
		if chain == nil {
			if err != nil {
				d.l.WithError(err).Error("vsock: tx queue unreadable")
			}

			break
		}

		if err != nil {
			d.malformed.Inc(1)

			if !d.commitTX(chain, &committed) {
				break
			}

			continue
		}

		pkt, err := NewPacketTX(chain)
		if err != nil {
			d.malformed.Inc(1)

			if !d.commitTX(chain, &committed) {
				break
			}

			continue
		}

		if err := d.backend.SendPkt(pkt); err != nil {
			if errors.Is(err, ErrWouldBlock) {
				d.backpressure.Mark(1)

				break
			}

			d.l.WithError(err).Error("vsock: backend send failed, dropping frame")
		} else {
			d.pktsTx.Inc(1)
		}

		if !d.commitTX(chain, &committed) {
			break
		}
	}

	d.signalIfCommitted(committed)
}

// commitRX completes an RX chain. A used-ring write failure ends the drain
// pass: the cursor cannot advance past the chain, so looping on would peek
// and process the same frame again.
func (d *Vsock) commitRX(chain *Chain, usedLen uint32, committed *bool) bool {
	if err := d.rx.Commit(chain, usedLen); err != nil {
		d.l.WithError(err).Error("vsock: rx used ring unwritable, abandoning drain")

		return false
	}

	*committed = true

	return true
}

// commitTX completes a TX chain. TX completions carry no payload-length
// semantics, so the used length is always zero. Failure ends the drain pass
// like commitRX.
func (d *Vsock) commitTX(chain *Chain, committed *bool) bool {
	if err := d.tx.Commit(chain, 0); err != nil {
		d.l.WithError(err).Error("vsock: tx used ring unwritable, abandoning drain")

		return false
	}

	*committed = true

	return true
}

// signalIfCommitted raises exactly one batched interrupt per drain pass.
func (d *Vsock) signalIfCommitted(committed bool) {
	if !committed {
		return
	}

	d.interrupts.Inc(1)

	if err := d.irq.Signal(); err != nil {
		d.l.WithError(err).Error("vsock: interrupt injection failed")
	}
}
