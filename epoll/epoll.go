// Package epoll runs a readiness-based event loop dispatching fd events to
// per-device handlers over a small worker pool. A handler is never invoked
// concurrently with itself, so handlers need no locking of their own state.
package epoll

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"
	"golang.org/x/sys/unix"
)

// Tag labels one of a handler's event sources. The meaning of a tag is
// device-local.
type Tag uint32

// Subscription is one event source a handler wants to watch.
type Subscription struct {
	FD     int
	Tag    Tag
	Events uint32
}

// Handler receives readiness events for its subscriptions.
type Handler interface {
	Process(tag Tag, revents uint32)
}

var (
	// ErrFdWatched means an fd is already subscribed by some handler.
	ErrFdWatched = errors.New("fd already subscribed")

	// ErrClosed means the manager is shut down.
	ErrClosed = errors.New("event manager closed")
)

type entry struct {
	handler Handler
	tag     Tag
	state   *handlerState
}

// handlerState serializes one handler's callbacks.
type handlerState struct {
	mu sync.Mutex
}

type dispatch struct {
	ent     *entry
	revents uint32
}

// Manager multiplexes fd readiness across every registered device handler.
type Manager struct {
	l *logrus.Logger

	mu       sync.Mutex
	epfd     int
	closed   bool
	fds      map[int]*entry
	states   map[Handler]*handlerState
	handlers map[Handler][]int

	workers int
}

// NewManager creates an epoll instance dispatching on `workers` goroutines.
func NewManager(l *logrus.Logger, workers int) (*Manager, error) {
	epfd, err := unix.EpollCreate1(unix.EPOLL_CLOEXEC)
	if err != nil {
		return nil, fmt.Errorf("epoll_create1: %w", err)
	}

	if workers < 1 {
		workers = 1
	}

	return &Manager{
		l:        l,
		epfd:     epfd,
		fds:      make(map[int]*entry),
		states:   make(map[Handler]*handlerState),
		handlers: make(map[Handler][]int),
		workers:  workers,
	}, nil
}

// Subscribe registers every subscription or none: a failure part-way unwinds
// the fds already added, so a device activation either fully watches its
// event sources or aborts.
func (m *Manager) Subscribe(h Handler, subs ...Subscription) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.closed {
		return ErrClosed
	}

	state := m.states[h]
	if state == nil {
		state = &handlerState{}
	}

	added := make([]int, 0, len(subs))

	for _, sub := range subs {
		if _, ok := m.fds[sub.FD]; ok {
			m.unwindLocked(added)

			return fmt.Errorf("fd %d: %w", sub.FD, ErrFdWatched)
		}

		ev := unix.EpollEvent{
			Events: sub.Events,
			Fd:     int32(sub.FD),
		}

		if err := unix.EpollCtl(m.epfd, unix.EPOLL_CTL_ADD, sub.FD, &ev); err != nil {
			m.unwindLocked(added)

			return fmt.Errorf("epoll_ctl add fd %d: %w", sub.FD, err)
		}

		m.fds[sub.FD] = &entry{handler: h, tag: sub.Tag, state: state}
		added = append(added, sub.FD)
	}

	m.states[h] = state
	m.handlers[h] = append(m.handlers[h], added...)

	return nil
}

func (m *Manager) unwindLocked(fds []int) {
	for _, fd := range fds {
		_ = unix.EpollCtl(m.epfd, unix.EPOLL_CTL_DEL, fd, nil)
		delete(m.fds, fd)
	}
}

// Unsubscribe removes every event source of a handler. Any chain the
// handler peeked but never committed is abandoned, which is acceptable only
// at device removal.
func (m *Manager) Unsubscribe(h Handler) {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.unwindLocked(m.handlers[h])
	delete(m.handlers, h)
	delete(m.states, h)
}

// Run pumps events until ctx is cancelled.
func (m *Manager) Run(ctx context.Context) error {
	work := make(chan dispatch, 256)

	g, ctx := errgroup.WithContext(ctx)

	for i := 0; i < m.workers; i++ {
		g.Go(func() error {
			for d := range work {
				d.ent.state.mu.Lock()
				d.ent.handler.Process(d.ent.tag, d.revents)
				d.ent.state.mu.Unlock()
			}

			return nil
		})
	}

	g.Go(func() error {
		defer close(work)

		events := make([]unix.EpollEvent, 64)

		for {
			if ctx.Err() != nil {
				return nil
			}

			n, err := unix.EpollWait(m.epfd, events, 100)
			if err == unix.EINTR {
				continue
			}

			if err != nil {
				m.mu.Lock()
				closed := m.closed
				m.mu.Unlock()

				if closed {
					return nil
				}

				return fmt.Errorf("epoll_wait: %w", err)
			}

			for _, ev := range events[:n] {
				m.mu.Lock()
				ent := m.fds[int(ev.Fd)]
				m.mu.Unlock()

				// Raced with an unsubscribe; the event is stale.
				if ent == nil {
					continue
				}

				select {
				case work <- dispatch{ent: ent, revents: ev.Events}:
				case <-ctx.Done():
					return nil
				}
			}
		}
	})

	return g.Wait()
}

// Close shuts the epoll fd down. Run returns after its next wakeup.
func (m *Manager) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.closed {
		return nil
	}

	m.closed = true

	return unix.Close(m.epfd)
}
