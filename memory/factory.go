package memory

import (
	"fmt"
	"path/filepath"
	"sync"
	"sync/atomic"
	"unsafe"

	metrics "github.com/rcrowley/go-metrics"
	"github.com/sirupsen/logrus"
	"golang.org/x/sys/unix"
)

// Factory builds one host mapping per requested guest-physical range,
// registers it with the hypervisor's slot table and publishes it into the
// guest-memory snapshot. Creation is rare control-plane work; translation
// against the published snapshot is the hot path and never locks.
type Factory struct {
	l      *logrus.Logger
	slots  SlotTable
	policy Policy
	space  *AddressSpace

	// mu serializes region creation and release. Snapshot readers load the
	// pointer and never take it.
	mu   sync.Mutex
	snap atomic.Pointer[Snapshot]

	regionsCreated   metrics.Counter
	advisoryFailures metrics.Counter
}

// NewFactory returns a factory creating regions under the given placement
// policy.
func NewFactory(l *logrus.Logger, slots SlotTable, policy Policy) *Factory {
	f := &Factory{
		l:      l,
		slots:  slots,
		policy: policy,
		space:  NewAddressSpace("guest-phys", 0, ^uint64(0)),

		regionsCreated:   metrics.GetOrRegisterCounter("memory.regions.created", nil),
		advisoryFailures: metrics.GetOrRegisterCounter("memory.advisory.failures", nil),
	}

	f.snap.Store(emptySnapshot())

	return f
}

// Snapshot returns the current guest-memory snapshot.
func (f *Factory) Snapshot() *Snapshot {
	return f.snap.Load()
}

// validateRange runs every check that must pass before any host resource is
// touched.
func validateRange(guestAddr, length uint64) error {
	if guestAddr%PageSize != 0 || length%PageSize != 0 || length == 0 {
		return fmt.Errorf("[%#x, +%#x): %w", guestAddr, length, ErrUnaligned)
	}

	end := guestAddr + length
	if end < guestAddr {
		return fmt.Errorf("[%#x, +%#x): %w", guestAddr, length, ErrOverflow)
	}

	if overlaps(guestAddr, length, MMIOGapStart, MMIOGapEnd-MMIOGapStart) {
		return fmt.Errorf("[%#x, %#x): %w", guestAddr, end, ErrReservedGapConflict)
	}

	return nil
}

// CreateRegion maps, registers and publishes a new region under the VM-wide
// placement policy. The slot id must be unique for the VM's lifetime.
func (f *Factory) CreateRegion(guestAddr, length uint64, slot uint32) (*Region, error) {
	return f.CreateRegionOnNode(guestAddr, length, slot, f.policy.HostNUMANode)
}

// CreateRegionOnNode is CreateRegion with a per-region host NUMA node
// override, used by devices carrying their own placement hints.
func (f *Factory) CreateRegionOnNode(guestAddr, length uint64, slot uint32, hostNode int) (*Region, error) {
	if err := validateRange(guestAddr, length); err != nil {
		return nil, err
	}

	f.mu.Lock()
	defer f.mu.Unlock()

	if !f.space.IsFree(guestAddr, length) {
		return nil, fmt.Errorf("[%#x, +%#x): %w", guestAddr, length, ErrAddressSpaceConflict)
	}

	buf, backingPath, err := f.mapBacking(length, slot)
	if err != nil {
		return nil, fmt.Errorf("%v: %w", err, ErrMappingFailed)
	}

	for _, warn := range advisePlacement(buf, f.policy.Backing, hostNode) {
		f.advisoryFailures.Inc(1)
		f.l.WithField("slot", slot).WithError(warn).
			Warn("memory placement advice failed, continuing without it")
	}

	hostAddr := uintptr(unsafe.Pointer(&buf[0]))
	if err := f.slots.Register(slot, guestAddr, length, hostAddr); err != nil {
		// Nothing has seen the mapping yet, so roll it back rather than
		// leak it; the failed call must leave zero published state.
		f.unmap(buf, backingPath, slot)

		return nil, fmt.Errorf("slot %d at %#x: %v: %w", slot, guestAddr, err, ErrSlotRegistrationFailed)
	}

	r := &Region{
		GuestAddr:   guestAddr,
		Size:        length,
		Slot:        slot,
		Backing:     f.policy.Backing,
		NUMANode:    hostNode,
		buf:         buf,
		backingPath: backingPath,
	}

	// IsFree held above and f.mu is still held, so the claim cannot fail.
	_ = f.space.Claim(fmt.Sprintf("region-slot%d", slot), guestAddr, length)
	f.snap.Store(f.snap.Load().withRegion(r))
	f.regionsCreated.Inc(1)

	f.l.WithFields(logrus.Fields{
		"slot":       slot,
		"guest_addr": fmt.Sprintf("%#x", guestAddr),
		"size":       length,
		"backing":    r.Backing.String(),
	}).Info("guest memory region published")

	return r, nil
}

// RestoreRegionAddr recovers the host pointer for an already-published guest
// address. Pure lookup, no mapping work.
func (f *Factory) RestoreRegionAddr(guestAddr uint64) (uintptr, error) {
	return f.snap.Load().HostAddr(guestAddr)
}

// ReleaseRegion unregisters and unmaps a region at VM teardown. Idempotence
// is the caller's concern: release each region exactly once.
func (f *Factory) ReleaseRegion(r *Region) error {
	f.mu.Lock()
	defer f.mu.Unlock()

	if err := f.slots.Unregister(r.Slot, r.GuestAddr); err != nil {
		return fmt.Errorf("unregister slot %d: %w", r.Slot, err)
	}

	f.snap.Store(f.snap.Load().withoutRegion(r))
	f.space.Release(r.GuestAddr)
	f.unmap(r.buf, r.backingPath, r.Slot)

	return nil
}

func (f *Factory) mapBacking(length uint64, slot uint32) ([]byte, string, error) {
	prot := unix.PROT_READ | unix.PROT_WRITE

	if f.policy.Backing == SharedFile {
		path := filepath.Join(f.policy.BackingDir, fmt.Sprintf("region-%d", slot))

		fd, err := unix.Open(path, unix.O_CREAT|unix.O_RDWR, 0o600)
		if err != nil {
			return nil, "", fmt.Errorf("open %s: %w", path, err)
		}

		if err := unix.Ftruncate(fd, int64(length)); err != nil {
			unix.Close(fd)
			unix.Unlink(path)

			return nil, "", fmt.Errorf("truncate %s: %w", path, err)
		}

		buf, err := unix.Mmap(fd, 0, int(length), prot, unix.MAP_SHARED|unix.MAP_NORESERVE)

		// The mapping keeps the file alive on its own.
		unix.Close(fd)

		if err != nil {
			unix.Unlink(path)

			return nil, "", fmt.Errorf("mmap %s: %w", path, err)
		}

		return buf, path, nil
	}

	buf, err := unix.Mmap(-1, 0, int(length), prot,
		unix.MAP_SHARED|unix.MAP_ANONYMOUS|unix.MAP_NORESERVE)
	if err != nil {
		return nil, "", fmt.Errorf("mmap anonymous %d bytes: %w", length, err)
	}

	return buf, "", nil
}

func (f *Factory) unmap(buf []byte, backingPath string, slot uint32) {
	if err := unix.Munmap(buf); err != nil {
		f.l.WithField("slot", slot).WithError(err).Warn("munmap failed")
	}

	if backingPath != "" {
		if err := unix.Unlink(backingPath); err != nil {
			f.l.WithField("slot", slot).WithError(err).Warn("removing backing file failed")
		}
	}
}
