// Package vmm ties the device plane together: KVM vm handle, region
// factory, memory-device manager, vsock device and the event manager.
package vmm

import (
	"context"
	"fmt"
	"os"

	"github.com/sirupsen/logrus"
	"golang.org/x/sys/unix"

	"github.com/plugvm/plugvm/balloon"
	"github.com/plugvm/plugvm/config"
	"github.com/plugvm/plugvm/device"
	"github.com/plugvm/plugvm/epoll"
	"github.com/plugvm/plugvm/eventfd"
	"github.com/plugvm/plugvm/kvm"
	"github.com/plugvm/plugvm/memory"
	"github.com/plugvm/plugvm/virtio"
)

const mib = 1 << 20

// VMM owns the runtime lifecycle of the VM's hot-pluggable memory devices
// and the vsock device's event-driven I/O path.
type VMM struct {
	l   *logrus.Logger
	cfg *config.VM

	kvmFile *os.File
	vmFd    uintptr

	factory  *memory.Factory
	slots    *memory.SlotAllocator
	bus      *device.Bus
	balloons *balloon.Manager
	events   *epoll.Manager

	bootRegions []*memory.Region
	vsock       *virtio.Vsock
	vsockFds    []eventfd.Eventfd
	nextGSI     uint32
}

// New returns an uninitialized VMM for the given configuration.
func New(l *logrus.Logger, cfg *config.VM) *VMM {
	return &VMM{l: l, cfg: cfg}
}

// Init opens KVM, creates the VM, maps boot RAM and attaches the configured
// memory devices.
func (v *VMM) Init() error {
	devKVM, err := kvm.Open(v.cfg.KVMPath)
	if err != nil {
		return err
	}

	v.kvmFile = devKVM

	if v.vmFd, err = kvm.CreateVM(devKVM.Fd()); err != nil {
		return fmt.Errorf("CreateVM: %w", err)
	}

	if err := kvm.CreateIRQChip(v.vmFd); err != nil {
		return fmt.Errorf("CreateIRQChip: %w", err)
	}

	nrSlots, err := kvm.CheckExtension(devKVM.Fd(), kvm.CapNRMemSlots)
	if err != nil {
		return fmt.Errorf("CapNRMemSlots: %w", err)
	}

	if nrSlots == 0 {
		return fmt.Errorf("CapNRMemSlots: %w", kvm.ErrUnsupported)
	}

	v.slots = memory.NewSlotAllocator(uint32(nrSlots))

	policy, err := v.cfg.Memory.Policy()
	if err != nil {
		return err
	}

	v.factory = memory.NewFactory(v.l, memory.KVMSlotTable{VMFd: v.vmFd}, policy)

	balloonBase, err := v.mapBootRAM(v.cfg.Memory.BootRAMMiB * mib)
	if err != nil {
		return err
	}

	v.bus = device.NewBus()
	// The shared line sits at GSI+1; eventfd routes start past it.
	v.nextGSI = v.cfg.Vsock.GSI + 1
	v.balloons = balloon.NewManager(v.l, v.factory, v.slots, v.bus,
		v.cfg.HotplugEnabled, balloonBase, v.newTrigger)

	for _, cfg := range v.cfg.MemoryDevices {
		if err := v.balloons.InsertOrUpdateDevice(cfg, false); err != nil {
			return err
		}
	}

	if err := v.balloons.AttachDevices(); err != nil {
		return err
	}

	if v.events, err = epoll.NewManager(v.l, v.cfg.EventWorkers); err != nil {
		return err
	}

	return nil
}

// mapBootRAM creates the boot regions: everything below the MMIO gap first,
// any remainder above the 4 GiB boundary. Returns the first free guest
// address above the gap.
func (v *VMM) mapBootRAM(bytes uint64) (uint64, error) {
	if bytes == 0 {
		return memory.MMIOGapEnd, nil
	}

	below := bytes
	if below > memory.MMIOGapStart {
		below = memory.MMIOGapStart
	}

	slot, err := v.slots.Next()
	if err != nil {
		return 0, err
	}

	r, err := v.factory.CreateRegion(0, below, slot)
	if err != nil {
		return 0, fmt.Errorf("boot RAM: %w", err)
	}

	v.bootRegions = append(v.bootRegions, r)

	rest := bytes - below
	if rest == 0 {
		return memory.MMIOGapEnd, nil
	}

	slot, err = v.slots.Next()
	if err != nil {
		return 0, err
	}

	r, err = v.factory.CreateRegion(memory.MMIOGapEnd, rest, slot)
	if err != nil {
		return 0, fmt.Errorf("boot RAM above gap: %w", err)
	}

	v.bootRegions = append(v.bootRegions, r)

	return memory.MMIOGapEnd + rest, nil
}

// newTrigger builds a device's interrupt plumbing per its irq-sharing mode.
// Eventfd-routed devices each get a fresh gsi above the vsock one.
func (v *VMM) newTrigger(cfg balloon.Config) (device.Trigger, func() error, error) {
	if cfg.SharedIRQ {
		return device.LineTrigger{VMFd: v.vmFd, IRQ: v.cfg.Vsock.GSI + 1}, nil, nil
	}

	v.nextGSI++
	gsi := v.nextGSI
	t, err := device.NewEventfdTrigger(v.vmFd, gsi)
	if err != nil {
		return nil, nil, err
	}

	release := func() error {
		return t.Release(v.vmFd, gsi)
	}

	return t, release, nil
}

// liveTranslator resolves guest addresses against the snapshot current at
// each call, so queues keep working across region hotplug.
type liveTranslator struct {
	f *memory.Factory
}

func (t liveTranslator) Slice(gpa uint64, length uint32) ([]byte, error) {
	return t.f.Snapshot().Slice(gpa, length)
}

// VsockQueues locates the vsock device's three queues and their guest
// notification registers.
type VsockQueues struct {
	RX, TX, EV virtio.Layout
	RXNotify   uint64
	TXNotify   uint64
	EVNotify   uint64
}

// AttachVsock activates the vsock device over an external backend muxer.
// Subscription failure aborts the attach with everything unwound.
func (v *VMM) AttachVsock(backend virtio.Backend, queues VsockQueues) error {
	trigger, err := device.NewEventfdTrigger(v.vmFd, v.cfg.Vsock.GSI)
	if err != nil {
		return fmt.Errorf("vsock interrupt plumbing: %w", err)
	}

	mem := liveTranslator{f: v.factory}

	kicks := make([]eventfd.Eventfd, 0, 3)
	notifies := []uint64{queues.RXNotify, queues.TXNotify, queues.EVNotify}

	abort := func() {
		for i, ev := range kicks {
			if notifies[i] != 0 {
				_ = kvm.DeassignIOEventFD(v.vmFd, ev.FD(), notifies[i], 2)
			}

			ev.Close()
		}

		_ = trigger.Release(v.vmFd, v.cfg.Vsock.GSI)
	}

	for _, addr := range notifies {
		ev, err := eventfd.Create()
		if err != nil {
			abort()

			return fmt.Errorf("vsock queue kick: %w", err)
		}

		kicks = append(kicks, ev)

		if addr != 0 {
			if err := kvm.AssignIOEventFD(v.vmFd, ev.FD(), addr, 2); err != nil {
				abort()

				return fmt.Errorf("vsock ioeventfd at %#x: %w", addr, err)
			}
		}
	}

	var qs [3]*virtio.Queue
	for i, layout := range []virtio.Layout{queues.RX, queues.TX, queues.EV} {
		q, err := virtio.NewQueue(mem, layout, kicks[i])
		if err != nil {
			abort()

			return fmt.Errorf("vsock queue %d: %w", i, err)
		}

		qs[i] = q
	}

	vs := virtio.NewVsock(v.l, v.cfg.Vsock.GuestCID, backend, trigger, qs[0], qs[1], qs[2])

	if err := v.events.Subscribe(vs, vs.Subscriptions()...); err != nil {
		abort()

		return fmt.Errorf("vsock event subscriptions: %w", err)
	}

	v.vsock = vs
	v.vsockFds = kicks

	return nil
}

// Run pumps device events until ctx is cancelled.
func (v *VMM) Run(ctx context.Context) error {
	return v.events.Run(ctx)
}

// ResizeMemoryDevice forwards a control-plane resize to the device manager.
func (v *VMM) ResizeMemoryDevice(id string, bytes uint64) error {
	return v.balloons.UpdateMemorySize(id, bytes)
}

// HotplugMemoryDevice inserts or updates a memory device at runtime.
func (v *VMM) HotplugMemoryDevice(cfg balloon.Config) error {
	return v.balloons.InsertOrUpdateDevice(cfg, true)
}

// Shutdown tears the device plane down: devices first, then the vsock
// subscriptions, then boot RAM, then the VM handle.
func (v *VMM) Shutdown() error {
	var firstErr error

	if v.balloons != nil {
		if err := v.balloons.RemoveDevices(); err != nil && firstErr == nil {
			firstErr = err
		}
	}

	if v.vsock != nil && v.events != nil {
		v.events.Unsubscribe(v.vsock)

		for _, ev := range v.vsockFds {
			ev.Close()
		}

		v.vsock = nil
	}

	if v.events != nil {
		if err := v.events.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
	}

	for _, r := range v.bootRegions {
		if err := v.factory.ReleaseRegion(r); err != nil && firstErr == nil {
			firstErr = err
		}
	}

	v.bootRegions = nil

	if v.vmFd != 0 {
		if err := unix.Close(int(v.vmFd)); err != nil && firstErr == nil {
			firstErr = err
		}

		v.vmFd = 0
	}

	if v.kvmFile != nil {
		if err := v.kvmFile.Close(); err != nil && firstErr == nil {
			firstErr = err
		}

		v.kvmFile = nil
	}

	return firstErr
}
