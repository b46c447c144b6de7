// Package config loads the VM configuration this core is driven by. The
// fields are supplied externally; nothing here is guest-visible.
package config

import (
	"fmt"
	"os"

	"dario.cat/mergo"
	"github.com/sirupsen/logrus"
	"gopkg.in/yaml.v3"

	"github.com/plugvm/plugvm/balloon"
	"github.com/plugvm/plugvm/memory"
)

// VM is the whole device-plane configuration.
type VM struct {
	KVMPath        string       `yaml:"kvm_path"`
	HotplugEnabled bool         `yaml:"hotplug_enabled"`
	EventWorkers   int          `yaml:"event_workers"`
	Memory         MemoryPolicy `yaml:"memory"`
	// MemoryDevices is the boot-time device list; hotplug requests add to
	// it at runtime.
	MemoryDevices []balloon.Config `yaml:"memory_devices"`
	Vsock         Vsock            `yaml:"vsock"`
}

// MemoryPolicy is the VM-wide placement policy regions are created under.
type MemoryPolicy struct {
	BootRAMMiB   uint64 `yaml:"boot_ram_mib"`
	Backing      string `yaml:"backing"`
	BackingDir   string `yaml:"backing_dir"`
	HostNUMANode int    `yaml:"host_numa_node"`
}

// Vsock configures the paravirtualized socket device.
type Vsock struct {
	Enabled   bool   `yaml:"enabled"`
	GuestCID  uint64 `yaml:"guest_cid"`
	QueueSize uint16 `yaml:"queue_size"`
	GSI       uint32 `yaml:"gsi"`
}

// Default returns the configuration used when no file overrides it.
func Default() *VM {
	return &VM{
		KVMPath:        "/dev/kvm",
		HotplugEnabled: true,
		EventWorkers:   2,
		Memory: MemoryPolicy{
			BootRAMMiB:   512,
			Backing:      "anonymous",
			HostNUMANode: -1,
		},
		Vsock: Vsock{
			GuestCID:  3,
			QueueSize: 256,
			GSI:       5,
		},
	}
}

// Load reads a YAML config and folds it over the defaults.
func Load(path string, l *logrus.Logger) (*VM, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("config %s: %w", path, err)
	}

	var override VM
	if err := yaml.Unmarshal(b, &override); err != nil {
		return nil, fmt.Errorf("config %s: %w", path, err)
	}

	vm := Default()
	if err := mergo.Merge(vm, override, mergo.WithOverride); err != nil {
		return nil, fmt.Errorf("config %s: %w", path, err)
	}

	l.WithFields(logrus.Fields{
		"path":           path,
		"memory_devices": len(vm.MemoryDevices),
		"vsock":          vm.Vsock.Enabled,
	}).Info("configuration loaded")

	return vm, nil
}

// Policy resolves the YAML policy into the factory's terms.
func (p MemoryPolicy) Policy() (memory.Policy, error) {
	pol := memory.Policy{
		BackingDir:   p.BackingDir,
		HostNUMANode: p.HostNUMANode,
	}

	switch p.Backing {
	case "", "anonymous":
		pol.Backing = memory.Anonymous
	case "shared-file":
		pol.Backing = memory.SharedFile

		if p.BackingDir == "" {
			return pol, fmt.Errorf("shared-file backing needs backing_dir")
		}
	case "huge-page":
		pol.Backing = memory.HugePage
	default:
		return pol, fmt.Errorf("unknown memory backing %q", p.Backing)
	}

	return pol, nil
}
