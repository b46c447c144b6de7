package balloon

import (
	"fmt"

	"dario.cat/mergo"
)

const mib = 1 << 20

// Config describes one hot-pluggable memory device. The id is immutable for
// the device's lifetime; the sizes may change on resize.
type Config struct {
	ID               string `yaml:"id"`
	RequestedSizeMiB uint64 `yaml:"requested_size_mib"`
	CapacityMiB      uint64 `yaml:"capacity_mib"`
	// GuestNUMANode is the node the guest should file this memory under,
	// surfaced to the guest by layers above this core.
	GuestNUMANode int `yaml:"guest_numa_node"`
	// HostNUMANode pins the backing pages on the host when >= 0.
	HostNUMANode int  `yaml:"host_numa_node"`
	MultiRegion   bool `yaml:"multi_region"`
	SharedIRQ     bool `yaml:"shared_irq"`
}

// RequestedBytes returns the requested size in bytes.
func (c Config) RequestedBytes() uint64 {
	return c.RequestedSizeMiB * mib
}

// CapacityBytes returns the capacity in bytes.
func (c Config) CapacityBytes() uint64 {
	return c.CapacityMiB * mib
}

func (c Config) validate() error {
	if c.ID == "" {
		return fmt.Errorf("memory device needs an id")
	}

	if c.CapacityMiB > 0 && c.RequestedSizeMiB > c.CapacityMiB {
		return fmt.Errorf("device %s: requested %d MiB exceeds capacity %d MiB",
			c.ID, c.RequestedSizeMiB, c.CapacityMiB)
	}

	return nil
}

// mergeInto folds an updated config over a persisted one. Zero fields in
// the update leave the persisted values alone (boot-time config merge).
func (c Config) mergeInto(dst *Config) error {
	return mergo.Merge(dst, c, mergo.WithOverride)
}
