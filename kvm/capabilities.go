package kvm

// Capability is a KVM_CAP_* extension identifier.
//
//go:generate stringer -type=Capability
type Capability uint

const (
	CapIRQChip    Capability = 0
	CapUserMemory Capability = 3
	CapNRMemSlots Capability = 10
	CapIRQFD      Capability = 32
	CapIOEventFD  Capability = 36
)

// CheckExtension queries the availability (and, for counted capabilities
// such as CapNRMemSlots, the value) of a KVM extension.
func CheckExtension(kvmFd uintptr, c Capability) (uintptr, error) {
	return Ioctl(kvmFd, IIO(kvmCheckExtension), uintptr(c))
}
