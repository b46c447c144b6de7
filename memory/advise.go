package memory

import (
	"fmt"
	"unsafe"

	"golang.org/x/sys/unix"
)

const (
	mpolBind = 2
	// maxNodes bounds the mbind nodemask. One word of nodes is plenty for
	// any host this runs on.
	maxNodes = 64
)

// adviseHugePages asks the kernel to prefer transparent huge pages for the
// mapping. Best effort.
func adviseHugePages(buf []byte) error {
	if err := unix.Madvise(buf, unix.MADV_HUGEPAGE); err != nil {
		return fmt.Errorf("madvise(MADV_HUGEPAGE): %w", err)
	}

	return nil
}

// bindNUMANode asks the kernel to place the mapping's pages on one host
// node. Best effort: a failure costs locality, not correctness.
func bindNUMANode(buf []byte, node int) error {
	if node < 0 || node >= maxNodes {
		return fmt.Errorf("node %d out of range [0, %d)", node, maxNodes)
	}

	nodemask := uint64(1) << uint(node)

	_, _, errno := unix.Syscall6(unix.SYS_MBIND,
		uintptr(unsafe.Pointer(&buf[0])),
		uintptr(len(buf)),
		mpolBind,
		uintptr(unsafe.Pointer(&nodemask)),
		maxNodes+1,
		0)
	if errno != 0 {
		return fmt.Errorf("mbind(node %d): %w", node, errno)
	}

	return nil
}

// advisePlacement runs the advisory placement steps for a fresh mapping and
// returns the warnings they produced. Never escalated to a hard error.
func advisePlacement(buf []byte, backing BackingKind, node int) []error {
	var warnings []error

	if backing == HugePage {
		if err := adviseHugePages(buf); err != nil {
			warnings = append(warnings, err)
		}
	}

	if node >= 0 {
		if err := bindNUMANode(buf, node); err != nil {
			warnings = append(warnings, err)
		}
	}

	return warnings
}
