package memory

import (
	"fmt"
	"strings"

	"golang.org/x/arch/x86/x86asm"
)

// DumpInsts decodes up to n instructions of guest memory starting at gpa.
// Diagnostic only: when a guest wedges a queue it is usually faster to look
// at what it is executing than to re-derive state from ring indexes.
func (s *Snapshot) DumpInsts(gpa uint64, n int) (string, error) {
	r, ok := s.find(gpa)
	if !ok {
		return "", fmt.Errorf("%#x: %w", gpa, ErrNotMapped)
	}

	code := r.buf[gpa-r.GuestAddr:]

	var sb strings.Builder

	for i := 0; i < n && len(code) > 0; i++ {
		inst, err := x86asm.Decode(code, 64)
		if err != nil {
			fmt.Fprintf(&sb, "%#x: undecodable: %v\n", gpa, err)

			break
		}

		fmt.Fprintf(&sb, "%#x: %s\n", gpa, x86asm.GNUSyntax(inst, gpa, nil))

		code = code[inst.Len:]
		gpa += uint64(inst.Len)
	}

	return sb.String(), nil
}
