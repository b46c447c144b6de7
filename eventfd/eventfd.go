// Package eventfd wraps Linux's eventfd(2) syscall.
package eventfd

import (
	"encoding/binary"
	"fmt"

	"golang.org/x/sys/unix"
)

const sizeofUint64 = 8

// Eventfd is a nonblocking Linux eventfd object.
type Eventfd struct {
	fd int
}

// Create returns an initialized eventfd.
func Create() (Eventfd, error) {
	fd, _, errno := unix.RawSyscall(unix.SYS_EVENTFD2, 0, 0, 0)
	if errno != 0 {
		return Eventfd{}, fmt.Errorf("eventfd2: %w", errno)
	}

	if err := unix.SetNonblock(int(fd), true); err != nil {
		unix.Close(int(fd))

		return Eventfd{}, err
	}

	return Eventfd{fd: int(fd)}, nil
}

// Wrap returns an Eventfd using the provided fd.
func Wrap(fd int) Eventfd {
	return Eventfd{fd: fd}
}

// FD returns the underlying file descriptor.
func (ev Eventfd) FD() int {
	return ev.fd
}

// Close closes the eventfd, after which it should not be used.
func (ev Eventfd) Close() error {
	return unix.Close(ev.fd)
}

// Notify alerts other users of the eventfd.
func (ev Eventfd) Notify() error {
	return ev.Write(1)
}

// Write writes a specific value to the eventfd.
func (ev Eventfd) Write(val uint64) error {
	var buf [sizeofUint64]byte

	binary.NativeEndian.PutUint64(buf[:], val)

	for {
		n, err := unix.Write(ev.fd, buf[:])
		if err == unix.EINTR {
			continue
		}

		if err != nil {
			return err
		}

		if n != sizeofUint64 {
			return fmt.Errorf("eventfd write: short write of %d bytes", n)
		}

		return nil
	}
}

// Read consumes the eventfd counter. A zero value with a nil error means the
// fd had nothing pending, which is harmless for a level-armed consumer.
func (ev Eventfd) Read() (uint64, error) {
	var buf [sizeofUint64]byte

	for {
		n, err := unix.Read(ev.fd, buf[:])
		if err == unix.EINTR {
			continue
		}

		if err == unix.EAGAIN {
			return 0, nil
		}

		if err != nil {
			return 0, err
		}

		if n != sizeofUint64 {
			return 0, fmt.Errorf("eventfd read: short read of %d bytes", n)
		}

		return binary.NativeEndian.Uint64(buf[:]), nil
	}
}
