package kvm

import (
	"golang.org/x/sys/unix"
)

// kvmIO is the KVMIO ioctl type byte shared by every KVM request.
const kvmIO = 0xAE

const (
	iocNone  = 0
	iocWrite = 1
	iocRead  = 2

	iocNRShift   = 0
	iocTypeShift = 8
	iocSizeShift = 16
	iocDirShift  = 30
)

func ioc(dir, nr, size uintptr) uintptr {
	return dir<<iocDirShift | size<<iocSizeShift | kvmIO<<iocTypeShift | nr<<iocNRShift
}

// IIO encodes a KVM ioctl request with no payload.
func IIO(nr uintptr) uintptr {
	return ioc(iocNone, nr, 0)
}

// IIOW encodes a KVM ioctl request whose payload is written to the kernel.
func IIOW(nr, size uintptr) uintptr {
	return ioc(iocWrite, nr, size)
}

// IIOR encodes a KVM ioctl request whose payload is read from the kernel.
func IIOR(nr, size uintptr) uintptr {
	return ioc(iocRead, nr, size)
}

// IIOWR encodes a KVM ioctl request with an in/out payload.
func IIOWR(nr, size uintptr) uintptr {
	return ioc(iocRead|iocWrite, nr, size)
}

// Ioctl issues an ioctl to fd, retrying while the syscall is interrupted.
func Ioctl(fd, op, arg uintptr) (uintptr, error) {
	for {
		res, _, errno := unix.Syscall(unix.SYS_IOCTL, fd, op, arg)
		if errno == unix.EINTR {
			continue
		}

		if errno != 0 {
			return res, errno
		}

		return res, nil
	}
}
