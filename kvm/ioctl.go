package kvm

import (
	"errors"

	"golang.org/x/sys/unix"
)

const (
	kvmio = 0xAE

	iocNone  = 0
	iocWrite = 1
	iocRead  = 2

	iocNRShift   = 0
	iocTypeShift = 8
	iocSizeShift = 16
	iocDirShift  = 30
)

func ioc(dir, nr, size uintptr) uintptr {
	return dir<<iocDirShift | size<<iocSizeShift | kvmio<<iocTypeShift | nr<<iocNRShift
}

// IIO is _IO(KVMIO, nr).
func IIO(nr uintptr) uintptr { return ioc(iocNone, nr, 0) }

// IIOW is _IOW(KVMIO, nr, size).
func IIOW(nr, size uintptr) uintptr { return ioc(iocWrite, nr, size) }

// IIOR is _IOR(KVMIO, nr, size).
func IIOR(nr, size uintptr) uintptr { return ioc(iocRead, nr, size) }

// IIOWR is _IOWR(KVMIO, nr, size).
func IIOWR(nr, size uintptr) uintptr { return ioc(iocWrite|iocRead, nr, size) }

// Ioctl issues the ioctl and retries while the kernel reports EINTR.
// A signal delivered to the calling thread (for example the kick used to
// pull a vCPU out of KVM_RUN) must not surface as a failure of an unrelated
// control ioctl.
func Ioctl(fd, op, arg uintptr) (uintptr, error) {
	for {
		res, _, errno := unix.Syscall(unix.SYS_IOCTL, fd, op, arg)
		if errno == 0 {
			return res, nil
		}

		if errors.Is(errno, unix.EINTR) {
			continue
		}

		return res, errno
	}
}
