//go:build linux

package eventloop

import (
	"encoding/binary"
	"os"

	"golang.org/x/sys/unix"
)

// createWakeFd creates the eventfd used to interrupt epoll_wait.
func createWakeFd() (int, error) {
	fd, err := unix.Eventfd(0, unix.EFD_CLOEXEC|unix.EFD_NONBLOCK)
	if err != nil {
		return -1, os.NewSyscallError("eventfd", err)
	}
	return fd, nil
}

// writeWakeFd adds one to the eventfd counter, making it readable.
func writeWakeFd(fd int) error {
	var buf [8]byte
	binary.NativeEndian.PutUint64(buf[:], 1)
	n, err := unix.Write(fd, buf[:])
	if err == unix.EAGAIN {
		// counter saturated, already readable
		return nil
	}
	if err != nil {
		return os.NewSyscallError("write", err)
	}
	if n != len(buf) {
		return os.NewSyscallError("write", unix.EIO)
	}
	return nil
}

// drainWakeFd resets the eventfd counter.
func drainWakeFd(fd int) error {
	var buf [8]byte
	if _, err := unix.Read(fd, buf[:]); err != nil && err != unix.EAGAIN {
		return os.NewSyscallError("read", err)
	}
	return nil
}
