package tcp

import (
	"fmt"
	"net"
	"strconv"

	"golang.org/x/sys/unix"
)

func newStreamSocket(family int) (int, error) {
	fd, err := unix.Socket(family, unix.SOCK_STREAM|unix.SOCK_NONBLOCK|unix.SOCK_CLOEXEC, unix.IPPROTO_TCP)
	if err != nil {
		return -1, fmt.Errorf("tcp: socket: %w", err)
	}
	return fd, nil
}

func setBoolSockopt(fd, level, opt int, on bool) error {
	v := 0
	if on {
		v = 1
	}
	return unix.SetsockoptInt(fd, level, opt, v)
}

// socketError returns the pending SO_ERROR, or the getsockopt failure.
func socketError(fd int) error {
	v, err := unix.GetsockoptInt(fd, unix.SOL_SOCKET, unix.SO_ERROR)
	if err != nil {
		return err
	}
	if v != 0 {
		return unix.Errno(v)
	}
	return nil
}

func localAddr(fd int) (Addr, error) {
	sa, err := unix.Getsockname(fd)
	if err != nil {
		return Addr{}, fmt.Errorf("tcp: getsockname: %w", err)
	}
	return AddrFromSockaddr(sa)
}

func peerAddr(fd int) (Addr, error) {
	sa, err := unix.Getpeername(fd)
	if err != nil {
		return Addr{}, fmt.Errorf("tcp: getpeername: %w", err)
	}
	return AddrFromSockaddr(sa)
}

// isSelfConnect detects the simultaneous-open case where a loopback connect
// to an ephemeral port lands on itself.
func isSelfConnect(fd int) bool {
	local, err := localAddr(fd)
	if err != nil {
		return false
	}
	peer, err := peerAddr(fd)
	if err != nil {
		return false
	}
	return local == peer
}

// writeSocket never raises SIGPIPE, a closed peer surfaces as EPIPE.
func writeSocket(fd int, p []byte) (int, error) {
	if len(p) == 0 {
		return 0, nil
	}
	for {
		n, err := unix.SendmsgN(fd, p, nil, nil, unix.MSG_NOSIGNAL)
		if err == unix.EINTR {
			continue
		}
		return n, err
	}
}

func zoneIndex(zone string) (int, error) {
	if n, err := strconv.Atoi(zone); err == nil {
		return n, nil
	}
	ifi, err := net.InterfaceByName(zone)
	if err != nil {
		return 0, err
	}
	return ifi.Index, nil
}
