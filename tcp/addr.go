package tcp

import (
	"errors"
	"fmt"
	"net/netip"

	"golang.org/x/sys/unix"
)

// Addr is an IP endpoint. The zero value is invalid.
type Addr struct {
	ap netip.AddrPort
}

// NewAddr returns the IPv4 wildcard address for port, or the IPv4 loopback
// address when loopback is set.
func NewAddr(port uint16, loopback bool) Addr {
	ip := netip.IPv4Unspecified()
	if loopback {
		ip = netip.AddrFrom4([4]byte{127, 0, 0, 1})
	}
	return Addr{ap: netip.AddrPortFrom(ip, port)}
}

// ParseAddr parses an "ip:port" string, such as "127.0.0.1:8080" or
// "[::1]:8080".
func ParseAddr(s string) (Addr, error) {
	ap, err := netip.ParseAddrPort(s)
	if err != nil {
		return Addr{}, fmt.Errorf("tcp: parse address: %w", err)
	}
	return AddrFromAddrPort(ap), nil
}

// AddrFromAddrPort converts ap, unmapping IPv4-mapped IPv6 addresses.
func AddrFromAddrPort(ap netip.AddrPort) Addr {
	return Addr{ap: netip.AddrPortFrom(ap.Addr().Unmap(), ap.Port())}
}

// AddrFromSockaddr converts a socket address returned by the kernel.
func AddrFromSockaddr(sa unix.Sockaddr) (Addr, error) {
	switch sa := sa.(type) {
	case *unix.SockaddrInet4:
		return Addr{ap: netip.AddrPortFrom(netip.AddrFrom4(sa.Addr), uint16(sa.Port))}, nil
	case *unix.SockaddrInet6:
		return AddrFromAddrPort(netip.AddrPortFrom(netip.AddrFrom16(sa.Addr), uint16(sa.Port))), nil
	case nil:
		return Addr{}, errors.New("tcp: nil socket address")
	default:
		return Addr{}, fmt.Errorf("tcp: unsupported socket address %T", sa)
	}
}

func (a Addr) IsValid() bool { return a.ap.IsValid() }

func (a Addr) IP() netip.Addr { return a.ap.Addr() }

func (a Addr) Port() uint16 { return a.ap.Port() }

func (a Addr) AddrPort() netip.AddrPort { return a.ap }

// String returns "ip:port".
func (a Addr) String() string {
	if !a.ap.IsValid() {
		return "invalid"
	}
	return a.ap.String()
}

// WithPort returns a copy of a with its port replaced.
func (a Addr) WithPort(port uint16) Addr {
	return Addr{ap: netip.AddrPortFrom(a.ap.Addr(), port)}
}

func (a Addr) family() int {
	if a.ap.Addr().Is4() {
		return unix.AF_INET
	}
	return unix.AF_INET6
}

// Sockaddr returns the equivalent kernel socket address.
func (a Addr) Sockaddr() unix.Sockaddr {
	ip := a.ap.Addr()
	if ip.Is4() {
		return &unix.SockaddrInet4{Port: int(a.ap.Port()), Addr: ip.As4()}
	}
	sa := &unix.SockaddrInet6{Port: int(a.ap.Port()), Addr: ip.As16()}
	if zone := ip.Zone(); zone != "" {
		if id, err := zoneIndex(zone); err == nil {
			sa.ZoneId = uint32(id)
		}
	}
	return sa
}
