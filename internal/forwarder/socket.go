package forwarder

import (
	"encoding/binary"
	"fmt"
	"net"

	"golang.org/x/sys/unix"
)

// openListener opens, binds, and marks non-blocking the UDP socket
// clients send their queries to.
func openListener(addr string, port int) (fd int, err error) {
	ip := net.ParseIP(addr)
	if ip == nil {
		return -1, fmt.Errorf("invalid listen address %q", addr)
	}
	ip4 := ip.To4()
	if ip4 == nil {
		return -1, fmt.Errorf("listen address %q is not IPv4", addr)
	}

	fd, err = unix.Socket(unix.AF_INET, unix.SOCK_DGRAM, unix.IPPROTO_UDP)
	if err != nil {
		return -1, fmt.Errorf("opening listener socket: %w", err)
	}

	sa := &unix.SockaddrInet4{Port: port}
	copy(sa.Addr[:], ip4)

	if bErr := unix.Bind(fd, sa); bErr != nil {
		_ = unix.Close(fd)

		return -1, fmt.Errorf("binding listener socket to %s:%d: %w", addr, port, bErr)
	}

	if nErr := unix.SetNonblock(fd, true); nErr != nil {
		_ = unix.Close(fd)

		return -1, fmt.Errorf("setting listener socket non-blocking: %w", nErr)
	}

	return fd, nil
}

// openEphemeral opens the non-blocking UDP socket the forwarder uses to
// talk to upstreams, bound to an OS-assigned ephemeral port.
func openEphemeral() (fd int, err error) {
	fd, err = unix.Socket(unix.AF_INET, unix.SOCK_DGRAM, unix.IPPROTO_UDP)
	if err != nil {
		return -1, fmt.Errorf("opening upstream socket: %w", err)
	}

	if bErr := unix.Bind(fd, &unix.SockaddrInet4{}); bErr != nil {
		_ = unix.Close(fd)

		return -1, fmt.Errorf("binding upstream socket: %w", bErr)
	}

	if nErr := unix.SetNonblock(fd, true); nErr != nil {
		_ = unix.Close(fd)

		return -1, fmt.Errorf("setting upstream socket non-blocking: %w", nErr)
	}

	return fd, nil
}

// udpAddrToSockaddr converts a resolved IPv4 UDP address into the raw
// sockaddr sendto/recvfrom deal in.
func udpAddrToSockaddr(a *net.UDPAddr) (*unix.SockaddrInet4, bool) {
	ip4 := a.IP.To4()
	if ip4 == nil {
		return nil, false
	}

	sa := &unix.SockaddrInet4{Port: a.Port}
	copy(sa.Addr[:], ip4)

	return sa, true
}

// sockaddrToUDPAddr converts a raw sockaddr returned by recvfrom into a
// *net.UDPAddr for storage in the pending table.
//
// The original chinadns.c defensively overwrites the stored sockaddr's
// address-family byte before replying, guarding against an
// uninitialized sockaddr_storage. That hazard has no Go equivalent:
// unix.Sockaddr is a typed interface, so a *unix.SockaddrInet4 can never
// carry a stray family value, and the type switch below already rejects
// anything that isn't one.
func sockaddrToUDPAddr(sa unix.Sockaddr) (*net.UDPAddr, bool) {
	sa4, ok := sa.(*unix.SockaddrInet4)
	if !ok {
		return nil, false
	}

	ip := make(net.IP, 4)
	copy(ip, sa4.Addr[:])

	return &net.UDPAddr{IP: ip, Port: sa4.Port}, true
}

// sockaddrInet4Uint32 returns sa's address in host byte order, matching
// [prefixindex.AddrToUint32] for a resolved net.IP.
func sockaddrInet4Uint32(sa4 *unix.SockaddrInet4) uint32 {
	return binary.BigEndian.Uint32(sa4.Addr[:])
}
