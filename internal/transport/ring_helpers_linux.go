//go:build linux

package transport

import (
	"fmt"
	"net"
	"unsafe"

	"golang.org/x/sys/unix"
)

func unsafePtr(buf []byte) unsafe.Pointer {
	if len(buf) == 0 {
		return nil
	}
	return unsafe.Pointer(&buf[0])
}

func sockaddrInet4(addr *net.UDPAddr) unix.RawSockaddrInet4 {
	var sa unix.RawSockaddrInet4
	sa.Family = unix.AF_INET
	sa.Port = htons(uint16(addr.Port))
	ip4 := addr.IP.To4()
	copy(sa.Addr[:], ip4)
	return sa
}

func sockaddrToUDPAddr(sa unix.RawSockaddrInet4) (*net.UDPAddr, error) {
	if sa.Family != unix.AF_INET {
		return nil, fmt.Errorf("transport: unsupported sockaddr family %d", sa.Family)
	}
	ip := net.IPv4(sa.Addr[0], sa.Addr[1], sa.Addr[2], sa.Addr[3])
	return &net.UDPAddr{IP: ip, Port: int(ntohs(sa.Port))}, nil
}

func htons(v uint16) uint16 {
	return (v << 8) | (v >> 8)
}

func ntohs(v uint16) uint16 {
	return htons(v)
}
