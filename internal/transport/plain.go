package transport

import (
	"fmt"
	"net"
	"time"
)

const maxDatagram = 1500

// plainSocket is backend B1: one system call per datagram in each
// direction. Used on platforms without the batched or ring backends, and as
// the universal fallback.
type plainSocket struct {
	conn      *net.UDPConn
	localAddr net.Addr
	recvBuf   [maxDatagram]byte
}

func newPlainSocket(addr string) (Socket, error) {
	laddr, err := net.ResolveUDPAddr("udp", addr)
	if err != nil {
		return nil, fmt.Errorf("transport: resolve %q: %w", addr, err)
	}
	conn, err := net.ListenUDP("udp", laddr)
	if err != nil {
		return nil, fmt.Errorf("transport: listen %q: %w", addr, err)
	}
	return &plainSocket{conn: conn, localAddr: conn.LocalAddr()}, nil
}

func (s *plainSocket) LocalAddr() net.Addr { return s.localAddr }

func (s *plainSocket) AddSendTo(buf []byte, dest net.Addr) (int, error) {
	udpAddr, ok := dest.(*net.UDPAddr)
	if !ok {
		var err error
		udpAddr, err = net.ResolveUDPAddr("udp", dest.String())
		if err != nil {
			return 0, fmt.Errorf("transport: resolve dest %q: %w", dest, err)
		}
	}
	n, err := s.conn.WriteTo(buf, udpAddr)
	if err != nil {
		return 0, err
	}
	return n, nil
}

func (s *plainSocket) CommitSendTo() error {
	return nil
}

func (s *plainSocket) RecvFrom() ([]byte, net.Addr, error) {
	// net.UDPConn has no true non-blocking read mode; an already-passed
	// deadline makes ReadFrom return immediately instead of waiting,
	// which is the non-blocking behavior the Socket contract requires.
	if err := s.conn.SetReadDeadline(time.Now()); err != nil {
		return nil, nil, err
	}
	n, remote, err := s.conn.ReadFrom(s.recvBuf[:])
	if err != nil {
		if isTimeoutOrWouldBlock(err) {
			return nil, nil, ErrWouldBlock
		}
		return nil, nil, err
	}
	return s.recvBuf[:n], remote, nil
}

func (s *plainSocket) FinishReadFrom() error {
	return nil
}

func (s *plainSocket) Prepare() error {
	return nil
}

func (s *plainSocket) Close() error {
	return s.conn.Close()
}

func isTimeoutOrWouldBlock(err error) bool {
	type timeouter interface{ Timeout() bool }
	if te, ok := err.(timeouter); ok && te.Timeout() {
		return true
	}
	return false
}
