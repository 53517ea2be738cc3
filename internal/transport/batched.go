//go:build !windows

package transport

import (
	"fmt"
	"net"
	"time"

	"golang.org/x/net/ipv4"
)

// sendQueueSize is how many outbound datagrams batchedSocket accumulates
// before CommitSendTo must be called (implicitly or explicitly) to flush
// them with a single sendmmsg(2).
const sendQueueSize = 128

// batchedSocket is backend B2: outbound datagrams are queued up to
// sendQueueSize and flushed with one golang.org/x/net/ipv4.PacketConn
// WriteBatch call (sendmmsg under the hood on Linux). The receive path
// stays one datagram per RecvFrom call, matching the plain backend.
type batchedSocket struct {
	udpConn   *net.UDPConn
	pconn     *ipv4.PacketConn
	localAddr net.Addr

	queue    []ipv4.Message
	queueBuf [sendQueueSize][maxDatagram]byte

	recvBuf [maxDatagram]byte
}

func newBatchedSocket(addr string) (Socket, error) {
	laddr, err := net.ResolveUDPAddr("udp", addr)
	if err != nil {
		return nil, fmt.Errorf("transport: resolve %q: %w", addr, err)
	}
	conn, err := net.ListenUDP("udp", laddr)
	if err != nil {
		return nil, fmt.Errorf("transport: listen %q: %w", addr, err)
	}
	return &batchedSocket{
		udpConn:   conn,
		pconn:     ipv4.NewPacketConn(conn),
		localAddr: conn.LocalAddr(),
	}, nil
}

func (s *batchedSocket) LocalAddr() net.Addr { return s.localAddr }

func (s *batchedSocket) AddSendTo(buf []byte, dest net.Addr) (int, error) {
	if len(s.queue) == sendQueueSize {
		if err := s.CommitSendTo(); err != nil {
			return 0, err
		}
	}
	if len(buf) > maxDatagram {
		return 0, fmt.Errorf("transport: datagram of %d bytes exceeds max %d", len(buf), maxDatagram)
	}

	slot := len(s.queue)
	n := copy(s.queueBuf[slot][:], buf)
	s.queue = append(s.queue, ipv4.Message{
		Buffers: [][]byte{s.queueBuf[slot][:n]},
		Addr:    dest,
	})
	return n, nil
}

func (s *batchedSocket) CommitSendTo() error {
	if len(s.queue) == 0 {
		return nil
	}
	sent := 0
	for sent < len(s.queue) {
		n, err := s.pconn.WriteBatch(s.queue[sent:], 0)
		if err != nil {
			s.queue = s.queue[:0]
			return err
		}
		if n == 0 {
			break
		}
		sent += n
	}
	s.queue = s.queue[:0]
	return nil
}

func (s *batchedSocket) RecvFrom() ([]byte, net.Addr, error) {
	if err := s.udpConn.SetReadDeadline(time.Now()); err != nil {
		return nil, nil, err
	}
	n, remote, err := s.udpConn.ReadFrom(s.recvBuf[:])
	if err != nil {
		if isTimeoutOrWouldBlock(err) {
			return nil, nil, ErrWouldBlock
		}
		return nil, nil, err
	}
	return s.recvBuf[:n], remote, nil
}

func (s *batchedSocket) FinishReadFrom() error {
	return nil
}

func (s *batchedSocket) Prepare() error {
	return nil
}

func (s *batchedSocket) Close() error {
	return s.udpConn.Close()
}
