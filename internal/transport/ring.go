//go:build linux

package transport

import (
	"fmt"
	"net"
	"os"
	"sync"
	"syscall"
	"unsafe"

	"github.com/pawelgaczynski/giouring"
	"golang.org/x/sys/unix"
)

// ringQueueSize is both the number of pre-allocated send buffers and the
// number of pre-posted receive buffers. Grounded on the
// ehrlich-b-go-ublk queue runner's fixed-depth ring sizing.
const ringQueueSize = 1024

// userDataTag occupies the high bits of an io_uring user_data word; the
// low bits carry the slot index, mirroring the udOpFetch/udOpCommit
// encoding in the ublk queue runner this backend is grounded on.
type userDataTag uint64

const (
	tagSend userDataTag = 1 << 62
	tagRecv userDataTag = 2 << 62
	tagMask uint64      = 0x3 << 62
)

func encodeUserData(tag userDataTag, idx int) uint64 {
	return uint64(tag) | uint64(idx)
}

func decodeUserData(data uint64) (userDataTag, int) {
	return userDataTag(data & tagMask), int(data &^ tagMask)
}

type ringSlot struct {
	buf    [maxDatagram]byte
	addr   unix.RawSockaddrInet4
	iov    unix.Iovec
	msghdr unix.Msghdr
	n      int // bytes delivered by the slot's last completed receive
}

// ringSocket is backend B3: a completion-queue backend over io_uring. A
// send ring of pre-allocated buffers with a free-list backs AddSendTo;
// a receive ring of pre-posted buffers backs RecvFrom, with completed
// receives landing on a wait queue until FinishReadFrom re-arms them.
type ringSocket struct {
	mu sync.Mutex

	ring   *giouring.Ring
	fd     int
	conn   *net.UDPConn // holds the bound fd alive and exposes LocalAddr
	local  net.Addr

	sendSlots    []ringSlot
	sendFree     []int
	sendDirty    bool

	recvSlots    []ringSlot
	recvWait     []int
	recvInFlight []bool
	recvDirty    bool

	lastRecvIdx int // slot currently on loan to the caller, re-armed on FinishReadFrom
	haveLoan    bool
}

func newRingSocket(addr string) (Socket, error) {
	laddr, err := net.ResolveUDPAddr("udp", addr)
	if err != nil {
		return nil, fmt.Errorf("transport: resolve %q: %w", addr, err)
	}
	conn, err := net.ListenUDP("udp", laddr)
	if err != nil {
		return nil, fmt.Errorf("transport: listen %q: %w", addr, err)
	}

	sysConn, err := conn.SyscallConn()
	if err != nil {
		return nil, fmt.Errorf("transport: syscall conn: %w", err)
	}
	var fd int
	if ctrlErr := sysConn.Control(func(rawFd uintptr) { fd = int(rawFd) }); ctrlErr != nil {
		return nil, fmt.Errorf("transport: control: %w", ctrlErr)
	}

	ring, err := giouring.CreateRing(ringQueueSize * 2)
	if err != nil {
		if os.IsPermission(err) || err == syscall.ENOSYS {
			return nil, fmt.Errorf("%w: %v", ErrUnsupported, err)
		}
		return nil, fmt.Errorf("transport: create io_uring: %w", err)
	}

	s := &ringSocket{
		ring:         ring,
		fd:           fd,
		conn:         conn,
		local:        conn.LocalAddr(),
		sendSlots:    make([]ringSlot, ringQueueSize),
		sendFree:     make([]int, ringQueueSize),
		recvSlots:    make([]ringSlot, ringQueueSize),
		recvInFlight: make([]bool, ringQueueSize),
	}
	for i := range s.sendFree {
		s.sendFree[i] = i
	}
	return s, nil
}

func (s *ringSocket) LocalAddr() net.Addr { return s.local }

// Prepare posts the initial batch of receive requests so completions start
// arriving before the first RecvFrom call.
func (s *ringSocket) Prepare() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for i := range s.recvSlots {
		if err := s.postRecv(i); err != nil {
			return err
		}
		s.recvInFlight[i] = true
	}
	return s.submit()
}

// postRecv arms slot idx with a RECVMSG rather than a plain RECV: on a
// connectionless socket a bare recv() has nowhere to report the sender's
// address, so RecvFrom would have no peer to hand back. The msghdr's Name
// field points at slot.addr, which the kernel fills in on completion.
func (s *ringSocket) postRecv(idx int) error {
	sqe := s.ring.GetSQE()
	if sqe == nil {
		return fmt.Errorf("transport: submission queue full while posting recv")
	}
	slot := &s.recvSlots[idx]
	slot.addr = unix.RawSockaddrInet4{}
	slot.iov = unix.Iovec{Base: &slot.buf[0]}
	slot.iov.SetLen(len(slot.buf))
	slot.msghdr = unix.Msghdr{
		Name:    (*byte)(unsafe.Pointer(&slot.addr)),
		Namelen: uint32(unsafe.Sizeof(slot.addr)),
		Iov:     &slot.iov,
	}
	slot.msghdr.SetIovlen(1)
	sqe.PrepareRecvmsg(s.fd, &slot.msghdr, 0)
	sqe.UserData = encodeUserData(tagRecv, idx)
	return nil
}

func (s *ringSocket) AddSendTo(buf []byte, dest net.Addr) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if len(s.sendFree) == 0 {
		s.drainCompletions()
	}
	if len(s.sendFree) == 0 {
		return 0, ErrWouldBlock
	}
	if len(buf) > maxDatagram {
		return 0, fmt.Errorf("transport: datagram of %d bytes exceeds max %d", len(buf), maxDatagram)
	}

	idx := s.sendFree[len(s.sendFree)-1]
	s.sendFree = s.sendFree[:len(s.sendFree)-1]

	slot := &s.sendSlots[idx]
	n := copy(slot.buf[:], buf)

	udpAddr, err := net.ResolveUDPAddr("udp4", dest.String())
	if err != nil {
		s.sendFree = append(s.sendFree, idx)
		return 0, fmt.Errorf("transport: resolve dest %q: %w", dest, err)
	}

	sqe := s.ring.GetSQE()
	if sqe == nil {
		s.sendFree = append(s.sendFree, idx)
		return 0, ErrWouldBlock
	}
	sqe.PrepareSendto(s.fd, uintptr(unsafePtr(slot.buf[:n])), uint32(n), 0, sockaddrInet4(udpAddr))
	sqe.UserData = encodeUserData(tagSend, idx)
	s.sendDirty = true

	return n, nil
}

func (s *ringSocket) CommitSendTo() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.sendDirty {
		return nil
	}
	s.sendDirty = false
	return s.submit()
}

func (s *ringSocket) submit() error {
	_, err := s.ring.Submit()
	return err
}

// drainCompletions moves finished sends back onto the free-list and
// finished receives onto the wait queue. It never blocks.
func (s *ringSocket) drainCompletions() {
	var cqes [ringQueueSize]*giouring.CompletionQueueEvent
	n := s.ring.PeekBatchCQE(cqes[:])
	for i := 0; i < n; i++ {
		tag, idx := decodeUserData(cqes[i].UserData)
		switch tag {
		case tagSend:
			s.sendFree = append(s.sendFree, idx)
		case tagRecv:
			s.recvInFlight[idx] = false
			if cqes[i].Res > 0 {
				s.recvSlots[idx].n = int(cqes[i].Res)
				s.recvWait = append(s.recvWait, idx)
			}
		}
	}
	if n > 0 {
		s.ring.CQAdvance(uint32(n))
	}
}

func (s *ringSocket) RecvFrom() ([]byte, net.Addr, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.drainCompletions()

	if len(s.recvWait) == 0 {
		return nil, nil, ErrWouldBlock
	}

	idx := s.recvWait[0]
	s.recvWait = s.recvWait[1:]
	s.lastRecvIdx = idx
	s.haveLoan = true

	slot := &s.recvSlots[idx]
	remote, err := sockaddrToUDPAddr(slot.addr)
	if err != nil {
		return nil, nil, err
	}
	return slot.buf[:slot.n], remote, nil
}

// FinishReadFrom re-arms exactly the slot consumed by the last successful
// RecvFrom.
func (s *ringSocket) FinishReadFrom() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.haveLoan {
		return nil
	}
	s.haveLoan = false
	idx := s.lastRecvIdx
	if s.recvInFlight[idx] {
		return nil
	}
	if err := s.postRecv(idx); err != nil {
		return err
	}
	s.recvInFlight[idx] = true
	s.recvDirty = true
	if s.recvDirty {
		s.recvDirty = false
		return s.submit()
	}
	return nil
}

func (s *ringSocket) Close() error {
	s.ring.QueueExit()
	return s.conn.Close()
}
