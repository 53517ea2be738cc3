// Package transport provides the non-blocking batched UDP send/recv
// contract used by every worker, plus three interchangeable backends:
// a plain per-datagram implementation (always available), a batched
// implementation that flushes sends through golang.org/x/net's
// sendmmsg-backed WriteBatch and still receives one datagram per call,
// and a Linux io_uring completion-queue implementation.
package transport

import (
	"errors"
	"net"
)

// ErrWouldBlock is returned by AddSendTo when a backend's outbound capacity
// is exhausted, and by RecvFrom when no datagram is ready.
var ErrWouldBlock = errors.New("transport: would block")

// ErrUnsupported is returned by a backend constructor when the current
// platform or kernel cannot support it, so callers can fail over to a more
// portable backend.
var ErrUnsupported = errors.New("transport: backend unsupported on this platform")

// Socket is the uniform contract every backend implements. The payload
// returned by RecvFrom is only valid until the next call to RecvFrom on the
// same Socket; callers that need to retain it must copy it before that.
type Socket interface {
	// LocalAddr is the bound endpoint.
	LocalAddr() net.Addr

	// AddSendTo enqueues one datagram. Implementations may hold it in a
	// ring; they MUST return ErrWouldBlock once their outbound capacity is
	// exhausted rather than blocking.
	AddSendTo(buf []byte, dest net.Addr) (int, error)

	// CommitSendTo flushes anything enqueued by AddSendTo since the last
	// commit.
	CommitSendTo() error

	// RecvFrom delivers at most one completed datagram. It returns
	// ErrWouldBlock when none is ready.
	RecvFrom() ([]byte, net.Addr, error)

	// FinishReadFrom releases the payload returned by the last RecvFrom
	// and replenishes receive capacity for the next call.
	FinishReadFrom() error

	// Prepare performs one-time post-construction setup (posting initial
	// receives, allocating buffer groups). It is a no-op on simple
	// backends.
	Prepare() error

	// Close releases the underlying OS resources.
	Close() error
}

// Backend selects which Socket implementation New constructs.
type Backend int

const (
	// Plain is the portable, one-syscall-per-datagram backend (B1).
	Plain Backend = iota
	// Batched accumulates outbound datagrams and flushes them with a
	// single sendmmsg-style call (B2).
	Batched
	// Ring is the io_uring completion-queue backend (B3, Linux only).
	Ring
)

// New constructs a Socket of the requested backend bound to addr. If the
// backend is unsupported on this platform, it returns ErrUnsupported so the
// caller can fail over — New itself never silently substitutes a backend.
func New(backend Backend, addr string) (Socket, error) {
	switch backend {
	case Plain:
		return newPlainSocket(addr)
	case Batched:
		return newBatchedSocket(addr)
	case Ring:
		return newRingSocket(addr)
	default:
		return nil, errors.New("transport: unknown backend")
	}
}

// NewPreferred tries backend first and falls back to Plain if it's
// unsupported on this platform.
func NewPreferred(backend Backend, addr string) (Socket, error) {
	sock, err := New(backend, addr)
	if errors.Is(err, ErrUnsupported) {
		return New(Plain, addr)
	}
	return sock, err
}
