//go:build linux

package transport

import (
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestRingSocketContract(t *testing.T) {
	if _, err := New(Ring, "127.0.0.1:0"); errors.Is(err, ErrUnsupported) {
		t.Skip("io_uring unsupported on this kernel")
	}
	assertSocketContract(t, Ring)
}

// TestRingSocketRecvFromReportsPeerAddress pins down the bug this backend
// shipped with once: postRecv used to arm a plain RECV, which can never
// report a sender address on a connectionless socket, so every completion
// carried a zero-value sockaddr and RecvFrom failed to decode it. This
// requires a RECVMSG-style submission that captures the peer into the
// slot's sockaddr.
func TestRingSocketRecvFromReportsPeerAddress(t *testing.T) {
	a, err := New(Ring, "127.0.0.1:0")
	if errors.Is(err, ErrUnsupported) {
		t.Skip("io_uring unsupported on this kernel")
	}
	require.NoError(t, err)
	defer a.Close()
	b, err := New(Ring, "127.0.0.1:0")
	require.NoError(t, err)
	defer b.Close()
	require.NoError(t, a.Prepare())
	require.NoError(t, b.Prepare())

	_, err = a.AddSendTo([]byte("ping"), b.LocalAddr())
	require.NoError(t, err)
	require.NoError(t, a.CommitSendTo())

	var remote interface{ String() string }
	require.Eventually(t, func() bool {
		_, from, recvErr := b.RecvFrom()
		if recvErr == ErrWouldBlock {
			return false
		}
		require.NoError(t, recvErr)
		remote = from
		return true
	}, time.Second, time.Millisecond)

	require.NotNil(t, remote)
	require.Equal(t, a.LocalAddr().String(), remote.String())
}

// TestRingSocketFinishReadFromRearmsSlot exercises more than ringQueueSize
// round trips on a single pair of sockets, which only succeeds if
// FinishReadFrom actually re-arms the consumed slot rather than leaking
// receive capacity.
func TestRingSocketFinishReadFromRearmsSlot(t *testing.T) {
	a, err := New(Ring, "127.0.0.1:0")
	if errors.Is(err, ErrUnsupported) {
		t.Skip("io_uring unsupported on this kernel")
	}
	require.NoError(t, err)
	defer a.Close()
	b, err := New(Ring, "127.0.0.1:0")
	require.NoError(t, err)
	defer b.Close()
	require.NoError(t, a.Prepare())
	require.NoError(t, b.Prepare())

	rounds := ringQueueSize + 8
	for i := 0; i < rounds; i++ {
		_, err := a.AddSendTo([]byte("x"), b.LocalAddr())
		require.NoError(t, err)
		require.NoError(t, a.CommitSendTo())

		require.Eventually(t, func() bool {
			_, _, recvErr := b.RecvFrom()
			if recvErr == ErrWouldBlock {
				return false
			}
			require.NoError(t, recvErr)
			return true
		}, time.Second, time.Millisecond)
		require.NoError(t, b.FinishReadFrom())
	}
}
