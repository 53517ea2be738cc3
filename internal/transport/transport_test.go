package transport

import (
	"net"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

// assertSocketContract exercises the Socket interface's backend-generic
// contract: two sockets of the same backend, one send, one receive, the
// payload and a non-nil peer address arriving on the other end. Every
// backend's test calls this with its own Backend value, which it builds
// through New, so the shared behavior isn't duplicated per backend.
func assertSocketContract(t *testing.T, backend Backend) {
	t.Helper()

	a, err := New(backend, "127.0.0.1:0")
	require.NoError(t, err)
	defer a.Close()
	b, err := New(backend, "127.0.0.1:0")
	require.NoError(t, err)
	defer b.Close()

	require.NoError(t, a.Prepare())
	require.NoError(t, b.Prepare())

	payload := []byte("hello sfu")
	n, err := a.AddSendTo(payload, b.LocalAddr())
	require.NoError(t, err)
	require.Equal(t, len(payload), n)
	require.NoError(t, a.CommitSendTo())

	var got []byte
	var from net.Addr
	require.Eventually(t, func() bool {
		buf, remote, recvErr := b.RecvFrom()
		if recvErr == ErrWouldBlock {
			return false
		}
		require.NoError(t, recvErr)
		got = append([]byte(nil), buf...)
		from = remote
		return true
	}, time.Second, time.Millisecond)

	require.Equal(t, payload, got)
	require.NotNil(t, from)
	require.Equal(t, a.LocalAddr().(*net.UDPAddr).Port, from.(*net.UDPAddr).Port)
	require.NoError(t, b.FinishReadFrom())
}

func TestSocketContract(t *testing.T) {
	assertSocketContract(t, Plain)
}

func TestRecvFromWouldBlockWhenEmpty(t *testing.T) {
	sock, err := New(Plain, "127.0.0.1:0")
	require.NoError(t, err)
	defer sock.Close()

	_, _, err = sock.RecvFrom()
	require.ErrorIs(t, err, ErrWouldBlock)
}
