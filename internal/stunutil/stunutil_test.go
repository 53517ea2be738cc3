package stunutil

import (
	"testing"

	"github.com/pion/stun/v3"
	"github.com/stretchr/testify/require"
)

func buildBindingRequest(t *testing.T, username string) []byte {
	t.Helper()
	m, err := stun.Build(
		stun.TransactionID,
		stun.BindingRequest,
		stun.Username(username),
		stun.Fingerprint,
	)
	require.NoError(t, err)
	return m.Raw
}

func TestExtractUfragFromBindingRequest(t *testing.T) {
	buf := buildBindingRequest(t, "localufrag:remoteufrag")
	ufrag, ok := ExtractUfrag(buf)
	require.True(t, ok)
	require.Equal(t, "localufrag", ufrag)
}

func TestExtractUfragRejectsNonStunInput(t *testing.T) {
	_, ok := ExtractUfrag([]byte{0x80, 0x00, 0x00, 0x01})
	require.False(t, ok)
}

func TestExtractUfragRejectsMissingColon(t *testing.T) {
	buf := buildBindingRequest(t, "nodelimiter")
	_, ok := ExtractUfrag(buf)
	require.False(t, ok)
}
