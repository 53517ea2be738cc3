// Package stunutil extracts the local ICE username fragment from an
// inbound STUN binding request so the worker can route a datagram to the
// task that owns that ufrag. The USERNAME attribute has the form
// `<local-ufrag>:<remote-ufrag>`.
package stunutil

import (
	"strings"

	"github.com/pion/stun/v3"
)

// ExtractUfrag returns the local half of a STUN message's USERNAME
// attribute. ok is false if buf is not a STUN message, has no USERNAME
// attribute, or the USERNAME is malformed.
func ExtractUfrag(buf []byte) (ufrag string, ok bool) {
	if !stun.IsMessage(buf) {
		return "", false
	}

	m := &stun.Message{Raw: append([]byte(nil), buf...)}
	if err := m.Decode(); err != nil {
		return "", false
	}

	var username stun.Username
	if err := username.GetFrom(m); err != nil {
		return "", false
	}

	local, _, found := strings.Cut(string(username), ":")
	if !found || local == "" {
		return "", false
	}
	return local, true
}
