package engine

import (
	"fmt"

	"github.com/pion/dtls/v3"
	"github.com/pion/webrtc/v4"
)

// Certificate is the DTLS certificate shared by clone into every session on
// a worker. pion represents it as a webrtc.Certificate, whose underlying
// key handle is reference-counted and immutable after construction, so a
// plain value copy is enough to share it across every session on a worker.
type Certificate struct {
	inner webrtc.Certificate
}

// NewCertificate generates a fresh self-signed ECDSA certificate, one per
// worker, using the same helper pion's own DTLS transport uses internally
// to mint its handshake certificates.
func NewCertificate() (Certificate, error) {
	tlsCert, err := dtls.GenerateSelfSigned()
	if err != nil {
		return Certificate{}, fmt.Errorf("engine: generate self-signed cert: %w", err)
	}
	return Certificate{inner: webrtc.CertificateFromX509(tlsCert.PrivateKey, tlsCert.Leaf)}, nil
}
