// Package engine defines the narrow capability surface the core requires
// from a WebRTC engine and adapts pion/webrtc's callback-based API to it.
// internal/session drives an Engine through
// HandleTimeout/HandleReceive/PollOutput and never touches pion/webrtc
// directly, so it can be tested against the scripted MockEngine in
// mock.go instead of a real PeerConnection.
package engine

import (
	"net"
	"time"

	"github.com/pion/logging"
	"github.com/pion/rtp"
)

// MediaKind is audio or video.
type MediaKind int

const (
	KindAudio MediaKind = iota
	KindVideo
)

func (k MediaKind) String() string {
	if k == KindAudio {
		return "audio"
	}
	return "video"
}

// Mid is a media-identifier naming one bidirectional media stream within a
// session, assigned once the engine negotiates it.
type Mid string

// KeyframeRequestKind distinguishes a PLI from a FIR keyframe request.
type KeyframeRequestKind int

const (
	KeyframePLI KeyframeRequestKind = iota
	KeyframeFIR
)

// IceConnectionState mirrors the subset of ICE connection states the core
// cares about.
type IceConnectionState int

const (
	IceConnecting IceConnectionState = iota
	IceConnected
	IceDisconnected
)

// Config configures a new Engine: RTP-mode, ICE-lite, and a shared DTLS
// certificate.
type Config struct {
	Cert       Certificate
	LocalAddrs []net.Addr
	EnableTWCC bool // publishers only

	// Logger, if set, receives pion's own internal ICE/DTLS/SCTP diagnostic
	// logging via SettingEngine.LoggerFactory. Nil leaves pion's default
	// logger factory in place.
	Logger logging.LeveledLogger
}

// Input is what the worker feeds into an Engine.
type Input struct {
	Timeout *time.Time
	Receive *ReceiveInput
}

// ReceiveInput is one inbound UDP datagram handed to the engine.
type ReceiveInput struct {
	From net.Addr
	To   net.Addr
	Buf  []byte
}

// Output is one thing the engine wants the session to act on.
type Output struct {
	Timeout  *time.Time
	Transmit *TransmitOutput
	Event    *Event
}

// TransmitOutput is one outbound UDP datagram the engine wants sent.
type TransmitOutput struct {
	From net.Addr
	To   net.Addr
	Buf  []byte
}

// Event is a tagged union of the engine events the core reacts to.
type Event struct {
	Connected              bool
	MediaAdded             *MediaAddedEvent
	IceConnectionStateChange *IceConnectionState
	RtpPacket              *RtpPacketEvent
	KeyframeRequest        *KeyframeRequestEvent
}

// MediaAddedEvent fires once per negotiated media stream.
type MediaAddedEvent struct {
	Mid  Mid
	Kind MediaKind
}

// RtpPacketEvent carries one received RTP packet, only ever emitted for a
// publisher's receive streams.
type RtpPacketEvent struct {
	Mid       Mid
	Header    rtp.Header
	Payload   []byte
	SeqNo     uint64 // extended sequence number
	Timestamp uint64 // extended RTP timestamp
	RecvTime  time.Time
}

// KeyframeRequestEvent fires when a downstream subscriber's decoder needs
// resynchronization, only ever emitted for a subscriber's send streams.
type KeyframeRequestEvent struct {
	Mid  Mid
	Kind KeyframeRequestKind
}

// OutgoingRTP is one packet the session wants written to an outbound
// stream, preserving the fields a forwarded packet must keep intact.
type OutgoingRTP struct {
	PayloadType uint8
	SeqNo       uint64
	Timestamp   uint32
	RecvTime    time.Time
	Marker      bool
	Extensions  []rtp.Extension
	Nackable    bool
	Payload     []byte
}

// Engine is the capability surface the core requires. PionEngine is the
// real implementation; MockEngine is a test double.
type Engine interface {
	// Ufrag is this session's ICE username fragment, stable for the
	// engine's lifetime.
	Ufrag() string

	// AcceptOffer parses an SDP offer, accepts it, and returns the SDP
	// answer. Called exactly once, at construction.
	AcceptOffer(offerSDP []byte) (answerSDP []byte, err error)

	// HandleTimeout delivers a Timeout input for the given instant.
	HandleTimeout(now time.Time) error

	// HandleReceive delivers one inbound UDP datagram.
	HandleReceive(now time.Time, from, to net.Addr, buf []byte) error

	// PollOutput returns the next pending output, if any.
	PollOutput() (Output, bool)

	// WriteRTP writes one RTP packet on the outbound stream named by mid.
	// ok is false if the engine has no outbound stream for that mid yet.
	WriteRTP(mid Mid, pkt OutgoingRTP) (ok bool, err error)

	// RequestKeyframe asks the engine to request a keyframe on the
	// inbound stream named by mid. ok is false if there is no such
	// stream yet.
	RequestKeyframe(mid Mid, kind KeyframeRequestKind) (ok bool)

	// Close releases the engine's resources.
	Close() error
}
