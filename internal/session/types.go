package session

import (
	"net"

	"github.com/tinysfu/core/internal/bus"
	"github.com/tinysfu/core/internal/ioevent"
)

// Kind distinguishes the two session variants. Go has no sum types, so
// Task stays a thin struct tagged by Kind with a sessionImpl field for the
// two behaviors, rather than an interface hierarchy.
type Kind int

const (
	KindWhip Kind = iota
	KindWhep
)

func (k Kind) String() string {
	if k == KindWhip {
		return "whip"
	}
	return "whep"
}

// Input is one event delivered to a task via Task.Input. Exactly one field
// is set. TrackMedia is only meaningful for WHEP tasks; KeyframeTrack is
// only meaningful for WHIP tasks.
type Input struct {
	UDPRecv       *UDPRecvInput
	TrackMedia    *bus.TrackMedia
	KeyframeTrack *KeyframeTrackInput

	// HTTPRequest is only ever sent by mistake: a task accepts exactly one
	// HTTP request, at construction, outside the Input path. Feeding one
	// in here always yields ErrUnexpectedHTTPRequest.
	HTTPRequest *ioevent.HTTPRequest
}

// UDPRecvInput is one inbound UDP datagram handed to the engine.
type UDPRecvInput struct {
	From, To net.Addr
	Buf      []byte
}

// KeyframeTrackInput asks a WHIP task to forward a keyframe request to its
// engine's inbound stream for the given track, if it owns that track.
type KeyframeTrackInput struct {
	TrackID TrackID
	Kind    bus.KeyframeKind
}

// Output is one pending action a task wants its worker to perform. Exactly
// one field is set, except TaskEnded which is always a terminal sentinel
// on its own.
type Output struct {
	HTTPResponse    *HTTPResponseOutput
	UDPSend         *UDPSendOutput
	TrackMedia      *bus.TrackMedia
	PublishTrack    *TrackID
	SubscribeTrack  *TrackID
	KeyframeRequest *KeyframeRequestOutput
	TaskEnded       bool
}

// HTTPResponseOutput is the SDP-answer response emitted exactly once, as
// the first output of a freshly constructed task.
type HTTPResponseOutput struct {
	Status  int
	Headers map[string]string
	Body    []byte
}

// UDPSendOutput is one outbound UDP datagram the task's engine wants sent.
type UDPSendOutput struct {
	From, To net.Addr
	Buf      []byte
}

// KeyframeRequestOutput is a WHEP task asking the bus to forward a
// keyframe request to whichever WHIP task publishes this track.
type KeyframeRequestOutput struct {
	TrackID TrackID
	Kind    bus.KeyframeKind
}
