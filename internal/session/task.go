package session

import (
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/tinysfu/core/internal/bus"
	"github.com/tinysfu/core/internal/engine"
	"github.com/tinysfu/core/internal/ioevent"
)

// ErrUnexpectedHTTPRequest is returned if an HTTP request is fed to a task
// after construction, so a fuzzed or misrouted second request can't crash
// the worker goroutine that owns this task and many others.
var ErrUnexpectedHTTPRequest = errors.New("session: task does not accept a second http request")

const payloadTypeAudio = 111

// isAudioPayloadType reports whether pt identifies the audio codec: payload
// type 111 is audio, everything else is video.
func isAudioPayloadType(pt uint8) bool { return pt == payloadTypeAudio }

// Task is the common shell both WHIP and WHEP sessions share: an engine
// handle, pending output queue, scheduled wake, and resolved track ids.
// impl supplies the two behaviors that differ between kinds.
type Task struct {
	Kind    Kind
	DebugID string

	eng     engine.Engine
	channel string

	audioTrackID TrackID
	videoTrackID TrackID

	audioMid    engine.Mid
	videoMid    engine.Mid
	haveAudio   bool
	haveVideo   bool

	outputs []Output
	wake    *time.Time
	ended   bool

	impl sessionImpl
}

// sessionImpl supplies the behavior that differs between WHIP and WHEP:
// reacting to Connected, reacting to engine events only one side produces,
// and the input path only the other side accepts.
type sessionImpl interface {
	onConnected(t *Task)
	onRtpPacket(t *Task, ev *engine.RtpPacketEvent)
	onKeyframeRequest(t *Task, ev *engine.KeyframeRequestEvent)
	handleTrackMedia(t *Task, now time.Time, tm *bus.TrackMedia)
	handleKeyframeTrack(t *Task, now time.Time, kt *KeyframeTrackInput)
}

// newTask builds the common shell around an already-constructed engine:
// accepts the offer and enqueues the single HTTP response output.
// locationPath is the fixed `/whip/endpoint/1234`-style suffix for this
// kind. Taking eng as a parameter rather than building it internally is
// what lets internal/session's tests drive a *engine.MockEngine instead of
// a real PeerConnection.
func newTask(kind Kind, eng engine.Engine, channel string, offerSDP []byte, locationPath string, impl sessionImpl) (*Task, error) {
	answerSDP, err := eng.AcceptOffer(offerSDP)
	if err != nil {
		_ = eng.Close()
		return nil, fmt.Errorf("session: accept offer: %w", err)
	}

	t := &Task{
		Kind:         kind,
		DebugID:      uuid.NewString(),
		eng:          eng,
		channel:      channel,
		audioTrackID: NewTrackID(channel, engine.KindAudio),
		videoTrackID: NewTrackID(channel, engine.KindVideo),
		impl:         impl,
	}

	t.outputs = append(t.outputs, Output{HTTPResponse: &HTTPResponseOutput{
		Status: 200,
		Headers: map[string]string{
			"Content-Type": "application/sdp",
			"Location":     locationPath,
		},
		Body: answerSDP,
	}})

	return t, nil
}

// Ufrag is this session's ICE username fragment.
func (t *Task) Ufrag() string { return t.eng.Ufrag() }

// AudioTrackID and VideoTrackID are the resolved track ids for this
// task's channel, stable across the task's lifetime.
func (t *Task) AudioTrackID() TrackID { return t.audioTrackID }
func (t *Task) VideoTrackID() TrackID { return t.videoTrackID }

// Ended reports whether this task has already emitted TaskEnded.
func (t *Task) Ended() bool { return t.ended }

// Input delivers one event to the task. UDP receives are handed to the
// engine with a cleared scheduled wake, since fresh input may supersede
// the previous deadline. TrackMedia/KeyframeTrack inputs are delegated to
// the kind-specific impl; each is a no-op on the kind that doesn't accept
// it.
func (t *Task) Input(now time.Time, in Input) error {
	if t.ended {
		return nil
	}
	switch {
	case in.HTTPRequest != nil:
		return ErrUnexpectedHTTPRequest
	case in.UDPRecv != nil:
		t.wake = nil
		if err := t.eng.HandleReceive(now, in.UDPRecv.From, in.UDPRecv.To, in.UDPRecv.Buf); err != nil {
			return fmt.Errorf("session: handle receive: %w", err)
		}
	case in.TrackMedia != nil:
		t.impl.handleTrackMedia(t, now, in.TrackMedia)
	case in.KeyframeTrack != nil:
		t.impl.handleKeyframeTrack(t, now, in.KeyframeTrack)
	}
	return nil
}

// Tick advances time-based work: if a scheduled wake exists and has
// arrived, it delivers Timeout(now) to the engine and clears the wake.
// Returns true if the engine was ticked, hinting more output may be
// pending.
func (t *Task) Tick(now time.Time) bool {
	if t.ended || t.wake == nil || now.Before(*t.wake) {
		return false
	}
	t.wake = nil
	if err := t.eng.HandleTimeout(now); err != nil {
		return false
	}
	return true
}

// PopAction drains the local output queue first; if empty and the
// scheduled wake is still in the future, it returns nothing without
// touching the engine. Otherwise it polls the engine and dispatches the
// result, repeating until an output is queued, the engine has nothing
// more, or a future wake has been scheduled.
func (t *Task) PopAction(now time.Time) (Output, bool) {
	if len(t.outputs) > 0 {
		out := t.outputs[0]
		t.outputs = t.outputs[1:]
		return out, true
	}
	if t.ended {
		return Output{}, false
	}
	if t.wake != nil && now.Before(*t.wake) {
		return Output{}, false
	}

	out, ok := t.eng.PollOutput()
	if !ok {
		return Output{}, false
	}
	t.dispatch(out)
	return t.PopAction(now)
}

func (t *Task) dispatch(out engine.Output) {
	switch {
	case out.Timeout != nil:
		t.wake = out.Timeout
	case out.Transmit != nil:
		t.outputs = append(t.outputs, Output{UDPSend: &UDPSendOutput{
			From: out.Transmit.From,
			To:   out.Transmit.To,
			Buf:  out.Transmit.Buf,
		}})
	case out.Event != nil:
		t.dispatchEvent(out.Event)
	}
}

func (t *Task) dispatchEvent(ev *engine.Event) {
	switch {
	case ev.Connected:
		t.impl.onConnected(t)
	case ev.MediaAdded != nil:
		switch ev.MediaAdded.Kind {
		case engine.KindAudio:
			t.audioMid = ev.MediaAdded.Mid
			t.haveAudio = true
		case engine.KindVideo:
			t.videoMid = ev.MediaAdded.Mid
			t.haveVideo = true
		}
	case ev.IceConnectionStateChange != nil && *ev.IceConnectionStateChange == engine.IceDisconnected:
		t.ended = true
		t.outputs = append(t.outputs, Output{TaskEnded: true})
	case ev.RtpPacket != nil:
		t.impl.onRtpPacket(t, ev.RtpPacket)
	case ev.KeyframeRequest != nil:
		t.impl.onKeyframeRequest(t, ev.KeyframeRequest)
	}
}

// channelFromRequest resolves the channel string from an HTTP request's
// Authorization header, falling back to the default channel. Both casings
// are checked.
func channelFromRequest(req *ioevent.HTTPRequest) string {
	return req.Channel()
}
