package session

import (
	"fmt"
	"time"

	"github.com/tinysfu/core/internal/bus"
	"github.com/tinysfu/core/internal/engine"
	"github.com/tinysfu/core/internal/ioevent"
)

// NewWhep constructs a subscriber task from an inbound WHEP HTTP request.
func NewWhep(cfg engine.Config, req *ioevent.HTTPRequest, locationPath string) (*Task, error) {
	eng, err := engine.New(cfg, engine.Subscribe)
	if err != nil {
		return nil, fmt.Errorf("session: construct whep engine: %w", err)
	}
	task, err := NewWhepWithEngine(eng, channelFromRequest(req), req.Body, locationPath)
	if err != nil {
		_ = eng.Close()
		return nil, err
	}
	return task, nil
}

// NewWhepWithEngine builds a subscriber task on top of an already-
// constructed engine, so tests can pass a scripted *engine.MockEngine
// instead of a real PeerConnection.
func NewWhepWithEngine(eng engine.Engine, channel string, offerSDP []byte, locationPath string) (*Task, error) {
	return newTask(KindWhep, eng, channel, offerSDP, locationPath, whepImpl{})
}

type whepImpl struct{}

func (whepImpl) onConnected(t *Task) {
	audio, video := t.audioTrackID, t.videoTrackID
	t.outputs = append(t.outputs,
		Output{SubscribeTrack: &audio},
		Output{SubscribeTrack: &video},
	)
}

// onRtpPacket never fires for a WHEP task: its engine only ever owns
// outbound (sendonly) streams, which don't emit received RTP.
func (whepImpl) onRtpPacket(*Task, *engine.RtpPacketEvent) {}

func (whepImpl) onKeyframeRequest(t *Task, ev *engine.KeyframeRequestEvent) {
	kind := bus.KeyframePLI
	if ev.Kind == engine.KeyframeFIR {
		kind = bus.KeyframeFIR
	}
	t.outputs = append(t.outputs, Output{KeyframeRequest: &KeyframeRequestOutput{
		TrackID: t.videoTrackID,
		Kind:    kind,
	}})
}

// handleTrackMedia writes one bus packet to the matching outbound stream,
// preserving seq-no/timestamp/marker/extensions and marking video packets
// NACKable. A TrackMedia arriving before the corresponding mid is known is
// silently dropped; neither the task nor the worker logs the drop.
func (whepImpl) handleTrackMedia(t *Task, now time.Time, tm *bus.TrackMedia) {
	isAudio := isAudioPayloadType(tm.Header.PayloadType)

	mid := t.videoMid
	known := t.haveVideo
	if isAudio {
		mid = t.audioMid
		known = t.haveAudio
	}
	if !known {
		return
	}

	_, _ = t.eng.WriteRTP(mid, engine.OutgoingRTP{
		PayloadType: tm.Header.PayloadType,
		SeqNo:       tm.SeqNo,
		Timestamp:   uint32(tm.Timestamp),
		RecvTime:    now,
		Marker:      tm.Header.Marker,
		Extensions:  tm.Header.Extensions,
		Nackable:    !isAudio,
		Payload:     tm.Payload,
	})
}

// handleKeyframeTrack never fires for a WHEP task: it has no inbound
// streams to request a keyframe on.
func (whepImpl) handleKeyframeTrack(*Task, time.Time, *KeyframeTrackInput) {}
