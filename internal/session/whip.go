package session

import (
	"fmt"
	"time"

	"github.com/tinysfu/core/internal/bus"
	"github.com/tinysfu/core/internal/engine"
	"github.com/tinysfu/core/internal/ioevent"
)

// NewWhip constructs a publisher task from an inbound WHIP HTTP request.
// cfg.LocalAddrs carries every local UDP address the worker owns, which
// the engine adds as one local ICE candidate per address.
func NewWhip(cfg engine.Config, req *ioevent.HTTPRequest, locationPath string) (*Task, error) {
	cfg.EnableTWCC = true // publishers get transport-wide congestion feedback
	eng, err := engine.New(cfg, engine.Publish)
	if err != nil {
		return nil, fmt.Errorf("session: construct whip engine: %w", err)
	}
	task, err := NewWhipWithEngine(eng, channelFromRequest(req), req.Body, locationPath)
	if err != nil {
		_ = eng.Close()
		return nil, err
	}
	return task, nil
}

// NewWhipWithEngine builds a publisher task on top of an already-
// constructed engine, so tests can pass a scripted *engine.MockEngine
// instead of a real PeerConnection.
func NewWhipWithEngine(eng engine.Engine, channel string, offerSDP []byte, locationPath string) (*Task, error) {
	return newTask(KindWhip, eng, channel, offerSDP, locationPath, whipImpl{})
}

type whipImpl struct{}

func (whipImpl) onConnected(t *Task) {
	audio, video := t.audioTrackID, t.videoTrackID
	t.outputs = append(t.outputs,
		Output{PublishTrack: &audio},
		Output{PublishTrack: &video},
	)
}

func (whipImpl) onRtpPacket(t *Task, ev *engine.RtpPacketEvent) {
	trackID := t.videoTrackID
	if isAudioPayloadType(ev.Header.PayloadType) {
		trackID = t.audioTrackID
	}
	t.outputs = append(t.outputs, Output{TrackMedia: &bus.TrackMedia{
		TrackID:   uint64(trackID),
		SeqNo:     ev.SeqNo,
		Timestamp: ev.Timestamp,
		Header:    ev.Header,
		Payload:   ev.Payload,
	}})
}

// onKeyframeRequest never fires for a WHIP task: its engine only ever
// owns inbound (recvonly) streams, which don't emit keyframe requests.
func (whipImpl) onKeyframeRequest(*Task, *engine.KeyframeRequestEvent) {}

// handleTrackMedia never fires for a WHIP task: it has no outbound
// streams to write to.
func (whipImpl) handleTrackMedia(*Task, time.Time, *bus.TrackMedia) {}

func (whipImpl) handleKeyframeTrack(t *Task, now time.Time, kt *KeyframeTrackInput) {
	if kt.TrackID != t.videoTrackID || !t.haveVideo {
		return
	}
	kind := engine.KeyframePLI
	if kt.Kind == bus.KeyframeFIR {
		kind = engine.KeyframeFIR
	}
	t.eng.RequestKeyframe(t.videoMid, kind)
}
