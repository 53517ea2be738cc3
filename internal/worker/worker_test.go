package worker

import (
	"net"
	"testing"
	"time"

	"github.com/pion/logging"
	"github.com/pion/rtp"
	"github.com/stretchr/testify/require"
	"github.com/tinysfu/core/internal/bus"
	"github.com/tinysfu/core/internal/engine"
	"github.com/tinysfu/core/internal/ioevent"
	"github.com/tinysfu/core/internal/session"
	"github.com/tinysfu/core/internal/transport"
)

func newTestWorker(t *testing.T, b *bus.Bus) (*Worker, chan ioevent.Event, chan ioevent.Action) {
	t.Helper()
	sock, err := transport.New(transport.Plain, "127.0.0.1:0")
	require.NoError(t, err)
	t.Cleanup(func() { _ = sock.Close() })
	require.NoError(t, sock.Prepare())

	inbound := make(chan ioevent.Event, 16)
	outbound := make(chan ioevent.Action, 16)
	if b == nil {
		b = bus.New(64)
	}
	w := New(sock, engine.Certificate{}, []net.Addr{sock.LocalAddr()}, b, logging.NewDefaultLoggerFactory().NewLogger("test"), inbound, outbound)
	return w, inbound, outbound
}

func TestWhipHandshakeRespondsWithSDPAnswer(t *testing.T) {
	w, inbound, outbound := newTestWorker(t, nil)
	m := engine.NewMockEngine("ufrag-whip", []byte("v=0\r\nanswer\r\n"), nil)
	w.NewWhip = func(cfg engine.Config, req *ioevent.HTTPRequest, location string) (*session.Task, error) {
		return session.NewWhipWithEngine(m, req.Channel(), req.Body, location)
	}

	inbound <- ioevent.Event{HTTPRequest: &ioevent.HTTPRequest{
		ReqID:   1,
		Method:  "POST",
		Path:    "/whip/endpoint",
		Headers: map[string]string{"Authorization": "room1"},
		Body:    []byte("v=0\r\noffer\r\n"),
	}}

	require.NoError(t, w.RunCycle(time.Now()))

	select {
	case action := <-outbound:
		require.NotNil(t, action.HTTPResponse)
		require.Equal(t, 200, action.HTTPResponse.Status)
		require.Equal(t, "application/sdp", action.HTTPResponse.Headers["Content-Type"])
		require.Equal(t, "/whip/endpoint/1234", action.HTTPResponse.Headers["Location"])
		require.NotEmpty(t, action.HTTPResponse.Body)
	default:
		t.Fatal("expected an http response action")
	}

	require.Len(t, w.tasks, 1)
	require.Contains(t, w.ufrags, "ufrag-whip")
}

func TestPublishTrackRegistersSourceOnBus(t *testing.T) {
	w, inbound, _ := newTestWorker(t, nil)
	m := engine.NewMockEngine("ufrag-whip", []byte("v=0\r\n"), nil)
	w.NewWhip = func(cfg engine.Config, req *ioevent.HTTPRequest, location string) (*session.Task, error) {
		return session.NewWhipWithEngine(m, req.Channel(), req.Body, location)
	}

	inbound <- ioevent.Event{HTTPRequest: &ioevent.HTTPRequest{
		Path:    "/whip/endpoint",
		Headers: map[string]string{"Authorization": "room1"},
		Body:    []byte("offer"),
	}}
	require.NoError(t, w.RunCycle(time.Now()))

	var taskID uint64
	for id := range w.tasks {
		taskID = id
	}

	m.Push(engine.Output{Event: &engine.Event{Connected: true}})
	require.NoError(t, w.RunCycle(time.Now()))

	audioID := session.NewTrackID("room1", engine.KindAudio)
	videoID := session.NewTrackID("room1", engine.KindVideo)

	require.Contains(t, w.tracks[audioID].sources, taskID)
	require.Contains(t, w.tracks[videoID].sources, taskID)
}

func TestTeardownRemovesEveryIndexEntry(t *testing.T) {
	w, inbound, _ := newTestWorker(t, nil)
	m := engine.NewMockEngine("ufrag-whip", []byte("v=0\r\n"), nil)
	w.NewWhip = func(cfg engine.Config, req *ioevent.HTTPRequest, location string) (*session.Task, error) {
		return session.NewWhipWithEngine(m, req.Channel(), req.Body, location)
	}

	inbound <- ioevent.Event{HTTPRequest: &ioevent.HTTPRequest{
		Path:    "/whip/endpoint",
		Headers: map[string]string{"Authorization": "room1"},
		Body:    []byte("offer"),
	}}
	require.NoError(t, w.RunCycle(time.Now()))

	var taskID uint64
	for id := range w.tasks {
		taskID = id
	}
	m.Push(engine.Output{Event: &engine.Event{Connected: true}})
	require.NoError(t, w.RunCycle(time.Now()))

	disconnected := engine.IceDisconnected
	m.Push(engine.Output{Event: &engine.Event{IceConnectionStateChange: &disconnected}})
	require.NoError(t, w.RunCycle(time.Now()))

	require.NotContains(t, w.tasks, taskID)
	require.NotContains(t, w.ufrags, "ufrag-whip")
	audioID := session.NewTrackID("room1", engine.KindAudio)
	videoID := session.NewTrackID("room1", engine.KindVideo)
	require.NotContains(t, w.tracks, audioID)
	require.NotContains(t, w.tracks, videoID)
}

func TestSubscribeForwardAndKeyframeAcrossWorkers(t *testing.T) {
	b := bus.New(64)
	workerA, inboundA, _ := newTestWorker(t, b) // publisher (WHIP)
	workerB, inboundB, _ := newTestWorker(t, b) // subscriber (WHEP)

	whipEngine := engine.NewMockEngine("ufrag-whip", []byte("v=0\r\n"), nil)
	workerA.NewWhip = func(cfg engine.Config, req *ioevent.HTTPRequest, location string) (*session.Task, error) {
		return session.NewWhipWithEngine(whipEngine, req.Channel(), req.Body, location)
	}
	whepEngine := engine.NewMockEngine("ufrag-whep", []byte("v=0\r\n"), nil)
	workerB.NewWhep = func(cfg engine.Config, req *ioevent.HTTPRequest, location string) (*session.Task, error) {
		return session.NewWhepWithEngine(whepEngine, req.Channel(), req.Body, location)
	}

	inboundA <- ioevent.Event{HTTPRequest: &ioevent.HTTPRequest{
		Path: "/whip/endpoint", Headers: map[string]string{"Authorization": "room1"}, Body: []byte("offer"),
	}}
	require.NoError(t, workerA.RunCycle(time.Now()))
	whipEngine.Push(engine.Output{Event: &engine.Event{Connected: true}})
	whipEngine.Push(engine.Output{Event: &engine.Event{MediaAdded: &engine.MediaAddedEvent{Mid: "0", Kind: engine.KindAudio}}})
	whipEngine.Push(engine.Output{Event: &engine.Event{MediaAdded: &engine.MediaAddedEvent{Mid: "1", Kind: engine.KindVideo}}})
	require.NoError(t, workerA.RunCycle(time.Now()))

	inboundB <- ioevent.Event{HTTPRequest: &ioevent.HTTPRequest{
		Path: "/whep/endpoint", Headers: map[string]string{"Authorization": "room1"}, Body: []byte("offer"),
	}}
	require.NoError(t, workerB.RunCycle(time.Now()))
	whepEngine.Push(engine.Output{Event: &engine.Event{Connected: true}})
	whepEngine.Push(engine.Output{Event: &engine.Event{MediaAdded: &engine.MediaAddedEvent{Mid: "1", Kind: engine.KindVideo}}})
	require.NoError(t, workerB.RunCycle(time.Now()))
	whepEngine.AllowWrite("1")

	videoID := session.NewTrackID("room1", engine.KindVideo)
	require.Contains(t, workerB.tracks[videoID].consumers, oneTaskID(t, workerB))

	// WHIP emits an RTP video packet; it should reach WHEP across the
	// shared bus and be written out with the same seq/timestamp.
	whipEngine.Push(engine.Output{Event: &engine.Event{RtpPacket: &engine.RtpPacketEvent{
		Header:    rtp.Header{PayloadType: 102},
		SeqNo:     42,
		Timestamp: 9000,
		Payload:   []byte("frame"),
	}}})
	require.NoError(t, workerA.RunCycle(time.Now()))
	require.NoError(t, workerB.RunCycle(time.Now()))

	require.Len(t, whepEngine.Written, 1)
	require.Equal(t, uint64(42), whepEngine.Written[0].Pkt.SeqNo)
	require.Equal(t, uint32(9000), whepEngine.Written[0].Pkt.Timestamp)

	// WHEP requests a keyframe; it should reach WHIP across the shared bus
	// and invoke the engine's keyframe request on the video stream.
	whepEngine.Push(engine.Output{Event: &engine.Event{KeyframeRequest: &engine.KeyframeRequestEvent{Mid: "1", Kind: engine.KeyframePLI}}})
	require.NoError(t, workerB.RunCycle(time.Now()))
	require.NoError(t, workerA.RunCycle(time.Now()))

	require.Len(t, whipEngine.Keyframes, 1)
	require.Equal(t, engine.KeyframePLI, whipEngine.Keyframes[0].Kind)
}

func TestUnknownRemoteDatagramDropped(t *testing.T) {
	w, _, _ := newTestWorker(t, nil)

	peer, err := transport.New(transport.Plain, "127.0.0.1:0")
	require.NoError(t, err)
	defer peer.Close()

	_, err = peer.AddSendTo([]byte("not a stun message"), w.sock.LocalAddr())
	require.NoError(t, err)
	require.NoError(t, peer.CommitSendTo())

	time.Sleep(20 * time.Millisecond) // give the datagram time to land on the loopback socket
	require.NoError(t, w.RunCycle(time.Now()))

	require.Empty(t, w.remotes)
	require.Empty(t, w.tasks)
}

func oneTaskID(t *testing.T, w *Worker) uint64 {
	t.Helper()
	for id := range w.tasks {
		return id
	}
	t.Fatal("no tasks registered")
	return 0
}
