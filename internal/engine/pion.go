package engine

import (
	"fmt"
	"net"
	"sync"
	"time"

	"github.com/pion/interceptor"
	"github.com/pion/interceptor/pkg/nack"
	"github.com/pion/interceptor/pkg/twcc"
	"github.com/pion/logging"
	"github.com/pion/randutil"
	"github.com/pion/rtcp"
	"github.com/pion/rtp"
	"github.com/pion/webrtc/v4"
)

// singleLoggerFactory hands every scope the same LeveledLogger. Workers
// already own one scoped logger each; pion's SettingEngine wants a factory
// rather than a logger directly, since different subsystems (ice, dtls,
// sctp) ask it for their own scope.
type singleLoggerFactory struct {
	log logging.LeveledLogger
}

func (f singleLoggerFactory) NewLogger(scope string) logging.LeveledLogger { return f.log }

// Mode tells PionEngine which side of the session it is negotiating:
// Publish sessions (WHIP) receive media on recvonly transceivers, Subscribe
// sessions (WHEP) send media on sendonly transceivers.
type Mode int

const (
	Publish Mode = iota
	Subscribe
)

// PionEngine adapts github.com/pion/webrtc/v4's callback-based
// PeerConnection into the poll-based Engine contract. Every callback that
// would normally fire asynchronously instead appends an Output onto a
// mutex-guarded queue that PollOutput drains, so the engine can be polled
// from a single-threaded run loop instead of reacting to callbacks on
// whatever goroutine pion invokes them from. PionEngine does not read RTCP
// from its senders, so it never emits KeyframeRequest events.
type PionEngine struct {
	mode      Mode
	pc        *webrtc.PeerConnection
	conn      *muxConn
	ufrag     string
	localAddrs []net.Addr

	mu      sync.Mutex
	outputs []Output

	audioMid, videoMid Mid
	localTracks        map[Mid]*webrtc.TrackLocalStaticRTP
	receivers          map[Mid]*webrtc.RTPReceiver
}

// New builds a pion/webrtc engine in RTP-mode (exactly two media lines,
// audio then video, no data channels) with ICE-lite and the given shared
// DTLS certificate. The engine is not yet negotiated; call AcceptOffer
// once to do that, per the Engine interface's construction contract.
// AcceptOffer is also where one host candidate per local address is
// written into the answer.
func New(cfg Config, mode Mode) (*PionEngine, error) {
	ufrag, pwd, err := randomIceCredentials()
	if err != nil {
		return nil, err
	}

	settingEngine := webrtc.SettingEngine{}
	settingEngine.SetLite(true)
	if err := settingEngine.SetICECredentials(ufrag, pwd); err != nil {
		return nil, fmt.Errorf("engine: set ice credentials: %w", err)
	}
	if cfg.Logger != nil {
		settingEngine.LoggerFactory = singleLoggerFactory{log: cfg.Logger}
	}

	conn := newMuxConn(cfg.LocalAddrs)
	udpMux := webrtc.NewICEUDPMux(nil, conn)
	settingEngine.SetICEUDPMux(udpMux)

	mediaEngine, err := newMediaEngine()
	if err != nil {
		return nil, err
	}

	registry := &interceptor.Registry{}
	if cfg.EnableTWCC {
		generator, genErr := twcc.NewSenderInterceptor()
		if genErr != nil {
			return nil, fmt.Errorf("engine: twcc interceptor: %w", genErr)
		}
		registry.Add(generator)
	}
	responder, err := nack.NewResponderInterceptor()
	if err != nil {
		return nil, fmt.Errorf("engine: nack responder: %w", err)
	}
	registry.Add(responder)
	generator, err := nack.NewGeneratorInterceptor()
	if err != nil {
		return nil, fmt.Errorf("engine: nack generator: %w", err)
	}
	registry.Add(generator)
	if err := webrtc.RegisterDefaultInterceptors(mediaEngine, registry); err != nil {
		return nil, fmt.Errorf("engine: register default interceptors: %w", err)
	}

	api := webrtc.NewAPI(
		webrtc.WithMediaEngine(mediaEngine),
		webrtc.WithSettingEngine(settingEngine),
		webrtc.WithInterceptorRegistry(mediaEngine, registry),
	)

	pc, err := api.NewPeerConnection(webrtc.Configuration{
		Certificates: []webrtc.Certificate{cfg.Cert.inner},
	})
	if err != nil {
		return nil, fmt.Errorf("engine: new peer connection: %w", err)
	}

	e := &PionEngine{
		mode:        mode,
		pc:          pc,
		conn:        conn,
		ufrag:       ufrag,
		localAddrs:  cfg.LocalAddrs,
		localTracks: make(map[Mid]*webrtc.TrackLocalStaticRTP),
		receivers:   make(map[Mid]*webrtc.RTPReceiver),
	}
	conn.setSink(e.pushOutput)

	if err := e.setupTransceivers(); err != nil {
		return nil, err
	}

	pc.OnICEConnectionStateChange(e.onICEConnectionStateChange)
	if mode == Publish {
		pc.OnTrack(e.onTrack)
	}

	return e, nil
}

func (e *PionEngine) setupTransceivers() error {
	direction := webrtc.RTPTransceiverDirectionRecvonly
	if e.mode == Subscribe {
		direction = webrtc.RTPTransceiverDirectionSendonly
	}

	for _, kind := range []webrtc.RTPCodecType{webrtc.RTPCodecTypeAudio, webrtc.RTPCodecTypeVideo} {
		if e.mode == Publish {
			if _, err := e.pc.AddTransceiverFromKind(kind, webrtc.RTPTransceiverInit{Direction: direction}); err != nil {
				return fmt.Errorf("engine: add %s transceiver: %w", kind, err)
			}
			continue
		}

		track, err := webrtc.NewTrackLocalStaticRTP(codecCapability(kind), kind.String(), "tinysfu")
		if err != nil {
			return fmt.Errorf("engine: new local track: %w", err)
		}
		if _, err := e.pc.AddTransceiverFromTrack(track, webrtc.RTPTransceiverInit{Direction: direction}); err != nil {
			return fmt.Errorf("engine: add %s transceiver: %w", kind, err)
		}
	}
	return nil
}

// AcceptOffer implements Engine. It is called exactly once, at session
// construction.
func (e *PionEngine) AcceptOffer(offerSDP []byte) ([]byte, error) {
	if err := e.pc.SetRemoteDescription(webrtc.SessionDescription{
		Type: webrtc.SDPTypeOffer,
		SDP:  string(offerSDP),
	}); err != nil {
		return nil, fmt.Errorf("engine: set remote description: %w", err)
	}

	gatherComplete := webrtc.GatheringCompletePromise(e.pc)
	answer, err := e.pc.CreateAnswer(nil)
	if err != nil {
		return nil, fmt.Errorf("engine: create answer: %w", err)
	}
	if err := e.pc.SetLocalDescription(answer); err != nil {
		return nil, fmt.Errorf("engine: set local description: %w", err)
	}
	<-gatherComplete

	e.recordNegotiatedMedia()

	patched, err := patchAnswerCandidates([]byte(e.pc.LocalDescription().SDP), e.localAddrs)
	if err != nil {
		return nil, fmt.Errorf("engine: patch answer candidates: %w", err)
	}
	return patched, nil
}

// recordNegotiatedMedia pulls the mids pion assigned during
// SetLocalDescription and emits MediaAdded events. pion assigns mids
// synchronously during negotiation rather than via a later poll, so we
// synthesize the events here instead of from a callback.
func (e *PionEngine) recordNegotiatedMedia() {
	for _, t := range e.pc.GetTransceivers() {
		mid := Mid(t.Mid())
		if mid == "" {
			continue
		}
		var kind MediaKind
		switch t.Kind() {
		case webrtc.RTPCodecTypeAudio:
			kind = KindAudio
			e.audioMid = mid
		case webrtc.RTPCodecTypeVideo:
			kind = KindVideo
			e.videoMid = mid
		default:
			continue
		}

		if e.mode == Subscribe {
			if sender := t.Sender(); sender != nil {
				if track, ok := sender.Track().(*webrtc.TrackLocalStaticRTP); ok {
					e.localTracks[mid] = track
				}
			}
		}

		e.pushOutput(Output{Event: &Event{MediaAdded: &MediaAddedEvent{Mid: mid, Kind: kind}}})
	}
}

func (e *PionEngine) onICEConnectionStateChange(state webrtc.ICEConnectionState) {
	switch state {
	case webrtc.ICEConnectionStateConnected:
		e.pushOutput(Output{Event: &Event{Connected: true}})
	case webrtc.ICEConnectionStateDisconnected, webrtc.ICEConnectionStateFailed, webrtc.ICEConnectionStateClosed:
		s := IceDisconnected
		e.pushOutput(Output{Event: &Event{IceConnectionStateChange: &s}})
	}
}

func (e *PionEngine) onTrack(track *webrtc.TrackRemote, receiver *webrtc.RTPReceiver) {
	mid := findMid(e.pc, receiver)
	e.mu.Lock()
	e.receivers[mid] = receiver
	e.mu.Unlock()

	go func() {
		// The extended values advance by the signed distance from the
		// previous packet, so they keep counting across 16-bit sequence
		// and 32-bit timestamp wraparound.
		var seqExt, tsExt uint64
		first := true
		for {
			pkt, _, err := track.ReadRTP()
			if err != nil {
				return
			}
			if first {
				seqExt, tsExt = uint64(pkt.SequenceNumber), uint64(pkt.Timestamp)
				first = false
			} else {
				seqExt += uint64(int16(pkt.SequenceNumber - uint16(seqExt)))
				tsExt += uint64(int32(pkt.Timestamp - uint32(tsExt)))
			}
			e.pushOutput(Output{Event: &Event{RtpPacket: &RtpPacketEvent{
				Mid:       mid,
				Header:    pkt.Header,
				Payload:   pkt.Payload,
				SeqNo:     seqExt,
				Timestamp: tsExt,
				RecvTime:  time.Now(),
			}}})
		}
	}()
}

func (e *PionEngine) pushOutput(o Output) {
	e.mu.Lock()
	e.outputs = append(e.outputs, o)
	e.mu.Unlock()
}

func (e *PionEngine) Ufrag() string { return e.ufrag }

func (e *PionEngine) HandleTimeout(now time.Time) error {
	// pion drives its own retransmission/keepalive timers on internal
	// goroutines; there is no sans-io deadline to advance here.
	return nil
}

func (e *PionEngine) HandleReceive(now time.Time, from, to net.Addr, buf []byte) error {
	e.conn.deliver(buf, from)
	return nil
}

func (e *PionEngine) PollOutput() (Output, bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if len(e.outputs) == 0 {
		return Output{}, false
	}
	o := e.outputs[0]
	e.outputs = e.outputs[1:]
	return o, true
}

func (e *PionEngine) WriteRTP(mid Mid, pkt OutgoingRTP) (bool, error) {
	track, ok := e.localTracks[mid]
	if !ok {
		return false, nil
	}
	header := rtp.Header{
		Version:        2,
		Marker:         pkt.Marker,
		PayloadType:    pkt.PayloadType,
		SequenceNumber: uint16(pkt.SeqNo),
		Timestamp:      pkt.Timestamp,
		Extension:      len(pkt.Extensions) > 0,
	}
	for _, ext := range pkt.Extensions {
		if err := header.SetExtension(ext.ID, ext.Payload); err != nil {
			return false, fmt.Errorf("engine: set rtp extension: %w", err)
		}
	}
	if err := track.WriteRTP(&rtp.Packet{Header: header, Payload: pkt.Payload}); err != nil {
		return false, fmt.Errorf("engine: write rtp: %w", err)
	}
	return true, nil
}

func (e *PionEngine) RequestKeyframe(mid Mid, kind KeyframeRequestKind) bool {
	e.mu.Lock()
	receiver, ok := e.receivers[mid]
	e.mu.Unlock()
	if !ok {
		return false
	}
	ssrc := receiver.Track().SSRC()

	var pkt rtcp.Packet
	if kind == KeyframeFIR {
		pkt = &rtcp.FullIntraRequest{
			FIR: []rtcp.FIREntry{{MediaSSRC: uint32(ssrc)}},
		}
	} else {
		pkt = &rtcp.PictureLossIndication{MediaSSRC: uint32(ssrc)}
	}
	if err := e.pc.WriteRTCP([]rtcp.Packet{pkt}); err != nil {
		return false
	}
	return true
}

func (e *PionEngine) Close() error {
	return e.pc.Close()
}

func findMid(pc *webrtc.PeerConnection, receiver *webrtc.RTPReceiver) Mid {
	for _, t := range pc.GetTransceivers() {
		if t.Receiver() == receiver {
			return Mid(t.Mid())
		}
	}
	return ""
}

func randomIceCredentials() (ufrag, pwd string, err error) {
	ufrag, err = randutil.GenerateCryptoRandomString(16, "abcdefghijklmnopqrstuvwxyzABCDEFGHIJKLMNOPQRSTUVWXYZ")
	if err != nil {
		return "", "", fmt.Errorf("engine: generate ufrag: %w", err)
	}
	pwd, err = randutil.GenerateCryptoRandomString(32, "abcdefghijklmnopqrstuvwxyzABCDEFGHIJKLMNOPQRSTUVWXYZ0123456789")
	if err != nil {
		return "", "", fmt.Errorf("engine: generate password: %w", err)
	}
	return ufrag, pwd, nil
}
