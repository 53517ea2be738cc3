// Package worker implements the single-threaded cooperative run-loop that
// owns one UDP socket, one DTLS certificate, and every session task
// created on it. Workers never talk to each other
// directly; all cross-worker communication goes through the bus.
package worker

import (
	"errors"
	"fmt"
	"net"
	"time"

	"github.com/pion/logging"
	"github.com/tinysfu/core/internal/bus"
	"github.com/tinysfu/core/internal/engine"
	"github.com/tinysfu/core/internal/ioevent"
	"github.com/tinysfu/core/internal/session"
	"github.com/tinysfu/core/internal/stunutil"
	"github.com/tinysfu/core/internal/transport"
)

// CycleFloor is the minimum duration one RunCycle call takes; if a cycle
// finishes early, step 8 sleeps out the remainder.
const CycleFloor = time.Millisecond

// taskEntry is a task plus the worker-local bookkeeping needed to unwind
// it cleanly when it ends.
type taskEntry struct {
	task    *session.Task
	remotes map[string]net.Addr // addr.String() -> addr, every remote this task has been bound to
	pub     map[session.TrackID]struct{}
	sub     map[session.TrackID]struct{}
}

// trackEntry is the per-worker view of one track's bus topology.
type trackEntry struct {
	sources   map[uint64]struct{} // task ids publishing this track
	consumers map[uint64]struct{} // task ids subscribed to this track
}

// Worker owns one UDP socket and drives every task created on it through
// RunCycle, one call per cycle.
type Worker struct {
	sock       transport.Socket
	cfg        engine.Config
	busHandle  *bus.Bus
	busReader  *bus.Reader
	log        logging.LeveledLogger
	inbound    <-chan ioevent.Event
	outbound   chan<- ioevent.Action

	// NewWhip/NewWhep build a session.Task from an HTTP request. They
	// default to session.NewWhip/session.NewWhep; tests override them to
	// inject a scripted engine.MockEngine instead of a real PeerConnection.
	NewWhip func(cfg engine.Config, req *ioevent.HTTPRequest, location string) (*session.Task, error)
	NewWhep func(cfg engine.Config, req *ioevent.HTTPRequest, location string) (*session.Task, error)

	nextTaskID uint64
	tasks      map[uint64]*taskEntry
	remotes    map[string]uint64 // addr.String() -> task id
	ufrags     map[string]uint64
	tracks     map[session.TrackID]*trackEntry
	ended      []uint64
}

// New builds a worker bound to sock, sharing cert and the given bus across
// every session it creates.
func New(sock transport.Socket, cert engine.Certificate, localAddrs []net.Addr, b *bus.Bus, log logging.LeveledLogger, inbound <-chan ioevent.Event, outbound chan<- ioevent.Action) *Worker {
	return &Worker{
		sock:      sock,
		cfg:       engine.Config{Cert: cert, LocalAddrs: localAddrs, Logger: log},
		busHandle: b,
		busReader: b.NewReader(),
		log:       log,
		inbound:   inbound,
		outbound:  outbound,
		NewWhip:   session.NewWhip,
		NewWhep:   session.NewWhep,
		tasks:     make(map[uint64]*taskEntry),
		remotes:   make(map[string]uint64),
		ufrags:    make(map[string]uint64),
		tracks:    make(map[session.TrackID]*trackEntry),
	}
}

// RunCycle executes one pass of the run-loop's eight steps.
func (w *Worker) RunCycle(now time.Time) error {
	start := time.Now()

	w.drainBus()
	w.drainHTTP(now)
	w.tickTasks(now)
	w.drainAllTaskOutputs()
	w.removeEndedTasks()
	if err := w.drainUDP(now); err != nil {
		return err
	}
	if err := w.commit(); err != nil {
		return err
	}
	w.pace(start)
	return nil
}

// step 1
func (w *Worker) drainBus() {
	for {
		ev, ok := w.busReader.TryRecv()
		if !ok {
			return
		}
		switch {
		case ev.Media != nil:
			w.deliverMediaToConsumers(ev.Media)
		case ev.Keyframe != nil:
			w.deliverKeyframeToSources(ev.Keyframe)
		}
	}
}

func (w *Worker) deliverMediaToConsumers(m *bus.TrackMedia) {
	te, ok := w.tracks[session.TrackID(m.TrackID)]
	if !ok {
		return
	}
	for taskID := range te.consumers {
		entry, ok := w.tasks[taskID]
		if !ok {
			continue
		}
		clone := *m
		clone.Payload = append([]byte(nil), m.Payload...)
		_ = entry.task.Input(time.Now(), session.Input{TrackMedia: &clone})
	}
}

func (w *Worker) deliverKeyframeToSources(k *bus.KeyframeRequest) {
	te, ok := w.tracks[session.TrackID(k.TrackID)]
	if !ok {
		return
	}
	for taskID := range te.sources {
		entry, ok := w.tasks[taskID]
		if !ok {
			continue
		}
		_ = entry.task.Input(time.Now(), session.Input{KeyframeTrack: &session.KeyframeTrackInput{
			TrackID: session.TrackID(k.TrackID),
			Kind:    k.Kind,
		}})
	}
}

// step 2
func (w *Worker) drainHTTP(now time.Time) {
	for {
		select {
		case ev, ok := <-w.inbound:
			if !ok {
				return
			}
			if ev.HTTPRequest != nil {
				w.handleHTTPRequest(now, ev.HTTPRequest)
			}
		default:
			return
		}
	}
}

func (w *Worker) handleHTTPRequest(now time.Time, req *ioevent.HTTPRequest) {
	var (
		task *session.Task
		err  error
		kind session.Kind
	)

	switch req.Path {
	case "/whip/endpoint":
		kind = session.KindWhip
		task, err = w.NewWhip(w.cfg, req, "/whip/endpoint/1234")
	case "/whep/endpoint":
		kind = session.KindWhep
		task, err = w.NewWhep(w.cfg, req, "/whep/endpoint/1234")
	default:
		w.respond(req.ReqID, 404, nil, []byte("Not Found"))
		return
	}

	if err != nil {
		// Malformed SDP fails the session with a 4xx instead of panicking
		// the worker.
		w.log.Warnf("%s session construction failed: %v", kind, err)
		w.respond(req.ReqID, 400, nil, []byte("Bad Request"))
		return
	}

	id := w.nextTaskID
	w.nextTaskID++
	w.tasks[id] = &taskEntry{
		task:    task,
		remotes: make(map[string]net.Addr),
		pub:     make(map[session.TrackID]struct{}),
		sub:     make(map[session.TrackID]struct{}),
	}
	w.ufrags[task.Ufrag()] = id

	// Drain initial outputs now so the HTTP response (the task's first
	// output) reaches the controller in this same cycle.
	w.drainTaskOutputs(id, now, req.ReqID)
}

func (w *Worker) respond(reqID ioevent.RequestID, status int, headers map[string]string, body []byte) {
	select {
	case w.outbound <- ioevent.Action{HTTPResponse: &ioevent.HTTPResponse{ReqID: reqID, Status: status, Headers: headers, Body: body}}:
	default:
		w.log.Warnf("dropped http response for request %d: outbound queue full", reqID)
	}
}

// step 3
func (w *Worker) tickTasks(now time.Time) {
	for _, entry := range w.tasks {
		entry.task.Tick(now)
	}
}

// step 4
func (w *Worker) drainAllTaskOutputs() {
	for id := range w.tasks {
		w.drainTaskOutputs(id, time.Now(), 0)
	}
}

// drainTaskOutputs pops every pending output from task id and applies its
// side effects. reqID is the request that created the task this cycle, if
// any, so the construction-time HTTPResponse can be routed back; zero
// otherwise.
func (w *Worker) drainTaskOutputs(id uint64, now time.Time, reqID ioevent.RequestID) {
	entry, ok := w.tasks[id]
	if !ok {
		return
	}
	for {
		out, ok := entry.task.PopAction(now)
		if !ok {
			return
		}
		w.applyOutput(id, entry, out, reqID)
	}
}

func (w *Worker) applyOutput(id uint64, entry *taskEntry, out session.Output, reqID ioevent.RequestID) {
	switch {
	case out.HTTPResponse != nil:
		w.respond(reqID, out.HTTPResponse.Status, out.HTTPResponse.Headers, out.HTTPResponse.Body)
	case out.UDPSend != nil:
		if _, err := w.sock.AddSendTo(out.UDPSend.Buf, out.UDPSend.To); err != nil && !errors.Is(err, transport.ErrWouldBlock) {
			w.log.Warnf("udp send failed: %v", err)
		} else if errors.Is(err, transport.ErrWouldBlock) {
			w.log.Warnf("udp send queue full, dropping datagram")
		}
	case out.TrackMedia != nil:
		w.busHandle.Send(bus.Event{Media: out.TrackMedia})
	case out.PublishTrack != nil:
		w.addTrack(id, entry, *out.PublishTrack, true)
	case out.SubscribeTrack != nil:
		w.addTrack(id, entry, *out.SubscribeTrack, false)
	case out.KeyframeRequest != nil:
		w.busHandle.Send(bus.Event{Keyframe: &bus.KeyframeRequest{
			TrackID: uint64(out.KeyframeRequest.TrackID),
			Kind:    out.KeyframeRequest.Kind,
		}})
	case out.TaskEnded:
		w.ended = append(w.ended, id)
	}
}

func (w *Worker) addTrack(id uint64, entry *taskEntry, trackID session.TrackID, isSource bool) {
	te, ok := w.tracks[trackID]
	if !ok {
		te = &trackEntry{sources: make(map[uint64]struct{}), consumers: make(map[uint64]struct{})}
		w.tracks[trackID] = te
	}
	if isSource {
		te.sources[id] = struct{}{}
		entry.pub[trackID] = struct{}{}
	} else {
		te.consumers[id] = struct{}{}
		entry.sub[trackID] = struct{}{}
	}
}

// step 5
func (w *Worker) removeEndedTasks() {
	for _, id := range w.ended {
		entry, ok := w.tasks[id]
		if !ok {
			continue
		}
		delete(w.tasks, id)
		for addrStr := range entry.remotes {
			delete(w.remotes, addrStr)
		}
		delete(w.ufrags, entry.task.Ufrag())

		for trackID := range entry.pub {
			w.removeFromTrack(trackID, id, true)
		}
		for trackID := range entry.sub {
			w.removeFromTrack(trackID, id, false)
		}
	}
	w.ended = w.ended[:0]
}

func (w *Worker) removeFromTrack(trackID session.TrackID, id uint64, isSource bool) {
	te, ok := w.tracks[trackID]
	if !ok {
		return
	}
	if isSource {
		delete(te.sources, id)
	} else {
		delete(te.consumers, id)
	}
	if len(te.sources) == 0 && len(te.consumers) == 0 {
		delete(w.tracks, trackID)
	}
}

// step 6
func (w *Worker) drainUDP(now time.Time) error {
	for {
		buf, from, err := w.sock.RecvFrom()
		if errors.Is(err, transport.ErrWouldBlock) {
			return nil
		}
		if err != nil {
			return fmt.Errorf("worker: recv from: %w", err)
		}

		id, ok := w.remotes[from.String()]
		if !ok {
			id, ok = w.resolveByStun(from, buf)
			if !ok {
				continue // unknown remote without a STUN binding: silently dropped
			}
		}

		entry, ok := w.tasks[id]
		if !ok {
			continue
		}

		cp := append([]byte(nil), buf...)
		_ = entry.task.Input(now, session.Input{UDPRecv: &session.UDPRecvInput{
			From: from,
			To:   w.sock.LocalAddr(),
			Buf:  cp,
		}})
		// The engine may only flag pending work without buffering it, so
		// we must drain right after feeding it this datagram rather than
		// waiting for the later output-drain step.
		w.drainTaskOutputs(id, now, 0)
	}
}

// resolveByStun maps a new remote address to a task via the STUN username
// attribute's local ufrag, and remembers the mapping (at-most-one owner
// per remote: once mapped, a remote stays mapped until its task ends).
func (w *Worker) resolveByStun(from net.Addr, buf []byte) (uint64, bool) {
	ufrag, ok := stunutil.ExtractUfrag(buf)
	if !ok {
		return 0, false
	}
	id, ok := w.ufrags[ufrag]
	if !ok {
		return 0, false
	}
	w.remotes[from.String()] = id
	if entry, ok := w.tasks[id]; ok {
		entry.remotes[from.String()] = from
	}
	return id, true
}

// step 7
func (w *Worker) commit() error {
	if err := w.sock.CommitSendTo(); err != nil {
		return fmt.Errorf("worker: commit send: %w", err)
	}
	if err := w.sock.FinishReadFrom(); err != nil {
		return fmt.Errorf("worker: finish read: %w", err)
	}
	return nil
}

// step 8
func (w *Worker) pace(start time.Time) {
	elapsed := time.Since(start)
	if elapsed < CycleFloor {
		time.Sleep(CycleFloor - elapsed)
	}
}
