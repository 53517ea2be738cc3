// Package bus implements the process-wide media bus shared by every
// worker: a lossy broadcast ring of TrackMedia and keyframe-request events.
// The bus does not know about channels or track ids; per-track routing is
// entirely the worker's job (see internal/worker).
package bus

import (
	"sync"

	"github.com/pion/rtp"
)

// DefaultCapacity is the ring size used when New is called with capacity<=0.
const DefaultCapacity = 1000

// TrackMedia is one RTP packet plus the routing metadata a worker needs to
// fan it out to local consumers.
type TrackMedia struct {
	TrackID   uint64
	SeqNo     uint64 // extended sequence number
	Timestamp uint64 // extended RTP timestamp
	Header    rtp.Header
	Payload   []byte
}

// KeyframeKind enumerates the two keyframe-request flavors a subscriber can
// ask for.
type KeyframeKind int

const (
	KeyframePLI KeyframeKind = iota
	KeyframeFIR
)

// KeyframeRequest asks every source task for a track to produce a new
// keyframe.
type KeyframeRequest struct {
	TrackID uint64
	Kind    KeyframeKind
}

// Event is a tagged union of the two things that travel on the bus.
type Event struct {
	Media     *TrackMedia
	Keyframe  *KeyframeRequest
}

// Bus is a bounded broadcast ring. Every worker is both a producer, via
// Send, and a consumer, via a private Reader obtained from NewReader. A
// reader that falls behind by more than the ring's capacity silently drops
// the oldest entries rather than blocking a writer.
type Bus struct {
	mu    sync.Mutex
	cap   int
	write uint64 // next slot index to write, monotonically increasing
	slots []Event
}

// New creates a Bus with the given ring capacity, or DefaultCapacity if
// capacity is not positive.
func New(capacity int) *Bus {
	if capacity <= 0 {
		capacity = DefaultCapacity
	}
	return &Bus{
		cap:   capacity,
		slots: make([]Event, capacity),
	}
}

// Send publishes one event to every reader that exists at the time of the
// call; readers created later do not see it. Readers that haven't caught
// up by the time the ring wraps lose the events they missed; Send itself
// never blocks.
func (b *Bus) Send(ev Event) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.slots[b.write%uint64(b.cap)] = ev
	b.write++
}

// Reader is a single worker's private view into the bus. It is not safe
// for concurrent use by multiple goroutines.
type Reader struct {
	bus    *Bus
	cursor uint64
}

// NewReader returns a reader starting at the bus's current write position;
// it will observe only events sent after this call.
func (b *Bus) NewReader() *Reader {
	b.mu.Lock()
	cursor := b.write
	b.mu.Unlock()
	return &Reader{bus: b, cursor: cursor}
}

// TryRecv returns the next event for this reader, or ok=false if the bus
// has nothing new. If the writer has lapped this reader since the last
// call, the reader is fast-forwarded to the oldest event still held in the
// ring instead of blocking or erroring.
func (r *Reader) TryRecv() (Event, bool) {
	r.bus.mu.Lock()
	defer r.bus.mu.Unlock()

	if r.cursor == r.bus.write {
		return Event{}, false
	}

	oldest := uint64(0)
	if r.bus.write > uint64(r.bus.cap) {
		oldest = r.bus.write - uint64(r.bus.cap)
	}
	if r.cursor < oldest {
		r.cursor = oldest
	}

	ev := r.bus.slots[r.cursor%uint64(r.bus.cap)]
	r.cursor++
	return ev, true
}
