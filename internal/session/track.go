package session

import (
	"hash/fnv"

	"github.com/tinysfu/core/internal/engine"
)

// TrackID is a stable 64-bit hash of (channel, media-kind), used to route
// bus events without either side needing to share a string key.
type TrackID uint64

// NewTrackID hashes channel and kind with FNV-1a. It only needs to be a
// pure, stable function of its inputs; FNV-1a is a stdlib-backed choice
// that satisfies that without pulling in a third-party hash just for
// stability.
func NewTrackID(channel string, kind engine.MediaKind) TrackID {
	h := fnv.New64a()
	h.Write([]byte(channel))
	h.Write([]byte{0})
	h.Write([]byte(kind.String()))
	return TrackID(h.Sum64())
}
