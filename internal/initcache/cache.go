// Package initcache scans the head of an encoder's byte stream for a
// replayable "init segment" — the container prefix a decoder needs before
// any live chunk — and publishes it atomically so late-joining subscribers
// can prime themselves.
package initcache

import (
	"sync"

	"github.com/Gibartes/TinyCam/pkg/models"
)

// capBytes bounds how much of the stream head InitCache will ever buffer.
// Bytes beyond this are ignored for init detection; live flow is unaffected
// since the same bytes are handed to Broadcaster regardless (§4.3, §9).
const capBytes = 2 * 1024 * 1024

// Cache holds the head of an encoder's stdout plus the parsed init segment,
// once found. It is safe for concurrent feed/snapshot/reset calls.
type Cache struct {
	mu   sync.RWMutex
	kind models.ContainerKind

	buf []byte

	// cluster parser state
	headerOff  int // offset of the 1A 45 DF A3 signature, -1 until found
	clusterOff int // offset of the first 1F 43 B6 75 signature, -1 until found

	// box parser state
	boxOff  int // next unparsed offset in buf
	sawFtyp bool
	moovEnd int // -1 until the moov box is fully seen

	snapshot []byte // published once ready; nil until then
}

// New creates a Cache that will run the parser appropriate for kind.
func New(kind models.ContainerKind) *Cache {
	c := &Cache{kind: kind}
	c.resetLocked()
	return c
}

// Feed appends bytes to the head buffer (up to the cap) and re-runs the
// container-specific parser, publishing the snapshot at most once.
func (c *Cache) Feed(b []byte) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.snapshot != nil {
		return // already published; nothing left to do until Reset
	}

	room := capBytes - len(c.buf)
	if room <= 0 {
		return
	}
	if len(b) > room {
		b = b[:room]
	}
	c.buf = append(c.buf, b...)

	switch c.kind {
	case models.ContainerCluster:
		c.feedClusterLocked()
	case models.ContainerBox:
		c.feedBoxLocked()
	}
}

// Snapshot returns the published init segment, or nil if not yet ready.
// The returned slice must not be mutated by the caller; it is a copy taken
// when the init segment was found, shared by every caller until Reset.
func (c *Cache) Snapshot() []byte {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.snapshot
}

// Ready reports whether Snapshot would return a non-empty slice.
func (c *Cache) Ready() bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.snapshot != nil
}

// Reset clears all state, to be called on every encoder restart.
func (c *Cache) Reset() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.resetLocked()
}

func (c *Cache) resetLocked() {
	c.buf = nil
	c.headerOff = -1
	c.clusterOff = -1
	c.boxOff = 0
	c.sawFtyp = false
	c.moovEnd = -1
	c.snapshot = nil
}
