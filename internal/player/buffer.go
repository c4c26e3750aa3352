package player

import (
	"sync"
	"time"
)

// Retention selects how MediaBuffer trims itself as new plaintext arrives.
type Retention int

const (
	// RetainGrow never trims; the buffer only grows for the life of the session.
	RetainGrow Retention = iota
	// RetainWindow periodically drops buffered content older than now-window.
	RetainWindow
)

// chunk is one decrypted append, timestamped so RetainWindow can trim by age.
type chunk struct {
	data []byte
	at   time.Time
}

// MediaBuffer is the container-agnostic sink fed by Player's decrypt loop
// (§4.7). It is safe for concurrent Append and Bytes/Len calls.
type MediaBuffer struct {
	mu        sync.Mutex
	chunks    []chunk
	size      int
	retention Retention
	window    time.Duration // only meaningful under RetainWindow

	paused      bool
	sawFirst    bool
	resumeToEnd func() // first-frame fallback hook, see SetResumeHook
}

// NewMediaBuffer builds a buffer that never trims.
func NewMediaBuffer() *MediaBuffer {
	return &MediaBuffer{retention: RetainGrow}
}

// NewWindowedMediaBuffer builds a buffer that drops content older than
// minutes on every Append.
func NewWindowedMediaBuffer(minutes int) *MediaBuffer {
	if minutes <= 0 {
		minutes = 1
	}
	return &MediaBuffer{retention: RetainWindow, window: time.Duration(minutes) * time.Minute}
}

// SetPaused marks whether the underlying sink (e.g. a UI player element) is
// currently paused. Append consults this to drive the first-frame fallback
// of §4.7: if the sink was paused when the very first chunk arrived, the
// caller's resume hook fires once, after that append, so playback can seek
// to the live edge instead of starting from an empty buffer's beginning.
func (b *MediaBuffer) SetPaused(paused bool) {
	b.mu.Lock()
	b.paused = paused
	b.mu.Unlock()
}

// SetResumeHook installs the callback invoked exactly once, the first time
// Append observes paused=true on the first chunk ever appended. It is a
// recovery strategy, not a protocol requirement (§4.7).
func (b *MediaBuffer) SetResumeHook(f func()) {
	b.mu.Lock()
	b.resumeToEnd = f
	b.mu.Unlock()
}

// Append adds plaintext to the buffer and applies retention.
func (b *MediaBuffer) Append(plaintext []byte) {
	b.mu.Lock()
	defer b.mu.Unlock()

	cp := make([]byte, len(plaintext))
	copy(cp, plaintext)
	now := time.Now()
	b.chunks = append(b.chunks, chunk{data: cp, at: now})
	b.size += len(cp)

	first := !b.sawFirst
	b.sawFirst = true

	if b.retention == RetainWindow {
		b.trimLocked(now)
	}

	if first && b.paused && b.resumeToEnd != nil {
		hook := b.resumeToEnd
		b.resumeToEnd = nil
		go hook()
	}
}

// trimLocked drops chunks older than now-window. Caller holds b.mu.
func (b *MediaBuffer) trimLocked(now time.Time) {
	cutoff := now.Add(-b.window)
	i := 0
	for i < len(b.chunks) && b.chunks[i].at.Before(cutoff) {
		b.size -= len(b.chunks[i].data)
		i++
	}
	if i > 0 {
		b.chunks = b.chunks[i:]
	}
}

// Len reports the number of bytes currently retained.
func (b *MediaBuffer) Len() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.size
}

// Bytes returns a fresh copy of everything currently retained, in order.
func (b *MediaBuffer) Bytes() []byte {
	b.mu.Lock()
	defer b.mu.Unlock()
	out := make([]byte, 0, b.size)
	for _, c := range b.chunks {
		out = append(out, c.data...)
	}
	return out
}
