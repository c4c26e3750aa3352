// Package broadcast fans a single source of byte chunks out to any number of
// subscribers, each behind its own bounded, drop-oldest queue so one slow
// reader can never block the source or starve any other subscriber.
package broadcast

import (
	"context"
	"sync"

	"github.com/google/uuid"

	"github.com/Gibartes/TinyCam/internal/metrics"
)

const (
	// DefaultQueueCapacity is used when New is given a non-positive capacity.
	DefaultQueueCapacity = 256
	minQueueCapacity     = 2
	maxQueueCapacity     = 4096
)

// clampCapacity applies the configured bound of 2..4096 (§4.4), falling back
// to DefaultQueueCapacity for non-positive input.
func clampCapacity(n int) int {
	if n <= 0 {
		n = DefaultQueueCapacity
	}
	if n < minQueueCapacity {
		n = minQueueCapacity
	}
	if n > maxQueueCapacity {
		n = maxQueueCapacity
	}
	return n
}

// Broadcaster holds the live subscriber set and dispatches chunks to each
// one's queue without ever blocking on a slow consumer.
type Broadcaster struct {
	mu       sync.RWMutex
	subs     map[string]*Queue
	queueCap int
	m        *metrics.Metrics
}

// New creates a Broadcaster whose subscriber queues are bounded to
// queueCap entries (clamped to 2..4096; non-positive means the default).
func New(queueCap int, m *metrics.Metrics) *Broadcaster {
	return &Broadcaster{
		subs:     make(map[string]*Queue),
		queueCap: clampCapacity(queueCap),
		m:        m,
	}
}

// Subscribe registers a new subscriber and returns its id plus the queue it
// should drain. The caller must call Unsubscribe(id) exactly once when done.
func (b *Broadcaster) Subscribe() (string, *Queue) {
	id := uuid.NewString()
	q := newQueue(b.queueCap)

	b.mu.Lock()
	b.subs[id] = q
	b.mu.Unlock()

	b.m.ActiveSubscribers.Set(float64(b.SubscriberCount()))

	return id, q
}

// Unsubscribe removes and closes the subscriber's queue. Safe to call more
// than once; the second call is a no-op.
func (b *Broadcaster) Unsubscribe(id string) {
	b.mu.Lock()
	q, ok := b.subs[id]
	delete(b.subs, id)
	b.mu.Unlock()

	if ok {
		q.close()
		b.m.ActiveSubscribers.Set(float64(b.SubscriberCount()))
	}
}

// Broadcast delivers chunk to every current subscriber's queue. The
// subscriber set is snapshotted under the read lock; dispatch happens
// outside it so a subscriber join/leave never blocks delivery, and one
// subscriber's drop never touches another's queue.
//
// chunk is shared, read-only, across every subscriber — callers must not
// mutate it after calling Broadcast.
func (b *Broadcaster) Broadcast(chunk []byte) {
	b.mu.RLock()
	targets := make([]*Queue, 0, len(b.subs))
	for _, q := range b.subs {
		targets = append(targets, q)
	}
	b.mu.RUnlock()

	b.m.RecordChunkBroadcast()

	for _, q := range targets {
		q.push(chunk)
	}
}

// SubscriberCount reports the current number of live subscribers.
func (b *Broadcaster) SubscriberCount() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.subs)
}

// Queue is a bounded, single-reader FIFO of byte chunks with a drop-oldest
// overflow policy (§4.4, §8 property 7). Multiple producers may push
// concurrently; exactly one consumer should call Pop in a loop.
type Queue struct {
	mu      sync.Mutex
	buf     [][]byte
	cap     int
	notify  chan struct{}
	closed  bool
	dropped uint64
}

// NewQueue creates a standalone bounded, drop-oldest queue (the same
// primitive Broadcaster hands each subscriber) for callers that need one
// outside of a Broadcaster, e.g. a WebSocket session's outbound queue
// combining preroll slices with live chunks (§4.6).
func NewQueue(cap int) *Queue {
	return newQueue(clampCapacity(cap))
}

func newQueue(cap int) *Queue {
	return &Queue{
		buf:    make([][]byte, 0, cap),
		cap:    cap,
		notify: make(chan struct{}, 1),
	}
}

// Push appends chunk, dropping the oldest buffered entry first if the
// queue is already at capacity. It never blocks.
func (q *Queue) Push(chunk []byte) {
	q.push(chunk)
}

// push is the unexported implementation shared by Push and Broadcaster's
// internal dispatch path.
func (q *Queue) push(chunk []byte) {
	q.mu.Lock()
	if q.closed {
		q.mu.Unlock()
		return
	}
	if len(q.buf) >= q.cap {
		q.buf = q.buf[1:]
		q.dropped++
	}
	q.buf = append(q.buf, chunk)
	q.mu.Unlock()

	select {
	case q.notify <- struct{}{}:
	default:
	}
}

// Pop blocks until a chunk is available, the queue is closed, or ctx is
// done. ok is false only when the queue has been drained and closed, or the
// context was canceled first.
func (q *Queue) Pop(ctx context.Context) (chunk []byte, ok bool) {
	for {
		q.mu.Lock()
		if len(q.buf) > 0 {
			chunk = q.buf[0]
			q.buf = q.buf[1:]
			q.mu.Unlock()
			return chunk, true
		}
		closed := q.closed
		q.mu.Unlock()

		if closed {
			return nil, false
		}

		select {
		case <-q.notify:
		case <-ctx.Done():
			return nil, false
		}
	}
}

// Dropped reports how many entries this queue has discarded to overflow.
func (q *Queue) Dropped() uint64 {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.dropped
}

// Close marks the queue closed; buffered-but-unread items remain
// readable via Pop until drained, after which Pop returns ok=false.
func (q *Queue) Close() {
	q.close()
}

func (q *Queue) close() {
	q.mu.Lock()
	if q.closed {
		q.mu.Unlock()
		return
	}
	q.closed = true
	q.mu.Unlock()

	select {
	case q.notify <- struct{}{}:
	default:
	}
}
