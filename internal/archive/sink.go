// Package archive implements the local file sink named in the system
// overview (§4.10): a second, independent Broadcaster subscriber that
// buffers the live byte stream into fixed-duration segment files and
// retires the oldest once a retention count is exceeded.
package archive

import (
	"bytes"
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/Gibartes/TinyCam/internal/archive/storage"
	"github.com/Gibartes/TinyCam/internal/broadcast"
	"github.com/Gibartes/TinyCam/internal/initcache"
	"github.com/Gibartes/TinyCam/internal/metrics"
	"github.com/Gibartes/TinyCam/pkg/models"
)

// Options configures segment duration and retention.
type Options struct {
	SegmentDuration time.Duration // default 60s
	MaxSegments     int           // 0 selects the default of 30; a negative value means unbounded
	QueueCapacity   int           // not read by Sink: its queue takes the Broadcaster's capacity
}

func (o Options) withDefaults() Options {
	if o.SegmentDuration <= 0 {
		o.SegmentDuration = 60 * time.Second
	}
	if o.MaxSegments == 0 {
		o.MaxSegments = 30
	}
	return o
}

// Sink is one archive subscription. It never blocks the encoder's read
// loop — it is fed through the same bounded drop-oldest queue primitive as
// any WebSocket session, so a slow disk only affects archive completeness.
type Sink struct {
	store storage.Storage
	bus   *broadcast.Broadcaster
	cache *initcache.Cache
	m     *metrics.Metrics
	log   *slog.Logger
	opts  Options
	ext   string

	mu          sync.Mutex
	subID       string
	queue       *broadcast.Queue
	running     bool
	cancel      context.CancelFunc
	done        chan struct{}
	seq         uint64
	segments    []string
	lastInit    []byte
	lastDropped uint64
}

// New builds a Sink writing segments under store. ext is the file
// extension to use for segment/init files ("webm" for cluster-container
// encoders, "mp4" for box-container encoders), matching the active
// EncoderConfig.Container.
func New(store storage.Storage, bus *broadcast.Broadcaster, cache *initcache.Cache, m *metrics.Metrics, log *slog.Logger, opts Options, container models.ContainerKind) *Sink {
	ext := "mp4"
	if container == models.ContainerCluster {
		ext = "webm"
	}
	return &Sink{store: store, bus: bus, cache: cache, m: m, log: log, opts: opts.withDefaults(), ext: ext}
}

// Start begins archiving. Idempotent.
func (s *Sink) Start(ctx context.Context) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.running {
		return
	}

	subID, queue := s.bus.Subscribe()
	s.subID = subID
	s.queue = queue
	s.running = true

	runCtx, cancel := context.WithCancel(ctx)
	s.cancel = cancel
	s.done = make(chan struct{})

	go s.run(runCtx, queue, s.done)
}

// Stop ends archiving and waits for the writer loop to exit. Idempotent.
func (s *Sink) Stop() {
	s.mu.Lock()
	if !s.running {
		s.mu.Unlock()
		return
	}
	cancel := s.cancel
	subID := s.subID
	done := s.done
	s.mu.Unlock()

	cancel()
	<-done

	s.bus.Unsubscribe(subID)

	s.mu.Lock()
	s.running = false
	s.mu.Unlock()
}

// Dropped reports how many chunks this sink's subscriber queue has
// discarded under backpressure (§8 Archive drop independence).
func (s *Sink) Dropped() uint64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.queue == nil {
		return 0
	}
	return s.queue.Dropped()
}

// run drains the subscription into a growing segment buffer, finalizing
// and writing a file to storage every SegmentDuration, until ctx is done.
func (s *Sink) run(ctx context.Context, queue *broadcast.Queue, done chan struct{}) {
	defer close(done)

	chunkCh := make(chan []byte)
	go func() {
		for {
			chunk, ok := queue.Pop(ctx)
			if !ok {
				close(chunkCh)
				return
			}
			select {
			case chunkCh <- chunk:
			case <-ctx.Done():
				return
			}
		}
	}()

	ticker := time.NewTicker(s.opts.SegmentDuration)
	defer ticker.Stop()

	var buf bytes.Buffer
	for {
		select {
		case <-ctx.Done():
			s.finalizeSegment(&buf)
			s.recordDropDelta(queue)
			return
		case chunk, ok := <-chunkCh:
			if !ok {
				s.finalizeSegment(&buf)
				s.recordDropDelta(queue)
				return
			}
			buf.Write(chunk)
		case <-ticker.C:
			s.finalizeSegment(&buf)
			s.recordDropDelta(queue)
		}
	}
}

// recordDropDelta reports any new drops queue has accumulated since the
// last call, so tinycam_archive_chunks_dropped_total stays current
// without a drop callback on the hot push path.
func (s *Sink) recordDropDelta(queue *broadcast.Queue) {
	total := queue.Dropped()
	s.mu.Lock()
	delta := total - s.lastDropped
	s.lastDropped = total
	s.mu.Unlock()
	s.m.RecordArchiveDropped(delta)
}

// finalizeSegment writes the accumulated buffer as one segment file, then
// applies retention, dropping the oldest segment once MaxSegments is
// exceeded. A segment with no bytes is skipped.
func (s *Sink) finalizeSegment(buf *bytes.Buffer) {
	s.maybeWriteInit()

	if buf.Len() == 0 {
		return
	}

	s.mu.Lock()
	seq := s.seq
	s.seq++
	s.mu.Unlock()

	name := fmt.Sprintf("segment_%d.%s", seq, s.ext)
	data := make([]byte, buf.Len())
	copy(data, buf.Bytes())
	buf.Reset()

	if err := s.store.Write(name, data); err != nil {
		s.log.Error("archive: write segment failed", "name", name, "err", err)
		return
	}
	s.m.RecordSegmentWritten()

	s.mu.Lock()
	s.segments = append(s.segments, name)
	var evict string
	if s.opts.MaxSegments > 0 && len(s.segments) > s.opts.MaxSegments {
		evict = s.segments[0]
		s.segments = s.segments[1:]
	}
	s.mu.Unlock()

	if evict != "" {
		if err := s.store.Delete(evict); err != nil {
			s.log.Error("archive: evict old segment failed", "name", evict, "err", err)
		} else {
			s.m.RecordSegmentEvicted()
		}
	}
}

// maybeWriteInit rewrites init.<ext> whenever InitCache's published
// snapshot has changed since the last write, which happens once per
// encoder run (InitCache.Reset clears the old snapshot on every restart).
func (s *Sink) maybeWriteInit() {
	snap := s.cache.Snapshot()
	if len(snap) == 0 {
		return
	}

	s.mu.Lock()
	changed := !bytes.Equal(snap, s.lastInit)
	if changed {
		s.lastInit = append([]byte(nil), snap...)
	}
	s.mu.Unlock()

	if !changed {
		return
	}

	name := fmt.Sprintf("init.%s", s.ext)
	if err := s.store.Write(name, snap); err != nil {
		s.log.Error("archive: write init segment failed", "err", err)
	}
}
