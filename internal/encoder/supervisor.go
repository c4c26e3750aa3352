// Package encoder runs the perpetual spawn/read/restart loop described in
// §4.2: it owns the single encoder child process for one device, resets
// the InitCache on every run, and hands every stdout chunk to both the
// InitCache and the Broadcaster before the next read.
package encoder

import (
	"context"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/Gibartes/TinyCam/internal/broadcast"
	"github.com/Gibartes/TinyCam/internal/initcache"
	"github.com/Gibartes/TinyCam/internal/metrics"
	"github.com/Gibartes/TinyCam/internal/procguard"
	"github.com/Gibartes/TinyCam/pkg/models"
)

const (
	readChunkSize   = 64 * 1024
	shortBackoff    = 200 * time.Millisecond
	longBackoff     = 3 * time.Second
	gracefulTimeout = 3 * time.Second
	forcefulTimeout = 1 * time.Second
)

// Supervisor owns the perpetual restart loop for one encoder device.
// Exactly one Supervisor should be alive per physical device, enforced
// one layer up by devicelock.
type Supervisor struct {
	cache *initcache.Cache
	bus   *broadcast.Broadcaster
	m     *metrics.Metrics
	log   *slog.Logger

	quitByte *byte // optional in-band polite-quit character, §4.1

	mu          sync.Mutex
	cfg         *models.EncoderConfig
	running     bool
	cancel      context.CancelFunc
	loopDone    chan struct{}
	currentProc *procguard.Process
	onRestart   func()

	pid atomic.Int64 // 0 when no child is alive
}

// New builds a Supervisor against the given InitCache and Broadcaster,
// which the EncoderSupervisor owns the feeding of but not the lifetime of.
func New(cfg *models.EncoderConfig, cache *initcache.Cache, bus *broadcast.Broadcaster, m *metrics.Metrics, log *slog.Logger) *Supervisor {
	return &Supervisor{cfg: cfg, cache: cache, bus: bus, m: m, log: log}
}

// SetOnRestart registers a callback invoked by Restart after the old
// child has been stopped and before the new one is spawned, so
// subscribers holding state tied to the previous run (e.g. a
// StreamSession's cached init segment) can be torn down (§4.2).
func (s *Supervisor) SetOnRestart(f func()) {
	s.mu.Lock()
	s.onRestart = f
	s.mu.Unlock()
}

// SetQuitByte configures the in-band polite-quit character sent to the
// encoder's stdin before a termination signal, if the encoder supports one.
func (s *Supervisor) SetQuitByte(b byte) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.quitByte = &b
}

// UpdateConfig swaps in a new EncoderConfig snapshot, used on the next
// spawn. It does not restart a currently running encoder; call Restart
// to apply it immediately (e.g. from /apply-config).
func (s *Supervisor) UpdateConfig(cfg *models.EncoderConfig) {
	s.mu.Lock()
	s.cfg = cfg
	s.mu.Unlock()
}

// Start begins the restart loop. Idempotent: calling Start on an already
// running Supervisor is a no-op.
func (s *Supervisor) Start() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.running {
		return
	}

	ctx, cancel := context.WithCancel(context.Background())
	s.cancel = cancel
	s.loopDone = make(chan struct{})
	s.running = true

	go s.run(ctx, s.loopDone)
}

// Stop performs graceful then forced termination of the current child (if
// any) via ProcessGuardian and awaits the read loop's exit. Idempotent.
func (s *Supervisor) Stop() {
	s.mu.Lock()
	if !s.running {
		s.mu.Unlock()
		return
	}
	cancel := s.cancel
	proc := s.currentProc
	done := s.loopDone
	s.mu.Unlock()

	// Terminate before canceling: the child was spawned under ctx, so an
	// earlier cancel would kill it outright and skip the graceful path.
	if proc != nil {
		if !procguard.TerminateGraceful(proc, gracefulTimeout, s.quitByte, s.log) {
			procguard.Kill(proc, forcefulTimeout, s.log)
		}
	}

	cancel()

	<-done

	s.mu.Lock()
	s.running = false
	s.mu.Unlock()
}

// Restart stops then starts the supervisor, picking up any UpdateConfig
// call made in between. Any onRestart callback runs after the old child
// is gone but before the new one starts, so it can tear down state tied
// to the run that just ended.
func (s *Supervisor) Restart() {
	s.Stop()

	s.mu.Lock()
	onRestart := s.onRestart
	s.mu.Unlock()
	if onRestart != nil {
		onRestart()
	}

	s.Start()
}

// CurrentPID returns the live encoder child's pid, or (0, false) if none
// is currently running.
func (s *Supervisor) CurrentPID() (int, bool) {
	pid := s.pid.Load()
	return int(pid), pid != 0
}

// Config returns a copy of the EncoderConfig currently in effect, for
// callers (e.g. StreamSession) that need the active codec/geometry to
// build a hello message or AAD.
func (s *Supervisor) Config() *models.EncoderConfig {
	return s.configSnapshot()
}

func (s *Supervisor) configSnapshot() *models.EncoderConfig {
	s.mu.Lock()
	defer s.mu.Unlock()
	cfg := *s.cfg
	return &cfg
}

func (s *Supervisor) setCurrentProc(p *procguard.Process) {
	s.mu.Lock()
	s.currentProc = p
	s.mu.Unlock()
}

// run is the perpetual loop described in §4.2. It exits only when ctx is
// canceled (by Stop).
func (s *Supervisor) run(ctx context.Context, done chan struct{}) {
	defer close(done)

	userInitiated := false
	for {
		if ctx.Err() != nil {
			return
		}

		s.cache.Reset()
		cfg := s.configSnapshot()
		argv := BuildArgv(cfg)

		proc, err := procguard.Spawn(ctx, argv, nil)
		if err != nil {
			s.log.Error("encoder: spawn failed", "err", err)
			s.m.RecordEncoderSpawnError()
			if !sleepCancelable(ctx, longBackoff) {
				return
			}
			continue
		}

		s.setCurrentProc(proc)
		s.pid.Store(int64(proc.PID()))
		s.log.Info("encoder: started", "pid", proc.PID())
		s.m.RecordEncoderSpawn()

		s.pump(ctx, proc)

		s.pid.Store(0)
		s.setCurrentProc(nil)
		s.m.RecordEncoderExit()

		if ctx.Err() != nil {
			return
		}

		exited, exitErr := proc.Exited()
		userInitiated = exited && exitErr == nil
		s.log.Info("encoder: exited", "user_initiated", userInitiated, "err", exitErr)

		backoff := longBackoff
		if userInitiated {
			backoff = shortBackoff
		}
		if !sleepCancelable(ctx, backoff) {
			return
		}
	}
}

// pump reads stdout in fixed-size chunks until EOF or exit, feeding each
// chunk to the InitCache and then the Broadcaster, in that order (§4.2
// step 4: "first feed it to InitCache, then hand the same bytes to
// Broadcaster").
func (s *Supervisor) pump(ctx context.Context, proc *procguard.Process) {
	buf := make([]byte, readChunkSize)
	for {
		n, err := proc.Stdout.Read(buf)
		if n > 0 {
			chunk := make([]byte, n)
			copy(chunk, buf[:n])
			s.cache.Feed(chunk)
			s.bus.Broadcast(chunk)
		}
		if err != nil {
			return
		}
		if ctx.Err() != nil {
			return
		}
	}
}

// sleepCancelable sleeps for d or returns early (false) if ctx is done.
func sleepCancelable(ctx context.Context, d time.Duration) bool {
	select {
	case <-time.After(d):
		return true
	case <-ctx.Done():
		return false
	}
}
