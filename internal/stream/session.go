// Package stream implements the WebSocket endpoint state machine of §4.6:
// query-string auth, the hello/start handshake, preroll replay of the
// current init segment, live subscription to Broadcaster, inactivity
// watchdog, and orderly teardown with the close codes of §6.2/§7.
package stream

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"

	"github.com/Gibartes/TinyCam/internal/broadcast"
	"github.com/Gibartes/TinyCam/internal/cryptosession"
	"github.com/Gibartes/TinyCam/internal/initcache"
	"github.com/Gibartes/TinyCam/internal/metrics"
	"github.com/Gibartes/TinyCam/pkg/models"
)

// State names the StreamSession state machine's states (§4.6).
type State int

const (
	StatePreAccept State = iota
	StateAccepted
	StateAwaitStart
	StateStreaming
	StateClosing
	StateClosed
)

func (s State) String() string {
	switch s {
	case StatePreAccept:
		return "pre_accept"
	case StateAccepted:
		return "accepted"
	case StateAwaitStart:
		return "await_start"
	case StateStreaming:
		return "streaming"
	case StateClosing:
		return "closing"
	case StateClosed:
		return "closed"
	default:
		return "unknown"
	}
}

const (
	prerollSliceSize = 64 * 1024

	// Close codes used by the server (§6.2).
	closeNormal          = websocket.CloseNormalClosure
	closeGoingAway       = websocket.CloseGoingAway
	closePolicyViolation = websocket.ClosePolicyViolation
	closeInternalError   = websocket.CloseInternalServerErr
	closeServerShutdown  = websocket.CloseTryAgainLater
)

// Params carries everything a Session needs that was already validated
// and parsed during PreAccept, by the HTTP handler, before upgrade.
type Params struct {
	AccessKey []byte
	CNonce    []byte // 16 bytes, decoded
	Exp       int64
}

// Options configures the bounds named in §4.6/§4.4/§5.
type Options struct {
	StartTimeout      time.Duration // default 60s, bounded 2..3600
	InactivityTimeout time.Duration // default 60s
	QueueCapacity     int           // default 256, bounded 2..4096
}

func (o Options) withDefaults() Options {
	if o.StartTimeout <= 0 {
		o.StartTimeout = 60 * time.Second
	}
	if o.StartTimeout < 2*time.Second {
		o.StartTimeout = 2 * time.Second
	}
	if o.StartTimeout > 3600*time.Second {
		o.StartTimeout = 3600 * time.Second
	}
	if o.InactivityTimeout <= 0 {
		o.InactivityTimeout = 60 * time.Second
	}
	return o
}

// Session runs one accepted WebSocket connection through Accepted →
// AwaitStart → Streaming → Closing → Closed.
type Session struct {
	conn  *websocket.Conn
	bus   *broadcast.Broadcaster
	cache *initcache.Cache
	m     *metrics.Metrics
	log   *slog.Logger
	opts  Options

	mu         sync.Mutex
	state      State
	acceptedAt time.Time
	streaming  bool

	writeMu      sync.Mutex // serializes writes to conn, required by gorilla/websocket
	shuttingDown atomic.Bool
	restarting   atomic.Bool
}

// Shutdown marks this session as being torn down by a server-wide
// shutdown rather than client/protocol behavior, so the eventual close
// frame uses code 1013 (server-shutting-down) instead of 1000 (§6.2, §5
// Cancellation/timeouts). It also forces any blocked read to return
// immediately, so the caller doesn't have to wait out InactivityTimeout
// for the teardown to take effect.
func (s *Session) Shutdown() {
	s.shuttingDown.Store(true)
	s.forceDisconnect()
}

// CloseForEncoderRestart tears the session down with code 1011
// (internal-error, reason "encoder restarted") because the encoder child
// has been respawned and this session's subscription/preroll now refer
// to a run that no longer exists (§4.2).
func (s *Session) CloseForEncoderRestart() {
	s.restarting.Store(true)
	s.forceDisconnect()
}

// forceDisconnect makes a blocked or future ReadMessage return
// immediately with an error, so receiveLoop can observe shuttingDown or
// restarting without waiting for the next natural inactivity deadline.
func (s *Session) forceDisconnect() {
	_ = s.conn.SetReadDeadline(time.Now())
}

// New constructs a Session for an already-upgraded connection. Run drives
// it through the remaining states.
func New(conn *websocket.Conn, bus *broadcast.Broadcaster, cache *initcache.Cache, m *metrics.Metrics, opts Options, log *slog.Logger) *Session {
	return &Session{
		conn:       conn,
		bus:        bus,
		cache:      cache,
		m:          m,
		log:        log,
		opts:       opts.withDefaults(),
		state:      StateAccepted,
		acceptedAt: time.Now(),
	}
}

func (s *Session) setState(st State) {
	s.mu.Lock()
	s.state = st
	s.mu.Unlock()
}

// State reports the session's current state.
func (s *Session) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// Run executes the session's lifetime: handshake, streaming, and
// teardown. It returns once the session reaches Closed. cfg is the
// EncoderConfig snapshot in effect at Accepted time, used for the hello
// message's codec/geometry and the AAD binding.
func (s *Session) Run(ctx context.Context, p Params, cfg *models.EncoderConfig) {
	connID, err := cryptosession.NewConnID()
	if err != nil {
		s.closeWith(closeInternalError, "internal error")
		return
	}
	snonce, err := cryptosession.NewNonce16()
	if err != nil {
		s.closeWith(closeInternalError, "internal error")
		return
	}

	connB64 := base64.StdEncoding.EncodeToString(connID[:])
	hello := helloMessage{
		Type:   "hello",
		SNonce: base64.StdEncoding.EncodeToString(snonce),
		Conn:   connB64,
		W:      cfg.Width,
		H:      cfg.Height,
		FPS:    cfg.FPS,
		Codec:  cfg.Codec,
		Exp:    p.Exp,
	}
	if err := s.writeJSON(hello); err != nil {
		s.log.Debug("stream: hello send failed", "err", err)
		s.setState(StateClosed)
		return
	}

	s.setState(StateAwaitStart)
	if !s.awaitStart(connB64, p.Exp) {
		return // awaitStart already closed the session
	}

	sessionKey, err := cryptosession.DeriveSessionKey(p.AccessKey, p.CNonce, snonce)
	if err != nil {
		s.closeWith(closeInternalError, "internal error")
		return
	}
	aad := cryptosession.AADParams{
		ConnIDBase64: connB64,
		Exp:          p.Exp,
		Codec:        cfg.Codec,
		Width:        cfg.Width,
		Height:       cfg.Height,
		FPS:          cfg.FPS,
	}
	crypto, err := cryptosession.New(sessionKey, connID, aad)
	if err != nil {
		s.closeWith(closeInternalError, "internal error")
		return
	}

	s.setState(StateStreaming)
	s.stream(ctx, crypto)
}

// awaitStart reads exactly one text frame within the start timeout and
// validates it per §4.6. Returns false (and has already closed the
// session) on timeout or mismatch.
func (s *Session) awaitStart(wantConnB64 string, wantExp int64) bool {
	s.conn.SetReadDeadline(time.Now().Add(s.opts.StartTimeout))
	_, raw, err := s.conn.ReadMessage()
	if err != nil {
		s.m.RecordHandshake("start_timeout")
		s.closeWith(closePolicyViolation, "start timeout")
		return false
	}

	var msg startMessage
	if err := json.Unmarshal(raw, &msg); err != nil {
		s.m.RecordHandshake("mismatch")
		s.closeWith(closePolicyViolation, "malformed start")
		return false
	}
	if !validStartTypes[msg.Type] {
		s.m.RecordHandshake("mismatch")
		s.closeWith(closePolicyViolation, "unexpected type")
		return false
	}
	if msg.Conn != "" && msg.Conn != wantConnB64 {
		s.m.RecordHandshake("mismatch")
		s.closeWith(closePolicyViolation, "conn mismatch")
		return false
	}
	if msg.Exp != 0 && msg.Exp != wantExp {
		s.m.RecordHandshake("mismatch")
		s.closeWith(closePolicyViolation, "exp mismatch")
		return false
	}
	s.m.RecordHandshake("ok")
	return true
}

// stream runs the Streaming state: preroll replay, live subscription, and
// the inactivity-watched receive loop, until the session is torn down.
func (s *Session) stream(ctx context.Context, crypto *cryptosession.Session) {
	sessCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	outbound := broadcast.NewQueue(s.opts.QueueCapacity)
	subID, subQueue := s.bus.Subscribe()

	s.mu.Lock()
	s.streaming = true
	s.mu.Unlock()
	s.m.RecordSessionStart()

	defer func() {
		s.bus.Unsubscribe(subID)
		s.m.RecordChunksDropped("stream_session", subQueue.Dropped()+outbound.Dropped())
		outbound.Close()
	}()

	if snap := s.cache.Snapshot(); len(snap) > 0 {
		for off := 0; off < len(snap); off += prerollSliceSize {
			end := off + prerollSliceSize
			if end > len(snap) {
				end = len(snap)
			}
			slice := make([]byte, end-off)
			copy(slice, snap[off:end])
			outbound.Push(slice)
		}
	}

	var wg sync.WaitGroup
	wg.Add(2)

	go func() {
		defer wg.Done()
		s.relayLiveChunks(sessCtx, subQueue, outbound)
	}()

	go func() {
		defer wg.Done()
		s.writeLoop(sessCtx, outbound, crypto)
	}()

	reason := s.receiveLoop(sessCtx)

	cancel()
	wg.Wait()

	s.closeWith(reason.code, reason.text)
}

type closeReason struct {
	code int
	text string
}

// relayLiveChunks forwards everything the Broadcaster delivers into this
// session's unified outbound queue, so both preroll and live bytes share
// one drop-oldest policy ahead of a single writer (§4.6).
func (s *Session) relayLiveChunks(ctx context.Context, in, out *broadcast.Queue) {
	for {
		chunk, ok := in.Pop(ctx)
		if !ok {
			return
		}
		out.Push(chunk)
	}
}

// writeLoop is the single writer draining the outbound queue to the
// socket, encrypting each chunk just before sending (§4.5, §5).
func (s *Session) writeLoop(ctx context.Context, out *broadcast.Queue, crypto *cryptosession.Session) {
	for {
		chunk, ok := out.Pop(ctx)
		if !ok {
			return
		}
		record := crypto.Seal(chunk)
		if err := s.writeBinary(record); err != nil {
			return
		}
	}
}

// receiveLoop reads inbound frames, resetting the inactivity timer on
// every one, until a close frame, read error, timeout, or cancellation.
func (s *Session) receiveLoop(ctx context.Context) closeReason {
	for {
		if reason, done := s.teardownReason(ctx); done {
			return reason
		}

		s.conn.SetReadDeadline(time.Now().Add(s.opts.InactivityTimeout))
		msgType, _, err := s.conn.ReadMessage()
		if err != nil {
			if reason, done := s.teardownReason(ctx); done {
				return reason
			}
			if websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				return closeReason{closeNormal, "client closed"}
			}
			return closeReason{closeGoingAway, "inactivity"}
		}
		_ = msgType // any inbound text or binary frame resets the timer; content is not required by this protocol version
	}
}

// teardownReason reports the close code a caller-initiated teardown
// (Shutdown, CloseForEncoderRestart, or context cancellation) wants, or
// done=false if none of those have happened yet.
func (s *Session) teardownReason(ctx context.Context) (reason closeReason, done bool) {
	if s.shuttingDown.Load() {
		return closeReason{closeServerShutdown, "server shutting down"}, true
	}
	if s.restarting.Load() {
		return closeReason{closeInternalError, "encoder restarted"}, true
	}
	if ctx.Err() != nil {
		return closeReason{closeNormal, "session ending"}, true
	}
	return closeReason{}, false
}

func (s *Session) writeJSON(v interface{}) error {
	raw, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("stream: marshal: %w", err)
	}
	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	return s.conn.WriteMessage(websocket.TextMessage, raw)
}

func (s *Session) writeBinary(b []byte) error {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	return s.conn.WriteMessage(websocket.BinaryMessage, b)
}

// closeWith attempts a polite close frame with the given status code and
// enters Closed regardless of whether the frame could be sent (§4.6
// Closing/Closed, §7).
func (s *Session) closeWith(code int, reason string) {
	s.setState(StateClosing)

	s.writeMu.Lock()
	deadline := time.Now().Add(time.Second)
	_ = s.conn.WriteControl(websocket.CloseMessage, websocket.FormatCloseMessage(code, reason), deadline)
	s.writeMu.Unlock()

	_ = s.conn.Close()
	s.setState(StateClosed)

	s.mu.Lock()
	wasStreaming := s.streaming
	s.streaming = false
	acceptedAt := s.acceptedAt
	s.mu.Unlock()
	if wasStreaming {
		s.m.RecordSessionEnd(time.Since(acceptedAt).Seconds())
	}
}
