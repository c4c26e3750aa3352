package stream

import (
	"context"
	"encoding/base64"
	"log/slog"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/Gibartes/TinyCam/internal/broadcast"
	"github.com/Gibartes/TinyCam/internal/encoder"
	"github.com/Gibartes/TinyCam/internal/initcache"
	"github.com/Gibartes/TinyCam/internal/keys"
	"github.com/Gibartes/TinyCam/internal/metrics"
)

const cnonceDecodedLen = 16

// Handler upgrades /stream requests and hands each accepted connection to
// a new Session, after performing PreAccept validation (§4.6) — auth
// failures never reach the WebSocket upgrade (§7).
type Handler struct {
	upgrader websocket.Upgrader
	material *keys.Material
	bus      *broadcast.Broadcaster
	cache    *initcache.Cache
	sup      *encoder.Supervisor
	m        *metrics.Metrics
	log      *slog.Logger
	opts     Options

	// rootCtx outlives any single HTTP request; a session's lifetime must
	// not be tied to r.Context(), which net/http cancels the moment
	// ServeHTTP returns. The process's shutdown sequence cancels rootCtx.
	rootCtx context.Context

	mu       sync.Mutex
	sessions map[*Session]struct{}
}

// NewHandler builds a Handler wired to the live encoder pipeline. rootCtx
// should be canceled once, by the caller, when the server is shutting
// down; every session started by this Handler is a child of it.
func NewHandler(rootCtx context.Context, material *keys.Material, bus *broadcast.Broadcaster, cache *initcache.Cache, sup *encoder.Supervisor, m *metrics.Metrics, opts Options, log *slog.Logger) *Handler {
	return &Handler{
		upgrader: websocket.Upgrader{
			ReadBufferSize:  4096,
			WriteBufferSize: 4096,
			CheckOrigin:     func(r *http.Request) bool { return true },
		},
		material: material,
		bus:      bus,
		cache:    cache,
		sup:      sup,
		m:        m,
		opts:     opts.withDefaults(),
		log:      log,
		rootCtx:  rootCtx,
		sessions: make(map[*Session]struct{}),
	}
}

// Shutdown force-closes every live session with code 1013 (server
// shutting down). Callers still cancel rootCtx separately; this exists
// because canceling a context does not interrupt a Session's in-flight
// blocking read.
func (h *Handler) Shutdown() {
	h.mu.Lock()
	defer h.mu.Unlock()
	for sess := range h.sessions {
		sess.Shutdown()
	}
}

// CloseSessionsForEncoderRestart force-closes every live session with
// code 1011 ("encoder restarted"), since each session's preroll and
// subscription are tied to the encoder run that just ended (§4.2).
func (h *Handler) CloseSessionsForEncoderRestart() {
	h.mu.Lock()
	defer h.mu.Unlock()
	for sess := range h.sessions {
		sess.CloseForEncoderRestart()
	}
}

func (h *Handler) addSession(sess *Session) {
	h.mu.Lock()
	h.sessions[sess] = struct{}{}
	h.mu.Unlock()
}

func (h *Handler) removeSession(sess *Session) {
	h.mu.Lock()
	delete(h.sessions, sess)
	h.mu.Unlock()
}

// ServeHTTP implements PreAccept: parse and verify the query-string
// credentials, and only upgrade once they check out.
func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	token := q.Get("token")
	expStr := q.Get("exp")
	cnonceB64 := q.Get("cnonce")

	if token == "" || expStr == "" || cnonceB64 == "" {
		h.m.RecordHandshake("auth_rejected")
		http.Error(w, "missing query parameters", http.StatusUnauthorized)
		return
	}

	exp, err := strconv.ParseInt(expStr, 10, 64)
	if err != nil || exp < time.Now().Unix() {
		h.m.RecordHandshake("auth_rejected")
		http.Error(w, "expired or malformed exp", http.StatusUnauthorized)
		return
	}

	cnonce, err := base64.StdEncoding.DecodeString(cnonceB64)
	if err != nil || len(cnonce) != cnonceDecodedLen {
		h.m.RecordHandshake("auth_rejected")
		http.Error(w, "malformed cnonce", http.StatusUnauthorized)
		return
	}

	accessKey := h.material.AccessKey()
	if !verifyToken(token, exp, accessKey) {
		h.m.RecordHandshake("auth_rejected")
		http.Error(w, "invalid token", http.StatusUnauthorized)
		return
	}

	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.log.Debug("stream: upgrade failed", "err", err)
		return
	}

	sess := New(conn, h.bus, h.cache, h.m, h.opts, h.log)
	params := Params{AccessKey: accessKey, CNonce: cnonce, Exp: exp}
	cfg := h.sup.Config()

	h.addSession(sess)
	go func() {
		defer h.removeSession(sess)
		sess.Run(h.rootCtx, params, cfg)
	}()
}
