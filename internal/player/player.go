// Package player is a Go mirror of the client half of the StreamSession
// protocol (§4.7): dial, hello/start handshake, per-frame verify/decrypt,
// and delivery into a MediaBuffer sink. It exists to exercise the server
// end-to-end from tests without a second-language client.
package player

import (
	"context"
	"crypto/hmac"
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"net/url"
	"strconv"
	"time"

	"github.com/gorilla/websocket"

	"github.com/Gibartes/TinyCam/internal/cryptosession"
)

const (
	cnonceLen        = 16
	minRecordLen     = 28
	defaultDialTO    = 20 * time.Second
	defaultInactive  = 60 * time.Second
	defaultFirstFrm  = 60 * time.Second
	defaultHeartbeat = 30 * time.Second
)

// Options configures timeouts and the codec hint used if the server's
// hello omits a codec (§4.7).
type Options struct {
	DialTimeout       time.Duration
	InactivityTimeout time.Duration
	FirstFrameTimeout time.Duration
	HeartbeatInterval time.Duration
	CodecHint         string
}

func (o Options) withDefaults() Options {
	if o.DialTimeout <= 0 {
		o.DialTimeout = defaultDialTO
	}
	if o.InactivityTimeout <= 0 {
		o.InactivityTimeout = defaultInactive
	}
	if o.FirstFrameTimeout <= 0 {
		o.FirstFrameTimeout = defaultFirstFrm
	}
	if o.HeartbeatInterval <= 0 {
		o.HeartbeatInterval = o.InactivityTimeout / 2
	}
	if o.CodecHint == "" {
		o.CodecHint = "vp9"
	}
	return o
}

// Player dials a TinyCam /stream endpoint, performs the handshake, and
// forwards decrypted plaintext chunks into a sink.
type Player struct {
	streamURL string // e.g. ws://host:port/stream or wss://host:port/stream
	accessKey []byte
	opts      Options
}

// New builds a Player for one server. accessKey is the raw (decoded)
// access key, the same bytes held by internal/keys.Material.
func New(streamURL string, accessKey []byte, opts Options) *Player {
	return &Player{streamURL: streamURL, accessKey: accessKey, opts: opts.withDefaults()}
}

type helloMessage struct {
	Type   string `json:"type"`
	SNonce string `json:"snonce"`
	Conn   string `json:"conn"`
	W      int    `json:"w"`
	H      int    `json:"h"`
	FPS    int    `json:"fps"`
	Codec  string `json:"codec"`
	Exp    int64  `json:"exp"`
}

type startMessage struct {
	Type string `json:"type"`
	Conn string `json:"conn"`
	Exp  int64  `json:"exp"`
}

// Stream connects once, runs the handshake, and streams decrypted chunks
// into sink until ctx is canceled, the connection closes, or a protocol
// violation is detected. It does not retry; callers loop with backoff the
// way tinycam.py's main_async does.
func (p *Player) Stream(ctx context.Context, sink *MediaBuffer) error {
	exp := time.Now().Unix() + 60
	token := streamToken(exp, p.accessKey)
	cnonce := make([]byte, cnonceLen)
	if _, err := rand.Read(cnonce); err != nil {
		return fmt.Errorf("player: generate cnonce: %w", err)
	}

	dialURL, err := buildDialURL(p.streamURL, token, exp, cnonce)
	if err != nil {
		return fmt.Errorf("player: build dial url: %w", err)
	}

	dialCtx, cancel := context.WithTimeout(ctx, p.opts.DialTimeout)
	conn, _, err := websocket.DefaultDialer.DialContext(dialCtx, dialURL, nil)
	cancel()
	if err != nil {
		return fmt.Errorf("player: dial: %w", err)
	}
	defer conn.Close()

	hello, err := p.readHello(conn)
	if err != nil {
		return err
	}
	if hello.Exp != exp {
		// Non-fatal: the server's clock may differ slightly; the AAD binds
		// to the server's reported exp, not the client's request value.
	}

	start := startMessage{Type: "start", Conn: hello.Conn, Exp: hello.Exp}
	raw, err := json.Marshal(start)
	if err != nil {
		return fmt.Errorf("player: marshal start: %w", err)
	}
	if err := conn.WriteMessage(websocket.TextMessage, raw); err != nil {
		return fmt.Errorf("player: send start: %w", err)
	}

	snonce, err := base64.StdEncoding.DecodeString(hello.SNonce)
	if err != nil {
		return fmt.Errorf("player: decode snonce: %w", err)
	}
	connIDBytes, err := base64.StdEncoding.DecodeString(hello.Conn)
	if err != nil || len(connIDBytes) != 4 {
		return fmt.Errorf("player: decode conn id: %w", err)
	}
	var connID [4]byte
	copy(connID[:], connIDBytes)

	codec := hello.Codec
	if codec == "" {
		codec = p.opts.CodecHint
	}

	sessionKey, err := cryptosession.DeriveSessionKey(p.accessKey, cnonce, snonce)
	if err != nil {
		return fmt.Errorf("player: derive session key: %w", err)
	}
	crypto, err := cryptosession.New(sessionKey, connID, cryptosession.AADParams{
		ConnIDBase64: hello.Conn, Exp: hello.Exp, Codec: codec, Width: hello.W, Height: hello.H, FPS: hello.FPS,
	})
	if err != nil {
		return fmt.Errorf("player: build crypto session: %w", err)
	}

	return p.receiveLoop(ctx, conn, crypto, sink)
}

func (p *Player) readHello(conn *websocket.Conn) (helloMessage, error) {
	conn.SetReadDeadline(time.Now().Add(p.opts.DialTimeout))
	msgType, raw, err := conn.ReadMessage()
	if err != nil {
		return helloMessage{}, fmt.Errorf("player: read hello: %w", err)
	}
	if msgType != websocket.TextMessage {
		return helloMessage{}, fmt.Errorf("player: expected hello text frame, got binary")
	}
	var hello helloMessage
	if err := json.Unmarshal(raw, &hello); err != nil {
		return helloMessage{}, fmt.Errorf("player: unmarshal hello: %w", err)
	}
	if hello.Type != "hello" {
		return helloMessage{}, fmt.Errorf("player: unexpected message type %q", hello.Type)
	}
	return hello, nil
}

// receiveLoop reads binary frames, verifies and decrypts each with crypto
// (which itself enforces the strictly-increasing counter and conn-id
// prefix, §8 properties 1-2), and appends plaintext to sink. A heartbeat
// ping keeps intermediaries from treating the connection as idle.
func (p *Player) receiveLoop(ctx context.Context, conn *websocket.Conn, crypto *cryptosession.Session, sink *MediaBuffer) error {
	stop := make(chan struct{})
	defer close(stop)
	go p.heartbeatLoop(conn, stop)

	firstSeen := false
	firstDeadline := time.Now().Add(p.opts.FirstFrameTimeout)

	for {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		if !firstSeen && time.Now().After(firstDeadline) {
			return fmt.Errorf("player: first binary frame timeout")
		}

		conn.SetReadDeadline(time.Now().Add(p.opts.InactivityTimeout))
		msgType, raw, err := conn.ReadMessage()
		if err != nil {
			return fmt.Errorf("player: read: %w", err)
		}

		if msgType == websocket.TextMessage {
			continue // server-to-client text frames carry no protocol meaning here
		}
		if len(raw) < minRecordLen {
			continue
		}

		plain, err := crypto.Open(raw)
		if err != nil {
			return fmt.Errorf("player: decrypt frame: %w", err)
		}
		sink.Append(plain)
		firstSeen = true
	}
}

func (p *Player) heartbeatLoop(conn *websocket.Conn, stop <-chan struct{}) {
	ticker := time.NewTicker(p.opts.HeartbeatInterval)
	defer ticker.Stop()
	for {
		select {
		case <-stop:
			return
		case <-ticker.C:
			ping := map[string]interface{}{"type": "ping", "ts": time.Now().Unix()}
			raw, _ := json.Marshal(ping)
			if err := conn.WriteMessage(websocket.TextMessage, raw); err != nil {
				return
			}
		}
	}
}

func buildDialURL(base string, token string, exp int64, cnonce []byte) (string, error) {
	u, err := url.Parse(base)
	if err != nil {
		return "", err
	}
	q := u.Query()
	q.Set("token", token)
	q.Set("exp", strconv.FormatInt(exp, 10))
	q.Set("cnonce", base64.StdEncoding.EncodeToString(cnonce))
	u.RawQuery = q.Encode()
	return u.String(), nil
}

// streamToken mirrors the server's verifyToken: HMAC-SHA256("stream:"+exp,
// accessKey), base64-encoded.
func streamToken(exp int64, accessKey []byte) string {
	mac := hmac.New(sha256.New, accessKey)
	mac.Write([]byte(fmt.Sprintf("stream:%d", exp)))
	return base64.StdEncoding.EncodeToString(mac.Sum(nil))
}
