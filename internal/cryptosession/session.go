// Package cryptosession implements the per-connection handshake and
// per-frame authenticated encryption for one WebSocket stream session
// (§4.5): HKDF-SHA256 key derivation from a pre-shared access key, and
// AES-256-GCM framing with a strictly monotonic counter nonce bound to a
// short connection id.
package cryptosession

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"crypto/sha256"
	"encoding/binary"
	"fmt"
	"io"

	"golang.org/x/crypto/hkdf"
)

const (
	hkdfInfo   = "tinycam hkdf v1"
	keyLen     = 32
	connIDLen  = 4
	nonceLen   = 12
	tagLen     = 16
	minRecord  = nonceLen + tagLen
	cnonceLen  = 16
)

// Session holds the per-connection cryptographic state derived once at
// handshake time and the strictly-increasing counter used thereafter.
type Session struct {
	connID  [connIDLen]byte
	aad     []byte
	gcm     cipher.AEAD
	counter uint64 // incremented before each use; first frame uses 1

	lastAccepted int64 // -1 until the first frame is accepted (decrypt side)
}

// AADParams are the stream parameters bound into every frame's associated
// data: "{conn_b64}|{exp}|{codec}|{w}x{h}|{fps}" (§4.5, §6.2).
type AADParams struct {
	ConnIDBase64 string
	Exp          int64
	Codec        string
	Width        int
	Height       int
	FPS          int
}

func (p AADParams) bytes() []byte {
	return []byte(fmt.Sprintf("%s|%d|%s|%dx%d|%d", p.ConnIDBase64, p.Exp, p.Codec, p.Width, p.Height, p.FPS))
}

// NewConnID generates a fresh 4-byte, server-chosen connection id.
func NewConnID() ([connIDLen]byte, error) {
	var id [connIDLen]byte
	if _, err := rand.Read(id[:]); err != nil {
		return id, fmt.Errorf("cryptosession: generate conn id: %w", err)
	}
	return id, nil
}

// NewNonce16 generates 16 random bytes suitable for a client or server nonce
// contribution to HKDF's salt.
func NewNonce16() ([]byte, error) {
	b := make([]byte, cnonceLen)
	if _, err := rand.Read(b); err != nil {
		return nil, fmt.Errorf("cryptosession: generate nonce: %w", err)
	}
	return b, nil
}

// DeriveSessionKey computes HKDF-SHA256(ikm=psk, salt=cnonce||snonce,
// info="tinycam hkdf v1", length=32), matching the client mirror exactly.
func DeriveSessionKey(psk, cnonce, snonce []byte) ([]byte, error) {
	salt := make([]byte, 0, len(cnonce)+len(snonce))
	salt = append(salt, cnonce...)
	salt = append(salt, snonce...)

	r := hkdf.New(sha256.New, psk, salt, []byte(hkdfInfo))
	key := make([]byte, keyLen)
	if _, err := io.ReadFull(r, key); err != nil {
		return nil, fmt.Errorf("cryptosession: hkdf expand: %w", err)
	}
	return key, nil
}

// New builds a Session ready for per-frame encrypt/decrypt from a derived
// session key, the server-chosen connection id, and the AAD parameters.
func New(sessionKey []byte, connID [connIDLen]byte, aad AADParams) (*Session, error) {
	block, err := aes.NewCipher(sessionKey)
	if err != nil {
		return nil, fmt.Errorf("cryptosession: new aes cipher: %w", err)
	}
	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return nil, fmt.Errorf("cryptosession: new gcm: %w", err)
	}

	return &Session{
		connID:       connID,
		aad:          aad.bytes(),
		gcm:          gcm,
		lastAccepted: -1,
	}, nil
}

// ConnID returns the session's 4-byte connection id.
func (s *Session) ConnID() [connIDLen]byte { return s.connID }

// buildNonce renders a 12-byte nonce: conn_id(4) || counter as big-endian
// uint64(8).
func buildNonce(connID [connIDLen]byte, counter uint64) []byte {
	n := make([]byte, nonceLen)
	copy(n[:connIDLen], connID[:])
	binary.BigEndian.PutUint64(n[connIDLen:], counter)
	return n
}

// Seal increments the counter and encrypts plaintext, returning the wire
// record nonce(12) || tag(16) || ciphertext (§6.2). The first call to Seal
// on a fresh Session uses counter=1.
func (s *Session) Seal(plaintext []byte) []byte {
	s.counter++
	nonce := buildNonce(s.connID, s.counter)

	// crypto/cipher's GCM.Seal appends ciphertext||tag; the wire layout
	// wants tag before ciphertext, so split and reassemble.
	sealed := s.gcm.Seal(nil, nonce, plaintext, s.aad)
	ct := sealed[:len(sealed)-tagLen]
	tag := sealed[len(sealed)-tagLen:]

	out := make([]byte, 0, nonceLen+tagLen+len(ct))
	out = append(out, nonce...)
	out = append(out, tag...)
	out = append(out, ct...)
	return out
}

// Open validates and decrypts a wire record produced by Seal, enforcing
// the minimum length, conn-id prefix, and strictly-increasing counter
// contract of §4.5/§8 properties 1-2. It mutates the session's accepted-
// counter high-watermark only on success.
func (s *Session) Open(record []byte) ([]byte, error) {
	if len(record) < minRecord {
		return nil, fmt.Errorf("cryptosession: record too short: %d bytes", len(record))
	}

	nonce := record[:nonceLen]
	tag := record[nonceLen:minRecord]
	ct := record[minRecord:]

	if [connIDLen]byte(nonce[:connIDLen]) != s.connID {
		return nil, fmt.Errorf("cryptosession: nonce conn id mismatch")
	}

	counter := binary.BigEndian.Uint64(nonce[connIDLen:])
	if int64(counter) <= s.lastAccepted {
		return nil, fmt.Errorf("cryptosession: non-increasing counter %d (last %d)", counter, s.lastAccepted)
	}

	sealed := append(append([]byte{}, ct...), tag...)
	plaintext, err := s.gcm.Open(nil, nonce, sealed, s.aad)
	if err != nil {
		return nil, fmt.Errorf("cryptosession: decrypt/verify failed: %w", err)
	}

	s.lastAccepted = int64(counter)
	return plaintext, nil
}
