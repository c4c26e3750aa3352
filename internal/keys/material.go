// Package keys loads, generates, and rotates the at-rest key material
// (§6.3): a management key used for control-plane HMAC auth and an access
// key used for the data-plane handshake (§4.5, §4.6).
package keys

import (
	"crypto/rand"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"os"
	"sync"
)

const keyLen = 32

// fileShape is the on-disk JSON layout, matching the client mirror's
// Keys.load exactly: {"managementKey": "<b64>", "accessKey": "<b64>"}.
type fileShape struct {
	ManagementKey string `json:"managementKey"`
	AccessKey     string `json:"accessKey"`
}

// Material holds the decoded key bytes plus the path they were loaded
// from (or will be saved to). Safe for concurrent RotateAccessKey and key
// accessor calls; connections in flight keep using the key they already derived
// from, per §6.3 ("existing sessions continue with their derived key").
type Material struct {
	mu sync.RWMutex

	path          string
	managementKey []byte // 32 bytes; may be empty, in which case every control request is rejected
	accessKey     []byte // 32 bytes
}

// Load reads path and decodes both keys. accessKey is required; with an
// absent managementKey the control plane rejects every request.
func Load(path string) (*Material, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("keys: read %s: %w", path, err)
	}

	var fs fileShape
	if err := json.Unmarshal(raw, &fs); err != nil {
		return nil, fmt.Errorf("keys: parse %s: %w", path, err)
	}
	if fs.AccessKey == "" {
		return nil, fmt.Errorf("keys: %s missing required accessKey", path)
	}

	accessKey, err := decodeKey(fs.AccessKey)
	if err != nil {
		return nil, fmt.Errorf("keys: accessKey: %w", err)
	}

	var mgmtKey []byte
	if fs.ManagementKey != "" {
		mgmtKey, err = decodeKey(fs.ManagementKey)
		if err != nil {
			return nil, fmt.Errorf("keys: managementKey: %w", err)
		}
	}

	return &Material{path: path, managementKey: mgmtKey, accessKey: accessKey}, nil
}

// Generate creates fresh random management and access keys and writes
// them to path (mode 0600), returning the loaded Material.
func Generate(path string) (*Material, error) {
	mgmtKey, err := randomKey()
	if err != nil {
		return nil, err
	}
	accessKey, err := randomKey()
	if err != nil {
		return nil, err
	}

	m := &Material{path: path, managementKey: mgmtKey, accessKey: accessKey}
	if err := m.save(); err != nil {
		return nil, err
	}
	return m, nil
}

// LoadOrGenerate loads path if it exists, otherwise generates and writes
// fresh key material there.
func LoadOrGenerate(path string) (*Material, error) {
	if _, err := os.Stat(path); err == nil {
		return Load(path)
	} else if !os.IsNotExist(err) {
		return nil, fmt.Errorf("keys: stat %s: %w", path, err)
	}
	return Generate(path)
}

// AccessKey returns a copy of the current 32-byte access key.
func (m *Material) AccessKey() []byte {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return append([]byte{}, m.accessKey...)
}

// AccessKeyBase64 returns the current access key base64-encoded, matching
// its at-rest representation in the key file. Stream token HMACs are keyed
// by the raw bytes from AccessKey, not by this string.
func (m *Material) AccessKeyBase64() string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return base64.StdEncoding.EncodeToString(m.accessKey)
}

// ManagementKey returns a copy of the current 32-byte management key, or
// nil if the key file has none.
func (m *Material) ManagementKey() []byte {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if len(m.managementKey) == 0 {
		return nil
	}
	return append([]byte{}, m.managementKey...)
}

// RotateAccessKey replaces the access key with a fresh random one and
// persists it. New connections pick up the rotated key on their next
// handshake; sessions already streaming keep the key they derived from,
// since Session holds its own derived key, not a reference to Material.
func (m *Material) RotateAccessKey() error {
	fresh, err := randomKey()
	if err != nil {
		return err
	}

	m.mu.Lock()
	m.accessKey = fresh
	m.mu.Unlock()

	return m.save()
}

func (m *Material) save() error {
	m.mu.RLock()
	fs := fileShape{
		AccessKey: base64.StdEncoding.EncodeToString(m.accessKey),
	}
	if len(m.managementKey) > 0 {
		fs.ManagementKey = base64.StdEncoding.EncodeToString(m.managementKey)
	}
	path := m.path
	m.mu.RUnlock()

	raw, err := json.MarshalIndent(fs, "", "  ")
	if err != nil {
		return fmt.Errorf("keys: marshal: %w", err)
	}
	if err := os.WriteFile(path, raw, 0o600); err != nil {
		return fmt.Errorf("keys: write %s: %w", path, err)
	}
	return nil
}

func randomKey() ([]byte, error) {
	b := make([]byte, keyLen)
	if _, err := rand.Read(b); err != nil {
		return nil, fmt.Errorf("keys: generate random key: %w", err)
	}
	return b, nil
}

// decodeKey base64-decodes a key and enforces the 32-byte length invariant
// from §6.3. Standard encoding is used; url-safe base64 with missing
// padding (as the Python client's safe_b64decode tolerates) is not
// produced by this server, so only the strict decoder is needed here.
func decodeKey(b64 string) ([]byte, error) {
	b, err := base64.StdEncoding.DecodeString(b64)
	if err != nil {
		return nil, fmt.Errorf("invalid base64: %w", err)
	}
	if len(b) != keyLen {
		return nil, fmt.Errorf("expected %d decoded bytes, got %d", keyLen, len(b))
	}
	return b, nil
}
