// Package devicelock provides the cross-process camera-device arbitration
// named in §5: a named system-wide file lock keyed on the configured
// device identifier, so two server instances can never open the same
// camera at once.
package devicelock

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"os"
	"path/filepath"

	"github.com/gofrs/flock"
)

const lockPrefixLen = 16 // first 16 hex chars of sha256(device identifier)

// Lock wraps an exclusive, advisory file lock scoped to one device
// identifier. The lock file itself carries no meaningful content; it
// exists purely as a mutex between process instances.
type Lock struct {
	fl   *flock.Flock
	path string
}

// New builds a Lock for deviceID without acquiring it. dir is the
// directory the lock file is created in (e.g. os.TempDir()).
func New(dir, deviceID string) *Lock {
	name := lockName(deviceID)
	path := filepath.Join(dir, name)
	return &Lock{fl: flock.New(path), path: path}
}

// lockName derives the lock filename from the first 16 hex characters of
// SHA-256(deviceID), matching the naming rule in §5.
func lockName(deviceID string) string {
	sum := sha256.Sum256([]byte(deviceID))
	return "tinycam-" + hex.EncodeToString(sum[:])[:lockPrefixLen] + ".lock"
}

// TryAcquire attempts a non-blocking exclusive lock. It returns
// (false, nil) if another process already holds it — the caller should
// treat this as a ResourceFailure (§7) and exit rather than retry, since
// exactly one encoder may run against a device at a time.
func (l *Lock) TryAcquire() (bool, error) {
	ok, err := l.fl.TryLock()
	if err != nil {
		return false, fmt.Errorf("devicelock: try lock %s: %w", l.path, err)
	}
	return ok, nil
}

// Release drops the lock and removes the backing file if this process
// still owns it. Safe to call even if TryAcquire never succeeded.
func (l *Lock) Release() error {
	if !l.fl.Locked() {
		return nil
	}
	if err := l.fl.Unlock(); err != nil {
		return fmt.Errorf("devicelock: unlock %s: %w", l.path, err)
	}
	_ = os.Remove(l.path)
	return nil
}

// Path returns the lock file's path, for logging.
func (l *Lock) Path() string { return l.path }
