// Package config loads the camera worker's configuration from
// environment variables with typed getenv helpers, extended with an
// optional JSON override file consumed by the control plane's
// /apply-config endpoint.
package config

import (
	"encoding/json"
	"fmt"
	"os"
	"strconv"
	"sync"
	"time"

	"github.com/Gibartes/TinyCam/pkg/models"
)

// Config holds all process-wide configuration.
type Config struct {
	LogLevel string

	KeyFile    string
	ConfigFile string // optional JSON override layer; "" disables it

	StreamAddr  string // WebSocket /stream listen address
	ControlAddr string // control-plane listen address

	LockDir string // devicelock directory

	Encoder models.EncoderConfig

	ArchiveEnabled         bool
	ArchiveSegmentDuration time.Duration
	ArchiveMaxSegments     int
	ArchiveStorageType     string // "local" or "gcs"
	ArchiveLocalDir        string
	ArchiveGCSBucket       string
	ArchiveGCSBaseDir      string

	StartTimeout      time.Duration
	InactivityTimeout time.Duration
	SessionQueueCap   int
	BroadcastQueueCap int

	Devices []string // configured device identifiers, reported by /device
}

// Load loads configuration from environment variables with defaults.
// It does not read ConfigFile; the overrides in that file are merged
// only by Reloader.Reload.
func Load() *Config {
	cfg := &Config{
		LogLevel: getEnv("TINYCAM_LOG_LEVEL", "info"),

		KeyFile:    getEnv("TINYCAM_KEY_FILE", "./keys.json"),
		ConfigFile: getEnv("TINYCAM_CONFIG_FILE", ""),

		StreamAddr:  getEnv("TINYCAM_STREAM_ADDR", ":8443"),
		ControlAddr: getEnv("TINYCAM_CONTROL_ADDR", ":8444"),

		LockDir: getEnv("TINYCAM_LOCK_DIR", os.TempDir()),

		Encoder: models.EncoderConfig{
			Binary:    getEnv("TINYCAM_ENCODER_BINARY", "ffmpeg"),
			Device:    getEnv("TINYCAM_DEVICE", "/dev/video0"),
			Codec:     getEnv("TINYCAM_CODEC", "vp9"),
			Container: models.ContainerKind(getEnv("TINYCAM_CONTAINER", string(models.ContainerCluster))),
			Width:     getIntEnv("TINYCAM_WIDTH", 1280),
			Height:    getIntEnv("TINYCAM_HEIGHT", 720),
			FPS:       getIntEnv("TINYCAM_FPS", 30),
			ExtraArgs: getListEnv("TINYCAM_ENCODER_EXTRA_ARGS"),
		},

		ArchiveEnabled:         getBoolEnv("TINYCAM_ARCHIVE_ENABLED", true),
		ArchiveSegmentDuration: getDurationEnv("TINYCAM_ARCHIVE_SEGMENT_DURATION", 60*time.Second),
		ArchiveMaxSegments:     getIntEnv("TINYCAM_ARCHIVE_MAX_SEGMENTS", 30),
		ArchiveStorageType:     getEnv("TINYCAM_ARCHIVE_STORAGE", "local"),
		ArchiveLocalDir:        getEnv("TINYCAM_ARCHIVE_DIR", "./data/archive"),
		ArchiveGCSBucket:       getEnv("TINYCAM_ARCHIVE_GCS_BUCKET", ""),
		ArchiveGCSBaseDir:      getEnv("TINYCAM_ARCHIVE_GCS_BASE_DIR", "tinycam"),

		StartTimeout:      getDurationEnv("TINYCAM_START_TIMEOUT", 60*time.Second),
		InactivityTimeout: getDurationEnv("TINYCAM_INACTIVITY_TIMEOUT", 60*time.Second),
		SessionQueueCap:   getIntEnv("TINYCAM_SESSION_QUEUE_CAP", 256),
		BroadcastQueueCap: getIntEnv("TINYCAM_BROADCAST_QUEUE_CAP", 256),

		Devices: getListEnv("TINYCAM_DEVICES"),
	}
	if len(cfg.Devices) == 0 {
		cfg.Devices = []string{cfg.Encoder.Device}
	}
	return cfg
}

// overrideFile is the shape accepted by TINYCAM_CONFIG_FILE. Only the
// encoder tuning fields are reloadable through /apply-config — listen
// addresses, key material, and archive storage selection are fixed for
// the life of the process.
type overrideFile struct {
	Binary    string   `json:"binary,omitempty"`
	Device    string   `json:"device,omitempty"`
	Codec     string   `json:"codec,omitempty"`
	Container string   `json:"container,omitempty"`
	Width     *int     `json:"width,omitempty"`
	Height    *int     `json:"height,omitempty"`
	FPS       *int     `json:"fps,omitempty"`
	ExtraArgs []string `json:"extraArgs,omitempty"`
}

// Reloader implements internal/control.ConfigReloader: it re-reads
// ConfigFile on every call and reports whether the effective
// EncoderConfig changed since the previous read.
type Reloader struct {
	path string
	base models.EncoderConfig

	mu   sync.Mutex
	last models.EncoderConfig
}

// NewReloader builds a Reloader seeded with the process's initial
// EncoderConfig. If path is "", Reload always reports no change.
func NewReloader(path string, base models.EncoderConfig) *Reloader {
	return &Reloader{path: path, base: base, last: base}
}

// Reload re-reads the override file (if configured) and merges it over
// base, reporting whether the merged config differs from the config
// returned by the previous Reload call.
func (r *Reloader) Reload() (*models.EncoderConfig, bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	merged := r.base
	if r.path != "" {
		raw, err := os.ReadFile(r.path)
		if err != nil && !os.IsNotExist(err) {
			return nil, false, fmt.Errorf("config: read override file %s: %w", r.path, err)
		}
		if err == nil {
			var ov overrideFile
			if err := json.Unmarshal(raw, &ov); err != nil {
				return nil, false, fmt.Errorf("config: parse override file %s: %w", r.path, err)
			}
			applyOverride(&merged, ov)
		}
	}

	if err := merged.Validate(); err != nil {
		return nil, false, fmt.Errorf("config: invalid effective config: %w", err)
	}

	changed := !encoderConfigEqual(merged, r.last)
	r.last = merged
	return &merged, changed, nil
}

// encoderConfigEqual compares two EncoderConfigs field by field since
// ExtraArgs is a slice and the struct isn't comparable with ==.
func encoderConfigEqual(a, b models.EncoderConfig) bool {
	if a.Binary != b.Binary || a.Device != b.Device || a.Codec != b.Codec ||
		a.Container != b.Container || a.Width != b.Width || a.Height != b.Height || a.FPS != b.FPS {
		return false
	}
	if len(a.ExtraArgs) != len(b.ExtraArgs) {
		return false
	}
	for i := range a.ExtraArgs {
		if a.ExtraArgs[i] != b.ExtraArgs[i] {
			return false
		}
	}
	return true
}

func applyOverride(cfg *models.EncoderConfig, ov overrideFile) {
	if ov.Binary != "" {
		cfg.Binary = ov.Binary
	}
	if ov.Device != "" {
		cfg.Device = ov.Device
	}
	if ov.Codec != "" {
		cfg.Codec = ov.Codec
	}
	if ov.Container != "" {
		cfg.Container = models.ContainerKind(ov.Container)
	}
	if ov.Width != nil {
		cfg.Width = *ov.Width
	}
	if ov.Height != nil {
		cfg.Height = *ov.Height
	}
	if ov.FPS != nil {
		cfg.FPS = *ov.FPS
	}
	if ov.ExtraArgs != nil {
		cfg.ExtraArgs = ov.ExtraArgs
	}
}

// Helper functions to get environment variables with defaults

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getIntEnv(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if intValue, err := strconv.Atoi(value); err == nil {
			return intValue
		}
	}
	return defaultValue
}

func getBoolEnv(key string, defaultValue bool) bool {
	if value := os.Getenv(key); value != "" {
		if boolValue, err := strconv.ParseBool(value); err == nil {
			return boolValue
		}
	}
	return defaultValue
}

func getDurationEnv(key string, defaultValue time.Duration) time.Duration {
	if value := os.Getenv(key); value != "" {
		if duration, err := time.ParseDuration(value); err == nil {
			return duration
		}
	}
	return defaultValue
}

// getListEnv splits a comma-separated environment variable, dropping
// empty entries. Returns nil if the variable is unset or empty.
func getListEnv(key string) []string {
	value := os.Getenv(key)
	if value == "" {
		return nil
	}
	var out []string
	start := 0
	for i := 0; i <= len(value); i++ {
		if i == len(value) || value[i] == ',' {
			if part := value[start:i]; part != "" {
				out = append(out, part)
			}
			start = i + 1
		}
	}
	return out
}
