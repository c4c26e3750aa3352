// Package metrics exposes Prometheus counters and gauges for the camera
// worker's components: the encoder supervisor, the broadcaster and its
// subscribers, stream sessions, and the control plane.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics holds all Prometheus metrics.
type Metrics struct {
	// Encoder metrics
	EncoderRunning     prometheus.Gauge
	EncoderRestarts    prometheus.Counter
	EncoderSpawnErrors prometheus.Counter

	// Broadcaster metrics
	ActiveSubscribers prometheus.Gauge
	ChunksBroadcast   prometheus.Counter
	ChunksDropped     *prometheus.CounterVec

	// Stream session metrics
	HandshakeOutcomes *prometheus.CounterVec
	SessionsActive    prometheus.Gauge
	SessionDuration   prometheus.Histogram

	// Archive metrics
	SegmentsWritten prometheus.Counter
	SegmentsStored  prometheus.Gauge
	ArchiveDropped  prometheus.Counter

	// Control plane metrics
	ControlRequests *prometheus.CounterVec
	AuthFailures    prometheus.Counter
}

// New creates and registers all metrics against reg. Pass
// prometheus.DefaultRegisterer in production; tests should pass a fresh
// prometheus.NewRegistry() so repeated New() calls don't collide on the
// global default registry.
func New(reg prometheus.Registerer) *Metrics {
	factory := promauto.With(reg)
	return &Metrics{
		EncoderRunning: factory.NewGauge(prometheus.GaugeOpts{
			Name: "tinycam_encoder_running",
			Help: "1 if the encoder subprocess is currently running, 0 otherwise",
		}),
		EncoderRestarts: factory.NewCounter(prometheus.CounterOpts{
			Name: "tinycam_encoder_restarts_total",
			Help: "Total number of times the encoder subprocess has been (re)spawned",
		}),
		EncoderSpawnErrors: factory.NewCounter(prometheus.CounterOpts{
			Name: "tinycam_encoder_spawn_errors_total",
			Help: "Total number of failed attempts to spawn the encoder subprocess",
		}),

		ActiveSubscribers: factory.NewGauge(prometheus.GaugeOpts{
			Name: "tinycam_active_subscribers",
			Help: "Number of subscribers currently registered with the broadcaster",
		}),
		ChunksBroadcast: factory.NewCounter(prometheus.CounterOpts{
			Name: "tinycam_chunks_broadcast_total",
			Help: "Total number of encoder stdout chunks handed to the broadcaster",
		}),
		ChunksDropped: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "tinycam_chunks_dropped_total",
				Help: "Total number of chunks dropped by a subscriber queue under backpressure",
			},
			[]string{"subscriber"}, // "stream_session" or "archive"
		),

		HandshakeOutcomes: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "tinycam_handshake_outcomes_total",
				Help: "Total number of stream session handshake outcomes",
			},
			[]string{"outcome"}, // "ok", "auth_rejected", "start_timeout", "mismatch"
		),
		SessionsActive: factory.NewGauge(prometheus.GaugeOpts{
			Name: "tinycam_sessions_active",
			Help: "Number of stream sessions currently streaming",
		}),
		SessionDuration: factory.NewHistogram(prometheus.HistogramOpts{
			Name:    "tinycam_session_duration_seconds",
			Help:    "Duration of stream sessions from accept to close",
			Buckets: prometheus.ExponentialBuckets(1, 2, 12), // 1s to ~34min
		}),

		SegmentsWritten: factory.NewCounter(prometheus.CounterOpts{
			Name: "tinycam_archive_segments_written_total",
			Help: "Total number of archive segment files written",
		}),
		SegmentsStored: factory.NewGauge(prometheus.GaugeOpts{
			Name: "tinycam_archive_segments_stored",
			Help: "Number of archive segment files currently retained",
		}),
		ArchiveDropped: factory.NewCounter(prometheus.CounterOpts{
			Name: "tinycam_archive_chunks_dropped_total",
			Help: "Total number of chunks dropped by the archive sink's subscriber queue",
		}),

		ControlRequests: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "tinycam_control_requests_total",
				Help: "Total number of control plane requests by route and outcome",
			},
			[]string{"route", "status"},
		),
		AuthFailures: factory.NewCounter(prometheus.CounterOpts{
			Name: "tinycam_control_auth_failures_total",
			Help: "Total number of control plane requests rejected for a bad signature or a stale timestamp",
		}),
	}
}

// RecordEncoderSpawn records a successful encoder (re)spawn.
func (m *Metrics) RecordEncoderSpawn() {
	m.EncoderRunning.Set(1)
	m.EncoderRestarts.Inc()
}

// RecordEncoderExit records the encoder child exiting.
func (m *Metrics) RecordEncoderExit() {
	m.EncoderRunning.Set(0)
}

// RecordEncoderSpawnError records a failed spawn attempt.
func (m *Metrics) RecordEncoderSpawnError() {
	m.EncoderSpawnErrors.Inc()
}

// RecordChunkBroadcast records one chunk handed to the broadcaster.
func (m *Metrics) RecordChunkBroadcast() {
	m.ChunksBroadcast.Inc()
}

// RecordChunkDropped records one chunk dropped by a named subscriber's
// queue under backpressure.
func (m *Metrics) RecordChunkDropped(subscriber string) {
	m.ChunksDropped.WithLabelValues(subscriber).Inc()
}

// RecordChunksDropped records n chunks dropped by a named subscriber's
// queue under backpressure, for callers that only poll a cumulative
// Dropped() counter rather than observing each drop as it happens.
func (m *Metrics) RecordChunksDropped(subscriber string, n uint64) {
	if n == 0 {
		return
	}
	m.ChunksDropped.WithLabelValues(subscriber).Add(float64(n))
}

// RecordHandshake records a stream session handshake outcome.
func (m *Metrics) RecordHandshake(outcome string) {
	m.HandshakeOutcomes.WithLabelValues(outcome).Inc()
}

// RecordSessionStart records a session entering the streaming state.
func (m *Metrics) RecordSessionStart() {
	m.SessionsActive.Inc()
}

// RecordSessionEnd records a session reaching the closed state.
func (m *Metrics) RecordSessionEnd(durationSeconds float64) {
	m.SessionsActive.Dec()
	m.SessionDuration.Observe(durationSeconds)
}

// RecordSegmentWritten records one archive segment file written.
func (m *Metrics) RecordSegmentWritten() {
	m.SegmentsWritten.Inc()
	m.SegmentsStored.Inc()
}

// RecordSegmentEvicted records one archive segment file deleted under retention.
func (m *Metrics) RecordSegmentEvicted() {
	m.SegmentsStored.Dec()
}

// RecordArchiveDropped records n chunks dropped by the archive sink's
// subscriber queue under backpressure.
func (m *Metrics) RecordArchiveDropped(n uint64) {
	if n == 0 {
		return
	}
	m.ArchiveDropped.Add(float64(n))
}

// RecordControlRequest records a control plane request outcome.
func (m *Metrics) RecordControlRequest(route, status string) {
	m.ControlRequests.WithLabelValues(route, status).Inc()
}

// RecordAuthFailure records a control plane request rejected for a bad
// signature or a stale timestamp.
func (m *Metrics) RecordAuthFailure() {
	m.AuthFailures.Inc()
}
