package metrics

import (
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
)

func newTestMetrics() *Metrics {
	return New(prometheus.NewRegistry())
}

func TestRecordEncoderSpawnSetsRunningAndIncrementsRestarts(t *testing.T) {
	m := newTestMetrics()

	m.RecordEncoderSpawn()
	m.RecordEncoderSpawn()

	if got := testutil.ToFloat64(m.EncoderRunning); got != 1 {
		t.Fatalf("EncoderRunning = %v, want 1", got)
	}
	if got := testutil.ToFloat64(m.EncoderRestarts); got != 2 {
		t.Fatalf("EncoderRestarts = %v, want 2", got)
	}
}

func TestRecordEncoderExitClearsRunning(t *testing.T) {
	m := newTestMetrics()
	m.RecordEncoderSpawn()
	m.RecordEncoderExit()

	if got := testutil.ToFloat64(m.EncoderRunning); got != 0 {
		t.Fatalf("EncoderRunning = %v, want 0", got)
	}
}

func TestRecordChunkDroppedLabelsBySubscriber(t *testing.T) {
	m := newTestMetrics()
	m.RecordChunkDropped("archive")
	m.RecordChunkDropped("archive")
	m.RecordChunkDropped("stream_session")

	if got := testutil.ToFloat64(m.ChunksDropped.WithLabelValues("archive")); got != 2 {
		t.Fatalf("archive drops = %v, want 2", got)
	}
	if got := testutil.ToFloat64(m.ChunksDropped.WithLabelValues("stream_session")); got != 1 {
		t.Fatalf("stream_session drops = %v, want 1", got)
	}
}

func TestRecordSessionStartAndEndTracksActiveGauge(t *testing.T) {
	m := newTestMetrics()
	m.RecordSessionStart()
	m.RecordSessionStart()
	if got := testutil.ToFloat64(m.SessionsActive); got != 2 {
		t.Fatalf("SessionsActive = %v, want 2", got)
	}

	m.RecordSessionEnd(5.0)
	if got := testutil.ToFloat64(m.SessionsActive); got != 1 {
		t.Fatalf("SessionsActive = %v, want 1", got)
	}
}

func TestRecordSegmentWrittenAndEvictedTracksStoredGauge(t *testing.T) {
	m := newTestMetrics()
	m.RecordSegmentWritten()
	m.RecordSegmentWritten()
	m.RecordSegmentEvicted()

	if got := testutil.ToFloat64(m.SegmentsStored); got != 1 {
		t.Fatalf("SegmentsStored = %v, want 1", got)
	}
	if got := testutil.ToFloat64(m.SegmentsWritten); got != 2 {
		t.Fatalf("SegmentsWritten = %v, want 2", got)
	}
}

func TestRecordHandshakeLabelsByOutcome(t *testing.T) {
	m := newTestMetrics()
	m.RecordHandshake("ok")
	m.RecordHandshake("start_timeout")
	m.RecordHandshake("ok")

	if got := testutil.ToFloat64(m.HandshakeOutcomes.WithLabelValues("ok")); got != 2 {
		t.Fatalf("ok outcomes = %v, want 2", got)
	}
	if got := testutil.ToFloat64(m.HandshakeOutcomes.WithLabelValues("start_timeout")); got != 1 {
		t.Fatalf("start_timeout outcomes = %v, want 1", got)
	}
}

func TestRecordControlRequestAndAuthFailure(t *testing.T) {
	m := newTestMetrics()
	m.RecordControlRequest("/start", "200")
	m.RecordAuthFailure()
	m.RecordAuthFailure()

	if got := testutil.ToFloat64(m.ControlRequests.WithLabelValues("/start", "200")); got != 1 {
		t.Fatalf("control requests = %v, want 1", got)
	}
	if got := testutil.ToFloat64(m.AuthFailures); got != 2 {
		t.Fatalf("AuthFailures = %v, want 2", got)
	}
}
