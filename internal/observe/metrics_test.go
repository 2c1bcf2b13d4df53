package observe

import (
	"context"
	"testing"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/metric/metricdata"
)

// newTestMetrics returns a Metrics instance backed by a ManualReader for
// programmatic metric inspection.
func newTestMetrics(t *testing.T) (*Metrics, *sdkmetric.ManualReader) {
	t.Helper()
	reader := sdkmetric.NewManualReader()
	mp := sdkmetric.NewMeterProvider(sdkmetric.WithReader(reader))
	t.Cleanup(func() { _ = mp.Shutdown(context.Background()) })

	m, err := NewMetrics(mp)
	if err != nil {
		t.Fatalf("NewMetrics: %v", err)
	}
	return m, reader
}

// collect gathers all metric data from the reader.
func collect(t *testing.T, reader *sdkmetric.ManualReader) metricdata.ResourceMetrics {
	t.Helper()
	var rm metricdata.ResourceMetrics
	if err := reader.Collect(context.Background(), &rm); err != nil {
		t.Fatalf("Collect: %v", err)
	}
	return rm
}

// findMetric searches for a metric by name across all scope metrics.
func findMetric(rm metricdata.ResourceMetrics, name string) *metricdata.Metrics {
	for _, sm := range rm.ScopeMetrics {
		for i := range sm.Metrics {
			if sm.Metrics[i].Name == name {
				return &sm.Metrics[i]
			}
		}
	}
	return nil
}

// sumWhere returns the value of the int64 sum data point carrying key=value,
// or -1 when there is none.
func sumWhere(t *testing.T, rm metricdata.ResourceMetrics, name, key, value string) int64 {
	t.Helper()
	met := findMetric(rm, name)
	if met == nil {
		t.Fatalf("metric %q not found", name)
	}
	sum, ok := met.Data.(metricdata.Sum[int64])
	if !ok {
		t.Fatalf("metric %q is not a sum", name)
	}
	for _, dp := range sum.DataPoints {
		if key == "" {
			return dp.Value
		}
		if v, ok := dp.Attributes.Value(attribute.Key(key)); ok && v.AsString() == value {
			return dp.Value
		}
	}
	return -1
}

func TestAudioCounters(t *testing.T) {
	m, reader := newTestMetrics(t)
	ctx := context.Background()

	counters := []struct {
		name string
		c    metric.Int64Counter
		n    int64
	}{
		{"parley.capture.frames", m.CaptureFrames, 3},
		{"parley.capture.dropped_frames", m.CaptureDrops, 1},
		{"parley.playback.segments", m.PlaybackSegments, 4},
		{"parley.playback.interruptions", m.PlaybackInterruptions, 2},
		{"parley.audio.decode_failures", m.DecodeFailures, 1},
	}
	for _, tc := range counters {
		tc.c.Add(ctx, tc.n)
	}

	rm := collect(t, reader)
	for _, tc := range counters {
		t.Run(tc.name, func(t *testing.T) {
			if got := sumWhere(t, rm, tc.name, "", ""); got != tc.n {
				t.Errorf("value = %d, want %d", got, tc.n)
			}
		})
	}
}

func TestRecordProviderRequest(t *testing.T) {
	m, reader := newTestMetrics(t)
	ctx := context.Background()

	m.RecordProviderRequest(ctx, "gemini", "speech", "ok")
	m.RecordProviderRequest(ctx, "gemini", "speech", "ok")
	m.RecordProviderRequest(ctx, "gemini", "speech", "error")
	m.RecordProviderError(ctx, "gemini", "speech")

	rm := collect(t, reader)
	if got := sumWhere(t, rm, "parley.provider.requests", "status", "ok"); got != 2 {
		t.Errorf("ok requests = %d, want 2", got)
	}
	if got := sumWhere(t, rm, "parley.provider.errors", "provider", "gemini"); got != 1 {
		t.Errorf("errors = %d, want 1", got)
	}
}

func TestRecordTurnAndCircuit(t *testing.T) {
	m, reader := newTestMetrics(t)
	ctx := context.Background()

	m.RecordTurn(ctx, "user")
	m.RecordTurn(ctx, "assistant")
	m.RecordTurn(ctx, "assistant")
	m.RecordCircuitTransition(ctx, "openai", "open")

	rm := collect(t, reader)
	if got := sumWhere(t, rm, "parley.turns", "role", "assistant"); got != 2 {
		t.Errorf("assistant turns = %d, want 2", got)
	}
	if got := sumWhere(t, rm, "parley.circuit.transitions", "to", "open"); got != 1 {
		t.Errorf("transitions = %d, want 1", got)
	}
}

func TestSessionInstruments(t *testing.T) {
	m, reader := newTestMetrics(t)
	ctx := context.Background()

	m.ActiveSessions.Add(ctx, 1)
	m.ActiveSessions.Add(ctx, 1)
	m.ActiveSessions.Add(ctx, -1)
	m.SessionDuration.Record(ctx, 42)
	m.SpeechDuration.Record(ctx, 0.3)
	m.InputLevel.Record(ctx, 0.25)

	rm := collect(t, reader)
	if got := sumWhere(t, rm, "parley.active_sessions", "", ""); got != 1 {
		t.Errorf("active sessions = %d, want 1", got)
	}
	for _, name := range []string{"parley.session.duration", "parley.speech.duration"} {
		met := findMetric(rm, name)
		if met == nil {
			t.Fatalf("metric %q not found", name)
		}
		hist, ok := met.Data.(metricdata.Histogram[float64])
		if !ok || len(hist.DataPoints) == 0 || hist.DataPoints[0].Count != 1 {
			t.Errorf("metric %q: unexpected data %+v", name, met.Data)
		}
	}
	met := findMetric(rm, "parley.capture.input_level")
	if met == nil {
		t.Fatal("input level not found")
	}
	gauge, ok := met.Data.(metricdata.Gauge[float64])
	if !ok || len(gauge.DataPoints) == 0 || gauge.DataPoints[0].Value != 0.25 {
		t.Errorf("input level = %+v, want 0.25", met.Data)
	}
}

func TestDefaultMetrics_ReturnsSameInstance(t *testing.T) {
	a := DefaultMetrics()
	b := DefaultMetrics()
	if a != b {
		t.Error("DefaultMetrics returned different pointers")
	}
}
