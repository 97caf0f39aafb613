package observe

import (
	"context"
	"testing"

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

func TestNewMetrics_CreatesWithoutError(t *testing.T) {
	m, _ := newTestMetrics(t)
	if m == nil {
		t.Fatal("NewMetrics returned nil")
	}
}

func TestHistogramObservation(t *testing.T) {
	m, reader := newTestMetrics(t)
	ctx := context.Background()

	histograms := []struct {
		name string
		h    metric.Float64Histogram
	}{
		{"voxrelay.stt.duration", m.STTDuration},
		{"voxrelay.llm.duration", m.LLMDuration},
		{"voxrelay.tts.duration", m.TTSDuration},
	}

	for _, tc := range histograms {
		tc.h.Record(ctx, 0.123)
		tc.h.Record(ctx, 0.456)
	}

	rm := collect(t, reader)

	for _, tc := range histograms {
		t.Run(tc.name, func(t *testing.T) {
			met := findMetric(rm, tc.name)
			if met == nil {
				t.Fatalf("metric %q not found", tc.name)
			}
			hist, ok := met.Data.(metricdata.Histogram[float64])
			if !ok {
				t.Fatalf("metric %q is not a histogram", tc.name)
			}
			if len(hist.DataPoints) == 0 {
				t.Fatalf("metric %q has no data points", tc.name)
			}
			if got := hist.DataPoints[0].Count; got != 2 {
				t.Errorf("sample count = %d, want 2", got)
			}
		})
	}
}

func TestSessionCounters(t *testing.T) {
	m, reader := newTestMetrics(t)
	ctx := context.Background()

	m.SessionsCreatedTotal.Add(ctx, 1)
	m.SessionsCreatedTotal.Add(ctx, 1)
	m.RecordSessionEnded(ctx, "idle_timeout")

	rm := collect(t, reader)

	met := findMetric(rm, "voxrelay.sessions.created_total")
	if met == nil {
		t.Fatal("metric not found")
	}
	sum, ok := met.Data.(metricdata.Sum[int64])
	if !ok {
		t.Fatal("metric is not a sum")
	}
	if len(sum.DataPoints) == 0 || sum.DataPoints[0].Value != 2 {
		t.Errorf("created_total = %+v, want 2", sum.DataPoints)
	}

	met = findMetric(rm, "voxrelay.sessions.ended_total")
	if met == nil {
		t.Fatal("ended_total metric not found")
	}
	sum, ok = met.Data.(metricdata.Sum[int64])
	if !ok {
		t.Fatal("ended_total is not a sum")
	}
	for _, dp := range sum.DataPoints {
		for _, kv := range dp.Attributes.ToSlice() {
			if string(kv.Key) == "reason" && kv.Value.AsString() == "idle_timeout" {
				if dp.Value != 1 {
					t.Errorf("ended_total value = %d, want 1", dp.Value)
				}
				return
			}
		}
	}
	t.Error("data point with reason=idle_timeout not found")
}

func TestTranscriptCounter(t *testing.T) {
	m, reader := newTestMetrics(t)
	ctx := context.Background()

	m.RecordTranscript(ctx, "partial")
	m.RecordTranscript(ctx, "partial")
	m.RecordTranscript(ctx, "final")

	rm := collect(t, reader)
	met := findMetric(rm, "voxrelay.stt.transcripts_total")
	if met == nil {
		t.Fatal("metric not found")
	}
	sum, ok := met.Data.(metricdata.Sum[int64])
	if !ok {
		t.Fatal("metric is not a sum")
	}

	for _, dp := range sum.DataPoints {
		for _, kv := range dp.Attributes.ToSlice() {
			if string(kv.Key) == "kind" && kv.Value.AsString() == "partial" {
				if dp.Value != 2 {
					t.Errorf("counter value = %d, want 2", dp.Value)
				}
				return
			}
		}
	}
	t.Error("data point with kind=partial not found")
}

func TestLLMRequestsCounter(t *testing.T) {
	m, reader := newTestMetrics(t)
	ctx := context.Background()

	m.RecordLLMRequest(ctx, 0, "success")
	m.RecordLLMRequest(ctx, 1, "failure")
	m.RecordLLMRequest(ctx, 1, "failure")

	rm := collect(t, reader)
	met := findMetric(rm, "voxrelay.llm.requests_total")
	if met == nil {
		t.Fatal("metric not found")
	}
	sum, ok := met.Data.(metricdata.Sum[int64])
	if !ok {
		t.Fatal("metric is not a sum")
	}

	for _, dp := range sum.DataPoints {
		attrs := dp.Attributes.ToSlice()
		hasTier1 := false
		hasFailure := false
		for _, kv := range attrs {
			if string(kv.Key) == "tier" && kv.Value.AsInt64() == 1 {
				hasTier1 = true
			}
			if string(kv.Key) == "result" && kv.Value.AsString() == "failure" {
				hasFailure = true
			}
		}
		if hasTier1 && hasFailure {
			if dp.Value != 2 {
				t.Errorf("counter value = %d, want 2", dp.Value)
			}
			return
		}
	}
	t.Error("data point with tier=1,result=failure not found")
}

func TestSemanticChunkMetrics(t *testing.T) {
	m, reader := newTestMetrics(t)
	ctx := context.Background()

	m.RecordSemanticChunk(ctx, 120)
	m.RecordSemanticChunk(ctx, 64)
	m.RecordSemanticFallback(ctx)

	rm := collect(t, reader)

	met := findMetric(rm, "voxrelay.semantic.chunks_streamed_total")
	if met == nil {
		t.Fatal("chunks_streamed_total not found")
	}
	sum, ok := met.Data.(metricdata.Sum[int64])
	if !ok || len(sum.DataPoints) == 0 || sum.DataPoints[0].Value != 2 {
		t.Errorf("chunks_streamed_total = %+v, want 2", sum)
	}

	met = findMetric(rm, "voxrelay.semantic.fallbacks_used_total")
	if met == nil {
		t.Fatal("fallbacks_used_total not found")
	}
	sum, ok = met.Data.(metricdata.Sum[int64])
	if !ok || len(sum.DataPoints) == 0 || sum.DataPoints[0].Value != 1 {
		t.Errorf("fallbacks_used_total = %+v, want 1", sum)
	}

	met = findMetric(rm, "voxrelay.semantic.chunk_size")
	if met == nil {
		t.Fatal("chunk_size histogram not found")
	}
	hist, ok := met.Data.(metricdata.Histogram[int64])
	if !ok || len(hist.DataPoints) == 0 || hist.DataPoints[0].Count != 2 {
		t.Errorf("chunk_size histogram = %+v, want count 2", hist)
	}
}

func TestQueueDepthGauge(t *testing.T) {
	m, reader := newTestMetrics(t)
	ctx := context.Background()

	m.LLMQueueDepth.Add(ctx, 3)
	m.LLMQueueDepth.Add(ctx, -1)

	rm := collect(t, reader)
	met := findMetric(rm, "voxrelay.llm.queue_depth")
	if met == nil {
		t.Fatal("metric not found")
	}
	sum, ok := met.Data.(metricdata.Sum[int64])
	if !ok {
		t.Fatal("metric is not a sum")
	}
	if len(sum.DataPoints) == 0 || sum.DataPoints[0].Value != 2 {
		t.Errorf("queue depth = %+v, want 2", sum.DataPoints)
	}
}

func TestDefaultMetrics_ReturnsSameInstance(t *testing.T) {
	// DefaultMetrics uses the global OTel provider so we just check
	// that repeated calls return the same pointer.
	a := DefaultMetrics()
	b := DefaultMetrics()
	if a != b {
		t.Error("DefaultMetrics returned different pointers")
	}
}
