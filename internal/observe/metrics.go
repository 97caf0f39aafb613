// Package observe provides application-wide observability primitives for
// voxrelay-core: OpenTelemetry metrics and distributed tracing tied to a
// structured [log/slog] logger.
//
// Metrics are recorded through the OpenTelemetry Metrics API. A Prometheus
// exporter bridge can be attached to any [metric.MeterProvider] built with
// go.opentelemetry.io/otel/exporters/prometheus, which cmd/voxrelay wires up
// behind the /metrics endpoint. A package-level default [Metrics] instance
// ([DefaultMetrics]) is provided for convenience; tests should use
// [NewMetrics] with a custom [metric.MeterProvider] to avoid cross-test
// pollution.
package observe

import (
	"context"
	"sync"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

// meterName is the instrumentation scope name used for all voxrelay-core
// metrics.
const meterName = "github.com/voxrelay/voxrelay-core"

// Metrics holds all OpenTelemetry metric instruments for the application.
// All fields are safe for concurrent use — the underlying OTel types handle
// their own synchronisation.
type Metrics struct {
	// --- Latency histograms per pipeline stage ---

	STTDuration metric.Float64Histogram
	LLMDuration metric.Float64Histogram
	TTSDuration metric.Float64Histogram

	// --- Session lifecycle counters ---

	// SessionsActive tracks the number of live sessions the supervisor is
	// currently holding.
	SessionsActive metric.Int64UpDownCounter

	// SessionsCreatedTotal counts every session the supervisor has created.
	SessionsCreatedTotal metric.Int64Counter

	// SessionsEndedTotal counts every session the supervisor has torn down,
	// tagged with attribute "reason" (closed, idle_timeout, max_duration,
	// shutdown).
	SessionsEndedTotal metric.Int64Counter

	// --- STT/TTS sub-session counters ---

	// TranscriptsReceivedTotal counts STT transcripts, tagged with
	// attribute "kind" (partial, final).
	TranscriptsReceivedTotal metric.Int64Counter

	// AudioChunksForwardedTotal counts inbound PCM chunks forwarded to the
	// STT provider.
	AudioChunksForwardedTotal metric.Int64Counter

	// STTReconnectsTotal counts STT sub-session reconnection attempts.
	STTReconnectsTotal metric.Int64Counter

	// TTSReconnectsTotal counts TTS sub-session reconnection attempts.
	TTSReconnectsTotal metric.Int64Counter

	// TTSChunksEmittedTotal counts outbound audio chunks forwarded from TTS.
	TTSChunksEmittedTotal metric.Int64Counter

	// --- LLM counters ---

	// LLMRequestsTotal counts LLM generation attempts, tagged with
	// attribute "tier" (0 for a success; 1, 2, 3 for the fallback tier of a
	// failure) and "result" (success, failure).
	LLMRequestsTotal metric.Int64Counter

	// LLMQueueDepth tracks the current depth of each session's pending
	// request queue, summed across sessions.
	LLMQueueDepth metric.Int64UpDownCounter

	// --- Semantic streaming counters ---

	// SemanticChunksStreamedTotal counts chunks the chunker has emitted.
	SemanticChunksStreamedTotal metric.Int64Counter

	// SemanticChunksToTTSTotal counts chunks actually dispatched to TTS.
	SemanticChunksToTTSTotal metric.Int64Counter

	// SemanticChunkSize is a histogram of emitted chunk byte lengths, from
	// which average and maximum chunk size can be derived.
	SemanticChunkSize metric.Int64Histogram

	// SemanticFallbacksUsedTotal counts streams whose chunk boundaries
	// were resolved by sentence-terminator splitting because no break
	// marker was ever seen, incremented once per such stream.
	SemanticFallbacksUsedTotal metric.Int64Counter
}

// latencyBuckets defines histogram bucket boundaries (in seconds) optimised
// for voice-pipeline latencies.
var latencyBuckets = []float64{
	0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10,
}

// chunkSizeBuckets defines histogram bucket boundaries (in bytes) for
// semantic streaming chunk sizes, centered around the default 400-byte
// forced-flush threshold.
var chunkSizeBuckets = []float64{
	16, 32, 64, 128, 256, 400, 512, 1024,
}

// NewMetrics creates a fully initialised [Metrics] struct using the given
// [metric.MeterProvider]. Returns an error if any instrument creation fails.
func NewMetrics(mp metric.MeterProvider) (*Metrics, error) {
	m := mp.Meter(meterName)
	var err error
	met := &Metrics{}

	if met.STTDuration, err = m.Float64Histogram("voxrelay.stt.duration",
		metric.WithDescription("Latency of speech-to-text transcription."),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(latencyBuckets...),
	); err != nil {
		return nil, err
	}
	if met.LLMDuration, err = m.Float64Histogram("voxrelay.llm.duration",
		metric.WithDescription("Latency of LLM inference."),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(latencyBuckets...),
	); err != nil {
		return nil, err
	}
	if met.TTSDuration, err = m.Float64Histogram("voxrelay.tts.duration",
		metric.WithDescription("Latency of text-to-speech synthesis."),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(latencyBuckets...),
	); err != nil {
		return nil, err
	}

	if met.SessionsActive, err = m.Int64UpDownCounter("voxrelay.sessions.active",
		metric.WithDescription("Number of sessions currently held by the supervisor."),
	); err != nil {
		return nil, err
	}
	if met.SessionsCreatedTotal, err = m.Int64Counter("voxrelay.sessions.created_total",
		metric.WithDescription("Total sessions created."),
	); err != nil {
		return nil, err
	}
	if met.SessionsEndedTotal, err = m.Int64Counter("voxrelay.sessions.ended_total",
		metric.WithDescription("Total sessions ended, by reason."),
	); err != nil {
		return nil, err
	}

	if met.TranscriptsReceivedTotal, err = m.Int64Counter("voxrelay.stt.transcripts_total",
		metric.WithDescription("Total transcripts received from the STT provider, by kind."),
	); err != nil {
		return nil, err
	}
	if met.AudioChunksForwardedTotal, err = m.Int64Counter("voxrelay.stt.audio_chunks_forwarded_total",
		metric.WithDescription("Total inbound audio chunks forwarded to the STT provider."),
	); err != nil {
		return nil, err
	}
	if met.STTReconnectsTotal, err = m.Int64Counter("voxrelay.stt.reconnects_total",
		metric.WithDescription("Total STT sub-session reconnection attempts."),
	); err != nil {
		return nil, err
	}
	if met.TTSReconnectsTotal, err = m.Int64Counter("voxrelay.tts.reconnects_total",
		metric.WithDescription("Total TTS sub-session reconnection attempts."),
	); err != nil {
		return nil, err
	}
	if met.TTSChunksEmittedTotal, err = m.Int64Counter("voxrelay.tts.chunks_emitted_total",
		metric.WithDescription("Total outbound audio chunks emitted by TTS."),
	); err != nil {
		return nil, err
	}

	if met.LLMRequestsTotal, err = m.Int64Counter("voxrelay.llm.requests_total",
		metric.WithDescription("Total LLM generation attempts, by tier and result."),
	); err != nil {
		return nil, err
	}
	if met.LLMQueueDepth, err = m.Int64UpDownCounter("voxrelay.llm.queue_depth",
		metric.WithDescription("Current depth of pending LLM requests, summed across sessions."),
	); err != nil {
		return nil, err
	}

	if met.SemanticChunksStreamedTotal, err = m.Int64Counter("voxrelay.semantic.chunks_streamed_total",
		metric.WithDescription("Total semantic chunks emitted by the streaming chunker."),
	); err != nil {
		return nil, err
	}
	if met.SemanticChunksToTTSTotal, err = m.Int64Counter("voxrelay.semantic.chunks_to_tts_total",
		metric.WithDescription("Total semantic chunks dispatched to TTS."),
	); err != nil {
		return nil, err
	}
	if met.SemanticChunkSize, err = m.Int64Histogram("voxrelay.semantic.chunk_size",
		metric.WithDescription("Distribution of emitted semantic chunk sizes in bytes."),
		metric.WithUnit("By"),
		metric.WithExplicitBucketBoundaries(chunkSizeBuckets...),
	); err != nil {
		return nil, err
	}
	if met.SemanticFallbacksUsedTotal, err = m.Int64Counter("voxrelay.semantic.fallbacks_used_total",
		metric.WithDescription("Total streams whose chunk boundaries fell back to sentence-terminator splitting."),
	); err != nil {
		return nil, err
	}

	return met, nil
}

// defaultMetrics is the lazily-initialised package-level Metrics instance.
var (
	defaultMetrics     *Metrics
	defaultMetricsOnce sync.Once
)

// DefaultMetrics returns the package-level [Metrics] instance, creating it on
// first call using [otel.GetMeterProvider]. Subsequent calls return the same
// pointer. Panics if instrument creation fails (should not happen with the
// global provider).
func DefaultMetrics() *Metrics {
	defaultMetricsOnce.Do(func() {
		var err error
		defaultMetrics, err = NewMetrics(otel.GetMeterProvider())
		if err != nil {
			panic("observe: failed to create default metrics: " + err.Error())
		}
	})
	return defaultMetrics
}

// RecordSessionEnded is a convenience method that records a session-ended
// counter increment tagged with its teardown reason.
func (m *Metrics) RecordSessionEnded(ctx context.Context, reason string) {
	m.SessionsEndedTotal.Add(ctx, 1, metric.WithAttributes(attribute.String("reason", reason)))
}

// RecordTranscript is a convenience method that records a transcript-received
// counter increment tagged with its kind (partial or final).
func (m *Metrics) RecordTranscript(ctx context.Context, kind string) {
	m.TranscriptsReceivedTotal.Add(ctx, 1, metric.WithAttributes(attribute.String("kind", kind)))
}

// RecordLLMRequest is a convenience method that records an LLM request
// counter increment tagged with its fallback tier and outcome.
func (m *Metrics) RecordLLMRequest(ctx context.Context, tier int, result string) {
	m.LLMRequestsTotal.Add(ctx, 1,
		metric.WithAttributes(
			attribute.Int("tier", tier),
			attribute.String("result", result),
		),
	)
}

// RecordSemanticChunk is a convenience method that records chunk-size and
// streamed-total instruments for one emitted semantic chunk.
func (m *Metrics) RecordSemanticChunk(ctx context.Context, size int) {
	m.SemanticChunksStreamedTotal.Add(ctx, 1)
	m.SemanticChunkSize.Record(ctx, int64(size))
}

// RecordSemanticFallback is a convenience method that records one stream
// resolving its chunk boundaries via the sentence-terminator fallback.
func (m *Metrics) RecordSemanticFallback(ctx context.Context) {
	m.SemanticFallbacksUsedTotal.Add(ctx, 1)
}
