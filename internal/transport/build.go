package transport

import (
	"context"
	"fmt"

	"github.com/voxrelay/voxrelay-core/internal/observe"
	"github.com/voxrelay/voxrelay-core/internal/resilience"
	"github.com/voxrelay/voxrelay-core/internal/session"
	"github.com/voxrelay/voxrelay-core/pkg/audio"
	"github.com/voxrelay/voxrelay-core/pkg/provider/stt"
	"github.com/voxrelay/voxrelay-core/pkg/provider/tts"
)

// buildSession constructs one session's STT, LLM, and TTS sub-sessions from
// the listener's providers and configuration, wires them into a
// [session.Session], starts it, and registers it with the supervisor.
func buildSession(ctx context.Context, l *Listener, start *inboundEnvelope, egress session.Egress) (string, *session.Session, error) {
	clientRate := start.SampleRate
	if clientRate == 0 {
		clientRate = 48000
	}
	if !audio.SupportsRate(clientRate) {
		return "", nil, fmt.Errorf("transport: unsupported client sample rate %d", clientRate)
	}
	language := start.Language
	if language == "" {
		language = l.cfg.STT.Language
	}
	voiceID := start.VoiceID
	if voiceID == "" {
		voiceID = l.cfg.TTS.VoiceID
	}

	metrics := observe.DefaultMetrics()
	id := session.NewSessionID()

	sttSess := session.NewSTTSession(id, l.providers.STT, stt.StreamConfig{
		SampleRate: 16000,
		Channels:   1,
		Language:   language,
	}, metrics)

	breaker := resilience.NewLLMBreaker(resilience.CircuitBreakerConfig{Name: "llm:" + id})
	llmSess := session.NewLLMSession(ctx, id, l.providers.LLM, session.LLMParams{
		Temperature:      l.cfg.LLM.Temperature,
		MaxTokens:        l.cfg.LLM.MaxTokens,
		TopP:             l.cfg.LLM.TopP,
		FrequencyPenalty: l.cfg.LLM.FrequencyPenalty,
		PresencePenalty:  l.cfg.LLM.PresencePenalty,
		RequestTimeout:   l.cfg.LLM.RequestTimeout,
		MaxQueueSize:     l.cfg.LLM.MaxQueueSize,
		SystemPrompt:     l.cfg.LLM.SystemPrompt,
		BreakMarker:      l.cfg.Semantic.BreakMarker,
	}, breaker, metrics)

	ttsSess := session.NewTTSSession(id, l.providers.TTS, tts.StreamConfig{
		VoiceID:    voiceID,
		Language:   language,
		SampleRate: 16000,
	}, metrics)

	semantic := session.SemanticParams{
		MaxBufferSize: l.cfg.Semantic.MaxBufferSize,
		BreakMarker:   l.cfg.Semantic.BreakMarker,
	}

	sess := session.NewSession(id, sttSess, llmSess, ttsSess, semantic, clientRate, egress, metrics)
	if err := sess.Start(ctx); err != nil {
		llmSess.End()
		return "", nil, err
	}
	if err := l.supervisor.Register(id, sess); err != nil {
		sess.End()
		return "", nil, err
	}
	return id, sess, nil
}
