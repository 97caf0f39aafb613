// Package tts defines the Provider interface for Text-to-Speech backends.
//
// A TTS provider wraps a speech synthesis service (ElevenLabs, or a
// compatible streaming WebSocket endpoint) and exposes a uniform per-session
// interface. One SessionHandle maps to one persistent provider connection
// bound to a single voice; Synthesize is called once per utterance and
// resolves only after the provider reports completion and every audio chunk
// for that utterance has been forwarded to the Audio channel.
//
// This package is a thin client over one provider connection; it has no
// opinion on reconnection or pending-text buffering across reconnects — that
// policy lives in the TTS sub-session (internal/session) that wraps a
// Provider.
//
// Implementations must be safe for concurrent use.
package tts

import (
	"context"
	"errors"
)

// ErrNotSupported is returned by operations a provider does not implement,
// such as mid-utterance cancellation.
var ErrNotSupported = errors.New("tts: operation not supported by this provider")

// StreamConfig describes the voice and audio format for a new TTS session.
type StreamConfig struct {
	// VoiceID is the provider-specific voice identifier to synthesize with.
	VoiceID string

	// Language is the BCP-47 language tag for synthesis hints. Providers
	// that infer language from the voice itself may ignore this.
	Language string

	// SampleRate is the PCM output sample rate in Hz. The core always
	// requests 16000 at the wire level; the field remains provider-facing
	// configuration rather than a hardcoded constant.
	SampleRate int
}

// AudioChunk is a single frame of synthesized PCM audio tagged with the
// utterance it belongs to, so a caller streaming audio for several
// utterances in sequence can always attribute a chunk correctly.
//
// After the last audio frame of an utterance, implementations emit one
// terminal AudioChunk with Done set and no PCM on the same channel. Because
// a single goroutine feeds the channel, the marker is ordered strictly
// after every frame of its utterance, letting consumers observe utterance
// completion in-band instead of racing a separate signal against the audio
// stream.
type AudioChunk struct {
	UtteranceID string
	PCM         []byte
	Done        bool
}

// SessionHandle represents an open TTS streaming session bound to one voice.
// Callers must call Close when the session is no longer needed. All methods
// must be safe for concurrent use.
type SessionHandle interface {
	// Synthesize sends text for the given utterance to the provider and
	// blocks until the provider signals completion and every audio chunk
	// for the utterance has been pushed to the Audio channel. An empty text
	// is a no-op that returns nil immediately. Text longer than 5000
	// characters is truncated before being sent.
	Synthesize(ctx context.Context, utteranceID string, text string) error

	// Audio returns a read-only channel of synthesized audio chunks. The
	// channel is closed when the session ends.
	Audio() <-chan AudioChunk

	// CancelSynthesis aborts the named in-progress utterance if the
	// provider supports it. Providers that cannot cancel mid-synthesis
	// return ErrNotSupported; callers should treat that as "let it finish".
	CancelSynthesis(utteranceID string) error

	// Close terminates the session and releases all associated resources.
	// Calling Close more than once is safe and returns nil.
	Close() error
}

// Provider is the abstraction over any TTS backend.
type Provider interface {
	// StartStream opens a new persistent streaming synthesis session bound
	// to cfg.VoiceID. The returned SessionHandle is ready to accept
	// Synthesize calls immediately, or an error if the provider cannot
	// establish the session.
	StartStream(ctx context.Context, cfg StreamConfig) (SessionHandle, error)
}
