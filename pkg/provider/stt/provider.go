// Package stt defines the Provider interface for speech-to-text backends.
//
// An STT provider wraps a real-time transcription service (Deepgram, Google
// Speech-to-Text, etc.) and exposes a uniform streaming interface. The
// central abstraction is SessionHandle: once opened, a session accepts raw
// PCM audio frames and emits two streams of Transcript values — low-latency
// partials and authoritative finals.
//
// This package is a thin client over one provider connection; it has no
// opinion on reconnection, buffering, or accumulation — that policy lives in
// the STT sub-session (internal/session) that wraps a Provider.
//
// Implementations must be safe for concurrent use.
package stt

import (
	"context"

	"github.com/voxrelay/voxrelay-core/pkg/types"
)

// StreamConfig describes the audio format and recognition hints for a new
// STT session.
type StreamConfig struct {
	// SampleRate is the audio sample rate in Hz. The core always dials at
	// 16000; the field remains provider-facing configuration rather than a
	// hardcoded constant.
	SampleRate int

	// Channels is the number of audio channels. Always 1 for this system.
	Channels int

	// Language is the BCP-47 language tag for recognition (e.g. "en-US").
	Language string

	// Keywords is a list of vocabulary hints that increase recognition
	// probability for uncommon words.
	Keywords []types.KeywordBoost
}

// SessionHandle represents an open STT streaming session. It is an
// interface so tests can supply mock implementations without a live
// provider connection.
//
// Callers must call Close when the session is no longer needed. All
// methods must be safe for concurrent use.
type SessionHandle interface {
	// SendAudio delivers a chunk of raw PCM audio bytes to the provider.
	// Calling SendAudio after Close returns an error.
	SendAudio(chunk []byte) error

	// Partials returns a read-only channel of low-latency interim
	// Transcript values. The channel is closed when the session ends.
	Partials() <-chan types.Transcript

	// Finals returns a read-only channel of authoritative Transcript
	// values. The channel is closed when the session ends.
	Finals() <-chan types.Transcript

	// SetKeywords replaces the active keyword boost list without
	// restarting the session. Providers that do not support mid-session
	// keyword updates return an error after recording the list.
	SetKeywords(keywords []types.KeywordBoost) error

	// Close terminates the session and releases all associated resources.
	// Calling Close more than once is safe and returns nil.
	Close() error
}

// Provider is the abstraction over any STT backend.
type Provider interface {
	// StartStream opens a new streaming transcription session. The
	// returned SessionHandle is ready to accept audio immediately, or an
	// error if the provider cannot establish the session.
	StartStream(ctx context.Context, cfg StreamConfig) (SessionHandle, error)
}
