// Package mock provides test doubles for the tts package interfaces.
//
// Use Provider to verify that the caller starts sessions with the expected
// StreamConfig. Use Session to feed controlled AudioChunk values and inspect
// which utterances were synthesized.
//
// Example:
//
//	sess := &mock.Session{AudioCh: make(chan tts.AudioChunk, 1)}
//	p := &mock.Provider{Session: sess}
//	handle, _ := p.StartStream(ctx, cfg)
package mock

import (
	"context"
	"sync"

	"github.com/voxrelay/voxrelay-core/pkg/provider/tts"
)

// StartStreamCall records a single invocation of Provider.StartStream.
type StartStreamCall struct {
	Ctx context.Context
	Cfg tts.StreamConfig
}

// Provider is a mock implementation of tts.Provider.
type Provider struct {
	mu sync.Mutex

	// Session is the SessionHandle returned by StartStream. If nil,
	// StartStream returns a new default Session with a buffered channel.
	Session tts.SessionHandle

	// StartStreamErr, if non-nil, is returned as the error from StartStream.
	StartStreamErr error

	// StartStreamCalls records every call to StartStream.
	StartStreamCalls []StartStreamCall
}

// StartStream records the call and returns Session, StartStreamErr.
func (p *Provider) StartStream(ctx context.Context, cfg tts.StreamConfig) (tts.SessionHandle, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.StartStreamCalls = append(p.StartStreamCalls, StartStreamCall{Ctx: ctx, Cfg: cfg})
	if p.StartStreamErr != nil {
		return nil, p.StartStreamErr
	}
	if p.Session != nil {
		return p.Session, nil
	}
	return &Session{AudioCh: make(chan tts.AudioChunk, 16)}, nil
}

// Reset clears all recorded calls. Thread-safe.
func (p *Provider) Reset() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.StartStreamCalls = nil
}

// Ensure Provider implements tts.Provider at compile time.
var _ tts.Provider = (*Provider)(nil)

// SynthesizeCall records a single invocation of Session.Synthesize.
type SynthesizeCall struct {
	UtteranceID string
	Text        string
}

// Session is a mock implementation of tts.SessionHandle. Each Synthesize
// call records its arguments, pushes the configured UtteranceAudio frames
// for the utterance onto AudioCh, and follows them with the terminal Done
// marker, mirroring the in-band completion contract of a live provider
// session. Tests may also push frames onto AudioCh directly.
type Session struct {
	mu sync.Mutex

	// AudioCh is the channel returned by Audio(). Callers own this channel
	// and are responsible for closing it in tests.
	AudioCh chan tts.AudioChunk

	// UtteranceAudio holds the PCM frames Synthesize emits on AudioCh for
	// every utterance, ahead of the Done marker. Nil emits the marker only.
	UtteranceAudio [][]byte

	SynthesizeErr      error
	CancelSynthesisErr error
	CloseErr           error

	SynthesizeCalls      []SynthesizeCall
	CancelSynthesisCalls []string
	CloseCallCount       int
}

// Synthesize records the call, emits the configured frames and the Done
// marker for the utterance, and returns SynthesizeErr.
func (s *Session) Synthesize(ctx context.Context, utteranceID string, text string) error {
	s.mu.Lock()
	s.SynthesizeCalls = append(s.SynthesizeCalls, SynthesizeCall{UtteranceID: utteranceID, Text: text})
	err := s.SynthesizeErr
	frames := s.UtteranceAudio
	ch := s.AudioCh
	s.mu.Unlock()

	if err != nil {
		return err
	}
	if ch != nil {
		for _, pcm := range frames {
			ch <- tts.AudioChunk{UtteranceID: utteranceID, PCM: pcm}
		}
		ch <- tts.AudioChunk{UtteranceID: utteranceID, Done: true}
	}
	return nil
}

// Audio returns AudioCh.
func (s *Session) Audio() <-chan tts.AudioChunk {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.AudioCh
}

// CancelSynthesis records the call and returns CancelSynthesisErr.
func (s *Session) CancelSynthesis(utteranceID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.CancelSynthesisCalls = append(s.CancelSynthesisCalls, utteranceID)
	return s.CancelSynthesisErr
}

// Close records the call and returns CloseErr.
func (s *Session) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.CloseCallCount++
	return s.CloseErr
}

// SynthesizeCallCount returns the number of Synthesize calls. Thread-safe.
func (s *Session) SynthesizeCallCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.SynthesizeCalls)
}

// ResetCalls clears all recorded calls. Thread-safe.
func (s *Session) ResetCalls() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.SynthesizeCalls = nil
	s.CancelSynthesisCalls = nil
	s.CloseCallCount = 0
}

// Ensure Session implements tts.SessionHandle at compile time.
var _ tts.SessionHandle = (*Session)(nil)
