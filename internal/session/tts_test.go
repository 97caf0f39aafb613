package session

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/voxrelay/voxrelay-core/pkg/provider/tts"
	ttsmock "github.com/voxrelay/voxrelay-core/pkg/provider/tts/mock"
)

// gatedTTSProvider is a hand-rolled tts.Provider stub returning a configured
// sequence of sessions/errors, optionally blocking one specific call on a
// release channel so a test can observe the in-between state.
type gatedTTSProvider struct {
	mu        sync.Mutex
	calls     int
	sessions  []tts.SessionHandle
	errs      []error
	blockCall int // 1-based; 0 disables blocking
	release   chan struct{}
}

func (p *gatedTTSProvider) StartStream(ctx context.Context, cfg tts.StreamConfig) (tts.SessionHandle, error) {
	p.mu.Lock()
	n := p.calls
	p.calls++
	p.mu.Unlock()

	if p.blockCall == n+1 && p.release != nil {
		select {
		case <-p.release:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}

	if n < len(p.errs) && p.errs[n] != nil {
		return nil, p.errs[n]
	}
	if n < len(p.sessions) {
		return p.sessions[n], nil
	}
	return &ttsmock.Session{AudioCh: make(chan tts.AudioChunk, 16)}, nil
}

func (p *gatedTTSProvider) callCount() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.calls
}

func newTTSSessionForTest(t *testing.T, provider tts.Provider) *TTSSession {
	t.Helper()
	return NewTTSSession("sess-1", provider, tts.StreamConfig{VoiceID: "voice-1", SampleRate: 16000}, testMetrics(t))
}

func TestTTSSession_Create_Success(t *testing.T) {
	provider := &ttsmock.Provider{}
	s := newTTSSessionForTest(t, provider)

	if err := s.Create(context.Background()); err != nil {
		t.Fatalf("Create: %v", err)
	}
	if got := s.State(); got != StateConnected {
		t.Errorf("state = %v, want connected", got)
	}
	if err := s.End(); err != nil {
		t.Fatalf("End: %v", err)
	}
}

func TestTTSSession_Create_NonRetryableFailsFast(t *testing.T) {
	provider := &gatedTTSProvider{errs: []error{errors.New("401 unauthorized")}}
	s := newTTSSessionForTest(t, provider)

	if err := s.Create(context.Background()); err == nil {
		t.Fatal("expected error from Create")
	}
	if got := s.State(); got != StateError {
		t.Errorf("state = %v, want error", got)
	}
	if got := provider.callCount(); got != 1 {
		t.Errorf("StartStream calls = %d, want 1 (non-retryable classification must not retry)", got)
	}
}

func TestTTSSession_Synthesize_EmptyIsNoop(t *testing.T) {
	provider := &ttsmock.Provider{}
	s := newTTSSessionForTest(t, provider)
	if err := s.Create(context.Background()); err != nil {
		t.Fatalf("Create: %v", err)
	}
	defer s.End()

	id, err := s.Synthesize(context.Background(), "   ", nil)
	if err != nil {
		t.Fatalf("Synthesize: %v", err)
	}
	if id != "" {
		t.Errorf("utterance ID = %q, want empty for whitespace-only text", id)
	}
}

func TestTTSSession_Synthesize_SendsWhenConnected(t *testing.T) {
	session := &ttsmock.Session{AudioCh: make(chan tts.AudioChunk, 16)}
	provider := &ttsmock.Provider{Session: session}
	s := newTTSSessionForTest(t, provider)
	if err := s.Create(context.Background()); err != nil {
		t.Fatalf("Create: %v", err)
	}
	defer s.End()

	id, err := s.Synthesize(context.Background(), "hello there", nil)
	if err != nil {
		t.Fatalf("Synthesize: %v", err)
	}
	if id == "" {
		t.Error("expected a non-empty utterance ID")
	}
	if got := session.SynthesizeCallCount(); got != 1 {
		t.Fatalf("Synthesize calls = %d, want 1", got)
	}
	if got := session.SynthesizeCalls[0].Text; got != "hello there" {
		t.Errorf("synthesized text = %q, want %q", got, "hello there")
	}
}

func TestTTSSession_Synthesize_TruncatesOverLongText(t *testing.T) {
	session := &ttsmock.Session{AudioCh: make(chan tts.AudioChunk, 16)}
	provider := &ttsmock.Provider{Session: session}
	s := newTTSSessionForTest(t, provider)
	if err := s.Create(context.Background()); err != nil {
		t.Fatalf("Create: %v", err)
	}
	defer s.End()

	long := make([]byte, ttsMaxUtteranceLen+500)
	for i := range long {
		long[i] = 'a'
	}
	if _, err := s.Synthesize(context.Background(), string(long), nil); err != nil {
		t.Fatalf("Synthesize: %v", err)
	}
	if got := session.SynthesizeCallCount(); got != 1 {
		t.Fatalf("Synthesize calls = %d, want 1", got)
	}
	if got := len(session.SynthesizeCalls[0].Text); got != ttsMaxUtteranceLen {
		t.Errorf("synthesized text length = %d, want %d", got, ttsMaxUtteranceLen)
	}
}

func TestTTSSession_Synthesize_BuffersBeforeConnected(t *testing.T) {
	provider := &ttsmock.Provider{}
	s := newTTSSessionForTest(t, provider)
	// Deliberately not calling Create: state is the zero value, StateIdle.

	id, err := s.Synthesize(context.Background(), "buffered text", nil)
	if err != nil {
		t.Fatalf("Synthesize: %v", err)
	}
	if id == "" {
		t.Error("expected a non-empty utterance ID")
	}
	if got := s.pendingBuf.Len(); got != 1 {
		t.Errorf("pending buffer length = %d, want 1", got)
	}
}

func TestTTSSession_AudioLoop_ResamplesForwardsAndMarksDone(t *testing.T) {
	audioCh := make(chan tts.AudioChunk, 4)
	session := &ttsmock.Session{AudioCh: audioCh}
	provider := &ttsmock.Provider{Session: session}
	s := newTTSSessionForTest(t, provider)
	if err := s.Create(context.Background()); err != nil {
		t.Fatalf("Create: %v", err)
	}
	defer s.End()

	// 4 bytes = 2 samples at 16kHz -> upsampled to 48kHz. Pushed ahead of
	// the Synthesize call so it precedes the mock's Done marker.
	audioCh <- tts.AudioChunk{UtteranceID: "u1", PCM: []byte{1, 0, 2, 0}}

	if _, err := s.Synthesize(context.Background(), "hi", nil); err != nil {
		t.Fatalf("Synthesize: %v", err)
	}

	select {
	case out := <-s.Output():
		if out.UtteranceID != "u1" {
			t.Errorf("utterance ID = %q, want u1", out.UtteranceID)
		}
		if out.Done {
			t.Error("first output should be an audio frame, not the done marker")
		}
		if len(out.PCM) == 0 {
			t.Error("expected resampled PCM in the output chunk")
		}
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for resampled output")
	}

	select {
	case out := <-s.Output():
		if !out.Done {
			t.Error("second output should be the done marker")
		}
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for done marker")
	}
}

func TestTTSSession_End_Idempotent(t *testing.T) {
	session := &ttsmock.Session{AudioCh: make(chan tts.AudioChunk, 16)}
	provider := &ttsmock.Provider{Session: session}
	s := newTTSSessionForTest(t, provider)
	if err := s.Create(context.Background()); err != nil {
		t.Fatalf("Create: %v", err)
	}

	if err := s.End(); err != nil {
		t.Fatalf("End: %v", err)
	}
	if err := s.End(); err != nil {
		t.Fatalf("second End: %v", err)
	}
	if session.CloseCallCount != 1 {
		t.Errorf("Close calls = %d, want 1", session.CloseCallCount)
	}
}

func TestTTSSession_MidStreamReconnect_BuffersAndFlushesText(t *testing.T) {
	session1 := &ttsmock.Session{AudioCh: make(chan tts.AudioChunk, 16)}
	session2 := &ttsmock.Session{AudioCh: make(chan tts.AudioChunk, 16)}
	provider := &gatedTTSProvider{
		sessions:  []tts.SessionHandle{session1, session2},
		blockCall: 2,
		release:   make(chan struct{}),
	}
	s := newTTSSessionForTest(t, provider)
	if err := s.Create(context.Background()); err != nil {
		t.Fatalf("Create: %v", err)
	}
	if got := s.State(); got != StateConnected {
		t.Fatalf("state = %v, want connected", got)
	}

	// Simulate an unexpected upstream close: the audio channel closes
	// without End().
	close(session1.AudioCh)

	waitFor(t, time.Second, "never entered reconnecting", func() bool {
		return s.State() == StateReconnecting
	})

	if _, err := s.Synthesize(context.Background(), "buffered during reconnect", nil); err != nil {
		t.Fatalf("Synthesize: %v", err)
	}
	if got := s.pendingBuf.Len(); got != 1 {
		t.Fatalf("pending buffer length = %d, want 1", got)
	}

	close(provider.release)

	waitFor(t, time.Second, "never reconnected", func() bool {
		return s.State() == StateConnected
	})

	waitFor(t, time.Second, "buffered text never flushed", func() bool {
		return session2.SynthesizeCallCount() == 1
	})
	if got := s.pendingBuf.Len(); got != 0 {
		t.Errorf("pending buffer length after flush = %d, want 0", got)
	}

	if err := s.End(); err != nil {
		t.Fatalf("End: %v", err)
	}
}
