// Package session implements the per-session orchestration core: the STT,
// LLM, and TTS sub-sessions, the semantic streaming chunker, and the
// conversation state machine that ties them together.
package session

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/voxrelay/voxrelay-core/internal/classify"
	"github.com/voxrelay/voxrelay-core/internal/observe"
	"github.com/voxrelay/voxrelay-core/pkg/provider/stt"
	"github.com/voxrelay/voxrelay-core/pkg/types"
)

// ConnState enumerates the five connection states shared by the STT and TTS
// sub-sessions.
type ConnState int

const (
	StateIdle ConnState = iota
	StateConnecting
	StateConnected
	StateReconnecting
	StateError
)

func (s ConnState) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateConnecting:
		return "connecting"
	case StateConnected:
		return "connected"
	case StateReconnecting:
		return "reconnecting"
	case StateError:
		return "error"
	default:
		return "unknown"
	}
}

const (
	sttConnectTimeout  = 5 * time.Second
	sttFinalizeTimeout = 2 * time.Second
	sttMaxBufferBytes  = 1 << 20 // 1 MiB
)

// ErrSTTSessionError is returned from operations attempted after the STT
// sub-session has entered the terminal error state.
var ErrSTTSessionError = errors.New("sttsession: connection is in a permanent error state")

// STTSession maintains a single upstream speech-to-text connection for one
// user session. It forwards audio, accumulates interim and final
// transcripts, and reconnects transparently on transient failures.
//
// Safe for concurrent use.
type STTSession struct {
	provider  stt.Provider
	cfg       stt.StreamConfig
	sessionID string
	metrics   *observe.Metrics

	mu           sync.Mutex
	state        ConnState
	handle       stt.SessionHandle
	finals       []string
	pendingIntr  string
	lastActivity time.Time
	audioBuf     *ByteBoundedQueue[audioItem]
	emptyChunks  int64
	audioPending bool
	ending       bool
	onTranscript func(types.Transcript)

	// stop is closed by End to unblock any readLoop goroutine immediately,
	// rather than waiting on the provider to close its Partials/Finals
	// channels on its own schedule.
	stop chan struct{}

	wg sync.WaitGroup
}

// NewSTTSession constructs an STT sub-session bound to provider and cfg. The
// connection is not opened until Create is called.
func NewSTTSession(sessionID string, provider stt.Provider, cfg stt.StreamConfig, metrics *observe.Metrics) *STTSession {
	if metrics == nil {
		metrics = observe.DefaultMetrics()
	}
	return &STTSession{
		provider:  provider,
		cfg:       cfg,
		sessionID: sessionID,
		metrics:   metrics,
		state:     StateIdle,
		audioBuf:  NewByteBoundedQueue[audioItem](sttMaxBufferBytes),
		stop:      make(chan struct{}),
	}
}

// SetTranscriptHandler registers fn to be invoked, outside any internal
// lock, every time a partial or final transcript is received. Must be
// called before Create to avoid racing the read loop.
func (s *STTSession) SetTranscriptHandler(fn func(types.Transcript)) {
	s.mu.Lock()
	s.onTranscript = fn
	s.mu.Unlock()
}

// State reports the current connection state.
func (s *STTSession) State() ConnState {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// SampleRate reports the PCM sample rate this sub-session's provider stream
// was configured for.
func (s *STTSession) SampleRate() int {
	return s.cfg.SampleRate
}

// EmptyChunks reports how many zero-length chunks ForwardChunk has ignored.
func (s *STTSession) EmptyChunks() int64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.emptyChunks
}

// Create opens the upstream connection, retrying per the first-open
// schedule on transient failure. It blocks until the connection succeeds or
// every scheduled attempt (and the per-attempt 5s timeout) has been
// exhausted.
func (s *STTSession) Create(ctx context.Context) error {
	s.mu.Lock()
	s.state = StateConnecting
	s.mu.Unlock()

	err := retryWithSchedule(ctx, firstOpenDelays, func(ctx context.Context, attempt int) error {
		dialCtx, cancel := context.WithTimeout(ctx, sttConnectTimeout)
		defer cancel()
		handle, err := s.provider.StartStream(dialCtx, s.cfg)
		if err != nil {
			cerr := classify.Classify(err)
			if !cerr.Retryable {
				return &nonRetryable{cerr}
			}
			slog.Warn("sttsession: connect attempt failed", "session_id", s.sessionID,
				"attempt", attempt, "kind", cerr.Kind.String())
			return cerr
		}
		s.mu.Lock()
		s.handle = handle
		s.state = StateConnected
		s.lastActivity = time.Now()
		s.mu.Unlock()
		s.wg.Add(1)
		go s.readLoop(handle)
		return nil
	})
	if err != nil {
		var nr *nonRetryable
		if errors.As(err, &nr) {
			s.mu.Lock()
			s.state = StateError
			s.mu.Unlock()
			return fmt.Errorf("sttsession: create: %w", nr.err)
		}
		s.mu.Lock()
		s.state = StateError
		s.mu.Unlock()
		return fmt.Errorf("sttsession: create: exhausted retries: %w", err)
	}
	slog.Info("sttsession: connected", "session_id", s.sessionID)
	return nil
}

// nonRetryable wraps a *classify.Error to short-circuit retryWithSchedule.
type nonRetryable struct {
	err *classify.Error
}

func (n *nonRetryable) Error() string { return n.err.Error() }
func (n *nonRetryable) Unwrap() error { return n.err }

// ForwardChunk delivers a resampled 16 kHz PCM chunk to the provider. Empty
// or nil chunks are silently ignored, tracked in their own counter. While
// reconnecting, chunks are buffered (bounded, drop-oldest on overflow); once
// connected they are written directly.
func (s *STTSession) ForwardChunk(chunk []byte) error {
	if len(chunk) == 0 {
		s.mu.Lock()
		s.emptyChunks++
		s.mu.Unlock()
		return nil
	}

	s.mu.Lock()
	state := s.state
	handle := s.handle
	s.mu.Unlock()

	switch state {
	case StateError:
		return ErrSTTSessionError
	case StateReconnecting, StateConnecting, StateIdle:
		s.mu.Lock()
		s.audioPending = true
		s.mu.Unlock()
		if evicted := s.audioBuf.Push(audioItem{chunk: append([]byte(nil), chunk...)}); evicted > 0 {
			slog.Warn("sttsession: audio reconnect buffer overflow, dropped oldest chunks",
				"session_id", s.sessionID, "dropped", evicted)
		}
		return nil
	default:
		if handle == nil {
			return ErrSTTSessionError
		}
		if err := handle.SendAudio(chunk); err != nil {
			go s.handleFailure(classify.Classify(err))
			return nil
		}
		s.mu.Lock()
		s.audioPending = true
		s.lastActivity = time.Now()
		s.mu.Unlock()
		s.metrics.AudioChunksForwardedTotal.Add(context.Background(), 1)
		return nil
	}
}

// Finalize signals end-of-audio: it waits up to the 2 s grace period for
// any in-flight interim transcript to be upgraded to final, then returns
// the accumulated final transcript joined by single spaces. The wait ends
// as soon as the latest result is already final, or immediately when no
// audio has been forwarded since the previous finalize (nothing can be in
// flight). If no finals were ever received, the last interim transcript is
// returned as a fallback.
func (s *STTSession) Finalize(ctx context.Context) (string, error) {
	deadline := time.NewTimer(sttFinalizeTimeout)
	defer deadline.Stop()
	tick := time.NewTicker(10 * time.Millisecond)
	defer tick.Stop()

wait:
	for !s.finalizeReady() {
		select {
		case <-deadline.C:
			break wait
		case <-ctx.Done():
			break wait
		case <-tick.C:
		}
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	s.audioPending = false
	if len(s.finals) == 0 {
		return s.pendingIntr, nil
	}
	return strings.Join(s.finals, " "), nil
}

// finalizeReady reports whether the finalize grace wait can end early: the
// latest result is final, or no audio was sent since the last finalize.
func (s *STTSession) finalizeReady() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.pendingIntr != "" {
		return false
	}
	return len(s.finals) > 0 || !s.audioPending
}

// End closes the connection, discards buffered audio, and releases all
// resources. Safe to call more than once.
func (s *STTSession) End() error {
	s.mu.Lock()
	if s.ending {
		s.mu.Unlock()
		return nil
	}
	s.ending = true
	handle := s.handle
	s.audioBuf.Drain()
	s.mu.Unlock()

	close(s.stop)
	if handle != nil {
		_ = handle.Close()
	}
	s.wg.Wait()
	return nil
}

// readLoop consumes Partials/Finals from handle until both channels close or
// End is called, then decides whether the close was expected or requires
// reconnection. It never blocks indefinitely on a provider that fails to
// close its channels promptly: s.stop, closed by End, unblocks it directly.
func (s *STTSession) readLoop(handle stt.SessionHandle) {
	defer s.wg.Done()

	partials := handle.Partials()
	finals := handle.Finals()
	for partials != nil || finals != nil {
		select {
		case <-s.stop:
			return
		case t, ok := <-partials:
			if !ok {
				partials = nil
				continue
			}
			s.recordTranscript(t)
		case t, ok := <-finals:
			if !ok {
				finals = nil
				continue
			}
			s.recordTranscript(t)
		}
	}

	s.mu.Lock()
	ending := s.ending
	s.mu.Unlock()
	if ending {
		return
	}

	// The channels closed without End() being called: an unexpected close.
	s.handleFailure(classify.Classify(errors.New("unexpected close of stt stream")))
}

func (s *STTSession) recordTranscript(t types.Transcript) {
	s.mu.Lock()
	s.lastActivity = time.Now()
	if t.IsFinal {
		if strings.TrimSpace(t.Text) != "" {
			s.finals = append(s.finals, t.Text)
		}
		s.pendingIntr = ""
	} else {
		s.pendingIntr = t.Text
	}
	handler := s.onTranscript
	s.mu.Unlock()

	kind := "partial"
	if t.IsFinal {
		kind = "final"
	}
	s.metrics.RecordTranscript(context.Background(), kind)

	if handler != nil {
		handler(t)
	}
}

// handleFailure reacts to a classified failure of the live connection: fatal
// kinds end the sub-session permanently; retryable kinds trigger a
// mid-stream reconnect.
func (s *STTSession) handleFailure(cerr *classify.Error) {
	s.mu.Lock()
	if s.ending {
		s.mu.Unlock()
		return
	}
	if !cerr.Retryable {
		s.state = StateError
		s.mu.Unlock()
		slog.Error("sttsession: fatal error, session entering permanent error state",
			"session_id", s.sessionID, "kind", cerr.Kind.String())
		return
	}
	s.state = StateReconnecting
	s.mu.Unlock()

	slog.Warn("sttsession: connection lost, reconnecting", "session_id", s.sessionID, "kind", cerr.Kind.String())
	s.reconnect()
}

// reconnect attempts to re-establish the provider connection per the
// mid-stream schedule, flushing any buffered audio on success.
func (s *STTSession) reconnect() {
	err := retryWithSchedule(context.Background(), midStreamDelays, func(ctx context.Context, attempt int) error {
		s.metrics.STTReconnectsTotal.Add(ctx, 1)
		dialCtx, cancel := context.WithTimeout(ctx, sttConnectTimeout)
		defer cancel()
		handle, err := s.provider.StartStream(dialCtx, s.cfg)
		if err != nil {
			cerr := classify.Classify(err)
			if !cerr.Retryable {
				return &nonRetryable{cerr}
			}
			return cerr
		}

		s.mu.Lock()
		s.handle = handle
		s.state = StateConnected
		s.lastActivity = time.Now()
		buffered := s.audioBuf.Drain()
		s.mu.Unlock()

		for _, item := range buffered {
			_ = handle.SendAudio(item.chunk)
		}

		s.wg.Add(1)
		go s.readLoop(handle)
		return nil
	})

	if err != nil {
		s.mu.Lock()
		s.state = StateError
		s.mu.Unlock()
		slog.Error("sttsession: reconnect exhausted, session entering permanent error state",
			"session_id", s.sessionID, "error", err)
	} else {
		slog.Info("sttsession: reconnected", "session_id", s.sessionID)
	}
}
