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
	"github.com/voxrelay/voxrelay-core/pkg/audio"
	"github.com/voxrelay/voxrelay-core/pkg/provider/tts"
)

const (
	ttsConnectTimeout   = 5 * time.Second
	ttsMaxBufferBytes   = 1 << 20 // 1 MiB
	ttsMaxUtteranceLen  = 5000
	ttsProviderSampleHz = 16000
	ttsClientSampleHz   = 48000
)

// ErrTTSSessionError is returned from operations attempted after the TTS
// sub-session has entered the terminal error state.
var ErrTTSSessionError = errors.New("ttssession: connection is in a permanent error state")

// TTSOutputChunk is a single frame of synthesized audio, already resampled
// to the client's 48 kHz rate, tagged with the utterance it belongs to. The
// final chunk of every utterance carries Done instead of PCM; because all
// chunks flow through the one audioLoop goroutine, the marker is ordered
// strictly after the utterance's last frame.
type TTSOutputChunk struct {
	UtteranceID string
	PCM         []byte
	Done        bool
}

// TTSSession maintains a single persistent upstream text-to-speech
// connection for one user session. It synthesizes one utterance at a time,
// resamples inbound audio to the 48 kHz client rate, and reconnects transparently
// on transient failures while buffering pending text.
//
// Safe for concurrent use.
type TTSSession struct {
	provider  tts.Provider
	cfg       tts.StreamConfig
	sessionID string
	metrics   *observe.Metrics

	mu         sync.Mutex
	state      ConnState
	handle     tts.SessionHandle
	pendingBuf *ByteBoundedQueue[textItem]
	ending     bool
	utteranceN int

	output chan TTSOutputChunk
	stop   chan struct{}
	wg     sync.WaitGroup
}

// NewTTSSession constructs a TTS sub-session bound to provider and cfg. The
// connection is not opened until Create is called.
func NewTTSSession(sessionID string, provider tts.Provider, cfg tts.StreamConfig, metrics *observe.Metrics) *TTSSession {
	if metrics == nil {
		metrics = observe.DefaultMetrics()
	}
	return &TTSSession{
		provider:   provider,
		cfg:        cfg,
		sessionID:  sessionID,
		metrics:    metrics,
		state:      StateIdle,
		pendingBuf: NewByteBoundedQueue[textItem](ttsMaxBufferBytes),
		output:     make(chan TTSOutputChunk, 64),
		stop:       make(chan struct{}),
	}
}

// State reports the current connection state.
func (s *TTSSession) State() ConnState {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// Output returns the channel of outbound audio chunks, already resampled to
// the client's 48 kHz rate. Closed when the sub-session ends.
func (s *TTSSession) Output() <-chan TTSOutputChunk {
	return s.output
}

// Create opens the upstream connection eagerly, retrying per the first-open
// schedule on transient failure.
func (s *TTSSession) Create(ctx context.Context) error {
	s.mu.Lock()
	s.state = StateConnecting
	s.mu.Unlock()

	err := retryWithSchedule(ctx, firstOpenDelays, func(ctx context.Context, attempt int) error {
		dialCtx, cancel := context.WithTimeout(ctx, ttsConnectTimeout)
		defer cancel()
		handle, err := s.provider.StartStream(dialCtx, s.cfg)
		if err != nil {
			cerr := classify.Classify(err)
			if !cerr.Retryable {
				return &nonRetryable{cerr}
			}
			slog.Warn("ttssession: connect attempt failed", "session_id", s.sessionID,
				"attempt", attempt, "kind", cerr.Kind.String())
			return cerr
		}
		s.mu.Lock()
		s.handle = handle
		s.state = StateConnected
		s.mu.Unlock()
		s.wg.Add(1)
		go s.audioLoop(handle)
		return nil
	})
	if err != nil {
		var nr *nonRetryable
		if errors.As(err, &nr) {
			s.mu.Lock()
			s.state = StateError
			s.mu.Unlock()
			return fmt.Errorf("ttssession: create: %w", nr.err)
		}
		s.mu.Lock()
		s.state = StateError
		s.mu.Unlock()
		return fmt.Errorf("ttssession: create: exhausted retries: %w", err)
	}
	slog.Info("ttssession: connected", "session_id", s.sessionID)
	return nil
}

// nextUtteranceID returns a new, session-scoped, monotonically increasing
// utterance identifier.
func (s *TTSSession) nextUtteranceID() string {
	s.mu.Lock()
	s.utteranceN++
	n := s.utteranceN
	s.mu.Unlock()
	return fmt.Sprintf("%s-u%d", s.sessionID, n)
}

// Synthesize validates and dispatches text for one utterance, identified by
// an internally generated utterance ID. Empty or whitespace-only text is a
// no-op: onStart is not invoked and ("", nil) is returned. Text longer than
// 5000 characters is truncated with a warning. While reconnecting, the text
// is appended to the bounded pending buffer instead of being rejected; it is
// flushed to the provider once the connection is restored.
//
// onStart, if non-nil, is invoked synchronously with the assigned utterance
// ID before the (possibly blocking) provider call, so a caller driving the
// client-facing transport can emit an utterance-started event without
// waiting for synthesis to complete. Synthesize itself still blocks until
// the provider reports completion (or, while reconnecting, returns once the
// text has been buffered).
func (s *TTSSession) Synthesize(ctx context.Context, text string, onStart func(utteranceID string)) (string, error) {
	text = strings.TrimSpace(text)
	if text == "" {
		return "", nil
	}
	if runes := []rune(text); len(runes) > ttsMaxUtteranceLen {
		slog.Warn("ttssession: truncating utterance text that exceeds the limit",
			"session_id", s.sessionID, "length", len(runes), "limit", ttsMaxUtteranceLen)
		text = string(runes[:ttsMaxUtteranceLen])
	}

	utteranceID := s.nextUtteranceID()
	if onStart != nil {
		onStart(utteranceID)
	}

	s.mu.Lock()
	state := s.state
	handle := s.handle
	s.mu.Unlock()

	switch state {
	case StateError:
		return utteranceID, ErrTTSSessionError
	case StateReconnecting, StateConnecting, StateIdle:
		if evicted := s.pendingBuf.Push(textItem{utteranceID: utteranceID, text: text}); evicted > 0 {
			slog.Warn("ttssession: pending text buffer overflow, dropped oldest entries",
				"session_id", s.sessionID, "dropped", evicted)
		}
		return utteranceID, nil
	default:
		if handle == nil {
			return utteranceID, ErrTTSSessionError
		}
		if err := handle.Synthesize(ctx, utteranceID, text); err != nil {
			go s.handleFailure(classify.Classify(err))
			return utteranceID, nil
		}
		return utteranceID, nil
	}
}

// CancelSynthesis aborts the named in-progress utterance if the provider
// supports it.
func (s *TTSSession) CancelSynthesis(utteranceID string) error {
	s.mu.Lock()
	handle := s.handle
	s.mu.Unlock()
	if handle == nil {
		return tts.ErrNotSupported
	}
	return handle.CancelSynthesis(utteranceID)
}

// End closes the connection, discards buffered text, and releases all
// resources. Safe to call more than once.
func (s *TTSSession) End() error {
	s.mu.Lock()
	if s.ending {
		s.mu.Unlock()
		return nil
	}
	s.ending = true
	handle := s.handle
	s.pendingBuf.Drain()
	s.mu.Unlock()

	close(s.stop)
	if handle != nil {
		_ = handle.Close()
	}
	s.wg.Wait()
	close(s.output)
	return nil
}

// audioLoop resamples each inbound provider chunk to the client's rate and
// forwards it to Output, until the provider's audio channel closes or End
// is called.
func (s *TTSSession) audioLoop(handle tts.SessionHandle) {
	defer s.wg.Done()

	audioCh := handle.Audio()
	for {
		select {
		case <-s.stop:
			return
		case chunk, ok := <-audioCh:
			if !ok {
				s.mu.Lock()
				ending := s.ending
				s.mu.Unlock()
				if ending {
					return
				}
				s.handleFailure(classify.Classify(errors.New("unexpected close of tts stream")))
				return
			}
			if chunk.Done {
				select {
				case s.output <- TTSOutputChunk{UtteranceID: chunk.UtteranceID, Done: true}:
				case <-s.stop:
					return
				}
				continue
			}
			resampled, err := audio.ResampleMono16(chunk.PCM, ttsProviderSampleHz, ttsClientSampleHz)
			if err != nil {
				slog.Warn("ttssession: dropping unresamplable audio chunk",
					"session_id", s.sessionID, "utterance_id", chunk.UtteranceID, "error", err)
				continue
			}
			select {
			case s.output <- TTSOutputChunk{UtteranceID: chunk.UtteranceID, PCM: resampled}:
				s.metrics.TTSChunksEmittedTotal.Add(context.Background(), 1)
			case <-s.stop:
				return
			}
		}
	}
}

// handleFailure reacts to a classified failure of the live connection.
func (s *TTSSession) handleFailure(cerr *classify.Error) {
	s.mu.Lock()
	if s.ending {
		s.mu.Unlock()
		return
	}
	if !cerr.Retryable {
		s.state = StateError
		s.mu.Unlock()
		slog.Error("ttssession: fatal error, session entering permanent error state",
			"session_id", s.sessionID, "kind", cerr.Kind.String())
		return
	}
	s.state = StateReconnecting
	s.mu.Unlock()

	slog.Warn("ttssession: connection lost, reconnecting", "session_id", s.sessionID, "kind", cerr.Kind.String())
	s.reconnect()
}

// reconnect attempts to re-establish the provider connection per the
// mid-stream schedule, flushing any buffered text on success.
func (s *TTSSession) reconnect() {
	err := retryWithSchedule(context.Background(), midStreamDelays, func(ctx context.Context, attempt int) error {
		s.metrics.TTSReconnectsTotal.Add(ctx, 1)
		dialCtx, cancel := context.WithTimeout(ctx, ttsConnectTimeout)
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
		buffered := s.pendingBuf.Drain()
		s.mu.Unlock()

		s.wg.Add(1)
		go s.audioLoop(handle)

		for _, item := range buffered {
			if err := handle.Synthesize(context.Background(), item.utteranceID, item.text); err != nil {
				slog.Warn("ttssession: failed to flush buffered utterance after reconnect",
					"session_id", s.sessionID, "utterance_id", item.utteranceID, "error", err)
			}
		}
		return nil
	})

	if err != nil {
		s.mu.Lock()
		s.state = StateError
		s.mu.Unlock()
		slog.Error("ttssession: reconnect exhausted, session entering permanent error state",
			"session_id", s.sessionID, "error", err)
	} else {
		slog.Info("ttssession: reconnected", "session_id", s.sessionID)
	}
}
