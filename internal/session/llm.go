package session

import (
	"context"
	"errors"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/voxrelay/voxrelay-core/internal/observe"
	"github.com/voxrelay/voxrelay-core/internal/resilience"
	"github.com/voxrelay/voxrelay-core/pkg/provider/llm"
	"github.com/voxrelay/voxrelay-core/pkg/types"
)

// Fallback tiers, selected by consecutive_failures after increment.
const (
	fallbackTier1 = "I apologize, can you repeat that?"
	fallbackTier2 = "I'm experiencing technical difficulties. Please hold."
	fallbackTier3 = "I apologize, I'm having connection issues. I'll have someone call you back."
)

// ErrQueueFull is returned synchronously by Generate when the per-session
// FIFO queue is at its configured capacity.
var ErrQueueFull = errors.New("llmsession: request queue is full")

// ErrShuttingDown is delivered on LLMResult.Done for any request still
// queued (not yet dequeued) when End is called.
var ErrShuttingDown = errors.New("llmsession: session is shutting down")

// LLMParams carries the generation parameters applied to every completion
// request for this session.
type LLMParams struct {
	Temperature      float64
	MaxTokens        int
	TopP             float64
	FrequencyPenalty float64
	PresencePenalty  float64
	RequestTimeout   time.Duration
	MaxQueueSize     int // 0 = unbounded
	SystemPrompt     string

	// BreakMarker is the semantic chunk boundary token the model is
	// prompted to emit. It is stripped from assistant text before the turn
	// is recorded in history; the token stream itself keeps it for the
	// chunker.
	BreakMarker string
}

// LLMResult is returned by Generate. Tokens emits assistant text fragments
// in arrival order and is closed when the turn resolves, whether by a
// successful completion or a fallback message. Done receives exactly one
// value once Tokens is fully drained: nil for a normal or fallback
// resolution, or ErrShuttingDown if the request was rejected, still queued,
// by a concurrent End call.
type LLMResult struct {
	Tokens <-chan string
	Done   <-chan error
}

// llmRequest is an item in the per-session FIFO queue.
type llmRequest struct {
	userText string
	tokens   chan string
	done     chan error
}

// LLMSession holds one session's conversation context and drives streamed
// completions through a bounded, strictly-ordered FIFO queue with
// at-most-one-in-flight discipline.
//
// Safe for concurrent use.
type LLMSession struct {
	provider  llm.Provider
	params    LLMParams
	breaker   *resilience.LLMBreaker
	metrics   *observe.Metrics
	sessionID string

	rootCtx    context.Context
	rootCancel context.CancelFunc

	mu                  sync.Mutex
	history             []types.Message
	consecutiveFailures int
	queue               []*llmRequest
	inFlight            bool
	ended               bool

	wake chan struct{}
}

// NewLLMSession constructs an LLM sub-session. parentCtx bounds the
// lifetime of every request this session ever issues; cancelling it (or
// calling End) aborts any in-flight generation.
func NewLLMSession(parentCtx context.Context, sessionID string, provider llm.Provider, params LLMParams, breaker *resilience.LLMBreaker, metrics *observe.Metrics) *LLMSession {
	if metrics == nil {
		metrics = observe.DefaultMetrics()
	}
	ctx, cancel := context.WithCancel(parentCtx)
	s := &LLMSession{
		provider:   provider,
		params:     params,
		breaker:    breaker,
		metrics:    metrics,
		sessionID:  sessionID,
		rootCtx:    ctx,
		rootCancel: cancel,
		wake:       make(chan struct{}, 1),
	}
	go s.worker()
	return s
}

// Initialize creates the conversation context with the leading system
// message. Idempotent: subsequent calls are no-ops.
func (s *LLMSession) Initialize() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.history) > 0 {
		return
	}
	s.history = append(s.history, types.Message{
		Role:      "system",
		Content:   s.params.SystemPrompt,
		Timestamp: time.Now(),
	})
}

// History returns a snapshot copy of the conversation history.
func (s *LLMSession) History() []types.Message {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]types.Message, len(s.history))
	copy(out, s.history)
	return out
}

// ConsecutiveFailures reports the current fallback-tier counter.
func (s *LLMSession) ConsecutiveFailures() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.consecutiveFailures
}

// Generate appends a user turn to history and enqueues a generation
// request. It returns ErrQueueFull synchronously if the queue (in-flight
// requests included) is already at MaxQueueSize. Otherwise it returns an
// LLMResult whose Tokens/Done channels resolve once the request reaches the
// front of the queue and completes.
func (s *LLMSession) Generate(userText string) (*LLMResult, error) {
	s.mu.Lock()
	if s.ended {
		s.mu.Unlock()
		return nil, ErrShuttingDown
	}
	total := len(s.queue)
	if s.inFlight {
		total++
	}
	if s.params.MaxQueueSize > 0 && total >= s.params.MaxQueueSize {
		s.mu.Unlock()
		return nil, ErrQueueFull
	}

	s.history = append(s.history, types.Message{Role: "user", Content: userText, Timestamp: time.Now()})

	req := &llmRequest{
		userText: userText,
		tokens:   make(chan string, 16),
		done:     make(chan error, 1),
	}
	s.queue = append(s.queue, req)
	qDepth := len(s.queue)
	s.mu.Unlock()

	s.metrics.LLMQueueDepth.Add(context.Background(), 1)
	_ = qDepth

	select {
	case s.wake <- struct{}{}:
	default:
	}

	return &LLMResult{Tokens: req.tokens, Done: req.done}, nil
}

// End rejects every still-queued request with ErrShuttingDown, cancels any
// in-flight generation (which resolves with a fallback), and clears the
// conversation context. Safe to call more than once.
func (s *LLMSession) End() {
	s.mu.Lock()
	if s.ended {
		s.mu.Unlock()
		return
	}
	s.ended = true
	pending := s.queue
	s.queue = nil
	s.history = nil
	s.mu.Unlock()

	for _, req := range pending {
		close(req.tokens)
		req.done <- ErrShuttingDown
		s.metrics.LLMQueueDepth.Add(context.Background(), -1)
	}
	// Cancelling rootCtx aborts any in-flight StreamCompletion call; its
	// worker goroutine resolves that request with a fallback and exits.
	s.rootCancel()
}

// worker is the single consumer enforcing at-most-one-in-flight generation.
func (s *LLMSession) worker() {
	for {
		select {
		case <-s.rootCtx.Done():
		case <-s.wake:
		}

		for {
			s.mu.Lock()
			if s.ended || len(s.queue) == 0 {
				s.mu.Unlock()
				break
			}
			req := s.queue[0]
			s.queue = s.queue[1:]
			s.inFlight = true
			history := make([]types.Message, len(s.history))
			copy(history, s.history)
			s.mu.Unlock()

			s.metrics.LLMQueueDepth.Add(context.Background(), -1)
			s.processRequest(req, history)

			s.mu.Lock()
			s.inFlight = false
			s.mu.Unlock()
		}

		if s.rootCtx.Err() != nil {
			return
		}
	}
}

// processRequest drives one completion attempt and resolves req.
func (s *LLMSession) processRequest(req *llmRequest, history []types.Message) {
	ctx := s.rootCtx
	var cancel context.CancelFunc
	if s.params.RequestTimeout > 0 {
		ctx, cancel = context.WithTimeout(ctx, s.params.RequestTimeout)
		defer cancel()
	}

	creq := llm.CompletionRequest{
		Messages:         history,
		Temperature:      s.params.Temperature,
		MaxTokens:        s.params.MaxTokens,
		TopP:             s.params.TopP,
		FrequencyPenalty: s.params.FrequencyPenalty,
		PresencePenalty:  s.params.PresencePenalty,
	}

	var accumulated strings.Builder
	var streamErr error

	if s.breaker != nil && !s.breaker.Allow() {
		streamErr = resilience.ErrCircuitOpen
	} else {
		runStream := func(ctx context.Context) error {
			chunks, err := s.provider.StreamCompletion(ctx, creq)
			if err != nil {
				return err
			}
			for chunk := range chunks {
				if chunk.FinishReason == "error" {
					return errors.New(chunk.Text)
				}
				if chunk.Text == "" {
					continue
				}
				accumulated.WriteString(chunk.Text)
				select {
				case req.tokens <- chunk.Text:
				case <-ctx.Done():
					return ctx.Err()
				}
			}
			// The channel may close because ctx was cancelled (session
			// ending mid-generation) rather than because the provider
			// finished normally; treat that the same as a mid-stream
			// cancellation so the request resolves with a fallback.
			if ctx.Err() != nil {
				return ctx.Err()
			}
			return nil
		}
		if s.breaker != nil {
			streamErr = s.breaker.Record(ctx, runStream)
		} else {
			streamErr = runStream(ctx)
		}
	}

	if streamErr != nil {
		tier := s.nextFallbackTier()
		text := fallbackText(tier)
		s.appendAssistant(text)
		select {
		case req.tokens <- text:
		default:
		}
		close(req.tokens)
		req.done <- nil
		s.metrics.RecordLLMRequest(context.Background(), tier, "failure")
		slog.Warn("llmsession: generation failed, resolved with fallback",
			"session_id", s.sessionID, "tier", tier, "error", streamErr)
		return
	}

	s.mu.Lock()
	s.consecutiveFailures = 0
	s.mu.Unlock()
	s.appendAssistant(stripBreakMarkers(accumulated.String(), s.params.BreakMarker))
	close(req.tokens)
	req.done <- nil
	s.metrics.RecordLLMRequest(context.Background(), 0, "success")
}

// stripBreakMarkers removes every occurrence of the chunk boundary marker
// from text, joining the surrounding pieces with single spaces, so the
// recorded conversation history reads as the user heard it.
func stripBreakMarkers(text, marker string) string {
	if marker == "" || !strings.Contains(text, marker) {
		return text
	}
	var kept []string
	for _, piece := range strings.Split(text, marker) {
		if piece = strings.TrimSpace(piece); piece != "" {
			kept = append(kept, piece)
		}
	}
	return strings.Join(kept, " ")
}

func (s *LLMSession) appendAssistant(text string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.ended {
		return
	}
	s.history = append(s.history, types.Message{Role: "assistant", Content: text, Timestamp: time.Now()})
}

// AppendAssistantDirect records an assistant turn in history without
// issuing a provider call, for canned replies the state machine emits on
// its own (an empty transcript, for instance).
func (s *LLMSession) AppendAssistantDirect(text string) {
	s.appendAssistant(text)
}

// AppendInterruptedAssistant records a partial assistant turn, cut short by
// a user interruption, so the conversation context reflects what the user
// actually heard rather than the full reply that was never spoken.
func (s *LLMSession) AppendInterruptedAssistant(text string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.ended {
		return
	}
	s.history = append(s.history, types.Message{
		Role:        "assistant",
		Content:     text,
		Timestamp:   time.Now(),
		Interrupted: true,
	})
}

func (s *LLMSession) nextFallbackTier() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.consecutiveFailures++
	switch s.consecutiveFailures {
	case 1:
		return 1
	case 2:
		return 2
	default:
		return 3
	}
}

func fallbackText(tier int) string {
	switch tier {
	case 1:
		return fallbackTier1
	case 2:
		return fallbackTier2
	default:
		return fallbackTier3
	}
}
