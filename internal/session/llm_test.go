package session

import (
	"context"
	"errors"
	"testing"
	"time"

	sdkmetric "go.opentelemetry.io/otel/sdk/metric"

	"github.com/voxrelay/voxrelay-core/internal/observe"
	"github.com/voxrelay/voxrelay-core/internal/resilience"
	"github.com/voxrelay/voxrelay-core/pkg/provider/llm"
	llmmock "github.com/voxrelay/voxrelay-core/pkg/provider/llm/mock"
	"github.com/voxrelay/voxrelay-core/pkg/types"
)

func testMetrics(t *testing.T) *observe.Metrics {
	t.Helper()
	mp := sdkmetric.NewMeterProvider()
	t.Cleanup(func() { _ = mp.Shutdown(context.Background()) })
	m, err := observe.NewMetrics(mp)
	if err != nil {
		t.Fatalf("NewMetrics: %v", err)
	}
	return m
}

// waitFor polls cond until it returns true or timeout elapses.
func waitFor(t *testing.T, timeout time.Duration, msg string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal(msg)
}

func drainTokens(t *testing.T, res *LLMResult, timeout time.Duration) string {
	t.Helper()
	var out string
	deadline := time.After(timeout)
	for {
		select {
		case tok, ok := <-res.Tokens:
			if !ok {
				select {
				case err := <-res.Done:
					if err != nil {
						t.Fatalf("request resolved with error: %v", err)
					}
				case <-deadline:
					t.Fatal("timed out waiting for Done")
				}
				return out
			}
			out += tok
		case <-deadline:
			t.Fatal("timed out draining tokens")
		}
	}
}

func TestLLMSession_Initialize_Idempotent(t *testing.T) {
	s := NewLLMSession(context.Background(), "sess-1", &llmmock.Provider{}, LLMParams{SystemPrompt: "be helpful"}, nil, testMetrics(t))
	defer s.End()

	s.Initialize()
	s.Initialize()

	hist := s.History()
	if len(hist) != 1 {
		t.Fatalf("history length = %d, want 1", len(hist))
	}
	if hist[0].Role != "system" {
		t.Errorf("role = %q, want system", hist[0].Role)
	}
	if hist[0].Content != "be helpful" {
		t.Errorf("content = %q, want %q", hist[0].Content, "be helpful")
	}
}

func TestLLMSession_Generate_Success(t *testing.T) {
	provider := &llmmock.Provider{
		StreamChunks: []llm.Chunk{
			{Text: "Hello"},
			{Text: " there"},
			{FinishReason: "stop"},
		},
	}
	s := NewLLMSession(context.Background(), "sess-1", provider, LLMParams{SystemPrompt: "sys"}, nil, testMetrics(t))
	defer s.End()
	s.Initialize()

	res, err := s.Generate("hi")
	if err != nil {
		t.Fatalf("Generate: %v", err)
	}

	text := drainTokens(t, res, time.Second)
	if text != "Hello there" {
		t.Errorf("streamed text = %q, want %q", text, "Hello there")
	}

	hist := s.History()
	if len(hist) != 3 { // system, user, assistant
		t.Fatalf("history length = %d, want 3", len(hist))
	}
	if hist[2].Role != "assistant" {
		t.Errorf("role = %q, want assistant", hist[2].Role)
	}
	if hist[2].Content != "Hello there" {
		t.Errorf("assistant content = %q, want %q", hist[2].Content, "Hello there")
	}
	if got := s.ConsecutiveFailures(); got != 0 {
		t.Errorf("consecutive failures = %d, want 0", got)
	}
}

func TestLLMSession_Generate_StripsBreakMarkersFromHistory(t *testing.T) {
	provider := &llmmock.Provider{
		StreamChunks: []llm.Chunk{
			{Text: "First part. "},
			{Text: "||BREAK||"},
			{Text: " Second part."},
		},
	}
	s := NewLLMSession(context.Background(), "sess-1", provider, LLMParams{SystemPrompt: "sys", BreakMarker: "||BREAK||"}, nil, testMetrics(t))
	defer s.End()
	s.Initialize()

	res, err := s.Generate("hi")
	if err != nil {
		t.Fatalf("Generate: %v", err)
	}

	// The token stream keeps the marker for the chunker downstream.
	if text := drainTokens(t, res, time.Second); text != "First part. ||BREAK|| Second part." {
		t.Errorf("streamed text = %q, marker must survive the stream", text)
	}

	hist := s.History()
	if got := hist[len(hist)-1].Content; got != "First part. Second part." {
		t.Errorf("assistant history = %q, want marker stripped", got)
	}
}

func TestLLMSession_Generate_StreamStartErrorResolvesFallback(t *testing.T) {
	p := &llmmock.Provider{StreamErr: errTest("boom")}

	s := NewLLMSession(context.Background(), "sess-1", p, LLMParams{SystemPrompt: "sys"}, nil, testMetrics(t))
	defer s.End()
	s.Initialize()

	res, err := s.Generate("hi")
	if err != nil {
		t.Fatalf("Generate: %v", err)
	}

	text := drainTokens(t, res, time.Second)
	if text != fallbackTier1 {
		t.Errorf("streamed text = %q, want tier-1 fallback", text)
	}
	if got := s.ConsecutiveFailures(); got != 1 {
		t.Errorf("consecutive failures = %d, want 1", got)
	}
}

func TestLLMSession_Generate_FallbackTiersEscalate(t *testing.T) {
	p := &llmmock.Provider{StreamErr: errTest("boom")}
	s := NewLLMSession(context.Background(), "sess-1", p, LLMParams{SystemPrompt: "sys"}, nil, testMetrics(t))
	defer s.End()
	s.Initialize()

	for i, want := range []string{fallbackTier1, fallbackTier2, fallbackTier3, fallbackTier3} {
		res, err := s.Generate("hi")
		if err != nil {
			t.Fatalf("attempt %d: Generate: %v", i, err)
		}
		if text := drainTokens(t, res, time.Second); text != want {
			t.Errorf("attempt %d: text = %q, want %q", i, text, want)
		}
	}
	if got := s.ConsecutiveFailures(); got != 4 {
		t.Errorf("consecutive failures = %d, want 4", got)
	}
}

func TestLLMSession_Generate_SuccessResetsFailureCounter(t *testing.T) {
	p := &llmmock.Provider{StreamErr: errTest("boom")}
	s := NewLLMSession(context.Background(), "sess-1", p, LLMParams{SystemPrompt: "sys"}, nil, testMetrics(t))
	defer s.End()
	s.Initialize()

	res, err := s.Generate("hi")
	if err != nil {
		t.Fatalf("Generate: %v", err)
	}
	drainTokens(t, res, time.Second)
	if got := s.ConsecutiveFailures(); got != 1 {
		t.Fatalf("consecutive failures = %d, want 1", got)
	}

	p.StreamErr = nil
	p.StreamChunks = []llm.Chunk{{Text: "ok"}}
	res, err = s.Generate("hi again")
	if err != nil {
		t.Fatalf("Generate: %v", err)
	}
	if text := drainTokens(t, res, time.Second); text != "ok" {
		t.Errorf("text = %q, want ok", text)
	}
	if got := s.ConsecutiveFailures(); got != 0 {
		t.Errorf("consecutive failures = %d, want 0", got)
	}
}

func TestLLMSession_Generate_QueueFull(t *testing.T) {
	block := make(chan struct{})
	p := &blockingProvider{release: block}
	s := NewLLMSession(context.Background(), "sess-1", p, LLMParams{SystemPrompt: "sys", MaxQueueSize: 1}, nil, testMetrics(t))
	defer func() {
		close(block)
		s.End()
	}()
	s.Initialize()

	// First request occupies the single slot: in flight, blocked on release.
	if _, err := s.Generate("first"); err != nil {
		t.Fatalf("Generate: %v", err)
	}
	time.Sleep(20 * time.Millisecond)

	// The in-flight request already counts against MaxQueueSize, so a
	// second request is rejected synchronously.
	if _, err := s.Generate("second"); !errors.Is(err, ErrQueueFull) {
		t.Errorf("err = %v, want ErrQueueFull", err)
	}
}

func TestLLMSession_Generate_QueueFull_QueuedNotJustInFlight(t *testing.T) {
	block := make(chan struct{})
	p := &blockingProvider{release: block}
	s := NewLLMSession(context.Background(), "sess-1", p, LLMParams{SystemPrompt: "sys", MaxQueueSize: 2}, nil, testMetrics(t))
	defer s.End()
	s.Initialize()

	// First request occupies the in-flight slot, blocked on release.
	if _, err := s.Generate("first"); err != nil {
		t.Fatalf("Generate: %v", err)
	}
	time.Sleep(20 * time.Millisecond)

	// Second request fills the one remaining queued slot.
	second, err := s.Generate("second")
	if err != nil {
		t.Fatalf("Generate: %v", err)
	}

	// Third request is rejected: in-flight + queued already equals MaxQueueSize.
	if _, err := s.Generate("third"); !errors.Is(err, ErrQueueFull) {
		t.Errorf("err = %v, want ErrQueueFull", err)
	}

	close(block)
	drainTokens(t, second, time.Second)
}

func TestLLMSession_End_RejectsQueuedRequests(t *testing.T) {
	block := make(chan struct{})
	p := &blockingProvider{release: block}
	s := NewLLMSession(context.Background(), "sess-1", p, LLMParams{SystemPrompt: "sys"}, nil, testMetrics(t))
	s.Initialize()

	// First request occupies the in-flight slot, blocked on p.release.
	first, err := s.Generate("first")
	if err != nil {
		t.Fatalf("Generate: %v", err)
	}

	// Give the worker a moment to dequeue the first request.
	time.Sleep(20 * time.Millisecond)

	second, err := s.Generate("second")
	if err != nil {
		t.Fatalf("Generate: %v", err)
	}

	s.End()

	select {
	case err := <-second.Done:
		if !errors.Is(err, ErrShuttingDown) {
			t.Errorf("err = %v, want ErrShuttingDown", err)
		}
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for rejected queued request")
	}

	close(block)
	select {
	case <-first.Done:
	case <-time.After(time.Second):
	}
}

func TestLLMSession_Generate_AfterEnd(t *testing.T) {
	p := &llmmock.Provider{}
	s := NewLLMSession(context.Background(), "sess-1", p, LLMParams{SystemPrompt: "sys"}, nil, testMetrics(t))
	s.End()

	if _, err := s.Generate("hi"); !errors.Is(err, ErrShuttingDown) {
		t.Errorf("err = %v, want ErrShuttingDown", err)
	}
}

func TestLLMSession_CircuitBreakerOpen_ResolvesFallbackWithoutCallingProvider(t *testing.T) {
	p := &llmmock.Provider{StreamChunks: []llm.Chunk{{Text: "should not be used"}}}
	breaker := resilience.NewLLMBreaker(resilience.CircuitBreakerConfig{MaxFailures: 1})
	// Trip the breaker directly.
	_ = breaker.Record(context.Background(), func(context.Context) error { return errTest("trip") })
	if breaker.Allow() {
		t.Fatal("breaker should be open after tripping")
	}

	s := NewLLMSession(context.Background(), "sess-1", p, LLMParams{SystemPrompt: "sys"}, breaker, testMetrics(t))
	defer s.End()
	s.Initialize()

	res, err := s.Generate("hi")
	if err != nil {
		t.Fatalf("Generate: %v", err)
	}
	if text := drainTokens(t, res, time.Second); text != fallbackTier1 {
		t.Errorf("text = %q, want tier-1 fallback", text)
	}
	if len(p.StreamCalls) != 0 {
		t.Errorf("provider was called %d times, want 0", len(p.StreamCalls))
	}
}

// errTest is a trivial error value for injecting provider failures.
type errTest string

func (e errTest) Error() string { return string(e) }

// blockingProvider is a hand-rolled llm.Provider stub whose StreamCompletion
// blocks until release is closed, used to pin a request in flight while a
// test queues further requests behind it.
type blockingProvider struct {
	release chan struct{}
}

func (b *blockingProvider) StreamCompletion(ctx context.Context, req llm.CompletionRequest) (<-chan llm.Chunk, error) {
	ch := make(chan llm.Chunk)
	go func() {
		defer close(ch)
		select {
		case <-b.release:
		case <-ctx.Done():
		}
	}()
	return ch, nil
}

func (b *blockingProvider) Complete(ctx context.Context, req llm.CompletionRequest) (*llm.CompletionResponse, error) {
	return nil, nil
}

func (b *blockingProvider) CountTokens(messages []types.Message) (int, error) { return 0, nil }

func (b *blockingProvider) Capabilities() types.ModelCapabilities { return types.ModelCapabilities{} }

var _ llm.Provider = (*blockingProvider)(nil)
