package resilience

import "context"

// LLMBreaker wraps a single LLM generation call with a [CircuitBreaker] so
// that the session stops paying for a network round trip once the provider
// is clearly down. It does not change the observable fallback behavior: a
// rejected call still produces the same tiered fallback text the caller
// would have produced on a network error, just without waiting on the wire.
type LLMBreaker struct {
	cb *CircuitBreaker
}

// NewLLMBreaker creates an [LLMBreaker] with the given breaker configuration.
func NewLLMBreaker(cfg CircuitBreakerConfig) *LLMBreaker {
	return &LLMBreaker{cb: NewCircuitBreaker(cfg)}
}

// Allow reports whether a generation attempt should proceed. Callers that
// get false must treat it exactly like a classified error from the provider
// (i.e. select a fallback tier) without attempting the call.
func (b *LLMBreaker) Allow() bool {
	return b.cb.State() != StateOpen
}

// Record runs fn through the breaker if it is not already known-open, and
// reports the breaker's verdict via the returned error (ErrCircuitOpen when
// short-circuited). fn's own error is returned unchanged otherwise.
func (b *LLMBreaker) Record(ctx context.Context, fn func(context.Context) error) error {
	return b.cb.Execute(func() error {
		return fn(ctx)
	})
}

// State exposes the current breaker state for metrics/diagnostics.
func (b *LLMBreaker) State() State {
	return b.cb.State()
}
