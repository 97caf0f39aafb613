// Package supervisor owns the set of live conversation sessions: it
// registers new ones, periodically ends sessions that have gone idle or
// outlived their maximum duration, and coordinates graceful shutdown.
package supervisor

import (
	"context"
	"fmt"
	"log/slog"
	"runtime"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/voxrelay/voxrelay-core/internal/config"
	"github.com/voxrelay/voxrelay-core/internal/observe"
	"github.com/voxrelay/voxrelay-core/internal/session"
)

// ErrSessionExists is returned by Register when a session with the given ID
// is already tracked.
var ErrSessionExists = fmt.Errorf("supervisor: session already exists")

// ErrSessionNotFound is returned by End when no session with the
// given ID is tracked.
var ErrSessionNotFound = fmt.Errorf("supervisor: session not found")

// ErrAtCapacity is returned by Register when the supervisor already tracks
// config.SessionConfig.MaxSessions live sessions.
var ErrAtCapacity = fmt.Errorf("supervisor: at maximum session capacity")

// Supervisor owns the session registry: it is the single place that knows
// every live *session.Session, and the only place that ends one.
//
// Safe for concurrent use.
type Supervisor struct {
	cfg     config.SessionConfig
	metrics *observe.Metrics

	mu       sync.Mutex
	sessions map[string]*session.Session
	shutdown bool

	// Cumulative bookkeeping across the supervisor's lifetime, including
	// counters carried over from sessions that have already ended.
	peakConcurrent      int
	totalCreated        int64
	totalCleaned        int64
	chunksForwarded     int64
	transcriptsReceived int64
	errorsObserved      int64

	stopCleanup chan struct{}
	cleanupDone chan struct{}
}

// Stats is a point-in-time aggregate over every session the supervisor has
// ever tracked. Live sessions contribute their current counters; ended
// sessions contribute the counters they held at teardown.
type Stats struct {
	ActiveSessions      int
	PeakConcurrent      int
	TotalCreated        int64
	TotalCleaned        int64
	ChunksForwarded     int64
	TranscriptsReceived int64
	ErrorsObserved      int64

	// HeapBytes is a process-wide memory-usage estimate, not a per-session
	// attribution.
	HeapBytes uint64
}

// New constructs a Supervisor and starts its background cleanup loop.
func New(cfg config.SessionConfig, metrics *observe.Metrics) *Supervisor {
	if metrics == nil {
		metrics = observe.DefaultMetrics()
	}
	s := &Supervisor{
		cfg:         cfg,
		metrics:     metrics,
		sessions:    make(map[string]*session.Session),
		stopCleanup: make(chan struct{}),
		cleanupDone: make(chan struct{}),
	}
	go s.cleanupLoop()
	return s
}

// Register tracks sess under id. Returns ErrSessionExists if id is already
// registered, or ErrAtCapacity if MaxSessions (when nonzero) is reached.
func (s *Supervisor) Register(id string, sess *session.Session) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.shutdown {
		return fmt.Errorf("supervisor: shutting down")
	}
	if _, ok := s.sessions[id]; ok {
		return ErrSessionExists
	}
	if s.cfg.MaxSessions > 0 && len(s.sessions) >= s.cfg.MaxSessions {
		return ErrAtCapacity
	}

	s.sessions[id] = sess
	s.totalCreated++
	if len(s.sessions) > s.peakConcurrent {
		s.peakConcurrent = len(s.sessions)
	}
	s.metrics.SessionsActive.Add(context.Background(), 1)
	s.metrics.SessionsCreatedTotal.Add(context.Background(), 1)
	slog.Info("supervisor: session registered", "session_id", id, "active", len(s.sessions))
	return nil
}

// Get returns the session tracked under id.
func (s *Supervisor) Get(id string) (*session.Session, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	sess, ok := s.sessions[id]
	return sess, ok
}

// Count reports the number of currently tracked sessions.
func (s *Supervisor) Count() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.sessions)
}

// ShuttingDown reports whether Shutdown has been initiated. New sessions are
// refused from that point on, which readiness probes surface so a load
// balancer stops routing fresh connections here during drain.
func (s *Supervisor) ShuttingDown() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.shutdown
}

// End removes and tears down the session tracked under id.
func (s *Supervisor) End(id string) error {
	return s.endWithReason(id, "closed")
}

func (s *Supervisor) endWithReason(id, reason string) error {
	s.mu.Lock()
	sess, ok := s.sessions[id]
	if !ok {
		s.mu.Unlock()
		return ErrSessionNotFound
	}
	delete(s.sessions, id)
	s.mu.Unlock()

	err := sess.End()

	st := sess.Stats()
	s.mu.Lock()
	s.chunksForwarded += st.ChunksForwarded
	s.transcriptsReceived += st.TranscriptsReceived
	s.errorsObserved += st.ErrorsObserved
	if reason == "idle_timeout" || reason == "max_duration" {
		s.totalCleaned++
	}
	s.mu.Unlock()

	s.metrics.SessionsActive.Add(context.Background(), -1)
	s.metrics.RecordSessionEnded(context.Background(), reason)
	slog.Info("supervisor: session ended", "session_id", id, "reason", reason)
	return err
}

// Stats returns the aggregated counters across all sessions, live and ended.
func (s *Supervisor) Stats() Stats {
	var mem runtime.MemStats
	runtime.ReadMemStats(&mem)

	s.mu.Lock()
	defer s.mu.Unlock()
	st := Stats{
		ActiveSessions:      len(s.sessions),
		PeakConcurrent:      s.peakConcurrent,
		TotalCreated:        s.totalCreated,
		TotalCleaned:        s.totalCleaned,
		ChunksForwarded:     s.chunksForwarded,
		TranscriptsReceived: s.transcriptsReceived,
		ErrorsObserved:      s.errorsObserved,
		HeapBytes:           mem.HeapAlloc,
	}
	for _, sess := range s.sessions {
		live := sess.Stats()
		st.ChunksForwarded += live.ChunksForwarded
		st.TranscriptsReceived += live.TranscriptsReceived
		st.ErrorsObserved += live.ErrorsObserved
	}
	return st
}

// cleanupLoop periodically ends sessions that have exceeded IdleTimeout or
// MaxDuration. It runs until Shutdown stops it.
func (s *Supervisor) cleanupLoop() {
	defer close(s.cleanupDone)

	interval := s.cfg.CleanupInterval
	if interval <= 0 {
		interval = config.DefaultCleanupInterval
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-s.stopCleanup:
			return
		case <-ticker.C:
			s.sweep()
		}
	}
}

// sweep identifies and ends every session past its idle or max-duration
// bound, tearing them down concurrently (bounded by the number found).
func (s *Supervisor) sweep() {
	now := time.Now()

	type eviction struct {
		id     string
		reason string
	}

	s.mu.Lock()
	var expired []eviction
	for id, sess := range s.sessions {
		reason := s.expiryReason(sess, now)
		if reason != "" {
			expired = append(expired, eviction{id: id, reason: reason})
			slog.Info("supervisor: session expired", "session_id", id, "reason", reason)
		}
	}
	s.mu.Unlock()

	if len(expired) == 0 {
		return
	}

	g := new(errgroup.Group)
	for _, ev := range expired {
		ev := ev
		g.Go(func() error {
			if err := s.endWithReason(ev.id, ev.reason); err != nil && err != ErrSessionNotFound {
				slog.Warn("supervisor: error ending expired session", "session_id", ev.id, "error", err)
			}
			return nil
		})
	}
	_ = g.Wait()
}

// expiryReason reports why sess should be ended now, or "" if it's still
// within bounds.
func (s *Supervisor) expiryReason(sess *session.Session, now time.Time) string {
	if s.cfg.MaxDuration > 0 && now.Sub(sess.CreatedAt()) >= s.cfg.MaxDuration {
		return "max_duration"
	}
	if s.cfg.IdleTimeout > 0 && now.Sub(sess.LastActivity()) >= s.cfg.IdleTimeout {
		return "idle_timeout"
	}
	return ""
}

// Shutdown stops the cleanup loop and ends every tracked session
// concurrently, bounded by ctx (callers typically derive ctx from
// config.SessionConfig.ShutdownTimeout). Sessions still being torn down when
// ctx expires are abandoned; Shutdown returns ctx.Err() in that case.
func (s *Supervisor) Shutdown(ctx context.Context) error {
	s.mu.Lock()
	if s.shutdown {
		s.mu.Unlock()
		return nil
	}
	s.shutdown = true
	ids := make([]string, 0, len(s.sessions))
	for id := range s.sessions {
		ids = append(ids, id)
	}
	s.mu.Unlock()

	close(s.stopCleanup)
	<-s.cleanupDone

	if len(ids) == 0 {
		return nil
	}

	g, gctx := errgroup.WithContext(ctx)
	for _, id := range ids {
		id := id
		g.Go(func() error {
			done := make(chan error, 1)
			go func() { done <- s.endWithReason(id, "shutdown") }()
			select {
			case err := <-done:
				return err
			case <-gctx.Done():
				return gctx.Err()
			}
		})
	}

	slog.Info("supervisor: shutting down", "sessions", len(ids))
	return g.Wait()
}
