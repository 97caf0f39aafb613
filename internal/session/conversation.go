package session

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/voxrelay/voxrelay-core/internal/classify"
	"github.com/voxrelay/voxrelay-core/internal/observe"
	"github.com/voxrelay/voxrelay-core/pkg/audio"
	"github.com/voxrelay/voxrelay-core/pkg/types"
)

// ConvState enumerates the conversation-level turn states. It is distinct
// from ConnState, which tracks the connection health of an individual STT or
// TTS sub-session.
type ConvState int

const (
	ConvInitializing ConvState = iota
	ConvListening
	ConvThinking
	ConvResponding
	ConvInterrupted
	ConvEnded
)

func (c ConvState) String() string {
	switch c {
	case ConvInitializing:
		return "initializing"
	case ConvListening:
		return "listening"
	case ConvThinking:
		return "thinking"
	case ConvResponding:
		return "responding"
	case ConvInterrupted:
		return "interrupted"
	case ConvEnded:
		return "ended"
	default:
		return "unknown"
	}
}

// validTransitions enumerates the conversation state machine's allowed edges.
var validTransitions = map[ConvState]map[ConvState]bool{
	ConvInitializing: {ConvListening: true, ConvEnded: true},
	ConvListening:    {ConvThinking: true, ConvEnded: true},
	ConvThinking:     {ConvResponding: true, ConvListening: true, ConvEnded: true},
	ConvResponding:   {ConvListening: true, ConvInterrupted: true, ConvEnded: true},
	ConvInterrupted:  {ConvListening: true, ConvEnded: true},
	ConvEnded:        {},
}

// ErrInvalidConvTransition is returned when a caller attempts a conversation
// state transition not present in the transition table.
var ErrInvalidConvTransition = errors.New("session: invalid conversation state transition")

// ErrSessionEnded is returned by operations attempted after End has been
// called.
var ErrSessionEnded = errors.New("session: session has ended")

// cannedNoInputReply is emitted as the assistant's turn when end-of-input
// arrives with an empty (or whitespace-only) transcript, reverting the
// conversation to LISTENING without a THINKING/RESPONDING round trip.
const cannedNoInputReply = "I'm sorry, I didn't catch that. Could you say that again?"

// Egress is the client-facing event sink the conversation state machine
// drives. Implementations forward these calls onto a transport session
// (a WebSocket connection, typically); the state machine itself has no
// knowledge of the wire encoding.
type Egress interface {
	TranscriptInterim(text string, confidence float64)
	TranscriptFinal(text string, confidence float64)
	AudioOutputStart(utteranceID string)
	AudioOutputChunk(utteranceID string, pcm []byte)
	AudioOutputComplete(utteranceID string)
	Error(kind string, message string, retryable bool)
}

// Session is the per-connection conversation state machine. It owns one STT,
// one LLM, and one TTS sub-session and drives them through the
// INITIALIZING -> LISTENING -> THINKING -> RESPONDING (-> INTERRUPTED) ->
// LISTENING -> ... -> ENDED turn cycle, forwarding client-facing events to
// an Egress.
//
// Safe for concurrent use.
type Session struct {
	id               string
	stt              *STTSession
	llm              *LLMSession
	tts              *TTSSession
	semantic         SemanticParams
	clientSampleRate int
	egress           Egress
	metrics          *observe.Metrics

	createdAt time.Time

	mu               sync.Mutex
	state            ConvState
	lastActivity     time.Time
	forwarding       bool
	ended            bool
	curUtteranceID   string
	curUtteranceText string

	chunksForwarded     int64
	transcriptsReceived int64
	errorsObserved      int64

	// utteranceDone carries utterance identifiers from relayAudio, which
	// emits the client-facing completion in-band behind the utterance's
	// audio chunks, back to the dispatcher awaiting that completion.
	// Closed by relayAudio when the TTS output stream ends.
	utteranceDone chan string

	wg sync.WaitGroup
}

// NewSession constructs a conversation state machine bound to the given
// sub-sessions. clientSampleRate is the sample rate (Hz) of audio the client
// sends (outbound TTS audio is always 48 kHz); it must be one of the rates pkg/audio
// supports, or Start returns an INVALID_REQUEST-classified error.
func NewSession(id string, stt *STTSession, llmSess *LLMSession, tts *TTSSession, semantic SemanticParams, clientSampleRate int, egress Egress, metrics *observe.Metrics) *Session {
	if metrics == nil {
		metrics = observe.DefaultMetrics()
	}
	s := &Session{
		id:               id,
		stt:              stt,
		llm:              llmSess,
		tts:              tts,
		semantic:         semantic,
		clientSampleRate: clientSampleRate,
		egress:           egress,
		metrics:          metrics,
		createdAt:        time.Now(),
		state:            ConvInitializing,
		utteranceDone:    make(chan string, 8),
	}
	stt.SetTranscriptHandler(s.onTranscript)
	return s
}

// ID returns the session identifier.
func (s *Session) ID() string { return s.id }

// CreatedAt returns when the session was constructed.
func (s *Session) CreatedAt() time.Time { return s.createdAt }

// State reports the current conversation state.
func (s *Session) State() ConvState {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// LastActivity reports the last time audio, a transcript, or a turn
// completed.
func (s *Session) LastActivity() time.Time {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.lastActivity
}

// Stats is a point-in-time snapshot of per-session counters, exposed for the
// supervisor's aggregated metrics.
type Stats struct {
	ChunksForwarded     int64
	TranscriptsReceived int64
	ErrorsObserved      int64
}

// Stats returns a snapshot of this session's counters.
func (s *Session) Stats() Stats {
	s.mu.Lock()
	defer s.mu.Unlock()
	return Stats{
		ChunksForwarded:     s.chunksForwarded,
		TranscriptsReceived: s.transcriptsReceived,
		ErrorsObserved:      s.errorsObserved,
	}
}

// Start connects the STT and TTS sub-sessions in parallel (the LLM
// sub-session has no connection to open; Initialize only seeds history),
// then transitions INITIALIZING -> LISTENING. If either connection attempt
// fails, the session transitions directly to ENDED and the error is
// returned.
func (s *Session) Start(ctx context.Context) error {
	if !audio.SupportsRate(s.clientSampleRate) {
		return &classify.Error{
			Kind:      classify.InvalidRequest,
			Retryable: false,
			Message:   fmt.Sprintf("session: unsupported client sample rate %d", s.clientSampleRate),
		}
	}

	s.llm.Initialize()

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return s.stt.Create(gctx) })
	g.Go(func() error { return s.tts.Create(gctx) })
	if err := g.Wait(); err != nil {
		s.transition(ConvEnded)
		return fmt.Errorf("session: start: %w", err)
	}

	s.mu.Lock()
	s.forwarding = true
	s.lastActivity = time.Now()
	s.mu.Unlock()

	if err := s.transition(ConvListening); err != nil {
		return err
	}

	s.wg.Add(1)
	go s.relayAudio()
	return nil
}

// HandleAudioChunk resamples and forwards one inbound PCM chunk to the STT
// sub-session. Chunks arriving while the session is not LISTENING are
// dropped silently: the microphone stays open on the client, but only
// LISTENING-state audio feeds the transcript.
func (s *Session) HandleAudioChunk(pcm []byte) error {
	s.mu.Lock()
	ended := s.ended
	forwarding := s.forwarding
	s.mu.Unlock()
	if ended {
		return ErrSessionEnded
	}
	if !forwarding {
		return nil
	}

	resampled, err := audio.ResampleMono16(pcm, s.clientSampleRate, s.stt.SampleRate())
	if err != nil {
		return fmt.Errorf("session: resample inbound audio: %w", err)
	}
	if err := s.stt.ForwardChunk(resampled); err != nil {
		return err
	}

	s.mu.Lock()
	s.lastActivity = time.Now()
	s.chunksForwarded++
	s.mu.Unlock()
	return nil
}

// onTranscript forwards every interim and final transcript to the egress as
// it arrives, independent of the turn-ending Finalize call.
func (s *Session) onTranscript(t types.Transcript) {
	s.mu.Lock()
	s.transcriptsReceived++
	s.mu.Unlock()

	if s.egress == nil {
		return
	}
	if t.IsFinal {
		s.egress.TranscriptFinal(t.Text, t.Confidence)
	} else {
		s.egress.TranscriptInterim(t.Text, t.Confidence)
	}
}

// HandleEndOfInput signals that the client has finished speaking. It
// finalizes the STT transcript; an empty result reverts straight back to
// LISTENING with a canned assistant reply, while a non-empty transcript
// advances the conversation through THINKING and RESPONDING, streaming the
// reply to TTS one semantic chunk at a time.
func (s *Session) HandleEndOfInput(ctx context.Context) error {
	s.mu.Lock()
	if s.state != ConvListening {
		s.mu.Unlock()
		return fmt.Errorf("session: end-of-input received while not listening: %w", ErrInvalidConvTransition)
	}
	s.mu.Unlock()

	transcript, err := s.stt.Finalize(ctx)
	if err != nil {
		return fmt.Errorf("session: finalize transcript: %w", err)
	}

	if trimmedEmpty(transcript) {
		s.llm.AppendAssistantDirect(cannedNoInputReply)
		if s.egress != nil {
			s.egress.TranscriptFinal(transcript, 0)
		}
		return s.speakCannedReply(ctx, cannedNoInputReply)
	}

	result, err := s.llm.Generate(transcript)
	if err != nil {
		if s.egress != nil {
			s.egress.Error("RATE_LIMIT", err.Error(), true)
		}
		return fmt.Errorf("session: generate: %w", err)
	}

	s.mu.Lock()
	s.forwarding = false
	s.mu.Unlock()

	if err := s.transition(ConvThinking); err != nil {
		return err
	}

	s.wg.Add(1)
	go s.runTurn(ctx, result)
	return nil
}

// speakCannedReply drives a single pre-authored utterance through TTS
// without a THINKING/RESPONDING detour, for turns the state machine
// resolves on its own (an unintelligible user turn, for instance). The
// conversation remains in LISTENING throughout.
func (s *Session) speakCannedReply(ctx context.Context, text string) error {
	return s.speakUtterance(ctx, text)
}

// speakUtterance sends one utterance through TTS and blocks until its
// client-facing completion has been emitted behind the last audio chunk,
// so a subsequent utterance's start event can never overtake this one's
// audio. The start event is emitted here, before the synthesis request is
// sent, which keeps it ahead of every chunk.
func (s *Session) speakUtterance(ctx context.Context, text string) error {
	uid, err := s.tts.Synthesize(ctx, text, func(utteranceID string) {
		s.mu.Lock()
		s.curUtteranceID = utteranceID
		s.mu.Unlock()
		if s.egress != nil {
			s.egress.AudioOutputStart(utteranceID)
		}
	})
	if err != nil {
		return err
	}
	if uid == "" {
		return nil
	}
	return s.awaitUtteranceDone(ctx, uid)
}

// awaitUtteranceDone blocks until relayAudio has emitted the completion for
// utteranceID, the session ends, or ctx is cancelled. Markers for earlier
// utterances the dispatcher stopped waiting on are discarded.
func (s *Session) awaitUtteranceDone(ctx context.Context, utteranceID string) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case id, ok := <-s.utteranceDone:
			if !ok {
				return ErrSessionEnded
			}
			if id == utteranceID {
				return nil
			}
		}
	}
}

// runTurn drains the LLM token stream for one turn, chunking it through the
// semantic splitter and on to TTS, and drives the THINKING -> RESPONDING ->
// LISTENING transitions as the turn progresses.
func (s *Session) runTurn(ctx context.Context, result *LLMResult) {
	defer s.wg.Done()

	ctx, span := observe.StartSpan(ctx, "conversation.turn")
	defer span.End()
	log := observe.Logger(ctx)

	enteredResponding := false
	dispatch := func(ctx context.Context, chunk string) error {
		if !enteredResponding {
			if err := s.transition(ConvResponding); err != nil {
				return err
			}
			enteredResponding = true
		}

		s.mu.Lock()
		s.curUtteranceText = chunk
		s.mu.Unlock()

		return s.speakUtterance(ctx, chunk)
	}

	streamErr := StreamSemanticChunks(ctx, result.Tokens, s.semantic, s.metrics, dispatch)

	if streamErr != nil {
		if errors.Is(streamErr, ErrSessionEnded) || errors.Is(streamErr, context.Canceled) {
			return
		}
		s.mu.Lock()
		s.errorsObserved++
		s.mu.Unlock()
		log.Error("session: turn aborted by tts failure", "session_id", s.id, "error", streamErr)
		if s.egress != nil {
			s.egress.Error("NETWORK", streamErr.Error(), false)
		}
		s.transition(ConvEnded)
		return
	}

	s.mu.Lock()
	s.forwarding = true
	s.lastActivity = time.Now()
	s.mu.Unlock()

	// Whether or not the reply ever produced a dispatchable chunk (an empty
	// completion skips RESPONDING entirely), both THINKING and RESPONDING
	// return to LISTENING the same way.
	_ = s.transition(ConvListening)
}

// Interrupt cancels the in-progress utterance and returns the conversation
// to LISTENING via INTERRUPTED, recording the partial reply the user
// actually heard. It is a no-op (returns ErrInvalidConvTransition) unless
// the session is currently RESPONDING; nothing in this package triggers it
// automatically, it exists for a transport layer to call on a client
// barge-in signal.
func (s *Session) Interrupt() error {
	s.mu.Lock()
	if s.state != ConvResponding {
		s.mu.Unlock()
		return fmt.Errorf("session: interrupt received while not responding: %w", ErrInvalidConvTransition)
	}
	utteranceID := s.curUtteranceID
	partial := s.curUtteranceText
	s.mu.Unlock()

	if err := s.transition(ConvInterrupted); err != nil {
		return err
	}

	if utteranceID != "" {
		if err := s.tts.CancelSynthesis(utteranceID); err != nil {
			slog.Warn("session: cancel synthesis on interrupt failed", "session_id", s.id, "error", err)
		}
	}
	s.llm.AppendInterruptedAssistant(partial)

	s.mu.Lock()
	s.forwarding = true
	s.mu.Unlock()
	return s.transition(ConvListening)
}

// relayAudio forwards every resampled TTS output chunk to the egress for
// the lifetime of the session, and emits each utterance's completion when
// its in-band Done marker arrives. Because this single goroutine writes
// both, a completion can never overtake its utterance's audio, and the
// dispatcher blocks on utteranceDone before starting the next utterance,
// so a later start can never overtake an earlier completion either.
func (s *Session) relayAudio() {
	defer s.wg.Done()
	defer close(s.utteranceDone)
	for chunk := range s.tts.Output() {
		if chunk.Done {
			if s.egress != nil {
				s.egress.AudioOutputComplete(chunk.UtteranceID)
			}
			select {
			case s.utteranceDone <- chunk.UtteranceID:
			default:
				// The dispatcher gave up on this utterance (cancelled turn);
				// dropping the marker beats blocking the audio relay.
			}
			continue
		}
		if s.egress != nil {
			s.egress.AudioOutputChunk(chunk.UtteranceID, chunk.PCM)
		}
		s.mu.Lock()
		s.chunksForwarded++
		s.mu.Unlock()
	}
}

// End tears down every sub-session and transitions to ENDED from whatever
// state the conversation was in. Safe to call more than once.
func (s *Session) End() error {
	s.mu.Lock()
	if s.ended {
		s.mu.Unlock()
		return nil
	}
	s.ended = true
	s.forwarding = false
	s.mu.Unlock()

	_ = s.transition(ConvEnded)

	s.llm.End()
	sttErr := s.stt.End()
	ttsErr := s.tts.End()
	s.wg.Wait()

	if sttErr != nil {
		return sttErr
	}
	return ttsErr
}

// transition validates and applies a conversation state change, logging it
// per {session_id, from, to, timestamp}.
func (s *Session) transition(to ConvState) error {
	s.mu.Lock()
	from := s.state
	if from == to {
		s.mu.Unlock()
		return nil
	}
	if !validTransitions[from][to] {
		s.mu.Unlock()
		slog.Error("session: invalid state transition attempted",
			"session_id", s.id, "from", from.String(), "to", to.String())
		return fmt.Errorf("session: %s -> %s: %w", from, to, ErrInvalidConvTransition)
	}
	s.state = to
	s.mu.Unlock()

	slog.Info("session: state transition",
		"session_id", s.id, "from", from.String(), "to", to.String(), "timestamp", time.Now())
	return nil
}

func trimmedEmpty(s string) bool {
	for _, r := range s {
		if r != ' ' && r != '\t' && r != '\n' && r != '\r' {
			return false
		}
	}
	return true
}
