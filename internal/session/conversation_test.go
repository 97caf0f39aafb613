package session

import (
	"context"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/voxrelay/voxrelay-core/pkg/provider/llm"
	llmmock "github.com/voxrelay/voxrelay-core/pkg/provider/llm/mock"
	"github.com/voxrelay/voxrelay-core/pkg/provider/stt"
	sttmock "github.com/voxrelay/voxrelay-core/pkg/provider/stt/mock"
	"github.com/voxrelay/voxrelay-core/pkg/provider/tts"
	ttsmock "github.com/voxrelay/voxrelay-core/pkg/provider/tts/mock"
	"github.com/voxrelay/voxrelay-core/pkg/types"
)

// recordingEgress is a hand-rolled Egress double that records every call it
// receives in order, guarded by a mutex for concurrent access from the
// session's background goroutines.
type recordingEgress struct {
	mu     sync.Mutex
	events []string
}

func (e *recordingEgress) record(s string) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.events = append(e.events, s)
}

func (e *recordingEgress) TranscriptInterim(text string, confidence float64) {
	e.record("interim:" + text)
}

func (e *recordingEgress) TranscriptFinal(text string, confidence float64) {
	e.record("final:" + text)
}

func (e *recordingEgress) AudioOutputStart(utteranceID string) {
	e.record("start:" + utteranceID)
}

func (e *recordingEgress) AudioOutputChunk(utteranceID string, pcm []byte) {
	e.record("chunk:" + utteranceID)
}

func (e *recordingEgress) AudioOutputComplete(utteranceID string) {
	e.record("complete:" + utteranceID)
}

func (e *recordingEgress) Error(kind string, message string, retryable bool) {
	e.record("error:" + kind)
}

var _ Egress = (*recordingEgress)(nil)

func (e *recordingEgress) snapshot() []string {
	e.mu.Lock()
	defer e.mu.Unlock()
	out := make([]string, len(e.events))
	copy(out, e.events)
	return out
}

func (e *recordingEgress) has(prefix string) bool {
	for _, ev := range e.snapshot() {
		if strings.HasPrefix(ev, prefix) {
			return true
		}
	}
	return false
}

// assertUtteranceOrder verifies that the audio events in events form a
// strict start -> chunk* -> complete sequence per utterance, with no event
// of a later utterance arriving before an earlier one completes.
func assertUtteranceOrder(t *testing.T, events []string, wantUtterances, wantChunksEach int) {
	t.Helper()

	var open string // utterance with a start but no complete yet
	var order []string
	chunks := make(map[string]int)
	for _, ev := range events {
		kind, id, ok := strings.Cut(ev, ":")
		if !ok {
			continue
		}
		switch kind {
		case "start":
			if open != "" {
				t.Fatalf("start:%s arrived before complete:%s", id, open)
			}
			open = id
			order = append(order, id)
		case "chunk":
			if id != open {
				t.Fatalf("chunk:%s arrived while open utterance is %q", id, open)
			}
			chunks[id]++
		case "complete":
			if id != open {
				t.Fatalf("complete:%s arrived while open utterance is %q", id, open)
			}
			open = ""
		}
	}
	if open != "" {
		t.Errorf("utterance %s never completed", open)
	}
	if len(order) != wantUtterances {
		t.Fatalf("utterances = %d (%v), want %d", len(order), order, wantUtterances)
	}
	for _, id := range order {
		if chunks[id] != wantChunksEach {
			t.Errorf("utterance %s chunks = %d, want %d", id, chunks[id], wantChunksEach)
		}
	}
}

func newTestSession(t *testing.T, sttProvider *sttmock.Provider, llmProvider *llmmock.Provider, ttsProvider *ttsmock.Provider, egress Egress) *Session {
	t.Helper()
	metrics := testMetrics(t)
	sttSess := NewSTTSession("conv-1", sttProvider, stt.StreamConfig{SampleRate: 16000, Channels: 1, Language: "en"}, metrics)
	llmSess := NewLLMSession(context.Background(), "conv-1", llmProvider, LLMParams{SystemPrompt: "you are a helpful agent", MaxQueueSize: 4, BreakMarker: "||BREAK||"}, nil, metrics)
	ttsSess := NewTTSSession("conv-1", ttsProvider, tts.StreamConfig{VoiceID: "voice-1", SampleRate: 16000}, metrics)
	semantic := SemanticParams{MaxBufferSize: 400, BreakMarker: "||BREAK||"}
	return NewSession("conv-1", sttSess, llmSess, ttsSess, semantic, 16000, egress, metrics)
}

func TestSession_Start_TransitionsToListening(t *testing.T) {
	sttProv := &sttmock.Provider{}
	llmProv := &llmmock.Provider{}
	ttsProv := &ttsmock.Provider{}
	egress := &recordingEgress{}
	s := newTestSession(t, sttProv, llmProv, ttsProv, egress)

	if got := s.State(); got != ConvInitializing {
		t.Fatalf("state = %v, want initializing", got)
	}
	if err := s.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}
	if got := s.State(); got != ConvListening {
		t.Errorf("state = %v, want listening", got)
	}
	if err := s.End(); err != nil {
		t.Fatalf("End: %v", err)
	}
}

func TestSession_HandleEndOfInput_EmptyTranscriptRevertsToListening(t *testing.T) {
	sttSess := &sttmock.Session{PartialsCh: make(chan types.Transcript, 4), FinalsCh: make(chan types.Transcript, 4)}
	sttProv := &sttmock.Provider{Session: sttSess}
	llmProv := &llmmock.Provider{}
	ttsSession := &ttsmock.Session{AudioCh: make(chan tts.AudioChunk, 16)}
	ttsProv := &ttsmock.Provider{Session: ttsSession}
	egress := &recordingEgress{}
	s := newTestSession(t, sttProv, llmProv, ttsProv, egress)
	if err := s.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}
	defer s.End()

	// No audio was ever forwarded, so Finalize returns the empty transcript
	// without waiting out the grace period.
	if err := s.HandleEndOfInput(context.Background()); err != nil {
		t.Fatalf("HandleEndOfInput: %v", err)
	}
	if got := s.State(); got != ConvListening {
		t.Errorf("state = %v, want listening", got)
	}
	if got := ttsSession.SynthesizeCallCount(); got != 1 {
		t.Fatalf("Synthesize calls = %d, want 1", got)
	}
	if got := ttsSession.SynthesizeCalls[0].Text; got != cannedNoInputReply {
		t.Errorf("synthesized text = %q, want the canned reply", got)
	}

	history := s.llm.History()
	last := history[len(history)-1]
	if last.Role != "assistant" {
		t.Errorf("last history role = %q, want assistant", last.Role)
	}
	if last.Content != cannedNoInputReply {
		t.Errorf("last history content = %q, want the canned reply", last.Content)
	}
}

func TestSession_HandleEndOfInput_FullTurnEgressOrdering(t *testing.T) {
	sttSess := &sttmock.Session{PartialsCh: make(chan types.Transcript, 4), FinalsCh: make(chan types.Transcript, 4)}
	sttProv := &sttmock.Provider{Session: sttSess}
	llmProv := &llmmock.Provider{StreamChunks: []llm.Chunk{
		{Text: "Our pricing starts at $99/month."},
		{Text: " ||BREAK|| "},
		{Text: "Would you like a demo?"},
	}}
	ttsSession := &ttsmock.Session{
		AudioCh: make(chan tts.AudioChunk, 16),
		// Three PCM frames per synthesize, ahead of the done marker.
		UtteranceAudio: [][]byte{{1, 0, 2, 0}, {3, 0, 4, 0}, {5, 0, 6, 0}},
	}
	ttsProv := &ttsmock.Provider{Session: ttsSession}
	egress := &recordingEgress{}
	s := newTestSession(t, sttProv, llmProv, ttsProv, egress)
	if err := s.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}
	defer s.End()

	sttSess.FinalsCh <- types.Transcript{Text: "what are your prices", IsFinal: true}
	waitFor(t, time.Second, "final transcript never reached the egress", func() bool {
		return egress.has("final:what are your prices")
	})

	if err := s.HandleEndOfInput(context.Background()); err != nil {
		t.Fatalf("HandleEndOfInput: %v", err)
	}

	waitFor(t, time.Second, "turn never returned to listening", func() bool {
		return s.State() == ConvListening
	})

	// Two semantic chunks -> two utterances, each with three audio chunks
	// framed strictly as start -> chunk* -> complete before the next
	// utterance starts.
	assertUtteranceOrder(t, egress.snapshot(), 2, 3)

	history := s.llm.History()
	last := history[len(history)-1]
	if last.Role != "assistant" {
		t.Fatalf("last history role = %q, want assistant", last.Role)
	}
	// The break marker is the chunker's concern; history records the reply
	// as the user heard it.
	want := "Our pricing starts at $99/month. Would you like a demo?"
	if last.Content != want {
		t.Errorf("assistant history = %q, want %q", last.Content, want)
	}
}

func TestSession_HandleAudioChunk_ForwardsWhileListening(t *testing.T) {
	sttSess := &sttmock.Session{PartialsCh: make(chan types.Transcript, 4), FinalsCh: make(chan types.Transcript, 4)}
	sttProv := &sttmock.Provider{Session: sttSess}
	llmProv := &llmmock.Provider{}
	ttsProv := &ttsmock.Provider{}
	egress := &recordingEgress{}
	s := newTestSession(t, sttProv, llmProv, ttsProv, egress)
	if err := s.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}
	defer s.End()

	pcm := make([]byte, 960*2) // 20ms @ 48kHz mono 16-bit
	if err := s.HandleAudioChunk(pcm); err != nil {
		t.Fatalf("HandleAudioChunk: %v", err)
	}
	waitFor(t, time.Second, "audio never reached the provider", func() bool {
		return sttSess.SendAudioCallCount() == 1
	})
}

func TestSession_Interrupt_RequiresResponding(t *testing.T) {
	sttProv := &sttmock.Provider{}
	llmProv := &llmmock.Provider{}
	ttsProv := &ttsmock.Provider{}
	egress := &recordingEgress{}
	s := newTestSession(t, sttProv, llmProv, ttsProv, egress)
	if err := s.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}
	defer s.End()

	if err := s.Interrupt(); err == nil {
		t.Error("expected Interrupt to fail while listening")
	}
}

func TestSession_End_Idempotent(t *testing.T) {
	sttProv := &sttmock.Provider{}
	llmProv := &llmmock.Provider{}
	ttsProv := &ttsmock.Provider{}
	egress := &recordingEgress{}
	s := newTestSession(t, sttProv, llmProv, ttsProv, egress)
	if err := s.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}

	if err := s.End(); err != nil {
		t.Fatalf("End: %v", err)
	}
	if err := s.End(); err != nil {
		t.Fatalf("second End: %v", err)
	}
	if got := s.State(); got != ConvEnded {
		t.Errorf("state = %v, want ended", got)
	}
}
