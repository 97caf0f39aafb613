// Package elevenlabs provides an ElevenLabs-backed TTS provider using the
// ElevenLabs streaming WebSocket API. It implements the tts.Provider interface.
package elevenlabs

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/coder/websocket"

	"github.com/voxrelay/voxrelay-core/pkg/provider/tts"
)

const (
	wsEndpointFmt    = "wss://api.elevenlabs.io/v1/text-to-speech/%s/stream-input?model_id=%s&output_format=%s"
	defaultModel     = "eleven_flash_v2_5"
	defaultOutputFmt = "pcm_16000"

	// maxUtteranceChars is the text length above which synthesize truncates
	// and logs a warning, per the recognized runtime limit.
	maxUtteranceChars = 5000

	// keepaliveInterval matches the recognized tts keepalive default of 30s.
	keepaliveInterval = 30 * time.Second
	keepaliveTimeout  = 5 * time.Second
)

// Option is a functional option for configuring the ElevenLabs Provider.
type Option func(*Provider)

// WithModel sets the ElevenLabs model ID (e.g., "eleven_flash_v2_5").
func WithModel(model string) Option {
	return func(p *Provider) {
		p.model = model
	}
}

// WithOutputFormat sets the audio output format (e.g., "pcm_16000", "pcm_24000").
func WithOutputFormat(format string) Option {
	return func(p *Provider) {
		p.outputFormat = format
	}
}

// Provider implements tts.Provider backed by the ElevenLabs streaming API.
type Provider struct {
	apiKey       string
	model        string
	outputFormat string
}

// New creates a new ElevenLabs Provider. apiKey must be non-empty.
func New(apiKey string, opts ...Option) (*Provider, error) {
	if apiKey == "" {
		return nil, errors.New("elevenlabs: apiKey must not be empty")
	}
	p := &Provider{
		apiKey:       apiKey,
		model:        defaultModel,
		outputFormat: defaultOutputFmt,
	}
	for _, o := range opts {
		o(p)
	}
	return p, nil
}

// ---- WebSocket message types ----

// textMessage is the JSON payload sent to ElevenLabs for each text fragment.
type textMessage struct {
	Text          string         `json:"text"`
	VoiceSettings *voiceSettings `json:"voice_settings,omitempty"`
}

// voiceSettings mirrors the ElevenLabs voice_settings object.
type voiceSettings struct {
	Stability       float64 `json:"stability"`
	SimilarityBoost float64 `json:"similarity_boost"`
}

// audioResponse is the JSON message received from ElevenLabs over the WebSocket.
type audioResponse struct {
	Audio   string `json:"audio"`
	IsFinal bool   `json:"isFinal"`
	Message string `json:"message,omitempty"`
}

// boiMessage is used for the initial "begin of input" handshake.
type boiMessage struct {
	Text          string         `json:"text"`
	VoiceSettings *voiceSettings `json:"voice_settings,omitempty"`
	XiAPIKey      string         `json:"xi_api_key"`
}

// StartStream opens a persistent WebSocket to ElevenLabs bound to cfg.VoiceID.
func (p *Provider) StartStream(ctx context.Context, cfg tts.StreamConfig) (tts.SessionHandle, error) {
	if cfg.VoiceID == "" {
		return nil, errors.New("elevenlabs: cfg.VoiceID must not be empty")
	}

	wsURL := buildURLForVoice(cfg.VoiceID, p.model, p.outputFormat)
	conn, _, err := websocket.Dial(ctx, wsURL, nil)
	if err != nil {
		return nil, fmt.Errorf("elevenlabs: dial: %w", err)
	}

	boi := boiMessage{
		Text: " ",
		VoiceSettings: &voiceSettings{
			Stability:       0.5,
			SimilarityBoost: 0.75,
		},
		XiAPIKey: p.apiKey,
	}
	boiBytes, _ := json.Marshal(boi)
	if err := conn.Write(ctx, websocket.MessageText, boiBytes); err != nil {
		conn.Close(websocket.StatusInternalError, "failed to send BOI")
		return nil, fmt.Errorf("elevenlabs: send BOI: %w", err)
	}

	sess := &session{
		conn:  conn,
		audio: make(chan tts.AudioChunk, 256),
		done:  make(chan struct{}),
	}
	sess.wg.Add(2)
	go sess.readLoop(ctx)
	go sess.keepaliveLoop(ctx)

	return sess, nil
}

// ---- session ----

// session is a live ElevenLabs streaming session. It implements
// tts.SessionHandle. Only one utterance is ever in flight at a time, which
// matches the at-most-one-in-flight discipline the LLM sub-session already
// enforces upstream.
type session struct {
	conn  *websocket.Conn
	audio chan tts.AudioChunk

	done chan struct{}
	once sync.Once
	wg   sync.WaitGroup

	mu          sync.Mutex
	utteranceID string
	resolve     chan error
}

// Synthesize sends text for utteranceID and blocks until ElevenLabs reports
// the utterance is done and every chunk has been forwarded to Audio().
func (s *session) Synthesize(ctx context.Context, utteranceID string, text string) error {
	if text == "" {
		return nil
	}
	if runes := []rune(text); len(runes) > maxUtteranceChars {
		slog.Warn("elevenlabs: truncating utterance text that exceeds the limit",
			"utterance_id", utteranceID, "length", len(runes), "limit", maxUtteranceChars)
		text = string(runes[:maxUtteranceChars])
	}

	resolve := make(chan error, 1)
	s.mu.Lock()
	s.utteranceID = utteranceID
	s.resolve = resolve
	s.mu.Unlock()

	vs := &voiceSettings{Stability: 0.5, SimilarityBoost: 0.75}
	payload, _ := json.Marshal(textMessage{Text: text, VoiceSettings: vs})
	if err := s.conn.Write(ctx, websocket.MessageText, payload); err != nil {
		return fmt.Errorf("elevenlabs: send text: %w", err)
	}

	flush, _ := json.Marshal(textMessage{Text: ""})
	if err := s.conn.Write(ctx, websocket.MessageText, flush); err != nil {
		return fmt.Errorf("elevenlabs: send flush: %w", err)
	}

	select {
	case err := <-resolve:
		return err
	case <-ctx.Done():
		return ctx.Err()
	case <-s.done:
		return errors.New("elevenlabs: session is closed")
	}
}

// Audio returns the channel of synthesized audio chunks.
func (s *session) Audio() <-chan tts.AudioChunk { return s.audio }

// CancelSynthesis is not supported by the ElevenLabs streaming API; an
// in-progress utterance always runs to completion.
func (s *session) CancelSynthesis(utteranceID string) error {
	return fmt.Errorf("elevenlabs: %w", tts.ErrNotSupported)
}

// Close terminates the session cleanly.
func (s *session) Close() error {
	s.once.Do(func() {
		close(s.done)
		s.wg.Wait()
		s.conn.Close(websocket.StatusNormalClosure, "session closed")
	})
	return nil
}

// readLoop receives JSON messages from ElevenLabs and dispatches audio
// chunks to the Audio channel, resolving the pending Synthesize call when a
// "done" or error message arrives.
func (s *session) readLoop(ctx context.Context) {
	defer s.wg.Done()
	defer close(s.audio)

	for {
		_, msg, err := s.conn.Read(ctx)
		if err != nil {
			return
		}

		var resp audioResponse
		if err := json.Unmarshal(msg, &resp); err != nil {
			continue
		}

		if resp.Message != "" {
			s.resolvePending(fmt.Errorf("elevenlabs: %s", resp.Message))
			continue
		}

		if resp.Audio != "" {
			pcm, err := base64.StdEncoding.DecodeString(resp.Audio)
			if err == nil {
				s.mu.Lock()
				uid := s.utteranceID
				s.mu.Unlock()
				select {
				case s.audio <- tts.AudioChunk{UtteranceID: uid, PCM: pcm}:
				case <-s.done:
					return
				}
			}
		}

		if resp.IsFinal {
			s.mu.Lock()
			uid := s.utteranceID
			s.mu.Unlock()
			// The terminal marker rides the audio channel so consumers see
			// it strictly after the utterance's last frame.
			select {
			case s.audio <- tts.AudioChunk{UtteranceID: uid, Done: true}:
			case <-s.done:
				return
			}
			s.resolvePending(nil)
		}
	}
}

// keepaliveLoop pings ElevenLabs at the configured interval so the socket
// survives silence between utterances.
func (s *session) keepaliveLoop(ctx context.Context) {
	defer s.wg.Done()
	ticker := time.NewTicker(keepaliveInterval)
	defer ticker.Stop()

	for {
		select {
		case <-s.done:
			return
		case <-ctx.Done():
			return
		case <-ticker.C:
			pingCtx, cancel := context.WithTimeout(ctx, keepaliveTimeout)
			_ = s.conn.Ping(pingCtx)
			cancel()
		}
	}
}

// resolvePending signals the in-flight Synthesize call, if any.
func (s *session) resolvePending(err error) {
	s.mu.Lock()
	resolve := s.resolve
	s.resolve = nil
	s.mu.Unlock()
	if resolve != nil {
		resolve <- err
	}
}

// ---- helpers ----

// buildWSMessage constructs the JSON text payload for a single text
// fragment. Used by tests to verify the payload shape without opening a
// real connection.
func buildWSMessage(text string, vs *voiceSettings) ([]byte, error) {
	return json.Marshal(textMessage{Text: text, VoiceSettings: vs})
}

// buildURLForVoice constructs the WebSocket URL for a given voice, model,
// and output format.
func buildURLForVoice(voiceID, model, outputFormat string) string {
	return fmt.Sprintf(wsEndpointFmt, voiceID, model, outputFormat)
}
