// Package transport is the client-facing WebSocket listener that bridges a
// raw binary connection to a [session.Session]. The orchestration core only
// needs a [session.Egress] to call and a stream of inbound messages to
// dispatch, not an opinion on wire framing; this package supplies a
// straightforward gorilla/websocket framing of the gateway's message kinds
// so cmd/voxrelay is a runnable server.
package transport

import (
	"context"
	"encoding/binary"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/voxrelay/voxrelay-core/internal/config"
	"github.com/voxrelay/voxrelay-core/internal/session"
	"github.com/voxrelay/voxrelay-core/internal/supervisor"
	"github.com/voxrelay/voxrelay-core/pkg/provider/llm"
	"github.com/voxrelay/voxrelay-core/pkg/provider/stt"
	"github.com/voxrelay/voxrelay-core/pkg/provider/tts"
)

// Inbound message kinds, carried as JSON text frames except for
// audio.input.chunk, which rides a binary frame with no envelope (the
// connection carries exactly one audio stream, so no tag is needed on the
// way in).
const (
	kindAudioInputStart = "audio.input.start"
	kindAudioInputEnd   = "audio.input.end"
)

// Outbound message kinds. Audio output frames are binary with a compact
// tagged header (utterance ID length-prefixed, then PCM payload) so a
// client can demultiplex overlapping utterance boundaries even though the
// core itself never overlaps them.
const (
	kindConnectionAck       = "connection.ack"
	kindTranscriptInterim   = "transcript.interim"
	kindTranscriptFinal     = "transcript.final"
	kindAudioOutputStart    = "audio.output.start"
	kindAudioOutputComplete = "audio.output.complete"
	kindError               = "error"
)

// inboundEnvelope is the JSON shape of every non-audio inbound control
// message.
type inboundEnvelope struct {
	Kind       string `json:"kind"`
	SampleRate int    `json:"sample_rate,omitempty"`
	Language   string `json:"language,omitempty"`
	VoiceID    string `json:"voice_id,omitempty"`
}

// outboundEnvelope is the JSON shape of every non-audio outbound control
// message. Only the fields relevant to Kind are populated.
type outboundEnvelope struct {
	Kind        string  `json:"kind"`
	SessionID   string  `json:"session_id,omitempty"`
	Text        string  `json:"text,omitempty"`
	Confidence  float64 `json:"confidence,omitempty"`
	UtteranceID string  `json:"utterance_id,omitempty"`
	Code        string  `json:"code,omitempty"`
	Message     string  `json:"message,omitempty"`
	Retryable   bool    `json:"retryable,omitempty"`
}

var upgrader = websocket.Upgrader{
	ReadBufferSize:  16384,
	WriteBufferSize: 16384,
	CheckOrigin:     func(r *http.Request) bool { return true },
}

// Providers bundles the three provider factories a Listener dials out to
// for every new session. The core depends only on the abstract interfaces;
// Listener is where a concrete vendor (or mock) is selected.
type Providers struct {
	STT stt.Provider
	LLM llm.Provider
	TTS tts.Provider
}

// Listener accepts client WebSocket connections, constructs a session per
// connection, and drives it from the socket's read loop until the client
// disconnects or the connection's write-side fails.
type Listener struct {
	supervisor *supervisor.Supervisor
	providers  Providers
	cfg        *config.Config
}

// New constructs a Listener bound to sup and cfg, dialing providers for
// every new connection.
func New(sup *supervisor.Supervisor, providers Providers, cfg *config.Config) *Listener {
	return &Listener{supervisor: sup, providers: providers, cfg: cfg}
}

// ServeHTTP upgrades the connection to a WebSocket and runs one session for
// its lifetime. It never returns an error to the HTTP layer; failures are
// logged and the socket is closed.
func (l *Listener) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		slog.Error("transport: upgrade failed", "error", err)
		return
	}
	defer conn.Close()

	l.runConnection(r.Context(), conn)
}

// connEgress adapts a *websocket.Conn into a [session.Egress], serializing
// writes with a mutex since the read loop and the TTS audio relay goroutine
// both write concurrently.
type connEgress struct {
	mu   sync.Mutex
	conn *websocket.Conn
}

func (e *connEgress) writeJSON(env outboundEnvelope) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if err := e.conn.WriteJSON(env); err != nil {
		slog.Warn("transport: write control frame failed", "error", err)
	}
}

func (e *connEgress) TranscriptInterim(text string, confidence float64) {
	e.writeJSON(outboundEnvelope{Kind: kindTranscriptInterim, Text: text, Confidence: confidence})
}

func (e *connEgress) TranscriptFinal(text string, confidence float64) {
	e.writeJSON(outboundEnvelope{Kind: kindTranscriptFinal, Text: text, Confidence: confidence})
}

func (e *connEgress) AudioOutputStart(utteranceID string) {
	e.writeJSON(outboundEnvelope{Kind: kindAudioOutputStart, UtteranceID: utteranceID})
}

// AudioOutputChunk writes a binary frame: a 2-byte big-endian length
// prefix, the UTF-8 utterance ID, then the raw 48 kHz PCM payload.
func (e *connEgress) AudioOutputChunk(utteranceID string, pcm []byte) {
	frame := make([]byte, 2+len(utteranceID)+len(pcm))
	binary.BigEndian.PutUint16(frame[0:2], uint16(len(utteranceID)))
	copy(frame[2:], utteranceID)
	copy(frame[2+len(utteranceID):], pcm)

	e.mu.Lock()
	defer e.mu.Unlock()
	if err := e.conn.WriteMessage(websocket.BinaryMessage, frame); err != nil {
		slog.Warn("transport: write audio frame failed", "error", err)
	}
}

func (e *connEgress) AudioOutputComplete(utteranceID string) {
	e.writeJSON(outboundEnvelope{Kind: kindAudioOutputComplete, UtteranceID: utteranceID})
}

func (e *connEgress) Error(kind string, message string, retryable bool) {
	e.writeJSON(outboundEnvelope{Kind: kindError, Code: kind, Message: message, Retryable: retryable})
}

// runConnection reads the first audio.input.start message, constructs and
// registers the session, then dispatches every subsequent message until the
// socket closes.
func (l *Listener) runConnection(ctx context.Context, conn *websocket.Conn) {
	start, err := readStart(conn)
	if err != nil {
		slog.Info("transport: connection closed before start", "error", err)
		return
	}

	sessionID, sess, err := buildSession(ctx, l, start, &connEgress{conn: conn})
	if err != nil {
		slog.Error("transport: failed to start session", "error", err)
		_ = conn.WriteJSON(outboundEnvelope{Kind: kindError, Code: "FATAL", Message: err.Error()})
		return
	}
	defer l.supervisor.End(sessionID)

	_ = conn.WriteJSON(outboundEnvelope{Kind: kindConnectionAck, SessionID: sessionID})

	for {
		msgType, data, err := conn.ReadMessage()
		if err != nil {
			slog.Info("transport: connection closed", "session_id", sessionID, "error", err)
			return
		}
		switch msgType {
		case websocket.BinaryMessage:
			if err := sess.HandleAudioChunk(data); err != nil && !errors.Is(err, session.ErrSessionEnded) {
				slog.Warn("transport: forward audio chunk failed", "session_id", sessionID, "error", err)
			}
		case websocket.TextMessage:
			l.handleControl(ctx, sessionID, sess, data)
		}
	}
}

func (l *Listener) handleControl(ctx context.Context, sessionID string, sess *session.Session, data []byte) {
	var env inboundEnvelope
	if err := json.Unmarshal(data, &env); err != nil {
		slog.Warn("transport: malformed control frame", "session_id", sessionID, "error", err)
		return
	}
	switch env.Kind {
	case kindAudioInputEnd:
		if err := sess.HandleEndOfInput(ctx); err != nil {
			slog.Warn("transport: end-of-input handling failed", "session_id", sessionID, "error", err)
		}
	default:
		slog.Debug("transport: ignoring unrecognized control kind", "session_id", sessionID, "kind", env.Kind)
	}
}

func readStart(conn *websocket.Conn) (*inboundEnvelope, error) {
	conn.SetReadDeadline(time.Now().Add(10 * time.Second))
	defer conn.SetReadDeadline(time.Time{})

	_, data, err := conn.ReadMessage()
	if err != nil {
		return nil, err
	}
	var env inboundEnvelope
	if err := json.Unmarshal(data, &env); err != nil {
		return nil, err
	}
	if env.Kind != kindAudioInputStart {
		return nil, errors.New("transport: first message must be audio.input.start")
	}
	return &env, nil
}
