// Package config provides the configuration schema for voxrelay-core.
//
// Config mirrors the recognized environment/runtime options of the system:
// provider credentials and selections, generation parameters, connection
// timeouts, and supervisor bounds. [DefaultConfig] supplies the defaults a
// fresh Config starts from; [LoadFile] and [LoadEnv] overlay a YAML file and
// environment variables on top of them, and [Validate] checks the result.
package config

import "time"

// Config is the root configuration structure for voxrelay-core.
type Config struct {
	Server   ServerConfig   `yaml:"server"`
	STT      STTConfig      `yaml:"stt"`
	LLM      LLMConfig      `yaml:"llm"`
	TTS      TTSConfig      `yaml:"tts"`
	Session  SessionConfig  `yaml:"session"`
	Semantic SemanticConfig `yaml:"semantic"`
}

// ServerConfig holds network and logging settings.
type ServerConfig struct {
	// ListenAddr is the TCP address the client transport listener binds
	// (e.g., ":8080").
	ListenAddr string `yaml:"listen_addr"`

	// MetricsAddr is the TCP address the Prometheus /metrics endpoint binds.
	// Empty disables the metrics server. The health probes are served on
	// ListenAddr.
	MetricsAddr string `yaml:"metrics_addr"`

	// LogLevel controls verbosity. Valid values: "debug", "info", "warn", "error".
	LogLevel string `yaml:"log_level"`
}

// STTConfig configures the speech-to-text provider.
type STTConfig struct {
	// APIKey authenticates against the STT provider. Required.
	APIKey string `yaml:"api_key"`

	// Model selects the provider's recognition model identifier.
	Model string `yaml:"model"`

	// Language is the BCP-47 recognition language (e.g. "en-US").
	Language string `yaml:"language"`

	// ConnectionTimeout is the configured bound on opening the provider
	// connection. No component reads it: the STT sub-session dials with its
	// own fixed 5s per-attempt timeout.
	ConnectionTimeout time.Duration `yaml:"connection_timeout"`

	// KeepaliveInterval is the configured provider keepalive interval. No
	// component reads it: the Deepgram provider sends its keepalive on a
	// fixed 8s interval.
	KeepaliveInterval time.Duration `yaml:"keepalive_interval"`
}

// LLMConfig configures the large language model provider and its
// generation parameters.
type LLMConfig struct {
	// APIKey authenticates against the LLM provider. Required.
	APIKey string `yaml:"api_key"`

	// Model selects the provider's model identifier.
	Model string `yaml:"model"`

	// Temperature, TopP, FrequencyPenalty, PresencePenalty, MaxTokens are
	// passed through on every completion request.
	Temperature      float64 `yaml:"temperature"`
	TopP             float64 `yaml:"top_p"`
	FrequencyPenalty float64 `yaml:"frequency_penalty"`
	PresencePenalty  float64 `yaml:"presence_penalty"`
	MaxTokens        int     `yaml:"max_tokens"`

	// RequestTimeout bounds a single streaming completion call.
	RequestTimeout time.Duration `yaml:"request_timeout"`

	// MaxQueueSize bounds the per-session FIFO request queue. 0 means unbounded.
	MaxQueueSize int `yaml:"max_queue_size"`

	// SystemPrompt is the content of the single leading system message in
	// every conversation history. Prompt content itself is out of the
	// core's scope; this field only carries whatever the orchestrator
	// configures.
	SystemPrompt string `yaml:"system_prompt"`
}

// TTSConfig configures the text-to-speech provider.
type TTSConfig struct {
	// APIKey authenticates against the TTS provider. Required.
	APIKey string `yaml:"api_key"`

	// Model selects the provider's synthesis model identifier.
	Model string `yaml:"model"`

	// VoiceID selects the default voice; sessions may override it per the
	// audio.input.start message's optional voice_id.
	VoiceID string `yaml:"voice_id"`

	// ConnectionTimeout is the configured bound on opening the provider
	// connection. No component reads it: the TTS sub-session dials with its
	// own fixed 5s per-attempt timeout.
	ConnectionTimeout time.Duration `yaml:"connection_timeout"`

	// KeepaliveInterval is the configured provider keepalive interval. No
	// component reads it: the ElevenLabs provider pings on a fixed 30s
	// interval.
	KeepaliveInterval time.Duration `yaml:"keepalive_interval"`
}

// SessionConfig configures the session supervisor's lifecycle bounds.
type SessionConfig struct {
	// IdleTimeout ends a session with no user-originated activity for
	// this long.
	IdleTimeout time.Duration `yaml:"idle_timeout"`

	// MaxDuration ends a session this long after creation regardless of
	// activity.
	MaxDuration time.Duration `yaml:"max_duration"`

	// CleanupInterval is how often the supervisor scans for sessions that
	// exceed IdleTimeout or MaxDuration.
	CleanupInterval time.Duration `yaml:"cleanup_interval"`

	// MaxSessions caps the number of concurrently active sessions. 0 means
	// unbounded.
	MaxSessions int `yaml:"max_sessions"`

	// ShutdownTimeout bounds how long a graceful shutdown waits for
	// in-flight sessions to end before force-closing them.
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout"`
}

// SemanticConfig configures the semantic streaming chunker.
type SemanticConfig struct {
	// MaxBufferSize is the forced-flush threshold in bytes.
	MaxBufferSize int `yaml:"max_buffer_size"`

	// BreakMarker is the literal token the LLM is prompted to emit at
	// semantic chunk boundaries.
	BreakMarker string `yaml:"break_marker"`
}

// Recognized defaults, per the system's environment and runtime
// configuration table.
const (
	DefaultLLMTemperature      = 0.7
	DefaultLLMMaxTokens        = 500
	DefaultLLMTopP             = 1.0
	DefaultLLMFrequencyPenalty = 0.0
	DefaultLLMPresencePenalty  = 0.0

	DefaultLLMRequestTimeout    = 30 * time.Second
	DefaultSTTConnectionTimeout = 5 * time.Second
	DefaultTTSConnectionTimeout = 5 * time.Second
	DefaultLLMMaxQueueSize      = 10
	DefaultSTTKeepaliveInterval = 8 * time.Second
	DefaultTTSKeepaliveInterval = 30 * time.Second

	DefaultSessionIdleTimeout = 30 * time.Minute
	DefaultSessionMaxDuration = 2 * time.Hour
	DefaultCleanupInterval    = 5 * time.Minute
	DefaultMaxSessions        = 50
	DefaultShutdownTimeout    = 10 * time.Second

	DefaultSemanticMaxBufferSize = 400
	DefaultSemanticBreakMarker   = "||BREAK||"
)

// DefaultConfig returns a Config populated with every recognized option's
// documented default. Callers (the orchestrator's bootstrap) overlay
// credentials and any environment-sourced overrides on top of this.
func DefaultConfig() *Config {
	return &Config{
		Server: ServerConfig{
			ListenAddr:  ":8080",
			MetricsAddr: ":9090",
			LogLevel:    "info",
		},
		STT: STTConfig{
			Model:             "nova-3",
			Language:          "en-US",
			ConnectionTimeout: DefaultSTTConnectionTimeout,
			KeepaliveInterval: DefaultSTTKeepaliveInterval,
		},
		LLM: LLMConfig{
			Model:            "gpt-4o-mini",
			Temperature:      DefaultLLMTemperature,
			TopP:             DefaultLLMTopP,
			FrequencyPenalty: DefaultLLMFrequencyPenalty,
			PresencePenalty:  DefaultLLMPresencePenalty,
			MaxTokens:        DefaultLLMMaxTokens,
			RequestTimeout:   DefaultLLMRequestTimeout,
			MaxQueueSize:     DefaultLLMMaxQueueSize,
		},
		TTS: TTSConfig{
			Model:             "eleven_flash_v2_5",
			ConnectionTimeout: DefaultTTSConnectionTimeout,
			KeepaliveInterval: DefaultTTSKeepaliveInterval,
		},
		Session: SessionConfig{
			IdleTimeout:     DefaultSessionIdleTimeout,
			MaxDuration:     DefaultSessionMaxDuration,
			CleanupInterval: DefaultCleanupInterval,
			MaxSessions:     DefaultMaxSessions,
			ShutdownTimeout: DefaultShutdownTimeout,
		},
		Semantic: SemanticConfig{
			MaxBufferSize: DefaultSemanticMaxBufferSize,
			BreakMarker:   DefaultSemanticBreakMarker,
		},
	}
}
