package config

import (
	"fmt"
	"io"
	"os"
	"strconv"
	"time"

	"gopkg.in/yaml.v3"
)

// LoadFile decodes a YAML document from path onto [DefaultConfig]. A
// missing path is not an error: it returns the defaults unchanged, since
// every deployment is expected to supply the required API keys via
// environment variables regardless (see [LoadEnv]).
func LoadFile(path string) (*Config, error) {
	cfg := DefaultConfig()
	if path == "" {
		return cfg, nil
	}
	f, err := os.Open(path)
	if err != nil {
		if os.IsNotExist(err) {
			return cfg, nil
		}
		return nil, fmt.Errorf("config: open %q: %w", path, err)
	}
	defer f.Close()

	if err := decodeYAML(f, cfg); err != nil {
		return nil, fmt.Errorf("config: parse %q: %w", path, err)
	}
	return cfg, nil
}

// decodeYAML decodes r onto cfg, rejecting unknown keys so a typo in a
// config file fails loudly instead of silently being ignored.
func decodeYAML(r io.Reader, cfg *Config) error {
	dec := yaml.NewDecoder(r)
	dec.KnownFields(true)
	return dec.Decode(cfg)
}

// LoadEnv builds a Config by starting from a YAML file named by the
// VOXRELAY_CONFIG_FILE environment variable (or [DefaultConfig] if unset)
// and overlaying every recognized environment variable that is set.
func LoadEnv() (*Config, error) {
	cfg, err := LoadFile(os.Getenv("VOXRELAY_CONFIG_FILE"))
	if err != nil {
		return nil, err
	}

	cfg.Server.ListenAddr = orEnvString("VOXRELAY_LISTEN_ADDR", cfg.Server.ListenAddr)
	cfg.Server.MetricsAddr = orEnvString("VOXRELAY_METRICS_ADDR", cfg.Server.MetricsAddr)
	cfg.Server.LogLevel = orEnvString("VOXRELAY_LOG_LEVEL", cfg.Server.LogLevel)

	cfg.STT.APIKey = os.Getenv("STT_API_KEY")
	cfg.STT.Model = orEnvString("STT_MODEL", cfg.STT.Model)
	cfg.STT.Language = orEnvString("STT_LANGUAGE", cfg.STT.Language)
	if err := orEnvDuration("STT_CONNECTION_TIMEOUT_MS", &cfg.STT.ConnectionTimeout); err != nil {
		return nil, err
	}
	if err := orEnvDuration("STT_KEEPALIVE_INTERVAL_MS", &cfg.STT.KeepaliveInterval); err != nil {
		return nil, err
	}

	cfg.LLM.APIKey = os.Getenv("LLM_API_KEY")
	cfg.LLM.Model = orEnvString("LLM_MODEL", cfg.LLM.Model)
	cfg.LLM.SystemPrompt = os.Getenv("LLM_SYSTEM_PROMPT")
	if err := orEnvFloat("LLM_TEMPERATURE", &cfg.LLM.Temperature); err != nil {
		return nil, err
	}
	if err := orEnvFloat("LLM_TOP_P", &cfg.LLM.TopP); err != nil {
		return nil, err
	}
	if err := orEnvFloat("LLM_FREQUENCY_PENALTY", &cfg.LLM.FrequencyPenalty); err != nil {
		return nil, err
	}
	if err := orEnvFloat("LLM_PRESENCE_PENALTY", &cfg.LLM.PresencePenalty); err != nil {
		return nil, err
	}
	if err := orEnvInt("LLM_MAX_TOKENS", &cfg.LLM.MaxTokens); err != nil {
		return nil, err
	}
	if err := orEnvInt("LLM_MAX_QUEUE_SIZE", &cfg.LLM.MaxQueueSize); err != nil {
		return nil, err
	}
	if err := orEnvDuration("LLM_REQUEST_TIMEOUT_MS", &cfg.LLM.RequestTimeout); err != nil {
		return nil, err
	}

	cfg.TTS.APIKey = os.Getenv("TTS_API_KEY")
	cfg.TTS.Model = orEnvString("TTS_MODEL", cfg.TTS.Model)
	cfg.TTS.VoiceID = orEnvString("TTS_VOICE_ID", cfg.TTS.VoiceID)
	if err := orEnvDuration("TTS_CONNECTION_TIMEOUT_MS", &cfg.TTS.ConnectionTimeout); err != nil {
		return nil, err
	}
	if err := orEnvDuration("TTS_KEEPALIVE_INTERVAL_MS", &cfg.TTS.KeepaliveInterval); err != nil {
		return nil, err
	}

	if err := orEnvDuration("SESSION_IDLE_TIMEOUT_MS", &cfg.Session.IdleTimeout); err != nil {
		return nil, err
	}
	if err := orEnvDuration("SESSION_MAX_DURATION_MS", &cfg.Session.MaxDuration); err != nil {
		return nil, err
	}
	if err := orEnvDuration("CLEANUP_INTERVAL_MS", &cfg.Session.CleanupInterval); err != nil {
		return nil, err
	}
	if err := orEnvInt("MAX_SESSIONS", &cfg.Session.MaxSessions); err != nil {
		return nil, err
	}

	cfg.Semantic.BreakMarker = orEnvString("SEMANTIC_BREAK_MARKER", cfg.Semantic.BreakMarker)
	if err := orEnvInt("SEMANTIC_MAX_BUFFER_SIZE", &cfg.Semantic.MaxBufferSize); err != nil {
		return nil, err
	}

	if err := Validate(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate checks that cfg has the minimum required credentials and returns
// a descriptive error listing every problem found, so a misconfigured
// deployment fails fast at startup rather than on the first session.
func Validate(cfg *Config) error {
	var errs []string
	if cfg.STT.APIKey == "" {
		errs = append(errs, "stt_api_key is required")
	}
	if cfg.LLM.APIKey == "" {
		errs = append(errs, "llm_api_key is required")
	}
	if cfg.TTS.APIKey == "" {
		errs = append(errs, "tts_api_key is required")
	}
	if len(errs) == 0 {
		return nil
	}
	msg := errs[0]
	for _, e := range errs[1:] {
		msg += "; " + e
	}
	return fmt.Errorf("config: %s", msg)
}

func orEnvString(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func orEnvDuration(key string, dst *time.Duration) error {
	v := os.Getenv(key)
	if v == "" {
		return nil
	}
	ms, err := strconv.Atoi(v)
	if err != nil {
		return fmt.Errorf("config: %s: %w", key, err)
	}
	*dst = time.Duration(ms) * time.Millisecond
	return nil
}

func orEnvInt(key string, dst *int) error {
	v := os.Getenv(key)
	if v == "" {
		return nil
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return fmt.Errorf("config: %s: %w", key, err)
	}
	*dst = n
	return nil
}

func orEnvFloat(key string, dst *float64) error {
	v := os.Getenv(key)
	if v == "" {
		return nil
	}
	f, err := strconv.ParseFloat(v, 64)
	if err != nil {
		return fmt.Errorf("config: %s: %w", key, err)
	}
	*dst = f
	return nil
}
