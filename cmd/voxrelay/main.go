// Command voxrelay runs the conversational voice agent gateway: a single
// server process exposing a client-facing WebSocket endpoint, a Prometheus
// /metrics endpoint, and /healthz and /readyz probes. There are no
// subcommands.
package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/voxrelay/voxrelay-core/internal/config"
	"github.com/voxrelay/voxrelay-core/internal/health"
	"github.com/voxrelay/voxrelay-core/internal/observe"
	"github.com/voxrelay/voxrelay-core/internal/supervisor"
	"github.com/voxrelay/voxrelay-core/internal/transport"
	"github.com/voxrelay/voxrelay-core/pkg/provider/llm/openai"
	"github.com/voxrelay/voxrelay-core/pkg/provider/stt/deepgram"
	"github.com/voxrelay/voxrelay-core/pkg/provider/tts/elevenlabs"

	"github.com/prometheus/client_golang/prometheus/promhttp"
)

func main() {
	os.Exit(run())
}

func run() int {
	cfg, err := config.LoadEnv()
	if err != nil {
		fmt.Fprintf(os.Stderr, "voxrelay: %v\n", err)
		return 1
	}

	logger := newLogger(cfg.Server.LogLevel)
	slog.SetDefault(logger)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	otelShutdown, err := observe.InitProvider(ctx, observe.ProviderConfig{ServiceName: "voxrelay-core"})
	if err != nil {
		slog.Error("failed to initialise observability", "error", err)
		return 1
	}
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := otelShutdown(shutdownCtx); err != nil {
			slog.Error("observability shutdown error", "error", err)
		}
	}()

	providers, err := buildProviders(cfg)
	if err != nil {
		slog.Error("failed to build providers", "error", err)
		return 1
	}

	metrics := observe.DefaultMetrics()
	sup := supervisor.New(cfg.Session, metrics)
	listener := transport.New(sup, providers, cfg)

	mux := http.NewServeMux()
	mux.Handle("/ws", listener)
	healthHandler := health.New(health.Checker{
		Name: "supervisor",
		Check: func(context.Context) error {
			if sup.ShuttingDown() {
				return errors.New("supervisor is draining")
			}
			return nil
		},
	})
	healthHandler.Register(mux)

	srv := &http.Server{
		Addr:    cfg.Server.ListenAddr,
		Handler: mux,
	}

	metricsSrv := startMetricsServer(cfg.Server.MetricsAddr)

	slog.Info("voxrelay starting", "listen_addr", cfg.Server.ListenAddr, "metrics_addr", cfg.Server.MetricsAddr)

	errCh := make(chan error, 1)
	go func() {
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
			return
		}
		errCh <- nil
	}()

	select {
	case <-ctx.Done():
		slog.Info("shutdown signal received, stopping…")
	case err := <-errCh:
		if err != nil {
			slog.Error("server error", "error", err)
			return 1
		}
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Session.ShutdownTimeout)
	defer cancel()

	if err := sup.Shutdown(shutdownCtx); err != nil {
		slog.Error("supervisor shutdown error", "error", err)
	}
	if err := srv.Shutdown(shutdownCtx); err != nil {
		slog.Error("http shutdown error", "error", err)
	}
	if metricsSrv != nil {
		_ = metricsSrv.Shutdown(shutdownCtx)
	}

	slog.Info("goodbye")
	return 0
}

// buildProviders constructs the three concrete provider clients named in
// cfg. Any vendor could be substituted here without touching internal/session
// or internal/transport, which depend only on the pkg/provider interfaces.
func buildProviders(cfg *config.Config) (transport.Providers, error) {
	sttProvider, err := deepgram.New(cfg.STT.APIKey,
		deepgram.WithModel(cfg.STT.Model),
		deepgram.WithLanguage(cfg.STT.Language),
		deepgram.WithSampleRate(16000),
	)
	if err != nil {
		return transport.Providers{}, fmt.Errorf("build stt provider: %w", err)
	}

	llmProvider, err := openai.New(cfg.LLM.APIKey, cfg.LLM.Model,
		openai.WithTimeout(cfg.LLM.RequestTimeout),
	)
	if err != nil {
		return transport.Providers{}, fmt.Errorf("build llm provider: %w", err)
	}

	ttsProvider, err := elevenlabs.New(cfg.TTS.APIKey,
		elevenlabs.WithModel(cfg.TTS.Model),
		elevenlabs.WithOutputFormat("pcm_16000"),
	)
	if err != nil {
		return transport.Providers{}, fmt.Errorf("build tts provider: %w", err)
	}

	return transport.Providers{
		STT: sttProvider,
		LLM: llmProvider,
		TTS: ttsProvider,
	}, nil
}

func startMetricsServer(addr string) *http.Server {
	if addr == "" {
		return nil
	}
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	srv := &http.Server{Addr: addr, Handler: mux}
	go func() {
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			slog.Error("metrics server error", "error", err)
		}
	}()
	return srv
}

func newLogger(level string) *slog.Logger {
	var lvl slog.Level
	switch level {
	case "debug":
		lvl = slog.LevelDebug
	case "warn":
		lvl = slog.LevelWarn
	case "error":
		lvl = slog.LevelError
	default:
		lvl = slog.LevelInfo
	}
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: lvl}))
}
