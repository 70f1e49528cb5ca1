// Command server receives audio chunks over websocket, transcribes them,
// and writes each transcript back to the sending client.
package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"ai-speech-live-capture/internal/api/ws"
	"ai-speech-live-capture/internal/app"
	"ai-speech-live-capture/internal/config"
	"ai-speech-live-capture/internal/events"
	apphttp "ai-speech-live-capture/internal/http"
	"ai-speech-live-capture/internal/observability"
	"ai-speech-live-capture/internal/observability/metrics"
	"ai-speech-live-capture/internal/service/audio"
	"ai-speech-live-capture/internal/service/stt/provider"
)

const shutdownTimeout = 10 * time.Second

var (
	envFile  string
	port     string
	sttName  string
	logLevel string
)

var rootCmd = &cobra.Command{
	Use:   "server",
	Short: "Speech transcription server",
	Long:  `server accepts audio chunks on /ws/{clientId} and replies with recognized text`,
	RunE: func(cmd *cobra.Command, args []string) error {
		return run()
	},
}

func init() {
	rootCmd.Flags().StringVar(&envFile, "env-file", ".env", "optional dotenv file")
	rootCmd.Flags().StringVar(&port, "port", "", "HTTP port (overrides HTTP_PORT)")
	rootCmd.Flags().StringVar(&sttName, "stt", "", "recognizer: mock, google or yandex (overrides STT_PROVIDER)")
	rootCmd.Flags().StringVar(&logLevel, "log-level", "", "log level (overrides LOG_LEVEL)")
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func run() error {
	if err := config.LoadDotEnv(envFile); err != nil {
		return fmt.Errorf("load env file: %w", err)
	}
	cfg := config.Load()
	if port != "" {
		cfg.Service.HTTPPort = port
	}
	if sttName != "" {
		cfg.STT.Provider = sttName
	}
	if logLevel != "" {
		cfg.Observability.LogLevel = logLevel
	}

	application := app.New(cfg)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	recognizer, err := provider.New(ctx, cfg.STT, metrics.DefaultServer)
	if err != nil {
		return fmt.Errorf("create recognizer: %w", err)
	}
	defer recognizer.Close()
	if !cfg.STT.AcceptsPCM() {
		log.Warn().
			Str("stt", cfg.STT.Provider).
			Str("encoding", cfg.STT.AudioEncoding).
			Msg("Recognizer encoding does not match raw PCM capture clients; set STT_AUDIO_ENCODING=LINEAR16 for them")
	}

	publisher := events.New(&events.Config{
		Enabled:   cfg.Kafka.Enabled,
		Brokers:   cfg.Kafka.Brokers,
		Topic:     cfg.Kafka.Topic,
		Principal: cfg.Kafka.Principal,
	}, metrics.DefaultServer)
	defer publisher.Close()

	handler := audio.NewHandler(recognizer, cfg.STT.Provider, publisher,
		audio.WithLimits(audio.Limits{
			MinChunkBytes: cfg.Limits.MinChunkBytes,
			MaxChunkBytes: cfg.Limits.MaxChunkBytes,
		}),
		audio.WithTimeout(cfg.STT.Timeout),
	)
	wsServer := ws.NewServer(handler)

	httpServer := &http.Server{
		Addr:              ":" + cfg.Service.HTTPPort,
		Handler:           apphttp.NewRouter(application, wsServer),
		ReadHeaderTimeout: 5 * time.Second,
	}

	obs := observability.NewServer(cfg.Observability.MetricsAddr, prometheus.DefaultGatherer, application.Ready)
	obs.Start()

	if err := application.Start(); err != nil {
		return err
	}

	serveErr := make(chan error, 1)
	go func() {
		log.Info().
			Str("addr", httpServer.Addr).
			Str("stt", cfg.STT.Provider).
			Str("encoding", cfg.STT.AudioEncoding).
			Msg("Speech transcription server listening")
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serveErr <- err
		}
		close(serveErr)
	}()

	var runErr error
	select {
	case <-ctx.Done():
	case runErr = <-serveErr:
		if runErr != nil {
			log.Error().Err(runErr).Msg("HTTP server failed")
		}
	}

	application.Shutdown()

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()

	// Hijacked websocket connections are not tracked by Shutdown
	wsServer.Registry().CloseAll()
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		log.Error().Err(err).Msg("HTTP server shutdown failed")
	}
	if err := obs.Shutdown(shutdownCtx); err != nil {
		log.Error().Err(err).Msg("Observability server shutdown failed")
	}
	return runErr
}
