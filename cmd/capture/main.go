// Command capture records audio from the microphone or a file, streams it
// to the transcription server in batches, and prints the transcript.
package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"ai-speech-live-capture/internal/capture"
	"ai-speech-live-capture/internal/config"
	"ai-speech-live-capture/internal/device"
	"ai-speech-live-capture/internal/observability"
	"ai-speech-live-capture/internal/observability/logging"
	"ai-speech-live-capture/internal/observability/metrics"
	"ai-speech-live-capture/internal/transport"
	"ai-speech-live-capture/internal/ui"
)

const endTimeout = 5 * time.Second

var (
	envFile     string
	serverURL   string
	source      string
	duration    time.Duration
	linger      time.Duration
	logLevel    string
	metricsAddr string
)

var rootCmd = &cobra.Command{
	Use:   "capture",
	Short: "Stream captured speech to the transcription server",
	Long: `capture records from the default microphone ("mic") or replays a .wav/.mp3
file, sends audio to the server in batches, and prints transcript fragments
as they arrive.`,
	SilenceUsage: true,
	RunE: func(cmd *cobra.Command, args []string) error {
		return run()
	},
}

func init() {
	rootCmd.Flags().StringVar(&envFile, "env-file", ".env", "optional dotenv file")
	rootCmd.Flags().StringVar(&serverURL, "server", "", "server base URL (overrides CAPTURE_SERVER_URL)")
	rootCmd.Flags().StringVar(&source, "source", "", `"mic" or an audio file path (overrides CAPTURE_SOURCE)`)
	rootCmd.Flags().DurationVar(&duration, "duration", 0, "stop after this long (0 records until interrupted)")
	rootCmd.Flags().DurationVar(&linger, "linger", 2*time.Second, "wait for late transcripts after stopping")
	rootCmd.Flags().StringVar(&logLevel, "log-level", "", "log level (overrides LOG_LEVEL)")
	rootCmd.Flags().StringVar(&metricsAddr, "metrics-addr", "", "serve capture metrics on this address")
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
	if serverURL != "" {
		cfg.Client.ServerURL = serverURL
	}
	if source != "" {
		cfg.Client.Source = source
	}
	if logLevel != "" {
		cfg.Observability.LogLevel = logLevel
	}

	// stdout carries the transcript
	logging.Init(logging.Config{
		Level:  cfg.Observability.LogLevel,
		Format: "console",
		Output: os.Stderr,
	})

	if metricsAddr != "" {
		obs := observability.NewServer(metricsAddr, prometheus.DefaultGatherer, nil)
		obs.Start()
		defer obs.Shutdown(context.Background())
	}

	var dev device.Device
	if cfg.Client.Source == "mic" {
		dev = device.NewPortAudio(cfg.Client.FramesPerBuffer)
	} else {
		dev = device.NewFile(cfg.Client.Source, cfg.Client.Realtime)
	}

	client := transport.NewClient(transport.Config{
		ServerURL:        cfg.Client.ServerURL,
		HandshakeTimeout: cfg.Client.HandshakeTimeout,
		WriteTimeout:     cfg.Client.WriteTimeout,
	}, transport.NewSessionID())

	console := ui.NewConsole(os.Stdout)
	connected, lost, stopped := newLatch(), newLatch(), newLatch()
	console.Watch(func(status string) {
		switch status {
		case capture.StatusConnected:
			connected.set()
		case capture.StatusDisconnected, capture.StatusConnectionError:
			lost.set()
		case capture.StatusRecordingStopped:
			stopped.set()
		}
	})

	session := capture.NewSession(capture.DefaultConfig(), dev, client, console,
		capture.WithMetrics(metrics.DefaultClient),
		capture.WithLogger(logging.WithSession("capture", client.SessionID())),
	)

	sessCtx, cancelSession := context.WithCancel(context.Background())
	runDone := make(chan error, 1)
	go func() { runDone <- session.Run(sessCtx) }()
	defer func() {
		cancelSession()
		<-runDone
		fmt.Fprintf(os.Stdout, "\nTranscript: %s\n", console.Transcript().String())
	}()

	sigCtx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	log.Info().
		Str("server", cfg.Client.ServerURL).
		Str("source", cfg.Client.Source).
		Str("sessionId", client.SessionID()).
		Msg("Connecting")

	wait := time.NewTimer(cfg.Client.ConnectWait)
	defer wait.Stop()
	select {
	case <-connected.done():
	case <-lost.done():
		return errors.New("could not connect to server")
	case <-wait.C:
		return fmt.Errorf("server not reachable within %s", cfg.Client.ConnectWait)
	case <-sigCtx.Done():
		return nil
	}

	if err := session.BeginCapture(sigCtx); err != nil {
		return err
	}

	var limit <-chan time.Time
	if duration > 0 {
		t := time.NewTimer(duration)
		defer t.Stop()
		limit = t.C
	}

	select {
	case <-sigCtx.Done():
	case <-limit:
	case <-stopped.done():
	case <-lost.done():
		return errors.New("connection lost while recording")
	}

	endCtx, cancel := context.WithTimeout(context.Background(), endTimeout)
	defer cancel()
	if err := session.EndCapture(endCtx); err != nil {
		log.Warn().Err(err).Msg("Final batch not delivered")
	}

	if linger > 0 {
		select {
		case <-time.After(linger):
		case <-lost.done():
		}
	}
	return nil
}

// latch is a one-shot signal safe to set from notifier callbacks.
type latch struct {
	once sync.Once
	ch   chan struct{}
}

func newLatch() *latch {
	return &latch{ch: make(chan struct{})}
}

func (l *latch) set() {
	l.once.Do(func() { close(l.ch) })
}

func (l *latch) done() <-chan struct{} {
	return l.ch
}
