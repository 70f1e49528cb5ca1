// Package capture owns the recording lifecycle: it acquires an input,
// drives the encoder, decides which frames are admitted to the buffer and
// forwards connection events to the presentation layer.
package capture

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/rs/zerolog"

	"ai-speech-live-capture/internal/buffer"
	"ai-speech-live-capture/internal/device"
	"ai-speech-live-capture/internal/media"
	"ai-speech-live-capture/internal/observability/logging"
	"ai-speech-live-capture/internal/observability/metrics"
	"ai-speech-live-capture/internal/transport"
)

// Status messages delivered through Notifier.OnStatus.
const (
	StatusConnected        = "Connected to server"
	StatusDisconnected     = "Disconnected from server"
	StatusConnectionError  = "Connection error"
	StatusRecording        = "Recording..."
	StatusRecordingStopped = "Recording stopped"
	StatusDeviceError      = "Error accessing microphone"
	StatusEncodingError    = "Audio encoding not supported"
)

var (
	// ErrCaptureActive is returned by BeginCapture when not idle.
	ErrCaptureActive = errors.New("capture already active")
	// ErrSessionClosed is returned once the event loop has exited.
	ErrSessionClosed = errors.New("capture session closed")
)

// Notifier receives status changes and transcript fragments. Both are
// called from the session event loop, in order.
type Notifier interface {
	OnStatus(message string)
	OnFragment(text string)
}

// Transport is the connection the session flushes to.
type Transport interface {
	Connect(ctx context.Context, notify func(transport.Event))
	Send(ctx context.Context, payload media.Payload) error
	State() transport.State
	Close() error
}

// Config holds the pipeline constants.
type Config struct {
	MinGap        time.Duration // admission gap between two frames
	HighWater     int           // batch size that triggers a flush
	Timeslice     time.Duration // encoder emission cadence
	BitsPerSecond int
	Codecs        []string // codec preference chain
	Constraints   media.Constraints
	QueueSize     int
}

// DefaultConfig returns the fixed pipeline constants.
func DefaultConfig() Config {
	return Config{
		MinGap:        1000 * time.Millisecond,
		HighWater:     buffer.DefaultHighWater,
		Timeslice:     1000 * time.Millisecond,
		BitsPerSecond: 128000,
		Codecs:        media.DefaultCodecs,
		Constraints:   media.DefaultConstraints(),
		QueueSize:     64,
	}
}

// Snapshot is a point-in-time view of the session.
type Snapshot struct {
	State         State
	PendingFrames int
	PendingBytes  int
	Connection    transport.State
	LastEmission  time.Time
}

// Session is one capture client. All of its state is owned by the Run
// goroutine; the exported methods post events to it and wait for replies.
type Session struct {
	cfg       Config
	device    device.Device
	transport Transport
	notifier  Notifier
	now       func() time.Time
	metrics   *metrics.Client
	logger    zerolog.Logger

	events chan event
	done   chan struct{}

	// Owned by the event loop.
	runCtx       context.Context
	lifecycle    *Lifecycle
	buffer       *buffer.StreamBuffer
	stream       device.Stream
	encCancel    context.CancelFunc
	lastEmission time.Time
}

// Option configures a Session.
type Option func(*Session)

// WithClock overrides the time source used for the admission gap.
func WithClock(now func() time.Time) Option {
	return func(s *Session) { s.now = now }
}

// WithMetrics overrides the metrics instance.
func WithMetrics(m *metrics.Client) Option {
	return func(s *Session) { s.metrics = m }
}

// WithLogger overrides the logger.
func WithLogger(l zerolog.Logger) Option {
	return func(s *Session) { s.logger = l }
}

// NewSession creates a session. Nothing happens until Run.
func NewSession(cfg Config, dev device.Device, tr Transport, notifier Notifier, opts ...Option) *Session {
	if cfg.QueueSize <= 0 {
		cfg.QueueSize = DefaultConfig().QueueSize
	}
	if len(cfg.Codecs) == 0 {
		cfg.Codecs = media.DefaultCodecs
	}
	s := &Session{
		cfg:       cfg,
		device:    dev,
		transport: tr,
		notifier:  notifier,
		now:       time.Now,
		metrics:   metrics.DefaultClient,
		logger:    logging.WithComponent("capture"),
		events:    make(chan event, cfg.QueueSize),
		done:      make(chan struct{}),
		lifecycle: NewLifecycle(),
	}
	for _, opt := range opts {
		opt(s)
	}
	s.buffer = buffer.New(tr, cfg.HighWater, buffer.WithMetrics(s.metrics), buffer.WithLogger(s.logger))
	return s
}

type event any

type (
	beginEvent struct {
		reply chan error
	}
	endEvent struct {
		reply chan error
	}
	acquiredEvent struct {
		stream device.Stream
		err    error
		reply  chan error
	}
	frameEvent struct {
		frame media.Frame
	}
	inputEndedEvent struct {
		stream device.Stream
	}
	transportEvent struct {
		ev transport.Event
	}
	snapshotEvent struct {
		reply chan Snapshot
	}
)

// Run connects the transport and processes events until ctx is done. On
// exit an active recording is ended as by EndCapture and the connection is
// closed.
func (s *Session) Run(ctx context.Context) error {
	s.runCtx = ctx
	defer close(s.done)

	s.transport.Connect(ctx, func(ev transport.Event) {
		s.post(ctx, transportEvent{ev: ev})
	})
	s.logger.Info().Msg("Capture session started")

	for {
		select {
		case <-ctx.Done():
			s.shutdown()
			return nil
		case ev := <-s.events:
			s.handle(ev)
		}
	}
}

func (s *Session) shutdown() {
	if s.lifecycle.State() == StateRecording {
		// runCtx is done; the final flush gets a short write window of its own.
		flushCtx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		s.runCtx = flushCtx
		if err := s.stop(); err != nil {
			s.logger.Warn().Err(err).Msg("Final flush on shutdown failed")
		}
		cancel()
	}
	if err := s.transport.Close(); err != nil {
		s.logger.Warn().Err(err).Msg("Transport close failed")
	}
	s.logger.Info().Msg("Capture session stopped")
}

// BeginCapture acquires the input and starts recording. It blocks until the
// device responds.
func (s *Session) BeginCapture(ctx context.Context) error {
	return s.request(ctx, func(reply chan error) event { return beginEvent{reply: reply} })
}

// EndCapture stops recording, flushes the partial batch and releases the
// input. It is a no-op unless recording.
func (s *Session) EndCapture(ctx context.Context) error {
	return s.request(ctx, func(reply chan error) event { return endEvent{reply: reply} })
}

// Snapshot returns the session state as seen by the event loop.
func (s *Session) Snapshot(ctx context.Context) (Snapshot, error) {
	reply := make(chan Snapshot, 1)
	if err := s.post(ctx, snapshotEvent{reply: reply}); err != nil {
		return Snapshot{}, err
	}
	select {
	case snap := <-reply:
		return snap, nil
	case <-ctx.Done():
		return Snapshot{}, ctx.Err()
	case <-s.done:
		return Snapshot{}, ErrSessionClosed
	}
}

func (s *Session) request(ctx context.Context, build func(chan error) event) error {
	reply := make(chan error, 1)
	if err := s.post(ctx, build(reply)); err != nil {
		return err
	}
	select {
	case err := <-reply:
		return err
	case <-ctx.Done():
		return ctx.Err()
	case <-s.done:
		return ErrSessionClosed
	}
}

// post enqueues ev, blocking while the queue is full.
func (s *Session) post(ctx context.Context, ev event) error {
	select {
	case <-s.done:
		return ErrSessionClosed
	default:
	}
	select {
	case s.events <- ev:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	case <-s.done:
		return ErrSessionClosed
	}
}

func (s *Session) handle(ev event) {
	switch e := ev.(type) {
	case beginEvent:
		s.handleBegin(e)
	case acquiredEvent:
		s.handleAcquired(e)
	case endEvent:
		e.reply <- s.handleEnd()
	case frameEvent:
		s.handleFrame(e.frame)
	case inputEndedEvent:
		if e.stream == s.stream && s.lifecycle.State() == StateRecording {
			s.logger.Info().Msg("Input ended, stopping capture")
			if err := s.handleEnd(); err != nil {
				s.logger.Warn().Err(err).Msg("Final flush failed")
			}
		}
	case transportEvent:
		s.handleTransport(e.ev)
	case snapshotEvent:
		e.reply <- Snapshot{
			State:         s.lifecycle.State(),
			PendingFrames: s.buffer.Len(),
			PendingBytes:  s.buffer.Size(),
			Connection:    s.transport.State(),
			LastEmission:  s.lastEmission,
		}
	default:
		s.logger.Warn().Msgf("Unknown event %T", ev)
	}
}

func (s *Session) handleBegin(e beginEvent) {
	if err := s.lifecycle.Transition(StateRequesting); err != nil {
		e.reply <- fmt.Errorf("begin capture in state %s: %w", s.lifecycle.State(), ErrCaptureActive)
		return
	}

	s.logger.Info().Msg("Requesting audio input")
	ctx := s.runCtx
	go func() {
		stream, err := s.device.Acquire(ctx, s.cfg.Constraints)
		if postErr := s.post(ctx, acquiredEvent{stream: stream, err: err, reply: e.reply}); postErr != nil && stream != nil {
			stream.Release()
		}
	}()
}

func (s *Session) handleAcquired(e acquiredEvent) {
	if e.err != nil {
		s.lifecycle.Transition(StateIdle)
		s.logger.Error().Err(e.err).Msg("Audio input acquisition failed")
		s.notifier.OnStatus(StatusDeviceError)
		e.reply <- fmt.Errorf("acquire input: %w", e.err)
		return
	}

	mimeType, err := media.SelectCodec(s.cfg.Codecs, e.stream.Supports)
	if err != nil {
		s.abortStart(e, StatusEncodingError, fmt.Errorf("select codec: %w", err))
		return
	}

	encCtx, cancel := context.WithCancel(s.runCtx)
	// Frames are stamped when the encoder hands them over, so a backlog in
	// the event loop does not shrink the admission gap.
	emit := func(f media.Frame) {
		f.CapturedAt = s.now()
		select {
		case s.events <- frameEvent{frame: f}:
		case <-encCtx.Done():
		case <-s.done:
		}
	}
	opts := device.EncoderOptions{
		MIMEType:      mimeType,
		BitsPerSecond: s.cfg.BitsPerSecond,
		Timeslice:     s.cfg.Timeslice,
	}
	if err := e.stream.Start(encCtx, opts, emit); err != nil {
		cancel()
		s.abortStart(e, StatusEncodingError, fmt.Errorf("start encoder: %w", err))
		return
	}

	s.lifecycle.Transition(StateRecording)
	s.stream = e.stream
	s.encCancel = cancel
	s.lastEmission = s.now()

	stream := e.stream
	go func() {
		select {
		case <-stream.Done():
			s.post(encCtx, inputEndedEvent{stream: stream})
		case <-encCtx.Done():
		}
	}()

	s.logger.Info().Str("mime", mimeType).Msg("Recording started")
	s.notifier.OnStatus(StatusRecording)
	e.reply <- nil
}

func (s *Session) abortStart(e acquiredEvent, status string, err error) {
	if relErr := e.stream.Release(); relErr != nil {
		s.logger.Warn().Err(relErr).Msg("Input release failed")
	}
	s.lifecycle.Transition(StateIdle)
	s.logger.Error().Err(err).Msg("Recording could not start")
	s.notifier.OnStatus(status)
	e.reply <- err
}

func (s *Session) handleEnd() error {
	if s.lifecycle.State() != StateRecording {
		s.logger.Debug().Str("state", s.lifecycle.State().String()).Msg("End capture ignored")
		return nil
	}
	return s.stop()
}

// stop runs Recording -> Stopping -> Idle: encoder off, final flush, then
// device release.
func (s *Session) stop() error {
	s.lifecycle.Transition(StateStopping)

	s.encCancel()
	if err := s.stream.Stop(); err != nil {
		s.logger.Warn().Err(err).Msg("Encoder stop failed")
	}

	flushErr := s.buffer.Flush(s.runCtx)

	if err := s.stream.Release(); err != nil {
		s.logger.Warn().Err(err).Msg("Input release failed")
	}
	s.stream = nil
	s.encCancel = nil

	s.lifecycle.Transition(StateIdle)
	s.logger.Info().Msg("Recording stopped")
	s.notifier.OnStatus(StatusRecordingStopped)

	if flushErr != nil {
		return fmt.Errorf("end capture: %w", flushErr)
	}
	return nil
}

// handleFrame applies the admission policy: a frame is admitted only when
// it is non-empty and more than MinGap separates its capture time from the
// last admission.
func (s *Session) handleFrame(f media.Frame) {
	s.metrics.RecordFrame()

	if s.lifecycle.State() != StateRecording {
		s.metrics.RecordDropped(metrics.DropNotCapturing)
		s.logger.Debug().Int("bytes", f.Size()).Msg("Frame dropped, not recording")
		return
	}
	if f.Size() == 0 {
		s.metrics.RecordDropped(metrics.DropEmpty)
		return
	}

	now := f.CapturedAt
	if now.IsZero() {
		now = s.now()
	}
	elapsed := now.Sub(s.lastEmission)
	if elapsed <= s.cfg.MinGap {
		s.metrics.RecordDropped(metrics.DropGap)
		s.logger.Debug().
			Int("bytes", f.Size()).
			Dur("sinceLast", elapsed).
			Msg("Frame dropped, admission gap not reached")
		return
	}

	s.lastEmission = now
	if err := s.buffer.Admit(s.runCtx, f); err != nil {
		s.logger.Warn().Err(err).Msg("Batch lost")
	}
}

func (s *Session) handleTransport(ev transport.Event) {
	switch e := ev.(type) {
	case transport.StateChanged:
		s.metrics.RecordConnectionState(int(e.State))
		switch e.State {
		case transport.StateOpen:
			s.notifier.OnStatus(StatusConnected)
		case transport.StateClosed:
			if e.Err != nil {
				s.logger.Warn().Err(e.Err).Msg("Connection lost")
			}
			s.notifier.OnStatus(StatusDisconnected)
		case transport.StateFailed:
			s.logger.Error().Err(e.Err).Msg("Connection failed")
			s.notifier.OnStatus(StatusConnectionError)
		}
	case transport.Fragment:
		s.metrics.RecordFragment()
		s.notifier.OnFragment(e.Text)
	}
}
