package device

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"ai-speech-live-capture/internal/media"
)

// pcmSource yields 16-bit little-endian PCM in arbitrary chunk sizes.
// ReadPCM returns io.EOF at end of input.
type pcmSource interface {
	ReadPCM(ctx context.Context) ([]byte, error)
	Close() error
}

// pcmStream is a Stream whose encoder emits raw PCM sliced by time.
type pcmStream struct {
	source         pcmSource
	bytesPerSecond int
	logger         zerolog.Logger

	mu       sync.Mutex
	cancel   context.CancelFunc
	done     chan struct{}
	released bool
}

func newPCMStream(source pcmSource, bytesPerSecond int, logger zerolog.Logger) *pcmStream {
	done := make(chan struct{})
	close(done)
	return &pcmStream{
		source:         source,
		bytesPerSecond: bytesPerSecond,
		logger:         logger,
		done:           done,
	}
}

// Supports reports whether the encoder can produce mimeType. Only raw PCM
// is produced; parameters such as rate are ignored.
func (s *pcmStream) Supports(mimeType string) bool {
	return media.BaseType(mimeType) == media.MIMEL16
}

func (s *pcmStream) Start(ctx context.Context, opts EncoderOptions, emit func(media.Frame)) error {
	if !s.Supports(opts.MIMEType) {
		return fmt.Errorf("start encoder with %q: %w", opts.MIMEType, media.ErrEncodingUnsupported)
	}
	if opts.Timeslice <= 0 {
		return errors.New("timeslice must be positive")
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.released {
		return fmt.Errorf("start encoder: %w", ErrDeviceUnavailable)
	}
	if s.cancel != nil {
		return errors.New("encoder already running")
	}

	encCtx, cancel := context.WithCancel(ctx)
	s.cancel = cancel
	s.done = make(chan struct{})

	sliceBytes := int(int64(s.bytesPerSecond) * int64(opts.Timeslice) / int64(time.Second))
	if sliceBytes < 2 {
		sliceBytes = 2
	}

	s.logger.Info().
		Str("mime", opts.MIMEType).
		Int("bitsPerSecond", opts.BitsPerSecond).
		Dur("timeslice", opts.Timeslice).
		Int("sliceBytes", sliceBytes).
		Msg("Encoder started")

	go s.run(encCtx, s.done, opts.MIMEType, sliceBytes, emit)
	return nil
}

func (s *pcmStream) run(ctx context.Context, done chan struct{}, mimeType string, sliceBytes int, emit func(media.Frame)) {
	defer close(done)

	pending := make([]byte, 0, sliceBytes)
	flush := func() {
		frame := media.Frame{
			Data:       append([]byte(nil), pending...),
			MIMEType:   mimeType,
			CapturedAt: time.Now(),
		}
		pending = pending[:0]
		emit(frame)
	}

	for {
		chunk, err := s.source.ReadPCM(ctx)
		if ctx.Err() != nil {
			// Stopped: the partial slice is not emitted.
			return
		}
		pending = append(pending, chunk...)
		for len(pending) >= sliceBytes {
			rest := append([]byte(nil), pending[sliceBytes:]...)
			pending = pending[:sliceBytes]
			flush()
			pending = append(pending, rest...)
		}

		if errors.Is(err, io.EOF) {
			if len(pending) > 0 {
				flush()
			}
			s.logger.Info().Msg("Input ended")
			return
		}
		if err != nil {
			s.logger.Error().Err(err).Msg("Input read failed, encoder stopped")
			return
		}
	}
}

func (s *pcmStream) Stop() error {
	s.mu.Lock()
	cancel, done := s.cancel, s.done
	s.cancel = nil
	s.mu.Unlock()

	if cancel == nil {
		return nil
	}
	cancel()
	<-done
	s.logger.Info().Msg("Encoder stopped")
	return nil
}

func (s *pcmStream) Release() error {
	if err := s.Stop(); err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.released {
		return nil
	}
	s.released = true
	if err := s.source.Close(); err != nil {
		return fmt.Errorf("release input: %w", err)
	}
	s.logger.Info().Msg("Input released")
	return nil
}

func (s *pcmStream) Done() <-chan struct{} {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.done
}
