package device

import (
	"context"
	"encoding/binary"
	"errors"
	"fmt"

	"github.com/gordonklaus/portaudio"
	"github.com/rs/zerolog"

	"ai-speech-live-capture/internal/media"
	"ai-speech-live-capture/internal/observability/logging"
)

// DefaultFramesPerBuffer is the PortAudio read size in sample frames.
const DefaultFramesPerBuffer = 1024

// PortAudio acquires the default system microphone.
type PortAudio struct {
	framesPerBuffer int
	logger          zerolog.Logger
}

// NewPortAudio creates a microphone device. A non-positive framesPerBuffer
// uses DefaultFramesPerBuffer.
func NewPortAudio(framesPerBuffer int) *PortAudio {
	if framesPerBuffer <= 0 {
		framesPerBuffer = DefaultFramesPerBuffer
	}
	return &PortAudio{
		framesPerBuffer: framesPerBuffer,
		logger:          logging.WithComponent("device.portaudio"),
	}
}

// Acquire opens and starts the default input stream.
func (p *PortAudio) Acquire(ctx context.Context, c media.Constraints) (Stream, error) {
	if c.SampleSize != 16 {
		return nil, fmt.Errorf("%w: unsupported sample size %d", ErrDeviceUnavailable, c.SampleSize)
	}
	if c.EchoCancellation || c.NoiseSuppression {
		p.logger.Debug().Msg("Echo cancellation and noise suppression are not applied by PortAudio")
	}

	if err := portaudio.Initialize(); err != nil {
		return nil, fmt.Errorf("%w: initialize portaudio: %v", ErrDeviceUnavailable, err)
	}

	buf := make([]int16, p.framesPerBuffer*c.Channels)
	stream, err := portaudio.OpenDefaultStream(c.Channels, 0, float64(c.SampleRate), p.framesPerBuffer, buf)
	if err != nil {
		portaudio.Terminate()
		return nil, fmt.Errorf("%w: open input stream: %v", ErrDeviceUnavailable, err)
	}
	if err := stream.Start(); err != nil {
		stream.Close()
		portaudio.Terminate()
		return nil, fmt.Errorf("%w: start input stream: %v", ErrDeviceUnavailable, err)
	}

	p.logger.Info().
		Int("channels", c.Channels).
		Int("sampleRate", c.SampleRate).
		Int("framesPerBuffer", p.framesPerBuffer).
		Msg("Microphone acquired")

	src := &micSource{stream: stream, buf: buf, logger: p.logger}
	return newPCMStream(src, c.SampleRate*c.Channels*2, p.logger), nil
}

type micSource struct {
	stream *portaudio.Stream
	buf    []int16
	logger zerolog.Logger
}

func (m *micSource) ReadPCM(ctx context.Context) ([]byte, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if err := m.stream.Read(); err != nil {
		if !errors.Is(err, portaudio.InputOverflowed) {
			return nil, fmt.Errorf("read microphone: %w", err)
		}
		m.logger.Debug().Msg("Input overflowed")
	}

	out := make([]byte, len(m.buf)*2)
	for i, sample := range m.buf {
		binary.LittleEndian.PutUint16(out[i*2:], uint16(sample))
	}
	return out, nil
}

func (m *micSource) Close() error {
	stopErr := m.stream.Stop()
	closeErr := m.stream.Close()
	termErr := portaudio.Terminate()
	return errors.Join(stopErr, closeErr, termErr)
}
