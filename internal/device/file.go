package device

import (
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/hajimehoshi/go-mp3"
	"github.com/rs/zerolog"

	"ai-speech-live-capture/internal/media"
	"ai-speech-live-capture/internal/observability/logging"
)

// fileReadInterval is the amount of audio read per chunk.
const fileReadInterval = 100 * time.Millisecond

// File replays a WAV or MP3 file as if it were a microphone.
type File struct {
	path     string
	realtime bool
	logger   zerolog.Logger
}

// NewFile creates a replay device for path. With realtime set, reads are
// paced at the audio's own rate.
func NewFile(path string, realtime bool) *File {
	return &File{
		path:     path,
		realtime: realtime,
		logger:   logging.WithComponent("device.file").With().Str("path", path).Logger(),
	}
}

// Acquire opens the file and decodes its header. Multi-channel audio is
// averaged to mono when one channel is requested; the file's sample rate
// is kept.
func (d *File) Acquire(ctx context.Context, c media.Constraints) (Stream, error) {
	f, err := os.Open(d.path)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrDeviceUnavailable, err)
	}

	var (
		r          io.Reader
		sampleRate int
		channels   int
	)
	switch strings.ToLower(filepath.Ext(d.path)) {
	case ".wav":
		format, err := media.ReadWAVHeader(f)
		if err != nil {
			f.Close()
			return nil, fmt.Errorf("%w: %v", ErrDeviceUnavailable, err)
		}
		r = io.LimitReader(f, int64(format.DataSize))
		sampleRate, channels = int(format.SampleRate), int(format.Channels)
	case ".mp3":
		dec, err := mp3.NewDecoder(f)
		if err != nil {
			f.Close()
			return nil, fmt.Errorf("%w: decode mp3: %v", ErrDeviceUnavailable, err)
		}
		// go-mp3 always decodes to 16-bit stereo.
		r = dec
		sampleRate, channels = dec.SampleRate(), 2
	default:
		f.Close()
		return nil, fmt.Errorf("%w: unsupported file type %q", ErrDeviceUnavailable, filepath.Ext(d.path))
	}

	outChannels := channels
	if c.Channels == 1 {
		outChannels = 1
	}
	if sampleRate != c.SampleRate {
		d.logger.Warn().
			Int("fileSampleRate", sampleRate).
			Int("requestedSampleRate", c.SampleRate).
			Msg("File sample rate differs from requested rate, replaying as is")
	}

	inFrame := channels * 2
	chunk := sampleRate * inFrame * int(fileReadInterval/time.Millisecond) / 1000
	src := &fileSource{
		file:        f,
		r:           r,
		buf:         make([]byte, chunk-chunk%inFrame),
		inChannels:  channels,
		outChannels: outChannels,
		realtime:    d.realtime,
	}

	d.logger.Info().
		Int("sampleRate", sampleRate).
		Int("channels", channels).
		Int("outChannels", outChannels).
		Msg("Replay file acquired")

	return newPCMStream(src, sampleRate*outChannels*2, d.logger), nil
}

type fileSource struct {
	file        *os.File
	r           io.Reader
	buf         []byte
	inChannels  int
	outChannels int
	realtime    bool
	next        time.Time
}

func (s *fileSource) ReadPCM(ctx context.Context) ([]byte, error) {
	if s.realtime {
		if err := s.pace(ctx); err != nil {
			return nil, err
		}
	}

	n, err := io.ReadFull(s.r, s.buf)
	if errors.Is(err, io.ErrUnexpectedEOF) {
		err = io.EOF
	}
	n -= n % (s.inChannels * 2)
	return downmix(s.buf[:n], s.inChannels, s.outChannels), err
}

func (s *fileSource) pace(ctx context.Context) error {
	now := time.Now()
	if s.next.IsZero() {
		s.next = now
	}
	if wait := s.next.Sub(now); wait > 0 {
		timer := time.NewTimer(wait)
		defer timer.Stop()
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-timer.C:
		}
	}
	s.next = s.next.Add(fileReadInterval)
	return nil
}

func (s *fileSource) Close() error {
	return s.file.Close()
}

// downmix averages interleaved 16-bit samples to mono when out is 1.
// Otherwise pcm is copied unchanged.
func downmix(pcm []byte, in, out int) []byte {
	if in == out || out != 1 {
		return append([]byte(nil), pcm...)
	}
	frames := len(pcm) / (in * 2)
	mono := make([]byte, frames*2)
	for i := 0; i < frames; i++ {
		var sum int
		for ch := 0; ch < in; ch++ {
			off := (i*in + ch) * 2
			sum += int(int16(binary.LittleEndian.Uint16(pcm[off:])))
		}
		binary.LittleEndian.PutUint16(mono[i*2:], uint16(int16(sum/in)))
	}
	return mono
}
