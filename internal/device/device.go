// Package device provides audio input streams and the encoder that turns
// their samples into timesliced frames.
package device

import (
	"context"
	"errors"
	"time"

	"ai-speech-live-capture/internal/media"
)

// ErrDeviceUnavailable is returned when an input cannot be acquired: no
// device, access denied, or an unreadable source file.
var ErrDeviceUnavailable = errors.New("audio input device unavailable")

// EncoderOptions configures the encoder started on a stream.
type EncoderOptions struct {
	MIMEType      string
	BitsPerSecond int
	Timeslice     time.Duration
}

// Device acquires input streams.
type Device interface {
	Acquire(ctx context.Context, constraints media.Constraints) (Stream, error)
}

// Stream is an acquired input with an attachable encoder.
//
// Start returns once the encoder runs; emit is then called from the encoder
// goroutine with one frame per timeslice. Stop halts the encoder and waits
// for it to exit. Release gives the input back and must be called once the
// stream is no longer needed.
type Stream interface {
	Supports(mimeType string) bool
	Start(ctx context.Context, opts EncoderOptions, emit func(media.Frame)) error
	Stop() error
	Release() error
	// Done is closed when the encoder exits, either stopped or at end of input.
	Done() <-chan struct{}
}
