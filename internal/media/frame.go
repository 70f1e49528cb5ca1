// Package media defines the audio frame and payload types that flow through
// the capture pipeline, the input constraints requested from a device, and
// the codec preference chain.
package media

import (
	"bytes"
	"errors"
	"strings"
	"time"
)

// Codec MIME types in preference order.
const (
	MIMEWebMOpus = "audio/webm;codecs=opus"
	MIMEWebM     = "audio/webm"
	MIMEL16      = "audio/l16"
)

// ErrEncodingUnsupported is returned when no codec in the chain is supported
// by the input stream.
var ErrEncodingUnsupported = errors.New("no supported audio encoding")

// DefaultCodecs is the codec fallback chain. Opus in WebM is preferred, plain
// WebM is the container default, raw 16-bit PCM is what native backends emit.
var DefaultCodecs = []string{MIMEWebMOpus, MIMEWebM, MIMEL16}

// Frame is one encoder-produced payload.
type Frame struct {
	Data       []byte
	MIMEType   string
	CapturedAt time.Time
}

// Size returns the frame size in bytes.
func (f Frame) Size() int {
	return len(f.Data)
}

// Payload is a merged batch of frames ready for the transport.
type Payload struct {
	Data     []byte
	MIMEType string
	Frames   int
}

// Size returns the payload size in bytes.
func (p Payload) Size() int {
	return len(p.Data)
}

// Merge concatenates frames in the given order. The payload takes the MIME
// type of the first frame. Merging zero frames yields an empty payload.
func Merge(frames []Frame) Payload {
	if len(frames) == 0 {
		return Payload{}
	}

	total := 0
	for _, f := range frames {
		total += f.Size()
	}

	var buf bytes.Buffer
	buf.Grow(total)
	for _, f := range frames {
		buf.Write(f.Data)
	}

	return Payload{
		Data:     buf.Bytes(),
		MIMEType: frames[0].MIMEType,
		Frames:   len(frames),
	}
}

// Constraints describes the input stream requested from a device.
type Constraints struct {
	Channels         int
	SampleRate       int
	SampleSize       int // bits
	EchoCancellation bool
	NoiseSuppression bool
}

// DefaultConstraints returns mono 48 kHz 16-bit with echo cancellation and
// noise suppression.
func DefaultConstraints() Constraints {
	return Constraints{
		Channels:         1,
		SampleRate:       48000,
		SampleSize:       16,
		EchoCancellation: true,
		NoiseSuppression: true,
	}
}

// SelectCodec returns the first entry of chain accepted by supported.
func SelectCodec(chain []string, supported func(mimeType string) bool) (string, error) {
	for _, mimeType := range chain {
		if supported(mimeType) {
			return mimeType, nil
		}
	}
	return "", ErrEncodingUnsupported
}

// BaseType strips MIME parameters: "audio/l16;rate=48000" -> "audio/l16".
func BaseType(mimeType string) string {
	if i := strings.IndexByte(mimeType, ';'); i >= 0 {
		mimeType = mimeType[:i]
	}
	return strings.ToLower(strings.TrimSpace(mimeType))
}
