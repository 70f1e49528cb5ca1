// Package buffer holds admitted audio frames until they are worth a network
// message, then merges and hands them to the transport.
package buffer

import (
	"context"
	"fmt"

	"github.com/rs/zerolog"

	"ai-speech-live-capture/internal/media"
	"ai-speech-live-capture/internal/observability/metrics"
)

// DefaultHighWater is the accumulated size that triggers a flush.
const DefaultHighWater = 75000

// Sender submits one merged payload.
type Sender interface {
	Send(ctx context.Context, payload media.Payload) error
}

// StreamBuffer accumulates frames under a byte high-water mark.
//
// It is not safe for concurrent use; the capture session event loop is its
// only caller. A flush always leaves the batch empty, whether or not the
// sender accepted the payload, so delivery is at most once.
type StreamBuffer struct {
	sender    Sender
	highWater int
	frames    []media.Frame
	size      int

	metrics *metrics.Client
	logger  zerolog.Logger
}

// Option configures a StreamBuffer.
type Option func(*StreamBuffer)

// WithMetrics overrides the metrics instance.
func WithMetrics(m *metrics.Client) Option {
	return func(b *StreamBuffer) { b.metrics = m }
}

// WithLogger overrides the logger.
func WithLogger(l zerolog.Logger) Option {
	return func(b *StreamBuffer) { b.logger = l }
}

// New creates a buffer flushing to sender once highWater bytes are pending.
// A non-positive highWater uses DefaultHighWater.
func New(sender Sender, highWater int, opts ...Option) *StreamBuffer {
	if highWater <= 0 {
		highWater = DefaultHighWater
	}
	b := &StreamBuffer{
		sender:    sender,
		highWater: highWater,
		metrics:   metrics.DefaultClient,
		logger:    zerolog.Nop(),
	}
	for _, opt := range opts {
		opt(b)
	}
	return b
}

// Admit appends a frame. When the accumulated size reaches the high-water
// mark the batch is flushed before Admit returns, and any flush error is
// returned. A frame whose MIME type differs from the batch closes the batch
// first, so a payload never mixes codecs.
func (b *StreamBuffer) Admit(ctx context.Context, frame media.Frame) error {
	var mixErr error
	if len(b.frames) > 0 && b.frames[0].MIMEType != frame.MIMEType {
		b.logger.Warn().
			Str("batchMime", b.frames[0].MIMEType).
			Str("frameMime", frame.MIMEType).
			Msg("Codec changed mid-batch, flushing")
		mixErr = b.Flush(ctx)
	}

	b.frames = append(b.frames, frame)
	b.size += frame.Size()
	b.metrics.RecordAdmitted(b.size)

	b.logger.Debug().
		Int("frameBytes", frame.Size()).
		Int("pendingBytes", b.size).
		Int("pendingFrames", len(b.frames)).
		Msg("Frame admitted")

	if b.size >= b.highWater {
		if err := b.Flush(ctx); err != nil {
			return err
		}
	}
	return mixErr
}

// Flush merges the pending frames in arrival order and submits them. It is a
// no-op on an empty batch. The batch is cleared even when submission fails.
func (b *StreamBuffer) Flush(ctx context.Context) error {
	if len(b.frames) == 0 {
		return nil
	}

	payload := media.Merge(b.frames)
	b.frames = nil
	b.size = 0

	err := b.sender.Send(ctx, payload)
	b.metrics.RecordFlush(payload.Size(), err)
	if err != nil {
		b.logger.Warn().
			Err(err).
			Int("payloadBytes", payload.Size()).
			Int("frames", payload.Frames).
			Msg("Flush failed, batch discarded")
		return fmt.Errorf("flush %d bytes: %w", payload.Size(), err)
	}

	b.logger.Debug().
		Int("payloadBytes", payload.Size()).
		Int("frames", payload.Frames).
		Str("mime", payload.MIMEType).
		Msg("Batch flushed")
	return nil
}

// Len returns the number of pending frames.
func (b *StreamBuffer) Len() int {
	return len(b.frames)
}

// Size returns the number of pending bytes.
func (b *StreamBuffer) Size() int {
	return b.size
}
