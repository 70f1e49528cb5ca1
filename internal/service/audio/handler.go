// Package audio provides the chunk handler that coordinates between the
// recognizer, the client connection, and the event publisher.
package audio

import (
	"context"
	"fmt"
	"strings"
	"time"

	"ai-speech-live-capture/internal/models"
	"ai-speech-live-capture/internal/observability/logging"
	"ai-speech-live-capture/internal/observability/metrics"
	"ai-speech-live-capture/internal/schema"
	"ai-speech-live-capture/internal/service/segment"
	"ai-speech-live-capture/internal/service/stt"
)

// Skip reasons recorded on the chunks-skipped counter.
const (
	SkipTooSmall = "too_small"
	SkipTooLarge = "too_large"
)

// Sender writes one text message back to the originating client.
type Sender interface {
	SendText(ctx context.Context, text string) error
}

// Publisher publishes transcript fragment events.
type Publisher interface {
	PublishFragment(ctx context.Context, key string, event any) error
}

// Validator checks events before they are published.
type Validator interface {
	Validate(event any) error
}

// Limits bounds the chunk sizes passed to the recognizer.
type Limits struct {
	MinChunkBytes int // chunks below this are skipped
	MaxChunkBytes int // 0 disables the upper bound
}

// DefaultLimits returns sensible default limits.
func DefaultLimits() Limits {
	return Limits{
		MinChunkBytes: 100,
		MaxChunkBytes: 10 * 1024 * 1024, // 10MB
	}
}

// Handler transcribes each received chunk independently.
type Handler struct {
	recognizer stt.Recognizer
	provider   string
	publisher  Publisher
	validator  Validator
	chunks     *segment.Generator
	limits     Limits
	timeout    time.Duration
	metrics    *metrics.Server
	now        func() time.Time
}

// Option configures a Handler.
type Option func(*Handler)

// WithLimits replaces the default chunk size bounds.
func WithLimits(l Limits) Option {
	return func(h *Handler) { h.limits = l }
}

// WithTimeout bounds each recognizer call. Zero leaves only the caller's context.
func WithTimeout(d time.Duration) Option {
	return func(h *Handler) { h.timeout = d }
}

// WithMetrics records handler metrics on m instead of the default server.
func WithMetrics(m *metrics.Server) Option {
	return func(h *Handler) { h.metrics = m }
}

// WithValidator replaces the transcript event schema validator.
func WithValidator(v Validator) Option {
	return func(h *Handler) { h.validator = v }
}

// WithGenerator replaces the per-client chunk ID generator.
func WithGenerator(g *segment.Generator) Option {
	return func(h *Handler) { h.chunks = g }
}

// NewHandler creates a chunk handler for the named recognizer provider.
func NewHandler(recognizer stt.Recognizer, provider string, publisher Publisher, opts ...Option) *Handler {
	h := &Handler{
		recognizer: recognizer,
		provider:   provider,
		publisher:  publisher,
		validator:  schema.New(),
		chunks:     segment.New(),
		limits:     DefaultLimits(),
		metrics:    metrics.DefaultServer,
		now:        time.Now,
	}
	for _, opt := range opts {
		opt(h)
	}
	return h
}

// HandleChunk recognizes one binary chunk from clientID and writes every
// non-empty transcript back through reply, in result order. Recognizer
// failures are reported to the client as "API Error: ..." text. The
// returned error is non-nil only when reply itself fails.
func (h *Handler) HandleChunk(ctx context.Context, clientID string, audio []byte, reply Sender) error {
	size := len(audio)
	h.metrics.RecordAudioReceived(size)

	if size < h.limits.MinChunkBytes {
		h.metrics.RecordChunkSkipped(SkipTooSmall)
		logger := logging.WithClient(clientID)
		logger.Debug().Int("bytes", size).Msg("Chunk too small, skipped")
		return nil
	}
	if h.limits.MaxChunkBytes > 0 && size > h.limits.MaxChunkBytes {
		h.metrics.RecordChunkSkipped(SkipTooLarge)
		logger := logging.WithClient(clientID)
		logger.Warn().Int("bytes", size).Msg("Chunk too large, skipped")
		return nil
	}

	chunkID := h.chunks.Next(clientID)
	logger := logging.WithChunk(clientID, chunkID)

	rctx := ctx
	if h.timeout > 0 {
		var cancel context.CancelFunc
		rctx, cancel = context.WithTimeout(ctx, h.timeout)
		defer cancel()
	}

	start := h.now()
	results, err := h.recognizer.Recognize(rctx, audio)
	h.metrics.RecordRecognition(h.provider, err, len(results), time.Since(start).Seconds())

	if err != nil {
		logger.Error().Err(err).Int("bytes", size).Msg("Recognition failed")
		if sendErr := reply.SendText(ctx, "API Error: "+err.Error()); sendErr != nil {
			return fmt.Errorf("report recognition error: %w", sendErr)
		}
		return nil
	}

	logger.Debug().Int("bytes", size).Int("results", len(results)).Msg("Chunk recognized")

	for _, r := range results {
		if strings.TrimSpace(r.Transcript) == "" {
			continue
		}
		if err := reply.SendText(ctx, r.Transcript); err != nil {
			return fmt.Errorf("send transcript: %w", err)
		}
		h.metrics.RecordTranscriptSent()
		h.publish(ctx, clientID, chunkID, size, r)
	}
	return nil
}

func (h *Handler) publish(ctx context.Context, clientID, chunkID string, size int, r stt.Result) {
	if h.publisher == nil {
		return
	}

	ev := models.TranscriptFragment{
		EventType:  models.EventTypeFragment,
		ClientID:   clientID,
		ChunkID:    chunkID,
		Timestamp:  h.now().UnixMilli(),
		Text:       r.Transcript,
		Confidence: r.Confidence,
		Provider:   h.provider,
		AudioBytes: size,
	}

	logger := logging.WithChunk(clientID, chunkID)
	if h.validator != nil {
		if err := h.validator.Validate(ev); err != nil {
			logger.Warn().Err(err).Msg("Fragment failed validation, not published")
			return
		}
	}
	if err := h.publisher.PublishFragment(ctx, clientID, ev); err != nil {
		logger.Error().Err(err).Msg("Failed to publish fragment")
	}
}
