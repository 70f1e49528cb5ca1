// Package schema validates outbound events before they are published.
package schema

import (
	"errors"
	"fmt"
	"math"
	"strings"

	"github.com/rs/zerolog/log"

	"ai-speech-live-capture/internal/models"
)

var (
	ErrInvalidEvent = errors.New("invalid event")
	ErrUnknownEvent = errors.New("unknown event type")
)

type Validator struct{}

func New() *Validator {
	return &Validator{}
}

// Validate checks required fields of a known event type.
func (v *Validator) Validate(event any) error {
	var err error
	switch e := event.(type) {
	case models.TranscriptFragment:
		err = validateFragment(&e)
	case *models.TranscriptFragment:
		if e == nil {
			return fmt.Errorf("%w: nil fragment", ErrInvalidEvent)
		}
		err = validateFragment(e)
	default:
		return fmt.Errorf("%w: %T", ErrUnknownEvent, event)
	}

	if err != nil {
		return err
	}
	log.Debug().Type("event", event).Msg("schema validated")
	return nil
}

func validateFragment(f *models.TranscriptFragment) error {
	var problems []string
	if f.EventType != models.EventTypeFragment {
		problems = append(problems, fmt.Sprintf("eventType %q", f.EventType))
	}
	if f.ClientID == "" {
		problems = append(problems, "clientId empty")
	}
	if f.ChunkID == "" {
		problems = append(problems, "chunkId empty")
	}
	if strings.TrimSpace(f.Text) == "" {
		problems = append(problems, "text empty")
	}
	if f.Timestamp <= 0 {
		problems = append(problems, "timestamp not set")
	}
	if math.IsNaN(f.Confidence) || f.Confidence < 0 || f.Confidence > 1 {
		problems = append(problems, fmt.Sprintf("confidence %v out of range", f.Confidence))
	}
	if f.AudioBytes < 0 {
		problems = append(problems, "audioBytes negative")
	}

	if len(problems) > 0 {
		return fmt.Errorf("%w: %s", ErrInvalidEvent, strings.Join(problems, ", "))
	}
	return nil
}
