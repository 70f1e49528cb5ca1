// Package google provides a Google Cloud Speech-to-Text recognizer.
package google

import (
	"context"
	"fmt"

	speech "cloud.google.com/go/speech/apiv1"
	speechpb "cloud.google.com/go/speech/apiv1/speechpb"
	"google.golang.org/api/option"

	"ai-speech-live-capture/internal/service/stt"
)

// Adapter implements stt.Recognizer with synchronous Recognize calls.
type Adapter struct {
	client *speech.Client
	config *speechpb.RecognitionConfig
}

// DefaultConfig returns the recognition settings used when none are given.
func DefaultConfig() stt.Config {
	return stt.DefaultConfig()
}

// New creates a Google recognizer.
// Without explicit options GOOGLE_APPLICATION_CREDENTIALS must be set.
func New(ctx context.Context, cfg stt.Config, opts ...option.ClientOption) (*Adapter, error) {
	c, err := speech.NewClient(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("create speech client: %w", err)
	}
	return &Adapter{client: c, config: recognitionConfig(cfg)}, nil
}

// recognitionConfig maps shared settings onto a mono RecognitionConfig.
func recognitionConfig(cfg stt.Config) *speechpb.RecognitionConfig {
	return &speechpb.RecognitionConfig{
		Encoding:                   parseAudioEncoding(cfg.AudioEncoding),
		SampleRateHertz:            int32(cfg.SampleRateHz),
		LanguageCode:               cfg.LanguageCode,
		EnableAutomaticPunctuation: cfg.Punctuation,
		Model:                      cfg.Model,
		UseEnhanced:                cfg.UseEnhanced,
		AudioChannelCount:          1,
		ProfanityFilter:            false,
	}
}

// parseAudioEncoding converts a config string to the Google encoding enum.
// Unknown values fall back to LINEAR16.
func parseAudioEncoding(encoding string) speechpb.RecognitionConfig_AudioEncoding {
	switch encoding {
	case "LINEAR16":
		return speechpb.RecognitionConfig_LINEAR16
	case "FLAC":
		return speechpb.RecognitionConfig_FLAC
	case "MULAW":
		return speechpb.RecognitionConfig_MULAW
	case "AMR":
		return speechpb.RecognitionConfig_AMR
	case "AMR_WB":
		return speechpb.RecognitionConfig_AMR_WB
	case "SPEEX_WITH_HEADER_BYTE":
		return speechpb.RecognitionConfig_SPEEX_WITH_HEADER_BYTE
	case "OGG_OPUS":
		return speechpb.RecognitionConfig_OGG_OPUS
	case "WEBM_OPUS":
		return speechpb.RecognitionConfig_WEBM_OPUS
	default:
		return speechpb.RecognitionConfig_LINEAR16
	}
}

// Recognize sends audio in a single request and returns the first
// alternative of every result.
func (a *Adapter) Recognize(ctx context.Context, audio []byte) ([]stt.Result, error) {
	resp, err := a.client.Recognize(ctx, &speechpb.RecognizeRequest{
		Config: a.config,
		Audio: &speechpb.RecognitionAudio{
			AudioSource: &speechpb.RecognitionAudio_Content{Content: audio},
		},
	})
	if err != nil {
		return nil, err
	}

	var results []stt.Result
	for _, r := range resp.GetResults() {
		if len(r.GetAlternatives()) == 0 {
			continue
		}
		alt := r.GetAlternatives()[0]
		results = append(results, stt.Result{
			Transcript: alt.GetTranscript(),
			Confidence: float64(alt.GetConfidence()),
		})
	}
	return results, nil
}

// Close closes the speech client.
func (a *Adapter) Close() error {
	return a.client.Close()
}
