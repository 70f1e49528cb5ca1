// Package stt defines the interface for Speech-to-Text recognizers.
package stt

import (
	"context"
	"errors"
)

// ErrUnsupportedEncoding is returned when a provider cannot decode the
// configured audio encoding.
var ErrUnsupportedEncoding = errors.New("audio encoding not supported by provider")

// Result is the best alternative for one recognized span of audio.
type Result struct {
	Transcript string
	Confidence float64
}

// Recognizer transcribes one self-contained audio payload at a time
// (Google, Yandex, mock).
type Recognizer interface {
	// Recognize blocks until the provider returns results for audio.
	// An empty slice means nothing was recognized.
	Recognize(ctx context.Context, audio []byte) ([]Result, error)

	// Close releases the provider connection.
	Close() error
}

// Config holds recognition settings shared by all providers.
type Config struct {
	LanguageCode  string
	SampleRateHz  int
	AudioEncoding string // WEBM_OPUS, LINEAR16, ...
	Model         string
	UseEnhanced   bool
	Punctuation   bool
}

// DefaultConfig returns settings for 48 kHz mono Opus-in-WebM speech in
// Spanish.
func DefaultConfig() Config {
	return Config{
		LanguageCode:  "es-ES",
		SampleRateHz:  48000,
		AudioEncoding: "WEBM_OPUS",
		Model:         "default",
		UseEnhanced:   true,
		Punctuation:   true,
	}
}
