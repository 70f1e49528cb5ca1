// Package mock provides a mock recognizer for running the server without
// cloud credentials. Each non-empty payload yields the next canned utterance.
package mock

import (
	"context"
	"sync"
	"time"

	"ai-speech-live-capture/internal/service/stt"
)

// SimulatedUtterance is one canned recognition result.
type SimulatedUtterance struct {
	Text       string
	Confidence float64
}

// DefaultUtterances provides sample utterances for simulation.
var DefaultUtterances = []SimulatedUtterance{
	{Text: "Hola, buenos días", Confidence: 0.94},
	{Text: "quería saber el estado de mi pedido", Confidence: 0.91},
	{Text: "sí, por favor", Confidence: 0.97},
	{Text: "muchas gracias", Confidence: 0.98},
}

// Adapter implements stt.Recognizer with canned responses.
type Adapter struct {
	utterances []SimulatedUtterance
	delay      time.Duration

	mu     sync.Mutex
	next   int
	closed bool
}

// Option configures an Adapter.
type Option func(*Adapter)

// WithUtterances replaces the canned utterances.
func WithUtterances(u []SimulatedUtterance) Option {
	return func(a *Adapter) { a.utterances = u }
}

// WithDelay simulates recognition latency.
func WithDelay(d time.Duration) Option {
	return func(a *Adapter) { a.delay = d }
}

// New creates a new mock recognizer.
func New(opts ...Option) *Adapter {
	a := &Adapter{utterances: DefaultUtterances}
	for _, opt := range opts {
		opt(a)
	}
	return a
}

// Recognize returns the next utterance, cycling through the list.
// Empty audio or a closed adapter yields no results.
func (a *Adapter) Recognize(ctx context.Context, audio []byte) ([]stt.Result, error) {
	if a.delay > 0 {
		t := time.NewTimer(a.delay)
		defer t.Stop()
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-t.C:
		}
	}

	a.mu.Lock()
	defer a.mu.Unlock()

	if a.closed || len(audio) == 0 || len(a.utterances) == 0 {
		return nil, nil
	}

	u := a.utterances[a.next%len(a.utterances)]
	a.next++
	return []stt.Result{{Transcript: u.Text, Confidence: u.Confidence}}, nil
}

// Close stops the adapter from producing further results.
func (a *Adapter) Close() error {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.closed = true
	return nil
}
