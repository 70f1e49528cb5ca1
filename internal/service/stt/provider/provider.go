// Package provider builds the configured stt.Recognizer.
package provider

import (
	"context"
	"errors"
	"fmt"

	"google.golang.org/api/option"
	"google.golang.org/grpc"

	"ai-speech-live-capture/internal/config"
	"ai-speech-live-capture/internal/observability"
	"ai-speech-live-capture/internal/observability/metrics"
	"ai-speech-live-capture/internal/service/stt"
	"ai-speech-live-capture/internal/service/stt/google"
	"ai-speech-live-capture/internal/service/stt/mock"
	"ai-speech-live-capture/internal/service/stt/yandex"
)

const (
	Mock   = "mock"
	Google = "google"
	Yandex = "yandex"
)

var ErrUnknownProvider = errors.New("unknown stt provider")

// New returns the recognizer named by cfg.Provider. gRPC calls made by
// cloud providers are recorded on m.
func New(ctx context.Context, cfg config.STTConfig, m *metrics.Server) (stt.Recognizer, error) {
	sc := stt.Config{
		LanguageCode:  cfg.LanguageCode,
		SampleRateHz:  cfg.SampleRateHz,
		AudioEncoding: cfg.AudioEncoding,
		Model:         cfg.Model,
		UseEnhanced:   cfg.UseEnhanced,
		Punctuation:   cfg.Punctuation,
	}

	switch cfg.Provider {
	case Mock:
		return mock.New(), nil
	case Google:
		return google.New(ctx, sc,
			option.WithGRPCDialOption(grpc.WithUnaryInterceptor(observability.UnaryClientInterceptor(m))),
		)
	case Yandex:
		return yandex.New(sc, yandex.Credentials{
			Endpoint: cfg.YandexEndpoint,
			IAMToken: cfg.YandexIAMToken,
			FolderID: cfg.YandexFolderID,
		}, grpc.WithStreamInterceptor(observability.StreamClientInterceptor(m)))
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnknownProvider, cfg.Provider)
	}
}
