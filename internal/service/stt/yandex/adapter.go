// Package yandex provides a Yandex SpeechKit v3 recognizer.
package yandex

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"io"

	speechkit "github.com/yandex-cloud/go-genproto/yandex/cloud/ai/stt/v3"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials"
	"google.golang.org/grpc/metadata"

	"ai-speech-live-capture/internal/service/stt"
)

// DefaultEndpoint is the public SpeechKit gRPC endpoint.
const DefaultEndpoint = "stt.api.cloud.yandex.net:443"

// Credentials identifies the caller to SpeechKit.
type Credentials struct {
	Endpoint string
	IAMToken string
	FolderID string
}

// Adapter implements stt.Recognizer by opening one RecognizeStreaming
// call per payload and collecting its final results.
type Adapter struct {
	conn     *grpc.ClientConn
	client   speechkit.RecognizerClient
	creds    Credentials
	cfg      stt.Config
	ownsConn bool
}

// New dials SpeechKit over TLS. Only raw LINEAR16 audio is accepted.
func New(cfg stt.Config, creds Credentials, opts ...grpc.DialOption) (*Adapter, error) {
	if cfg.AudioEncoding != "LINEAR16" {
		return nil, fmt.Errorf("%w: yandex requires LINEAR16, got %q", stt.ErrUnsupportedEncoding, cfg.AudioEncoding)
	}
	if creds.Endpoint == "" {
		creds.Endpoint = DefaultEndpoint
	}

	dialOpts := append([]grpc.DialOption{
		grpc.WithTransportCredentials(credentials.NewTLS(&tls.Config{})),
	}, opts...)
	conn, err := grpc.NewClient(creds.Endpoint, dialOpts...)
	if err != nil {
		return nil, fmt.Errorf("connect to yandex stt: %w", err)
	}

	a := NewWithConn(conn, cfg, creds)
	a.ownsConn = true
	return a, nil
}

// NewWithConn wraps an existing connection. The caller keeps ownership of conn.
func NewWithConn(conn *grpc.ClientConn, cfg stt.Config, creds Credentials) *Adapter {
	return &Adapter{
		conn:   conn,
		client: speechkit.NewRecognizerClient(conn),
		creds:  creds,
		cfg:    cfg,
	}
}

func (a *Adapter) sessionOptions() *speechkit.StreamingRequest {
	normalization := speechkit.TextNormalizationOptions_TEXT_NORMALIZATION_DISABLED
	if a.cfg.Punctuation {
		normalization = speechkit.TextNormalizationOptions_TEXT_NORMALIZATION_ENABLED
	}

	return &speechkit.StreamingRequest{
		Event: &speechkit.StreamingRequest_SessionOptions{
			SessionOptions: &speechkit.StreamingOptions{
				RecognitionModel: &speechkit.RecognitionModelOptions{
					AudioFormat: &speechkit.AudioFormatOptions{
						AudioFormat: &speechkit.AudioFormatOptions_RawAudio{
							RawAudio: &speechkit.RawAudio{
								AudioEncoding:     speechkit.RawAudio_LINEAR16_PCM,
								SampleRateHertz:   int64(a.cfg.SampleRateHz),
								AudioChannelCount: 1,
							},
						},
					},
					TextNormalization: &speechkit.TextNormalizationOptions{
						TextNormalization: normalization,
						ProfanityFilter:   false,
					},
					LanguageRestriction: &speechkit.LanguageRestrictionOptions{
						RestrictionType: speechkit.LanguageRestrictionOptions_WHITELIST,
						LanguageCode:    []string{a.cfg.LanguageCode},
					},
					AudioProcessingType: speechkit.RecognitionModelOptions_REAL_TIME,
				},
			},
		},
	}
}

// Recognize streams audio as a single chunk, half-closes, and returns every
// non-empty final alternative in arrival order.
func (a *Adapter) Recognize(ctx context.Context, audio []byte) ([]stt.Result, error) {
	ctx = metadata.NewOutgoingContext(ctx, metadata.Pairs(
		"authorization", "Bearer "+a.creds.IAMToken,
		"x-folder-id", a.creds.FolderID,
	))

	stream, err := a.client.RecognizeStreaming(ctx)
	if err != nil {
		return nil, fmt.Errorf("open recognition stream: %w", err)
	}

	if err := stream.Send(a.sessionOptions()); err != nil {
		return nil, fmt.Errorf("send session options: %w", err)
	}
	if err := stream.Send(&speechkit.StreamingRequest{
		Event: &speechkit.StreamingRequest_Chunk{
			Chunk: &speechkit.AudioChunk{Data: audio},
		},
	}); err != nil {
		return nil, fmt.Errorf("send audio chunk: %w", err)
	}
	if err := stream.CloseSend(); err != nil {
		return nil, fmt.Errorf("close send: %w", err)
	}

	var results []stt.Result
	for {
		resp, err := stream.Recv()
		if errors.Is(err, io.EOF) {
			return results, nil
		}
		if err != nil {
			return results, fmt.Errorf("receive results: %w", err)
		}

		for _, alt := range resp.GetFinal().GetAlternatives() {
			if alt.GetText() == "" {
				continue
			}
			results = append(results, stt.Result{
				Transcript: alt.GetText(),
				Confidence: alt.GetConfidence(),
			})
		}
	}
}

// Close closes the connection if the adapter dialed it.
func (a *Adapter) Close() error {
	if !a.ownsConn {
		return nil
	}
	return a.conn.Close()
}
