// Package observability provides gRPC client interceptors for metrics and
// logging, and the metrics HTTP server.
package observability

import (
	"context"
	"time"

	"github.com/rs/zerolog/log"
	"google.golang.org/grpc"
	"google.golang.org/grpc/status"

	"ai-speech-live-capture/internal/observability/metrics"
)

// UnaryClientInterceptor returns a gRPC unary client interceptor recording
// every outbound recognizer call.
func UnaryClientInterceptor(m *metrics.Server) grpc.UnaryClientInterceptor {
	return func(
		ctx context.Context,
		method string,
		req, reply any,
		cc *grpc.ClientConn,
		invoker grpc.UnaryInvoker,
		opts ...grpc.CallOption,
	) error {
		start := time.Now()

		err := invoker(ctx, method, req, reply, cc, opts...)

		st, _ := status.FromError(err)
		m.RecordGRPCCall(method, st.Code().String())

		log.Debug().
			Str("method", method).
			Str("code", st.Code().String()).
			Dur("duration", time.Since(start)).
			Msg("gRPC unary call")

		return err
	}
}

// StreamClientInterceptor returns a gRPC stream client interceptor
// recording stream creation.
func StreamClientInterceptor(m *metrics.Server) grpc.StreamClientInterceptor {
	return func(
		ctx context.Context,
		desc *grpc.StreamDesc,
		cc *grpc.ClientConn,
		method string,
		streamer grpc.Streamer,
		opts ...grpc.CallOption,
	) (grpc.ClientStream, error) {
		cs, err := streamer(ctx, desc, cc, method, opts...)

		st, _ := status.FromError(err)
		m.RecordGRPCCall(method, st.Code().String())

		log.Debug().
			Str("method", method).
			Str("code", st.Code().String()).
			Msg("gRPC stream opened")

		return cs, err
	}
}
