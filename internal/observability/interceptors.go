package observability

import (
	"context"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"google.golang.org/grpc"
	"google.golang.org/grpc/metadata"
	"google.golang.org/grpc/status"

	"realtime-pronunciation-service/internal/observability/metrics"
)

// SessionMetadataKey is the incoming metadata key naming the session a call
// belongs to.
const SessionMetadataKey = "x-session-id"

// sessionFromContext returns the session id from incoming metadata, or "".
func sessionFromContext(ctx context.Context) string {
	md, ok := metadata.FromIncomingContext(ctx)
	if !ok {
		return ""
	}
	if vals := md.Get(SessionMetadataKey); len(vals) > 0 {
		return vals[0]
	}
	return ""
}

// callLogger tags a logger with the call's session when one is present.
func callLogger(ctx context.Context, method string) zerolog.Logger {
	c := log.With().Str("method", method)
	if id := sessionFromContext(ctx); id != "" {
		c = c.Str("sessionId", id)
	}
	return c.Logger()
}

// UnaryServerInterceptor records RPC metrics and logs each unary call with
// its session id.
func UnaryServerInterceptor(m *metrics.Metrics) grpc.UnaryServerInterceptor {
	return func(
		ctx context.Context,
		req any,
		info *grpc.UnaryServerInfo,
		handler grpc.UnaryHandler,
	) (any, error) {
		start := time.Now()

		resp, err := handler(ctx, req)

		code := status.Code(err).String()
		m.RecordRPC(info.FullMethod, code)

		logger := callLogger(ctx, info.FullMethod)
		logger.Debug().
			Str("code", code).
			Dur("duration", time.Since(start)).
			Msg("gRPC unary call")

		return resp, err
	}
}

// audioStream counts the chunks and bytes a client sends on an audio stream.
type audioStream struct {
	grpc.ServerStream
	chunks int
	bytes  int
}

type byteSized interface {
	GetValue() []byte
}

func (s *audioStream) RecvMsg(msg any) error {
	if err := s.ServerStream.RecvMsg(msg); err != nil {
		return err
	}
	s.chunks++
	if b, ok := msg.(byteSized); ok {
		s.bytes += len(b.GetValue())
	}
	return nil
}

// StreamServerInterceptor tracks active audio streams and logs each stream
// on completion with its session id and the audio it carried.
func StreamServerInterceptor(m *metrics.Metrics) grpc.StreamServerInterceptor {
	return func(
		srv any,
		ss grpc.ServerStream,
		info *grpc.StreamServerInfo,
		handler grpc.StreamHandler,
	) error {
		start := time.Now()
		m.RecordStreamStart()

		wrapped := &audioStream{ServerStream: ss}
		err := handler(srv, wrapped)

		m.RecordStreamEnd()
		code := status.Code(err).String()
		m.RecordRPC(info.FullMethod, code)

		logger := callLogger(ss.Context(), info.FullMethod)
		logger.Info().
			Str("code", code).
			Int("chunks", wrapped.chunks).
			Int("bytes", wrapped.bytes).
			Dur("duration", time.Since(start)).
			Msg("Audio stream completed")

		return err
	}
}
