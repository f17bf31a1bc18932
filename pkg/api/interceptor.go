package api

import (
	"context"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"google.golang.org/grpc"
)

// LoggingInterceptor logs every peer RPC with its method, duration, and
// outcome, grounded on the factory-returns-interceptor shape the
// teacher used for its read-only gate. Each call gets a fresh
// correlation id, the same uuid.New().String() the teacher used to mint
// entity ids (server.go) — this domain has no server-assigned entity ids
// for peer RPCs, so the id tags a log line instead of a record.
func LoggingInterceptor(log zerolog.Logger) grpc.UnaryServerInterceptor {
	return func(
		ctx context.Context,
		req interface{},
		info *grpc.UnaryServerInfo,
		handler grpc.UnaryHandler,
	) (interface{}, error) {
		reqID := uuid.New().String()
		start := time.Now()
		resp, err := handler(ctx, req)
		ev := log.Debug()
		if err != nil {
			ev = log.Warn().Err(err)
		}
		ev.Str("method", info.FullMethod).Str("request_id", reqID).Dur("duration", time.Since(start)).Msg("peer rpc")
		return resp, err
	}
}
