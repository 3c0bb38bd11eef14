package api

import (
	"context"
	"fmt"
	"time"

	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"

	"github.com/robustmq/robustmq/pkg/log"
)

// LoggingInterceptor logs every unary RPC's method, duration and outcome
// at debug level, and at warn level when it errors.
func LoggingInterceptor() grpc.UnaryServerInterceptor {
	logger := log.WithComponent("rpc")
	return func(ctx context.Context, req interface{}, info *grpc.UnaryServerInfo, handler grpc.UnaryHandler) (interface{}, error) {
		start := time.Now()
		resp, err := handler(ctx, req)
		elapsed := time.Since(start)

		if err != nil {
			logger.Warn().
				Str("method", info.FullMethod).
				Dur("elapsed", elapsed).
				Err(err).
				Msg("rpc failed")
			return resp, err
		}
		logger.Debug().
			Str("method", info.FullMethod).
			Dur("elapsed", elapsed).
			Msg("rpc handled")
		return resp, nil
	}
}

// RecoveryInterceptor turns a handler panic into a codes.Internal status
// instead of taking the whole node down over one bad request.
func RecoveryInterceptor() grpc.UnaryServerInterceptor {
	logger := log.WithComponent("rpc")
	return func(ctx context.Context, req interface{}, info *grpc.UnaryServerInfo, handler grpc.UnaryHandler) (resp interface{}, err error) {
		defer func() {
			if r := recover(); r != nil {
				logger.Error().
					Str("method", info.FullMethod).
					Interface("panic", r).
					Msg("rpc handler panicked")
				err = status.Error(codes.Internal, fmt.Sprintf("internal error: %v", r))
			}
		}()
		return handler(ctx, req)
	}
}
