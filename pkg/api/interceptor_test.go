package api

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/require"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
)

func TestLoggingInterceptorPassesThroughSuccess(t *testing.T) {
	interceptor := LoggingInterceptor()
	info := &grpc.UnaryServerInfo{FullMethod: "/robustmq.test.Svc/Method"}

	resp, err := interceptor(context.Background(), "req", info, func(ctx context.Context, req interface{}) (interface{}, error) {
		return "ok", nil
	})

	require.NoError(t, err)
	require.Equal(t, "ok", resp)
}

func TestLoggingInterceptorPassesThroughError(t *testing.T) {
	interceptor := LoggingInterceptor()
	info := &grpc.UnaryServerInfo{FullMethod: "/robustmq.test.Svc/Method"}
	wantErr := errors.New("boom")

	_, err := interceptor(context.Background(), "req", info, func(ctx context.Context, req interface{}) (interface{}, error) {
		return nil, wantErr
	})

	require.ErrorIs(t, err, wantErr)
}

func TestRecoveryInterceptorConvertsPanicToInternalStatus(t *testing.T) {
	interceptor := RecoveryInterceptor()
	info := &grpc.UnaryServerInfo{FullMethod: "/robustmq.test.Svc/Method"}

	_, err := interceptor(context.Background(), "req", info, func(ctx context.Context, req interface{}) (interface{}, error) {
		panic("handler exploded")
	})

	require.Error(t, err)
	st, ok := status.FromError(err)
	require.True(t, ok)
	require.Equal(t, codes.Internal, st.Code())
}

func TestRecoveryInterceptorPassesThroughNormalReturn(t *testing.T) {
	interceptor := RecoveryInterceptor()
	info := &grpc.UnaryServerInfo{FullMethod: "/robustmq.test.Svc/Method"}

	resp, err := interceptor(context.Background(), "req", info, func(ctx context.Context, req interface{}) (interface{}, error) {
		return "fine", nil
	})

	require.NoError(t, err)
	require.Equal(t, "fine", resp)
}
