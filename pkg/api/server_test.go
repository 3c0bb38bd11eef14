package api

import (
	"context"
	"net"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"

	"github.com/robustmq/robustmq/pkg/rpc"
)

type echoServer struct{}

func (echoServer) Status(ctx context.Context, req *rpc.StatusRequest) (*rpc.StatusResponse, error) {
	return &rpc.StatusResponse{NodeID: "test-node"}, nil
}

var echoServiceDesc = grpc.ServiceDesc{
	ServiceName: "robustmq.test.Echo",
	HandlerType: (*echoServer)(nil),
	Methods: []grpc.MethodDesc{
		{
			MethodName: "Status",
			Handler: func(srv interface{}, ctx context.Context, dec func(interface{}) error, _ grpc.UnaryServerInterceptor) (interface{}, error) {
				req := new(rpc.StatusRequest)
				if err := dec(req); err != nil {
					return nil, err
				}
				return srv.(echoServer).Status(ctx, req)
			},
		},
	},
}

func TestServerServesRegisteredService(t *testing.T) {
	lis, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	addr := lis.Addr().String()
	require.NoError(t, lis.Close())

	srv := NewServer(nil)
	srv.RegisterService(&echoServiceDesc, echoServer{})

	errCh := make(chan error, 1)
	go func() { errCh <- srv.Start(addr) }()
	t.Cleanup(srv.Stop)

	var conn *grpc.ClientConn
	require.Eventually(t, func() bool {
		c, dialErr := grpc.NewClient(addr,
			grpc.WithTransportCredentials(insecure.NewCredentials()),
			grpc.WithDefaultCallOptions(grpc.CallContentSubtype(rpc.CodecName)),
		)
		if dialErr != nil {
			return false
		}
		conn = c
		return true
	}, time.Second, 10*time.Millisecond)
	require.NotNil(t, conn)
	defer conn.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	resp := &rpc.StatusResponse{}
	require.Eventually(t, func() bool {
		return conn.Invoke(ctx, "/robustmq.test.Echo/Status", &rpc.StatusRequest{}, resp) == nil
	}, time.Second, 10*time.Millisecond)
	require.Equal(t, "test-node", resp.NodeID)
}
