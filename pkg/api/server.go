package api

import (
	"crypto/tls"
	"fmt"
	"net"

	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials"
)

// Server wraps a *grpc.Server that any node role (meta, broker, journal)
// dials up with whichever service descriptors it implements — MetaService
// on meta nodes, MqttBrokerInnerService on broker nodes, and so on.
type Server struct {
	grpc *grpc.Server
}

// NewServer builds a gRPC server with the recovery and logging
// interceptors chained ahead of every handler. A nil tlsConfig serves
// in plaintext; inter-node mTLS is enabled by passing a config built
// with LoadServerTLSConfig(..., requireClientCert=true).
func NewServer(tlsConfig *tls.Config) *Server {
	opts := []grpc.ServerOption{
		grpc.ChainUnaryInterceptor(RecoveryInterceptor(), LoggingInterceptor()),
	}
	if tlsConfig != nil {
		opts = append(opts, grpc.Creds(credentials.NewTLS(tlsConfig)))
	}
	return &Server{grpc: grpc.NewServer(opts...)}
}

// RegisterService registers one RPC surface (MetaServiceDesc,
// MqttBrokerInnerServiceDesc, JournalServerInnerServiceDesc, ...) against
// this server. Call once per surface before Start.
func (s *Server) RegisterService(desc *grpc.ServiceDesc, impl interface{}) {
	s.grpc.RegisterService(desc, impl)
}

// Start listens on addr and serves until Stop is called or Serve errors.
func (s *Server) Start(addr string) error {
	lis, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("listen on %s: %w", addr, err)
	}
	return s.grpc.Serve(lis)
}

// Stop gracefully drains in-flight RPCs before shutting down.
func (s *Server) Stop() {
	s.grpc.GracefulStop()
}
