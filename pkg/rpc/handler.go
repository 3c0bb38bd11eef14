package rpc

import (
	"context"

	"google.golang.org/grpc"
)

// unaryMethod builds a grpc.MethodDesc from a typed handler function,
// the same shape protoc-gen-go-grpc emits per RPC method — decoding the
// request through grpc's codec (jsonCodec here, selected by content
// subtype) and running any configured unary interceptor chain.
func unaryMethod[S, Req any](name string, fn func(s *S, ctx context.Context, req *Req) (interface{}, error)) grpc.MethodDesc {
	return grpc.MethodDesc{
		MethodName: name,
		Handler: func(srv interface{}, ctx context.Context, dec func(interface{}) error, interceptor grpc.UnaryServerInterceptor) (interface{}, error) {
			req := new(Req)
			if err := dec(req); err != nil {
				return nil, err
			}
			s := srv.(*S)
			if interceptor == nil {
				resp, err := fn(s, ctx, req)
				return resp, toStatusError(err)
			}
			info := &grpc.UnaryServerInfo{Server: s, FullMethod: name}
			handler := func(ctx context.Context, reqIface interface{}) (interface{}, error) {
				resp, err := fn(s, ctx, reqIface.(*Req))
				return resp, toStatusError(err)
			}
			return interceptor(ctx, req, info, handler)
		},
	}
}
