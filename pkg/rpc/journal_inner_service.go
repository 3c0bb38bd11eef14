package rpc

import (
	"context"

	"google.golang.org/grpc"
)

// JournalServerInnerServer implements JournalServerInnerService: the meta
// service pushes shard/segment catalog invalidations here so a journal
// node's local shard cache (which segment is active, which are sealed)
// stays converged without polling meta on every append.
type JournalServerInnerServer struct {
	NodeID string
	Sink   CacheSink
}

func (s *JournalServerInnerServer) UpdateCache(ctx context.Context, req *UpdateCacheRequest) (*UpdateCacheResponse, error) {
	if s.Sink != nil {
		if err := s.Sink.ApplyCacheUpdate(req.Action, req.ResourceType, req.ClusterName, req.Key, req.Data); err != nil {
			return nil, err
		}
	}
	return &UpdateCacheResponse{}, nil
}

var JournalServerInnerServiceDesc = grpc.ServiceDesc{
	ServiceName: "robustmq.journal.JournalServerInnerService",
	HandlerType: (*JournalServerInnerServer)(nil),
	Methods: []grpc.MethodDesc{
		unaryMethod("UpdateCache", func(s *JournalServerInnerServer, ctx context.Context, req *UpdateCacheRequest) (interface{}, error) {
			return s.UpdateCache(ctx, req)
		}),
	},
	Metadata: "robustmq/journal_inner_service.proto",
}
