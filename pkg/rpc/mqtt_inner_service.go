package rpc

import (
	"context"
	"encoding/json"

	"google.golang.org/grpc"
)

// CacheSink receives a cache-invalidation push forwarded by InnerCallFanout
// and applies it to whatever local cache the node keeps (BrokerCache for
// the MQTT service, the shard/segment lookup cache for the journal
// service). Implemented outside this package so rpc stays free of any
// broker/journal-specific type.
type CacheSink interface {
	ApplyCacheUpdate(action, resourceType, clusterName, key string, data json.RawMessage) error
}

// UpdateCacheRequest is the message InnerCallFanout's worker sends to a
// node's inner service for one CacheInvalidation event.
type UpdateCacheRequest struct {
	Action       string          `json:"action"`
	ResourceType string          `json:"resource_type"`
	ClusterName  string          `json:"cluster_name"`
	Key          string          `json:"key"`
	Data         json.RawMessage `json:"data,omitempty"`
}

type UpdateCacheResponse struct{}

type ClusterStatusRequest struct{}

type ClusterStatusResponse struct {
	NodeID      string `json:"node_id"`
	ClusterName string `json:"cluster_name"`
	Healthy     bool   `json:"healthy"`
}

// MqttBrokerInnerServer implements MqttBrokerInnerService: the meta
// service pushes cache invalidations here, and polls cluster status.
type MqttBrokerInnerServer struct {
	NodeID      string
	ClusterName string
	Sink        CacheSink
}

func (s *MqttBrokerInnerServer) UpdateCache(ctx context.Context, req *UpdateCacheRequest) (*UpdateCacheResponse, error) {
	if s.Sink != nil {
		if err := s.Sink.ApplyCacheUpdate(req.Action, req.ResourceType, req.ClusterName, req.Key, req.Data); err != nil {
			return nil, err
		}
	}
	return &UpdateCacheResponse{}, nil
}

func (s *MqttBrokerInnerServer) ClusterStatus(ctx context.Context, req *ClusterStatusRequest) (*ClusterStatusResponse, error) {
	return &ClusterStatusResponse{NodeID: s.NodeID, ClusterName: s.ClusterName, Healthy: true}, nil
}

var MqttBrokerInnerServiceDesc = grpc.ServiceDesc{
	ServiceName: "robustmq.mqtt.MqttBrokerInnerService",
	HandlerType: (*MqttBrokerInnerServer)(nil),
	Methods: []grpc.MethodDesc{
		unaryMethod("UpdateCache", func(s *MqttBrokerInnerServer, ctx context.Context, req *UpdateCacheRequest) (interface{}, error) {
			return s.UpdateCache(ctx, req)
		}),
		unaryMethod("ClusterStatus", func(s *MqttBrokerInnerServer, ctx context.Context, req *ClusterStatusRequest) (interface{}, error) {
			return s.ClusterStatus(ctx, req)
		}),
	},
	Metadata: "robustmq/mqtt_inner_service.proto",
}
