package rpc

import (
	"context"
	"encoding/json"

	"google.golang.org/grpc"

	"github.com/robustmq/robustmq/pkg/errs"
	"github.com/robustmq/robustmq/pkg/raftmeta"
	"github.com/robustmq/robustmq/pkg/types"
)

// NodeLifecycle is notified after a node register/unregister commits
// through Raft, so the caller can keep InnerCallFanout's fanout targets
// in sync without MetaServer depending on pkg/client directly (pkg/client
// already depends on pkg/rpc for the RPC message types).
type NodeLifecycle interface {
	NodeRegistered(node types.Node)
	NodeUnregistered(clusterName, nodeID string)
}

// MetaServer implements MetaService: cluster status, node lifecycle,
// shard/segment catalog CRUD, resource-config CRUD, offset save/get and
// schema CRUD, every write routed through the owning Raft node's Propose.
type MetaServer struct {
	Node *raftmeta.Node

	// Lifecycle may be nil; when set it is called after every successful
	// NodeRegister/NodeUnregister commit.
	Lifecycle NodeLifecycle
}

// --- messages ---------------------------------------------------------

type StatusRequest struct{}

type StatusResponse struct {
	NodeID   string `json:"node_id"`
	IsLeader bool   `json:"is_leader"`
	Leader   string `json:"leader_addr"`
}

type NodeRegisterRequest struct {
	Node types.Node `json:"node"`
}

type NodeRegisterResponse struct{}

type NodeUnregisterRequest struct {
	ClusterName string `json:"cluster_name"`
	NodeID      string `json:"node_id"`
}

type NodeUnregisterResponse struct{}

type HeartbeatRequest struct {
	Node types.Node `json:"node"`
}

type HeartbeatResponse struct{}

type ShardCreateRequest struct {
	Shard types.Shard `json:"shard"`
}

type ShardCreateResponse struct{}

type ShardDeleteRequest struct {
	ShardKey string `json:"shard_key"`
}

type ShardDeleteResponse struct{}

type SegmentCreateRequest struct {
	Segment types.Segment `json:"segment"`
}

type SegmentCreateResponse struct {
	Replicas []types.SegmentReplica `json:"replicas"`
}

type SegmentDeleteRequest struct {
	SegmentKey string `json:"segment_key"`
}

type SegmentDeleteResponse struct{}

// ResourceConfigSetRequest carries a generic named config blob (e.g. a
// connector or topic-rewrite definition) keyed by resource type.
type ResourceConfigSetRequest struct {
	DataType raftmeta.DataType `json:"data_type"`
	Key      string            `json:"key"`
	Record   json.RawMessage   `json:"record"`
}

type ResourceConfigSetResponse struct{}

type ResourceConfigGetRequest struct {
	ResourceType string `json:"resource_type"`
	Key          string `json:"key"`
}

type ResourceConfigGetResponse struct {
	Record json.RawMessage `json:"record"`
	Found  bool            `json:"found"`
}

type ResourceConfigListRequest struct {
	ResourceType string `json:"resource_type"`
}

type ResourceConfigListResponse struct {
	Records map[string]json.RawMessage `json:"records"`
}

type NodeGetRequest struct {
	ClusterName string `json:"cluster_name"`
	NodeID      string `json:"node_id"`
}

type NodeGetResponse struct {
	Node  types.Node `json:"node"`
	Found bool       `json:"found"`
}

type NodeListRequest struct {
	ClusterName string `json:"cluster_name"`
}

type NodeListResponse struct {
	Nodes []types.Node `json:"nodes"`
}

type OffsetSaveRequest struct {
	Group  string `json:"group"`
	Shard  string `json:"shard"`
	Offset uint64 `json:"offset"`
	Seek   bool   `json:"seek"`
}

type OffsetSaveResponse struct{}

type OffsetGetRequest struct {
	Group string `json:"group"`
	Shard string `json:"shard"`
}

type OffsetGetResponse struct {
	Offset uint64 `json:"offset"`
	Found  bool   `json:"found"`
}

type SchemaCreateRequest struct {
	Key    string          `json:"key"`
	Record json.RawMessage `json:"record"`
}

type SchemaCreateResponse struct{}

type SchemaDeleteRequest struct {
	Key string `json:"key"`
}

type SchemaDeleteResponse struct{}

// --- handlers -----------------------------------------------------------

func (s *MetaServer) Status(ctx context.Context, req *StatusRequest) (*StatusResponse, error) {
	return &StatusResponse{
		NodeID:   s.Node.NodeID,
		IsLeader: s.Node.IsLeader(),
		Leader:   s.Node.LeaderAddr(),
	}, nil
}

func (s *MetaServer) NodeRegister(ctx context.Context, req *NodeRegisterRequest) (*NodeRegisterResponse, error) {
	v, err := json.Marshal(req.Node)
	if err != nil {
		return nil, errs.Wrap(errs.Protocol, "encode node_register", err)
	}
	if _, err := s.Node.Propose(raftmeta.StorageData{DataType: raftmeta.DataTypeNodeRegister, Value: v}); err != nil {
		return nil, err
	}
	if s.Lifecycle != nil {
		s.Lifecycle.NodeRegistered(req.Node)
	}
	return &NodeRegisterResponse{}, nil
}

func (s *MetaServer) NodeUnregister(ctx context.Context, req *NodeUnregisterRequest) (*NodeUnregisterResponse, error) {
	v, err := json.Marshal(entityKey{Key: req.ClusterName + "/" + req.NodeID})
	if err != nil {
		return nil, errs.Wrap(errs.Protocol, "encode node_unregister", err)
	}
	if _, err := s.Node.Propose(raftmeta.StorageData{DataType: raftmeta.DataTypeNodeUnregister, Value: v}); err != nil {
		return nil, err
	}
	if s.Lifecycle != nil {
		s.Lifecycle.NodeUnregistered(req.ClusterName, req.NodeID)
	}
	return &NodeUnregisterResponse{}, nil
}

func (s *MetaServer) Heartbeat(ctx context.Context, req *HeartbeatRequest) (*HeartbeatResponse, error) {
	v, err := json.Marshal(req.Node)
	if err != nil {
		return nil, errs.Wrap(errs.Protocol, "encode node_heartbeat", err)
	}
	if _, err := s.Node.Propose(raftmeta.StorageData{DataType: raftmeta.DataTypeNodeHeartbeat, Value: v}); err != nil {
		return nil, err
	}
	return &HeartbeatResponse{}, nil
}

func (s *MetaServer) ShardCreate(ctx context.Context, req *ShardCreateRequest) (*ShardCreateResponse, error) {
	v, err := json.Marshal(req.Shard)
	if err != nil {
		return nil, errs.Wrap(errs.Protocol, "encode shard_create", err)
	}
	if _, err := s.Node.Propose(raftmeta.StorageData{DataType: raftmeta.DataTypeShardCreate, Value: v}); err != nil {
		return nil, err
	}
	return &ShardCreateResponse{}, nil
}

func (s *MetaServer) ShardDelete(ctx context.Context, req *ShardDeleteRequest) (*ShardDeleteResponse, error) {
	v, err := json.Marshal(entityKey{Key: req.ShardKey})
	if err != nil {
		return nil, errs.Wrap(errs.Protocol, "encode shard_delete", err)
	}
	if _, err := s.Node.Propose(raftmeta.StorageData{DataType: raftmeta.DataTypeShardDelete, Value: v}); err != nil {
		return nil, err
	}
	return &ShardDeleteResponse{}, nil
}

func (s *MetaServer) SegmentCreate(ctx context.Context, req *SegmentCreateRequest) (*SegmentCreateResponse, error) {
	v, err := json.Marshal(req.Segment)
	if err != nil {
		return nil, errs.Wrap(errs.Protocol, "encode segment_create", err)
	}
	resp, err := s.Node.Propose(raftmeta.StorageData{DataType: raftmeta.DataTypeSegmentCreate, Value: v})
	if err != nil {
		return nil, err
	}
	replicas, _ := resp.([]types.SegmentReplica)
	return &SegmentCreateResponse{Replicas: replicas}, nil
}

func (s *MetaServer) SegmentDelete(ctx context.Context, req *SegmentDeleteRequest) (*SegmentDeleteResponse, error) {
	v, err := json.Marshal(entityKey{Key: req.SegmentKey})
	if err != nil {
		return nil, errs.Wrap(errs.Protocol, "encode segment_delete", err)
	}
	if _, err := s.Node.Propose(raftmeta.StorageData{DataType: raftmeta.DataTypeSegmentDelete, Value: v}); err != nil {
		return nil, err
	}
	return &SegmentDeleteResponse{}, nil
}

func (s *MetaServer) ResourceConfigSet(ctx context.Context, req *ResourceConfigSetRequest) (*ResourceConfigSetResponse, error) {
	v, err := json.Marshal(entityRecord{Key: req.Key, Record: req.Record})
	if err != nil {
		return nil, errs.Wrap(errs.Protocol, "encode resource config", err)
	}
	if _, err := s.Node.Propose(raftmeta.StorageData{DataType: req.DataType, Value: v}); err != nil {
		return nil, err
	}
	return &ResourceConfigSetResponse{}, nil
}

func (s *MetaServer) ResourceConfigGet(ctx context.Context, req *ResourceConfigGetRequest) (*ResourceConfigGetResponse, error) {
	v, err := s.Node.Router.GetMqttEntity(req.ResourceType, req.Key)
	if err != nil {
		return nil, errs.Wrap(errs.IO, "read resource config", err)
	}
	if v == nil {
		return &ResourceConfigGetResponse{Found: false}, nil
	}
	return &ResourceConfigGetResponse{Record: json.RawMessage(v), Found: true}, nil
}

func (s *MetaServer) ResourceConfigList(ctx context.Context, req *ResourceConfigListRequest) (*ResourceConfigListResponse, error) {
	records, err := s.Node.Router.ListMqttEntities(req.ResourceType)
	if err != nil {
		return nil, errs.Wrap(errs.IO, "list resource config", err)
	}
	out := make(map[string]json.RawMessage, len(records))
	for k, v := range records {
		out[k] = json.RawMessage(v)
	}
	return &ResourceConfigListResponse{Records: out}, nil
}

func (s *MetaServer) NodeGet(ctx context.Context, req *NodeGetRequest) (*NodeGetResponse, error) {
	v, err := s.Node.Router.GetNode(req.ClusterName, req.NodeID)
	if err != nil {
		return nil, errs.Wrap(errs.IO, "read node", err)
	}
	if v == nil {
		return &NodeGetResponse{Found: false}, nil
	}
	var n types.Node
	if err := json.Unmarshal(v, &n); err != nil {
		return nil, errs.Wrap(errs.Protocol, "decode node", err)
	}
	return &NodeGetResponse{Node: n, Found: true}, nil
}

func (s *MetaServer) NodeList(ctx context.Context, req *NodeListRequest) (*NodeListResponse, error) {
	raw, err := s.Node.Router.ListNodes(req.ClusterName)
	if err != nil {
		return nil, errs.Wrap(errs.IO, "list nodes", err)
	}
	nodes := make([]types.Node, 0, len(raw))
	for _, v := range raw {
		var n types.Node
		if err := json.Unmarshal(v, &n); err != nil {
			return nil, errs.Wrap(errs.Protocol, "decode node", err)
		}
		nodes = append(nodes, n)
	}
	return &NodeListResponse{Nodes: nodes}, nil
}

func (s *MetaServer) OffsetSave(ctx context.Context, req *OffsetSaveRequest) (*OffsetSaveResponse, error) {
	v, err := json.Marshal(offsetPayload{Group: req.Group, Shard: req.Shard, Offset: req.Offset})
	if err != nil {
		return nil, errs.Wrap(errs.Protocol, "encode offset_save", err)
	}
	dt := raftmeta.DataTypeOffsetCommit
	if req.Seek {
		dt = raftmeta.DataTypeOffsetSeek
	}
	if _, err := s.Node.Propose(raftmeta.StorageData{DataType: dt, Value: v}); err != nil {
		return nil, err
	}
	return &OffsetSaveResponse{}, nil
}

func (s *MetaServer) OffsetGet(ctx context.Context, req *OffsetGetRequest) (*OffsetGetResponse, error) {
	offset, found, err := s.Node.Router.GetOffset(req.Group, req.Shard)
	if err != nil {
		return nil, errs.Wrap(errs.IO, "read offset", err)
	}
	return &OffsetGetResponse{Offset: offset, Found: found}, nil
}

func (s *MetaServer) SchemaCreate(ctx context.Context, req *SchemaCreateRequest) (*SchemaCreateResponse, error) {
	v, err := json.Marshal(entityRecord{Key: req.Key, Record: req.Record})
	if err != nil {
		return nil, errs.Wrap(errs.Protocol, "encode schema_create", err)
	}
	if _, err := s.Node.Propose(raftmeta.StorageData{DataType: raftmeta.DataTypeSchemaCreate, Value: v}); err != nil {
		return nil, err
	}
	return &SchemaCreateResponse{}, nil
}

func (s *MetaServer) SchemaDelete(ctx context.Context, req *SchemaDeleteRequest) (*SchemaDeleteResponse, error) {
	v, err := json.Marshal(entityKey{Key: req.Key})
	if err != nil {
		return nil, errs.Wrap(errs.Protocol, "encode schema_delete", err)
	}
	if _, err := s.Node.Propose(raftmeta.StorageData{DataType: raftmeta.DataTypeSchemaDelete, Value: v}); err != nil {
		return nil, err
	}
	return &SchemaDeleteResponse{}, nil
}

// entityKey/entityRecord mirror raftmeta's private entityEnvelope shape so
// rpc can build the same wire payload without reaching into that package's
// unexported type.
type entityKey struct {
	Key string `json:"key"`
}

type entityRecord struct {
	Key    string          `json:"key"`
	Record json.RawMessage `json:"record,omitempty"`
}

type offsetPayload struct {
	Group  string `json:"group"`
	Shard  string `json:"shard"`
	Offset uint64 `json:"offset"`
}

// MetaServiceDesc is the hand-authored equivalent of what protoc-gen-go-grpc
// would emit for a MetaService defined in a .proto file.
var MetaServiceDesc = grpc.ServiceDesc{
	ServiceName: "robustmq.meta.MetaService",
	HandlerType: (*MetaServer)(nil),
	Methods: []grpc.MethodDesc{
		unaryMethod("Status", func(s *MetaServer, ctx context.Context, req *StatusRequest) (interface{}, error) {
			return s.Status(ctx, req)
		}),
		unaryMethod("NodeRegister", func(s *MetaServer, ctx context.Context, req *NodeRegisterRequest) (interface{}, error) {
			return s.NodeRegister(ctx, req)
		}),
		unaryMethod("NodeUnregister", func(s *MetaServer, ctx context.Context, req *NodeUnregisterRequest) (interface{}, error) {
			return s.NodeUnregister(ctx, req)
		}),
		unaryMethod("Heartbeat", func(s *MetaServer, ctx context.Context, req *HeartbeatRequest) (interface{}, error) {
			return s.Heartbeat(ctx, req)
		}),
		unaryMethod("ShardCreate", func(s *MetaServer, ctx context.Context, req *ShardCreateRequest) (interface{}, error) {
			return s.ShardCreate(ctx, req)
		}),
		unaryMethod("ShardDelete", func(s *MetaServer, ctx context.Context, req *ShardDeleteRequest) (interface{}, error) {
			return s.ShardDelete(ctx, req)
		}),
		unaryMethod("SegmentCreate", func(s *MetaServer, ctx context.Context, req *SegmentCreateRequest) (interface{}, error) {
			return s.SegmentCreate(ctx, req)
		}),
		unaryMethod("SegmentDelete", func(s *MetaServer, ctx context.Context, req *SegmentDeleteRequest) (interface{}, error) {
			return s.SegmentDelete(ctx, req)
		}),
		unaryMethod("ResourceConfigSet", func(s *MetaServer, ctx context.Context, req *ResourceConfigSetRequest) (interface{}, error) {
			return s.ResourceConfigSet(ctx, req)
		}),
		unaryMethod("ResourceConfigGet", func(s *MetaServer, ctx context.Context, req *ResourceConfigGetRequest) (interface{}, error) {
			return s.ResourceConfigGet(ctx, req)
		}),
		unaryMethod("ResourceConfigList", func(s *MetaServer, ctx context.Context, req *ResourceConfigListRequest) (interface{}, error) {
			return s.ResourceConfigList(ctx, req)
		}),
		unaryMethod("NodeGet", func(s *MetaServer, ctx context.Context, req *NodeGetRequest) (interface{}, error) {
			return s.NodeGet(ctx, req)
		}),
		unaryMethod("NodeList", func(s *MetaServer, ctx context.Context, req *NodeListRequest) (interface{}, error) {
			return s.NodeList(ctx, req)
		}),
		unaryMethod("OffsetSave", func(s *MetaServer, ctx context.Context, req *OffsetSaveRequest) (interface{}, error) {
			return s.OffsetSave(ctx, req)
		}),
		unaryMethod("OffsetGet", func(s *MetaServer, ctx context.Context, req *OffsetGetRequest) (interface{}, error) {
			return s.OffsetGet(ctx, req)
		}),
		unaryMethod("SchemaCreate", func(s *MetaServer, ctx context.Context, req *SchemaCreateRequest) (interface{}, error) {
			return s.SchemaCreate(ctx, req)
		}),
		unaryMethod("SchemaDelete", func(s *MetaServer, ctx context.Context, req *SchemaDeleteRequest) (interface{}, error) {
			return s.SchemaDelete(ctx, req)
		}),
	},
	Metadata: "robustmq/meta_service.proto",
}
