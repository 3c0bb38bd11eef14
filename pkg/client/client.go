// Package client implements a connection-pooled gRPC client over
// MetaService, MqttBrokerInnerService and JournalServerInnerService:
// dial-on-demand connections, a memoized leader address and transparent
// retry-against-the-redirect for writes rejected by a follower.
package client

import (
	"context"
	"crypto/tls"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/credentials"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/grpc/status"

	"github.com/robustmq/robustmq/pkg/raftmeta"
	"github.com/robustmq/robustmq/pkg/rpc"
	"github.com/robustmq/robustmq/pkg/types"
)

// ClientPool dials nodes on demand and keeps exactly one *grpc.ClientConn
// per address alive for reuse across calls.
type ClientPool struct {
	mu        sync.Mutex
	conns     map[string]*grpc.ClientConn
	leader    string
	seeds     []string
	tlsConfig *tls.Config
	maxWait   time.Duration

	// extraDialOpts lets tests substitute a bufconn dialer; production
	// callers have no need to set it.
	extraDialOpts []grpc.DialOption
}

// NewClientPool builds a pool that dials seeds[0] until a successful
// call or a leader redirect memoizes another address; the remaining
// seeds are not tried. A nil tlsConfig dials in plaintext.
func NewClientPool(seeds []string, tlsConfig *tls.Config) *ClientPool {
	return &ClientPool{
		conns:     make(map[string]*grpc.ClientConn),
		seeds:     seeds,
		tlsConfig: tlsConfig,
		maxWait:   30 * time.Second,
	}
}

func (p *ClientPool) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	var firstErr error
	for addr, c := range p.conns {
		if err := c.Close(); err != nil && firstErr == nil {
			firstErr = fmt.Errorf("close %s: %w", addr, err)
		}
	}
	return firstErr
}

func (p *ClientPool) dial(addr string) (*grpc.ClientConn, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if c, ok := p.conns[addr]; ok {
		return c, nil
	}
	creds := insecure.NewCredentials()
	if p.tlsConfig != nil {
		creds = credentials.NewTLS(p.tlsConfig)
	}
	opts := append([]grpc.DialOption{
		grpc.WithTransportCredentials(creds),
		grpc.WithDefaultCallOptions(grpc.CallContentSubtype(rpc.CodecName)),
	}, p.extraDialOpts...)
	conn, err := grpc.NewClient(addr, opts...)
	if err != nil {
		return nil, fmt.Errorf("dial %s: %w", addr, err)
	}
	p.conns[addr] = conn
	return conn, nil
}

func (p *ClientPool) currentAddr() string {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.leader != "" {
		return p.leader
	}
	if len(p.seeds) > 0 {
		return p.seeds[0]
	}
	return ""
}

func (p *ClientPool) setLeader(addr string) {
	p.mu.Lock()
	p.leader = addr
	p.mu.Unlock()
}

// invoke calls fullMethod, following a leader redirect immediately (no
// backoff needed, the follower already told us where to go) and backing
// off between retries of any other failure (the node is mid-election,
// the transport hiccuped) until ctx is done or maxWait elapses.
func (p *ClientPool) invoke(ctx context.Context, fullMethod string, req, resp interface{}) error {
	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = 50 * time.Millisecond
	bo.MaxElapsedTime = p.maxWait
	addr := p.currentAddr()
	if addr == "" {
		return fmt.Errorf("client pool has no seed addresses configured")
	}

	for {
		conn, err := p.dial(addr)
		if err != nil {
			return err
		}
		err = conn.Invoke(ctx, fullMethod, req, resp)
		if err == nil {
			p.setLeader(addr)
			return nil
		}
		if redirect, ok := rpc.RedirectFromStatus(err); ok && redirect != "" && redirect != addr {
			addr = redirect
			continue
		}
		if !isRetryable(err) {
			return err
		}

		wait := bo.NextBackOff()
		if wait == backoff.Stop {
			return err
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(wait):
		}
	}
}

// isRetryable reports whether err is the kind of transient failure worth
// backing off and trying again (node mid-election, transport hiccup)
// rather than a request the server will reject every time.
func isRetryable(err error) bool {
	st, ok := status.FromError(err)
	if !ok {
		return true
	}
	switch st.Code() {
	case codes.Unavailable, codes.DeadlineExceeded, codes.FailedPrecondition:
		return true
	default:
		return false
	}
}

func metaMethod(name string) string {
	return "/" + rpc.MetaServiceDesc.ServiceName + "/" + name
}

// MetaClient is the typed stub RPC handlers would normally get from
// protoc-gen-go-grpc: one method per MetaService RPC, each building its
// request/response pair and calling through the shared ClientPool.
type MetaClient struct {
	pool *ClientPool
}

func NewMetaClient(seeds []string, tlsConfig *tls.Config) *MetaClient {
	return &MetaClient{pool: NewClientPool(seeds, tlsConfig)}
}

func (c *MetaClient) Close() error { return c.pool.Close() }

func (c *MetaClient) Status(ctx context.Context) (*rpc.StatusResponse, error) {
	resp := &rpc.StatusResponse{}
	if err := c.pool.invoke(ctx, metaMethod("Status"), &rpc.StatusRequest{}, resp); err != nil {
		return nil, err
	}
	return resp, nil
}

func (c *MetaClient) NodeRegister(ctx context.Context, node types.Node) error {
	return c.pool.invoke(ctx, metaMethod("NodeRegister"), &rpc.NodeRegisterRequest{Node: node}, &rpc.NodeRegisterResponse{})
}

func (c *MetaClient) NodeUnregister(ctx context.Context, clusterName, nodeID string) error {
	req := &rpc.NodeUnregisterRequest{ClusterName: clusterName, NodeID: nodeID}
	return c.pool.invoke(ctx, metaMethod("NodeUnregister"), req, &rpc.NodeUnregisterResponse{})
}

func (c *MetaClient) Heartbeat(ctx context.Context, node types.Node) error {
	return c.pool.invoke(ctx, metaMethod("Heartbeat"), &rpc.HeartbeatRequest{Node: node}, &rpc.HeartbeatResponse{})
}

func (c *MetaClient) ShardCreate(ctx context.Context, shard types.Shard) error {
	return c.pool.invoke(ctx, metaMethod("ShardCreate"), &rpc.ShardCreateRequest{Shard: shard}, &rpc.ShardCreateResponse{})
}

func (c *MetaClient) ShardDelete(ctx context.Context, shardKey string) error {
	req := &rpc.ShardDeleteRequest{ShardKey: shardKey}
	return c.pool.invoke(ctx, metaMethod("ShardDelete"), req, &rpc.ShardDeleteResponse{})
}

func (c *MetaClient) SegmentCreate(ctx context.Context, segment types.Segment) ([]types.SegmentReplica, error) {
	resp := &rpc.SegmentCreateResponse{}
	req := &rpc.SegmentCreateRequest{Segment: segment}
	if err := c.pool.invoke(ctx, metaMethod("SegmentCreate"), req, resp); err != nil {
		return nil, err
	}
	return resp.Replicas, nil
}

func (c *MetaClient) SegmentDelete(ctx context.Context, segmentKey string) error {
	req := &rpc.SegmentDeleteRequest{SegmentKey: segmentKey}
	return c.pool.invoke(ctx, metaMethod("SegmentDelete"), req, &rpc.SegmentDeleteResponse{})
}

func (c *MetaClient) ResourceConfigSet(ctx context.Context, dataType raftmeta.DataType, key string, record []byte) error {
	req := &rpc.ResourceConfigSetRequest{DataType: dataType, Key: key, Record: record}
	return c.pool.invoke(ctx, metaMethod("ResourceConfigSet"), req, &rpc.ResourceConfigSetResponse{})
}

func (c *MetaClient) ResourceConfigGet(ctx context.Context, resourceType, key string) (*rpc.ResourceConfigGetResponse, error) {
	resp := &rpc.ResourceConfigGetResponse{}
	req := &rpc.ResourceConfigGetRequest{ResourceType: resourceType, Key: key}
	if err := c.pool.invoke(ctx, metaMethod("ResourceConfigGet"), req, resp); err != nil {
		return nil, err
	}
	return resp, nil
}

// ListResource implements cache.BulkSource over ResourceConfigList.
func (c *MetaClient) ListResource(ctx context.Context, resourceType string) (map[string]json.RawMessage, error) {
	resp := &rpc.ResourceConfigListResponse{}
	req := &rpc.ResourceConfigListRequest{ResourceType: resourceType}
	if err := c.pool.invoke(ctx, metaMethod("ResourceConfigList"), req, resp); err != nil {
		return nil, err
	}
	return resp.Records, nil
}

// NodeGet looks up one node's catalog record, used to resolve a journal
// segment replica's NodeID to the address its data-plane listens on.
func (c *MetaClient) NodeGet(ctx context.Context, clusterName, nodeID string) (*types.Node, bool, error) {
	resp := &rpc.NodeGetResponse{}
	req := &rpc.NodeGetRequest{ClusterName: clusterName, NodeID: nodeID}
	if err := c.pool.invoke(ctx, metaMethod("NodeGet"), req, resp); err != nil {
		return nil, false, err
	}
	if !resp.Found {
		return nil, false, nil
	}
	return &resp.Node, true, nil
}

// NodeList returns every node registered under a cluster, used to pick a
// journal node to host a shard that has none assigned yet.
func (c *MetaClient) NodeList(ctx context.Context, clusterName string) ([]types.Node, error) {
	resp := &rpc.NodeListResponse{}
	req := &rpc.NodeListRequest{ClusterName: clusterName}
	if err := c.pool.invoke(ctx, metaMethod("NodeList"), req, resp); err != nil {
		return nil, err
	}
	return resp.Nodes, nil
}

func (c *MetaClient) OffsetSave(ctx context.Context, group, shard string, offset uint64, seek bool) error {
	req := &rpc.OffsetSaveRequest{Group: group, Shard: shard, Offset: offset, Seek: seek}
	return c.pool.invoke(ctx, metaMethod("OffsetSave"), req, &rpc.OffsetSaveResponse{})
}

func (c *MetaClient) OffsetGet(ctx context.Context, group, shard string) (*rpc.OffsetGetResponse, error) {
	resp := &rpc.OffsetGetResponse{}
	req := &rpc.OffsetGetRequest{Group: group, Shard: shard}
	if err := c.pool.invoke(ctx, metaMethod("OffsetGet"), req, resp); err != nil {
		return nil, err
	}
	return resp, nil
}

func (c *MetaClient) SchemaCreate(ctx context.Context, key string, record []byte) error {
	req := &rpc.SchemaCreateRequest{Key: key, Record: record}
	return c.pool.invoke(ctx, metaMethod("SchemaCreate"), req, &rpc.SchemaCreateResponse{})
}

func (c *MetaClient) SchemaDelete(ctx context.Context, key string) error {
	req := &rpc.SchemaDeleteRequest{Key: key}
	return c.pool.invoke(ctx, metaMethod("SchemaDelete"), req, &rpc.SchemaDeleteResponse{})
}

// MqttInnerClient calls a broker node's MqttBrokerInnerService.
type MqttInnerClient struct {
	pool *ClientPool
}

func NewMqttInnerClient(addr string, tlsConfig *tls.Config) *MqttInnerClient {
	return &MqttInnerClient{pool: NewClientPool([]string{addr}, tlsConfig)}
}

func (c *MqttInnerClient) Close() error { return c.pool.Close() }

func (c *MqttInnerClient) UpdateCache(ctx context.Context, req *rpc.UpdateCacheRequest) error {
	method := "/" + rpc.MqttBrokerInnerServiceDesc.ServiceName + "/UpdateCache"
	return c.pool.invoke(ctx, method, req, &rpc.UpdateCacheResponse{})
}

func (c *MqttInnerClient) ClusterStatus(ctx context.Context) (*rpc.ClusterStatusResponse, error) {
	resp := &rpc.ClusterStatusResponse{}
	method := "/" + rpc.MqttBrokerInnerServiceDesc.ServiceName + "/ClusterStatus"
	if err := c.pool.invoke(ctx, method, &rpc.ClusterStatusRequest{}, resp); err != nil {
		return nil, err
	}
	return resp, nil
}

// JournalInnerClient calls a journal node's JournalServerInnerService.
type JournalInnerClient struct {
	pool *ClientPool
}

func NewJournalInnerClient(addr string, tlsConfig *tls.Config) *JournalInnerClient {
	return &JournalInnerClient{pool: NewClientPool([]string{addr}, tlsConfig)}
}

func (c *JournalInnerClient) Close() error { return c.pool.Close() }

func (c *JournalInnerClient) UpdateCache(ctx context.Context, req *rpc.UpdateCacheRequest) error {
	method := "/" + rpc.JournalServerInnerServiceDesc.ServiceName + "/UpdateCache"
	return c.pool.invoke(ctx, method, req, &rpc.UpdateCacheResponse{})
}
