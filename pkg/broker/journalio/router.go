// Package journalio maps MQTT topics onto journal shards: it is the glue
// between the broker's publish/subscribe paths and the journal storage
// engine's raw-TCP data plane, neither of which knows about the other.
//
// There is no separate shard-placement service anywhere in the cluster —
// SegmentCreate stores whatever replica set its caller supplies rather than
// assigning one itself — so Router is also where a new topic's shard and
// its first segment get a home: the first journal node it finds.
package journalio

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/robustmq/robustmq/pkg/broker/subscribe"
	"github.com/robustmq/robustmq/pkg/client"
	"github.com/robustmq/robustmq/pkg/errs"
	"github.com/robustmq/robustmq/pkg/journal"
	"github.com/robustmq/robustmq/pkg/types"
)

// mqttNamespace is the fixed journal namespace every MQTT-originated
// shard lives under; only the shard name (the topic itself) varies.
const mqttNamespace = "mqtt"

const rpcTimeout = 5 * time.Second

// MetaClient is the subset of client.MetaClient Router needs to create
// and place shards, kept narrow the same way session.MetaClient is.
type MetaClient interface {
	ShardCreate(ctx context.Context, shard types.Shard) error
	SegmentCreate(ctx context.Context, segment types.Segment) ([]types.SegmentReplica, error)
	NodeList(ctx context.Context, clusterName string) ([]types.Node, error)
}

// DataClient is the subset of client.JournalDataClient Router drives —
// the raw-TCP data-plane calls, addressed explicitly since nothing here
// pools connections by node identity, only by address.
type DataClient interface {
	Write(ctx context.Context, addr, shardKey string, records []client.DataRecord) ([]int64, error)
	ReadFromOffset(ctx context.Context, addr, shardKey string, segmentSeq uint64, offset int64, max int, maxBytes int64) (*client.DataBatch, error)
	GetShardMeta(ctx context.Context, addr, shardKey string) (*client.ShardMeta, error)
}

// placement is what Router caches per topic once its shard has been
// created and assigned a node: the shard's storage key plus the
// data-plane address of the node hosting its only segment.
type placement struct {
	shardKey string
	addr     string
}

// Router resolves an MQTT topic to its journal shard, lazily creating
// the shard and its first segment on first use. DataTypeShardCreate is
// not idempotent on the meta side, so placements are cached locally
// rather than re-created on every publish.
type Router struct {
	meta    MetaClient
	data    DataClient
	cluster string

	mu         sync.Mutex
	placements map[string]placement // topic -> placement
}

// NewRouter builds a Router over an already-connected meta and journal
// data-plane client.
func NewRouter(meta MetaClient, data DataClient, cluster string) *Router {
	return &Router{
		meta:       meta,
		data:       data,
		cluster:    cluster,
		placements: make(map[string]placement),
	}
}

// Append writes records to the shard backing topic, creating it first if
// this is the topic's first publish.
func (r *Router) Append(ctx context.Context, topic string, records []client.DataRecord) ([]int64, error) {
	p, err := r.ensurePlacement(ctx, topic)
	if err != nil {
		return nil, err
	}
	return r.data.Write(ctx, p.addr, p.shardKey, records)
}

// ShardFor implements subscribe.ShardSource.
func (r *Router) ShardFor(topic string) (subscribe.ShardReader, error) {
	ctx, cancel := context.WithTimeout(context.Background(), rpcTimeout)
	defer cancel()

	p, err := r.ensurePlacement(ctx, topic)
	if err != nil {
		return nil, err
	}
	meta, err := r.data.GetShardMeta(ctx, p.addr, p.shardKey)
	if err != nil {
		return nil, fmt.Errorf("get shard meta for %s: %w", topic, err)
	}
	return &shardHandle{data: r.data, addr: p.addr, shardKey: p.shardKey, activeSeq: meta.ActiveSegmentSeq}, nil
}

func (r *Router) ensurePlacement(ctx context.Context, topic string) (placement, error) {
	r.mu.Lock()
	p, ok := r.placements[topic]
	r.mu.Unlock()
	if ok {
		return p, nil
	}

	nodes, err := r.meta.NodeList(ctx, r.cluster)
	if err != nil {
		return placement{}, fmt.Errorf("list nodes: %w", err)
	}
	node, ok := firstJournalNode(nodes)
	if !ok {
		return placement{}, errs.New(errs.NotFound, "no journal node registered in cluster "+r.cluster)
	}

	shard := types.Shard{
		ClusterName:   r.cluster,
		Namespace:     mqttNamespace,
		ShardName:     topic,
		ReplicaFactor: 1,
		Status:        types.ShardStatusRun,
		Config:        types.ShardConfig{MaxSegmentSize: 128 << 20, ReplicaNum: 1},
		CreatedAt:     time.Now(),
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if p, ok := r.placements[topic]; ok {
		// another goroutine created it while we were listing nodes.
		return p, nil
	}

	if err := r.meta.ShardCreate(ctx, shard); err != nil {
		return placement{}, fmt.Errorf("create shard for %s: %w", topic, err)
	}

	segment := types.Segment{
		ClusterName: r.cluster,
		Namespace:   mqttNamespace,
		ShardName:   topic,
		SegmentSeq:  0,
		Replicas:    []types.SegmentReplica{{NodeID: node.NodeID, FoldIndex: 0}},
		Leader:      node.NodeID,
		Status:      types.SegmentStatusWrite,
		StartOffset: 0,
		EndOffset:   -1,
		StartTime:   time.Now(),
	}
	if _, err := r.meta.SegmentCreate(ctx, segment); err != nil {
		return placement{}, fmt.Errorf("create initial segment for %s: %w", topic, err)
	}

	p = placement{shardKey: shard.Key(), addr: node.PublicAddr}
	r.placements[topic] = p
	return p, nil
}

func firstJournalNode(nodes []types.Node) (types.Node, bool) {
	for _, n := range nodes {
		for _, role := range n.Roles {
			if role == types.NodeRoleJournal {
				return n, true
			}
		}
	}
	return types.Node{}, false
}

// shardHandle implements subscribe.ShardReader against one shard's
// single known replica, resolved at the ShardFor call that built it.
type shardHandle struct {
	data      DataClient
	addr      string
	shardKey  string
	activeSeq uint64
}

func (h *shardHandle) ActiveSegmentSeq() uint64 { return h.activeSeq }

func (h *shardHandle) ReadFromOffset(segmentSeq uint64, offset int64, max int, maxBytes int64) (*journal.Batch, error) {
	ctx, cancel := context.WithTimeout(context.Background(), rpcTimeout)
	defer cancel()
	batch, err := h.data.ReadFromOffset(ctx, h.addr, h.shardKey, segmentSeq, offset, max, maxBytes)
	if err != nil {
		return nil, err
	}
	return toJournalBatch(batch), nil
}

func toJournalBatch(b *client.DataBatch) *journal.Batch {
	records := make([]journal.Record, len(b.Records))
	for i, r := range b.Records {
		records[i] = journal.Record{PKID: r.PKID, Key: r.Key, Value: r.Value, Tag: r.Tag}
	}
	return &journal.Batch{Offsets: b.Offsets, Records: records}
}
