// Package innercall implements InnerCallFanout: the per-(cluster,
// node) outbound queue that pushes cache invalidations committed
// through Raft out to broker and journal nodes so their in-memory
// caches converge without polling meta.
//
// The broadcast shape is a map of live subscribers guarded by a mutex,
// fed through a buffered channel, with non-blocking sends that drop on
// a full buffer: one bounded channel per target node rather than one
// global channel.
package innercall

import (
	"context"
	"sync"
	"time"

	"github.com/robustmq/robustmq/pkg/log"
	"github.com/robustmq/robustmq/pkg/raftmeta"
	"github.com/robustmq/robustmq/pkg/rpc"
)

// targetClient is satisfied by *client.MqttInnerClient and
// *client.JournalInnerClient. Defined here rather than imported from
// pkg/client to avoid an import cycle (pkg/client depends on pkg/rpc,
// not the other way around).
type targetClient interface {
	UpdateCache(ctx context.Context, req *rpc.UpdateCacheRequest) error
}

type targetKey struct {
	cluster string
	nodeID  string
}

// queueDepth bounds each target's channel; when it is full, Enqueue drops
// the new invalidation and logs it. A dropped invalidation is not re-sent.
const queueDepth = 256

type worker struct {
	ch   chan raftmeta.CacheInvalidation
	stop chan struct{}
}

// Fanout is InnerCallFanout. It implements raftmeta.Notifier, so a
// meta Node can enqueue directly into it; register/unregister calls
// are driven by node lifecycle events (NodeRegister/NodeUnregister/
// Heartbeat) from whatever owns the meta-service RPC surface.
type Fanout struct {
	mu      sync.Mutex
	desired map[targetKey]targetClient
	workers map[targetKey]*worker
}

// NewFanout builds an empty fanout; call Run to start its reconcile
// loop once nodes begin registering.
func NewFanout() *Fanout {
	return &Fanout{
		desired: make(map[targetKey]targetClient),
		workers: make(map[targetKey]*worker),
	}
}

// RegisterNode marks (cluster, nodeID) as a live fanout target. The
// next reconcile tick starts a worker for it.
func (f *Fanout) RegisterNode(cluster, nodeID string, client targetClient) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.desired[targetKey{cluster, nodeID}] = client
}

// UnregisterNode marks (cluster, nodeID) as no longer live. The next
// reconcile tick stops its worker.
func (f *Fanout) UnregisterNode(cluster, nodeID string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.desired, targetKey{cluster, nodeID})
}

// Enqueue implements raftmeta.Notifier. It never blocks: a full target
// queue drops the message and logs, rather than stall the Raft apply
// path that calls it.
func (f *Fanout) Enqueue(inv raftmeta.CacheInvalidation) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for key, w := range f.workers {
		if key.cluster != inv.ClusterName {
			continue
		}
		select {
		case w.ch <- inv:
		default:
			log.WithComponent("innercall").Warn().
				Str("cluster", key.cluster).
				Str("node_id", key.nodeID).
				Str("resource_type", inv.ResourceType).
				Msg("fanout queue full, dropping cache invalidation")
		}
	}
}

// Run drives the one-tick-per-second reconcile loop until ctx is
// canceled, then stops every running worker.
func (f *Fanout) Run(ctx context.Context) {
	ticker := time.NewTicker(1 * time.Second)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			f.stopAll()
			return
		case <-ticker.C:
			f.reconcile()
		}
	}
}

// reconcile starts a worker for every desired target missing one, and
// stops every worker whose target is no longer desired.
func (f *Fanout) reconcile() {
	f.mu.Lock()
	defer f.mu.Unlock()

	for key, client := range f.desired {
		if _, ok := f.workers[key]; ok {
			continue
		}
		w := &worker{ch: make(chan raftmeta.CacheInvalidation, queueDepth), stop: make(chan struct{})}
		f.workers[key] = w
		go runWorker(key, client, w)
	}

	for key, w := range f.workers {
		if _, ok := f.desired[key]; ok {
			continue
		}
		close(w.stop)
		delete(f.workers, key)
	}
}

func (f *Fanout) stopAll() {
	f.mu.Lock()
	defer f.mu.Unlock()
	for key, w := range f.workers {
		close(w.stop)
		delete(f.workers, key)
	}
}

// runWorker serializes one target's invalidations in enqueue order —
// the (cluster, node, resource, key) ordering guarantee falls out of
// there being exactly one channel and one reader per target.
func runWorker(key targetKey, client targetClient, w *worker) {
	logger := log.WithComponent("innercall")
	for {
		select {
		case <-w.stop:
			return
		case inv := <-w.ch:
			ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			err := client.UpdateCache(ctx, &rpc.UpdateCacheRequest{
				Action:       inv.Action,
				ResourceType: inv.ResourceType,
				ClusterName:  inv.ClusterName,
				Key:          inv.Key,
				Data:         inv.Data,
			})
			cancel()
			if err != nil {
				logger.Warn().
					Str("cluster", key.cluster).
					Str("node_id", key.nodeID).
					Str("resource_type", inv.ResourceType).
					Err(err).
					Msg("update cache rpc failed")
			}
		}
	}
}
