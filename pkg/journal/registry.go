package journal

import (
	"encoding/json"
	"sync"

	"github.com/robustmq/robustmq/pkg/errs"
	"github.com/robustmq/robustmq/pkg/types"
)

// ShardRegistry owns every Shard a journal node currently serves, keyed by
// types.Shard.Key(). It is the local half of the catalog meta replicates
// via ShardCreate/ShardDelete.
type ShardRegistry struct {
	mu      sync.RWMutex
	dataDir string
	roller  RollRequester
	shards  map[string]*Shard
}

// NewShardRegistry builds an empty registry rooted at dataDir.
func NewShardRegistry(dataDir string, roller RollRequester) *ShardRegistry {
	return &ShardRegistry{
		dataDir: dataDir,
		roller:  roller,
		shards:  make(map[string]*Shard),
	}
}

// Open opens (or returns the already-open) Shard for meta, mirroring
// whatever segment is currently marked active in meta's catalog.
func (r *ShardRegistry) Open(meta types.Shard) (*Shard, error) {
	key := meta.Key()

	r.mu.RLock()
	if sh, ok := r.shards[key]; ok {
		r.mu.RUnlock()
		return sh, nil
	}
	r.mu.RUnlock()

	r.mu.Lock()
	defer r.mu.Unlock()
	if sh, ok := r.shards[key]; ok {
		return sh, nil
	}

	sh, err := NewShard(r.dataDir, meta, r.roller)
	if err != nil {
		return nil, err
	}
	r.shards[key] = sh
	return sh, nil
}

// Get looks up an already-open shard without opening it.
func (r *ShardRegistry) Get(shardKey string) (*Shard, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	sh, ok := r.shards[shardKey]
	if !ok {
		return nil, errs.New(errs.NotFound, "shard not open on this node: "+shardKey)
	}
	return sh, nil
}

// Drop closes and forgets a shard, used after meta cascades a ShardDelete.
func (r *ShardRegistry) Drop(shardKey string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	sh, ok := r.shards[shardKey]
	if !ok {
		return nil
	}
	delete(r.shards, shardKey)
	return sh.Close()
}

// ApplyCacheUpdate implements rpc.CacheSink: it keeps this node's locally
// open shards converged with meta's catalog after a roll or delete it
// didn't itself drive (i.e. it holds a replica but isn't the segment's
// leader). A shard Set opens the shard here if it is not open yet; other
// updates for shards not open on this node are ignored.
func (r *ShardRegistry) ApplyCacheUpdate(action, resourceType, clusterName, key string, data json.RawMessage) error {
	switch resourceType {
	case "shard":
		switch action {
		case "Set", "set":
			var sh types.Shard
			if err := json.Unmarshal(data, &sh); err != nil {
				return errs.Wrap(errs.Protocol, "decode shard cache update", err)
			}
			_, err := r.Open(sh)
			return err
		case "Delete", "delete":
			return r.Drop(key)
		default:
			return nil
		}

	case "segment":
		if action != "Set" && action != "set" {
			return nil
		}
		var seg types.Segment
		if err := json.Unmarshal(data, &seg); err != nil {
			return errs.Wrap(errs.Protocol, "decode segment cache update", err)
		}
		shardKey := seg.ClusterName + "/" + seg.Namespace + "/" + seg.ShardName
		sh, err := r.Get(shardKey)
		if err != nil {
			return nil // not a replica of this shard
		}
		return sh.AdoptSegment(seg)

	default:
		return nil
	}
}

// Close closes every open shard, used on process shutdown.
func (r *ShardRegistry) Close() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	var first error
	for key, sh := range r.shards {
		if err := sh.Close(); err != nil && first == nil {
			first = err
		}
		delete(r.shards, key)
	}
	return first
}
