// Package offset implements OffsetCache: a node-local consumer-offset
// cache backed by bbolt, with a dirty-flag map and a periodic flush
// loop that lazily pushes ahead-of-remote offsets to the meta service.
package offset

import (
	"context"
	"encoding/binary"
	"fmt"
	"sync"
	"time"

	"github.com/robustmq/robustmq/pkg/log"
	"github.com/robustmq/robustmq/pkg/rpc"
	"github.com/robustmq/robustmq/pkg/storage"
)

var bucketOffset = []byte("offset_cache")

// metaClient is the slice of *client.MetaClient this package needs,
// kept as an interface so tests can fake the meta round trip without a
// live gRPC server.
type metaClient interface {
	OffsetGet(ctx context.Context, group, shard string) (*rpc.OffsetGetResponse, error)
	OffsetSave(ctx context.Context, group, shard string, offset uint64, seek bool) error
}

type groupShard struct {
	group string
	shard string
}

func (k groupShard) storageKey() []byte {
	return []byte(k.group + "/" + k.shard)
}

// Cache is OffsetCache. Writes land locally and immediately; they only
// reach meta on the next flush tick, and only when the local value is
// ahead of what meta already has.
type Cache struct {
	kv   storage.KV
	meta metaClient

	mu    sync.Mutex
	dirty map[groupShard]struct{}

	flushInterval time.Duration
}

// New builds an offset cache over the node's local KV store.
func New(kv storage.KV, meta metaClient, flushInterval time.Duration) *Cache {
	return &Cache{
		kv:            kv,
		meta:          meta,
		dirty:         make(map[groupShard]struct{}),
		flushInterval: flushInterval,
	}
}

// Commit records a new committed offset for (group, shard) and marks
// it dirty. Per spec, committed offset is monotonic non-decreasing
// except on an explicit seek — Commit rejects a regression; Seek must
// be used to roll one back.
func (c *Cache) Commit(group, shard string, offset uint64) error {
	return c.set(group, shard, offset, false)
}

// Seek force-sets the local offset regardless of the current value,
// for explicit consumer-driven rewinds.
func (c *Cache) Seek(group, shard string, offset uint64) error {
	return c.set(group, shard, offset, true)
}

func (c *Cache) set(group, shard string, offset uint64, seek bool) error {
	key := groupShard{group, shard}
	current, found, err := c.getLocal(key)
	if err != nil {
		return err
	}
	if found && !seek && offset < current {
		return fmt.Errorf("offset commit would roll back group=%s shard=%s current=%d new=%d", group, shard, current, offset)
	}
	if err := c.putLocal(key, offset); err != nil {
		return err
	}
	c.mu.Lock()
	c.dirty[key] = struct{}{}
	c.mu.Unlock()
	return nil
}

// Get returns the locally cached offset for (group, shard).
func (c *Cache) Get(group, shard string) (uint64, bool, error) {
	return c.getLocal(groupShard{group, shard})
}

func (c *Cache) getLocal(key groupShard) (uint64, bool, error) {
	v, err := c.kv.Get(bucketOffset, key.storageKey())
	if err != nil {
		return 0, false, err
	}
	if v == nil {
		return 0, false, nil
	}
	return binary.BigEndian.Uint64(v), true, nil
}

func (c *Cache) putLocal(key groupShard, offset uint64) error {
	buf := make([]byte, 8)
	binary.BigEndian.PutUint64(buf, offset)
	return c.kv.Put(bucketOffset, key.storageKey(), buf)
}

// Run drives the periodic flush loop until ctx is canceled.
func (c *Cache) Run(ctx context.Context) {
	ticker := time.NewTicker(c.flushInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			c.flushOnce(ctx)
		}
	}
}

// flushOnce pushes every dirty group's offset to meta where the local
// value is ahead of (or remote is missing) the authoritative one, then
// clears the dirty flag only for keys whose local value hasn't moved
// on since the snapshot was taken.
func (c *Cache) flushOnce(ctx context.Context) {
	logger := log.WithComponent("offset")

	c.mu.Lock()
	keys := make([]groupShard, 0, len(c.dirty))
	for k := range c.dirty {
		keys = append(keys, k)
	}
	c.mu.Unlock()

	for _, key := range keys {
		local, found, err := c.getLocal(key)
		if err != nil || !found {
			continue
		}

		resp, err := c.meta.OffsetGet(ctx, key.group, key.shard)
		if err != nil {
			logger.Warn().Str("group", key.group).Str("shard", key.shard).Err(err).Msg("fetch authoritative offset failed")
			continue
		}

		if resp.Found && resp.Offset >= local {
			c.clearIfUnchanged(key, local)
			continue
		}

		if err := c.meta.OffsetSave(ctx, key.group, key.shard, local, false); err != nil {
			logger.Warn().Str("group", key.group).Str("shard", key.shard).Err(err).Msg("push offset to meta failed")
			continue
		}
		c.clearIfUnchanged(key, local)
	}
}

func (c *Cache) clearIfUnchanged(key groupShard, flushed uint64) {
	c.mu.Lock()
	defer c.mu.Unlock()
	current, found, err := c.getLocal(key)
	if err == nil && found && current == flushed {
		delete(c.dirty, key)
	}
}
