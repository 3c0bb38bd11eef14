package offset

import (
	"context"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/robustmq/robustmq/pkg/rpc"
	"github.com/robustmq/robustmq/pkg/storage"
)

type fakeMeta struct {
	mu     sync.Mutex
	stored map[groupShard]uint64
	saves  int
}

func newFakeMeta() *fakeMeta {
	return &fakeMeta{stored: make(map[groupShard]uint64)}
}

func (f *fakeMeta) OffsetGet(ctx context.Context, group, shard string) (*rpc.OffsetGetResponse, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	v, ok := f.stored[groupShard{group, shard}]
	return &rpc.OffsetGetResponse{Offset: v, Found: ok}, nil
}

func (f *fakeMeta) OffsetSave(ctx context.Context, group, shard string, offset uint64, seek bool) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.saves++
	f.stored[groupShard{group, shard}] = offset
	return nil
}

func (f *fakeMeta) get(group, shard string) (uint64, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	v, ok := f.stored[groupShard{group, shard}]
	return v, ok
}

func newTestCache(t *testing.T, meta metaClient) *Cache {
	t.Helper()
	kv, err := storage.OpenBoltKV(filepath.Join(t.TempDir(), "offset.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = kv.Close() })
	return New(kv, meta, 10*time.Millisecond)
}

func TestCacheCommitAndGet(t *testing.T) {
	c := newTestCache(t, newFakeMeta())
	require.NoError(t, c.Commit("g1", "sh1", 10))
	v, found, err := c.Get("g1", "sh1")
	require.NoError(t, err)
	require.True(t, found)
	require.Equal(t, uint64(10), v)
}

func TestCacheCommitRejectsRollback(t *testing.T) {
	c := newTestCache(t, newFakeMeta())
	require.NoError(t, c.Commit("g1", "sh1", 10))
	err := c.Commit("g1", "sh1", 5)
	require.Error(t, err)
}

func TestCacheSeekAllowsRollback(t *testing.T) {
	c := newTestCache(t, newFakeMeta())
	require.NoError(t, c.Commit("g1", "sh1", 10))
	require.NoError(t, c.Seek("g1", "sh1", 3))
	v, _, err := c.Get("g1", "sh1")
	require.NoError(t, err)
	require.Equal(t, uint64(3), v)
}

func TestFlushOncePushesAheadOffsets(t *testing.T) {
	meta := newFakeMeta()
	c := newTestCache(t, meta)
	require.NoError(t, c.Commit("g1", "sh1", 42))

	c.flushOnce(context.Background())

	v, ok := meta.get("g1", "sh1")
	require.True(t, ok)
	require.Equal(t, uint64(42), v)

	c.mu.Lock()
	_, stillDirty := c.dirty[groupShard{"g1", "sh1"}]
	c.mu.Unlock()
	require.False(t, stillDirty)
}

func TestFlushOnceSkipsWhenRemoteAlreadyAhead(t *testing.T) {
	meta := newFakeMeta()
	meta.stored[groupShard{"g1", "sh1"}] = 100
	c := newTestCache(t, meta)
	require.NoError(t, c.Commit("g1", "sh1", 42))

	c.flushOnce(context.Background())

	require.Equal(t, 0, meta.saves)
	v, _ := meta.get("g1", "sh1")
	require.Equal(t, uint64(100), v)
}

func TestRunFlushesOnTicksUntilCanceled(t *testing.T) {
	meta := newFakeMeta()
	c := newTestCache(t, meta)
	require.NoError(t, c.Commit("g1", "sh1", 7))

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		c.Run(ctx)
		close(done)
	}()

	require.Eventually(t, func() bool {
		v, ok := meta.get("g1", "sh1")
		return ok && v == 7
	}, time.Second, 5*time.Millisecond)

	cancel()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("Run did not return after cancellation")
	}
}
