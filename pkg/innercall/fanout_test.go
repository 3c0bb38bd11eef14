package innercall

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/robustmq/robustmq/pkg/raftmeta"
	"github.com/robustmq/robustmq/pkg/rpc"
)

type recordingClient struct {
	mu    sync.Mutex
	calls []*rpc.UpdateCacheRequest
	fail  func(*rpc.UpdateCacheRequest) error
}

func (c *recordingClient) UpdateCache(ctx context.Context, req *rpc.UpdateCacheRequest) error {
	c.mu.Lock()
	c.calls = append(c.calls, req)
	c.mu.Unlock()
	if c.fail != nil {
		return c.fail(req)
	}
	return nil
}

func (c *recordingClient) snapshot() []*rpc.UpdateCacheRequest {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]*rpc.UpdateCacheRequest, len(c.calls))
	copy(out, c.calls)
	return out
}

func TestFanoutDeliversOnlyToMatchingCluster(t *testing.T) {
	f := NewFanout()
	a := &recordingClient{}
	b := &recordingClient{}
	f.RegisterNode("cluster-a", "node-1", a)
	f.RegisterNode("cluster-b", "node-1", b)
	f.reconcile()

	f.Enqueue(raftmeta.CacheInvalidation{Action: "Set", ResourceType: "shard", ClusterName: "cluster-a", Key: "k1"})

	require.Eventually(t, func() bool { return len(a.snapshot()) == 1 }, time.Second, 5*time.Millisecond)
	require.Empty(t, b.snapshot())
	f.stopAll()
}

func TestFanoutPreservesPerTargetOrder(t *testing.T) {
	f := NewFanout()
	c := &recordingClient{}
	f.RegisterNode("cluster-a", "node-1", c)
	f.reconcile()

	for i := 0; i < 20; i++ {
		f.Enqueue(raftmeta.CacheInvalidation{
			Action: "Set", ResourceType: "shard", ClusterName: "cluster-a",
			Key: string(rune('a' + i)),
		})
	}

	require.Eventually(t, func() bool { return len(c.snapshot()) == 20 }, time.Second, 5*time.Millisecond)
	calls := c.snapshot()
	for i, call := range calls {
		require.Equal(t, string(rune('a'+i)), call.Key)
	}
	f.stopAll()
}

func TestFanoutUnregisterStopsWorker(t *testing.T) {
	f := NewFanout()
	c := &recordingClient{}
	f.RegisterNode("cluster-a", "node-1", c)
	f.reconcile()
	f.UnregisterNode("cluster-a", "node-1")
	f.reconcile()

	f.Enqueue(raftmeta.CacheInvalidation{Action: "Set", ResourceType: "shard", ClusterName: "cluster-a", Key: "k1"})
	time.Sleep(20 * time.Millisecond)
	require.Empty(t, c.snapshot())
}

func TestFanoutRunReconcilesOnTicksAndStopsOnCancel(t *testing.T) {
	f := NewFanout()
	c := &recordingClient{}
	f.RegisterNode("cluster-a", "node-1", c)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		f.Run(ctx)
		close(done)
	}()

	require.Eventually(t, func() bool {
		f.mu.Lock()
		defer f.mu.Unlock()
		_, ok := f.workers[targetKey{"cluster-a", "node-1"}]
		return ok
	}, 2*time.Second, 10*time.Millisecond)

	cancel()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("Run did not return after context cancellation")
	}
}
