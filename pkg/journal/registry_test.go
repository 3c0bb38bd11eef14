package journal

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/robustmq/robustmq/pkg/types"
)

func testShardMeta() types.Shard {
	return types.Shard{
		ClusterName:      "c1",
		Namespace:        "ns",
		ShardName:        "orders",
		ActiveSegmentSeq: 0,
		Config:           types.ShardConfig{MaxSegmentSize: 1 << 20},
	}
}

func TestShardRegistryOpenIsIdempotent(t *testing.T) {
	reg := NewShardRegistry(t.TempDir(), &fakeRoller{})
	meta := testShardMeta()

	sh1, err := reg.Open(meta)
	require.NoError(t, err)
	sh2, err := reg.Open(meta)
	require.NoError(t, err)
	require.Same(t, sh1, sh2)
}

func TestShardRegistryGetMissingIsNotFound(t *testing.T) {
	reg := NewShardRegistry(t.TempDir(), &fakeRoller{})
	_, err := reg.Get("c1/ns/ghost")
	require.Error(t, err)
}

func TestShardRegistryDropClosesShard(t *testing.T) {
	reg := NewShardRegistry(t.TempDir(), &fakeRoller{})
	meta := testShardMeta()
	_, err := reg.Open(meta)
	require.NoError(t, err)

	require.NoError(t, reg.Drop(meta.Key()))
	_, err = reg.Get(meta.Key())
	require.Error(t, err)
}

func TestApplyCacheUpdateShardDeleteDropsShard(t *testing.T) {
	reg := NewShardRegistry(t.TempDir(), &fakeRoller{})
	meta := testShardMeta()
	_, err := reg.Open(meta)
	require.NoError(t, err)

	require.NoError(t, reg.ApplyCacheUpdate("Delete", "shard", "c1", meta.Key(), nil))
	_, err = reg.Get(meta.Key())
	require.Error(t, err)
}

func TestApplyCacheUpdateShardSetOpensShard(t *testing.T) {
	reg := NewShardRegistry(t.TempDir(), &fakeRoller{})
	meta := testShardMeta()
	data, err := json.Marshal(meta)
	require.NoError(t, err)

	require.NoError(t, reg.ApplyCacheUpdate("Set", "shard", meta.ClusterName, meta.Key(), data))

	_, err = reg.Get(meta.Key())
	require.NoError(t, err)
}

func TestApplyCacheUpdateSegmentAdoptsRoll(t *testing.T) {
	reg := NewShardRegistry(t.TempDir(), &fakeRoller{})
	meta := testShardMeta()
	_, err := reg.Open(meta)
	require.NoError(t, err)

	next := types.Segment{
		ClusterName: meta.ClusterName,
		Namespace:   meta.Namespace,
		ShardName:   meta.ShardName,
		SegmentSeq:  1,
		Status:      types.SegmentStatusWrite,
	}
	data, err := json.Marshal(next)
	require.NoError(t, err)

	require.NoError(t, reg.ApplyCacheUpdate("Set", "segment", meta.ClusterName, "", data))

	sh, err := reg.Get(meta.Key())
	require.NoError(t, err)
	require.EqualValues(t, 1, sh.ActiveSegmentSeq())
}

func TestApplyCacheUpdateSegmentIgnoresUnknownShard(t *testing.T) {
	reg := NewShardRegistry(t.TempDir(), &fakeRoller{})
	next := types.Segment{ClusterName: "c1", Namespace: "ns", ShardName: "unopened", SegmentSeq: 1}
	data, err := json.Marshal(next)
	require.NoError(t, err)
	require.NoError(t, reg.ApplyCacheUpdate("Set", "segment", "c1", "", data))
}
