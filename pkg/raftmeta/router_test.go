package raftmeta

import (
	"encoding/json"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/robustmq/robustmq/pkg/storage"
	"github.com/robustmq/robustmq/pkg/types"
)

type recordingNotifier struct {
	events []CacheInvalidation
}

func (n *recordingNotifier) Enqueue(e CacheInvalidation) { n.events = append(n.events, e) }

func newTestRouter(t *testing.T) (*MetaRouter, *recordingNotifier) {
	t.Helper()
	kv, err := storage.OpenBoltKV(filepath.Join(t.TempDir(), "meta.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = kv.Close() })
	notifier := &recordingNotifier{}
	return NewMetaRouter(kv, notifier), notifier
}

func mustJSON(t *testing.T, v any) []byte {
	t.Helper()
	b, err := json.Marshal(v)
	require.NoError(t, err)
	return b
}

func TestClusterCreateIsIdempotent(t *testing.T) {
	r, _ := newTestRouter(t)
	c := types.Cluster{ClusterName: "prod"}
	_, err := r.Apply(StorageData{DataType: DataTypeClusterCreate, Value: mustJSON(t, c)})
	require.NoError(t, err)
	_, err = r.Apply(StorageData{DataType: DataTypeClusterCreate, Value: mustJSON(t, c)})
	require.NoError(t, err)
}

func TestNodeRegisterRejectsUnknownCluster(t *testing.T) {
	r, _ := newTestRouter(t)
	n := types.Node{NodeID: "n1", ClusterName: "nope"}
	_, err := r.Apply(StorageData{DataType: DataTypeNodeRegister, Value: mustJSON(t, n)})
	require.Error(t, err)
}

func TestNodeRegisterAndHeartbeat(t *testing.T) {
	r, notifier := newTestRouter(t)
	c := types.Cluster{ClusterName: "prod"}
	_, err := r.Apply(StorageData{DataType: DataTypeClusterCreate, Value: mustJSON(t, c)})
	require.NoError(t, err)

	n := types.Node{NodeID: "n1", ClusterName: "prod"}
	_, err = r.Apply(StorageData{DataType: DataTypeNodeRegister, Value: mustJSON(t, n)})
	require.NoError(t, err)
	require.Len(t, notifier.events, 1)
	require.Equal(t, "Set", notifier.events[0].Action)

	_, err = r.Apply(StorageData{DataType: DataTypeNodeHeartbeat, Value: mustJSON(t, n)})
	require.NoError(t, err)
}

func TestHeartbeatForUnregisteredNodeFails(t *testing.T) {
	r, _ := newTestRouter(t)
	n := types.Node{NodeID: "ghost", ClusterName: "prod"}
	_, err := r.Apply(StorageData{DataType: DataTypeNodeHeartbeat, Value: mustJSON(t, n)})
	require.Error(t, err)
}

func TestShardCreateAndCascadeDeleteRemovesSegments(t *testing.T) {
	r, _ := newTestRouter(t)
	_, err := r.Apply(StorageData{DataType: DataTypeClusterCreate, Value: mustJSON(t, types.Cluster{ClusterName: "c1"})})
	require.NoError(t, err)

	sh := types.Shard{ClusterName: "c1", Namespace: "ns", ShardName: "orders"}
	_, err = r.Apply(StorageData{DataType: DataTypeShardCreate, Value: mustJSON(t, sh)})
	require.NoError(t, err)

	seg := types.Segment{ClusterName: "c1", Namespace: "ns", ShardName: "orders", SegmentSeq: 0}
	_, err = r.Apply(StorageData{DataType: DataTypeSegmentCreate, Value: mustJSON(t, seg)})
	require.NoError(t, err)

	env := entityEnvelope{Key: sh.Key()}
	_, err = r.Apply(StorageData{DataType: DataTypeShardDelete, Value: mustJSON(t, env)})
	require.NoError(t, err)

	v, err := r.kv.Get(bucketMetadata, []byte(shardBucketKey(sh.Key())))
	require.NoError(t, err)
	require.Nil(t, v)

	v, err = r.kv.Get(bucketMetadata, []byte(segmentBucketKey(seg.Key())))
	require.NoError(t, err)
	require.Nil(t, v)
}

func TestOffsetCommitRejectsRollback(t *testing.T) {
	r, _ := newTestRouter(t)
	commit := func(offset uint64) error {
		_, err := r.Apply(StorageData{
			DataType: DataTypeOffsetCommit,
			Value:    mustJSON(t, offsetMutation{Group: "g1", Shard: "orders", Offset: offset}),
		})
		return err
	}
	require.NoError(t, commit(10))
	require.NoError(t, commit(20))
	require.Error(t, commit(5))
}

func TestOffsetSeekBypassesMonotonicInvariant(t *testing.T) {
	r, _ := newTestRouter(t)
	_, err := r.Apply(StorageData{
		DataType: DataTypeOffsetCommit,
		Value:    mustJSON(t, offsetMutation{Group: "g1", Shard: "orders", Offset: 20}),
	})
	require.NoError(t, err)

	_, err = r.Apply(StorageData{
		DataType: DataTypeOffsetSeek,
		Value:    mustJSON(t, offsetMutation{Group: "g1", Shard: "orders", Offset: 5}),
	})
	require.NoError(t, err)
}

func TestMqttUserCreateAndDelete(t *testing.T) {
	r, _ := newTestRouter(t)
	env := entityEnvelope{Key: "alice", Record: mustJSON(t, types.User{Username: "alice"})}
	_, err := r.Apply(StorageData{DataType: DataTypeUserCreate, Value: mustJSON(t, env)})
	require.NoError(t, err)

	v, err := r.kv.Get(bucketMqtt, []byte("user/alice"))
	require.NoError(t, err)
	require.NotNil(t, v)

	del := entityEnvelope{Key: "alice"}
	_, err = r.Apply(StorageData{DataType: DataTypeUserDelete, Value: mustJSON(t, del)})
	require.NoError(t, err)

	v, err = r.kv.Get(bucketMqtt, []byte("user/alice"))
	require.NoError(t, err)
	require.Nil(t, v)
}
