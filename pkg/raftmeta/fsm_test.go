package raftmeta

import (
	"bytes"
	"encoding/json"
	"io"
	"path/filepath"
	"testing"

	"github.com/hashicorp/raft"
	"github.com/stretchr/testify/require"

	"github.com/robustmq/robustmq/pkg/storage"
	"github.com/robustmq/robustmq/pkg/types"
)

func TestStateMachineApplyRoutesToRouter(t *testing.T) {
	kv, err := storage.OpenBoltKV(filepath.Join(t.TempDir(), "meta.db"))
	require.NoError(t, err)
	defer kv.Close()

	router := NewMetaRouter(kv, nil)
	fsm := NewStateMachine(router)

	c := types.Cluster{ClusterName: "prod"}
	cb, err := json.Marshal(c)
	require.NoError(t, err)
	data, err := json.Marshal(StorageData{DataType: DataTypeClusterCreate, Value: cb})
	require.NoError(t, err)

	resp := fsm.Apply(&raft.Log{Index: 1, Data: data})
	require.Nil(t, resp)

	v, err := kv.Get(bucketMetadata, []byte("cluster/prod"))
	require.NoError(t, err)
	require.NotNil(t, v)
}

func TestStateMachineApplyReturnsRouterError(t *testing.T) {
	kv, err := storage.OpenBoltKV(filepath.Join(t.TempDir(), "meta.db"))
	require.NoError(t, err)
	defer kv.Close()

	router := NewMetaRouter(kv, nil)
	fsm := NewStateMachine(router)

	n := types.Node{NodeID: "ghost", ClusterName: "nope"}
	nb, err := json.Marshal(n)
	require.NoError(t, err)
	data, err := json.Marshal(StorageData{DataType: DataTypeNodeRegister, Value: nb})
	require.NoError(t, err)

	resp := fsm.Apply(&raft.Log{Index: 1, Data: data})
	_, ok := resp.(error)
	require.True(t, ok, "expected Apply to return an error value")
}

func TestStateMachineSnapshotAndRestore(t *testing.T) {
	kv, err := storage.OpenBoltKV(filepath.Join(t.TempDir(), "meta.db"))
	require.NoError(t, err)
	defer kv.Close()

	router := NewMetaRouter(kv, nil)
	fsm := NewStateMachine(router)

	require.NoError(t, kv.Put(bucketMetadata, []byte("cluster/prod"), []byte(`{"cluster_name":"prod"}`)))

	snap, err := fsm.Snapshot()
	require.NoError(t, err)
	sink := &fakeSnapshotSink{id: "snap-fsm"}
	require.NoError(t, snap.Persist(sink))

	kv2, err := storage.OpenBoltKV(filepath.Join(t.TempDir(), "meta2.db"))
	require.NoError(t, err)
	defer kv2.Close()

	router2 := NewMetaRouter(kv2, nil)
	fsm2 := NewStateMachine(router2)
	require.NoError(t, fsm2.Restore(io.NopCloser(bytes.NewReader(sink.Bytes()))))

	v, err := kv2.Get(bucketMetadata, []byte("cluster/prod"))
	require.NoError(t, err)
	require.JSONEq(t, `{"cluster_name":"prod"}`, string(v))
}
