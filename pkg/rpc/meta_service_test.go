package rpc

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/robustmq/robustmq/pkg/raftmeta"
	"github.com/robustmq/robustmq/pkg/storage"
	"github.com/robustmq/robustmq/pkg/types"
)

func newTestMetaServer(t *testing.T) *MetaServer {
	t.Helper()
	kv, err := storage.OpenBoltKV(filepath.Join(t.TempDir(), "meta.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = kv.Close() })

	router := raftmeta.NewMetaRouter(kv, nil)
	_ = raftmeta.NewStateMachine(router) // exercised indirectly; server talks to router directly in this test
	return &MetaServer{Node: &raftmeta.Node{Router: router}}
}

func TestMetaServerResourceConfigGetMissing(t *testing.T) {
	s := newTestMetaServer(t)
	resp, err := s.ResourceConfigGet(context.Background(), &ResourceConfigGetRequest{ResourceType: "user", Key: "nobody"})
	require.NoError(t, err)
	require.False(t, resp.Found)
}

func TestMetaServerOffsetGetMissing(t *testing.T) {
	s := newTestMetaServer(t)
	resp, err := s.OffsetGet(context.Background(), &OffsetGetRequest{Group: "g1", Shard: "orders"})
	require.NoError(t, err)
	require.False(t, resp.Found)
	require.Equal(t, uint64(0), resp.Offset)
}

func TestMetaServiceDescHasExpectedMethods(t *testing.T) {
	names := make(map[string]bool, len(MetaServiceDesc.Methods))
	for _, m := range MetaServiceDesc.Methods {
		names[m.MethodName] = true
	}
	for _, want := range []string{
		"Status", "NodeRegister", "NodeUnregister", "Heartbeat",
		"ShardCreate", "ShardDelete", "SegmentCreate", "SegmentDelete",
		"ResourceConfigSet", "ResourceConfigGet", "OffsetSave", "OffsetGet",
		"SchemaCreate", "SchemaDelete",
	} {
		require.True(t, names[want], "missing method %s", want)
	}
}

var _ = types.Node{}
