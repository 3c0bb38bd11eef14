package raftmeta

import (
	"bytes"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/robustmq/robustmq/pkg/storage"
)

// fakeSnapshotSink adapts a bytes.Buffer to raft.SnapshotSink for testing
// Persist without standing up a real raft.FileSnapshotStore.
type fakeSnapshotSink struct {
	bytes.Buffer
	id        string
	cancelled bool
}

func (f *fakeSnapshotSink) ID() string     { return f.id }
func (f *fakeSnapshotSink) Cancel() error  { f.cancelled = true; return nil }
func (f *fakeSnapshotSink) Close() error   { return nil }

func TestSnapshotPersistAndRestoreRoundTrip(t *testing.T) {
	srcKV, err := storage.OpenBoltKV(filepath.Join(t.TempDir(), "src.db"))
	require.NoError(t, err)
	defer srcKV.Close()

	require.NoError(t, srcKV.Put(bucketMetadata, []byte("cluster/prod"), []byte(`{"cluster_name":"prod"}`)))
	require.NoError(t, srcKV.Put(bucketMqtt, []byte("user/alice"), []byte(`{"username":"alice"}`)))
	require.NoError(t, srcKV.Put(bucketOffset, []byte("g1/orders"), []byte("42")))

	builder := newSnapshotBuilder(srcKV)
	sink := &fakeSnapshotSink{id: "snap-1"}
	require.NoError(t, builder.Persist(sink))
	require.False(t, sink.cancelled)

	dstKV, err := storage.OpenBoltKV(filepath.Join(t.TempDir(), "dst.db"))
	require.NoError(t, err)
	defer dstKV.Close()

	require.NoError(t, restoreSnapshot(dstKV, bytes.NewReader(sink.Bytes())))

	v, err := dstKV.Get(bucketMetadata, []byte("cluster/prod"))
	require.NoError(t, err)
	require.JSONEq(t, `{"cluster_name":"prod"}`, string(v))

	v, err = dstKV.Get(bucketMqtt, []byte("user/alice"))
	require.NoError(t, err)
	require.JSONEq(t, `{"username":"alice"}`, string(v))

	v, err = dstKV.Get(bucketOffset, []byte("g1/orders"))
	require.NoError(t, err)
	require.Equal(t, "42", string(v))
}

func TestSnapshotRestoreBatchesAcrossMultipleFlushes(t *testing.T) {
	srcKV, err := storage.OpenBoltKV(filepath.Join(t.TempDir(), "src.db"))
	require.NoError(t, err)
	defer srcKV.Close()

	const n = restoreBatchSize + 50
	for i := 0; i < n; i++ {
		key := []byte(itoaPadded(i))
		require.NoError(t, srcKV.Put(bucketMqtt, key, []byte("v")))
	}

	builder := newSnapshotBuilder(srcKV)
	sink := &fakeSnapshotSink{id: "snap-2"}
	require.NoError(t, builder.Persist(sink))

	dstKV, err := storage.OpenBoltKV(filepath.Join(t.TempDir(), "dst.db"))
	require.NoError(t, err)
	defer dstKV.Close()

	require.NoError(t, restoreSnapshot(dstKV, bytes.NewReader(sink.Bytes())))

	count := 0
	require.NoError(t, dstKV.ForEach(bucketMqtt, func(k, v []byte) error {
		count++
		return nil
	}))
	require.Equal(t, n, count)
}

func itoaPadded(i int) string {
	b := make([]byte, 0, 8)
	for j := 7; j >= 0; j-- {
		digit := (i >> (j * 4)) & 0xF
		b = append(b, "0123456789abcdef"[digit])
	}
	return string(b)
}

func TestSplitSnapshotKeyRejectsMissingSeparator(t *testing.T) {
	_, _, ok := splitSnapshotKey([]byte("no-separator-here"))
	require.False(t, ok)
}
