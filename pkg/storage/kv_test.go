package storage

import (
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
)

func openTestKV(t *testing.T) *BoltKV {
	t.Helper()
	kv, err := OpenBoltKV(filepath.Join(t.TempDir(), "test.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = kv.Close() })
	return kv
}

func TestPutGetDelete(t *testing.T) {
	kv := openTestKV(t)
	bucket := []byte("mqtt")

	require.NoError(t, kv.Put(bucket, []byte("user/alice"), []byte("v1")))

	v, err := kv.Get(bucket, []byte("user/alice"))
	require.NoError(t, err)
	require.Equal(t, []byte("v1"), v)

	require.NoError(t, kv.Delete(bucket, []byte("user/alice")))
	v, err = kv.Get(bucket, []byte("user/alice"))
	require.NoError(t, err)
	require.Nil(t, v)
}

func TestForEachPrefix(t *testing.T) {
	kv := openTestKV(t)
	bucket := []byte("journal")

	require.NoError(t, kv.Put(bucket, []byte("shard/a/1"), []byte("1")))
	require.NoError(t, kv.Put(bucket, []byte("shard/a/2"), []byte("2")))
	require.NoError(t, kv.Put(bucket, []byte("shard/b/1"), []byte("3")))

	var got []string
	err := kv.ForEachPrefix(bucket, []byte("shard/a/"), func(k, v []byte) error {
		got = append(got, string(k))
		return nil
	})
	require.NoError(t, err)
	require.ElementsMatch(t, []string{"shard/a/1", "shard/a/2"}, got)
}

func TestGetMissingBucketReturnsNil(t *testing.T) {
	kv := openTestKV(t)
	v, err := kv.Get([]byte("nope"), []byte("k"))
	require.NoError(t, err)
	require.Nil(t, v)
}
