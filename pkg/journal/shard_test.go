package journal

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/robustmq/robustmq/pkg/types"
)

type fakeRoller struct {
	nextSeq uint64
}

func (f *fakeRoller) RequestNextSegment(shard *types.Shard, sealingSeq uint64, ceiling int64) (types.Segment, error) {
	f.nextSeq++
	return types.Segment{
		ClusterName: shard.ClusterName,
		Namespace:   shard.Namespace,
		ShardName:   shard.ShardName,
		SegmentSeq:  f.nextSeq,
		Status:      types.SegmentStatusWrite,
		Ceiling:     ceiling,
	}, nil
}

func newTestShard(t *testing.T, maxSize int64) (*Shard, *fakeRoller) {
	t.Helper()
	roller := &fakeRoller{}
	meta := types.Shard{
		ClusterName:      "c1",
		Namespace:        "ns",
		ShardName:        "orders",
		ActiveSegmentSeq: 0,
		Config:           types.ShardConfig{MaxSegmentSize: maxSize},
	}
	sh, err := NewShard(t.TempDir(), meta, roller)
	require.NoError(t, err)
	t.Cleanup(func() { _ = sh.Close() })
	return sh, roller
}

func TestShardAppendWritesToActiveSegment(t *testing.T) {
	sh, _ := newTestShard(t, 1<<20)
	offsets, err := sh.Append([]Record{{PKID: 1, Key: []byte("a"), Value: []byte("v")}})
	require.NoError(t, err)
	require.Equal(t, []int64{0}, offsets)
	require.EqualValues(t, 0, sh.ActiveSegmentSeq())
}

func TestShardDoesNotRollBelowSizeThreshold(t *testing.T) {
	sh, roller := newTestShard(t, 1<<20) // 1MiB, tiny writes never cross 90%
	for i := 0; i < 5; i++ {
		_, err := sh.Append([]Record{{PKID: uint64(i), Key: []byte("k"), Value: []byte("v")}})
		require.NoError(t, err)
	}
	require.EqualValues(t, 0, roller.nextSeq)
	require.EqualValues(t, 0, sh.ActiveSegmentSeq())
}

func TestShardDoesNotRollOverThresholdOffIntervalBoundary(t *testing.T) {
	// Small max size so a handful of records crosses 90%, and the offset
	// index interval (10000) is unreachable in a unit test — so this
	// exercises maybeTriggerRoll's size gate without expecting an actual
	// roll, matching the documented invariant that roll only fires at an
	// offset-index-interval boundary.
	sh, roller := newTestShard(t, 100)
	payload := make([]byte, 50)
	for i := 0; i < 3; i++ {
		_, err := sh.Append([]Record{{PKID: uint64(i), Key: []byte("k"), Value: payload}})
		require.NoError(t, err)
	}
	time.Sleep(10 * time.Millisecond)
	require.EqualValues(t, 0, roller.nextSeq, "roll must not fire off the offset-index-interval boundary")
}

func TestShardAdoptSegmentActivatesNewSegment(t *testing.T) {
	sh, _ := newTestShard(t, 1<<20)
	_, err := sh.Append([]Record{{PKID: 1, Value: []byte("v")}})
	require.NoError(t, err)

	next := types.Segment{
		ClusterName: "c1", Namespace: "ns", ShardName: "orders",
		SegmentSeq: 1, Status: types.SegmentStatusWrite,
	}
	require.NoError(t, sh.AdoptSegment(next))
	require.EqualValues(t, 1, sh.ActiveSegmentSeq())
}

func TestShardAdoptSegmentIgnoresStaleSeq(t *testing.T) {
	sh, _ := newTestShard(t, 1<<20)
	require.NoError(t, sh.AdoptSegment(types.Segment{SegmentSeq: 0}))
	require.EqualValues(t, 0, sh.ActiveSegmentSeq())
}

func TestShardReadFromTimestampAndUpdateStartOffset(t *testing.T) {
	sh, _ := newTestShard(t, 1<<20)
	_, err := sh.Append([]Record{{PKID: 1, Value: []byte("v")}})
	require.NoError(t, err)

	// With fewer records than the offset-index interval, nothing is
	// indexed yet, so a timestamp lookup resolves to an empty batch —
	// this exercises the call path rather than the index itself.
	batch, err := sh.ReadFromTimestamp(sh.ActiveSegmentSeq(), time.Now().UnixNano(), 10, 0)
	require.NoError(t, err)
	require.Empty(t, batch.Records)

	require.NoError(t, sh.UpdateStartOffset(sh.ActiveSegmentSeq(), 0))
}
