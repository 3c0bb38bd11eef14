package journal

import (
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/robustmq/robustmq/pkg/types"
)

func openTestSegment(t *testing.T, seq uint64) *Segment {
	t.Helper()
	path := filepath.Join(t.TempDir(), "seg.msg")
	seg, err := OpenSegment(path, types.Segment{SegmentSeq: seq})
	require.NoError(t, err)
	t.Cleanup(func() { _ = seg.Close() })
	return seg
}

func TestSegmentAppendAssignsContiguousOffsets(t *testing.T) {
	seg := openTestSegment(t, 0)

	offsets, err := seg.Append([]Record{
		{PKID: 1, Key: []byte("k1"), Value: []byte("v1")},
		{PKID: 2, Key: []byte("k2"), Value: []byte("v2")},
	})
	require.NoError(t, err)
	require.Equal(t, []int64{0, 1}, offsets)
	require.EqualValues(t, 1, seg.EndOffset())

	more, err := seg.Append([]Record{{PKID: 3, Key: []byte("k3"), Value: []byte("v3")}})
	require.NoError(t, err)
	require.Equal(t, []int64{2}, more)
}

func TestSegmentReadFromOffset(t *testing.T) {
	seg := openTestSegment(t, 0)
	_, err := seg.Append([]Record{
		{PKID: 1, Key: []byte("a"), Value: []byte("va")},
		{PKID: 2, Key: []byte("b"), Value: []byte("vb")},
		{PKID: 3, Key: []byte("c"), Value: []byte("vc")},
	})
	require.NoError(t, err)

	batch, err := seg.ReadFromOffset(1, 10, 0)
	require.NoError(t, err)
	require.Equal(t, []int64{1, 2}, batch.Offsets)
	require.Equal(t, "vb", string(batch.Records[0].Value))
	require.Equal(t, "vc", string(batch.Records[1].Value))
}

func TestSegmentSealRejectsFurtherAppends(t *testing.T) {
	seg := openTestSegment(t, 0)
	_, err := seg.Append([]Record{{PKID: 1, Key: []byte("a"), Value: []byte("va")}})
	require.NoError(t, err)

	require.NoError(t, seg.Seal())
	require.True(t, seg.Sealed())

	_, err = seg.Append([]Record{{PKID: 2, Key: []byte("b"), Value: []byte("vb")}})
	require.Error(t, err)
}

func TestSegmentRebuildsFromDataOnReopen(t *testing.T) {
	path := filepath.Join(t.TempDir(), "seg.msg")
	seg, err := OpenSegment(path, types.Segment{SegmentSeq: 0})
	require.NoError(t, err)

	_, err = seg.Append([]Record{
		{PKID: 1, Key: []byte("a"), Value: []byte("va")},
		{PKID: 2, Key: []byte("b"), Value: []byte("vb")},
	})
	require.NoError(t, err)
	require.NoError(t, seg.Close())

	reopened, err := OpenSegment(path, types.Segment{SegmentSeq: 0})
	require.NoError(t, err)
	defer reopened.Close()

	require.EqualValues(t, 1, reopened.EndOffset())
	batch, err := reopened.ReadFromOffset(0, 10, 0)
	require.NoError(t, err)
	require.Len(t, batch.Records, 2)
}
