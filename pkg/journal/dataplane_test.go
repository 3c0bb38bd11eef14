package journal

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/robustmq/robustmq/pkg/codec"
)

func newTestServer(t *testing.T) (*Server, string) {
	t.Helper()
	reg := NewShardRegistry(t.TempDir(), &fakeRoller{})
	meta := testShardMeta()
	_, err := reg.Open(meta)
	require.NoError(t, err)
	return NewServer(reg), meta.Key()
}

func mustHeader(t *testing.T, v interface{}) []byte {
	t.Helper()
	b, err := json.Marshal(v)
	require.NoError(t, err)
	return b
}

func TestDataplaneWriteThenReadOffset(t *testing.T) {
	srv, shardKey := newTestServer(t)

	reqHeader := mustHeader(t, shardHeader{ShardKey: shardKey})
	reqBody, err := json.Marshal(writeBody{Records: []wireRecord{
		{PKID: 1, Key: []byte("k1"), Value: []byte("v1")},
		{PKID: 2, Key: []byte("k2"), Value: []byte("v2")},
	}})
	require.NoError(t, err)

	status, payload := srv.dispatch(&codec.JournalFrame{ReqType: codec.JournalReqWrite, Header: reqHeader, Body: reqBody})
	require.Equal(t, codec.JournalStatusOK, status)
	var wresp writeResponseBody
	require.NoError(t, json.Unmarshal(payload, &wresp))
	require.Equal(t, []int64{0, 1}, wresp.Offsets)

	readHeader := mustHeader(t, readOffsetHeader{ShardKey: shardKey, SegmentSeq: 0, Offset: 0, MaxRecords: 10, MaxBytes: 0})
	status, payload = srv.dispatch(&codec.JournalFrame{ReqType: codec.JournalReqReadOffset, Header: readHeader})
	require.Equal(t, codec.JournalStatusOK, status)
	var rresp readResponseBody
	require.NoError(t, json.Unmarshal(payload, &rresp))
	require.Len(t, rresp.Records, 2)
	require.Equal(t, "v1", string(rresp.Records[0].Value))
}

func TestDataplaneUnknownShardReturnsError(t *testing.T) {
	srv, _ := newTestServer(t)
	hdr := mustHeader(t, shardHeader{ShardKey: "c1/ns/ghost"})
	status, payload := srv.dispatch(&codec.JournalFrame{ReqType: codec.JournalReqGetShardMeta, Header: hdr})
	require.Equal(t, codec.JournalStatusError, status)
	require.NotEmpty(t, payload)
}

func TestDataplaneGetShardMeta(t *testing.T) {
	srv, shardKey := newTestServer(t)
	hdr := mustHeader(t, shardHeader{ShardKey: shardKey})
	status, payload := srv.dispatch(&codec.JournalFrame{ReqType: codec.JournalReqGetShardMeta, Header: hdr})
	require.Equal(t, codec.JournalStatusOK, status)
	var resp shardMetaResponseBody
	require.NoError(t, json.Unmarshal(payload, &resp))
	require.EqualValues(t, 0, resp.ActiveSegmentSeq)
}

func TestDataplaneUpdateStartOffset(t *testing.T) {
	srv, shardKey := newTestServer(t)
	hdr := mustHeader(t, updateStartOffsetHeader{ShardKey: shardKey, SegmentSeq: 0, Offset: 5})
	status, _ := srv.dispatch(&codec.JournalFrame{ReqType: codec.JournalReqUpdateStartOffset, Header: hdr})
	require.Equal(t, codec.JournalStatusOK, status)
}

func TestDataplaneUnknownRequestType(t *testing.T) {
	srv, _ := newTestServer(t)
	status, _ := srv.dispatch(&codec.JournalFrame{ReqType: codec.JournalRequestType(99)})
	require.Equal(t, codec.JournalStatusError, status)
}
