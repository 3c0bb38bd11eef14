package client

import (
	"context"
	"crypto/tls"
	"encoding/json"
	"fmt"
	"net"
	"sync"
	"time"

	"github.com/robustmq/robustmq/pkg/codec"
	"github.com/robustmq/robustmq/pkg/errs"
)

// DataRecord is one (pkid, key, value, tag) tuple written to or read
// from a shard, mirroring the journal engine's wire record without
// importing pkg/journal (which already imports this package for its
// segment-roll requests, so the reverse import would cycle).
type DataRecord struct {
	PKID  uint64
	Key   []byte
	Value []byte
	Tag   []byte
}

// DataBatch is the result of a read call against the journal data plane.
type DataBatch struct {
	Offsets []int64
	Records []DataRecord
}

// ShardMeta is a snapshot of one shard's segment catalog as reported by
// GetShardMeta.
type ShardMeta struct {
	ActiveSegmentSeq uint64
	StartSegmentSeq  uint64
	LastSegmentSeq   uint64
}

// --- wire structs, matching pkg/journal/dataplane.go's private shapes ---

type dataShardHeader struct {
	ShardKey string `json:"shard_key"`
}

type dataWireRecord struct {
	PKID  uint64 `json:"pkid"`
	Key   []byte `json:"key,omitempty"`
	Value []byte `json:"value"`
	Tag   []byte `json:"tag,omitempty"`
}

type dataWriteBody struct {
	Records []dataWireRecord `json:"records"`
}

type dataWriteResponseBody struct {
	Offsets []int64 `json:"offsets"`
}

type dataReadOffsetHeader struct {
	ShardKey   string `json:"shard_key"`
	SegmentSeq uint64 `json:"segment_seq"`
	Offset     int64  `json:"offset"`
	MaxRecords int    `json:"max_records"`
	MaxBytes   int64  `json:"max_bytes"`
}

type dataReadTimestampHeader struct {
	ShardKey   string `json:"shard_key"`
	SegmentSeq uint64 `json:"segment_seq"`
	Timestamp  int64  `json:"timestamp"`
	MaxRecords int    `json:"max_records"`
	MaxBytes   int64  `json:"max_bytes"`
}

type dataReadResponseBody struct {
	Offsets []int64          `json:"offsets"`
	Records []dataWireRecord `json:"records"`
}

type dataUpdateStartOffsetHeader struct {
	ShardKey   string `json:"shard_key"`
	SegmentSeq uint64 `json:"segment_seq"`
	Offset     int64  `json:"offset"`
}

type dataShardMetaResponseBody struct {
	ActiveSegmentSeq uint64 `json:"active_segment_seq"`
	StartSegmentSeq  uint64 `json:"start_segment_seq"`
	LastSegmentSeq   uint64 `json:"last_segment_seq"`
}

// journalConn is one persistent connection to a journal node's data
// plane. Requests are serialized through mu since the wire protocol is
// one request in flight per connection at a time.
type journalConn struct {
	mu   sync.Mutex
	conn net.Conn
}

func (c *journalConn) roundTrip(reqType codec.JournalRequestType, header, body []byte) (codec.JournalStatus, []byte, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if err := codec.EncodeJournalFrame(c.conn, &codec.JournalFrame{ReqType: reqType, Header: header, Body: body}); err != nil {
		return 0, nil, fmt.Errorf("write journal frame: %w", err)
	}
	resp, err := codec.DecodeJournalFrame(c.conn)
	if err != nil {
		return 0, nil, fmt.Errorf("read journal frame: %w", err)
	}
	return codec.DecodeJournalResponse(resp)
}

// JournalDataClient dials journal nodes' raw-TCP data-plane listeners
// on demand and keeps one connection per address alive for reuse,
// mirroring ClientPool's dial-on-demand shape over a non-grpc transport.
type JournalDataClient struct {
	mu          sync.Mutex
	conns       map[string]*journalConn
	tlsConfig   *tls.Config
	dialTimeout time.Duration
}

// NewJournalDataClient builds a data-plane client. A nil tlsConfig
// dials in plaintext.
func NewJournalDataClient(tlsConfig *tls.Config) *JournalDataClient {
	return &JournalDataClient{
		conns:       make(map[string]*journalConn),
		tlsConfig:   tlsConfig,
		dialTimeout: 10 * time.Second,
	}
}

func (c *JournalDataClient) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	var firstErr error
	for addr, jc := range c.conns {
		if err := jc.conn.Close(); err != nil && firstErr == nil {
			firstErr = fmt.Errorf("close %s: %w", addr, err)
		}
	}
	c.conns = make(map[string]*journalConn)
	return firstErr
}

func (c *JournalDataClient) dial(addr string) (*journalConn, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if jc, ok := c.conns[addr]; ok {
		return jc, nil
	}

	var conn net.Conn
	var err error
	if c.tlsConfig != nil {
		conn, err = tls.DialWithDialer(&net.Dialer{Timeout: c.dialTimeout}, "tcp", addr, c.tlsConfig)
	} else {
		conn, err = net.DialTimeout("tcp", addr, c.dialTimeout)
	}
	if err != nil {
		return nil, fmt.Errorf("dial journal node %s: %w", addr, err)
	}
	jc := &journalConn{conn: conn}
	c.conns[addr] = jc
	return jc, nil
}

// invalidate drops a broken connection so the next call redials.
func (c *JournalDataClient) invalidate(addr string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if jc, ok := c.conns[addr]; ok {
		_ = jc.conn.Close()
		delete(c.conns, addr)
	}
}

func (c *JournalDataClient) call(ctx context.Context, addr string, reqType codec.JournalRequestType, header, body []byte) (codec.JournalStatus, []byte, error) {
	jc, err := c.dial(addr)
	if err != nil {
		return 0, nil, err
	}
	if dl, ok := ctx.Deadline(); ok {
		_ = jc.conn.SetDeadline(dl)
	}
	status, payload, err := jc.roundTrip(reqType, header, body)
	if err != nil {
		c.invalidate(addr)
		return 0, nil, err
	}
	return status, payload, nil
}

// Write appends records to shardKey on the node at addr.
func (c *JournalDataClient) Write(ctx context.Context, addr, shardKey string, records []DataRecord) ([]int64, error) {
	header, err := json.Marshal(dataShardHeader{ShardKey: shardKey})
	if err != nil {
		return nil, err
	}
	wire := make([]dataWireRecord, len(records))
	for i, r := range records {
		wire[i] = dataWireRecord{PKID: r.PKID, Key: r.Key, Value: r.Value, Tag: r.Tag}
	}
	body, err := json.Marshal(dataWriteBody{Records: wire})
	if err != nil {
		return nil, err
	}

	status, payload, err := c.call(ctx, addr, codec.JournalReqWrite, header, body)
	if err != nil {
		return nil, err
	}
	if status != codec.JournalStatusOK {
		return nil, errs.New(errs.IO, string(payload))
	}
	var resp dataWriteResponseBody
	if err := json.Unmarshal(payload, &resp); err != nil {
		return nil, fmt.Errorf("decode write response: %w", err)
	}
	return resp.Offsets, nil
}

// ReadFromOffset reads up to max records (bounded by maxBytes) starting
// at offset within segmentSeq.
func (c *JournalDataClient) ReadFromOffset(ctx context.Context, addr, shardKey string, segmentSeq uint64, offset int64, max int, maxBytes int64) (*DataBatch, error) {
	header, err := json.Marshal(dataReadOffsetHeader{
		ShardKey: shardKey, SegmentSeq: segmentSeq, Offset: offset, MaxRecords: max, MaxBytes: maxBytes,
	})
	if err != nil {
		return nil, err
	}
	return c.read(ctx, addr, codec.JournalReqReadOffset, header)
}

// ReadFromTimestamp mirrors ReadFromOffset, seeking by nearest timestamp.
func (c *JournalDataClient) ReadFromTimestamp(ctx context.Context, addr, shardKey string, segmentSeq uint64, ts int64, max int, maxBytes int64) (*DataBatch, error) {
	header, err := json.Marshal(dataReadTimestampHeader{
		ShardKey: shardKey, SegmentSeq: segmentSeq, Timestamp: ts, MaxRecords: max, MaxBytes: maxBytes,
	})
	if err != nil {
		return nil, err
	}
	return c.read(ctx, addr, codec.JournalReqReadTimestamp, header)
}

func (c *JournalDataClient) read(ctx context.Context, addr string, reqType codec.JournalRequestType, header []byte) (*DataBatch, error) {
	status, payload, err := c.call(ctx, addr, reqType, header, nil)
	if err != nil {
		return nil, err
	}
	if status != codec.JournalStatusOK {
		return nil, errs.New(errs.IO, string(payload))
	}
	var resp dataReadResponseBody
	if err := json.Unmarshal(payload, &resp); err != nil {
		return nil, fmt.Errorf("decode read response: %w", err)
	}
	records := make([]DataRecord, len(resp.Records))
	for i, r := range resp.Records {
		records[i] = DataRecord{PKID: r.PKID, Key: r.Key, Value: r.Value, Tag: r.Tag}
	}
	return &DataBatch{Offsets: resp.Offsets, Records: records}, nil
}

// UpdateStartOffset advances the retained-start marker of one segment.
func (c *JournalDataClient) UpdateStartOffset(ctx context.Context, addr, shardKey string, segmentSeq uint64, offset int64) error {
	header, err := json.Marshal(dataUpdateStartOffsetHeader{ShardKey: shardKey, SegmentSeq: segmentSeq, Offset: offset})
	if err != nil {
		return err
	}
	status, payload, err := c.call(ctx, addr, codec.JournalReqUpdateStartOffset, header, nil)
	if err != nil {
		return err
	}
	if status != codec.JournalStatusOK {
		return errs.New(errs.IO, string(payload))
	}
	return nil
}

// GetShardMeta fetches a shard's current segment catalog from the node
// that has it open.
func (c *JournalDataClient) GetShardMeta(ctx context.Context, addr, shardKey string) (*ShardMeta, error) {
	header, err := json.Marshal(dataShardHeader{ShardKey: shardKey})
	if err != nil {
		return nil, err
	}
	status, payload, err := c.call(ctx, addr, codec.JournalReqGetShardMeta, header, nil)
	if err != nil {
		return nil, err
	}
	if status != codec.JournalStatusOK {
		return nil, errs.New(errs.IO, string(payload))
	}
	var resp dataShardMetaResponseBody
	if err := json.Unmarshal(payload, &resp); err != nil {
		return nil, fmt.Errorf("decode shard meta response: %w", err)
	}
	return &ShardMeta{
		ActiveSegmentSeq: resp.ActiveSegmentSeq,
		StartSegmentSeq:  resp.StartSegmentSeq,
		LastSegmentSeq:   resp.LastSegmentSeq,
	}, nil
}
