package journal

import (
	"encoding/json"
	"errors"
	"io"
	"net"

	"github.com/robustmq/robustmq/pkg/codec"
	"github.com/robustmq/robustmq/pkg/errs"
	"github.com/robustmq/robustmq/pkg/log"
)

// Server is JournalServerAdminService's data plane: a raw framed-TCP
// listener speaking codec.JournalFrame, dispatching each frame to the
// ShardRegistry by JournalRequestType. This is deliberately not a grpc
// service — the frame format in pkg/codec/journal.go is a purpose-built
// binary envelope, not a message-described RPC.
type Server struct {
	registry *ShardRegistry
}

// NewServer builds a data-plane server over registry.
func NewServer(registry *ShardRegistry) *Server {
	return &Server{registry: registry}
}

// Serve accepts connections on ln until it errors or is closed.
func (s *Server) Serve(ln net.Listener) error {
	logger := log.WithComponent("journal-dataplane")
	for {
		conn, err := ln.Accept()
		if err != nil {
			return err
		}
		logger.Debug().Str("remote", conn.RemoteAddr().String()).Msg("accepted journal connection")
		go s.handleConn(conn)
	}
}

func (s *Server) handleConn(conn net.Conn) {
	logger := log.WithComponent("journal-dataplane")
	defer conn.Close()

	for {
		frame, err := codec.DecodeJournalFrame(conn)
		if err != nil {
			if !errors.Is(err, io.EOF) {
				logger.Debug().Str("remote", conn.RemoteAddr().String()).Err(err).Msg("journal connection closed")
			}
			return
		}

		status, payload := s.dispatch(frame)
		if err := codec.EncodeJournalResponse(conn, frame.ReqType, status, nil, payload); err != nil {
			logger.Warn().Str("remote", conn.RemoteAddr().String()).Err(err).Msg("write journal response failed")
			return
		}
	}
}

// --- wire shapes (JSON header/body, per the framed envelope) -------------

type shardHeader struct {
	ShardKey string `json:"shard_key"`
}

type wireRecord struct {
	PKID  uint64 `json:"pkid"`
	Key   []byte `json:"key,omitempty"`
	Value []byte `json:"value"`
	Tag   []byte `json:"tag,omitempty"`
}

type writeBody struct {
	Records []wireRecord `json:"records"`
}

type writeResponseBody struct {
	Offsets []int64 `json:"offsets"`
}

type readOffsetHeader struct {
	ShardKey   string `json:"shard_key"`
	SegmentSeq uint64 `json:"segment_seq"`
	Offset     int64  `json:"offset"`
	MaxRecords int    `json:"max_records"`
	MaxBytes   int64  `json:"max_bytes"`
}

type readTimestampHeader struct {
	ShardKey   string `json:"shard_key"`
	SegmentSeq uint64 `json:"segment_seq"`
	Timestamp  int64  `json:"timestamp"`
	MaxRecords int    `json:"max_records"`
	MaxBytes   int64  `json:"max_bytes"`
}

type readResponseBody struct {
	Offsets []int64      `json:"offsets"`
	Records []wireRecord `json:"records"`
}

type updateStartOffsetHeader struct {
	ShardKey   string `json:"shard_key"`
	SegmentSeq uint64 `json:"segment_seq"`
	Offset     int64  `json:"offset"`
}

type shardMetaResponseBody struct {
	ActiveSegmentSeq uint64 `json:"active_segment_seq"`
	StartSegmentSeq  uint64 `json:"start_segment_seq"`
	LastSegmentSeq   uint64 `json:"last_segment_seq"`
}

// dispatch runs one request frame against the registry and always
// returns a status plus payload to write back — errors are carried as
// JournalStatusError responses rather than connection aborts, so one bad
// request never kills the connection's other in-flight shards.
func (s *Server) dispatch(f *codec.JournalFrame) (codec.JournalStatus, []byte) {
	switch f.ReqType {
	case codec.JournalReqWrite:
		return s.handleWrite(f)
	case codec.JournalReqReadOffset:
		return s.handleReadOffset(f)
	case codec.JournalReqReadTimestamp:
		return s.handleReadTimestamp(f)
	case codec.JournalReqUpdateStartOffset:
		return s.handleUpdateStartOffset(f)
	case codec.JournalReqGetShardMeta:
		return s.handleGetShardMeta(f)
	default:
		return errResponse(errs.New(errs.Protocol, "unknown journal request type"))
	}
}

func (s *Server) handleWrite(f *codec.JournalFrame) (codec.JournalStatus, []byte) {
	var hdr shardHeader
	if err := json.Unmarshal(f.Header, &hdr); err != nil {
		return errResponse(errs.Wrap(errs.Protocol, "decode write header", err))
	}
	var body writeBody
	if err := json.Unmarshal(f.Body, &body); err != nil {
		return errResponse(errs.Wrap(errs.Protocol, "decode write body", err))
	}

	shard, err := s.registry.Get(hdr.ShardKey)
	if err != nil {
		return errResponse(err)
	}

	records := make([]Record, len(body.Records))
	for i, r := range body.Records {
		records[i] = Record{PKID: r.PKID, Key: r.Key, Value: r.Value, Tag: r.Tag}
	}

	offsets, err := shard.Append(records)
	if err != nil {
		return errResponse(err)
	}
	return okResponse(writeResponseBody{Offsets: offsets})
}

func (s *Server) handleReadOffset(f *codec.JournalFrame) (codec.JournalStatus, []byte) {
	var hdr readOffsetHeader
	if err := json.Unmarshal(f.Header, &hdr); err != nil {
		return errResponse(errs.Wrap(errs.Protocol, "decode read_offset header", err))
	}
	shard, err := s.registry.Get(hdr.ShardKey)
	if err != nil {
		return errResponse(err)
	}
	batch, err := shard.ReadFromOffset(hdr.SegmentSeq, hdr.Offset, hdr.MaxRecords, hdr.MaxBytes)
	if err != nil {
		return errResponse(err)
	}
	return okResponse(batchToWire(batch))
}

func (s *Server) handleReadTimestamp(f *codec.JournalFrame) (codec.JournalStatus, []byte) {
	var hdr readTimestampHeader
	if err := json.Unmarshal(f.Header, &hdr); err != nil {
		return errResponse(errs.Wrap(errs.Protocol, "decode read_timestamp header", err))
	}
	shard, err := s.registry.Get(hdr.ShardKey)
	if err != nil {
		return errResponse(err)
	}
	batch, err := shard.ReadFromTimestamp(hdr.SegmentSeq, hdr.Timestamp, hdr.MaxRecords, hdr.MaxBytes)
	if err != nil {
		return errResponse(err)
	}
	return okResponse(batchToWire(batch))
}

func (s *Server) handleUpdateStartOffset(f *codec.JournalFrame) (codec.JournalStatus, []byte) {
	var hdr updateStartOffsetHeader
	if err := json.Unmarshal(f.Header, &hdr); err != nil {
		return errResponse(errs.Wrap(errs.Protocol, "decode update_start_offset header", err))
	}
	shard, err := s.registry.Get(hdr.ShardKey)
	if err != nil {
		return errResponse(err)
	}
	if err := shard.UpdateStartOffset(hdr.SegmentSeq, hdr.Offset); err != nil {
		return errResponse(err)
	}
	return okResponse(struct{}{})
}

func (s *Server) handleGetShardMeta(f *codec.JournalFrame) (codec.JournalStatus, []byte) {
	var hdr shardHeader
	if err := json.Unmarshal(f.Header, &hdr); err != nil {
		return errResponse(errs.Wrap(errs.Protocol, "decode get_shard_meta header", err))
	}
	shard, err := s.registry.Get(hdr.ShardKey)
	if err != nil {
		return errResponse(err)
	}
	meta := shard.Meta()
	return okResponse(shardMetaResponseBody{
		ActiveSegmentSeq: meta.ActiveSegmentSeq,
		StartSegmentSeq:  meta.StartSegmentSeq,
		LastSegmentSeq:   meta.LastSegmentSeq,
	})
}

func batchToWire(batch *Batch) readResponseBody {
	records := make([]wireRecord, len(batch.Records))
	for i, r := range batch.Records {
		records[i] = wireRecord{PKID: r.PKID, Key: r.Key, Value: r.Value, Tag: r.Tag}
	}
	return readResponseBody{Offsets: batch.Offsets, Records: records}
}

func okResponse(payload interface{}) (codec.JournalStatus, []byte) {
	body, err := json.Marshal(payload)
	if err != nil {
		return errResponse(errs.Wrap(errs.Protocol, "encode response payload", err))
	}
	return codec.JournalStatusOK, body
}

func errResponse(err error) (codec.JournalStatus, []byte) {
	return codec.JournalStatusError, []byte(err.Error())
}
