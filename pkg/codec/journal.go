package codec

import (
	"encoding/binary"
	"fmt"
	"io"

	"github.com/robustmq/robustmq/pkg/errs"
)

// JournalRequestType identifies the journal engine's internal RPC verbs
// carried in a frame's header section.
type JournalRequestType uint8

const (
	JournalReqUnknown JournalRequestType = iota
	JournalReqWrite
	JournalReqReadOffset
	JournalReqReadTimestamp
	JournalReqUpdateStartOffset
	JournalReqGetShardMeta
)

// journalMaxPayload is the hard ceiling on a single framed body (header or
// payload section) — 8 GiB, matching the journal's segment-roll point of
// reference so a single frame can never outgrow a whole segment.
const journalMaxPayload = 8 * 1024 * 1024 * 1024

// JournalFrame is one request or response on the journal engine's inner
// RPC connection:
//
//	[u32 total_len][u8 req_type][u32 header_len][header][u32 body_len][body]
//
// total_len counts every byte after itself. On the response path req_type
// is repurposed as resp_type, and a status byte is the first byte of body
// (counted in body_len) so a non-zero status can carry an error message
// in the same slot a success response carries its payload.
type JournalFrame struct {
	ReqType JournalRequestType
	Header  []byte
	Body    []byte
}

// JournalStatus is the response-path status byte.
type JournalStatus uint8

const (
	JournalStatusOK JournalStatus = iota
	JournalStatusError
)

// EncodeJournalFrame writes f to w in the wire format above.
func EncodeJournalFrame(w io.Writer, f *JournalFrame) error {
	if len(f.Header) > journalMaxPayload || len(f.Body) > journalMaxPayload {
		return errs.New(errs.Capacity, "journal frame section exceeds 8GiB payload ceiling")
	}

	total := 1 + 4 + len(f.Header) + 4 + len(f.Body)
	var lenBuf [4]byte
	binary.BigEndian.PutUint32(lenBuf[:], uint32(total))
	if _, err := w.Write(lenBuf[:]); err != nil {
		return err
	}

	if _, err := w.Write([]byte{byte(f.ReqType)}); err != nil {
		return err
	}

	binary.BigEndian.PutUint32(lenBuf[:], uint32(len(f.Header)))
	if _, err := w.Write(lenBuf[:]); err != nil {
		return err
	}
	if len(f.Header) > 0 {
		if _, err := w.Write(f.Header); err != nil {
			return err
		}
	}

	binary.BigEndian.PutUint32(lenBuf[:], uint32(len(f.Body)))
	if _, err := w.Write(lenBuf[:]); err != nil {
		return err
	}
	if len(f.Body) > 0 {
		if _, err := w.Write(f.Body); err != nil {
			return err
		}
	}
	return nil
}

// DecodeJournalFrame reads one frame from r.
func DecodeJournalFrame(r io.Reader) (*JournalFrame, error) {
	total, err := readU32(r)
	if err != nil {
		return nil, err
	}
	if total < 1+4+4 {
		return nil, errs.New(errs.Protocol, "journal frame shorter than fixed overhead")
	}

	reqTypeBuf := make([]byte, 1)
	if _, err := io.ReadFull(r, reqTypeBuf); err != nil {
		return nil, errs.Wrap(errs.Protocol, "short read on journal frame req_type", err)
	}

	headerLen, err := readU32(r)
	if err != nil {
		return nil, err
	}
	if uint64(headerLen) > journalMaxPayload {
		return nil, errs.New(errs.Capacity, "journal frame header exceeds 8GiB payload ceiling")
	}
	header := make([]byte, headerLen)
	if headerLen > 0 {
		if _, err := io.ReadFull(r, header); err != nil {
			return nil, errs.Wrap(errs.Protocol, "short read on journal frame header", err)
		}
	}

	bodyLen, err := readU32(r)
	if err != nil {
		return nil, err
	}
	if uint64(bodyLen) > journalMaxPayload {
		return nil, errs.New(errs.Capacity, "journal frame body exceeds 8GiB payload ceiling")
	}
	body := make([]byte, bodyLen)
	if bodyLen > 0 {
		if _, err := io.ReadFull(r, body); err != nil {
			return nil, errs.Wrap(errs.Protocol, "short read on journal frame body", err)
		}
	}

	return &JournalFrame{
		ReqType: JournalRequestType(reqTypeBuf[0]),
		Header:  header,
		Body:    body,
	}, nil
}

// EncodeJournalResponse frames a response body, prefixing status so a
// caller can distinguish a success payload from an error message occupying
// the same body slot.
func EncodeJournalResponse(w io.Writer, respType JournalRequestType, status JournalStatus, header, payload []byte) error {
	body := make([]byte, 0, 1+len(payload))
	body = append(body, byte(status))
	body = append(body, payload...)
	return EncodeJournalFrame(w, &JournalFrame{ReqType: respType, Header: header, Body: body})
}

// DecodeJournalResponse splits a decoded frame's body back into its status
// byte and payload.
func DecodeJournalResponse(f *JournalFrame) (JournalStatus, []byte, error) {
	if len(f.Body) < 1 {
		return 0, nil, errs.New(errs.Protocol, "journal response body missing status byte")
	}
	return JournalStatus(f.Body[0]), f.Body[1:], nil
}

func readU32(r io.Reader) (uint32, error) {
	var buf [4]byte
	if _, err := io.ReadFull(r, buf[:]); err != nil {
		if err == io.EOF {
			return 0, err
		}
		return 0, fmt.Errorf("read u32 length prefix: %w", err)
	}
	return binary.BigEndian.Uint32(buf[:]), nil
}
