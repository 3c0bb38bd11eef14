// Package codec implements framed encode/decode for MQTT 3/4/5 packets
// and the journal engine's internal RPC framing.
package codec

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"io"

	"github.com/robustmq/robustmq/pkg/errs"
)

// ProtocolVersion identifies the MQTT sub-protocol negotiated at CONNECT.
type ProtocolVersion uint8

const (
	VersionUnknown ProtocolVersion = 0
	Version3       ProtocolVersion = 3 // MQTT 3.1
	Version4       ProtocolVersion = 4 // MQTT 3.1.1
	Version5       ProtocolVersion = 5 // MQTT 5
)

// PacketType is the MQTT fixed-header control packet type.
type PacketType uint8

const (
	_ PacketType = iota
	Connect
	ConnAck
	Publish
	PubAck
	PubRec
	PubRel
	PubComp
	Subscribe
	SubAck
	Unsubscribe
	UnsubAck
	PingReq
	PingResp
	Disconnect
	Auth // MQTT5 only
)

// FixedHeader is the standard MQTT fixed header: packet type + flags,
// plus the decoded remaining length.
type FixedHeader struct {
	Type            PacketType
	Dup             bool
	QoS             uint8
	Retain          bool
	RemainingLength uint32
}

// maxRemainingLength is the MQTT spec's 4-byte varint ceiling (256MB-1).
const maxRemainingLength = 268435455

// EncodeRemainingLength writes the MQTT variable-length integer encoding
// of n into w.
func EncodeRemainingLength(w *bytes.Buffer, n uint32) error {
	if n > maxRemainingLength {
		return errs.New(errs.Capacity, "remaining length exceeds MQTT maximum")
	}
	for {
		b := byte(n % 128)
		n /= 128
		if n > 0 {
			b |= 0x80
		}
		w.WriteByte(b)
		if n == 0 {
			break
		}
	}
	return nil
}

// DecodeRemainingLength reads the MQTT variable-length integer from r.
func DecodeRemainingLength(r io.ByteReader) (uint32, error) {
	var value uint32
	var multiplier uint32 = 1
	for i := 0; i < 4; i++ {
		b, err := r.ReadByte()
		if err != nil {
			return 0, errs.Wrap(errs.Protocol, "short read on remaining length", err)
		}
		value += uint32(b&0x7f) * multiplier
		if b&0x80 == 0 {
			return value, nil
		}
		multiplier *= 128
	}
	return 0, errs.New(errs.Protocol, "malformed remaining length")
}

// DecodeFixedHeader reads the fixed header (type/flags byte + remaining
// length) from r.
func DecodeFixedHeader(r *bytes.Reader) (*FixedHeader, error) {
	b, err := r.ReadByte()
	if err != nil {
		return nil, errs.Wrap(errs.Protocol, "short read on packet type", err)
	}
	remLen, err := DecodeRemainingLength(r)
	if err != nil {
		return nil, err
	}
	return &FixedHeader{
		Type:            PacketType(b >> 4),
		Dup:             b&0x08 != 0,
		QoS:             (b >> 1) & 0x03,
		Retain:          b&0x01 != 0,
		RemainingLength: remLen,
	}, nil
}

// EncodeFixedHeader writes the fixed header to w, followed by the caller's
// variable header + payload bytes (not included here).
func EncodeFixedHeader(w *bytes.Buffer, h *FixedHeader) error {
	var b byte = byte(h.Type) << 4
	if h.Dup {
		b |= 0x08
	}
	b |= (h.QoS & 0x03) << 1
	if h.Retain {
		b |= 0x01
	}
	w.WriteByte(b)
	return EncodeRemainingLength(w, h.RemainingLength)
}

// Decoder is a per-connection, stateful MQTT decoder. The protocol version
// is captured at CONNECT time and latched: subsequent frames on the same
// connection decode against that version, and a version-mismatched CONNECT
// retry is a protocol error, not a silent re-negotiation.
type Decoder struct {
	version ProtocolVersion
	latched bool
}

// NewDecoder returns a Decoder with no version latched yet; the first
// Latch call fixes it.
func NewDecoder() *Decoder {
	return &Decoder{}
}

// Latch fixes the protocol version for all subsequent frames.
func (d *Decoder) Latch(v ProtocolVersion) error {
	if d.latched && d.version != v {
		return errs.New(errs.Protocol, "protocol version changed mid-connection")
	}
	d.version = v
	d.latched = true
	return nil
}

// Version returns the latched version, or VersionUnknown before CONNECT.
func (d *Decoder) Version() ProtocolVersion { return d.version }

// DecodeVarByteInt reads a single MQTT5 Variable Byte Integer (used inside
// property lists) — same encoding as the remaining-length field.
func DecodeVarByteInt(r io.ByteReader) (uint32, error) {
	return DecodeRemainingLength(r)
}

// ReadUint16 reads a big-endian uint16 prefixed string/binary length field.
func ReadUint16(r *bytes.Reader) (uint16, error) {
	var buf [2]byte
	if _, err := io.ReadFull(r, buf[:]); err != nil {
		return 0, errs.Wrap(errs.Protocol, "short read on uint16", err)
	}
	return binary.BigEndian.Uint16(buf[:]), nil
}

// ReadUTF8String reads a length-prefixed UTF-8 string field.
func ReadUTF8String(r *bytes.Reader) (string, error) {
	n, err := ReadUint16(r)
	if err != nil {
		return "", err
	}
	buf := make([]byte, n)
	if _, err := io.ReadFull(r, buf); err != nil {
		return "", errs.Wrap(errs.Protocol, "short read on utf8 string", err)
	}
	return string(buf), nil
}

// WriteUTF8String writes a length-prefixed UTF-8 string field.
func WriteUTF8String(w *bytes.Buffer, s string) error {
	if len(s) > 0xFFFF {
		return errs.New(errs.Protocol, "string exceeds 64KiB field limit")
	}
	var lenBuf [2]byte
	binary.BigEndian.PutUint16(lenBuf[:], uint16(len(s)))
	w.Write(lenBuf[:])
	w.WriteString(s)
	return nil
}

// ReadBinary reads a length-prefixed binary field.
func ReadBinary(r *bytes.Reader) ([]byte, error) {
	n, err := ReadUint16(r)
	if err != nil {
		return nil, err
	}
	buf := make([]byte, n)
	if _, err := io.ReadFull(r, buf); err != nil {
		return nil, errs.Wrap(errs.Protocol, "short read on binary field", err)
	}
	return buf, nil
}

// ConnAckReasonV5 is a subset of the MQTT5 CONNACK reason codes relevant to
// session establishment.
type ConnAckReasonV5 uint8

const (
	ReasonSuccess                   ConnAckReasonV5 = 0x00
	ReasonUnspecifiedError          ConnAckReasonV5 = 0x80
	ReasonMalformedPacket           ConnAckReasonV5 = 0x81
	ReasonProtocolError             ConnAckReasonV5 = 0x82
	ReasonNotAuthorized             ConnAckReasonV5 = 0x87
	ReasonBadUsernameOrPassword     ConnAckReasonV5 = 0x86
	ReasonClientIdentifierNotValid  ConnAckReasonV5 = 0x85
	ReasonBanned                    ConnAckReasonV5 = 0x8A
	ReasonUnsupportedProtoVersion   ConnAckReasonV5 = 0x84
	ReasonQuotaExceeded             ConnAckReasonV5 = 0x97
	ReasonPacketTooLarge            ConnAckReasonV5 = 0x95
	ReasonKeepAliveTimeout          ConnAckReasonV5 = 0x8D
)

// ConnAckReturnCodeV3 is the legacy v3/v4 CONNACK return-code set.
type ConnAckReturnCodeV3 uint8

const (
	ReturnAccepted                    ConnAckReturnCodeV3 = 0x00
	ReturnUnacceptableProtocolVersion ConnAckReturnCodeV3 = 0x01
	ReturnIdentifierRejected          ConnAckReturnCodeV3 = 0x02
	ReturnServerUnavailable           ConnAckReturnCodeV3 = 0x03
	ReturnBadUsernameOrPassword       ConnAckReturnCodeV3 = 0x04
	ReturnNotAuthorized               ConnAckReturnCodeV3 = 0x05
)

// MapV5ToLegacy maps a v5 reason code to the nearest v3/v4 return code
// (e.g. ClientIdentifierNotValid -> IdentifierRejected).
func MapV5ToLegacy(reason ConnAckReasonV5) ConnAckReturnCodeV3 {
	switch reason {
	case ReasonSuccess:
		return ReturnAccepted
	case ReasonClientIdentifierNotValid:
		return ReturnIdentifierRejected
	case ReasonBadUsernameOrPassword:
		return ReturnBadUsernameOrPassword
	case ReasonNotAuthorized, ReasonBanned:
		return ReturnNotAuthorized
	case ReasonUnsupportedProtoVersion:
		return ReturnUnacceptableProtocolVersion
	default:
		return ReturnServerUnavailable
	}
}

// PublishPacket is the decoded form of a PUBLISH control packet, the hot
// path between SessionRuntime, SubscribeManager and JournalShard.
type PublishPacket struct {
	Topic      string
	PacketID   uint16 // zero for QoS0
	QoS        uint8
	Dup        bool
	Retain     bool
	Payload    []byte
	Properties *PropertySet // nil for v3/v4
}

// DecodePublish decodes a PUBLISH packet body (after the fixed header) for
// the given latched version.
func DecodePublish(h *FixedHeader, body []byte, version ProtocolVersion) (*PublishPacket, error) {
	r := bytes.NewReader(body)
	topic, err := ReadUTF8String(r)
	if err != nil {
		return nil, err
	}
	p := &PublishPacket{
		Topic:  topic,
		QoS:    h.QoS,
		Dup:    h.Dup,
		Retain: h.Retain,
	}
	if h.QoS > 0 {
		pid, err := ReadUint16(r)
		if err != nil {
			return nil, err
		}
		p.PacketID = pid
	}
	if version == Version5 {
		props, err := DecodePropertySet(r)
		if err != nil {
			return nil, err
		}
		p.Properties = props
	}
	payload := make([]byte, r.Len())
	if _, err := io.ReadFull(r, payload); err != nil {
		return nil, errs.Wrap(errs.Protocol, "short read on publish payload", err)
	}
	p.Payload = payload
	return p, nil
}

// EncodePublish encodes a PUBLISH packet including its fixed header.
func EncodePublish(p *PublishPacket, version ProtocolVersion) ([]byte, error) {
	var body bytes.Buffer
	if err := WriteUTF8String(&body, p.Topic); err != nil {
		return nil, err
	}
	if p.QoS > 0 {
		var pidBuf [2]byte
		binary.BigEndian.PutUint16(pidBuf[:], p.PacketID)
		body.Write(pidBuf[:])
	}
	if version == Version5 {
		if p.Properties == nil {
			p.Properties = &PropertySet{}
		}
		if err := EncodePropertySet(&body, p.Properties); err != nil {
			return nil, err
		}
	}
	body.Write(p.Payload)

	if body.Len() > maxRemainingLength {
		return nil, errs.New(errs.Capacity, "publish packet exceeds MQTT remaining-length limit")
	}

	var out bytes.Buffer
	h := &FixedHeader{Type: Publish, Dup: p.Dup, QoS: p.QoS, Retain: p.Retain, RemainingLength: uint32(body.Len())}
	if err := EncodeFixedHeader(&out, h); err != nil {
		return nil, err
	}
	out.Write(body.Bytes())
	return out.Bytes(), nil
}

func (p PacketType) String() string {
	names := map[PacketType]string{
		Connect: "CONNECT", ConnAck: "CONNACK", Publish: "PUBLISH",
		PubAck: "PUBACK", PubRec: "PUBREC", PubRel: "PUBREL", PubComp: "PUBCOMP",
		Subscribe: "SUBSCRIBE", SubAck: "SUBACK", Unsubscribe: "UNSUBSCRIBE",
		UnsubAck: "UNSUBACK", PingReq: "PINGREQ", PingResp: "PINGRESP",
		Disconnect: "DISCONNECT", Auth: "AUTH",
	}
	if n, ok := names[p]; ok {
		return n
	}
	return fmt.Sprintf("UNKNOWN(%d)", uint8(p))
}
