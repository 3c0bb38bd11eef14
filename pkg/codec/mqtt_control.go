package codec

import (
	"bytes"
	"encoding/binary"

	"github.com/robustmq/robustmq/pkg/errs"
)

// ConnectPacket is the decoded form of a CONNECT control packet.
type ConnectPacket struct {
	ProtocolVersion ProtocolVersion
	CleanStart      bool
	KeepAlive       uint16
	ClientID        string

	WillFlag    bool
	WillQoS     uint8
	WillRetain  bool
	WillTopic   string
	WillPayload []byte

	UsernameFlag bool
	Username     string
	PasswordFlag bool
	Password     string

	Properties     *PropertySet // nil for v3/v4
	WillProperties *PropertySet // nil unless WillFlag && v5
}

const protocolNameMQTT = "MQTT"
const protocolNameMQIsdp = "MQIsdp" // legacy v3.1 protocol name

// DecodeConnect decodes a CONNECT packet body (after the fixed header).
func DecodeConnect(body []byte) (*ConnectPacket, error) {
	r := bytes.NewReader(body)

	name, err := ReadUTF8String(r)
	if err != nil {
		return nil, err
	}
	if name != protocolNameMQTT && name != protocolNameMQIsdp {
		return nil, errs.New(errs.Protocol, "unrecognized CONNECT protocol name")
	}

	verByte, err := r.ReadByte()
	if err != nil {
		return nil, errs.Wrap(errs.Protocol, "short read on protocol version", err)
	}
	version := ProtocolVersion(verByte)

	flags, err := r.ReadByte()
	if err != nil {
		return nil, errs.Wrap(errs.Protocol, "short read on connect flags", err)
	}
	keepAlive, err := ReadUint16(r)
	if err != nil {
		return nil, err
	}

	p := &ConnectPacket{
		ProtocolVersion: version,
		CleanStart:      flags&0x02 != 0,
		KeepAlive:       keepAlive,
		WillFlag:        flags&0x04 != 0,
		WillQoS:         (flags >> 3) & 0x03,
		WillRetain:      flags&0x20 != 0,
		UsernameFlag:    flags&0x80 != 0,
		PasswordFlag:    flags&0x40 != 0,
	}

	if version == Version5 {
		props, err := DecodePropertySet(r)
		if err != nil {
			return nil, err
		}
		p.Properties = props
	}

	clientID, err := ReadUTF8String(r)
	if err != nil {
		return nil, err
	}
	p.ClientID = clientID

	if p.WillFlag {
		if version == Version5 {
			willProps, err := DecodePropertySet(r)
			if err != nil {
				return nil, err
			}
			p.WillProperties = willProps
		}
		willTopic, err := ReadUTF8String(r)
		if err != nil {
			return nil, err
		}
		willPayload, err := ReadBinary(r)
		if err != nil {
			return nil, err
		}
		p.WillTopic = willTopic
		p.WillPayload = willPayload
	}

	if p.UsernameFlag {
		username, err := ReadUTF8String(r)
		if err != nil {
			return nil, err
		}
		p.Username = username
	}
	if p.PasswordFlag {
		password, err := ReadBinary(r)
		if err != nil {
			return nil, err
		}
		p.Password = string(password)
	}

	return p, nil
}

// EncodeConnect encodes a CONNECT packet including its fixed header.
func EncodeConnect(p *ConnectPacket) ([]byte, error) {
	var body bytes.Buffer
	if err := WriteUTF8String(&body, protocolNameMQTT); err != nil {
		return nil, err
	}
	body.WriteByte(byte(p.ProtocolVersion))

	var flags byte
	if p.CleanStart {
		flags |= 0x02
	}
	if p.WillFlag {
		flags |= 0x04
		flags |= (p.WillQoS & 0x03) << 3
		if p.WillRetain {
			flags |= 0x20
		}
	}
	if p.PasswordFlag {
		flags |= 0x40
	}
	if p.UsernameFlag {
		flags |= 0x80
	}
	body.WriteByte(flags)

	var kaBuf [2]byte
	binary.BigEndian.PutUint16(kaBuf[:], p.KeepAlive)
	body.Write(kaBuf[:])

	if p.ProtocolVersion == Version5 {
		if p.Properties == nil {
			p.Properties = &PropertySet{}
		}
		if err := EncodePropertySet(&body, p.Properties); err != nil {
			return nil, err
		}
	}

	if err := WriteUTF8String(&body, p.ClientID); err != nil {
		return nil, err
	}

	if p.WillFlag {
		if p.ProtocolVersion == Version5 {
			if p.WillProperties == nil {
				p.WillProperties = &PropertySet{}
			}
			if err := EncodePropertySet(&body, p.WillProperties); err != nil {
				return nil, err
			}
		}
		if err := WriteUTF8String(&body, p.WillTopic); err != nil {
			return nil, err
		}
		var lenBuf [2]byte
		binary.BigEndian.PutUint16(lenBuf[:], uint16(len(p.WillPayload)))
		body.Write(lenBuf[:])
		body.Write(p.WillPayload)
	}

	if p.UsernameFlag {
		if err := WriteUTF8String(&body, p.Username); err != nil {
			return nil, err
		}
	}
	if p.PasswordFlag {
		var lenBuf [2]byte
		binary.BigEndian.PutUint16(lenBuf[:], uint16(len(p.Password)))
		body.Write(lenBuf[:])
		body.WriteString(p.Password)
	}

	return frame(Connect, 0, &body)
}

// ConnAckPacket is the decoded form of a CONNACK control packet.
type ConnAckPacket struct {
	SessionPresent bool
	ReasonV5       ConnAckReasonV5       // used when the caller encodes as v5
	ReturnCodeV3   ConnAckReturnCodeV3   // used when the caller encodes as v3/v4
	Properties     *PropertySet          // nil for v3/v4
}

// DecodeConnAck decodes a CONNACK packet body for the given latched version.
func DecodeConnAck(body []byte, version ProtocolVersion) (*ConnAckPacket, error) {
	r := bytes.NewReader(body)
	flags, err := r.ReadByte()
	if err != nil {
		return nil, errs.Wrap(errs.Protocol, "short read on connack flags", err)
	}
	code, err := r.ReadByte()
	if err != nil {
		return nil, errs.Wrap(errs.Protocol, "short read on connack reason", err)
	}

	p := &ConnAckPacket{SessionPresent: flags&0x01 != 0}
	if version == Version5 {
		p.ReasonV5 = ConnAckReasonV5(code)
		props, err := DecodePropertySet(r)
		if err != nil {
			return nil, err
		}
		p.Properties = props
	} else {
		p.ReturnCodeV3 = ConnAckReturnCodeV3(code)
	}
	return p, nil
}

// EncodeConnAck encodes a CONNACK packet including its fixed header, for
// the given negotiated version.
func EncodeConnAck(p *ConnAckPacket, version ProtocolVersion) ([]byte, error) {
	var body bytes.Buffer
	var flags byte
	if p.SessionPresent {
		flags = 0x01
	}
	body.WriteByte(flags)

	if version == Version5 {
		body.WriteByte(byte(p.ReasonV5))
		if p.Properties == nil {
			p.Properties = &PropertySet{}
		}
		if err := EncodePropertySet(&body, p.Properties); err != nil {
			return nil, err
		}
	} else {
		body.WriteByte(byte(p.ReturnCodeV3))
	}

	return frame(ConnAck, 0, &body)
}

// SubscriptionRequest is one (filter, QoS) pair within a SUBSCRIBE packet.
type SubscriptionRequest struct {
	Filter string
	QoS    uint8
}

// SubscribePacket is the decoded form of a SUBSCRIBE control packet.
type SubscribePacket struct {
	PacketID      uint16
	Subscriptions []SubscriptionRequest
	Properties    *PropertySet // nil for v3/v4
}

// DecodeSubscribe decodes a SUBSCRIBE packet body.
func DecodeSubscribe(body []byte, version ProtocolVersion) (*SubscribePacket, error) {
	r := bytes.NewReader(body)
	pid, err := ReadUint16(r)
	if err != nil {
		return nil, err
	}
	p := &SubscribePacket{PacketID: pid}

	if version == Version5 {
		props, err := DecodePropertySet(r)
		if err != nil {
			return nil, err
		}
		p.Properties = props
	}

	for r.Len() > 0 {
		filter, err := ReadUTF8String(r)
		if err != nil {
			return nil, err
		}
		optsByte, err := r.ReadByte()
		if err != nil {
			return nil, errs.Wrap(errs.Protocol, "short read on subscription options", err)
		}
		p.Subscriptions = append(p.Subscriptions, SubscriptionRequest{Filter: filter, QoS: optsByte & 0x03})
	}
	if len(p.Subscriptions) == 0 {
		return nil, errs.New(errs.Protocol, "SUBSCRIBE packet carries no subscriptions")
	}
	return p, nil
}

// EncodeSubscribe encodes a SUBSCRIBE packet including its fixed header.
func EncodeSubscribe(p *SubscribePacket, version ProtocolVersion) ([]byte, error) {
	var body bytes.Buffer
	var pidBuf [2]byte
	binary.BigEndian.PutUint16(pidBuf[:], p.PacketID)
	body.Write(pidBuf[:])

	if version == Version5 {
		if p.Properties == nil {
			p.Properties = &PropertySet{}
		}
		if err := EncodePropertySet(&body, p.Properties); err != nil {
			return nil, err
		}
	}

	for _, sub := range p.Subscriptions {
		if err := WriteUTF8String(&body, sub.Filter); err != nil {
			return nil, err
		}
		body.WriteByte(sub.QoS & 0x03)
	}

	return frame(Subscribe, 2, &body)
}

// SubAckPacket is the decoded form of a SUBACK control packet.
type SubAckPacket struct {
	PacketID   uint16
	ReasonV5   []ConnAckReasonV5 // used when the caller encodes as v5
	ReturnCode []uint8           // used when the caller encodes as v3/v4 (granted QoS or 0x80 failure)
	Properties *PropertySet      // nil for v3/v4
}

// DecodeSubAck decodes a SUBACK packet body.
func DecodeSubAck(body []byte, version ProtocolVersion) (*SubAckPacket, error) {
	r := bytes.NewReader(body)
	pid, err := ReadUint16(r)
	if err != nil {
		return nil, err
	}
	p := &SubAckPacket{PacketID: pid}

	if version == Version5 {
		props, err := DecodePropertySet(r)
		if err != nil {
			return nil, err
		}
		p.Properties = props
	}

	for r.Len() > 0 {
		b, err := r.ReadByte()
		if err != nil {
			return nil, errs.Wrap(errs.Protocol, "short read on suback reason", err)
		}
		if version == Version5 {
			p.ReasonV5 = append(p.ReasonV5, ConnAckReasonV5(b))
		} else {
			p.ReturnCode = append(p.ReturnCode, b)
		}
	}
	return p, nil
}

// EncodeSubAck encodes a SUBACK packet including its fixed header.
func EncodeSubAck(p *SubAckPacket, version ProtocolVersion) ([]byte, error) {
	var body bytes.Buffer
	var pidBuf [2]byte
	binary.BigEndian.PutUint16(pidBuf[:], p.PacketID)
	body.Write(pidBuf[:])

	if version == Version5 {
		if p.Properties == nil {
			p.Properties = &PropertySet{}
		}
		if err := EncodePropertySet(&body, p.Properties); err != nil {
			return nil, err
		}
		for _, reason := range p.ReasonV5 {
			body.WriteByte(byte(reason))
		}
	} else {
		for _, code := range p.ReturnCode {
			body.WriteByte(code)
		}
	}

	return frame(SubAck, 0, &body)
}

// UnsubscribePacket is the decoded form of an UNSUBSCRIBE control packet.
type UnsubscribePacket struct {
	PacketID   uint16
	Filters    []string
	Properties *PropertySet // nil for v3/v4
}

// DecodeUnsubscribe decodes an UNSUBSCRIBE packet body.
func DecodeUnsubscribe(body []byte, version ProtocolVersion) (*UnsubscribePacket, error) {
	r := bytes.NewReader(body)
	pid, err := ReadUint16(r)
	if err != nil {
		return nil, err
	}
	p := &UnsubscribePacket{PacketID: pid}

	if version == Version5 {
		props, err := DecodePropertySet(r)
		if err != nil {
			return nil, err
		}
		p.Properties = props
	}

	for r.Len() > 0 {
		filter, err := ReadUTF8String(r)
		if err != nil {
			return nil, err
		}
		p.Filters = append(p.Filters, filter)
	}
	if len(p.Filters) == 0 {
		return nil, errs.New(errs.Protocol, "UNSUBSCRIBE packet carries no filters")
	}
	return p, nil
}

// EncodeUnsubscribe encodes an UNSUBSCRIBE packet including its fixed header.
func EncodeUnsubscribe(p *UnsubscribePacket, version ProtocolVersion) ([]byte, error) {
	var body bytes.Buffer
	var pidBuf [2]byte
	binary.BigEndian.PutUint16(pidBuf[:], p.PacketID)
	body.Write(pidBuf[:])

	if version == Version5 {
		if p.Properties == nil {
			p.Properties = &PropertySet{}
		}
		if err := EncodePropertySet(&body, p.Properties); err != nil {
			return nil, err
		}
	}

	for _, filter := range p.Filters {
		if err := WriteUTF8String(&body, filter); err != nil {
			return nil, err
		}
	}

	return frame(Unsubscribe, 2, &body)
}

// UnsubAckPacket is the decoded form of an UNSUBACK control packet.
type UnsubAckPacket struct {
	PacketID   uint16
	ReasonV5   []ConnAckReasonV5 // empty for v3/v4 (no payload beyond packet id)
	Properties *PropertySet      // nil for v3/v4
}

// DecodeUnsubAck decodes an UNSUBACK packet body.
func DecodeUnsubAck(body []byte, version ProtocolVersion) (*UnsubAckPacket, error) {
	r := bytes.NewReader(body)
	pid, err := ReadUint16(r)
	if err != nil {
		return nil, err
	}
	p := &UnsubAckPacket{PacketID: pid}

	if version == Version5 {
		props, err := DecodePropertySet(r)
		if err != nil {
			return nil, err
		}
		p.Properties = props
		for r.Len() > 0 {
			b, err := r.ReadByte()
			if err != nil {
				return nil, errs.Wrap(errs.Protocol, "short read on unsuback reason", err)
			}
			p.ReasonV5 = append(p.ReasonV5, ConnAckReasonV5(b))
		}
	}
	return p, nil
}

// EncodeUnsubAck encodes an UNSUBACK packet including its fixed header.
func EncodeUnsubAck(p *UnsubAckPacket, version ProtocolVersion) ([]byte, error) {
	var body bytes.Buffer
	var pidBuf [2]byte
	binary.BigEndian.PutUint16(pidBuf[:], p.PacketID)
	body.Write(pidBuf[:])

	if version == Version5 {
		if p.Properties == nil {
			p.Properties = &PropertySet{}
		}
		if err := EncodePropertySet(&body, p.Properties); err != nil {
			return nil, err
		}
		for _, reason := range p.ReasonV5 {
			body.WriteByte(byte(reason))
		}
	}

	return frame(UnsubAck, 0, &body)
}

// AckReasonV5 is the shared reason-code byte carried by PUBACK/PUBREC/
// PUBREL/PUBCOMP in MQTT5 (omitted entirely in v3/v4, whose acks are
// just a bare packet id).
type AckReasonV5 uint8

const (
	AckSuccess             AckReasonV5 = 0x00
	AckNoMatchingSubscriber AckReasonV5 = 0x10
	AckUnspecifiedError     AckReasonV5 = 0x80
	AckPacketIDNotFound     AckReasonV5 = 0x92
)

// AckPacket is the shared decoded form of PUBACK, PUBREC, PUBREL and
// PUBCOMP — all four share one (packet_id, [reason, properties]) layout,
// distinguished only by their fixed-header packet type.
type AckPacket struct {
	Type       PacketType
	PacketID   uint16
	Reason     AckReasonV5
	Properties *PropertySet // nil for v3/v4 or when the packet omits reason+properties
}

// DecodeAck decodes a PUBACK/PUBREC/PUBREL/PUBCOMP packet body. A v3/v4
// ack, or a v5 ack with nothing past the packet id (the "success, no
// properties" short form), both decode with Reason left at AckSuccess.
func DecodeAck(t PacketType, body []byte, version ProtocolVersion) (*AckPacket, error) {
	r := bytes.NewReader(body)
	pid, err := ReadUint16(r)
	if err != nil {
		return nil, err
	}
	p := &AckPacket{Type: t, PacketID: pid}
	if version != Version5 || r.Len() == 0 {
		return p, nil
	}

	reasonByte, err := r.ReadByte()
	if err != nil {
		return nil, errs.Wrap(errs.Protocol, "short read on ack reason", err)
	}
	p.Reason = AckReasonV5(reasonByte)

	if r.Len() > 0 {
		props, err := DecodePropertySet(r)
		if err != nil {
			return nil, err
		}
		p.Properties = props
	}
	return p, nil
}

// EncodeAck encodes a PUBACK/PUBREC/PUBREL/PUBCOMP packet including its
// fixed header. PUBREL alone carries reserved flags 0x02 on its fixed
// header per the MQTT wire format.
func EncodeAck(p *AckPacket, version ProtocolVersion) ([]byte, error) {
	var body bytes.Buffer
	var pidBuf [2]byte
	binary.BigEndian.PutUint16(pidBuf[:], p.PacketID)
	body.Write(pidBuf[:])

	if version == Version5 && (p.Reason != AckSuccess || p.Properties != nil) {
		body.WriteByte(byte(p.Reason))
		if p.Properties == nil {
			p.Properties = &PropertySet{}
		}
		if err := EncodePropertySet(&body, p.Properties); err != nil {
			return nil, err
		}
	}

	var flags uint8
	if p.Type == PubRel {
		flags = 0x02
	}
	return frame(p.Type, flags, &body)
}

// DisconnectPacket is the decoded form of a DISCONNECT control packet.
// v3/v4 DISCONNECT carries no body at all; ReasonV5/Properties are
// always zero-value in that case.
type DisconnectPacket struct {
	ReasonV5   AckReasonV5
	Properties *PropertySet
}

// DecodeDisconnect decodes a DISCONNECT packet body.
func DecodeDisconnect(body []byte, version ProtocolVersion) (*DisconnectPacket, error) {
	p := &DisconnectPacket{}
	if version != Version5 || len(body) == 0 {
		return p, nil
	}
	r := bytes.NewReader(body)
	reasonByte, err := r.ReadByte()
	if err != nil {
		return nil, errs.Wrap(errs.Protocol, "short read on disconnect reason", err)
	}
	p.ReasonV5 = AckReasonV5(reasonByte)
	if r.Len() > 0 {
		props, err := DecodePropertySet(r)
		if err != nil {
			return nil, err
		}
		p.Properties = props
	}
	return p, nil
}

// EncodeDisconnect encodes a DISCONNECT packet including its fixed header.
func EncodeDisconnect(p *DisconnectPacket, version ProtocolVersion) ([]byte, error) {
	var body bytes.Buffer
	if version == Version5 && (p.ReasonV5 != AckSuccess || p.Properties != nil) {
		body.WriteByte(byte(p.ReasonV5))
		if p.Properties == nil {
			p.Properties = &PropertySet{}
		}
		if err := EncodePropertySet(&body, p.Properties); err != nil {
			return nil, err
		}
	}
	return frame(Disconnect, 0, &body)
}

// EncodePingReq encodes a zero-length PINGREQ packet.
func EncodePingReq() []byte { return []byte{byte(PingReq) << 4, 0x00} }

// EncodePingResp encodes a zero-length PINGRESP packet.
func EncodePingResp() []byte { return []byte{byte(PingResp) << 4, 0x00} }

// frame prepends a fixed header (packet type, reserved flag bits, and
// the encoded remaining length) to an already-built packet body.
func frame(t PacketType, flags uint8, body *bytes.Buffer) ([]byte, error) {
	if body.Len() > maxRemainingLength {
		return nil, errs.New(errs.Capacity, "packet exceeds MQTT remaining-length limit")
	}
	var out bytes.Buffer
	out.WriteByte(byte(t)<<4 | flags&0x0f)
	if err := EncodeRemainingLength(&out, uint32(body.Len())); err != nil {
		return nil, err
	}
	out.Write(body.Bytes())
	return out.Bytes(), nil
}
