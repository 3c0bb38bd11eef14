package codec

import (
	"bytes"
	"encoding/binary"
	"io"

	"github.com/robustmq/robustmq/pkg/errs"
)

// PropertyID is an MQTT5 registered property-type byte.
type PropertyID uint32

const (
	PropPayloadFormatIndicator   PropertyID = 0x01
	PropMessageExpiryInterval    PropertyID = 0x02
	PropContentType              PropertyID = 0x03
	PropResponseTopic            PropertyID = 0x08
	PropCorrelationData          PropertyID = 0x09
	PropSubscriptionIdentifier   PropertyID = 0x0B
	PropSessionExpiryInterval    PropertyID = 0x11
	PropAssignedClientIdentifier PropertyID = 0x12
	PropServerKeepAlive          PropertyID = 0x13
	PropAuthenticationMethod     PropertyID = 0x15
	PropAuthenticationData       PropertyID = 0x16
	PropRequestProblemInfo       PropertyID = 0x17
	PropWillDelayInterval        PropertyID = 0x18
	PropRequestResponseInfo      PropertyID = 0x19
	PropResponseInformation      PropertyID = 0x1A
	PropReasonString             PropertyID = 0x1F
	PropReceiveMaximum           PropertyID = 0x21
	PropTopicAliasMaximum        PropertyID = 0x22
	PropTopicAlias               PropertyID = 0x23
	PropMaximumQoS               PropertyID = 0x24
	PropRetainAvailable          PropertyID = 0x25
	PropUserProperty             PropertyID = 0x26
	PropMaximumPacketSize        PropertyID = 0x27
	PropWildcardSubAvailable     PropertyID = 0x28
	PropSubIDsAvailable          PropertyID = 0x29
	PropSharedSubAvailable       PropertyID = 0x2A
)

// repeatable reports whether a property id may appear more than once in one
// property list (only UserProperty and SubscriptionIdentifier may, per the
// MQTT5 spec — duplicates of any other property are a protocol error).
func repeatable(id PropertyID) bool {
	return id == PropUserProperty || id == PropSubscriptionIdentifier
}

// UserProperty is one repeatable name/value pair.
type UserProperty struct {
	Key   string
	Value string
}

// PropertySet is the decoded form of an MQTT5 property list, keyed by the
// registered property-type byte.
type PropertySet struct {
	ints   map[PropertyID]uint32
	strs   map[PropertyID]string
	bins   map[PropertyID][]byte
	users  []UserProperty
	subIDs []uint32
}

func (p *PropertySet) ensureMaps() {
	if p.ints == nil {
		p.ints = make(map[PropertyID]uint32)
	}
	if p.strs == nil {
		p.strs = make(map[PropertyID]string)
	}
	if p.bins == nil {
		p.bins = make(map[PropertyID][]byte)
	}
}

// SetInt sets a variable-byte or fixed-width integer valued property.
func (p *PropertySet) SetInt(id PropertyID, v uint32) {
	p.ensureMaps()
	p.ints[id] = v
}

// Int returns an integer property and whether it was present.
func (p *PropertySet) Int(id PropertyID) (uint32, bool) {
	v, ok := p.ints[id]
	return v, ok
}

// SetString sets a UTF-8 string valued property.
func (p *PropertySet) SetString(id PropertyID, v string) {
	p.ensureMaps()
	p.strs[id] = v
}

// String returns a string property and whether it was present.
func (p *PropertySet) String(id PropertyID) (string, bool) {
	v, ok := p.strs[id]
	return v, ok
}

// AddUserProperty appends a repeatable user property.
func (p *PropertySet) AddUserProperty(k, v string) {
	p.users = append(p.users, UserProperty{Key: k, Value: v})
}

// UserProperties returns all user properties in encounter order.
func (p *PropertySet) UserProperties() []UserProperty { return p.users }

// SubscriptionIdentifiers returns all decoded subscription identifiers.
func (p *PropertySet) SubscriptionIdentifiers() []uint32 { return p.subIDs }

// AddSubscriptionIdentifier appends a subscription identifier property.
func (p *PropertySet) AddSubscriptionIdentifier(v uint32) {
	p.subIDs = append(p.subIDs, v)
}

// intWidth returns the encoded width in bytes for a property's value type.
func intWidth(id PropertyID) int {
	switch id {
	case PropPayloadFormatIndicator, PropRequestProblemInfo, PropRequestResponseInfo,
		PropMaximumQoS, PropRetainAvailable, PropWildcardSubAvailable,
		PropSubIDsAvailable, PropSharedSubAvailable:
		return 1
	case PropServerKeepAlive, PropReceiveMaximum, PropTopicAliasMaximum, PropTopicAlias:
		return 2
	case PropMessageExpiryInterval, PropSessionExpiryInterval, PropWillDelayInterval,
		PropMaximumPacketSize:
		return 4
	default:
		return 0
	}
}

func isString(id PropertyID) bool {
	switch id {
	case PropContentType, PropResponseTopic, PropAssignedClientIdentifier,
		PropAuthenticationMethod, PropReasonString, PropResponseInformation:
		return true
	default:
		return false
	}
}

func isBinary(id PropertyID) bool {
	switch id {
	case PropCorrelationData, PropAuthenticationData:
		return true
	default:
		return false
	}
}

// DecodePropertySet reads an MQTT5 property list: a variable-byte-integer
// length prefix followed by that many bytes of [id][value] entries. The
// prefixed region is copied into its own buffer so entry decoding never
// reads past the declared property-list boundary into the payload.
func DecodePropertySet(r *bytes.Reader) (*PropertySet, error) {
	length, err := DecodeVarByteInt(r)
	if err != nil {
		return nil, err
	}
	ps := &PropertySet{}
	if length == 0 {
		return ps, nil
	}

	buf := make([]byte, length)
	if _, err := io.ReadFull(r, buf); err != nil {
		return nil, errs.Wrap(errs.Protocol, "short read on property list", err)
	}
	pr := bytes.NewReader(buf)

	for pr.Len() > 0 {
		idRaw, err := DecodeVarByteInt(pr)
		if err != nil {
			return nil, err
		}
		id := PropertyID(idRaw)

		switch {
		case id == PropSubscriptionIdentifier:
			v, err := DecodeVarByteInt(pr)
			if err != nil {
				return nil, err
			}
			ps.AddSubscriptionIdentifier(v)
		case id == PropUserProperty:
			k, err := ReadUTF8String(pr)
			if err != nil {
				return nil, err
			}
			v, err := ReadUTF8String(pr)
			if err != nil {
				return nil, err
			}
			ps.AddUserProperty(k, v)
		case isString(id):
			if _, exists := ps.strs[id]; exists {
				return nil, errs.New(errs.Protocol, "duplicate non-repeatable property")
			}
			v, err := ReadUTF8String(pr)
			if err != nil {
				return nil, err
			}
			ps.SetString(id, v)
		case isBinary(id):
			ps.ensureMaps()
			if _, exists := ps.bins[id]; exists {
				return nil, errs.New(errs.Protocol, "duplicate non-repeatable property")
			}
			v, err := ReadBinary(pr)
			if err != nil {
				return nil, err
			}
			ps.bins[id] = v
		default:
			w := intWidth(id)
			if w == 0 {
				return nil, errs.New(errs.Protocol, "unknown property identifier")
			}
			if _, exists := ps.ints[id]; exists {
				return nil, errs.New(errs.Protocol, "duplicate non-repeatable property")
			}
			v, err := readFixedInt(pr, w)
			if err != nil {
				return nil, err
			}
			ps.SetInt(id, v)
		}
	}
	return ps, nil
}

func readFixedInt(r *bytes.Reader, width int) (uint32, error) {
	buf := make([]byte, width)
	if _, err := io.ReadFull(r, buf); err != nil {
		return 0, errs.Wrap(errs.Protocol, "short read on fixed-width property", err)
	}
	switch width {
	case 1:
		return uint32(buf[0]), nil
	case 2:
		return uint32(binary.BigEndian.Uint16(buf)), nil
	case 4:
		return binary.BigEndian.Uint32(buf), nil
	default:
		return 0, errs.New(errs.Protocol, "unsupported property width")
	}
}

// EncodePropertySet writes the variable-byte-integer length prefix and the
// property entries to w.
func EncodePropertySet(w *bytes.Buffer, ps *PropertySet) error {
	var body bytes.Buffer
	for id, v := range ps.ints {
		writeVarByteInt(&body, uint32(id))
		writeFixedIntBytes(&body, v, intWidth(id))
	}
	for id, v := range ps.strs {
		writeVarByteInt(&body, uint32(id))
		if err := WriteUTF8String(&body, v); err != nil {
			return err
		}
	}
	for id, v := range ps.bins {
		writeVarByteInt(&body, uint32(id))
		var lenBuf [2]byte
		binary.BigEndian.PutUint16(lenBuf[:], uint16(len(v)))
		body.Write(lenBuf[:])
		body.Write(v)
	}
	for _, sid := range ps.subIDs {
		writeVarByteInt(&body, uint32(PropSubscriptionIdentifier))
		writeVarByteInt(&body, sid)
	}
	for _, up := range ps.users {
		writeVarByteInt(&body, uint32(PropUserProperty))
		if err := WriteUTF8String(&body, up.Key); err != nil {
			return err
		}
		if err := WriteUTF8String(&body, up.Value); err != nil {
			return err
		}
	}

	if err := EncodeRemainingLength(w, uint32(body.Len())); err != nil {
		return err
	}
	w.Write(body.Bytes())
	return nil
}

func writeVarByteInt(w *bytes.Buffer, n uint32) {
	for {
		b := byte(n % 128)
		n /= 128
		if n > 0 {
			b |= 0x80
		}
		w.WriteByte(b)
		if n == 0 {
			return
		}
	}
}

func writeFixedIntBytes(w *bytes.Buffer, v uint32, width int) {
	switch width {
	case 1:
		w.WriteByte(byte(v))
	case 2:
		var buf [2]byte
		binary.BigEndian.PutUint16(buf[:], uint16(v))
		w.Write(buf[:])
	case 4:
		var buf [4]byte
		binary.BigEndian.PutUint32(buf[:], v)
		w.Write(buf[:])
	}
}
