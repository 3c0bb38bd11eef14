package codec

import (
	"bytes"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestPropertySetRoundTripAllTypes(t *testing.T) {
	ps := &PropertySet{}
	ps.SetInt(PropPayloadFormatIndicator, 1)
	ps.SetInt(PropSessionExpiryInterval, 7200)
	ps.SetInt(PropTopicAlias, 5)
	ps.SetString(PropContentType, "application/json")
	ps.AddUserProperty("k1", "v1")
	ps.AddUserProperty("k2", "v2")
	ps.AddSubscriptionIdentifier(9)

	var buf bytes.Buffer
	require.NoError(t, EncodePropertySet(&buf, ps))

	got, err := DecodePropertySet(bytes.NewReader(buf.Bytes()))
	require.NoError(t, err)

	v, ok := got.Int(PropPayloadFormatIndicator)
	require.True(t, ok)
	require.EqualValues(t, 1, v)

	v, ok = got.Int(PropSessionExpiryInterval)
	require.True(t, ok)
	require.EqualValues(t, 7200, v)

	s, ok := got.String(PropContentType)
	require.True(t, ok)
	require.Equal(t, "application/json", s)

	require.Len(t, got.UserProperties(), 2)
	require.Equal(t, []uint32{9}, got.SubscriptionIdentifiers())
}

func TestPropertySetEmptyRoundTrip(t *testing.T) {
	ps := &PropertySet{}
	var buf bytes.Buffer
	require.NoError(t, EncodePropertySet(&buf, ps))

	got, err := DecodePropertySet(bytes.NewReader(buf.Bytes()))
	require.NoError(t, err)
	require.Empty(t, got.UserProperties())
	require.Empty(t, got.SubscriptionIdentifiers())
}

func TestDecodePropertySetRejectsUnknownID(t *testing.T) {
	var buf bytes.Buffer
	var body bytes.Buffer
	writeVarByteInt(&body, 0x7E) // unassigned property id
	body.WriteByte(0x01)
	require.NoError(t, EncodeRemainingLength(&buf, uint32(body.Len())))
	buf.Write(body.Bytes())

	_, err := DecodePropertySet(bytes.NewReader(buf.Bytes()))
	require.Error(t, err)
}

func TestDecodePropertySetRejectsDuplicateNonRepeatable(t *testing.T) {
	var body bytes.Buffer
	writeVarByteInt(&body, uint32(PropContentType))
	require.NoError(t, WriteUTF8String(&body, "a"))
	writeVarByteInt(&body, uint32(PropContentType))
	require.NoError(t, WriteUTF8String(&body, "b"))

	var buf bytes.Buffer
	require.NoError(t, EncodeRemainingLength(&buf, uint32(body.Len())))
	buf.Write(body.Bytes())

	_, err := DecodePropertySet(bytes.NewReader(buf.Bytes()))
	require.Error(t, err)
}
