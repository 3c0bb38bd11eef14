// Package rpc defines the meta service's internal gRPC surface:
// MetaService, MqttBrokerInnerService and JournalServerInnerService.
// There is no protoc toolchain available to generate .pb.go stubs, so
// every message here is a plain Go struct carried over the wire by a
// hand-registered JSON codec instead of protobuf's binary wire format;
// the grpc.ServiceDesc plumbing is otherwise exactly what protoc-gen-go-grpc
// would have produced.
package rpc

import (
	"encoding/json"

	"google.golang.org/grpc/encoding"
)

// CodecName is the content-subtype clients must select (grpc.CallContentSubtype(CodecName))
// to have the grpc-go runtime route messages through jsonCodec instead of
// its default proto codec.
const CodecName = "json"

func init() {
	encoding.RegisterCodec(jsonCodec{})
}

// jsonCodec implements google.golang.org/grpc/encoding.Codec over
// encoding/json, since request/response types here are plain structs,
// not generated protobuf messages.
type jsonCodec struct{}

func (jsonCodec) Marshal(v interface{}) ([]byte, error) { return json.Marshal(v) }

func (jsonCodec) Unmarshal(data []byte, v interface{}) error { return json.Unmarshal(data, v) }

func (jsonCodec) Name() string { return CodecName }
