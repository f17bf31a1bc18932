package api

import (
	"encoding/json"

	"google.golang.org/grpc/encoding"
)

// jsonCodecName is the gRPC content-subtype negotiated for the peer
// service. No .proto stubs are generated for the peer RPCs (out of
// scope per the core specification), so the service runs over the same
// extension point grpc-go documents for non-protobuf payloads: a codec
// registered under a content-subtype and selected per call with
// grpc.CallContentSubtype.
const jsonCodecName = "json"

// jsonCodec implements encoding.Codec over plain JSON.
type jsonCodec struct{}

func (jsonCodec) Marshal(v interface{}) ([]byte, error) {
	return json.Marshal(v)
}

func (jsonCodec) Unmarshal(data []byte, v interface{}) error {
	return json.Unmarshal(data, v)
}

func (jsonCodec) Name() string {
	return jsonCodecName
}

func init() {
	encoding.RegisterCodec(jsonCodec{})
}
