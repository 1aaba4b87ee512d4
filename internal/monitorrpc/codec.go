package monitorrpc

import (
	"encoding/json"

	"google.golang.org/grpc/encoding"
)

// jsonCodec registers under the name grpc-go's transport uses by
// default ("proto") so that ordinary grpc.Dial/grpc.NewServer wiring
// gets JSON wire encoding without any client-side content-subtype
// plumbing. This is the deliberate substitute for protoc-gen-go
// output documented in DESIGN.md: a real google.golang.org/grpc
// client/server pair, a made-up wire format.
type jsonCodec struct{}

func (jsonCodec) Name() string { return "proto" }

func (jsonCodec) Marshal(v any) ([]byte, error) {
	return json.Marshal(v)
}

func (jsonCodec) Unmarshal(data []byte, v any) error {
	return json.Unmarshal(data, v)
}

func init() {
	encoding.RegisterCodec(jsonCodec{})
}
