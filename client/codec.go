package client

import (
	"encoding/json"
)

// jsonCodec marshals shard RPC messages as JSON. The shard service speaks a
// JSON-framed gRPC dialect, so calls go through ClientConn.Invoke with this
// codec forced instead of generated protobuf stubs.
type jsonCodec struct{}

func (jsonCodec) Marshal(v any) ([]byte, error) {
	return json.Marshal(v)
}

func (jsonCodec) Unmarshal(data []byte, v any) error {
	return json.Unmarshal(data, v)
}

func (jsonCodec) Name() string {
	return "json"
}
