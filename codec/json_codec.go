package codec

import (
	json "github.com/goccy/go-json"
)

// JSONCodec serializes the envelope as JSON. The payload travels base64 encoded.
// Human-readable and easy to inspect in the broker management UI, at the cost
// of size compared to BinaryCodec.
type JSONCodec struct{}

func (c *JSONCodec) Encode(v any) ([]byte, error) {
	return json.Marshal(v)
}

func (c *JSONCodec) Decode(data []byte, v any) error {
	return json.Unmarshal(data, v)
}

func (c *JSONCodec) Type() CodecType {
	return CodecTypeJSON
}
