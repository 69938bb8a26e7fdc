// Package codec serializes the RPCMessage envelope that forms a frame body.
package codec

import "fmt"

type CodecType byte

const (
	CodecTypeJSON   CodecType = 0
	CodecTypeBinary CodecType = 1
)

func (t CodecType) String() string {
	switch t {
	case CodecTypeJSON:
		return "json"
	case CodecTypeBinary:
		return "binary"
	}
	return fmt.Sprintf("codec(%d)", byte(t))
}

// ParseCodecType maps a flag value ("json", "binary") to a CodecType.
func ParseCodecType(s string) (CodecType, error) {
	switch s {
	case "json", "":
		return CodecTypeJSON, nil
	case "binary":
		return CodecTypeBinary, nil
	}
	return 0, fmt.Errorf("unknown codec %q", s)
}

type Codec interface {
	Encode(v any) ([]byte, error)
	Decode(data []byte, v any) error
	Type() CodecType // 0=JSON, 1=Binary
}

func GetCodec(codecType CodecType) Codec {
	if codecType == CodecTypeJSON {
		return &JSONCodec{}
	}

	return &BinaryCodec{}
}
