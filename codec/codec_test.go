package codec

import (
	"testing"

	"amqp-rpc/message"

	"github.com/stretchr/testify/require"
)

func roundTrip(t *testing.T, c Codec, in *message.RPCMessage) *message.RPCMessage {
	t.Helper()
	data, err := c.Encode(in)
	require.NoError(t, err)

	var out message.RPCMessage
	require.NoError(t, c.Decode(data, &out))
	return &out
}

func TestJSONCodec(t *testing.T) {
	in := &message.RPCMessage{
		ServiceMethod: "ArithService.Add",
		Payload:       []byte(`{"a":1,"b":2}`),
	}
	out := roundTrip(t, &JSONCodec{}, in)
	require.Equal(t, in.ServiceMethod, out.ServiceMethod)
	require.Equal(t, string(in.Payload), string(out.Payload))
	require.Equal(t, in.Error, out.Error)
}

func TestBinaryCodec(t *testing.T) {
	in := &message.RPCMessage{
		ServiceMethod: "ArithService.Add",
		Payload:       []byte(`{"a":1,"b":2}`),
		Error:         "boom",
	}
	out := roundTrip(t, &BinaryCodec{}, in)
	require.Equal(t, in, out)
}

func TestBinaryCodecShortBuffer(t *testing.T) {
	c := &BinaryCodec{}
	data, err := c.Encode(&message.RPCMessage{ServiceMethod: "Arith.Add", Payload: []byte("xyz")})
	require.NoError(t, err)

	var out message.RPCMessage
	require.Error(t, c.Decode(data[:len(data)-3], &out))
}

func TestGetCodec(t *testing.T) {
	require.Equal(t, CodecTypeJSON, GetCodec(CodecTypeJSON).Type())
	require.Equal(t, CodecTypeBinary, GetCodec(CodecTypeBinary).Type())

	ct, err := ParseCodecType("binary")
	require.NoError(t, err)
	require.Equal(t, CodecTypeBinary, ct)
	_, err = ParseCodecType("xml")
	require.Error(t, err)
}
