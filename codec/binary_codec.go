package codec

import (
	"encoding/binary"
	"errors"

	"amqp-rpc/message"
)

var errShortBuffer = errors.New("BinaryCodec: short buffer")

type BinaryCodec struct{}

func (c *BinaryCodec) Encode(v any) ([]byte, error) {
	msg, ok := v.(*message.RPCMessage)
	if !ok {
		return nil, errors.New("BinaryCodec: v must be *RPCMessage")
	}
	if len(msg.ServiceMethod) > 0xFFFF || len(msg.Error) > 0xFFFF {
		return nil, errors.New("BinaryCodec: string field too long")
	}

	total := 2 + len(msg.ServiceMethod) + 4 + len(msg.Payload) + 2 + len(msg.Error)
	buf := make([]byte, 0, total)

	// ServiceMethod: 2 byte length + bytes
	buf = binary.BigEndian.AppendUint16(buf, uint16(len(msg.ServiceMethod)))
	buf = append(buf, msg.ServiceMethod...)

	// Payload: 4 byte length + bytes
	buf = binary.BigEndian.AppendUint32(buf, uint32(len(msg.Payload)))
	buf = append(buf, msg.Payload...)

	// Error: 2 byte length + bytes
	buf = binary.BigEndian.AppendUint16(buf, uint16(len(msg.Error)))
	buf = append(buf, msg.Error...)
	return buf, nil
}

func (c *BinaryCodec) Decode(data []byte, v any) error {
	msg, ok := v.(*message.RPCMessage)
	if !ok {
		return errors.New("BinaryCodec: v must be *RPCMessage")
	}

	d := decoder{data: data}
	msg.ServiceMethod = string(d.next(int(d.uint16())))
	payload := d.next(int(d.uint32()))
	msg.Error = string(d.next(int(d.uint16())))
	if d.err != nil {
		return d.err
	}
	msg.Payload = make([]byte, len(payload))
	copy(msg.Payload, payload)
	return nil
}

func (c *BinaryCodec) Type() CodecType {
	return CodecTypeBinary
}

// decoder reads big-endian fields and remembers the first short read.
type decoder struct {
	data []byte
	off  int
	err  error
}

func (d *decoder) next(n int) []byte {
	if d.err != nil {
		return nil
	}
	if d.off+n > len(d.data) {
		d.err = errShortBuffer
		return nil
	}
	b := d.data[d.off : d.off+n]
	d.off += n
	return b
}

func (d *decoder) uint16() uint16 {
	b := d.next(2)
	if b == nil {
		return 0
	}
	return binary.BigEndian.Uint16(b)
}

func (d *decoder) uint32() uint32 {
	b := d.next(4)
	if b == nil {
		return 0
	}
	return binary.BigEndian.Uint32(b)
}
