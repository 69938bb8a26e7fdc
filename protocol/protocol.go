// Package protocol implements the binary frame format carried inside broker messages.
//
// A broker delivery is not a stream: one delivery may hold several frames back to
// back and one frame may be split across several deliveries. Decoding therefore
// works against a cursor Source that reports ErrUnderrun instead of blocking, and
// the caller decides whether to roll back or commit.
//
// Frame format:
//
//	0      3  4  5  6         10      12            12+n      16+n
//	┌──────┬──┬──┬──┬─────────┬───────┬─────────────┬─────────┬──────────────┐
//	│magic │v │ct│mt│   seq   │nameLen│   name ...  │ bodyLen │   body ...   │
//	│ arp  │01│  │  │ uint32  │uint16 │nameLen bytes│ uint32  │bodyLen bytes │
//	└──────┴──┴──┴──┴─────────┴───────┴─────────────┴─────────┴──────────────┘
//
// The name is the "Service.Method" the frame belongs to. Everything up to and
// including the name is the message header; the length-prefixed body follows.
package protocol

import (
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"math"
)

// Magic number bytes: "arp" (amqp rpc protocol).
const (
	MagicNumber byte = 0x61 // 'a'
	MagicByte2  byte = 0x72 // 'r'
	MagicByte3  byte = 0x70 // 'p'
	Version     byte = 0x01

	fixedSize = 12 // 3 (magic) + 1 (version) + 1 (codec) + 1 (msgType) + 4 (seq) + 2 (nameLen)
	lenSize   = 4
)

// MaxBodyLen bounds a single frame body. A larger length prefix is treated as a
// corrupt frame rather than a request to buffer gigabytes.
const MaxBodyLen = 64 << 20

// MsgType distinguishes calls from their replies.
type MsgType byte

const (
	MsgTypeRequest   MsgType = 0 // Client → servicer call
	MsgTypeResponse  MsgType = 1 // Servicer → client successful reply
	MsgTypeException MsgType = 2 // Servicer → client failure reply, body carries the error text
)

func (t MsgType) String() string {
	switch t {
	case MsgTypeRequest:
		return "request"
	case MsgTypeResponse:
		return "response"
	case MsgTypeException:
		return "exception"
	}
	return fmt.Sprintf("msgtype(%d)", byte(t))
}

// Codec type constants, mirrored from codec package to avoid circular import.
const (
	CodecTypeJSON   byte = 0
	CodecTypeBinary byte = 1
)

// ErrUnderrun reports that the Source holds fewer bytes than the frame needs.
// It is recoverable: roll the source back and retry once more bytes arrive.
var ErrUnderrun = errors.New("protocol: buffer underrun")

// Header is the decoded message header of one frame.
type Header struct {
	CodecType byte    // Serialization format of the body: 0=JSON, 1=Binary
	MsgType   MsgType // Request, Response or Exception
	Seq       uint32  // Sequence ID, correlates a reply with its call
	Name      string  // "Service.Method"
}

// AppendFrame appends the encoded frame (header + body) to dst.
func AppendFrame(dst []byte, h *Header, body []byte) ([]byte, error) {
	if len(h.Name) > math.MaxUint16 {
		return dst, fmt.Errorf("protocol: name too long: %d bytes", len(h.Name))
	}
	if len(body) > MaxBodyLen {
		return dst, fmt.Errorf("protocol: body too large: %d bytes", len(body))
	}
	dst = append(dst, MagicNumber, MagicByte2, MagicByte3, Version, h.CodecType, byte(h.MsgType))
	dst = binary.BigEndian.AppendUint32(dst, h.Seq)
	dst = binary.BigEndian.AppendUint16(dst, uint16(len(h.Name)))
	dst = append(dst, h.Name...)
	dst = binary.BigEndian.AppendUint32(dst, uint32(len(body)))
	dst = append(dst, body...)
	return dst, nil
}

// Encode writes a complete frame to w in a single Write call, so a frame is
// never split across two broker publishes.
func Encode(w io.Writer, h *Header, body []byte) error {
	buf, err := AppendFrame(make([]byte, 0, fixedSize+len(h.Name)+lenSize+len(body)), h, body)
	if err != nil {
		return err
	}
	_, err = w.Write(buf)
	return err
}

// Source is a cursor over buffered bytes. Read returns the next n bytes and
// advances the cursor, or returns ErrUnderrun without a usable result when
// fewer than n bytes are available. The returned slice is only valid until
// the source is modified.
type Source interface {
	Read(n int) ([]byte, error)
}

// Reader decodes frames from a Source. It keeps no position of its own; the
// Source's cursor is the only state, so a rolled back Source can simply be
// read again.
type Reader struct {
	src Source
}

// NewReader returns a Reader bound to src.
func NewReader(src Source) *Reader {
	return &Reader{src: src}
}

// ReadMessageBegin decodes the next message header. The body must then be
// consumed with ReadBody or SkipBody before the next header can be read.
func (r *Reader) ReadMessageBegin() (*Header, error) {
	fixed, err := r.src.Read(fixedSize)
	if err != nil {
		return nil, err
	}

	if fixed[0] != MagicNumber || fixed[1] != MagicByte2 || fixed[2] != MagicByte3 {
		return nil, fmt.Errorf("invalid magic number: %x", fixed[0:3])
	}
	if fixed[3] != Version {
		return nil, fmt.Errorf("unsupported version: %d", fixed[3])
	}
	if fixed[4] != CodecTypeJSON && fixed[4] != CodecTypeBinary {
		return nil, fmt.Errorf("unsupported codec type: %d", fixed[4])
	}
	msgType := MsgType(fixed[5])
	if msgType != MsgTypeRequest && msgType != MsgTypeResponse && msgType != MsgTypeException {
		return nil, fmt.Errorf("unsupported message type: %d", fixed[5])
	}

	h := &Header{
		CodecType: fixed[4],
		MsgType:   msgType,
		Seq:       binary.BigEndian.Uint32(fixed[6:10]),
	}
	nameLen := int(binary.BigEndian.Uint16(fixed[10:12]))

	name, err := r.src.Read(nameLen)
	if err != nil {
		return nil, err
	}
	h.Name = string(name)
	return h, nil
}

// ReadBody reads the length-prefixed body that follows a header. The result
// is a copy and stays valid after the source is compacted.
func (r *Reader) ReadBody() ([]byte, error) {
	n, err := r.bodyLen()
	if err != nil {
		return nil, err
	}
	body, err := r.src.Read(n)
	if err != nil {
		return nil, err
	}
	out := make([]byte, n)
	copy(out, body)
	return out, nil
}

// SkipBody consumes the body that follows a header without copying it.
func (r *Reader) SkipBody() error {
	n, err := r.bodyLen()
	if err != nil {
		return err
	}
	_, err = r.src.Read(n)
	return err
}

func (r *Reader) bodyLen() (int, error) {
	b, err := r.src.Read(lenSize)
	if err != nil {
		return 0, err
	}
	n := binary.BigEndian.Uint32(b)
	if n > MaxBodyLen {
		return 0, fmt.Errorf("body length %d exceeds limit %d", n, MaxBodyLen)
	}
	return int(n), nil
}
