package transport

import "amqp-rpc/protocol"

const defaultBufferSize = 4096

// FrameBuffer accumulates the bytes of inbound broker deliveries and exposes
// them to protocol.Reader through a speculative cursor.
//
//	0          checkpoint        read              write       cap
//	├───────────────┼─────────────────┼──────────────────┼─────────┤
//	   compactable     being parsed      not yet parsed     free
//
// checkpoint ≤ read ≤ write holds at all times. A frame is parsed by advancing
// read; on underrun Rollback returns read to checkpoint, on success Commit moves
// checkpoint up to read. Bytes past checkpoint are never discarded, so a frame
// split across deliveries is resumed from its first byte once more data arrives.
type FrameBuffer struct {
	buf        []byte
	write      int
	read       int
	checkpoint int
}

var _ protocol.Source = (*FrameBuffer)(nil)

// NewFrameBuffer returns an empty buffer with the given initial capacity.
func NewFrameBuffer(size int) *FrameBuffer {
	if size <= 0 {
		size = defaultBufferSize
	}
	return &FrameBuffer{buf: make([]byte, size)}
}

// Append copies p behind the write cursor, growing the buffer if needed.
// Committed bytes are dropped first to make room.
func (b *FrameBuffer) Append(p []byte) {
	if b.write+len(p) > len(b.buf) {
		b.compact()
	}
	if need := b.write + len(p); need > len(b.buf) {
		size := 2 * len(b.buf)
		if size < need {
			size = need
		}
		grown := make([]byte, size)
		copy(grown, b.buf[:b.write])
		b.buf = grown
	}
	b.write += copy(b.buf[b.write:], p)
}

// Read implements protocol.Source. The returned slice aliases the buffer and
// is only valid until the next Append.
func (b *FrameBuffer) Read(n int) ([]byte, error) {
	if n < 0 || b.read+n > b.write {
		return nil, protocol.ErrUnderrun
	}
	p := b.buf[b.read : b.read+n]
	b.read += n
	return p, nil
}

// Commit marks everything read so far as consumed.
func (b *FrameBuffer) Commit() {
	b.checkpoint = b.read
}

// Rollback rewinds the read cursor to the last commit.
func (b *FrameBuffer) Rollback() {
	b.read = b.checkpoint
}

// Buffered returns the number of uncommitted bytes.
func (b *FrameBuffer) Buffered() int {
	return b.write - b.checkpoint
}

// Reset discards all buffered bytes, committed or not.
func (b *FrameBuffer) Reset() {
	b.write, b.read, b.checkpoint = 0, 0, 0
}

func (b *FrameBuffer) compact() {
	if b.checkpoint == 0 {
		return
	}
	n := copy(b.buf, b.buf[b.checkpoint:b.write])
	b.read -= b.checkpoint
	b.write = n
	b.checkpoint = 0
}
