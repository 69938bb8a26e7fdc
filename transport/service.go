package transport

import "amqp-rpc/protocol"

// Completion delivers the outcome of one reply frame. A Receiver must call it
// exactly once, before returning, after it has consumed the frame body.
type Completion func(reply any, err error)

// Receiver decodes the body of a reply frame for one function. It returns an
// error only when the body cannot be decoded; protocol.ErrUnderrun means the
// frame is incomplete and will be retried once more bytes arrive.
type Receiver func(r *protocol.Reader, h *protocol.Header, done Completion) error

// ServiceClient is the generated-stub side of the transport: it owns the
// pending-request table for one logical service.
type ServiceClient interface {
	// Receiver returns the reply decoder for a "Service.Method" name.
	Receiver(name string) (Receiver, bool)
	// Complete resolves and removes the pending request seq. It reports
	// false when no request with that id is pending.
	Complete(seq uint32, reply any, err error) bool
}

// Transport is the write handle a service client sends its frames through.
// Every frame written through it is bound to the client's service name, so
// the reply is routed back to the right pending table even when several
// services share the Conn's reply queue.
type Transport struct {
	conn    *Conn
	service string
}

// NextSeq allocates a sequence id unique across every service on the Conn.
func (t *Transport) NextSeq() uint32 {
	return t.conn.nextSeq()
}

// Write publishes frame if the Conn is open, otherwise queues it until the
// next successful connect. seq must be the id encoded in frame.
func (t *Transport) Write(frame []byte, seq uint32) error {
	return t.conn.write(t.service, frame, seq)
}

// Service returns the service name the handle is bound to.
func (t *Transport) Service() string {
	return t.service
}

// Forget abandons seq: its binding is dropped and, if the frame is still
// waiting for the connection to open, it is never sent.
func (t *Transport) Forget(seq uint32) {
	t.conn.forget(seq)
}
