// Package client is the stub side of an RPC service: it encodes calls into
// frames, writes them through a transport.Conn and keeps the table of
// requests waiting for a reply.
//
// Several clients may share one Conn. Each owns its pending table; the Conn
// routes every reply frame to the client whose call it answers.
package client

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"

	"amqp-rpc/codec"
	"amqp-rpc/message"
	"amqp-rpc/protocol"
	"amqp-rpc/transport"

	json "github.com/goccy/go-json"
	"go.uber.org/zap"
)

// ErrShutdown is returned for calls issued after Close.
var ErrShutdown = errors.New("client: shut down")

// RemoteError is a failure reported by the servicer.
type RemoteError struct {
	ServiceMethod string
	Message       string
}

func (e *RemoteError) Error() string {
	return fmt.Sprintf("server error: %s", e.Message)
}

// Binder attaches a client to a connection. *transport.Conn implements it.
type Binder interface {
	Bind(service string, sc transport.ServiceClient) (*transport.Transport, error)
}

// Call is an RPC in flight.
type Call struct {
	ServiceMethod string
	Seq           uint32
	Args          any
	Reply         any
	Error         error
	Done          chan *Call
}

func (call *Call) done() {
	select {
	case call.Done <- call:
	default:
		// Done is too small; the caller gets what it asked for
	}
}

// Client issues calls for one service.
type Client struct {
	service string
	codec   codec.Codec
	tr      *transport.Transport
	log     *zap.Logger
	methods map[string]bool // nil accepts every "<service>.*" reply

	mu       sync.Mutex
	pending  map[uint32]*Call
	shutdown bool
}

// Option configures a Client.
type Option func(*Client)

// WithCodec selects the body codec. The default is JSON.
func WithCodec(t codec.CodecType) Option {
	return func(c *Client) { c.codec = codec.GetCodec(t) }
}

// WithLogger sets the logger. Defaults to a no-op logger.
func WithLogger(l *zap.Logger) Option {
	return func(c *Client) { c.log = l }
}

// WithMethods restricts the replies the client accepts to these methods.
// A reply for any other function fails the request it answers.
func WithMethods(methods ...string) Option {
	return func(c *Client) {
		c.methods = make(map[string]bool, len(methods))
		for _, m := range methods {
			c.methods[c.service+"."+m] = true
		}
	}
}

// New binds a client for service to b.
func New(b Binder, service string, opts ...Option) (*Client, error) {
	if service == "" || strings.Contains(service, ".") {
		return nil, fmt.Errorf("client: invalid service name %q", service)
	}
	c := &Client{
		service: service,
		codec:   codec.GetCodec(codec.CodecTypeJSON),
		log:     zap.NewNop(),
		pending: make(map[uint32]*Call),
	}
	for _, opt := range opts {
		opt(c)
	}
	c.log = c.log.With(zap.String("service", service))

	tr, err := b.Bind(service, c)
	if err != nil {
		return nil, err
	}
	c.tr = tr
	return c, nil
}

// Call invokes serviceMethod ("Service.Method") and waits for the reply,
// which is decoded into reply. When ctx ends first the call is abandoned:
// a late reply is dropped.
func (c *Client) Call(ctx context.Context, serviceMethod string, args any, reply any) error {
	call := c.Go(serviceMethod, args, reply, make(chan *Call, 1))
	select {
	case <-call.Done:
		return call.Error
	case <-ctx.Done():
		if c.take(call.Seq) != nil {
			c.tr.Forget(call.Seq)
		}
		return ctx.Err()
	}
}

// Go invokes serviceMethod asynchronously. The returned Call is sent on done
// once complete; a nil done allocates a channel of capacity 1.
func (c *Client) Go(serviceMethod string, args any, reply any, done chan *Call) *Call {
	if done == nil {
		done = make(chan *Call, 1)
	}
	call := &Call{ServiceMethod: serviceMethod, Args: args, Reply: reply, Done: done}

	service, _, ok := strings.Cut(serviceMethod, ".")
	if !ok || service != c.service {
		call.Error = fmt.Errorf("invalid serviceMethod %q for service %s", serviceMethod, c.service)
		call.done()
		return call
	}

	call.Seq = c.tr.NextSeq()
	frame, err := c.encode(call)
	if err != nil {
		call.Error = err
		call.done()
		return call
	}

	c.mu.Lock()
	if c.shutdown {
		c.mu.Unlock()
		call.Error = ErrShutdown
		call.done()
		return call
	}
	c.pending[call.Seq] = call
	c.mu.Unlock()

	if err := c.tr.Write(frame, call.Seq); err != nil {
		if c.take(call.Seq) != nil {
			call.Error = err
			call.done()
		}
	}
	return call
}

func (c *Client) encode(call *Call) ([]byte, error) {
	payload, err := json.Marshal(call.Args)
	if err != nil {
		return nil, fmt.Errorf("marshal args: %w", err)
	}
	body, err := c.codec.Encode(&message.RPCMessage{ServiceMethod: call.ServiceMethod, Payload: payload})
	if err != nil {
		return nil, fmt.Errorf("encode request: %w", err)
	}
	return protocol.AppendFrame(nil, &protocol.Header{
		CodecType: byte(c.codec.Type()),
		MsgType:   protocol.MsgTypeRequest,
		Seq:       call.Seq,
		Name:      call.ServiceMethod,
	}, body)
}

// Pending returns the number of calls waiting for a reply.
func (c *Client) Pending() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.pending)
}

// Close fails every pending call with ErrShutdown. Later calls fail at once.
// The underlying connection is left open.
func (c *Client) Close() {
	c.mu.Lock()
	c.shutdown = true
	calls := c.pending
	c.pending = make(map[uint32]*Call)
	c.mu.Unlock()

	for seq, call := range calls {
		c.tr.Forget(seq)
		call.Error = ErrShutdown
		call.done()
	}
}

func (c *Client) take(seq uint32) *Call {
	c.mu.Lock()
	defer c.mu.Unlock()
	call, ok := c.pending[seq]
	if !ok {
		return nil
	}
	delete(c.pending, seq)
	return call
}

// Receiver implements transport.ServiceClient.
func (c *Client) Receiver(name string) (transport.Receiver, bool) {
	if c.methods != nil {
		if !c.methods[name] {
			return nil, false
		}
	} else if !strings.HasPrefix(name, c.service+".") {
		return nil, false
	}
	return c.receive, true
}

// receive decodes one reply body into its payload, or into a RemoteError.
func (c *Client) receive(r *protocol.Reader, h *protocol.Header, done transport.Completion) error {
	body, err := r.ReadBody()
	if err != nil {
		return err
	}
	var msg message.RPCMessage
	if err := codec.GetCodec(codec.CodecType(h.CodecType)).Decode(body, &msg); err != nil {
		done(nil, fmt.Errorf("decode reply: %w", err))
		return nil
	}

	switch {
	case h.MsgType == protocol.MsgTypeException || msg.Failed():
		done(nil, &RemoteError{ServiceMethod: h.Name, Message: msg.Error})
	case h.MsgType == protocol.MsgTypeResponse:
		done(msg.Payload, nil)
	default:
		done(nil, fmt.Errorf("unexpected %s frame for %s", h.MsgType, h.Name))
	}
	return nil
}

// Complete implements transport.ServiceClient.
func (c *Client) Complete(seq uint32, reply any, err error) bool {
	call := c.take(seq)
	if call == nil {
		return false
	}
	if err == nil {
		if payload, ok := reply.([]byte); ok && call.Reply != nil {
			if uerr := json.Unmarshal(payload, call.Reply); uerr != nil {
				err = fmt.Errorf("unmarshal reply: %w", uerr)
			}
		}
	}
	if err != nil {
		c.log.Debug("call failed", zap.Uint32("seq", seq), zap.String("method", call.ServiceMethod), zap.Error(err))
	}
	call.Error = err
	call.done()
	return true
}
