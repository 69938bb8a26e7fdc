package transport

import (
	"errors"
	"fmt"
	"slices"

	"amqp-rpc/broker"
	"amqp-rpc/protocol"

	"go.uber.org/zap"
)

// binding associates an outstanding seq with the service that issued it.
type binding struct {
	service   string
	published bool // written to the current session
}

// dispatch is the router's in-flight marker for the frame being decoded.
// The receiver completes through it, never directly into the client table,
// so the buffer commit happens before the caller sees the result.
type dispatch struct {
	seq    uint32
	client ServiceClient
	fired  bool
}

// router demultiplexes reply frames from the shared reply queue to the
// pending tables of the registered service clients. It is owned by the
// Conn's event loop and never touched from another goroutine.
type router struct {
	clients  map[string]ServiceClient
	bindings map[uint32]*binding
	inflight *dispatch

	log     *zap.Logger
	metrics *metrics
	emit    func(Event)
}

func newRouter(log *zap.Logger, m *metrics, emit func(Event)) *router {
	return &router{
		clients:  make(map[string]ServiceClient),
		bindings: make(map[uint32]*binding),
		log:      log,
		metrics:  m,
		emit:     emit,
	}
}

func (rt *router) register(service string, sc ServiceClient) {
	rt.clients[service] = sc
}

func (rt *router) bind(seq uint32, service string) {
	rt.bindings[seq] = &binding{service: service}
}

func (rt *router) unbind(seq uint32) {
	delete(rt.bindings, seq)
}

func (rt *router) markPublished(seq uint32) {
	if b, ok := rt.bindings[seq]; ok {
		b.published = true
	}
}

// clientFor finds the client that issued seq. Without a binding the only
// registered client, if there is exactly one, is assumed.
func (rt *router) clientFor(seq uint32) (ServiceClient, string) {
	if b, ok := rt.bindings[seq]; ok {
		if sc, ok := rt.clients[b.service]; ok {
			return sc, b.service
		}
		return nil, b.service
	}
	if len(rt.clients) == 1 {
		for name, sc := range rt.clients {
			return sc, name
		}
	}
	return nil, ""
}

// dispatch decodes and delivers every complete frame in buf. An incomplete
// trailing frame is rolled back and left for the next delivery. Any other
// decode error leaves the stream unrecoverable: the buffer is discarded and
// the error returned.
func (rt *router) dispatch(buf *FrameBuffer) error {
	r := protocol.NewReader(buf)
	for {
		h, err := r.ReadMessageBegin()
		if err == nil {
			err = rt.deliver(r, buf, h)
		}
		if err != nil {
			if errors.Is(err, protocol.ErrUnderrun) {
				buf.Rollback()
				return nil
			}
			buf.Reset()
			return err
		}
	}
}

func (rt *router) deliver(r *protocol.Reader, buf *FrameBuffer, h *protocol.Header) error {
	sc, service := rt.clientFor(h.Seq)
	if sc == nil {
		if err := r.SkipBody(); err != nil {
			return err
		}
		buf.Commit()
		rt.unbind(h.Seq)
		rt.unknown(h, fmt.Errorf("%w: no pending request for seq %d", ErrUnknownResponse, h.Seq))
		return nil
	}

	recv, ok := sc.Receiver(h.Name)
	if !ok {
		if err := r.SkipBody(); err != nil {
			return err
		}
		buf.Commit()
		rt.unbind(h.Seq)
		err := fmt.Errorf("%w: function %q not known to service %q", ErrUnknownResponse, h.Name, service)
		sc.Complete(h.Seq, nil, err)
		rt.unknown(h, err)
		return nil
	}

	d := &dispatch{seq: h.Seq, client: sc}
	rt.inflight = d
	done := func(reply any, err error) {
		if d.fired || rt.inflight != d {
			return
		}
		d.fired = true
		buf.Commit()
		rt.unbind(d.seq)
		rt.metrics.frames.Inc()
		if !d.client.Complete(d.seq, reply, err) {
			rt.unknown(h, fmt.Errorf("%w: seq %d is not pending", ErrUnknownResponse, d.seq))
		}
	}

	err := recv(r, h, done)
	if err != nil && !d.fired {
		rt.inflight = nil
		return err
	}
	if !d.fired {
		done(nil, ErrNoReply)
	}
	rt.inflight = nil
	return nil
}

func (rt *router) unknown(h *protocol.Header, err error) {
	rt.metrics.unknown.Inc()
	rt.log.Warn("unknown response",
		zap.Uint32("seq", h.Seq),
		zap.String("name", h.Name),
		zap.Stringer("type", h.MsgType),
		zap.Error(err))
	rt.emit(Event{Kind: EventUnknownResponse, Seq: h.Seq, Name: h.Name, Err: err})
}

// fail purges the pending request seq with err. It reports whether a caller
// was actually waiting.
func (rt *router) fail(seq uint32, err error, reason string) bool {
	sc, _ := rt.clientFor(seq)
	rt.unbind(seq)
	if sc == nil {
		return false
	}
	if sc.Complete(seq, nil, err) {
		rt.metrics.purged.WithLabelValues(reason).Inc()
		return true
	}
	return false
}

// returned handles a publish the broker could not route. The body holds one
// or more of our own request frames; only their headers are decoded, and
// every request found is failed with ErrUndeliverable.
func (rt *router) returned(ret broker.Return) []uint32 {
	rt.metrics.returned.Inc()
	buf := NewFrameBuffer(len(ret.Body))
	buf.Append(ret.Body)
	r := protocol.NewReader(buf)

	var seqs []uint32
	for {
		h, err := r.ReadMessageBegin()
		if err == nil {
			err = r.SkipBody()
		}
		if err != nil {
			if !errors.Is(err, protocol.ErrUnderrun) {
				rt.log.Warn("cannot decode returned message", zap.Error(err))
			}
			break
		}
		buf.Commit()
		seqs = append(seqs, h.Seq)
	}

	cause := fmt.Errorf("%w: %s (%d) on %q/%q", ErrUndeliverable, ret.ReplyText, ret.ReplyCode, ret.Exchange, ret.RoutingKey)
	for _, seq := range seqs {
		_, service := rt.clientFor(seq)
		rt.fail(seq, cause, "undeliverable")
		rt.emit(Event{Kind: EventUndeliverable, Seq: seq, Service: service, Err: cause})
	}
	return seqs
}

// purgePublished fails every request written to the session that just died.
// Requests still waiting in the write queue are kept: they will be sent on
// the next session.
func (rt *router) purgePublished(err error) int {
	var seqs []uint32
	for seq, b := range rt.bindings {
		if b.published {
			seqs = append(seqs, seq)
		}
	}
	slices.Sort(seqs)
	n := 0
	for _, seq := range seqs {
		if rt.fail(seq, err, "connection_lost") {
			n++
		}
	}
	return n
}
