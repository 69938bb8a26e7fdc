// Package transport binds the RPC client to a message broker.
//
// Calls are published to a shared services exchange; replies come back on a
// private, exclusive reply queue bound to the responses exchange and are
// routed to the pending request that issued them, even when several service
// clients share the connection:
//
//	client A ──Write(seq=1)──┐                       ┌──→ services exchange ──→ servicer
//	client B ──Write(seq=2)──┼──→ Conn (event loop) ─┤
//	client A ──Write(seq=3)──┘                       └──← reply queue ←── responses exchange
//
//	reply queue → FrameBuffer → router: seq 2 → binding "B" → B.Complete(2, ...)
//
// A Conn is a single event loop goroutine. Broker notifications, caller
// writes and the reconnect timer are all funnelled into it, so the frame
// buffer, the write queue and the seq bindings are only ever touched by one
// goroutine and need no locks.
package transport

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"amqp-rpc/broker"

	"go.uber.org/zap"
)

const contentType = "application/x-amqp-rpc"

// pendingWrite is an encoded request held while the Conn is not open.
type pendingWrite struct {
	frame   []byte
	seq     uint32
	service string
}

// link is the broker state produced by one successful connect chain.
type link struct {
	session    broker.Session
	channel    broker.Channel
	replyQueue string
	deliveries <-chan broker.Delivery
	returns    <-chan broker.Return
	chClosed   <-chan error
	sessClosed <-chan error
}

// Conn is a reconnecting RPC transport over one broker session.
type Conn struct {
	cfg      Config
	log      *zap.Logger
	metrics  *metrics
	dialer   broker.Dialer
	resolver Resolver
	backoff  Backoff

	cmds      chan func()
	events    chan Event
	quit      chan struct{}
	ctx       context.Context // canceled by Close, bounds timer-driven reconnects
	cancel    context.CancelFunc
	closeOnce sync.Once
	closeErr  error

	seq   atomic.Uint32
	state atomic.Int32

	// owned by the event loop
	link     *link
	writes   []pendingWrite
	buf      *FrameBuffer
	rt       *router
	attempt  int  // consecutive connect attempts without success
	retrying bool // current connect was started by the backoff timer
	closing  bool
	stopped  bool
	gen      uint64             // bumped per connect attempt and on Close; stale results are discarded
	retry    context.CancelFunc // cancels the scheduled reconnect
	waiters  []chan error       // Connect calls waiting for the current attempt
}

// New creates a disconnected Conn. Call Connect to establish the session.
func New(cfg Config, opts ...Option) (*Conn, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	o := options{eventBuffer: 64}
	for _, opt := range opts {
		opt(&o)
	}
	if o.logger == nil {
		o.logger = zap.NewNop()
	}
	if o.dialer == nil {
		o.dialer = &broker.AMQPDialer{}
	}
	if o.resolver == nil {
		o.resolver = StaticURL(cfg.URL)
	}
	if o.backoff == nil {
		o.backoff = JitterBackoff(cfg.MaxReconnectDelay)
	}
	if o.name == "" {
		o.name = cfg.RoutingKey
	}

	c := &Conn{
		cfg:      cfg,
		log:      o.logger.With(zap.String("conn", o.name)),
		metrics:  newMetrics(o.registerer, o.name),
		dialer:   o.dialer,
		resolver: o.resolver,
		backoff:  o.backoff,
		cmds:     make(chan func()),
		events:   make(chan Event, o.eventBuffer),
		quit:     make(chan struct{}),
		buf:      NewFrameBuffer(defaultBufferSize),
	}
	c.ctx, c.cancel = context.WithCancel(context.Background())
	c.rt = newRouter(c.log, c.metrics, c.emit)
	go c.run()
	return c, nil
}

// State returns the current connection state.
func (c *Conn) State() State {
	return State(c.state.Load())
}

// Events returns the stream of non-fatal events. Reading it is optional.
func (c *Conn) Events() <-chan Event {
	return c.events
}

// Bind registers a service client and returns the handle it writes through.
func (c *Conn) Bind(service string, sc ServiceClient) (*Transport, error) {
	err := c.do(func() { c.rt.register(service, sc) })
	if err != nil {
		return nil, err
	}
	return &Transport{conn: c, service: service}, nil
}

// ReplyQueue returns the name of the current private reply queue, or "" if
// the Conn is not open.
func (c *Conn) ReplyQueue() string {
	res := make(chan string, 1)
	if c.do(func() {
		if c.link != nil {
			res <- c.link.replyQueue
			return
		}
		res <- ""
	}) != nil {
		return ""
	}
	return <-res
}

// Connect establishes the session, the topology and the reply consumer, and
// flushes writes queued while disconnected. A failure is returned and does
// not start the reconnect loop; only an unexpected closure of an established
// session does. Called while a reconnect is scheduled, Connect attempts at
// once and the loop keeps going if that attempt fails.
func (c *Conn) Connect(ctx context.Context) error {
	res := make(chan error, 1)
	err := c.do(func() {
		switch {
		case c.closing:
			res <- ErrClosed
		case c.State() == Open:
			res <- nil
		case c.State() == Connecting:
			c.waiters = append(c.waiters, res)
		default:
			c.waiters = append(c.waiters, res)
			retrying := c.retry != nil
			c.cancelRetry()
			c.startConnect(ctx, func() {}, retrying)
		}
	})
	if err != nil {
		return err
	}
	select {
	case err := <-res:
		return err
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Close stops the Conn: any scheduled reconnect is canceled and never fires,
// and the session is closed. Pending requests are left to their callers.
func (c *Conn) Close() error {
	c.closeOnce.Do(func() {
		err := c.do(func() {
			c.closing = true
			c.setState(Closing)
			c.cancelRetry()
			c.cancel()
			c.gen++
			for _, w := range c.waiters {
				w <- ErrClosed
			}
			c.waiters = nil
			if c.link != nil {
				c.closeErr = c.link.session.Close()
				c.link = nil
			}
			c.stopped = true
			c.log.Info("connection closed", zap.Int("unsent_writes", len(c.writes)))
		})
		if err == nil {
			<-c.quit
		}
	})
	return c.closeErr
}

func (c *Conn) nextSeq() uint32 {
	for {
		if seq := c.seq.Add(1); seq != 0 {
			return seq
		}
	}
}

// do runs fn on the event loop.
func (c *Conn) do(fn func()) error {
	select {
	case c.cmds <- fn:
		return nil
	case <-c.quit:
		return ErrClosed
	}
}

func (c *Conn) emit(ev Event) {
	select {
	case c.events <- ev:
	default:
		c.log.Debug("event dropped", zap.Stringer("kind", ev.Kind))
	}
}

func (c *Conn) setState(s State) {
	if old := State(c.state.Swap(int32(s))); old != s {
		c.log.Debug("state change", zap.Stringer("from", old), zap.Stringer("to", s))
	}
	c.metrics.state.Set(float64(s))
}

func (c *Conn) run() {
	defer close(c.quit)
	for !c.stopped {
		var l link
		if c.link != nil {
			l = *c.link
		}
		select {
		case fn := <-c.cmds:
			fn()
		case d, ok := <-l.deliveries:
			if !ok {
				c.link.deliveries = nil
				continue
			}
			c.onDelivery(d)
		case r, ok := <-l.returns:
			if !ok {
				c.link.returns = nil
				continue
			}
			c.onReturn(r)
		case err, ok := <-l.chClosed:
			c.link.chClosed = nil
			if ok {
				c.onChannelClose(err)
			}
		case err, ok := <-l.sessClosed:
			c.link.sessClosed = nil
			if !ok {
				err = nil
			}
			c.onSessionClose(err)
		}
	}
}

// startConnect runs the connect chain on its own goroutine; release is
// called once the chain has finished with ctx.
func (c *Conn) startConnect(ctx context.Context, release context.CancelFunc, retrying bool) {
	c.setState(Connecting)
	c.attempt++
	c.retrying = retrying
	c.gen++
	gen := c.gen
	attempt := c.attempt
	c.log.Info("connecting", zap.Int("attempt", attempt), zap.Bool("reconnect", retrying))

	go func() {
		l, err := c.establish(ctx)
		release()
		posted := c.do(func() { c.connected(gen, l, err) })
		if posted != nil && l != nil {
			l.session.Close()
		}
	}()
}

// establish runs the connect chain. Each step short-circuits the rest; on
// failure after the dial the half-built session is closed.
func (c *Conn) establish(ctx context.Context) (l *link, err error) {
	url, err := c.resolver.Resolve(ctx)
	if err != nil {
		return nil, setupError("resolve broker", err)
	}
	sess, err := c.dialer.Dial(ctx, url)
	if err != nil {
		return nil, setupError("dial", err)
	}
	defer func() {
		if err != nil {
			sess.Close()
		}
	}()

	ch, err := sess.Channel()
	if err != nil {
		return nil, setupError("open channel", err)
	}
	exOpts := broker.ExchangeOptions{Durable: false}
	if err := ch.DeclareExchange(c.cfg.ServicesExchange, broker.ExchangeDirect, exOpts); err != nil {
		return nil, setupError("declare services exchange", err)
	}
	if err := ch.DeclareExchange(c.cfg.ResponsesExchange, broker.ExchangeDirect, exOpts); err != nil {
		return nil, setupError("declare responses exchange", err)
	}
	queue, err := ch.DeclareQueue("", broker.QueueOptions{
		Exclusive:  true,
		AutoDelete: true,
		Args:       map[string]any{"x-message-ttl": int32(0)},
	})
	if err != nil {
		return nil, setupError("declare reply queue", err)
	}
	if err := ch.BindQueue(queue, c.cfg.ResponsesExchange, queue); err != nil {
		return nil, setupError("bind reply queue", err)
	}

	l = &link{
		session:    sess,
		channel:    ch,
		replyQueue: queue,
		returns:    ch.NotifyReturn(),
		chClosed:   ch.NotifyClose(),
		sessClosed: sess.NotifyClose(),
	}
	l.deliveries, err = ch.Consume(queue, broker.ConsumeOptions{AutoAck: true, Exclusive: true})
	if err != nil {
		return nil, setupError("consume reply queue", err)
	}
	return l, nil
}

func (c *Conn) connected(gen uint64, l *link, err error) {
	if gen != c.gen || c.closing {
		if l != nil {
			l.session.Close()
		}
		return
	}

	if err != nil {
		c.setState(Disconnected)
		c.metrics.connectFailures.Inc()
		c.log.Error("connect failed", zap.Int("attempt", c.attempt), zap.Error(err))
		c.emit(Event{Kind: EventConnectFailed, Attempt: c.attempt, Err: err})
		c.notifyWaiters(err)
		if c.retrying {
			// the outage that triggered the reconnect is still going on
			c.scheduleReconnect()
		}
		return
	}

	c.link = l
	c.attempt = 0
	c.retrying = false
	c.buf.Reset()
	c.setState(Open)
	c.log.Info("connected", zap.String("reply_queue", l.replyQueue), zap.Int("queued_writes", len(c.writes)))
	c.flush()
	c.emit(Event{Kind: EventConnected})
	c.notifyWaiters(nil)
}

func (c *Conn) notifyWaiters(err error) {
	for _, w := range c.waiters {
		w <- err
	}
	c.waiters = nil
}

// write binds seq to service and publishes the frame, or queues it when the
// Conn is not open. It runs on the caller's goroutine and waits for the loop.
func (c *Conn) write(service string, frame []byte, seq uint32) error {
	res := make(chan error, 1)
	err := c.do(func() {
		if c.closing {
			res <- ErrClosed
			return
		}
		c.rt.bind(seq, service)
		w := pendingWrite{frame: frame, seq: seq, service: service}
		if c.State() == Open && len(c.writes) == 0 {
			if err := c.publish(w); err == nil {
				res <- nil
				return
			}
		}
		c.writes = append(c.writes, w)
		c.metrics.bufferedWrites.Set(float64(len(c.writes)))
		res <- nil
	})
	if err != nil {
		return err
	}
	return <-res
}

func (c *Conn) forget(seq uint32) {
	c.do(func() {
		c.rt.unbind(seq)
		for i, w := range c.writes {
			if w.seq == seq {
				c.writes = append(c.writes[:i], c.writes[i+1:]...)
				c.metrics.bufferedWrites.Set(float64(len(c.writes)))
				return
			}
		}
	})
}

func (c *Conn) publish(w pendingWrite) error {
	ctx, cancel := context.WithTimeout(c.ctx, c.cfg.PublishTimeout)
	defer cancel()
	err := c.link.channel.Publish(ctx, c.cfg.ServicesExchange, c.cfg.RoutingKey, broker.Publishing{
		Body:         w.frame,
		ContentType:  contentType,
		DeliveryMode: broker.Transient,
		ReplyTo:      c.link.replyQueue,
		Mandatory:    true,
	})
	if err != nil {
		c.log.Error("publish failed, keeping frame for the next session", zap.Uint32("seq", w.seq), zap.Error(err))
		if !c.closing {
			// the channel is unusable; recycle the session so the queue drains
			c.emit(Event{Kind: EventChannelError, Err: err})
			c.forceClose()
		}
		return err
	}
	c.rt.markPublished(w.seq)
	c.metrics.published.Inc()
	return nil
}

// flush sends the queued writes in order. If the channel breaks half way the
// rest stay queued, still in order, for the next session.
func (c *Conn) flush() {
	for len(c.writes) > 0 {
		if err := c.publish(c.writes[0]); err != nil {
			break
		}
		c.writes[0] = pendingWrite{}
		c.writes = c.writes[1:]
	}
	if len(c.writes) == 0 {
		c.writes = nil
	}
	c.metrics.bufferedWrites.Set(float64(len(c.writes)))
}

func (c *Conn) onDelivery(d broker.Delivery) {
	c.buf.Append(d.Body)
	if err := c.rt.dispatch(c.buf); err != nil {
		c.log.Error("discarding undecodable reply stream", zap.Error(err))
		c.emit(Event{Kind: EventDecodeError, Err: err})
	}
}

// onReturn handles an unroutable request: the servicer is unreachable, so
// the affected requests fail and the session is recycled.
func (c *Conn) onReturn(r broker.Return) {
	seqs := c.rt.returned(r)
	c.log.Error("message returned by broker",
		zap.Uint16("code", r.ReplyCode),
		zap.String("reason", r.ReplyText),
		zap.String("routing_key", r.RoutingKey),
		zap.Uint32s("seqs", seqs))
	c.forceClose()
}

func (c *Conn) onChannelClose(err error) {
	if c.closing || err == nil {
		// closed by us; the session notification drives what happens next
		return
	}
	c.log.Error("channel closed", zap.Error(err))
	c.emit(Event{Kind: EventChannelError, Err: err})
	c.forceClose()
}

// forceClose closes the session without marking the Conn as closing, so the
// resulting close notification takes the reconnect path.
func (c *Conn) forceClose() {
	if c.link == nil {
		return
	}
	go c.link.session.Close()
}

func (c *Conn) onSessionClose(err error) {
	if c.closing {
		c.log.Info("session closed", zap.Error(err))
		return
	}
	c.log.Error("session closed unexpectedly", zap.Error(err))
	c.drainDeliveries()
	c.link = nil
	c.buf.Reset()
	c.setState(Disconnected)
	if n := c.rt.purgePublished(ErrConnectionLost); n > 0 {
		c.log.Warn("failed requests awaiting a reply", zap.Int("count", n))
	}
	c.emit(Event{Kind: EventUnexpectedClosure, Err: err})
	c.scheduleReconnect()
}

// drainDeliveries dispatches the replies the consumer already holds, so a
// close notification racing them does not fail requests that were answered.
func (c *Conn) drainDeliveries() {
	if c.link == nil {
		return
	}
	for {
		select {
		case d, ok := <-c.link.deliveries:
			if !ok {
				return
			}
			c.onDelivery(d)
		default:
			return
		}
	}
}

// scheduleReconnect arms the backoff timer. The timer carries its own
// cancellation token; Close cancels it and the loop re-checks it before
// connecting, so a canceled reconnect never runs.
func (c *Conn) scheduleReconnect() {
	c.cancelRetry()
	delay := c.backoff(c.attempt)
	ctx, cancel := context.WithCancel(c.ctx)
	c.retry = cancel
	c.metrics.reconnects.Inc()
	c.log.Warn("reconnect scheduled", zap.Int("attempt", c.attempt+1), zap.Duration("delay", delay))
	c.emit(Event{Kind: EventReconnectScheduled, Attempt: c.attempt + 1, Delay: delay})

	go func() {
		t := time.NewTimer(delay)
		defer t.Stop()
		select {
		case <-t.C:
		case <-ctx.Done():
			return
		}
		c.do(func() {
			if ctx.Err() != nil || c.closing {
				return
			}
			c.retry = nil
			cancel()
			connectCtx, connectCancel := context.WithTimeout(c.ctx, c.cfg.ConnectTimeout)
			c.startConnect(connectCtx, connectCancel, true)
		})
	}()
}

func (c *Conn) cancelRetry() {
	if c.retry != nil {
		c.retry()
		c.retry = nil
	}
}
