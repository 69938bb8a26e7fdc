// Package brokertest provides an in-memory broker implementing the broker
// interfaces, for tests that need the transport's full topology without a
// running RabbitMQ.
//
// It models the parts of AMQP 0-9-1 the RPC transport relies on: direct and
// fanout exchanges, exclusive and auto-delete queues, x-message-ttl=0 queues
// that drop messages nobody is consuming, mandatory publishes returned when
// unroutable, and channel/session close notifications. Tests can also inject
// raw deliveries, fail dials and close sessions or channels from the broker side.
package brokertest

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"amqp-rpc/broker"
)

// AMQP reply codes used by the fake.
const (
	codeNoRoute            = 312
	codeNotFound           = 404
	codeResourceLocked     = 405
	codePreconditionFailed = 406
	codeConnectionForced   = 320
)

// Message is a publish recorded by the broker.
type Message struct {
	Exchange   string
	RoutingKey string
	broker.Publishing
}

// Broker is an in-memory broker. The zero value is not usable; call New.
type Broker struct {
	mu        sync.Mutex
	exchanges map[string]string // name → kind
	queues    map[string]*queue
	bindings  map[string][]binding // exchange → bindings
	sessions  map[*Session]struct{}
	published []Message
	nameSeq   int

	dials       int
	failDials   int
	failDialErr error
	onDial      func(url string)
}

type binding struct {
	queue string
	key   string
}

type queue struct {
	name       string
	owner      *Session // exclusive owner, nil otherwise
	autoDelete bool
	ttlZero    bool
	consumers  []*consumer
	next       int
	backlog    []broker.Delivery
}

type consumer struct {
	queue string
	out   *pump[broker.Delivery]
}

var _ broker.Dialer = (*Broker)(nil)

// New returns an empty broker. The default exchange ("") routes by queue name.
func New() *Broker {
	return &Broker{
		exchanges: map[string]string{"": broker.ExchangeDirect},
		queues:    make(map[string]*queue),
		bindings:  make(map[string][]binding),
		sessions:  make(map[*Session]struct{}),
	}
}

// Dial opens a session unless a failure was scheduled with FailDials.
func (b *Broker) Dial(ctx context.Context, url string) (broker.Session, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	b.mu.Lock()
	b.dials++
	hook := b.onDial
	if b.failDials > 0 {
		b.failDials--
		err := b.failDialErr
		b.mu.Unlock()
		return nil, err
	}
	s := &Session{b: b, closed: make(chan error, 1)}
	b.sessions[s] = struct{}{}
	b.mu.Unlock()

	if hook != nil {
		hook(url)
	}
	return s, nil
}

// OnDial registers a hook called with the URL of every successful dial.
func (b *Broker) OnDial(fn func(url string)) {
	b.mu.Lock()
	b.onDial = fn
	b.mu.Unlock()
}

// FailDials makes the next n dials fail with err.
func (b *Broker) FailDials(n int, err error) {
	b.mu.Lock()
	b.failDials = n
	b.failDialErr = err
	b.mu.Unlock()
}

// Dials returns the number of dial attempts so far.
func (b *Broker) Dials() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.dials
}

// OpenSessions returns the number of sessions not yet closed.
func (b *Broker) OpenSessions() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.sessions)
}

// Published returns a copy of every accepted publish, in order.
func (b *Broker) Published() []Message {
	b.mu.Lock()
	defer b.mu.Unlock()
	return append([]Message(nil), b.published...)
}

// HasQueue reports whether a queue exists.
func (b *Broker) HasQueue(name string) bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	_, ok := b.queues[name]
	return ok
}

// Deliver injects a raw message into a queue as if it was published to it
// through the default exchange.
func (b *Broker) Deliver(queueName string, body []byte) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	q, ok := b.queues[queueName]
	if !ok {
		return fmt.Errorf("brokertest: no queue %q", queueName)
	}
	q.enqueue(broker.Delivery{Body: append([]byte(nil), body...), RoutingKey: queueName})
	return nil
}

// KillSessions closes every open session from the broker side with err as
// the close reason, like a broker restart or a forced connection close.
func (b *Broker) KillSessions(err error) {
	if err == nil {
		err = &broker.Error{Code: codeConnectionForced, Reason: "CONNECTION_FORCED", Server: true}
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	for s := range b.sessions {
		b.closeSessionLocked(s, err)
	}
}

// FailChannels closes every open channel from the broker side with err,
// leaving the sessions open.
func (b *Broker) FailChannels(err error) {
	if err == nil {
		err = &broker.Error{Code: codePreconditionFailed, Reason: "PRECONDITION_FAILED", Server: true}
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	for s := range b.sessions {
		for _, ch := range s.channels {
			b.closeChannelLocked(ch, err)
		}
	}
}

func (b *Broker) closeSessionLocked(s *Session, reason error) {
	if s.isClosed {
		return
	}
	s.isClosed = true
	delete(b.sessions, s)
	for _, ch := range s.channels {
		b.closeChannelLocked(ch, reason)
	}
	for name, q := range b.queues {
		if q.owner == s {
			b.deleteQueueLocked(name)
		}
	}
	s.closed <- reason
	close(s.closed)
}

func (b *Broker) closeChannelLocked(ch *Channel, reason error) {
	if ch.isClosed {
		return
	}
	ch.isClosed = true
	for _, c := range ch.consumers {
		c.out.stop()
		if q, ok := b.queues[c.queue]; ok {
			q.removeConsumer(c)
			if q.autoDelete && len(q.consumers) == 0 {
				b.deleteQueueLocked(q.name)
			}
		}
	}
	ch.consumers = nil
	ch.returns.stop()
	ch.closed <- reason
	close(ch.closed)
}

func (b *Broker) deleteQueueLocked(name string) {
	q, ok := b.queues[name]
	if !ok {
		return
	}
	for _, c := range q.consumers {
		c.out.stop()
	}
	delete(b.queues, name)
	for ex, bs := range b.bindings {
		kept := bs[:0]
		for _, bd := range bs {
			if bd.queue != name {
				kept = append(kept, bd)
			}
		}
		b.bindings[ex] = kept
	}
}

func (b *Broker) route(exchange, key string) []*queue {
	if exchange == "" {
		if q, ok := b.queues[key]; ok {
			return []*queue{q}
		}
		return nil
	}
	kind := b.exchanges[exchange]
	var out []*queue
	for _, bd := range b.bindings[exchange] {
		if kind == broker.ExchangeFanout || bd.key == key {
			if q, ok := b.queues[bd.queue]; ok {
				out = append(out, q)
			}
		}
	}
	return out
}

func (q *queue) enqueue(d broker.Delivery) {
	if len(q.consumers) == 0 {
		if q.ttlZero {
			return
		}
		q.backlog = append(q.backlog, d)
		return
	}
	c := q.consumers[q.next%len(q.consumers)]
	q.next++
	c.out.push(d)
}

func (q *queue) removeConsumer(c *consumer) {
	for i, x := range q.consumers {
		if x == c {
			q.consumers = append(q.consumers[:i], q.consumers[i+1:]...)
			return
		}
	}
}

// Session is an in-memory broker connection.
type Session struct {
	b        *Broker
	closed   chan error
	isClosed bool
	channels []*Channel
}

var _ broker.Session = (*Session)(nil)

func (s *Session) Channel() (broker.Channel, error) {
	s.b.mu.Lock()
	defer s.b.mu.Unlock()
	if s.isClosed {
		return nil, broker.ErrClosed
	}
	ch := &Channel{s: s, closed: make(chan error, 1), returns: newPump[broker.Return]()}
	s.channels = append(s.channels, ch)
	return ch, nil
}

func (s *Session) NotifyClose() <-chan error { return s.closed }

func (s *Session) Close() error {
	s.b.mu.Lock()
	defer s.b.mu.Unlock()
	s.b.closeSessionLocked(s, nil)
	return nil
}

// Channel is an in-memory broker channel.
type Channel struct {
	s         *Session
	closed    chan error
	isClosed  bool
	returns   *pump[broker.Return]
	consumers []*consumer
}

var _ broker.Channel = (*Channel)(nil)

// fail closes the channel with an AMQP-style error and returns it.
// Must be called with the broker lock held.
func (ch *Channel) fail(code int, format string, args ...any) error {
	err := &broker.Error{Code: code, Reason: fmt.Sprintf(format, args...), Server: true}
	ch.s.b.closeChannelLocked(ch, err)
	return err
}

func (ch *Channel) DeclareExchange(name, kind string, opts broker.ExchangeOptions) error {
	b := ch.s.b
	b.mu.Lock()
	defer b.mu.Unlock()
	if ch.isClosed {
		return broker.ErrClosed
	}
	if existing, ok := b.exchanges[name]; ok && existing != kind {
		return ch.fail(codePreconditionFailed, "PRECONDITION_FAILED - inequivalent arg 'type' for exchange '%s'", name)
	}
	b.exchanges[name] = kind
	return nil
}

func (ch *Channel) DeclareQueue(name string, opts broker.QueueOptions) (string, error) {
	b := ch.s.b
	b.mu.Lock()
	defer b.mu.Unlock()
	if ch.isClosed {
		return "", broker.ErrClosed
	}
	if name == "" {
		b.nameSeq++
		name = fmt.Sprintf("amq.gen-%d", b.nameSeq)
	}
	if q, ok := b.queues[name]; ok {
		if q.owner != nil && q.owner != ch.s {
			return "", ch.fail(codeResourceLocked, "RESOURCE_LOCKED - cannot obtain exclusive access to locked queue '%s'", name)
		}
		return name, nil
	}
	q := &queue{name: name, autoDelete: opts.AutoDelete}
	if opts.Exclusive {
		q.owner = ch.s
	}
	if ttl, ok := opts.Args["x-message-ttl"]; ok && isZero(ttl) {
		q.ttlZero = true
	}
	b.queues[name] = q
	return name, nil
}

func (ch *Channel) BindQueue(queueName, exchange, key string) error {
	b := ch.s.b
	b.mu.Lock()
	defer b.mu.Unlock()
	if ch.isClosed {
		return broker.ErrClosed
	}
	if _, ok := b.exchanges[exchange]; !ok {
		return ch.fail(codeNotFound, "NOT_FOUND - no exchange '%s'", exchange)
	}
	if _, ok := b.queues[queueName]; !ok {
		return ch.fail(codeNotFound, "NOT_FOUND - no queue '%s'", queueName)
	}
	for _, bd := range b.bindings[exchange] {
		if bd.queue == queueName && bd.key == key {
			return nil
		}
	}
	b.bindings[exchange] = append(b.bindings[exchange], binding{queue: queueName, key: key})
	return nil
}

func (ch *Channel) Consume(queueName string, opts broker.ConsumeOptions) (<-chan broker.Delivery, error) {
	b := ch.s.b
	b.mu.Lock()
	defer b.mu.Unlock()
	if ch.isClosed {
		return nil, broker.ErrClosed
	}
	q, ok := b.queues[queueName]
	if !ok {
		return nil, ch.fail(codeNotFound, "NOT_FOUND - no queue '%s'", queueName)
	}
	c := &consumer{queue: queueName, out: newPump[broker.Delivery]()}
	q.consumers = append(q.consumers, c)
	ch.consumers = append(ch.consumers, c)
	for _, d := range q.backlog {
		c.out.push(d)
	}
	q.backlog = nil
	return c.out.out, nil
}

func (ch *Channel) Publish(ctx context.Context, exchange, key string, msg broker.Publishing) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	b := ch.s.b
	b.mu.Lock()
	defer b.mu.Unlock()
	if ch.isClosed {
		return broker.ErrClosed
	}
	if _, ok := b.exchanges[exchange]; !ok {
		// asynchronous in AMQP: the publish "succeeds" and the channel dies
		ch.fail(codeNotFound, "NOT_FOUND - no exchange '%s'", exchange)
		return nil
	}

	msg.Body = append([]byte(nil), msg.Body...)
	b.published = append(b.published, Message{Exchange: exchange, RoutingKey: key, Publishing: msg})

	queues := b.route(exchange, key)
	if len(queues) == 0 {
		if msg.Mandatory {
			ch.returns.push(broker.Return{
				ReplyCode:  codeNoRoute,
				ReplyText:  "NO_ROUTE",
				Exchange:   exchange,
				RoutingKey: key,
				Body:       msg.Body,
			})
		}
		return nil
	}
	for _, q := range queues {
		q.enqueue(broker.Delivery{
			Body:        msg.Body,
			ContentType: msg.ContentType,
			ReplyTo:     msg.ReplyTo,
			Exchange:    exchange,
			RoutingKey:  key,
		})
	}
	return nil
}

func (ch *Channel) NotifyReturn() <-chan broker.Return { return ch.returns.out }

func (ch *Channel) NotifyClose() <-chan error { return ch.closed }

func (ch *Channel) Close() error {
	b := ch.s.b
	b.mu.Lock()
	defer b.mu.Unlock()
	b.closeChannelLocked(ch, nil)
	return nil
}

func isZero(v any) bool {
	switch n := v.(type) {
	case int:
		return n == 0
	case int32:
		return n == 0
	case int64:
		return n == 0
	}
	return false
}

// ErrDialRefused is a convenient error for FailDials.
var ErrDialRefused = errors.New("brokertest: connection refused")
