// Package broker defines the message-broker primitives the RPC transport runs on.
//
// The interfaces mirror the small subset of AMQP 0-9-1 the transport needs:
// a session (connection) yielding channels, exchange and queue declaration,
// bindings, a consumer, mandatory publishes and the close/return notifications.
// AMQPDialer implements them on top of github.com/rabbitmq/amqp091-go; the
// brokertest package provides an in-memory implementation for tests.
package broker

import (
	"context"
	"errors"
	"fmt"
)

// Exchange kinds.
const (
	ExchangeDirect = "direct"
	ExchangeFanout = "fanout"
	ExchangeTopic  = "topic"
)

// Delivery modes.
const (
	Transient  uint8 = 1
	Persistent uint8 = 2
)

// ErrClosed is returned by operations on a closed session or channel.
var ErrClosed = errors.New("broker: closed")

// Error is a broker-side failure carried by close notifications.
type Error struct {
	Code   int
	Reason string
	Server bool // initiated by the broker rather than the client library
}

func (e *Error) Error() string {
	return fmt.Sprintf("broker: (%d) %s", e.Code, e.Reason)
}

// ExchangeOptions controls exchange declaration.
type ExchangeOptions struct {
	Durable    bool
	AutoDelete bool
}

// QueueOptions controls queue declaration. An empty queue name asks the
// broker to generate one.
type QueueOptions struct {
	Durable    bool
	AutoDelete bool
	Exclusive  bool
	Args       map[string]any // e.g. "x-message-ttl"
}

// ConsumeOptions controls a consumer.
type ConsumeOptions struct {
	Tag       string
	AutoAck   bool
	Exclusive bool
}

// Publishing is an outbound message.
type Publishing struct {
	Body         []byte
	ContentType  string
	DeliveryMode uint8
	ReplyTo      string
	Mandatory    bool // return the message if no queue is bound for it
}

// Delivery is an inbound message.
type Delivery struct {
	Body        []byte
	ContentType string
	ReplyTo     string
	Exchange    string
	RoutingKey  string
}

// Return is a mandatory publish the broker could not route.
type Return struct {
	ReplyCode  uint16
	ReplyText  string
	Exchange   string
	RoutingKey string
	Body       []byte
}

// Dialer opens broker sessions.
type Dialer interface {
	Dial(ctx context.Context, url string) (Session, error)
}

// Session is one broker connection.
type Session interface {
	// Channel opens a new channel on the session.
	Channel() (Channel, error)
	// NotifyClose returns a channel that receives the close reason (nil for a
	// client-initiated close) and is then closed. Every call returns the same channel.
	NotifyClose() <-chan error
	Close() error
}

// Channel is one multiplexed channel of a session.
type Channel interface {
	DeclareExchange(name, kind string, opts ExchangeOptions) error
	// DeclareQueue declares a queue and returns its (possibly broker-generated) name.
	DeclareQueue(name string, opts QueueOptions) (string, error)
	BindQueue(queue, exchange, key string) error
	Consume(queue string, opts ConsumeOptions) (<-chan Delivery, error)
	Publish(ctx context.Context, exchange, key string, msg Publishing) error
	// NotifyReturn delivers unroutable mandatory publishes. Every call returns the same channel.
	NotifyReturn() <-chan Return
	// NotifyClose behaves like Session.NotifyClose for the channel.
	NotifyClose() <-chan error
	Close() error
}
