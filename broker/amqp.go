package broker

import (
	"context"
	"net"
	"sync"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"
)

// AMQPDialer dials RabbitMQ (or any AMQP 0-9-1 broker) with amqp091-go.
type AMQPDialer struct {
	Heartbeat time.Duration // default 10s
	Locale    string        // default "en_US"
}

// Dial connects to url. ctx bounds the TCP dial and the AMQP handshake.
func (d *AMQPDialer) Dial(ctx context.Context, url string) (Session, error) {
	heartbeat, locale := d.Heartbeat, d.Locale
	if heartbeat == 0 {
		heartbeat = 10 * time.Second
	}
	if locale == "" {
		locale = "en_US"
	}
	cfg := amqp.Config{
		Heartbeat: heartbeat,
		Locale:    locale,
		Dial: func(network, addr string) (net.Conn, error) {
			var nd net.Dialer
			conn, err := nd.DialContext(ctx, network, addr)
			if err != nil {
				return nil, err
			}
			if deadline, ok := ctx.Deadline(); ok {
				// amqp091 clears the deadline once the handshake is done
				if err := conn.SetDeadline(deadline); err != nil {
					conn.Close()
					return nil, err
				}
			}
			return conn, nil
		},
	}
	conn, err := amqp.DialConfig(url, cfg)
	if err != nil {
		return nil, err
	}
	return &amqpSession{conn: conn, closed: notifyClose(conn.NotifyClose(make(chan *amqp.Error, 1)))}, nil
}

type amqpSession struct {
	conn   *amqp.Connection
	closed <-chan error
}

func (s *amqpSession) Channel() (Channel, error) {
	ch, err := s.conn.Channel()
	if err != nil {
		return nil, err
	}
	c := &amqpChannel{
		ch:     ch,
		closed: notifyClose(ch.NotifyClose(make(chan *amqp.Error, 1))),
		done:   make(chan struct{}),
	}
	go func(gone chan *amqp.Error) {
		for range gone {
		}
		close(c.done)
	}(ch.NotifyClose(make(chan *amqp.Error, 1)))
	return c, nil
}

func (s *amqpSession) NotifyClose() <-chan error { return s.closed }

func (s *amqpSession) Close() error {
	if s.conn.IsClosed() {
		return nil
	}
	return s.conn.Close()
}

type amqpChannel struct {
	ch     *amqp.Channel
	closed <-chan error
	done   chan struct{} // closed once the channel is gone

	returnsOnce sync.Once
	returns     chan Return
}

func (c *amqpChannel) DeclareExchange(name, kind string, opts ExchangeOptions) error {
	return c.ch.ExchangeDeclare(name, kind, opts.Durable, opts.AutoDelete, false, false, nil)
}

func (c *amqpChannel) DeclareQueue(name string, opts QueueOptions) (string, error) {
	q, err := c.ch.QueueDeclare(name, opts.Durable, opts.AutoDelete, opts.Exclusive, false, amqp.Table(opts.Args))
	if err != nil {
		return "", err
	}
	return q.Name, nil
}

func (c *amqpChannel) BindQueue(queue, exchange, key string) error {
	return c.ch.QueueBind(queue, key, exchange, false, nil)
}

func (c *amqpChannel) Consume(queue string, opts ConsumeOptions) (<-chan Delivery, error) {
	in, err := c.ch.Consume(queue, opts.Tag, opts.AutoAck, opts.Exclusive, false, false, nil)
	if err != nil {
		return nil, err
	}
	out := make(chan Delivery)
	go func() {
		defer close(out)
		for d := range in {
			select {
			case out <- Delivery{
				Body:        d.Body,
				ContentType: d.ContentType,
				ReplyTo:     d.ReplyTo,
				Exchange:    d.Exchange,
				RoutingKey:  d.RoutingKey,
			}:
			case <-c.done:
				return
			}
		}
	}()
	return out, nil
}

func (c *amqpChannel) Publish(ctx context.Context, exchange, key string, msg Publishing) error {
	return c.ch.PublishWithContext(ctx, exchange, key, msg.Mandatory, false, amqp.Publishing{
		ContentType:  msg.ContentType,
		DeliveryMode: msg.DeliveryMode,
		ReplyTo:      msg.ReplyTo,
		Body:         msg.Body,
	})
}

func (c *amqpChannel) NotifyReturn() <-chan Return {
	c.returnsOnce.Do(func() {
		in := c.ch.NotifyReturn(make(chan amqp.Return, 16))
		c.returns = make(chan Return, 16)
		go func() {
			defer close(c.returns)
			for r := range in {
				select {
				case c.returns <- Return{
					ReplyCode:  r.ReplyCode,
					ReplyText:  r.ReplyText,
					Exchange:   r.Exchange,
					RoutingKey: r.RoutingKey,
					Body:       r.Body,
				}:
				case <-c.done:
					return
				}
			}
		}()
	})
	return c.returns
}

func (c *amqpChannel) NotifyClose() <-chan error { return c.closed }

func (c *amqpChannel) Close() error {
	if c.ch.IsClosed() {
		return nil
	}
	return c.ch.Close()
}

// notifyClose adapts an amqp091 close notification to the broker contract:
// one value (nil on graceful close), then closed.
func notifyClose(in chan *amqp.Error) <-chan error {
	out := make(chan error, 1)
	go func() {
		defer close(out)
		amqpErr, ok := <-in
		if !ok || amqpErr == nil {
			out <- nil
			return
		}
		out <- &Error{Code: amqpErr.Code, Reason: amqpErr.Reason, Server: amqpErr.Server}
	}()
	return out
}
