package broker

import (
	"context"
	"errors"
	"sync"
)

// ErrPoolClosed is returned by ChannelPool.Get after Close.
var ErrPoolClosed = errors.New("broker: channel pool closed")

// ChannelPool hands out channels of one session for exclusive use, so that
// concurrent publishers never share an AMQP channel.
//
// The pool is a buffered channel used as a FIFO of idle channels. Channels
// are opened lazily up to max; at capacity Get blocks until one is returned.
type ChannelPool struct {
	mu     sync.Mutex
	idle   chan *PooledChannel
	max    int
	open   int
	closed bool
	done   chan struct{}
	opener func() (Channel, error)
}

// PooledChannel is a Channel borrowed from a ChannelPool.
type PooledChannel struct {
	Channel
	unusable bool
}

// MarkUnusable makes Put close the channel instead of reusing it. Call it
// after any error: a failed AMQP channel is closed by the broker.
func (c *PooledChannel) MarkUnusable() {
	c.unusable = true
}

// NewChannelPool returns an empty pool of at most max channels on sess.
func NewChannelPool(sess Session, max int) *ChannelPool {
	if max <= 0 {
		max = 1
	}
	return &ChannelPool{
		idle:   make(chan *PooledChannel, max),
		max:    max,
		done:   make(chan struct{}),
		opener: sess.Channel,
	}
}

// Get borrows a channel: an idle one if there is any, a new one while under
// the limit, otherwise the next one returned.
func (p *ChannelPool) Get(ctx context.Context) (*PooledChannel, error) {
	for {
		select {
		case c, ok := <-p.idle:
			if !ok {
				return nil, ErrPoolClosed
			}
			if c.unusable {
				p.discard(c)
				continue
			}
			return c, nil
		default:
		}

		if c, ok, err := p.tryOpen(); ok {
			return c, err
		}

		select {
		case c, ok := <-p.idle:
			if !ok {
				return nil, ErrPoolClosed
			}
			if c.unusable {
				p.discard(c)
				continue
			}
			return c, nil
		case <-p.done:
			return nil, ErrPoolClosed
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
}

// tryOpen opens a new channel if the pool is below its limit. ok is false
// when the pool is full.
func (p *ChannelPool) tryOpen() (c *PooledChannel, ok bool, err error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return nil, true, ErrPoolClosed
	}
	if p.open >= p.max {
		return nil, false, nil
	}
	ch, err := p.opener()
	if err != nil {
		return nil, true, err
	}
	p.open++
	return &PooledChannel{Channel: ch}, true, nil
}

// Put returns a borrowed channel. Unusable channels are closed and free a slot.
func (p *ChannelPool) Put(c *PooledChannel) {
	p.mu.Lock()
	if p.closed || c.unusable {
		p.mu.Unlock()
		p.discard(c)
		return
	}
	p.idle <- c
	p.mu.Unlock()
}

func (p *ChannelPool) discard(c *PooledChannel) {
	c.Channel.Close()
	p.mu.Lock()
	p.open--
	p.mu.Unlock()
}

// Close closes the idle channels. Channels still borrowed are closed when
// they are put back.
func (p *ChannelPool) Close() error {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return nil
	}
	p.closed = true
	close(p.done)
	close(p.idle)
	p.mu.Unlock()

	var errs []error
	for c := range p.idle {
		if err := c.Channel.Close(); err != nil {
			errs = append(errs, err)
		}
		p.mu.Lock()
		p.open--
		p.mu.Unlock()
	}
	return errors.Join(errs...)
}
