package brokertest

import "sync"

// pump is an unbounded FIFO feeding a Go channel, so the broker never blocks
// on a slow consumer while holding its lock. Items still queued when the pump
// is stopped are dropped, like messages in flight on a closed AMQP channel.
type pump[T any] struct {
	mu      sync.Mutex
	items   []T
	stopped bool
	signal  chan struct{}
	done    chan struct{}
	out     chan T
}

func newPump[T any]() *pump[T] {
	p := &pump[T]{
		signal: make(chan struct{}, 1),
		done:   make(chan struct{}),
		out:    make(chan T),
	}
	go p.run()
	return p
}

func (p *pump[T]) push(v T) bool {
	p.mu.Lock()
	if p.stopped {
		p.mu.Unlock()
		return false
	}
	p.items = append(p.items, v)
	p.mu.Unlock()

	select {
	case p.signal <- struct{}{}:
	default:
	}
	return true
}

func (p *pump[T]) stop() {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.stopped {
		return
	}
	p.stopped = true
	close(p.done)
}

func (p *pump[T]) run() {
	defer close(p.out)
	for {
		p.mu.Lock()
		if len(p.items) == 0 {
			p.mu.Unlock()
			select {
			case <-p.signal:
				continue
			case <-p.done:
				return
			}
		}
		v := p.items[0]
		p.items = p.items[1:]
		p.mu.Unlock()

		select {
		case p.out <- v:
		case <-p.done:
			return
		}
	}
}
