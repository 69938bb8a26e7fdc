// Package loadbalance chooses which broker endpoint a connection dials.
//
// Three strategies are implemented:
//   - RoundRobin:      spread connections evenly over equivalent brokers
//   - WeightedRandom:  brokers of different capacity
//   - ConsistentHash:  pin a routing key to one broker, so the clients and the
//     servicer of a queue meet on the node that hosts it
package loadbalance

import (
	"errors"

	"amqp-rpc/registry"
)

// ErrNoInstances is returned when there is nothing to pick from.
var ErrNoInstances = errors.New("no instances available")

// Balancer is the interface for load balancing strategies.
type Balancer interface {
	// Pick selects one instance from the available list. It must be
	// goroutine-safe.
	Pick(instances []registry.ServiceInstance) (*registry.ServiceInstance, error)

	// Name returns the strategy name (for logging/debugging).
	Name() string
}

// New returns the balancer registered under name: "roundrobin", "weighted"
// or "hash". key is only used by "hash".
func New(name, key string) (Balancer, error) {
	switch name {
	case "roundrobin", "":
		return &RoundRobinBalancer{}, nil
	case "weighted":
		return &WeightedRandomBalancer{}, nil
	case "hash":
		return NewConsistentHashBalancer().For(key), nil
	}
	return nil, errors.New("unknown balancer " + name)
}
