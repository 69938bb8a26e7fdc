package loadbalance

import (
	"context"
	"fmt"

	"amqp-rpc/registry"

	"go.uber.org/zap"
)

// Resolver yields a broker URL for a routing key from a registry. It
// satisfies transport.Resolver, so a Conn consults it on every (re)connect
// and follows brokers as they come and go.
type Resolver struct {
	reg      registry.Registry
	balancer Balancer
	key      string
	log      *zap.Logger
}

func NewResolver(reg registry.Registry, b Balancer, key string, log *zap.Logger) *Resolver {
	if log == nil {
		log = zap.NewNop()
	}
	return &Resolver{reg: reg, balancer: b, key: key, log: log}
}

func (r *Resolver) Resolve(ctx context.Context) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	instances, err := r.reg.Discover(r.key)
	if err != nil {
		return "", fmt.Errorf("discover %s: %w", r.key, err)
	}
	inst, err := r.balancer.Pick(instances)
	if err != nil {
		return "", fmt.Errorf("pick broker for %s: %w", r.key, err)
	}
	r.log.Debug("resolved broker",
		zap.String("key", r.key),
		zap.String("balancer", r.balancer.Name()),
		zap.Int("candidates", len(instances)))
	return inst.Addr, nil
}
