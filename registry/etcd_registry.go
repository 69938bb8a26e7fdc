package registry

import (
	"context"
	"time"

	json "github.com/goccy/go-json"
	clientv3 "go.etcd.io/etcd/client/v3"
	"go.uber.org/zap"
)

// keyPrefix roots every entry: {keyPrefix}{queue}/{addr} → JSON ServiceInstance.
const keyPrefix = "/amqp-rpc/"

// EtcdRegistry implements Registry on etcd v3. Registrations are bound to a
// TTL lease kept alive in the background, so the entries of a servicer that
// dies without deregistering expire on their own.
type EtcdRegistry struct {
	client *clientv3.Client
	log    *zap.Logger
	ctx    context.Context // canceled by Close; bounds keep-alives and watches
	cancel context.CancelFunc
}

// NewEtcdRegistry connects to the given etcd endpoints.
func NewEtcdRegistry(endpoints []string, log *zap.Logger) (*EtcdRegistry, error) {
	if log == nil {
		log = zap.NewNop()
	}
	c, err := clientv3.New(clientv3.Config{
		Endpoints:   endpoints,
		DialTimeout: 5 * time.Second,
		Logger:      log.Named("etcd"),
	})
	if err != nil {
		return nil, err
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &EtcdRegistry{client: c, log: log, ctx: ctx, cancel: cancel}, nil
}

func key(serviceName, addr string) string {
	return keyPrefix + serviceName + "/" + addr
}

// Register stores instance with a lease of ttl seconds and keeps the lease
// alive until Close.
//
// leaseID is deliberately not stored on the struct: one EtcdRegistry may
// register many queues concurrently.
func (r *EtcdRegistry) Register(serviceName string, instance ServiceInstance, ttl int64) error {
	ctx, cancel := context.WithTimeout(r.ctx, 5*time.Second)
	defer cancel()

	lease, err := r.client.Grant(ctx, ttl)
	if err != nil {
		return err
	}
	val, err := json.Marshal(instance)
	if err != nil {
		return err
	}
	_, err = r.client.Put(ctx, key(serviceName, instance.Addr), string(val), clientv3.WithLease(lease.ID))
	if err != nil {
		return err
	}

	ch, err := r.client.KeepAlive(r.ctx, lease.ID)
	if err != nil {
		return err
	}
	// drain keep-alive responses so the channel never fills up
	go func() {
		for range ch {
		}
		r.log.Debug("lease keep-alive stopped", zap.String("service", serviceName), zap.String("addr", instance.Addr))
	}()
	return nil
}

// Deregister removes an instance. Servicers call it on graceful shutdown.
func (r *EtcdRegistry) Deregister(serviceName string, addr string) error {
	ctx, cancel := context.WithTimeout(r.ctx, 5*time.Second)
	defer cancel()
	_, err := r.client.Delete(ctx, key(serviceName, addr))
	return err
}

// Watch emits the full instance list every time an entry under serviceName
// changes (registration, deregistration, lease expiry). The channel is
// closed by Close.
func (r *EtcdRegistry) Watch(serviceName string) <-chan []ServiceInstance {
	ch := make(chan []ServiceInstance, 1)
	prefix := keyPrefix + serviceName + "/"

	go func() {
		defer close(ch)
		for range r.client.Watch(r.ctx, prefix, clientv3.WithPrefix()) {
			// re-fetch the full list rather than applying individual events
			instances, err := r.Discover(serviceName)
			if err != nil {
				r.log.Warn("discover after watch event failed", zap.String("service", serviceName), zap.Error(err))
				continue
			}
			select {
			case ch <- instances:
			case <-r.ctx.Done():
				return
			}
		}
	}()
	return ch
}

// Discover returns the instances currently registered under serviceName.
func (r *EtcdRegistry) Discover(serviceName string) ([]ServiceInstance, error) {
	ctx, cancel := context.WithTimeout(r.ctx, 5*time.Second)
	defer cancel()

	resp, err := r.client.Get(ctx, keyPrefix+serviceName+"/", clientv3.WithPrefix())
	if err != nil {
		return nil, err
	}
	instances := make([]ServiceInstance, 0, len(resp.Kvs))
	for _, kv := range resp.Kvs {
		var instance ServiceInstance
		if err := json.Unmarshal(kv.Value, &instance); err != nil {
			r.log.Warn("skipping malformed registry entry", zap.ByteString("key", kv.Key), zap.Error(err))
			continue
		}
		instances = append(instances, instance)
	}
	return instances, nil
}

// Close stops keep-alives and watches and closes the etcd client.
func (r *EtcdRegistry) Close() error {
	r.cancel()
	return r.client.Close()
}
