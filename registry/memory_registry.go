package registry

import (
	"slices"
	"sync"
)

// MemoryRegistry is a process-local Registry. It serves a fixed list of
// brokers (see Static) and tests. TTLs are ignored.
type MemoryRegistry struct {
	mu       sync.Mutex
	services map[string][]ServiceInstance
	watchers map[string][]chan []ServiceInstance
}

func NewMemoryRegistry() *MemoryRegistry {
	return &MemoryRegistry{
		services: make(map[string][]ServiceInstance),
		watchers: make(map[string][]chan []ServiceInstance),
	}
}

// Static returns a registry with every addr registered under serviceName
// with weight 1.
func Static(serviceName string, addrs ...string) *MemoryRegistry {
	m := NewMemoryRegistry()
	for _, addr := range addrs {
		m.Register(serviceName, ServiceInstance{Addr: addr, Weight: 1}, 0)
	}
	return m
}

func (m *MemoryRegistry) Register(serviceName string, inst ServiceInstance, ttl int64) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	list := slices.DeleteFunc(m.services[serviceName], func(i ServiceInstance) bool { return i.Addr == inst.Addr })
	m.services[serviceName] = append(list, inst)
	m.notifyLocked(serviceName)
	return nil
}

func (m *MemoryRegistry) Deregister(serviceName string, addr string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.services[serviceName] = slices.DeleteFunc(m.services[serviceName], func(i ServiceInstance) bool { return i.Addr == addr })
	m.notifyLocked(serviceName)
	return nil
}

func (m *MemoryRegistry) Discover(serviceName string) ([]ServiceInstance, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return slices.Clone(m.services[serviceName]), nil
}

// Watch emits the instance list after every change. A slow watcher only
// sees the latest list.
func (m *MemoryRegistry) Watch(serviceName string) <-chan []ServiceInstance {
	m.mu.Lock()
	defer m.mu.Unlock()
	ch := make(chan []ServiceInstance, 1)
	m.watchers[serviceName] = append(m.watchers[serviceName], ch)
	return ch
}

func (m *MemoryRegistry) notifyLocked(serviceName string) {
	for _, ch := range m.watchers[serviceName] {
		list := slices.Clone(m.services[serviceName])
		select {
		case <-ch:
		default:
		}
		ch <- list
	}
}
