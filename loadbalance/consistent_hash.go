package loadbalance

import (
	"fmt"
	"hash/crc32"
	"slices"
	"sort"
	"sync"

	"amqp-rpc/registry"
)

// ConsistentHashBalancer maps keys to instances using a hash ring.
// The same key always maps to the same instance until the ring changes.
//
// Each real instance is placed on the ring as N virtual nodes; without them
// a few instances could cluster together and take most of the key space.
//
//	Hash Ring:
//	                  0
//	                ╱   ╲
//	              ╱       ╲
//	         B ●               ● A
//	           │    key ◆──►   │   (clockwise to nearest node → A)
//	         C ●               ● A' (virtual node of A)
//	              ╲       ╱
//	                ╲   ╱
type ConsistentHashBalancer struct {
	mu       sync.RWMutex
	replicas int                                  // Virtual nodes per real instance
	ring     []uint32                             // Sorted hash values on the ring
	nodes    map[uint32]*registry.ServiceInstance // Hash value → instance mapping
	members  []string                             // Addrs currently on the ring, sorted
}

// NewConsistentHashBalancer creates a hash ring with 100 virtual nodes per instance.
func NewConsistentHashBalancer() *ConsistentHashBalancer {
	return &ConsistentHashBalancer{
		replicas: 100,
		nodes:    make(map[uint32]*registry.ServiceInstance),
	}
}

// Add places an instance onto the hash ring.
func (b *ConsistentHashBalancer) Add(instance *registry.ServiceInstance) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.addLocked(instance)
	sort.Slice(b.ring, func(i, j int) bool { return b.ring[i] < b.ring[j] })
}

func (b *ConsistentHashBalancer) addLocked(instance *registry.ServiceInstance) {
	for i := 0; i < b.replicas; i++ {
		hash := crc32.ChecksumIEEE([]byte(fmt.Sprintf("%s#%d", instance.Addr, i)))
		b.ring = append(b.ring, hash)
		b.nodes[hash] = instance
	}
	b.members = append(b.members, instance.Addr)
	slices.Sort(b.members)
}

// Set replaces the ring with instances. The ring is only rebuilt when the
// set of addresses changed.
func (b *ConsistentHashBalancer) Set(instances []registry.ServiceInstance) {
	addrs := make([]string, len(instances))
	for i := range instances {
		addrs[i] = instances[i].Addr
	}
	slices.Sort(addrs)

	b.mu.Lock()
	defer b.mu.Unlock()
	if slices.Equal(addrs, b.members) {
		return
	}
	b.ring = b.ring[:0]
	b.members = b.members[:0]
	clear(b.nodes)
	for i := range instances {
		inst := instances[i]
		b.addLocked(&inst)
	}
	sort.Slice(b.ring, func(i, j int) bool { return b.ring[i] < b.ring[j] })
}

// Get finds the instance responsible for key: the first virtual node
// clockwise from the key's hash, wrapping around past the last one.
func (b *ConsistentHashBalancer) Get(key string) (*registry.ServiceInstance, error) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	if len(b.ring) == 0 {
		return nil, ErrNoInstances
	}
	hash := crc32.ChecksumIEEE([]byte(key))
	idx := sort.Search(len(b.ring), func(i int) bool {
		return b.ring[i] >= hash
	})
	if idx == len(b.ring) {
		idx = 0
	}
	return b.nodes[b.ring[idx]], nil
}

// For adapts the ring to the Balancer interface with a fixed key: every Pick
// loads the given instances onto the ring and returns the owner of key.
func (b *ConsistentHashBalancer) For(key string) Balancer {
	return &keyedBalancer{ring: b, key: key}
}

type keyedBalancer struct {
	ring *ConsistentHashBalancer
	key  string
}

func (k *keyedBalancer) Pick(instances []registry.ServiceInstance) (*registry.ServiceInstance, error) {
	if len(instances) == 0 {
		return nil, ErrNoInstances
	}
	k.ring.Set(instances)
	return k.ring.Get(k.key)
}

func (k *keyedBalancer) Name() string {
	return "ConsistentHash"
}
