package loadbalance

import (
	"fmt"
	"hash/crc32"
	"octo/registry"
	"sort"
	"strings"
	"sync"
)

const defaultReplicas = 100

// ConsistentHashBalancer maps scripts to instances on a hash ring, so repeated invocations
// of one script reach the same server while the instance set is stable.
//
// Each instance owns `replicas` virtual nodes hashed from "{addr}#{i}".
//
//	Hash Ring:
//	                  0
//	                ╱   ╲
//	         B ●               ● A
//	           │    key ◆──►   │   (clockwise to nearest node → A)
//	         C ●               ● A' (virtual node of A)
//	                ╲   ╱
type ConsistentHashBalancer struct {
	replicas int

	mu    sync.Mutex
	sig   string                              // Addresses the ring was built from
	ring  []uint32                            // Sorted virtual node hashes
	nodes map[uint32]registry.ServiceInstance // Virtual node → instance
}

func NewConsistentHashBalancer() *ConsistentHashBalancer {
	return &ConsistentHashBalancer{
		replicas: defaultReplicas,
		nodes:    make(map[uint32]registry.ServiceInstance),
	}
}

// Add places an instance onto the ring.
func (b *ConsistentHashBalancer) Add(instance registry.ServiceInstance) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.addLocked(instance)
	sort.Slice(b.ring, func(i, j int) bool { return b.ring[i] < b.ring[j] })
}

func (b *ConsistentHashBalancer) addLocked(instance registry.ServiceInstance) {
	for i := 0; i < b.replicas; i++ {
		hash := crc32.ChecksumIEEE([]byte(fmt.Sprintf("%s#%d", instance.Addr, i)))
		b.ring = append(b.ring, hash)
		b.nodes[hash] = instance
	}
}

func signature(instances []registry.ServiceInstance) string {
	addrs := make([]string, len(instances))
	for i := range instances {
		addrs[i] = instances[i].Addr
	}
	sort.Strings(addrs)
	return strings.Join(addrs, ",")
}

// rebuildLocked replaces the ring when the instance set differs from the one it was built from.
func (b *ConsistentHashBalancer) rebuildLocked(instances []registry.ServiceInstance) {
	sig := signature(instances)
	if sig == b.sig && len(b.ring) > 0 {
		return
	}
	b.sig = sig
	b.ring = b.ring[:0]
	b.nodes = make(map[uint32]registry.ServiceInstance, len(instances)*b.replicas)
	for _, inst := range instances {
		b.addLocked(inst)
	}
	sort.Slice(b.ring, func(i, j int) bool { return b.ring[i] < b.ring[j] })
}

// Pick hashes key and walks clockwise to the first virtual node, wrapping at the end of the
// ring. A nil instances slice picks from the instances added with Add.
func (b *ConsistentHashBalancer) Pick(instances []registry.ServiceInstance, key string) (*registry.ServiceInstance, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if instances != nil {
		if len(instances) == 0 {
			return nil, ErrNoInstances
		}
		b.rebuildLocked(instances)
	}
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

	inst := b.nodes[b.ring[idx]]
	return &inst, nil
}

func (b *ConsistentHashBalancer) Name() string {
	return "ConsistentHash"
}
