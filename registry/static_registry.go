package registry

import (
	"context"
	"sort"
	"sync"
)

// StaticRegistry is an in-process Registry. It serves fixed address lists from configuration
// and lets servers and clients in one process find each other without etcd. TTLs are ignored.
type StaticRegistry struct {
	mu       sync.Mutex
	services map[string]map[string]ServiceInstance
	watchers map[string][]chan []ServiceInstance
}

func NewStaticRegistry() *StaticRegistry {
	return &StaticRegistry{
		services: make(map[string]map[string]ServiceInstance),
		watchers: make(map[string][]chan []ServiceInstance),
	}
}

// NewStaticRegistryFromAddrs serves addrs under serviceName with weight 1.
func NewStaticRegistryFromAddrs(serviceName string, addrs []string) *StaticRegistry {
	r := NewStaticRegistry()
	for _, addr := range addrs {
		r.Register(context.Background(), serviceName, ServiceInstance{Addr: addr, Weight: 1}, 0)
	}
	return r
}

func (r *StaticRegistry) Register(_ context.Context, serviceName string, instance ServiceInstance, _ int64) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	m := r.services[serviceName]
	if m == nil {
		m = make(map[string]ServiceInstance)
		r.services[serviceName] = m
	}
	m[instance.Addr] = instance
	r.notifyLocked(serviceName)
	return nil
}

func (r *StaticRegistry) Deregister(_ context.Context, serviceName string, addr string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if m := r.services[serviceName]; m != nil {
		delete(m, addr)
	}
	r.notifyLocked(serviceName)
	return nil
}

func (r *StaticRegistry) Discover(_ context.Context, serviceName string) ([]ServiceInstance, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.listLocked(serviceName), nil
}

// listLocked returns the instances ordered by address so pickers see a stable list.
func (r *StaticRegistry) listLocked(serviceName string) []ServiceInstance {
	m := r.services[serviceName]
	instances := make([]ServiceInstance, 0, len(m))
	for _, inst := range m {
		instances = append(instances, inst)
	}
	sort.Slice(instances, func(i, j int) bool { return instances[i].Addr < instances[j].Addr })
	return instances
}

// notifyLocked replaces any unread update with the latest list.
func (r *StaticRegistry) notifyLocked(serviceName string) {
	for _, ch := range r.watchers[serviceName] {
		select {
		case <-ch:
		default:
		}
		ch <- r.listLocked(serviceName)
	}
}

func (r *StaticRegistry) Watch(ctx context.Context, serviceName string) <-chan []ServiceInstance {
	ch := make(chan []ServiceInstance, 1)

	r.mu.Lock()
	r.watchers[serviceName] = append(r.watchers[serviceName], ch)
	r.mu.Unlock()

	go func() {
		<-ctx.Done()
		r.mu.Lock()
		defer r.mu.Unlock()
		ws := r.watchers[serviceName]
		for i, w := range ws {
			if w == ch {
				r.watchers[serviceName] = append(ws[:i], ws[i+1:]...)
				break
			}
		}
		close(ch)
	}()
	return ch
}

func (r *StaticRegistry) Close() error {
	return nil
}
