// Package loadbalance picks the server an invocation is sent to.
//
// Three strategies are implemented:
//   - RoundRobin:      equal-capacity servers
//   - WeightedRandom:  servers of different capacity, by ServiceInstance.Weight
//   - ConsistentHash:  script affinity, the same script lands on the same server
package loadbalance

import (
	"errors"
	"fmt"
	"octo/registry"
)

var ErrNoInstances = errors.New("loadbalance: no instances available")

// Balancer selects one instance per invocation. key is the invocation's script; strategies
// that do not need affinity ignore it. Pick must be safe for concurrent use.
type Balancer interface {
	Pick(instances []registry.ServiceInstance, key string) (*registry.ServiceInstance, error)
	Name() string
}

// New returns the balancer registered under name.
func New(name string) (Balancer, error) {
	switch name {
	case "", "round_robin":
		return &RoundRobinBalancer{}, nil
	case "weighted_random":
		return &WeightedRandomBalancer{}, nil
	case "consistent_hash":
		return NewConsistentHashBalancer(), nil
	default:
		return nil, fmt.Errorf("loadbalance: unknown balancer %q", name)
	}
}
