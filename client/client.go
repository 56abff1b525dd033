// Package client runs scripts on octo servers found through a registry.
//
//	Execute → Registry (cached, refreshed by Watch) → Balancer.Pick(script) → ConnPool per address
//	        → ClientTransport.Execute → Result
package client

import (
	"context"
	"errors"
	"fmt"
	"io"
	"octo/loadbalance"
	"octo/protocol"
	"octo/registry"
	"octo/transport"
	"sync"
	"time"

	"go.uber.org/zap"
)

var ErrClosed = errors.New("client: closed")

const defaultServiceName = "octo"

type Option func(*Client)

func WithLogger(logger *zap.Logger) Option {
	return func(c *Client) {
		if logger != nil {
			c.logger = logger
		}
	}
}

// WithServiceName selects the service to discover, "octo" by default.
func WithServiceName(name string) Option {
	return func(c *Client) {
		c.serviceName = name
	}
}

// WithPoolSize bounds the number of connections per server, 4 by default.
func WithPoolSize(n int) Option {
	return func(c *Client) {
		c.poolSize = n
	}
}

func WithDialTimeout(d time.Duration) Option {
	return func(c *Client) {
		c.dialTimeout = d
	}
}

func WithLimits(limits protocol.Limits) Option {
	return func(c *Client) {
		c.limits = limits
	}
}

type Client struct {
	registry    registry.Registry
	balancer    loadbalance.Balancer
	serviceName string
	poolSize    int
	dialTimeout time.Duration
	limits      protocol.Limits
	logger      *zap.Logger

	mu        sync.Mutex
	pools     map[string]*transport.ConnPool // One pool per server address
	instances []registry.ServiceInstance     // Last known list, nil until the first Discover
	closed    bool
	stopWatch context.CancelFunc
}

// NewClient creates a client. Instances are discovered on first use and then kept current by
// watching the registry.
func NewClient(reg registry.Registry, bal loadbalance.Balancer, opts ...Option) *Client {
	c := &Client{
		registry:    reg,
		balancer:    bal,
		serviceName: defaultServiceName,
		poolSize:    4,
		dialTimeout: 5 * time.Second,
		limits:      protocol.DefaultLimits(),
		logger:      zap.NewNop(),
		pools:       make(map[string]*transport.ConnPool),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Execute runs script with args on one of the servers. Console lines are copied to stdout and
// stderr as they arrive; nil writers discard. An invocation failure reported by the server is
// returned as *message.RemoteError.
func (c *Client) Execute(ctx context.Context, script string, args []any, stdout, stderr io.Writer) (any, error) {
	instances, err := c.discover(ctx)
	if err != nil {
		return nil, err
	}

	instance, err := c.balancer.Pick(instances, script)
	if err != nil {
		return nil, fmt.Errorf("client: pick %s instance: %w", c.serviceName, err)
	}

	pool, err := c.pool(instance.Addr)
	if err != nil {
		return nil, err
	}
	t, err := pool.Get(ctx)
	if err != nil {
		return nil, fmt.Errorf("client: connect %s: %w", instance.Addr, err)
	}
	defer pool.Put(t)

	return t.Invoke(ctx, script, args, stdout, stderr)
}

// discover returns the cached instance list, fetching it and starting a watch on first use.
func (c *Client) discover(ctx context.Context) ([]registry.ServiceInstance, error) {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil, ErrClosed
	}
	if c.instances != nil {
		instances := c.instances
		c.mu.Unlock()
		return instances, nil
	}
	c.mu.Unlock()

	instances, err := c.registry.Discover(ctx, c.serviceName)
	if err != nil {
		return nil, fmt.Errorf("client: discover %s: %w", c.serviceName, err)
	}
	if len(instances) == 0 {
		return nil, fmt.Errorf("client: discover %s: %w", c.serviceName, registry.ErrNoInstances)
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return nil, ErrClosed
	}
	if c.stopWatch == nil {
		watchCtx, cancel := context.WithCancel(context.Background())
		c.stopWatch = cancel
		go c.watch(watchCtx)
	}
	if c.instances == nil {
		c.instances = instances
	}
	return c.instances, nil
}

func (c *Client) watch(ctx context.Context) {
	for instances := range c.registry.Watch(ctx, c.serviceName) {
		c.logger.Debug("instances changed", zap.String("service", c.serviceName), zap.Int("count", len(instances)))

		live := make(map[string]bool, len(instances))
		for _, inst := range instances {
			live[inst.Addr] = true
		}

		c.mu.Lock()
		c.instances = instances
		var stale []*transport.ConnPool
		for addr, p := range c.pools {
			if !live[addr] {
				stale = append(stale, p)
				delete(c.pools, addr)
			}
		}
		c.mu.Unlock()

		for _, p := range stale {
			p.Close()
		}
	}
}

func (c *Client) pool(addr string) (*transport.ConnPool, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.closed {
		return nil, ErrClosed
	}
	p, ok := c.pools[addr]
	if !ok {
		p = transport.NewConnPool(addr, c.poolSize, c.dial)
		c.pools[addr] = p
	}
	return p, nil
}

func (c *Client) dial(ctx context.Context, addr string) (*transport.ClientTransport, error) {
	ctx, cancel := context.WithTimeout(ctx, c.dialTimeout)
	defer cancel()
	return transport.Dial(ctx, addr,
		transport.WithLogger(c.logger.Named("transport")),
		transport.WithLimits(c.limits))
}

// Close stops watching the registry and closes every pooled connection.
func (c *Client) Close() error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	c.closed = true
	pools := c.pools
	c.pools = nil
	stop := c.stopWatch
	c.mu.Unlock()

	if stop != nil {
		stop()
	}
	for _, p := range pools {
		p.Close()
	}
	return nil
}
