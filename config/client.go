package config

import (
	"errors"
	"fmt"
	"octo/loadbalance"
	"octo/protocol"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
)

type ClientConfig struct {
	ServiceName string
	Balancer    string // round_robin, weighted_random or consistent_hash
	PoolSize    int
	DialTimeout time.Duration
	Timeout     time.Duration // Per invocation, zero waits forever

	Limits   protocol.Limits
	Registry RegistryConfig
}

func DefaultClientConfig() ClientConfig {
	return ClientConfig{
		ServiceName: "octo",
		Balancer:    "round_robin",
		PoolSize:    4,
		DialTimeout: 5 * time.Second,
		Limits:      protocol.DefaultLimits(),
		Registry:    RegistryConfig{Kind: RegistryStatic, Addrs: []string{"127.0.0.1:7733"}, DialTimeout: 5 * time.Second},
	}
}

func (c ClientConfig) Validate() error {
	if strings.TrimSpace(c.ServiceName) == "" {
		return errors.New("client.service_name is required")
	}
	if _, err := loadbalance.New(c.Balancer); err != nil {
		return err
	}
	if c.PoolSize <= 0 {
		return errors.New("client.pool_size must be positive")
	}
	if c.DialTimeout <= 0 {
		return errors.New("client.dial_timeout must be positive")
	}
	if c.Timeout < 0 {
		return errors.New("client.timeout must not be negative")
	}
	if err := validateLimits(c.Limits); err != nil {
		return err
	}
	switch c.Registry.Kind {
	case RegistryNone:
		return errors.New("a client needs a static or etcd registry")
	case RegistryStatic:
		if len(c.Registry.Addrs) == 0 {
			return errors.New("registry.addrs is required for the static registry")
		}
	}
	return c.Registry.validate()
}

type clientFile struct {
	Client struct {
		ServiceName string `toml:"service_name"`
		Balancer    string `toml:"balancer"`
		PoolSize    int    `toml:"pool_size"`
		DialTimeout string `toml:"dial_timeout"`
		Timeout     string `toml:"timeout"`
	} `toml:"client"`
	Limits   limitsFile   `toml:"limits"`
	Registry registryFile `toml:"registry"`
}

// LoadClient reads path over the defaults and validates the result.
func LoadClient(path string) (ClientConfig, error) {
	cfg := DefaultClientConfig()

	var raw clientFile
	meta, err := toml.DecodeFile(path, &raw)
	if err != nil {
		return ClientConfig{}, fmt.Errorf("load client config: %w", err)
	}
	if err := undecoded(meta); err != nil {
		return ClientConfig{}, fmt.Errorf("load client config: %w", err)
	}

	c := &raw.Client
	if meta.IsDefined("client", "service_name") {
		cfg.ServiceName = strings.TrimSpace(c.ServiceName)
	}
	if meta.IsDefined("client", "balancer") {
		cfg.Balancer = strings.ToLower(strings.TrimSpace(c.Balancer))
	}
	if meta.IsDefined("client", "pool_size") {
		cfg.PoolSize = c.PoolSize
	}
	if meta.IsDefined("client", "dial_timeout") {
		if cfg.DialTimeout, err = parseDuration("client.dial_timeout", c.DialTimeout); err != nil {
			return ClientConfig{}, fmt.Errorf("load client config: %w", err)
		}
	}
	if meta.IsDefined("client", "timeout") {
		if cfg.Timeout, err = parseDuration("client.timeout", c.Timeout); err != nil {
			return ClientConfig{}, fmt.Errorf("load client config: %w", err)
		}
	}
	raw.Limits.apply(meta, &cfg.Limits)
	if err := raw.Registry.apply(meta, &cfg.Registry); err != nil {
		return ClientConfig{}, fmt.Errorf("load client config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return ClientConfig{}, fmt.Errorf("invalid client config %s: %w", path, err)
	}
	return cfg, nil
}
