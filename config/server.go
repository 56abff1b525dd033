package config

import (
	"errors"
	"fmt"
	"net"
	"octo/backpressure"
	"octo/protocol"
	"strconv"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	"golang.org/x/time/rate"
)

const (
	ThrottleNone   = "none"
	ThrottleFirstN = "first_n"
	ThrottleLimit  = "limit"
)

// ThrottleConfig picks the per-connection backpressure policy.
type ThrottleConfig struct {
	Policy string
	Count  int           // first_n: number of throttled messages
	Delay  time.Duration // first_n: suspension after each of them
	Rate   float64       // limit: messages per second
	Burst  int           // limit: bucket size
}

// NewPolicy returns a constructor for one connection's policy.
func (t ThrottleConfig) NewPolicy() func() backpressure.Policy {
	switch t.Policy {
	case ThrottleFirstN:
		return func() backpressure.Policy { return backpressure.FirstN(t.Count, t.Delay) }
	case ThrottleLimit:
		return func() backpressure.Policy { return backpressure.Limit(rate.Limit(t.Rate), t.Burst) }
	default:
		return backpressure.None
	}
}

type ShellConfig struct {
	Path string
	Dir  string
	Env  []string
}

type ServerConfig struct {
	Bind        string
	Port        int
	Advertise   string // Address registered for clients, the listen address when empty
	ServiceName string
	RegisterTTL int64 // Seconds
	Weight      int

	InvocationTimeout time.Duration // Zero disables
	RateLimit         float64       // Invocations per second across all connections, zero disables
	RateBurst         int
	MaxTimers         int
	ShutdownTimeout   time.Duration

	Limits   protocol.Limits
	Throttle ThrottleConfig
	Registry RegistryConfig
	Shell    ShellConfig
}

func DefaultServerConfig() ServerConfig {
	return ServerConfig{
		Bind:            "0.0.0.0",
		Port:            7733,
		ServiceName:     "octo",
		RegisterTTL:     10,
		Weight:          1,
		RateBurst:       1,
		MaxTimers:       10000,
		ShutdownTimeout: 5 * time.Second,
		Limits:          protocol.DefaultLimits(),
		Throttle:        ThrottleConfig{Policy: ThrottleNone, Count: 3, Delay: 2 * time.Second, Rate: 10, Burst: 1},
		Registry:        RegistryConfig{Kind: RegistryNone, DialTimeout: 5 * time.Second},
	}
}

// Addr returns the listen address.
func (c ServerConfig) Addr() string {
	return net.JoinHostPort(c.Bind, strconv.Itoa(c.Port))
}

func (c ServerConfig) Validate() error {
	if c.Port < 0 || c.Port > 65535 {
		return fmt.Errorf("server.port %d out of range", c.Port)
	}
	if strings.TrimSpace(c.ServiceName) == "" {
		return errors.New("server.service_name is required")
	}
	if c.RegisterTTL <= 0 {
		return errors.New("server.register_ttl must be positive")
	}
	if c.RateLimit < 0 || (c.RateLimit > 0 && c.RateBurst <= 0) {
		return errors.New("server.rate_limit needs a positive server.rate_burst")
	}
	if c.ShutdownTimeout <= 0 {
		return errors.New("server.shutdown_timeout must be positive")
	}
	switch c.Throttle.Policy {
	case ThrottleNone:
	case ThrottleFirstN:
		if c.Throttle.Count < 0 || c.Throttle.Delay < 0 {
			return errors.New("throttle.count and throttle.delay must not be negative")
		}
	case ThrottleLimit:
		if c.Throttle.Rate <= 0 || c.Throttle.Burst <= 0 {
			return errors.New("throttle.rate and throttle.burst must be positive")
		}
	default:
		return fmt.Errorf("unknown throttle.policy %q", c.Throttle.Policy)
	}
	if err := validateLimits(c.Limits); err != nil {
		return err
	}
	return c.Registry.validate()
}

type serverFile struct {
	Server struct {
		Bind              string  `toml:"bind"`
		Port              int     `toml:"port"`
		Advertise         string  `toml:"advertise"`
		ServiceName       string  `toml:"service_name"`
		RegisterTTL       int64   `toml:"register_ttl"`
		Weight            int     `toml:"weight"`
		InvocationTimeout string  `toml:"invocation_timeout"`
		RateLimit         float64 `toml:"rate_limit"`
		RateBurst         int     `toml:"rate_burst"`
		MaxTimers         int     `toml:"max_timers"`
		ShutdownTimeout   string  `toml:"shutdown_timeout"`
	} `toml:"server"`
	Throttle struct {
		Policy string  `toml:"policy"`
		Count  int     `toml:"count"`
		Delay  string  `toml:"delay"`
		Rate   float64 `toml:"rate"`
		Burst  int     `toml:"burst"`
	} `toml:"throttle"`
	Shell struct {
		Path string   `toml:"path"`
		Dir  string   `toml:"dir"`
		Env  []string `toml:"env"`
	} `toml:"shell"`
	Limits   limitsFile   `toml:"limits"`
	Registry registryFile `toml:"registry"`
}

// LoadServer reads path over the defaults and validates the result.
func LoadServer(path string) (ServerConfig, error) {
	cfg := DefaultServerConfig()

	var raw serverFile
	meta, err := toml.DecodeFile(path, &raw)
	if err != nil {
		return ServerConfig{}, fmt.Errorf("load server config: %w", err)
	}
	if err := undecoded(meta); err != nil {
		return ServerConfig{}, fmt.Errorf("load server config: %w", err)
	}
	if err := raw.apply(meta, &cfg); err != nil {
		return ServerConfig{}, fmt.Errorf("load server config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return ServerConfig{}, fmt.Errorf("invalid server config %s: %w", path, err)
	}
	return cfg, nil
}

func (raw *serverFile) apply(meta toml.MetaData, cfg *ServerConfig) error {
	s := &raw.Server
	if meta.IsDefined("server", "bind") {
		cfg.Bind = strings.TrimSpace(s.Bind)
	}
	if meta.IsDefined("server", "port") {
		cfg.Port = s.Port
	}
	if meta.IsDefined("server", "advertise") {
		cfg.Advertise = strings.TrimSpace(s.Advertise)
	}
	if meta.IsDefined("server", "service_name") {
		cfg.ServiceName = strings.TrimSpace(s.ServiceName)
	}
	if meta.IsDefined("server", "register_ttl") {
		cfg.RegisterTTL = s.RegisterTTL
	}
	if meta.IsDefined("server", "weight") {
		cfg.Weight = s.Weight
	}
	if meta.IsDefined("server", "invocation_timeout") {
		d, err := parseDuration("server.invocation_timeout", s.InvocationTimeout)
		if err != nil {
			return err
		}
		cfg.InvocationTimeout = d
	}
	if meta.IsDefined("server", "rate_limit") {
		cfg.RateLimit = s.RateLimit
	}
	if meta.IsDefined("server", "rate_burst") {
		cfg.RateBurst = s.RateBurst
	}
	if meta.IsDefined("server", "max_timers") {
		cfg.MaxTimers = s.MaxTimers
	}
	if meta.IsDefined("server", "shutdown_timeout") {
		d, err := parseDuration("server.shutdown_timeout", s.ShutdownTimeout)
		if err != nil {
			return err
		}
		cfg.ShutdownTimeout = d
	}

	t := &raw.Throttle
	if meta.IsDefined("throttle", "policy") {
		cfg.Throttle.Policy = strings.ToLower(strings.TrimSpace(t.Policy))
	}
	if meta.IsDefined("throttle", "count") {
		cfg.Throttle.Count = t.Count
	}
	if meta.IsDefined("throttle", "delay") {
		d, err := parseDuration("throttle.delay", t.Delay)
		if err != nil {
			return err
		}
		cfg.Throttle.Delay = d
	}
	if meta.IsDefined("throttle", "rate") {
		cfg.Throttle.Rate = t.Rate
	}
	if meta.IsDefined("throttle", "burst") {
		cfg.Throttle.Burst = t.Burst
	}

	if meta.IsDefined("shell", "path") {
		cfg.Shell.Path = strings.TrimSpace(raw.Shell.Path)
	}
	if meta.IsDefined("shell", "dir") {
		cfg.Shell.Dir = strings.TrimSpace(raw.Shell.Dir)
	}
	if meta.IsDefined("shell", "env") {
		cfg.Shell.Env = normalizeList(raw.Shell.Env)
	}

	raw.Limits.apply(meta, &cfg.Limits)
	return raw.Registry.apply(meta, &cfg.Registry)
}
