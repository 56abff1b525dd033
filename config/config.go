// Package config loads octo server and client settings from TOML files.
//
// A file only needs the keys it changes; everything else keeps its default. Durations are
// strings in time.ParseDuration form ("2s", "150ms").
package config

import (
	"errors"
	"fmt"
	"octo/protocol"
	"octo/registry"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	"go.uber.org/zap"
)

const (
	RegistryNone   = "none"
	RegistryStatic = "static"
	RegistryEtcd   = "etcd"
)

// RegistryConfig selects how servers are announced and found.
type RegistryConfig struct {
	Kind        string
	Addrs       []string // static: server addresses
	Endpoints   []string // etcd: cluster endpoints
	DialTimeout time.Duration
}

type registryFile struct {
	Kind        string   `toml:"kind"`
	Addrs       []string `toml:"addrs"`
	Endpoints   []string `toml:"endpoints"`
	DialTimeout string   `toml:"dial_timeout"`
}

func (f *registryFile) apply(meta toml.MetaData, cfg *RegistryConfig) error {
	if meta.IsDefined("registry", "kind") {
		cfg.Kind = strings.ToLower(strings.TrimSpace(f.Kind))
	}
	if meta.IsDefined("registry", "addrs") {
		cfg.Addrs = normalizeList(f.Addrs)
	}
	if meta.IsDefined("registry", "endpoints") {
		cfg.Endpoints = normalizeList(f.Endpoints)
	}
	if meta.IsDefined("registry", "dial_timeout") {
		d, err := parseDuration("registry.dial_timeout", f.DialTimeout)
		if err != nil {
			return err
		}
		cfg.DialTimeout = d
	}
	return nil
}

func (r RegistryConfig) validate() error {
	switch r.Kind {
	case RegistryNone:
	case RegistryStatic:
	case RegistryEtcd:
		if len(r.Endpoints) == 0 {
			return errors.New("registry.endpoints is required for the etcd registry")
		}
	default:
		return fmt.Errorf("unknown registry.kind %q", r.Kind)
	}
	return nil
}

// Open builds the configured registry, nil for "none". Static registries serve Addrs under
// serviceName.
func (r RegistryConfig) Open(serviceName string, logger *zap.Logger) (registry.Registry, error) {
	switch r.Kind {
	case RegistryStatic:
		return registry.NewStaticRegistryFromAddrs(serviceName, r.Addrs), nil
	case RegistryEtcd:
		reg, err := registry.NewEtcdRegistry(r.Endpoints, r.DialTimeout, logger)
		if err != nil {
			return nil, err
		}
		return reg, nil
	default:
		return nil, nil
	}
}

type limitsFile struct {
	MaxScriptLen int `toml:"max_script_len"`
	MaxArguments int `toml:"max_arguments"`
	MaxFrameSize int `toml:"max_frame_size"`
	MaxLineLen   int `toml:"max_line_len"`
}

func (f *limitsFile) apply(meta toml.MetaData, l *protocol.Limits) {
	if meta.IsDefined("limits", "max_script_len") {
		l.MaxScriptLen = f.MaxScriptLen
	}
	if meta.IsDefined("limits", "max_arguments") {
		l.MaxArguments = f.MaxArguments
	}
	if meta.IsDefined("limits", "max_frame_size") {
		l.MaxFrameSize = f.MaxFrameSize
	}
	if meta.IsDefined("limits", "max_line_len") {
		l.MaxLineLen = f.MaxLineLen
	}
}

func validateLimits(l protocol.Limits) error {
	if l.MaxScriptLen <= 0 || l.MaxArguments <= 0 || l.MaxFrameSize <= 0 || l.MaxLineLen <= 0 {
		return errors.New("limits must be positive")
	}
	if l.MaxFrameSize < protocol.RequestHeaderSize+l.MaxScriptLen {
		return fmt.Errorf("limits.max_frame_size %d cannot hold a script of limits.max_script_len %d", l.MaxFrameSize, l.MaxScriptLen)
	}
	return nil
}

// undecoded rejects keys that match no setting, which are almost always typos.
func undecoded(meta toml.MetaData) error {
	keys := meta.Undecoded()
	if len(keys) == 0 {
		return nil
	}
	names := make([]string, len(keys))
	for i, k := range keys {
		names[i] = k.String()
	}
	return fmt.Errorf("unknown keys: %s", strings.Join(names, ", "))
}

func parseDuration(key, v string) (time.Duration, error) {
	d, err := time.ParseDuration(strings.TrimSpace(v))
	if err != nil {
		return 0, fmt.Errorf("parse %s: %w", key, err)
	}
	return d, nil
}

func normalizeList(in []string) []string {
	out := make([]string, 0, len(in))
	for _, v := range in {
		v = strings.TrimSpace(v)
		if v == "" {
			continue
		}
		out = append(out, v)
	}
	return out
}
