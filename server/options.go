package server

import (
	"octo/backpressure"
	"octo/middleware"
	"octo/protocol"
	"time"

	"go.uber.org/zap"
)

type Option func(*Server)

func WithLogger(logger *zap.Logger) Option {
	return func(svr *Server) {
		if logger != nil {
			svr.logger = logger
		}
	}
}

// WithLimits bounds what a connection may make the server buffer.
func WithLimits(limits protocol.Limits) Option {
	return func(svr *Server) {
		svr.limits = limits
	}
}

// WithThrottle installs a per-connection throttling policy. newPolicy is called once per
// accepted connection.
func WithThrottle(newPolicy func() backpressure.Policy) Option {
	return func(svr *Server) {
		svr.newPolicy = newPolicy
	}
}

// WithMaxTimers bounds the number of resume timers outstanding across all connections.
func WithMaxTimers(n int) Option {
	return func(svr *Server) {
		svr.maxTimers = n
	}
}

func WithHooks(hooks Hooks) Option {
	return func(svr *Server) {
		svr.hooks = hooks
	}
}

// WithServiceName sets the name the server registers under, "octo" by default.
func WithServiceName(name string) Option {
	return func(svr *Server) {
		svr.serviceName = name
	}
}

// WithRegistration sets the lease TTL, in seconds, of the registry entry.
func WithRegistration(ttl int64, weight int) Option {
	return func(svr *Server) {
		svr.registerTTL = ttl
		svr.weight = weight
	}
}

// WithMiddleware appends middlewares; the first one is the outermost.
func WithMiddleware(mws ...middleware.Middleware) Option {
	return func(svr *Server) {
		svr.middlewares = append(svr.middlewares, mws...)
	}
}

// WithInvocationTimeout bounds each invocation. Zero leaves invocations unbounded.
func WithInvocationTimeout(d time.Duration) Option {
	return func(svr *Server) {
		svr.invokeTimeout = d
	}
}
