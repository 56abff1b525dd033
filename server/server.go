// Package server accepts octo connections and runs the scripts they send.
//
// Request processing pipeline, one goroutine per connection:
//
//	Accept conn → session.serve
//	  → Gate.Wait (backpressure) → RequestDecoder.Decode → conn.Read when more bytes are needed
//	  → Mux.Bind → Middleware Chain → Invoker → Mux.Unbind → Mux.WriteResult → Decoder.Reset
//
// A connection carries one request at a time. The next request is not decoded until the Result
// of the current one has been written.
package server

import (
	"context"
	"fmt"
	"net"
	"octo/backpressure"
	"octo/invoker"
	"octo/message"
	"octo/middleware"
	"octo/protocol"
	"octo/registry"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"
)

const (
	DefaultServiceName = "octo"
	defaultRegisterTTL = 10
)

// Server runs invocations for every accepted connection.
type Server struct {
	invoker       invoker.Invoker
	logger        *zap.Logger
	limits        protocol.Limits
	newPolicy     func() backpressure.Policy
	maxTimers     int
	hooks         Hooks
	serviceName   string
	registerTTL   int64
	weight        int
	middlewares   []middleware.Middleware
	invokeTimeout time.Duration

	handler   middleware.HandlerFunc  // middleware(middleware(...(invoke)))
	scheduler *backpressure.Scheduler // Resume timers of all connections
	ctx       context.Context         // Cancelled by Shutdown, parent of every session
	cancel    context.CancelFunc

	mu            sync.Mutex
	listener      net.Listener
	sessions      map[*session]struct{}
	wg            sync.WaitGroup    // Tracks live sessions for graceful shutdown
	shutdown      atomic.Bool       // Set during shutdown to suppress Accept errors
	registry      registry.Registry // nil if not using discovery
	advertiseAddr string            // Address registered in the registry
}

func NewServer(inv invoker.Invoker, opts ...Option) *Server {
	svr := &Server{
		invoker:     inv,
		logger:      zap.NewNop(),
		limits:      protocol.DefaultLimits(),
		newPolicy:   backpressure.None,
		serviceName: DefaultServiceName,
		registerTTL: defaultRegisterTTL,
		sessions:    make(map[*session]struct{}),
	}
	for _, opt := range opts {
		opt(svr)
	}

	svr.scheduler = backpressure.NewScheduler(svr.maxTimers)
	svr.ctx, svr.cancel = context.WithCancel(context.Background())

	// Chain(A, B, C)(h) → A(B(C(h))). Recover stays innermost so it runs on the goroutine the
	// timeout layer starts.
	mws := append([]middleware.Middleware{}, svr.middlewares...)
	if svr.invokeTimeout > 0 {
		mws = append(mws, middleware.TimeOutMiddleware(svr.invokeTimeout))
	}
	mws = append(mws, middleware.RecoverMiddleware(svr.logger))
	svr.handler = middleware.Chain(mws...)(svr.invoke)
	return svr
}

func (svr *Server) invoke(ctx context.Context, inv *message.Invocation) *message.Result {
	return invoker.Result(ctx, svr.invoker, inv)
}

// Serve listens on address and serves connections until Shutdown.
//
// advertiseAddr is the address registered in reg; it defaults to the listener address, which
// may not be routable when listening on ":port". Pass a nil reg to skip service discovery.
func (svr *Server) Serve(network, address string, advertiseAddr string, reg registry.Registry) error {
	listener, err := net.Listen(network, address)
	if err != nil {
		return fmt.Errorf("server: listen %s: %w", address, err)
	}
	return svr.ServeListener(listener, advertiseAddr, reg)
}

// ServeListener serves connections accepted on l until Shutdown. It returns nil after Shutdown.
func (svr *Server) ServeListener(l net.Listener, advertiseAddr string, reg registry.Registry) error {
	if advertiseAddr == "" {
		advertiseAddr = l.Addr().String()
	}

	svr.mu.Lock()
	if svr.shutdown.Load() {
		svr.mu.Unlock()
		l.Close()
		return nil
	}
	svr.listener = l
	svr.advertiseAddr = advertiseAddr
	svr.registry = reg
	svr.logger.Info("serving",
		zap.String("listen", l.Addr().String()),
		zap.String("advertise", advertiseAddr),
		zap.String("service", svr.serviceName))
	svr.mu.Unlock()

	if reg != nil {
		ctx, cancel := context.WithTimeout(svr.ctx, 5*time.Second)
		err := reg.Register(ctx, svr.serviceName, registry.ServiceInstance{
			Addr:   advertiseAddr,
			Weight: svr.weight,
		}, svr.registerTTL)
		cancel()
		if err != nil {
			l.Close()
			return fmt.Errorf("server: register %s: %w", svr.serviceName, err)
		}
	}

	for {
		conn, err := l.Accept()
		if err != nil {
			// Shutdown closes the listener, which fails Accept.
			if svr.shutdown.Load() {
				return nil
			}
			return fmt.Errorf("server: accept: %w", err)
		}
		s := svr.newSession(conn)
		if !svr.track(s) {
			conn.Close()
			continue
		}
		go s.serve()
	}
}

// Addr returns the listener address, nil before serving.
func (svr *Server) Addr() net.Addr {
	svr.mu.Lock()
	defer svr.mu.Unlock()
	if svr.listener == nil {
		return nil
	}
	return svr.listener.Addr()
}

// Sessions returns the number of open connections.
func (svr *Server) Sessions() int {
	svr.mu.Lock()
	defer svr.mu.Unlock()
	return len(svr.sessions)
}

func (svr *Server) track(s *session) bool {
	svr.mu.Lock()
	defer svr.mu.Unlock()
	if svr.shutdown.Load() {
		return false
	}
	svr.sessions[s] = struct{}{}
	svr.wg.Add(1)
	return true
}

func (svr *Server) untrack(s *session) {
	svr.mu.Lock()
	delete(svr.sessions, s)
	svr.mu.Unlock()
	svr.wg.Done()
}

// Shutdown stops the server:
//  1. Deregister from the registry, so clients stop picking this server
//  2. Close the listener
//  3. Close every connection, cancelling running invocations and pending resume timers
//  4. Wait for the connection goroutines to finish (with timeout)
//  5. Close the timer scheduler
func (svr *Server) Shutdown(timeout time.Duration) error {
	svr.mu.Lock()
	reg, addr := svr.registry, svr.advertiseAddr
	svr.mu.Unlock()

	if reg != nil {
		ctx, cancel := context.WithTimeout(context.Background(), timeout)
		if err := reg.Deregister(ctx, svr.serviceName, addr); err != nil {
			svr.logger.Warn("deregister", zap.Error(err))
		}
		cancel()
	}

	svr.mu.Lock()
	svr.shutdown.Store(true)
	if svr.listener != nil {
		svr.listener.Close()
	}
	sessions := make([]*session, 0, len(svr.sessions))
	for s := range svr.sessions {
		sessions = append(sessions, s)
	}
	svr.mu.Unlock()

	svr.cancel()
	for _, s := range sessions {
		s.close()
	}

	done := make(chan struct{})
	go func() {
		svr.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		svr.scheduler.Close()
		svr.logger.Info("shut down")
		return nil
	case <-time.After(timeout):
		svr.scheduler.Close()
		return fmt.Errorf("server: timeout waiting for %d connections to finish", len(sessions))
	}
}
