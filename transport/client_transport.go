// Package transport implements the client side of one octo connection.
//
// A ClientTransport owns a TCP connection and a background goroutine (recvLoop) that decodes
// response frames and routes them by request id. The protocol allows one outstanding request
// per connection, so Execute serializes callers; concurrency comes from pooling transports.
//
//	Execute(id=1) ──EncodeRequest──→ conn ──→ Server
//	recvLoop: ←── Stream(id=1) → caller's stdout/stderr
//	          ←── Result(id=1) → pending[1] → Execute returns
package transport

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"octo/message"
	"octo/protocol"
	"strings"
	"sync"
	"sync/atomic"

	"go.uber.org/zap"
)

var (
	ErrEmptyScript = errors.New("transport: empty script")
	ErrClosed      = errors.New("transport: closed")
)

// call is one outstanding request.
type call struct {
	stdout io.Writer
	stderr io.Writer
	done   chan *message.Result // Buffered so recvLoop never blocks on it
}

type Option func(*ClientTransport)

func WithLogger(logger *zap.Logger) Option {
	return func(t *ClientTransport) {
		if logger != nil {
			t.logger = logger
		}
	}
}

func WithLimits(limits protocol.Limits) Option {
	return func(t *ClientTransport) {
		t.limits = limits
	}
}

// ClientTransport manages a single TCP connection to a server.
type ClientTransport struct {
	conn    net.Conn
	limits  protocol.Limits
	logger  *zap.Logger
	nextID  atomic.Int64  // Last request id handed out
	pending sync.Map      // map[int64]*call
	sending sync.Mutex    // Serializes frame writes
	busy    chan struct{} // Holds a token while a request is outstanding

	closeOnce sync.Once
	done      chan struct{} // Closed once the connection is unusable
	err       error         // Why; set before done is closed
}

// NewClientTransport takes ownership of conn and starts its receive loop.
func NewClientTransport(conn net.Conn, opts ...Option) *ClientTransport {
	t := &ClientTransport{
		conn:   conn,
		limits: protocol.DefaultLimits(),
		logger: zap.NewNop(),
		busy:   make(chan struct{}, 1),
		done:   make(chan struct{}),
	}
	for _, opt := range opts {
		opt(t)
	}
	t.logger = t.logger.With(zap.Stringer("remote", conn.RemoteAddr()))
	go t.recvLoop()
	return t
}

// Dial connects to addr and wraps the connection.
func Dial(ctx context.Context, addr string, opts ...Option) (*ClientTransport, error) {
	var d net.Dialer
	conn, err := d.DialContext(ctx, "tcp", addr)
	if err != nil {
		return nil, fmt.Errorf("transport: dial %s: %w", addr, err)
	}
	return NewClientTransport(conn, opts...), nil
}

// Execute sends script with args and blocks until its Result arrives. Console lines are
// written to stdout and stderr as they arrive, each including its trailing '\n'; nil writers
// discard. A failed invocation is a Result with Error set, not an error.
//
// Cancelling ctx while the request is in flight closes the transport: the server keeps running
// the script and the connection cannot be reused.
func (t *ClientTransport) Execute(ctx context.Context, script string, args []any, stdout, stderr io.Writer) (*message.Result, error) {
	_, res, err := t.execute(ctx, script, args, stdout, stderr)
	return res, err
}

// Invoke is Execute for callers that only want the value: a failed invocation is returned as
// *message.RemoteError.
func (t *ClientTransport) Invoke(ctx context.Context, script string, args []any, stdout, stderr io.Writer) (any, error) {
	id, res, err := t.execute(ctx, script, args, stdout, stderr)
	if err != nil {
		return nil, err
	}
	if res.Failed() {
		return nil, &message.RemoteError{RequestID: id, Message: res.Error}
	}
	return res.Value, nil
}

func (t *ClientTransport) execute(ctx context.Context, script string, args []any, stdout, stderr io.Writer) (int64, *message.Result, error) {
	if strings.TrimSpace(script) == "" {
		return 0, nil, ErrEmptyScript
	}

	select {
	case t.busy <- struct{}{}:
	case <-t.done:
		return 0, nil, t.err
	case <-ctx.Done():
		return 0, nil, ctx.Err()
	}
	defer func() { <-t.busy }()

	id := t.nextID.Add(1)
	c := &call{stdout: stdout, stderr: stderr, done: make(chan *message.Result, 1)}
	// Register before sending so recvLoop cannot miss the response.
	t.pending.Store(id, c)

	t.sending.Lock()
	err := protocol.EncodeRequest(t.conn, &message.InvocationRequest{RequestID: id, Script: script, Arguments: args})
	t.sending.Unlock()
	if err != nil {
		t.pending.Delete(id)
		t.fail(fmt.Errorf("transport: send request %d: %w", id, err))
		return id, nil, t.err
	}

	select {
	case res := <-c.done:
		if res == nil {
			return id, nil, t.err
		}
		return id, res, nil
	case <-ctx.Done():
		t.fail(fmt.Errorf("transport: request %d abandoned: %w", id, ctx.Err()))
		return id, nil, ctx.Err()
	}
}

// recvLoop is the only reader of the connection.
func (t *ClientTransport) recvLoop() {
	rr := protocol.NewResponseReader(t.conn, t.limits)
	for {
		f, err := rr.ReadFrame()
		if err != nil {
			if errors.Is(err, io.EOF) {
				err = ErrClosed
			}
			t.fail(fmt.Errorf("transport: receive: %w", err))
			return
		}

		v, ok := t.pending.Load(f.RequestID)
		if !ok {
			t.logger.Debug("dropping frame of unknown request",
				zap.Int64("request", f.RequestID), zap.Stringer("kind", f.Kind))
			continue
		}
		c := v.(*call)

		if f.Kind == message.KindStream {
			w := c.stdout
			if f.Stream == message.StreamErr {
				w = c.stderr
			}
			if w != nil {
				w.Write(f.Line)
			}
			continue
		}

		// Whoever deletes the call delivers to it, recvLoop or closeAllPending.
		if _, ok := t.pending.LoadAndDelete(f.RequestID); ok {
			c.done <- f.Result
		}
	}
}

// fail marks the transport unusable and releases every pending caller.
func (t *ClientTransport) fail(err error) {
	t.closeOnce.Do(func() {
		t.err = err
		close(t.done)
		t.conn.Close()
		t.closeAllPending()
	})
}

func (t *ClientTransport) closeAllPending() {
	t.pending.Range(func(key, _ any) bool {
		if v, ok := t.pending.LoadAndDelete(key); ok {
			v.(*call).done <- nil
		}
		return true
	})
}

// Broken reports whether the connection has failed or been closed.
func (t *ClientTransport) Broken() bool {
	select {
	case <-t.done:
		return true
	default:
		return false
	}
}

// Err returns why the transport became unusable, nil while it is healthy.
func (t *ClientTransport) Err() error {
	select {
	case <-t.done:
		return t.err
	default:
		return nil
	}
}

func (t *ClientTransport) Close() error {
	t.fail(ErrClosed)
	return nil
}

// Conn returns the underlying TCP connection.
func (t *ClientTransport) Conn() net.Conn {
	return t.conn
}
