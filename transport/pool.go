// ConnPool keeps transports to one server address for exclusive use: a caller borrows a
// transport with Get, runs one request on it and returns it with Put. This matches the
// protocol's one-request-per-connection discipline.
//
// Idle transports sit in a buffered channel used as a FIFO; a second channel holds one token
// per open transport and bounds the pool.
package transport

import (
	"context"
	"errors"
	"sync"
)

var ErrPoolClosed = errors.New("transport: pool closed")

// ConnPool manages reusable transports to a single address.
type ConnPool struct {
	mu      sync.Mutex
	closed  bool
	idle    chan *ClientTransport
	slots   chan struct{} // One token per open transport
	addr    string
	factory func(ctx context.Context, addr string) (*ClientTransport, error)
}

// NewConnPool creates a pool of at most maxConns transports. Transports are created lazily.
func NewConnPool(addr string, maxConns int, factory func(ctx context.Context, addr string) (*ClientTransport, error)) *ConnPool {
	if maxConns <= 0 {
		maxConns = 1
	}
	return &ConnPool{
		idle:    make(chan *ClientTransport, maxConns),
		slots:   make(chan struct{}, maxConns),
		addr:    addr,
		factory: factory,
	}
}

func (p *ConnPool) Addr() string {
	return p.addr
}

// Get borrows a transport:
//  1. an idle one if available
//  2. a new one if the pool is under its limit
//  3. otherwise the first one returned, or ctx's error
func (p *ConnPool) Get(ctx context.Context) (*ClientTransport, error) {
	for {
		select {
		case t, ok := <-p.idle:
			if !ok {
				return nil, ErrPoolClosed
			}
			if t.Broken() {
				p.discard(t)
				continue
			}
			return t, nil
		default:
		}

		select {
		case t, ok := <-p.idle:
			if !ok {
				return nil, ErrPoolClosed
			}
			if t.Broken() {
				p.discard(t)
				continue
			}
			return t, nil
		case p.slots <- struct{}{}:
			return p.createNew(ctx)
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
}

// Put returns a borrowed transport. Broken transports are closed and free their slot.
func (p *ConnPool) Put(t *ClientTransport) {
	p.mu.Lock()
	if p.closed || t.Broken() {
		p.mu.Unlock()
		p.discard(t)
		return
	}
	// Never blocks: idle transports never outnumber slots.
	p.idle <- t
	p.mu.Unlock()
}

// Len returns the number of open transports, borrowed or idle.
func (p *ConnPool) Len() int {
	return len(p.slots)
}

// Close closes the idle transports. Borrowed transports are closed when they are put back.
func (p *ConnPool) Close() error {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return nil
	}
	p.closed = true
	close(p.idle)
	p.mu.Unlock()

	for t := range p.idle {
		p.discard(t)
	}
	return nil
}

func (p *ConnPool) discard(t *ClientTransport) {
	t.Close()
	<-p.slots
}

// createNew dials under a slot already taken by the caller.
func (p *ConnPool) createNew(ctx context.Context) (*ClientTransport, error) {
	p.mu.Lock()
	closed := p.closed
	p.mu.Unlock()
	if closed {
		<-p.slots
		return nil, ErrPoolClosed
	}

	t, err := p.factory(ctx, p.addr)
	if err != nil {
		<-p.slots
		return nil, err
	}
	return t, nil
}
