package backpressure

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"
)

var ErrGateClosed = errors.New("backpressure: gate closed")

// Gate withholds reads on one connection. Suspend may be called from any goroutine; Wait is
// called by the connection's read loop before every read.
type Gate struct {
	sched *Scheduler

	mu      sync.Mutex
	suspend time.Duration
	timer   *Timer // At most one outstanding resume timer
	gen     uint64
	resumes int

	resume    chan struct{}
	closed    chan struct{}
	closeOnce sync.Once
}

func NewGate(s *Scheduler) *Gate {
	return &Gate{
		sched:  s,
		resume: make(chan struct{}, 1),
		closed: make(chan struct{}),
	}
}

// Suspend asks that the next read be withheld for at least d. A zero or negative d clears a
// pending suspension.
func (g *Gate) Suspend(d time.Duration) {
	g.mu.Lock()
	defer g.mu.Unlock()

	if d <= 0 {
		d = 0
	}
	g.suspend = d
}

// Suspended returns the suspension that the next Wait will apply.
func (g *Gate) Suspended() time.Duration {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.suspend
}

// Resumes returns how many suspensions have ended by their timer firing.
func (g *Gate) Resumes() int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.resumes
}

// Wait returns immediately when no suspension is pending. Otherwise it consumes the suspension,
// schedules one resume timer and blocks until it fires, the gate is closed, or ctx is done.
// If ctx ends first the timer stays armed and the next Wait blocks on the same timer.
//
// A scheduling failure is returned wrapped; the caller must treat it as a transport failure of
// this connection.
func (g *Gate) Wait(ctx context.Context) error {
	g.mu.Lock()
	select {
	case <-g.closed:
		g.mu.Unlock()
		return ErrGateClosed
	default:
	}

	if g.timer == nil {
		// A resume left over from an abandoned Wait must not satisfy this one.
		select {
		case <-g.resume:
		default:
		}
		if g.suspend <= 0 {
			g.mu.Unlock()
			return nil
		}

		g.gen++
		gen := g.gen
		t, err := g.sched.Schedule(g.suspend, func() { g.fire(gen) })
		if err != nil {
			g.mu.Unlock()
			return fmt.Errorf("backpressure: schedule resume: %w", err)
		}
		g.timer = t
		g.suspend = 0
	}
	g.mu.Unlock()

	select {
	case <-g.resume:
		return nil
	case <-g.closed:
		return ErrGateClosed
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (g *Gate) fire(gen uint64) {
	g.mu.Lock()
	defer g.mu.Unlock()

	// Late timers (cancelled, superseded, or after Close) are no-ops.
	if gen != g.gen || g.timer == nil {
		return
	}
	select {
	case <-g.closed:
		return
	default:
	}

	g.timer = nil
	g.resumes++
	select {
	case g.resume <- struct{}{}:
	default:
	}
}

// Close cancels a pending resume timer and releases a blocked Wait.
func (g *Gate) Close() {
	g.closeOnce.Do(func() {
		g.mu.Lock()
		defer g.mu.Unlock()

		close(g.closed)
		if g.timer != nil {
			g.timer.Cancel()
			g.timer = nil
		}
		g.suspend = 0
	})
}
