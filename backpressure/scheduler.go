// Package backpressure lets the server withhold reads on a connection for a while, under
// application control rather than TCP flow control.
//
// A Gate sits in front of every read of a connection. Any inbound stage may call Suspend; the
// next Wait then parks the connection's read loop, schedules a one-shot resume on the shared
// Scheduler, and returns once that timer fires. A Policy decides how long to suspend after each
// decoded message.
package backpressure

import (
	"errors"
	"sync"
	"time"
)

var (
	ErrSchedulerFull   = errors.New("backpressure: timer facility exhausted")
	ErrSchedulerClosed = errors.New("backpressure: scheduler closed")
)

// Scheduler is the timer facility shared by all connections of a server. It bounds the number
// of outstanding timers and runs callbacks on the runtime timer goroutines, so callbacks must
// not block.
type Scheduler struct {
	mu      sync.Mutex
	max     int
	pending map[*Timer]struct{}
	closed  bool
	running sync.WaitGroup
}

// Timer is a scheduled one-shot callback.
type Timer struct {
	s  *Scheduler
	t  *time.Timer
	fn func()
}

// NewScheduler creates a scheduler allowing at most maxPending outstanding timers.
// maxPending <= 0 means unbounded.
func NewScheduler(maxPending int) *Scheduler {
	return &Scheduler{max: maxPending, pending: make(map[*Timer]struct{})}
}

// Schedule runs fn once after d.
func (s *Scheduler) Schedule(d time.Duration, fn func()) (*Timer, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return nil, ErrSchedulerClosed
	}
	if s.max > 0 && len(s.pending) >= s.max {
		return nil, ErrSchedulerFull
	}
	t := &Timer{s: s, fn: fn}
	s.pending[t] = struct{}{}
	t.t = time.AfterFunc(d, t.fire)
	return t, nil
}

func (t *Timer) fire() {
	s := t.s
	s.mu.Lock()
	if _, ok := s.pending[t]; !ok {
		s.mu.Unlock()
		return
	}
	delete(s.pending, t)
	s.running.Add(1)
	s.mu.Unlock()

	defer s.running.Done()
	t.fn()
}

// Cancel stops the timer and reports whether its callback was prevented from running.
func (t *Timer) Cancel() bool {
	s := t.s
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.pending[t]; !ok {
		return false
	}
	delete(s.pending, t)
	t.t.Stop()
	return true
}

// Pending returns the number of timers that have neither fired nor been cancelled.
func (s *Scheduler) Pending() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.pending)
}

// Close cancels every pending timer and waits for callbacks already running to return.
// Schedule fails with ErrSchedulerClosed afterwards.
func (s *Scheduler) Close() {
	s.mu.Lock()
	s.closed = true
	for t := range s.pending {
		t.t.Stop()
		delete(s.pending, t)
	}
	s.mu.Unlock()

	s.running.Wait()
}
