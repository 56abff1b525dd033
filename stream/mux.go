// Package stream turns an invocation's console output into framed lines on its connection.
//
// Each connection owns one Mux. While an invocation runs, the Mux hands the invoker a stdout
// and a stderr sink. Bytes written to a sink are buffered per stream kind until a '\n' arrives;
// every completed line is written to the connection immediately as one Stream frame:
//
//	sink(out) ─┐                ┌─ LineBuffer(out) ─┐
//	           ├─ Mux (one lock)┤                   ├─→ requestId|timestamp|0|kind|line\n ─→ conn
//	sink(err) ─┘                └─ LineBuffer(err) ─┘
//
// Lines of one stream kind keep the order of their terminators; stdout and stderr lines
// interleave in the order they complete. The Result frame goes through the same lock, so it can
// never split a line frame.
package stream

import (
	"errors"
	"io"
	"octo/message"
	"octo/protocol"
	"sync"
	"time"
)

var (
	// ErrUnbound is returned by a sink whose invocation has already ended.
	ErrUnbound = errors.New("stream: sink is not bound to an active invocation")
	// ErrClosed is returned once the connection's mux has been closed.
	ErrClosed = errors.New("stream: mux closed")
)

// Mux is the outbound encoder of one connection. It is safe for concurrent use.
type Mux struct {
	mu      sync.Mutex
	w       io.Writer
	epoch   time.Time // Timestamps are monotonic nanoseconds since epoch
	maxLine int
	scratch []byte

	requestID int64
	bound     bool
	gen       uint64 // Incremented by Bind so stale sinks can be told apart
	buffers   [2]*LineBuffer
	closed    bool
	err       error // First write error on w
}

// NewMux creates a mux writing frames to w. Lines longer than maxLine bytes are wrapped.
func NewMux(w io.Writer, maxLine int) *Mux {
	if maxLine <= 0 {
		maxLine = protocol.DefaultLimits().MaxLineLen
	}
	return &Mux{w: w, epoch: time.Now(), maxLine: maxLine}
}

// Bind attaches the mux to a new invocation and returns its console sinks. Output still
// buffered from a previous binding is flushed first.
func (m *Mux) Bind(requestID int64) (stdout, stderr io.Writer) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.bound {
		m.flushLocked()
	}
	m.gen++
	m.requestID = requestID
	m.bound = true
	return &sink{mux: m, kind: message.StreamOut, gen: m.gen}, &sink{mux: m, kind: message.StreamErr, gen: m.gen}
}

// Unbind ends the current invocation. Unterminated trailing output of each stream is flushed as
// a final line with '\n' appended, then the buffers are discarded, so nothing leaks into the
// next invocation. Sinks handed out by the matching Bind fail with ErrUnbound from now on.
func (m *Mux) Unbind() error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if !m.bound {
		return m.err
	}
	err := m.flushLocked()
	m.bound = false
	return err
}

func (m *Mux) flushLocked() error {
	var first error
	for kind, buf := range m.buffers {
		if buf == nil {
			continue
		}
		if line := buf.Flush(); line != nil {
			if err := m.emitLocked(message.StreamKind(kind), line); err != nil && first == nil {
				first = err
			}
		}
		m.buffers[kind] = nil
	}
	return first
}

// WriteResult writes the Result frame for requestID. A value the codec cannot encode is
// replaced by a failed Result.
func (m *Mux) WriteResult(requestID int64, res *message.Result) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.closed {
		return ErrClosed
	}
	if m.err != nil {
		return m.err
	}
	frame, err := protocol.AppendResultFrame(m.scratch[:0], requestID, m.now(), res)
	if err != nil {
		// The client still gets a Result for requestID, reporting why the value was lost.
		frame, err = protocol.AppendResultFrame(m.scratch[:0], requestID, m.now(), &message.Result{Error: err.Error()})
		if err != nil {
			return err
		}
	}
	m.scratch = frame
	return m.writeLocked(frame)
}

// Close discards any buffered partial output. The connection is gone, so there is nowhere to
// flush it to.
func (m *Mux) Close() {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.closed = true
	m.bound = false
	m.buffers = [2]*LineBuffer{}
}

// Pending returns the number of buffered bytes not yet framed, across both streams.
func (m *Mux) Pending() int {
	m.mu.Lock()
	defer m.mu.Unlock()

	n := 0
	for _, buf := range m.buffers {
		if buf != nil {
			n += buf.Len()
		}
	}
	return n
}

func (m *Mux) now() int64 {
	return time.Since(m.epoch).Nanoseconds()
}

func (m *Mux) write(kind message.StreamKind, gen uint64, p []byte) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.closed {
		return 0, ErrClosed
	}
	if !m.bound || gen != m.gen {
		return 0, ErrUnbound
	}
	if m.err != nil {
		return 0, m.err
	}

	// Accumulators are created on the first write of a binding.
	buf := m.buffers[kind]
	if buf == nil {
		buf = NewLineBuffer(m.maxLine)
		m.buffers[kind] = buf
	}
	for _, line := range buf.Write(p) {
		if err := m.emitLocked(kind, line); err != nil {
			return 0, err
		}
	}
	return len(p), nil
}

func (m *Mux) emitLocked(kind message.StreamKind, line []byte) error {
	m.scratch = protocol.AppendStreamFrame(m.scratch[:0], m.requestID, m.now(), kind, line)
	return m.writeLocked(m.scratch)
}

func (m *Mux) writeLocked(frame []byte) error {
	if _, err := m.w.Write(frame); err != nil {
		m.err = err
		return err
	}
	return nil
}

// sink is the io.Writer an invoker sees for one stream of one invocation.
type sink struct {
	mux  *Mux
	kind message.StreamKind
	gen  uint64
}

func (s *sink) Write(p []byte) (int, error) {
	return s.mux.write(s.kind, s.gen, p)
}
