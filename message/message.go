// Package message defines the values exchanged between an octo client and server.
//
// An InvocationRequest travels client → server. The server answers with a sequence of
// ResponseFrames for the same RequestID: zero or more Stream frames (one console line each)
// followed by exactly one Result frame.
package message

import (
	"fmt"
	"io"
)

// ResponseKind distinguishes console output from the final result of an invocation.
type ResponseKind byte

const (
	KindStream ResponseKind = 0 // One line of stdout/stderr
	KindResult ResponseKind = 1 // Return value or error; any nonzero byte on the wire is a result
)

func (k ResponseKind) String() string {
	if k == KindStream {
		return "stream"
	}
	return "result"
}

// StreamKind tags the console stream a line originated from.
type StreamKind byte

const (
	StreamOut StreamKind = 0
	StreamErr StreamKind = 1
)

func (s StreamKind) String() string {
	switch s {
	case StreamOut:
		return "out"
	case StreamErr:
		return "err"
	default:
		return fmt.Sprintf("stream(%d)", byte(s))
	}
}

// InvocationRequest carries a script and its arguments.
//
//   - RequestID is assigned by the client and increases monotonically per client transport.
//   - Script may be empty.
//   - Arguments keeps its order and its nil positions across the wire.
type InvocationRequest struct {
	RequestID int64
	Script    string
	Arguments []any
}

// HasArguments reports whether the request carries at least one argument slot.
func (r *InvocationRequest) HasArguments() bool {
	return len(r.Arguments) > 0
}

// Result is the final outcome of an invocation.
// Error is non-empty when the invoker failed; Value is then meaningless.
type Result struct {
	Value any    `cbor:"value"`
	Error string `cbor:"error,omitempty"`
}

// Failed reports whether the result carries an invocation failure.
func (r *Result) Failed() bool {
	return r.Error != ""
}

// ResponseFrame is one decoded unit of the server → client stream.
type ResponseFrame struct {
	RequestID int64
	Timestamp int64 // Sender-local monotonic nanoseconds
	Kind      ResponseKind
	Stream    StreamKind // Only for KindStream
	Line      []byte     // Only for KindStream, includes the trailing '\n'
	Result    *Result    // Only for KindResult
}

// Invocation binds a decoded request to the output sinks of the connection it arrived on.
// The invoker writes console output to Stdout/Stderr instead of any process-wide stream.
type Invocation struct {
	SessionID string
	Request   *InvocationRequest
	Stdout    io.Writer
	Stderr    io.Writer
}

// RemoteError is returned to callers when the server reported an invocation failure.
type RemoteError struct {
	RequestID int64
	Message   string
}

func (e *RemoteError) Error() string {
	return fmt.Sprintf("octo: request %d failed remotely: %s", e.RequestID, e.Message)
}
