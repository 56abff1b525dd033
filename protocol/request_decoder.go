package protocol

import (
	"encoding/binary"
	"errors"
	"octo/codec"
	"octo/message"
)

// RequestState is the checkpoint of a RequestDecoder.
type RequestState int

const (
	StateAwaitingHeader RequestState = iota
	StateAwaitingBody
	StateAwaitingArguments
	StateDone
)

func (s RequestState) String() string {
	switch s {
	case StateAwaitingHeader:
		return "awaiting-header"
	case StateAwaitingBody:
		return "awaiting-body"
	case StateAwaitingArguments:
		return "awaiting-arguments"
	case StateDone:
		return "done"
	default:
		return "unknown"
	}
}

// RequestDecoder incrementally decodes one request at a time from inbound chunks.
//
// Each stage checks that its bytes are present before touching anything, so an underrun leaves
// the decoder exactly where it was. Once a request is produced the decoder parks in StateDone and
// ignores further input (it still buffers it) until Reset re-arms it. This keeps a pipelined
// second request from being decoded while the first one is still executing.
//
// A RequestDecoder is owned by a single goroutine.
type RequestDecoder struct {
	limits Limits
	codec  codec.Codec
	state  RequestState
	buf    []byte
	err    error

	// Pending fields of the request being decoded.
	requestID int64
	scriptLen int
	script    string
	argCount  int // -1 until the argument count has been read
	args      []any
}

func NewRequestDecoder(limits Limits) *RequestDecoder {
	return &RequestDecoder{
		limits:   limits.withDefaults(),
		codec:    codec.GetCodec(codec.CodecTypeCBOR),
		argCount: -1,
	}
}

func (d *RequestDecoder) State() RequestState {
	return d.state
}

// Buffered returns the number of inbound bytes not yet consumed.
func (d *RequestDecoder) Buffered() int {
	return len(d.buf)
}

// Write buffers p without decoding it.
func (d *RequestDecoder) Write(p []byte) (int, error) {
	d.buf = append(d.buf, p...)
	return len(p), nil
}

// Feed buffers p and tries to decode a request.
func (d *RequestDecoder) Feed(p []byte) (*message.InvocationRequest, error) {
	d.buf = append(d.buf, p...)
	return d.Decode()
}

// Reset re-arms a decoder for the next request on the same connection. Buffered bytes are kept.
func (d *RequestDecoder) Reset() {
	d.clearPending()
	d.state = StateAwaitingHeader
}

func (d *RequestDecoder) clearPending() {
	d.requestID = 0
	d.scriptLen = 0
	d.script = ""
	d.argCount = -1
	d.args = nil
}

func (d *RequestDecoder) consume(n int) {
	d.buf = d.buf[n:]
	if len(d.buf) == 0 {
		d.buf = nil
	}
}

// midFrame reports whether a request has been partially received.
func (d *RequestDecoder) midFrame() bool {
	return d.state != StateDone && (d.state != StateAwaitingHeader || len(d.buf) > 0)
}

// underrun is returned when the current stage needs more bytes. It fails the decoder if the
// amount already buffered shows the frame can never fit.
func (d *RequestDecoder) underrun() (*message.InvocationRequest, error) {
	if len(d.buf) > d.limits.MaxFrameSize {
		return d.fail(violationf("%d bytes buffered in %s exceeds frame limit %d", len(d.buf), d.state, d.limits.MaxFrameSize))
	}
	return nil, nil
}

func (d *RequestDecoder) fail(err error) (*message.InvocationRequest, error) {
	d.err = err
	d.buf = nil
	d.clearPending()
	return nil, err
}

// Decode advances through as many stages as the buffered bytes allow. It returns the request
// once all stages are complete, nil on underrun, and nil while parked in StateDone. A returned
// error is a protocol violation and sticks: the decoder is unusable afterwards.
func (d *RequestDecoder) Decode() (*message.InvocationRequest, error) {
	if d.err != nil {
		return nil, d.err
	}
	for {
		switch d.state {
		case StateAwaitingHeader:
			if len(d.buf) < RequestHeaderSize {
				return d.underrun()
			}
			scriptLen := int32(binary.BigEndian.Uint32(d.buf[8:12]))
			// Checked before allocating anything for the body
			if scriptLen < 0 || int(scriptLen) > d.limits.MaxScriptLen {
				return d.fail(violationf("script length %d outside [0, %d]", scriptLen, d.limits.MaxScriptLen))
			}
			d.requestID = int64(binary.BigEndian.Uint64(d.buf[0:8]))
			d.scriptLen = int(scriptLen)
			d.consume(RequestHeaderSize)
			d.state = StateAwaitingBody

		case StateAwaitingBody:
			if len(d.buf) < d.scriptLen {
				return d.underrun()
			}
			d.script = string(d.buf[:d.scriptLen])
			d.consume(d.scriptLen)
			d.state = StateAwaitingArguments

		case StateAwaitingArguments:
			if d.argCount < 0 {
				if len(d.buf) < argCountSize {
					return d.underrun()
				}
				argCount := int32(binary.BigEndian.Uint32(d.buf[:argCountSize]))
				if argCount < 0 || int(argCount) > d.limits.MaxArguments {
					return d.fail(violationf("argument count %d outside [0, %d]", argCount, d.limits.MaxArguments))
				}
				d.argCount = int(argCount)
				d.consume(argCountSize)
			}
			// Checkpoint is len(d.args): an incomplete argument leaves its presence byte unread.
			for len(d.args) < d.argCount {
				if len(d.buf) == 0 {
					return d.underrun()
				}
				switch d.buf[0] {
				case argNull:
					d.args = append(d.args, nil)
					d.consume(1)
				case argPresent:
					var v any
					rest, err := d.codec.DecodeFirst(d.buf[1:], &v)
					if errors.Is(err, codec.ErrIncomplete) {
						return d.underrun()
					}
					if err != nil {
						return d.fail(violationf("argument %d: %v", len(d.args), err))
					}
					d.args = append(d.args, v)
					d.consume(len(d.buf) - len(rest))
				default:
					return d.fail(violationf("argument %d: presence byte %d", len(d.args), d.buf[0]))
				}
			}
			req := &message.InvocationRequest{
				RequestID: d.requestID,
				Script:    d.script,
				Arguments: d.args,
			}
			d.clearPending()
			d.state = StateDone
			return req, nil

		case StateDone:
			return nil, nil
		}
	}
}
