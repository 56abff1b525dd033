package protocol

import (
	"bytes"
	"encoding/binary"
	"errors"
	"octo/codec"
	"octo/message"
)

// ResponseState is the checkpoint of a ResponseDecoder.
type ResponseState int

const (
	StateAwaitingRequestID ResponseState = iota
	StateAwaitingTimestamp
	StateAwaitingResponseType
	StateAwaitingStreamType
	StateForward // Stream frame: deliver one line
	StateObject  // Result frame: delegated to the object codec
)

func (s ResponseState) String() string {
	switch s {
	case StateAwaitingRequestID:
		return "awaiting-request-id"
	case StateAwaitingTimestamp:
		return "awaiting-timestamp"
	case StateAwaitingResponseType:
		return "awaiting-response-type"
	case StateAwaitingStreamType:
		return "awaiting-stream-type"
	case StateForward:
		return "forward"
	case StateObject:
		return "object"
	default:
		return "unknown"
	}
}

// ResponseDecoder is the client-side checkpointed parser for response frames.
//
//	request-id → timestamp → response-type ─┬─ 0 → stream-type → forward (one line) ─┐
//	     ▲                                  └─ ≠0 → object (one Result item) ─────────┤
//	     └────────────────────────────────────────────────────────────────────────────┘
//
// A stage that lacks bytes mutates nothing and waits for the next Feed. Stages fall through
// without waiting when their bytes are already buffered.
//
// A ResponseDecoder is owned by a single goroutine.
type ResponseDecoder struct {
	limits Limits
	codec  codec.Codec
	state  ResponseState
	buf    []byte
	err    error

	// Fields learned for the frame being decoded.
	requestID int64
	timestamp int64
	stream    message.StreamKind
}

func NewResponseDecoder(limits Limits) *ResponseDecoder {
	return &ResponseDecoder{
		limits: limits.withDefaults(),
		codec:  codec.GetCodec(codec.CodecTypeCBOR),
	}
}

func (d *ResponseDecoder) State() ResponseState {
	return d.state
}

// RequestID returns the request id of the frame currently being decoded.
func (d *ResponseDecoder) RequestID() int64 {
	return d.requestID
}

func (d *ResponseDecoder) Buffered() int {
	return len(d.buf)
}

func (d *ResponseDecoder) midFrame() bool {
	return d.state != StateAwaitingRequestID || len(d.buf) > 0
}

func (d *ResponseDecoder) consume(n int) {
	d.buf = d.buf[n:]
	if len(d.buf) == 0 {
		d.buf = nil
	}
}

// Feed buffers p and returns every frame it completes, in wire order. Frames completed before
// a protocol violation are returned together with the error.
func (d *ResponseDecoder) Feed(p []byte) ([]*message.ResponseFrame, error) {
	if d.err != nil {
		return nil, d.err
	}
	d.buf = append(d.buf, p...)

	var frames []*message.ResponseFrame
	for {
		f, err := d.next()
		if err != nil {
			d.err = err
			d.buf = nil
			return frames, err
		}
		if f == nil {
			return frames, nil
		}
		frames = append(frames, f)
	}
}

func (d *ResponseDecoder) next() (*message.ResponseFrame, error) {
	for {
		switch d.state {
		case StateAwaitingRequestID:
			if len(d.buf) < 8 {
				return nil, nil
			}
			d.requestID = int64(binary.BigEndian.Uint64(d.buf[:8]))
			d.consume(8)
			d.state = StateAwaitingTimestamp

		case StateAwaitingTimestamp:
			if len(d.buf) < 8 {
				return nil, nil
			}
			d.timestamp = int64(binary.BigEndian.Uint64(d.buf[:8]))
			d.consume(8)
			d.state = StateAwaitingResponseType

		case StateAwaitingResponseType:
			if len(d.buf) < 1 {
				return nil, nil
			}
			kind := message.ResponseKind(d.buf[0])
			d.consume(1)
			if kind == message.KindStream {
				d.state = StateAwaitingStreamType
			} else {
				d.state = StateObject
			}

		case StateAwaitingStreamType:
			if len(d.buf) < 1 {
				return nil, nil
			}
			stream := message.StreamKind(d.buf[0])
			if stream != message.StreamOut && stream != message.StreamErr {
				return nil, violationf("request %d: unknown stream kind %d", d.requestID, stream)
			}
			d.stream = stream
			d.consume(1)
			d.state = StateForward

		case StateForward:
			// Bounded by the line terminator so adjacent frames are never merged.
			i := bytes.IndexByte(d.buf, '\n')
			if i > d.limits.MaxLineLen || (i < 0 && len(d.buf) > d.limits.MaxLineLen) {
				return nil, violationf("request %d: line exceeds %d bytes", d.requestID, d.limits.MaxLineLen)
			}
			if i < 0 {
				return nil, nil
			}
			line := make([]byte, i+1)
			copy(line, d.buf)
			d.consume(i + 1)
			d.state = StateAwaitingRequestID
			return &message.ResponseFrame{
				RequestID: d.requestID,
				Timestamp: d.timestamp,
				Kind:      message.KindStream,
				Stream:    d.stream,
				Line:      line,
			}, nil

		case StateObject:
			res := &message.Result{}
			rest, err := d.codec.DecodeFirst(d.buf, res)
			if errors.Is(err, codec.ErrIncomplete) {
				if len(d.buf) > d.limits.MaxFrameSize {
					return nil, violationf("request %d: result exceeds %d bytes", d.requestID, d.limits.MaxFrameSize)
				}
				return nil, nil
			}
			if err != nil {
				return nil, violationf("request %d: result: %v", d.requestID, err)
			}
			d.consume(len(d.buf) - len(rest))
			d.state = StateAwaitingRequestID
			return &message.ResponseFrame{
				RequestID: d.requestID,
				Timestamp: d.timestamp,
				Kind:      message.KindResult,
				Result:    res,
			}, nil
		}
	}
}
