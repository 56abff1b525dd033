// Package protocol implements the octo wire format.
//
// A request is length-prefixed so the server can decode it from a byte stream that arrives in
// arbitrary chunks. Arguments and results are serialized by the codec package; the frame layer
// only decides where those objects start and relies on them being self-delimiting.
//
// Request frame (client → server), all integers big-endian:
//
//	0         8          12               12+n        16+n
//	┌─────────┬──────────┬────────────────┬───────────┬──────────────────────────────┐
//	│requestId│ scriptLen│  script bytes  │ argCount  │ (presence [object])*argCount │
//	│  int64  │  int32=n │    n bytes     │   int32   │ presence: 0=nil, 1=object    │
//	└─────────┴──────────┴────────────────┴───────────┴──────────────────────────────┘
//
// Response frame (server → client):
//
//	0         8          16   17
//	┌─────────┬──────────┬────┬──────────────────────────────────────────────┐
//	│requestId│ timestamp│kind│ kind=0: streamKind:uint8 | line ending in \n │
//	│  int64  │  int64   │ u8 │ kind≠0: one serialized Result object         │
//	└─────────┴──────────┴────┴──────────────────────────────────────────────┘
package protocol

import (
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"math"
	"octo/codec"
	"octo/message"
)

const (
	RequestHeaderSize  = 12 // requestId + scriptLen
	ResponseHeaderSize = 17 // requestId + timestamp + kind
	argCountSize       = 4

	argNull    byte = 0
	argPresent byte = 1
)

// ErrProtocolViolation marks malformed or oversized input. The connection it came from must be
// closed; the error is never retried.
var ErrProtocolViolation = errors.New("protocol violation")

func violationf(format string, args ...any) error {
	return fmt.Errorf("%w: "+format, append([]any{ErrProtocolViolation}, args...)...)
}

// Limits bounds what a decoder is willing to buffer for a single frame.
type Limits struct {
	MaxScriptLen int // Largest accepted scriptLen
	MaxArguments int // Largest accepted argCount
	MaxFrameSize int // Largest number of buffered bytes for one undecoded frame
	MaxLineLen   int // Longest stream line, excluding the terminator
}

func DefaultLimits() Limits {
	return Limits{
		MaxScriptLen: 4 << 20,
		MaxArguments: 1024,
		MaxFrameSize: 16 << 20,
		MaxLineLen:   64 << 10,
	}
}

// withDefaults fills unset fields so a zero Limits is usable.
func (l Limits) withDefaults() Limits {
	def := DefaultLimits()
	if l.MaxScriptLen <= 0 {
		l.MaxScriptLen = def.MaxScriptLen
	}
	if l.MaxArguments <= 0 {
		l.MaxArguments = def.MaxArguments
	}
	if l.MaxFrameSize <= 0 {
		l.MaxFrameSize = def.MaxFrameSize
	}
	if l.MaxLineLen <= 0 {
		l.MaxLineLen = def.MaxLineLen
	}
	return l
}

// AppendRequest appends the encoded request to dst.
func AppendRequest(dst []byte, req *message.InvocationRequest) ([]byte, error) {
	if len(req.Script) > math.MaxInt32 {
		return nil, fmt.Errorf("protocol: script too long: %d bytes", len(req.Script))
	}
	if len(req.Arguments) > math.MaxInt32 {
		return nil, fmt.Errorf("protocol: too many arguments: %d", len(req.Arguments))
	}
	cdc := codec.GetCodec(codec.CodecTypeCBOR)

	dst = binary.BigEndian.AppendUint64(dst, uint64(req.RequestID))
	dst = binary.BigEndian.AppendUint32(dst, uint32(len(req.Script)))
	dst = append(dst, req.Script...)
	dst = binary.BigEndian.AppendUint32(dst, uint32(len(req.Arguments)))
	for i, arg := range req.Arguments {
		if arg == nil {
			dst = append(dst, argNull)
			continue
		}
		data, err := cdc.Encode(arg)
		if err != nil {
			return nil, fmt.Errorf("protocol: encode argument %d: %w", i, err)
		}
		dst = append(dst, argPresent)
		dst = append(dst, data...)
	}
	return dst, nil
}

// EncodeRequest writes a complete request frame to w in a single Write call, so concurrent
// writers holding their own frames cannot interleave inside it.
func EncodeRequest(w io.Writer, req *message.InvocationRequest) error {
	buf, err := AppendRequest(nil, req)
	if err != nil {
		return err
	}
	_, err = w.Write(buf)
	return err
}

func appendResponseHeader(dst []byte, requestID, timestamp int64, kind message.ResponseKind) []byte {
	dst = binary.BigEndian.AppendUint64(dst, uint64(requestID))
	dst = binary.BigEndian.AppendUint64(dst, uint64(timestamp))
	return append(dst, byte(kind))
}

// AppendStreamFrame appends a Stream frame carrying line. The caller guarantees that line ends
// with '\n' and contains no other '\n'.
func AppendStreamFrame(dst []byte, requestID, timestamp int64, stream message.StreamKind, line []byte) []byte {
	dst = appendResponseHeader(dst, requestID, timestamp, message.KindStream)
	dst = append(dst, byte(stream))
	return append(dst, line...)
}

// AppendResultFrame appends a Result frame carrying res.
func AppendResultFrame(dst []byte, requestID, timestamp int64, res *message.Result) ([]byte, error) {
	data, err := codec.GetCodec(codec.CodecTypeCBOR).Encode(res)
	if err != nil {
		return nil, fmt.Errorf("protocol: encode result: %w", err)
	}
	dst = appendResponseHeader(dst, requestID, timestamp, message.KindResult)
	return append(dst, data...), nil
}

// EncodeResponse writes f to w in a single Write call.
func EncodeResponse(w io.Writer, f *message.ResponseFrame) error {
	var buf []byte
	if f.Kind == message.KindStream {
		buf = AppendStreamFrame(nil, f.RequestID, f.Timestamp, f.Stream, f.Line)
	} else {
		res := f.Result
		if res == nil {
			res = &message.Result{}
		}
		var err error
		if buf, err = AppendResultFrame(nil, f.RequestID, f.Timestamp, res); err != nil {
			return err
		}
	}
	_, err := w.Write(buf)
	return err
}

const readChunk = 4096

// RequestReader reads whole requests from a blocking reader. Bytes read past the end of one
// request are kept for the next call.
type RequestReader struct {
	r   io.Reader
	dec *RequestDecoder
	buf []byte
}

func NewRequestReader(r io.Reader, limits Limits) *RequestReader {
	return &RequestReader{r: r, dec: NewRequestDecoder(limits), buf: make([]byte, readChunk)}
}

// ReadRequest blocks until a full request is decoded. A stream that ends inside a request
// yields io.ErrUnexpectedEOF.
func (rr *RequestReader) ReadRequest() (*message.InvocationRequest, error) {
	if rr.dec.State() == StateDone {
		rr.dec.Reset()
	}
	for {
		req, err := rr.dec.Decode()
		if err != nil || req != nil {
			return req, err
		}
		n, err := rr.r.Read(rr.buf)
		if n > 0 {
			rr.dec.Write(rr.buf[:n])
			continue
		}
		if err != nil {
			if errors.Is(err, io.EOF) && rr.dec.midFrame() {
				return nil, io.ErrUnexpectedEOF
			}
			return nil, err
		}
	}
}

// DecodeRequest reads one request from r. It may consume bytes past the end of that request;
// use a RequestReader to read several requests from the same stream.
func DecodeRequest(r io.Reader) (*message.InvocationRequest, error) {
	return NewRequestReader(r, DefaultLimits()).ReadRequest()
}

// ResponseReader reads whole response frames from a blocking reader.
type ResponseReader struct {
	r       io.Reader
	dec     *ResponseDecoder
	buf     []byte
	pending []*message.ResponseFrame
	err     error
}

func NewResponseReader(r io.Reader, limits Limits) *ResponseReader {
	return &ResponseReader{r: r, dec: NewResponseDecoder(limits), buf: make([]byte, readChunk)}
}

func (rr *ResponseReader) ReadFrame() (*message.ResponseFrame, error) {
	for len(rr.pending) == 0 {
		if rr.err != nil {
			return nil, rr.err
		}
		n, err := rr.r.Read(rr.buf)
		if n > 0 {
			frames, derr := rr.dec.Feed(rr.buf[:n])
			rr.pending = append(rr.pending, frames...)
			rr.err = derr
			continue
		}
		if err != nil {
			if errors.Is(err, io.EOF) && rr.dec.midFrame() {
				return nil, io.ErrUnexpectedEOF
			}
			return nil, err
		}
	}
	f := rr.pending[0]
	rr.pending = rr.pending[1:]
	return f, nil
}
