package protocol

import (
	"bytes"
	"encoding/binary"
	"errors"
	"io"
	"math"
	"octo/message"
	"reflect"
	"strings"
	"testing"
)

func sampleRequest() *message.InvocationRequest {
	return &message.InvocationRequest{
		RequestID: 12345,
		Script:    "print(args[0] + args[2])",
		Arguments: []any{
			"hello", nil, uint64(7), []byte{0x00, 0x01}, nil, int64(-3), 1.5,
			5, map[string]any{"k": "v", "n": -2, "list": []any{1, "x"}},
		},
	}
}

// decodedSample is sampleRequest as the receiving side sees it. Integers come back as uint64
// when non-negative and int64 otherwise; maps come back as map[string]any.
func decodedSample() *message.InvocationRequest {
	req := sampleRequest()
	req.Arguments = []any{
		"hello", nil, uint64(7), []byte{0x00, 0x01}, nil, int64(-3), 1.5,
		uint64(5), map[string]any{"k": "v", "n": int64(-2), "list": []any{uint64(1), "x"}},
	}
	return req
}

func TestEncodeDecodeRequest(t *testing.T) {
	req := sampleRequest()
	want := decodedSample()

	var buf bytes.Buffer
	if err := EncodeRequest(&buf, req); err != nil {
		t.Fatalf("EncodeRequest failed: %v", err)
	}

	decoded, err := DecodeRequest(&buf)
	if err != nil {
		t.Fatalf("DecodeRequest failed: %v", err)
	}

	if decoded.RequestID != req.RequestID {
		t.Errorf("RequestID mismatch: got %d, want %d", decoded.RequestID, req.RequestID)
	}
	if decoded.Script != req.Script {
		t.Errorf("Script mismatch: got %q, want %q", decoded.Script, req.Script)
	}
	if !reflect.DeepEqual(decoded.Arguments, want.Arguments) {
		t.Errorf("Arguments mismatch: got %#v, want %#v", decoded.Arguments, want.Arguments)
	}
}

func TestDecodeRequestEmptyScript(t *testing.T) {
	req := &message.InvocationRequest{RequestID: 1}

	var buf bytes.Buffer
	if err := EncodeRequest(&buf, req); err != nil {
		t.Fatalf("EncodeRequest failed: %v", err)
	}
	if buf.Len() != RequestHeaderSize+argCountSize {
		t.Fatalf("expect %d bytes, got %d", RequestHeaderSize+argCountSize, buf.Len())
	}

	decoded, err := DecodeRequest(&buf)
	if err != nil {
		t.Fatalf("DecodeRequest failed: %v", err)
	}
	if decoded.Script != "" || decoded.Arguments != nil || decoded.HasArguments() {
		t.Errorf("expect empty request, got %+v", decoded)
	}
}

func TestDecodeRequestOversizedScript(t *testing.T) {
	header := make([]byte, RequestHeaderSize)
	binary.BigEndian.PutUint64(header[0:8], 9)
	binary.BigEndian.PutUint32(header[8:12], math.MaxInt32)

	dec := NewRequestDecoder(Limits{MaxScriptLen: 1024})
	req, err := dec.Feed(header)
	if req != nil {
		t.Fatalf("expect no request, got %+v", req)
	}
	if !errors.Is(err, ErrProtocolViolation) {
		t.Fatalf("expect protocol violation, got %v", err)
	}
	// Nothing was buffered for the body.
	if dec.Buffered() != 0 {
		t.Errorf("expect empty buffer after violation, got %d bytes", dec.Buffered())
	}

	// The violation sticks.
	if _, err := dec.Feed([]byte{0}); !errors.Is(err, ErrProtocolViolation) {
		t.Errorf("expect sticky violation, got %v", err)
	}
}

func TestDecodeRequestNegativeLength(t *testing.T) {
	header := make([]byte, RequestHeaderSize)
	binary.BigEndian.PutUint32(header[8:12], 0xFFFFFFFF) // -1

	_, err := DecodeRequest(bytes.NewReader(header))
	if !errors.Is(err, ErrProtocolViolation) {
		t.Fatalf("expect protocol violation, got %v", err)
	}
}

func TestDecodeRequestInvalidPresence(t *testing.T) {
	buf, err := AppendRequest(nil, &message.InvocationRequest{RequestID: 2, Script: "x", Arguments: []any{nil}})
	if err != nil {
		t.Fatal(err)
	}
	buf[len(buf)-1] = 7 // Presence byte of the only argument

	_, err = DecodeRequest(bytes.NewReader(buf))
	if err == nil || !strings.Contains(err.Error(), "presence byte 7") {
		t.Fatalf("expect presence violation, got %v", err)
	}
}

func TestDecodeRequestTruncated(t *testing.T) {
	buf, err := AppendRequest(nil, sampleRequest())
	if err != nil {
		t.Fatal(err)
	}

	_, err = DecodeRequest(bytes.NewReader(buf[:len(buf)-1]))
	if !errors.Is(err, io.ErrUnexpectedEOF) {
		t.Fatalf("expect unexpected EOF, got %v", err)
	}

	// A clean EOF between requests is just EOF.
	_, err = DecodeRequest(bytes.NewReader(nil))
	if !errors.Is(err, io.EOF) {
		t.Fatalf("expect EOF, got %v", err)
	}
}

func TestDecodeLargeScript(t *testing.T) {
	// 1MB script, read through the 4KB chunked reader
	large := strings.Repeat("x", 1024*1024)
	req := &message.InvocationRequest{RequestID: 999, Script: large}

	var buf bytes.Buffer
	if err := EncodeRequest(&buf, req); err != nil {
		t.Fatalf("EncodeRequest failed: %v", err)
	}

	decoded, err := DecodeRequest(&buf)
	if err != nil {
		t.Fatalf("DecodeRequest failed: %v", err)
	}
	if decoded.Script != large {
		t.Errorf("large script mismatch")
	}
}

func TestRequestReaderSequence(t *testing.T) {
	var buf bytes.Buffer
	for i := int64(1); i <= 3; i++ {
		req := &message.InvocationRequest{RequestID: i, Script: "s", Arguments: []any{i}}
		if err := EncodeRequest(&buf, req); err != nil {
			t.Fatal(err)
		}
	}

	rr := NewRequestReader(&buf, DefaultLimits())
	for i := int64(1); i <= 3; i++ {
		req, err := rr.ReadRequest()
		if err != nil {
			t.Fatalf("request %d: %v", i, err)
		}
		if req.RequestID != i {
			t.Fatalf("expect request %d, got %d", i, req.RequestID)
		}
	}
	if _, err := rr.ReadRequest(); !errors.Is(err, io.EOF) {
		t.Fatalf("expect EOF after last request, got %v", err)
	}
}

func TestEncodeResponseRoundTrip(t *testing.T) {
	frames := []*message.ResponseFrame{
		{RequestID: 1, Timestamp: 10, Kind: message.KindStream, Stream: message.StreamOut, Line: []byte("hi\n")},
		{RequestID: 1, Timestamp: 11, Kind: message.KindStream, Stream: message.StreamErr, Line: []byte("oops\n")},
		{RequestID: 1, Timestamp: 12, Kind: message.KindResult, Result: &message.Result{Value: "done"}},
		{RequestID: 2, Timestamp: 13, Kind: message.KindResult, Result: &message.Result{Error: "boom"}},
	}

	var buf bytes.Buffer
	for _, f := range frames {
		if err := EncodeResponse(&buf, f); err != nil {
			t.Fatalf("EncodeResponse failed: %v", err)
		}
	}

	rr := NewResponseReader(&buf, DefaultLimits())
	for i, want := range frames {
		got, err := rr.ReadFrame()
		if err != nil {
			t.Fatalf("frame %d: %v", i, err)
		}
		if !reflect.DeepEqual(got, want) {
			t.Errorf("frame %d mismatch: got %+v, want %+v", i, got, want)
		}
	}
	if _, err := rr.ReadFrame(); !errors.Is(err, io.EOF) {
		t.Fatalf("expect EOF, got %v", err)
	}
}

func TestEncodeResponseNilResult(t *testing.T) {
	var buf bytes.Buffer
	if err := EncodeResponse(&buf, &message.ResponseFrame{RequestID: 5, Kind: message.KindResult}); err != nil {
		t.Fatal(err)
	}

	f, err := NewResponseReader(&buf, DefaultLimits()).ReadFrame()
	if err != nil {
		t.Fatal(err)
	}
	if f.Result == nil || f.Result.Value != nil || f.Result.Failed() {
		t.Fatalf("expect null result, got %+v", f.Result)
	}
}
