package protocol

import (
	"errors"
	"octo/message"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func streamThenResult(t *testing.T) []byte {
	t.Helper()
	data := AppendStreamFrame(nil, 1, 100, message.StreamOut, []byte("hi\n"))
	data, err := AppendResultFrame(data, 1, 101, &message.Result{Value: map[string]any{"n": 3, "ok": true}})
	require.NoError(t, err)
	return data
}

func TestResponseDecoderStreamThenResult(t *testing.T) {
	dec := NewResponseDecoder(DefaultLimits())

	frames, err := dec.Feed(streamThenResult(t))
	require.NoError(t, err)
	require.Len(t, frames, 2)

	assert.Equal(t, &message.ResponseFrame{
		RequestID: 1, Timestamp: 100, Kind: message.KindStream, Stream: message.StreamOut, Line: []byte("hi\n"),
	}, frames[0])
	assert.Equal(t, message.KindResult, frames[1].Kind)
	assert.Equal(t, int64(1), frames[1].RequestID)
	assert.Equal(t, &message.Result{Value: map[string]any{"n": uint64(3), "ok": true}}, frames[1].Result)
	assert.Equal(t, StateAwaitingRequestID, dec.State())
	assert.Equal(t, 0, dec.Buffered())
}

func TestResponseDecoderEverySplit(t *testing.T) {
	data := streamThenResult(t)

	for split := 0; split <= len(data); split++ {
		dec := NewResponseDecoder(DefaultLimits())

		first, err := dec.Feed(data[:split])
		require.NoError(t, err)
		rest, err := dec.Feed(data[split:])
		require.NoError(t, err)

		frames := append(first, rest...)
		require.Lenf(t, frames, 2, "split %d", split)
		assert.Equalf(t, []byte("hi\n"), frames[0].Line, "split %d", split)
		assert.Equalf(t, message.KindResult, frames[1].Kind, "split %d", split)
		assert.Equalf(t, map[string]any{"n": uint64(3), "ok": true}, frames[1].Result.Value, "split %d", split)
	}
}

func TestResponseDecoderCheckpoints(t *testing.T) {
	data := AppendStreamFrame(nil, 42, 7, message.StreamErr, []byte("partial line\n"))
	dec := NewResponseDecoder(DefaultLimits())

	steps := []struct {
		upTo  int
		state ResponseState
	}{
		{4, StateAwaitingRequestID},
		{8, StateAwaitingTimestamp},
		{16, StateAwaitingResponseType},
		{17, StateAwaitingStreamType},
		{18, StateForward},
		{20, StateForward},
	}
	prev := 0
	for _, step := range steps {
		frames, err := dec.Feed(data[prev:step.upTo])
		require.NoError(t, err)
		assert.Empty(t, frames)
		assert.Equalf(t, step.state, dec.State(), "after %d bytes", step.upTo)
		prev = step.upTo
	}
	assert.Equal(t, int64(42), dec.RequestID())

	frames, err := dec.Feed(data[prev:])
	require.NoError(t, err)
	require.Len(t, frames, 1)
	assert.Equal(t, message.StreamErr, frames[0].Stream)
	assert.Equal(t, "partial line\n", string(frames[0].Line))
}

func TestResponseDecoderInterleavedRequests(t *testing.T) {
	var data []byte
	data = AppendStreamFrame(data, 1, 0, message.StreamOut, []byte("a\n"))
	data = AppendStreamFrame(data, 1, 1, message.StreamErr, []byte("b\n"))
	data = AppendStreamFrame(data, 1, 2, message.StreamOut, []byte("c\r\n"))
	data, err := AppendResultFrame(data, 1, 3, &message.Result{Value: uint64(3)})
	require.NoError(t, err)
	data = AppendStreamFrame(data, 2, 4, message.StreamOut, []byte("d\n"))

	frames, err := NewResponseDecoder(DefaultLimits()).Feed(data)
	require.NoError(t, err)
	require.Len(t, frames, 5)

	var lines []string
	for _, f := range frames {
		if f.Kind == message.KindStream {
			lines = append(lines, f.Stream.String()+":"+string(f.Line))
		}
	}
	assert.Equal(t, []string{"out:a\n", "err:b\n", "out:c\r\n", "out:d\n"}, lines)
	assert.Equal(t, uint64(3), frames[3].Result.Value)
	assert.Equal(t, int64(2), frames[4].RequestID)
}

func TestResponseDecoderUnknownStream(t *testing.T) {
	data := AppendStreamFrame(nil, 1, 0, message.StreamKind(5), []byte("x\n"))

	_, err := NewResponseDecoder(DefaultLimits()).Feed(data)
	require.True(t, errors.Is(err, ErrProtocolViolation), "got %v", err)
}

func TestResponseDecoderLineLimit(t *testing.T) {
	dec := NewResponseDecoder(Limits{MaxLineLen: 8})

	frames, err := dec.Feed(AppendStreamFrame(nil, 1, 0, message.StreamOut, []byte("12345678\n")))
	require.NoError(t, err)
	require.Len(t, frames, 1)

	_, err = dec.Feed(AppendStreamFrame(nil, 1, 0, message.StreamOut, []byte(strings.Repeat("z", 9))))
	require.True(t, errors.Is(err, ErrProtocolViolation), "got %v", err)

	// Sticky after a violation.
	_, err = dec.Feed([]byte("\n"))
	require.True(t, errors.Is(err, ErrProtocolViolation))
}

func TestResponseDecoderMalformedResult(t *testing.T) {
	data := appendResponseHeader(nil, 1, 0, message.KindResult)
	data = append(data, 0xff)

	_, err := NewResponseDecoder(DefaultLimits()).Feed(data)
	require.True(t, errors.Is(err, ErrProtocolViolation), "got %v", err)
}
