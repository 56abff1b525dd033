package stream

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"octo/message"
	"octo/protocol"
	"strings"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func decodeFrames(t *testing.T, data []byte) []*message.ResponseFrame {
	t.Helper()
	frames, err := protocol.NewResponseDecoder(protocol.DefaultLimits()).Feed(data)
	require.NoError(t, err)
	return frames
}

func lines(frames []*message.ResponseFrame, kind message.StreamKind) []string {
	var out []string
	for _, f := range frames {
		if f.Kind == message.KindStream && f.Stream == kind {
			out = append(out, string(f.Line))
		}
	}
	return out
}

func TestLineBufferSplitsOnTerminator(t *testing.T) {
	b := NewLineBuffer(0)

	assert.Empty(t, b.Write([]byte("ab")))
	assert.Equal(t, [][]byte{[]byte("abc\n")}, b.Write([]byte("c\n")))
	assert.Equal(t, [][]byte{[]byte("de\n"), []byte("f\n")}, b.Write([]byte("de\nf\ng")))
	assert.Equal(t, 1, b.Len())
	assert.Equal(t, []byte("g\n"), b.Flush())
	assert.Nil(t, b.Flush())
}

func TestLineBufferNormalizesCRLF(t *testing.T) {
	b := NewLineBuffer(0)

	assert.Equal(t, [][]byte{[]byte("one\n"), []byte("two\n")}, b.Write([]byte("one\r\ntwo\r\n")))
	// A lone '\r' is content.
	assert.Equal(t, [][]byte{[]byte("a\rb\n")}, b.Write([]byte("a\rb\n")))
}

func TestLineBufferWrapsLongLines(t *testing.T) {
	b := NewLineBuffer(4)

	assert.Equal(t, [][]byte{[]byte("abcd\n")}, b.Write([]byte("abcdef")))
	assert.Equal(t, [][]byte{[]byte("ef\n")}, b.Write([]byte("\n")))
	// Exactly maxLine bytes of content is not wrapped.
	assert.Equal(t, [][]byte{[]byte("wxyz\n")}, b.Write([]byte("wxyz\n")))
}

func TestLineBufferWrapMeetsCRLF(t *testing.T) {
	b := NewLineBuffer(4)

	// Exactly maxLine bytes before "\r\n" is one line, not a line and a blank one.
	assert.Equal(t, [][]byte{[]byte("abcd\n")}, b.Write([]byte("abcd\r\n")))

	// The same with the terminator split across writes.
	assert.Empty(t, b.Write([]byte("efgh\r")))
	assert.Equal(t, [][]byte{[]byte("efgh\n")}, b.Write([]byte("\n")))

	// A '\r' followed by content is content.
	assert.Equal(t, [][]byte{[]byte("ijkl\n")}, b.Write([]byte("ijkl\rm")))
	assert.Equal(t, [][]byte{[]byte("\rm\n")}, b.Write([]byte("\n")))

	// Longer content wraps and the remainder keeps the terminator.
	assert.Equal(t, [][]byte{[]byte("nopq\n"), []byte("r\n")}, b.Write([]byte("nopqr\r\n")))
	assert.Equal(t, 0, b.Len())
}

func TestLineBufferFlushStripsCR(t *testing.T) {
	b := NewLineBuffer(0)

	assert.Empty(t, b.Write([]byte("tail\r")))
	assert.Equal(t, []byte("tail\n"), b.Flush())
}

func TestMuxEmitsOnlyCompleteLines(t *testing.T) {
	var conn bytes.Buffer
	m := NewMux(&conn, 0)
	stdout, _ := m.Bind(1)

	_, err := io.WriteString(stdout, "ab")
	require.NoError(t, err)
	assert.Equal(t, 0, conn.Len(), "nothing may be sent before a terminator")
	assert.Equal(t, 2, m.Pending())

	_, err = io.WriteString(stdout, "c\n")
	require.NoError(t, err)
	_, err = io.WriteString(stdout, "de\n")
	require.NoError(t, err)

	frames := decodeFrames(t, conn.Bytes())
	require.Len(t, frames, 2)
	for _, f := range frames {
		assert.Equal(t, int64(1), f.RequestID)
		assert.Equal(t, message.StreamOut, f.Stream)
	}
	assert.Equal(t, []string{"abc\n", "de\n"}, lines(frames, message.StreamOut))
	assert.LessOrEqual(t, frames[0].Timestamp, frames[1].Timestamp)
}

func TestMuxInterleavesStreams(t *testing.T) {
	var conn bytes.Buffer
	m := NewMux(&conn, 0)
	stdout, stderr := m.Bind(7)

	io.WriteString(stdout, "o1\no2")
	io.WriteString(stderr, "e1\n")
	io.WriteString(stdout, "\n")
	io.WriteString(stderr, "e2\ne3\n")

	frames := decodeFrames(t, conn.Bytes())
	var order []string
	for _, f := range frames {
		order = append(order, f.Stream.String()+":"+strings.TrimSuffix(string(f.Line), "\n"))
	}
	assert.Equal(t, []string{"out:o1", "err:e1", "out:o2", "err:e2", "err:e3"}, order)
}

func TestMuxConcurrentWritersKeepStreamOrder(t *testing.T) {
	var conn bytes.Buffer
	m := NewMux(&conn, 0)
	stdout, stderr := m.Bind(3)

	const n = 200
	var wg sync.WaitGroup
	for _, w := range []struct {
		sink   io.Writer
		prefix string
	}{{stdout, "out"}, {stderr, "err"}} {
		wg.Add(1)
		go func(sink io.Writer, prefix string) {
			defer wg.Done()
			for i := 0; i < n; i++ {
				// Split each line over two writes
				fmt.Fprintf(sink, "%s-", prefix)
				fmt.Fprintf(sink, "%d\n", i)
			}
		}(w.sink, w.prefix)
	}
	wg.Wait()

	frames := decodeFrames(t, conn.Bytes())
	require.Len(t, frames, 2*n)
	for kind, prefix := range map[message.StreamKind]string{message.StreamOut: "out", message.StreamErr: "err"} {
		got := lines(frames, kind)
		require.Len(t, got, n)
		for i, line := range got {
			assert.Equal(t, fmt.Sprintf("%s-%d\n", prefix, i), line)
		}
	}
}

func TestMuxUnbindFlushesTrailingOutput(t *testing.T) {
	var conn bytes.Buffer
	m := NewMux(&conn, 0)

	stdout, stderr := m.Bind(1)
	io.WriteString(stdout, "done\ntail")
	io.WriteString(stderr, "warn")
	require.NoError(t, m.Unbind())
	require.NoError(t, m.WriteResult(1, &message.Result{Value: "ok"}))

	// Stale sinks must not leak into the next invocation.
	_, err := io.WriteString(stdout, "late\n")
	assert.True(t, errors.Is(err, ErrUnbound))

	stdout2, _ := m.Bind(2)
	io.WriteString(stdout2, "second\n")

	frames := decodeFrames(t, conn.Bytes())
	require.Len(t, frames, 5)
	assert.Equal(t, "done\n", string(frames[0].Line))
	assert.Equal(t, "tail\n", string(frames[1].Line))
	assert.Equal(t, message.StreamErr, frames[2].Stream)
	assert.Equal(t, "warn\n", string(frames[2].Line))
	assert.Equal(t, message.KindResult, frames[3].Kind)
	assert.Equal(t, "ok", frames[3].Result.Value)
	assert.Equal(t, int64(2), frames[4].RequestID)
	assert.Equal(t, "second\n", string(frames[4].Line))
}

func TestMuxCloseDiscardsPartialOutput(t *testing.T) {
	var conn bytes.Buffer
	m := NewMux(&conn, 0)
	stdout, _ := m.Bind(1)

	io.WriteString(stdout, "never terminated")
	m.Close()
	assert.Equal(t, 0, m.Pending())
	assert.Equal(t, 0, conn.Len())

	_, err := io.WriteString(stdout, "\n")
	assert.True(t, errors.Is(err, ErrClosed))
	assert.True(t, errors.Is(m.WriteResult(1, &message.Result{}), ErrClosed))
}

type failingWriter struct{}

func (failingWriter) Write([]byte) (int, error) { return 0, io.ErrClosedPipe }

func TestMuxWriteErrorSticks(t *testing.T) {
	m := NewMux(failingWriter{}, 0)
	stdout, _ := m.Bind(1)

	_, err := io.WriteString(stdout, "x\n")
	assert.True(t, errors.Is(err, io.ErrClosedPipe))
	assert.True(t, errors.Is(m.WriteResult(1, &message.Result{}), io.ErrClosedPipe))
}

func TestMuxUnencodableResult(t *testing.T) {
	var conn bytes.Buffer
	m := NewMux(&conn, 0)
	m.Bind(3)
	require.NoError(t, m.Unbind())
	require.NoError(t, m.WriteResult(3, &message.Result{Value: make(chan int)}))

	frames := decodeFrames(t, conn.Bytes())
	require.Len(t, frames, 1)
	assert.Equal(t, int64(3), frames[0].RequestID)
	assert.True(t, frames[0].Result.Failed())
}
