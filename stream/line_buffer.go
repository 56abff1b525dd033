package stream

import "bytes"

// LineBuffer accumulates output for one stream kind and cuts it into complete lines.
// It is not safe for concurrent use; Mux guards it.
type LineBuffer struct {
	buf     []byte
	maxLine int
}

func NewLineBuffer(maxLine int) *LineBuffer {
	return &LineBuffer{maxLine: maxLine}
}

// Write appends p and returns the lines it completed, in order. Each returned line ends with a
// single '\n'; a "\r\n" terminator is normalized to '\n'. Content longer than maxLine bytes is
// cut into lines of maxLine bytes with '\n' appended. The terminator never counts as content.
func (b *LineBuffer) Write(p []byte) [][]byte {
	b.buf = append(b.buf, p...)

	var lines [][]byte
	for {
		i := bytes.IndexByte(b.buf, '\n')
		if i >= 0 {
			end := i
			if end > 0 && b.buf[end-1] == '\r' {
				end--
			}
			if b.maxLine > 0 && end > b.maxLine {
				b.wrap(&lines)
				continue
			}
			lines = append(lines, terminate(b.buf[:end]))
			b.buf = b.buf[i+1:]
			continue
		}
		// A '\r' right after maxLine bytes may be the first half of "\r\n"; wait for the next byte.
		if b.maxLine > 0 && len(b.buf) > b.maxLine && !(len(b.buf) == b.maxLine+1 && b.buf[b.maxLine] == '\r') {
			b.wrap(&lines)
			continue
		}
		break
	}
	if len(b.buf) == 0 {
		b.buf = nil
	}
	return lines
}

func (b *LineBuffer) wrap(lines *[][]byte) {
	*lines = append(*lines, terminate(b.buf[:b.maxLine]))
	b.buf = b.buf[b.maxLine:]
}

// Flush returns any unterminated trailing content as a final line and empties the buffer.
// A trailing '\r' is taken as a cut-off "\r\n".
func (b *LineBuffer) Flush() []byte {
	if len(b.buf) == 0 {
		return nil
	}
	content := b.buf
	if content[len(content)-1] == '\r' {
		content = content[:len(content)-1]
	}
	line := terminate(content)
	b.buf = nil
	return line
}

// Len returns the number of buffered bytes not yet emitted.
func (b *LineBuffer) Len() int {
	return len(b.buf)
}

func (b *LineBuffer) Reset() {
	b.buf = nil
}

func terminate(content []byte) []byte {
	line := make([]byte, len(content)+1)
	copy(line, content)
	line[len(content)] = '\n'
	return line
}
