package providers

import "bytes"

// sseFrame is one complete server-sent event.
type sseFrame struct {
	// raw is the event bytes as transported, terminator included
	raw []byte

	// name is the "event:" field, empty for unnamed events
	name string

	// data is the joined payload of the "data:" lines
	data []byte
}

// sseBuffer frames a byte stream into server-sent events. Incomplete tail
// bytes are retained until the next feed. Events terminate on a blank line;
// both \n\n and \r\n\r\n are accepted.
type sseBuffer struct {
	buf []byte
}

func (b *sseBuffer) buffered() []byte { return b.buf }

// feed appends raw bytes and returns all newly complete frames.
func (b *sseBuffer) feed(raw []byte) []sseFrame {
	b.buf = append(b.buf, raw...)

	var frames []sseFrame
	for {
		idx, sep := nextEventBoundary(b.buf)
		if idx < 0 {
			return frames
		}
		// Copy out: frames outlive the buffer, which append may reuse.
		block := append([]byte(nil), b.buf[:idx+sep]...)
		b.buf = b.buf[idx+sep:]
		frames = append(frames, parseSSEFrame(block))
	}
}

// flush returns the retained tail as a final frame, or an empty slice when
// nothing is buffered. Called once at end of stream.
func (b *sseBuffer) flush() []sseFrame {
	if len(bytes.TrimSpace(b.buf)) == 0 {
		b.buf = nil
		return nil
	}
	frame := parseSSEFrame(b.buf)
	b.buf = nil
	return []sseFrame{frame}
}

func nextEventBoundary(buf []byte) (idx, sepLen int) {
	crlf := bytes.Index(buf, []byte("\r\n\r\n"))
	lf := bytes.Index(buf, []byte("\n\n"))
	switch {
	case crlf >= 0 && (lf < 0 || crlf < lf):
		return crlf, 4
	case lf >= 0:
		return lf, 2
	}
	return -1, 0
}

func parseSSEFrame(block []byte) sseFrame {
	frame := sseFrame{raw: block}
	var dataLines [][]byte

	for _, line := range bytes.Split(block, []byte("\n")) {
		line = bytes.TrimRight(line, "\r")
		switch {
		case bytes.HasPrefix(line, []byte("event:")):
			frame.name = string(bytes.TrimSpace(line[len("event:"):]))
		case bytes.HasPrefix(line, []byte("data:")):
			dataLines = append(dataLines, bytes.TrimSpace(line[len("data:"):]))
		}
		// id:, retry:, and comment lines are ignored
	}

	frame.data = bytes.Join(dataLines, []byte("\n"))
	return frame
}

// lineBuffer frames a byte stream into newline-delimited records (NDJSON).
type lineBuffer struct {
	buf []byte
}

func (b *lineBuffer) buffered() []byte { return b.buf }

// feed appends raw bytes and returns all newly complete lines, trailing
// newline included.
func (b *lineBuffer) feed(raw []byte) [][]byte {
	b.buf = append(b.buf, raw...)

	var lines [][]byte
	for {
		idx := bytes.IndexByte(b.buf, '\n')
		if idx < 0 {
			return lines
		}
		line := append([]byte(nil), b.buf[:idx+1]...)
		b.buf = b.buf[idx+1:]
		lines = append(lines, line)
	}
}

// flush returns the retained tail as a final line, or nil when empty.
func (b *lineBuffer) flush() [][]byte {
	if len(bytes.TrimSpace(b.buf)) == 0 {
		b.buf = nil
		return nil
	}
	line := b.buf
	b.buf = nil
	return [][]byte{line}
}
