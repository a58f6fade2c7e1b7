package protocol

import (
	"bufio"
	"bytes"
	"fmt"
	"io"
	"strings"
)

// SSEEvent is a single server-sent event.
type SSEEvent struct {
	Event string
	Data  []byte
}

// WriteSSE writes one event in text/event-stream format. Multi-line data is
// split across data: lines.
func WriteSSE(w io.Writer, event string, data []byte) error {
	var buf bytes.Buffer
	if event != "" {
		fmt.Fprintf(&buf, "event: %s\n", event)
	}
	for _, line := range bytes.Split(data, []byte("\n")) {
		buf.WriteString("data: ")
		buf.Write(line)
		buf.WriteByte('\n')
	}
	buf.WriteByte('\n')
	_, err := w.Write(buf.Bytes())
	return err
}

// WriteSSEComment writes a comment line, used as a heartbeat.
func WriteSSEComment(w io.Writer, comment string) error {
	_, err := fmt.Fprintf(w, ": %s\n\n", comment)
	return err
}

// SSEReader decodes a text/event-stream body.
type SSEReader struct {
	scanner *bufio.Scanner
}

// NewSSEReader wraps r. Lines up to maxLine bytes are accepted.
func NewSSEReader(r io.Reader, maxLine int) *SSEReader {
	scanner := bufio.NewScanner(r)
	if maxLine <= 0 {
		maxLine = 1 << 20
	}
	scanner.Buffer(make([]byte, 0, 64*1024), maxLine)
	return &SSEReader{scanner: scanner}
}

// Next returns the next dispatched event. Comments are skipped. io.EOF is
// returned when the stream ends.
func (r *SSEReader) Next() (SSEEvent, error) {
	var (
		ev      SSEEvent
		data    [][]byte
		pending bool
	)
	for r.scanner.Scan() {
		line := r.scanner.Text()
		if line == "" {
			if !pending {
				continue
			}
			ev.Data = bytes.Join(data, []byte("\n"))
			return ev, nil
		}
		if strings.HasPrefix(line, ":") {
			continue
		}
		field, value, _ := strings.Cut(line, ":")
		value = strings.TrimPrefix(value, " ")
		switch field {
		case "event":
			ev.Event = value
			pending = true
		case "data":
			data = append(data, []byte(value))
			pending = true
		}
	}
	if err := r.scanner.Err(); err != nil {
		return SSEEvent{}, err
	}
	if pending {
		ev.Data = bytes.Join(data, []byte("\n"))
		return ev, nil
	}
	return SSEEvent{}, io.EOF
}
