package provider

import (
	"bufio"
	"fmt"
	"io"
	"strings"
)

// maxSSELineSize bounds a single server-sent event line. bufio's 64 KiB default is too small for
// long completions delivered in one chunk.
const maxSSELineSize = 1 << 20

// SSEEvent is one dispatched server-sent event.
type SSEEvent struct {
	Name string
	Data string
}

// SSEReader reads server-sent events from a streaming response body.
type SSEReader struct {
	scanner *bufio.Scanner
}

// NewSSEReader wraps r in an event reader.
func NewSSEReader(r io.Reader) *SSEReader {
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 0, 64*1024), maxSSELineSize)
	return &SSEReader{scanner: scanner}
}

// Next returns the next event carrying data. Comments and events without data are skipped,
// multi-line data fields are joined with newlines. The OpenAI "[DONE]" sentinel and the end of
// the body both return io.EOF.
func (r *SSEReader) Next() (SSEEvent, error) {
	var (
		name  string
		lines []string
	)

	for r.scanner.Scan() {
		line := strings.TrimRight(r.scanner.Text(), "\r")

		if line == "" {
			if len(lines) > 0 {
				return SSEEvent{Name: name, Data: strings.Join(lines, "\n")}, nil
			}
			name = ""
			continue
		}

		if strings.HasPrefix(line, ":") {
			continue
		}

		field, value, _ := strings.Cut(line, ":")
		value = strings.TrimPrefix(value, " ")

		switch field {
		case "event":
			name = value
		case "data":
			if strings.TrimSpace(value) == "[DONE]" {
				return SSEEvent{}, io.EOF
			}
			lines = append(lines, value)
		}
	}

	if err := r.scanner.Err(); err != nil {
		return SSEEvent{}, fmt.Errorf("read event stream: %w", err)
	}
	if len(lines) > 0 {
		return SSEEvent{Name: name, Data: strings.Join(lines, "\n")}, nil
	}
	return SSEEvent{}, io.EOF
}
