package httputil

import (
	"bufio"
	"bytes"
	"io"
	"strings"
)

// SSE framing constants.
const (
	SSEDataPrefix  = "data: "
	SSEEventPrefix = "event: "
	SSEDone        = "[DONE]"

	// sseMaxLineBytes caps a single SSE line; large tool arguments can
	// produce lines far beyond the bufio default.
	sseMaxLineBytes = 1024 * 1024
)

// SSEEvent is one parsed server-sent event. Data holds the concatenated
// data lines; Event is empty for unnamed events.
type SSEEvent struct {
	Event string
	Data  []byte
}

// Done reports the OpenAI [DONE] sentinel.
func (e *SSEEvent) Done() bool {
	return bytes.Equal(bytes.TrimSpace(e.Data), []byte(SSEDone))
}

// SSEScanner reads events from an SSE byte stream.
type SSEScanner struct {
	scanner *bufio.Scanner
	err     error
}

// NewSSEScanner wraps r in an event scanner.
func NewSSEScanner(r io.Reader) *SSEScanner {
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 4096), sseMaxLineBytes)
	return &SSEScanner{scanner: scanner}
}

// Next returns the next event, or io.EOF when the stream ends. Comment
// lines (heartbeats) are skipped.
func (s *SSEScanner) Next() (*SSEEvent, error) {
	if s.err != nil {
		return nil, s.err
	}

	var event SSEEvent
	var data [][]byte
	for s.scanner.Scan() {
		line := s.scanner.Bytes()
		trimmed := bytes.TrimRight(line, "\r")

		switch {
		case len(trimmed) == 0:
			if len(data) > 0 || event.Event != "" {
				event.Data = bytes.Join(data, []byte("\n"))
				return &event, nil
			}
		case trimmed[0] == ':':
			// comment / heartbeat
		case bytes.HasPrefix(trimmed, []byte("event:")):
			event.Event = strings.TrimSpace(string(trimmed[len("event:"):]))
		case bytes.HasPrefix(trimmed, []byte("data:")):
			d := trimmed[len("data:"):]
			if len(d) > 0 && d[0] == ' ' {
				d = d[1:]
			}
			data = append(data, append([]byte(nil), d...))
		}
	}

	if err := s.scanner.Err(); err != nil {
		s.err = err
		return nil, err
	}
	s.err = io.EOF
	if len(data) > 0 || event.Event != "" {
		event.Data = bytes.Join(data, []byte("\n"))
		return &event, nil
	}
	return nil, io.EOF
}

// WriteSSEEvent serializes one event in wire format.
func WriteSSEEvent(w io.Writer, event string, data []byte) error {
	if event != "" {
		if _, err := io.WriteString(w, SSEEventPrefix+event+"\n"); err != nil {
			return err
		}
	}
	if _, err := io.WriteString(w, SSEDataPrefix); err != nil {
		return err
	}
	if _, err := w.Write(data); err != nil {
		return err
	}
	_, err := io.WriteString(w, "\n\n")
	return err
}
