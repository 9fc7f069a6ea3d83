// Package sse implements the Server-Sent Events framing used by the Poe bot
// protocol: a Reader that turns a text/event-stream body into (event, data)
// pairs and a Writer that emits them with flushing.
package sse

import (
	"bufio"
	"io"
	"strings"
)

// Event is a single SSE event with an optional type and data payload.
type Event struct {
	Type string // value of the "event:" field (may be empty)
	Data string // value of the "data:" field(s), joined with "\n"
}

// Reader reads SSE events from an io.Reader.
type Reader struct {
	scanner *bufio.Scanner
}

func NewReader(r io.Reader) *Reader {
	sc := bufio.NewScanner(r)
	sc.Buffer(make([]byte, 1<<20), 1<<20) // 1 MB buffer
	return &Reader{scanner: sc}
}

// Next returns the next event. Returns (Event{}, io.EOF) at end of stream.
// A stream that ends mid-event yields the partial event's error from the
// underlying reader, so incomplete bodies are distinguishable from EOF.
func (r *Reader) Next() (Event, error) {
	var ev Event
	var dataLines []string

	for r.scanner.Scan() {
		line := strings.TrimSuffix(r.scanner.Text(), "\r")

		if line == "" {
			// Blank line = dispatch event
			if len(dataLines) > 0 || ev.Type != "" {
				ev.Data = strings.Join(dataLines, "\n")
				return ev, nil
			}
			continue
		}

		switch {
		case strings.HasPrefix(line, ":"):
			// comment line, ignored
		case strings.HasPrefix(line, "event:"):
			ev.Type = strings.TrimSpace(strings.TrimPrefix(line, "event:"))
		case strings.HasPrefix(line, "data:"):
			dataLines = append(dataLines, strings.TrimSpace(strings.TrimPrefix(line, "data:")))
		}
		// id: and retry: fields are intentionally ignored
	}

	if err := r.scanner.Err(); err != nil {
		return Event{}, err
	}
	if len(dataLines) > 0 || ev.Type != "" {
		// Stream closed without the terminating blank line.
		return Event{}, io.ErrUnexpectedEOF
	}
	return Event{}, io.EOF
}
