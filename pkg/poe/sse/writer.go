package sse

import (
	"fmt"
	"io"
	"strings"
)

// Writer emits SSE events to an io.Writer. When the underlying writer
// supports flushing (http.ResponseWriter does), each event is flushed so
// consumers see it immediately.
type Writer struct {
	w io.Writer
	f flusher
}

type flusher interface{ Flush() }

func NewWriter(w io.Writer) *Writer {
	sw := &Writer{w: w}
	if f, ok := w.(flusher); ok {
		sw.f = f
	}
	return sw
}

// WriteEvent writes one event. Multi-line data is split across data: lines
// per the SSE framing rules.
func (w *Writer) WriteEvent(ev Event) error {
	if ev.Type != "" {
		if _, err := fmt.Fprintf(w.w, "event: %s\n", ev.Type); err != nil {
			return err
		}
	}
	for _, line := range strings.Split(ev.Data, "\n") {
		if _, err := fmt.Fprintf(w.w, "data: %s\n", line); err != nil {
			return err
		}
	}
	if _, err := io.WriteString(w.w, "\n"); err != nil {
		return err
	}
	if w.f != nil {
		w.f.Flush()
	}
	return nil
}
