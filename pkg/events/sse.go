package events

import (
	"encoding/json"
	"fmt"
	"io"
	"net/http"
)

// SSEWriter encodes events as server-sent-event frames, flushing after each
// write when the underlying writer supports it.
type SSEWriter struct {
	w       io.Writer
	flusher http.Flusher
}

func NewSSEWriter(w io.Writer) *SSEWriter {
	sw := &SSEWriter{w: w}
	if f, ok := w.(http.Flusher); ok {
		sw.flusher = f
	}
	return sw
}

// WriteComment emits an SSE comment line. The gateway uses it to surface the
// session id before any event.
func (sw *SSEWriter) WriteComment(comment string) error {
	if _, err := fmt.Fprintf(sw.w, ": %s\n\n", comment); err != nil {
		return err
	}
	sw.flush()
	return nil
}

// WriteEvent emits one "event: kind / data: json" frame.
func (sw *SSEWriter) WriteEvent(ev Event) error {
	payload, err := json.Marshal(ev.Data)
	if err != nil {
		return fmt.Errorf("failed to encode event payload: %w", err)
	}
	if _, err := fmt.Fprintf(sw.w, "event: %s\ndata: %s\n\n", ev.Kind, payload); err != nil {
		return err
	}
	sw.flush()
	return nil
}

// WriteDone emits the terminal "data: [DONE]" line every stream ends with.
func (sw *SSEWriter) WriteDone() error {
	if _, err := fmt.Fprint(sw.w, "data: [DONE]\n\n"); err != nil {
		return err
	}
	sw.flush()
	return nil
}

func (sw *SSEWriter) flush() {
	if sw.flusher != nil {
		sw.flusher.Flush()
	}
}
