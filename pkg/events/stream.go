package events

import (
	"context"
	"sync"
)

// DefaultCapacity bounds the per-session event buffer.
const DefaultCapacity = 256

// Stream is the single-producer single-consumer event queue for one active
// session. The producer (worker) blocks when the buffer is full, except that
// consecutive message deltas are coalesced instead so step events never get
// starved behind text. Either side may close: the producer on run end, the
// consumer on client disconnect. Publishing to a consumer-closed stream
// silently drops, so the run always continues to persistence.
type Stream struct {
	mu       sync.Mutex
	cond     *sync.Cond
	buf      []Event
	capacity int
	closed   bool // producer finished
	detached bool // consumer went away
}

func NewStream(capacity int) *Stream {
	if capacity <= 0 {
		capacity = DefaultCapacity
	}
	s := &Stream{capacity: capacity}
	s.cond = sync.NewCond(&s.mu)
	return s
}

// Publish appends an event, blocking while the buffer is full. A full buffer
// with a pending message delta at the tail coalesces incoming message deltas
// into it. Returns false when the consumer has detached.
func (s *Stream) Publish(ev Event) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	for {
		if s.detached || s.closed {
			return false
		}
		if len(s.buf) < s.capacity {
			s.buf = append(s.buf, ev)
			s.cond.Broadcast()
			return true
		}
		if ev.Kind == KindMessage && s.coalesceLocked(ev) {
			return true
		}
		s.cond.Wait()
	}
}

// coalesceLocked folds a message delta into the tail message event.
func (s *Stream) coalesceLocked(ev Event) bool {
	tail := s.buf[len(s.buf)-1]
	if tail.Kind != KindMessage {
		return false
	}
	tailContent, ok1 := deltaContent(tail)
	newContent, ok2 := deltaContent(ev)
	if !ok1 || !ok2 {
		return false
	}
	setDeltaContent(tail, tailContent+newContent)
	return true
}

func deltaContent(ev Event) (string, bool) {
	choices, ok := ev.Data["choices"].([]any)
	if !ok || len(choices) == 0 {
		return "", false
	}
	choice, ok := choices[0].(map[string]any)
	if !ok {
		return "", false
	}
	delta, ok := choice["delta"].(map[string]any)
	if !ok {
		return "", false
	}
	content, ok := delta["content"].(string)
	return content, ok
}

func setDeltaContent(ev Event, content string) {
	if choices, ok := ev.Data["choices"].([]any); ok && len(choices) > 0 {
		if choice, ok := choices[0].(map[string]any); ok {
			if delta, ok := choice["delta"].(map[string]any); ok {
				delta["content"] = content
			}
		}
	}
}

// Next blocks for the next event. ok=false means the producer closed and the
// buffer drained, or ctx was cancelled.
func (s *Stream) Next(ctx context.Context) (Event, bool) {
	stop := context.AfterFunc(ctx, func() {
		s.mu.Lock()
		s.cond.Broadcast()
		s.mu.Unlock()
	})
	defer stop()

	s.mu.Lock()
	defer s.mu.Unlock()
	for {
		if len(s.buf) > 0 {
			ev := s.buf[0]
			s.buf = s.buf[1:]
			s.cond.Broadcast()
			return ev, true
		}
		if s.closed || s.detached || ctx.Err() != nil {
			return Event{}, false
		}
		s.cond.Wait()
	}
}

// Close marks the producer side finished. Buffered events remain readable.
func (s *Stream) Close() {
	s.mu.Lock()
	s.closed = true
	s.cond.Broadcast()
	s.mu.Unlock()
}

// Detach marks the consumer side gone; subsequent publishes drop.
func (s *Stream) Detach() {
	s.mu.Lock()
	s.detached = true
	s.buf = nil
	s.cond.Broadcast()
	s.mu.Unlock()
}

// Hub hands stream readers to the gateway: a worker registers the stream
// when it claims a session, the gateway attaches by session id.
type Hub struct {
	mu      sync.Mutex
	cond    *sync.Cond
	streams map[string]*Stream
}

func NewHub() *Hub {
	h := &Hub{streams: make(map[string]*Stream)}
	h.cond = sync.NewCond(&h.mu)
	return h
}

// Register publishes the stream for a session and wakes pending attachers.
func (h *Hub) Register(sessionID string, s *Stream) {
	h.mu.Lock()
	h.streams[sessionID] = s
	h.cond.Broadcast()
	h.mu.Unlock()
}

// Unregister removes the stream after a run ends.
func (h *Hub) Unregister(sessionID string) {
	h.mu.Lock()
	delete(h.streams, sessionID)
	h.mu.Unlock()
}

// Attach waits until a worker registers a stream for the session, or ctx
// expires.
func (h *Hub) Attach(ctx context.Context, sessionID string) (*Stream, bool) {
	stop := context.AfterFunc(ctx, func() {
		h.mu.Lock()
		h.cond.Broadcast()
		h.mu.Unlock()
	})
	defer stop()

	h.mu.Lock()
	defer h.mu.Unlock()
	for {
		if s, ok := h.streams[sessionID]; ok {
			return s, true
		}
		if ctx.Err() != nil {
			return nil, false
		}
		h.cond.Wait()
	}
}
