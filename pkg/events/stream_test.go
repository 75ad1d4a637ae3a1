package events

import (
	"context"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestStreamOrdering(t *testing.T) {
	s := NewStream(16)
	em := NewEmitter("sess-1")

	s.Publish(em.StepStart(1, 10, "working"))
	s.Publish(em.ToolCall(1, "WebSearchTool", map[string]any{"query": "go"}))
	s.Publish(em.StepEnd(1, "completed"))
	s.Close()

	ctx := context.Background()
	var kinds []string
	for {
		ev, ok := s.Next(ctx)
		if !ok {
			break
		}
		kinds = append(kinds, ev.Kind)
	}
	assert.Equal(t, []string{KindStepStart, KindToolCall, KindStepEnd}, kinds)
}

func TestStreamCoalescesMessageDeltasWhenFull(t *testing.T) {
	s := NewStream(2)
	em := NewEmitter("sess-1")

	require.True(t, s.Publish(em.StepStart(1, 10, "")))
	require.True(t, s.Publish(em.Message("hel")))
	// Buffer full; further deltas fold into the pending message.
	require.True(t, s.Publish(em.Message("lo ")))
	require.True(t, s.Publish(em.Message("world")))
	s.Close()

	ctx := context.Background()
	ev, ok := s.Next(ctx)
	require.True(t, ok)
	assert.Equal(t, KindStepStart, ev.Kind)

	ev, ok = s.Next(ctx)
	require.True(t, ok)
	content, found := deltaContent(ev)
	require.True(t, found)
	assert.Equal(t, "hello world", content)

	_, ok = s.Next(ctx)
	assert.False(t, ok)
}

func TestStreamBlocksTypedEventsUntilDrained(t *testing.T) {
	s := NewStream(1)
	em := NewEmitter("sess-1")
	require.True(t, s.Publish(em.StepStart(1, 10, "")))

	published := make(chan struct{})
	go func() {
		s.Publish(em.StepEnd(1, "completed"))
		close(published)
	}()

	select {
	case <-published:
		t.Fatal("typed event published into a full buffer")
	case <-time.After(20 * time.Millisecond):
	}

	_, ok := s.Next(context.Background())
	require.True(t, ok)

	select {
	case <-published:
	case <-time.After(time.Second):
		t.Fatal("producer never unblocked")
	}
}

func TestStreamDetachDropsPublishes(t *testing.T) {
	s := NewStream(4)
	em := NewEmitter("sess-1")
	s.Detach()
	assert.False(t, s.Publish(em.StepStart(1, 10, "")))
}

func TestNextRespectsContext(t *testing.T) {
	s := NewStream(4)
	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	_, ok := s.Next(ctx)
	assert.False(t, ok)
}

func TestHubAttach(t *testing.T) {
	h := NewHub()
	s := NewStream(4)

	go func() {
		time.Sleep(10 * time.Millisecond)
		h.Register("sess-1", s)
	}()

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	attached, ok := h.Attach(ctx, "sess-1")
	require.True(t, ok)
	assert.Same(t, s, attached)

	h.Unregister("sess-1")
	shortCtx, cancel2 := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel2()
	_, ok = h.Attach(shortCtx, "sess-1")
	assert.False(t, ok)
}

func TestEmitterPayloads(t *testing.T) {
	em := NewEmitter("sess-9")

	ev := em.StepStart(3, 15, "searching")
	assert.Equal(t, 3, ev.Data["step"])
	assert.Equal(t, 15, ev.Data["max_steps"])
	assert.Equal(t, "running", ev.Data["status"])

	long := strings.Repeat("x", 5000)
	ev = em.ToolResult(3, "WebSearchTool", long, true)
	assert.Len(t, ev.Data["result"], 2000)

	ev = em.Thinking(3, long)
	assert.Len(t, ev.Data["content"], 1000)

	// The done frame carries the finish reason and nothing else.
	ev = em.Done("stop")
	assert.Equal(t, map[string]any{"finish_reason": "stop"}, ev.Data)
}

func TestSSEWriterFrames(t *testing.T) {
	var sb strings.Builder
	sw := NewSSEWriter(&sb)

	require.NoError(t, sw.WriteComment("session_id=abc"))
	require.NoError(t, sw.WriteEvent(Event{Kind: KindDone, Data: map[string]any{"finish_reason": "stop"}}))
	require.NoError(t, sw.WriteDone())

	out := sb.String()
	assert.Contains(t, out, ": session_id=abc\n\n")
	assert.Contains(t, out, "event: done\ndata: {\"finish_reason\":\"stop\"}\n\n")
	assert.True(t, strings.HasSuffix(out, "data: [DONE]\n\n"))
}
