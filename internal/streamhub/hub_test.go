package streamhub

import (
	"bytes"
	"context"
	"encoding/json"
	"strings"
	"sync"
	"testing"
	"time"

	"llmgateway/internal/domain"
	"llmgateway/internal/sse"
)

type memStore struct {
	mu     sync.Mutex
	events map[string][]Event
}

func newMemStore() *memStore { return &memStore{events: make(map[string][]Event)} }

func (s *memStore) Append(ctx context.Context, conversationID string, evt Event) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.events[conversationID] = append(s.events[conversationID], evt)
	return nil
}

func (s *memStore) Since(ctx context.Context, conversationID string, afterSeq int64) ([]Event, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []Event
	for _, e := range s.events[conversationID] {
		if e.Seq > afterSeq {
			out = append(out, e)
		}
	}
	return out, nil
}

func TestPublishFansOutToMultipleSubscribers(t *testing.T) {
	hub := NewHub(nil, nil)
	ctx := context.Background()

	var buf1, buf2 bytes.Buffer
	streamCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	done := make(chan struct{}, 2)
	go func() { hub.Stream(streamCtx, "conv-1", "client-a", &buf1, 0, time.Hour); done <- struct{}{} }()
	go func() { hub.Stream(streamCtx, "conv-1", "client-b", &buf2, 0, time.Hour); done <- struct{}{} }()

	time.Sleep(20 * time.Millisecond) // let both subscribers register
	hub.Publish(ctx, "conv-1", Event{Type: EventChunk, Data: `{"id":"conv-1","choices":[{"delta":{"content":"hi"}}]}`})
	time.Sleep(20 * time.Millisecond)
	hub.Close("conv-1")

	<-done
	<-done

	if !strings.Contains(buf1.String(), "hi") {
		t.Errorf("expected subscriber A to receive the event, got %q", buf1.String())
	}
	if !strings.Contains(buf2.String(), "hi") {
		t.Errorf("expected subscriber B to receive the event, got %q", buf2.String())
	}
}

func TestStreamReplaysCatchupEventsFromStore(t *testing.T) {
	store := newMemStore()
	hub := NewHub(store, nil)
	ctx := context.Background()

	hub.Publish(ctx, "conv-2", Event{Type: EventChunk, Data: `{"one":1}`})
	hub.Publish(ctx, "conv-2", Event{Type: EventChunk, Data: `{"two":2}`})
	hub.Close("conv-2")

	var buf bytes.Buffer
	streamCtx, cancel := context.WithCancel(ctx)
	cancel() // the topic was already closed; cancel immediately after catchup replays

	// Run synchronously: catchup happens before the live-subscribe loop, so
	// even a pre-cancelled context still sees the replayed events.
	_ = hub.Stream(streamCtx, "conv-2", "client-a", &buf, 0, time.Hour)

	out := buf.String()
	if !strings.Contains(out, "one") || !strings.Contains(out, "two") {
		t.Errorf("expected both catchup events replayed, got %q", out)
	}
}

func TestTerminatorFrameIsBareDoneLiteral(t *testing.T) {
	var buf bytes.Buffer
	evt := Terminator()
	evt.Seq = 42 // must not leak into the frame
	frame := evt.Frame()
	if frame.ID != "" || frame.Event != "" {
		t.Errorf("terminator frame must be data-only, got %+v", frame)
	}
	if err := sse.Encode(&buf, frame); err != nil {
		t.Fatalf("encode: %v", err)
	}
	if got := buf.String(); got != "data: [DONE]\n\n" {
		t.Errorf("terminator wire form = %q, want %q", got, "data: [DONE]\n\n")
	}
}

func TestChunkEncoderShapesEvents(t *testing.T) {
	enc := NewChunkEncoder("conv-9", "test-model")

	text := "hel"
	evt := enc.Encode(domain.StreamEvent{TextDelta: &text})
	if evt == nil {
		t.Fatal("expected a chunk for a text delta")
	}
	var chunk struct {
		ID      string `json:"id"`
		Object  string `json:"object"`
		Model   string `json:"model"`
		Choices []struct {
			Delta struct {
				Role    string `json:"role"`
				Content string `json:"content"`
			} `json:"delta"`
			FinishReason *string `json:"finish_reason"`
		} `json:"choices"`
	}
	if err := json.Unmarshal([]byte(evt.Data), &chunk); err != nil {
		t.Fatalf("chunk is not JSON: %v", err)
	}
	if chunk.Object != "chat.completion.chunk" || chunk.ID != "conv-9" || chunk.Model != "test-model" {
		t.Errorf("unexpected chunk envelope: %+v", chunk)
	}
	if chunk.Choices[0].Delta.Content != "hel" || chunk.Choices[0].Delta.Role != "assistant" {
		t.Errorf("first chunk should carry the delta and the assistant role, got %+v", chunk.Choices[0])
	}

	// Fragmented internal events have no wire shape.
	frag := "{\"a\":"
	if evt := enc.Encode(domain.StreamEvent{ArgsDelta: &frag}); evt != nil {
		t.Errorf("fragmented tool-call deltas must not reach the wire, got %+v", evt)
	}
	if evt := enc.Encode(domain.StreamEvent{Done: &domain.DoneEvent{FinishReason: domain.FinishStop}}); evt != nil {
		t.Errorf("per-round done markers must not reach the wire, got %+v", evt)
	}

	calls := enc.Encode(domain.StreamEvent{ToolCalls: []domain.ToolCall{{ID: "c1", Name: "get_time", Arguments: "{}"}}})
	if calls == nil || !strings.Contains(calls.Data, `"tool_calls"`) || !strings.Contains(calls.Data, `"arguments":"{}"`) {
		t.Errorf("whole tool calls should land on delta.tool_calls, got %+v", calls)
	}

	output := enc.Encode(domain.StreamEvent{ToolOutput: &domain.ToolOutputEvent{ToolCallID: "c1", Name: "get_time", Output: "midnight"}})
	if output == nil || !strings.Contains(output.Data, `"tool_output"`) || !strings.Contains(output.Data, `"tool_call_id":"c1"`) {
		t.Errorf("tool outputs should land on delta.tool_output, got %+v", output)
	}

	final := enc.FinalChunk(domain.FinishStop, &domain.Usage{InputTokens: 3, OutputTokens: 5})
	if !strings.Contains(final.Data, `"finish_reason":"stop"`) || !strings.Contains(final.Data, `"completion_tokens":5`) {
		t.Errorf("final chunk should carry finish_reason and usage, got %q", final.Data)
	}
	var finalChunk struct {
		Choices []struct {
			Delta map[string]interface{} `json:"delta"`
		} `json:"choices"`
	}
	if err := json.Unmarshal([]byte(final.Data), &finalChunk); err != nil {
		t.Fatalf("final chunk is not JSON: %v", err)
	}
	if len(finalChunk.Choices[0].Delta) != 0 {
		t.Errorf("final chunk's delta must be empty, got %+v", finalChunk.Choices[0].Delta)
	}

	meta := ConversationEvent(ConversationMeta{ID: "conv-9", Seq: 2})
	if meta.Type != EventConversation || !strings.Contains(meta.Data, `"_conversation"`) {
		t.Errorf("unexpected conversation frame: %+v", meta)
	}
}
