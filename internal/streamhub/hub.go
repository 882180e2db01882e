// Package streamhub implements C8: fan-out of a single turn's stream to
// every subscribed client, keepalive comments so idle connections survive
// proxies, and reconnect catchup by replaying persisted events. Grounded on
// the teacher's internal/handler/sse_handler.go (the channel-fan-out +
// keepalive-ticker select loop) and TurnExecutor's client-map broadcast
// pattern in internal/service/llm/turn_executor.go, generalized from a
// single in-process executor registry to a hub keyed by conversation ID
// with pluggable persisted catchup.
package streamhub

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"time"

	"llmgateway/internal/sse"
)

// EventType categorizes a persisted stream event; the wire itself carries
// only data frames (the payload shape distinguishes chunks from metadata).
type EventType string

const (
	// EventChunk is an OpenAI-shaped chat.completion.chunk payload.
	EventChunk EventType = "chunk"
	// EventConversation is the out-of-band _conversation metadata frame.
	EventConversation EventType = "conversation"
	// EventTerminator is the literal [DONE] sentinel ending a turn.
	EventTerminator EventType = "terminator"
)

// Event is one sequenced message a conversation's stream produces. Seq is
// assigned by the Hub in publish order and is what reconnecting clients
// use as the SSE "Last-Event-ID".
type Event struct {
	Seq  int64     `json:"seq"`
	Type EventType `json:"type"`
	Data string    `json:"data"` // payload, shape depends on Type
}

// Terminator is the turn-ending sentinel event; its frame is the literal
// `data: [DONE]` with no id line attached.
func Terminator() Event {
	return Event{Type: EventTerminator, Data: sse.Done}
}

// Frame renders e as an SSE frame with no event line: downstream consumers key off
// data lines alone, and the terminator stays the bare literal the contract
// requires. The seq id line is attached to every other frame so a
// reconnecting client can resume from its Last-Event-ID.
func (e Event) Frame() sse.Frame {
	if e.Type == EventTerminator {
		return sse.Frame{Data: e.Data}
	}
	return sse.Frame{Data: e.Data, ID: fmt.Sprintf("%d", e.Seq)}
}

// Store persists a conversation's events so a client that reconnects mid-
// turn can catch up instead of missing everything emitted before it
// subscribed. Implemented by internal/repopg against Postgres.
type Store interface {
	Append(ctx context.Context, conversationID string, evt Event) error
	Since(ctx context.Context, conversationID string, afterSeq int64) ([]Event, error)
}

// Hub fans out one conversation's events to any number of subscribed SSE
// clients and assigns each event its sequence number.
type Hub struct {
	mu     sync.Mutex
	topics map[string]*topic
	store  Store
	logger *slog.Logger
}

type topic struct {
	mu          sync.Mutex
	subscribers map[string]chan Event
	lastSeq     int64
	closed      bool
}

// NewHub constructs a Hub. store may be nil, in which case reconnect
// catchup silently returns no prior events (acceptable for providers or
// deployments that don't need mid-turn resume).
func NewHub(store Store, logger *slog.Logger) *Hub {
	if logger == nil {
		logger = slog.Default()
	}
	return &Hub{topics: make(map[string]*topic), store: store, logger: logger}
}

func (h *Hub) topicFor(conversationID string) *topic {
	h.mu.Lock()
	defer h.mu.Unlock()
	t, ok := h.topics[conversationID]
	if !ok {
		t = &topic{subscribers: make(map[string]chan Event)}
		h.topics[conversationID] = t
	}
	return t
}

// Publish assigns evt the next sequence number for conversationID,
// persists it (if a Store is configured), and delivers it to every
// currently subscribed client. A slow client that can't keep up has its
// event dropped rather than blocking the whole turn; it will pick up the
// gap via catchup on reconnect.
func (h *Hub) Publish(ctx context.Context, conversationID string, evt Event) {
	t := h.topicFor(conversationID)

	t.mu.Lock()
	t.lastSeq++
	evt.Seq = t.lastSeq
	subscribers := make([]chan Event, 0, len(t.subscribers))
	for _, ch := range t.subscribers {
		subscribers = append(subscribers, ch)
	}
	t.mu.Unlock()

	if h.store != nil {
		if err := h.store.Append(ctx, conversationID, evt); err != nil {
			h.logger.Error("failed to persist stream event", "conversation_id", conversationID, "error", err)
		}
	}

	for _, ch := range subscribers {
		select {
		case ch <- evt:
		default:
			h.logger.Warn("dropping event for slow subscriber", "conversation_id", conversationID, "seq", evt.Seq)
		}
	}
}

// Close ends a conversation's stream, closing every subscriber channel and
// discarding the topic. Call once the orchestrator's loop terminates.
func (h *Hub) Close(conversationID string) {
	h.mu.Lock()
	t, ok := h.topics[conversationID]
	delete(h.topics, conversationID)
	h.mu.Unlock()
	if !ok {
		return
	}

	t.mu.Lock()
	t.closed = true
	for id, ch := range t.subscribers {
		close(ch)
		delete(t.subscribers, id)
	}
	t.mu.Unlock()
}

// Subscribe registers clientID for conversationID's live events. The
// returned channel closes when the conversation's stream ends; callers
// that bail out early must call Unsubscribe. Subscribing before the first
// Publish guarantees no frame is missed.
func (h *Hub) Subscribe(conversationID, clientID string) <-chan Event {
	return h.subscribe(conversationID, clientID)
}

// Unsubscribe removes clientID's subscription and closes its channel.
func (h *Hub) Unsubscribe(conversationID, clientID string) {
	h.unsubscribe(conversationID, clientID)
}

func (h *Hub) subscribe(conversationID, clientID string) chan Event {
	t := h.topicFor(conversationID)
	ch := make(chan Event, 32)

	t.mu.Lock()
	defer t.mu.Unlock()
	if t.closed {
		close(ch)
		return ch
	}
	t.subscribers[clientID] = ch
	return ch
}

func (h *Hub) unsubscribe(conversationID, clientID string) {
	h.mu.Lock()
	t, ok := h.topics[conversationID]
	h.mu.Unlock()
	if !ok {
		return // topic already closed and discarded
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	if ch, ok := t.subscribers[clientID]; ok {
		close(ch)
		delete(t.subscribers, clientID)
	}
}

// Stream subscribes clientID to conversationID, first replaying any events
// persisted after afterSeq (reconnect catchup), then writing live events to
// w as SSE frames until the subscription closes, the context is cancelled,
// or a write fails (client disconnected). A keepalive comment is written
// every keepAlive interval of silence, matching the teacher's 15-second
// ticker.
func (h *Hub) Stream(ctx context.Context, conversationID, clientID string, w io.Writer, afterSeq int64, keepAlive time.Duration) error {
	if err := h.Catchup(ctx, conversationID, afterSeq, w); err != nil {
		return err
	}

	events := h.subscribe(conversationID, clientID)
	defer h.unsubscribe(conversationID, clientID)

	return h.Pump(ctx, events, w, keepAlive)
}

// Catchup replays the events persisted for conversationID after afterSeq
// to w, for a client reconnecting mid-turn. A store read failure degrades
// to live-only delivery rather than failing the stream; a write failure
// (client gone) is returned.
func (h *Hub) Catchup(ctx context.Context, conversationID string, afterSeq int64, w io.Writer) error {
	if h.store == nil {
		return nil
	}
	past, err := h.store.Since(ctx, conversationID, afterSeq)
	if err != nil {
		h.logger.Warn("catchup failed, client will receive live events only", "conversation_id", conversationID, "error", err)
		return nil
	}
	for _, evt := range past {
		if err := sse.Encode(w, evt.Frame()); err != nil {
			return err
		}
	}
	return nil
}

// Pump writes each event from events to w as an SSE frame until the
// channel closes, the context is cancelled, or a write fails, emitting a
// keepalive comment after every keepAlive interval of silence.
func (h *Hub) Pump(ctx context.Context, events <-chan Event, w io.Writer, keepAlive time.Duration) error {
	ticker := time.NewTicker(keepAlive)
	defer ticker.Stop()

	for {
		select {
		case evt, ok := <-events:
			if !ok {
				return nil
			}
			if err := sse.Encode(w, evt.Frame()); err != nil {
				return err
			}
		case <-ticker.C:
			if err := sse.Comment(w, "keepalive"); err != nil {
				return err
			}
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}
