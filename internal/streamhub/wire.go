package streamhub

import (
	"encoding/json"
	"time"

	"llmgateway/internal/domain"
)

// The downstream wire format is the OpenAI chat.completion.chunk shape,
// extended on delta with whole tool_calls and tool_output per spec, plus a
// top-level _conversation metadata frame. Clients written against OpenAI's
// streaming contract can consume the gateway unchanged.

type wireToolCall struct {
	Index    int    `json:"index"`
	ID       string `json:"id"`
	Type     string `json:"type"`
	Function struct {
		Name      string `json:"name"`
		Arguments string `json:"arguments"`
	} `json:"function"`
}

type wireDelta struct {
	Role       string                  `json:"role,omitempty"`
	Content    string                  `json:"content,omitempty"`
	Reasoning  string                  `json:"reasoning,omitempty"`
	ToolCalls  []wireToolCall          `json:"tool_calls,omitempty"`
	ToolOutput *domain.ToolOutputEvent `json:"tool_output,omitempty"`
}

type wireChoice struct {
	Index        int       `json:"index"`
	Delta        wireDelta `json:"delta"`
	FinishReason *string   `json:"finish_reason"`
}

type wireUsage struct {
	PromptTokens     int `json:"prompt_tokens"`
	CompletionTokens int `json:"completion_tokens"`
}

type wireChunk struct {
	ID      string       `json:"id"`
	Object  string       `json:"object"`
	Created int64        `json:"created"`
	Model   string       `json:"model"`
	Choices []wireChoice `json:"choices"`
	Usage   *wireUsage   `json:"usage,omitempty"`
}

// ConversationMeta is the _conversation frame's payload: the conversation
// identity and attribute snapshot a client needs to address follow-up
// requests, emitted at most once per turn and always before [DONE].
type ConversationMeta struct {
	ID                   string    `json:"id"`
	Title                string    `json:"title"`
	Model                string    `json:"model"`
	CreatedAt            time.Time `json:"created_at"`
	ToolsEnabled         bool      `json:"tools_enabled"`
	ActiveTools          []string  `json:"active_tools,omitempty"`
	ActiveSystemPromptID string    `json:"active_system_prompt_id,omitempty"`
	Seq                  int       `json:"seq"`
	UserMessageID        string    `json:"user_message_id,omitempty"`
	AssistantMessageID   string    `json:"assistant_message_id,omitempty"`
}

// ChunkEncoder renders a turn's domain events as OpenAI-shaped chunk
// frames. One encoder serves one turn; it is not safe for concurrent use.
type ChunkEncoder struct {
	id      string
	model   string
	created int64
	started bool
}

// NewChunkEncoder constructs an encoder stamping every chunk with id (the
// conversation id; clients correlate frames with it) and model.
func NewChunkEncoder(id, model string) *ChunkEncoder {
	return &ChunkEncoder{id: id, model: model, created: time.Now().Unix()}
}

func (e *ChunkEncoder) chunk(delta wireDelta, finish *string, usage *wireUsage) Event {
	if !e.started && finish == nil {
		delta.Role = "assistant"
		e.started = true
	}
	c := wireChunk{
		ID:      e.id,
		Object:  "chat.completion.chunk",
		Created: e.created,
		Model:   e.model,
		Choices: []wireChoice{{Delta: delta, FinishReason: finish}},
		Usage:   usage,
	}
	return Event{Type: EventChunk, Data: mustJSON(c)}
}

// Encode translates one internal stream event into its downstream frame,
// or nil for events with no wire representation (fragmented tool-call
// deltas, per-round done markers — the spec sends whole tool calls and a
// single final chunk instead).
func (e *ChunkEncoder) Encode(se domain.StreamEvent) *Event {
	switch {
	case se.TextDelta != nil:
		evt := e.chunk(wireDelta{Content: *se.TextDelta}, nil, nil)
		return &evt
	case se.ReasoningDelta != nil:
		evt := e.chunk(wireDelta{Reasoning: *se.ReasoningDelta}, nil, nil)
		return &evt
	case len(se.ToolCalls) > 0:
		calls := make([]wireToolCall, 0, len(se.ToolCalls))
		for _, tc := range se.ToolCalls {
			wc := wireToolCall{Index: tc.Index, ID: tc.ID, Type: "function"}
			wc.Function.Name = tc.Name
			wc.Function.Arguments = tc.Arguments
			calls = append(calls, wc)
		}
		evt := e.chunk(wireDelta{ToolCalls: calls}, nil, nil)
		return &evt
	case se.ToolOutput != nil:
		evt := e.chunk(wireDelta{ToolOutput: se.ToolOutput}, nil, nil)
		return &evt
	default:
		return nil
	}
}

// ErrorChunk renders a human-readable error line as assistant content, used
// on the Failed path before the final chunk and [DONE].
func (e *ChunkEncoder) ErrorChunk(message string) Event {
	return e.chunk(wireDelta{Content: message}, nil, nil)
}

// FinalChunk renders the turn's single closing chunk: an empty delta with
// the finish reason, and token usage when known.
func (e *ChunkEncoder) FinalChunk(finish domain.FinishReason, usage *domain.Usage) Event {
	reason := string(finish)
	var wu *wireUsage
	if usage != nil {
		wu = &wireUsage{PromptTokens: usage.InputTokens, CompletionTokens: usage.OutputTokens}
	}
	return e.chunk(wireDelta{}, &reason, wu)
}

// ConversationEvent renders the _conversation metadata frame.
func ConversationEvent(meta ConversationMeta) Event {
	return Event{Type: EventConversation, Data: mustJSON(map[string]ConversationMeta{"_conversation": meta})}
}

func mustJSON(v interface{}) string {
	b, err := json.Marshal(v)
	if err != nil {
		return "{}"
	}
	return string(b)
}
