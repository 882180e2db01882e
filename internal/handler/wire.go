package handler

import (
	"time"

	"llmgateway/internal/domain"
	"llmgateway/internal/streamhub"
)

// ToolEvent is one entry in the non-streaming response's tool_events log,
// preserving the order tool calls and their outputs were produced in.
type ToolEvent struct {
	Type       string                  `json:"type"` // "tool_calls" | "tool_output"
	ToolCalls  []domain.ToolCall       `json:"tool_calls,omitempty"`
	ToolOutput *domain.ToolOutputEvent `json:"tool_output,omitempty"`
}

type syncToolCall struct {
	Index    int    `json:"index"`
	ID       string `json:"id"`
	Type     string `json:"type"`
	Function struct {
		Name      string `json:"name"`
		Arguments string `json:"arguments"`
	} `json:"function"`
}

type syncMessage struct {
	Role      string         `json:"role"`
	Content   string         `json:"content"`
	Reasoning string         `json:"reasoning,omitempty"`
	ToolCalls []syncToolCall `json:"tool_calls,omitempty"`
}

type syncChoice struct {
	Index        int         `json:"index"`
	Message      syncMessage `json:"message"`
	FinishReason string      `json:"finish_reason"`
}

type syncUsage struct {
	PromptTokens     int `json:"prompt_tokens"`
	CompletionTokens int `json:"completion_tokens"`
}

// syncResponse is the non-streaming body: the standard chat.completion
// shape plus the turn's tool-event log and the conversation snapshot.
type syncResponse struct {
	ID           string                      `json:"id"`
	Object       string                      `json:"object"`
	Created      int64                       `json:"created"`
	Model        string                      `json:"model"`
	Choices      []syncChoice                `json:"choices"`
	Usage        *syncUsage                  `json:"usage,omitempty"`
	ToolEvents   []ToolEvent                 `json:"tool_events"`
	Conversation streamhub.ConversationMeta  `json:"_conversation"`
}

func newSyncResponse(turn *turnState, assistant *domain.Message, meta streamhub.ConversationMeta) syncResponse {
	msg := syncMessage{Role: string(domain.RoleAssistant), Content: assistant.Content}
	if assistant.Reasoning != nil {
		msg.Reasoning = *assistant.Reasoning
	}
	for _, tc := range assistant.ToolCalls {
		stc := syncToolCall{Index: tc.Index, ID: tc.ID, Type: "function"}
		stc.Function.Name = tc.Name
		stc.Function.Arguments = tc.Arguments
		msg.ToolCalls = append(msg.ToolCalls, stc)
	}

	finish := string(domain.FinishStop)
	if assistant.FinishReason != nil {
		finish = string(*assistant.FinishReason)
	}

	resp := syncResponse{
		ID:      turn.conv.ID,
		Object:  "chat.completion",
		Created: time.Now().Unix(),
		Model:   turn.tc.Model,
		Choices: []syncChoice{{Message: msg, FinishReason: finish}},
		ToolEvents: func() []ToolEvent {
			if turn.toolEvents == nil {
				return []ToolEvent{}
			}
			return turn.toolEvents
		}(),
		Conversation: meta,
	}
	if turn.usage != nil {
		resp.Usage = &syncUsage{PromptTokens: turn.usage.InputTokens, CompletionTokens: turn.usage.OutputTokens}
	}
	return resp
}
