// Package openaicompat implements the C2 provider adapter for OpenAI and any
// OpenAI-wire-compatible endpoint (Azure OpenAI, most local model servers),
// built directly over net/http and the gateway's own SSE decoder rather than
// a vendor SDK, matching the shape of the teacher's openrouter_adapter.go.
package openaicompat

// message is the wire format for a single chat message, covering every role
// this adapter emits: system/user carry Content only, assistant carries
// ToolCalls, tool carries ToolCallID.
type message struct {
	Role       string     `json:"role"`
	Content    string     `json:"content,omitempty"`
	ToolCalls  []toolCall `json:"tool_calls,omitempty"`
	ToolCallID string     `json:"tool_call_id,omitempty"`
}

type toolCall struct {
	ID       string       `json:"id"`
	Type     string       `json:"type"`
	Function toolFunction `json:"function"`
}

type toolFunction struct {
	Name      string `json:"name"`
	Arguments string `json:"arguments"`
}

type toolDefinition struct {
	Type     string             `json:"type"`
	Function functionDefinition `json:"function"`
}

type functionDefinition struct {
	Name        string                 `json:"name"`
	Description string                 `json:"description,omitempty"`
	Parameters  map[string]interface{} `json:"parameters,omitempty"`
}

// chatRequest is the chat/completions request body. Only keys on this
// struct ever reach the wire; anything the gateway's internal request
// carries beyond them is dropped here, per the adapter allow-list rule.
type chatRequest struct {
	Model              string           `json:"model"`
	Messages           []message        `json:"messages"`
	Tools              []toolDefinition `json:"tools,omitempty"`
	ToolChoice         string           `json:"tool_choice,omitempty"`
	MaxTokens          int              `json:"max_tokens,omitempty"`
	Temperature        *float64         `json:"temperature,omitempty"`
	Stream             bool             `json:"stream"`
	StreamOptions      *streamOptions   `json:"stream_options,omitempty"`
	PreviousResponseID string           `json:"previous_response_id,omitempty"`
	ReasoningEffort    string           `json:"reasoning_effort,omitempty"`
	Verbosity          string           `json:"verbosity,omitempty"`
}

// chatResponse is the non-streaming chat/completions response body.
type chatResponse struct {
	ID      string `json:"id"`
	Choices []struct {
		Message struct {
			Role      string     `json:"role"`
			Content   string     `json:"content"`
			Reasoning string     `json:"reasoning"`
			ToolCalls []toolCall `json:"tool_calls"`
		} `json:"message"`
		FinishReason string `json:"finish_reason"`
	} `json:"choices"`
	Usage *struct {
		PromptTokens     int `json:"prompt_tokens"`
		CompletionTokens int `json:"completion_tokens"`
	} `json:"usage"`
}

type streamOptions struct {
	IncludeUsage bool `json:"include_usage"`
}

// streamChunk is one decoded SSE data payload from the streaming endpoint.
type streamChunk struct {
	ID      string `json:"id"`
	Choices []struct {
		Index        int      `json:"index"`
		Delta        delta    `json:"delta"`
		FinishReason string   `json:"finish_reason"`
	} `json:"choices"`
	Usage *struct {
		PromptTokens     int `json:"prompt_tokens"`
		CompletionTokens int `json:"completion_tokens"`
	} `json:"usage"`
}

// delta is the incremental content of one streamed choice. OpenAI streams
// tool-call arguments as JSON fragments keyed by Index, never repeating ID
// once the call has started, so the assembler's index-keyed accumulation
// applies directly.
type delta struct {
	Role      string          `json:"role,omitempty"`
	Content   string          `json:"content,omitempty"`
	ToolCalls []toolCallDelta `json:"tool_calls,omitempty"`
}

type toolCallDelta struct {
	Index    int                  `json:"index"`
	ID       string               `json:"id,omitempty"`
	Function toolFunctionDelta    `json:"function"`
}

type toolFunctionDelta struct {
	Name      string `json:"name,omitempty"`
	Arguments string `json:"arguments,omitempty"`
}

// errorBody is the envelope OpenAI-compatible APIs use to report failures in
// the response body on non-2xx status codes.
type errorBody struct {
	Error struct {
		Message string `json:"message"`
		Type    string `json:"type"`
		Code    string `json:"code"`
	} `json:"error"`
}
