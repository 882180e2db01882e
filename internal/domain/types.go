// Package domain holds the wire- and storage-independent data model for the
// gateway: conversations, messages, tool calls and their outputs, and the
// ephemeral per-request context the orchestrator threads through a turn.
package domain

import "time"

// Role identifies who produced a message.
type Role string

const (
	RoleSystem    Role = "system"
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
	RoleTool      Role = "tool"
)

// FinishReason is the provider-normalized reason a model stopped generating.
type FinishReason string

const (
	FinishStop      FinishReason = "stop"
	FinishLength    FinishReason = "length"
	FinishToolCalls FinishReason = "tool_calls"
	FinishContent   FinishReason = "content_filter"
	FinishError     FinishReason = "error"
)

// MessageStatus tracks a message's lifecycle within persistence.
type MessageStatus string

const (
	StatusStreaming MessageStatus = "streaming"
	StatusComplete  MessageStatus = "complete"
	StatusError     MessageStatus = "error"
	StatusCancelled MessageStatus = "cancelled"
)

// Conversation is a linear thread of messages, identified by a stable ID and
// optionally scoped to a parent (branching is out of scope; see Non-goals).
type Conversation struct {
	ID        string    `json:"id" db:"id"`
	UserID    string    `json:"user_id" db:"user_id"`
	Title     string    `json:"title" db:"title"`
	Model     string    `json:"model" db:"model"`
	Provider  string    `json:"provider" db:"provider"`
	CreatedAt time.Time `json:"created_at" db:"created_at"`
	UpdatedAt time.Time `json:"updated_at" db:"updated_at"`
}

// Message is one turn in a conversation: a system/user/assistant/tool entry
// with optional tool calls and outputs, matching the teacher's Turn+TurnBlock
// shape collapsed into a single row-per-message model.
type Message struct {
	ID             string        `json:"id" db:"id"`
	ConversationID string        `json:"conversation_id" db:"conversation_id"`
	Seq            int           `json:"seq" db:"seq"`
	PrevMessageID  *string       `json:"prev_message_id,omitempty" db:"prev_message_id"`
	Role           Role          `json:"role" db:"role"`
	Content        string        `json:"content,omitempty" db:"content"`
	ToolCalls      []ToolCall    `json:"tool_calls,omitempty" db:"-"`
	ToolOutputs    []ToolOutput  `json:"tool_outputs,omitempty" db:"-"`
	FinishReason   *FinishReason `json:"finish_reason,omitempty" db:"finish_reason"`
	Status         MessageStatus `json:"status" db:"status"`
	ResponseID     *string       `json:"response_id,omitempty" db:"response_id"`
	Reasoning      *string       `json:"reasoning,omitempty" db:"reasoning"`
	InputTokens    int           `json:"input_tokens,omitempty" db:"input_tokens"`
	OutputTokens   int           `json:"output_tokens,omitempty" db:"output_tokens"`
	Error          *string       `json:"error,omitempty" db:"error"`
	CreatedAt      time.Time     `json:"created_at" db:"created_at"`
	CompletedAt    *time.Time    `json:"completed_at,omitempty" db:"completed_at"`

	// CacheControl carries the prompt-cache annotator's (C10) marker, set
	// on a request's last message when the model supports prompt caching;
	// the Anthropic adapter turns it into a cache_control hint on that
	// message's last content block. Empty on every other message.
	CacheControl string `json:"-" db:"-"`
}

// ToolCall is a single invocation a model requested, with its arguments
// accumulated from streamed JSON fragments (see internal/assembler).
type ToolCall struct {
	ID        string `json:"id"`
	Name      string `json:"name"`
	Arguments string `json:"arguments"` // raw JSON object, "{}" if empty
	Index     int    `json:"index"`     // position among this message's tool calls
}

// ToolOutput is the result of executing a ToolCall, always referencing the
// call it answers (invariant I2 in spec.md).
type ToolOutput struct {
	ToolCallID string `json:"tool_call_id"`
	Content    string `json:"content"`
	IsError    bool   `json:"is_error"`
}

// Tool is a registry entry: the model-facing schema plus a local executor.
type Tool struct {
	Name        string
	Description string
	Parameters  map[string]interface{} // JSON Schema
}

// TurnContext carries the ephemeral, per-request state the orchestrator (C7)
// threads through a single HTTP request: the conversation being extended,
// the provider/model resolved for it, the tools available this turn, and the
// iteration counters governing the fixed-point loop.
type TurnContext struct {
	Conversation   *Conversation
	Provider       string
	Model          string
	Messages       []Message
	AvailableTools []Tool
	Iteration      int
	SoftLimit      int
	HardLimit      int
	MaxToolRounds  int

	// ParallelTools opts a turn into concurrent tool execution (§4.7); the
	// default is sequential. Concurrency is clamped to [1, hard cap] by the
	// executor, not here.
	ParallelTools bool
	// ToolConcurrency overrides the default parallel concurrency (3) when
	// ParallelTools is set and the request specified one explicitly.
	ToolConcurrency int
	// ToolBatchTimeout bounds a parallel tool batch; zero means the
	// executor's default.
	ToolBatchTimeout time.Duration

	// PreviousResponseID, when set, lets the conversation builder send only
	// the messages after the last persisted assistant turn and reference the
	// provider's prior response instead of replaying full history. Cleared
	// by the orchestrator's rebuild-and-retry path when the provider rejects
	// the id.
	PreviousResponseID string
	// ProviderStream selects streaming (true) or a single blocking
	// completion call (false) against the upstream; downstream streaming to
	// the client is independent of it.
	ProviderStream bool
	// ReasoningEffort/Verbosity are passed through to providers whose model
	// supports reasoning controls and silently dropped otherwise.
	ReasoningEffort string
	Verbosity       string
	// ToolChoice is the client's tool-use constraint ("auto"/"none"/
	// "required"); the orchestrator overrides it with "none" on a forced
	// wrap-up round.
	ToolChoice string
}

// ToolOutputEvent is the downstream-visible record of one executed tool
// call, emitted in canonical tool-call order regardless of completion order.
type ToolOutputEvent struct {
	ToolCallID string `json:"tool_call_id"`
	Name       string `json:"name"`
	Output     string `json:"output"`
	IsError    bool   `json:"is_error,omitempty"`
}

// StreamEvent is the internal union type produced by a provider adapter and
// consumed by the orchestrator/stream multiplexer. Exactly one of the typed
// fields is set per event.
type StreamEvent struct {
	TextDelta    *string
	ToolCallID   *string // set on tool-call start
	ToolCallName *string
	ArgsDelta    *string // incremental JSON fragment for the current tool call
	ToolCallIdx  int
	ReasoningDelta *string
	// ToolCalls carries an iteration's fully assembled tool calls, emitted
	// by the orchestrator once the upstream stream has drained (the C5
	// assembler only materializes whole calls at iteration end).
	ToolCalls  []ToolCall
	ToolOutput *ToolOutputEvent
	Usage      *Usage
	// ParseError reports an upstream payload that failed to decode. The
	// stream continues past it; the raw payload is preserved for logging.
	ParseError *ParseErrorEvent
	Done       *DoneEvent // terminal event for a single model call
	Err        error
}

// ParseErrorEvent carries a malformed upstream payload and the decode
// failure it produced.
type ParseErrorEvent struct {
	Raw string
	Err string
}

// Usage reports token accounting as the provider streams it.
type Usage struct {
	InputTokens  int
	OutputTokens int
}

// DoneEvent terminates a single model call (not necessarily the whole turn —
// the orchestrator may start another model call after executing tools).
type DoneEvent struct {
	FinishReason FinishReason
	ToolCalls    []ToolCall
	ResponseID   string
	// Malformed names tool calls the stream left without an id or function
	// name; they are dropped rather than executed, and the orchestrator
	// records the skip as an assistant content addendum.
	Malformed []string
}
