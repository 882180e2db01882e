// Package llmprovider defines the C2 provider-adapter boundary: a uniform
// interface over upstream chat-completion APIs, plus the capability
// registry that tells the rest of the gateway what a given provider/model
// combination supports.
package llmprovider

import (
	"context"

	"llmgateway/internal/domain"
)

// Request is the provider-agnostic request built by the conversation
// builder (C6) for a single model call.
type Request struct {
	Model       string
	Messages    []domain.Message
	Tools       []domain.Tool
	System      string
	MaxTokens   int
	Temperature *float64
	// ToolChoice constrains tool use for this call: "", "auto", "none", or
	// "required". The orchestrator sets "none" on a forced wrap-up round.
	ToolChoice string
	// PreviousResponseID references the provider's prior response so the
	// request can omit already-delivered history (§4.5 rule 2). Adapters
	// whose dialect has no such field ignore it.
	PreviousResponseID string
	// ReasoningEffort/Verbosity are only set when the capability registry
	// reports the model supports reasoning controls; adapters drop them
	// from the wire body otherwise.
	ReasoningEffort string
	Verbosity       string
	// CachePoints marks message indices the prompt-cache annotator (C10)
	// has flagged as stable prefixes worth a provider cache hint.
	CachePoints []int
}

// Result is a single non-streamed completion, returned by Complete when a
// caller opted out of upstream streaming (provider_stream=false).
type Result struct {
	Content      string
	Reasoning    string
	ToolCalls    []domain.ToolCall
	FinishReason domain.FinishReason
	ResponseID   string
	Usage        domain.Usage
}

// Provider executes single model calls, streamed or blocking, and reports
// what it supports.
type Provider interface {
	Name() string
	SupportsModel(model string) bool
	Stream(ctx context.Context, req Request) (<-chan domain.StreamEvent, error)
	Complete(ctx context.Context, req Request) (*Result, error)
}

// Capabilities describes what a provider/model pair supports, backing the
// conversation builder's reasoning gating and context-window warning, the
// prompt-cache annotator, and the chat handler's previous_response_id check.
// SupportsTools is loaded but not read.
type Capabilities struct {
	SupportsTools              bool
	SupportsReasoning          bool
	SupportsPromptCaching      bool
	SupportsPreviousResponseID bool
	ContextWindow              int
}
