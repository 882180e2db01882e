package handler

import (
	"encoding/json"
	"fmt"

	validation "github.com/go-ozzo/ozzo-validation/v4"
	"github.com/gofiber/fiber/v2"

	"llmgateway/internal/domain"
)

// ChatMessage is one message in an incoming request body, matching the
// OpenAI-style chat/completions shape the public API mirrors.
type ChatMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

// ChatRequest is the body POST /v1/chat/completions accepts: the OpenAI
// chat-completion object extended with the gateway's conversation,
// orchestration, and tool-policy fields.
type ChatRequest struct {
	ConversationID     string        `json:"conversation_id,omitempty"`
	ProviderID         string        `json:"provider_id,omitempty"`
	PreviousResponseID string        `json:"previous_response_id,omitempty"`
	Model              string        `json:"model,omitempty"`
	Messages           []ChatMessage `json:"messages"`

	// Stream defaults to true; ProviderStream defaults to Stream's value,
	// letting a client stream downstream while the upstream call blocks.
	Stream         *bool `json:"stream,omitempty"`
	ProviderStream *bool `json:"provider_stream,omitempty"`

	// ResearchMode forces iterative orchestration when tools are present;
	// tools being present already triggers the loop, so the flag is
	// accepted for client compatibility and otherwise ignored: it is
	// neither stored nor consulted.
	ResearchMode bool `json:"research_mode,omitempty"`

	// Tools is either an array of registered tool names or an array of
	// inline OpenAI-style tool specs; see ParseTools.
	Tools                   json.RawMessage `json:"tools,omitempty"`
	ToolChoice              string          `json:"tool_choice,omitempty"`
	EnableParallelToolCalls bool            `json:"enable_parallel_tool_calls,omitempty"`
	ParallelToolConcurrency int             `json:"parallel_tool_concurrency,omitempty"`

	ReasoningEffort string `json:"reasoning_effort,omitempty"`
	Verbosity       string `json:"verbosity,omitempty"`

	SystemPrompt         string `json:"system_prompt,omitempty"`
	ActiveSystemPromptID string `json:"active_system_prompt_id,omitempty"`
}

// applyHeaders folds the request headers the API accepts as body-field
// alternatives into req; an explicit body field wins over its header.
func (r *ChatRequest) applyHeaders(c *fiber.Ctx) {
	if r.ConversationID == "" {
		r.ConversationID = c.Get("x-conversation-id")
	}
	if r.ProviderID == "" {
		r.ProviderID = c.Get("x-provider-id")
	}
	if r.PreviousResponseID == "" {
		r.PreviousResponseID = c.Get("x-previous-response-id")
	}
}

func (r *ChatRequest) wantsStream() bool {
	return r.Stream == nil || *r.Stream
}

// Validate checks the request's enumerable fields, in the same
// ozzo-validation style as the teacher's request validators. Message-list
// emptiness is contextual (an existing conversation may continue without
// new messages) and checked by the handler instead.
func (r *ChatRequest) Validate() error {
	if err := validation.ValidateStruct(r,
		validation.Field(&r.ToolChoice, validation.In("", "auto", "none", "required")),
		validation.Field(&r.ReasoningEffort, validation.In("", "minimal", "low", "medium", "high")),
		validation.Field(&r.Verbosity, validation.In("", "low", "medium", "high")),
		validation.Field(&r.ParallelToolConcurrency, validation.Min(0), validation.Max(5)),
	); err != nil {
		return err
	}
	for i, m := range r.Messages {
		if err := validation.ValidateStruct(&m,
			validation.Field(&m.Role, validation.Required, validation.In(
				string(domain.RoleSystem), string(domain.RoleUser),
				string(domain.RoleAssistant), string(domain.RoleTool),
			)),
		); err != nil {
			return fmt.Errorf("messages[%d]: %w", i, err)
		}
	}
	return nil
}

// toolSpec is the inline OpenAI-style tool definition a request may carry
// instead of a registered tool name.
type toolSpec struct {
	Type     string `json:"type"`
	Function struct {
		Name        string                 `json:"name"`
		Description string                 `json:"description"`
		Parameters  map[string]interface{} `json:"parameters"`
	} `json:"function"`
}

// ParseTools decodes the polymorphic tools field: a JSON array of strings
// yields registered-tool names, an array of specs yields inline tool
// definitions. An empty field yields neither (the registry's full set
// applies).
func (r *ChatRequest) ParseTools() (names []string, specs []domain.Tool, err error) {
	if len(r.Tools) == 0 {
		return nil, nil, nil
	}
	if err := json.Unmarshal(r.Tools, &names); err == nil {
		return names, nil, nil
	}
	var raw []toolSpec
	if err := json.Unmarshal(r.Tools, &raw); err != nil {
		return nil, nil, fmt.Errorf("tools must be an array of names or tool specs")
	}
	for i, s := range raw {
		if s.Function.Name == "" {
			return nil, nil, fmt.Errorf("tools[%d]: function.name is required", i)
		}
		specs = append(specs, domain.Tool{
			Name:        s.Function.Name,
			Description: s.Function.Description,
			Parameters:  s.Function.Parameters,
		})
	}
	return nil, specs, nil
}
