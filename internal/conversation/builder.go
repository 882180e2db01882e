// Package conversation implements C6: turning a stored message history into
// the provider-agnostic request a C2 adapter can stream, trimming the
// window, repairing interrupted turns, and warning the model as its context
// fills up — the same responsibilities as the teacher's
// internal/service/llm/conversation/message_builder.go, generalized from its
// block-oriented Turn/TurnBlock model to this gateway's Message/ToolCall
// shape.
package conversation

import (
	"context"
	"fmt"
	"log/slog"

	"llmgateway/internal/cache"
	"llmgateway/internal/domain"
	"llmgateway/internal/llmprovider"
)

// Config tunes the builder's trimming and warning behavior.
type Config struct {
	// MessageWindow caps how many of the most recent messages are sent to
	// the provider; 0 means no trimming.
	MessageWindow int
	// WarningThreshold is the fraction of a model's context window at
	// which a usage warning is injected (the teacher's constant 75%).
	WarningThreshold float64
}

// DefaultConfig matches the teacher's hardcoded 75% warning threshold with
// no window trimming, since the teacher's own builder doesn't trim either.
func DefaultConfig() Config {
	return Config{MessageWindow: 0, WarningThreshold: 0.75}
}

// Builder converts a TurnContext's message history into a llmprovider.Request.
type Builder struct {
	capabilities *llmprovider.CapabilityRegistry
	cacheAnn     *cache.Annotator
	logger       *slog.Logger
	cfg          Config
}

// New constructs a Builder. cacheAnn may be nil, in which case no cache
// annotation (C10) is applied to built requests.
func New(capabilities *llmprovider.CapabilityRegistry, cacheAnn *cache.Annotator, logger *slog.Logger, cfg Config) *Builder {
	if logger == nil {
		logger = slog.Default()
	}
	return &Builder{capabilities: capabilities, cacheAnn: cacheAnn, logger: logger, cfg: cfg}
}

// Build produces a provider request for tc, applying dangling tool-call
// sanitization, then window trimming and the context-window warning, in
// that order, after the teacher's BuildMessages pipeline. When tc carries a
// PreviousResponseID the history before (and including) the assistant
// message that produced it is omitted and the id attached instead, and
// neither window trimming nor the warning is applied; the orchestrator
// clears the id and rebuilds if the provider rejects it.
func (b *Builder) Build(ctx context.Context, tc *domain.TurnContext, systemPrompt string) (llmprovider.Request, error) {
	messages, err := b.sanitizeDanglingToolCalls(tc.Messages)
	if err != nil {
		return llmprovider.Request{}, err
	}

	req := llmprovider.Request{
		Model:      tc.Model,
		Tools:      tc.AvailableTools,
		System:     systemPrompt,
		ToolChoice: tc.ToolChoice,
	}

	if tc.PreviousResponseID != "" {
		req.PreviousResponseID = tc.PreviousResponseID
		messages = messagesAfterLastResponse(messages, tc.PreviousResponseID)
	} else {
		messages = b.window(messages)
		messages = b.injectUsageWarningIfNeeded(messages, tc.Provider, tc.Model)
	}
	req.Messages = messages

	if caps := b.lookup(tc.Provider, tc.Model); caps.SupportsReasoning {
		req.ReasoningEffort = tc.ReasoningEffort
		req.Verbosity = tc.Verbosity
	} else if tc.ReasoningEffort != "" || tc.Verbosity != "" {
		b.logger.Debug("dropping reasoning controls for model without support", "provider", tc.Provider, "model", tc.Model)
	}

	if b.cacheAnn != nil {
		b.cacheAnn.Annotate(&req, tc.Provider, tc.Model)
	}
	return req, nil
}

func (b *Builder) lookup(provider, model string) llmprovider.Capabilities {
	if b.capabilities == nil {
		return llmprovider.Capabilities{}
	}
	return b.capabilities.Get(provider, model)
}

// messagesAfterLastResponse keeps only the messages after the assistant
// message whose response_id the request references: the provider already
// holds everything up to that point. If no message carries the id (the
// caller got it from persistence but the in-memory list was built fresh),
// the messages after the last assistant message, whatever its status, are
// kept instead.
func messagesAfterLastResponse(messages []domain.Message, responseID string) []domain.Message {
	cut := -1
	for i := len(messages) - 1; i >= 0; i-- {
		m := messages[i]
		if m.Role != domain.RoleAssistant {
			continue
		}
		if m.ResponseID != nil && *m.ResponseID == responseID {
			cut = i
			break
		}
		if cut < 0 {
			cut = i
		}
	}
	if cut < 0 {
		return messages
	}
	return messages[cut+1:]
}

// window keeps only the most recent MessageWindow messages, matching the
// teacher's path-ordered-oldest-to-newest convention: trimming drops from
// the front.
func (b *Builder) window(messages []domain.Message) []domain.Message {
	if b.cfg.MessageWindow <= 0 || len(messages) <= b.cfg.MessageWindow {
		return messages
	}
	dropped := len(messages) - b.cfg.MessageWindow
	b.logger.Warn("trimming conversation to message window", "dropped", dropped, "window", b.cfg.MessageWindow)
	return messages[dropped:]
}

// sanitizeDanglingToolCalls finds assistant tool calls with no matching
// tool output in the messages that follow and injects a synthetic error
// output for each, so a rehydrated conversation interrupted mid-turn never
// violates a provider's "every tool call needs a result" requirement.
func (b *Builder) sanitizeDanglingToolCalls(messages []domain.Message) ([]domain.Message, error) {
	out := make([]domain.Message, len(messages))
	copy(out, messages)

	for i, m := range out {
		if m.Role != domain.RoleAssistant || len(m.ToolCalls) == 0 {
			continue
		}

		answered := map[string]bool{}
		for j := i + 1; j < len(out); j++ {
			for _, to := range out[j].ToolOutputs {
				answered[to.ToolCallID] = true
			}
		}

		var missing []domain.ToolOutput
		for _, tc := range m.ToolCalls {
			if answered[tc.ID] {
				continue
			}
			b.logger.Warn("injecting error tool output for dangling tool call", "tool_call_id", tc.ID, "tool_name", tc.Name)
			missing = append(missing, domain.ToolOutput{
				ToolCallID: tc.ID,
				Content:    "tool execution was interrupted",
				IsError:    true,
			})
		}
		if len(missing) == 0 {
			continue
		}

		if i+1 < len(out) && out[i+1].Role == domain.RoleUser {
			out[i+1].ToolOutputs = append(missing, out[i+1].ToolOutputs...)
			continue
		}

		repair := domain.Message{Role: domain.RoleUser, ToolOutputs: missing}
		out = append(out[:i+1], append([]domain.Message{repair}, out[i+1:]...)...)
	}

	return out, nil
}

// injectUsageWarningIfNeeded appends a user-role warning message once the
// most recent assistant message's reported token usage crosses the
// configured fraction of the model's context window, matching the
// teacher's injectTokenLimitWarningIfNeeded.
func (b *Builder) injectUsageWarningIfNeeded(messages []domain.Message, provider, model string) []domain.Message {
	if b.capabilities == nil {
		return messages
	}

	var last *domain.Message
	for i := len(messages) - 1; i >= 0; i-- {
		if messages[i].Role == domain.RoleAssistant {
			last = &messages[i]
			break
		}
	}
	if last == nil || (last.InputTokens == 0 && last.OutputTokens == 0) {
		return messages
	}

	caps := b.capabilities.Get(provider, model)
	if caps.ContextWindow <= 0 {
		return messages
	}

	total := last.InputTokens + last.OutputTokens
	usage := float64(total) / float64(caps.ContextWindow)
	if usage <= b.cfg.WarningThreshold {
		return messages
	}

	warning := fmt.Sprintf(
		"Note: you're approaching the context limit (%.1f%% used, %d/%d tokens). Consider wrapping up.",
		usage*100, total, caps.ContextWindow,
	)
	b.logger.Info("injecting context window usage warning", "usage_percent", usage*100, "total_tokens", total, "context_window", caps.ContextWindow)

	return append(messages, domain.Message{Role: domain.RoleUser, Content: warning})
}
