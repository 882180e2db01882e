package openaicompat

import "llmgateway/internal/domain"

// convertMessages flattens the gateway's domain.Message (which carries both
// ToolCalls and ToolOutputs on assistant/user entries) into the OpenAI wire
// shape, which instead represents a tool result as its own message with
// role "tool". A user message with ToolOutputs therefore expands into one
// user message (if it has text) followed by one "tool" message per output.
func convertMessages(messages []domain.Message, system string) []message {
	out := make([]message, 0, len(messages)+1)
	if system != "" {
		out = append(out, message{Role: "system", Content: system})
	}

	for _, m := range messages {
		switch m.Role {
		case domain.RoleSystem:
			continue // folded into the leading system message above

		case domain.RoleAssistant:
			am := message{Role: "assistant", Content: m.Content}
			for _, tc := range m.ToolCalls {
				am.ToolCalls = append(am.ToolCalls, toolCall{
					ID:   tc.ID,
					Type: "function",
					Function: toolFunction{
						Name:      tc.Name,
						Arguments: tc.Arguments,
					},
				})
			}
			out = append(out, am)

		default: // RoleUser, RoleTool
			if m.Content != "" || len(m.ToolOutputs) == 0 {
				out = append(out, message{Role: "user", Content: m.Content})
			}
			for _, to := range m.ToolOutputs {
				content := to.Content
				if to.IsError && content == "" {
					content = "error"
				}
				out = append(out, message{Role: "tool", ToolCallID: to.ToolCallID, Content: content})
			}
		}
	}
	return out
}

func convertTools(tools []domain.Tool) []toolDefinition {
	if len(tools) == 0 {
		return nil
	}
	out := make([]toolDefinition, 0, len(tools))
	for _, t := range tools {
		out = append(out, toolDefinition{
			Type: "function",
			Function: functionDefinition{
				Name:        t.Name,
				Description: t.Description,
				Parameters:  t.Parameters,
			},
		})
	}
	return out
}

func mapFinishReason(reason string) domain.FinishReason {
	switch reason {
	case "stop":
		return domain.FinishStop
	case "length":
		return domain.FinishLength
	case "tool_calls", "function_call":
		return domain.FinishToolCalls
	case "content_filter":
		return domain.FinishContent
	default:
		return domain.FinishStop
	}
}
