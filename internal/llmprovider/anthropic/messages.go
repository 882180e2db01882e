package anthropic

import (
	"encoding/json"
	"fmt"

	"github.com/anthropics/anthropic-sdk-go"

	"llmgateway/internal/domain"
	"llmgateway/internal/llmprovider"
)

// buildParams converts a provider-agnostic Request into Anthropic's
// MessageNewParams, matching the field-by-field construction in the
// teacher's providers/anthropic/client.go.
func buildParams(req llmprovider.Request) (anthropic.MessageNewParams, error) {
	messages, err := convertMessages(req.Messages)
	if err != nil {
		return anthropic.MessageNewParams{}, err
	}

	maxTokens := int64(req.MaxTokens)
	if maxTokens <= 0 {
		maxTokens = 4096
	}

	params := anthropic.MessageNewParams{
		Model:     anthropic.Model(req.Model),
		Messages:  messages,
		MaxTokens: maxTokens,
	}

	if req.Temperature != nil {
		params.Temperature = anthropic.Float(*req.Temperature)
	}
	if req.System != "" {
		params.System = []anthropic.TextBlockParam{{Text: req.System}}
	}
	if len(req.Tools) > 0 {
		params.Tools = convertTools(req.Tools)
	}
	switch req.ToolChoice {
	case "none":
		params.ToolChoice = anthropic.ToolChoiceUnionParam{OfNone: &anthropic.ToolChoiceNoneParam{}}
	case "auto":
		params.ToolChoice = anthropic.ToolChoiceUnionParam{OfAuto: &anthropic.ToolChoiceAutoParam{}}
	case "required":
		params.ToolChoice = anthropic.ToolChoiceUnionParam{OfAny: &anthropic.ToolChoiceAnyParam{}}
	}
	// previous_response_id and the reasoning-effort/verbosity enums are not
	// part of the Messages dialect; they are dropped here per the adapter
	// allow-list rule.

	return params, nil
}

// cacheControl is the 5-minute ephemeral TTL the teacher-adjacent
// intelligencedev-manifold adapter uses for every cache breakpoint.
var cacheControl = anthropic.CacheControlEphemeralParam{TTL: anthropic.CacheControlEphemeralTTLTTL5m}

func convertMessages(messages []domain.Message) ([]anthropic.MessageParam, error) {
	out := make([]anthropic.MessageParam, 0, len(messages))
	for _, m := range messages {
		switch m.Role {
		case domain.RoleUser:
			blocks := []anthropic.ContentBlockParamUnion{{OfText: &anthropic.TextBlockParam{Text: m.Content}}}
			for _, to := range m.ToolOutputs {
				blocks = append(blocks, anthropic.NewToolResultBlock(to.ToolCallID, to.Content, to.IsError))
			}
			if m.CacheControl != "" {
				markLastBlockForCaching(blocks)
			}
			out = append(out, anthropic.NewUserMessage(blocks...))

		case domain.RoleAssistant:
			blocks := []anthropic.ContentBlockParamUnion{}
			if m.Content != "" {
				blocks = append(blocks, anthropic.ContentBlockParamUnion{OfText: &anthropic.TextBlockParam{Text: m.Content}})
			}
			for _, tc := range m.ToolCalls {
				var input interface{}
				if err := json.Unmarshal([]byte(tc.Arguments), &input); err != nil {
					return nil, fmt.Errorf("tool call %s: invalid arguments json: %w", tc.ID, err)
				}
				blocks = append(blocks, anthropic.NewToolUseBlock(tc.ID, input, tc.Name))
			}
			if m.CacheControl != "" {
				markLastBlockForCaching(blocks)
			}
			out = append(out, anthropic.NewAssistantMessage(blocks...))

		case domain.RoleSystem:
			// System messages are passed via params.System, not the
			// message list; callers should not include them here.
			continue

		default:
			return nil, fmt.Errorf("anthropic: unsupported role %q", m.Role)
		}
	}
	return out, nil
}

// markLastBlockForCaching sets the ephemeral cache breakpoint on the last
// content block of a message the prompt-cache annotator (internal/cache)
// flagged, so a provider-visible cache hint survives the content/structured
// split spec.md §4.10 describes.
func markLastBlockForCaching(blocks []anthropic.ContentBlockParamUnion) {
	if len(blocks) == 0 {
		return
	}
	last := &blocks[len(blocks)-1]
	switch {
	case last.OfText != nil:
		last.OfText.CacheControl = cacheControl
	case last.OfToolResult != nil:
		last.OfToolResult.CacheControl = cacheControl
	case last.OfToolUse != nil:
		last.OfToolUse.CacheControl = cacheControl
	}
}

func convertTools(tools []domain.Tool) []anthropic.ToolUnionParam {
	out := make([]anthropic.ToolUnionParam, 0, len(tools))
	for _, t := range tools {
		out = append(out, anthropic.ToolUnionParamOfTool(anthropic.ToolInputSchemaParam{
			Properties: t.Parameters["properties"],
			Required:   requiredStrings(t.Parameters["required"]),
		}, t.Name))
		out[len(out)-1].OfTool.Description = anthropic.String(t.Description)
	}
	return out
}

func requiredStrings(v interface{}) []string {
	raw, ok := v.([]string)
	if ok {
		return raw
	}
	if list, ok := v.([]interface{}); ok {
		out := make([]string, 0, len(list))
		for _, item := range list {
			if s, ok := item.(string); ok {
				out = append(out, s)
			}
		}
		return out
	}
	return nil
}
