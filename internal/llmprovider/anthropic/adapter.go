// Package anthropic implements the C2 provider adapter for Anthropic's
// Messages API, built directly on the published anthropic-sdk-go client
// (rather than the teacher's unpublished internal wrapper library).
package anthropic

import (
	"context"
	"fmt"
	"strings"

	"github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"

	"llmgateway/internal/domain"
	"llmgateway/internal/llmprovider"
)

// Provider implements llmprovider.Provider for Claude models.
type Provider struct {
	client anthropic.Client
}

// New constructs a Provider authenticated with apiKey.
func New(apiKey string) (*Provider, error) {
	if apiKey == "" {
		return nil, fmt.Errorf("anthropic: API key is required")
	}
	return &Provider{client: anthropic.NewClient(option.WithAPIKey(apiKey))}, nil
}

func (p *Provider) Name() string { return "anthropic" }

func (p *Provider) SupportsModel(model string) bool {
	return strings.HasPrefix(model, "claude-")
}

// Complete issues a single blocking Messages.New call, used when a turn
// opted out of upstream streaming (provider_stream=false).
func (p *Provider) Complete(ctx context.Context, req llmprovider.Request) (*llmprovider.Result, error) {
	if !p.SupportsModel(req.Model) {
		return nil, fmt.Errorf("anthropic: model %q is not supported", req.Model)
	}

	apiParams, err := buildParams(req)
	if err != nil {
		return nil, fmt.Errorf("anthropic: build request: %w", err)
	}

	message, err := p.client.Messages.New(ctx, apiParams)
	if err != nil {
		return nil, fmt.Errorf("anthropic: %w: %w", domain.ErrUpstream, err)
	}

	result := &llmprovider.Result{
		FinishReason: mapStopReason(string(message.StopReason)),
		ToolCalls:    extractToolCalls(*message),
		ResponseID:   message.ID,
		Usage: domain.Usage{
			InputTokens:  int(message.Usage.InputTokens),
			OutputTokens: int(message.Usage.OutputTokens),
		},
	}
	for _, block := range message.Content {
		switch b := block.AsAny().(type) {
		case anthropic.TextBlock:
			result.Content += b.Text
		case anthropic.ThinkingBlock:
			result.Reasoning += b.Thinking
		}
	}
	if len(result.ToolCalls) > 0 {
		result.FinishReason = domain.FinishToolCalls
	}
	return result, nil
}

// Stream issues a single streamed Messages.New call and translates the
// SDK's event union into domain.StreamEvent values on a channel, matching
// the teacher's StreamResponse goroutine shape.
func (p *Provider) Stream(ctx context.Context, req llmprovider.Request) (<-chan domain.StreamEvent, error) {
	if !p.SupportsModel(req.Model) {
		return nil, fmt.Errorf("anthropic: model %q is not supported", req.Model)
	}

	apiParams, err := buildParams(req)
	if err != nil {
		return nil, fmt.Errorf("anthropic: build request: %w", err)
	}

	events := make(chan domain.StreamEvent, 16)

	go func() {
		defer close(events)

		stream := p.client.Messages.NewStreaming(ctx, apiParams)
		message := anthropic.Message{}
		toolBlockIndex := map[int64]int{} // SDK content-block index -> tool-call position
		nextToolIdx := 0

		for stream.Next() {
			event := stream.Current()
			if err := message.Accumulate(event); err != nil {
				// One undecodable event does not abort the stream; report
				// it with its raw payload and keep accumulating.
				select {
				case events <- domain.StreamEvent{ParseError: &domain.ParseErrorEvent{Raw: event.RawJSON(), Err: err.Error()}}:
				case <-ctx.Done():
					events <- domain.StreamEvent{Err: ctx.Err()}
					return
				}
				continue
			}

			se := translate(event, toolBlockIndex, &nextToolIdx)
			if se == nil {
				continue
			}
			select {
			case <-ctx.Done():
				events <- domain.StreamEvent{Err: ctx.Err()}
				return
			case events <- *se:
			}
		}

		if err := stream.Err(); err != nil {
			events <- domain.StreamEvent{Err: fmt.Errorf("anthropic stream: %w", err)}
			return
		}

		events <- domain.StreamEvent{
			Usage: &domain.Usage{
				InputTokens:  int(message.Usage.InputTokens),
				OutputTokens: int(message.Usage.OutputTokens),
			},
			Done: &domain.DoneEvent{
				FinishReason: mapStopReason(string(message.StopReason)),
				ToolCalls:    extractToolCalls(message),
				ResponseID:   message.ID,
			},
		}
	}()

	return events, nil
}

// translate converts one SDK stream event into a domain.StreamEvent,
// assigning each tool_use content block a stable position among this
// call's tool calls the first time its block start event arrives.
func translate(event anthropic.MessageStreamEventUnion, toolBlockIndex map[int64]int, nextToolIdx *int) *domain.StreamEvent {
	switch e := event.AsAny().(type) {
	case anthropic.ContentBlockStartEvent:
		if e.ContentBlock.Type == "tool_use" {
			idx := *nextToolIdx
			toolBlockIndex[e.Index] = idx
			*nextToolIdx++
			name := e.ContentBlock.Name
			id := e.ContentBlock.ID
			return &domain.StreamEvent{ToolCallID: &id, ToolCallName: &name, ToolCallIdx: idx}
		}
		return nil

	case anthropic.ContentBlockDeltaEvent:
		switch e.Delta.Type {
		case "text_delta":
			text := e.Delta.Text
			return &domain.StreamEvent{TextDelta: &text}
		case "input_json_delta":
			frag := e.Delta.PartialJSON
			idx, ok := toolBlockIndex[e.Index]
			if !ok {
				return nil
			}
			return &domain.StreamEvent{ArgsDelta: &frag, ToolCallIdx: idx}
		case "thinking_delta":
			thinking := e.Delta.Thinking
			return &domain.StreamEvent{ReasoningDelta: &thinking}
		}
		return nil

	default:
		return nil
	}
}

// extractToolCalls reads the fully-accumulated tool_use blocks off the
// final message rather than re-assembling from deltas, since
// message.Accumulate already did that work across the stream.
func extractToolCalls(message anthropic.Message) []domain.ToolCall {
	var calls []domain.ToolCall
	for _, block := range message.Content {
		tu, ok := block.AsAny().(anthropic.ToolUseBlock)
		if !ok {
			continue
		}
		args := "{}"
		if len(tu.Input) > 0 {
			args = string(tu.Input)
		}
		calls = append(calls, domain.ToolCall{
			ID:        tu.ID,
			Name:      tu.Name,
			Arguments: args,
			Index:     len(calls),
		})
	}
	return calls
}

func mapStopReason(reason string) domain.FinishReason {
	switch reason {
	case "end_turn", "stop_sequence":
		return domain.FinishStop
	case "max_tokens":
		return domain.FinishLength
	case "tool_use":
		return domain.FinishToolCalls
	default:
		return domain.FinishStop
	}
}
