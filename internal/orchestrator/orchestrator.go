// Package orchestrator implements C7: the bounded fixed-point loop that
// calls a model, extracts any tool calls it made, executes them locally,
// appends the results, and calls the model again — repeating until the
// model stops asking for tools or a round limit forces it to wrap up.
// Grounded on the teacher's StreamExecutor.executeToolsAndContinue /
// executeToolsAndContinueWithLimit in
// internal/service/llm/streaming/mstream_adapter.go, adapted from its
// block-persisting, single-turn-at-a-time recursion into a single
// in-memory loop over this gateway's Message/ToolCall model.
package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"llmgateway/internal/conversation"
	"llmgateway/internal/domain"
	"llmgateway/internal/llmprovider"
	"llmgateway/internal/tools"
)

// Orchestrator runs the tool-calling loop for a single turn.
type Orchestrator struct {
	providers map[string]llmprovider.Provider
	tools     *tools.Registry
	builder   *conversation.Builder
	logger    *slog.Logger
}

// New constructs an Orchestrator. providers is keyed by provider name (as
// returned by Provider.Name()).
func New(providers map[string]llmprovider.Provider, registry *tools.Registry, builder *conversation.Builder, logger *slog.Logger) *Orchestrator {
	if logger == nil {
		logger = slog.Default()
	}
	return &Orchestrator{providers: providers, tools: registry, builder: builder, logger: logger}
}

// softLimitNotice is injected as a standalone user message once a turn
// crosses its soft round limit, mirroring the teacher's notification
// message injected ahead of the continuation request.
const softLimitNotice = "You've exceeded the recommended tool usage limit of %d rounds. Please consider providing your final answer based on the information you've gathered."

// maxIterationsSuffix is appended verbatim to the assistant's content on
// the forced wrap-up round, even if that round itself returned no content.
const maxIterationsSuffix = "\n\n[Maximum iterations reached]"

// malformedAddendum is appended to the assistant's content when a streamed
// tool call arrived without an id or a function name and had to be skipped.
const malformedAddendum = "\n\n[A malformed tool call was skipped]"

// Run executes the loop for tc, streaming text/reasoning deltas as they
// arrive, each round's fully assembled tool calls once its upstream stream
// has drained, every tool output in canonical call order, and each round's
// Done event onto the returned channel. tc.Messages is extended in place
// with the assistant and tool-output messages each round produces. The
// channel closes once the model stops requesting tools or the round limit
// forces a final response.
func (o *Orchestrator) Run(ctx context.Context, tc *domain.TurnContext, systemPrompt string) <-chan domain.StreamEvent {
	out := make(chan domain.StreamEvent, 16)
	go o.run(ctx, tc, systemPrompt, out)
	return out
}

func (o *Orchestrator) run(ctx context.Context, tc *domain.TurnContext, systemPrompt string, out chan<- domain.StreamEvent) {
	defer close(out)

	hardLimit := tc.HardLimit
	if hardLimit <= 0 {
		hardLimit = tc.MaxToolRounds
	}
	if hardLimit <= 0 {
		out <- domain.StreamEvent{Err: fmt.Errorf("orchestrator: %w: iteration cap must be positive", domain.ErrInvalidConfig)}
		return
	}
	softLimit := tc.SoftLimit

	provider, ok := o.providers[tc.Provider]
	if !ok {
		out <- domain.StreamEvent{Err: fmt.Errorf("orchestrator: unknown provider %q", tc.Provider)}
		return
	}

	forcingFinal := false
	rebuiltOnce := false

	for {
		if err := ctx.Err(); err != nil {
			out <- domain.StreamEvent{Err: err}
			return
		}

		req, err := o.builder.Build(ctx, tc, systemPrompt)
		if err != nil {
			out <- domain.StreamEvent{Err: fmt.Errorf("orchestrator: build request: %w", err)}
			return
		}
		if forcingFinal {
			// Tools stay in the request so provider-side validation still
			// accepts the tool-role history, but the model may not call them.
			req.ToolChoice = "none"
		}

		assistant, done, err := o.callModel(ctx, provider, req, tc.ProviderStream, out)
		if err != nil {
			if errors.Is(err, domain.ErrInvalidPreviousResponse) && tc.PreviousResponseID != "" && !rebuiltOnce {
				// The provider no longer recognizes the referenced response;
				// rebuild from full history and reissue once.
				o.logger.Warn("previous_response_id rejected, rebuilding request from full history",
					"provider", tc.Provider, "response_id", tc.PreviousResponseID)
				tc.PreviousResponseID = ""
				rebuiltOnce = true
				continue
			}
			out <- domain.StreamEvent{Err: err}
			return
		}
		if done == nil {
			return // defensive: callModel pairs a nil error with a non-nil done
		}

		if len(done.Malformed) > 0 {
			o.logger.Warn("skipping malformed tool calls", "calls", done.Malformed)
			assistant.Content += malformedAddendum
		}
		if forcingFinal {
			assistant.Content += maxIterationsSuffix
		}

		assistant.ToolCalls = done.ToolCalls
		assistant.FinishReason = &done.FinishReason
		assistant.ResponseID = &done.ResponseID
		assistant.Status = domain.StatusComplete
		tc.Messages = append(tc.Messages, *assistant)

		if len(done.ToolCalls) > 0 {
			select {
			case out <- domain.StreamEvent{ToolCalls: done.ToolCalls}:
			case <-ctx.Done():
				out <- domain.StreamEvent{Err: ctx.Err()}
				return
			}
		}

		// Each round ends with its own Done event, after the round's whole
		// tool calls and before any of their outputs, so the downstream
		// frame sequence linearizes per iteration.
		select {
		case out <- domain.StreamEvent{Done: done}:
		case <-ctx.Done():
			out <- domain.StreamEvent{Err: ctx.Err()}
			return
		}

		if len(done.ToolCalls) == 0 || forcingFinal {
			return // model gave a final answer, or this was the forced wrap-up round
		}

		tc.Iteration++

		if tc.Iteration >= hardLimit {
			// The cap is reached: answer the pending calls with synthetic
			// error outputs (every tool call keeps a matching output) and
			// force one final non-tool round.
			o.logger.Warn("tool round limit reached, forcing completion",
				"iteration", tc.Iteration, "limit", hardLimit)
			var outputs []domain.ToolOutput
			for _, call := range done.ToolCalls {
				outputs = append(outputs, domain.ToolOutput{
					ToolCallID: call.ID,
					Content:    "tool execution limit reached",
					IsError:    true,
				})
			}
			o.emitToolOutputs(ctx, done.ToolCalls, outputs, out)
			tc.Messages = append(tc.Messages, domain.Message{Role: domain.RoleUser, ToolOutputs: outputs})
			forcingFinal = true
			continue
		}

		outputs := o.executeTools(ctx, tc, done.ToolCalls, out)
		tc.Messages = append(tc.Messages, domain.Message{Role: domain.RoleUser, ToolOutputs: outputs})

		if softLimit > 0 && softLimit < hardLimit && tc.Iteration == softLimit {
			o.logger.Info("soft tool round limit reached, injecting wrap-up notice", "iteration", tc.Iteration, "soft_limit", softLimit)
			tc.Messages = append(tc.Messages, domain.Message{
				Role:    domain.RoleUser,
				Content: fmt.Sprintf(softLimitNotice, softLimit),
			})
		}
	}
}

// callModel performs one upstream call — streamed or blocking per
// providerStream — forwarding incremental events downstream and returning
// the buffered assistant draft plus the call's terminal event. Upstream
// errors, stream error events included, are returned rather than forwarded,
// and a nil error always comes with a non-nil done.
func (o *Orchestrator) callModel(ctx context.Context, provider llmprovider.Provider, req llmprovider.Request, providerStream bool, out chan<- domain.StreamEvent) (*domain.Message, *domain.DoneEvent, error) {
	assistant := &domain.Message{Role: domain.RoleAssistant}

	if !providerStream {
		result, err := provider.Complete(ctx, req)
		if err != nil {
			return nil, nil, fmt.Errorf("orchestrator: complete: %w", err)
		}
		assistant.Content = result.Content
		if result.Reasoning != "" {
			reasoning := result.Reasoning
			assistant.Reasoning = &reasoning
		}
		assistant.InputTokens = result.Usage.InputTokens
		assistant.OutputTokens = result.Usage.OutputTokens
		if result.Content != "" {
			text := result.Content
			select {
			case out <- domain.StreamEvent{TextDelta: &text}:
			case <-ctx.Done():
				return nil, nil, ctx.Err()
			}
		}
		return assistant, &domain.DoneEvent{
			FinishReason: result.FinishReason,
			ToolCalls:    result.ToolCalls,
			ResponseID:   result.ResponseID,
		}, nil
	}

	events, err := provider.Stream(ctx, req)
	if err != nil {
		return nil, nil, fmt.Errorf("orchestrator: start stream: %w", err)
	}

	var done *domain.DoneEvent
	for se := range events {
		if se.Err != nil {
			// Surface stream-level errors to the caller so the
			// previous_response_id rebuild can intercept them before
			// anything reaches the client.
			return nil, nil, se.Err
		}
		if se.ParseError != nil {
			o.logger.Warn("undecodable upstream payload skipped", "error", se.ParseError.Err, "raw", se.ParseError.Raw)
		}
		if se.Usage != nil {
			assistant.InputTokens = se.Usage.InputTokens
			assistant.OutputTokens = se.Usage.OutputTokens
		}
		if se.Done != nil {
			// The round's Done is not forwarded here: run() emits it after
			// the round's whole tool calls so downstream ordering holds.
			done = se.Done
			continue
		}
		select {
		case out <- se:
		case <-ctx.Done():
			return nil, nil, ctx.Err()
		}
		switch {
		case se.TextDelta != nil:
			assistant.Content += *se.TextDelta
		case se.ReasoningDelta != nil:
			if assistant.Reasoning == nil {
				assistant.Reasoning = new(string)
			}
			*assistant.Reasoning += *se.ReasoningDelta
		}
	}
	if done == nil {
		return nil, nil, fmt.Errorf("orchestrator: provider stream closed without a done event")
	}
	return assistant, done, nil
}

// executeTools runs a round's tool calls under the turn's policy, emitting
// a tool_output event per call in canonical order.
func (o *Orchestrator) executeTools(ctx context.Context, tc *domain.TurnContext, calls []domain.ToolCall, out chan<- domain.StreamEvent) []domain.ToolOutput {
	policy := tools.SequentialPolicy()
	if tc.ParallelTools {
		policy = tools.Policy{Parallel: true, Concurrency: tc.ToolConcurrency, BatchTimeout: tc.ToolBatchTimeout}
	}
	return o.tools.ExecuteBatchObserved(ctx, calls, policy, func(i int, output domain.ToolOutput) {
		select {
		case out <- domain.StreamEvent{ToolOutput: &domain.ToolOutputEvent{
			ToolCallID: output.ToolCallID,
			Name:       calls[i].Name,
			Output:     output.Content,
			IsError:    output.IsError,
		}}:
		case <-ctx.Done():
		}
	})
}

func (o *Orchestrator) emitToolOutputs(ctx context.Context, calls []domain.ToolCall, outputs []domain.ToolOutput, out chan<- domain.StreamEvent) {
	for i, output := range outputs {
		select {
		case out <- domain.StreamEvent{ToolOutput: &domain.ToolOutputEvent{
			ToolCallID: output.ToolCallID,
			Name:       calls[i].Name,
			Output:     output.Content,
			IsError:    output.IsError,
		}}:
		case <-ctx.Done():
			return
		}
	}
}
