// Package tools implements the gateway's tool registry (C4): the set of
// tools available to a turn, their JSON-schema definitions for the model,
// and local execution of tool calls the model requests.
package tools

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"llmgateway/internal/domain"
)

// Policy governs how a batch of tool calls within one iteration is
// executed, matching spec.md §4.7's sequential-default / parallel-opt-in
// split.
type Policy struct {
	// Parallel dispatches every call concurrently, rejoining results in
	// original order; false runs them one at a time in emitted order.
	Parallel bool
	// Concurrency caps how many calls run at once when Parallel is set.
	// Zero or less means DefaultConcurrency; values above MaxConcurrency
	// are lowered to it.
	Concurrency int
	// BatchTimeout bounds how long a parallel batch waits for every call;
	// already-resolved calls are kept, the rest are marked with a timeout
	// error. Zero means DefaultBatchTimeout.
	BatchTimeout time.Duration
}

// Defaults for the parallel tool-execution policy (spec.md §6).
const (
	DefaultConcurrency = 3
	MaxConcurrency     = 5
	DefaultBatchTimeout = 10 * time.Second
)

// SequentialPolicy is the spec's default: one call at a time, no batch
// timeout (each call runs to completion before the next starts).
func SequentialPolicy() Policy { return Policy{Parallel: false} }

// Executor runs a single tool call. Validate is split from Execute so the
// registry can reject malformed arguments before doing any work, matching
// the teacher's web_search parameter checks but as a first-class step.
type Executor interface {
	Definition() domain.Tool
	Validate(args map[string]interface{}) error
	Execute(ctx context.Context, args map[string]interface{}) (interface{}, error)
}

// Registry holds named tool executors, safe for concurrent use.
type Registry struct {
	mu        sync.RWMutex
	executors map[string]Executor
}

// NewRegistry returns an empty registry.
func NewRegistry() *Registry {
	return &Registry{executors: make(map[string]Executor)}
}

// Register adds or replaces the executor for a tool name.
func (r *Registry) Register(executor Executor) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.executors[executor.Definition().Name] = executor
}

// Get returns the executor for name, or nil if unregistered.
func (r *Registry) Get(name string) Executor {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.executors[name]
}

// Definitions returns the schema for every registered tool, in the shape
// provider adapters turn into their wire-specific tool list.
func (r *Registry) Definitions() []domain.Tool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	defs := make([]domain.Tool, 0, len(r.executors))
	for _, e := range r.executors {
		defs = append(defs, e.Definition())
	}
	return defs
}

// Filter returns a new Registry containing only the names present in both
// this registry and allowed, used when a request restricts tool availability
// for a single turn.
func (r *Registry) Filter(allowed []string) *Registry {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := NewRegistry()
	for _, name := range allowed {
		if e, ok := r.executors[name]; ok {
			out.executors[name] = e
		}
	}
	return out
}

// Execute runs a single tool call, validating arguments first. Errors never
// propagate as a Go error — per spec.md's error taxonomy, a tool failure
// becomes an is_error ToolOutput so the orchestrator can hand it back to the
// model rather than abort the turn.
func (r *Registry) Execute(ctx context.Context, call domain.ToolCall) domain.ToolOutput {
	executor := r.Get(call.Name)
	if executor == nil {
		return errOutput(call, fmt.Errorf("unknown_tool:%s", call.Name))
	}

	args, err := parseArguments(call.Arguments)
	if err != nil {
		return errOutput(call, fmt.Errorf("invalid_arguments_json"))
	}

	if err := executor.Validate(args); err != nil {
		return errOutput(call, fmt.Errorf("invalid arguments: %w", err))
	}

	result, err := executor.Execute(ctx, args)
	if err != nil {
		return errOutput(call, err)
	}

	return domain.ToolOutput{
		ToolCallID: call.ID,
		Content:    formatResult(result),
	}
}

// ExecuteParallel runs the calls concurrently under ExecuteBatch's bounds
// (at most MaxConcurrency at once, DefaultBatchTimeout for the batch),
// preserving the input order in the returned slice regardless of
// completion order. Kept for callers (and tests) that don't pick a policy;
// ExecuteBatch is preferred for turn execution.
func (r *Registry) ExecuteParallel(ctx context.Context, calls []domain.ToolCall) []domain.ToolOutput {
	return r.ExecuteBatch(ctx, calls, Policy{Parallel: true, Concurrency: len(calls)})
}

// ExecuteBatch runs calls per policy: sequentially in emitted order, or
// concurrently (bounded by policy.Concurrency, clamped to MaxConcurrency)
// with results rejoined in the original call order and a per-batch timeout
// after which unresolved calls are reported as timed out. Matches spec.md
// §4.7.
func (r *Registry) ExecuteBatch(ctx context.Context, calls []domain.ToolCall, policy Policy) []domain.ToolOutput {
	return r.ExecuteBatchObserved(ctx, calls, policy, nil)
}

// ExecuteBatchObserved is ExecuteBatch with a per-result callback. onResult
// always fires in canonical call order: after each call completes when
// sequential, and after the whole batch has rejoined when parallel — so a
// downstream consumer streaming tool_output events preserves the original
// tool-call order regardless of completion order.
func (r *Registry) ExecuteBatchObserved(ctx context.Context, calls []domain.ToolCall, policy Policy, onResult func(i int, out domain.ToolOutput)) []domain.ToolOutput {
	if !policy.Parallel {
		out := make([]domain.ToolOutput, len(calls))
		for i, call := range calls {
			if ctx.Err() != nil {
				out[i] = errOutput(call, ctx.Err())
			} else {
				out[i] = r.Execute(ctx, call)
			}
			if onResult != nil {
				onResult(i, out[i])
			}
		}
		return out
	}

	concurrency := policy.Concurrency
	if concurrency <= 0 {
		concurrency = DefaultConcurrency
	}
	if concurrency > MaxConcurrency {
		concurrency = MaxConcurrency
	}
	timeout := policy.BatchTimeout
	if timeout <= 0 {
		timeout = DefaultBatchTimeout
	}

	batchCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	// Workers hand their outcome back over a buffered channel keyed by call
	// index; only this goroutine ever touches the results slice, so the
	// timeout fallback below can never race a late worker's write. A worker
	// finishing after the timeout delivers into the buffer and is ignored.
	type indexedOutput struct {
		i   int
		out domain.ToolOutput
	}
	resultCh := make(chan indexedOutput, len(calls))
	sem := make(chan struct{}, concurrency)
	for i, call := range calls {
		go func(i int, call domain.ToolCall) {
			select {
			case sem <- struct{}{}:
				defer func() { <-sem }()
			case <-batchCtx.Done():
				resultCh <- indexedOutput{i, errOutput(call, fmt.Errorf("tool batch timed out waiting for a slot"))}
				return
			}
			resultCh <- indexedOutput{i, r.Execute(batchCtx, call)}
		}(i, call)
	}

	results := make([]domain.ToolOutput, len(calls))
	resolved := make([]bool, len(calls))
	pending := len(calls)
collect:
	for pending > 0 {
		select {
		case res := <-resultCh:
			results[res.i] = res.out
			resolved[res.i] = true
			pending--
		case <-batchCtx.Done():
			// Keep what resolved in time; report the rest as timed out.
			for i, call := range calls {
				if !resolved[i] {
					results[i] = errOutput(call, fmt.Errorf("tool execution timed out"))
				}
			}
			break collect
		}
	}
	if onResult != nil {
		for i, out := range results {
			onResult(i, out)
		}
	}
	return results
}

func parseArguments(raw string) (map[string]interface{}, error) {
	if raw == "" {
		return map[string]interface{}{}, nil
	}
	var args map[string]interface{}
	if err := json.Unmarshal([]byte(raw), &args); err != nil {
		return nil, err
	}
	return args, nil
}

func errOutput(call domain.ToolCall, err error) domain.ToolOutput {
	return domain.ToolOutput{
		ToolCallID: call.ID,
		Content:    err.Error(),
		IsError:    true,
	}
}

func formatResult(result interface{}) string {
	if s, ok := result.(string); ok {
		return s
	}
	b, err := json.Marshal(result)
	if err != nil {
		return fmt.Sprintf("%v", result)
	}
	return string(b)
}
