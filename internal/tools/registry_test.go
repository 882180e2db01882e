package tools

import (
	"context"
	"testing"
	"time"

	"llmgateway/internal/domain"
)

func TestRegistryExecuteUnknownTool(t *testing.T) {
	r := NewRegistry()
	out := r.Execute(context.Background(), domain.ToolCall{ID: "1", Name: "nope", Arguments: "{}"})
	if !out.IsError {
		t.Fatal("expected error output for unknown tool")
	}
	if out.Content != "unknown_tool:nope" {
		t.Errorf("output = %q, want unknown_tool:nope", out.Content)
	}
}

func TestRegistryExecuteInvalidArgumentsJSON(t *testing.T) {
	r := NewRegistry()
	r.Register(CurrentTimeTool{})
	out := r.Execute(context.Background(), domain.ToolCall{ID: "1", Name: "current_time", Arguments: `{"bad`})
	if !out.IsError || out.Content != "invalid_arguments_json" {
		t.Errorf("output = %+v, want invalid_arguments_json error", out)
	}
}

func TestExecuteBatchObservedFiresInCanonicalOrder(t *testing.T) {
	r := NewRegistry()
	r.Register(CurrentTimeTool{})
	r.Register(slowTool{delay: 30 * time.Millisecond})

	calls := []domain.ToolCall{
		{ID: "a", Name: "current_time", Arguments: "{}"},
		{ID: "b", Name: "slow", Arguments: "{}"},
		{ID: "c", Name: "current_time", Arguments: "{}"},
	}
	var seen []string
	r.ExecuteBatchObserved(context.Background(), calls,
		Policy{Parallel: true, Concurrency: 3, BatchTimeout: time.Second},
		func(i int, out domain.ToolOutput) { seen = append(seen, out.ToolCallID) })

	want := []string{"a", "b", "c"}
	for i := range want {
		if i >= len(seen) || seen[i] != want[i] {
			t.Fatalf("observer order = %v, want %v", seen, want)
		}
	}
}

func TestRegistryExecuteCurrentTime(t *testing.T) {
	r := NewRegistry()
	r.Register(CurrentTimeTool{})

	out := r.Execute(context.Background(), domain.ToolCall{ID: "1", Name: "current_time", Arguments: "{}"})
	if out.IsError {
		t.Fatalf("unexpected error: %s", out.Content)
	}
	if out.ToolCallID != "1" {
		t.Errorf("tool_call_id = %q, want 1", out.ToolCallID)
	}
}

func TestRegistryExecuteParallelPreservesOrder(t *testing.T) {
	r := NewRegistry()
	r.Register(CurrentTimeTool{})

	calls := []domain.ToolCall{
		{ID: "a", Name: "current_time", Arguments: "{}"},
		{ID: "b", Name: "nope", Arguments: "{}"},
		{ID: "c", Name: "current_time", Arguments: "{}"},
	}
	results := r.ExecuteParallel(context.Background(), calls)
	if len(results) != 3 {
		t.Fatalf("expected 3 results, got %d", len(results))
	}
	for i, want := range []string{"a", "b", "c"} {
		if results[i].ToolCallID != want {
			t.Errorf("result[%d].ToolCallID = %q, want %q", i, results[i].ToolCallID, want)
		}
	}
	if !results[1].IsError {
		t.Error("expected result[1] to be an error (unknown tool)")
	}
}

func TestRegistryInvalidArguments(t *testing.T) {
	r := NewRegistry()
	r.Register(&WebSearchTool{client: nil, defaultMax: 5, maxLimit: 10})

	out := r.Execute(context.Background(), domain.ToolCall{ID: "1", Name: "web_search", Arguments: `{}`})
	if !out.IsError {
		t.Fatal("expected validation error for missing query")
	}
}

func TestExecuteBatchSequentialPreservesOrder(t *testing.T) {
	r := NewRegistry()
	r.Register(CurrentTimeTool{})

	calls := []domain.ToolCall{
		{ID: "a", Name: "current_time", Arguments: "{}"},
		{ID: "b", Name: "nope", Arguments: "{}"},
	}
	results := r.ExecuteBatch(context.Background(), calls, SequentialPolicy())
	if len(results) != 2 {
		t.Fatalf("expected 2 results, got %d", len(results))
	}
	if results[0].ToolCallID != "a" || results[1].ToolCallID != "b" {
		t.Errorf("results out of order: %+v", results)
	}
	if !results[1].IsError {
		t.Error("expected result[1] to be an error (unknown tool)")
	}
}

func TestExecuteBatchParallelClampsConcurrency(t *testing.T) {
	r := NewRegistry()
	r.Register(CurrentTimeTool{})

	calls := make([]domain.ToolCall, 0, 8)
	for i := 0; i < 8; i++ {
		calls = append(calls, domain.ToolCall{ID: string(rune('a' + i)), Name: "current_time", Arguments: "{}"})
	}
	results := r.ExecuteBatch(context.Background(), calls, Policy{Parallel: true, Concurrency: 100, BatchTimeout: time.Second})
	if len(results) != len(calls) {
		t.Fatalf("expected %d results, got %d", len(calls), len(results))
	}
	for i, call := range calls {
		if results[i].ToolCallID != call.ID {
			t.Errorf("result[%d].ToolCallID = %q, want %q (order must match input)", i, results[i].ToolCallID, call.ID)
		}
		if results[i].IsError {
			t.Errorf("result[%d] unexpectedly errored: %s", i, results[i].Content)
		}
	}
}

func TestExecuteBatchParallelTimesOutSlowCalls(t *testing.T) {
	r := NewRegistry()
	r.Register(slowTool{delay: 50 * time.Millisecond})

	calls := []domain.ToolCall{{ID: "a", Name: "slow", Arguments: "{}"}}
	results := r.ExecuteBatch(context.Background(), calls, Policy{Parallel: true, Concurrency: 1, BatchTimeout: time.Millisecond})
	if len(results) != 1 {
		t.Fatalf("expected 1 result, got %d", len(results))
	}
	if !results[0].IsError {
		t.Error("expected the slow call to be reported as timed out")
	}
}

func TestExecuteBatchParallelTimeoutKeepsResolvedResults(t *testing.T) {
	r := NewRegistry()
	r.Register(CurrentTimeTool{})
	r.Register(slowTool{delay: 200 * time.Millisecond})

	// The fast call resolves well inside the window, the slow one expires
	// with it; only the slow slot may carry the timeout error.
	calls := []domain.ToolCall{
		{ID: "fast", Name: "current_time", Arguments: "{}"},
		{ID: "slow", Name: "slow", Arguments: "{}"},
	}
	results := r.ExecuteBatch(context.Background(), calls, Policy{Parallel: true, Concurrency: 2, BatchTimeout: 50 * time.Millisecond})
	if results[0].IsError {
		t.Errorf("the resolved call must be kept, got %+v", results[0])
	}
	if !results[1].IsError {
		t.Errorf("the slow call must be reported as timed out, got %+v", results[1])
	}
}

type slowTool struct{ delay time.Duration }

func (t slowTool) Definition() domain.Tool { return domain.Tool{Name: "slow"} }
func (t slowTool) Validate(map[string]interface{}) error { return nil }
func (t slowTool) Execute(ctx context.Context, args map[string]interface{}) (interface{}, error) {
	select {
	case <-time.After(t.delay):
		return "done", nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}
