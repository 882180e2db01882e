package tools

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"llmgateway/internal/domain"
)

// SearchClient abstracts an external web-search provider, matching the
// teacher's external.SearchClient boundary so a real backend (Tavily,
// Brave, Serper...) can be plugged in without changing the tool itself.
type SearchClient interface {
	Search(ctx context.Context, query string, maxResults int) ([]SearchResult, error)
}

// SearchResult is one web-search hit.
type SearchResult struct {
	Title   string
	URL     string
	Snippet string
}

// WebSearchTool implements the web_search tool over a SearchClient.
type WebSearchTool struct {
	client     SearchClient
	defaultMax int
	maxLimit   int
}

// NewWebSearchTool builds the web_search tool; defaultMax/maxLimit come from
// the YAML tool config (see Config in this package).
func NewWebSearchTool(client SearchClient, defaultMax, maxLimit int) *WebSearchTool {
	if defaultMax <= 0 {
		defaultMax = 5
	}
	if maxLimit <= 0 {
		maxLimit = 10
	}
	return &WebSearchTool{client: client, defaultMax: defaultMax, maxLimit: maxLimit}
}

func (t *WebSearchTool) Definition() domain.Tool {
	return domain.Tool{
		Name:        "web_search",
		Description: "Search the web for up-to-date information and return ranked results.",
		Parameters: map[string]interface{}{
			"type": "object",
			"properties": map[string]interface{}{
				"query":       map[string]interface{}{"type": "string", "description": "search query"},
				"max_results": map[string]interface{}{"type": "integer", "description": "maximum results to return"},
			},
			"required": []string{"query"},
		},
	}
}

func (t *WebSearchTool) Validate(args map[string]interface{}) error {
	query, ok := args["query"].(string)
	if !ok || strings.TrimSpace(query) == "" {
		return errors.New("missing required parameter: query (string)")
	}
	return nil
}

func (t *WebSearchTool) Execute(ctx context.Context, args map[string]interface{}) (interface{}, error) {
	query := strings.TrimSpace(args["query"].(string))

	maxResults := t.defaultMax
	if v, ok := args["max_results"].(float64); ok {
		maxResults = int(v)
		if maxResults < 1 {
			maxResults = 1
		} else if maxResults > t.maxLimit {
			maxResults = t.maxLimit
		}
	}

	results, err := t.client.Search(ctx, query, maxResults)
	if err != nil {
		return nil, fmt.Errorf("web search failed: %w", err)
	}

	out := make([]map[string]interface{}, len(results))
	for i, r := range results {
		out[i] = map[string]interface{}{"title": r.Title, "url": r.URL, "snippet": r.Snippet}
	}
	return map[string]interface{}{"results": out, "query": query, "result_count": len(out)}, nil
}

// CurrentTimeTool is a small, dependency-free tool useful for smoke-testing
// the orchestration loop end to end without wiring an external API.
type CurrentTimeTool struct{}

func (CurrentTimeTool) Definition() domain.Tool {
	return domain.Tool{
		Name:        "current_time",
		Description: "Return the current UTC time in RFC3339 format.",
		Parameters: map[string]interface{}{
			"type":       "object",
			"properties": map[string]interface{}{},
		},
	}
}

func (CurrentTimeTool) Validate(map[string]interface{}) error { return nil }

func (CurrentTimeTool) Execute(context.Context, map[string]interface{}) (interface{}, error) {
	return map[string]interface{}{"utc": time.Now().UTC().Format(time.RFC3339)}, nil
}
