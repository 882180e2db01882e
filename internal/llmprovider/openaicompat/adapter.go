package openaicompat

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"

	"llmgateway/internal/assembler"
	"llmgateway/internal/domain"
	"llmgateway/internal/httpclient"
	"llmgateway/internal/llmprovider"
	"llmgateway/internal/sse"
)

// Provider implements llmprovider.Provider over any OpenAI-wire-compatible
// chat/completions endpoint: OpenAI itself, Azure OpenAI, or a
// self-hosted model server.
type Provider struct {
	name    string
	baseURL string
	apiKey  string
	models  func(string) bool
	http    *httpclient.Client
}

// Option customizes a Provider beyond its required name/baseURL/apiKey.
type Option func(*Provider)

// WithModelFilter overrides the default model-prefix check with a custom
// predicate, for deployments where model IDs don't follow OpenAI's naming.
func WithModelFilter(f func(string) bool) Option {
	return func(p *Provider) { p.models = f }
}

// WithHTTPConfig overrides the retry policy used for the initial request.
func WithHTTPConfig(cfg httpclient.Config) Option {
	return func(p *Provider) { p.http = httpclient.New(cfg) }
}

// New constructs a Provider. name identifies it in logs and in
// Capabilities lookups (e.g. "openai"); baseURL is the API root without a
// trailing slash (e.g. "https://api.openai.com/v1").
func New(name, baseURL, apiKey string, opts ...Option) (*Provider, error) {
	if apiKey == "" {
		return nil, fmt.Errorf("%s: API key is required", name)
	}
	p := &Provider{
		name:    name,
		baseURL: strings.TrimSuffix(baseURL, "/"),
		apiKey:  apiKey,
		http:    httpclient.New(httpclient.DefaultConfig()),
	}
	p.models = func(model string) bool { return strings.HasPrefix(model, "gpt-") || strings.HasPrefix(model, "o1") }
	for _, opt := range opts {
		opt(p)
	}
	return p, nil
}

func (p *Provider) Name() string { return p.name }

func (p *Provider) SupportsModel(model string) bool { return p.models(model) }

// Stream issues one streaming chat/completions request and translates the
// raw SSE chunks into domain.StreamEvent values, accumulating tool-call
// argument deltas with the shared C5 assembler.
func (p *Provider) Stream(ctx context.Context, req llmprovider.Request) (<-chan domain.StreamEvent, error) {
	if !p.SupportsModel(req.Model) {
		return nil, fmt.Errorf("%s: model %q is not supported", p.name, req.Model)
	}

	resp, err := p.post(ctx, req, true)
	if err != nil {
		return nil, err
	}

	events := make(chan domain.StreamEvent, 16)
	go p.consume(ctx, resp.Body, events)
	return events, nil
}

// Complete issues one blocking (non-streamed) chat/completions request,
// used when a turn opted out of upstream streaming (provider_stream=false).
func (p *Provider) Complete(ctx context.Context, req llmprovider.Request) (*llmprovider.Result, error) {
	if !p.SupportsModel(req.Model) {
		return nil, fmt.Errorf("%s: model %q is not supported", p.name, req.Model)
	}

	resp, err := p.post(ctx, req, false)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	var cr chatResponse
	if err := json.NewDecoder(resp.Body).Decode(&cr); err != nil {
		return nil, fmt.Errorf("%s: decode response: %w", p.name, err)
	}
	if len(cr.Choices) == 0 {
		return nil, fmt.Errorf("%s: response carried no choices", p.name)
	}

	choice := cr.Choices[0]
	result := &llmprovider.Result{
		Content:      choice.Message.Content,
		Reasoning:    choice.Message.Reasoning,
		FinishReason: mapFinishReason(choice.FinishReason),
		ResponseID:   cr.ID,
	}
	for i, tc := range choice.Message.ToolCalls {
		args := tc.Function.Arguments
		if args == "" {
			args = "{}"
		}
		result.ToolCalls = append(result.ToolCalls, domain.ToolCall{
			ID:        tc.ID,
			Name:      tc.Function.Name,
			Arguments: args,
			Index:     i,
		})
	}
	if len(result.ToolCalls) > 0 {
		result.FinishReason = domain.FinishToolCalls
	}
	if cr.Usage != nil {
		result.Usage = domain.Usage{InputTokens: cr.Usage.PromptTokens, OutputTokens: cr.Usage.CompletionTokens}
	}
	return result, nil
}

// post sends one chat/completions request through the retrying client and
// normalizes HTTP-level failures into the gateway's error taxonomy.
func (p *Provider) post(ctx context.Context, req llmprovider.Request, stream bool) (*http.Response, error) {
	body := chatRequest{
		Model:              req.Model,
		Messages:           convertMessages(req.Messages, req.System),
		Tools:              convertTools(req.Tools),
		ToolChoice:         req.ToolChoice,
		MaxTokens:          req.MaxTokens,
		Temperature:        req.Temperature,
		Stream:             stream,
		PreviousResponseID: req.PreviousResponseID,
		ReasoningEffort:    req.ReasoningEffort,
		Verbosity:          req.Verbosity,
	}
	if stream {
		body.StreamOptions = &streamOptions{IncludeUsage: true}
	}
	payload, err := json.Marshal(body)
	if err != nil {
		return nil, fmt.Errorf("%s: marshal request: %w", p.name, err)
	}

	resp, err := p.http.Do(ctx, func(ctx context.Context) (*http.Request, error) {
		r, err := http.NewRequestWithContext(ctx, http.MethodPost, p.baseURL+"/chat/completions", bytes.NewReader(payload))
		if err != nil {
			return nil, err
		}
		r.Header.Set("Content-Type", "application/json")
		r.Header.Set("Authorization", "Bearer "+p.apiKey)
		if stream {
			r.Header.Set("Accept", "text/event-stream")
		}
		return r, nil
	})
	if err != nil {
		// httpclient.Client.Do returns a non-nil response alongside a
		// Permanent error for 4xx statuses; read its body for the error
		// detail before discarding it.
		if resp != nil {
			defer resp.Body.Close()
			return nil, p.upstreamError(resp, req.PreviousResponseID != "")
		}
		if aborted := new(httpclient.AbortError); errors.As(err, &aborted) {
			return nil, fmt.Errorf("%s: %w", p.name, err)
		}
		return nil, fmt.Errorf("%s: %w: %w", p.name, domain.ErrUpstream, err)
	}

	if resp.StatusCode >= 400 {
		defer resp.Body.Close()
		return nil, p.upstreamError(resp, req.PreviousResponseID != "")
	}
	return resp, nil
}

// upstreamError decodes a failed response's body into the gateway's error
// taxonomy. A 400 blaming previous_response_id becomes
// domain.ErrInvalidPreviousResponse so the orchestrator can rebuild from
// full history and reissue once; everything else is a plain upstream error.
func (p *Provider) upstreamError(resp *http.Response, sentPreviousResponse bool) error {
	raw, _ := io.ReadAll(io.LimitReader(resp.Body, 8*1024))
	var eb errorBody
	detail := string(raw)
	if json.Unmarshal(raw, &eb) == nil && eb.Error.Message != "" {
		detail = eb.Error.Message
	}
	if sentPreviousResponse && resp.StatusCode == http.StatusBadRequest &&
		strings.Contains(detail, "previous_response_id") {
		return fmt.Errorf("%s: %s: %w", p.name, detail, domain.ErrInvalidPreviousResponse)
	}
	return fmt.Errorf("%s: upstream status %d: %s: %w", p.name, resp.StatusCode, detail, domain.ErrUpstream)
}

// consume reads the streamed response body frame by frame, emitting
// incremental text/tool-call events and a final Usage+Done event once the
// body closes or the [DONE] sentinel arrives.
func (p *Provider) consume(ctx context.Context, body io.ReadCloser, events chan<- domain.StreamEvent) {
	defer close(events)
	defer body.Close()

	dec := sse.NewDecoder(body)
	asm := assembler.New()

	var (
		responseID   string
		finishReason domain.FinishReason = domain.FinishStop
		usage        *domain.Usage
		seenIndices  = map[int]bool{}
	)

	for {
		frame, err := dec.Next()
		if err != nil {
			if err != io.EOF {
				events <- domain.StreamEvent{Err: fmt.Errorf("%s: stream: %w", p.name, err)}
				return
			}
			break
		}
		if frame.Data == "" || frame.Data == sse.Done {
			if frame.Data == sse.Done {
				break
			}
			continue
		}

		var chunk streamChunk
		if err := json.Unmarshal([]byte(frame.Data), &chunk); err != nil {
			// A malformed chunk never aborts the stream; surface it with
			// its raw payload and keep decoding.
			select {
			case events <- domain.StreamEvent{ParseError: &domain.ParseErrorEvent{Raw: frame.Data, Err: err.Error()}}:
			case <-ctx.Done():
				events <- domain.StreamEvent{Err: ctx.Err()}
				return
			}
			continue
		}
		if chunk.ID != "" {
			responseID = chunk.ID
		}
		if chunk.Usage != nil {
			usage = &domain.Usage{InputTokens: chunk.Usage.PromptTokens, OutputTokens: chunk.Usage.CompletionTokens}
		}
		if len(chunk.Choices) == 0 {
			continue
		}
		choice := chunk.Choices[0]
		if choice.FinishReason != "" {
			finishReason = mapFinishReason(choice.FinishReason)
		}

		if choice.Delta.Content != "" {
			text := choice.Delta.Content
			select {
			case events <- domain.StreamEvent{TextDelta: &text}:
			case <-ctx.Done():
				events <- domain.StreamEvent{Err: ctx.Err()}
				return
			}
		}

		for _, tcd := range choice.Delta.ToolCalls {
			if !seenIndices[tcd.Index] {
				seenIndices[tcd.Index] = true
				asm.AddStart(tcd.Index, tcd.ID, tcd.Function.Name)
				id, name := tcd.ID, tcd.Function.Name
				select {
				case events <- domain.StreamEvent{ToolCallID: &id, ToolCallName: &name, ToolCallIdx: tcd.Index}:
				case <-ctx.Done():
					events <- domain.StreamEvent{Err: ctx.Err()}
					return
				}
			} else if tcd.ID != "" || tcd.Function.Name != "" {
				asm.AddStart(tcd.Index, tcd.ID, tcd.Function.Name)
			}
			if tcd.Function.Arguments != "" {
				asm.AddArguments(tcd.Index, tcd.Function.Arguments)
				frag := tcd.Function.Arguments
				select {
				case events <- domain.StreamEvent{ArgsDelta: &frag, ToolCallIdx: tcd.Index}:
				case <-ctx.Done():
					events <- domain.StreamEvent{Err: ctx.Err()}
					return
				}
			}
		}
	}

	toolCalls := asm.ToolCalls()
	if len(toolCalls) > 0 {
		finishReason = domain.FinishToolCalls
	}

	events <- domain.StreamEvent{
		Usage: usage,
		Done: &domain.DoneEvent{
			FinishReason: finishReason,
			ToolCalls:    toolCalls,
			ResponseID:   responseID,
			Malformed:    asm.Malformed(),
		},
	}
}
