package handler

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"

	"github.com/gofiber/fiber/v2"

	"llmgateway/internal/abort"
	"llmgateway/internal/conversation"
	"llmgateway/internal/domain"
	"llmgateway/internal/llmprovider"
	"llmgateway/internal/orchestrator"
	"llmgateway/internal/persistence"
	"llmgateway/internal/streamhub"
	"llmgateway/internal/tools"
)

// fakeStore is an in-memory persistence.Store stand-in for handler tests,
// modeled on the scriptedProvider pattern in orchestrator_test.go.
type fakeStore struct {
	mu            sync.Mutex
	conversations map[string]*domain.Conversation
	messages      map[string][]domain.Message
	nextSeq       map[string]int
	nextConvID    int
	nextMsgID    int
	errorMarks   int
}

func newFakeStore() *fakeStore {
	return &fakeStore{
		conversations: make(map[string]*domain.Conversation),
		messages:      make(map[string][]domain.Message),
		nextSeq:       make(map[string]int),
	}
}

func (s *fakeStore) GetConversation(ctx context.Context, id, userID string) (*domain.Conversation, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	c, ok := s.conversations[id]
	if !ok || c.UserID != userID {
		return nil, domain.ErrNotFound
	}
	return c, nil
}

func (s *fakeStore) ListConversations(ctx context.Context, userID string, limit int) ([]domain.Conversation, error) {
	return nil, nil
}

func (s *fakeStore) GetMessage(ctx context.Context, id string) (*domain.Message, error) {
	return nil, domain.ErrNotFound
}

func (s *fakeStore) GetLastAssistantResponseID(ctx context.Context, conversationID string) (string, bool, error) {
	return "", false, nil
}

func (s *fakeStore) CheckLimits(ctx context.Context, conversationID, userID string, maxMessages, maxConversations int) error {
	return nil
}

func (s *fakeStore) CreateConversation(ctx context.Context, conv *domain.Conversation) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.nextConvID++
	conv.ID = fmt.Sprintf("conv-%d", s.nextConvID)
	s.conversations[conv.ID] = conv
	return nil
}

func (s *fakeStore) NextSeq(ctx context.Context, conversationID string) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.nextSeq[conversationID]++
	return s.nextSeq[conversationID], nil
}

func (s *fakeStore) CreateMessage(ctx context.Context, msg *domain.Message) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.nextMsgID++
	msg.ID = fmt.Sprintf("msg-%d", s.nextMsgID)
	s.messages[msg.ConversationID] = append(s.messages[msg.ConversationID], *msg)
	return nil
}

func (s *fakeStore) UpdateMessage(ctx context.Context, msg *domain.Message) error { return nil }

func (s *fakeStore) MarkMessageError(ctx context.Context, messageID string, cancelled bool) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.errorMarks++
	return nil
}

func (s *fakeStore) SyncMessageHistory(ctx context.Context, conversationID, userID string, messages []domain.Message) ([]domain.Message, error) {
	path, _ := s.GetMessagePath(ctx, conversationID)
	var visible []domain.Message
	for _, m := range path {
		if m.Role == domain.RoleUser && m.Content == "" && len(m.ToolOutputs) > 0 {
			continue
		}
		visible = append(visible, m)
	}
	for i, msg := range messages {
		if i < len(visible) {
			if visible[i].Role != msg.Role {
				return nil, domain.ErrConflict
			}
			continue
		}
		seq, _ := s.NextSeq(ctx, conversationID)
		inserted := domain.Message{
			ConversationID: conversationID,
			Seq:            seq,
			Role:           msg.Role,
			Content:        msg.Content,
			Status:         domain.StatusComplete,
		}
		if err := s.CreateMessage(ctx, &inserted); err != nil {
			return nil, err
		}
		path = append(path, inserted)
	}
	return path, nil
}

func (s *fakeStore) TouchConversation(ctx context.Context, conversationID string) error { return nil }

func (s *fakeStore) UpdateConversationMetadata(ctx context.Context, conversationID string, patch persistence.ConversationPatch) error {
	return nil
}

func (s *fakeStore) GetMessagePath(ctx context.Context, conversationID string) ([]domain.Message, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]domain.Message, len(s.messages[conversationID]))
	copy(out, s.messages[conversationID])
	return out, nil
}

var _ persistence.Store = (*fakeStore)(nil)

// scriptedProvider replays a fixed sequence of rounds, one per model call,
// mirroring the orchestrator package's own test double.
type scriptedProvider struct {
	name   string
	rounds []domain.DoneEvent
	calls  int
}

func (p *scriptedProvider) Name() string                    { return p.name }
func (p *scriptedProvider) SupportsModel(model string) bool { return true }

func (p *scriptedProvider) round() domain.DoneEvent {
	if p.calls > len(p.rounds) {
		return domain.DoneEvent{FinishReason: domain.FinishStop}
	}
	return p.rounds[p.calls-1]
}

func (p *scriptedProvider) Stream(ctx context.Context, req llmprovider.Request) (<-chan domain.StreamEvent, error) {
	p.calls++
	done := p.round()
	ch := make(chan domain.StreamEvent, 2)
	go func() {
		defer close(ch)
		ch <- domain.StreamEvent{TextDelta: strPtr("hi")}
		ch <- domain.StreamEvent{Done: &done}
	}()
	return ch, nil
}

func (p *scriptedProvider) Complete(ctx context.Context, req llmprovider.Request) (*llmprovider.Result, error) {
	p.calls++
	done := p.round()
	return &llmprovider.Result{
		Content:      "hi",
		FinishReason: done.FinishReason,
		ToolCalls:    done.ToolCalls,
		ResponseID:   done.ResponseID,
	}, nil
}

func strPtr(s string) *string { return &s }

type clockTool struct{}

func (clockTool) Definition() domain.Tool {
	return domain.Tool{Name: "get_time", Description: "returns the current time"}
}
func (clockTool) Validate(args map[string]interface{}) error { return nil }
func (clockTool) Execute(ctx context.Context, args map[string]interface{}) (interface{}, error) {
	return map[string]string{"iso": "2025-01-01T00:00:00Z"}, nil
}

func newTestHandler(t *testing.T, rounds ...domain.DoneEvent) (*ChatHandler, *fakeStore) {
	t.Helper()
	if len(rounds) == 0 {
		rounds = []domain.DoneEvent{{FinishReason: domain.FinishStop}}
	}
	store := newFakeStore()
	provider := &scriptedProvider{name: "scripted", rounds: rounds}
	providers := map[string]llmprovider.Provider{"scripted": provider}
	registry := tools.NewRegistry()
	registry.Register(clockTool{})
	builder := conversation.New(nil, nil, nil, conversation.DefaultConfig())
	orch := orchestrator.New(providers, registry, builder, nil)
	hub := streamhub.NewHub(nil, nil)

	h := NewChatHandler(Config{
		Store:         store,
		Providers:     providers,
		ToolRegistry:  registry,
		Orchestrator:  orch,
		Hub:           hub,
		AbortCoord:    abort.New(),
		MaxIterations: 5,
		SystemPrompt:  "be helpful",
	})
	return h, store
}

func newTestApp(h *ChatHandler, userID string) *fiber.App {
	app := fiber.New(fiber.Config{ErrorHandler: func(c *fiber.Ctx, err error) error {
		return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{"error": err.Error()})
	}})
	app.Use(func(c *fiber.Ctx) error {
		if userID != "" {
			c.Locals("userID", userID)
		}
		return c.Next()
	})
	app.Post("/v1/chat/completions", h.Complete)
	app.Post("/v1/chat/completions/:conversation_id/abort", h.Abort)
	return app
}

func postJSON(t *testing.T, app *fiber.App, body string, headers map[string]string) *http.Response {
	t.Helper()
	req := httptest.NewRequest(http.MethodPost, "/v1/chat/completions", strings.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	resp, err := app.Test(req, -1)
	if err != nil {
		t.Fatalf("app.Test: %v", err)
	}
	return resp
}

func TestCompleteRejectsUnauthenticated(t *testing.T) {
	h, _ := newTestHandler(t)
	app := newTestApp(h, "")

	resp := postJSON(t, app, `{}`, nil)
	if resp.StatusCode != fiber.StatusUnauthorized {
		t.Errorf("status = %d, want %d", resp.StatusCode, fiber.StatusUnauthorized)
	}
}

func TestCompleteRejectsUnknownProvider(t *testing.T) {
	h, _ := newTestHandler(t)
	app := newTestApp(h, "user-1")

	body := `{"provider_id":"nope","model":"m","messages":[{"role":"user","content":"hi"}]}`
	resp := postJSON(t, app, body, nil)
	if resp.StatusCode != fiber.StatusBadRequest {
		t.Errorf("status = %d, want %d", resp.StatusCode, fiber.StatusBadRequest)
	}
}

func TestCompleteRejectsInvalidReasoningEffort(t *testing.T) {
	h, _ := newTestHandler(t)
	app := newTestApp(h, "user-1")

	body := `{"provider_id":"scripted","model":"m","reasoning_effort":"extreme","messages":[{"role":"user","content":"hi"}]}`
	resp := postJSON(t, app, body, nil)
	if resp.StatusCode != fiber.StatusBadRequest {
		t.Errorf("status = %d, want %d", resp.StatusCode, fiber.StatusBadRequest)
	}
}

func TestCompleteRejectsEmptyTurn(t *testing.T) {
	h, _ := newTestHandler(t)
	h.cfg.SystemPrompt = ""
	app := newTestApp(h, "user-1")

	body := `{"provider_id":"scripted","model":"m","messages":[]}`
	resp := postJSON(t, app, body, nil)
	if resp.StatusCode != fiber.StatusBadRequest {
		t.Errorf("status = %d, want %d", resp.StatusCode, fiber.StatusBadRequest)
	}
}

func TestCompleteRejectsZeroMaxIterations(t *testing.T) {
	h, _ := newTestHandler(t)
	h.cfg.MaxIterations = 0
	app := newTestApp(h, "user-1")

	body := `{"provider_id":"scripted","model":"m","messages":[{"role":"user","content":"hi"}]}`
	resp := postJSON(t, app, body, nil)
	if resp.StatusCode != fiber.StatusBadRequest {
		t.Fatalf("status = %d, want %d", resp.StatusCode, fiber.StatusBadRequest)
	}
	raw, _ := io.ReadAll(resp.Body)
	if !strings.Contains(string(raw), "invalid_config") {
		t.Errorf("expected invalid_config error code, got %s", raw)
	}
}

func TestCompleteSyncReturnsAssistantMessageAndConversation(t *testing.T) {
	h, store := newTestHandler(t)
	app := newTestApp(h, "user-1")

	body := `{"provider_id":"scripted","model":"m","stream":false,"messages":[{"role":"user","content":"hi"}]}`
	resp := postJSON(t, app, body, nil)
	if resp.StatusCode != fiber.StatusOK {
		t.Fatalf("status = %d, want 200", resp.StatusCode)
	}

	var parsed struct {
		Object  string `json:"object"`
		Choices []struct {
			Message struct {
				Role    string `json:"role"`
				Content string `json:"content"`
			} `json:"message"`
			FinishReason string `json:"finish_reason"`
		} `json:"choices"`
		ToolEvents   []ToolEvent `json:"tool_events"`
		Conversation struct {
			ID  string `json:"id"`
			Seq int    `json:"seq"`
		} `json:"_conversation"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&parsed); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	if parsed.Object != "chat.completion" {
		t.Errorf("object = %q, want chat.completion", parsed.Object)
	}
	if len(parsed.Choices) != 1 || parsed.Choices[0].Message.Content != "hi" {
		t.Errorf("unexpected choices: %+v", parsed.Choices)
	}
	if parsed.Conversation.ID == "" {
		t.Errorf("expected a _conversation block with the new conversation's id")
	}
	if parsed.Conversation.Seq != 2 {
		t.Errorf("assistant seq = %d, want 2 (user message took seq 1)", parsed.Conversation.Seq)
	}

	store.mu.Lock()
	defer store.mu.Unlock()
	if len(store.conversations) != 1 {
		t.Errorf("expected exactly one conversation to be created, got %d", len(store.conversations))
	}
	msgs := store.messages["conv-1"]
	if len(msgs) != 2 {
		t.Fatalf("expected user + assistant persisted, got %d messages", len(msgs))
	}
	if msgs[1].Role != domain.RoleAssistant || msgs[1].Content != "hi" {
		t.Errorf("unexpected assistant row: %+v", msgs[1])
	}
}

func TestCompleteSyncRecordsToolEvents(t *testing.T) {
	h, store := newTestHandler(t,
		domain.DoneEvent{
			FinishReason: domain.FinishToolCalls,
			ToolCalls:    []domain.ToolCall{{ID: "c1", Name: "get_time", Arguments: "{}"}},
		},
		domain.DoneEvent{FinishReason: domain.FinishStop},
	)
	app := newTestApp(h, "user-1")

	body := `{"provider_id":"scripted","model":"m","stream":false,"messages":[{"role":"user","content":"what time is it"}]}`
	resp := postJSON(t, app, body, nil)
	if resp.StatusCode != fiber.StatusOK {
		t.Fatalf("status = %d, want 200", resp.StatusCode)
	}

	var parsed struct {
		ToolEvents []ToolEvent `json:"tool_events"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&parsed); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	if len(parsed.ToolEvents) != 2 {
		t.Fatalf("expected a tool_calls and a tool_output event, got %+v", parsed.ToolEvents)
	}
	if parsed.ToolEvents[0].Type != "tool_calls" || parsed.ToolEvents[1].Type != "tool_output" {
		t.Errorf("unexpected tool event ordering: %+v", parsed.ToolEvents)
	}
	if got := parsed.ToolEvents[1].ToolOutput; got == nil || got.ToolCallID != "c1" || !strings.Contains(got.Output, "iso") {
		t.Errorf("unexpected tool output event: %+v", got)
	}

	store.mu.Lock()
	defer store.mu.Unlock()
	msgs := store.messages["conv-1"]
	// user, assistant(tool_calls), user(tool_outputs), assistant(final)
	if len(msgs) != 4 {
		t.Fatalf("expected 4 persisted messages, got %d", len(msgs))
	}
	if len(msgs[1].ToolCalls) != 1 || len(msgs[2].ToolOutputs) != 1 {
		t.Errorf("tool call/output rows not linked: %+v %+v", msgs[1], msgs[2])
	}
}

func TestCompleteStreamEmitsConversationThenDone(t *testing.T) {
	h, _ := newTestHandler(t)
	app := newTestApp(h, "user-1")

	body := `{"provider_id":"scripted","model":"m","messages":[{"role":"user","content":"hi"}]}`
	resp := postJSON(t, app, body, nil)
	if resp.StatusCode != fiber.StatusOK {
		t.Fatalf("status = %d, want 200", resp.StatusCode)
	}
	if ct := resp.Header.Get("Content-Type"); !strings.Contains(ct, "text/event-stream") {
		t.Fatalf("Content-Type = %q, want text/event-stream", ct)
	}

	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		t.Fatalf("read body: %v", err)
	}
	out := string(raw)

	if !strings.Contains(out, `"content":"hi"`) {
		t.Errorf("expected a content chunk, got %q", out)
	}
	if !strings.Contains(out, `"_conversation"`) {
		t.Errorf("expected a _conversation frame, got %q", out)
	}
	if !strings.Contains(out, `"finish_reason":"stop"`) {
		t.Errorf("expected a final chunk with finish_reason stop, got %q", out)
	}
	if got := strings.Count(out, "data: [DONE]"); got != 1 {
		t.Errorf("expected exactly one [DONE] frame, got %d in %q", got, out)
	}
	convIdx := strings.Index(out, `"_conversation"`)
	doneIdx := strings.Index(out, "data: [DONE]")
	if convIdx > doneIdx {
		t.Errorf("_conversation frame must precede [DONE]")
	}
	if rest := strings.TrimSpace(out[doneIdx+len("data: [DONE]"):]); rest != "" {
		t.Errorf("no frames may follow [DONE], got %q", rest)
	}
}

func TestCompleteStreamToolOrchestration(t *testing.T) {
	h, _ := newTestHandler(t,
		domain.DoneEvent{
			FinishReason: domain.FinishToolCalls,
			ToolCalls:    []domain.ToolCall{{ID: "c1", Name: "get_time", Arguments: "{}"}},
		},
		domain.DoneEvent{FinishReason: domain.FinishStop},
	)
	app := newTestApp(h, "user-1")

	body := `{"provider_id":"scripted","model":"m","tools":["get_time"],"messages":[{"role":"user","content":"what time is it"}]}`
	resp := postJSON(t, app, body, nil)
	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		t.Fatalf("read body: %v", err)
	}
	out := string(raw)

	callsIdx := strings.Index(out, `"tool_calls"`)
	outputIdx := strings.Index(out, `"tool_output"`)
	doneIdx := strings.Index(out, "data: [DONE]")
	if callsIdx < 0 || outputIdx < 0 || doneIdx < 0 {
		t.Fatalf("missing tool frames or terminator in %q", out)
	}
	if !(callsIdx < outputIdx && outputIdx < doneIdx) {
		t.Errorf("expected tool_calls before tool_output before [DONE]")
	}
	if !strings.Contains(out, `"tool_call_id":"c1"`) {
		t.Errorf("tool output frame should reference its call id, got %q", out)
	}
}

func TestConversationIDHeaderSelectsConversation(t *testing.T) {
	h, store := newTestHandler(t)
	app := newTestApp(h, "user-1")

	conv := &domain.Conversation{UserID: "user-1", Provider: "scripted", Model: "m"}
	if err := store.CreateConversation(context.Background(), conv); err != nil {
		t.Fatalf("CreateConversation: %v", err)
	}

	body := `{"provider_id":"scripted","model":"m","stream":false,"messages":[{"role":"user","content":"hi"}]}`
	resp := postJSON(t, app, body, map[string]string{"x-conversation-id": conv.ID})
	if resp.StatusCode != fiber.StatusOK {
		t.Fatalf("status = %d, want 200", resp.StatusCode)
	}

	store.mu.Lock()
	defer store.mu.Unlock()
	if len(store.conversations) != 1 {
		t.Errorf("expected the existing conversation to be reused, got %d conversations", len(store.conversations))
	}
	if len(store.messages[conv.ID]) == 0 {
		t.Errorf("expected messages persisted under the header-selected conversation")
	}
}

func TestCompleteRejectsForeignConversation(t *testing.T) {
	h, store := newTestHandler(t)
	app := newTestApp(h, "user-1")

	conv := &domain.Conversation{UserID: "someone-else", Provider: "scripted", Model: "m"}
	if err := store.CreateConversation(context.Background(), conv); err != nil {
		t.Fatalf("CreateConversation: %v", err)
	}

	body := fmt.Sprintf(`{"provider_id":"scripted","model":"m","conversation_id":%q,"messages":[{"role":"user","content":"hi"}]}`, conv.ID)
	resp := postJSON(t, app, body, nil)
	if resp.StatusCode != fiber.StatusNotFound {
		t.Errorf("status = %d, want %d", resp.StatusCode, fiber.StatusNotFound)
	}
}

func TestRepeatedHistorySyncIsIdempotent(t *testing.T) {
	h, store := newTestHandler(t, domain.DoneEvent{FinishReason: domain.FinishStop}, domain.DoneEvent{FinishReason: domain.FinishStop})
	app := newTestApp(h, "user-1")

	body := `{"provider_id":"scripted","model":"m","stream":false,"messages":[{"role":"user","content":"hi"}]}`
	resp := postJSON(t, app, body, nil)
	if resp.StatusCode != fiber.StatusOK {
		t.Fatalf("first request: status = %d", resp.StatusCode)
	}

	// Re-send the same client history against the same conversation: the
	// store already holds position 1, so nothing new is inserted for it.
	body2 := `{"provider_id":"scripted","model":"m","stream":false,"conversation_id":"conv-1","messages":[{"role":"user","content":"hi"}]}`
	resp = postJSON(t, app, body2, nil)
	if resp.StatusCode != fiber.StatusOK {
		t.Fatalf("second request: status = %d", resp.StatusCode)
	}

	store.mu.Lock()
	defer store.mu.Unlock()
	var userMsgs int
	for _, m := range store.messages["conv-1"] {
		if m.Role == domain.RoleUser {
			userMsgs++
		}
	}
	if userMsgs != 1 {
		t.Errorf("expected the user message persisted exactly once across both requests, got %d", userMsgs)
	}
}

// failingProvider fails every call, driving the Failed path.
type failingProvider struct{}

func (failingProvider) Name() string                    { return "failing" }
func (failingProvider) SupportsModel(model string) bool { return true }
func (failingProvider) Stream(ctx context.Context, req llmprovider.Request) (<-chan domain.StreamEvent, error) {
	return nil, fmt.Errorf("boom: %w", domain.ErrUpstream)
}
func (failingProvider) Complete(ctx context.Context, req llmprovider.Request) (*llmprovider.Result, error) {
	return nil, fmt.Errorf("boom: %w", domain.ErrUpstream)
}

func TestCompleteStreamFailedTurnEmitsErrorLineAndDone(t *testing.T) {
	store := newFakeStore()
	providers := map[string]llmprovider.Provider{"failing": failingProvider{}}
	registry := tools.NewRegistry()
	builder := conversation.New(nil, nil, nil, conversation.DefaultConfig())
	orch := orchestrator.New(providers, registry, builder, nil)

	h := NewChatHandler(Config{
		Store:         store,
		Providers:     providers,
		ToolRegistry:  registry,
		Orchestrator:  orch,
		Hub:           streamhub.NewHub(nil, nil),
		AbortCoord:    abort.New(),
		MaxIterations: 5,
		SystemPrompt:  "be helpful",
	})
	app := newTestApp(h, "user-1")

	body := `{"provider_id":"failing","model":"m","messages":[{"role":"user","content":"hi"}]}`
	resp := postJSON(t, app, body, nil)
	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		t.Fatalf("read body: %v", err)
	}
	out := string(raw)

	if !strings.Contains(out, "upstream provider returned an error") {
		t.Errorf("expected a human-readable error content line, got %q", out)
	}
	if got := strings.Count(out, "data: [DONE]"); got != 1 {
		t.Errorf("failed turn must still end with exactly one [DONE], got %d", got)
	}

	store.mu.Lock()
	defer store.mu.Unlock()
	msgs := store.messages["conv-1"]
	// user message + error marker row
	if len(msgs) != 2 {
		t.Fatalf("expected user message plus an error marker, got %d", len(msgs))
	}
	marker := msgs[1]
	if marker.Role != domain.RoleAssistant || marker.Status != domain.StatusError {
		t.Errorf("expected an assistant error marker, got %+v", marker)
	}
	if marker.Seq != 2 {
		t.Errorf("error marker seq = %d, want 2 (seq(user)+1)", marker.Seq)
	}
}

func TestAbortUnknownConversationReturnsNotFound(t *testing.T) {
	h, _ := newTestHandler(t)
	app := newTestApp(h, "user-1")

	req := httptest.NewRequest(http.MethodPost, "/v1/chat/completions/missing/abort", nil)
	resp, err := app.Test(req)
	if err != nil {
		t.Fatalf("app.Test: %v", err)
	}
	if resp.StatusCode != fiber.StatusNotFound {
		t.Errorf("status = %d, want %d", resp.StatusCode, fiber.StatusNotFound)
	}
}
