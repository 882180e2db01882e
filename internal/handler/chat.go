// Package handler implements the gateway's single public surface:
// POST /v1/chat/completions, wiring together conversation resolution,
// C6's request builder, C7's orchestrator, and C8's stream hub behind
// Fiber's SetBodyStreamWriter, matching the teacher's sse_handler.go
// shape generalized from its single-executor registry to the full
// tool-orchestration loop.
package handler

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/google/uuid"

	"llmgateway/internal/abort"
	"llmgateway/internal/domain"
	"llmgateway/internal/llmprovider"
	"llmgateway/internal/orchestrator"
	"llmgateway/internal/persistence"
	"llmgateway/internal/streamhub"
	"llmgateway/internal/tools"
)

// keepAlive matches the teacher's 15-second SSE ticker.
const keepAlive = 15 * time.Second

// titleLimit caps the auto-generated conversation title derived from the
// first user message.
const titleLimit = 80

// ChatHandler wires C6/C7/C8/C9/C10/C11 together behind the public HTTP
// surface.
type ChatHandler struct {
	store        persistence.Store
	providers    map[string]llmprovider.Provider
	capabilities *llmprovider.CapabilityRegistry
	toolRegistry *tools.Registry
	orch         *orchestrator.Orchestrator
	hub          *streamhub.Hub
	abortCoord   *abort.Coordinator
	logger       *slog.Logger
	cfg          Config
}

// Config bundles ChatHandler's dependencies and tuning.
type Config struct {
	Store        persistence.Store
	Providers    map[string]llmprovider.Provider
	Capabilities *llmprovider.CapabilityRegistry
	ToolRegistry *tools.Registry
	Orchestrator *orchestrator.Orchestrator
	Hub          *streamhub.Hub
	AbortCoord   *abort.Coordinator
	Logger       *slog.Logger

	MaxIterations  int
	SoftIterations int
	TurnTimeout    time.Duration
	SystemPrompt   string

	DefaultProvider string
	DefaultModel    string

	MaxMessagesPerConversation int
	MaxConversationsPerUser    int

	ParallelToolsEnabled bool
	ParallelConcurrency  int
	ParallelToolsTimeout time.Duration
}

// NewChatHandler constructs a ChatHandler from cfg.
func NewChatHandler(cfg Config) *ChatHandler {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &ChatHandler{
		store:        cfg.Store,
		providers:    cfg.Providers,
		capabilities: cfg.Capabilities,
		toolRegistry: cfg.ToolRegistry,
		orch:         cfg.Orchestrator,
		hub:          cfg.Hub,
		abortCoord:   cfg.AbortCoord,
		logger:       logger,
		cfg:          cfg,
	}
}

// Complete handles POST /v1/chat/completions.
func (h *ChatHandler) Complete(c *fiber.Ctx) error {
	userID, _ := c.Locals("userID").(string)
	if userID == "" {
		return handleError(c, domain.ErrUnauthorized)
	}
	if h.cfg.MaxIterations <= 0 {
		return handleError(c, fmt.Errorf("%w: maxIterations must be positive", domain.ErrInvalidConfig))
	}

	var req ChatRequest
	if err := c.BodyParser(&req); err != nil {
		return handleError(c, fmt.Errorf("%w: %s", domain.ErrValidation, err.Error()))
	}
	req.applyHeaders(c)
	if err := req.Validate(); err != nil {
		return handleError(c, fmt.Errorf("%w: %s", domain.ErrValidation, err.Error()))
	}

	providerID := req.ProviderID
	if providerID == "" {
		providerID = h.cfg.DefaultProvider
	}
	if _, ok := h.providers[providerID]; !ok {
		return handleError(c, fmt.Errorf("%w: unknown provider %q", domain.ErrValidation, providerID))
	}
	model := req.Model
	if model == "" {
		model = h.cfg.DefaultModel
	}

	ctx := c.Context()

	conv, err := h.resolveConversation(ctx, &req, userID, providerID, model)
	if err != nil {
		return handleError(c, err)
	}

	if err := h.store.CheckLimits(ctx, conv.ID, userID, h.cfg.MaxMessagesPerConversation, h.cfg.MaxConversationsPerUser); err != nil {
		return handleError(c, err)
	}

	tc, userMessageID, err := h.buildTurnContext(ctx, conv, &req, providerID, model)
	if err != nil {
		return handleError(c, err)
	}

	if len(tc.Messages) == 0 && req.SystemPrompt == "" && h.cfg.SystemPrompt == "" {
		return handleError(c, fmt.Errorf("%w: empty message list with no history or system prompt", domain.ErrValidation))
	}

	systemPrompt := h.cfg.SystemPrompt
	if req.SystemPrompt != "" {
		systemPrompt = req.SystemPrompt
	}

	turnCtx, release := h.abortCoord.Register(c.Context(), conv.ID, h.cfg.TurnTimeout)

	turn := &turnState{
		conv:                 conv,
		tc:                   tc,
		userMessageID:        userMessageID,
		activeSystemPromptID: req.ActiveSystemPromptID,
		systemPrompt:         systemPrompt,
	}

	if req.wantsStream() {
		// The body-stream writer runs after this handler returns, so the
		// abort registration is released there, not here.
		return h.completeStream(turnCtx, release, c, turn)
	}
	defer release()
	return h.completeSync(turnCtx, c, turn)
}

// Abort handles POST /v1/chat/completions/:conversation_id/abort, cancelling
// an in-flight turn per C11.
func (h *ChatHandler) Abort(c *fiber.Ctx) error {
	conversationID := c.Params("conversation_id")
	if !h.abortCoord.Cancel(conversationID) {
		return handleError(c, fmt.Errorf("conversation %s has no active turn: %w", conversationID, domain.ErrNotFound))
	}
	return c.SendStatus(fiber.StatusAccepted)
}

// turnState carries one request's resolved pieces between the shared
// turn-running code and the streaming/sync response writers.
type turnState struct {
	conv                 *domain.Conversation
	tc                   *domain.TurnContext
	userMessageID        string
	activeSystemPromptID string
	systemPrompt         string

	assistantMessageID string
	assistantSeq       int
	finishReason       domain.FinishReason
	usage              *domain.Usage
	toolEvents         []ToolEvent
	runErr             error
	cancelled          bool
}

// resolveConversation creates a new conversation or loads an existing one
// scoped to userID, matching the teacher's get-or-create pattern. A new
// conversation's title is derived from the first user message.
func (h *ChatHandler) resolveConversation(ctx context.Context, req *ChatRequest, userID, providerID, model string) (*domain.Conversation, error) {
	if req.ConversationID != "" {
		return h.store.GetConversation(ctx, req.ConversationID, userID)
	}
	conv := &domain.Conversation{
		UserID:   userID,
		Provider: providerID,
		Model:    model,
		Title:    deriveTitle(req.Messages),
	}
	if err := h.store.CreateConversation(ctx, conv); err != nil {
		return nil, fmt.Errorf("create conversation: %w", err)
	}
	return conv, nil
}

func deriveTitle(messages []ChatMessage) string {
	for _, m := range messages {
		if m.Role != string(domain.RoleUser) || m.Content == "" {
			continue
		}
		title := m.Content
		if len(title) > titleLimit {
			title = title[:titleLimit]
		}
		return title
	}
	return "New conversation"
}

// buildTurnContext syncs the client-supplied history into the store,
// resolves tool availability, and decides whether the turn can ride the
// previous_response_id optimisation instead of replaying full history.
func (h *ChatHandler) buildTurnContext(ctx context.Context, conv *domain.Conversation, req *ChatRequest, providerID, model string) (*domain.TurnContext, string, error) {
	incoming := make([]domain.Message, 0, len(req.Messages))
	for _, m := range req.Messages {
		if m.Role == string(domain.RoleSystem) {
			continue // the server-resolved system prompt wins
		}
		incoming = append(incoming, domain.Message{Role: domain.Role(m.Role), Content: m.Content})
	}

	history, err := h.store.SyncMessageHistory(ctx, conv.ID, conv.UserID, incoming)
	if err != nil {
		return nil, "", err
	}

	var userMessageID string
	for i := len(history) - 1; i >= 0; i-- {
		if history[i].Role == domain.RoleUser {
			userMessageID = history[i].ID
			break
		}
	}

	availableTools, err := h.resolveTools(req)
	if err != nil {
		return nil, "", err
	}

	stream := req.wantsStream()
	providerStream := stream
	if req.ProviderStream != nil {
		providerStream = *req.ProviderStream
	}

	tc := &domain.TurnContext{
		Conversation:    conv,
		Provider:        providerID,
		Model:           model,
		Messages:        history,
		AvailableTools:  availableTools,
		MaxToolRounds:   h.cfg.MaxIterations,
		HardLimit:       h.cfg.MaxIterations,
		SoftLimit:       h.cfg.SoftIterations,
		ParallelTools:    req.EnableParallelToolCalls || h.cfg.ParallelToolsEnabled,
		ToolConcurrency:  pickConcurrency(req.ParallelToolConcurrency, h.cfg.ParallelConcurrency),
		ToolBatchTimeout: h.cfg.ParallelToolsTimeout,
		ProviderStream:   providerStream,
		ReasoningEffort:  req.ReasoningEffort,
		Verbosity:        req.Verbosity,
		ToolChoice:       req.ToolChoice,
	}

	tc.PreviousResponseID = h.resolvePreviousResponseID(ctx, conv.ID, req, providerID, model)

	return tc, userMessageID, nil
}

func pickConcurrency(requested, configured int) int {
	if requested > 0 {
		return requested
	}
	return configured
}

// resolvePreviousResponseID returns the response id a request may reference
// in place of full history: an explicit client-supplied one, else the last
// persisted assistant response id — both only when the model supports the
// optimisation.
func (h *ChatHandler) resolvePreviousResponseID(ctx context.Context, conversationID string, req *ChatRequest, providerID, model string) string {
	if h.capabilities == nil || !h.capabilities.Get(providerID, model).SupportsPreviousResponseID {
		return ""
	}
	if req.PreviousResponseID != "" {
		return req.PreviousResponseID
	}
	id, ok, err := h.store.GetLastAssistantResponseID(ctx, conversationID)
	if err != nil {
		h.logger.Warn("last assistant response id lookup failed, replaying full history", "error", err)
		return ""
	}
	if !ok {
		return ""
	}
	return id
}

// resolveTools expands the request's tools field — registered names or
// inline specs — into the turn's tool list, defaulting to every registered
// tool.
func (h *ChatHandler) resolveTools(req *ChatRequest) ([]domain.Tool, error) {
	names, specs, err := req.ParseTools()
	if err != nil {
		return nil, fmt.Errorf("%w: %s", domain.ErrValidation, err.Error())
	}
	if len(specs) > 0 {
		return specs, nil
	}
	if len(names) > 0 {
		return h.toolRegistry.Filter(names).Definitions(), nil
	}
	return h.toolRegistry.Definitions(), nil
}

// completeStream runs the orchestrator loop, publishing every event onto
// the hub and streaming it back to this caller over SSE, matching the
// teacher's SetBodyStreamWriter pattern in sse_handler.go.
func (h *ChatHandler) completeStream(ctx context.Context, release func(), c *fiber.Ctx, turn *turnState) error {
	c.Set(fiber.HeaderContentType, "text/event-stream")
	c.Set(fiber.HeaderCacheControl, "no-cache")
	c.Set(fiber.HeaderConnection, "keep-alive")

	conversationID := turn.conv.ID
	clientID := uuid.NewString()
	afterSeq := lastEventID(c)

	c.Context().SetBodyStreamWriter(func(w *bufio.Writer) {
		defer release()

		// Subscribe before the first publish so no frame is missed, then
		// pump from a separate goroutine while this one drives the turn.
		events := h.hub.Subscribe(conversationID, clientID)
		defer h.hub.Unsubscribe(conversationID, clientID)

		if err := h.hub.Catchup(ctx, conversationID, afterSeq, w); err != nil {
			h.logger.Warn("catchup replay aborted", "conversation_id", conversationID, "error", err)
			return
		}

		done := make(chan struct{})
		go func() {
			defer close(done)
			if err := h.hub.Pump(ctx, events, w, keepAlive); err != nil {
				// A write failure means the client hung up: cancel the turn
				// so the orchestrator stops at its next transition and the
				// error-marker path commits instead of the success path.
				h.logger.Warn("sse stream ended, cancelling turn", "conversation_id", conversationID, "error", err)
				release()
			}
		}()

		enc := streamhub.NewChunkEncoder(conversationID, turn.tc.Model)
		h.runTurn(ctx, turn, func(se domain.StreamEvent) {
			if evt := enc.Encode(se); evt != nil {
				h.hub.Publish(ctx, conversationID, *evt)
			}
		})

		// A cancelled turn closes the writer silently: the error marker is
		// already persisted and the client is gone.
		switch {
		case turn.cancelled:
		case turn.runErr != nil:
			h.hub.Publish(ctx, conversationID, enc.ErrorChunk(publicErrorLine(turn.runErr)))
			h.hub.Publish(ctx, conversationID, streamhub.ConversationEvent(h.conversationMeta(turn)))
			h.hub.Publish(ctx, conversationID, streamhub.Terminator())
		default:
			h.hub.Publish(ctx, conversationID, enc.FinalChunk(turn.finishReason, turn.usage))
			h.hub.Publish(ctx, conversationID, streamhub.ConversationEvent(h.conversationMeta(turn)))
			h.hub.Publish(ctx, conversationID, streamhub.Terminator())
		}
		h.hub.Close(conversationID)
		<-done
		_ = w.Flush()
	})
	return nil
}

// completeSync drains the orchestrator loop without streaming, returning
// the final assistant message, the turn's tool-event log, and the
// conversation snapshot as a single JSON body.
func (h *ChatHandler) completeSync(ctx context.Context, c *fiber.Ctx, turn *turnState) error {
	h.runTurn(ctx, turn, func(se domain.StreamEvent) {
		switch {
		case len(se.ToolCalls) > 0:
			turn.toolEvents = append(turn.toolEvents, ToolEvent{Type: "tool_calls", ToolCalls: se.ToolCalls})
		case se.ToolOutput != nil:
			turn.toolEvents = append(turn.toolEvents, ToolEvent{Type: "tool_output", ToolOutput: se.ToolOutput})
		}
	})

	if turn.runErr != nil {
		return handleError(c, turn.runErr)
	}

	var last *domain.Message
	for i := len(turn.tc.Messages) - 1; i >= 0; i-- {
		if turn.tc.Messages[i].Role == domain.RoleAssistant {
			last = &turn.tc.Messages[i]
			break
		}
	}
	if last == nil {
		return handleError(c, fmt.Errorf("turn produced no assistant message: %w", domain.ErrAbort))
	}

	return c.JSON(newSyncResponse(turn, last, h.conversationMeta(turn)))
}

// runTurn runs the orchestrator to completion, forwarding each event to
// emit, and persists the turn's outcome: on success every generated
// message, on failure or cancellation the error marker — exactly one of
// the two, mirroring the teacher's executeToolsAndContinue
// persistence-after-each-round pattern collapsed into a single post-loop
// write since this gateway keeps the whole turn in memory until it
// finishes.
func (h *ChatHandler) runTurn(ctx context.Context, turn *turnState, emit func(domain.StreamEvent)) {
	tc := turn.tc
	startIdx := len(tc.Messages)
	turn.finishReason = domain.FinishStop

	for se := range h.orch.Run(ctx, tc, turn.systemPrompt) {
		if se.Err != nil {
			turn.runErr = se.Err
			continue
		}
		if se.Done != nil {
			turn.finishReason = se.Done.FinishReason
		}
		emit(se)
	}
	turn.cancelled = turn.runErr != nil &&
		(errors.Is(turn.runErr, context.Canceled) || errors.Is(turn.runErr, context.DeadlineExceeded))
	if turn.runErr != nil && turn.finishReason == domain.FinishStop {
		if turn.cancelled {
			turn.finishReason = "cancelled"
		} else {
			turn.finishReason = domain.FinishError
		}
	}

	// Persistence happens on the background context: a client disconnect
	// must not lose the error marker the turn owes the store.
	persistCtx := context.WithoutCancel(ctx)

	if turn.runErr != nil {
		h.persistErrorMarker(persistCtx, turn, startIdx)
		return
	}

	if turn.usage == nil {
		for i := len(tc.Messages) - 1; i >= startIdx; i-- {
			m := tc.Messages[i]
			if m.Role == domain.RoleAssistant && (m.InputTokens > 0 || m.OutputTokens > 0) {
				turn.usage = &domain.Usage{InputTokens: m.InputTokens, OutputTokens: m.OutputTokens}
				break
			}
		}
	}

	for i := startIdx; i < len(tc.Messages); i++ {
		msg := &tc.Messages[i]
		msg.ConversationID = turn.conv.ID
		if msg.Seq == 0 {
			seq, err := h.store.NextSeq(persistCtx, turn.conv.ID)
			if err != nil {
				h.logger.Error("allocate seq for generated message failed", "error", err)
				continue
			}
			msg.Seq = seq
		}
		if err := h.store.CreateMessage(persistCtx, msg); err != nil {
			h.logger.Error("persist generated message failed", "error", err, "role", msg.Role)
			continue
		}
		if msg.Role == domain.RoleAssistant {
			turn.assistantMessageID = msg.ID
			turn.assistantSeq = msg.Seq
		}
	}

	if err := h.store.TouchConversation(persistCtx, turn.conv.ID); err != nil {
		h.logger.Warn("touch conversation failed", "error", err)
	}
}

// persistErrorMarker commits the failed/cancelled turn's error marker: the
// partially generated assistant message if one exists, else a fresh marker
// row at the next seq.
func (h *ChatHandler) persistErrorMarker(ctx context.Context, turn *turnState, startIdx int) {
	tc := turn.tc
	for i := len(tc.Messages) - 1; i >= startIdx; i-- {
		msg := &tc.Messages[i]
		if msg.Role != domain.RoleAssistant {
			continue
		}
		if msg.ID != "" {
			if err := h.store.MarkMessageError(ctx, msg.ID, turn.cancelled); err != nil {
				h.logger.Error("mark message error failed", "error", err)
			}
			return
		}
		break
	}

	seq, err := h.store.NextSeq(ctx, turn.conv.ID)
	if err != nil {
		h.logger.Error("allocate seq for error marker failed", "error", err)
		return
	}
	status := domain.StatusError
	if turn.cancelled {
		status = domain.StatusCancelled
	}
	errText := turn.runErr.Error()
	marker := domain.Message{
		ConversationID: turn.conv.ID,
		Seq:            seq,
		Role:           domain.RoleAssistant,
		Status:         status,
		Error:          &errText,
	}
	if err := h.store.CreateMessage(ctx, &marker); err != nil {
		h.logger.Error("persist error marker failed", "error", err)
		return
	}
	turn.assistantMessageID = marker.ID
	turn.assistantSeq = marker.Seq
}

func (h *ChatHandler) conversationMeta(turn *turnState) streamhub.ConversationMeta {
	active := make([]string, 0, len(turn.tc.AvailableTools))
	for _, t := range turn.tc.AvailableTools {
		active = append(active, t.Name)
	}
	return streamhub.ConversationMeta{
		ID:                   turn.conv.ID,
		Title:                turn.conv.Title,
		Model:                turn.tc.Model,
		CreatedAt:            turn.conv.CreatedAt,
		ToolsEnabled:         len(active) > 0,
		ActiveTools:          active,
		ActiveSystemPromptID: turn.activeSystemPromptID,
		Seq:                  turn.assistantSeq,
		UserMessageID:        turn.userMessageID,
		AssistantMessageID:   turn.assistantMessageID,
	}
}

// publicErrorLine renders a turn-fatal error as the single content line the
// Failed path streams before [DONE], without leaking internals.
func publicErrorLine(err error) string {
	if errors.Is(err, domain.ErrUpstream) {
		return "The upstream provider returned an error. Please try again."
	}
	return "The request could not be completed: " + err.Error()
}

// lastEventID reads the SSE reconnect cursor, if the client sent one.
func lastEventID(c *fiber.Ctx) int64 {
	raw := c.Get("Last-Event-ID")
	if raw == "" {
		return 0
	}
	n, err := strconv.ParseInt(raw, 10, 64)
	if err != nil {
		return 0
	}
	return n
}
