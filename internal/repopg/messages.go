package repopg

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/jackc/pgx/v5/pgxpool"

	"llmgateway/internal/domain"
)

// MessageRepository implements persistence.Reader/Writer's message-scoped
// methods and persistence.Navigator, grounded on the teacher's
// internal/repository/postgres/llm/turn.go (the prev-turn-id walk in
// GetTurnPath; the RETURNING-based insert). Tool calls and outputs are
// stored as JSONB columns rather than the teacher's separate turn_blocks
// table, since this gateway's ToolCall/ToolOutput are small, bounded, and
// only ever read back whole alongside their owning message.
type MessageRepository struct {
	pool   *pgxpool.Pool
	tables *TableNames
}

// NewMessageRepository constructs a MessageRepository.
func NewMessageRepository(cfg Config) *MessageRepository {
	return &MessageRepository{pool: cfg.Pool, tables: cfg.Tables}
}

// CreateMessage inserts msg. msg.Seq must already be allocated (see
// ConversationRepository.NextSeq).
func (r *MessageRepository) CreateMessage(ctx context.Context, msg *domain.Message) error {
	toolCalls, err := json.Marshal(msg.ToolCalls)
	if err != nil {
		return fmt.Errorf("marshal tool calls: %w", err)
	}
	toolOutputs, err := json.Marshal(msg.ToolOutputs)
	if err != nil {
		return fmt.Errorf("marshal tool outputs: %w", err)
	}

	query := fmt.Sprintf(`
		INSERT INTO %s (
			conversation_id, seq, prev_message_id, role, content, tool_calls, tool_outputs,
			finish_reason, status, response_id, reasoning, input_tokens, output_tokens, error, created_at
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, now())
		RETURNING id, created_at
	`, r.tables.Messages)

	executor := GetExecutor(ctx, r.pool)
	err = executor.QueryRow(ctx, query,
		msg.ConversationID, msg.Seq, msg.PrevMessageID, msg.Role, msg.Content, toolCalls, toolOutputs,
		msg.FinishReason, msg.Status, msg.ResponseID, msg.Reasoning, msg.InputTokens, msg.OutputTokens, msg.Error,
	).Scan(&msg.ID, &msg.CreatedAt)
	if err != nil {
		return fmt.Errorf("create message: %w", err)
	}
	return nil
}

// UpdateMessage persists msg's mutable fields after streaming completes or
// fails, keyed by msg.ID.
func (r *MessageRepository) UpdateMessage(ctx context.Context, msg *domain.Message) error {
	toolCalls, err := json.Marshal(msg.ToolCalls)
	if err != nil {
		return fmt.Errorf("marshal tool calls: %w", err)
	}
	toolOutputs, err := json.Marshal(msg.ToolOutputs)
	if err != nil {
		return fmt.Errorf("marshal tool outputs: %w", err)
	}

	query := fmt.Sprintf(`
		UPDATE %s SET
			content = $2, tool_calls = $3, tool_outputs = $4, finish_reason = $5,
			status = $6, response_id = $7, reasoning = $8, input_tokens = $9,
			output_tokens = $10, error = $11, completed_at = now()
		WHERE id = $1
	`, r.tables.Messages)

	executor := GetExecutor(ctx, r.pool)
	tag, err := executor.Exec(ctx, query,
		msg.ID, msg.Content, toolCalls, toolOutputs, msg.FinishReason,
		msg.Status, msg.ResponseID, msg.Reasoning, msg.InputTokens, msg.OutputTokens, msg.Error,
	)
	if err != nil {
		return fmt.Errorf("update message: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("message %s: %w", msg.ID, domain.ErrNotFound)
	}
	return nil
}

// MarkMessageError idempotently marks messageID as errored or cancelled,
// matching spec.md I5 (exactly one of recordAssistantMessage/
// markAssistantError per turn): a message already in a terminal status is
// left untouched rather than erroring.
func (r *MessageRepository) MarkMessageError(ctx context.Context, messageID string, cancelled bool) error {
	status := domain.StatusError
	if cancelled {
		status = domain.StatusCancelled
	}
	query := fmt.Sprintf(`
		UPDATE %s SET status = $2, completed_at = now()
		WHERE id = $1 AND status = $3
	`, r.tables.Messages)

	executor := GetExecutor(ctx, r.pool)
	_, err := executor.Exec(ctx, query, messageID, status, domain.StatusStreaming)
	if err != nil {
		return fmt.Errorf("mark message error: %w", err)
	}
	return nil
}

// GetMessage returns a single message by id, with its tool calls/outputs
// unmarshalled.
func (r *MessageRepository) GetMessage(ctx context.Context, id string) (*domain.Message, error) {
	query := fmt.Sprintf(`
		SELECT id, conversation_id, seq, prev_message_id, role, content, tool_calls, tool_outputs,
			finish_reason, status, response_id, reasoning, input_tokens, output_tokens, error, created_at, completed_at
		FROM %s WHERE id = $1
	`, r.tables.Messages)

	executor := GetExecutor(ctx, r.pool)
	msg, err := scanMessage(executor.QueryRow(ctx, query, id))
	if err != nil {
		if IsNoRows(err) {
			return nil, fmt.Errorf("message %s: %w", id, domain.ErrNotFound)
		}
		return nil, fmt.Errorf("get message: %w", err)
	}
	return msg, nil
}

// GetLastAssistantResponseID returns the most recent complete assistant
// message's response_id for conversationID, driving the §4.5 previous_response_id
// optimisation.
func (r *MessageRepository) GetLastAssistantResponseID(ctx context.Context, conversationID string) (string, bool, error) {
	query := fmt.Sprintf(`
		SELECT response_id FROM %s
		WHERE conversation_id = $1 AND role = $2 AND status = $3
		ORDER BY seq DESC LIMIT 1
	`, r.tables.Messages)

	var responseID *string
	executor := GetExecutor(ctx, r.pool)
	err := executor.QueryRow(ctx, query, conversationID, domain.RoleAssistant, domain.StatusComplete).Scan(&responseID)
	if err != nil {
		if IsNoRows(err) {
			return "", false, nil
		}
		return "", false, fmt.Errorf("get last assistant response id: %w", err)
	}
	if responseID == nil || *responseID == "" {
		return "", false, nil
	}
	return *responseID, true, nil
}

// GetMessagePath returns every message in conversationID ordered oldest to
// newest. Rather than the teacher's recursive prev_turn_id walk (one round
// trip per hop), this issues a single ORDER BY seq query: seq is already
// the monotone per-conversation ordering the linked list was approximating.
func (r *MessageRepository) GetMessagePath(ctx context.Context, conversationID string) ([]domain.Message, error) {
	query := fmt.Sprintf(`
		SELECT id, conversation_id, seq, prev_message_id, role, content, tool_calls, tool_outputs,
			finish_reason, status, response_id, reasoning, input_tokens, output_tokens, error, created_at, completed_at
		FROM %s WHERE conversation_id = $1 ORDER BY seq ASC
	`, r.tables.Messages)

	executor := GetExecutor(ctx, r.pool)
	rows, err := executor.Query(ctx, query, conversationID)
	if err != nil {
		return nil, fmt.Errorf("get message path: %w", err)
	}
	defer rows.Close()

	var out []domain.Message
	for rows.Next() {
		msg, err := scanMessage(rows)
		if err != nil {
			return nil, fmt.Errorf("scan message: %w", err)
		}
		out = append(out, *msg)
	}
	return out, rows.Err()
}

// rowScanner is satisfied by both pgx.Row and pgx.Rows.
type rowScanner interface {
	Scan(dest ...interface{}) error
}

func scanMessage(row rowScanner) (*domain.Message, error) {
	var msg domain.Message
	var toolCalls, toolOutputs []byte
	if err := row.Scan(
		&msg.ID, &msg.ConversationID, &msg.Seq, &msg.PrevMessageID, &msg.Role, &msg.Content, &toolCalls, &toolOutputs,
		&msg.FinishReason, &msg.Status, &msg.ResponseID, &msg.Reasoning, &msg.InputTokens, &msg.OutputTokens,
		&msg.Error, &msg.CreatedAt, &msg.CompletedAt,
	); err != nil {
		return nil, err
	}
	if len(toolCalls) > 0 {
		if err := json.Unmarshal(toolCalls, &msg.ToolCalls); err != nil {
			return nil, fmt.Errorf("unmarshal tool calls: %w", err)
		}
	}
	if len(toolOutputs) > 0 {
		if err := json.Unmarshal(toolOutputs, &msg.ToolOutputs); err != nil {
			return nil, fmt.Errorf("unmarshal tool outputs: %w", err)
		}
	}
	return &msg, nil
}
