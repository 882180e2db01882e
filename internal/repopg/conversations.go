package repopg

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5/pgxpool"

	"llmgateway/internal/domain"
	"llmgateway/internal/persistence"
)

// ConversationRepository implements persistence.Reader/Writer's
// conversation-scoped methods, grounded on the
// teacher's internal/repository/postgres/llm/chat.go query shape, adapted
// from Chat to this gateway's Conversation and from the title-uniqueness
// ON CONFLICT dance to a plain primary-key insert (conversations here have
// no uniqueness constraint on title).
type ConversationRepository struct {
	pool   *pgxpool.Pool
	tables *TableNames
}

// NewConversationRepository constructs a ConversationRepository.
func NewConversationRepository(cfg Config) *ConversationRepository {
	return &ConversationRepository{pool: cfg.Pool, tables: cfg.Tables}
}

// CreateConversation inserts conv, assigning its ID and timestamps from the
// database defaults.
func (r *ConversationRepository) CreateConversation(ctx context.Context, conv *domain.Conversation) error {
	query := fmt.Sprintf(`
		INSERT INTO %s (user_id, title, model, provider, next_seq, created_at, updated_at)
		VALUES ($1, $2, $3, $4, 0, now(), now())
		RETURNING id, created_at, updated_at
	`, r.tables.Conversations)

	executor := GetExecutor(ctx, r.pool)
	err := executor.QueryRow(ctx, query, conv.UserID, conv.Title, conv.Model, conv.Provider).
		Scan(&conv.ID, &conv.CreatedAt, &conv.UpdatedAt)
	if err != nil {
		return fmt.Errorf("create conversation: %w", err)
	}
	return nil
}

// GetConversation returns a conversation by id, scoped to userID.
func (r *ConversationRepository) GetConversation(ctx context.Context, id, userID string) (*domain.Conversation, error) {
	query := fmt.Sprintf(`
		SELECT id, user_id, title, model, provider, created_at, updated_at
		FROM %s
		WHERE id = $1 AND user_id = $2
	`, r.tables.Conversations)

	var conv domain.Conversation
	executor := GetExecutor(ctx, r.pool)
	err := executor.QueryRow(ctx, query, id, userID).Scan(
		&conv.ID, &conv.UserID, &conv.Title, &conv.Model, &conv.Provider, &conv.CreatedAt, &conv.UpdatedAt,
	)
	if err != nil {
		if IsNoRows(err) {
			return nil, fmt.Errorf("conversation %s: %w", id, domain.ErrNotFound)
		}
		return nil, fmt.Errorf("get conversation: %w", err)
	}
	return &conv, nil
}

// ListConversations returns userID's conversations, most recently updated
// first, capped at limit.
func (r *ConversationRepository) ListConversations(ctx context.Context, userID string, limit int) ([]domain.Conversation, error) {
	if limit <= 0 {
		limit = 50
	}
	query := fmt.Sprintf(`
		SELECT id, user_id, title, model, provider, created_at, updated_at
		FROM %s
		WHERE user_id = $1
		ORDER BY updated_at DESC
		LIMIT $2
	`, r.tables.Conversations)

	executor := GetExecutor(ctx, r.pool)
	rows, err := executor.Query(ctx, query, userID, limit)
	if err != nil {
		return nil, fmt.Errorf("list conversations: %w", err)
	}
	defer rows.Close()

	var out []domain.Conversation
	for rows.Next() {
		var conv domain.Conversation
		if err := rows.Scan(&conv.ID, &conv.UserID, &conv.Title, &conv.Model, &conv.Provider, &conv.CreatedAt, &conv.UpdatedAt); err != nil {
			return nil, fmt.Errorf("scan conversation: %w", err)
		}
		out = append(out, conv)
	}
	return out, rows.Err()
}

// NextSeq atomically increments and returns conversations.next_seq.
func (r *ConversationRepository) NextSeq(ctx context.Context, conversationID string) (int, error) {
	query := fmt.Sprintf(`
		UPDATE %s SET next_seq = next_seq + 1
		WHERE id = $1
		RETURNING next_seq
	`, r.tables.Conversations)

	var seq int
	executor := GetExecutor(ctx, r.pool)
	if err := executor.QueryRow(ctx, query, conversationID).Scan(&seq); err != nil {
		if IsNoRows(err) {
			return 0, fmt.Errorf("conversation %s: %w", conversationID, domain.ErrNotFound)
		}
		return 0, fmt.Errorf("allocate next seq: %w", err)
	}
	return seq, nil
}

// TouchConversation bumps updated_at to now.
func (r *ConversationRepository) TouchConversation(ctx context.Context, conversationID string) error {
	query := fmt.Sprintf(`UPDATE %s SET updated_at = now() WHERE id = $1`, r.tables.Conversations)
	executor := GetExecutor(ctx, r.pool)
	tag, err := executor.Exec(ctx, query, conversationID)
	if err != nil {
		return fmt.Errorf("touch conversation: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("conversation %s: %w", conversationID, domain.ErrNotFound)
	}
	return nil
}

// UpdateConversationMetadata partial-merges patch's non-nil fields.
func (r *ConversationRepository) UpdateConversationMetadata(ctx context.Context, conversationID string, patch persistence.ConversationPatch) error {
	if patch.Title == nil {
		return nil
	}
	query := fmt.Sprintf(`UPDATE %s SET title = $2, updated_at = now() WHERE id = $1`, r.tables.Conversations)
	executor := GetExecutor(ctx, r.pool)
	tag, err := executor.Exec(ctx, query, conversationID, *patch.Title)
	if err != nil {
		return fmt.Errorf("update conversation metadata: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("conversation %s: %w", conversationID, domain.ErrNotFound)
	}
	return nil
}

// CheckLimits enforces the two quotas spec.md's C9 port exposes: messages
// per conversation and conversations per user session.
func (r *ConversationRepository) CheckLimits(ctx context.Context, conversationID, userID string, maxMessages, maxConversations int) error {
	executor := GetExecutor(ctx, r.pool)

	if maxConversations > 0 {
		var count int
		q := fmt.Sprintf(`SELECT count(*) FROM %s WHERE user_id = $1`, r.tables.Conversations)
		if err := executor.QueryRow(ctx, q, userID).Scan(&count); err != nil {
			return fmt.Errorf("count conversations: %w", err)
		}
		if count >= maxConversations {
			return fmt.Errorf("user %s has reached its conversation limit (%d): %w", userID, maxConversations, domain.ErrLimitExceeded)
		}
	}

	if maxMessages > 0 && conversationID != "" {
		var count int
		q := fmt.Sprintf(`SELECT count(*) FROM %s WHERE conversation_id = $1`, r.tables.Messages)
		if err := executor.QueryRow(ctx, q, conversationID).Scan(&count); err != nil {
			return fmt.Errorf("count messages: %w", err)
		}
		if count >= maxMessages {
			return fmt.Errorf("conversation %s has reached its message limit (%d): %w", conversationID, maxMessages, domain.ErrLimitExceeded)
		}
	}

	return nil
}
