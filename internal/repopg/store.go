package repopg

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5/pgxpool"

	"llmgateway/internal/domain"
	"llmgateway/internal/persistence"
)

// Store composes ConversationRepository and MessageRepository into the
// full persistence.Reader/Writer/Navigator surface the engine consumes,
// mirroring the teacher's pattern of small per-entity repositories wired
// together at the application-context level rather than one monolithic
// repository type.
type Store struct {
	*ConversationRepository
	*MessageRepository
}

// NewStore constructs a Store backed by pool, using tables for the
// (optionally environment-prefixed) table names.
func NewStore(pool *pgxpool.Pool, tables *TableNames) *Store {
	cfg := Config{Pool: pool, Tables: tables}
	return &Store{
		ConversationRepository: NewConversationRepository(cfg),
		MessageRepository:      NewMessageRepository(cfg),
	}
}

// SyncMessageHistory implements the diff-based history sync: the stored
// path wins for positions it already holds, trailing client messages are
// appended with freshly allocated seqs. Applying the same client list a
// second time is a no-op, since every position is then already held.
func (s *Store) SyncMessageHistory(ctx context.Context, conversationID, userID string, messages []domain.Message) ([]domain.Message, error) {
	path, err := s.GetMessagePath(ctx, conversationID)
	if err != nil {
		return nil, err
	}

	// Diff against the client-visible projection: tool-output carrier rows
	// are internal bookkeeping the client never saw, so they must not
	// consume a client-list position.
	visible := make([]domain.Message, 0, len(path))
	for _, m := range path {
		if isToolCarrier(m) {
			continue
		}
		visible = append(visible, m)
	}

	for i, msg := range messages {
		if i < len(visible) {
			if visible[i].Role != msg.Role {
				return nil, fmt.Errorf("message at seq %d has role %s, client sent %s: %w",
					visible[i].Seq, visible[i].Role, msg.Role, domain.ErrConflict)
			}
			continue
		}

		seq, err := s.NextSeq(ctx, conversationID)
		if err != nil {
			return nil, err
		}
		inserted := domain.Message{
			ConversationID: conversationID,
			Seq:            seq,
			Role:           msg.Role,
			Content:        msg.Content,
			Status:         domain.StatusComplete,
		}
		if len(path) > 0 {
			prev := path[len(path)-1].ID
			inserted.PrevMessageID = &prev
		}
		if err := s.CreateMessage(ctx, &inserted); err != nil {
			return nil, err
		}
		path = append(path, inserted)
	}

	return path, nil
}

// isToolCarrier reports whether m exists only to hold tool outputs for the
// preceding assistant turn — engine-generated rows invisible to clients.
func isToolCarrier(m domain.Message) bool {
	return m.Role == domain.RoleUser && m.Content == "" && len(m.ToolOutputs) > 0
}

var (
	_ persistence.Reader    = (*Store)(nil)
	_ persistence.Writer    = (*Store)(nil)
	_ persistence.Navigator = (*Store)(nil)
	_ persistence.Store     = (*Store)(nil)
)
