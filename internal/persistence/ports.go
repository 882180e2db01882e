// Package persistence declares C9's storage boundary: narrow,
// interface-segregated ports for reading, writing, and navigating stored
// conversations, plus the transaction-manager contract repositories use to
// participate in a caller's transaction. Mirrors the split the teacher
// keeps across internal/domain/repositories/llm/{turn_reader,turn_writer,
// turn_navigator}.go, generalized from Turn/TurnBlock to this gateway's
// Conversation/Message model. internal/repopg provides the Postgres
// implementation.
package persistence

import (
	"context"

	"llmgateway/internal/domain"
)

// Reader serves read-only lookups against stored conversations and
// messages.
type Reader interface {
	// GetConversation returns a conversation by ID, or domain-level
	// ErrNotFound if it doesn't exist or doesn't belong to userID.
	GetConversation(ctx context.Context, id, userID string) (*domain.Conversation, error)

	// ListConversations returns a user's conversations, most recently
	// updated first.
	ListConversations(ctx context.Context, userID string, limit int) ([]domain.Conversation, error)

	// GetMessage returns a single message by ID.
	GetMessage(ctx context.Context, id string) (*domain.Message, error)

	// GetLastAssistantResponseID returns the provider response_id of the
	// most recent complete assistant message for conversationID, driving
	// the §4.5 previous_response_id optimisation. ok is false if there is
	// no such message, or it has no response_id recorded.
	GetLastAssistantResponseID(ctx context.Context, conversationID string) (id string, ok bool, err error)

	// CheckLimits reports whether conversationID is still under its
	// message-count quota, and userID under its conversation-count quota.
	// Returns domain.ErrLimitExceeded if either is exhausted.
	CheckLimits(ctx context.Context, conversationID, userID string, maxMessages, maxConversations int) error
}

// Writer performs mutations against conversations and messages.
type Writer interface {
	// CreateConversation inserts a new conversation, assigning its ID and
	// timestamps.
	CreateConversation(ctx context.Context, conv *domain.Conversation) error

	// NextSeq atomically allocates and returns the next message sequence
	// number for conversationID (spec.md invariant I1).
	NextSeq(ctx context.Context, conversationID string) (int, error)

	// CreateMessage inserts a new message, assigning its ID and
	// CreatedAt. msg.Seq must already be set (see NextSeq).
	CreateMessage(ctx context.Context, msg *domain.Message) error

	// UpdateMessage persists a message's mutable fields (content, tool
	// calls/outputs, status, token counts, finish reason, error) after
	// streaming completes or fails.
	UpdateMessage(ctx context.Context, msg *domain.Message) error

	// MarkMessageError sets a message's status to error/cancelled
	// idempotently, used when a turn fails or is cancelled (spec.md I5).
	MarkMessageError(ctx context.Context, messageID string, cancelled bool) error

	// SyncMessageHistory diff-syncs a client-supplied message list against
	// the stored path's client-visible projection (engine-generated
	// tool-output carrier rows don't consume a position): positions the
	// store already holds are kept (the store wins; a role mismatch at a
	// held position is ErrConflict), any trailing messages the store lacks
	// are inserted with freshly allocated seqs. Idempotent: re-applying
	// the same list changes nothing. Returns the full persisted path,
	// newly inserted entries included with their assigned ids.
	SyncMessageHistory(ctx context.Context, conversationID, userID string, messages []domain.Message) ([]domain.Message, error)

	// TouchConversation bumps a conversation's UpdatedAt, called whenever
	// a new message is appended to it.
	TouchConversation(ctx context.Context, conversationID string) error

	// UpdateConversationMetadata partial-merges conversation-level
	// attributes (title, active tools, system prompt id) without touching
	// fields the caller left at their zero value; callers pass only the
	// fields they intend to change via patch's non-nil pointers.
	UpdateConversationMetadata(ctx context.Context, conversationID string, patch ConversationPatch) error
}

// ConversationPatch carries the subset of Conversation fields
// UpdateConversationMetadata should overwrite; nil fields are left alone.
type ConversationPatch struct {
	Title *string
}

// Navigator reads a conversation's message path, after the teacher's
// TurnNavigator.GetTurnPath.
type Navigator interface {
	// GetMessagePath returns every message in conversationID ordered
	// oldest to newest by seq.
	GetMessagePath(ctx context.Context, conversationID string) ([]domain.Message, error)
}

// Store is the full persistence surface a caller wiring up the handler
// needs: reads, writes, and path navigation together, since a request
// handler never has a reason to hold just one of the three.
type Store interface {
	Reader
	Writer
	Navigator
}

// TxFn runs within a transaction opened by a TransactionManager.
type TxFn func(ctx context.Context) error

// TransactionManager lets callers wrap several Writer calls in one
// transaction (e.g. creating an assistant message and its tool-output
// follow-up message atomically).
type TransactionManager interface {
	ExecTx(ctx context.Context, fn TxFn) error
}
