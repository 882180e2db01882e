package repopg

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5/pgxpool"

	"llmgateway/internal/streamhub"
)

// StreamEventStore implements streamhub.Store, persisting every published
// event so a client that reconnects mid-turn can replay what it missed
// (spec.md's reconnect-catchup path), grounded on the teacher's
// turn_executor.go HandleReconnection, which replays from the same kind of
// append-only event log.
type StreamEventStore struct {
	pool   *pgxpool.Pool
	tables *TableNames
}

// NewStreamEventStore constructs a StreamEventStore.
func NewStreamEventStore(cfg Config) *StreamEventStore {
	return &StreamEventStore{pool: cfg.Pool, tables: cfg.Tables}
}

// Append persists evt for conversationID at its already-assigned Seq.
func (s *StreamEventStore) Append(ctx context.Context, conversationID string, evt streamhub.Event) error {
	query := fmt.Sprintf(`
		INSERT INTO %s (conversation_id, seq, type, data, created_at)
		VALUES ($1, $2, $3, $4, now())
		ON CONFLICT (conversation_id, seq) DO NOTHING
	`, s.tables.StreamEvents)

	executor := GetExecutor(ctx, s.pool)
	_, err := executor.Exec(ctx, query, conversationID, evt.Seq, evt.Type, evt.Data)
	if err != nil {
		return fmt.Errorf("append stream event: %w", err)
	}
	return nil
}

// Since returns every event persisted for conversationID after afterSeq,
// ordered by seq, for reconnect catchup.
func (s *StreamEventStore) Since(ctx context.Context, conversationID string, afterSeq int64) ([]streamhub.Event, error) {
	query := fmt.Sprintf(`
		SELECT seq, type, data FROM %s
		WHERE conversation_id = $1 AND seq > $2
		ORDER BY seq ASC
	`, s.tables.StreamEvents)

	executor := GetExecutor(ctx, s.pool)
	rows, err := executor.Query(ctx, query, conversationID, afterSeq)
	if err != nil {
		return nil, fmt.Errorf("list stream events since %d: %w", afterSeq, err)
	}
	defer rows.Close()

	var out []streamhub.Event
	for rows.Next() {
		var evt streamhub.Event
		if err := rows.Scan(&evt.Seq, &evt.Type, &evt.Data); err != nil {
			return nil, fmt.Errorf("scan stream event: %w", err)
		}
		out = append(out, evt)
	}
	return out, rows.Err()
}
