package store

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/jmarinho/zapflow/pkg/zapflow/engine"
)

// TakeoverLogStore is the append-only control-transfer audit log. There is no
// update or delete path: entries are immutable once written.
type TakeoverLogStore struct {
	db *sql.DB
}

// Append writes one entry. A missing id or timestamp is filled in.
func (s *TakeoverLogStore) Append(ctx context.Context, entry *engine.TakeoverLogEntry) error {
	if entry.ID == "" {
		entry.ID = uuid.NewString()
	}
	if entry.Timestamp.IsZero() {
		entry.Timestamp = time.Now()
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO takeover_log
			(id, tenant_id, conversation_id, event_type, from_mode, to_mode, reason, actor, timestamp)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		entry.ID, entry.TenantID, entry.ConversationID, string(entry.EventType),
		string(entry.FromMode), string(entry.ToMode), entry.Reason, entry.Actor,
		formatTime(entry.Timestamp))
	if err != nil {
		return fmt.Errorf("appending takeover log: %w", err)
	}
	return nil
}

// List returns entries for one conversation in timestamp order.
func (s *TakeoverLogStore) List(ctx context.Context, conversationID string) ([]*engine.TakeoverLogEntry, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, tenant_id, conversation_id, event_type, from_mode, to_mode, reason, actor, timestamp
		FROM takeover_log WHERE conversation_id = ? ORDER BY timestamp, id`, conversationID)
	if err != nil {
		return nil, fmt.Errorf("listing takeover log: %w", err)
	}
	return collectTakeoverEntries(rows)
}

// ListSince returns all entries newer than since across conversations,
// timestamp order. This feeds the metrics aggregator.
func (s *TakeoverLogStore) ListSince(ctx context.Context, since time.Time) ([]*engine.TakeoverLogEntry, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, tenant_id, conversation_id, event_type, from_mode, to_mode, reason, actor, timestamp
		FROM takeover_log WHERE timestamp > ? ORDER BY timestamp, id`, formatTime(since))
	if err != nil {
		return nil, fmt.Errorf("listing takeover log since: %w", err)
	}
	return collectTakeoverEntries(rows)
}

func collectTakeoverEntries(rows *sql.Rows) ([]*engine.TakeoverLogEntry, error) {
	defer rows.Close()
	var out []*engine.TakeoverLogEntry
	for rows.Next() {
		var e engine.TakeoverLogEntry
		var eventType, fromMode, toMode, ts string
		if err := rows.Scan(&e.ID, &e.TenantID, &e.ConversationID, &eventType,
			&fromMode, &toMode, &e.Reason, &e.Actor, &ts); err != nil {
			return nil, fmt.Errorf("scanning takeover entry: %w", err)
		}
		e.EventType = engine.TakeoverEventType(eventType)
		e.FromMode = engine.CollaborationMode(fromMode)
		e.ToMode = engine.CollaborationMode(toMode)
		e.Timestamp = parseTime(ts)
		out = append(out, &e)
	}
	return out, rows.Err()
}
