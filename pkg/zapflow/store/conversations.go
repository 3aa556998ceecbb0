package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jmarinho/zapflow/pkg/zapflow/analytics"
	"github.com/jmarinho/zapflow/pkg/zapflow/engine"
)

// ConversationStore persists conversation contexts and their ordered history.
// The conversation row holds the state machine fields; messages live in their
// own table ordered by an autoincrement sequence.
type ConversationStore struct {
	db *sql.DB
}

// Get loads a conversation with its full message history.
func (s *ConversationStore) Get(ctx context.Context, id string) (*engine.ConversationContext, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT id, tenant_id, customer_phone, mode, escalation, human_takeover,
		       COALESCE(takeover_at, ''), agent_id, lead_id, metadata, created_at, updated_at
		FROM conversations WHERE id = ?`, id)

	conv, err := scanConversation(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, fmt.Errorf("%w: conversation %q", engine.ErrNotFound, id)
		}
		return nil, fmt.Errorf("loading conversation: %w", err)
	}

	msgs, err := s.loadMessages(ctx, id)
	if err != nil {
		return nil, err
	}
	conv.Messages = msgs
	return conv, nil
}

// GetOrCreate loads a conversation, creating it in ai_only mode when absent.
func (s *ConversationStore) GetOrCreate(ctx context.Context, id, tenantID, customerPhone string) (*engine.ConversationContext, error) {
	conv, err := s.Get(ctx, id)
	if err == nil {
		return conv, nil
	}
	if !errors.Is(err, engine.ErrNotFound) {
		return nil, err
	}

	now := time.Now()
	conv = &engine.ConversationContext{
		ID:            id,
		TenantID:      tenantID,
		CustomerPhone: customerPhone,
		Mode:          engine.ModeAIOnly,
		CreatedAt:     now,
		UpdatedAt:     now,
	}
	metaJSON, err := json.Marshal(conv.Metadata)
	if err != nil {
		return nil, fmt.Errorf("encoding metadata: %w", err)
	}

	_, err = s.db.ExecContext(ctx, `
		INSERT INTO conversations
			(id, tenant_id, customer_phone, mode, escalation, human_takeover,
			 takeover_at, agent_id, lead_id, metadata, created_at, updated_at)
		VALUES (?, ?, ?, ?, 0, 0, NULL, '', '', ?, ?, ?)
		ON CONFLICT(id) DO NOTHING`,
		id, tenantID, customerPhone, string(engine.ModeAIOnly),
		string(metaJSON), formatTime(now), formatTime(now))
	if err != nil {
		return nil, fmt.Errorf("creating conversation: %w", err)
	}

	// A concurrent creator may have won the insert; reread either way.
	return s.Get(ctx, id)
}

// AppendMessages appends history entries in order.
func (s *ConversationStore) AppendMessages(ctx context.Context, conversationID string, msgs []engine.Message) error {
	if len(msgs) == 0 {
		return nil
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin append: %w", err)
	}
	defer tx.Rollback()

	stmt, err := tx.PrepareContext(ctx, `
		INSERT INTO messages (conversation_id, role, content, timestamp, tool_meta)
		VALUES (?, ?, ?, ?, ?)`)
	if err != nil {
		return fmt.Errorf("prepare append: %w", err)
	}
	defer stmt.Close()

	for _, m := range msgs {
		var metaJSON sql.NullString
		if m.ToolMeta != nil {
			b, err := json.Marshal(m.ToolMeta)
			if err != nil {
				return fmt.Errorf("encoding tool meta: %w", err)
			}
			metaJSON = sql.NullString{String: string(b), Valid: true}
		}
		if _, err := stmt.ExecContext(ctx, conversationID, m.Role, m.Content,
			formatTime(m.Timestamp), metaJSON); err != nil {
			return fmt.Errorf("appending message: %w", err)
		}
	}
	return tx.Commit()
}

// UpdateState persists mode, escalation, takeover flags, linkage and metadata.
func (s *ConversationStore) UpdateState(ctx context.Context, conv *engine.ConversationContext) error {
	metaJSON, err := json.Marshal(conv.Metadata)
	if err != nil {
		return fmt.Errorf("encoding metadata: %w", err)
	}
	var takeoverAt any
	if conv.TakeoverAt != nil {
		takeoverAt = formatTime(*conv.TakeoverAt)
	}
	res, err := s.db.ExecContext(ctx, `
		UPDATE conversations
		SET mode = ?, escalation = ?, human_takeover = ?, takeover_at = ?,
		    agent_id = ?, lead_id = ?, metadata = ?, updated_at = ?
		WHERE id = ?`,
		string(conv.Mode), conv.Escalation, boolToInt(conv.HumanTakeover), takeoverAt,
		conv.AgentID, conv.LeadID, string(metaJSON), formatTime(time.Now()), conv.ID)
	if err != nil {
		return fmt.Errorf("updating conversation state: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("%w: conversation %q", engine.ErrNotFound, conv.ID)
	}
	return nil
}

func (s *ConversationStore) loadMessages(ctx context.Context, conversationID string) ([]engine.Message, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT role, content, timestamp, tool_meta
		FROM messages WHERE conversation_id = ? ORDER BY seq`, conversationID)
	if err != nil {
		return nil, fmt.Errorf("loading messages: %w", err)
	}
	defer rows.Close()

	var msgs []engine.Message
	for rows.Next() {
		var m engine.Message
		var ts string
		var metaJSON sql.NullString
		if err := rows.Scan(&m.Role, &m.Content, &ts, &metaJSON); err != nil {
			return nil, fmt.Errorf("scanning message: %w", err)
		}
		m.Timestamp = parseTime(ts)
		if metaJSON.Valid && metaJSON.String != "" {
			meta := &engine.ToolMeta{}
			if err := json.Unmarshal([]byte(metaJSON.String), meta); err == nil {
				m.ToolMeta = meta
			}
		}
		msgs = append(msgs, m)
	}
	return msgs, rows.Err()
}

// ActivitySince returns per-tenant conversation activity for conversations
// touched after since: counts, resolved counts (from the metadata blob) and
// the escalation sum. Feeds the analytics aggregator.
func (s *ConversationStore) ActivitySince(ctx context.Context, since time.Time) ([]analytics.TenantActivity, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT tenant_id,
		       COUNT(*),
		       SUM(CASE WHEN json_extract(metadata, '$.resolved') THEN 1 ELSE 0 END),
		       SUM(escalation)
		FROM conversations
		WHERE updated_at > ?
		GROUP BY tenant_id ORDER BY tenant_id`, formatTime(since))
	if err != nil {
		return nil, fmt.Errorf("loading conversation activity: %w", err)
	}
	defer rows.Close()

	var out []analytics.TenantActivity
	for rows.Next() {
		var act analytics.TenantActivity
		if err := rows.Scan(&act.TenantID, &act.Conversations, &act.Resolved, &act.EscalationSum); err != nil {
			return nil, fmt.Errorf("scanning conversation activity: %w", err)
		}
		out = append(out, act)
	}
	return out, rows.Err()
}

// scanner matches sql.Row and sql.Rows.
type scanner interface {
	Scan(dest ...any) error
}

func scanConversation(row scanner) (*engine.ConversationContext, error) {
	var conv engine.ConversationContext
	var mode, takeoverAt, metaJSON, createdAt, updatedAt string
	var humanTakeover int
	if err := row.Scan(&conv.ID, &conv.TenantID, &conv.CustomerPhone, &mode,
		&conv.Escalation, &humanTakeover, &takeoverAt, &conv.AgentID,
		&conv.LeadID, &metaJSON, &createdAt, &updatedAt); err != nil {
		return nil, err
	}
	conv.Mode = engine.CollaborationMode(mode)
	conv.HumanTakeover = humanTakeover != 0
	if takeoverAt != "" {
		t := parseTime(takeoverAt)
		conv.TakeoverAt = &t
	}
	if metaJSON != "" {
		_ = json.Unmarshal([]byte(metaJSON), &conv.Metadata)
	}
	conv.CreatedAt = parseTime(createdAt)
	conv.UpdatedAt = parseTime(updatedAt)
	return &conv, nil
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
