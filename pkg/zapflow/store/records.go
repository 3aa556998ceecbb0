package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/jmarinho/zapflow/pkg/zapflow/engine"
)

// RecordStore persists business records produced by conversations: orders,
// appointments, inquiries and the rest.
type RecordStore struct {
	db *sql.DB
}

// Create inserts a record. The caller assigns the id.
func (s *RecordStore) Create(ctx context.Context, rec *engine.BusinessRecord) error {
	payload, err := json.Marshal(rec.Payload)
	if err != nil {
		return fmt.Errorf("encoding record payload: %w", err)
	}
	createdAt := rec.CreatedAt
	if createdAt.IsZero() {
		createdAt = time.Now()
	}
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO business_records
			(id, tenant_id, conversation_id, lead_id, type, payload, follow_up_required, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		rec.ID, rec.TenantID, rec.ConversationID, rec.LeadID, rec.Type,
		string(payload), boolToInt(rec.FollowUpRequired), formatTime(createdAt))
	if err != nil {
		return fmt.Errorf("creating business record: %w", err)
	}
	return nil
}

// ListByTenant returns records for a tenant created after since, newest first.
func (s *RecordStore) ListByTenant(ctx context.Context, tenantID string, since time.Time, limit int) ([]*engine.BusinessRecord, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, tenant_id, conversation_id, lead_id, type, payload, follow_up_required, created_at
		FROM business_records
		WHERE tenant_id = ? AND created_at > ?
		ORDER BY created_at DESC LIMIT ?`,
		tenantID, formatTime(since), limit)
	if err != nil {
		return nil, fmt.Errorf("listing business records: %w", err)
	}
	defer rows.Close()

	var out []*engine.BusinessRecord
	for rows.Next() {
		var rec engine.BusinessRecord
		var payload, createdAt string
		var followUp int
		if err := rows.Scan(&rec.ID, &rec.TenantID, &rec.ConversationID, &rec.LeadID,
			&rec.Type, &payload, &followUp, &createdAt); err != nil {
			return nil, fmt.Errorf("scanning business record: %w", err)
		}
		_ = json.Unmarshal([]byte(payload), &rec.Payload)
		rec.FollowUpRequired = followUp != 0
		rec.CreatedAt = parseTime(createdAt)
		out = append(out, &rec)
	}
	return out, rows.Err()
}
