package store

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/jmarinho/zapflow/pkg/zapflow/engine"
)

// FollowUpStore persists scheduled follow-up tasks.
type FollowUpStore struct {
	db *sql.DB
}

// Create inserts a task. The caller assigns the id and scheduled time.
func (s *FollowUpStore) Create(ctx context.Context, task *engine.FollowUpTask) error {
	createdAt := task.CreatedAt
	if createdAt.IsZero() {
		createdAt = time.Now()
	}
	status := task.Status
	if status == "" {
		status = engine.FollowUpPending
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO follow_ups
			(id, tenant_id, conversation_id, customer_phone, type, message,
			 priority, scheduled_at, status, last_error, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		task.ID, task.TenantID, task.ConversationID, task.CustomerPhone,
		task.Type, task.Message, task.Priority, formatTime(task.ScheduledAt),
		string(status), task.LastError, formatTime(createdAt))
	if err != nil {
		return fmt.Errorf("creating follow-up: %w", err)
	}
	return nil
}

// Due returns PENDING tasks with scheduled_at <= now, oldest first.
func (s *FollowUpStore) Due(ctx context.Context, now time.Time, limit int) ([]*engine.FollowUpTask, error) {
	if limit <= 0 {
		limit = 20
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, tenant_id, conversation_id, customer_phone, type, message,
		       priority, scheduled_at, status, last_error, created_at
		FROM follow_ups
		WHERE status = ? AND scheduled_at <= ?
		ORDER BY scheduled_at LIMIT ?`,
		string(engine.FollowUpPending), formatTime(now), limit)
	if err != nil {
		return nil, fmt.Errorf("listing due follow-ups: %w", err)
	}
	defer rows.Close()

	var out []*engine.FollowUpTask
	for rows.Next() {
		task, err := scanFollowUp(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, task)
	}
	return out, rows.Err()
}

// MarkDone transitions a PENDING task to DONE.
func (s *FollowUpStore) MarkDone(ctx context.Context, id string) error {
	res, err := s.db.ExecContext(ctx, `
		UPDATE follow_ups SET status = ?, last_error = ''
		WHERE id = ? AND status = ?`,
		string(engine.FollowUpDone), id, string(engine.FollowUpPending))
	if err != nil {
		return fmt.Errorf("marking follow-up done: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("%w: pending follow-up %q", engine.ErrNotFound, id)
	}
	return nil
}

// MarkError keeps the task PENDING and records the dispatch error so the next
// sweep retries it.
func (s *FollowUpStore) MarkError(ctx context.Context, id, errMsg string) error {
	res, err := s.db.ExecContext(ctx, `
		UPDATE follow_ups SET last_error = ? WHERE id = ?`, errMsg, id)
	if err != nil {
		return fmt.Errorf("recording follow-up error: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("%w: follow-up %q", engine.ErrNotFound, id)
	}
	return nil
}

// Cancel transitions a PENDING task to CANCELLED.
func (s *FollowUpStore) Cancel(ctx context.Context, id string) error {
	res, err := s.db.ExecContext(ctx, `
		UPDATE follow_ups SET status = ?
		WHERE id = ? AND status = ?`,
		string(engine.FollowUpCancelled), id, string(engine.FollowUpPending))
	if err != nil {
		return fmt.Errorf("cancelling follow-up: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("%w: pending follow-up %q", engine.ErrNotFound, id)
	}
	return nil
}

func scanFollowUp(rows *sql.Rows) (*engine.FollowUpTask, error) {
	var task engine.FollowUpTask
	var scheduledAt, status, createdAt string
	if err := rows.Scan(&task.ID, &task.TenantID, &task.ConversationID,
		&task.CustomerPhone, &task.Type, &task.Message, &task.Priority,
		&scheduledAt, &status, &task.LastError, &createdAt); err != nil {
		return nil, fmt.Errorf("scanning follow-up: %w", err)
	}
	task.ScheduledAt = parseTime(scheduledAt)
	task.Status = engine.FollowUpStatus(status)
	task.CreatedAt = parseTime(createdAt)
	return &task, nil
}
