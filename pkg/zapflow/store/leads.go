package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/jmarinho/zapflow/pkg/zapflow/engine"
)

// LeadStore persists customer leads. One lead per (tenant, phone).
type LeadStore struct {
	db *sql.DB
}

// GetOrCreate loads the lead for a phone number within a tenant, creating an
// empty one when absent.
func (s *LeadStore) GetOrCreate(ctx context.Context, tenantID, phone string) (*engine.CustomerLead, error) {
	lead, err := s.getByPhone(ctx, tenantID, phone)
	if err == nil {
		return lead, nil
	}
	if !errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("loading lead: %w", err)
	}

	now := time.Now()
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO leads (id, tenant_id, phone, tags, created_at, updated_at)
		VALUES (?, ?, ?, '[]', ?, ?)
		ON CONFLICT(tenant_id, phone) DO NOTHING`,
		uuid.NewString(), tenantID, phone, formatTime(now), formatTime(now))
	if err != nil {
		return nil, fmt.Errorf("creating lead: %w", err)
	}

	lead, err = s.getByPhone(ctx, tenantID, phone)
	if err != nil {
		return nil, fmt.Errorf("rereading lead: %w", err)
	}
	return lead, nil
}

// UnionTags merges tags into the lead's existing set, preserving insertion
// order. Existing tags are never removed.
func (s *LeadStore) UnionTags(ctx context.Context, leadID string, tags []string) error {
	if len(tags) == 0 {
		return nil
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin tag union: %w", err)
	}
	defer tx.Rollback()

	var tagsJSON string
	if err := tx.QueryRowContext(ctx, `SELECT tags FROM leads WHERE id = ?`, leadID).Scan(&tagsJSON); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return fmt.Errorf("%w: lead %q", engine.ErrNotFound, leadID)
		}
		return fmt.Errorf("loading lead tags: %w", err)
	}

	var existing []string
	_ = json.Unmarshal([]byte(tagsJSON), &existing)

	seen := make(map[string]bool, len(existing))
	for _, t := range existing {
		seen[t] = true
	}
	for _, t := range tags {
		if t != "" && !seen[t] {
			existing = append(existing, t)
			seen[t] = true
		}
	}

	merged, err := json.Marshal(existing)
	if err != nil {
		return fmt.Errorf("encoding tags: %w", err)
	}
	if _, err := tx.ExecContext(ctx, `UPDATE leads SET tags = ?, updated_at = ? WHERE id = ?`,
		string(merged), formatTime(time.Now()), leadID); err != nil {
		return fmt.Errorf("updating lead tags: %w", err)
	}
	return tx.Commit()
}

// UpdateScoring sets qualification score, last intent and confidence.
func (s *LeadStore) UpdateScoring(ctx context.Context, leadID string, score int, intent string, confidence float64) error {
	res, err := s.db.ExecContext(ctx, `
		UPDATE leads
		SET qualification_score = ?, last_intent = ?, intent_confidence = ?, updated_at = ?
		WHERE id = ?`,
		score, intent, confidence, formatTime(time.Now()), leadID)
	if err != nil {
		return fmt.Errorf("updating lead scoring: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("%w: lead %q", engine.ErrNotFound, leadID)
	}
	return nil
}

// PatchContact fills in name/email when provided. Empty values leave the
// stored fields untouched.
func (s *LeadStore) PatchContact(ctx context.Context, leadID, name, email string) error {
	if name == "" && email == "" {
		return nil
	}
	res, err := s.db.ExecContext(ctx, `
		UPDATE leads
		SET name = CASE WHEN ? != '' THEN ? ELSE name END,
		    email = CASE WHEN ? != '' THEN ? ELSE email END,
		    updated_at = ?
		WHERE id = ?`,
		name, name, email, email, formatTime(time.Now()), leadID)
	if err != nil {
		return fmt.Errorf("patching lead contact: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("%w: lead %q", engine.ErrNotFound, leadID)
	}
	return nil
}

func (s *LeadStore) getByPhone(ctx context.Context, tenantID, phone string) (*engine.CustomerLead, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT id, tenant_id, phone, name, email, qualification_score, tags,
		       last_intent, intent_confidence, business_type, created_at, updated_at
		FROM leads WHERE tenant_id = ? AND phone = ?`, tenantID, phone)

	var lead engine.CustomerLead
	var tagsJSON, createdAt, updatedAt string
	if err := row.Scan(&lead.ID, &lead.TenantID, &lead.Phone, &lead.Name, &lead.Email,
		&lead.QualificationScore, &tagsJSON, &lead.LastIntent, &lead.IntentConfidence,
		&lead.BusinessType, &createdAt, &updatedAt); err != nil {
		return nil, err
	}
	_ = json.Unmarshal([]byte(tagsJSON), &lead.Tags)
	lead.CreatedAt = parseTime(createdAt)
	lead.UpdatedAt = parseTime(updatedAt)
	return &lead, nil
}
