package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/jmarinho/zapflow/pkg/zapflow/engine"
)

// MediaAssetStore resolves stored media by (tenant, purpose): the restaurant
// menu PDF, the price list image and similar assets send_multimedia serves.
type MediaAssetStore struct {
	db *sql.DB
}

// FindByPurpose returns the tenant's asset for a purpose, or ErrNotFound.
func (s *MediaAssetStore) FindByPurpose(ctx context.Context, tenantID, purpose string) (*engine.MediaAsset, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT id, tenant_id, purpose, url, mime_type, caption, created_at
		FROM media_assets WHERE tenant_id = ? AND purpose = ?`, tenantID, purpose)

	var asset engine.MediaAsset
	var createdAt string
	if err := row.Scan(&asset.ID, &asset.TenantID, &asset.Purpose, &asset.URL,
		&asset.MimeType, &asset.Caption, &createdAt); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, fmt.Errorf("%w: media asset %q for tenant %q", engine.ErrNotFound, purpose, tenantID)
		}
		return nil, fmt.Errorf("loading media asset: %w", err)
	}
	asset.CreatedAt = parseTime(createdAt)
	return &asset, nil
}

// Upsert registers or replaces the tenant's asset for a purpose.
func (s *MediaAssetStore) Upsert(ctx context.Context, asset *engine.MediaAsset) error {
	if asset.ID == "" {
		asset.ID = uuid.NewString()
	}
	createdAt := asset.CreatedAt
	if createdAt.IsZero() {
		createdAt = time.Now()
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO media_assets (id, tenant_id, purpose, url, mime_type, caption, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(tenant_id, purpose) DO UPDATE SET
			url = excluded.url,
			mime_type = excluded.mime_type,
			caption = excluded.caption`,
		asset.ID, asset.TenantID, asset.Purpose, asset.URL, asset.MimeType,
		asset.Caption, formatTime(createdAt))
	if err != nil {
		return fmt.Errorf("upserting media asset: %w", err)
	}
	return nil
}
