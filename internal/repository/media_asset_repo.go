package repository

import (
	"context"
	"errors"
	"fmt"
	"time"

	"gorm.io/gorm"

	"github.com/jmylchreest/vodarr/internal/models"
)

// editableColumns are the columns Update is allowed to write.
var editableColumns = []string{"title", "description", "category_id", "status", "updated_at"}

// mediaAssetRepo implements MediaAssetRepository using GORM.
type mediaAssetRepo struct {
	db *gorm.DB
}

// NewMediaAssetRepository creates a new MediaAssetRepository.
func NewMediaAssetRepository(db *gorm.DB) *mediaAssetRepo {
	return &mediaAssetRepo{db: db}
}

// Create creates a new media asset.
func (r *mediaAssetRepo) Create(ctx context.Context, asset *models.MediaAsset) error {
	if asset.Status == "" {
		asset.Status = models.MediaStatusActive
	}
	if asset.ProcessingState == "" {
		asset.ProcessingState = models.ProcessingPending
	}
	if err := r.db.WithContext(ctx).Create(asset).Error; err != nil {
		return fmt.Errorf("creating media asset: %w", err)
	}
	return nil
}

// GetByID retrieves a media asset by ID.
func (r *mediaAssetRepo) GetByID(ctx context.Context, id models.ULID) (*models.MediaAsset, error) {
	var asset models.MediaAsset
	if err := r.db.WithContext(ctx).Where("id = ?", id).First(&asset).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, nil
		}
		return nil, fmt.Errorf("getting media asset by ID: %w", err)
	}
	return &asset, nil
}

// ListByOwner retrieves an owner's assets, newest first.
func (r *mediaAssetRepo) ListByOwner(ctx context.Context, ownerID string, offset, limit int) ([]*models.MediaAsset, int64, error) {
	return r.page(ctx, r.db.WithContext(ctx).Where("owner_id = ?", ownerID), offset, limit)
}

// ListAll retrieves all assets, newest first.
func (r *mediaAssetRepo) ListAll(ctx context.Context, offset, limit int) ([]*models.MediaAsset, int64, error) {
	return r.page(ctx, r.db.WithContext(ctx), offset, limit)
}

func (r *mediaAssetRepo) page(_ context.Context, query *gorm.DB, offset, limit int) ([]*models.MediaAsset, int64, error) {
	var total int64
	if err := query.Model(&models.MediaAsset{}).Count(&total).Error; err != nil {
		return nil, 0, fmt.Errorf("counting media assets: %w", err)
	}

	var assets []*models.MediaAsset
	if err := query.Order("created_at DESC, id DESC").Offset(offset).Limit(limit).Find(&assets).Error; err != nil {
		return nil, 0, fmt.Errorf("listing media assets: %w", err)
	}
	return assets, total, nil
}

// Update writes editable metadata. It never inserts.
func (r *mediaAssetRepo) Update(ctx context.Context, asset *models.MediaAsset) error {
	if err := asset.Validate(); err != nil {
		return err
	}
	asset.UpdatedAt = time.Now()

	result := r.db.WithContext(ctx).
		Session(&gorm.Session{SkipHooks: true}).
		Model(asset).
		Select(editableColumns).
		Updates(asset)
	if result.Error != nil {
		return fmt.Errorf("updating media asset: %w", result.Error)
	}
	if result.RowsAffected == 0 {
		return ErrNotFound
	}
	return nil
}

// UpdateFields applies a guarded single-row update.
func (r *mediaAssetRepo) UpdateFields(ctx context.Context, id models.ULID, fields map[string]any) error {
	changes := make(map[string]any, len(fields)+2)
	for k, v := range fields {
		changes[k] = v
	}
	if err := checkStateFields(changes); err != nil {
		return err
	}
	changes["updated_at"] = time.Now()

	result := r.db.WithContext(ctx).
		Session(&gorm.Session{SkipHooks: true}).
		Model(&models.MediaAsset{}).
		Where("id = ?", id).
		Updates(changes)
	if result.Error != nil {
		return fmt.Errorf("updating media asset fields: %w", result.Error)
	}
	if result.RowsAffected == 0 {
		return ErrNotFound
	}
	return nil
}

// checkStateFields applies the manifest invariant to a partial update that
// touches processing_state or manifest_locator. Any move to a non-ready state
// clears the manifest in the same write.
func checkStateFields(fields map[string]any) error {
	rawState, hasState := fields["processing_state"]
	rawManifest, hasManifest := fields["manifest_locator"]
	manifest, _ := rawManifest.(string)

	if !hasState {
		if manifest != "" {
			return models.ErrManifestWithoutReady
		}
		return nil
	}

	state, ok := rawState.(models.ProcessingState)
	if !ok {
		return fmt.Errorf("processing_state must be a models.ProcessingState, got %T", rawState)
	}
	if err := models.CheckManifestInvariant(state, manifest); err != nil {
		return err
	}
	if state != models.ProcessingReady && !hasManifest {
		fields["manifest_locator"] = ""
	}
	return nil
}

// Delete permanently removes an asset row.
func (r *mediaAssetRepo) Delete(ctx context.Context, id models.ULID) error {
	if err := r.db.WithContext(ctx).Unscoped().Where("id = ?", id).Delete(&models.MediaAsset{}).Error; err != nil {
		return fmt.Errorf("deleting media asset: %w", err)
	}
	return nil
}

// IncrementViews bumps the view counter without touching updated_at.
func (r *mediaAssetRepo) IncrementViews(ctx context.Context, id models.ULID) error {
	result := r.db.WithContext(ctx).
		Model(&models.MediaAsset{}).
		Where("id = ?", id).
		UpdateColumn("views", gorm.Expr("views + ?", 1))
	if result.Error != nil {
		return fmt.Errorf("incrementing views: %w", result.Error)
	}
	if result.RowsAffected == 0 {
		return ErrNotFound
	}
	return nil
}

// ListStale retrieves assets stuck in one of the given states.
func (r *mediaAssetRepo) ListStale(ctx context.Context, states []models.ProcessingState, before time.Time) ([]*models.MediaAsset, error) {
	var assets []*models.MediaAsset
	if err := r.db.WithContext(ctx).
		Where("processing_state IN ?", states).
		Where("updated_at < ?", before).
		Order("updated_at ASC").
		Find(&assets).Error; err != nil {
		return nil, fmt.Errorf("listing stale media assets: %w", err)
	}
	return assets, nil
}

// Ensure mediaAssetRepo implements MediaAssetRepository.
var _ MediaAssetRepository = (*mediaAssetRepo)(nil)
