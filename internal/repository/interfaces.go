// Package repository defines data access interfaces for vodarr entities.
// All database access goes through these interfaces, enabling easy testing
// and database backend switching.
package repository

import (
	"context"
	"errors"
	"time"

	"github.com/jmylchreest/vodarr/internal/models"
)

// ErrNotFound is returned by guarded updates when the target row no longer exists.
var ErrNotFound = errors.New("record not found")

// MediaAssetRepository defines operations for media asset persistence.
type MediaAssetRepository interface {
	// Create inserts a new asset and assigns its ID.
	Create(ctx context.Context, asset *models.MediaAsset) error
	// GetByID retrieves an asset by ID. Returns nil, nil if not found.
	GetByID(ctx context.Context, id models.ULID) (*models.MediaAsset, error)
	// ListByOwner returns one page of an owner's assets, newest first, plus the total count.
	ListByOwner(ctx context.Context, ownerID string, offset, limit int) ([]*models.MediaAsset, int64, error)
	// ListAll returns one page of all assets, newest first, plus the total count.
	ListAll(ctx context.Context, offset, limit int) ([]*models.MediaAsset, int64, error)
	// Update writes the editable metadata columns of an existing asset.
	// Returns ErrNotFound if the row is gone; it never re-inserts.
	Update(ctx context.Context, asset *models.MediaAsset) error
	// UpdateFields applies a single-row update by ID. Returns ErrNotFound if
	// the row is gone. Processing state changes are checked against the
	// manifest invariant.
	UpdateFields(ctx context.Context, id models.ULID, fields map[string]any) error
	// Delete permanently removes an asset row. Deleting a missing row is not an error.
	Delete(ctx context.Context, id models.ULID) error
	// IncrementViews bumps the view counter.
	IncrementViews(ctx context.Context, id models.ULID) error
	// ListStale returns assets sitting in one of states since before the cutoff.
	ListStale(ctx context.Context, states []models.ProcessingState, before time.Time) ([]*models.MediaAsset, error)
}
