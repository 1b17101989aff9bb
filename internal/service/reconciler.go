package service

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"

	"github.com/jmylchreest/vodarr/internal/models"
	"github.com/jmylchreest/vodarr/internal/observability"
	"github.com/jmylchreest/vodarr/internal/storage"
)

// ReconcileFailure records one artifact that could not be removed.
type ReconcileFailure struct {
	Target string `json:"target"`
	Error  string `json:"error"`
}

// ReconcileReport lists what a reconcile pass removed and what it could not.
type ReconcileReport struct {
	Removed  []string           `json:"removed"`
	Failures []ReconcileFailure `json:"failures,omitempty"`
}

// OK reports whether every artifact was removed.
func (r ReconcileReport) OK() bool {
	return len(r.Failures) == 0
}

// Reconciler removes every stored artifact of an asset. Each removal is
// attempted independently; absent artifacts count as removed.
type Reconciler struct {
	store   storage.BlobStore
	workDir string
	logger  *slog.Logger
}

// NewReconciler creates a Reconciler over store. workDir is the root of the
// per-asset scratch directories.
func NewReconciler(store storage.BlobStore, workDir string) *Reconciler {
	return &Reconciler{
		store:   store,
		workDir: workDir,
		logger:  slog.Default(),
	}
}

// WithLogger sets the logger for the reconciler.
func (r *Reconciler) WithLogger(logger *slog.Logger) *Reconciler {
	r.logger = observability.WithComponent(logger, "reconciler")
	return r
}

// Reconcile removes the original, the renditions, the thumbnail and the work
// directory of asset. It never stops early and never returns an error;
// failures are logged and collected in the report.
func (r *Reconciler) Reconcile(ctx context.Context, asset *models.MediaAsset) ReconcileReport {
	var report ReconcileReport
	id := asset.ID.String()
	logger := observability.WithAsset(r.logger, id)

	record := func(target string, err error) {
		if err != nil {
			observability.WithError(logger, err).WarnContext(ctx, "failed to remove artifact",
				slog.String("target", target))
			report.Failures = append(report.Failures, ReconcileFailure{Target: target, Error: err.Error()})
			return
		}
		report.Removed = append(report.Removed, target)
	}

	if key := r.keyFor(asset.OriginalPath, asset.OriginalLocator); key != "" {
		record(key, r.store.Delete(ctx, key))
	}
	record(storage.OriginalDir(id)+"/", r.store.DeletePrefix(ctx, storage.OriginalDir(id)))

	record(storage.RenditionPrefix(id)+"/", r.store.DeletePrefix(ctx, storage.RenditionPrefix(id)))

	thumbKey := storage.ThumbnailKey(id)
	if key := r.keyFor(asset.ThumbnailPath, asset.ThumbnailLocator); key != "" && key != thumbKey {
		record(key, r.store.Delete(ctx, key))
	}
	record(thumbKey, r.store.Delete(ctx, thumbKey))

	if r.workDir != "" {
		dir := filepath.Join(r.workDir, id)
		if err := os.RemoveAll(dir); err != nil {
			record(dir, fmt.Errorf("removing work dir: %w", err))
		} else {
			record(dir, nil)
		}
	}

	logger.InfoContext(ctx, "asset artifacts reconciled",
		slog.Int("removed", len(report.Removed)),
		slog.Int("failed", len(report.Failures)))

	return report
}

// keyFor prefers the stored key and falls back to parsing the locator.
func (r *Reconciler) keyFor(path, locator string) string {
	if path != "" {
		return path
	}
	if locator == "" {
		return ""
	}
	key, ok := r.store.KeyFromLocator(locator)
	if !ok {
		return ""
	}
	return key
}
