package scheduler

import (
	"context"
	"fmt"
	"log/slog"
	"path/filepath"
	"time"

	"github.com/jmylchreest/vodarr/internal/config"
	"github.com/jmylchreest/vodarr/internal/startup"
	"github.com/jmylchreest/vodarr/internal/storage"
)

// Task names.
const (
	TaskOrphanSweep = "orphan-sweep"
	TaskStaleSweep  = "stale-sweep"
)

// MediaMaintainer is the part of the media service the maintenance tasks need.
type MediaMaintainer interface {
	FailStale(ctx context.Context, cutoff time.Time) (int, error)
	IsProcessing(assetID string) bool
	WorkDir() string
}

// emptyDirCleaner is implemented by blob stores backed by a local directory.
type emptyDirCleaner interface {
	Root() string
	CleanupEmptyDirs() error
}

// RegisterMaintenance adds the orphan sweep and stale processing sweep to s.
func RegisterMaintenance(s *Scheduler, cfg config.MaintenanceConfig, media MediaMaintainer, store storage.BlobStore, logger *slog.Logger) error {
	if err := s.AddTask(TaskOrphanSweep, cfg.OrphanSweepCron, OrphanSweep(media, store, cfg.OrphanMaxAge, logger)); err != nil {
		return err
	}
	return s.AddTask(TaskStaleSweep, cfg.StaleSweepCron, StaleSweep(media, cfg.StaleProcessingAfter, logger))
}

// OrphanSweep returns a task removing work directories no job owns and,
// for local stores, abandoned publish staging and empty directories.
func OrphanSweep(media MediaMaintainer, store storage.BlobStore, maxAge time.Duration, logger *slog.Logger) TaskFunc {
	return func(ctx context.Context) error {
		removed, err := startup.CleanupOrphanedWorkDirs(logger, media.WorkDir(), maxAge, media.IsProcessing)
		if err != nil {
			return fmt.Errorf("sweeping work dirs: %w", err)
		}

		local, ok := store.(emptyDirCleaner)
		if !ok {
			if removed > 0 {
				logger.InfoContext(ctx, "orphan sweep completed", slog.Int("work_dirs", removed))
			}
			return nil
		}

		staged, err := startup.CleanupStalePublishDirs(logger, filepath.Join(local.Root(), storage.RenditionsPrefix), maxAge)
		if err != nil {
			return fmt.Errorf("sweeping publish staging: %w", err)
		}
		if err := local.CleanupEmptyDirs(); err != nil {
			return fmt.Errorf("pruning empty media dirs: %w", err)
		}

		if removed > 0 || staged > 0 {
			logger.InfoContext(ctx, "orphan sweep completed",
				slog.Int("work_dirs", removed),
				slog.Int("publish_dirs", staged))
		}
		return nil
	}
}

// StaleSweep returns a task failing assets that have been in flight longer
// than after without a job working on them.
func StaleSweep(media MediaMaintainer, after time.Duration, logger *slog.Logger) TaskFunc {
	return func(ctx context.Context) error {
		marked, err := media.FailStale(ctx, time.Now().Add(-after))
		if err != nil {
			return fmt.Errorf("failing stale processing: %w", err)
		}
		if marked > 0 {
			logger.WarnContext(ctx, "stale processing swept", slog.Int("assets", marked))
		}
		return nil
	}
}
