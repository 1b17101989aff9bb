// Package startup provides utilities for application startup tasks.
package startup

import (
	"context"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/jmylchreest/vodarr/internal/models"
)

// PublishDirMarker appears in the names of staging directories left by an
// interrupted local publish.
const PublishDirMarker = ".publish-"

// DefaultCleanupAge is the default maximum age for orphaned work directories.
const DefaultCleanupAge = 24 * time.Hour

// StaleProcessingReaper marks assets stuck in flight as failed.
type StaleProcessingReaper interface {
	FailStale(ctx context.Context, cutoff time.Time) (int, error)
}

// CleanupOrphanedWorkDirs removes per-asset work directories under workDir
// that are older than maxAge. Directories for which isActive reports true
// are kept regardless of age; isActive may be nil.
//
// Returns the number of directories removed and any error encountered.
func CleanupOrphanedWorkDirs(logger *slog.Logger, workDir string, maxAge time.Duration, isActive func(assetID string) bool) (int, error) {
	if _, err := os.Stat(workDir); os.IsNotExist(err) {
		logger.Debug("work directory does not exist, skipping cleanup",
			"path", workDir,
		)
		return 0, nil
	}

	entries, err := os.ReadDir(workDir)
	if err != nil {
		logger.Error("failed to read work directory for cleanup",
			"path", workDir,
			"error", err,
		)
		return 0, err
	}

	cutoff := time.Now().Add(-maxAge)
	var removed int

	for _, entry := range entries {
		if !entry.IsDir() {
			continue
		}

		// Only asset directories are managed here.
		if _, err := models.ParseULID(entry.Name()); err != nil {
			continue
		}
		if isActive != nil && isActive(entry.Name()) {
			continue
		}

		dirPath := filepath.Join(workDir, entry.Name())

		info, err := entry.Info()
		if err != nil {
			logger.Warn("failed to get directory info",
				"path", dirPath,
				"error", err,
			)
			continue
		}

		if info.ModTime().After(cutoff) {
			logger.Debug("preserving recent work directory",
				"path", dirPath,
				"age", time.Since(info.ModTime()).Round(time.Second),
			)
			continue
		}

		if err := os.RemoveAll(dirPath); err != nil {
			logger.Warn("failed to remove orphaned work directory",
				"path", dirPath,
				"error", err,
			)
			continue
		}

		logger.Info("removed orphaned work directory",
			"path", dirPath,
			"age", time.Since(info.ModTime()).Round(time.Second),
		)
		removed++
	}

	return removed, nil
}

// CleanupStalePublishDirs removes staging directories an interrupted publish
// left next to published rendition directories under dir.
func CleanupStalePublishDirs(logger *slog.Logger, dir string, maxAge time.Duration) (int, error) {
	entries, err := os.ReadDir(dir)
	if os.IsNotExist(err) {
		return 0, nil
	}
	if err != nil {
		return 0, err
	}

	cutoff := time.Now().Add(-maxAge)
	var removed int
	for _, entry := range entries {
		if !entry.IsDir() || !strings.Contains(entry.Name(), PublishDirMarker) {
			continue
		}
		info, err := entry.Info()
		if err != nil || info.ModTime().After(cutoff) {
			continue
		}

		dirPath := filepath.Join(dir, entry.Name())
		if err := os.RemoveAll(dirPath); err != nil {
			logger.Warn("failed to remove stale publish directory",
				"path", dirPath,
				"error", err,
			)
			continue
		}
		logger.Info("removed stale publish directory", "path", dirPath)
		removed++
	}
	return removed, nil
}

// RecoverInterruptedProcessing marks every asset left in flight by a previous
// run as failed. It must run before the transcode pool accepts work.
//
// Returns the number of assets recovered and any error encountered.
func RecoverInterruptedProcessing(ctx context.Context, logger *slog.Logger, reaper StaleProcessingReaper) (int, error) {
	recovered, err := reaper.FailStale(ctx, time.Now())
	if err != nil {
		logger.Error("failed to recover interrupted processing",
			"error", err,
		)
		return recovered, err
	}
	if recovered > 0 {
		logger.Warn("recovered interrupted processing",
			"assets", recovered,
		)
	}
	return recovered, nil
}
