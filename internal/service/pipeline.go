package service

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path"
	"path/filepath"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/jmylchreest/vodarr/internal/ffmpeg"
	"github.com/jmylchreest/vodarr/internal/hls"
	"github.com/jmylchreest/vodarr/internal/models"
	"github.com/jmylchreest/vodarr/internal/observability"
	"github.com/jmylchreest/vodarr/internal/repository"
	"github.com/jmylchreest/vodarr/internal/storage"
)

// maxProcessingErrorLength bounds the stored processing_error text.
const maxProcessingErrorLength = 4000

// processJob is one rendition attempt for an asset. Everything it writes
// locally lives under attemptDir.
type processJob struct {
	assetID    models.ULID
	kind       models.MediaKind
	source     string
	info       *ffmpeg.MediaInfo
	attemptDir string
	// thumbnail holds a normalized user-supplied JPEG; it replaces frame capture.
	thumbnail []byte
	// keepThumbnail skips frame capture for an asset with a custom thumbnail.
	keepThumbnail bool
}

// Transition is the outcome of a rendition attempt. Every outcome, from
// inline or pooled execution, is applied by applyTransition.
type Transition struct {
	AssetID models.ULID
	Set     *ffmpeg.RenditionSet
	Err     error
}

// dispatch runs job inline in sync mode or hands it to the pool. A job that
// cannot be queued fails the asset immediately.
func (s *MediaService) dispatch(ctx context.Context, job *processJob) error {
	tj := &TranscodeJob{
		AssetID: job.assetID.String(),
		Run: func(jobCtx context.Context) error {
			return s.process(jobCtx, job)
		},
	}

	var err error
	if s.cfg.Mode == ModeSync {
		err = s.pool.Run(context.WithoutCancel(ctx), tj)
	} else if submitErr := s.pool.Submit(tj); submitErr != nil {
		_ = removeAttemptDir(job.attemptDir)
		err = s.applyTransition(ctx, Transition{
			AssetID: job.assetID,
			Err:     fmt.Errorf("scheduling rendition: %w", submitErr),
		})
	}

	var recorded *recordedError
	if errors.As(err, &recorded) {
		return nil
	}
	return err
}

// recordedError is a rendition failure already settled in the asset's
// processing state (or deliberately not recorded because the job was
// cancelled or the asset is gone).
type recordedError struct {
	err error
}

func (e *recordedError) Error() string { return e.err.Error() }

func (e *recordedError) Unwrap() error { return e.err }

// process renders the asset and captures its thumbnail concurrently, then
// applies the outcome. The attempt directory is removed afterwards.
func (s *MediaService) process(ctx context.Context, job *processJob) (err error) {
	logger := observability.WithAsset(s.logger, job.assetID.String())
	defer observability.TimedOperationWithError(ctx, logger, "process", &err)()
	defer func() {
		if rmErr := removeAttemptDir(job.attemptDir); rmErr != nil {
			observability.WithError(logger, rmErr).Warn("failed to remove attempt directory")
		}
	}()

	outDir := filepath.Join(job.attemptDir, "renditions")

	var set *ffmpeg.RenditionSet
	var g errgroup.Group
	g.Go(func() error {
		var renderErr error
		if job.kind == models.MediaKindAudio {
			set, renderErr = s.renditioner.RenderAudio(ctx, job.source, job.info, outDir)
		} else {
			set, renderErr = s.renditioner.RenderVideo(ctx, job.source, job.info, outDir)
		}
		return renderErr
	})
	g.Go(func() error {
		s.thumbnailStep(ctx, job)
		return nil
	})
	renderErr := g.Wait()

	return s.applyTransition(ctx, Transition{AssetID: job.assetID, Set: set, Err: renderErr})
}

// thumbnailStep attaches the user-supplied image or a captured frame. Its
// failures are logged and never affect the asset's processing state.
func (s *MediaService) thumbnailStep(ctx context.Context, job *processJob) {
	logger := observability.WithAsset(s.logger, job.assetID.String())

	if len(job.thumbnail) > 0 {
		if err := s.attachThumbnail(ctx, job.assetID, bytes.NewReader(job.thumbnail), false); err != nil {
			observability.WithError(logger, err).WarnContext(ctx, "failed to attach thumbnail")
		}
		return
	}
	if job.keepThumbnail || job.kind != models.MediaKindVideo || s.thumbnails == nil {
		return
	}

	path, err := s.thumbnails.Generate(ctx, job.source, job.info.DurationSeconds, filepath.Join(job.attemptDir, "thumbnail"))
	if err != nil {
		observability.WithError(logger, err).WarnContext(ctx, "thumbnail generation failed")
		return
	}

	f, err := os.Open(path)
	if err != nil {
		observability.WithError(logger, err).WarnContext(ctx, "thumbnail unreadable")
		return
	}
	defer f.Close()

	if err := s.attachThumbnail(ctx, job.assetID, f, true); err != nil {
		observability.WithError(logger, err).WarnContext(ctx, "failed to attach thumbnail")
	}
}

// attachThumbnail uploads r to the asset's thumbnail key and records it. If
// the asset disappears at any point the upload is undone and nil returned.
// A captured frame is dropped when the asset already has a custom thumbnail.
func (s *MediaService) attachThumbnail(ctx context.Context, id models.ULID, r io.Reader, captured bool) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if asset, err := s.repo.GetByID(ctx, id); err != nil {
		return fmt.Errorf("loading media asset: %w", err)
	} else if asset == nil || (captured && asset.ThumbnailCustom) {
		return nil
	}

	key := storage.ThumbnailKey(id.String())
	locator, err := s.store.Put(ctx, key, r)
	if err != nil {
		if asset, getErr := s.repo.GetByID(ctx, id); getErr == nil && asset == nil {
			return nil
		}
		return err
	}

	err = s.repo.UpdateFields(ctx, id, map[string]any{
		"thumbnail_locator": locator,
		"thumbnail_path":    key,
	})
	if errors.Is(err, repository.ErrNotFound) {
		_ = s.store.Delete(context.WithoutCancel(ctx), key)
		return nil
	}
	if err != nil {
		return fmt.Errorf("recording thumbnail: %w", err)
	}
	return nil
}

// applyTransition is the single completion path for rendition attempts.
// Success composes and publishes the master playlist and marks the asset
// ready. Failure removes rendition output and marks the asset failed. A job
// cancelled by Delete, Replace or shutdown writes nothing. An asset deleted
// mid-flight is never written.
func (s *MediaService) applyTransition(ctx context.Context, t Transition) error {
	if t.Err == nil && t.Set == nil {
		t.Err = &models.RenditionError{Reason: "no renditions produced"}
	}
	if t.Err == nil {
		err := s.publish(ctx, t)
		if err == nil {
			return nil
		}
		t.Err = err
	}
	return s.fail(ctx, t)
}

func (s *MediaService) publish(ctx context.Context, t Transition) error {
	id := t.AssetID.String()
	logger := observability.WithAsset(s.logger, id)

	asset, err := s.repo.GetByID(ctx, t.AssetID)
	if err != nil {
		return fmt.Errorf("loading media asset: %w", err)
	}
	if asset == nil {
		_ = os.RemoveAll(t.Set.Dir)
		logger.InfoContext(ctx, "asset deleted during processing, discarding renditions")
		return nil
	}

	if _, err := hls.WriteMaster(t.Set.Dir, t.Set.Variants); err != nil {
		return &models.RenditionError{Reason: "master playlist invalid", Err: err}
	}

	prefix := storage.RenditionPrefix(id)
	if err := s.store.PublishDir(ctx, prefix, t.Set.Dir); err != nil {
		return err
	}

	now := time.Now()
	err = s.repo.UpdateFields(ctx, t.AssetID, map[string]any{
		"processing_state": models.ProcessingReady,
		"manifest_locator": s.store.URL(path.Join(prefix, hls.MasterName)),
		"renditions":       joinLabels(t.Set.Labels()),
		"processing_error": "",
		"processed_at":     &now,
	})
	if errors.Is(err, repository.ErrNotFound) {
		if delErr := s.store.DeletePrefix(context.WithoutCancel(ctx), prefix); delErr != nil {
			observability.WithError(logger, delErr).Warn("failed to remove renditions of deleted asset")
		}
		logger.InfoContext(ctx, "asset deleted during processing, discarded renditions")
		return nil
	}
	if err != nil {
		return fmt.Errorf("marking asset ready: %w", err)
	}

	logger.InfoContext(ctx, "asset ready",
		slog.Int("variants", len(t.Set.Variants)),
		slog.String("renditions", joinLabels(t.Set.Labels())))
	return nil
}

func (s *MediaService) fail(ctx context.Context, t Transition) error {
	id := t.AssetID.String()
	logger := observability.WithAsset(s.logger, id)

	if t.Set != nil {
		_ = os.RemoveAll(t.Set.Dir)
	}

	if ctx.Err() != nil && IsJobCancelled(ctx) {
		logger.InfoContext(ctx, "rendition cancelled", slog.String("cause", context.Cause(ctx).Error()))
		return &recordedError{err: t.Err}
	}

	wctx := context.WithoutCancel(ctx)
	if err := s.store.DeletePrefix(wctx, storage.RenditionPrefix(id)); err != nil {
		observability.WithError(logger, err).Warn("failed to remove rendition output")
	}

	err := s.repo.UpdateFields(wctx, t.AssetID, map[string]any{
		"processing_state": models.ProcessingFailed,
		"processing_error": truncate(t.Err.Error(), maxProcessingErrorLength),
	})
	if errors.Is(err, repository.ErrNotFound) {
		logger.InfoContext(ctx, "asset deleted during processing")
		return nil
	}
	if err != nil {
		return fmt.Errorf("marking asset failed: %w", err)
	}

	observability.WithError(logger, t.Err).WarnContext(ctx, "asset processing failed")
	return &recordedError{err: t.Err}
}

// removeAttemptDir removes an attempt directory and, when it was the last
// one, the asset's work directory.
func removeAttemptDir(dir string) error {
	if err := os.RemoveAll(dir); err != nil {
		return err
	}
	_ = os.Remove(filepath.Dir(dir))
	return nil
}

func joinLabels(labels []string) string {
	var a models.MediaAsset
	a.SetRenditionLabels(labels)
	return a.Renditions
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n]
}
