package service

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"mime"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/jmylchreest/vodarr/internal/ffmpeg"
	"github.com/jmylchreest/vodarr/internal/models"
	"github.com/jmylchreest/vodarr/internal/observability"
	"github.com/jmylchreest/vodarr/internal/repository"
	"github.com/jmylchreest/vodarr/internal/storage"
)

// Processing modes.
const (
	ModeAsync = "async"
	ModeSync  = "sync"
)

// ErrUploadTooLarge is returned when an upload exceeds the configured size limit.
var ErrUploadTooLarge = errors.New("upload exceeds maximum size")

// allowedExtensions lists the accepted file extensions per media kind.
var allowedExtensions = map[models.MediaKind]map[string]bool{
	models.MediaKindVideo: {
		".mp4": true, ".mov": true, ".mkv": true, ".webm": true,
		".avi": true, ".m4v": true, ".ts": true, ".flv": true,
	},
	models.MediaKindAudio: {
		".mp3": true, ".m4a": true, ".aac": true, ".wav": true,
		".flac": true, ".ogg": true, ".opus": true,
	},
}

// MetadataFields are the user-supplied descriptive fields of an asset.
type MetadataFields struct {
	Title       string
	Description string
	CategoryID  *uint
}

// MetadataUpdate is a partial update of the descriptive fields. Nil fields
// are left unchanged.
type MetadataUpdate struct {
	Title       *string
	Description *string
	CategoryID  *uint
}

// UploadedFile is a streamed client upload.
type UploadedFile struct {
	Reader      io.Reader
	Filename    string
	ContentType string
}

// IngestRequest carries a new upload and its metadata.
type IngestRequest struct {
	File        io.Reader
	Filename    string
	ContentType string
	Kind        models.MediaKind
	OwnerID     string
	Fields      MetadataFields
	// Thumbnail is an optional user-supplied image that replaces frame capture.
	Thumbnail *UploadedFile
}

// MediaServiceConfig holds the service's tunables.
type MediaServiceConfig struct {
	// WorkDir is the root of the per-asset scratch directories.
	WorkDir string
	// Mode is ModeAsync (pooled) or ModeSync (inline).
	Mode string
	// MaxUploadSize limits spooled uploads in bytes. Zero disables the limit.
	MaxUploadSize int64
}

// MediaService owns the media asset lifecycle: ingest, processing, updates
// and deletion.
type MediaService struct {
	repo        repository.MediaAssetRepository
	store       storage.BlobStore
	prober      *ffmpeg.Prober
	renditioner *ffmpeg.Renditioner
	thumbnails  *ffmpeg.ThumbnailGenerator
	images      *ImageConverter
	pool        *TranscodePool
	reconciler  *Reconciler
	cfg         MediaServiceConfig
	logger      *slog.Logger
}

// NewMediaService creates a new MediaService.
func NewMediaService(
	repo repository.MediaAssetRepository,
	store storage.BlobStore,
	prober *ffmpeg.Prober,
	renditioner *ffmpeg.Renditioner,
	thumbnails *ffmpeg.ThumbnailGenerator,
	pool *TranscodePool,
	cfg MediaServiceConfig,
) *MediaService {
	if cfg.Mode == "" {
		cfg.Mode = ModeAsync
	}
	return &MediaService{
		repo:        repo,
		store:       store,
		prober:      prober,
		renditioner: renditioner,
		thumbnails:  thumbnails,
		images:      NewImageConverter(640, 0),
		pool:        pool,
		reconciler:  NewReconciler(store, cfg.WorkDir),
		cfg:         cfg,
		logger:      slog.Default(),
	}
}

// WithLogger sets the logger for the service.
func (s *MediaService) WithLogger(logger *slog.Logger) *MediaService {
	s.logger = observability.WithComponent(logger, "media")
	s.reconciler = s.reconciler.WithLogger(logger)
	return s
}

// WithImageConverter sets the converter used for user-supplied thumbnails.
func (s *MediaService) WithImageConverter(images *ImageConverter) *MediaService {
	s.images = images
	return s
}

// Ingest accepts an upload, stores and probes it, creates its record and
// starts rendition. Precondition failures leave no record and no stored
// objects behind. Rendition outcomes are recorded on the asset; in async
// mode the returned asset is still renditioning.
func (s *MediaService) Ingest(ctx context.Context, req IngestRequest) (*models.MediaAsset, error) {
	if err := CheckFormat(req.Kind, req.Filename, req.ContentType); err != nil {
		return nil, err
	}
	if strings.TrimSpace(req.Fields.Title) == "" {
		return nil, models.ErrTitleRequired
	}

	var thumbnail []byte
	if req.Thumbnail != nil {
		data, err := s.normalizeThumbnail(*req.Thumbnail)
		if err != nil {
			return nil, err
		}
		thumbnail = data
	}

	asset := &models.MediaAsset{
		OwnerID:          req.OwnerID,
		Kind:             req.Kind,
		Title:            strings.TrimSpace(req.Fields.Title),
		Description:      req.Fields.Description,
		CategoryID:       req.Fields.CategoryID,
		OriginalFilename: storage.SafeFilename(req.Filename),
		ThumbnailCustom:  thumbnail != nil,
		Status:           models.MediaStatusActive,
		ProcessingState:  models.ProcessingPending,
	}
	if err := s.repo.Create(ctx, asset); err != nil {
		return nil, fmt.Errorf("creating media asset: %w", err)
	}

	id := asset.ID.String()
	logger := observability.WithAsset(s.logger, id)
	logger.InfoContext(ctx, "ingest accepted",
		slog.String("kind", string(req.Kind)),
		slog.String("owner_id", req.OwnerID),
		slog.String("filename", asset.OriginalFilename))

	attemptDir := s.attemptDir(id)
	source, err := s.spool(attemptDir, asset.OriginalFilename, req.File)
	if err != nil {
		s.abandon(ctx, asset, "")
		return nil, err
	}

	key := storage.OriginalKey(id, asset.OriginalFilename)
	locator, err := s.store.PutFile(ctx, key, source)
	if err != nil {
		s.abandon(ctx, asset, "")
		return nil, err
	}
	if err := s.repo.UpdateFields(ctx, asset.ID, map[string]any{
		"original_locator": locator,
		"original_path":    key,
		"processing_state": models.ProcessingProbing,
	}); err != nil {
		s.abandon(ctx, asset, key)
		return nil, fmt.Errorf("recording original: %w", err)
	}

	info, err := s.probe(ctx, source, req.Kind)
	if err != nil {
		s.abandon(ctx, asset, key)
		return nil, err
	}

	if err := s.repo.UpdateFields(ctx, asset.ID, probeFields(info)); err != nil {
		s.abandon(ctx, asset, key)
		return nil, fmt.Errorf("recording probe result: %w", err)
	}

	job := &processJob{
		assetID:    asset.ID,
		kind:       req.Kind,
		source:     source,
		info:       info,
		attemptDir: attemptDir,
		thumbnail:  thumbnail,
	}
	if err := s.dispatch(ctx, job); err != nil {
		return nil, err
	}

	return s.Get(ctx, asset.ID)
}

// Delete removes an asset owned by requesterID: in-flight work is cancelled,
// every stored artifact is reconciled and the record is deleted last. Once
// authorized, removal is not interrupted by the caller going away.
func (s *MediaService) Delete(ctx context.Context, id models.ULID, requesterID string) (*ReconcileReport, error) {
	asset, err := s.getOwned(ctx, id, requesterID)
	if err != nil {
		return nil, err
	}

	if !asset.ProcessingState.IsTerminal() {
		s.pool.Cancel(id.String())
	}
	wctx := context.WithoutCancel(ctx)
	report := s.reconciler.Reconcile(wctx, asset)

	if err := s.repo.Delete(wctx, id); err != nil {
		return &report, fmt.Errorf("deleting media asset: %w", err)
	}

	// Thumbnail or rendition writes racing the reconcile land on deterministic keys.
	_ = s.store.Delete(wctx, storage.ThumbnailKey(id.String()))
	_ = s.store.DeletePrefix(wctx, storage.RenditionPrefix(id.String()))

	s.logger.InfoContext(ctx, "asset deleted",
		slog.String("asset_id", id.String()),
		slog.Bool("clean", report.OK()))
	return &report, nil
}

// Get returns an asset or a NotFoundError.
func (s *MediaService) Get(ctx context.Context, id models.ULID) (*models.MediaAsset, error) {
	asset, err := s.repo.GetByID(ctx, id)
	if err != nil {
		return nil, fmt.Errorf("getting media asset: %w", err)
	}
	if asset == nil {
		return nil, &models.NotFoundError{Resource: "media", ID: id.String()}
	}
	return asset, nil
}

// View returns an asset and counts the view.
func (s *MediaService) View(ctx context.Context, id models.ULID) (*models.MediaAsset, error) {
	err := s.repo.IncrementViews(ctx, id)
	if errors.Is(err, repository.ErrNotFound) {
		return nil, &models.NotFoundError{Resource: "media", ID: id.String()}
	}
	if err != nil {
		return nil, err
	}
	return s.Get(ctx, id)
}

// ListByOwner returns one page of an owner's assets and the total count.
func (s *MediaService) ListByOwner(ctx context.Context, ownerID string, skip, limit int) ([]*models.MediaAsset, int64, error) {
	return s.repo.ListByOwner(ctx, ownerID, skip, limit)
}

// ListAll returns one page of all assets and the total count.
func (s *MediaService) ListAll(ctx context.Context, skip, limit int) ([]*models.MediaAsset, int64, error) {
	return s.repo.ListAll(ctx, skip, limit)
}

// Update changes the descriptive fields of an asset owned by requesterID.
func (s *MediaService) Update(ctx context.Context, id models.ULID, requesterID string, upd MetadataUpdate) (*models.MediaAsset, error) {
	asset, err := s.getOwned(ctx, id, requesterID)
	if err != nil {
		return nil, err
	}

	if upd.Title != nil {
		asset.Title = strings.TrimSpace(*upd.Title)
	}
	if upd.Description != nil {
		asset.Description = *upd.Description
	}
	if upd.CategoryID != nil {
		asset.CategoryID = upd.CategoryID
	}

	if err := asset.Validate(); err != nil {
		return nil, err
	}
	if err := s.repo.Update(ctx, asset); err != nil {
		return nil, s.notFound(id, err)
	}
	return s.Get(ctx, id)
}

// SetStatus sets the visibility status of an asset owned by requesterID.
func (s *MediaService) SetStatus(ctx context.Context, id models.ULID, requesterID string, status models.MediaStatus) (*models.MediaAsset, error) {
	if status != models.MediaStatusActive && status != models.MediaStatusInactive {
		return nil, models.ErrInvalidStatus
	}
	if _, err := s.getOwned(ctx, id, requesterID); err != nil {
		return nil, err
	}
	if err := s.repo.UpdateFields(ctx, id, map[string]any{"status": status}); err != nil {
		return nil, s.notFound(id, err)
	}
	return s.Get(ctx, id)
}

// Replace swaps the uploaded file of an asset owned by requesterID. The new
// file is accepted, spooled and probed before the old one is touched; the
// asset is then reprocessed from scratch.
func (s *MediaService) Replace(ctx context.Context, id models.ULID, requesterID string, upload UploadedFile) (*models.MediaAsset, error) {
	asset, err := s.getOwned(ctx, id, requesterID)
	if err != nil {
		return nil, err
	}
	if err := CheckFormat(asset.Kind, upload.Filename, upload.ContentType); err != nil {
		return nil, err
	}

	idStr := id.String()
	filename := storage.SafeFilename(upload.Filename)
	attemptDir := s.attemptDir(idStr)

	source, err := s.spool(attemptDir, filename, upload.Reader)
	if err != nil {
		_ = removeAttemptDir(attemptDir)
		return nil, err
	}
	info, err := s.probe(ctx, source, asset.Kind)
	if err != nil {
		_ = removeAttemptDir(attemptDir)
		return nil, err
	}

	s.pool.Cancel(idStr)

	key := storage.OriginalKey(idStr, filename)
	locator, err := s.store.PutFile(ctx, key, source)
	if err != nil {
		_ = removeAttemptDir(attemptDir)
		return nil, err
	}

	logger := observability.WithAsset(s.logger, idStr)
	if asset.OriginalPath != "" && asset.OriginalPath != key {
		if err := s.store.Delete(ctx, asset.OriginalPath); err != nil {
			observability.WithError(logger, err).WarnContext(ctx, "failed to remove replaced original")
		}
	}
	if err := s.store.DeletePrefix(ctx, storage.RenditionPrefix(idStr)); err != nil {
		observability.WithError(logger, err).WarnContext(ctx, "failed to remove replaced renditions")
	}

	fields := probeFields(info)
	fields["original_locator"] = locator
	fields["original_path"] = key
	fields["original_filename"] = filename
	fields["processing_error"] = ""
	fields["processed_at"] = nil
	fields["renditions"] = ""
	if err := s.repo.UpdateFields(ctx, id, fields); err != nil {
		_ = s.store.Delete(context.WithoutCancel(ctx), key)
		_ = removeAttemptDir(attemptDir)
		return nil, s.notFound(id, err)
	}

	logger.InfoContext(ctx, "original replaced", slog.String("filename", filename))

	job := &processJob{
		assetID:       id,
		kind:          asset.Kind,
		source:        source,
		info:          info,
		attemptDir:    attemptDir,
		keepThumbnail: asset.ThumbnailCustom,
	}
	if err := s.dispatch(ctx, job); err != nil {
		return nil, err
	}
	return s.Get(ctx, id)
}

// ReplaceThumbnail stores a user-supplied image as the thumbnail of an asset
// owned by requesterID.
func (s *MediaService) ReplaceThumbnail(ctx context.Context, id models.ULID, requesterID string, image UploadedFile) (*models.MediaAsset, error) {
	if _, err := s.getOwned(ctx, id, requesterID); err != nil {
		return nil, err
	}

	data, err := s.normalizeThumbnail(image)
	if err != nil {
		return nil, err
	}

	key := storage.ThumbnailKey(id.String())
	locator, err := s.store.Put(ctx, key, bytes.NewReader(data))
	if err != nil {
		return nil, err
	}
	if err := s.repo.UpdateFields(ctx, id, map[string]any{
		"thumbnail_locator": locator,
		"thumbnail_path":    key,
		"thumbnail_custom":  true,
	}); err != nil {
		if errors.Is(err, repository.ErrNotFound) {
			_ = s.store.Delete(context.WithoutCancel(ctx), key)
		}
		return nil, s.notFound(id, err)
	}
	return s.Get(ctx, id)
}

// Retry reprocesses a failed asset owned by requesterID from its stored original.
func (s *MediaService) Retry(ctx context.Context, id models.ULID, requesterID string) (*models.MediaAsset, error) {
	asset, err := s.getOwned(ctx, id, requesterID)
	if err != nil {
		return nil, err
	}
	if asset.ProcessingState != models.ProcessingFailed {
		return nil, models.ErrNotRetryable
	}
	if asset.OriginalPath == "" {
		return nil, &models.StorageError{Op: "open", Path: "original", Err: errors.New("asset has no stored original")}
	}

	idStr := id.String()
	attemptDir := s.attemptDir(idStr)

	rc, err := s.store.Open(ctx, asset.OriginalPath)
	if err != nil {
		return nil, err
	}
	source, err := s.spoolUnlimited(attemptDir, asset.OriginalFilename, rc)
	_ = rc.Close()
	if err != nil {
		_ = removeAttemptDir(attemptDir)
		return nil, err
	}

	info, err := s.probe(ctx, source, asset.Kind)
	if err != nil {
		_ = removeAttemptDir(attemptDir)
		_ = s.repo.UpdateFields(ctx, id, map[string]any{
			"processing_state": models.ProcessingFailed,
			"processing_error": truncate(err.Error(), maxProcessingErrorLength),
		})
		return nil, err
	}

	fields := probeFields(info)
	fields["processing_error"] = ""
	if err := s.repo.UpdateFields(ctx, id, fields); err != nil {
		_ = removeAttemptDir(attemptDir)
		return nil, s.notFound(id, err)
	}

	observability.WithAsset(s.logger, idStr).InfoContext(ctx, "retrying processing")

	job := &processJob{
		assetID:       id,
		kind:          asset.Kind,
		source:        source,
		info:          info,
		attemptDir:    attemptDir,
		keepThumbnail: asset.ThumbnailCustom,
	}
	if err := s.dispatch(ctx, job); err != nil {
		return nil, err
	}
	return s.Get(ctx, id)
}

// FailStale marks assets stuck in an in-flight state since before cutoff as
// failed, skipping any the pool is still working on, and removes whatever an
// interrupted publish left under their rendition prefix. Returns the number
// of assets marked.
func (s *MediaService) FailStale(ctx context.Context, cutoff time.Time) (int, error) {
	stale, err := s.repo.ListStale(ctx, models.InFlightStates, cutoff)
	if err != nil {
		return 0, err
	}

	marked := 0
	for _, asset := range stale {
		if s.pool.IsTracked(asset.ID.String()) {
			continue
		}
		err := s.repo.UpdateFields(ctx, asset.ID, map[string]any{
			"processing_state": models.ProcessingFailed,
			"processing_error": "processing interrupted",
		})
		if errors.Is(err, repository.ErrNotFound) {
			continue
		}
		if err != nil {
			return marked, err
		}
		marked++

		logger := observability.WithAsset(s.logger, asset.ID.String())
		if err := s.store.DeletePrefix(ctx, storage.RenditionPrefix(asset.ID.String())); err != nil {
			observability.WithError(logger, err).WarnContext(ctx, "failed to remove interrupted rendition output")
		}
		logger.WarnContext(ctx, "stale processing marked failed",
			slog.String("state", string(asset.ProcessingState)),
			slog.Time("updated_at", asset.UpdatedAt))
	}
	return marked, nil
}

// IsProcessing reports whether the pool holds work for the asset.
func (s *MediaService) IsProcessing(assetID string) bool {
	return s.pool.IsTracked(assetID)
}

// WorkDir returns the root of the per-asset scratch directories.
func (s *MediaService) WorkDir() string {
	return s.cfg.WorkDir
}

// CheckFormat rejects uploads whose extension or advertised content type
// does not fit kind. It has no side effects.
func CheckFormat(kind models.MediaKind, filename, contentType string) error {
	allowed, ok := allowedExtensions[kind]
	if !ok {
		return &models.UnsupportedFormatError{Kind: kind, Reason: "kind must be video or audio"}
	}

	ext := strings.ToLower(filepath.Ext(filename))
	if !allowed[ext] {
		return &models.UnsupportedFormatError{Kind: kind, Extension: ext, Reason: "extension not allowed"}
	}

	if contentType != "" {
		mediaType, _, err := mime.ParseMediaType(contentType)
		if err != nil {
			return &models.UnsupportedFormatError{Kind: kind, ContentType: contentType, Reason: "malformed content type"}
		}
		if mediaType != "application/octet-stream" && !strings.HasPrefix(mediaType, string(kind)+"/") {
			return &models.UnsupportedFormatError{Kind: kind, ContentType: mediaType, Reason: "content type does not match kind"}
		}
	}
	return nil
}

func (s *MediaService) normalizeThumbnail(image UploadedFile) ([]byte, error) {
	if !s.images.IsSupportedFormat(image.ContentType) {
		return nil, &models.UnsupportedFormatError{ContentType: image.ContentType, Reason: "thumbnail must be a PNG, JPEG, GIF or WebP image"}
	}
	data, _, _, err := s.images.ConvertToJPEGReader(image.Reader)
	if errors.Is(err, ErrImageTooLarge) {
		return nil, ErrUploadTooLarge
	}
	if err != nil {
		return nil, &models.UnsupportedFormatError{ContentType: image.ContentType, Reason: "thumbnail could not be decoded"}
	}
	return data, nil
}

func (s *MediaService) probe(ctx context.Context, source string, kind models.MediaKind) (*ffmpeg.MediaInfo, error) {
	return s.prober.ProbeMedia(ctx, source, kind)
}

// attemptDir returns a fresh scratch directory for one processing attempt.
func (s *MediaService) attemptDir(assetID string) string {
	return filepath.Join(s.cfg.WorkDir, assetID, models.NewULID().String())
}

// spool copies r to attemptDir/source/filename, enforcing the upload limit.
func (s *MediaService) spool(attemptDir, filename string, r io.Reader) (string, error) {
	if s.cfg.MaxUploadSize > 0 {
		r = io.LimitReader(r, s.cfg.MaxUploadSize+1)
	}
	path, n, err := writeSpool(attemptDir, filename, r)
	if err != nil {
		return "", err
	}
	if s.cfg.MaxUploadSize > 0 && n > s.cfg.MaxUploadSize {
		_ = os.Remove(path)
		return "", ErrUploadTooLarge
	}
	return path, nil
}

func (s *MediaService) spoolUnlimited(attemptDir, filename string, r io.Reader) (string, error) {
	path, _, err := writeSpool(attemptDir, filename, r)
	return path, err
}

func writeSpool(attemptDir, filename string, r io.Reader) (string, int64, error) {
	dir := filepath.Join(attemptDir, "source")
	if err := os.MkdirAll(dir, 0o750); err != nil {
		return "", 0, &models.StorageError{Op: "spool", Path: dir, Err: err}
	}

	path := filepath.Join(dir, storage.SafeFilename(filename))
	f, err := os.Create(path)
	if err != nil {
		return "", 0, &models.StorageError{Op: "spool", Path: path, Err: err}
	}
	n, err := io.Copy(f, r)
	closeErr := f.Close()
	if err == nil {
		err = closeErr
	}
	if err != nil {
		_ = os.Remove(path)
		return "", 0, &models.StorageError{Op: "spool", Path: path, Err: err}
	}
	return path, n, nil
}

// abandon undoes a failed ingest precondition: the stored original (if any),
// the work directory and the record are removed.
func (s *MediaService) abandon(ctx context.Context, asset *models.MediaAsset, originalKey string) {
	ctx = context.WithoutCancel(ctx)
	id := asset.ID.String()
	logger := observability.WithAsset(s.logger, id)

	if originalKey != "" {
		if err := s.store.Delete(ctx, originalKey); err != nil {
			observability.WithError(logger, err).WarnContext(ctx, "failed to remove original of abandoned upload")
		}
	}
	if err := os.RemoveAll(filepath.Join(s.cfg.WorkDir, id)); err != nil {
		observability.WithError(logger, err).WarnContext(ctx, "failed to remove work dir of abandoned upload")
	}
	if err := s.repo.Delete(ctx, asset.ID); err != nil {
		observability.WithError(logger, err).ErrorContext(ctx, "failed to remove record of abandoned upload")
	}
	logger.InfoContext(ctx, "ingest abandoned")
}

func (s *MediaService) getOwned(ctx context.Context, id models.ULID, requesterID string) (*models.MediaAsset, error) {
	asset, err := s.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if !asset.IsOwnedBy(requesterID) {
		return nil, &models.AuthorizationError{Resource: "media", ID: id.String(), RequesterID: requesterID}
	}
	return asset, nil
}

// notFound maps a repository ErrNotFound to a NotFoundError.
func (s *MediaService) notFound(id models.ULID, err error) error {
	if errors.Is(err, repository.ErrNotFound) {
		return &models.NotFoundError{Resource: "media", ID: id.String()}
	}
	return err
}

func probeFields(info *ffmpeg.MediaInfo) map[string]any {
	fields := map[string]any{
		"duration_seconds": info.DurationSeconds,
		"processing_state": models.ProcessingRenditioning,
	}
	if info.Width > 0 && info.Height > 0 {
		fields["width"] = info.Width
		fields["height"] = info.Height
	} else {
		fields["width"] = nil
		fields["height"] = nil
	}
	return fields
}
