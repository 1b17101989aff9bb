package handlers

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"mime/multipart"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/danielgtaylor/huma/v2"
	"github.com/go-chi/chi/v5"

	"github.com/jmylchreest/vodarr/internal/http/middleware"
	"github.com/jmylchreest/vodarr/internal/models"
	"github.com/jmylchreest/vodarr/internal/observability"
	"github.com/jmylchreest/vodarr/internal/service"
)

// multipartMemory is how much of a multipart body is kept in memory before
// the remainder is spooled to temporary files.
const multipartMemory = 32 << 20

// formSlack covers the non-file form fields on top of the file size limit.
const formSlack = 1 << 20

// MediaService is the subset of service.MediaService used by the handler.
type MediaService interface {
	Ingest(ctx context.Context, req service.IngestRequest) (*models.MediaAsset, error)
	Get(ctx context.Context, id models.ULID) (*models.MediaAsset, error)
	View(ctx context.Context, id models.ULID) (*models.MediaAsset, error)
	ListAll(ctx context.Context, skip, limit int) ([]*models.MediaAsset, int64, error)
	ListByOwner(ctx context.Context, ownerID string, skip, limit int) ([]*models.MediaAsset, int64, error)
	Update(ctx context.Context, id models.ULID, requesterID string, upd service.MetadataUpdate) (*models.MediaAsset, error)
	SetStatus(ctx context.Context, id models.ULID, requesterID string, status models.MediaStatus) (*models.MediaAsset, error)
	Replace(ctx context.Context, id models.ULID, requesterID string, upload service.UploadedFile) (*models.MediaAsset, error)
	ReplaceThumbnail(ctx context.Context, id models.ULID, requesterID string, image service.UploadedFile) (*models.MediaAsset, error)
	Retry(ctx context.Context, id models.ULID, requesterID string) (*models.MediaAsset, error)
	Delete(ctx context.Context, id models.ULID, requesterID string) (*service.ReconcileReport, error)
}

// MediaHandlerConfig limits request bodies.
type MediaHandlerConfig struct {
	MaxUploadSize    int64
	MaxThumbnailSize int64
}

// MediaHandler handles media asset API endpoints.
type MediaHandler struct {
	service MediaService
	cfg     MediaHandlerConfig
	logger  *slog.Logger
}

// NewMediaHandler creates a new media handler.
func NewMediaHandler(svc MediaService, cfg MediaHandlerConfig) *MediaHandler {
	return &MediaHandler{
		service: svc,
		cfg:     cfg,
		logger:  slog.Default(),
	}
}

// WithLogger sets the logger for the handler.
func (h *MediaHandler) WithLogger(logger *slog.Logger) *MediaHandler {
	h.logger = logger
	return h
}

// MediaResponse is the API representation of a media asset.
type MediaResponse struct {
	ID               string     `json:"id"`
	OwnerID          string     `json:"owner_id"`
	Kind             string     `json:"kind"`
	Title            string     `json:"title"`
	Description      string     `json:"description,omitempty"`
	CategoryID       *uint      `json:"category_id,omitempty"`
	OriginalLocator  string     `json:"original_locator,omitempty"`
	OriginalFilename string     `json:"original_filename,omitempty"`
	ManifestLocator  string     `json:"manifest_locator,omitempty" doc:"Master playlist URL, set once processing is ready"`
	Renditions       []string   `json:"renditions,omitempty" doc:"Tier labels listed in the master playlist"`
	ThumbnailLocator string     `json:"thumbnail_locator,omitempty"`
	Width            *int       `json:"width,omitempty"`
	Height           *int       `json:"height,omitempty"`
	DurationSeconds  *float64   `json:"duration_seconds,omitempty"`
	Status           string     `json:"status" enum:"ACTIVE,INACTIVE"`
	ProcessingState  string     `json:"processing_state" enum:"pending,probing,renditioning,ready,failed"`
	Playable         bool       `json:"playable" doc:"True once the manifest can be streamed"`
	ProcessingError  string     `json:"processing_error,omitempty"`
	ProcessedAt      *time.Time `json:"processed_at,omitempty"`
	Views            int64      `json:"views"`
	CreatedAt        time.Time  `json:"created_at"`
	UpdatedAt        time.Time  `json:"updated_at"`
}

// MediaFromModel converts a model to a response.
func MediaFromModel(a *models.MediaAsset) MediaResponse {
	return MediaResponse{
		ID:               a.ID.String(),
		OwnerID:          a.OwnerID,
		Kind:             string(a.Kind),
		Title:            a.Title,
		Description:      a.Description,
		CategoryID:       a.CategoryID,
		OriginalLocator:  a.OriginalLocator,
		OriginalFilename: a.OriginalFilename,
		ManifestLocator:  a.ManifestLocator,
		Renditions:       a.RenditionLabels(),
		ThumbnailLocator: a.ThumbnailLocator,
		Width:            a.Width,
		Height:           a.Height,
		DurationSeconds:  a.DurationSeconds,
		Status:           string(a.Status),
		ProcessingState:  string(a.ProcessingState),
		Playable:         a.IsReady() && a.ManifestLocator != "",
		ProcessingError:  a.ProcessingError,
		ProcessedAt:      a.ProcessedAt,
		Views:            a.Views,
		CreatedAt:        a.CreatedAt,
		UpdatedAt:        a.UpdatedAt,
	}
}

// Register registers the media routes with the API.
func (h *MediaHandler) Register(api huma.API) {
	huma.Register(api, huma.Operation{
		OperationID: "listMedia",
		Method:      "GET",
		Path:        "/api/v1/media",
		Summary:     "List media",
		Description: "Returns a page of all media assets, newest first",
		Tags:        []string{"Media"},
	}, h.List)

	huma.Register(api, huma.Operation{
		OperationID: "listMyMedia",
		Method:      "GET",
		Path:        "/api/v1/media/mine",
		Summary:     "List my media",
		Description: "Returns a page of the authenticated requester's media assets",
		Tags:        []string{"Media"},
	}, h.ListMine)

	huma.Register(api, huma.Operation{
		OperationID: "getMedia",
		Method:      "GET",
		Path:        "/api/v1/media/{id}",
		Summary:     "Get media",
		Description: "Returns a media asset and counts a view",
		Tags:        []string{"Media"},
	}, h.Get)

	huma.Register(api, huma.Operation{
		OperationID: "updateMedia",
		Method:      "PATCH",
		Path:        "/api/v1/media/{id}",
		Summary:     "Update media metadata",
		Tags:        []string{"Media"},
	}, h.Update)

	huma.Register(api, huma.Operation{
		OperationID: "setMediaStatus",
		Method:      "PUT",
		Path:        "/api/v1/media/{id}/status",
		Summary:     "Set media visibility",
		Tags:        []string{"Media"},
	}, h.SetStatus)

	huma.Register(api, huma.Operation{
		OperationID:   "retryMedia",
		Method:        "POST",
		Path:          "/api/v1/media/{id}/retry",
		Summary:       "Retry processing",
		Description:   "Reprocesses a failed asset from its stored original",
		Tags:          []string{"Media"},
		DefaultStatus: http.StatusAccepted,
	}, h.Retry)

	huma.Register(api, huma.Operation{
		OperationID: "deleteMedia",
		Method:      "DELETE",
		Path:        "/api/v1/media/{id}",
		Summary:     "Delete media",
		Description: "Deletes an asset and every stored artifact derived from it",
		Tags:        []string{"Media"},
	}, h.Delete)

	huma.Register(api, huma.Operation{
		OperationID:      "replaceMediaThumbnail",
		Method:           "PUT",
		Path:             "/api/v1/media/{id}/thumbnail",
		Summary:          "Replace thumbnail",
		Description:      "Stores a PNG, JPEG, GIF or WebP image as the asset thumbnail",
		Tags:             []string{"Media"},
		RequestBody:      &huma.RequestBody{Content: map[string]*huma.MediaType{"multipart/form-data": {}}},
		SkipValidateBody: true,
		MaxBodyBytes:     h.cfg.MaxThumbnailSize + formSlack,
	}, h.ReplaceThumbnail)
}

// RegisterChiRoutes registers the streaming upload routes. Video uploads
// exceed what huma buffers, so they are parsed directly from the request.
func (h *MediaHandler) RegisterChiRoutes(r chi.Router) {
	r.Post("/api/v1/media", h.Upload)
	r.Put("/api/v1/media/{id}/file", h.ReplaceFile)
}

// PageInput is the skip/limit pagination input.
type PageInput struct {
	Skip  int `query:"skip" default:"0" minimum:"0"`
	Limit int `query:"limit" default:"50" minimum:"1" maximum:"500"`
}

// ListMediaOutput is the output for listing media.
type ListMediaOutput struct {
	Body struct {
		Items []MediaResponse `json:"items"`
		Total int64           `json:"total"`
		Skip  int             `json:"skip"`
		Limit int             `json:"limit"`
	}
}

// MediaIDInput identifies an asset.
type MediaIDInput struct {
	ID string `path:"id" doc:"Media ID (ULID)"`
}

// MediaOutput wraps a single asset.
type MediaOutput struct {
	Body MediaResponse
}

// List returns a page of all assets.
func (h *MediaHandler) List(ctx context.Context, input *PageInput) (*ListMediaOutput, error) {
	assets, total, err := h.service.ListAll(ctx, input.Skip, input.Limit)
	if err != nil {
		return nil, h.mediaError(ctx, "failed to list media", err)
	}
	return listOutput(assets, total, input), nil
}

// ListMine returns a page of the requester's assets.
func (h *MediaHandler) ListMine(ctx context.Context, input *PageInput) (*ListMediaOutput, error) {
	requester, err := requireRequester(ctx)
	if err != nil {
		return nil, err
	}
	assets, total, err := h.service.ListByOwner(ctx, requester, input.Skip, input.Limit)
	if err != nil {
		return nil, h.mediaError(ctx, "failed to list media", err)
	}
	return listOutput(assets, total, input), nil
}

func listOutput(assets []*models.MediaAsset, total int64, page *PageInput) *ListMediaOutput {
	out := &ListMediaOutput{}
	out.Body.Items = make([]MediaResponse, 0, len(assets))
	for _, a := range assets {
		out.Body.Items = append(out.Body.Items, MediaFromModel(a))
	}
	out.Body.Total = total
	out.Body.Skip = page.Skip
	out.Body.Limit = page.Limit
	return out
}

// Get returns an asset and counts the view.
func (h *MediaHandler) Get(ctx context.Context, input *MediaIDInput) (*MediaOutput, error) {
	id, err := parseMediaID(input.ID)
	if err != nil {
		return nil, err
	}
	asset, err := h.service.View(ctx, id)
	if err != nil {
		return nil, h.mediaError(ctx, "failed to get media", err)
	}
	return &MediaOutput{Body: MediaFromModel(asset)}, nil
}

// UpdateMediaInput is the input for a metadata update.
type UpdateMediaInput struct {
	ID   string `path:"id" doc:"Media ID (ULID)"`
	Body struct {
		Title       *string `json:"title,omitempty" maxLength:"255"`
		Description *string `json:"description,omitempty"`
		CategoryID  *uint   `json:"category_id,omitempty"`
	}
}

// Update changes the descriptive fields of an asset.
func (h *MediaHandler) Update(ctx context.Context, input *UpdateMediaInput) (*MediaOutput, error) {
	requester, err := requireRequester(ctx)
	if err != nil {
		return nil, err
	}
	id, err := parseMediaID(input.ID)
	if err != nil {
		return nil, err
	}
	asset, err := h.service.Update(ctx, id, requester, service.MetadataUpdate{
		Title:       input.Body.Title,
		Description: input.Body.Description,
		CategoryID:  input.Body.CategoryID,
	})
	if err != nil {
		return nil, h.mediaError(ctx, "failed to update media", err)
	}
	return &MediaOutput{Body: MediaFromModel(asset)}, nil
}

// SetMediaStatusInput is the input for a visibility change.
type SetMediaStatusInput struct {
	ID   string `path:"id" doc:"Media ID (ULID)"`
	Body struct {
		Status string `json:"status" enum:"ACTIVE,INACTIVE"`
	}
}

// SetStatus changes the visibility of an asset.
func (h *MediaHandler) SetStatus(ctx context.Context, input *SetMediaStatusInput) (*MediaOutput, error) {
	requester, err := requireRequester(ctx)
	if err != nil {
		return nil, err
	}
	id, err := parseMediaID(input.ID)
	if err != nil {
		return nil, err
	}
	status, err := models.ParseMediaStatus(input.Body.Status)
	if err != nil {
		return nil, huma.Error400BadRequest(err.Error())
	}
	asset, err := h.service.SetStatus(ctx, id, requester, status)
	if err != nil {
		return nil, h.mediaError(ctx, "failed to set media status", err)
	}
	return &MediaOutput{Body: MediaFromModel(asset)}, nil
}

// Retry reprocesses a failed asset.
func (h *MediaHandler) Retry(ctx context.Context, input *MediaIDInput) (*MediaOutput, error) {
	requester, err := requireRequester(ctx)
	if err != nil {
		return nil, err
	}
	id, err := parseMediaID(input.ID)
	if err != nil {
		return nil, err
	}
	asset, err := h.service.Retry(ctx, id, requester)
	if err != nil {
		return nil, h.mediaError(ctx, "failed to retry media", err)
	}
	return &MediaOutput{Body: MediaFromModel(asset)}, nil
}

// DeleteMediaOutput reports what a delete removed.
type DeleteMediaOutput struct {
	Body struct {
		ID       string                     `json:"id"`
		Removed  []string                   `json:"removed"`
		Failures []service.ReconcileFailure `json:"failures,omitempty" doc:"Artifacts that could not be removed; the record is deleted regardless"`
	}
}

// Delete removes an asset and its artifacts.
func (h *MediaHandler) Delete(ctx context.Context, input *MediaIDInput) (*DeleteMediaOutput, error) {
	requester, err := requireRequester(ctx)
	if err != nil {
		return nil, err
	}
	id, err := parseMediaID(input.ID)
	if err != nil {
		return nil, err
	}
	report, err := h.service.Delete(ctx, id, requester)
	if err != nil {
		return nil, h.mediaError(ctx, "failed to delete media", err)
	}
	out := &DeleteMediaOutput{}
	out.Body.ID = id.String()
	out.Body.Removed = report.Removed
	out.Body.Failures = report.Failures
	return out, nil
}

// ReplaceThumbnailInput is the multipart input for a thumbnail replacement.
type ReplaceThumbnailInput struct {
	ID      string `path:"id" doc:"Media ID (ULID)"`
	RawBody multipart.Form
}

// ReplaceThumbnail stores a user-supplied thumbnail.
func (h *MediaHandler) ReplaceThumbnail(ctx context.Context, input *ReplaceThumbnailInput) (*MediaOutput, error) {
	requester, err := requireRequester(ctx)
	if err != nil {
		return nil, err
	}
	id, err := parseMediaID(input.ID)
	if err != nil {
		return nil, err
	}

	files := input.RawBody.File["thumbnail"]
	if len(files) == 0 {
		files = input.RawBody.File["file"]
	}
	if len(files) == 0 {
		return nil, huma.Error400BadRequest("no thumbnail provided")
	}
	if h.cfg.MaxThumbnailSize > 0 && files[0].Size > h.cfg.MaxThumbnailSize {
		return nil, errTooLarge("thumbnail exceeds maximum size")
	}

	f, err := files[0].Open()
	if err != nil {
		return nil, huma.Error400BadRequest("failed to open uploaded thumbnail")
	}
	defer f.Close()

	asset, err := h.service.ReplaceThumbnail(ctx, id, requester, service.UploadedFile{
		Reader:      f,
		Filename:    files[0].Filename,
		ContentType: files[0].Header.Get("Content-Type"),
	})
	if err != nil {
		return nil, h.mediaError(ctx, "failed to replace thumbnail", err)
	}
	return &MediaOutput{Body: MediaFromModel(asset)}, nil
}

// Upload handles a multipart media upload and answers 202 with the asset.
// In async mode processing continues after the response.
func (h *MediaHandler) Upload(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	requester, err := requireRequester(ctx)
	if err != nil {
		writeHumaError(w, err)
		return
	}

	form, err := h.parseUpload(w, r)
	if err != nil {
		writeHumaError(w, err)
		return
	}
	defer form.RemoveAll()

	file, header, err := r.FormFile("file")
	if err != nil {
		writeHumaError(w, huma.Error400BadRequest("file is required"))
		return
	}
	defer file.Close()

	contentType := header.Header.Get("Content-Type")
	kind, err := formKind(r.FormValue("kind"), contentType)
	if err != nil {
		writeHumaError(w, huma.Error400BadRequest(err.Error()))
		return
	}

	categoryID, err := formCategoryID(r.FormValue("category_id"))
	if err != nil {
		writeHumaError(w, huma.Error400BadRequest("category_id must be a positive integer"))
		return
	}

	req := service.IngestRequest{
		File:        file,
		Filename:    header.Filename,
		ContentType: contentType,
		Kind:        kind,
		OwnerID:     requester,
		Fields: service.MetadataFields{
			Title:       r.FormValue("title"),
			Description: r.FormValue("description"),
			CategoryID:  categoryID,
		},
	}

	if thumb, thumbHeader, err := r.FormFile("thumbnail"); err == nil {
		defer thumb.Close()
		if h.cfg.MaxThumbnailSize > 0 && thumbHeader.Size > h.cfg.MaxThumbnailSize {
			writeHumaError(w, errTooLarge("thumbnail exceeds maximum size"))
			return
		}
		req.Thumbnail = &service.UploadedFile{
			Reader:      thumb,
			Filename:    thumbHeader.Filename,
			ContentType: thumbHeader.Header.Get("Content-Type"),
		}
	}

	asset, err := h.service.Ingest(ctx, req)
	if err != nil {
		writeHumaError(w, h.mediaError(ctx, "failed to ingest media", err))
		return
	}

	writeJSON(w, http.StatusAccepted, MediaFromModel(asset))
}

// ReplaceFile swaps the original of an existing asset and reprocesses it.
func (h *MediaHandler) ReplaceFile(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	requester, err := requireRequester(ctx)
	if err != nil {
		writeHumaError(w, err)
		return
	}
	id, err := parseMediaID(chi.URLParam(r, "id"))
	if err != nil {
		writeHumaError(w, err)
		return
	}

	form, err := h.parseUpload(w, r)
	if err != nil {
		writeHumaError(w, err)
		return
	}
	defer form.RemoveAll()

	file, header, err := r.FormFile("file")
	if err != nil {
		writeHumaError(w, huma.Error400BadRequest("file is required"))
		return
	}
	defer file.Close()

	asset, err := h.service.Replace(ctx, id, requester, service.UploadedFile{
		Reader:      file,
		Filename:    header.Filename,
		ContentType: header.Header.Get("Content-Type"),
	})
	if err != nil {
		writeHumaError(w, h.mediaError(ctx, "failed to replace media file", err))
		return
	}

	writeJSON(w, http.StatusAccepted, MediaFromModel(asset))
}

func (h *MediaHandler) parseUpload(w http.ResponseWriter, r *http.Request) (*multipart.Form, error) {
	if h.cfg.MaxUploadSize > 0 {
		r.Body = http.MaxBytesReader(w, r.Body, h.cfg.MaxUploadSize+h.cfg.MaxThumbnailSize+formSlack)
	}
	if err := r.ParseMultipartForm(multipartMemory); err != nil {
		var maxErr *http.MaxBytesError
		if errors.As(err, &maxErr) {
			return nil, errTooLarge("upload exceeds maximum size")
		}
		return nil, huma.Error400BadRequest(fmt.Sprintf("failed to parse form: %v", err))
	}
	return r.MultipartForm, nil
}

// formKind reads the declared kind, falling back to the file's content type.
func formKind(value, contentType string) (models.MediaKind, error) {
	if strings.TrimSpace(value) != "" {
		return models.ParseMediaKind(value)
	}
	switch {
	case strings.HasPrefix(contentType, "video/"):
		return models.MediaKindVideo, nil
	case strings.HasPrefix(contentType, "audio/"):
		return models.MediaKindAudio, nil
	}
	return "", errors.New("kind is required: must be 'video' or 'audio'")
}

func formCategoryID(value string) (*uint, error) {
	value = strings.TrimSpace(value)
	if value == "" {
		return nil, nil
	}
	n, err := strconv.ParseUint(value, 10, 32)
	if err != nil || n == 0 {
		return nil, errors.New("invalid category_id")
	}
	id := uint(n)
	return &id, nil
}

func requireRequester(ctx context.Context) (string, error) {
	requester := middleware.RequesterFromContext(ctx)
	if requester == "" {
		return "", huma.Error401Unauthorized("authentication required")
	}
	return requester, nil
}

func parseMediaID(s string) (models.ULID, error) {
	id, err := models.ParseULID(s)
	if err != nil {
		return models.ULID{}, huma.Error400BadRequest("invalid media ID format", err)
	}
	return id, nil
}

// mediaError maps service errors onto HTTP statuses.
func (h *MediaHandler) mediaError(ctx context.Context, msg string, err error) huma.StatusError {
	var (
		unsupported *models.UnsupportedFormatError
		probeErr    *models.ProbeError
		renditionEr *models.RenditionError
		thumbErr    *models.ThumbnailError
		storageErr  *models.StorageError
		notFound    *models.NotFoundError
		authErr     *models.AuthorizationError
		validation  models.ErrValidation
		maxErr      *http.MaxBytesError
	)

	switch {
	case errors.As(err, &unsupported):
		return huma.Error415UnsupportedMediaType(unsupported.Error())
	case errors.As(err, &probeErr):
		return huma.Error422UnprocessableEntity(probeErr.Error())
	case errors.As(err, &notFound):
		return huma.Error404NotFound(notFound.Error())
	case errors.As(err, &authErr):
		return huma.Error403Forbidden(authErr.Error())
	case errors.Is(err, service.ErrUploadTooLarge), errors.As(err, &maxErr):
		return errTooLarge("upload exceeds maximum size")
	case errors.Is(err, models.ErrNotRetryable):
		return huma.Error409Conflict(err.Error())
	case errors.As(err, &validation),
		errors.Is(err, models.ErrTitleRequired),
		errors.Is(err, models.ErrOwnerRequired),
		errors.Is(err, models.ErrInvalidKind),
		errors.Is(err, models.ErrInvalidStatus):
		return huma.Error400BadRequest(err.Error())
	case errors.As(err, &storageErr):
		observability.LoggerFromContext(ctx, h.logger).ErrorContext(ctx, msg, slog.String("error", err.Error()))
		return huma.Error502BadGateway(msg, err)
	case errors.As(err, &renditionEr), errors.As(err, &thumbErr):
		observability.LoggerFromContext(ctx, h.logger).ErrorContext(ctx, msg, slog.String("error", err.Error()))
		return huma.Error500InternalServerError(msg, err)
	}

	observability.LoggerFromContext(ctx, h.logger).ErrorContext(ctx, msg, slog.String("error", err.Error()))
	return huma.Error500InternalServerError(msg, err)
}

// writeHumaError renders a huma error outside a huma operation.
func writeHumaError(w http.ResponseWriter, err error) {
	var se huma.StatusError
	if !errors.As(err, &se) {
		se = huma.Error500InternalServerError(err.Error())
	}
	w.Header().Set("Content-Type", "application/problem+json")
	w.WriteHeader(se.GetStatus())
	_ = json.NewEncoder(w).Encode(se)
}

func writeJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(body)
}

func errTooLarge(msg string) huma.StatusError {
	return huma.NewError(http.StatusRequestEntityTooLarge, msg)
}
