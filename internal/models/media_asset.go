package models

import (
	"strings"
	"time"

	"gorm.io/gorm"
)

// MediaKind is the declared type of an upload. Fixed at creation.
type MediaKind string

const (
	// MediaKindVideo is rendered into a bitrate ladder.
	MediaKindVideo MediaKind = "video"
	// MediaKindAudio is repackaged into a single audio rendition.
	MediaKindAudio MediaKind = "audio"
)

// ParseMediaKind accepts "video"/"audio" in any case.
func ParseMediaKind(s string) (MediaKind, error) {
	switch MediaKind(strings.ToLower(strings.TrimSpace(s))) {
	case MediaKindVideo:
		return MediaKindVideo, nil
	case MediaKindAudio:
		return MediaKindAudio, nil
	default:
		return "", ErrInvalidKind
	}
}

// MediaStatus is an administrative visibility flag, independent of processing.
type MediaStatus string

const (
	MediaStatusActive   MediaStatus = "ACTIVE"
	MediaStatusInactive MediaStatus = "INACTIVE"
)

// ParseMediaStatus accepts ACTIVE/INACTIVE in any case.
func ParseMediaStatus(s string) (MediaStatus, error) {
	switch MediaStatus(strings.ToUpper(strings.TrimSpace(s))) {
	case MediaStatusActive:
		return MediaStatusActive, nil
	case MediaStatusInactive:
		return MediaStatusInactive, nil
	default:
		return "", ErrInvalidStatus
	}
}

// ProcessingState tracks an asset through the ingest pipeline.
type ProcessingState string

const (
	// ProcessingPending means bytes were accepted but not fully received.
	ProcessingPending ProcessingState = "pending"
	// ProcessingProbing means the original is stored and being inspected.
	ProcessingProbing ProcessingState = "probing"
	// ProcessingRenditioning means metadata is known and renditions are being produced.
	ProcessingRenditioning ProcessingState = "renditioning"
	// ProcessingReady means the master playlist is verified and published.
	ProcessingReady ProcessingState = "ready"
	// ProcessingFailed is terminal until a retry; the original is retained.
	ProcessingFailed ProcessingState = "failed"
)

// InFlightStates are the states a stale-processing sweep looks at.
var InFlightStates = []ProcessingState{ProcessingPending, ProcessingProbing, ProcessingRenditioning}

// IsTerminal reports whether no further processing is expected.
func (s ProcessingState) IsTerminal() bool {
	return s == ProcessingReady || s == ProcessingFailed
}

// MediaAsset is a hosted video or audio item and the locators of everything derived from it.
type MediaAsset struct {
	BaseModel

	OwnerID     string    `gorm:"not null;size:64;index" json:"owner_id"`
	Kind        MediaKind `gorm:"not null;size:10" json:"kind"`
	Title       string    `gorm:"not null;size:255" json:"title"`
	Description string    `gorm:"type:text" json:"description,omitempty"`
	CategoryID  *uint     `gorm:"index" json:"category_id,omitempty"`

	// OriginalLocator is the public address of the raw upload; OriginalPath is its storage key.
	OriginalLocator  string `gorm:"size:1024" json:"original_locator,omitempty"`
	OriginalPath     string `gorm:"size:1024" json:"-"`
	OriginalFilename string `gorm:"size:255" json:"original_filename,omitempty"`

	// ManifestLocator addresses master.m3u8. Empty unless ProcessingState is ready.
	ManifestLocator string `gorm:"size:1024" json:"manifest_locator,omitempty"`
	// Renditions is the comma separated list of tier labels in the manifest.
	Renditions string `gorm:"size:255" json:"-"`

	ThumbnailLocator string `gorm:"size:1024" json:"thumbnail_locator,omitempty"`
	ThumbnailPath    string `gorm:"size:1024" json:"-"`
	// ThumbnailCustom is set once the owner supplies a thumbnail; frame capture never replaces it.
	ThumbnailCustom bool `gorm:"not null;default:false" json:"thumbnail_custom"`

	Width           *int     `json:"width,omitempty"`
	Height          *int     `json:"height,omitempty"`
	DurationSeconds *float64 `json:"duration_seconds,omitempty"`

	Status          MediaStatus     `gorm:"not null;default:'ACTIVE';size:10;index" json:"status"`
	ProcessingState ProcessingState `gorm:"not null;default:'pending';size:20;index" json:"processing_state"`
	ProcessingError string          `gorm:"size:4096" json:"processing_error,omitempty"`
	ProcessedAt     *time.Time      `json:"processed_at,omitempty"`

	Views int64 `gorm:"not null;default:0" json:"views"`
}

// TableName returns the table name for MediaAsset.
func (MediaAsset) TableName() string {
	return "media_assets"
}

// Validate checks required fields and the manifest/state invariant.
func (a *MediaAsset) Validate() error {
	if strings.TrimSpace(a.Title) == "" {
		return ErrTitleRequired
	}
	if a.OwnerID == "" {
		return ErrOwnerRequired
	}
	if a.Kind != MediaKindVideo && a.Kind != MediaKindAudio {
		return ErrInvalidKind
	}
	if a.Status != "" && a.Status != MediaStatusActive && a.Status != MediaStatusInactive {
		return ErrInvalidStatus
	}
	return CheckManifestInvariant(a.ProcessingState, a.ManifestLocator)
}

// BeforeSave runs Validate for whole-struct writes.
func (a *MediaAsset) BeforeSave(_ *gorm.DB) error {
	return a.Validate()
}

// CheckManifestInvariant enforces that a manifest is only exposed for ready assets.
func CheckManifestInvariant(state ProcessingState, manifestLocator string) error {
	if manifestLocator != "" && state != ProcessingReady {
		return ErrManifestWithoutReady
	}
	if state == ProcessingReady && manifestLocator == "" {
		return ErrValidation{Field: "manifest_locator", Message: "required when processing_state is ready"}
	}
	return nil
}

// IsOwnedBy reports whether requesterID owns the asset.
func (a *MediaAsset) IsOwnedBy(requesterID string) bool {
	return requesterID != "" && a.OwnerID == requesterID
}

// IsReady reports whether the asset can be streamed.
func (a *MediaAsset) IsReady() bool {
	return a.ProcessingState == ProcessingReady
}

// RenditionLabels returns the tier labels referenced by the master playlist.
func (a *MediaAsset) RenditionLabels() []string {
	if a.Renditions == "" {
		return nil
	}
	return strings.Split(a.Renditions, ",")
}

// SetRenditionLabels stores the tier labels referenced by the master playlist.
func (a *MediaAsset) SetRenditionLabels(labels []string) {
	a.Renditions = strings.Join(labels, ",")
}
