package models

import (
	"errors"
	"fmt"
	"strings"
)

// ErrValidation represents a validation error with field and message.
type ErrValidation struct {
	Field   string
	Message string
}

// Error implements the error interface.
func (e ErrValidation) Error() string {
	return fmt.Sprintf("validation error on field %s: %s", e.Field, e.Message)
}

// Common validation errors for models.
var (
	// ErrTitleRequired indicates a required title field is empty.
	ErrTitleRequired = errors.New("title is required")

	// ErrOwnerRequired indicates the asset has no owner.
	ErrOwnerRequired = errors.New("owner_id is required")

	// ErrInvalidKind indicates a media kind outside video/audio.
	ErrInvalidKind = errors.New("invalid media kind: must be 'video' or 'audio'")

	// ErrInvalidStatus indicates a visibility status outside ACTIVE/INACTIVE.
	ErrInvalidStatus = errors.New("invalid status: must be 'ACTIVE' or 'INACTIVE'")

	// ErrManifestWithoutReady guards the manifest/state invariant.
	ErrManifestWithoutReady = errors.New("manifest_locator may only be set when processing_state is ready")

	// ErrNotRetryable indicates processing can only be retried after a failure.
	ErrNotRetryable = errors.New("only failed assets can be retried")
)

// UnsupportedFormatError rejects an upload before any processing happens.
type UnsupportedFormatError struct {
	Kind        MediaKind
	Extension   string
	ContentType string
	Reason      string
}

func (e *UnsupportedFormatError) Error() string {
	var b strings.Builder
	b.WriteString("unsupported format")
	if e.Kind != "" {
		fmt.Fprintf(&b, " for %s", e.Kind)
	}
	if e.Extension != "" {
		fmt.Fprintf(&b, " (extension %q)", e.Extension)
	}
	if e.ContentType != "" {
		fmt.Fprintf(&b, " (content type %q)", e.ContentType)
	}
	if e.Reason != "" {
		b.WriteString(": ")
		b.WriteString(e.Reason)
	}
	return b.String()
}

// ProbeError reports a file with no decodable stream of the expected kind,
// an empty file, or a failed probe invocation.
type ProbeError struct {
	Path   string
	Reason string
	Err    error
}

func (e *ProbeError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("probe %s: %s: %v", e.Path, e.Reason, e.Err)
	}
	return fmt.Sprintf("probe %s: %s", e.Path, e.Reason)
}

func (e *ProbeError) Unwrap() error { return e.Err }

// RenditionError reports an encode or segmenting failure. Stderr holds the
// tail of the encoder output when the process ran.
type RenditionError struct {
	Tier     string
	ExitCode int
	Stderr   string
	Reason   string
	Err      error
}

func (e *RenditionError) Error() string {
	msg := "rendition failed"
	if e.Tier != "" {
		msg += " for tier " + e.Tier
	}
	if e.Reason != "" {
		msg += ": " + e.Reason
	}
	if e.ExitCode != 0 {
		msg += fmt.Sprintf(" (exit %d)", e.ExitCode)
	}
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

func (e *RenditionError) Unwrap() error { return e.Err }

// ThumbnailError is never fatal to an asset.
type ThumbnailError struct {
	Reason string
	Err    error
}

func (e *ThumbnailError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("thumbnail: %s: %v", e.Reason, e.Err)
	}
	return "thumbnail: " + e.Reason
}

func (e *ThumbnailError) Unwrap() error { return e.Err }

// StorageError wraps a blob storage put/delete failure.
type StorageError struct {
	Op   string
	Path string
	Err  error
}

func (e *StorageError) Error() string {
	return fmt.Sprintf("storage %s %s: %v", e.Op, e.Path, e.Err)
}

func (e *StorageError) Unwrap() error { return e.Err }

// NotFoundError reports a missing resource.
type NotFoundError struct {
	Resource string
	ID       string
}

func (e *NotFoundError) Error() string {
	return fmt.Sprintf("%s %s not found", e.Resource, e.ID)
}

// AuthorizationError reports a requester acting on a resource they do not own.
type AuthorizationError struct {
	Resource    string
	ID          string
	RequesterID string
}

func (e *AuthorizationError) Error() string {
	return fmt.Sprintf("requester %q may not modify %s %s", e.RequesterID, e.Resource, e.ID)
}
