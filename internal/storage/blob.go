package storage

import (
	"context"
	"io"
	"path"
	"strings"
	"unicode"

	"github.com/jmylchreest/vodarr/internal/models"
)

// Key prefixes for published objects.
const (
	OriginalsPrefix  = "originals"
	RenditionsPrefix = "renditions"
	ThumbnailsPrefix = "thumbnails"
)

// maxFilenameLength bounds the sanitized filename component of an original key.
const maxFilenameLength = 128

// BlobStore stores published media objects under slash-separated keys.
// A locator is the public address of a stored object; implementations can
// map a locator they issued back to its key.
type BlobStore interface {
	// Name identifies the driver ("local", "gcs").
	Name() string
	// Put stores r under key and returns the object locator.
	Put(ctx context.Context, key string, r io.Reader) (string, error)
	// PutFile stores the local file at srcPath under key.
	PutFile(ctx context.Context, key, srcPath string) (string, error)
	// PublishDir replaces every object under prefix with the files of localDir.
	// The local directory may be consumed.
	PublishDir(ctx context.Context, prefix, localDir string) error
	// Open opens the object stored under key.
	Open(ctx context.Context, key string) (io.ReadCloser, error)
	// Delete removes a single object. A missing object is not an error.
	Delete(ctx context.Context, key string) error
	// DeletePrefix removes every object under prefix. An empty prefix is not an error.
	DeletePrefix(ctx context.Context, prefix string) error
	// URL returns the locator for key.
	URL(key string) string
	// KeyFromLocator maps a locator issued by this store back to its key.
	KeyFromLocator(locator string) (string, bool)
}

// OriginalKey returns the key of an asset's uploaded file.
func OriginalKey(assetID, filename string) string {
	return path.Join(OriginalsPrefix, assetID, SafeFilename(filename))
}

// OriginalDir returns the key prefix holding an asset's uploaded file.
func OriginalDir(assetID string) string {
	return path.Join(OriginalsPrefix, assetID)
}

// RenditionPrefix returns the key prefix of an asset's published renditions.
func RenditionPrefix(assetID string) string {
	return path.Join(RenditionsPrefix, assetID)
}

// ThumbnailKey returns the deterministic key of an asset's thumbnail.
func ThumbnailKey(assetID string) string {
	return path.Join(ThumbnailsPrefix, assetID+".jpg")
}

// SafeFilename reduces a client-supplied filename to a single safe path
// element. Letters, digits, dot, dash and underscore are kept; everything
// else becomes an underscore.
func SafeFilename(name string) string {
	name = strings.ReplaceAll(name, "\\", "/")
	name = path.Base(name)

	var b strings.Builder
	for _, r := range name {
		switch {
		case r < unicode.MaxASCII && (unicode.IsLetter(r) || unicode.IsDigit(r)):
			b.WriteRune(r)
		case r == '.' || r == '-' || r == '_':
			b.WriteRune(r)
		default:
			b.WriteRune('_')
		}
	}

	out := strings.TrimLeft(b.String(), ".")
	if len(out) > maxFilenameLength {
		ext := path.Ext(out)
		if len(ext) > 16 {
			ext = ""
		}
		out = out[:maxFilenameLength-len(ext)] + ext
	}
	if out == "" || out == "_" {
		return "original"
	}
	return out
}

// ContentTypeForKey returns the content type for a key based on its extension.
// Unknown extensions return an empty string.
func ContentTypeForKey(key string) string {
	s := strings.ToLower(strings.TrimSpace(key))
	if i := strings.Index(s, "?"); i >= 0 {
		s = s[:i]
	}

	switch path.Ext(s) {
	case ".m3u8":
		return "application/vnd.apple.mpegurl"
	case ".ts":
		return "video/mp2t"
	case ".jpg", ".jpeg":
		return "image/jpeg"
	case ".png":
		return "image/png"
	case ".webp":
		return "image/webp"
	case ".mp4", ".m4v":
		return "video/mp4"
	case ".mov":
		return "video/quicktime"
	case ".webm":
		return "video/webm"
	case ".mkv":
		return "video/x-matroska"
	case ".mp3":
		return "audio/mpeg"
	case ".m4a":
		return "audio/mp4"
	case ".aac":
		return "audio/aac"
	case ".wav":
		return "audio/wav"
	case ".flac":
		return "audio/flac"
	case ".ogg", ".opus":
		return "audio/ogg"
	default:
		return ""
	}
}

func storageErr(op, key string, err error) error {
	if err == nil {
		return nil
	}
	return &models.StorageError{Op: op, Path: key, Err: err}
}

func validKey(key string) bool {
	if key == "" || strings.HasPrefix(key, "/") {
		return false
	}
	for _, part := range strings.Split(key, "/") {
		if part == "" || part == "." || part == ".." {
			return false
		}
	}
	return true
}
