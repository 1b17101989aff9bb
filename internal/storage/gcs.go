package storage

import (
	"context"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"log/slog"
	"os"
	"path"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"cloud.google.com/go/storage"
	"google.golang.org/api/iterator"
	"google.golang.org/api/option"

	"github.com/jmylchreest/vodarr/internal/config"
)

// Timeouts applied to individual object operations.
const (
	gcsWriteTimeout  = 10 * time.Minute
	gcsDeleteTimeout = 30 * time.Second
	gcsListTimeout   = time.Minute
	gcsReadTimeout   = 30 * time.Minute
)

// GCSStore is a BlobStore backed by a Google Cloud Storage bucket.
type GCSStore struct {
	client        *storage.Client
	bucket        string
	prefix        string
	publicBaseURL string
	logger        *slog.Logger
}

// NewGCSStore creates a GCSStore for cfg. When cfg.Endpoint is set the client
// talks to that emulator without authentication.
func NewGCSStore(ctx context.Context, cfg config.GCSConfig, logger *slog.Logger) (*GCSStore, error) {
	if cfg.Bucket == "" {
		return nil, errors.New("gcs bucket is required")
	}
	if logger == nil {
		logger = slog.Default()
	}

	var opts []option.ClientOption
	endpoint := strings.TrimRight(strings.TrimSpace(cfg.Endpoint), "/")
	switch {
	case endpoint != "":
		opts = append(opts,
			option.WithEndpoint(endpoint+"/storage/v1/"),
			option.WithoutAuthentication(),
		)
	case cfg.CredentialsFile != "":
		opts = append(opts, option.WithCredentialsFile(cfg.CredentialsFile))
	}
	if endpoint == "" {
		opts = append(opts, option.WithScopes(storage.ScopeReadWrite))
	}

	client, err := storage.NewClient(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("creating storage client: %w", err)
	}

	publicBaseURL := strings.TrimRight(strings.TrimSpace(cfg.PublicBaseURL), "/")
	if publicBaseURL == "" {
		if endpoint != "" {
			publicBaseURL = endpoint + "/" + cfg.Bucket
		} else {
			publicBaseURL = "https://storage.googleapis.com/" + cfg.Bucket
		}
	}

	logger.Info("object storage initialized",
		slog.String("driver", "gcs"),
		slog.String("bucket", cfg.Bucket),
		slog.String("prefix", cfg.Prefix),
		slog.String("public_base_url", publicBaseURL),
		slog.Bool("emulator", endpoint != ""),
	)

	return &GCSStore{
		client:        client,
		bucket:        cfg.Bucket,
		prefix:        strings.Trim(cfg.Prefix, "/"),
		publicBaseURL: publicBaseURL,
		logger:        logger,
	}, nil
}

// Name implements BlobStore.
func (s *GCSStore) Name() string { return "gcs" }

// Close releases the underlying client.
func (s *GCSStore) Close() error {
	return s.client.Close()
}

func (s *GCSStore) object(key string) *storage.ObjectHandle {
	return s.client.Bucket(s.bucket).Object(s.objectName(key))
}

func (s *GCSStore) objectName(key string) string {
	if s.prefix == "" {
		return key
	}
	return s.prefix + "/" + key
}

// Put implements BlobStore.
func (s *GCSStore) Put(ctx context.Context, key string, r io.Reader) (string, error) {
	if !validKey(key) {
		return "", storageErr("put", key, fmt.Errorf("invalid key"))
	}

	ctx, cancel := context.WithTimeout(ctx, gcsWriteTimeout)
	defer cancel()

	w := s.object(key).NewWriter(ctx)
	if ct := ContentTypeForKey(key); ct != "" {
		w.ContentType = ct
	}
	if _, err := io.Copy(w, r); err != nil {
		_ = w.Close()
		return "", storageErr("put", key, fmt.Errorf("writing object: %w", err))
	}
	if err := w.Close(); err != nil {
		return "", storageErr("put", key, fmt.Errorf("closing writer: %w", err))
	}
	return s.URL(key), nil
}

// PutFile implements BlobStore.
func (s *GCSStore) PutFile(ctx context.Context, key, srcPath string) (string, error) {
	f, err := os.Open(srcPath)
	if err != nil {
		return "", storageErr("put", key, err)
	}
	defer f.Close()
	return s.Put(ctx, key, f)
}

// PublishDir implements BlobStore. Existing objects under prefix are removed
// first. Playlists are uploaded after every segment so that a client never
// resolves a playlist whose segments are missing.
func (s *GCSStore) PublishDir(ctx context.Context, prefix, localDir string) error {
	if !validKey(prefix) {
		return storageErr("publish", prefix, fmt.Errorf("invalid prefix"))
	}

	var files []string
	err := filepath.WalkDir(localDir, func(p string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.Type().IsRegular() {
			rel, err := filepath.Rel(localDir, p)
			if err != nil {
				return err
			}
			files = append(files, filepath.ToSlash(rel))
		}
		return nil
	})
	if err != nil {
		return storageErr("publish", prefix, err)
	}

	sort.SliceStable(files, func(i, j int) bool {
		return publishRank(files[i]) < publishRank(files[j])
	})

	if err := s.DeletePrefix(ctx, prefix); err != nil {
		return err
	}

	for _, rel := range files {
		key := path.Join(prefix, rel)
		if _, err := s.PutFile(ctx, key, filepath.Join(localDir, filepath.FromSlash(rel))); err != nil {
			return err
		}
	}
	return nil
}

// publishRank orders segments before variant playlists before the master.
func publishRank(rel string) int {
	switch {
	case !strings.HasSuffix(rel, ".m3u8"):
		return 0
	case strings.Contains(rel, "/"):
		return 1
	default:
		return 2
	}
}

// Open implements BlobStore. The returned reader holds its own deadline,
// released on Close.
func (s *GCSStore) Open(ctx context.Context, key string) (io.ReadCloser, error) {
	ctx2, cancel := context.WithTimeout(ctx, gcsReadTimeout)
	r, err := s.object(key).NewReader(ctx2)
	if err != nil {
		cancel()
		return nil, storageErr("open", key, err)
	}
	return &readCloserWithCancel{ReadCloser: r, cancel: cancel}, nil
}

// Delete implements BlobStore.
func (s *GCSStore) Delete(ctx context.Context, key string) error {
	if !validKey(key) {
		return storageErr("delete", key, fmt.Errorf("invalid key"))
	}

	ctx, cancel := context.WithTimeout(ctx, gcsDeleteTimeout)
	defer cancel()

	if err := s.object(key).Delete(ctx); err != nil && !errors.Is(err, storage.ErrObjectNotExist) {
		return storageErr("delete", key, err)
	}
	return nil
}

// DeletePrefix implements BlobStore. Every object is attempted; the first
// failure is returned.
func (s *GCSStore) DeletePrefix(ctx context.Context, prefix string) error {
	if !validKey(prefix) {
		return storageErr("delete", prefix, fmt.Errorf("invalid prefix"))
	}

	keys, err := s.listKeys(ctx, prefix+"/")
	if err != nil {
		return storageErr("list", prefix, err)
	}

	var firstErr error
	for _, key := range keys {
		if err := s.Delete(ctx, key); err != nil {
			s.logger.Warn("failed to delete object",
				slog.String("key", key),
				slog.String("error", err.Error()),
			)
			if firstErr == nil {
				firstErr = err
			}
		}
	}
	return firstErr
}

func (s *GCSStore) listKeys(ctx context.Context, prefix string) ([]string, error) {
	ctx, cancel := context.WithTimeout(ctx, gcsListTimeout)
	defer cancel()

	it := s.client.Bucket(s.bucket).Objects(ctx, &storage.Query{Prefix: s.objectName(prefix)})
	var keys []string
	for {
		attrs, err := it.Next()
		if errors.Is(err, iterator.Done) {
			break
		}
		if err != nil {
			return nil, err
		}
		name := attrs.Name
		if s.prefix != "" {
			name = strings.TrimPrefix(name, s.prefix+"/")
		}
		keys = append(keys, name)
	}
	return keys, nil
}

// URL implements BlobStore.
func (s *GCSStore) URL(key string) string {
	return s.publicBaseURL + "/" + s.objectName(key)
}

// KeyFromLocator implements BlobStore.
func (s *GCSStore) KeyFromLocator(locator string) (string, bool) {
	name, ok := strings.CutPrefix(locator, s.publicBaseURL+"/")
	if !ok {
		return "", false
	}
	if s.prefix != "" {
		if name, ok = strings.CutPrefix(name, s.prefix+"/"); !ok {
			return "", false
		}
	}
	if !validKey(name) {
		return "", false
	}
	return name, true
}

// readCloserWithCancel ties a reader's context to its Close.
type readCloserWithCancel struct {
	io.ReadCloser
	cancel context.CancelFunc
}

func (r *readCloserWithCancel) Close() error {
	err := r.ReadCloser.Close()
	if r.cancel != nil {
		r.cancel()
	}
	return err
}
