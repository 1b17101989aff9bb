package storage

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path"
	"strings"
)

// MediaURLPath is the URL path under which the local store is served.
const MediaURLPath = "/media"

// LocalStore is a BlobStore backed by a sandboxed directory.
// Directory structure:
//   - originals/<id>/<filename>
//   - renditions/<id>/master.m3u8, renditions/<id>/<label>/...
//   - thumbnails/<id>.jpg
type LocalStore struct {
	sandbox *Sandbox
	baseURL string
}

// NewLocalStore creates a LocalStore rooted at dir. Locators are
// publicBaseURL + "/media/" + key, or root-relative when publicBaseURL is empty.
func NewLocalStore(dir, publicBaseURL string) (*LocalStore, error) {
	sandbox, err := NewSandbox(dir)
	if err != nil {
		return nil, fmt.Errorf("creating sandbox: %w", err)
	}

	for _, prefix := range []string{OriginalsPrefix, RenditionsPrefix, ThumbnailsPrefix} {
		if err := sandbox.MkdirAll(prefix); err != nil {
			return nil, fmt.Errorf("creating %s directory: %w", prefix, err)
		}
	}

	return &LocalStore{
		sandbox: sandbox,
		baseURL: strings.TrimRight(publicBaseURL, "/") + MediaURLPath,
	}, nil
}

// Name implements BlobStore.
func (s *LocalStore) Name() string { return "local" }

// Root returns the absolute directory served at /media.
func (s *LocalStore) Root() string { return s.sandbox.BaseDir() }

// Put implements BlobStore.
func (s *LocalStore) Put(ctx context.Context, key string, r io.Reader) (string, error) {
	if !validKey(key) {
		return "", storageErr("put", key, fmt.Errorf("invalid key"))
	}
	if err := ctx.Err(); err != nil {
		return "", storageErr("put", key, err)
	}
	if _, err := s.sandbox.AtomicWriteReader(key, r); err != nil {
		return "", storageErr("put", key, err)
	}
	return s.URL(key), nil
}

// PutFile implements BlobStore. The source file is copied, not moved.
func (s *LocalStore) PutFile(ctx context.Context, key, srcPath string) (string, error) {
	f, err := os.Open(srcPath)
	if err != nil {
		return "", storageErr("put", key, err)
	}
	defer f.Close()
	return s.Put(ctx, key, f)
}

// PublishDir implements BlobStore. localDir is moved into place when it is on
// the same filesystem.
func (s *LocalStore) PublishDir(ctx context.Context, prefix, localDir string) error {
	if !validKey(prefix) {
		return storageErr("publish", prefix, fmt.Errorf("invalid prefix"))
	}
	if err := ctx.Err(); err != nil {
		return storageErr("publish", prefix, err)
	}
	if err := s.sandbox.PublishDir(localDir, prefix); err != nil {
		return storageErr("publish", prefix, err)
	}
	return nil
}

// Open implements BlobStore.
func (s *LocalStore) Open(_ context.Context, key string) (io.ReadCloser, error) {
	if !validKey(key) {
		return nil, storageErr("open", key, fmt.Errorf("invalid key"))
	}
	f, err := s.sandbox.Open(key)
	if err != nil {
		return nil, storageErr("open", key, err)
	}
	return f, nil
}

// Delete implements BlobStore. Empty parent directories are pruned.
func (s *LocalStore) Delete(_ context.Context, key string) error {
	if !validKey(key) {
		return storageErr("delete", key, fmt.Errorf("invalid key"))
	}
	if err := s.sandbox.Remove(key); err != nil {
		return storageErr("delete", key, err)
	}
	s.pruneParents(key)
	return nil
}

// DeletePrefix implements BlobStore.
func (s *LocalStore) DeletePrefix(_ context.Context, prefix string) error {
	if !validKey(prefix) {
		return storageErr("delete", prefix, fmt.Errorf("invalid prefix"))
	}
	if err := s.sandbox.RemoveAll(prefix); err != nil {
		return storageErr("delete", prefix, err)
	}
	s.pruneParents(prefix)
	return nil
}

// Exists reports whether an object is stored under key.
func (s *LocalStore) Exists(key string) (bool, error) {
	return s.sandbox.Exists(key)
}

// URL implements BlobStore.
func (s *LocalStore) URL(key string) string {
	return s.baseURL + "/" + key
}

// KeyFromLocator implements BlobStore.
func (s *LocalStore) KeyFromLocator(locator string) (string, bool) {
	key, ok := strings.CutPrefix(locator, s.baseURL+"/")
	if !ok || !validKey(key) {
		return "", false
	}
	return key, true
}

// CleanupEmptyDirs removes empty directories left under the store root.
func (s *LocalStore) CleanupEmptyDirs() error {
	return s.sandbox.CleanupEmptyDirs(".")
}

// pruneParents removes now-empty parent directories of key below the
// top-level prefix directories.
func (s *LocalStore) pruneParents(key string) {
	for dir := path.Dir(key); strings.Contains(dir, "/"); dir = path.Dir(dir) {
		abs, err := s.sandbox.ResolvePath(dir)
		if err != nil {
			return
		}
		if err := os.Remove(abs); err != nil {
			if !errors.Is(err, os.ErrNotExist) {
				return
			}
		}
	}
}
