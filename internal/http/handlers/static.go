package handlers

import (
	"net/http"
	"os"
	"path"
	"path/filepath"
	"strings"

	"github.com/go-chi/chi/v5"

	"github.com/jmylchreest/vodarr/internal/storage"
)

// MediaFileHandler serves published blobs from the local store.
type MediaFileHandler struct {
	root       string
	fileServer http.Handler
}

// NewMediaFileHandler creates a handler rooted at the local store directory.
func NewMediaFileHandler(root string) *MediaFileHandler {
	return &MediaFileHandler{
		root:       root,
		fileServer: http.StripPrefix(storage.MediaURLPath, http.FileServer(http.Dir(root))),
	}
}

// RegisterChiRoutes registers GET and HEAD for everything under /media/.
func (h *MediaFileHandler) RegisterChiRoutes(r chi.Router) {
	r.Get(storage.MediaURLPath+"/*", h.ServeHTTP)
	r.Head(storage.MediaURLPath+"/*", h.ServeHTTP)
}

// ServeHTTP serves a single file. Directories and in-progress publish
// staging directories are not exposed.
func (h *MediaFileHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	rel := strings.TrimPrefix(path.Clean(r.URL.Path), storage.MediaURLPath+"/")
	if rel == "" || strings.Contains(rel, "/.") || strings.HasPrefix(rel, ".") {
		http.NotFound(w, r)
		return
	}

	info, err := os.Stat(filepath.Join(h.root, filepath.FromSlash(rel)))
	if err != nil || info.IsDir() {
		http.NotFound(w, r)
		return
	}

	h.setHeaders(w, rel)
	h.fileServer.ServeHTTP(w, r)
}

// setHeaders sets content type and cache headers by file type.
func (h *MediaFileHandler) setHeaders(w http.ResponseWriter, filePath string) {
	switch strings.ToLower(path.Ext(filePath)) {
	case ".m3u8":
		w.Header().Set("Content-Type", "application/vnd.apple.mpegurl")
		// Replacing the file rewrites playlists under the same key.
		w.Header().Set("Cache-Control", "no-cache")
	case ".ts":
		w.Header().Set("Content-Type", "video/mp2t")
		w.Header().Set("Cache-Control", "public, max-age=3600")
	case ".jpg", ".jpeg":
		w.Header().Set("Content-Type", "image/jpeg")
		w.Header().Set("Cache-Control", "public, max-age=3600")
	default:
		w.Header().Set("Cache-Control", "public, max-age=86400")
	}
}
