package storage

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/jmylchreest/vodarr/internal/config"
)

// NewBlobStore creates the BlobStore selected by cfg.Driver.
func NewBlobStore(ctx context.Context, cfg config.StorageConfig, publicBaseURL string, logger *slog.Logger) (BlobStore, error) {
	switch cfg.Driver {
	case "", "local":
		return NewLocalStore(cfg.MediaPath(), publicBaseURL)
	case "gcs":
		return NewGCSStore(ctx, cfg.GCS, logger)
	default:
		return nil, fmt.Errorf("unknown storage driver %q", cfg.Driver)
	}
}
