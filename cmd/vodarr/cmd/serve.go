package cmd

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/jmylchreest/vodarr/internal/config"
	"github.com/jmylchreest/vodarr/internal/database"
	"github.com/jmylchreest/vodarr/internal/database/migrations"
	"github.com/jmylchreest/vodarr/internal/ffmpeg"
	internalhttp "github.com/jmylchreest/vodarr/internal/http"
	"github.com/jmylchreest/vodarr/internal/http/handlers"
	"github.com/jmylchreest/vodarr/internal/http/middleware"
	"github.com/jmylchreest/vodarr/internal/repository"
	"github.com/jmylchreest/vodarr/internal/scheduler"
	"github.com/jmylchreest/vodarr/internal/service"
	"github.com/jmylchreest/vodarr/internal/startup"
	"github.com/jmylchreest/vodarr/internal/storage"
	"github.com/jmylchreest/vodarr/internal/version"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Start the vodarr server",
	Long: `Start the vodarr HTTP server and API.

The server provides:
- Upload, metadata, retry and delete endpoints under /api/v1/media
- HLS playlists, segments and thumbnails under /media (local storage)
- Health checks at /health, /livez and /readyz
- OpenAPI documentation at /docs`,
	RunE: runServe,
}

func init() {
	rootCmd.AddCommand(serveCmd)

	serveCmd.Flags().String("host", "0.0.0.0", "Host to bind to")
	serveCmd.Flags().Int("port", 8080, "Port to listen on")
	serveCmd.Flags().String("data-dir", "data", "Base directory for media and scratch files")
	serveCmd.Flags().String("mode", service.ModeAsync, "Processing mode (async, sync)")

	mustBindPFlag("server.host", serveCmd.Flags().Lookup("host"))
	mustBindPFlag("server.port", serveCmd.Flags().Lookup("port"))
	mustBindPFlag("storage.base_dir", serveCmd.Flags().Lookup("data-dir"))
	mustBindPFlag("transcode.mode", serveCmd.Flags().Lookup("mode"))
}

func runServe(_ *cobra.Command, _ []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return fmt.Errorf("loading config: %w", err)
	}
	logger := slog.Default()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	db, err := database.New(cfg.Database, logger, nil)
	if err != nil {
		return fmt.Errorf("connecting to database: %w", err)
	}
	defer db.Close()

	if err := runMigrations(ctx, db, logger); err != nil {
		return fmt.Errorf("running migrations: %w", err)
	}

	store, err := storage.NewBlobStore(ctx, cfg.Storage, cfg.Server.PublicBaseURL, logger)
	if err != nil {
		return fmt.Errorf("opening storage: %w", err)
	}
	if gcs, ok := store.(*storage.GCSStore); ok {
		defer gcs.Close()
	}
	local, isLocal := store.(*storage.LocalStore)

	runner := ffmpeg.NewExecRunner()
	detector := ffmpeg.NewBinaryDetector(runner, cfg.FFmpeg.BinaryPath, cfg.FFmpeg.ProbePath)
	binaries, err := detector.Detect(ctx)
	if err != nil {
		return fmt.Errorf("detecting ffmpeg (set %s/%s or ffmpeg.binary_path): %w",
			ffmpeg.FFmpegBinaryEnv, ffmpeg.FFprobeBinaryEnv, err)
	}
	logger.Info("ffmpeg detected",
		slog.String("ffmpeg", binaries.FFmpegPath),
		slog.String("ffprobe", binaries.FFprobePath),
		slog.String("version", binaries.Version),
	)
	if !binaries.SupportsMinVersion(ffmpeg.MinMajorVersion, ffmpeg.MinMinorVersion) {
		logger.Warn("ffmpeg is older than the version vodarr is tested against",
			slog.String("version", binaries.Version),
			slog.String("minimum", fmt.Sprintf("%d.%d", ffmpeg.MinMajorVersion, ffmpeg.MinMinorVersion)))
	}
	if missing := binaries.MissingEncoders(ffmpeg.RequiredEncoders...); len(missing) > 0 {
		logger.Warn("ffmpeg is missing encoders used by the rendition ladder",
			slog.Any("encoders", missing))
	}

	mediaService, pool := buildMediaService(cfg, db, store, runner, binaries, logger)

	workDir := cfg.Storage.WorkPath()
	if err := os.MkdirAll(workDir, 0o755); err != nil {
		return fmt.Errorf("creating work directory: %w", err)
	}
	if _, err := startup.CleanupOrphanedWorkDirs(logger, workDir, 0, mediaService.IsProcessing); err != nil {
		logger.Warn("failed to clean work directories", slog.String("error", err.Error()))
	}
	if _, err := startup.RecoverInterruptedProcessing(ctx, logger, mediaService); err != nil {
		return fmt.Errorf("recovering interrupted processing: %w", err)
	}

	if err := pool.Start(ctx); err != nil {
		return fmt.Errorf("starting transcode pool: %w", err)
	}
	defer pool.Stop()

	sched := scheduler.NewScheduler().WithLogger(logger)
	if err := scheduler.RegisterMaintenance(sched, cfg.Maintenance, mediaService, store, logger); err != nil {
		return fmt.Errorf("registering maintenance tasks: %w", err)
	}
	if err := sched.Start(ctx); err != nil {
		return fmt.Errorf("starting scheduler: %w", err)
	}
	defer sched.Stop()
	if cfg.Maintenance.OrphanSweepCron != "" {
		if err := sched.RunNow(ctx, scheduler.TaskOrphanSweep); err != nil {
			logger.Warn("initial orphan sweep failed", slog.String("error", err.Error()))
		}
	}

	serverCfg := internalhttp.DefaultServerConfig()
	serverCfg.Host = cfg.Server.Host
	serverCfg.Port = cfg.Server.Port
	serverCfg.ReadTimeout = cfg.Server.ReadTimeout
	serverCfg.WriteTimeout = cfg.Server.WriteTimeout
	serverCfg.ShutdownTimeout = cfg.Server.ShutdownTimeout
	serverCfg.CORSOrigins = cfg.Server.CORSOrigins
	serverCfg.Auth = middleware.AuthConfig{
		JWTSecret:  cfg.Auth.JWTSecret,
		UserHeader: cfg.Auth.UserHeader,
	}
	server := internalhttp.NewServer(serverCfg, logger, version.Version)

	health := handlers.NewHealthHandler(version.Version).
		WithDB(db.DB).
		WithPool(pool).
		WithScheduler(sched).
		WithBinaries(detector).
		WithDataDir("work", workDir)
	if isLocal {
		health = health.WithDataDir("media", local.Root())
	}
	health.Register(server.API())

	mediaHandler := handlers.NewMediaHandler(mediaService, handlers.MediaHandlerConfig{
		MaxUploadSize:    cfg.Storage.MaxUploadSize.Bytes(),
		MaxThumbnailSize: cfg.Storage.MaxThumbnailSize.Bytes(),
	}).WithLogger(logger)
	mediaHandler.Register(server.API())
	mediaHandler.RegisterChiRoutes(server.Router())

	if isLocal {
		handlers.NewMediaFileHandler(local.Root()).RegisterChiRoutes(server.Router())
	}

	logger.Info("starting vodarr",
		slog.String("version", version.Short()),
		slog.String("address", cfg.Server.Address()),
		slog.String("storage", store.Name()),
		slog.String("mode", cfg.Transcode.Mode),
		slog.Int("workers", cfg.Transcode.Workers),
	)

	if err := server.ListenAndServe(ctx); err != nil {
		return fmt.Errorf("server error: %w", err)
	}
	logger.Info("server stopped")
	return nil
}

// buildMediaService wires the probe, rendition and thumbnail tooling into a
// MediaService backed by a bounded transcode pool.
func buildMediaService(
	cfg *config.Config,
	db *database.DB,
	store storage.BlobStore,
	runner ffmpeg.ToolRunner,
	binaries *ffmpeg.BinaryInfo,
	logger *slog.Logger,
) (*service.MediaService, *service.TranscodePool) {
	prober := ffmpeg.NewProber(binaries.FFprobePath, runner).WithTimeout(cfg.FFmpeg.ProbeTimeout)
	renditioner := ffmpeg.NewRenditioner(binaries.FFmpegPath, runner, ffmpeg.RenditionerOptions{
		Ladder:         ffmpeg.LadderFromConfig(cfg.Transcode.Ladder),
		SegmentSeconds: cfg.Transcode.SegmentSeconds,
		Preset:         cfg.Transcode.Preset,
		AudioBitrateK:  cfg.Transcode.AudioBitrateK,
	}, logger)
	thumbnails := ffmpeg.NewThumbnailGenerator(binaries.FFmpegPath, runner, cfg.Transcode.ThumbnailWidth, logger)

	pool := service.NewTranscodePool(service.TranscodePoolConfig{
		WorkerCount: cfg.Transcode.Workers,
		QueueSize:   cfg.Transcode.QueueSize,
		JobTimeout:  cfg.Transcode.JobTimeout,
	}).WithLogger(logger)

	media := service.NewMediaService(
		repository.NewMediaAssetRepository(db.DB),
		store,
		prober,
		renditioner,
		thumbnails,
		pool,
		service.MediaServiceConfig{
			WorkDir:       cfg.Storage.WorkPath(),
			Mode:          cfg.Transcode.Mode,
			MaxUploadSize: cfg.Storage.MaxUploadSize.Bytes(),
		},
	).
		WithLogger(logger).
		WithImageConverter(service.NewImageConverter(cfg.Transcode.ThumbnailWidth, cfg.Storage.MaxThumbnailSize.Bytes()))

	return media, pool
}

func runMigrations(ctx context.Context, db *database.DB, logger *slog.Logger) error {
	migrator := migrations.NewMigrator(db.DB, logger)
	migrator.RegisterAll(migrations.AllMigrations())
	return migrator.Up(ctx)
}
