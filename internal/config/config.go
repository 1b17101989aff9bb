// Package config provides configuration management for vodarr using Viper.
// It supports configuration from files, environment variables, and defaults.
package config

import (
	"errors"
	"fmt"
	"path/filepath"
	"runtime"
	"strings"
	"time"

	"github.com/go-viper/mapstructure/v2"
	"github.com/spf13/viper"
)

// EnvPrefix is the prefix for environment variable overrides.
const EnvPrefix = "VODARR"

// Default configuration values.
const (
	defaultServerPort          = 8080
	defaultServerTimeout       = 30 * time.Second
	defaultWriteTimeout        = 10 * time.Minute
	defaultShutdownTimeout     = 10 * time.Second
	defaultMaxOpenConns        = 25
	defaultMaxIdleConns        = 10
	defaultConnMaxIdleTime     = 30 * time.Minute
	defaultMaxUploadSizeBytes  = 4 * 1024 * 1024 * 1024 // 4GB
	defaultMaxThumbSizeBytes   = 10 * 1024 * 1024       // 10MB
	defaultProbeTimeout        = 30 * time.Second
	defaultQueueSize           = 64
	defaultJobTimeout          = 2 * time.Hour
	defaultSegmentSeconds      = 4
	defaultThumbnailWidth      = 640
	defaultOrphanMaxAge        = 24 * time.Hour
	defaultStaleProcessingTime = 6 * time.Hour
)

// Processing modes.
const (
	ModeAsync = "async"
	ModeSync  = "sync"
)

// Config holds all configuration for the application.
type Config struct {
	Server      ServerConfig      `mapstructure:"server"`
	Database    DatabaseConfig    `mapstructure:"database"`
	Storage     StorageConfig     `mapstructure:"storage"`
	Logging     LoggingConfig     `mapstructure:"logging"`
	FFmpeg      FFmpegConfig      `mapstructure:"ffmpeg"`
	Transcode   TranscodeConfig   `mapstructure:"transcode"`
	Auth        AuthConfig        `mapstructure:"auth"`
	Maintenance MaintenanceConfig `mapstructure:"maintenance"`
}

// ServerConfig holds HTTP server configuration.
type ServerConfig struct {
	Host            string        `mapstructure:"host"`
	Port            int           `mapstructure:"port"`
	ReadTimeout     time.Duration `mapstructure:"read_timeout"`
	WriteTimeout    time.Duration `mapstructure:"write_timeout"`
	ShutdownTimeout time.Duration `mapstructure:"shutdown_timeout"`
	CORSOrigins     []string      `mapstructure:"cors_origins"`
	// PublicBaseURL prefixes locators handed out by the local blob store.
	// Empty means locators are root-relative (/media/...).
	PublicBaseURL string `mapstructure:"public_base_url"`
}

// DatabaseConfig holds database connection configuration.
type DatabaseConfig struct {
	Driver          string        `mapstructure:"driver"` // sqlite, postgres, mysql
	DSN             string        `mapstructure:"dsn"`
	MaxOpenConns    int           `mapstructure:"max_open_conns"`
	MaxIdleConns    int           `mapstructure:"max_idle_conns"`
	ConnMaxLifetime time.Duration `mapstructure:"conn_max_lifetime"`
	ConnMaxIdleTime time.Duration `mapstructure:"conn_max_idle_time"`
	LogLevel        string        `mapstructure:"log_level"` // silent, error, warn, info

	// SlowQueryThreshold logs statements slower than this at warn.
	SlowQueryThreshold time.Duration `mapstructure:"slow_query_threshold"`
}

// StorageConfig holds blob and scratch storage configuration.
type StorageConfig struct {
	Driver  string `mapstructure:"driver"` // local, gcs
	BaseDir string `mapstructure:"base_dir"`
	// MediaDir holds published originals, renditions and thumbnails for the local driver.
	MediaDir string `mapstructure:"media_dir"`
	// WorkDir holds per-asset scratch space (spooled uploads, staging output).
	WorkDir string `mapstructure:"work_dir"`
	// MaxUploadSize supports human-readable values like "4GB" or raw byte counts.
	MaxUploadSize    ByteSize  `mapstructure:"max_upload_size"`
	MaxThumbnailSize ByteSize  `mapstructure:"max_thumbnail_size"`
	GCS              GCSConfig `mapstructure:"gcs"`
}

// GCSConfig configures the Google Cloud Storage blob driver.
type GCSConfig struct {
	Bucket          string `mapstructure:"bucket"`
	Prefix          string `mapstructure:"prefix"`
	PublicBaseURL   string `mapstructure:"public_base_url"`
	CredentialsFile string `mapstructure:"credentials_file"`
	// Endpoint points the client at an emulator (e.g. http://localhost:4443).
	// Authentication is disabled when set.
	Endpoint string `mapstructure:"endpoint"`
}

// LoggingConfig holds logging configuration.
type LoggingConfig struct {
	Level      string `mapstructure:"level"`  // debug, info, warn, error
	Format     string `mapstructure:"format"` // json, text
	AddSource  bool   `mapstructure:"add_source"`
	TimeFormat string `mapstructure:"time_format"`
}

// FFmpegConfig holds FFmpeg binary configuration.
type FFmpegConfig struct {
	BinaryPath   string        `mapstructure:"binary_path"` // empty = auto-detect
	ProbePath    string        `mapstructure:"probe_path"`  // empty = auto-detect
	ProbeTimeout time.Duration `mapstructure:"probe_timeout"`
}

// TranscodeConfig controls rendition work scheduling and the quality ladder.
type TranscodeConfig struct {
	Mode           string        `mapstructure:"mode"` // async, sync
	Workers        int           `mapstructure:"workers"`
	QueueSize      int           `mapstructure:"queue_size"`
	JobTimeout     time.Duration `mapstructure:"job_timeout"`
	SegmentSeconds int           `mapstructure:"segment_seconds"`
	Preset         string        `mapstructure:"preset"`
	ThumbnailWidth int           `mapstructure:"thumbnail_width"`
	AudioBitrateK  int           `mapstructure:"audio_bitrate_k"`
	Ladder         []TierConfig  `mapstructure:"ladder"`
}

// TierConfig describes one rung of the video quality ladder.
type TierConfig struct {
	Label         string `mapstructure:"label" yaml:"label"`
	Height        int    `mapstructure:"height" yaml:"height"`
	VideoBitrateK int    `mapstructure:"video_bitrate_k" yaml:"video_bitrate_k"`
	MaxRateK      int    `mapstructure:"max_rate_k" yaml:"max_rate_k"`
	BufSizeK      int    `mapstructure:"buf_size_k" yaml:"buf_size_k"`
	AudioBitrateK int    `mapstructure:"audio_bitrate_k" yaml:"audio_bitrate_k"`
}

// AuthConfig controls how requester identity is established.
type AuthConfig struct {
	// JWTSecret enables HS256 bearer token validation. The "sub" claim is the owner id.
	JWTSecret string `mapstructure:"jwt_secret"`
	// UserHeader is trusted as the requester id when no JWT secret is configured.
	UserHeader string `mapstructure:"user_header"`
}

// MaintenanceConfig holds scheduled housekeeping configuration.
// Cron expressions use 6 fields (with seconds).
type MaintenanceConfig struct {
	OrphanSweepCron      string        `mapstructure:"orphan_sweep_cron"`
	OrphanMaxAge         time.Duration `mapstructure:"orphan_max_age"`
	StaleSweepCron       string        `mapstructure:"stale_sweep_cron"`
	StaleProcessingAfter time.Duration `mapstructure:"stale_processing_after"`
}

// DefaultLadder returns the stock 480p/720p/1080p ladder.
func DefaultLadder() []TierConfig {
	return []TierConfig{
		{Label: "480p", Height: 480, VideoBitrateK: 600, MaxRateK: 900, BufSizeK: 1200, AudioBitrateK: 96},
		{Label: "720p", Height: 720, VideoBitrateK: 1000, MaxRateK: 1500, BufSizeK: 2000, AudioBitrateK: 128},
		{Label: "1080p", Height: 1080, VideoBitrateK: 1800, MaxRateK: 2700, BufSizeK: 3600, AudioBitrateK: 128},
	}
}

// Load reads configuration from file and environment variables.
// Environment variables take precedence over file configuration.
// Environment variables are prefixed with VODARR_ and use underscores for nesting.
// Example: VODARR_SERVER_PORT=8080.
func Load(configPath string) (*Config, error) {
	v := viper.New()

	SetDefaults(v)

	if configPath != "" {
		v.SetConfigFile(configPath)
	} else {
		v.SetConfigName("config")
		v.SetConfigType("yaml")
		v.AddConfigPath(".")
		v.AddConfigPath("./configs")
		v.AddConfigPath("/etc/vodarr")
		v.AddConfigPath("$HOME/.vodarr")
	}

	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if err := v.ReadInConfig(); err != nil {
		var configFileNotFoundError viper.ConfigFileNotFoundError
		if !errors.As(err, &configFileNotFoundError) {
			return nil, fmt.Errorf("reading config file: %w", err)
		}
	}

	return Unmarshal(v)
}

// Unmarshal decodes and validates the configuration held by v.
func Unmarshal(v *viper.Viper) (*Config, error) {
	var cfg Config
	if err := v.Unmarshal(&cfg, viper.DecodeHook(DecodeHook())); err != nil {
		return nil, fmt.Errorf("unmarshaling config: %w", err)
	}

	if len(cfg.Transcode.Ladder) == 0 {
		cfg.Transcode.Ladder = DefaultLadder()
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("validating config: %w", err)
	}

	return &cfg, nil
}

// DecodeHook returns the mapstructure hooks used when decoding configuration.
// TextUnmarshaller handles ByteSize values given as "4GB".
func DecodeHook() mapstructure.DecodeHookFunc {
	return mapstructure.ComposeDecodeHookFunc(
		mapstructure.TextUnmarshallerHookFunc(),
		mapstructure.StringToTimeDurationHookFunc(),
		mapstructure.StringToSliceHookFunc(","),
	)
}

// SetDefaults configures default values for all configuration options.
// This should be called before reading the config file to ensure defaults are in place.
func SetDefaults(v *viper.Viper) {
	// Server defaults
	v.SetDefault("server.host", "0.0.0.0")
	v.SetDefault("server.port", defaultServerPort)
	v.SetDefault("server.read_timeout", defaultServerTimeout)
	v.SetDefault("server.write_timeout", defaultWriteTimeout)
	v.SetDefault("server.shutdown_timeout", defaultShutdownTimeout)
	v.SetDefault("server.cors_origins", []string{"*"})
	v.SetDefault("server.public_base_url", "")

	// Database defaults
	v.SetDefault("database.driver", "sqlite")
	v.SetDefault("database.dsn", "vodarr.db")
	v.SetDefault("database.max_open_conns", defaultMaxOpenConns)
	v.SetDefault("database.max_idle_conns", defaultMaxIdleConns)
	v.SetDefault("database.conn_max_lifetime", time.Hour)
	v.SetDefault("database.conn_max_idle_time", defaultConnMaxIdleTime)
	v.SetDefault("database.log_level", "warn")
	v.SetDefault("database.slow_query_threshold", time.Second)

	// Storage defaults
	v.SetDefault("storage.driver", "local")
	v.SetDefault("storage.base_dir", "./data")
	v.SetDefault("storage.media_dir", "media")
	v.SetDefault("storage.work_dir", "work")
	v.SetDefault("storage.max_upload_size", defaultMaxUploadSizeBytes)
	v.SetDefault("storage.max_thumbnail_size", defaultMaxThumbSizeBytes)
	v.SetDefault("storage.gcs.bucket", "")
	v.SetDefault("storage.gcs.prefix", "")
	v.SetDefault("storage.gcs.public_base_url", "")
	v.SetDefault("storage.gcs.credentials_file", "")
	v.SetDefault("storage.gcs.endpoint", "")

	// Logging defaults
	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.format", "json")
	v.SetDefault("logging.add_source", false)
	v.SetDefault("logging.time_format", time.RFC3339)

	// FFmpeg defaults
	v.SetDefault("ffmpeg.binary_path", "")
	v.SetDefault("ffmpeg.probe_path", "")
	v.SetDefault("ffmpeg.probe_timeout", defaultProbeTimeout)

	// Transcode defaults
	v.SetDefault("transcode.mode", ModeAsync)
	v.SetDefault("transcode.workers", defaultWorkers())
	v.SetDefault("transcode.queue_size", defaultQueueSize)
	v.SetDefault("transcode.job_timeout", defaultJobTimeout)
	v.SetDefault("transcode.segment_seconds", defaultSegmentSeconds)
	v.SetDefault("transcode.preset", "veryfast")
	v.SetDefault("transcode.thumbnail_width", defaultThumbnailWidth)
	v.SetDefault("transcode.audio_bitrate_k", 128)

	// Auth defaults
	v.SetDefault("auth.jwt_secret", "")
	v.SetDefault("auth.user_header", "X-User-ID")

	// Maintenance defaults
	v.SetDefault("maintenance.orphan_sweep_cron", "0 30 * * * *") // hourly at :30
	v.SetDefault("maintenance.orphan_max_age", defaultOrphanMaxAge)
	v.SetDefault("maintenance.stale_sweep_cron", "0 */5 * * * *")
	v.SetDefault("maintenance.stale_processing_after", defaultStaleProcessingTime)
}

func defaultWorkers() int {
	n := runtime.NumCPU() / 2
	if n < 1 {
		return 1
	}
	return n
}

// Validate checks the configuration for errors.
func (c *Config) Validate() error {
	const maxPort = 65535
	if c.Server.Port < 1 || c.Server.Port > maxPort {
		return fmt.Errorf("server.port must be between 1 and %d", maxPort)
	}

	validDrivers := map[string]bool{"sqlite": true, "postgres": true, "mysql": true}
	if !validDrivers[c.Database.Driver] {
		return fmt.Errorf("database.driver must be one of: sqlite, postgres, mysql")
	}
	if c.Database.DSN == "" {
		return fmt.Errorf("database.dsn is required")
	}

	if c.Storage.BaseDir == "" {
		return fmt.Errorf("storage.base_dir is required")
	}
	switch c.Storage.Driver {
	case "local":
	case "gcs":
		if c.Storage.GCS.Bucket == "" {
			return fmt.Errorf("storage.gcs.bucket is required when storage.driver is gcs")
		}
	default:
		return fmt.Errorf("storage.driver must be one of: local, gcs")
	}
	if c.Storage.MaxUploadSize <= 0 {
		return fmt.Errorf("storage.max_upload_size must be positive")
	}

	validLevels := map[string]bool{"debug": true, "info": true, "warn": true, "error": true}
	if !validLevels[c.Logging.Level] {
		return fmt.Errorf("logging.level must be one of: debug, info, warn, error")
	}
	validFormats := map[string]bool{"json": true, "text": true}
	if !validFormats[c.Logging.Format] {
		return fmt.Errorf("logging.format must be one of: json, text")
	}

	if err := c.Transcode.Validate(); err != nil {
		return err
	}

	return nil
}

// Validate checks the transcode section, including every ladder tier.
func (t *TranscodeConfig) Validate() error {
	if t.Mode != ModeAsync && t.Mode != ModeSync {
		return fmt.Errorf("transcode.mode must be one of: async, sync")
	}
	if t.Workers < 1 {
		return fmt.Errorf("transcode.workers must be at least 1")
	}
	if t.QueueSize < 1 {
		return fmt.Errorf("transcode.queue_size must be at least 1")
	}
	if t.SegmentSeconds < 1 {
		return fmt.Errorf("transcode.segment_seconds must be at least 1")
	}
	if t.ThumbnailWidth < 16 {
		return fmt.Errorf("transcode.thumbnail_width must be at least 16")
	}
	if len(t.Ladder) == 0 {
		return fmt.Errorf("transcode.ladder must contain at least one tier")
	}

	seen := make(map[string]bool, len(t.Ladder))
	for i, tier := range t.Ladder {
		if tier.Label == "" {
			return fmt.Errorf("transcode.ladder[%d].label is required", i)
		}
		if seen[tier.Label] {
			return fmt.Errorf("transcode.ladder[%d].label %q is duplicated", i, tier.Label)
		}
		seen[tier.Label] = true
		if tier.Height < 2 {
			return fmt.Errorf("transcode.ladder[%d].height must be at least 2", i)
		}
		if tier.VideoBitrateK < 1 || tier.AudioBitrateK < 1 {
			return fmt.Errorf("transcode.ladder[%d] bitrates must be positive", i)
		}
		if tier.MaxRateK < tier.VideoBitrateK {
			return fmt.Errorf("transcode.ladder[%d].max_rate_k must be >= video_bitrate_k", i)
		}
	}
	return nil
}

// Address returns the server address in host:port format.
func (c *ServerConfig) Address() string {
	return fmt.Sprintf("%s:%d", c.Host, c.Port)
}

// MediaPath returns the full path to the published media directory.
func (c *StorageConfig) MediaPath() string {
	return resolveUnder(c.BaseDir, c.MediaDir)
}

// WorkPath returns the full path to the scratch work directory.
func (c *StorageConfig) WorkPath() string {
	return resolveUnder(c.BaseDir, c.WorkDir)
}

func resolveUnder(base, dir string) string {
	if filepath.IsAbs(dir) {
		return dir
	}
	return filepath.Join(base, dir)
}
