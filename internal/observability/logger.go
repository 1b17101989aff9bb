// Package observability provides structured logging helpers for vodarr.
package observability

import (
	"context"
	"io"
	"log/slog"
	"strings"
	"time"

	"github.com/m-mizutani/masq"

	"github.com/jmylchreest/vodarr/internal/config"
)

type (
	requestIDKey struct{}
	loggerKey    struct{}
)

// redacted replaces the value of any attribute considered secret.
const redacted = "[REDACTED]"

// sensitiveKeyParts mark attribute keys whose values never reach the log output.
var sensitiveKeyParts = []string{
	"password", "secret", "token", "apikey", "api_key", "credential", "authorization", "dsn",
}

func isSensitiveKey(key string) bool {
	key = strings.ToLower(key)
	for _, part := range sensitiveKeyParts {
		if strings.Contains(key, part) {
			return true
		}
	}
	return false
}

// ParseLevel maps a configured level name to a slog.Level. Unknown names
// fall back to info.
func ParseLevel(level string) slog.Level {
	var l slog.Level
	if err := l.UnmarshalText([]byte(level)); err != nil {
		return slog.LevelInfo
	}
	return l
}

// NewLoggerWithWriter builds a json or text logger writing to w. Secrets are
// masked by attribute key, and by field name inside structured values.
func NewLoggerWithWriter(cfg config.LoggingConfig, w io.Writer) *slog.Logger {
	mask := masq.New(
		masq.WithFieldName("DSN"),
		masq.WithFieldName("JWTSecret"),
		masq.WithFieldName("Password"),
		masq.WithContain("Bearer "),
	)

	opts := &slog.HandlerOptions{
		Level:     ParseLevel(cfg.Level),
		AddSource: cfg.AddSource,
		ReplaceAttr: func(groups []string, a slog.Attr) slog.Attr {
			switch {
			case a.Key == slog.TimeKey && len(groups) == 0:
				return formatTime(a, cfg.TimeFormat)
			case isSensitiveKey(a.Key):
				return slog.String(a.Key, redacted)
			default:
				return mask(groups, a)
			}
		},
	}

	if cfg.Format == "text" {
		return slog.New(slog.NewTextHandler(w, opts))
	}
	return slog.New(slog.NewJSONHandler(w, opts))
}

func formatTime(a slog.Attr, layout string) slog.Attr {
	if layout == "" {
		return a
	}
	if t, ok := a.Value.Any().(time.Time); ok {
		return slog.String(slog.TimeKey, t.Format(layout))
	}
	return a
}

// SetDefault installs logger as the process-wide slog default.
func SetDefault(logger *slog.Logger) {
	slog.SetDefault(logger)
}

// WithRequestID tags the logger with an HTTP request ID.
func WithRequestID(logger *slog.Logger, requestID string) *slog.Logger {
	return logger.With(slog.String("request_id", requestID))
}

// WithComponent tags the logger with the subsystem emitting records.
func WithComponent(logger *slog.Logger, component string) *slog.Logger {
	return logger.With(slog.String("component", component))
}

// WithAsset tags the logger with the media asset being processed.
func WithAsset(logger *slog.Logger, assetID string) *slog.Logger {
	return logger.With(slog.String("asset_id", assetID))
}

// WithError adds err to the logger. A nil err returns logger unchanged.
func WithError(logger *slog.Logger, err error) *slog.Logger {
	if err == nil {
		return logger
	}
	return logger.With(slog.String("error", err.Error()))
}

// ContextWithLogger stores a request-scoped logger in ctx.
func ContextWithLogger(ctx context.Context, logger *slog.Logger) context.Context {
	return context.WithValue(ctx, loggerKey{}, logger)
}

// LoggerFromContext returns the logger stored in ctx, else fallback, else
// the slog default.
func LoggerFromContext(ctx context.Context, fallback *slog.Logger) *slog.Logger {
	if logger, ok := ctx.Value(loggerKey{}).(*slog.Logger); ok {
		return logger
	}
	if fallback != nil {
		return fallback
	}
	return slog.Default()
}

// ContextWithRequestID stores an HTTP request ID in ctx.
func ContextWithRequestID(ctx context.Context, requestID string) context.Context {
	return context.WithValue(ctx, requestIDKey{}, requestID)
}

// RequestIDFromContext returns the request ID stored in ctx, or "".
func RequestIDFromContext(ctx context.Context) string {
	id, _ := ctx.Value(requestIDKey{}).(string)
	return id
}

// TimedOperationWithError logs the start of operation and returns a func that
// logs its duration and outcome. errPtr is read when that func runs:
//
//	var err error
//	done := observability.TimedOperationWithError(ctx, logger, "render", &err)
//	defer done()
//
//nolint:gocritic // errPtr must be a pointer to capture errors set after this call
func TimedOperationWithError(ctx context.Context, logger *slog.Logger, operation string, errPtr *error) func() {
	start := time.Now()
	logger = logger.With(slog.String("operation", operation))
	logger.DebugContext(ctx, "operation started")

	return func() {
		elapsed := slog.Duration("duration", time.Since(start))
		if errPtr != nil && *errPtr != nil {
			logger.ErrorContext(ctx, "operation failed", elapsed, slog.String("error", (*errPtr).Error()))
			return
		}
		logger.InfoContext(ctx, "operation completed", elapsed)
	}
}
