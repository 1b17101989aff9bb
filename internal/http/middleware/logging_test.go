package middleware

import (
	"bytes"
	"encoding/json"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoggingMiddleware(t *testing.T) {
	tests := []struct {
		name   string
		path   string
		status int
		level  string
		logged bool
	}{
		{"api success", "/api/v1/media", http.StatusOK, "INFO", true},
		{"client error", "/api/v1/media/x", http.StatusNotFound, "WARN", true},
		{"server error", "/api/v1/media", http.StatusInternalServerError, "ERROR", true},
		{"quiet segment", "/media/renditions/a/720p/seg_00001.ts", http.StatusOK, "", false},
		{"quiet path failing", "/media/missing.ts", http.StatusNotFound, "WARN", true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var buf bytes.Buffer
			logger := slog.New(slog.NewJSONHandler(&buf, &slog.HandlerOptions{Level: slog.LevelInfo}))
			h := NewLoggingMiddleware(logger, "/media/")(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
				w.WriteHeader(tt.status)
				_, _ = w.Write([]byte("body"))
			}))

			h.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest(http.MethodGet, tt.path, nil))

			if !tt.logged {
				assert.Zero(t, buf.Len())
				return
			}
			var rec map[string]any
			require.NoError(t, json.Unmarshal(buf.Bytes(), &rec))
			assert.Equal(t, tt.level, rec["level"])
			assert.EqualValues(t, tt.status, rec["status"])
			assert.EqualValues(t, 4, rec["size"])
			assert.Equal(t, tt.path, rec["path"])
		})
	}
}

func TestLoggingMiddleware_ImplicitOK(t *testing.T) {
	var buf bytes.Buffer
	logger := slog.New(slog.NewJSONHandler(&buf, nil))
	h := NewLoggingMiddleware(logger)(http.HandlerFunc(func(http.ResponseWriter, *http.Request) {}))

	h.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest(http.MethodGet, "/livez", nil))

	var rec map[string]any
	require.NoError(t, json.Unmarshal(buf.Bytes(), &rec))
	assert.EqualValues(t, http.StatusOK, rec["status"])
}
