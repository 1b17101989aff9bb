package middleware

import (
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
)

func corsRequest(h http.Handler, method, origin string, preflight bool) *httptest.ResponseRecorder {
	req := httptest.NewRequest(method, "/media/renditions/x/master.m3u8", nil)
	if origin != "" {
		req.Header.Set("Origin", origin)
	}
	if preflight {
		req.Header.Set("Access-Control-Request-Method", http.MethodGet)
	}
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	return rec
}

func TestCORS(t *testing.T) {
	ok := http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
	})

	t.Run("wildcard", func(t *testing.T) {
		h := CORS(nil, "X-User-ID")(ok)
		rec := corsRequest(h, http.MethodGet, "https://player.example", false)
		assert.Equal(t, http.StatusOK, rec.Code)
		assert.Equal(t, "*", rec.Header().Get("Access-Control-Allow-Origin"))
		assert.Contains(t, rec.Header().Get("Access-Control-Expose-Headers"), "Content-Range")
	})

	t.Run("preflight", func(t *testing.T) {
		h := CORS(nil, "X-User-ID")(ok)
		rec := corsRequest(h, http.MethodOptions, "https://player.example", true)
		assert.Equal(t, http.StatusNoContent, rec.Code)
		assert.Contains(t, rec.Header().Get("Access-Control-Allow-Methods"), http.MethodHead)
		assert.Contains(t, rec.Header().Get("Access-Control-Allow-Headers"), "X-User-ID")
		assert.Equal(t, "86400", rec.Header().Get("Access-Control-Max-Age"))
	})

	t.Run("listed origin is echoed", func(t *testing.T) {
		h := CORS([]string{"https://app.example"}, "")(ok)
		rec := corsRequest(h, http.MethodGet, "https://app.example", false)
		assert.Equal(t, "https://app.example", rec.Header().Get("Access-Control-Allow-Origin"))
		assert.Equal(t, "Origin", rec.Header().Get("Vary"))
	})

	t.Run("unlisted origin gets no grant", func(t *testing.T) {
		h := CORS([]string{"https://app.example"}, "")(ok)
		rec := corsRequest(h, http.MethodGet, "https://evil.example", false)
		assert.Equal(t, http.StatusOK, rec.Code)
		assert.Empty(t, rec.Header().Get("Access-Control-Allow-Origin"))
	})

	t.Run("no origin passes through", func(t *testing.T) {
		h := CORS(nil, "")(ok)
		rec := corsRequest(h, http.MethodOptions, "", false)
		assert.Equal(t, http.StatusOK, rec.Code)
		assert.Empty(t, rec.Header().Get("Access-Control-Allow-Origin"))
	})
}
