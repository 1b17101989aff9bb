package middleware

import (
	"net/http"
	"strings"
)

// SkipCompressionFor wraps a compression middleware so requests under any of
// prefixes bypass it. Media files are already compressed and are served with
// Range support, which a compressing writer would break.
func SkipCompressionFor(compressionHandler func(http.Handler) http.Handler, prefixes ...string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		compressedHandler := compressionHandler(next)

		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			for _, p := range prefixes {
				if strings.HasPrefix(r.URL.Path, p) {
					next.ServeHTTP(w, r)
					return
				}
			}
			compressedHandler.ServeHTTP(w, r)
		})
	}
}
