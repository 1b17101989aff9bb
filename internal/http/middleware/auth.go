package middleware

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strings"

	"github.com/golang-jwt/jwt/v5"
)

type requesterKey struct{}

// AuthConfig controls how the requester identity is established.
type AuthConfig struct {
	// JWTSecret enables HS256 bearer tokens. The subject claim is the requester ID.
	JWTSecret string
	// UserHeader names a trusted header carrying the requester ID. It is only
	// consulted when JWTSecret is empty.
	UserHeader string
}

// Auth returns a middleware that resolves the requester ID and stores it in
// the request context. Requests without credentials pass through anonymously;
// a bearer token that fails validation is rejected with 401.
func Auth(cfg AuthConfig, logger *slog.Logger) func(http.Handler) http.Handler {
	secret := []byte(cfg.JWTSecret)
	parser := jwt.NewParser(jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}))

	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			var requester string

			if len(secret) > 0 {
				token, ok := bearerToken(r)
				if ok {
					subject, err := subjectFromToken(parser, token, secret)
					if err != nil {
						logger.WarnContext(r.Context(), "rejected bearer token",
							slog.String("request_id", GetRequestID(r.Context())),
							slog.String("error", err.Error()))
						writeUnauthorized(w, "invalid bearer token")
						return
					}
					requester = subject
				}
			} else if cfg.UserHeader != "" {
				requester = strings.TrimSpace(r.Header.Get(cfg.UserHeader))
			}

			if requester != "" {
				r = r.WithContext(ContextWithRequester(r.Context(), requester))
			}
			next.ServeHTTP(w, r)
		})
	}
}

func bearerToken(r *http.Request) (string, bool) {
	h := r.Header.Get("Authorization")
	scheme, token, ok := strings.Cut(h, " ")
	if !ok || !strings.EqualFold(scheme, "Bearer") {
		return "", false
	}
	token = strings.TrimSpace(token)
	return token, token != ""
}

func subjectFromToken(parser *jwt.Parser, token string, secret []byte) (string, error) {
	var claims jwt.RegisteredClaims
	parsed, err := parser.ParseWithClaims(token, &claims, func(*jwt.Token) (any, error) {
		return secret, nil
	})
	if err != nil {
		return "", fmt.Errorf("parsing token: %w", err)
	}
	if !parsed.Valid {
		return "", errors.New("token is not valid")
	}
	if claims.Subject == "" {
		return "", errors.New("token has no subject")
	}
	return claims.Subject, nil
}

func writeUnauthorized(w http.ResponseWriter, detail string) {
	w.Header().Set("Content-Type", "application/problem+json")
	w.Header().Set("WWW-Authenticate", `Bearer realm="vodarr"`)
	w.WriteHeader(http.StatusUnauthorized)
	_ = json.NewEncoder(w).Encode(map[string]any{
		"title":  http.StatusText(http.StatusUnauthorized),
		"status": http.StatusUnauthorized,
		"detail": detail,
	})
}

// ContextWithRequester returns a context carrying the requester ID.
func ContextWithRequester(ctx context.Context, requesterID string) context.Context {
	return context.WithValue(ctx, requesterKey{}, requesterID)
}

// RequesterFromContext returns the authenticated requester ID, or "" for
// anonymous requests.
func RequesterFromContext(ctx context.Context) string {
	if id, ok := ctx.Value(requesterKey{}).(string); ok {
		return id
	}
	return ""
}
