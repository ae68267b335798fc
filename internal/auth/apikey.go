// Package auth provides API key authentication for the administrative HTTP
// endpoints.
package auth

import (
	"crypto/subtle"
	"encoding/json"
	"errors"
	"net/http"
	"strings"
)

// APIKeyHeader is the header carrying the API key.
const APIKeyHeader = "X-API-Key"

var (
	ErrMissingAPIKey      = errors.New("missing API key")
	ErrAdminNotConfigured = errors.New("admin API key not configured")
	ErrInvalidAdminAPIKey = errors.New("invalid admin API key")
)

// AdminKey guards routes that mutate cache or scoring state.
type AdminKey struct {
	key string
}

// NewAdminKey creates an AdminKey. An empty key rejects every admin request.
func NewAdminKey(key string) *AdminKey {
	return &AdminKey{key: strings.TrimSpace(key)}
}

// Check validates the API key on r.
func (a *AdminKey) Check(r *http.Request) error {
	if a.key == "" {
		return ErrAdminNotConfigured
	}
	apiKey, err := extractAPIKey(r)
	if err != nil {
		return err
	}
	if subtle.ConstantTimeCompare([]byte(apiKey), []byte(a.key)) != 1 {
		return ErrInvalidAdminAPIKey
	}
	return nil
}

// Middleware rejects requests without the admin key.
func (a *AdminKey) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if err := a.Check(r); err != nil {
			status := http.StatusForbidden
			if errors.Is(err, ErrMissingAPIKey) {
				status = http.StatusUnauthorized
			}
			w.Header().Set("Content-Type", "application/json")
			w.WriteHeader(status)
			_ = json.NewEncoder(w).Encode(map[string]string{"error": err.Error()})
			return
		}
		next.ServeHTTP(w, r)
	})
}

// extractAPIKey reads the key from X-API-Key, or from a bearer token.
func extractAPIKey(r *http.Request) (string, error) {
	apiKey := strings.TrimSpace(r.Header.Get(APIKeyHeader))
	if apiKey == "" {
		if token, ok := strings.CutPrefix(r.Header.Get("Authorization"), "Bearer "); ok {
			apiKey = strings.TrimSpace(token)
		}
	}
	if apiKey == "" {
		return "", ErrMissingAPIKey
	}
	return apiKey, nil
}
