// Package auth guards the admin surface. Tenant authentication is a
// repository lookup by API-key hash; this package only covers the
// operator endpoints, which compare a bearer key against a bcrypt
// hash from configuration.
package auth

import (
	"errors"
	"net/http"
	"strings"

	"golang.org/x/crypto/bcrypt"
)

var ErrUnauthorized = errors.New("unauthorized")

type AdminGuard struct {
	enabled bool
	keyHash string
}

// NewAdminGuard builds the guard. With enabled=false every request
// passes, which is the development default.
func NewAdminGuard(enabled bool, keyHash string) *AdminGuard {
	return &AdminGuard{enabled: enabled, keyHash: keyHash}
}

// Check validates the bearer key from an Authorization header value.
func (g *AdminGuard) Check(authorization string) error {
	if !g.enabled {
		return nil
	}
	if g.keyHash == "" {
		return ErrUnauthorized
	}

	if !strings.HasPrefix(authorization, "Bearer ") {
		return ErrUnauthorized
	}
	key := strings.TrimPrefix(authorization, "Bearer ")
	if err := bcrypt.CompareHashAndPassword([]byte(g.keyHash), []byte(key)); err != nil {
		return ErrUnauthorized
	}
	return nil
}

// Middleware rejects unauthorized requests with 401.
func (g *AdminGuard) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if err := g.Check(r.Header.Get("Authorization")); err != nil {
			w.Header().Set("WWW-Authenticate", "Bearer")
			http.Error(w, "unauthorized", http.StatusUnauthorized)
			return
		}
		next.ServeHTTP(w, r)
	})
}

// HashKey produces a bcrypt hash for ADMIN_KEY_HASH. Used by the
// keygen helper, not at runtime.
func HashKey(key string) (string, error) {
	hash, err := bcrypt.GenerateFromPassword([]byte(key), bcrypt.DefaultCost)
	if err != nil {
		return "", err
	}
	return string(hash), nil
}
