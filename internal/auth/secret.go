// Package auth guards the HTTP API with a shared secret key.
package auth

import (
	"crypto/rand"
	"crypto/subtle"
	"encoding/hex"
	"fmt"
	"net/http"
	"strings"

	"github.com/sungwon/mail-relay/internal/metrics"
)

// HeaderSecretKey carries the shared secret on every authenticated request.
const HeaderSecretKey = "X-Secret-Key"

const secretKeyBytes = 32

// GenerateSecretKey returns 32 random bytes, hex-encoded to 64 characters.
func GenerateSecretKey() (string, error) {
	b := make([]byte, secretKeyBytes)
	if _, err := rand.Read(b); err != nil {
		return "", fmt.Errorf("generate secret key: %w", err)
	}
	return hex.EncodeToString(b), nil
}

// Verifier checks presented keys against the configured secret. The secret
// may be stored in plain text or as a bcrypt hash.
type Verifier struct {
	secret string
	hashed bool
}

// NewVerifier creates a Verifier. A secret starting with "$2" is treated as a
// bcrypt hash.
func NewVerifier(secret string) *Verifier {
	return &Verifier{secret: secret, hashed: strings.HasPrefix(secret, "$2")}
}

// Verify reports whether presented matches the secret. An empty secret or an
// empty key never matches.
func (v *Verifier) Verify(presented string) bool {
	if v.secret == "" || presented == "" {
		return false
	}
	if v.hashed {
		return VerifySecret(v.secret, presented) == nil
	}
	return subtle.ConstantTimeCompare([]byte(v.secret), []byte(presented)) == 1
}

// RequireSecretKey rejects requests whose X-Secret-Key header does not match
// with 401 {"detail":"Invalid secret key"}.
func RequireSecretKey(v *Verifier) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if !v.Verify(r.Header.Get(HeaderSecretKey)) {
				metrics.APIAuthFailuresTotal.Inc()
				w.Header().Set("Content-Type", "application/json")
				w.WriteHeader(http.StatusUnauthorized)
				_, _ = w.Write([]byte(`{"detail":"Invalid secret key"}`))
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}
