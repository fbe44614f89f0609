package rpc

import (
	"net/http"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"

	coreerr "duxnet/core/errors"
)

// bearerAuth validates HMAC-signed JWT bearer tokens when a secret is
// configured. /healthz and /metrics stay open either way.
func bearerAuth(secret string) func(http.Handler) http.Handler {
	key := []byte(secret)
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			header := r.Header.Get("Authorization")
			if !strings.HasPrefix(header, "Bearer ") {
				writeError(w, coreerr.E(coreerr.CodeUnauthenticated, "missing bearer token"))
				return
			}
			raw := strings.TrimSpace(strings.TrimPrefix(header, "Bearer "))
			token, err := jwt.Parse(raw, func(t *jwt.Token) (any, error) {
				if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
					return nil, coreerr.E(coreerr.CodeUnauthenticated, "unexpected signing method")
				}
				return key, nil
			}, jwt.WithValidMethods([]string{"HS256"}))
			if err != nil || !token.Valid {
				writeError(w, coreerr.E(coreerr.CodeUnauthenticated, "invalid bearer token"))
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

// IssueToken mints an HS256 token for API clients. Used by operator tooling
// and tests.
func IssueToken(secret, subject string, ttl time.Duration) (string, error) {
	if strings.TrimSpace(secret) == "" {
		return "", coreerr.E(coreerr.CodeValidation, "token secret required")
	}
	now := time.Now()
	claims := jwt.RegisteredClaims{
		Subject:   subject,
		IssuedAt:  jwt.NewNumericDate(now),
		ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
	}
	return jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString([]byte(secret))
}
