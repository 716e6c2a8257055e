// Package auth carries the HTTP middleware stack of the gateway: bearer
// token verification, request IDs, CORS, and per-IP rate limits.
package auth

import (
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"github.com/lore-anchor/anchor/pkg/api"
)

// Audience is the claim every gateway token must carry.
const Audience = "authenticated"

// TokenVerifier validates HS256 bearer tokens signed with a shared secret.
// The owner id travels in the standard sub claim.
type TokenVerifier struct {
	secret []byte
}

func NewTokenVerifier(secret string) *TokenVerifier {
	return &TokenVerifier{secret: []byte(secret)}
}

// Verify parses and validates tokenStr and returns the owner id.
func (v *TokenVerifier) Verify(tokenStr string) (string, error) {
	claims := &jwt.RegisteredClaims{}
	_, err := jwt.ParseWithClaims(tokenStr, claims,
		func(t *jwt.Token) (any, error) { return v.secret, nil },
		jwt.WithValidMethods([]string{"HS256"}),
		jwt.WithAudience(Audience),
	)
	if err != nil {
		return "", fmt.Errorf("auth: token validation failed: %w", err)
	}
	if claims.Subject == "" {
		return "", fmt.Errorf("auth: token has no subject")
	}
	return claims.Subject, nil
}

// SignForOwner mints a token the verifier accepts. Used by tests and the
// dev tooling; production tokens come from the identity provider.
func SignForOwner(secret, ownerID string, ttl time.Duration) (string, error) {
	now := time.Now()
	claims := jwt.RegisteredClaims{
		Subject:   ownerID,
		Audience:  jwt.ClaimStrings{Audience},
		IssuedAt:  jwt.NewNumericDate(now),
		ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
	}
	return jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString([]byte(secret))
}

// Middleware rejects requests without a valid bearer token and injects the
// owner id into the request context. Paths listed in public skip the check.
func Middleware(v *TokenVerifier, public ...string) func(http.Handler) http.Handler {
	publicSet := make(map[string]struct{}, len(public))
	for _, p := range public {
		publicSet[p] = struct{}{}
	}
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if _, ok := publicSet[r.URL.Path]; ok {
				next.ServeHTTP(w, r)
				return
			}

			header := r.Header.Get("Authorization")
			if header == "" {
				api.WriteUnauthorized(w, "Missing Authorization header")
				return
			}
			parts := strings.SplitN(header, " ", 2)
			if len(parts) != 2 || parts[0] != "Bearer" {
				api.WriteUnauthorized(w, "Invalid Authorization header format (expected 'Bearer <token>')")
				return
			}

			ownerID, err := v.Verify(parts[1])
			if err != nil {
				api.WriteUnauthorized(w, "Invalid or expired token")
				return
			}
			next.ServeHTTP(w, r.WithContext(api.WithOwner(r.Context(), ownerID)))
		})
	}
}
