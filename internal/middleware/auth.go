package middleware

import (
	"context"
	"net/http"
	"strings"

	"github.com/golang-jwt/jwt/v5"

	"github.com/xelth-com/eckaddr/internal/utils"
)

type contextKey string

// UserContextKey holds the token claims of an authenticated request.
const UserContextKey contextKey = "user"

// Auth verifies bearer JWT tokens signed with secret. An empty secret
// disables authentication, which is meant for development only.
func Auth(secret string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		if secret == "" {
			return next
		}
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			authHeader := r.Header.Get("Authorization")
			if authHeader == "" {
				http.Error(w, "Authorization header required", http.StatusUnauthorized)
				return
			}

			// Bearer token
			parts := strings.Split(authHeader, " ")
			if len(parts) != 2 || parts[0] != "Bearer" {
				http.Error(w, "Invalid authorization header format", http.StatusUnauthorized)
				return
			}

			claims, err := utils.ValidateToken(parts[1], secret)
			if err != nil {
				http.Error(w, "Invalid or expired token", http.StatusUnauthorized)
				return
			}

			// Add claims to context
			ctx := context.WithValue(r.Context(), UserContextKey, claims)
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}

// UserFrom returns the operator name for the request: the "name" claim,
// else "sub", else fallback.
func UserFrom(ctx context.Context, fallback string) string {
	claims, ok := ctx.Value(UserContextKey).(jwt.MapClaims)
	if !ok {
		return fallback
	}
	for _, k := range []string{"name", "sub"} {
		if v, ok := claims[k].(string); ok && v != "" {
			return v
		}
	}
	return fallback
}
