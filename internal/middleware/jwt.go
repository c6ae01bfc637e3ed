package myMiddleware

import (
	"context"
	"net/http"
	"strings"
)

// Context keys, exported so handlers can read them.
type contextKey string

const (
	UserKey     contextKey = "user_id"
	UsernameKey contextKey = "username"
)

// TokenValidator is what we need from the user service.
type TokenValidator interface {
	ValidateToken(tokenString string) (int64, string, error)
}

type AuthMiddleware struct {
	validator TokenValidator
}

func NewAuthMiddleware(v TokenValidator) *AuthMiddleware {
	return &AuthMiddleware{validator: v}
}

// Handle authenticates the request with a bearer token from the Authorization header,
// falling back to the token query parameter used by websocket handshakes.
func (am *AuthMiddleware) Handle(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		tokenString := ""

		authHeader := r.Header.Get("Authorization")
		if authHeader != "" {
			parts := strings.Fields(authHeader)
			if len(parts) == 2 && strings.EqualFold(parts[0], "Bearer") {
				tokenString = parts[1]
			}
		}

		if tokenString == "" {
			tokenString = r.URL.Query().Get("token")
		}

		if tokenString == "" {
			http.Error(w, "Missing authentication token", http.StatusUnauthorized)
			return
		}

		userID, username, err := am.validator.ValidateToken(tokenString)
		if err != nil {
			http.Error(w, "Invalid token", http.StatusUnauthorized)
			return
		}

		next.ServeHTTP(w, r.WithContext(WithUser(r.Context(), userID, username)))
	})
}

// WithUser stores an authenticated user on ctx.
func WithUser(ctx context.Context, userID int64, username string) context.Context {
	ctx = context.WithValue(ctx, UserKey, userID)
	return context.WithValue(ctx, UsernameKey, username)
}

// UserFromContext returns the user stored by Handle.
func UserFromContext(ctx context.Context) (int64, string, bool) {
	userID, ok := ctx.Value(UserKey).(int64)
	username, ok2 := ctx.Value(UsernameKey).(string)
	return userID, username, ok && ok2
}
