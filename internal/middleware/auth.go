package middleware

import (
	"context"
	"encoding/json"
	"net/http"
	"strings"
)

type userKey string

const (
	userIDKey      userKey = "user_id"
	accessTokenKey userKey = "access_token"
)

// UserResolver maps a Supabase access token to a user id.
type UserResolver interface {
	ResolveUser(ctx context.Context, token string) (string, error)
}

// BearerToken returns the token of an `Authorization: Bearer` header, or ""
// when the header is absent or uses another scheme.
func BearerToken(r *http.Request) string {
	authHeader := strings.TrimSpace(r.Header.Get("Authorization"))
	if authHeader == "" {
		return ""
	}
	scheme, token, ok := strings.Cut(authHeader, " ")
	if !ok || !strings.EqualFold(scheme, "Bearer") {
		return ""
	}
	return strings.TrimSpace(token)
}

// RequireUser rejects requests without a resolvable bearer token and stores
// the user id and token on the request context. A nil resolver answers 500.
func RequireUser(resolver UserResolver) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if resolver == nil {
				writeError(w, http.StatusInternalServerError, "Server configuration error")
				return
			}
			token := BearerToken(r)
			if token == "" {
				writeError(w, http.StatusUnauthorized, "Missing access token")
				return
			}
			userID, err := resolver.ResolveUser(r.Context(), token)
			if err != nil || userID == "" {
				writeError(w, http.StatusUnauthorized, "Invalid access token")
				return
			}
			ctx := ContextWithUserID(r.Context(), userID)
			ctx = context.WithValue(ctx, accessTokenKey, token)
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}

func writeError(w http.ResponseWriter, code int, msg string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(map[string]any{"success": false, "error": msg})
}

func UserIDFromContext(ctx context.Context) string {
	if v, ok := ctx.Value(userIDKey).(string); ok {
		return v
	}
	return ""
}

func ContextWithUserID(ctx context.Context, userID string) context.Context {
	if strings.TrimSpace(userID) == "" {
		return ctx
	}
	return context.WithValue(ctx, userIDKey, userID)
}

func AccessTokenFromContext(ctx context.Context) string {
	if v, ok := ctx.Value(accessTokenKey).(string); ok {
		return v
	}
	return ""
}
