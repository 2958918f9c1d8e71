package handlers

import (
	"context"
	"net/http"
	"strings"

	"github.com/CrowderSoup/boardsync/services"
)

type contextKey string

const subjectContextKey contextKey = "subject"

type AuthMiddleware struct {
	authService *services.AuthService
}

func NewAuthMiddleware(authService *services.AuthService) *AuthMiddleware {
	return &AuthMiddleware{
		authService: authService,
	}
}

// Auth accepts a bearer token from the Authorization header, or from the
// token query parameter for websocket upgrades where browsers cannot set
// headers.
func (m *AuthMiddleware) Auth(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		tokenString, ok := bearerToken(r)
		if !ok {
			writeError(w, http.StatusUnauthorized, "missing or invalid authorization header")
			return
		}

		subject, err := m.authService.VerifyJWT(tokenString)
		if err != nil {
			writeError(w, http.StatusUnauthorized, "invalid token")
			return
		}

		ctx := context.WithValue(r.Context(), subjectContextKey, subject)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

func bearerToken(r *http.Request) (string, bool) {
	authHeader := r.Header.Get("Authorization")
	if authHeader == "" {
		if websocketRequest(r) {
			token := r.URL.Query().Get("token")
			return token, token != ""
		}
		return "", false
	}

	authParts := strings.Split(authHeader, " ")
	if len(authParts) != 2 || authParts[0] != "Bearer" || authParts[1] == "" {
		return "", false
	}
	return authParts[1], true
}

func websocketRequest(r *http.Request) bool {
	return strings.EqualFold(r.Header.Get("Upgrade"), "websocket")
}

// Subject returns the authenticated subject stored by AuthMiddleware.
func Subject(ctx context.Context) (string, bool) {
	subject, ok := ctx.Value(subjectContextKey).(string)
	return subject, ok && subject != ""
}
