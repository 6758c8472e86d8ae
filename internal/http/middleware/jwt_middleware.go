package middleware

import (
	"context"
	"net/http"
	"strings"

	"github.com/diagnosis/slotbridge/internal/http/response"
	"github.com/diagnosis/slotbridge/pkg/auth"
	"github.com/diagnosis/slotbridge/pkg/logger"
)

type ctxKey string

const CtxClaims ctxKey = "claims"

// SessionChecker reports whether an identity still has the live session a
// token was issued for.
type SessionChecker interface {
	Active(identity, sessionID string) bool
}

// RequireSession accepts a bearer token only while the registry still holds
// the session it was issued for.
func RequireSession(secret string, sessions SessionChecker) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			authz := r.Header.Get("Authorization")
			if !strings.HasPrefix(authz, "Bearer ") {
				response.Unauthorized(w, "missing or invalid authorization header")
				return
			}
			claims, err := auth.Parse(strings.TrimPrefix(authz, "Bearer "), secret)
			if err != nil {
				response.WriteError(w, http.StatusUnauthorized, "invalid authorization token", response.CodeInvalidToken)
				return
			}
			if !sessions.Active(claims.Subject, claims.SessionID) {
				response.WriteError(w, http.StatusUnauthorized, "session expired, log in again", response.CodeSessionExpired)
				return
			}

			ctx := context.WithValue(r.Context(), CtxClaims, claims)
			ctx = logger.WithUser(ctx, claims.Subject)
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}

func Claims(r *http.Request) *auth.Claims {
	v := r.Context().Value(CtxClaims)
	if v == nil {
		return nil
	}
	return v.(*auth.Claims)
}

// Identity returns the authenticated identity, or "".
func Identity(r *http.Request) string {
	if c := Claims(r); c != nil {
		return c.Subject
	}
	return ""
}
