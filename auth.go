package main

import (
	"context"
	"net/http"
	"strings"

	"github.com/example/momento/internal/identity"
)

type ctxKey int

const (
	userCtxKey ctxKey = iota
	requestInfoCtxKey
)

// requestInfo is created by the logging middleware and filled in by inner
// middleware, so the request log line can name the authenticated user.
type requestInfo struct {
	userID string
}

func withUser(ctx context.Context, u *identity.User) context.Context {
	if info, ok := ctx.Value(requestInfoCtxKey).(*requestInfo); ok {
		info.userID = u.ID
	}
	return context.WithValue(ctx, userCtxKey, u)
}

func userFrom(ctx context.Context) (*identity.User, bool) {
	u, ok := ctx.Value(userCtxKey).(*identity.User)
	return u, ok && u != nil
}

func bearerToken(r *http.Request) string {
	auth := r.Header.Get("Authorization")
	if len(auth) > 7 && strings.EqualFold(auth[:7], "Bearer ") {
		return strings.TrimSpace(auth[7:])
	}
	return ""
}

// BearerAuth requires a valid identity provider access token.
func (a *App) BearerAuth(next http.Handler) http.Handler {
	return a.authenticate(next, true)
}

// OptionalAuth attaches the user when a valid token is sent and rejects
// invalid ones, but lets anonymous requests through.
func (a *App) OptionalAuth(next http.Handler) http.Handler {
	return a.authenticate(next, false)
}

func (a *App) authenticate(next http.Handler, required bool) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method == http.MethodOptions {
			next.ServeHTTP(w, r)
			return
		}
		token := bearerToken(r)
		if token == "" {
			if required {
				writeError(w, http.StatusUnauthorized, "UNAUTHORIZED", "Bearer token required")
				return
			}
			next.ServeHTTP(w, r)
			return
		}
		if a.verifier == nil {
			writeError(w, http.StatusServiceUnavailable, "CONFIG_MISSING", "Authentication is not configured")
			return
		}
		user, err := a.verifier.Verify(token)
		if err != nil {
			a.log.WithError(err).WithField("path", r.URL.Path).Debug("rejected bearer token")
			writeError(w, http.StatusUnauthorized, "UNAUTHORIZED", "Invalid or expired token")
			return
		}
		next.ServeHTTP(w, r.WithContext(withUser(r.Context(), user)))
	})
}
