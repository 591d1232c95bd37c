// Copyright (c) 2025, s0up and the autobrr contributors.
// SPDX-License-Identifier: GPL-2.0-or-later

package middleware

import (
	"context"
	"encoding/json"
	"net/http"
	"strings"
	"time"

	chimw "github.com/go-chi/chi/v5/middleware"
	"github.com/rs/zerolog"

	"github.com/autobrr/abr/internal/domain"
)

// DefaultUserHeader carries the caller identity set by the authenticating reverse proxy.
const DefaultUserHeader = "X-Remote-User"

type contextKey struct{ name string }

var (
	userKey = &contextKey{"user"}
	roleKey = &contextKey{"role"}
)

// RoleSource resolves a username to its role.
type RoleSource interface {
	Role(ctx context.Context, username string) (domain.Role, error)
}

// Logger writes one structured line per request.
func Logger(logger zerolog.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			ww := chimw.NewWrapResponseWriter(w, r.ProtoMajor)
			start := time.Now()

			defer func() {
				status := ww.Status()
				if status == 0 {
					status = http.StatusOK
				}

				event := logger.Debug()
				switch {
				case status >= 500:
					event = logger.Error()
				case status >= 400:
					event = logger.Warn()
				}

				event.
					Str("requestID", chimw.GetReqID(r.Context())).
					Str("method", r.Method).
					Str("path", r.URL.Path).
					Int("status", status).
					Int("bytes", ww.BytesWritten()).
					Dur("duration", time.Since(start)).
					Str("user", UserFromContext(r.Context())).
					Msg("api: request")
			}()

			next.ServeHTTP(ww, r)
		})
	}
}

// RemoteUser reads the caller identity from header and resolves its role.
// Requests without an identity are rejected with 401. Lookup failures degrade to untrusted.
func RemoteUser(header string, roles RoleSource, logger zerolog.Logger) func(http.Handler) http.Handler {
	if strings.TrimSpace(header) == "" {
		header = DefaultUserHeader
	}
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			user := strings.TrimSpace(r.Header.Get(header))
			if user == "" {
				writeError(w, http.StatusUnauthorized, "Missing user identity")
				return
			}

			role := domain.RoleUntrusted
			if roles != nil {
				resolved, err := roles.Role(r.Context(), user)
				if err != nil {
					logger.Warn().Err(err).Str("user", user).Msg("api: failed to resolve role")
				} else {
					role = resolved
				}
			}

			ctx := context.WithValue(r.Context(), userKey, user)
			ctx = context.WithValue(ctx, roleKey, role)
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}

// RequireRole lets through only callers at or above min.
func RequireRole(min domain.Role) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if !RoleFromContext(r.Context()).AtLeast(min) {
				writeError(w, http.StatusForbidden, "Insufficient permissions")
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

func UserFromContext(ctx context.Context) string {
	user, _ := ctx.Value(userKey).(string)
	return user
}

func RoleFromContext(ctx context.Context) domain.Role {
	role, ok := ctx.Value(roleKey).(domain.Role)
	if !ok {
		return domain.RoleUntrusted
	}
	return role
}

// WithIdentity attaches a caller to ctx. Used by tests and internal callers.
func WithIdentity(ctx context.Context, user string, role domain.Role) context.Context {
	ctx = context.WithValue(ctx, userKey, user)
	return context.WithValue(ctx, roleKey, role)
}

func writeError(w http.ResponseWriter, status int, message string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(map[string]string{"error": message})
}
