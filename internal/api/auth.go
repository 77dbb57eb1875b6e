package api

import (
	"context"
	"net/http"
)

// Identity headers set by the upstream session gateway.
const (
	HeaderUserID   = "X-User-ID"
	HeaderUserRole = "X-User-Role"
)

// Roles.
const (
	RoleUser  = "user"
	RoleAdmin = "admin"
)

// Principal is the authenticated caller.
type Principal struct {
	UserID string
	Role   string
}

// IsAdmin reports whether the caller holds the admin role.
func (p Principal) IsAdmin() bool {
	return p.Role == RoleAdmin
}

type principalKey struct{}

// Authenticate rejects requests without a user identity and stores the
// caller in the request context. A missing role means RoleUser.
func Authenticate(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		p := Principal{UserID: r.Header.Get(HeaderUserID), Role: r.Header.Get(HeaderUserRole)}
		if p.UserID == "" {
			writeStatus(w, http.StatusUnauthorized, "missing "+HeaderUserID+" header", "unauthenticated")
			return
		}
		switch p.Role {
		case "":
			p.Role = RoleUser
		case RoleUser, RoleAdmin:
		default:
			writeStatus(w, http.StatusUnauthorized, "unknown role "+p.Role, "unauthenticated")
			return
		}
		next.ServeHTTP(w, r.WithContext(context.WithValue(r.Context(), principalKey{}, p)))
	})
}

// RequireAdmin rejects authenticated callers that are not admins.
func RequireAdmin(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !principal(r).IsAdmin() {
			writeStatus(w, http.StatusForbidden, "admin role required", "forbidden")
			return
		}
		next.ServeHTTP(w, r)
	})
}

func principal(r *http.Request) Principal {
	p, _ := r.Context().Value(principalKey{}).(Principal)
	return p
}
