// Package session carries the request-scoped identity the lifecycle services
// act on behalf of.
package session

import (
	"context"

	"digistore/internal/apperr"
)

// Role mirrors profiles.role.
type Role string

const (
	RoleUser  Role = "user"
	RoleAdmin Role = "admin"
)

// Session is the authenticated caller. The zero value is anonymous.
type Session struct {
	UserID  string
	Role    Role
	Blocked bool
}

// Authenticated reports whether a user id is attached.
func (s Session) Authenticated() bool {
	return s.UserID != ""
}

// IsAdmin reports whether the session may run review operations.
func (s Session) IsAdmin() bool {
	return s.Authenticated() && s.Role == RoleAdmin
}

// RequireUser fails for anonymous or blocked sessions.
func (s Session) RequireUser() error {
	if !s.Authenticated() {
		return apperr.ErrAuthenticationRequired
	}
	if s.Blocked {
		return apperr.ErrAccountBlocked
	}
	return nil
}

// RequireAdmin fails unless the session belongs to an administrator.
func (s Session) RequireAdmin() error {
	if !s.Authenticated() {
		return apperr.ErrAuthenticationRequired
	}
	if s.Role != RoleAdmin {
		return apperr.ErrForbidden
	}
	return nil
}

type contextKey struct{}

// WithSession attaches s to ctx.
func WithSession(ctx context.Context, s Session) context.Context {
	return context.WithValue(ctx, contextKey{}, s)
}

// FromContext returns the session stored in ctx, or an anonymous one.
func FromContext(ctx context.Context) Session {
	if ctx == nil {
		return Session{}
	}
	s, _ := ctx.Value(contextKey{}).(Session)
	return s
}
