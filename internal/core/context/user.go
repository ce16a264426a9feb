// Package context provides request-scoped values extraction.
package context

import (
	"context"
)

// UserContext contains the authenticated caller identity.
// Callers are either interactive users (JWT) or source systems (API key).
type UserContext struct {
	UserID       string
	Name         string
	SourceSystem string
	Roles        []string
}

type userContextKey struct{}

// WithUser adds UserContext to context.
func WithUser(ctx context.Context, user *UserContext) context.Context {
	return context.WithValue(ctx, userContextKey{}, user)
}

// GetUser returns UserContext from context.
func GetUser(ctx context.Context) *UserContext {
	if v, ok := ctx.Value(userContextKey{}).(*UserContext); ok {
		return v
	}
	return nil
}

// GetUserID returns user ID from context or empty string.
func GetUserID(ctx context.Context) string {
	if u := GetUser(ctx); u != nil {
		return u.UserID
	}
	return ""
}

// GetSourceSystem returns the caller's source system tag or empty string.
func GetSourceSystem(ctx context.Context) string {
	if u := GetUser(ctx); u != nil {
		return u.SourceSystem
	}
	return ""
}

// HasRole checks if user has specific role.
func HasRole(ctx context.Context, role string) bool {
	u := GetUser(ctx)
	if u == nil {
		return false
	}
	for _, r := range u.Roles {
		if r == role {
			return true
		}
	}
	return false
}
