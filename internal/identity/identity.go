// Package identity carries the signed-in user through request contexts.
package identity

import (
	"context"

	"github.com/MarcoPoloResearchLab/codevault/backend/internal/apperror"
)

// RoleUser is the role assigned to every new account.
const RoleUser = "user"

// User is the merged view of the provider account and its profile document.
type User struct {
	ID          string `json:"uid"`
	Email       string `json:"email"`
	DisplayName string `json:"displayName"`
	PhotoURL    string `json:"photoURL,omitempty"`
	Username    string `json:"username,omitempty"`
	Role        string `json:"role,omitempty"`
	CreatedAt   int64  `json:"createdAt,omitempty"`
	Provider    string `json:"provider,omitempty"`
}

// Name returns the best human-readable label for the user.
func (u User) Name() string {
	if u.DisplayName != "" {
		return u.DisplayName
	}
	if u.Email != "" {
		return u.Email
	}
	return "Anonymous"
}

type contextKey struct{}

// WithUser returns a context carrying user.
func WithUser(ctx context.Context, user User) context.Context {
	return context.WithValue(ctx, contextKey{}, user)
}

// FromContext returns the user stored on ctx, if any.
func FromContext(ctx context.Context) (User, bool) {
	user, ok := ctx.Value(contextKey{}).(User)
	if !ok || user.ID == "" {
		return User{}, false
	}
	return user, true
}

// Require returns the user on ctx or an Unauthenticated error tagged with op.
func Require(ctx context.Context, op string) (User, error) {
	user, ok := FromContext(ctx)
	if !ok {
		return User{}, apperror.Unauthenticated(op)
	}
	return user, nil
}
