package auth

import (
	"context"
	"strings"

	"github.com/haasonsaas/threadgate/internal/errdefs"
	"github.com/haasonsaas/threadgate/pkg/models"
)

type callerKey struct{}

// WithUser attaches the authenticated caller to ctx. Users without an ID are
// ignored so downstream code never sees an anonymous caller it did not ask for.
func WithUser(ctx context.Context, user *models.User) context.Context {
	if user == nil || strings.TrimSpace(user.ID) == "" {
		return ctx
	}
	return context.WithValue(ctx, callerKey{}, user)
}

// UserFromContext returns the caller attached by Middleware.
func UserFromContext(ctx context.Context) (*models.User, bool) {
	user, ok := ctx.Value(callerKey{}).(*models.User)
	return user, ok && user != nil
}

// RequireCaller is UserFromContext for handlers that must have a caller.
func RequireCaller(ctx context.Context) (*models.User, error) {
	user, ok := UserFromContext(ctx)
	if !ok {
		return nil, errdefs.Unauthenticatedf("no caller on request")
	}
	return user, nil
}
