package auth

import (
	"context"

	"github.com/amillerrr/clipflow/pkg/models"
)

// SessionAuthenticator resolves the uploading user from request claims.
type SessionAuthenticator struct{}

// Authenticate returns the username in ctx, or models.ErrAuth when there is no session.
func (SessionAuthenticator) Authenticate(ctx context.Context) (string, error) {
	claims, ok := GetClaimsFromContext(ctx)
	if !ok || claims.Username == "" {
		return "", models.ErrAuth
	}
	return claims.Username, nil
}

// WithUser returns a context carrying a session for username. The worker uses
// it to run queued jobs as the user who submitted them.
func WithUser(ctx context.Context, username string) context.Context {
	return SetClaimsInContext(ctx, &Claims{Username: username})
}
