package httpapi

import (
	"context"
	"errors"

	"github.com/google/uuid"
)

// contextKey is a private type so request-scoped values cannot collide with
// other packages.
type contextKey string

const identityKey contextKey = "identity"

// Identity is the authenticated caller as established by RequireAuth.
type Identity struct {
	UserID    uuid.UUID
	SessionID uuid.UUID
	Email     string
	Roles     []string
}

func withIdentity(ctx context.Context, id *Identity) context.Context {
	return context.WithValue(ctx, identityKey, id)
}

// IdentityFrom extracts the caller from the context.
func IdentityFrom(ctx context.Context) (*Identity, error) {
	id, ok := ctx.Value(identityKey).(*Identity)
	if !ok || id == nil {
		return nil, errors.New("no identity in context")
	}
	return id, nil
}

// MustIdentity extracts the caller and panics when the route was wired
// without RequireAuth. Use only behind the authenticated group.
func MustIdentity(ctx context.Context) *Identity {
	id, err := IdentityFrom(ctx)
	if err != nil {
		panic("httpapi: " + err.Error())
	}
	return id
}
