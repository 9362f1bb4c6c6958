package access

import (
	"context"
	"slices"

	errordefs "github.com/RegistryAccord/registryaccord-mmg-go/internal/errors"
)

// RoleSource answers whether an identity is currently an admin.
type RoleSource interface {
	IsAdmin(ctx context.Context, id Identity) (bool, error)
}

// ClaimRoles trusts the role claims carried in the verified token.
type ClaimRoles struct{}

// IsAdmin implements RoleSource.
func (ClaimRoles) IsAdmin(_ context.Context, id Identity) (bool, error) {
	return slices.Contains(id.Roles, "admin"), nil
}

// PrincipalLookup is the subset of the identity client used for role checks.
type PrincipalLookup interface {
	IsAdmin(ctx context.Context, userID string) (bool, error)
}

// RemoteRoles asks the principal service on every call.
type RemoteRoles struct {
	Lookup PrincipalLookup
}

// IsAdmin implements RoleSource.
func (r RemoteRoles) IsAdmin(ctx context.Context, id Identity) (bool, error) {
	return r.Lookup.IsAdmin(ctx, id.UserID)
}

// Gate enforces admin-only access. It holds no verdict between calls.
type Gate struct {
	roles RoleSource
}

// NewGate builds a Gate over roles.
func NewGate(roles RoleSource) *Gate {
	return &Gate{roles: roles}
}

// RequireAdmin returns nil if id is an admin right now.
func (g *Gate) RequireAdmin(ctx context.Context, id Identity) error {
	ok, err := g.roles.IsAdmin(ctx, id)
	if err != nil {
		return errordefs.Wrap(errordefs.MMG_UNAVAILABLE, "admin role check unavailable", err)
	}
	if !ok {
		return errordefs.New(errordefs.MMG_ADMIN_REQUIRED, "admin access required", "")
	}
	return nil
}

// IsAdmin reports the current verdict, treating lookup failures as non-admin.
func (g *Gate) IsAdmin(ctx context.Context, id Identity) bool {
	ok, err := g.roles.IsAdmin(ctx, id)
	return err == nil && ok
}
