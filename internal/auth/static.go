package auth

import "context"

// Static is the development and test backend: every non-empty token is an
// editor, and the configured admin token is an owner. It performs no
// identity verification and must not be used in production deployments.
type Static struct {
	AdminToken string
}

// Authorize implements Authorizer.
func (s *Static) Authorize(_ context.Context, _, userID, token string) (Permissions, error) {
	if userID == "" || token == "" {
		return Permissions{}, ErrUnauthorized
	}
	if s.AdminToken != "" && token == s.AdminToken {
		return RolePermissions(RoleOwner), nil
	}
	return RolePermissions(RoleEditor), nil
}
