// Package auth resolves a join token into the permission set the sync
// engine captures once per connection. The engine never re-queries per
// message; it only consumes the decision made here.
package auth

import (
	"context"
	"errors"
)

// Permissions is the per-document capability set granted at join time.
type Permissions struct {
	CanRead   bool `json:"canRead"`
	CanWrite  bool `json:"canWrite"`
	CanDelete bool `json:"canDelete"`
	IsOwner   bool `json:"isOwner"`
}

// Authorizer turns a handshake token into a permission decision for one
// user on one document.
type Authorizer interface {
	Authorize(ctx context.Context, documentID, userID, token string) (Permissions, error)
}

// ErrUnauthorized is returned when a token is missing, invalid, expired,
// or names a different user.
var ErrUnauthorized = errors.New("unauthorized")

// Document roles understood by every backend.
const (
	RoleViewer = "viewer"
	RoleEditor = "editor"
	RoleOwner  = "owner"
)

// RolePermissions maps a document role onto the capability set. Unknown
// roles degrade to viewer.
func RolePermissions(role string) Permissions {
	switch role {
	case RoleOwner:
		return Permissions{CanRead: true, CanWrite: true, CanDelete: true, IsOwner: true}
	case RoleEditor:
		return Permissions{CanRead: true, CanWrite: true}
	default:
		return Permissions{CanRead: true}
	}
}
