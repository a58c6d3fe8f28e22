package domain

import "time"

// Role is the closed set of workspace roles. Role is the sole source of
// workspace-scoped permissions.
type Role string

const (
	RoleOwner  Role = "owner"
	RoleAdmin  Role = "admin"
	RoleViewer Role = "viewer"
)

// WorkspaceMembership binds a user to a workspace with a role.
type WorkspaceMembership struct {
	UserID      int64
	WorkspaceID int64
	Role        Role
	CreatedAt   time.Time
}
