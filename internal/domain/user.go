package domain

import "time"

// UserStatus describes the lifecycle state of a user account.
type UserStatus string

const (
	UserStatusActive   UserStatus = "active"
	UserStatusDisabled UserStatus = "disabled"
	UserStatusDeleted  UserStatus = "deleted"
)

// User represents a human principal. Disabled and deleted users fail every
// credential check.
type User struct {
	ID        int64
	Email     string
	Name      string
	Status    UserStatus
	CreatedAt time.Time
	UpdatedAt time.Time
}

// CanAuthenticate reports whether credentials owned by the user may verify.
func (u User) CanAuthenticate() bool {
	return u.Status == UserStatusActive
}
