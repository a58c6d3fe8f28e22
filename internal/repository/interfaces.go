package repository

import (
	"context"
	"time"

	"github.com/moneygrid/identity/internal/domain"
)

// UserRepository looks up principals.
type UserRepository interface {
	GetByID(ctx context.Context, userID int64) (domain.User, error)
}

// SessionRepository persists device logins. Sessions are revoked, never
// deleted.
type SessionRepository interface {
	Create(ctx context.Context, session domain.Session) (domain.Session, error)
	GetByID(ctx context.Context, sessionID int64) (domain.Session, error)
	// UpdateActivity moves the rolling expiry and last-seen stamp.
	UpdateActivity(ctx context.Context, sessionID int64, lastSeenAt, expiresAt time.Time) error
	// Revoke is idempotent; revoking a revoked session is a no-op.
	Revoke(ctx context.Context, sessionID int64, at time.Time) error
}

// RefreshTokenRepository persists rotation chains.
type RefreshTokenRepository interface {
	Create(ctx context.Context, token domain.RefreshToken) (domain.RefreshToken, error)
	GetByID(ctx context.Context, tokenID int64) (domain.RefreshToken, error)
	// Rotate revokes the old token iff it is not yet revoked, stamping
	// last_used_at, and inserts its successor in the same transaction. It
	// returns domain.ErrAlreadyRevoked when another caller won the claim;
	// rotation treats that as reuse, not as a benign race. On any failure
	// neither write is visible, so the family never ends up with zero live
	// members.
	Rotate(ctx context.Context, oldID int64, at time.Time, next domain.RefreshToken) (domain.RefreshToken, error)
	// RevokeFamily revokes every live member of the family. Idempotent.
	RevokeFamily(ctx context.Context, familyID string, at time.Time) error
}

// PATRepository persists personal access tokens.
type PATRepository interface {
	Create(ctx context.Context, token domain.PersonalAccessToken) (domain.PersonalAccessToken, error)
	GetByID(ctx context.Context, tokenID int64) (domain.PersonalAccessToken, error)
	ListByUser(ctx context.Context, userID int64) ([]domain.PersonalAccessToken, error)
	Rename(ctx context.Context, tokenID int64, name string) error
	Revoke(ctx context.Context, tokenID int64, at time.Time) error
	TouchLastUsed(ctx context.Context, tokenID int64, at time.Time) error
}

// MembershipRepository answers workspace membership queries.
type MembershipRepository interface {
	ListByUser(ctx context.Context, userID int64) ([]domain.WorkspaceMembership, error)
	Get(ctx context.Context, userID, workspaceID int64) (domain.WorkspaceMembership, error)
}

// ClientRepository looks up registered OAuth clients and service identities.
type ClientRepository interface {
	GetByClientID(ctx context.Context, clientID string) (domain.OAuthClient, error)
}

// CodeRepository manages single-use authorization codes. Consume must be
// atomic: exactly one caller observes the record.
type CodeRepository interface {
	Create(ctx context.Context, code domain.AuthorizationCode) error
	Consume(ctx context.Context, codeID int64) (domain.AuthorizationCode, error)
}

// KeyRepository loads signing keys at process start.
type KeyRepository interface {
	List(ctx context.Context) ([]domain.SigningKey, error)
	Create(ctx context.Context, key domain.SigningKey) (domain.SigningKey, error)
}
