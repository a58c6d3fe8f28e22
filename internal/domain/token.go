package domain

import "time"

// SecretEnvelope is the persisted form of an opaque token secret: the keyed
// hash plus enough metadata to recompute it after server-side key rotation.
// The raw secret is never stored.
type SecretEnvelope struct {
	Algorithm string    `json:"alg"`
	KeyID     string    `json:"kid"`
	Hash      string    `json:"hash"`
	CreatedAt time.Time `json:"created_at"`
}

// RefreshToken is a single-use opaque credential bound to a session. All
// tokens produced by successive rotations of one issuance share a FamilyID;
// at most one member of a family is unrevoked at any time.
type RefreshToken struct {
	ID         int64
	SessionID  int64
	UserID     int64
	FamilyID   string
	Secret     SecretEnvelope
	ExpiresAt  time.Time
	LastUsedAt *time.Time
	RevokedAt  *time.Time
	CreatedAt  time.Time
}

// PersonalAccessToken is a long-lived opaque credential created explicitly by
// its owner. A workspace-bound PAT pins every use to that workspace. Revoked
// PATs are kept for audit.
type PersonalAccessToken struct {
	ID          int64
	UserID      int64
	WorkspaceID *int64
	Name        string
	Scopes      []string
	Secret      SecretEnvelope
	ExpiresAt   *time.Time
	LastUsedAt  *time.Time
	RevokedAt   *time.Time
	CreatedAt   time.Time
}

// Usable reports whether the PAT passes its own state checks.
func (t PersonalAccessToken) Usable(now time.Time) bool {
	if t.RevokedAt != nil {
		return false
	}
	if t.ExpiresAt != nil && !now.Before(*t.ExpiresAt) {
		return false
	}
	return true
}

// AuthorizationCode is the single-use artifact of the authorization-code
// grant. The code secret lives behind an envelope; PKCE fields are empty for
// external-IdP handoffs where no challenge was recorded.
type AuthorizationCode struct {
	ID                  int64
	UserID              int64
	ClientID            string
	RedirectURI         string
	CodeChallenge       string
	CodeChallengeMethod string
	Scopes              []string
	Secret              SecretEnvelope
	ExpiresAt           time.Time
	ConsumedAt          *time.Time
	CreatedAt           time.Time
}
