package domain

import "errors"

var (
	// ErrMalformedCredential marks input that is not a credential of this
	// system at all (wrong prefix, wrong shape).
	ErrMalformedCredential = errors.New("identity: malformed credential")
	// ErrUnauthorized covers every verification failure: bad secret, unknown
	// id, expired, revoked, inactive owner. Callers must not learn which.
	ErrUnauthorized = errors.New("identity: unauthorized")
	// ErrForbidden marks an authenticated caller lacking scope or workspace
	// access.
	ErrForbidden = errors.New("identity: forbidden")
	// ErrWorkspaceSelectionRequired is returned when a caller with several
	// memberships supplies no workspace selector.
	ErrWorkspaceSelectionRequired = errors.New("identity: workspace selection required")
	// ErrNotFound is the repository-level miss mapped from the store.
	ErrNotFound = errors.New("identity: not found")
	// ErrAlreadyRevoked reports a conditional revoke that found the record
	// revoked; rotation treats it as proof of token reuse.
	ErrAlreadyRevoked = errors.New("identity: already revoked")
	// ErrDuplicateName reports a PAT name collision for one owner.
	ErrDuplicateName = errors.New("identity: duplicate token name")
)
