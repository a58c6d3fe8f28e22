package domain

import "time"

// ClientType classifies the device or integration that opened a session.
type ClientType string

const (
	ClientTypeWeb     ClientType = "web"
	ClientTypeMobile  ClientType = "mobile"
	ClientTypeCLI     ClientType = "cli"
	ClientTypePartner ClientType = "partner"
	ClientTypeOther   ClientType = "other"
)

// MFALevel records the strongest factor verified during login.
type MFALevel string

const (
	MFALevelNone     MFALevel = "none"
	MFALevelOTP      MFALevel = "otp"
	MFALevelWebAuthn MFALevel = "webauthn"
)

// Session is a single device login. Sessions are never hard-deleted;
// revocation sets RevokedAt and every verification checks it.
type Session struct {
	ID                int64
	UserID            int64
	ClientType        ClientType
	MFALevel          MFALevel
	CreatedAt         time.Time
	LastSeenAt        time.Time
	ExpiresAt         time.Time // rolling expiry, extended on activity
	AbsoluteExpiresAt time.Time // hard ceiling, never extended
	RevokedAt         *time.Time
}

// Live reports whether the session is usable at the given instant.
func (s Session) Live(now time.Time) bool {
	if s.RevokedAt != nil {
		return false
	}
	return now.Before(s.ExpiresAt) && now.Before(s.AbsoluteExpiresAt)
}
