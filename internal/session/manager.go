package session

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/moneygrid/identity/internal/domain"
	"github.com/moneygrid/identity/internal/events"
	"github.com/moneygrid/identity/internal/repository"
	"github.com/moneygrid/identity/internal/token"
)

// Config carries the session and refresh-token lifetimes.
type Config struct {
	RefreshTokenTTL time.Duration
	SessionIdleTTL  time.Duration
	SessionMaxTTL   time.Duration
}

// IssuedToken pairs the wire-form refresh token with its stored record. The
// raw value exists only in this return; the store keeps the envelope.
type IssuedToken struct {
	Raw    string
	Record domain.RefreshToken
}

// Manager issues, rotates, and revokes refresh tokens and their owning
// sessions.
type Manager struct {
	sessions repository.SessionRepository
	tokens   repository.RefreshTokenRepository
	users    repository.UserRepository
	codec    *token.Codec
	node     *snowflake.Node
	emitter  events.Emitter
	cfg      Config
	logger   *zap.Logger
}

// NewManager wires the manager.
func NewManager(
	sessions repository.SessionRepository,
	tokens repository.RefreshTokenRepository,
	users repository.UserRepository,
	codec *token.Codec,
	node *snowflake.Node,
	emitter events.Emitter,
	cfg Config,
	logger *zap.Logger,
) *Manager {
	if logger == nil {
		logger = zap.L()
	}
	if emitter == nil {
		emitter = events.NopEmitter{}
	}
	return &Manager{
		sessions: sessions,
		tokens:   tokens,
		users:    users,
		codec:    codec,
		node:     node,
		emitter:  emitter,
		cfg:      cfg,
		logger:   logger,
	}
}

// CreateSession opens a new device login with rolling and absolute expiry.
func (m *Manager) CreateSession(ctx context.Context, userID int64, clientType domain.ClientType, mfa domain.MFALevel) (domain.Session, error) {
	now := time.Now().UTC()
	session := domain.Session{
		ID:                m.node.Generate().Int64(),
		UserID:            userID,
		ClientType:        clientType,
		MFALevel:          mfa,
		CreatedAt:         now,
		LastSeenAt:        now,
		ExpiresAt:         now.Add(m.cfg.SessionIdleTTL),
		AbsoluteExpiresAt: now.Add(m.cfg.SessionMaxTTL),
	}
	created, err := m.sessions.Create(ctx, session)
	if err != nil {
		return domain.Session{}, fmt.Errorf("create session: %w", err)
	}
	m.emitter.Emit(ctx, events.Event{Type: events.TypeSessionCreated, UserID: userID, SessionID: created.ID})
	return created, nil
}

// Issue creates a refresh token for the session. An empty familyID starts a
// new rotation chain.
func (m *Manager) Issue(ctx context.Context, userID, sessionID int64, expiresAt time.Time, familyID string) (IssuedToken, error) {
	now := time.Now().UTC()
	if !expiresAt.After(now) {
		return IssuedToken{}, fmt.Errorf("issue refresh token: expiry %s not in the future", expiresAt)
	}
	if familyID == "" {
		familyID = uuid.NewString()
	}

	opaque, record, err := m.mint(userID, sessionID, expiresAt, now, familyID)
	if err != nil {
		return IssuedToken{}, err
	}
	created, err := m.tokens.Create(ctx, record)
	if err != nil {
		return IssuedToken{}, fmt.Errorf("persist refresh token: %w", err)
	}

	m.emitter.Emit(ctx, events.Event{
		Type: events.TypeRefreshIssued, UserID: userID, SessionID: sessionID,
		TokenID: created.ID, FamilyID: familyID,
	})
	return IssuedToken{Raw: opaque.String(), Record: created}, nil
}

// mint builds an unpersisted refresh token and its wire form.
func (m *Manager) mint(userID, sessionID int64, expiresAt, now time.Time, familyID string) (token.Opaque, domain.RefreshToken, error) {
	opaque, err := m.codec.Generate(token.PrefixRefresh)
	if err != nil {
		return token.Opaque{}, domain.RefreshToken{}, fmt.Errorf("issue refresh token: %w", err)
	}
	record := domain.RefreshToken{
		ID:        m.node.Generate().Int64(),
		SessionID: sessionID,
		UserID:    userID,
		FamilyID:  familyID,
		Secret:    m.codec.Hash(opaque.Secret),
		ExpiresAt: expiresAt,
		CreatedAt: now,
	}
	opaque.ID = token.FormatID(record.ID)
	return opaque, record, nil
}

// Rotate redeems a presented refresh token for a fresh one in the same
// family. Replay of an already-rotated token is treated as credential theft:
// the whole family and the owning session are revoked before the caller sees
// the same generic failure every other invalid token gets.
func (m *Manager) Rotate(ctx context.Context, raw string) (IssuedToken, error) {
	opaque, ok := token.Decode(raw, token.PrefixRefresh)
	if !ok {
		return IssuedToken{}, domain.ErrMalformedCredential
	}
	tokenID, err := token.ParseID(opaque.ID)
	if err != nil {
		return IssuedToken{}, domain.ErrMalformedCredential
	}

	record, err := m.tokens.GetByID(ctx, tokenID)
	if err != nil {
		if errors.Is(err, domain.ErrNotFound) {
			return IssuedToken{}, domain.ErrUnauthorized
		}
		return IssuedToken{}, fmt.Errorf("load refresh token: %w", err)
	}
	if !m.codec.Verify(opaque.Secret, record.Secret) {
		m.verifyFailed(ctx, record, "secret mismatch")
		return IssuedToken{}, domain.ErrUnauthorized
	}
	if record.RevokedAt != nil {
		return IssuedToken{}, m.handleReuse(ctx, record)
	}
	now := time.Now().UTC()
	if !now.Before(record.ExpiresAt) {
		m.verifyFailed(ctx, record, "expired")
		return IssuedToken{}, domain.ErrUnauthorized
	}

	owner, err := m.users.GetByID(ctx, record.UserID)
	if err != nil {
		if errors.Is(err, domain.ErrNotFound) {
			m.verifyFailed(ctx, record, "owner missing")
			return IssuedToken{}, domain.ErrUnauthorized
		}
		return IssuedToken{}, fmt.Errorf("load user: %w", err)
	}
	if !owner.CanAuthenticate() {
		m.verifyFailed(ctx, record, "owner inactive")
		return IssuedToken{}, domain.ErrUnauthorized
	}
	sess, err := m.sessions.GetByID(ctx, record.SessionID)
	if err != nil {
		if errors.Is(err, domain.ErrNotFound) {
			m.verifyFailed(ctx, record, "session missing")
			return IssuedToken{}, domain.ErrUnauthorized
		}
		return IssuedToken{}, fmt.Errorf("load session: %w", err)
	}
	if !sess.Live(now) {
		m.verifyFailed(ctx, record, "session not live")
		return IssuedToken{}, domain.ErrUnauthorized
	}

	opaque, successor, err := m.mint(record.UserID, record.SessionID, now.Add(m.cfg.RefreshTokenTTL), now, record.FamilyID)
	if err != nil {
		return IssuedToken{}, err
	}

	// The store revokes the old token iff it is still unrevoked and inserts
	// the successor in the same transaction. Under concurrent rotation
	// exactly one caller wins and the loser lands in the reuse path; a
	// failure mid-rotation leaves the old token live.
	created, err := m.tokens.Rotate(ctx, record.ID, now, successor)
	if err != nil {
		if errors.Is(err, domain.ErrAlreadyRevoked) {
			return IssuedToken{}, m.handleReuse(ctx, record)
		}
		return IssuedToken{}, fmt.Errorf("rotate refresh token: %w", err)
	}

	if err := m.extendSession(ctx, record.SessionID, now); err != nil {
		m.logger.Warn("session activity refresh failed",
			zap.Int64("session_id", record.SessionID), zap.Error(err))
	}

	m.emitter.Emit(ctx, events.Event{
		Type: events.TypeRefreshRotated, UserID: record.UserID, SessionID: record.SessionID,
		TokenID: record.ID, FamilyID: record.FamilyID,
	})
	m.emitter.Emit(ctx, events.Event{
		Type: events.TypeRefreshIssued, UserID: created.UserID, SessionID: created.SessionID,
		TokenID: created.ID, FamilyID: created.FamilyID,
	})
	return IssuedToken{Raw: opaque.String(), Record: created}, nil
}

// RevokeToken revokes the family and session behind a presented refresh
// token. Token revocation is surrendering a credential, so an unknown or
// already-revoked token succeeds silently; only a wrong secret is refused.
func (m *Manager) RevokeToken(ctx context.Context, raw string) error {
	opaque, ok := token.Decode(raw, token.PrefixRefresh)
	if !ok {
		return domain.ErrMalformedCredential
	}
	tokenID, err := token.ParseID(opaque.ID)
	if err != nil {
		return domain.ErrMalformedCredential
	}
	record, err := m.tokens.GetByID(ctx, tokenID)
	if err != nil {
		if errors.Is(err, domain.ErrNotFound) {
			return nil
		}
		return fmt.Errorf("load refresh token: %w", err)
	}
	if !m.codec.Verify(opaque.Secret, record.Secret) {
		m.verifyFailed(ctx, record, "secret mismatch")
		return domain.ErrUnauthorized
	}

	now := time.Now().UTC()
	if err := m.tokens.RevokeFamily(ctx, record.FamilyID, now); err != nil {
		return fmt.Errorf("revoke family: %w", err)
	}
	if err := m.RevokeSession(ctx, record.SessionID); err != nil {
		return err
	}
	return nil
}

// RevokeSession revokes the session and every refresh family is left to die
// with it: verification re-reads the session record, so no token of a revoked
// session verifies again.
func (m *Manager) RevokeSession(ctx context.Context, sessionID int64) error {
	now := time.Now().UTC()
	if err := m.sessions.Revoke(ctx, sessionID, now); err != nil {
		return fmt.Errorf("revoke session: %w", err)
	}
	m.emitter.Emit(ctx, events.Event{Type: events.TypeSessionRevoked, SessionID: sessionID})
	return nil
}

// handleReuse runs the theft cascade: family-wide revocation plus the owning
// session. Both store calls are idempotent, so the cascade is safe to repeat.
func (m *Manager) handleReuse(ctx context.Context, record domain.RefreshToken) error {
	now := time.Now().UTC()
	if err := m.tokens.RevokeFamily(ctx, record.FamilyID, now); err != nil {
		m.logger.Error("family revocation failed",
			zap.String("family_id", record.FamilyID), zap.Error(err))
		return fmt.Errorf("revoke family: %w", err)
	}
	if err := m.sessions.Revoke(ctx, record.SessionID, now); err != nil {
		m.logger.Error("session revocation failed",
			zap.Int64("session_id", record.SessionID), zap.Error(err))
		return fmt.Errorf("revoke session: %w", err)
	}
	m.emitter.Emit(ctx, events.Event{
		Type: events.TypeRefreshReuse, UserID: record.UserID, SessionID: record.SessionID,
		TokenID: record.ID, FamilyID: record.FamilyID, Reason: "revoked token replayed",
	})
	return domain.ErrUnauthorized
}

// extendSession moves the rolling expiry forward, never past the absolute
// ceiling.
func (m *Manager) extendSession(ctx context.Context, sessionID int64, now time.Time) error {
	session, err := m.sessions.GetByID(ctx, sessionID)
	if err != nil {
		return fmt.Errorf("load session: %w", err)
	}
	next := now.Add(m.cfg.SessionIdleTTL)
	if next.After(session.AbsoluteExpiresAt) {
		next = session.AbsoluteExpiresAt
	}
	if err := m.sessions.UpdateActivity(ctx, sessionID, now, next); err != nil {
		return fmt.Errorf("update activity: %w", err)
	}
	return nil
}

func (m *Manager) verifyFailed(ctx context.Context, record domain.RefreshToken, reason string) {
	m.emitter.Emit(ctx, events.Event{
		Type: events.TypeTokenVerifyFailed, UserID: record.UserID, SessionID: record.SessionID,
		TokenID: record.ID, FamilyID: record.FamilyID, Reason: reason,
	})
}
