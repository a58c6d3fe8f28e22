package service

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/moneygrid/identity/internal/authz"
	"github.com/moneygrid/identity/internal/domain"
	"github.com/moneygrid/identity/internal/events"
	"github.com/moneygrid/identity/internal/jwt"
	"github.com/moneygrid/identity/internal/session"
	"github.com/moneygrid/identity/internal/token"
)

type memUserRepo struct {
	mu    sync.Mutex
	users map[int64]domain.User
}

func (r *memUserRepo) GetByID(_ context.Context, userID int64) (domain.User, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	user, ok := r.users[userID]
	if !ok {
		return domain.User{}, domain.ErrNotFound
	}
	return user, nil
}

func (r *memUserRepo) set(user domain.User) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.users[user.ID] = user
}

type memSessionRepo struct {
	mu       sync.Mutex
	sessions map[int64]domain.Session
}

func (r *memSessionRepo) Create(_ context.Context, s domain.Session) (domain.Session, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.sessions[s.ID] = s
	return s, nil
}

func (r *memSessionRepo) GetByID(_ context.Context, sessionID int64) (domain.Session, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	s, ok := r.sessions[sessionID]
	if !ok {
		return domain.Session{}, domain.ErrNotFound
	}
	return s, nil
}

func (r *memSessionRepo) UpdateActivity(_ context.Context, sessionID int64, lastSeenAt, expiresAt time.Time) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	s, ok := r.sessions[sessionID]
	if !ok {
		return domain.ErrNotFound
	}
	s.LastSeenAt = lastSeenAt
	s.ExpiresAt = expiresAt
	r.sessions[sessionID] = s
	return nil
}

func (r *memSessionRepo) Revoke(_ context.Context, sessionID int64, at time.Time) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	s, ok := r.sessions[sessionID]
	if !ok {
		return domain.ErrNotFound
	}
	if s.RevokedAt == nil {
		s.RevokedAt = &at
		r.sessions[sessionID] = s
	}
	return nil
}

func (r *memSessionRepo) set(s domain.Session) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.sessions[s.ID] = s
}

type memRefreshRepo struct {
	mu     sync.Mutex
	tokens map[int64]domain.RefreshToken
}

func (r *memRefreshRepo) Create(_ context.Context, t domain.RefreshToken) (domain.RefreshToken, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.tokens[t.ID] = t
	return t, nil
}

func (r *memRefreshRepo) GetByID(_ context.Context, tokenID int64) (domain.RefreshToken, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	t, ok := r.tokens[tokenID]
	if !ok {
		return domain.RefreshToken{}, domain.ErrNotFound
	}
	return t, nil
}

func (r *memRefreshRepo) Rotate(_ context.Context, oldID int64, at time.Time, next domain.RefreshToken) (domain.RefreshToken, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	old, ok := r.tokens[oldID]
	if !ok {
		return domain.RefreshToken{}, domain.ErrNotFound
	}
	if old.RevokedAt != nil {
		return domain.RefreshToken{}, domain.ErrAlreadyRevoked
	}
	old.RevokedAt = &at
	old.LastUsedAt = &at
	r.tokens[oldID] = old
	r.tokens[next.ID] = next
	return next, nil
}

func (r *memRefreshRepo) RevokeFamily(_ context.Context, familyID string, at time.Time) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	for id, t := range r.tokens {
		if t.FamilyID == familyID && t.RevokedAt == nil {
			t.RevokedAt = &at
			r.tokens[id] = t
		}
	}
	return nil
}

type memPATRepo struct {
	mu   sync.Mutex
	pats map[int64]domain.PersonalAccessToken
}

func (r *memPATRepo) Create(_ context.Context, t domain.PersonalAccessToken) (domain.PersonalAccessToken, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, existing := range r.pats {
		if existing.UserID == t.UserID && existing.Name == t.Name {
			return domain.PersonalAccessToken{}, domain.ErrDuplicateName
		}
	}
	r.pats[t.ID] = t
	return t, nil
}

func (r *memPATRepo) GetByID(_ context.Context, tokenID int64) (domain.PersonalAccessToken, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	t, ok := r.pats[tokenID]
	if !ok {
		return domain.PersonalAccessToken{}, domain.ErrNotFound
	}
	return t, nil
}

func (r *memPATRepo) ListByUser(_ context.Context, userID int64) ([]domain.PersonalAccessToken, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []domain.PersonalAccessToken
	for _, t := range r.pats {
		if t.UserID == userID {
			out = append(out, t)
		}
	}
	return out, nil
}

func (r *memPATRepo) Rename(_ context.Context, tokenID int64, name string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	t, ok := r.pats[tokenID]
	if !ok {
		return domain.ErrNotFound
	}
	for _, existing := range r.pats {
		if existing.ID != tokenID && existing.UserID == t.UserID && existing.Name == name {
			return domain.ErrDuplicateName
		}
	}
	t.Name = name
	r.pats[tokenID] = t
	return nil
}

func (r *memPATRepo) Revoke(_ context.Context, tokenID int64, at time.Time) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	t, ok := r.pats[tokenID]
	if !ok {
		return domain.ErrNotFound
	}
	if t.RevokedAt == nil {
		t.RevokedAt = &at
		r.pats[tokenID] = t
	}
	return nil
}

func (r *memPATRepo) TouchLastUsed(_ context.Context, tokenID int64, at time.Time) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	t, ok := r.pats[tokenID]
	if !ok {
		return domain.ErrNotFound
	}
	t.LastUsedAt = &at
	r.pats[tokenID] = t
	return nil
}

type memMembershipRepo struct {
	mu          sync.Mutex
	memberships []domain.WorkspaceMembership
}

func (r *memMembershipRepo) ListByUser(_ context.Context, userID int64) ([]domain.WorkspaceMembership, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []domain.WorkspaceMembership
	for _, m := range r.memberships {
		if m.UserID == userID {
			out = append(out, m)
		}
	}
	return out, nil
}

func (r *memMembershipRepo) Get(_ context.Context, userID, workspaceID int64) (domain.WorkspaceMembership, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, m := range r.memberships {
		if m.UserID == userID && m.WorkspaceID == workspaceID {
			return m, nil
		}
	}
	return domain.WorkspaceMembership{}, domain.ErrNotFound
}

type memClientRepo struct {
	mu      sync.Mutex
	clients map[string]domain.OAuthClient
}

func (r *memClientRepo) GetByClientID(_ context.Context, clientID string) (domain.OAuthClient, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	c, ok := r.clients[clientID]
	if !ok {
		return domain.OAuthClient{}, domain.ErrNotFound
	}
	return c, nil
}

type memCodeRepo struct {
	mu    sync.Mutex
	codes map[int64]domain.AuthorizationCode
}

func (r *memCodeRepo) Create(_ context.Context, code domain.AuthorizationCode) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.codes[code.ID] = code
	return nil
}

func (r *memCodeRepo) Consume(_ context.Context, codeID int64) (domain.AuthorizationCode, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	code, ok := r.codes[codeID]
	if !ok {
		return domain.AuthorizationCode{}, domain.ErrNotFound
	}
	delete(r.codes, codeID)
	return code, nil
}

type harness struct {
	users       *memUserRepo
	sessions    *memSessionRepo
	refresh     *memRefreshRepo
	pats        *memPATRepo
	memberships *memMembershipRepo
	clients     *memClientRepo
	codes       *memCodeRepo

	codec    *token.Codec
	node     *snowflake.Node
	keys     *jwt.KeyStore
	jwt      *jwt.Generator
	engine   *authz.Engine
	manager  *session.Manager
	tokens   *TokenService
	patSvc   *PATService
	verifier *Verifier
}

const (
	testIssuer   = "https://id.moneygrid.dev"
	testAudience = "moneygrid-api"
)

func newHarness(t *testing.T) *harness {
	t.Helper()

	codec, err := token.NewCodec(map[string][]byte{
		"k1": []byte("0123456789abcdef0123456789abcdef"),
	}, "k1")
	require.NoError(t, err)
	node, err := snowflake.NewNode(2)
	require.NoError(t, err)
	signingKey, err := jwt.GenerateSigningKey()
	require.NoError(t, err)
	keys, err := jwt.NewKeyStore([]domain.SigningKey{signingKey})
	require.NoError(t, err)

	h := &harness{
		users:       &memUserRepo{users: map[int64]domain.User{}},
		sessions:    &memSessionRepo{sessions: map[int64]domain.Session{}},
		refresh:     &memRefreshRepo{tokens: map[int64]domain.RefreshToken{}},
		pats:        &memPATRepo{pats: map[int64]domain.PersonalAccessToken{}},
		memberships: &memMembershipRepo{},
		clients:     &memClientRepo{clients: map[string]domain.OAuthClient{}},
		codes:       &memCodeRepo{codes: map[int64]domain.AuthorizationCode{}},
		codec:       codec,
		node:        node,
		keys:        keys,
	}

	logger := zap.NewNop()
	emitter := events.NopEmitter{}
	cfg := session.Config{
		RefreshTokenTTL: 30 * 24 * time.Hour,
		SessionIdleTTL:  7 * 24 * time.Hour,
		SessionMaxTTL:   90 * 24 * time.Hour,
	}

	h.jwt = jwt.NewGenerator(keys, testIssuer, testAudience, 15*time.Minute)
	h.engine = authz.NewEngine(h.memberships, logger)
	h.manager = session.NewManager(h.sessions, h.refresh, h.users, codec, node, emitter, cfg, logger)
	h.tokens = NewTokenService(h.clients, h.codes, h.users, h.sessions, h.manager, h.jwt, codec, node, emitter, cfg, logger)
	h.patSvc = NewPATService(h.pats, codec, node, emitter, logger)
	h.verifier = NewVerifier(h.pats, h.users, h.sessions, h.engine, h.jwt, codec, emitter, nil, logger)

	h.users.set(domain.User{ID: 1, Email: "ana@example.com", Status: domain.UserStatusActive})
	return h
}

func (h *harness) addMembership(userID, workspaceID int64, role domain.Role) {
	h.memberships.mu.Lock()
	defer h.memberships.mu.Unlock()
	h.memberships.memberships = append(h.memberships.memberships, domain.WorkspaceMembership{
		UserID: userID, WorkspaceID: workspaceID, Role: role,
	})
}

func (h *harness) addClient(client domain.OAuthClient) {
	h.clients.mu.Lock()
	defer h.clients.mu.Unlock()
	h.clients.clients[client.ClientID] = client
}

func ptr(v int64) *int64 { return &v }
