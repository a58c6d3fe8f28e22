package repository

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/moneygrid/identity/internal/domain"
)

// Compile-time interface assertions.
var (
	_ UserRepository         = (*PostgresUserRepo)(nil)
	_ SessionRepository      = (*PostgresSessionRepo)(nil)
	_ RefreshTokenRepository = (*PostgresRefreshTokenRepo)(nil)
	_ PATRepository          = (*PostgresPATRepo)(nil)
	_ MembershipRepository   = (*PostgresMembershipRepo)(nil)
	_ ClientRepository       = (*PostgresClientRepo)(nil)
	_ CodeRepository         = (*PostgresCodeRepo)(nil)
	_ KeyRepository          = (*PostgresKeyRepo)(nil)
)

// PostgresUserRepo reads users with pgx.
type PostgresUserRepo struct {
	pool *pgxpool.Pool
}

func NewPostgresUserRepo(pool *pgxpool.Pool) *PostgresUserRepo {
	return &PostgresUserRepo{pool: pool}
}

func (r *PostgresUserRepo) GetByID(ctx context.Context, userID int64) (domain.User, error) {
	const q = `SELECT id, email, name, status, created_at, updated_at
		FROM users WHERE id = $1 AND status <> 'deleted'`
	var u domain.User
	err := r.pool.QueryRow(ctx, q, userID).Scan(&u.ID, &u.Email, &u.Name, &u.Status, &u.CreatedAt, &u.UpdatedAt)
	if err != nil {
		return domain.User{}, wrapNotFound("get user", err)
	}
	return u, nil
}

// PostgresSessionRepo persists sessions.
type PostgresSessionRepo struct {
	pool *pgxpool.Pool
}

func NewPostgresSessionRepo(pool *pgxpool.Pool) *PostgresSessionRepo {
	return &PostgresSessionRepo{pool: pool}
}

func (r *PostgresSessionRepo) Create(ctx context.Context, s domain.Session) (domain.Session, error) {
	const q = `INSERT INTO sessions
		(id, user_id, client_type, mfa_level, created_at, last_seen_at, expires_at, absolute_expires_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)`
	_, err := r.pool.Exec(ctx, q, s.ID, s.UserID, s.ClientType, s.MFALevel,
		s.CreatedAt, s.LastSeenAt, s.ExpiresAt, s.AbsoluteExpiresAt)
	if err != nil {
		return domain.Session{}, fmt.Errorf("create session: %w", err)
	}
	return s, nil
}

func (r *PostgresSessionRepo) GetByID(ctx context.Context, sessionID int64) (domain.Session, error) {
	const q = `SELECT id, user_id, client_type, mfa_level, created_at, last_seen_at,
		expires_at, absolute_expires_at, revoked_at
		FROM sessions WHERE id = $1`
	var s domain.Session
	err := r.pool.QueryRow(ctx, q, sessionID).Scan(&s.ID, &s.UserID, &s.ClientType, &s.MFALevel,
		&s.CreatedAt, &s.LastSeenAt, &s.ExpiresAt, &s.AbsoluteExpiresAt, &s.RevokedAt)
	if err != nil {
		return domain.Session{}, wrapNotFound("get session", err)
	}
	return s, nil
}

func (r *PostgresSessionRepo) UpdateActivity(ctx context.Context, sessionID int64, lastSeenAt, expiresAt time.Time) error {
	const q = `UPDATE sessions SET last_seen_at = $2, expires_at = $3
		WHERE id = $1 AND revoked_at IS NULL`
	if _, err := r.pool.Exec(ctx, q, sessionID, lastSeenAt, expiresAt); err != nil {
		return fmt.Errorf("update session activity: %w", err)
	}
	return nil
}

func (r *PostgresSessionRepo) Revoke(ctx context.Context, sessionID int64, at time.Time) error {
	const q = `UPDATE sessions SET revoked_at = $2 WHERE id = $1 AND revoked_at IS NULL`
	if _, err := r.pool.Exec(ctx, q, sessionID, at); err != nil {
		return fmt.Errorf("revoke session: %w", err)
	}
	return nil
}

// PostgresRefreshTokenRepo persists rotation chains.
type PostgresRefreshTokenRepo struct {
	pool *pgxpool.Pool
}

func NewPostgresRefreshTokenRepo(pool *pgxpool.Pool) *PostgresRefreshTokenRepo {
	return &PostgresRefreshTokenRepo{pool: pool}
}

const insertRefreshTokenSQL = `INSERT INTO refresh_tokens
	(id, session_id, user_id, family_id, secret_alg, secret_kid, secret_hash, secret_created_at,
	 expires_at, created_at)
	VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)`

func (r *PostgresRefreshTokenRepo) Create(ctx context.Context, t domain.RefreshToken) (domain.RefreshToken, error) {
	_, err := r.pool.Exec(ctx, insertRefreshTokenSQL, t.ID, t.SessionID, t.UserID, t.FamilyID,
		t.Secret.Algorithm, t.Secret.KeyID, t.Secret.Hash, t.Secret.CreatedAt,
		t.ExpiresAt, t.CreatedAt)
	if err != nil {
		return domain.RefreshToken{}, fmt.Errorf("create refresh token: %w", err)
	}
	return t, nil
}

func (r *PostgresRefreshTokenRepo) GetByID(ctx context.Context, tokenID int64) (domain.RefreshToken, error) {
	const q = `SELECT id, session_id, user_id, family_id, secret_alg, secret_kid, secret_hash,
		secret_created_at, expires_at, last_used_at, revoked_at, created_at
		FROM refresh_tokens WHERE id = $1`
	var t domain.RefreshToken
	err := r.pool.QueryRow(ctx, q, tokenID).Scan(&t.ID, &t.SessionID, &t.UserID, &t.FamilyID,
		&t.Secret.Algorithm, &t.Secret.KeyID, &t.Secret.Hash, &t.Secret.CreatedAt,
		&t.ExpiresAt, &t.LastUsedAt, &t.RevokedAt, &t.CreatedAt)
	if err != nil {
		return domain.RefreshToken{}, wrapNotFound("get refresh token", err)
	}
	return t, nil
}

// Rotate runs the conditional revoke and the successor insert in one
// transaction. The UPDATE serializes concurrent rotation, only the caller
// that hits the unrevoked row wins, and the insert commits with that claim
// or not at all.
func (r *PostgresRefreshTokenRepo) Rotate(ctx context.Context, oldID int64, at time.Time, next domain.RefreshToken) (domain.RefreshToken, error) {
	const claim = `UPDATE refresh_tokens SET revoked_at = $2, last_used_at = $2
		WHERE id = $1 AND revoked_at IS NULL`
	err := pgx.BeginFunc(ctx, r.pool, func(tx pgx.Tx) error {
		tag, err := tx.Exec(ctx, claim, oldID, at)
		if err != nil {
			return fmt.Errorf("claim refresh token: %w", err)
		}
		if tag.RowsAffected() == 0 {
			return domain.ErrAlreadyRevoked
		}
		_, err = tx.Exec(ctx, insertRefreshTokenSQL, next.ID, next.SessionID, next.UserID, next.FamilyID,
			next.Secret.Algorithm, next.Secret.KeyID, next.Secret.Hash, next.Secret.CreatedAt,
			next.ExpiresAt, next.CreatedAt)
		if err != nil {
			return fmt.Errorf("create successor: %w", err)
		}
		return nil
	})
	if err != nil {
		if errors.Is(err, domain.ErrAlreadyRevoked) {
			return domain.RefreshToken{}, domain.ErrAlreadyRevoked
		}
		return domain.RefreshToken{}, fmt.Errorf("rotate refresh token: %w", err)
	}
	return next, nil
}

func (r *PostgresRefreshTokenRepo) RevokeFamily(ctx context.Context, familyID string, at time.Time) error {
	const q = `UPDATE refresh_tokens SET revoked_at = $2
		WHERE family_id = $1 AND revoked_at IS NULL`
	if _, err := r.pool.Exec(ctx, q, familyID, at); err != nil {
		return fmt.Errorf("revoke family: %w", err)
	}
	return nil
}

// PostgresPATRepo persists personal access tokens.
type PostgresPATRepo struct {
	pool *pgxpool.Pool
}

func NewPostgresPATRepo(pool *pgxpool.Pool) *PostgresPATRepo {
	return &PostgresPATRepo{pool: pool}
}

func (r *PostgresPATRepo) Create(ctx context.Context, t domain.PersonalAccessToken) (domain.PersonalAccessToken, error) {
	const q = `INSERT INTO personal_access_tokens
		(id, user_id, workspace_id, name, scopes, secret_alg, secret_kid, secret_hash,
		 secret_created_at, expires_at, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)`
	_, err := r.pool.Exec(ctx, q, t.ID, t.UserID, t.WorkspaceID, t.Name, t.Scopes,
		t.Secret.Algorithm, t.Secret.KeyID, t.Secret.Hash, t.Secret.CreatedAt,
		t.ExpiresAt, t.CreatedAt)
	if err != nil {
		if isUniqueViolation(err) {
			return domain.PersonalAccessToken{}, domain.ErrDuplicateName
		}
		return domain.PersonalAccessToken{}, fmt.Errorf("create pat: %w", err)
	}
	return t, nil
}

func (r *PostgresPATRepo) GetByID(ctx context.Context, tokenID int64) (domain.PersonalAccessToken, error) {
	const q = `SELECT id, user_id, workspace_id, name, scopes, secret_alg, secret_kid, secret_hash,
		secret_created_at, expires_at, last_used_at, revoked_at, created_at
		FROM personal_access_tokens WHERE id = $1`
	var t domain.PersonalAccessToken
	err := r.pool.QueryRow(ctx, q, tokenID).Scan(&t.ID, &t.UserID, &t.WorkspaceID, &t.Name, &t.Scopes,
		&t.Secret.Algorithm, &t.Secret.KeyID, &t.Secret.Hash, &t.Secret.CreatedAt,
		&t.ExpiresAt, &t.LastUsedAt, &t.RevokedAt, &t.CreatedAt)
	if err != nil {
		return domain.PersonalAccessToken{}, wrapNotFound("get pat", err)
	}
	return t, nil
}

func (r *PostgresPATRepo) ListByUser(ctx context.Context, userID int64) ([]domain.PersonalAccessToken, error) {
	const q = `SELECT id, user_id, workspace_id, name, scopes, secret_alg, secret_kid, secret_hash,
		secret_created_at, expires_at, last_used_at, revoked_at, created_at
		FROM personal_access_tokens WHERE user_id = $1 ORDER BY created_at DESC`
	rows, err := r.pool.Query(ctx, q, userID)
	if err != nil {
		return nil, fmt.Errorf("list pats: %w", err)
	}
	defer rows.Close()

	var tokens []domain.PersonalAccessToken
	for rows.Next() {
		var t domain.PersonalAccessToken
		if err := rows.Scan(&t.ID, &t.UserID, &t.WorkspaceID, &t.Name, &t.Scopes,
			&t.Secret.Algorithm, &t.Secret.KeyID, &t.Secret.Hash, &t.Secret.CreatedAt,
			&t.ExpiresAt, &t.LastUsedAt, &t.RevokedAt, &t.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan pat: %w", err)
		}
		tokens = append(tokens, t)
	}
	return tokens, rows.Err()
}

func (r *PostgresPATRepo) Rename(ctx context.Context, tokenID int64, name string) error {
	const q = `UPDATE personal_access_tokens SET name = $2 WHERE id = $1`
	if _, err := r.pool.Exec(ctx, q, tokenID, name); err != nil {
		if isUniqueViolation(err) {
			return domain.ErrDuplicateName
		}
		return fmt.Errorf("rename pat: %w", err)
	}
	return nil
}

func (r *PostgresPATRepo) Revoke(ctx context.Context, tokenID int64, at time.Time) error {
	const q = `UPDATE personal_access_tokens SET revoked_at = $2 WHERE id = $1 AND revoked_at IS NULL`
	if _, err := r.pool.Exec(ctx, q, tokenID, at); err != nil {
		return fmt.Errorf("revoke pat: %w", err)
	}
	return nil
}

func (r *PostgresPATRepo) TouchLastUsed(ctx context.Context, tokenID int64, at time.Time) error {
	const q = `UPDATE personal_access_tokens SET last_used_at = $2 WHERE id = $1`
	if _, err := r.pool.Exec(ctx, q, tokenID, at); err != nil {
		return fmt.Errorf("touch pat: %w", err)
	}
	return nil
}

// PostgresMembershipRepo reads workspace memberships.
type PostgresMembershipRepo struct {
	pool *pgxpool.Pool
}

func NewPostgresMembershipRepo(pool *pgxpool.Pool) *PostgresMembershipRepo {
	return &PostgresMembershipRepo{pool: pool}
}

func (r *PostgresMembershipRepo) ListByUser(ctx context.Context, userID int64) ([]domain.WorkspaceMembership, error) {
	const q = `SELECT user_id, workspace_id, role, created_at
		FROM workspace_memberships WHERE user_id = $1 ORDER BY workspace_id`
	rows, err := r.pool.Query(ctx, q, userID)
	if err != nil {
		return nil, fmt.Errorf("list memberships: %w", err)
	}
	defer rows.Close()

	var memberships []domain.WorkspaceMembership
	for rows.Next() {
		var m domain.WorkspaceMembership
		if err := rows.Scan(&m.UserID, &m.WorkspaceID, &m.Role, &m.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan membership: %w", err)
		}
		memberships = append(memberships, m)
	}
	return memberships, rows.Err()
}

func (r *PostgresMembershipRepo) Get(ctx context.Context, userID, workspaceID int64) (domain.WorkspaceMembership, error) {
	const q = `SELECT user_id, workspace_id, role, created_at
		FROM workspace_memberships WHERE user_id = $1 AND workspace_id = $2`
	var m domain.WorkspaceMembership
	err := r.pool.QueryRow(ctx, q, userID, workspaceID).Scan(&m.UserID, &m.WorkspaceID, &m.Role, &m.CreatedAt)
	if err != nil {
		return domain.WorkspaceMembership{}, wrapNotFound("get membership", err)
	}
	return m, nil
}

// PostgresClientRepo reads registered OAuth clients. Secret envelopes live in
// a jsonb column so rotation can stack several without schema churn.
type PostgresClientRepo struct {
	pool *pgxpool.Pool
}

func NewPostgresClientRepo(pool *pgxpool.Pool) *PostgresClientRepo {
	return &PostgresClientRepo{pool: pool}
}

func (r *PostgresClientRepo) GetByClientID(ctx context.Context, clientID string) (domain.OAuthClient, error) {
	const q = `SELECT client_id, name, kind, redirect_uris, token_endpoint_auth, secret_envelopes,
		scopes, allowed_workspace_ids, created_at
		FROM oauth_clients WHERE client_id = $1`
	var c domain.OAuthClient
	err := r.pool.QueryRow(ctx, q, clientID).Scan(&c.ClientID, &c.Name, &c.Kind, &c.RedirectURIs,
		&c.TokenEndpointAuth, &c.SecretEnvelopes, &c.Scopes, &c.AllowedWorkspaceIDs, &c.CreatedAt)
	if err != nil {
		return domain.OAuthClient{}, wrapNotFound("get client", err)
	}
	return c, nil
}

// PostgresCodeRepo persists authorization codes.
type PostgresCodeRepo struct {
	pool *pgxpool.Pool
}

func NewPostgresCodeRepo(pool *pgxpool.Pool) *PostgresCodeRepo {
	return &PostgresCodeRepo{pool: pool}
}

func (r *PostgresCodeRepo) Create(ctx context.Context, c domain.AuthorizationCode) error {
	const q = `INSERT INTO authorization_codes
		(id, user_id, client_id, redirect_uri, code_challenge, code_challenge_method, scopes,
		 secret_alg, secret_kid, secret_hash, secret_created_at, expires_at, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13)`
	_, err := r.pool.Exec(ctx, q, c.ID, c.UserID, c.ClientID, c.RedirectURI,
		c.CodeChallenge, c.CodeChallengeMethod, c.Scopes,
		c.Secret.Algorithm, c.Secret.KeyID, c.Secret.Hash, c.Secret.CreatedAt,
		c.ExpiresAt, c.CreatedAt)
	if err != nil {
		return fmt.Errorf("create code: %w", err)
	}
	return nil
}

// Consume deletes and returns the code in one statement, so exactly one
// redemption ever observes it.
func (r *PostgresCodeRepo) Consume(ctx context.Context, codeID int64) (domain.AuthorizationCode, error) {
	const q = `DELETE FROM authorization_codes WHERE id = $1
		RETURNING id, user_id, client_id, redirect_uri, code_challenge, code_challenge_method,
		scopes, secret_alg, secret_kid, secret_hash, secret_created_at, expires_at, created_at`
	var c domain.AuthorizationCode
	err := r.pool.QueryRow(ctx, q, codeID).Scan(&c.ID, &c.UserID, &c.ClientID, &c.RedirectURI,
		&c.CodeChallenge, &c.CodeChallengeMethod, &c.Scopes,
		&c.Secret.Algorithm, &c.Secret.KeyID, &c.Secret.Hash, &c.Secret.CreatedAt,
		&c.ExpiresAt, &c.CreatedAt)
	if err != nil {
		return domain.AuthorizationCode{}, wrapNotFound("consume code", err)
	}
	return c, nil
}

// PostgresKeyRepo stores signing keys.
type PostgresKeyRepo struct {
	pool *pgxpool.Pool
}

func NewPostgresKeyRepo(pool *pgxpool.Pool) *PostgresKeyRepo {
	return &PostgresKeyRepo{pool: pool}
}

func (r *PostgresKeyRepo) List(ctx context.Context) ([]domain.SigningKey, error) {
	const q = `SELECT id, kid, algorithm, private_key, public_key, active, created_at, retired_at
		FROM signing_keys ORDER BY created_at`
	rows, err := r.pool.Query(ctx, q)
	if err != nil {
		return nil, fmt.Errorf("list signing keys: %w", err)
	}
	defer rows.Close()

	var keys []domain.SigningKey
	for rows.Next() {
		var k domain.SigningKey
		if err := rows.Scan(&k.ID, &k.KID, &k.Algorithm, &k.PrivateKey, &k.PublicKey,
			&k.Active, &k.CreatedAt, &k.RetiredAt); err != nil {
			return nil, fmt.Errorf("scan signing key: %w", err)
		}
		keys = append(keys, k)
	}
	return keys, rows.Err()
}

func (r *PostgresKeyRepo) Create(ctx context.Context, k domain.SigningKey) (domain.SigningKey, error) {
	const q = `INSERT INTO signing_keys (id, kid, algorithm, private_key, public_key, active, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7)`
	_, err := r.pool.Exec(ctx, q, k.ID, k.KID, k.Algorithm, k.PrivateKey, k.PublicKey, k.Active, k.CreatedAt)
	if err != nil {
		return domain.SigningKey{}, fmt.Errorf("create signing key: %w", err)
	}
	return k, nil
}

func wrapNotFound(op string, err error) error {
	if errors.Is(err, pgx.ErrNoRows) {
		return fmt.Errorf("%s: %w", op, domain.ErrNotFound)
	}
	return fmt.Errorf("%s: %w", op, err)
}

func isUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		return pgErr.Code == "23505"
	}
	return false
}
