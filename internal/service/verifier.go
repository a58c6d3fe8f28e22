package service

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	"go.uber.org/zap"

	"github.com/moneygrid/identity/internal/authz"
	"github.com/moneygrid/identity/internal/domain"
	"github.com/moneygrid/identity/internal/events"
	"github.com/moneygrid/identity/internal/jwt"
	"github.com/moneygrid/identity/internal/repository"
	"github.com/moneygrid/identity/internal/token"
)

// AuthContext is the narrow result of a successful verification. Downstream
// code receives this, never the principal or session record.
type AuthContext struct {
	UserID              int64
	ClientID            string
	PrincipalType       jwt.PrincipalType
	SessionID           *int64
	TokenID             *int64
	WorkspaceID         *int64
	AllowedWorkspaceIDs []int64
	Role                domain.Role
	Scopes              []string
	MFALevel            domain.MFALevel
	AuthTime            time.Time
	RequestID           string
}

// HasScope reports whether the grant includes the named scope.
func (a *AuthContext) HasScope(scope string) bool {
	return authz.HasScope(a.Scopes, scope)
}

// Hints carries the request-scoped inputs to verification.
type Hints struct {
	PathWorkspaceID   *int64
	HeaderWorkspaceID *int64
	Method            string
	URL               string
	RequestID         string
}

// ContextHook receives every successful AuthContext and may derive a new
// request context from it, e.g. to seed row-level security variables.
type ContextHook func(ctx context.Context, ac *AuthContext) context.Context

// Verifier is the single entry point for bearer credentials. It decides the
// credential kind explicitly: opaque PAT by prefix first, then compact JWT.
type Verifier struct {
	pats     repository.PATRepository
	users    repository.UserRepository
	sessions repository.SessionRepository
	engine   *authz.Engine
	jwt      *jwt.Generator
	codec    *token.Codec
	emitter  events.Emitter
	hook     ContextHook
	logger   *zap.Logger
}

// NewVerifier wires the verifier. hook may be nil.
func NewVerifier(
	pats repository.PATRepository,
	users repository.UserRepository,
	sessions repository.SessionRepository,
	engine *authz.Engine,
	generator *jwt.Generator,
	codec *token.Codec,
	emitter events.Emitter,
	hook ContextHook,
	logger *zap.Logger,
) *Verifier {
	if logger == nil {
		logger = zap.L()
	}
	if emitter == nil {
		emitter = events.NopEmitter{}
	}
	return &Verifier{
		pats:     pats,
		users:    users,
		sessions: sessions,
		engine:   engine,
		jwt:      generator,
		codec:    codec,
		emitter:  emitter,
		hook:     hook,
		logger:   logger,
	}
}

// VerifyRequest authenticates the bearer value and resolves authorization.
// On success the returned context has passed through the propagation hook.
func (v *Verifier) VerifyRequest(ctx context.Context, bearer string, hints Hints) (context.Context, *AuthContext, error) {
	if bearer == "" {
		return ctx, nil, domain.ErrMalformedCredential
	}

	var (
		ac  *AuthContext
		err error
	)
	if opaque, ok := token.Decode(bearer, token.PrefixPAT); ok {
		ac, err = v.verifyPAT(ctx, opaque, hints)
	} else {
		ac, err = v.verifyJWT(ctx, bearer, hints)
	}
	if err != nil {
		return ctx, nil, err
	}

	ac.RequestID = hints.RequestID
	if v.hook != nil {
		ctx = v.hook(ctx, ac)
	}
	return ctx, ac, nil
}

func (v *Verifier) verifyPAT(ctx context.Context, opaque token.Opaque, hints Hints) (*AuthContext, error) {
	tokenID, err := token.ParseID(opaque.ID)
	if err != nil {
		return nil, domain.ErrMalformedCredential
	}
	pat, err := v.pats.GetByID(ctx, tokenID)
	if err != nil {
		if errors.Is(err, domain.ErrNotFound) {
			return nil, domain.ErrUnauthorized
		}
		return nil, fmt.Errorf("load pat: %w", err)
	}
	now := time.Now().UTC()
	if !v.codec.Verify(opaque.Secret, pat.Secret) || !pat.Usable(now) {
		v.emitter.Emit(ctx, events.Event{
			Type: events.TypeTokenVerifyFailed, UserID: pat.UserID, TokenID: pat.ID,
			Reason: "pat rejected",
		})
		return nil, domain.ErrUnauthorized
	}
	owner, err := v.users.GetByID(ctx, pat.UserID)
	if err != nil || !owner.CanAuthenticate() {
		return nil, domain.ErrUnauthorized
	}

	grant, err := v.patGrant(ctx, pat, hints)
	if err != nil {
		return nil, err
	}

	if err := v.pats.TouchLastUsed(ctx, pat.ID, now); err != nil {
		v.logger.Warn("pat last-used update failed", zap.Int64("token_id", pat.ID), zap.Error(err))
	}

	return &AuthContext{
		UserID:              pat.UserID,
		PrincipalType:       jwt.PrincipalUser,
		TokenID:             &pat.ID,
		WorkspaceID:         grant.WorkspaceID,
		AllowedWorkspaceIDs: grant.AllowedWorkspaceIDs,
		Role:                grant.Role,
		Scopes:              authz.Intersect(grant.Scopes, pat.Scopes),
		MFALevel:            domain.MFALevelNone,
	}, nil
}

// patGrant resolves the role-derived scope set for a PAT. A bound PAT is
// pinned to its workspace; selectors that disagree with the binding are
// denied. An unbound PAT gets the global floor only, even when the owner has
// exactly one membership.
func (v *Verifier) patGrant(ctx context.Context, pat domain.PersonalAccessToken, hints Hints) (*authz.Grant, error) {
	if pat.WorkspaceID != nil {
		for _, sel := range []*int64{hints.PathWorkspaceID, hints.HeaderWorkspaceID} {
			if sel != nil && *sel != *pat.WorkspaceID {
				return nil, fmt.Errorf("pat bound to workspace %d: %w", *pat.WorkspaceID, domain.ErrForbidden)
			}
		}
		return v.engine.ResolvePinned(ctx, pat.UserID, *pat.WorkspaceID)
	}
	if hints.PathWorkspaceID != nil || hints.HeaderWorkspaceID != nil {
		return nil, fmt.Errorf("unbound pat grants no workspace access: %w", domain.ErrForbidden)
	}
	return v.engine.GlobalGrant(), nil
}

func (v *Verifier) verifyJWT(ctx context.Context, bearer string, hints Hints) (*AuthContext, error) {
	claims, err := v.jwt.Verify(bearer)
	if err != nil {
		return nil, err
	}
	if claims.PrincipalType == jwt.PrincipalService {
		return v.serviceContext(claims), nil
	}
	return v.userContext(ctx, claims, hints)
}

// serviceContext trusts the signed claims directly: a service token has no
// session to re-check, and its scopes were narrowed against the client
// registration when it was minted.
func (v *Verifier) serviceContext(claims *jwt.VerifiedToken) *AuthContext {
	ac := &AuthContext{
		ClientID:      claims.ClientID,
		PrincipalType: jwt.PrincipalService,
		WorkspaceID:   claims.WorkspaceID,
		Scopes:        claims.Scopes,
		MFALevel:      domain.MFALevelNone,
		AuthTime:      claims.AuthTime,
	}
	if claims.WorkspaceID != nil {
		ac.AllowedWorkspaceIDs = []int64{*claims.WorkspaceID}
	}
	return ac
}

// userContext re-validates the session record before trusting anything else
// in the token: the claims are a hint, the store is the source of truth.
func (v *Verifier) userContext(ctx context.Context, claims *jwt.VerifiedToken, hints Hints) (*AuthContext, error) {
	userID, err := strconv.ParseInt(claims.Subject, 10, 64)
	if err != nil {
		return nil, domain.ErrUnauthorized
	}
	if claims.SessionID == nil {
		return nil, domain.ErrUnauthorized
	}
	sess, err := v.sessions.GetByID(ctx, *claims.SessionID)
	if err != nil {
		if errors.Is(err, domain.ErrNotFound) {
			return nil, domain.ErrUnauthorized
		}
		return nil, fmt.Errorf("load session: %w", err)
	}
	now := time.Now().UTC()
	if sess.UserID != userID || !sess.Live(now) {
		v.emitter.Emit(ctx, events.Event{
			Type: events.TypeTokenVerifyFailed, UserID: userID, SessionID: sess.ID,
			Reason: "session not live",
		})
		return nil, domain.ErrUnauthorized
	}
	user, err := v.users.GetByID(ctx, userID)
	if err != nil || !user.CanAuthenticate() {
		return nil, domain.ErrUnauthorized
	}

	grant, err := v.engine.Resolve(ctx, userID, authz.Selection{
		PathWorkspaceID:   hints.PathWorkspaceID,
		HeaderWorkspaceID: hints.HeaderWorkspaceID,
		TokenHint:         claims.WorkspaceID,
	})
	if err != nil {
		return nil, err
	}

	scopes := grant.Scopes
	if claims.Scopes != nil {
		scopes = authz.Intersect(grant.Scopes, claims.Scopes)
	}
	return &AuthContext{
		UserID:              userID,
		ClientID:            claims.ClientID,
		PrincipalType:       jwt.PrincipalUser,
		SessionID:           &sess.ID,
		WorkspaceID:         grant.WorkspaceID,
		AllowedWorkspaceIDs: grant.AllowedWorkspaceIDs,
		Role:                grant.Role,
		Scopes:              scopes,
		MFALevel:            sess.MFALevel,
		AuthTime:            sess.CreatedAt,
	}, nil
}
