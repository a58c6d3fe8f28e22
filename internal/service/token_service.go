package service

import (
	"context"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/base64"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/bwmarrin/snowflake"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/moneygrid/identity/internal/authz"
	"github.com/moneygrid/identity/internal/domain"
	"github.com/moneygrid/identity/internal/events"
	"github.com/moneygrid/identity/internal/jwt"
	"github.com/moneygrid/identity/internal/repository"
	"github.com/moneygrid/identity/internal/session"
	"github.com/moneygrid/identity/internal/token"
)

// GrantType is the closed set of grants the token endpoint dispatches on.
type GrantType string

const (
	GrantAuthorizationCode GrantType = "authorization_code"
	GrantRefreshToken      GrantType = "refresh_token"
	GrantClientCredentials GrantType = "client_credentials"
)

// ParseGrantType maps the wire value onto the closed set.
func ParseGrantType(s string) (GrantType, bool) {
	switch GrantType(strings.ToLower(strings.TrimSpace(s))) {
	case GrantAuthorizationCode:
		return GrantAuthorizationCode, true
	case GrantRefreshToken:
		return GrantRefreshToken, true
	case GrantClientCredentials:
		return GrantClientCredentials, true
	default:
		return "", false
	}
}

const authorizationCodeTTL = 10 * time.Minute

// ExchangeRequest is one parsed call to the token endpoint.
type ExchangeRequest struct {
	GrantType    GrantType
	ClientID     string
	ClientSecret string
	Code         string
	CodeVerifier string
	RedirectURI  string
	RefreshToken string
	Scopes       []string
	WorkspaceID  *int64
}

// TokenResponse is the OAuth token endpoint success body.
type TokenResponse struct {
	AccessToken  string `json:"access_token"`
	RefreshToken string `json:"refresh_token,omitempty"`
	TokenType    string `json:"token_type"`
	ExpiresIn    int    `json:"expires_in"`
	Scope        string `json:"scope,omitempty"`
}

// TokenService implements the OAuth2 exchange endpoint.
type TokenService struct {
	clients  repository.ClientRepository
	codes    repository.CodeRepository
	users    repository.UserRepository
	sessions repository.SessionRepository
	manager  *session.Manager
	jwt      *jwt.Generator
	codec    *token.Codec
	node     *snowflake.Node
	emitter  events.Emitter
	cfg      session.Config
	logger   *zap.Logger
	tracer   trace.Tracer
}

// NewTokenService wires dependencies.
func NewTokenService(
	clients repository.ClientRepository,
	codes repository.CodeRepository,
	users repository.UserRepository,
	sessions repository.SessionRepository,
	manager *session.Manager,
	generator *jwt.Generator,
	codec *token.Codec,
	node *snowflake.Node,
	emitter events.Emitter,
	cfg session.Config,
	logger *zap.Logger,
) *TokenService {
	if logger == nil {
		logger = zap.L()
	}
	if emitter == nil {
		emitter = events.NopEmitter{}
	}
	return &TokenService{
		clients:  clients,
		codes:    codes,
		users:    users,
		sessions: sessions,
		manager:  manager,
		jwt:      generator,
		codec:    codec,
		node:     node,
		emitter:  emitter,
		cfg:      cfg,
		logger:   logger,
		tracer:   otel.Tracer("github.com/moneygrid/identity/internal/service"),
	}
}

// Exchange dispatches on the grant type. The set is closed; every member is
// matched here and anything else was rejected at parse time.
func (s *TokenService) Exchange(ctx context.Context, req ExchangeRequest) (*TokenResponse, error) {
	ctx, span := s.tracer.Start(ctx, "TokenService.Exchange")
	defer span.End()

	switch req.GrantType {
	case GrantAuthorizationCode:
		return s.authorizationCodeGrant(ctx, req)
	case GrantRefreshToken:
		return s.refreshTokenGrant(ctx, req)
	case GrantClientCredentials:
		return s.clientCredentialsGrant(ctx, req)
	default:
		return nil, unsupportedGrantType()
	}
}

func (s *TokenService) authorizationCodeGrant(ctx context.Context, req ExchangeRequest) (*TokenResponse, error) {
	client, err := s.authenticateClient(ctx, req.ClientID, req.ClientSecret)
	if err != nil {
		return nil, err
	}
	if req.RedirectURI == "" || !client.AllowsRedirect(req.RedirectURI) {
		return nil, invalidGrant()
	}

	opaque, ok := token.Decode(req.Code, token.PrefixCode)
	if !ok {
		return nil, invalidGrant()
	}
	codeID, err := token.ParseID(opaque.ID)
	if err != nil {
		return nil, invalidGrant()
	}

	// Consume is single-use at the storage layer; a second redemption sees
	// not-found no matter how close the race.
	code, err := s.codes.Consume(ctx, codeID)
	if err != nil {
		if errors.Is(err, domain.ErrNotFound) {
			return nil, invalidGrant()
		}
		return nil, fmt.Errorf("consume code: %w", err)
	}

	now := time.Now().UTC()
	switch {
	case !s.codec.Verify(opaque.Secret, code.Secret),
		!now.Before(code.ExpiresAt),
		code.ClientID != client.ClientID,
		code.RedirectURI != req.RedirectURI:
		s.emitter.Emit(ctx, events.Event{
			Type: events.TypeTokenVerifyFailed, UserID: code.UserID,
			ClientID: client.ClientID, Reason: "authorization code rejected",
		})
		return nil, invalidGrant()
	}
	if err := verifyPKCE(code, req.CodeVerifier); err != nil {
		s.emitter.Emit(ctx, events.Event{
			Type: events.TypeTokenVerifyFailed, UserID: code.UserID,
			ClientID: client.ClientID, Reason: "pkce verification failed",
		})
		return nil, invalidGrant()
	}

	user, err := s.users.GetByID(ctx, code.UserID)
	if err != nil || !user.CanAuthenticate() {
		return nil, invalidGrant()
	}

	sess, err := s.manager.CreateSession(ctx, user.ID, clientTypeFor(client), domain.MFALevelNone)
	if err != nil {
		return nil, fmt.Errorf("create session: %w", err)
	}
	refresh, err := s.manager.Issue(ctx, user.ID, sess.ID, now.Add(s.cfg.RefreshTokenTTL), "")
	if err != nil {
		return nil, fmt.Errorf("issue refresh token: %w", err)
	}

	access, err := s.jwt.Sign(jwt.TokenInput{
		Subject:       strconv.FormatInt(user.ID, 10),
		SessionID:     &sess.ID,
		PrincipalType: jwt.PrincipalUser,
		ClientID:      client.ClientID,
		ClientType:    string(clientTypeFor(client)),
		Scopes:        code.Scopes,
		MFALevel:      string(sess.MFALevel),
		AuthTime:      now,
	})
	if err != nil {
		return nil, fmt.Errorf("sign access token: %w", err)
	}

	s.emitter.Emit(ctx, events.Event{
		Type: events.TypeCodeRedeemed, UserID: user.ID, SessionID: sess.ID,
		ClientID: client.ClientID,
	})
	return s.respond(access, refresh.Raw, code.Scopes), nil
}

func (s *TokenService) refreshTokenGrant(ctx context.Context, req ExchangeRequest) (*TokenResponse, error) {
	// Clients that registered an auth method still authenticate on refresh;
	// first-party surfaces present no client id at all.
	if req.ClientID != "" {
		if _, err := s.authenticateClient(ctx, req.ClientID, req.ClientSecret); err != nil {
			return nil, err
		}
	}
	if req.RefreshToken == "" {
		return nil, invalidGrant()
	}

	rotated, err := s.manager.Rotate(ctx, req.RefreshToken)
	if err != nil {
		if errors.Is(err, domain.ErrMalformedCredential) || errors.Is(err, domain.ErrUnauthorized) {
			return nil, invalidGrant()
		}
		return nil, fmt.Errorf("rotate refresh token: %w", err)
	}

	sess, err := s.sessions.GetByID(ctx, rotated.Record.SessionID)
	if err != nil {
		return nil, fmt.Errorf("load session: %w", err)
	}

	access, err := s.jwt.Sign(jwt.TokenInput{
		Subject:       strconv.FormatInt(rotated.Record.UserID, 10),
		SessionID:     &sess.ID,
		PrincipalType: jwt.PrincipalUser,
		ClientID:      req.ClientID,
		ClientType:    string(sess.ClientType),
		MFALevel:      string(sess.MFALevel),
		AuthTime:      sess.CreatedAt,
	})
	if err != nil {
		return nil, fmt.Errorf("sign access token: %w", err)
	}
	return s.respond(access, rotated.Raw, nil), nil
}

func (s *TokenService) clientCredentialsGrant(ctx context.Context, req ExchangeRequest) (*TokenResponse, error) {
	client, err := s.authenticateClient(ctx, req.ClientID, req.ClientSecret)
	if err != nil {
		return nil, err
	}
	if client.Kind != domain.ClientKindConfidential {
		return nil, invalidClient()
	}

	workspaceID, err := resolveClientWorkspace(client, req.WorkspaceID)
	if err != nil {
		return nil, err
	}

	scopes := client.Scopes
	if len(req.Scopes) > 0 {
		scopes = authz.Intersect(client.Scopes, req.Scopes)
		if len(scopes) == 0 {
			return nil, invalidScope()
		}
	}

	access, err := s.jwt.Sign(jwt.TokenInput{
		Subject:       client.ClientID,
		PrincipalType: jwt.PrincipalService,
		WorkspaceID:   workspaceID,
		ClientID:      client.ClientID,
		ClientType:    string(domain.ClientTypePartner),
		Scopes:        scopes,
	})
	if err != nil {
		return nil, fmt.Errorf("sign service token: %w", err)
	}
	return s.respond(access, "", scopes), nil
}

// CreateAuthorizationCode issues a single-use code for a previously
// authenticated user. The raw code is returned once; storage keeps only the
// envelope. An empty challenge skips PKCE at redemption, which is how
// external-identity handoffs arrive.
func (s *TokenService) CreateAuthorizationCode(ctx context.Context, userID int64, clientID, redirectURI, codeChallenge, codeChallengeMethod string, scopes []string) (string, error) {
	ctx, span := s.tracer.Start(ctx, "TokenService.CreateAuthorizationCode")
	defer span.End()

	client, err := s.clients.GetByClientID(ctx, clientID)
	if err != nil {
		return "", invalidRequest("Unknown client.")
	}
	if redirectURI == "" || !client.AllowsRedirect(redirectURI) {
		return "", invalidRequest("redirect_uri is not registered for this client.")
	}
	if codeChallenge != "" {
		switch codeChallengeMethod {
		case "S256", "plain":
		default:
			return "", invalidRequest("Unsupported code_challenge_method.")
		}
	}

	opaque, err := s.codec.Generate(token.PrefixCode)
	if err != nil {
		return "", fmt.Errorf("generate code: %w", err)
	}
	record := domain.AuthorizationCode{
		ID:                  s.node.Generate().Int64(),
		UserID:              userID,
		ClientID:            client.ClientID,
		RedirectURI:         redirectURI,
		CodeChallenge:       codeChallenge,
		CodeChallengeMethod: codeChallengeMethod,
		Scopes:              scopes,
		Secret:              s.codec.Hash(opaque.Secret),
		ExpiresAt:           time.Now().UTC().Add(authorizationCodeTTL),
		CreatedAt:           time.Now().UTC(),
	}
	if err := s.codes.Create(ctx, record); err != nil {
		return "", fmt.Errorf("persist code: %w", err)
	}

	opaque.ID = token.FormatID(record.ID)
	s.emitter.Emit(ctx, events.Event{
		Type: events.TypeCodeIssued, UserID: userID, ClientID: client.ClientID,
	})
	return opaque.String(), nil
}

// authenticateClient loads the client and, when its registered auth method
// demands a secret, verifies one against the stored envelopes. Every failure
// mode returns the same invalid_client error.
func (s *TokenService) authenticateClient(ctx context.Context, clientID, clientSecret string) (domain.OAuthClient, error) {
	if clientID == "" {
		return domain.OAuthClient{}, invalidClient()
	}
	client, err := s.clients.GetByClientID(ctx, clientID)
	if err != nil {
		return domain.OAuthClient{}, invalidClient()
	}
	if !client.RequiresSecret() {
		return client, nil
	}
	if clientSecret == "" {
		return domain.OAuthClient{}, invalidClient()
	}
	for _, envelope := range client.SecretEnvelopes {
		if s.codec.Verify(clientSecret, envelope) {
			return client, nil
		}
	}
	s.emitter.Emit(ctx, events.Event{
		Type: events.TypeTokenVerifyFailed, ClientID: clientID, Reason: "client secret rejected",
	})
	return domain.OAuthClient{}, invalidClient()
}

func (s *TokenService) respond(access, refresh string, scopes []string) *TokenResponse {
	return &TokenResponse{
		AccessToken:  access,
		RefreshToken: refresh,
		TokenType:    "Bearer",
		ExpiresIn:    int(s.jwt.AccessTTL().Seconds()),
		Scope:        strings.Join(scopes, " "),
	}
}

// verifyPKCE checks the verifier against the challenge recorded at issuance.
// Codes issued without a challenge skip the check entirely.
func verifyPKCE(code domain.AuthorizationCode, verifier string) error {
	if code.CodeChallenge == "" {
		return nil
	}
	if verifier == "" {
		return fmt.Errorf("code_verifier required")
	}
	var derived string
	switch code.CodeChallengeMethod {
	case "S256":
		sum := sha256.Sum256([]byte(verifier))
		derived = base64.RawURLEncoding.EncodeToString(sum[:])
	case "plain", "":
		derived = verifier
	default:
		return fmt.Errorf("unsupported challenge method %q", code.CodeChallengeMethod)
	}
	if subtle.ConstantTimeCompare([]byte(derived), []byte(code.CodeChallenge)) != 1 {
		return fmt.Errorf("verifier mismatch")
	}
	return nil
}

// resolveClientWorkspace picks the workspace a service token is minted for.
// Ambiguity is an error; the caller must choose.
func resolveClientWorkspace(client domain.OAuthClient, requested *int64) (*int64, error) {
	if requested != nil {
		for _, id := range client.AllowedWorkspaceIDs {
			if id == *requested {
				return requested, nil
			}
		}
		return nil, invalidGrant()
	}
	switch len(client.AllowedWorkspaceIDs) {
	case 0:
		return nil, nil
	case 1:
		id := client.AllowedWorkspaceIDs[0]
		return &id, nil
	default:
		return nil, invalidRequest("workspace_id is required for this client.")
	}
}

func clientTypeFor(client domain.OAuthClient) domain.ClientType {
	if client.Kind == domain.ClientKindConfidential {
		return domain.ClientTypePartner
	}
	return domain.ClientTypeWeb
}
