package service

import (
	"context"
	"crypto/sha256"
	"encoding/base64"
	"net/http"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/moneygrid/identity/internal/domain"
	"github.com/moneygrid/identity/internal/jwt"
)

func s256Challenge(verifier string) string {
	sum := sha256.Sum256([]byte(verifier))
	return base64.RawURLEncoding.EncodeToString(sum[:])
}

func requireOAuthError(t *testing.T, err error, code string) {
	t.Helper()
	var oauthErr *OAuthError
	require.ErrorAs(t, err, &oauthErr)
	require.Equal(t, code, oauthErr.Code)
}

func publicClient() domain.OAuthClient {
	return domain.OAuthClient{
		ClientID:          "web-app",
		Name:              "MoneyGrid Web",
		Kind:              domain.ClientKindPublic,
		RedirectURIs:      []string{"https://app.moneygrid.dev/callback"},
		TokenEndpointAuth: domain.TokenEndpointAuthNone,
	}
}

func confidentialClient(h *harness) domain.OAuthClient {
	return domain.OAuthClient{
		ClientID:            "reporting-service",
		Name:                "Reporting",
		Kind:                domain.ClientKindConfidential,
		TokenEndpointAuth:   domain.TokenEndpointAuthSecretPost,
		SecretEnvelopes:     []domain.SecretEnvelope{h.codec.Hash("service-secret")},
		Scopes:              []string{"read:transactions", "read:reports"},
		AllowedWorkspaceIDs: []int64{7},
	}
}

func TestExchange_AuthorizationCodeWithPKCE(t *testing.T) {
	h := newHarness(t)
	h.addClient(publicClient())
	ctx := context.Background()

	verifier := "correct-horse-battery-staple-correct-horse"
	code, err := h.tokens.CreateAuthorizationCode(ctx, 1, "web-app",
		"https://app.moneygrid.dev/callback", s256Challenge(verifier), "S256",
		[]string{"read:transactions"})
	require.NoError(t, err)
	require.Contains(t, code, "mgc_")

	resp, err := h.tokens.Exchange(ctx, ExchangeRequest{
		GrantType:    GrantAuthorizationCode,
		ClientID:     "web-app",
		Code:         code,
		CodeVerifier: verifier,
		RedirectURI:  "https://app.moneygrid.dev/callback",
	})
	require.NoError(t, err)
	require.NotEmpty(t, resp.AccessToken)
	require.Contains(t, resp.RefreshToken, "mgr_")
	require.Equal(t, "Bearer", resp.TokenType)
	require.Equal(t, 15*60, resp.ExpiresIn)
	require.Equal(t, "read:transactions", resp.Scope)

	claims, err := h.jwt.Verify(resp.AccessToken)
	require.NoError(t, err)
	require.Equal(t, "1", claims.Subject)
	require.Equal(t, jwt.PrincipalUser, claims.PrincipalType)
	require.NotNil(t, claims.SessionID)
	require.Equal(t, []string{"read:transactions"}, claims.Scopes)

	// The code is single use.
	_, err = h.tokens.Exchange(ctx, ExchangeRequest{
		GrantType:    GrantAuthorizationCode,
		ClientID:     "web-app",
		Code:         code,
		CodeVerifier: verifier,
		RedirectURI:  "https://app.moneygrid.dev/callback",
	})
	requireOAuthError(t, err, "invalid_grant")
}

func TestExchange_PKCEFailures(t *testing.T) {
	h := newHarness(t)
	h.addClient(publicClient())
	ctx := context.Background()

	mint := func(t *testing.T) string {
		t.Helper()
		code, err := h.tokens.CreateAuthorizationCode(ctx, 1, "web-app",
			"https://app.moneygrid.dev/callback", s256Challenge("the-real-verifier-value-here"), "S256", nil)
		require.NoError(t, err)
		return code
	}
	exchange := func(code, verifier string) error {
		_, err := h.tokens.Exchange(ctx, ExchangeRequest{
			GrantType:    GrantAuthorizationCode,
			ClientID:     "web-app",
			Code:         code,
			CodeVerifier: verifier,
			RedirectURI:  "https://app.moneygrid.dev/callback",
		})
		return err
	}

	requireOAuthError(t, exchange(mint(t), ""), "invalid_grant")
	requireOAuthError(t, exchange(mint(t), "wrong-verifier"), "invalid_grant")
	require.NoError(t, exchange(mint(t), "the-real-verifier-value-here"))
}

func TestExchange_PlainChallengeAndNoChallenge(t *testing.T) {
	h := newHarness(t)
	h.addClient(publicClient())
	ctx := context.Background()

	plain, err := h.tokens.CreateAuthorizationCode(ctx, 1, "web-app",
		"https://app.moneygrid.dev/callback", "plain-challenge-value", "plain", nil)
	require.NoError(t, err)
	_, err = h.tokens.Exchange(ctx, ExchangeRequest{
		GrantType:    GrantAuthorizationCode,
		ClientID:     "web-app",
		Code:         plain,
		CodeVerifier: "plain-challenge-value",
		RedirectURI:  "https://app.moneygrid.dev/callback",
	})
	require.NoError(t, err)

	// No challenge recorded: the verifier is not demanded.
	bare, err := h.tokens.CreateAuthorizationCode(ctx, 1, "web-app",
		"https://app.moneygrid.dev/callback", "", "", nil)
	require.NoError(t, err)
	_, err = h.tokens.Exchange(ctx, ExchangeRequest{
		GrantType:   GrantAuthorizationCode,
		ClientID:    "web-app",
		Code:        bare,
		RedirectURI: "https://app.moneygrid.dev/callback",
	})
	require.NoError(t, err)
}

func TestExchange_RedirectAndClientBinding(t *testing.T) {
	h := newHarness(t)
	h.addClient(publicClient())
	other := publicClient()
	other.ClientID = "other-app"
	other.RedirectURIs = []string{"https://other.moneygrid.dev/callback"}
	h.addClient(other)
	ctx := context.Background()

	code, err := h.tokens.CreateAuthorizationCode(ctx, 1, "web-app",
		"https://app.moneygrid.dev/callback", "", "", nil)
	require.NoError(t, err)

	// Unregistered redirect URI.
	_, err = h.tokens.Exchange(ctx, ExchangeRequest{
		GrantType:   GrantAuthorizationCode,
		ClientID:    "web-app",
		Code:        code,
		RedirectURI: "https://evil.example.com/callback",
	})
	requireOAuthError(t, err, "invalid_grant")

	// A code issued to one client cannot be redeemed by another.
	code2, err := h.tokens.CreateAuthorizationCode(ctx, 1, "web-app",
		"https://app.moneygrid.dev/callback", "", "", nil)
	require.NoError(t, err)
	_, err = h.tokens.Exchange(ctx, ExchangeRequest{
		GrantType:   GrantAuthorizationCode,
		ClientID:    "other-app",
		Code:        code2,
		RedirectURI: "https://other.moneygrid.dev/callback",
	})
	requireOAuthError(t, err, "invalid_grant")
}

func TestExchange_DisabledUserCannotRedeem(t *testing.T) {
	h := newHarness(t)
	h.addClient(publicClient())
	ctx := context.Background()

	code, err := h.tokens.CreateAuthorizationCode(ctx, 1, "web-app",
		"https://app.moneygrid.dev/callback", "", "", nil)
	require.NoError(t, err)

	h.users.set(domain.User{ID: 1, Email: "ana@example.com", Status: domain.UserStatusDisabled})
	_, err = h.tokens.Exchange(ctx, ExchangeRequest{
		GrantType:   GrantAuthorizationCode,
		ClientID:    "web-app",
		Code:        code,
		RedirectURI: "https://app.moneygrid.dev/callback",
	})
	requireOAuthError(t, err, "invalid_grant")
}

func TestExchange_RefreshTokenGrant(t *testing.T) {
	h := newHarness(t)
	h.addClient(publicClient())
	ctx := context.Background()

	code, err := h.tokens.CreateAuthorizationCode(ctx, 1, "web-app",
		"https://app.moneygrid.dev/callback", "", "", nil)
	require.NoError(t, err)
	initial, err := h.tokens.Exchange(ctx, ExchangeRequest{
		GrantType:   GrantAuthorizationCode,
		ClientID:    "web-app",
		Code:        code,
		RedirectURI: "https://app.moneygrid.dev/callback",
	})
	require.NoError(t, err)

	refreshed, err := h.tokens.Exchange(ctx, ExchangeRequest{
		GrantType:    GrantRefreshToken,
		RefreshToken: initial.RefreshToken,
	})
	require.NoError(t, err)
	require.NotEmpty(t, refreshed.AccessToken)
	require.NotEqual(t, initial.RefreshToken, refreshed.RefreshToken)

	claims, err := h.jwt.Verify(refreshed.AccessToken)
	require.NoError(t, err)
	require.Equal(t, "1", claims.Subject)
	require.NotNil(t, claims.SessionID)

	// Replay of the consumed refresh token is a reuse event, surfaced as the
	// same generic failure.
	_, err = h.tokens.Exchange(ctx, ExchangeRequest{
		GrantType:    GrantRefreshToken,
		RefreshToken: initial.RefreshToken,
	})
	requireOAuthError(t, err, "invalid_grant")

	// The cascade burned the descendant too.
	_, err = h.tokens.Exchange(ctx, ExchangeRequest{
		GrantType:    GrantRefreshToken,
		RefreshToken: refreshed.RefreshToken,
	})
	requireOAuthError(t, err, "invalid_grant")
}

func TestExchange_ClientCredentials(t *testing.T) {
	h := newHarness(t)
	h.addClient(confidentialClient(h))
	ctx := context.Background()

	resp, err := h.tokens.Exchange(ctx, ExchangeRequest{
		GrantType:    GrantClientCredentials,
		ClientID:     "reporting-service",
		ClientSecret: "service-secret",
	})
	require.NoError(t, err)
	require.Empty(t, resp.RefreshToken, "service tokens have no session to refresh")

	claims, err := h.jwt.Verify(resp.AccessToken)
	require.NoError(t, err)
	require.Equal(t, "reporting-service", claims.Subject)
	require.Equal(t, jwt.PrincipalService, claims.PrincipalType)
	require.Nil(t, claims.SessionID)
	require.NotNil(t, claims.WorkspaceID)
	require.Equal(t, int64(7), *claims.WorkspaceID)
	require.ElementsMatch(t, []string{"read:transactions", "read:reports"}, claims.Scopes)
}

func TestExchange_ClientCredentialsScopeNarrowing(t *testing.T) {
	h := newHarness(t)
	h.addClient(confidentialClient(h))
	ctx := context.Background()

	resp, err := h.tokens.Exchange(ctx, ExchangeRequest{
		GrantType:    GrantClientCredentials,
		ClientID:     "reporting-service",
		ClientSecret: "service-secret",
		Scopes:       []string{"read:reports", "manage:workspace"},
	})
	require.NoError(t, err)

	claims, err := h.jwt.Verify(resp.AccessToken)
	require.NoError(t, err)
	require.Equal(t, []string{"read:reports"}, claims.Scopes)

	// Scopes entirely outside the registration are refused, not silently
	// emptied.
	_, err = h.tokens.Exchange(ctx, ExchangeRequest{
		GrantType:    GrantClientCredentials,
		ClientID:     "reporting-service",
		ClientSecret: "service-secret",
		Scopes:       []string{"manage:workspace"},
	})
	requireOAuthError(t, err, "invalid_scope")
}

func TestExchange_ClientCredentialsWorkspaceResolution(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	multi := confidentialClient(h)
	multi.ClientID = "multi-workspace"
	multi.AllowedWorkspaceIDs = []int64{7, 8}
	h.addClient(multi)

	// Ambiguous without an explicit choice.
	_, err := h.tokens.Exchange(ctx, ExchangeRequest{
		GrantType:    GrantClientCredentials,
		ClientID:     "multi-workspace",
		ClientSecret: "service-secret",
	})
	requireOAuthError(t, err, "invalid_request")

	// Explicit choice inside the allow-list.
	resp, err := h.tokens.Exchange(ctx, ExchangeRequest{
		GrantType:    GrantClientCredentials,
		ClientID:     "multi-workspace",
		ClientSecret: "service-secret",
		WorkspaceID:  ptr(8),
	})
	require.NoError(t, err)
	claims, err := h.jwt.Verify(resp.AccessToken)
	require.NoError(t, err)
	require.Equal(t, int64(8), *claims.WorkspaceID)

	// Outside the allow-list.
	_, err = h.tokens.Exchange(ctx, ExchangeRequest{
		GrantType:    GrantClientCredentials,
		ClientID:     "multi-workspace",
		ClientSecret: "service-secret",
		WorkspaceID:  ptr(99),
	})
	requireOAuthError(t, err, "invalid_grant")
}

func TestExchange_ClientAuthentication(t *testing.T) {
	h := newHarness(t)
	h.addClient(confidentialClient(h))
	h.addClient(publicClient())
	ctx := context.Background()

	_, err := h.tokens.Exchange(ctx, ExchangeRequest{
		GrantType:    GrantClientCredentials,
		ClientID:     "reporting-service",
		ClientSecret: "wrong-secret",
	})
	requireOAuthError(t, err, "invalid_client")

	var oauthErr *OAuthError
	require.ErrorAs(t, err, &oauthErr)
	require.Equal(t, http.StatusUnauthorized, oauthErr.Status)

	_, err = h.tokens.Exchange(ctx, ExchangeRequest{
		GrantType: GrantClientCredentials,
		ClientID:  "reporting-service",
	})
	requireOAuthError(t, err, "invalid_client")

	// Public clients cannot use client_credentials at all.
	_, err = h.tokens.Exchange(ctx, ExchangeRequest{
		GrantType: GrantClientCredentials,
		ClientID:  "web-app",
	})
	requireOAuthError(t, err, "invalid_client")
}

func TestExchange_UnsupportedGrant(t *testing.T) {
	h := newHarness(t)

	_, err := h.tokens.Exchange(context.Background(), ExchangeRequest{GrantType: GrantType("password")})
	requireOAuthError(t, err, "unsupported_grant_type")

	_, ok := ParseGrantType("password")
	require.False(t, ok)
	parsed, ok := ParseGrantType(" Refresh_Token ")
	require.True(t, ok)
	require.Equal(t, GrantRefreshToken, parsed)
}

func TestCreateAuthorizationCode_Validation(t *testing.T) {
	h := newHarness(t)
	h.addClient(publicClient())
	ctx := context.Background()

	_, err := h.tokens.CreateAuthorizationCode(ctx, 1, "unknown-client",
		"https://app.moneygrid.dev/callback", "", "", nil)
	requireOAuthError(t, err, "invalid_request")

	_, err = h.tokens.CreateAuthorizationCode(ctx, 1, "web-app",
		"https://evil.example.com/callback", "", "", nil)
	requireOAuthError(t, err, "invalid_request")

	_, err = h.tokens.CreateAuthorizationCode(ctx, 1, "web-app",
		"https://app.moneygrid.dev/callback", "challenge", "S999", nil)
	requireOAuthError(t, err, "invalid_request")
}
