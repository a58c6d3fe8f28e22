package domain

import "time"

// ClientKind distinguishes public clients (no secret) from confidential ones.
type ClientKind string

const (
	ClientKindPublic       ClientKind = "public"
	ClientKindConfidential ClientKind = "confidential"
)

// TokenEndpointAuth names how a client authenticates at the token endpoint.
type TokenEndpointAuth string

const (
	TokenEndpointAuthNone       TokenEndpointAuth = "none"
	TokenEndpointAuthSecretPost TokenEndpointAuth = "client_secret_post"
)

// OAuthClient is a registered caller of the token endpoint. Confidential
// clients carry one or more secret envelopes so secrets can rotate without a
// gap. AllowedWorkspaceIDs scopes client_credentials issuance.
type OAuthClient struct {
	ClientID            string
	Name                string
	Kind                ClientKind
	RedirectURIs        []string
	TokenEndpointAuth   TokenEndpointAuth
	SecretEnvelopes     []SecretEnvelope
	Scopes              []string
	AllowedWorkspaceIDs []int64
	CreatedAt           time.Time
}

// RequiresSecret reports whether token-endpoint calls must authenticate.
func (c OAuthClient) RequiresSecret() bool {
	return c.TokenEndpointAuth != TokenEndpointAuthNone
}

// AllowsRedirect checks the redirect URI against the registered allow-list.
func (c OAuthClient) AllowsRedirect(uri string) bool {
	for _, allowed := range c.RedirectURIs {
		if allowed == uri {
			return true
		}
	}
	return false
}
