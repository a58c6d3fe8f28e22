package jwt

import (
	"fmt"
	"strconv"
	"time"

	"github.com/go-jose/go-jose/v4"
	josejwt "github.com/go-jose/go-jose/v4/jwt"

	"github.com/moneygrid/identity/internal/domain"
)

// PrincipalType tags the subject of an access token.
type PrincipalType string

const (
	PrincipalUser    PrincipalType = "user"
	PrincipalService PrincipalType = "service"
)

const clockSkewLeeway = 30 * time.Second

// AccessTokenClaims is the custom payload carried next to the registered
// claim set. WorkspaceID is a hint only; the authorization engine decides the
// active workspace at verification time.
type AccessTokenClaims struct {
	SessionID     string        `json:"sid,omitempty"`
	PrincipalType PrincipalType `json:"prt"`
	WorkspaceID   string        `json:"wid,omitempty"`
	ClientID      string        `json:"cid,omitempty"`
	ClientType    string        `json:"ctp,omitempty"`
	Scopes        []string      `json:"scp,omitempty"`
	MFALevel      string        `json:"mfa,omitempty"`
	AuthTime      int64         `json:"auth_time,omitempty"`
}

// TokenInput names everything the issuer embeds in a new access token. The
// subject is a user id for user principals and a client id for service ones.
type TokenInput struct {
	Subject       string
	SessionID     *int64
	PrincipalType PrincipalType
	WorkspaceID   *int64
	ClientID      string
	ClientType    string
	Scopes        []string
	MFALevel      string
	AuthTime      time.Time
}

// VerifiedToken is the decoded, signature-checked result of Verify.
type VerifiedToken struct {
	Subject       string
	SessionID     *int64
	PrincipalType PrincipalType
	WorkspaceID   *int64
	ClientID      string
	ClientType    string
	Scopes        []string
	MFALevel      string
	AuthTime      time.Time
	ExpiresAt     time.Time
}

// Generator signs and verifies access tokens against the key store.
type Generator struct {
	keys      *KeyStore
	issuer    string
	audience  string
	accessTTL time.Duration
}

// NewGenerator constructs a token generator.
func NewGenerator(keys *KeyStore, issuer, audience string, accessTTL time.Duration) *Generator {
	return &Generator{keys: keys, issuer: issuer, audience: audience, accessTTL: accessTTL}
}

// AccessTTL exposes the configured token lifetime for expires_in responses.
func (g *Generator) AccessTTL() time.Duration {
	return g.accessTTL
}

// Sign issues a compact JWT under the active key, embedding its kid in the
// header so verifiers pick the right public key during rotation.
func (g *Generator) Sign(in TokenInput) (string, error) {
	kid, priv := g.keys.signer()
	signer, err := jose.NewSigner(
		jose.SigningKey{Algorithm: jose.EdDSA, Key: priv},
		(&jose.SignerOptions{}).WithType("JWT").WithHeader("kid", kid),
	)
	if err != nil {
		return "", fmt.Errorf("new signer: %w", err)
	}

	now := time.Now().UTC()
	std := josejwt.Claims{
		Subject:  in.Subject,
		Issuer:   g.issuer,
		Audience: josejwt.Audience{g.audience},
		IssuedAt: josejwt.NewNumericDate(now),
		Expiry:   josejwt.NewNumericDate(now.Add(g.accessTTL)),
	}
	custom := AccessTokenClaims{
		PrincipalType: in.PrincipalType,
		ClientID:      in.ClientID,
		ClientType:    in.ClientType,
		Scopes:        in.Scopes,
		MFALevel:      in.MFALevel,
	}
	if in.SessionID != nil {
		custom.SessionID = strconv.FormatInt(*in.SessionID, 10)
	}
	if in.WorkspaceID != nil {
		custom.WorkspaceID = strconv.FormatInt(*in.WorkspaceID, 10)
	}
	if !in.AuthTime.IsZero() {
		custom.AuthTime = in.AuthTime.Unix()
	}

	serialized, err := josejwt.Signed(signer).Claims(std).Claims(custom).Serialize()
	if err != nil {
		return "", fmt.Errorf("serialize jwt: %w", err)
	}
	return serialized, nil
}

// Verify checks signature, issuer, audience, and expiry with a small leeway.
// A kid outside the published set fails; there is no fallback identity.
func (g *Generator) Verify(token string) (*VerifiedToken, error) {
	parsed, err := josejwt.ParseSigned(token, []jose.SignatureAlgorithm{jose.EdDSA})
	if err != nil {
		return nil, fmt.Errorf("parse token: %w", domain.ErrMalformedCredential)
	}

	kid := ""
	for _, header := range parsed.Headers {
		if header.KeyID != "" {
			kid = header.KeyID
			break
		}
	}
	pub, ok := g.keys.verifier(kid)
	if !ok {
		return nil, fmt.Errorf("unknown signing key %q: %w", kid, domain.ErrUnauthorized)
	}

	var std josejwt.Claims
	var custom AccessTokenClaims
	if err := parsed.Claims(pub, &std, &custom); err != nil {
		return nil, fmt.Errorf("verify signature: %w", domain.ErrUnauthorized)
	}
	if err := std.ValidateWithLeeway(josejwt.Expected{
		Issuer:      g.issuer,
		AnyAudience: josejwt.Audience{g.audience},
		Time:        time.Now(),
	}, clockSkewLeeway); err != nil {
		return nil, fmt.Errorf("validate claims: %w", domain.ErrUnauthorized)
	}

	out := &VerifiedToken{
		Subject:       std.Subject,
		PrincipalType: custom.PrincipalType,
		ClientID:      custom.ClientID,
		ClientType:    custom.ClientType,
		Scopes:        custom.Scopes,
		MFALevel:      custom.MFALevel,
	}
	if custom.SessionID != "" {
		sid, err := strconv.ParseInt(custom.SessionID, 10, 64)
		if err != nil {
			return nil, fmt.Errorf("parse session id: %w", domain.ErrUnauthorized)
		}
		out.SessionID = &sid
	}
	if custom.WorkspaceID != "" {
		wid, err := strconv.ParseInt(custom.WorkspaceID, 10, 64)
		if err != nil {
			return nil, fmt.Errorf("parse workspace id: %w", domain.ErrUnauthorized)
		}
		out.WorkspaceID = &wid
	}
	if custom.AuthTime != 0 {
		out.AuthTime = time.Unix(custom.AuthTime, 0).UTC()
	}
	if std.Expiry != nil {
		out.ExpiresAt = std.Expiry.Time()
	}
	return out, nil
}
