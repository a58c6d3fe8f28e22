package handler

import (
	"errors"
	"net/http"
	"strconv"
	"strings"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/moneygrid/identity/internal/domain"
	"github.com/moneygrid/identity/internal/http/middleware"
	"github.com/moneygrid/identity/internal/jwt"
	"github.com/moneygrid/identity/internal/service"
	"github.com/moneygrid/identity/internal/session"
)

// TokenHandler exposes the OAuth token surface and the JWKS document.
type TokenHandler struct {
	tokens  *service.TokenService
	manager *session.Manager
	keys    *jwt.KeyStore
	logger  *zap.Logger
}

// NewTokenHandler wires the handler.
func NewTokenHandler(tokens *service.TokenService, manager *session.Manager, keys *jwt.KeyStore, logger *zap.Logger) *TokenHandler {
	if logger == nil {
		logger = zap.L()
	}
	return &TokenHandler{tokens: tokens, manager: manager, keys: keys, logger: logger}
}

type tokenRequest struct {
	GrantType    string `form:"grant_type"`
	ClientID     string `form:"client_id"`
	ClientSecret string `form:"client_secret"`
	Code         string `form:"code"`
	CodeVerifier string `form:"code_verifier"`
	RedirectURI  string `form:"redirect_uri"`
	RefreshToken string `form:"refresh_token"`
	Scope        string `form:"scope"`
	WorkspaceID  string `form:"workspace_id"`
}

// Token handles POST /oauth/token.
func (h *TokenHandler) Token(c *gin.Context) {
	var req tokenRequest
	if err := c.ShouldBind(&req); err != nil {
		writeOAuthError(c, &service.OAuthError{
			Code: "invalid_request", Description: "Malformed request body.", Status: http.StatusBadRequest,
		})
		return
	}

	grant, ok := service.ParseGrantType(req.GrantType)
	if !ok {
		writeOAuthError(c, &service.OAuthError{
			Code: "unsupported_grant_type", Description: "Unsupported grant type.", Status: http.StatusBadRequest,
		})
		return
	}

	exchange := service.ExchangeRequest{
		GrantType:    grant,
		ClientID:     req.ClientID,
		ClientSecret: req.ClientSecret,
		Code:         req.Code,
		CodeVerifier: req.CodeVerifier,
		RedirectURI:  req.RedirectURI,
		RefreshToken: req.RefreshToken,
		Scopes:       splitScope(req.Scope),
	}
	if req.WorkspaceID != "" {
		id, err := strconv.ParseInt(req.WorkspaceID, 10, 64)
		if err != nil {
			writeOAuthError(c, &service.OAuthError{
				Code: "invalid_request", Description: "workspace_id must be an integer.", Status: http.StatusBadRequest,
			})
			return
		}
		exchange.WorkspaceID = &id
	}

	resp, err := h.tokens.Exchange(c.Request.Context(), exchange)
	if err != nil {
		var oauthErr *service.OAuthError
		if errors.As(err, &oauthErr) {
			writeOAuthError(c, oauthErr)
			return
		}
		h.logger.Error("token exchange failed", zap.Error(err),
			zap.String("request_id", middleware.RequestID(c)))
		writeOAuthError(c, &service.OAuthError{
			Code: "server_error", Description: "The token request could not be processed.", Status: http.StatusInternalServerError,
		})
		return
	}

	c.Header("Cache-Control", "no-store")
	c.JSON(http.StatusOK, resp)
}

type revokeRequest struct {
	Token string `form:"token"`
}

// Revoke handles POST /oauth/revoke. Per RFC 7009 the endpoint answers 200
// for tokens it does not recognize; revocation is surrender, not lookup.
func (h *TokenHandler) Revoke(c *gin.Context) {
	var req revokeRequest
	if err := c.ShouldBind(&req); err != nil || req.Token == "" {
		writeOAuthError(c, &service.OAuthError{
			Code: "invalid_request", Description: "token is required.", Status: http.StatusBadRequest,
		})
		return
	}

	if err := h.manager.RevokeToken(c.Request.Context(), req.Token); err != nil {
		if errors.Is(err, domain.ErrMalformedCredential) || errors.Is(err, domain.ErrUnauthorized) {
			c.Status(http.StatusOK)
			return
		}
		h.logger.Error("revocation failed", zap.Error(err),
			zap.String("request_id", middleware.RequestID(c)))
		writeOAuthError(c, &service.OAuthError{
			Code: "server_error", Description: "The revocation could not be processed.", Status: http.StatusInternalServerError,
		})
		return
	}
	c.Status(http.StatusOK)
}

// JWKS handles GET /.well-known/jwks.json.
func (h *TokenHandler) JWKS(c *gin.Context) {
	c.Header("Cache-Control", "public, max-age=300")
	c.JSON(http.StatusOK, h.keys.JWKS())
}

type authorizeRequest struct {
	ClientID            string   `json:"client_id" binding:"required"`
	RedirectURI         string   `json:"redirect_uri" binding:"required"`
	CodeChallenge       string   `json:"code_challenge"`
	CodeChallengeMethod string   `json:"code_challenge_method"`
	Scopes              []string `json:"scopes"`
}

// Authorize handles POST /v1/authorize: an authenticated user mints a
// single-use code for a registered client. This is the back half of the
// authorization endpoint; the consent UI lives in the web tier.
func (h *TokenHandler) Authorize(c *gin.Context) {
	ac := middleware.AuthFromContext(c)

	var req authorizeRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		writeOAuthError(c, &service.OAuthError{
			Code: "invalid_request", Description: "Malformed request body.", Status: http.StatusBadRequest,
		})
		return
	}

	code, err := h.tokens.CreateAuthorizationCode(
		c.Request.Context(), ac.UserID,
		req.ClientID, req.RedirectURI,
		req.CodeChallenge, req.CodeChallengeMethod, req.Scopes,
	)
	if err != nil {
		var oauthErr *service.OAuthError
		if errors.As(err, &oauthErr) {
			writeOAuthError(c, oauthErr)
			return
		}
		h.logger.Error("authorization code issuance failed", zap.Error(err),
			zap.String("request_id", middleware.RequestID(c)))
		writeOAuthError(c, &service.OAuthError{
			Code: "server_error", Description: "The code could not be issued.", Status: http.StatusInternalServerError,
		})
		return
	}
	c.JSON(http.StatusOK, gin.H{"code": code})
}

// Logout handles POST /v1/logout: revokes the caller's own session.
func (h *TokenHandler) Logout(c *gin.Context) {
	ac := middleware.AuthFromContext(c)
	if ac.SessionID == nil {
		writeOAuthError(c, &service.OAuthError{
			Code: "invalid_request", Description: "The credential carries no session.", Status: http.StatusBadRequest,
		})
		return
	}
	if err := h.manager.RevokeSession(c.Request.Context(), *ac.SessionID); err != nil {
		h.logger.Error("logout failed", zap.Error(err),
			zap.String("request_id", middleware.RequestID(c)))
		writeOAuthError(c, &service.OAuthError{
			Code: "server_error", Description: "The session could not be revoked.", Status: http.StatusInternalServerError,
		})
		return
	}
	c.Status(http.StatusNoContent)
}

func writeOAuthError(c *gin.Context, err *service.OAuthError) {
	if err.Status == http.StatusUnauthorized {
		c.Header("WWW-Authenticate", `Basic realm="oauth"`)
	}
	c.JSON(err.Status, gin.H{
		"error":             err.Code,
		"error_description": err.Description,
	})
}

func splitScope(scope string) []string {
	fields := strings.Fields(scope)
	if len(fields) == 0 {
		return nil
	}
	return fields
}
