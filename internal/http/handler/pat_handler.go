package handler

import (
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/moneygrid/identity/internal/domain"
	"github.com/moneygrid/identity/internal/http/middleware"
	"github.com/moneygrid/identity/internal/service"
)

// PATHandler exposes personal-access-token management for the caller's own
// tokens.
type PATHandler struct {
	pats   *service.PATService
	logger *zap.Logger
}

// NewPATHandler wires the handler.
func NewPATHandler(pats *service.PATService, logger *zap.Logger) *PATHandler {
	if logger == nil {
		logger = zap.L()
	}
	return &PATHandler{pats: pats, logger: logger}
}

type createPATRequest struct {
	Name        string     `json:"name" binding:"required"`
	Scopes      []string   `json:"scopes"`
	WorkspaceID *int64     `json:"workspace_id"`
	ExpiresAt   *time.Time `json:"expires_at"`
}

type patResponse struct {
	ID          string     `json:"id"`
	Name        string     `json:"name"`
	Scopes      []string   `json:"scopes,omitempty"`
	WorkspaceID *int64     `json:"workspace_id,omitempty"`
	CreatedAt   time.Time  `json:"created_at"`
	ExpiresAt   *time.Time `json:"expires_at,omitempty"`
	LastUsedAt  *time.Time `json:"last_used_at,omitempty"`
	RevokedAt   *time.Time `json:"revoked_at,omitempty"`
}

// Create handles POST /v1/tokens. The raw token appears in this response and
// never again.
func (h *PATHandler) Create(c *gin.Context) {
	ac := middleware.AuthFromContext(c)

	var req createPATRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		writeAPIError(c, http.StatusBadRequest, "invalid_request", "Malformed request body.")
		return
	}

	created, err := h.pats.Create(c.Request.Context(), service.CreatePATInput{
		UserID:      ac.UserID,
		Name:        req.Name,
		Scopes:      req.Scopes,
		WorkspaceID: req.WorkspaceID,
		ExpiresAt:   req.ExpiresAt,
	})
	if err != nil {
		if errors.Is(err, domain.ErrDuplicateName) {
			writeAPIError(c, http.StatusConflict, "duplicate_name", "A token with this name already exists.")
			return
		}
		h.logger.Error("pat creation failed", zap.Error(err),
			zap.String("request_id", middleware.RequestID(c)))
		writeAPIError(c, http.StatusBadRequest, "invalid_request", "The token could not be created.")
		return
	}

	c.JSON(http.StatusCreated, gin.H{
		"token":  created.Raw,
		"record": toPATResponse(created.Record),
	})
}

// List handles GET /v1/tokens.
func (h *PATHandler) List(c *gin.Context) {
	ac := middleware.AuthFromContext(c)

	tokens, err := h.pats.List(c.Request.Context(), ac.UserID)
	if err != nil {
		h.logger.Error("pat list failed", zap.Error(err),
			zap.String("request_id", middleware.RequestID(c)))
		writeAPIError(c, http.StatusInternalServerError, "server_error", "The tokens could not be listed.")
		return
	}

	out := make([]patResponse, 0, len(tokens))
	for _, t := range tokens {
		out = append(out, toPATResponse(t))
	}
	c.JSON(http.StatusOK, gin.H{"tokens": out})
}

type renamePATRequest struct {
	Name string `json:"name" binding:"required"`
}

// Rename handles PATCH /v1/tokens/:token_id.
func (h *PATHandler) Rename(c *gin.Context) {
	ac := middleware.AuthFromContext(c)
	tokenID, ok := tokenIDParam(c)
	if !ok {
		return
	}

	var req renamePATRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		writeAPIError(c, http.StatusBadRequest, "invalid_request", "name is required.")
		return
	}

	if err := h.pats.Rename(c.Request.Context(), ac.UserID, tokenID, req.Name); err != nil {
		h.writePATError(c, err, "The token could not be renamed.")
		return
	}
	c.Status(http.StatusNoContent)
}

// Revoke handles DELETE /v1/tokens/:token_id.
func (h *PATHandler) Revoke(c *gin.Context) {
	ac := middleware.AuthFromContext(c)
	tokenID, ok := tokenIDParam(c)
	if !ok {
		return
	}

	if err := h.pats.Revoke(c.Request.Context(), ac.UserID, tokenID); err != nil {
		h.writePATError(c, err, "The token could not be revoked.")
		return
	}
	c.Status(http.StatusNoContent)
}

func (h *PATHandler) writePATError(c *gin.Context, err error, fallback string) {
	switch {
	case errors.Is(err, domain.ErrNotFound):
		writeAPIError(c, http.StatusNotFound, "not_found", "No such token.")
	case errors.Is(err, domain.ErrForbidden):
		writeAPIError(c, http.StatusForbidden, "forbidden", "The token belongs to another user.")
	case errors.Is(err, domain.ErrDuplicateName):
		writeAPIError(c, http.StatusConflict, "duplicate_name", "A token with this name already exists.")
	default:
		h.logger.Error("pat operation failed", zap.Error(err),
			zap.String("request_id", middleware.RequestID(c)))
		writeAPIError(c, http.StatusInternalServerError, "server_error", fallback)
	}
}

func tokenIDParam(c *gin.Context) (int64, bool) {
	id, err := strconv.ParseInt(c.Param("token_id"), 10, 64)
	if err != nil || id <= 0 {
		writeAPIError(c, http.StatusBadRequest, "invalid_request", "token_id must be a positive integer.")
		return 0, false
	}
	return id, true
}

func toPATResponse(t domain.PersonalAccessToken) patResponse {
	return patResponse{
		ID:          strconv.FormatInt(t.ID, 10),
		Name:        t.Name,
		Scopes:      t.Scopes,
		WorkspaceID: t.WorkspaceID,
		CreatedAt:   t.CreatedAt,
		ExpiresAt:   t.ExpiresAt,
		LastUsedAt:  t.LastUsedAt,
		RevokedAt:   t.RevokedAt,
	}
}

func writeAPIError(c *gin.Context, status int, code, desc string) {
	c.JSON(status, gin.H{
		"error":             code,
		"error_description": desc,
	})
}
