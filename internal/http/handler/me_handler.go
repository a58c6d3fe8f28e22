package handler

import (
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/moneygrid/identity/internal/http/middleware"
)

// MeHandler answers introspection requests with the resolved grant. Mounted
// both globally and under a workspace path so callers can probe either form
// of selection.
type MeHandler struct{}

// NewMeHandler wires the handler.
func NewMeHandler() *MeHandler {
	return &MeHandler{}
}

type meResponse struct {
	UserID              string   `json:"user_id,omitempty"`
	ClientID            string   `json:"client_id,omitempty"`
	PrincipalType       string   `json:"principal_type"`
	WorkspaceID         *int64   `json:"workspace_id,omitempty"`
	AllowedWorkspaceIDs []int64  `json:"allowed_workspace_ids,omitempty"`
	Role                string   `json:"role,omitempty"`
	Scopes              []string `json:"scopes"`
	MFALevel            string   `json:"mfa_level,omitempty"`
	AuthTime            string   `json:"auth_time,omitempty"`
}

// Me handles GET /v1/me and GET /v1/workspaces/:workspace_id/me.
func (h *MeHandler) Me(c *gin.Context) {
	ac := middleware.AuthFromContext(c)

	resp := meResponse{
		ClientID:            ac.ClientID,
		PrincipalType:       string(ac.PrincipalType),
		WorkspaceID:         ac.WorkspaceID,
		AllowedWorkspaceIDs: ac.AllowedWorkspaceIDs,
		Role:                string(ac.Role),
		Scopes:              ac.Scopes,
		MFALevel:            string(ac.MFALevel),
	}
	if ac.UserID != 0 {
		resp.UserID = strconv.FormatInt(ac.UserID, 10)
	}
	if !ac.AuthTime.IsZero() {
		resp.AuthTime = ac.AuthTime.UTC().Format(time.RFC3339)
	}
	c.JSON(http.StatusOK, resp)
}
