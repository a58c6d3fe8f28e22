package middleware

import (
	"errors"
	"net/http"
	"strconv"
	"strings"

	"github.com/gin-gonic/gin"

	"github.com/moneygrid/identity/internal/domain"
	"github.com/moneygrid/identity/internal/service"
)

const authContextKey = "auth_context"

// WorkspaceHeader is the explicit workspace selector header.
const WorkspaceHeader = "X-Workspace-ID"

// AuthFromContext returns the AuthContext placed by Authenticate, or nil.
func AuthFromContext(c *gin.Context) *service.AuthContext {
	value, ok := c.Get(authContextKey)
	if !ok {
		return nil
	}
	ac, _ := value.(*service.AuthContext)
	return ac
}

// Authenticate verifies the bearer credential and resolves authorization for
// the request. The workspace selectors are read here: a :workspace_id path
// parameter outranks the X-Workspace-ID header, which outranks the hint
// inside the token.
func Authenticate(verifier *service.Verifier) gin.HandlerFunc {
	return func(c *gin.Context) {
		bearer := bearerToken(c)
		if bearer == "" {
			abortAuth(c, http.StatusUnauthorized, "unauthorized", "Missing bearer credential.")
			return
		}

		hints := service.Hints{
			Method:    c.Request.Method,
			URL:       c.FullPath(),
			RequestID: RequestID(c),
		}
		var err error
		if hints.PathWorkspaceID, err = workspaceParam(c); err != nil {
			abortAuth(c, http.StatusBadRequest, "invalid_request", "workspace_id path parameter must be an integer.")
			return
		}
		if hints.HeaderWorkspaceID, err = workspaceHeader(c); err != nil {
			abortAuth(c, http.StatusBadRequest, "invalid_request", WorkspaceHeader+" must be an integer.")
			return
		}

		ctx, ac, err := verifier.VerifyRequest(c.Request.Context(), bearer, hints)
		if err != nil {
			status, code, desc := mapVerifyError(err)
			abortAuth(c, status, code, desc)
			return
		}

		c.Request = c.Request.WithContext(ctx)
		c.Set(authContextKey, ac)
		c.Next()
	}
}

// RequireScope gates a route on one scope from the resolved grant.
func RequireScope(scope string) gin.HandlerFunc {
	return func(c *gin.Context) {
		ac := AuthFromContext(c)
		if ac == nil || !ac.HasScope(scope) {
			abortAuth(c, http.StatusForbidden, "forbidden", "Missing required scope.")
			return
		}
		c.Next()
	}
}

// RequireUser rejects service principals; token management is user-only.
func RequireUser() gin.HandlerFunc {
	return func(c *gin.Context) {
		ac := AuthFromContext(c)
		if ac == nil || ac.UserID == 0 {
			abortAuth(c, http.StatusForbidden, "forbidden", "This endpoint requires a user principal.")
			return
		}
		c.Next()
	}
}

func bearerToken(c *gin.Context) string {
	header := c.GetHeader("Authorization")
	const prefix = "Bearer "
	if len(header) > len(prefix) && strings.EqualFold(header[:len(prefix)], prefix) {
		return strings.TrimSpace(header[len(prefix):])
	}
	return ""
}

func workspaceParam(c *gin.Context) (*int64, error) {
	raw := c.Param("workspace_id")
	if raw == "" {
		return nil, nil
	}
	id, err := strconv.ParseInt(raw, 10, 64)
	if err != nil {
		return nil, err
	}
	return &id, nil
}

func workspaceHeader(c *gin.Context) (*int64, error) {
	raw := strings.TrimSpace(c.GetHeader(WorkspaceHeader))
	if raw == "" {
		return nil, nil
	}
	id, err := strconv.ParseInt(raw, 10, 64)
	if err != nil {
		return nil, err
	}
	return &id, nil
}

func mapVerifyError(err error) (int, string, string) {
	switch {
	case errors.Is(err, domain.ErrWorkspaceSelectionRequired):
		return http.StatusBadRequest, "workspace_selection_required",
			"The principal belongs to multiple workspaces; select one via the path or " + WorkspaceHeader + "."
	case errors.Is(err, domain.ErrForbidden):
		return http.StatusForbidden, "forbidden", "Access to the selected workspace is denied."
	case errors.Is(err, domain.ErrMalformedCredential), errors.Is(err, domain.ErrUnauthorized):
		return http.StatusUnauthorized, "unauthorized", "The credential is invalid."
	default:
		return http.StatusInternalServerError, "server_error", "Verification failed."
	}
}

func abortAuth(c *gin.Context, status int, code, desc string) {
	c.AbortWithStatusJSON(status, gin.H{
		"error":             code,
		"error_description": desc,
	})
}
