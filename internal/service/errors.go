package service

import (
	"fmt"
	"net/http"
)

// OAuthError is the RFC 6749 error shape returned by the token endpoint.
// Verification failures all collapse to the same invalid_grant body; the
// specific reason travels on the audit event, never to the caller.
type OAuthError struct {
	Code        string
	Description string
	Status      int
}

func (e *OAuthError) Error() string {
	return fmt.Sprintf("%s: %s", e.Code, e.Description)
}

func invalidRequest(desc string) *OAuthError {
	return &OAuthError{Code: "invalid_request", Description: desc, Status: http.StatusBadRequest}
}

func invalidGrant() *OAuthError {
	return &OAuthError{Code: "invalid_grant", Description: "The provided grant is invalid.", Status: http.StatusBadRequest}
}

func invalidClient() *OAuthError {
	return &OAuthError{Code: "invalid_client", Description: "Client authentication failed.", Status: http.StatusUnauthorized}
}

func invalidScope() *OAuthError {
	return &OAuthError{Code: "invalid_scope", Description: "The requested scope exceeds the client registration.", Status: http.StatusBadRequest}
}

func unsupportedGrantType() *OAuthError {
	return &OAuthError{Code: "unsupported_grant_type", Description: "Unsupported grant type.", Status: http.StatusBadRequest}
}
