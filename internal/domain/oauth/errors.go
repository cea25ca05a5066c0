package oauth

import (
	"fmt"
	"net/http"
)

// Standard OAuth2 / OIDC / CIBA error codes, used verbatim as the wire `error` field.
const (
	CodeInvalidRequest       = "invalid_request"
	CodeInvalidClient        = "invalid_client"
	CodeInvalidGrant         = "invalid_grant"
	CodeUnauthorizedClient   = "unauthorized_client"
	CodeUnsupportedGrantType = "unsupported_grant_type"
	CodeInvalidScope         = "invalid_scope"
	CodeAccessDenied         = "access_denied"
	CodeAuthorizationPending = "authorization_pending"
	CodeSlowDown             = "slow_down"
	CodeExpiredToken         = "expired_token"
	CodeInvalidDPoPProof     = "invalid_dpop_proof"
	CodeServerError          = "server_error"
)

// Error is an OAuth2-compliant protocol error. Expected protocol violations are
// returned as *Error values and rendered directly onto the wire; anything else is
// treated as an internal failure and surfaced as server_error.
type Error struct {
	Code        string
	Description string
	Status      int
}

func (e *Error) Error() string {
	return fmt.Sprintf("%s: %s", e.Code, e.Description)
}

// NewError builds a protocol error with an explicit HTTP status.
func NewError(code, desc string, status int) *Error {
	return &Error{Code: code, Description: desc, Status: status}
}

func InvalidRequest(desc string) *Error {
	return NewError(CodeInvalidRequest, desc, http.StatusBadRequest)
}

// InvalidClient is the only grant error answered with 401 per RFC 6749 section 5.2.
func InvalidClient(desc string) *Error {
	return NewError(CodeInvalidClient, desc, http.StatusUnauthorized)
}

func InvalidGrant(desc string) *Error {
	return NewError(CodeInvalidGrant, desc, http.StatusBadRequest)
}

func UnauthorizedClient(desc string) *Error {
	return NewError(CodeUnauthorizedClient, desc, http.StatusBadRequest)
}

func UnsupportedGrantType(desc string) *Error {
	return NewError(CodeUnsupportedGrantType, desc, http.StatusBadRequest)
}

func InvalidScope(desc string) *Error {
	return NewError(CodeInvalidScope, desc, http.StatusBadRequest)
}

func AccessDenied(desc string) *Error {
	return NewError(CodeAccessDenied, desc, http.StatusBadRequest)
}

func AuthorizationPending() *Error {
	return NewError(CodeAuthorizationPending, "The authorization request is still pending.", http.StatusBadRequest)
}

func SlowDown() *Error {
	return NewError(CodeSlowDown, "Polling too frequently. Increase the polling interval.", http.StatusBadRequest)
}

func ExpiredToken(desc string) *Error {
	return NewError(CodeExpiredToken, desc, http.StatusBadRequest)
}

func InvalidDPoPProof(desc string) *Error {
	return NewError(CodeInvalidDPoPProof, desc, http.StatusBadRequest)
}

func ServerError() *Error {
	return NewError(CodeServerError, "An internal error occurred.", http.StatusInternalServerError)
}

// AsError unwraps err into a protocol error when it is one.
func AsError(err error) (*Error, bool) {
	oe, ok := err.(*Error)
	return oe, ok
}
