package oauth

import (
	"errors"
	"fmt"
)

// ErrInvalidState is returned by Callback when the state parameter is
// unknown, already used or expired.
var ErrInvalidState = errors.New("invalid OAuth state")

// ErrTokenExchange is returned by Callback when the provider does not
// accept the authorization code. The provider's detail is logged.
var ErrTokenExchange = errors.New("token exchange failed")

// DeniedError reports that the provider redirected back with an error
// instead of a code, usually because the user declined.
type DeniedError struct {
	// Code is the provider's error parameter, e.g. "access_denied".
	Code string
	// Reason is a short message fit for the user.
	Reason string
}

// Error implements the error interface.
func (e *DeniedError) Error() string {
	return fmt.Sprintf("authorization denied: %s", e.Reason)
}

// deniedReason maps RFC 6749 §4.1.2.1 error codes to user-facing text.
func deniedReason(code string) string {
	switch code {
	case "access_denied":
		return "access was denied"
	case "invalid_scope":
		return "the requested permissions were rejected"
	case "temporarily_unavailable", "server_error":
		return "the provider is unavailable, try again later"
	default:
		return "the provider refused the request"
	}
}
