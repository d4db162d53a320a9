package oauth

import (
	"errors"
	"fmt"
	"net/http"

	"github.com/giantswarm/authz-server/server"
)

// OAuth error codes as constants
const (
	ErrorCodeInvalidRequest       = "invalid_request"
	ErrorCodeInvalidGrant         = "invalid_grant"
	ErrorCodeInvalidClient        = "invalid_client"
	ErrorCodeInvalidToken         = "invalid_token"
	ErrorCodeUnsupportedGrantType = "unsupported_grant_type"
	ErrorCodeServerError          = "server_error"
	ErrorCodeAccessDenied         = "access_denied"
	ErrorCodeRateLimitExceeded    = "rate_limit_exceeded"
)

// OAuthError represents an OAuth 2.0 error response
type OAuthError struct {
	Code        string // OAuth error code (e.g., "invalid_request", "invalid_grant")
	Description string // Human-readable error description
	Status      int    // HTTP status code
}

// Error implements the error interface
func (e *OAuthError) Error() string {
	return fmt.Sprintf("%s: %s", e.Code, e.Description)
}

// NewOAuthError creates a new OAuth error
func NewOAuthError(code, description string, status int) *OAuthError {
	return &OAuthError{
		Code:        code,
		Description: description,
		Status:      status,
	}
}

// Common OAuth errors as reusable instances
var (
	// ErrInvalidRequest indicates the request is malformed or missing required parameters
	ErrInvalidRequest = func(desc string) *OAuthError {
		return NewOAuthError(ErrorCodeInvalidRequest, desc, http.StatusBadRequest)
	}

	// ErrInvalidGrant indicates the authorization code or refresh token is invalid or expired
	ErrInvalidGrant = func(desc string) *OAuthError {
		return NewOAuthError(ErrorCodeInvalidGrant, desc, http.StatusBadRequest)
	}

	// ErrInvalidClient indicates client authentication failed
	ErrInvalidClient = func(desc string) *OAuthError {
		return NewOAuthError(ErrorCodeInvalidClient, desc, http.StatusUnauthorized)
	}

	// ErrInvalidToken indicates the access token is invalid or expired
	ErrInvalidToken = func(desc string) *OAuthError {
		return NewOAuthError(ErrorCodeInvalidToken, desc, http.StatusUnauthorized)
	}

	// ErrUnsupportedGrantType indicates the grant type is not supported
	ErrUnsupportedGrantType = func(desc string) *OAuthError {
		return NewOAuthError(ErrorCodeUnsupportedGrantType, desc, http.StatusBadRequest)
	}

	// ErrServerError indicates an internal server error occurred
	ErrServerError = func(desc string) *OAuthError {
		return NewOAuthError(ErrorCodeServerError, desc, http.StatusInternalServerError)
	}

	// ErrRateLimitExceeded indicates the caller sent too many requests
	ErrRateLimitExceeded = func(desc string) *OAuthError {
		return NewOAuthError(ErrorCodeRateLimitExceeded, desc, http.StatusTooManyRequests)
	}
)

// ToOAuthError maps an error returned by the server package to the OAuth
// error sent to the client. Descriptions are generic: which check failed
// is never revealed. Errors that are already *OAuthError pass through.
func ToOAuthError(err error) *OAuthError {
	var oauthErr *OAuthError
	if errors.As(err, &oauthErr) {
		return oauthErr
	}

	var (
		serverErr    *server.ServerError
		replayErr    *server.RevokedSessionError
		challengeErr *server.UnsuccessfulChallengeError
	)

	switch {
	case err == nil:
		return nil
	case errors.As(err, &serverErr):
		return ErrServerError("The server encountered an unexpected error")
	case errors.Is(err, server.ErrUnsupportedGrantType):
		return ErrUnsupportedGrantType("Grant type not supported")
	case errors.As(err, &replayErr):
		return ErrInvalidRequest("Refresh token is not valid for this session")
	case errors.As(err, &challengeErr):
		return ErrInvalidRequest("Authorization code challenge failed")
	case errors.Is(err, server.ErrInvalidRedirectURL),
		errors.Is(err, server.ErrInvalidRedirectionURI):
		return ErrInvalidRequest("Invalid redirect URI")
	case errors.Is(err, server.ErrInvalidAuthorizationRequest):
		return ErrInvalidRequest("Invalid authorization request")
	case errors.Is(err, server.ErrInvalidTokenExchange):
		return ErrInvalidRequest("Invalid token exchange request")
	case errors.Is(err, server.ErrInvalidGrant),
		errors.Is(err, server.ErrGrantExpired),
		errors.Is(err, server.ErrInvalidRefreshToken):
		return ErrInvalidGrant("Grant is invalid or expired")
	case errors.Is(err, server.ErrInvalidClient):
		return ErrInvalidClient("Client authentication failed")
	case errors.Is(err, server.ErrMissingAuthorizationHeader):
		return ErrInvalidToken("Missing Authorization header")
	case errors.Is(err, server.ErrInvalidAccessToken),
		errors.Is(err, server.ErrUnauthorizedAccessToken):
		return ErrInvalidToken("Access token is invalid or expired")
	default:
		return ErrServerError("The server encountered an unexpected error")
	}
}

// isServerError reports whether err maps to a 5xx response
func isServerError(err error) bool {
	return ToOAuthError(err).Status >= http.StatusInternalServerError
}
