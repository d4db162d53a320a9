package server

import (
	"errors"
	"fmt"
)

var (
	// ErrInvalidClient is returned when client authentication fails.
	ErrInvalidClient = errors.New("invalid client")

	// ErrInvalidRedirectURL is returned when a client's registered redirect
	// URI cannot be used to build a redirect.
	ErrInvalidRedirectURL = errors.New("invalid client redirect URL")

	// ErrInvalidAuthorizationRequest is returned for authorize requests that
	// fail validation.
	ErrInvalidAuthorizationRequest = errors.New("invalid authorization request")

	// ErrInvalidCodeVerifier is returned when a code_verifier is missing or
	// does not hash to the stored code_challenge.
	ErrInvalidCodeVerifier = errors.New("invalid code verifier")

	// ErrInvalidRedirectionURI is returned when the redirect_uri presented at
	// redemption differs from the one declared at authorize time.
	ErrInvalidRedirectionURI = errors.New("invalid redirection URI")

	// ErrInvalidGrant is returned when a grant or refresh token cannot be
	// redeemed. The sub-condition is never exposed to the caller.
	ErrInvalidGrant = errors.New("invalid grant")

	// ErrGrantExpired is wrapped together with ErrInvalidGrant for expired grants.
	ErrGrantExpired = errors.New("authorization grant expired")

	// ErrUnsupportedGrantType is returned for unknown grant_type values.
	ErrUnsupportedGrantType = errors.New("unsupported grant type")

	// ErrInvalidRefreshToken is returned when a refresh token does not decode.
	ErrInvalidRefreshToken = errors.New("invalid refresh token")

	// ErrInvalidTokenExchange is returned when a token exchange request names
	// a resource or subject token type this server does not serve.
	ErrInvalidTokenExchange = errors.New("invalid token exchange request")

	// ErrMissingAuthorizationHeader is returned when a bearer request has no
	// Authorization header.
	ErrMissingAuthorizationHeader = errors.New("missing authorization header")

	// ErrInvalidAccessToken is returned when a bearer token does not decode.
	ErrInvalidAccessToken = errors.New("invalid access token")

	// ErrUnauthorizedAccessToken is returned when a bearer token decodes but
	// fails claim validation or its session is no longer active.
	ErrUnauthorizedAccessToken = errors.New("unauthorized access token")
)

// UnsuccessfulChallengeError reports a failed PKCE or redirect URI check at
// redemption. The grant is left untouched.
type UnsuccessfulChallengeError struct {
	Failures []error
}

func (e *UnsuccessfulChallengeError) Error() string {
	return fmt.Sprintf("unsuccessful challenge: %v", errors.Join(e.Failures...))
}

// Unwrap exposes the individual failures to errors.Is.
func (e *UnsuccessfulChallengeError) Unwrap() []error { return e.Failures }

// RevokedSessionError reports a refresh token replay. It carries the
// forensic fields logged at detection time.
type RevokedSessionError struct {
	ClientID           string
	RefreshedSessionID string
	RevokedSessionID   string
	UserID             string
}

func (e *RevokedSessionError) Error() string {
	return fmt.Sprintf("refresh token replay: client %s refreshed session %s, revoked session %s",
		e.ClientID, e.RefreshedSessionID, e.RevokedSessionID)
}

// ServerError is a failure of the server itself: persistence errors, jti
// collisions, misconfiguration. Callers never see its detail.
type ServerError struct {
	Op  string
	Err error
}

func (e *ServerError) Error() string {
	return fmt.Sprintf("server error: %s: %v", e.Op, e.Err)
}

func (e *ServerError) Unwrap() error { return e.Err }

func serverError(op string, err error) error {
	return &ServerError{Op: op, Err: err}
}

// AuthorizationRequestError is returned by StartAuthorization. When
// RedirectURL is empty the error must not be sent to the client's redirect
// URI (unknown client or redirect_uri mismatch).
type AuthorizationRequestError struct {
	Err         error
	RedirectURL string
}

func (e *AuthorizationRequestError) Error() string {
	return e.Err.Error()
}

func (e *AuthorizationRequestError) Unwrap() error { return e.Err }

// Redirectable reports whether the error may be delivered via redirect.
func (e *AuthorizationRequestError) Redirectable() bool {
	return e.RedirectURL != ""
}
