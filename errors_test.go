package oauth

import (
	"errors"
	"fmt"
	"net/http"
	"testing"

	"github.com/giantswarm/authz-server/server"
)

func TestOAuthError_Error(t *testing.T) {
	tests := []struct {
		name        string
		code        string
		description string
		want        string
	}{
		{
			name:        "simple error",
			code:        "invalid_request",
			description: "Missing required parameter",
			want:        "invalid_request: Missing required parameter",
		},
		{
			name:        "error with empty description",
			code:        "server_error",
			description: "",
			want:        "server_error: ",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			e := &OAuthError{
				Code:        tt.code,
				Description: tt.description,
			}
			if got := e.Error(); got != tt.want {
				t.Errorf("OAuthError.Error() = %q, want %q", got, tt.want)
			}
		})
	}
}

func TestErrorConstructors(t *testing.T) {
	tests := []struct {
		name       string
		err        *OAuthError
		wantCode   string
		wantStatus int
	}{
		{"invalid request", ErrInvalidRequest("x"), ErrorCodeInvalidRequest, http.StatusBadRequest},
		{"invalid grant", ErrInvalidGrant("x"), ErrorCodeInvalidGrant, http.StatusBadRequest},
		{"invalid client", ErrInvalidClient("x"), ErrorCodeInvalidClient, http.StatusUnauthorized},
		{"invalid token", ErrInvalidToken("x"), ErrorCodeInvalidToken, http.StatusUnauthorized},
		{"unsupported grant type", ErrUnsupportedGrantType("x"), ErrorCodeUnsupportedGrantType, http.StatusBadRequest},
		{"server error", ErrServerError("x"), ErrorCodeServerError, http.StatusInternalServerError},
		{"rate limit", ErrRateLimitExceeded("x"), ErrorCodeRateLimitExceeded, http.StatusTooManyRequests},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if tt.err.Code != tt.wantCode {
				t.Errorf("Code = %q, want %q", tt.err.Code, tt.wantCode)
			}
			if tt.err.Status != tt.wantStatus {
				t.Errorf("Status = %d, want %d", tt.err.Status, tt.wantStatus)
			}
			if tt.err.Description != "x" {
				t.Errorf("Description = %q, want %q", tt.err.Description, "x")
			}
		})
	}
}

func TestToOAuthError(t *testing.T) {
	tests := []struct {
		name       string
		err        error
		wantCode   string
		wantStatus int
	}{
		{
			name:       "unsupported grant type",
			err:        fmt.Errorf("%w: %q", server.ErrUnsupportedGrantType, "password"),
			wantCode:   ErrorCodeUnsupportedGrantType,
			wantStatus: http.StatusBadRequest,
		},
		{
			name:       "invalid redirect url",
			err:        server.ErrInvalidRedirectURL,
			wantCode:   ErrorCodeInvalidRequest,
			wantStatus: http.StatusBadRequest,
		},
		{
			name:       "authorization request",
			err:        &server.AuthorizationRequestError{Err: server.ErrInvalidAuthorizationRequest},
			wantCode:   ErrorCodeInvalidRequest,
			wantStatus: http.StatusBadRequest,
		},
		{
			name:       "invalid grant",
			err:        server.ErrInvalidGrant,
			wantCode:   ErrorCodeInvalidGrant,
			wantStatus: http.StatusBadRequest,
		},
		{
			name:       "expired grant",
			err:        fmt.Errorf("%w: %w", server.ErrInvalidGrant, server.ErrGrantExpired),
			wantCode:   ErrorCodeInvalidGrant,
			wantStatus: http.StatusBadRequest,
		},
		{
			name:       "undecodable refresh token",
			err:        fmt.Errorf("%w: malformed", server.ErrInvalidRefreshToken),
			wantCode:   ErrorCodeInvalidGrant,
			wantStatus: http.StatusBadRequest,
		},
		{
			name:       "unsuccessful challenge",
			err:        &server.UnsuccessfulChallengeError{Failures: []error{server.ErrInvalidCodeVerifier}},
			wantCode:   ErrorCodeInvalidRequest,
			wantStatus: http.StatusBadRequest,
		},
		{
			name:       "replay",
			err:        &server.RevokedSessionError{ClientID: "c", RefreshedSessionID: "s1", RevokedSessionID: "s2"},
			wantCode:   ErrorCodeInvalidRequest,
			wantStatus: http.StatusBadRequest,
		},
		{
			name:       "invalid token exchange",
			err:        server.ErrInvalidTokenExchange,
			wantCode:   ErrorCodeInvalidRequest,
			wantStatus: http.StatusBadRequest,
		},
		{
			name:       "invalid client",
			err:        server.ErrInvalidClient,
			wantCode:   ErrorCodeInvalidClient,
			wantStatus: http.StatusUnauthorized,
		},
		{
			name:       "missing authorization header",
			err:        server.ErrMissingAuthorizationHeader,
			wantCode:   ErrorCodeInvalidToken,
			wantStatus: http.StatusUnauthorized,
		},
		{
			name:       "invalid access token",
			err:        fmt.Errorf("%w: bad signature", server.ErrInvalidAccessToken),
			wantCode:   ErrorCodeInvalidToken,
			wantStatus: http.StatusUnauthorized,
		},
		{
			name:       "unauthorized access token",
			err:        server.ErrUnauthorizedAccessToken,
			wantCode:   ErrorCodeInvalidToken,
			wantStatus: http.StatusUnauthorized,
		},
		{
			name:       "server error",
			err:        &server.ServerError{Op: "redeem grant", Err: errors.New("disk full")},
			wantCode:   ErrorCodeServerError,
			wantStatus: http.StatusInternalServerError,
		},
		{
			name:       "unknown error",
			err:        errors.New("boom"),
			wantCode:   ErrorCodeServerError,
			wantStatus: http.StatusInternalServerError,
		},
		{
			name:       "oauth error passes through",
			err:        fmt.Errorf("wrapped: %w", ErrInvalidRequest("custom")),
			wantCode:   ErrorCodeInvalidRequest,
			wantStatus: http.StatusBadRequest,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := ToOAuthError(tt.err)
			if got.Code != tt.wantCode {
				t.Errorf("Code = %q, want %q", got.Code, tt.wantCode)
			}
			if got.Status != tt.wantStatus {
				t.Errorf("Status = %d, want %d", got.Status, tt.wantStatus)
			}
		})
	}
}

func TestToOAuthError_DoesNotLeakDetail(t *testing.T) {
	err := &server.ServerError{Op: "find grant", Err: errors.New("pq: password authentication failed for user admin")}

	got := ToOAuthError(err)
	if got.Description == "" {
		t.Fatal("Description should not be empty")
	}
	if got.Description == err.Error() {
		t.Errorf("Description leaks internal error: %q", got.Description)
	}
	if !isServerError(err) {
		t.Error("isServerError() = false, want true")
	}
}

func TestToOAuthError_Nil(t *testing.T) {
	if got := ToOAuthError(nil); got != nil {
		t.Errorf("ToOAuthError(nil) = %v, want nil", got)
	}
}
