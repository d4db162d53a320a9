package server

import (
	"context"
	"errors"
	"fmt"
	"net/url"

	"github.com/giantswarm/authz-server/security"
	"github.com/giantswarm/authz-server/storage"
	"github.com/giantswarm/authz-server/token"
)

// ResponseTypeCode is the only supported response_type
const ResponseTypeCode = "code"

// OAuth error codes delivered via redirect
const (
	redirectErrorInvalidRequest = "invalid_request"
	redirectErrorAccessDenied   = "access_denied"
)

// AuthorizationParams are the query parameters of an authorize request.
type AuthorizationParams struct {
	ClientID            string
	CodeChallenge       string
	CodeChallengeMethod string
	RedirectURI         string
	ResponseType        string
	State               string
}

// AuthorizationRequest is a validated authorize request. StateToken carries
// it, signed and short-lived, to the consent decision.
type AuthorizationRequest struct {
	Client     *storage.Client
	Params     AuthorizationParams
	StateToken string
}

// StartAuthorization validates an authorize request.
//
// Errors are *AuthorizationRequestError. An unknown client or a redirect_uri
// that does not match the registered one is never redirected; every other
// failure carries a redirect to the registered URI with
// error=invalid_request and the client's state.
func (s *Server) StartAuthorization(ctx context.Context, p AuthorizationParams) (*AuthorizationRequest, error) {
	ctx, span := s.startSpan(ctx, "start_authorization")
	defer span.End()

	client, err := s.FindClient(ctx, p.ClientID)
	if err != nil {
		if errors.Is(err, storage.ErrClientNotFound) {
			return nil, &AuthorizationRequestError{
				Err: fmt.Errorf("%w: unknown client", ErrInvalidAuthorizationRequest),
			}
		}
		return nil, serverError("find client", err)
	}

	if err := validateAuthorizationRedirectURI(client, p.RedirectURI); err != nil {
		return nil, &AuthorizationRequestError{Err: err}
	}

	if err := validateAuthorizationParams(client, p); err != nil {
		params := url.Values{"error": {redirectErrorInvalidRequest}}
		if p.State != "" {
			params.Set("state", p.State)
		}
		redirectURL, rerr := s.RedirectURLFor(client, params)
		if rerr != nil {
			return nil, &AuthorizationRequestError{Err: errors.Join(err, rerr)}
		}
		s.Logger.Debug("Rejected authorization request",
			"client_id", client.ID,
			"error", err)
		return nil, &AuthorizationRequestError{Err: err, RedirectURL: redirectURL}
	}

	stateToken, err := s.codec.EncodeState(&token.StateClaims{
		ClientID:            client.ID,
		ClientState:         p.State,
		CodeChallenge:       p.CodeChallenge,
		CodeChallengeMethod: p.CodeChallengeMethod,
		RedirectURI:         p.RedirectURI,
		ResponseType:        p.ResponseType,
	}, s.Config.StateTokenTTL)
	if err != nil {
		return nil, serverError("encode state token", err)
	}

	return &AuthorizationRequest{
		Client:     client,
		Params:     p,
		StateToken: stateToken,
	}, nil
}

// validateAuthorizationRedirectURI requires the registered redirect URI for
// public clients and, when one is given, for confidential clients.
func validateAuthorizationRedirectURI(client *storage.Client, redirectURI string) error {
	if redirectURI == "" && !client.IsPublic() {
		return nil
	}
	if redirectURI != client.RedirectURI {
		return fmt.Errorf("%w: %w", ErrInvalidAuthorizationRequest, ErrInvalidRedirectionURI)
	}
	return nil
}

func validateAuthorizationParams(client *storage.Client, p AuthorizationParams) error {
	if p.ResponseType != ResponseTypeCode {
		return fmt.Errorf("%w: response_type must be %q", ErrInvalidAuthorizationRequest, ResponseTypeCode)
	}

	// PKCE is mandatory for public clients and all-or-nothing otherwise
	if !client.IsPublic() && p.CodeChallenge == "" && p.CodeChallengeMethod == "" {
		return nil
	}
	if p.CodeChallenge == "" {
		return fmt.Errorf("%w: code_challenge is required", ErrInvalidAuthorizationRequest)
	}
	if p.CodeChallengeMethod != CodeChallengeMethodS256 {
		return fmt.Errorf("%w: code_challenge_method must be %s", ErrInvalidAuthorizationRequest, CodeChallengeMethodS256)
	}
	return nil
}

// DecideGrant completes the consent step for the request carried by
// stateToken. It returns the URL the user agent is redirected to: the
// registered redirect URI with either code and state, or
// error=access_denied and state.
func (s *Server) DecideGrant(ctx context.Context, stateToken, userID string, approve bool) (string, error) {
	claims, err := s.codec.DecodeState(stateToken)
	if err != nil {
		return "", fmt.Errorf("%w: state token: %v", ErrInvalidAuthorizationRequest, err)
	}

	client, err := s.FindClient(ctx, claims.ClientID)
	if err != nil {
		if errors.Is(err, storage.ErrClientNotFound) {
			return "", fmt.Errorf("%w: unknown client", ErrInvalidAuthorizationRequest)
		}
		return "", serverError("find client", err)
	}

	params := url.Values{}
	if claims.ClientState != "" {
		params.Set("state", claims.ClientState)
	}

	if !approve {
		params.Set("error", redirectErrorAccessDenied)
		s.Auditor.LogEvent(ctx, security.Event{
			Type:     security.EventGrantDenied,
			UserID:   userID,
			ClientID: client.ID,
		})
		s.Logger.Info("User denied authorization request", "client_id", client.ID)
		return s.RedirectURLFor(client, params)
	}

	grant, err := s.CreateGrant(ctx, userID, client, storage.Challenge{
		CodeChallenge:       claims.CodeChallenge,
		CodeChallengeMethod: claims.CodeChallengeMethod,
		RedirectURI:         claims.RedirectURI,
	})
	if err != nil {
		return "", err
	}

	params.Set("code", grant.ID)
	return s.RedirectURLFor(client, params)
}
