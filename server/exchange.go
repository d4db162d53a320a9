package server

import (
	"context"
	"errors"
	"fmt"
	"slices"

	"github.com/google/uuid"

	"github.com/giantswarm/authz-server/instrumentation"
	"github.com/giantswarm/authz-server/security"
	"github.com/giantswarm/authz-server/storage"
)

// TokenTypeAccessToken is the only subject_token_type accepted for exchange
const TokenTypeAccessToken = "urn:ietf:params:oauth:token-type:access_token" //nolint:gosec // token type URN, not a credential

// TokenExchangeParams are the parameters of a token exchange request
type TokenExchangeParams struct {
	SubjectToken     string
	SubjectTokenType string
	Resource         string
}

// ExchangeToken exchanges a valid access token for a new token pair issued
// to client. The new session hangs off a token exchange grant that is
// redeemed as it is created.
func (s *Server) ExchangeToken(ctx context.Context, client *storage.Client, p TokenExchangeParams) (*TokenPair, error) {
	ctx, span := s.startSpan(ctx, "exchange_token")
	defer span.End()

	if p.Resource == "" || !slices.Contains(s.Config.TokenExchangeResources, p.Resource) {
		return nil, fmt.Errorf("%w: unsupported resource", ErrInvalidTokenExchange)
	}
	if p.SubjectTokenType != TokenTypeAccessToken {
		return nil, fmt.Errorf("%w: unsupported subject_token_type", ErrInvalidTokenExchange)
	}

	claims, err := s.codec.DecodeAccessToken(p.SubjectToken)
	if err != nil {
		return nil, fmt.Errorf("%w: subject token: %v", ErrInvalidGrant, err)
	}
	subject, err := s.authenticateAccessToken(ctx, claims)
	if err != nil {
		var serr *ServerError
		if errors.As(err, &serr) {
			return nil, err
		}
		return nil, fmt.Errorf("%w: subject token: %v", ErrInvalidGrant, err)
	}

	now := s.now()
	grant := &storage.Grant{
		ID:        uuid.NewString(),
		Kind:      storage.GrantKindTokenExchange,
		UserID:    subject.UserID,
		ClientID:  client.ID,
		ExpiresAt: now,
		CreatedAt: now,
	}
	if err := s.grantStore.SaveGrant(ctx, grant); err != nil {
		instrumentation.RecordError(span, err)
		return nil, serverError("save token exchange grant", err)
	}

	session, pair, err := s.newSession(grant, client)
	if err != nil {
		instrumentation.RecordError(span, err)
		return nil, serverError("exchange token", err)
	}
	if err := s.grantStore.RedeemGrant(ctx, grant.ID, session); err != nil {
		instrumentation.RecordError(span, err)
		return nil, serverError("exchange token", err)
	}

	s.Auditor.LogEvent(ctx, security.Event{
		Type:     security.EventTokenExchanged,
		UserID:   subject.UserID,
		ClientID: client.ID,
		Details: map[string]any{
			"subject_client_id":  subject.ClientID,
			"subject_session_id": subject.Session.ID,
			"session_id":         session.ID,
			"resource":           p.Resource,
		},
	})
	s.sessionCreated(ctx, grant, session)

	instrumentation.AddGrantAttributes(span, client.ID, subject.UserID, grant.ID)
	instrumentation.SetSpanSuccess(span)
	return pair, nil
}
