package server

import (
	"context"
	"fmt"
	"strings"

	"github.com/giantswarm/authz-server/storage"
	"github.com/giantswarm/authz-server/token"
)

// BearerIdentity is the caller behind a valid access token
type BearerIdentity struct {
	UserID   string
	ClientID string
	Session  *storage.Session
	Claims   *token.Claims
}

// AuthenticateBearer authenticates the Authorization header of a resource
// request. The token's claims must validate and its session must still be
// created; refreshed, expired and revoked sessions are rejected.
func (s *Server) AuthenticateBearer(ctx context.Context, header string) (*BearerIdentity, error) {
	header = strings.TrimSpace(header)
	if header == "" {
		return nil, ErrMissingAuthorizationHeader
	}

	raw := header
	if scheme, rest, ok := strings.Cut(header, " "); ok {
		if !strings.EqualFold(scheme, "bearer") {
			return nil, ErrInvalidAccessToken
		}
		raw = strings.TrimSpace(rest)
	}

	claims, err := s.codec.DecodeAccessToken(raw)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidAccessToken, err)
	}

	return s.authenticateAccessToken(ctx, claims)
}

func (s *Server) authenticateAccessToken(ctx context.Context, claims *token.Claims) (*BearerIdentity, error) {
	result, err := s.Check(ctx, token.KindAccess, claims)
	if err != nil {
		return nil, err
	}
	if !result.Valid() {
		return nil, fmt.Errorf("%w: invalid claims %v", ErrUnauthorizedAccessToken, result.InvalidClaims)
	}
	if result.Session.Status != storage.StatusCreated {
		return nil, fmt.Errorf("%w: session %s", ErrUnauthorizedAccessToken, result.Session.Status)
	}

	return &BearerIdentity{
		UserID:   result.Grant.UserID,
		ClientID: result.Grant.ClientID,
		Session:  result.Session,
		Claims:   claims,
	}, nil
}
