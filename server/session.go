package server

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/giantswarm/authz-server/instrumentation"
	"github.com/giantswarm/authz-server/security"
	"github.com/giantswarm/authz-server/storage"
	"github.com/giantswarm/authz-server/token"
)

// TokenTypeBearer is the token_type of every issued access token
const TokenTypeBearer = "bearer"

// Token type hints accepted by RevokeToken
const (
	TokenTypeHintAccessToken  = "access_token"
	TokenTypeHintRefreshToken = "refresh_token"
)

var errMismatchedRefreshToken = errors.New("refresh token does not belong to session")

// TokenPair is the result of a successful redemption, refresh or exchange.
type TokenPair struct {
	AccessToken  string `json:"access_token"`
	RefreshToken string `json:"refresh_token"`
	TokenType    string `json:"token_type"`
	ExpiresIn    int64  `json:"expires_in"`
}

// newSession mints fresh jtis and tokens for grant. Nothing is persisted.
func (s *Server) newSession(grant *storage.Grant, client *storage.Client) (*storage.Session, *TokenPair, error) {
	now := s.now()
	accessJTI := uuid.NewString()
	refreshJTI := uuid.NewString()

	accessToken, err := s.codec.EncodeAccessToken(accessJTI, grant.UserID, now.Add(client.AccessTokenTTL))
	if err != nil {
		return nil, nil, fmt.Errorf("encode access token: %w", err)
	}
	refreshToken, err := s.codec.EncodeRefreshToken(refreshJTI, now.Add(client.RefreshTokenTTL))
	if err != nil {
		return nil, nil, fmt.Errorf("encode refresh token: %w", err)
	}

	accessRef, err := s.tokenRef(accessTokenDomain, accessJTI)
	if err != nil {
		return nil, nil, fmt.Errorf("seal access token jti: %w", err)
	}
	refreshRef, err := s.tokenRef(refreshTokenDomain, refreshJTI)
	if err != nil {
		return nil, nil, fmt.Errorf("seal refresh token jti: %w", err)
	}

	session := &storage.Session{
		ID:           uuid.NewString(),
		GrantID:      grant.ID,
		AccessToken:  accessRef,
		RefreshToken: refreshRef,
		Status:       storage.StatusCreated,
		CreatedAt:    now,
	}
	pair := &TokenPair{
		AccessToken:  accessToken,
		RefreshToken: refreshToken,
		TokenType:    TokenTypeBearer,
		ExpiresIn:    int64(client.AccessTokenTTL / time.Second),
	}
	return session, pair, nil
}

// CreateSession issues a token pair for an existing grant and persists the
// session. No tokens are returned unless the session was stored.
func (s *Server) CreateSession(ctx context.Context, grant *storage.Grant) (*storage.Session, *TokenPair, error) {
	ctx, span := s.startSpan(ctx, "create_session")
	defer span.End()

	client, err := s.clientStore.GetClient(ctx, grant.ClientID)
	if err != nil {
		instrumentation.RecordError(span, err)
		return nil, nil, serverError("create session", err)
	}

	session, pair, err := s.newSession(grant, client)
	if err != nil {
		instrumentation.RecordError(span, err)
		return nil, nil, serverError("create session", err)
	}
	if err := s.sessionStore.CreateSession(ctx, session); err != nil {
		instrumentation.RecordError(span, err)
		return nil, nil, serverError("create session", err)
	}

	s.sessionCreated(ctx, grant, session)
	instrumentation.AddSessionAttributes(span, session.ID, string(session.Status))
	instrumentation.SetSpanSuccess(span)

	return session, pair, nil
}

func (s *Server) sessionCreated(ctx context.Context, grant *storage.Grant, session *storage.Session) {
	s.metrics().RecordSessionCreated(ctx, grant.ClientID, string(grant.Kind))
	s.Auditor.LogSessionCreated(ctx, grant.UserID, grant.ClientID, session.ID, string(grant.Kind))
	s.Logger.Debug("Created session",
		"session_id", session.ID,
		"grant_id", grant.ID,
		"client_id", grant.ClientID)
}

// RefreshToken decodes a presented refresh token, finds its session and
// rotates it on behalf of client.
func (s *Server) RefreshToken(ctx context.Context, client *storage.Client, raw string) (*TokenPair, error) {
	claims, err := s.codec.DecodeRefreshToken(raw)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidRefreshToken, err)
	}

	session, err := s.sessionStore.GetSessionByRefreshToken(ctx, s.refreshTokenIndex(claims.JTI()))
	if err != nil {
		if errors.Is(err, storage.ErrSessionNotFound) {
			return nil, ErrInvalidGrant
		}
		return nil, serverError("find session", err)
	}

	return s.Refresh(ctx, client, session, claims)
}

// Refresh rotates session: the current session becomes refreshed and a
// successor is created in one atomic step.
//
// Presenting a refresh token whose session is no longer created, or whose
// grant belongs to another client, is treated as replay. The grant's active
// session is revoked and a *RevokedSessionError returned.
func (s *Server) Refresh(ctx context.Context, client *storage.Client, session *storage.Session, claims *token.Claims) (*TokenPair, error) {
	ctx, span := s.startSpan(ctx, "refresh")
	defer span.End()

	if !s.indexer.Equal(refreshTokenDomain, claims.JTI(), session.RefreshToken.Index) {
		instrumentation.RecordError(span, errMismatchedRefreshToken)
		return nil, serverError("refresh", errMismatchedRefreshToken)
	}

	result, err := s.Check(ctx, token.KindRefresh, claims)
	if err != nil {
		instrumentation.RecordError(span, err)
		return nil, err
	}
	if !result.Valid() {
		return nil, ErrInvalidGrant
	}

	grant, err := s.grantStore.GetGrant(ctx, session.GrantID)
	if err != nil {
		instrumentation.RecordError(span, err)
		return nil, serverError("refresh", err)
	}
	instrumentation.AddGrantAttributes(span, grant.ClientID, grant.UserID, grant.ID)

	if session.Status != storage.StatusCreated || client.ID != grant.ClientID {
		return nil, s.replayDetected(ctx, client, session, grant)
	}

	next, pair, err := s.newSession(grant, client)
	if err != nil {
		instrumentation.RecordError(span, err)
		return nil, serverError("refresh", err)
	}

	if err := s.sessionStore.RotateSession(ctx, session.ID, next); err != nil {
		if errors.Is(err, storage.ErrSessionNotActive) {
			// lost the race against a concurrent refresh of the same token
			return nil, s.replayDetected(ctx, client, session, grant)
		}
		instrumentation.RecordError(span, err)
		return nil, serverError("refresh", err)
	}

	s.metrics().RecordSessionTransition(ctx, string(storage.StatusRefreshed), "rotation")
	s.metrics().RecordSessionCreated(ctx, grant.ClientID, "refresh_token")
	s.Auditor.LogEvent(ctx, security.Event{
		Type:     security.EventSessionRefreshed,
		UserID:   grant.UserID,
		ClientID: grant.ClientID,
		Details: map[string]any{
			"refreshed_session_id": session.ID,
			"session_id":           next.ID,
		},
	})
	s.Logger.Debug("Refreshed session",
		"refreshed_session_id", session.ID,
		"session_id", next.ID,
		"client_id", client.ID)

	instrumentation.AddSessionAttributes(span, next.ID, string(next.Status))
	instrumentation.SetSpanSuccess(span)
	return pair, nil
}

// replayDetected revokes the grant's active session, or session itself when
// there is none, and reports the replay.
func (s *Server) replayDetected(ctx context.Context, client *storage.Client, session *storage.Session, grant *storage.Grant) error {
	revokedID, err := s.sessionStore.RevokeActiveSession(ctx, grant.ID, session.ID)
	if err != nil {
		return serverError("revoke active session", err)
	}

	replay := &RevokedSessionError{
		ClientID:           client.ID,
		RefreshedSessionID: session.ID,
		RevokedSessionID:   revokedID,
		UserID:             grant.UserID,
	}

	s.Logger.Warn("Refresh token replay detected, revoked active session",
		"client_id", replay.ClientID,
		"grant_client_id", grant.ClientID,
		"refreshed_session_id", replay.RefreshedSessionID,
		"revoked_session_id", replay.RevokedSessionID,
		"user_id", replay.UserID,
		"grant_id", grant.ID,
		"session_status", session.Status)
	s.metrics().RecordReplayDetected(ctx, client.ID)
	s.metrics().RecordSessionTransition(ctx, string(storage.StatusRevoked), "replay")
	s.Auditor.LogEvent(ctx, security.Event{
		Type:     security.EventRefreshTokenReplay,
		UserID:   grant.UserID,
		ClientID: client.ID,
		Details: map[string]any{
			"refreshed_session_id": replay.RefreshedSessionID,
			"revoked_session_id":   replay.RevokedSessionID,
			"grant_id":             grant.ID,
			"severity":             "high",
		},
	})

	return replay
}

// Revoke revokes session and the grant's active session if that is a
// different one. Revoking twice is a no-op.
func (s *Server) Revoke(ctx context.Context, session *storage.Session) error {
	ctx, span := s.startSpan(ctx, "revoke")
	defer span.End()

	revoked, err := s.sessionStore.RevokeSessionCascade(ctx, session.ID)
	if err != nil {
		if errors.Is(err, storage.ErrSessionNotFound) {
			return nil
		}
		instrumentation.RecordError(span, err)
		return serverError("revoke session", err)
	}

	if len(revoked) > 0 {
		for range revoked {
			s.metrics().RecordSessionTransition(ctx, string(storage.StatusRevoked), "revocation")
		}
		s.Auditor.LogSessionRevoked(ctx, "", revoked, "revocation_request")
		s.Logger.Info("Revoked sessions",
			"session_id", session.ID,
			"revoked_session_ids", revoked)
	}

	instrumentation.SetSpanSuccess(span)
	return nil
}

// RevokeForToken revokes the session owning jti as either an access or a
// refresh token. An unknown jti is not an error.
func (s *Server) RevokeForToken(ctx context.Context, jti string) error {
	session, err := s.findSessionForToken(ctx, jti)
	if err != nil || session == nil {
		return err
	}
	return s.Revoke(ctx, session)
}

// RevokeForAccessToken revokes the session owning an access token jti
func (s *Server) RevokeForAccessToken(ctx context.Context, jti string) error {
	return s.revokeByIndex(ctx, s.sessionStore.GetSessionByAccessToken, s.accessTokenIndex(jti))
}

// RevokeForRefreshToken revokes the session owning a refresh token jti
func (s *Server) RevokeForRefreshToken(ctx context.Context, jti string) error {
	return s.revokeByIndex(ctx, s.sessionStore.GetSessionByRefreshToken, s.refreshTokenIndex(jti))
}

func (s *Server) revokeByIndex(ctx context.Context, lookup func(context.Context, string) (*storage.Session, error), index string) error {
	session, err := lookup(ctx, index)
	if err != nil {
		if errors.Is(err, storage.ErrSessionNotFound) {
			return nil
		}
		return serverError("find session", err)
	}
	return s.Revoke(ctx, session)
}

// findSessionForToken looks jti up as an access token, then as a refresh
// token. It returns nil, nil when neither matches.
func (s *Server) findSessionForToken(ctx context.Context, jti string) (*storage.Session, error) {
	session, err := s.sessionStore.GetSessionByAccessToken(ctx, s.accessTokenIndex(jti))
	if err == nil {
		return session, nil
	}
	if !errors.Is(err, storage.ErrSessionNotFound) {
		return nil, serverError("find session", err)
	}

	session, err = s.sessionStore.GetSessionByRefreshToken(ctx, s.refreshTokenIndex(jti))
	if err == nil {
		return session, nil
	}
	if !errors.Is(err, storage.ErrSessionNotFound) {
		return nil, serverError("find session", err)
	}
	return nil, nil
}

// RevokeToken handles a revocation request from client. raw may be an
// access or a refresh token; hint selects which is tried first. Tokens that
// do not decode, are unknown, or belong to another client's grant are
// ignored so the response never reveals whether a token exists.
func (s *Server) RevokeToken(ctx context.Context, client *storage.Client, raw, hint string) error {
	kinds := []token.Kind{token.KindAccess, token.KindRefresh}
	if hint == TokenTypeHintRefreshToken {
		kinds = []token.Kind{token.KindRefresh, token.KindAccess}
	}

	for _, kind := range kinds {
		claims, err := s.codec.Decode(kind, raw)
		if err != nil {
			continue
		}

		var session *storage.Session
		if kind == token.KindAccess {
			session, err = s.sessionStore.GetSessionByAccessToken(ctx, s.accessTokenIndex(claims.JTI()))
		} else {
			session, err = s.sessionStore.GetSessionByRefreshToken(ctx, s.refreshTokenIndex(claims.JTI()))
		}
		if err != nil {
			if errors.Is(err, storage.ErrSessionNotFound) {
				return nil
			}
			return serverError("find session", err)
		}

		grant, err := s.grantStore.GetGrant(ctx, session.GrantID)
		if err != nil {
			return serverError("find grant", err)
		}
		if grant.ClientID != client.ID {
			s.Logger.Warn("Client attempted to revoke another client's token",
				"client_id", client.ID,
				"grant_client_id", grant.ClientID,
				"session_id", session.ID)
			return nil
		}
		return s.Revoke(ctx, session)
	}

	s.Logger.Debug("Ignoring revocation of undecodable token", "client_id", client.ID)
	return nil
}

// SessionDetail is a stored session with its sealed jtis opened.
type SessionDetail struct {
	*storage.Session
	AccessJTI  string
	RefreshJTI string
}

// ListSessions returns the grant's sessions oldest first with the access
// and refresh token jtis unsealed, for operators tracing a token back to
// its session.
func (s *Server) ListSessions(ctx context.Context, grantID string) ([]*SessionDetail, error) {
	sessions, err := s.sessionStore.ListSessions(ctx, grantID)
	if err != nil {
		return nil, fmt.Errorf("list sessions: %w", err)
	}

	details := make([]*SessionDetail, 0, len(sessions))
	for _, session := range sessions {
		accessJTI, err := s.encryptor.Decrypt(accessTokenDomain, session.AccessToken.Sealed)
		if err != nil {
			return nil, fmt.Errorf("open access token jti of session %s: %w", session.ID, err)
		}
		refreshJTI, err := s.encryptor.Decrypt(refreshTokenDomain, session.RefreshToken.Sealed)
		if err != nil {
			return nil, fmt.Errorf("open refresh token jti of session %s: %w", session.ID, err)
		}
		details = append(details, &SessionDetail{
			Session:    session,
			AccessJTI:  accessJTI,
			RefreshJTI: refreshJTI,
		})
	}
	return details, nil
}
