package valkey

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"github.com/giantswarm/authz-server/storage"
)

// ============================================================
// SessionStore Implementation
// ============================================================

// CreateSession inserts a new session for an existing grant
func (s *Store) CreateSession(ctx context.Context, session *storage.Session) error {
	if err := checkSession(session); err != nil {
		return err
	}

	keys := append(s.sessionKeys(session), s.grantKey(session.GrantID))
	result, err := createSessionScript.Run(ctx, s.client, keys, sessionArgs(session)...).Text()
	if err != nil {
		return fmt.Errorf("failed to create session: %w", err)
	}

	switch result {
	case replyNotFound:
		return storage.ErrGrantNotFound
	case replyDuplicate:
		return storage.ErrDuplicateTokenID
	}
	return nil
}

// GetSession retrieves a session by id
func (s *Store) GetSession(ctx context.Context, sessionID string) (*storage.Session, error) {
	fields, err := s.client.HGetAll(ctx, s.sessionKey(sessionID)).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to get session: %w", err)
	}
	if len(fields) == 0 {
		return nil, storage.ErrSessionNotFound
	}
	return sessionFromFields(fields)
}

// GetSessionByAccessToken looks a session up by access token index
func (s *Store) GetSessionByAccessToken(ctx context.Context, index string) (*storage.Session, error) {
	return s.getByIndex(ctx, s.accessIndexKey(index), index)
}

// GetSessionByRefreshToken looks a session up by refresh token index
func (s *Store) GetSessionByRefreshToken(ctx context.Context, index string) (*storage.Session, error) {
	return s.getByIndex(ctx, s.refreshIndexKey(index), index)
}

func (s *Store) getByIndex(ctx context.Context, key, index string) (*storage.Session, error) {
	if index == "" || len(index) > MaxIDLength {
		return nil, storage.ErrSessionNotFound
	}

	sessionID, err := s.client.Get(ctx, key).Result()
	if err != nil {
		if isNilError(err) {
			return nil, storage.ErrSessionNotFound
		}
		return nil, fmt.Errorf("failed to look up session: %w", err)
	}
	return s.GetSession(ctx, sessionID)
}

// ActiveSession returns the latest created session of the grant
func (s *Store) ActiveSession(ctx context.Context, grantID string) (*storage.Session, error) {
	sessions, err := s.ListSessions(ctx, grantID)
	if err != nil {
		return nil, err
	}
	for i := len(sessions) - 1; i >= 0; i-- {
		if sessions[i].Status == storage.StatusCreated {
			return sessions[i], nil
		}
	}
	return nil, storage.ErrSessionNotFound
}

// ListSessions returns the grant's sessions oldest first
func (s *Store) ListSessions(ctx context.Context, grantID string) ([]*storage.Session, error) {
	ids, err := s.client.LRange(ctx, s.grantSessionsKey(grantID), 0, -1).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to list sessions: %w", err)
	}

	sessions := make([]*storage.Session, 0, len(ids))
	for _, id := range ids {
		sess, err := s.GetSession(ctx, id)
		if err != nil {
			return nil, err
		}
		sessions = append(sessions, sess)
	}
	return sessions, nil
}

// RotateSession moves currentID to refreshed and inserts next.
//
// SECURITY: This operation is atomic via Lua script - only ONE concurrent request can succeed.
func (s *Store) RotateSession(ctx context.Context, currentID string, next *storage.Session) error {
	if err := checkSession(next); err != nil {
		return err
	}

	// grant_id never changes, the script re-checks it
	grantID, err := s.client.HGet(ctx, s.sessionKey(currentID), "grant_id").Result()
	if err != nil {
		if isNilError(err) {
			return storage.ErrSessionNotFound
		}
		return fmt.Errorf("failed to get session: %w", err)
	}
	next.GrantID = grantID

	keys := append(s.sessionKeys(next), s.sessionKey(currentID))
	result, err := rotateSessionScript.Run(ctx, s.client, keys, sessionArgs(next)...).Text()
	if err != nil {
		return fmt.Errorf("failed to execute atomic session rotation: %w", err)
	}

	switch result {
	case replyNotFound:
		return storage.ErrSessionNotFound
	case replyNotActive:
		return storage.ErrSessionNotActive
	case replyDuplicate:
		return storage.ErrDuplicateTokenID
	}
	return nil
}

// UpdateSessionStatus applies an allowed status transition
func (s *Store) UpdateSessionStatus(ctx context.Context, sessionID string, status storage.SessionStatus) (bool, error) {
	if !status.Valid() {
		return false, fmt.Errorf("invalid session status %q", status)
	}

	result, err := updateSessionStatusScript.Run(ctx, s.client,
		[]string{s.sessionKey(sessionID)},
		string(status),
	).Text()
	if err != nil {
		return false, fmt.Errorf("failed to update session status: %w", err)
	}

	switch result {
	case replyNotFound:
		return false, storage.ErrSessionNotFound
	case replyChanged:
		return true, nil
	case replyUnchanged:
		return false, nil
	default:
		return false, fmt.Errorf("unexpected reply %q", result)
	}
}

// RevokeSessionCascade revokes the session and its grant's active session
//
// SECURITY: This operation is atomic via Lua script.
func (s *Store) RevokeSessionCascade(ctx context.Context, sessionID string) ([]string, error) {
	reply, err := revokeSessionCascadeScript.Run(ctx, s.client,
		[]string{s.sessionKey(sessionID)},
		sessionID, s.prefix,
	).StringSlice()
	if err != nil {
		return nil, fmt.Errorf("failed to revoke sessions: %w", err)
	}
	if len(reply) == 0 || reply[0] != replyOK {
		return nil, storage.ErrSessionNotFound
	}
	return reply[1:], nil
}

// RevokeActiveSession revokes the grant's active session, or fallbackID
// when none is active
//
// SECURITY: This operation is atomic via Lua script.
func (s *Store) RevokeActiveSession(ctx context.Context, grantID, fallbackID string) (string, error) {
	reply, err := revokeActiveSessionScript.Run(ctx, s.client,
		[]string{s.sessionKey(fallbackID)},
		grantID, fallbackID, s.prefix,
	).StringSlice()
	if err != nil {
		return "", fmt.Errorf("failed to revoke active session: %w", err)
	}
	if len(reply) != 2 || reply[0] != replyOK {
		return "", storage.ErrSessionNotFound
	}
	return reply[1], nil
}

func sessionFromFields(fields map[string]string) (*storage.Session, error) {
	createdAt, err := strconv.ParseInt(fields["created_at"], 10, 64)
	if err != nil {
		return nil, fmt.Errorf("session %s: invalid created_at: %w", fields["id"], err)
	}

	return &storage.Session{
		ID:      fields["id"],
		GrantID: fields["grant_id"],
		AccessToken: storage.TokenRef{
			Index:  fields["access_token_index"],
			Sealed: fields["access_token_sealed"],
		},
		RefreshToken: storage.TokenRef{
			Index:  fields["refresh_token_index"],
			Sealed: fields["refresh_token_sealed"],
		},
		Status:    storage.SessionStatus(fields["status"]),
		CreatedAt: time.Unix(0, createdAt),
	}, nil
}
