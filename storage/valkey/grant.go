package valkey

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"github.com/giantswarm/authz-server/storage"
)

// ============================================================
// GrantStore Implementation
// ============================================================

// SaveGrant stores a new authorization grant together with its challenge
func (s *Store) SaveGrant(ctx context.Context, grant *storage.Grant) error {
	if grant == nil {
		return fmt.Errorf("grant cannot be nil")
	}
	if err := grant.Validate(); err != nil {
		return err
	}
	if len(grant.ID) > MaxIDLength || len(grant.UserID) > MaxIDLength {
		return errInputTooLarge
	}

	redeemed := "0"
	if grant.Redeemed {
		redeemed = "1"
	}

	result, err := saveGrantScript.Run(ctx, s.client,
		[]string{s.grantKey(grant.ID), s.userGrantsKey(grant.UserID)},
		grant.ID,
		string(grant.Kind),
		grant.UserID,
		grant.ClientID,
		grant.Challenge.CodeChallenge,
		grant.Challenge.CodeChallengeMethod,
		grant.Challenge.RedirectURI,
		strconv.FormatInt(grant.ExpiresAt.UnixNano(), 10),
		strconv.FormatInt(grant.CreatedAt.UnixNano(), 10),
		redeemed,
	).Text()
	if err != nil {
		return fmt.Errorf("failed to save grant: %w", err)
	}
	if result == replyExists {
		return fmt.Errorf("authorization grant %s already exists", grant.ID)
	}

	return nil
}

// GetGrant retrieves an authorization grant by id
func (s *Store) GetGrant(ctx context.Context, grantID string) (*storage.Grant, error) {
	fields, err := s.client.HGetAll(ctx, s.grantKey(grantID)).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to get grant: %w", err)
	}
	if len(fields) == 0 {
		return nil, storage.ErrGrantNotFound
	}

	expiresAt, err := strconv.ParseInt(fields["expires_at"], 10, 64)
	if err != nil {
		return nil, fmt.Errorf("grant %s: invalid expires_at: %w", grantID, err)
	}
	createdAt, err := strconv.ParseInt(fields["created_at"], 10, 64)
	if err != nil {
		return nil, fmt.Errorf("grant %s: invalid created_at: %w", grantID, err)
	}

	return &storage.Grant{
		ID:       fields["id"],
		Kind:     storage.GrantKind(fields["kind"]),
		UserID:   fields["user_id"],
		ClientID: fields["client_id"],
		Challenge: storage.Challenge{
			CodeChallenge:       fields["code_challenge"],
			CodeChallengeMethod: fields["code_challenge_method"],
			RedirectURI:         fields["redirect_uri"],
		},
		ExpiresAt: time.Unix(0, expiresAt),
		CreatedAt: time.Unix(0, createdAt),
		Redeemed:  fields["redeemed"] == "1",
	}, nil
}

// RedeemGrant atomically marks the grant redeemed and inserts its first session.
//
// SECURITY: This operation is atomic via Lua script - only ONE concurrent request can succeed.
func (s *Store) RedeemGrant(ctx context.Context, grantID string, session *storage.Session) error {
	if err := checkSession(session); err != nil {
		return err
	}
	session.GrantID = grantID

	keys := append(s.sessionKeys(session), s.grantKey(grantID))
	result, err := redeemGrantScript.Run(ctx, s.client, keys, sessionArgs(session)...).Text()
	if err != nil {
		return fmt.Errorf("failed to execute atomic grant redemption: %w", err)
	}

	switch result {
	case replyNotFound:
		return storage.ErrGrantNotFound
	case replyAlreadyRedeemed:
		return storage.ErrGrantAlreadyRedeemed
	case replyDuplicate:
		return storage.ErrDuplicateTokenID
	}

	s.logger.Debug("Redeemed authorization grant", "session_id", session.ID)
	return nil
}

// DeleteGrantsForUser removes the user's grants together with their sessions
func (s *Store) DeleteGrantsForUser(ctx context.Context, userID string) (int, error) {
	deleted, err := deleteGrantsForUserScript.Run(ctx, s.client,
		[]string{s.userGrantsKey(userID)},
		s.prefix,
	).Int()
	if err != nil {
		return 0, fmt.Errorf("failed to delete grants: %w", err)
	}

	if deleted > 0 {
		s.logger.Info("Deleted authorization grants for user", "grants", deleted)
	}
	return deleted, nil
}
