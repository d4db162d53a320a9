package server

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"

	"github.com/giantswarm/authz-server/instrumentation"
	"github.com/giantswarm/authz-server/security"
	"github.com/giantswarm/authz-server/storage"
)

// CreateGrant mints an authorization grant for userID and client carrying
// the challenge declared at authorize time. The grant id is the
// authorization code handed to the client.
func (s *Server) CreateGrant(ctx context.Context, userID string, client *storage.Client, challenge storage.Challenge) (*storage.Grant, error) {
	ctx, span := s.startSpan(ctx, "create_grant")
	defer span.End()

	now := s.now()
	grant := &storage.Grant{
		ID:        uuid.NewString(),
		Kind:      storage.GrantKindAuthorizationCode,
		UserID:    userID,
		ClientID:  client.ID,
		Challenge: challenge,
		ExpiresAt: now.Add(s.Config.GrantTTL),
		CreatedAt: now,
	}
	if err := grant.Validate(); err != nil {
		instrumentation.RecordError(span, err)
		return nil, err
	}

	if err := s.grantStore.SaveGrant(ctx, grant); err != nil {
		instrumentation.RecordError(span, err)
		return nil, serverError("save grant", err)
	}

	s.metrics().RecordGrantIssued(ctx, client.ID, challenge.HasCodeChallenge())
	s.Auditor.LogEvent(ctx, security.Event{
		Type:     security.EventGrantIssued,
		UserID:   userID,
		ClientID: client.ID,
		Details: map[string]any{
			"pkce": challenge.HasCodeChallenge(),
		},
	})
	s.Logger.Info("Issued authorization grant",
		"client_id", client.ID,
		"pkce", challenge.HasCodeChallenge())

	instrumentation.AddGrantAttributes(span, client.ID, userID, grant.ID)
	instrumentation.SetSpanSuccess(span)
	return grant, nil
}

// Redeem exchanges an authorization code for a token pair.
//
// The grant is looked up and its state checked before anything else, so a
// missing, redeemed, expired or foreign grant is always ErrInvalidGrant.
// A failed PKCE or redirect URI check returns *UnsuccessfulChallengeError
// and leaves the grant redeemable. On success the grant is marked redeemed
// and the session created in one atomic store operation.
func (s *Server) Redeem(ctx context.Context, client *storage.Client, code, verifier, redirectURI string) (*TokenPair, error) {
	ctx, span := s.startSpan(ctx, "redeem")
	defer span.End()

	if code == "" {
		return nil, s.redemptionFailed(ctx, client, "missing_code", ErrInvalidGrant)
	}

	grant, err := s.grantStore.GetGrant(ctx, code)
	if err != nil {
		if errors.Is(err, storage.ErrGrantNotFound) {
			return nil, s.redemptionFailed(ctx, client, "not_found", ErrInvalidGrant)
		}
		instrumentation.RecordError(span, err)
		return nil, serverError("find grant", err)
	}
	instrumentation.AddGrantAttributes(span, grant.ClientID, grant.UserID, grant.ID)

	if grant.Redeemed {
		s.Logger.Warn("Authorization grant reuse attempt",
			"grant_id", grant.ID,
			"client_id", client.ID)
		s.Auditor.LogEvent(ctx, security.Event{
			Type:     security.EventGrantReuseAttempt,
			UserID:   grant.UserID,
			ClientID: client.ID,
			Details: map[string]any{
				"grant_id": grant.ID,
			},
		})
		return nil, s.redemptionFailed(ctx, client, "already_redeemed", ErrInvalidGrant)
	}
	if grant.IsExpired(s.now()) {
		return nil, s.redemptionFailed(ctx, client, "expired", fmt.Errorf("%w: %w", ErrInvalidGrant, ErrGrantExpired))
	}
	if grant.ClientID != client.ID {
		return nil, s.redemptionFailed(ctx, client, "client_mismatch", ErrInvalidGrant)
	}
	if grant.Kind != storage.GrantKindAuthorizationCode {
		return nil, s.redemptionFailed(ctx, client, "wrong_kind", ErrInvalidGrant)
	}

	if failures := verifyChallenge(client, grant.Challenge, verifier, redirectURI); len(failures) > 0 {
		for _, f := range failures {
			s.metrics().RecordChallengeFailure(ctx, challengeFailureReason(f))
		}
		s.Auditor.LogEvent(ctx, security.Event{
			Type:     security.EventChallengeFailed,
			UserID:   grant.UserID,
			ClientID: client.ID,
			Details: map[string]any{
				"grant_id": grant.ID,
				"failures": len(failures),
			},
		})
		err := &UnsuccessfulChallengeError{Failures: failures}
		instrumentation.RecordError(span, err)
		s.metrics().RecordGrantRedemption(ctx, client.ID, "challenge_failed")
		return nil, err
	}

	session, pair, err := s.newSession(grant, client)
	if err != nil {
		instrumentation.RecordError(span, err)
		return nil, serverError("redeem grant", err)
	}

	if err := s.grantStore.RedeemGrant(ctx, grant.ID, session); err != nil {
		if errors.Is(err, storage.ErrGrantAlreadyRedeemed) || errors.Is(err, storage.ErrGrantNotFound) {
			// a concurrent redemption won
			return nil, s.redemptionFailed(ctx, client, "already_redeemed", ErrInvalidGrant)
		}
		instrumentation.RecordError(span, err)
		return nil, serverError("redeem grant", err)
	}

	s.metrics().RecordGrantRedemption(ctx, client.ID, "success")
	s.Auditor.LogEvent(ctx, security.Event{
		Type:     security.EventGrantRedeemed,
		UserID:   grant.UserID,
		ClientID: client.ID,
		Details: map[string]any{
			"grant_id":   grant.ID,
			"session_id": session.ID,
		},
	})
	s.sessionCreated(ctx, grant, session)

	instrumentation.AddSessionAttributes(span, session.ID, string(session.Status))
	instrumentation.SetSpanSuccess(span)
	return pair, nil
}

func (s *Server) redemptionFailed(ctx context.Context, client *storage.Client, reason string, err error) error {
	s.metrics().RecordGrantRedemption(ctx, client.ID, reason)
	s.Logger.Debug("Authorization grant redemption failed",
		"client_id", client.ID,
		"reason", reason)
	return err
}

// verifyChallenge applies the redemption policy for PKCE and redirect_uri.
//
// Each check runs when the client is public, when the value was declared at
// authorize time, or when the value is presented now. A value presented
// without a matching declaration fails.
func verifyChallenge(client *storage.Client, challenge storage.Challenge, verifier, redirectURI string) []error {
	var failures []error

	if client.IsPublic() || challenge.HasCodeChallenge() || verifier != "" {
		if !challenge.HasCodeChallenge() {
			failures = append(failures, ErrInvalidCodeVerifier)
		} else if err := VerifyCodeChallenge(challenge, verifier); err != nil {
			failures = append(failures, err)
		}
	}

	if client.IsPublic() || challenge.HasRedirectURI() || redirectURI != "" {
		if !challenge.HasRedirectURI() {
			failures = append(failures, ErrInvalidRedirectionURI)
		} else if err := VerifyRedirectURI(challenge, redirectURI); err != nil {
			failures = append(failures, err)
		}
	}

	return failures
}

func challengeFailureReason(err error) string {
	switch {
	case errors.Is(err, ErrInvalidCodeVerifier):
		return "code_verifier"
	case errors.Is(err, ErrInvalidRedirectionURI):
		return "redirect_uri"
	default:
		return "unknown"
	}
}
