package server

import (
	"context"
	"errors"
	"slices"

	"github.com/giantswarm/authz-server/security"
	"github.com/giantswarm/authz-server/storage"
	"github.com/giantswarm/authz-server/token"
)

// Claim names reported in ValidationResult.InvalidClaims
const (
	ClaimJTI        = "jti"
	ClaimAudience   = "aud"
	ClaimIssuer     = "iss"
	ClaimExpiration = "exp"
	ClaimUserID     = "user_id"
)

// revocableClaims revoke the session when invalid; they indicate a token
// that was not minted for this session.
var revocableClaims = []string{ClaimAudience, ClaimIssuer, ClaimUserID}

// ValidationResult is the outcome of validating a decoded token's claims.
type ValidationResult struct {
	Kind   token.Kind
	Claims *token.Claims

	// Session is the session the jti maps to, nil when jti is invalid
	Session *storage.Session

	// Grant is only loaded for access tokens
	Grant *storage.Grant

	InvalidClaims []string
}

// Valid reports whether every claim passed
func (r *ValidationResult) Valid() bool {
	return len(r.InvalidClaims) == 0
}

// Invalid reports whether claim failed validation
func (r *ValidationResult) Invalid(claim string) bool {
	return slices.Contains(r.InvalidClaims, claim)
}

func (r *ValidationResult) revocable() bool {
	for _, c := range revocableClaims {
		if r.Invalid(c) {
			return true
		}
	}
	return false
}

func (r *ValidationResult) add(claim string) {
	r.InvalidClaims = append(r.InvalidClaims, claim)
}

// Validate checks the claims of a decoded access or refresh token without
// changing any state: the jti must map to a session, aud must contain the
// configured audience, iss must equal the issuer, exp must not be in the
// past, and for access tokens user_id must equal the grant's user.
func (s *Server) Validate(ctx context.Context, kind token.Kind, claims *token.Claims) (*ValidationResult, error) {
	result := &ValidationResult{Kind: kind, Claims: claims}

	session, err := s.sessionForClaims(ctx, kind, claims)
	if err != nil {
		return nil, err
	}
	if session == nil {
		result.add(ClaimJTI)
	}
	result.Session = session

	if !slices.Contains(claims.Audience, s.codec.Audience()) {
		result.add(ClaimAudience)
	}
	if claims.Issuer != s.codec.Issuer() {
		result.add(ClaimIssuer)
	}
	if claims.ExpiresAt == nil || s.now().After(claims.ExpiresAt.Time) {
		result.add(ClaimExpiration)
	}

	if kind == token.KindAccess {
		if err := s.validateUserID(ctx, result); err != nil {
			return nil, err
		}
	}

	for _, claim := range result.InvalidClaims {
		s.metrics().RecordClaimValidationFailure(ctx, kind.String(), claim)
	}
	return result, nil
}

func (s *Server) sessionForClaims(ctx context.Context, kind token.Kind, claims *token.Claims) (*storage.Session, error) {
	jti := claims.JTI()
	if jti == "" {
		return nil, nil
	}

	var (
		session *storage.Session
		err     error
	)
	switch kind {
	case token.KindAccess:
		session, err = s.sessionStore.GetSessionByAccessToken(ctx, s.accessTokenIndex(jti))
	case token.KindRefresh:
		session, err = s.sessionStore.GetSessionByRefreshToken(ctx, s.refreshTokenIndex(jti))
	default:
		return nil, nil
	}
	if err != nil {
		if errors.Is(err, storage.ErrSessionNotFound) {
			return nil, nil
		}
		return nil, serverError("find session", err)
	}
	return session, nil
}

func (s *Server) validateUserID(ctx context.Context, result *ValidationResult) error {
	if result.Claims.UserID == "" || result.Session == nil {
		result.add(ClaimUserID)
		return nil
	}

	grant, err := s.grantStore.GetGrant(ctx, result.Session.GrantID)
	if err != nil {
		if errors.Is(err, storage.ErrGrantNotFound) {
			result.add(ClaimUserID)
			return nil
		}
		return serverError("find grant", err)
	}
	result.Grant = grant

	if grant.UserID != result.Claims.UserID {
		result.add(ClaimUserID)
	}
	return nil
}

// ApplySideEffects updates the session behind an invalid result. An invalid
// aud, iss or user_id revokes it; an invalid exp alone expires it. Nothing
// happens when the result is valid or the jti did not map to a session.
func (s *Server) ApplySideEffects(ctx context.Context, result *ValidationResult) error {
	if result.Valid() || result.Invalid(ClaimJTI) || result.Session == nil {
		return nil
	}

	status := storage.StatusExpired
	if result.revocable() {
		status = storage.StatusRevoked
	}

	changed, err := s.sessionStore.UpdateSessionStatus(ctx, result.Session.ID, status)
	if err != nil {
		return serverError("update session status", err)
	}
	if !changed {
		return nil
	}
	result.Session.Status = status

	s.metrics().RecordSessionTransition(ctx, string(status), "claim_validation")

	event := security.Event{
		Type: security.EventSessionExpired,
		Details: map[string]any{
			"session_id":     result.Session.ID,
			"token_kind":     result.Kind.String(),
			"invalid_claims": result.InvalidClaims,
		},
	}
	if status == storage.StatusRevoked {
		event.Type = security.EventClaimsTampered
		s.Logger.Warn("Revoked session after invalid token claims",
			"session_id", result.Session.ID,
			"token_kind", result.Kind.String(),
			"invalid_claims", result.InvalidClaims)
	} else {
		s.Logger.Debug("Expired session",
			"session_id", result.Session.ID,
			"token_kind", result.Kind.String())
	}
	s.Auditor.LogEvent(ctx, event)

	return nil
}

// Check validates claims and applies the side effects of the result.
func (s *Server) Check(ctx context.Context, kind token.Kind, claims *token.Claims) (*ValidationResult, error) {
	result, err := s.Validate(ctx, kind, claims)
	if err != nil {
		return nil, err
	}
	if err := s.ApplySideEffects(ctx, result); err != nil {
		return nil, err
	}
	return result, nil
}
