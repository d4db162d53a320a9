package security

// Event type constants for security audit logging.
const (
	// Grant and session lifecycle events

	// EventGrantIssued is logged when a user approves a client and a grant is minted
	EventGrantIssued = "authorization_grant_issued"

	// EventGrantRedeemed is logged when a grant is exchanged for a token pair
	EventGrantRedeemed = "authorization_grant_redeemed"

	// EventGrantDenied is logged when a user rejects an authorization request
	EventGrantDenied = "authorization_grant_denied"

	// EventSessionCreated is logged when a token pair is issued
	EventSessionCreated = "session_created"

	// EventSessionRefreshed is logged when a session is rotated
	EventSessionRefreshed = "session_refreshed"

	// EventSessionRevoked is logged when sessions are revoked on request
	EventSessionRevoked = "session_revoked"

	// EventSessionExpired is logged when claim validation expires a session
	EventSessionExpired = "session_expired"

	// EventTokenExchanged is logged when an access token is exchanged for a new session
	EventTokenExchanged = "token_exchanged" //nolint:gosec // event name, not a credential

	// EventClientCreated is logged when an administrator creates a client
	EventClientCreated = "client_created"

	// Security violation events

	// EventAuthFailure is logged when client authentication fails
	EventAuthFailure = "auth_failure"

	// EventRateLimitExceeded is logged when a rate limit is exceeded
	EventRateLimitExceeded = "rate_limit_exceeded"

	// EventChallengeFailed is logged when PKCE or redirect URI verification fails
	EventChallengeFailed = "challenge_failed"

	// EventGrantReuseAttempt is logged when an already redeemed grant is presented again
	EventGrantReuseAttempt = "authorization_grant_reuse_attempt"

	// EventRefreshTokenReplay is logged when a consumed refresh token is replayed
	EventRefreshTokenReplay = "refresh_token_replay_detected" //nolint:gosec // event name, not a credential

	// EventClaimsTampered is logged when aud, iss or user_id validation revokes a session
	EventClaimsTampered = "token_claims_tampered"
)
