package storage

import (
	"context"
	"errors"
	"fmt"
	"time"
)

var (
	// ErrClientNotFound is returned when no client exists for the given id.
	ErrClientNotFound = errors.New("client not found")

	// ErrClientExists is returned when saving a client whose id is taken.
	ErrClientExists = errors.New("client already exists")

	// ErrGrantNotFound is returned when no grant exists for the given id.
	ErrGrantNotFound = errors.New("authorization grant not found")

	// ErrGrantAlreadyRedeemed is returned by RedeemGrant when the redeemed
	// flag was already set.
	ErrGrantAlreadyRedeemed = errors.New("authorization grant already redeemed")

	// ErrGrantExpiryTooLong is returned when a grant would outlive MaxGrantLifetime.
	ErrGrantExpiryTooLong = errors.New("authorization grant expiry exceeds maximum lifetime")

	// ErrSessionNotFound is returned when no session matches a lookup.
	ErrSessionNotFound = errors.New("session not found")

	// ErrSessionNotActive is returned by RotateSession when the current
	// session is no longer in the created status.
	ErrSessionNotActive = errors.New("session is not active")

	// ErrDuplicateTokenID is returned when a session's jti index collides
	// with an existing session.
	ErrDuplicateTokenID = errors.New("duplicate token identifier")
)

// MaxGrantLifetime is the ceiling for the lifetime of any authorization grant.
const MaxGrantLifetime = 10 * time.Minute

// ClientType is the tagged variant over client kinds. The only
// implementations are Public and Confidential.
type ClientType interface {
	clientType()
	// Name returns the persisted name of the variant.
	Name() string
}

// Public is a client that cannot hold a secret.
type Public struct{}

// Confidential is a client authenticated with HTTP Basic. SecretHash is
// the bcrypt hash of the secret issued at creation.
type Confidential struct {
	SecretHash string
}

func (Public) clientType()       {}
func (Confidential) clientType() {}

// Name implements ClientType.
func (Public) Name() string { return ClientTypePublic }

// Name implements ClientType.
func (Confidential) Name() string { return ClientTypeConfidential }

// Persisted names of the client variants.
const (
	ClientTypePublic       = "public"
	ClientTypeConfidential = "confidential"
)

// ClientTypeFromName rebuilds a ClientType from its persisted form.
func ClientTypeFromName(name, secretHash string) (ClientType, error) {
	switch name {
	case ClientTypePublic:
		return Public{}, nil
	case ClientTypeConfidential:
		if secretHash == "" {
			return nil, fmt.Errorf("confidential client without secret hash")
		}
		return Confidential{SecretHash: secretHash}, nil
	default:
		return nil, fmt.Errorf("unknown client type %q", name)
	}
}

// SecretHashOf returns the stored secret hash for confidential clients and
// an empty string otherwise.
func SecretHashOf(t ClientType) string {
	if c, ok := t.(Confidential); ok {
		return c.SecretHash
	}
	return ""
}

// Client is a registered application.
type Client struct {
	ID              string
	Name            string
	Type            ClientType
	RedirectURI     string
	AccessTokenTTL  time.Duration
	RefreshTokenTTL time.Duration
	CreatedAt       time.Time
}

// IsPublic reports whether the client is a public client.
func (c *Client) IsPublic() bool {
	_, ok := c.Type.(Public)
	return ok
}

// GrantKind distinguishes grants minted by user approval from grants
// minted by token exchange.
type GrantKind string

const (
	GrantKindAuthorizationCode GrantKind = "authorization_code"
	GrantKindTokenExchange     GrantKind = "token_exchange"
)

// Challenge is the PKCE material declared at authorize time. Any field may
// be empty for confidential clients.
type Challenge struct {
	CodeChallenge       string
	CodeChallengeMethod string
	RedirectURI         string
}

// HasCodeChallenge reports whether any PKCE field was declared.
func (c Challenge) HasCodeChallenge() bool {
	return c.CodeChallenge != "" || c.CodeChallengeMethod != ""
}

// HasRedirectURI reports whether a redirect URI was declared.
func (c Challenge) HasRedirectURI() bool {
	return c.RedirectURI != ""
}

// Grant is a one-time authorization grant. Its ID is the authorization code.
type Grant struct {
	ID        string
	Kind      GrantKind
	UserID    string
	ClientID  string
	Challenge Challenge
	ExpiresAt time.Time
	CreatedAt time.Time
	Redeemed  bool
}

// Validate enforces the standing grant invariants.
func (g *Grant) Validate() error {
	if g.ID == "" || g.UserID == "" || g.ClientID == "" {
		return fmt.Errorf("grant is missing required fields")
	}
	if g.ExpiresAt.Sub(g.CreatedAt) > MaxGrantLifetime {
		return ErrGrantExpiryTooLong
	}
	return nil
}

// IsExpired reports whether the grant has expired at now.
func (g *Grant) IsExpired(now time.Time) bool {
	return !now.Before(g.ExpiresAt)
}

// SessionStatus is the lifecycle state of a Session.
type SessionStatus string

const (
	StatusCreated   SessionStatus = "created"
	StatusExpired   SessionStatus = "expired"
	StatusRefreshed SessionStatus = "refreshed"
	StatusRevoked   SessionStatus = "revoked"
)

// CanTransition reports whether a session may move from s to next.
// Only created sessions expire or get refreshed; anything not yet revoked
// may be revoked; revoked is terminal.
func (s SessionStatus) CanTransition(next SessionStatus) bool {
	switch s {
	case StatusCreated:
		return next != StatusCreated
	case StatusExpired, StatusRefreshed:
		return next == StatusRevoked
	default:
		return false
	}
}

// Valid reports whether s is a known status.
func (s SessionStatus) Valid() bool {
	switch s {
	case StatusCreated, StatusExpired, StatusRefreshed, StatusRevoked:
		return true
	}
	return false
}

// TokenRef is how a jti is persisted: Index is a keyed digest used for
// exact-match lookup and uniqueness, Sealed is the encrypted jti.
type TokenRef struct {
	Index  string
	Sealed string
}

// Session records one issued token pair and its lifecycle.
type Session struct {
	ID           string
	GrantID      string
	AccessToken  TokenRef
	RefreshToken TokenRef
	Status       SessionStatus
	CreatedAt    time.Time
}

// ClientStore persists clients.
type ClientStore interface {
	// SaveClient stores a new client. Returns ErrClientExists on id collision.
	SaveClient(ctx context.Context, client *Client) error

	// GetClient returns the client or ErrClientNotFound.
	GetClient(ctx context.Context, clientID string) (*Client, error)

	// ListClients returns all clients ordered by creation time.
	ListClients(ctx context.Context) ([]*Client, error)
}

// GrantStore persists authorization grants and their challenges.
type GrantStore interface {
	// SaveGrant stores a new grant. Implementations MUST reject grants that
	// fail Grant.Validate.
	SaveGrant(ctx context.Context, grant *Grant) error

	// GetGrant returns the grant or ErrGrantNotFound.
	GetGrant(ctx context.Context, grantID string) (*Grant, error)

	// RedeemGrant marks the grant redeemed and inserts session as its first
	// session. Returns ErrGrantAlreadyRedeemed if the flag was already set
	// and ErrDuplicateTokenID on a jti collision; in both cases nothing is
	// written.
	// SECURITY: This operation MUST be atomic.
	RedeemGrant(ctx context.Context, grantID string, session *Session) error

	// DeleteGrantsForUser removes every grant owned by the user together with
	// its challenge and sessions. Returns the number of grants removed.
	DeleteGrantsForUser(ctx context.Context, userID string) (int, error)
}

// SessionStore persists sessions and owns their atomic transitions.
type SessionStore interface {
	// CreateSession inserts a new session in the created status.
	CreateSession(ctx context.Context, session *Session) error

	// GetSession returns a session by id.
	GetSession(ctx context.Context, sessionID string) (*Session, error)

	// GetSessionByAccessToken looks a session up by access token index.
	GetSessionByAccessToken(ctx context.Context, index string) (*Session, error)

	// GetSessionByRefreshToken looks a session up by refresh token index.
	GetSessionByRefreshToken(ctx context.Context, index string) (*Session, error)

	// ActiveSession returns the most recently created session in the created
	// status for the grant, or ErrSessionNotFound.
	ActiveSession(ctx context.Context, grantID string) (*Session, error)

	// ListSessions returns the grant's sessions oldest first.
	ListSessions(ctx context.Context, grantID string) ([]*Session, error)

	// RotateSession moves currentID from created to refreshed and inserts
	// next for the same grant. Returns ErrSessionNotActive when currentID is
	// no longer created.
	// SECURITY: This operation MUST be atomic (compare-and-swap on status).
	RotateSession(ctx context.Context, currentID string, next *Session) error

	// UpdateSessionStatus applies a transition allowed by
	// SessionStatus.CanTransition. It reports whether the status changed.
	UpdateSessionStatus(ctx context.Context, sessionID string, status SessionStatus) (bool, error)

	// RevokeSessionCascade revokes the session and the grant's active
	// session, returning the ids that changed status.
	// SECURITY: This operation MUST be atomic.
	RevokeSessionCascade(ctx context.Context, sessionID string) ([]string, error)

	// RevokeActiveSession revokes the grant's active session, or fallbackID
	// when no session is active, and returns the id it revoked.
	// SECURITY: This operation MUST be atomic.
	RevokeActiveSession(ctx context.Context, grantID, fallbackID string) (string, error)
}

// Store is implemented by every backend.
type Store interface {
	ClientStore
	GrantStore
	SessionStore
}
