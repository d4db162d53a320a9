package server

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/google/uuid"
	"golang.org/x/crypto/bcrypt"

	"github.com/giantswarm/authz-server/security"
	"github.com/giantswarm/authz-server/storage"
)

// Client name length bounds
const (
	MinClientNameLength = 3
	MaxClientNameLength = 255
)

// ClientCredentials is what a request presents to identify its client.
type ClientCredentials struct {
	// ClientID is the client_id request parameter, if any
	ClientID string

	// HasBasic is set when the request carried HTTP Basic credentials
	HasBasic    bool
	BasicID     string
	BasicSecret string

	// IPAddress is only used for audit logging
	IPAddress string
}

// ClientSpec describes a client to create administratively.
type ClientSpec struct {
	// ID is optional; a UUID is generated when empty
	ID              string
	Name            string
	Type            string // storage.ClientTypePublic or storage.ClientTypeConfidential
	RedirectURI     string
	AccessTokenTTL  int64 // seconds, 0 means Config.DefaultAccessTokenTTL
	RefreshTokenTTL int64 // seconds, 0 means Config.DefaultRefreshTokenTTL
}

// FindClient returns the client or an error wrapping storage.ErrClientNotFound.
func (s *Server) FindClient(ctx context.Context, clientID string) (*storage.Client, error) {
	if clientID == "" {
		return nil, storage.ErrClientNotFound
	}
	return s.clientStore.GetClient(ctx, clientID)
}

// AuthenticateClient authenticates the caller of a client-facing endpoint.
//
// Public clients need a known client id and must not claim a secret.
// Confidential clients need HTTP Basic credentials with a matching secret;
// a client_id parameter, if present, must equal the Basic user name.
func (s *Server) AuthenticateClient(ctx context.Context, creds ClientCredentials) (*storage.Client, error) {
	clientID := creds.ClientID
	if creds.HasBasic {
		if clientID != "" && clientID != creds.BasicID {
			return nil, s.clientAuthFailed(ctx, creds, "client_id_mismatch")
		}
		clientID = creds.BasicID
	}

	client, err := s.FindClient(ctx, clientID)
	if err != nil {
		if errors.Is(err, storage.ErrClientNotFound) {
			// Unknown ids take as long as a bad secret
			if creds.HasBasic {
				_ = bcrypt.CompareHashAndPassword(dummySecretHash, []byte(creds.BasicSecret))
			}
			return nil, s.clientAuthFailed(ctx, creds, "unknown_client")
		}
		return nil, serverError("find client", err)
	}

	switch t := client.Type.(type) {
	case storage.Public:
		if creds.HasBasic && creds.BasicSecret != "" {
			return nil, s.clientAuthFailed(ctx, creds, "public_client_with_secret")
		}
	case storage.Confidential:
		if !creds.HasBasic {
			return nil, s.clientAuthFailed(ctx, creds, "missing_basic_credentials")
		}
		if err := bcrypt.CompareHashAndPassword([]byte(t.SecretHash), []byte(creds.BasicSecret)); err != nil {
			return nil, s.clientAuthFailed(ctx, creds, "invalid_secret")
		}
	default:
		return nil, serverError("authenticate client", fmt.Errorf("unknown client type %T", client.Type))
	}

	return client, nil
}

// dummySecretHash is compared against when the client does not exist
var dummySecretHash = []byte("$2a$10$N9qo8uLOickgx2ZMRZoMyeIjZAgcfl7p92ldGxad68LJZdL17lhWy")

func (s *Server) clientAuthFailed(ctx context.Context, creds ClientCredentials, reason string) error {
	s.metrics().RecordClientAuthFailure(ctx, reason)
	if s.allowSecurityEvent("client_auth:" + creds.IPAddress) {
		s.Auditor.LogAuthFailure(ctx, creds.ClientID, creds.IPAddress, reason)
	}
	s.Logger.Debug("Client authentication failed",
		"client_id", creds.ClientID,
		"reason", reason)
	return ErrInvalidClient
}

// RedirectURLFor builds the client's registered redirect URI with its query
// replaced by params.
func (s *Server) RedirectURLFor(client *storage.Client, params url.Values) (string, error) {
	u, err := parseRedirectURI(client.RedirectURI)
	if err != nil {
		return "", err
	}
	u.RawQuery = params.Encode()
	return u.String(), nil
}

// parseRedirectURI accepts absolute http(s) URIs with a host
func parseRedirectURI(raw string) (*url.URL, error) {
	if raw == "" {
		return nil, fmt.Errorf("%w: empty", ErrInvalidRedirectURL)
	}
	u, err := url.Parse(raw)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidRedirectURL, err)
	}
	scheme := strings.ToLower(u.Scheme)
	if scheme != "http" && scheme != "https" {
		return nil, fmt.Errorf("%w: scheme must be http or https", ErrInvalidRedirectURL)
	}
	if u.Host == "" {
		return nil, fmt.Errorf("%w: missing host", ErrInvalidRedirectURL)
	}
	return u, nil
}

// CreateClient validates spec and stores a new client. For confidential
// clients the generated plaintext secret is returned; it is not stored and
// cannot be recovered later.
func (s *Server) CreateClient(ctx context.Context, spec ClientSpec) (*storage.Client, string, error) {
	if err := s.validateClientSpec(&spec); err != nil {
		return nil, "", err
	}

	if spec.ID == "" {
		spec.ID = uuid.NewString()
	}

	var (
		secret     string
		clientType storage.ClientType
	)
	switch spec.Type {
	case storage.ClientTypePublic:
		clientType = storage.Public{}
	case storage.ClientTypeConfidential:
		secret = generateRandomToken()
		hash, err := bcrypt.GenerateFromPassword([]byte(secret), s.Config.SecretHashCost)
		if err != nil {
			return nil, "", serverError("hash client secret", err)
		}
		clientType = storage.Confidential{SecretHash: string(hash)}
	}

	client := &storage.Client{
		ID:              spec.ID,
		Name:            spec.Name,
		Type:            clientType,
		RedirectURI:     spec.RedirectURI,
		AccessTokenTTL:  secondsOrDefault(spec.AccessTokenTTL, s.Config.DefaultAccessTokenTTL),
		RefreshTokenTTL: secondsOrDefault(spec.RefreshTokenTTL, s.Config.DefaultRefreshTokenTTL),
		CreatedAt:       s.now(),
	}

	if err := s.clientStore.SaveClient(ctx, client); err != nil {
		if errors.Is(err, storage.ErrClientExists) {
			return nil, "", err
		}
		return nil, "", serverError("save client", err)
	}

	s.metrics().RecordClientCreated(ctx, spec.Type)
	s.Auditor.LogEvent(ctx, security.Event{
		Type:     security.EventClientCreated,
		ClientID: client.ID,
		Details: map[string]any{
			"client_type":  spec.Type,
			"redirect_uri": client.RedirectURI,
		},
	})
	s.Logger.Info("Created client",
		"client_id", client.ID,
		"client_name", client.Name,
		"client_type", spec.Type)

	return client, secret, nil
}

// ErrInvalidClientSpec wraps every CreateClient validation failure.
var ErrInvalidClientSpec = errors.New("invalid client specification")

func (s *Server) validateClientSpec(spec *ClientSpec) error {
	spec.Name = strings.TrimSpace(spec.Name)
	if n := utf8.RuneCountInString(spec.Name); n < MinClientNameLength || n > MaxClientNameLength {
		return fmt.Errorf("%w: name must be between %d and %d characters", ErrInvalidClientSpec, MinClientNameLength, MaxClientNameLength)
	}
	if spec.Type == "" {
		spec.Type = storage.ClientTypeConfidential
	}
	if spec.Type != storage.ClientTypePublic && spec.Type != storage.ClientTypeConfidential {
		return fmt.Errorf("%w: unknown client type %q", ErrInvalidClientSpec, spec.Type)
	}
	if spec.AccessTokenTTL < 0 || spec.RefreshTokenTTL < 0 {
		return fmt.Errorf("%w: token lifetimes must be greater than zero", ErrInvalidClientSpec)
	}
	if _, err := parseRedirectURI(spec.RedirectURI); err != nil {
		return fmt.Errorf("%w: redirect_uri: %v", ErrInvalidClientSpec, err)
	}
	return nil
}

func secondsOrDefault(seconds int64, def time.Duration) time.Duration {
	if seconds == 0 {
		return def
	}
	return time.Duration(seconds) * time.Second
}
