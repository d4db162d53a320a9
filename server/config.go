package server

import (
	"fmt"
	"log/slog"
	"net/url"
	"time"

	"golang.org/x/crypto/bcrypt"

	"github.com/giantswarm/authz-server/security"
	"github.com/giantswarm/authz-server/storage"
	"github.com/giantswarm/authz-server/token"
)

// Default lifetimes
const (
	DefaultGrantTTL        = 5 * time.Minute
	DefaultStateTokenTTL   = 10 * time.Minute
	DefaultAccessTokenTTL  = 300 * time.Second
	DefaultRefreshTokenTTL = 1209600 * time.Second
)

const (
	defaultTrustedProxyCount     = 1
	defaultTokenExchangeResource = "/api/v1/users/current"

	// purposes for keys derived from the signing key
	jtiIndexKeyPurpose      = "jti-index"
	jtiEncryptionKeyPurpose = "jti-encryption"
)

// Config holds authorization server configuration. It is built once at
// process start and passed to New; nothing reads configuration globally.
type Config struct {
	// Issuer is the iss claim of every token (base URL of this server)
	Issuer string

	// Audience is the aud claim of every access and refresh token
	Audience string

	// SigningKey is the HMAC-SHA256 key for all tokens. At least 32 bytes.
	SigningKey []byte

	// JTIIndexKey keys the blind index used to look sessions up by jti.
	// Derived from SigningKey when empty.
	JTIIndexKey []byte

	// EncryptionKey seals the stored jti values (AES-256-GCM, 32 bytes).
	// Derived from SigningKey when empty.
	EncryptionKey []byte

	// GrantTTL is the lifetime of authorization grants.
	// Default: 5 minutes. Must not exceed storage.MaxGrantLifetime.
	GrantTTL time.Duration

	// StateTokenTTL is the lifetime of the state token carrying a pending
	// authorization request to the consent decision.
	// Default: 10 minutes
	StateTokenTTL time.Duration

	// DefaultAccessTokenTTL applies to clients created without an explicit
	// access token lifetime. Default: 300 seconds
	DefaultAccessTokenTTL time.Duration

	// DefaultRefreshTokenTTL applies to clients created without an explicit
	// refresh token lifetime. Default: 1209600 seconds (14 days)
	DefaultRefreshTokenTTL time.Duration

	// TokenExchangeResources lists the resources a token exchange may
	// target. Default: ["/api/v1/users/current"]
	TokenExchangeResources []string

	// SecretHashCost is the bcrypt cost for confidential client secrets.
	// Default: bcrypt.DefaultCost
	SecretHashCost int

	// TrustProxy enables trusting X-Forwarded-For and X-Real-IP headers
	// WARNING: Only enable if behind a trusted reverse proxy
	// Default: false
	TrustProxy bool

	// TrustedProxyCount is the number of trusted proxies in front of this server
	// Default: 1
	TrustedProxyCount int

	// Clock overrides time.Now, for tests
	Clock func() time.Time
}

// applySecureDefaults fills unset values. It does not validate.
func applySecureDefaults(config *Config, logger *slog.Logger) *Config {
	applyTimeDefaults(config)

	if len(config.TokenExchangeResources) == 0 {
		config.TokenExchangeResources = []string{defaultTokenExchangeResource}
	}
	if config.SecretHashCost == 0 {
		config.SecretHashCost = bcrypt.DefaultCost
	}
	if config.TrustedProxyCount == 0 {
		config.TrustedProxyCount = defaultTrustedProxyCount
	}
	if config.Clock == nil {
		config.Clock = time.Now
	}

	if len(config.JTIIndexKey) == 0 && len(config.SigningKey) > 0 {
		config.JTIIndexKey = security.DeriveKey(config.SigningKey, jtiIndexKeyPurpose)
		logger.Debug("Derived jti index key from signing key")
	}
	if len(config.EncryptionKey) == 0 && len(config.SigningKey) > 0 {
		config.EncryptionKey = security.DeriveKey(config.SigningKey, jtiEncryptionKeyPurpose)
		logger.Debug("Derived jti encryption key from signing key")
	}

	logSecurityWarnings(config, logger)

	return config
}

// applyTimeDefaults sets default values for time-based configuration
func applyTimeDefaults(config *Config) {
	if config.GrantTTL == 0 {
		config.GrantTTL = DefaultGrantTTL
	}
	if config.StateTokenTTL == 0 {
		config.StateTokenTTL = DefaultStateTokenTTL
	}
	if config.DefaultAccessTokenTTL == 0 {
		config.DefaultAccessTokenTTL = DefaultAccessTokenTTL
	}
	if config.DefaultRefreshTokenTTL == 0 {
		config.DefaultRefreshTokenTTL = DefaultRefreshTokenTTL
	}
}

// validate rejects configurations the server cannot run with
func (c *Config) validate() error {
	if c.Issuer == "" {
		return fmt.Errorf("issuer is required")
	}
	if _, err := url.Parse(c.Issuer); err != nil {
		return fmt.Errorf("issuer is not a valid URL: %w", err)
	}
	if c.Audience == "" {
		return fmt.Errorf("audience is required")
	}
	if len(c.SigningKey) < token.MinKeyLength {
		return fmt.Errorf("signing key must be at least %d bytes", token.MinKeyLength)
	}
	if c.GrantTTL <= 0 || c.GrantTTL > storage.MaxGrantLifetime {
		return fmt.Errorf("%w: grant TTL %s", storage.ErrGrantExpiryTooLong, c.GrantTTL)
	}
	if c.StateTokenTTL <= 0 {
		return fmt.Errorf("state token TTL must be positive")
	}
	if c.DefaultAccessTokenTTL <= 0 || c.DefaultRefreshTokenTTL <= 0 {
		return fmt.Errorf("default token lifetimes must be positive")
	}
	if c.SecretHashCost < bcrypt.MinCost || c.SecretHashCost > bcrypt.MaxCost {
		return fmt.Errorf("secret hash cost must be between %d and %d", bcrypt.MinCost, bcrypt.MaxCost)
	}
	return nil
}

// logSecurityWarnings logs warnings for insecure configuration settings
func logSecurityWarnings(config *Config, logger *slog.Logger) {
	if u, err := url.Parse(config.Issuer); err == nil && u.Scheme == "http" {
		logger.Warn("⚠️  SECURITY WARNING: Issuer uses plain HTTP",
			"issuer", config.Issuer,
			"risk", "Tokens and client secrets sent in cleartext",
			"recommendation", "Serve the authorization server over HTTPS in production")
	}
	if config.TrustProxy {
		logger.Warn("⚠️  SECURITY NOTICE: Trusting proxy headers",
			"risk", "IP spoofing if proxy is not properly configured",
			"recommendation", "Only enable behind trusted reverse proxies",
			"config", "TrustedProxyCount should match your proxy chain length")
	}
	if config.SecretHashCost > 0 && config.SecretHashCost < bcrypt.DefaultCost {
		logger.Warn("⚠️  SECURITY WARNING: Client secret hash cost below default",
			"cost", config.SecretHashCost,
			"recommendation", fmt.Sprintf("Use at least %d outside of tests", bcrypt.DefaultCost))
	}
}
