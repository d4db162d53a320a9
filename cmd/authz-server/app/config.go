package app

import (
	"encoding/base64"
	"fmt"
	"log/slog"
	"time"

	"github.com/spf13/viper"

	oauth "github.com/giantswarm/authz-server"
	"github.com/giantswarm/authz-server/server"
	"github.com/giantswarm/authz-server/token"
)

// Configuration keys. Each maps to a flag where one exists and to the
// AUTHZ_ environment variable with dots replaced by underscores.
const (
	keyIssuer                 = "issuer"
	keyAudience               = "audience"
	keySigningKey             = "keys.signing"
	keyJTIIndexKey            = "keys.jti_index"
	keyEncryptionKey          = "keys.encryption"
	keyGrantTTL               = "tokens.grant_ttl"
	keyStateTTL               = "tokens.state_ttl"
	keyAccessTTL              = "tokens.access_ttl"
	keyRefreshTTL             = "tokens.refresh_ttl"
	keyExchangeResources      = "token_exchange.resources"
	keyTrustProxy             = "proxy.trust"
	keyTrustedProxyCount      = "proxy.count"
	keyListenAddress          = "server.address"
	keyMetricsAddress         = "server.metrics_address"
	keyShutdownTimeout        = "server.shutdown_timeout"
	keyMaxRequestBodySize     = "server.max_request_body_size"
	keyRateLimitDisabled      = "rate_limit.disabled"
	keyRateLimitRate          = "rate_limit.rate"
	keyRateLimitBurst         = "rate_limit.burst"
	keyConsentUserHeader      = "consent.user_header"
	keyStoreDriver            = "store.driver"
	keyStoreDSN               = "store.dsn"
	keyStoreSkipMigrations    = "store.skip_migrations"
	keyStoreConnectTimeout    = "store.connect_timeout"
	keyValkeyAddress          = "store.valkey.address"
	keyValkeyPassword         = "store.valkey.password"
	keyValkeyDB               = "store.valkey.db"
	keyValkeyPrefix           = "store.valkey.key_prefix"
	keyValkeyTLS              = "store.valkey.tls"
	keyAuditEnabled           = "audit.enabled"
	keyAuditAMQPURL           = "audit.amqp_url"
	keyAuditAMQPExchange      = "audit.amqp_exchange"
	keyMetricsEnabled         = "metrics.enabled"
	keyMetricsLogClientIPs    = "metrics.log_client_ips"
	keySecurityEventRateLimit = "audit.security_event_rate"
)

func setDefaults(v *viper.Viper) {
	v.SetDefault(keyIssuer, "")
	v.SetDefault(keyAudience, "")
	v.SetDefault(keySigningKey, "")
	v.SetDefault(keyJTIIndexKey, "")
	v.SetDefault(keyEncryptionKey, "")
	v.SetDefault(keyGrantTTL, server.DefaultGrantTTL)
	v.SetDefault(keyStateTTL, server.DefaultStateTokenTTL)
	v.SetDefault(keyAccessTTL, server.DefaultAccessTokenTTL)
	v.SetDefault(keyRefreshTTL, server.DefaultRefreshTokenTTL)
	v.SetDefault(keyExchangeResources, []string{oauth.PathCurrentUser})
	v.SetDefault(keyTrustProxy, false)
	v.SetDefault(keyTrustedProxyCount, 1)
	v.SetDefault(keyListenAddress, ":8080")
	v.SetDefault(keyMetricsAddress, ":9090")
	v.SetDefault(keyShutdownTimeout, 30*time.Second)
	v.SetDefault(keyMaxRequestBodySize, oauth.DefaultMaxRequestBodySize)
	v.SetDefault(keyRateLimitDisabled, false)
	v.SetDefault(keyRateLimitRate, oauth.DefaultTokenRateLimit)
	v.SetDefault(keyRateLimitBurst, oauth.DefaultTokenRateLimitBurst)
	v.SetDefault(keyConsentUserHeader, "X-Authenticated-User")
	v.SetDefault(keyStoreDriver, storeDriverMemory)
	v.SetDefault(keyStoreDSN, "")
	v.SetDefault(keyStoreSkipMigrations, false)
	v.SetDefault(keyStoreConnectTimeout, time.Minute)
	v.SetDefault(keyValkeyAddress, "localhost:6379")
	v.SetDefault(keyValkeyPassword, "")
	v.SetDefault(keyValkeyDB, 0)
	v.SetDefault(keyValkeyPrefix, "authz:")
	v.SetDefault(keyValkeyTLS, false)
	v.SetDefault(keyAuditEnabled, true)
	v.SetDefault(keyAuditAMQPURL, "")
	v.SetDefault(keyAuditAMQPExchange, "authz.audit")
	v.SetDefault(keyMetricsEnabled, true)
	v.SetDefault(keyMetricsLogClientIPs, false)
	v.SetDefault(keySecurityEventRateLimit, 1.0)
}

// serverConfig builds the authorization server configuration. The signing
// key is required; the derived keys are optional overrides.
func serverConfig(v *viper.Viper) (*server.Config, error) {
	signingKey, err := decodeKey(v, keySigningKey, token.MinKeyLength)
	if err != nil {
		return nil, err
	}
	if signingKey == nil {
		return nil, fmt.Errorf("%s is required (generate one with 'authz-server keys generate')", keySigningKey)
	}
	jtiIndexKey, err := decodeKey(v, keyJTIIndexKey, token.MinKeyLength)
	if err != nil {
		return nil, err
	}
	encryptionKey, err := decodeKey(v, keyEncryptionKey, 32)
	if err != nil {
		return nil, err
	}

	return &server.Config{
		Issuer:                 v.GetString(keyIssuer),
		Audience:               v.GetString(keyAudience),
		SigningKey:             signingKey,
		JTIIndexKey:            jtiIndexKey,
		EncryptionKey:          encryptionKey,
		GrantTTL:               v.GetDuration(keyGrantTTL),
		StateTokenTTL:          v.GetDuration(keyStateTTL),
		DefaultAccessTokenTTL:  v.GetDuration(keyAccessTTL),
		DefaultRefreshTokenTTL: v.GetDuration(keyRefreshTTL),
		TokenExchangeResources: v.GetStringSlice(keyExchangeResources),
		TrustProxy:             v.GetBool(keyTrustProxy),
		TrustedProxyCount:      v.GetInt(keyTrustedProxyCount),
	}, nil
}

// handlerConfig builds the HTTP endpoint configuration
func handlerConfig(v *viper.Viper, logger *slog.Logger) *oauth.Config {
	return &oauth.Config{
		MaxRequestBodySize: v.GetInt64(keyMaxRequestBodySize),
		Logger:             logger,
		RateLimit: oauth.RateLimitConfig{
			Disabled: v.GetBool(keyRateLimitDisabled),
			Rate:     v.GetInt(keyRateLimitRate),
			Burst:    v.GetInt(keyRateLimitBurst),
		},
	}
}

// decodeKey reads a base64 key. An unset key returns nil.
func decodeKey(v *viper.Viper, key string, minLength int) ([]byte, error) {
	raw := v.GetString(key)
	if raw == "" {
		return nil, nil
	}
	decoded, err := base64.StdEncoding.DecodeString(raw)
	if err != nil {
		return nil, fmt.Errorf("%s is not valid base64: %w", key, err)
	}
	if len(decoded) < minLength {
		return nil, fmt.Errorf("%s must be at least %d bytes, got %d", key, minLength, len(decoded))
	}
	return decoded, nil
}
