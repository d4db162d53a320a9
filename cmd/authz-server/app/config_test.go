package app

import (
	"encoding/base64"
	"testing"
	"time"

	"github.com/spf13/viper"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	oauth "github.com/giantswarm/authz-server"
	"github.com/giantswarm/authz-server/internal/testutil"
	"github.com/giantswarm/authz-server/server"
)

func newTestViper(t *testing.T) *viper.Viper {
	t.Helper()
	v := viper.New()
	setDefaults(v)
	v.Set(keyIssuer, "https://auth.example.com")
	v.Set(keyAudience, "https://api.example.com")
	v.Set(keySigningKey, base64.StdEncoding.EncodeToString(testutil.GenerateTestKey(32)))
	return v
}

func TestServerConfig_Defaults(t *testing.T) {
	v := newTestViper(t)

	cfg, err := serverConfig(v)
	require.NoError(t, err)

	assert.Equal(t, "https://auth.example.com", cfg.Issuer)
	assert.Equal(t, "https://api.example.com", cfg.Audience)
	assert.Len(t, cfg.SigningKey, 32)
	assert.Nil(t, cfg.JTIIndexKey, "derived from the signing key when unset")
	assert.Nil(t, cfg.EncryptionKey, "derived from the signing key when unset")
	assert.Equal(t, server.DefaultGrantTTL, cfg.GrantTTL)
	assert.Equal(t, server.DefaultStateTokenTTL, cfg.StateTokenTTL)
	assert.Equal(t, server.DefaultAccessTokenTTL, cfg.DefaultAccessTokenTTL)
	assert.Equal(t, server.DefaultRefreshTokenTTL, cfg.DefaultRefreshTokenTTL)
	assert.Equal(t, []string{oauth.PathCurrentUser}, cfg.TokenExchangeResources)
	assert.False(t, cfg.TrustProxy)
}

func TestServerConfig_Overrides(t *testing.T) {
	v := newTestViper(t)
	v.Set(keyJTIIndexKey, base64.StdEncoding.EncodeToString(testutil.GenerateTestKey(48)))
	v.Set(keyEncryptionKey, base64.StdEncoding.EncodeToString(testutil.GenerateTestKey(32)))
	v.Set(keyAccessTTL, "5m")
	v.Set(keyRefreshTTL, "12h")
	v.Set(keyExchangeResources, []string{"/api/v1/users/current", "/api/v1/projects"})
	v.Set(keyTrustProxy, true)
	v.Set(keyTrustedProxyCount, 2)

	cfg, err := serverConfig(v)
	require.NoError(t, err)

	assert.Len(t, cfg.JTIIndexKey, 48)
	assert.Len(t, cfg.EncryptionKey, 32)
	assert.Equal(t, 5*time.Minute, cfg.DefaultAccessTokenTTL)
	assert.Equal(t, 12*time.Hour, cfg.DefaultRefreshTokenTTL)
	assert.Len(t, cfg.TokenExchangeResources, 2)
	assert.True(t, cfg.TrustProxy)
	assert.Equal(t, 2, cfg.TrustedProxyCount)
}

func TestServerConfig_Errors(t *testing.T) {
	tests := []struct {
		name  string
		key   string
		value string
	}{
		{name: "missing signing key", key: keySigningKey, value: ""},
		{name: "signing key not base64", key: keySigningKey, value: "not base64!"},
		{name: "signing key too short", key: keySigningKey, value: base64.StdEncoding.EncodeToString([]byte("short"))},
		{name: "jti index key too short", key: keyJTIIndexKey, value: base64.StdEncoding.EncodeToString([]byte("short"))},
		{name: "encryption key too short", key: keyEncryptionKey, value: base64.StdEncoding.EncodeToString(testutil.GenerateTestKey(16))},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			v := newTestViper(t)
			v.Set(tt.key, tt.value)

			_, err := serverConfig(v)
			assert.Error(t, err)
		})
	}
}

func TestHandlerConfig(t *testing.T) {
	v := newTestViper(t)

	cfg := handlerConfig(v, nil)
	assert.Equal(t, int64(oauth.DefaultMaxRequestBodySize), cfg.MaxRequestBodySize)
	assert.False(t, cfg.RateLimit.Disabled)
	assert.Equal(t, oauth.DefaultTokenRateLimit, cfg.RateLimit.Rate)
	assert.Equal(t, oauth.DefaultTokenRateLimitBurst, cfg.RateLimit.Burst)

	v.Set(keyRateLimitDisabled, true)
	v.Set(keyMaxRequestBodySize, 1024)
	cfg = handlerConfig(v, nil)
	assert.True(t, cfg.RateLimit.Disabled)
	assert.Equal(t, int64(1024), cfg.MaxRequestBodySize)
}
