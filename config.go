package oauth

import (
	"log/slog"
	"time"
)

// Default HTTP shell settings
const (
	DefaultTokenRateLimit      = 10
	DefaultTokenRateLimitBurst = 20
	DefaultMaxRequestBodySize  = 64 << 10
	DefaultRateLimitMaxEntries = 10000
	DefaultRateLimitRetryAfter = 60 * time.Second
)

// Config configures the HTTP endpoints. Token lifetimes, keys and proxy
// trust live in server.Config.
type Config struct {
	// RateLimit limits requests to the token and revocation endpoints per client IP
	RateLimit RateLimitConfig

	// MaxRequestBodySize caps form bodies read by POST endpoints.
	// Default: 64 KiB
	MaxRequestBodySize int64

	// Logger is used for request level logging.
	// Default: slog.Default()
	Logger *slog.Logger
}

// RateLimitConfig holds per-IP rate limiting configuration
type RateLimitConfig struct {
	// Disabled turns per-IP rate limiting off
	Disabled bool

	// Rate is the number of requests per second allowed per IP.
	// Default: 10
	Rate int

	// Burst is the maximum burst size allowed per IP.
	// Default: 20
	Burst int

	// MaxEntries bounds the number of tracked IPs.
	// Default: 10000
	MaxEntries int

	// RetryAfter is sent in the Retry-After header of rejected requests.
	// Default: 60 seconds
	RetryAfter time.Duration
}

// applyDefaults fills unset values
func (c *Config) applyDefaults() {
	if c.MaxRequestBodySize <= 0 {
		c.MaxRequestBodySize = DefaultMaxRequestBodySize
	}
	if c.Logger == nil {
		c.Logger = slog.Default()
	}
	if c.RateLimit.Rate <= 0 {
		c.RateLimit.Rate = DefaultTokenRateLimit
	}
	if c.RateLimit.Burst <= 0 {
		c.RateLimit.Burst = DefaultTokenRateLimitBurst
	}
	if c.RateLimit.MaxEntries <= 0 {
		c.RateLimit.MaxEntries = DefaultRateLimitMaxEntries
	}
	if c.RateLimit.RetryAfter <= 0 {
		c.RateLimit.RetryAfter = DefaultRateLimitRetryAfter
	}
}
