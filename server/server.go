package server

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"go.opentelemetry.io/otel/trace"
	"golang.org/x/oauth2"

	"github.com/giantswarm/authz-server/instrumentation"
	"github.com/giantswarm/authz-server/security"
	"github.com/giantswarm/authz-server/storage"
	"github.com/giantswarm/authz-server/token"
)

// Blind index and sealing domains for stored jti values
const (
	accessTokenDomain  = "access_token_jti"
	refreshTokenDomain = "refresh_token_jti"
)

// Server implements the authorization server core: client registry,
// challenge verification, grant issuance and redemption, the session state
// machine, and claim validation.
type Server struct {
	clientStore  storage.ClientStore
	grantStore   storage.GrantStore
	sessionStore storage.SessionStore

	codec     *token.Codec
	indexer   *security.BlindIndexer
	encryptor *security.Encryptor

	Auditor                  *security.Auditor
	Instrumentation          *instrumentation.Instrumentation
	SecurityEventRateLimiter *security.RateLimiter // Rate limiter for security event logging (DoS prevention)
	Logger                   *slog.Logger
	Config                   *Config

	tracer trace.Tracer
}

// New creates a new authorization server
func New(
	clientStore storage.ClientStore,
	grantStore storage.GrantStore,
	sessionStore storage.SessionStore,
	config *Config,
	logger *slog.Logger,
) (*Server, error) {
	if clientStore == nil {
		return nil, fmt.Errorf("client store is required")
	}
	if grantStore == nil {
		return nil, fmt.Errorf("grant store is required")
	}
	if sessionStore == nil {
		return nil, fmt.Errorf("session store is required")
	}
	if config == nil {
		config = &Config{}
	}
	if logger == nil {
		logger = slog.Default()
	}

	config = applySecureDefaults(config, logger)
	if err := config.validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	codec, err := token.NewCodec(config.SigningKey, config.Issuer, config.Audience)
	if err != nil {
		return nil, fmt.Errorf("failed to create token codec: %w", err)
	}
	codec.SetClock(config.Clock)

	indexer, err := security.NewBlindIndexer(config.JTIIndexKey)
	if err != nil {
		return nil, fmt.Errorf("failed to create jti indexer: %w", err)
	}

	encryptor, err := security.NewEncryptor(config.EncryptionKey)
	if err != nil {
		return nil, fmt.Errorf("failed to create jti encryptor: %w", err)
	}

	// noop until SetInstrumentation is called
	inst, err := instrumentation.New(instrumentation.Config{Enabled: false})
	if err != nil {
		return nil, fmt.Errorf("failed to create instrumentation: %w", err)
	}

	return &Server{
		clientStore:     clientStore,
		grantStore:      grantStore,
		sessionStore:    sessionStore,
		codec:           codec,
		indexer:         indexer,
		encryptor:       encryptor,
		Instrumentation: inst,
		Logger:          logger,
		Config:          config,
		tracer:          inst.Tracer("server"),
	}, nil
}

// SetAuditor sets the security auditor
func (s *Server) SetAuditor(aud *security.Auditor) {
	s.Auditor = aud
}

// SetInstrumentation sets OpenTelemetry instrumentation for the server
func (s *Server) SetInstrumentation(inst *instrumentation.Instrumentation) {
	if inst == nil {
		return
	}
	s.Instrumentation = inst
	s.tracer = inst.Tracer("server")
}

// SetSecurityEventRateLimiter sets the rate limiter for security event logging
// This prevents DoS attacks via log flooding from repeated security events
func (s *Server) SetSecurityEventRateLimiter(rl *security.RateLimiter) {
	s.SecurityEventRateLimiter = rl
}

// Codec returns the token codec used by the server
func (s *Server) Codec() *token.Codec {
	return s.codec
}

func (s *Server) now() time.Time {
	return s.Config.Clock()
}

func (s *Server) metrics() *instrumentation.Metrics {
	return s.Instrumentation.Metrics()
}

func (s *Server) startSpan(ctx context.Context, name string) (context.Context, trace.Span) {
	return s.tracer.Start(ctx, "server."+name)
}

// allowSecurityEvent reports whether a security event for key should be
// logged. Without a limiter every event is logged.
func (s *Server) allowSecurityEvent(key string) bool {
	return s.SecurityEventRateLimiter == nil || s.SecurityEventRateLimiter.Allow(key)
}

// accessTokenIndex returns the blind index of an access token jti
func (s *Server) accessTokenIndex(jti string) string {
	return s.indexer.Index(accessTokenDomain, jti)
}

// refreshTokenIndex returns the blind index of a refresh token jti
func (s *Server) refreshTokenIndex(jti string) string {
	return s.indexer.Index(refreshTokenDomain, jti)
}

// tokenRef builds the stored reference of a jti within domain
func (s *Server) tokenRef(domain, jti string) (storage.TokenRef, error) {
	sealed, err := s.encryptor.Encrypt(domain, jti)
	if err != nil {
		return storage.TokenRef{}, err
	}
	return storage.TokenRef{
		Index:  s.indexer.Index(domain, jti),
		Sealed: sealed,
	}, nil
}

// generateRandomToken generates a cryptographically secure random token.
// This is an alias for oauth2.GenerateVerifier() which produces a URL-safe,
// base64-encoded random string suitable for client secrets.
func generateRandomToken() string {
	return oauth2.GenerateVerifier()
}
