package oauth

import (
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/giantswarm/authz-server/instrumentation"
	"github.com/giantswarm/authz-server/security"
	"github.com/giantswarm/authz-server/server"
	"github.com/giantswarm/authz-server/storage"
)

// Endpoint paths served by Routes
const (
	PathAuthorize           = "/oauth/authorize"
	PathAuthorizationGrants = "/oauth/authorization_grants"
	PathToken               = "/oauth/token"
	PathRevoke              = "/oauth/revoke"
	PathCurrentUser         = "/api/v1/users/current"
)

const basicRealm = `Basic realm="authz-server"`

// ErrNoAuthenticatedUser is returned by a UserResolver when the request
// carries no signed-in user.
var ErrNoAuthenticatedUser = errors.New("no authenticated user")

// UserResolver identifies the resource owner deciding a consent request.
// User sign-in happens outside this server.
type UserResolver interface {
	ResolveUser(r *http.Request) (string, error)
}

// UserResolverFunc adapts a function to UserResolver
type UserResolverFunc func(r *http.Request) (string, error)

// ResolveUser calls f(r)
func (f UserResolverFunc) ResolveUser(r *http.Request) (string, error) {
	return f(r)
}

// HeaderUserResolver reads the user id from a header set by an
// authenticating proxy in front of the consent UI.
func HeaderUserResolver(header string) UserResolver {
	return UserResolverFunc(func(r *http.Request) (string, error) {
		userID := strings.TrimSpace(r.Header.Get(header))
		if userID == "" {
			return "", ErrNoAuthenticatedUser
		}
		return userID, nil
	})
}

// Handler is a thin HTTP adapter for the authorization server.
// It parses requests, delegates to server.Server and maps errors to OAuth
// error responses.
type Handler struct {
	server      *server.Server
	users       UserResolver
	config      *Config
	rateLimiter *security.RateLimiter
	logger      *slog.Logger
	tracer      trace.Tracer
}

// NewHandler creates a new HTTP handler
func NewHandler(srv *server.Server, users UserResolver, config *Config) (*Handler, error) {
	if srv == nil {
		return nil, fmt.Errorf("server is required")
	}
	if users == nil {
		return nil, fmt.Errorf("user resolver is required")
	}
	if config == nil {
		config = &Config{}
	}
	config.applyDefaults()

	h := &Handler{
		server: srv,
		users:  users,
		config: config,
		logger: config.Logger,
		tracer: srv.Instrumentation.Tracer("http"),
	}

	if !config.RateLimit.Disabled {
		h.rateLimiter = security.NewRateLimiterWithConfig(
			float64(config.RateLimit.Rate),
			config.RateLimit.Burst,
			config.RateLimit.MaxEntries,
			config.Logger,
		)
	}

	return h, nil
}

// Close stops background work owned by the handler
func (h *Handler) Close() {
	if h.rateLimiter != nil {
		h.rateLimiter.Stop()
	}
}

// Routes returns a router serving every endpoint
func (h *Handler) Routes() chi.Router {
	r := chi.NewRouter()
	r.Use(middleware.Recoverer)
	r.Use(security.RequestIDMiddleware)
	r.Use(h.securityHeaders)
	r.Use(h.instrument)

	r.Get(PathAuthorize, h.ServeAuthorization)
	r.Post(PathAuthorizationGrants, h.ServeAuthorizationGrant)
	r.Post(PathToken, h.ServeToken)
	r.Post(PathRevoke, h.ServeTokenRevocation)
	r.Get(PathCurrentUser, h.ServeCurrentUser)

	return r
}

// securityHeaders sets the security headers on every response
func (h *Handler) securityHeaders(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		security.SetSecurityHeaders(w, h.server.Config.Issuer)
		next.ServeHTTP(w, r)
	})
}

// instrument records a span and the HTTP request metrics per route
func (h *Handler) instrument(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ctx, span := h.tracer.Start(r.Context(), "oauth.http.request")
		defer span.End()

		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		next.ServeHTTP(ww, r.WithContext(ctx))

		status := ww.Status()
		if status == 0 {
			status = http.StatusOK
		}
		endpoint := r.URL.Path
		if rctx := chi.RouteContext(r.Context()); rctx != nil && rctx.RoutePattern() != "" {
			endpoint = rctx.RoutePattern()
		}

		instrumentation.AddHTTPAttributes(span, r.Method, endpoint, status)
		h.server.Instrumentation.Metrics().RecordHTTPRequest(ctx, r.Method, endpoint, status,
			float64(time.Since(start).Microseconds())/1000)
	})
}

// ServeAuthorization handles GET /oauth/authorize. A valid request is
// answered with the signed state token for the consent UI. Errors about the
// client or its redirect URI are answered directly; every other error is
// redirected to the client.
func (h *Handler) ServeAuthorization(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	query := r.URL.Query()

	req, err := h.server.StartAuthorization(ctx, server.AuthorizationParams{
		ClientID:            query.Get("client_id"),
		CodeChallenge:       query.Get("code_challenge"),
		CodeChallengeMethod: query.Get("code_challenge_method"),
		RedirectURI:         query.Get("redirect_uri"),
		ResponseType:        query.Get("response_type"),
		State:               query.Get("state"),
	})
	if err != nil {
		var authzErr *server.AuthorizationRequestError
		if errors.As(err, &authzErr) && authzErr.Redirectable() {
			http.Redirect(w, r, authzErr.RedirectURL, http.StatusFound)
			return
		}
		h.writeOAuthError(w, r, err)
		return
	}

	h.writeJSON(w, http.StatusOK, AuthorizationResponse{
		State:      req.StateToken,
		ClientID:   req.Client.ID,
		ClientName: req.Client.Name,
	})
}

// ServeAuthorizationGrant handles POST /oauth/authorization_grants, the
// user's consent decision. Both outcomes redirect to the client.
func (h *Handler) ServeAuthorizationGrant(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	if !h.parseForm(w, r) {
		return
	}

	userID, err := h.users.ResolveUser(r)
	if err != nil || userID == "" {
		h.logger.Debug("Consent decision without authenticated user", "error", err)
		h.writeError(w, NewOAuthError(ErrorCodeAccessDenied, "User authentication required", http.StatusUnauthorized))
		return
	}

	stateToken := r.PostFormValue("state")
	if stateToken == "" {
		h.writeError(w, ErrInvalidRequest("Required parameter 'state' missing"))
		return
	}

	// anything that is not a boolean true is a denial
	approve, _ := strconv.ParseBool(r.PostFormValue("approve"))

	redirectURL, err := h.server.DecideGrant(ctx, stateToken, userID, approve)
	if err != nil {
		h.writeOAuthError(w, r, err)
		return
	}

	http.Redirect(w, r, redirectURL, http.StatusFound)
}

// ServeToken handles POST /oauth/token
func (h *Handler) ServeToken(w http.ResponseWriter, r *http.Request) {
	clientIP := h.clientIP(r)
	if h.checkIPRateLimit(w, r, clientIP) {
		return
	}
	if !h.parseForm(w, r) {
		return
	}

	client, ok := h.authenticateClient(w, r, clientIP)
	if !ok {
		return
	}

	grantType := r.PostFormValue("grant_type")
	trace.SpanFromContext(r.Context()).SetAttributes(
		attribute.String(instrumentation.AttrClientID, client.ID),
		attribute.String(instrumentation.AttrGrantType, grantType),
	)

	switch grantType {
	case GrantTypeAuthorizationCode:
		h.handleAuthorizationCodeGrant(w, r, client)
	case GrantTypeRefreshToken:
		h.handleRefreshTokenGrant(w, r, client)
	case GrantTypeTokenExchange:
		h.handleTokenExchangeGrant(w, r, client)
	default:
		h.writeOAuthError(w, r, fmt.Errorf("%w: %q", server.ErrUnsupportedGrantType, grantType))
	}
}

func (h *Handler) handleAuthorizationCodeGrant(w http.ResponseWriter, r *http.Request, client *storage.Client) {
	code, ok := h.requireParam(w, r, "code")
	if !ok {
		return
	}

	pair, err := h.server.Redeem(r.Context(), client, code,
		r.PostFormValue("code_verifier"),
		r.PostFormValue("redirect_uri"))
	if err != nil {
		h.writeOAuthError(w, r, err)
		return
	}

	h.writeTokenResponse(w, pair)
}

func (h *Handler) handleRefreshTokenGrant(w http.ResponseWriter, r *http.Request, client *storage.Client) {
	refreshToken, ok := h.requireParam(w, r, "refresh_token")
	if !ok {
		return
	}

	pair, err := h.server.RefreshToken(r.Context(), client, refreshToken)
	if err != nil {
		h.writeOAuthError(w, r, err)
		return
	}

	h.writeTokenResponse(w, pair)
}

func (h *Handler) handleTokenExchangeGrant(w http.ResponseWriter, r *http.Request, client *storage.Client) {
	subjectToken, ok := h.requireParam(w, r, "subject_token")
	if !ok {
		return
	}

	pair, err := h.server.ExchangeToken(r.Context(), client, server.TokenExchangeParams{
		SubjectToken:     subjectToken,
		SubjectTokenType: r.PostFormValue("subject_token_type"),
		Resource:         r.PostFormValue("resource"),
	})
	if err != nil {
		h.writeOAuthError(w, r, err)
		return
	}

	h.writeTokenResponse(w, pair)
}

// ServeTokenRevocation handles the RFC 7009 token revocation endpoint.
// Unknown tokens and tokens of other clients get the same empty 200 as a
// successful revocation.
func (h *Handler) ServeTokenRevocation(w http.ResponseWriter, r *http.Request) {
	clientIP := h.clientIP(r)
	if h.checkIPRateLimit(w, r, clientIP) {
		return
	}
	if !h.parseForm(w, r) {
		return
	}

	client, ok := h.authenticateClient(w, r, clientIP)
	if !ok {
		return
	}

	tokenValue, ok := h.requireParam(w, r, "token")
	if !ok {
		return
	}

	if err := h.server.RevokeToken(r.Context(), client, tokenValue, r.PostFormValue("token_type_hint")); err != nil {
		h.writeOAuthError(w, r, err)
		return
	}

	w.WriteHeader(http.StatusOK)
}

// ServeCurrentUser handles GET /api/v1/users/current for bearer callers
func (h *Handler) ServeCurrentUser(w http.ResponseWriter, r *http.Request) {
	identity, err := h.server.AuthenticateBearer(r.Context(), r.Header.Get("Authorization"))
	if err != nil {
		h.logger.Debug("Bearer authentication failed",
			"request_id", security.GetRequestID(r.Context()),
			"error", err)
		h.writeOAuthError(w, r, err)
		return
	}

	h.writeJSON(w, http.StatusOK, CurrentUserResponse{UserID: identity.UserID})
}

// Helper methods

func (h *Handler) clientIP(r *http.Request) string {
	return security.GetClientIP(r, h.server.Config.TrustProxy, h.server.Config.TrustedProxyCount)
}

func (h *Handler) parseForm(w http.ResponseWriter, r *http.Request) bool {
	r.Body = http.MaxBytesReader(w, r.Body, h.config.MaxRequestBodySize)
	if err := r.ParseForm(); err != nil {
		h.writeError(w, ErrInvalidRequest("Failed to parse request"))
		return false
	}
	return true
}

func (h *Handler) requireParam(w http.ResponseWriter, r *http.Request, name string) (string, bool) {
	value := r.PostFormValue(name)
	if value == "" {
		h.writeError(w, ErrInvalidRequest(fmt.Sprintf("Required parameter '%s' missing", name)))
		return "", false
	}
	return value, true
}

// authenticateClient authenticates the caller from HTTP Basic credentials
// and the client_id form parameter. On failure it writes the response.
func (h *Handler) authenticateClient(w http.ResponseWriter, r *http.Request, clientIP string) (*storage.Client, bool) {
	creds := server.ClientCredentials{
		ClientID:  r.PostFormValue("client_id"),
		IPAddress: clientIP,
	}
	creds.BasicID, creds.BasicSecret, creds.HasBasic = r.BasicAuth()

	client, err := h.server.AuthenticateClient(r.Context(), creds)
	if err != nil {
		h.writeOAuthError(w, r, err)
		return nil, false
	}
	return client, true
}

// checkIPRateLimit checks if the client IP is rate limited. Returns true if limited.
func (h *Handler) checkIPRateLimit(w http.ResponseWriter, r *http.Request, clientIP string) bool {
	if h.rateLimiter == nil || h.rateLimiter.Allow(clientIP) {
		return false
	}

	ctx := r.Context()
	h.logger.Warn("Rate limit exceeded", "ip", clientIP, "path", r.URL.Path)
	h.server.Instrumentation.Metrics().RecordRateLimitExceeded(ctx, "ip")
	h.server.Auditor.LogRateLimitExceeded(ctx, clientIP, "")

	w.Header().Set("Retry-After", strconv.Itoa(int(h.config.RateLimit.RetryAfter.Seconds())))
	h.writeError(w, ErrRateLimitExceeded("Rate limit exceeded. Please try again later."))
	return true
}

func (h *Handler) writeTokenResponse(w http.ResponseWriter, pair *server.TokenPair) {
	h.writeJSON(w, http.StatusOK, pair)
}

// writeOAuthError maps err and writes it. Server errors are logged with
// their detail, which never reaches the client.
func (h *Handler) writeOAuthError(w http.ResponseWriter, r *http.Request, err error) {
	oauthErr := ToOAuthError(err)
	if isServerError(err) {
		h.logger.Error("Request failed",
			"path", r.URL.Path,
			"request_id", security.GetRequestID(r.Context()),
			"error", err)
	}
	h.writeError(w, oauthErr)
}

func (h *Handler) writeError(w http.ResponseWriter, oauthErr *OAuthError) {
	if oauthErr.Status == http.StatusUnauthorized {
		switch oauthErr.Code {
		case ErrorCodeInvalidClient:
			w.Header().Set("WWW-Authenticate", basicRealm)
		case ErrorCodeInvalidToken:
			w.Header().Set("WWW-Authenticate", fmt.Sprintf(`Bearer error="%s", error_description="%s"`,
				oauthErr.Code, oauthErr.Description))
		}
	}

	h.writeJSON(w, oauthErr.Status, ErrorResponse{
		Error:            oauthErr.Code,
		ErrorDescription: oauthErr.Description,
	})
}

func (h *Handler) writeJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(body); err != nil {
		h.logger.Debug("Failed to write response", "error", err)
	}
}
