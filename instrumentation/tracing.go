package instrumentation

import (
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

// Common span attribute keys
//
// SECURITY WARNING: Never record actual credential values (access tokens,
// refresh tokens, authorization codes, client secrets, code verifiers) in
// traces or metrics. Only record metadata such as ids, statuses, and
// validation results.
const (
	AttrClientID     = "oauth.client_id"
	AttrClientType   = "oauth.client_type"
	AttrUserID       = "oauth.user_id"
	AttrGrantID      = "oauth.grant_id"
	AttrGrantType    = "oauth.grant_type"
	AttrSessionID    = "oauth.session_id"
	AttrSessionState = "oauth.session.status"
	AttrPKCEMethod   = "oauth.pkce.method"
	AttrTokenKind    = "oauth.token.kind" //nolint:gosec // token kind, never the token
	AttrReplay       = "oauth.session.replay"
	AttrError        = "oauth.error"

	// Storage attributes
	AttrStorageOperation = "storage.operation"
	AttrStorageType      = "storage.type"

	// Security attributes
	AttrRateLimiterType = "security.rate_limiter.type"
	AttrClientIP        = "security.client_ip"
	AttrAuditEventType  = "security.audit.event_type"

	// HTTP attributes (in addition to standard semantic conventions)
	AttrHTTPEndpoint   = "http.endpoint"
	AttrHTTPMethod     = "http.method"
	AttrHTTPStatusCode = "http.status_code"
)

// RecordError records an error on a span with proper status codes (nil-safe)
func RecordError(span trace.Span, err error) {
	if span != nil && err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}
}

// SetSpanSuccess marks a span as successful (nil-safe)
func SetSpanSuccess(span trace.Span) {
	if span != nil {
		span.SetStatus(codes.Ok, "")
	}
}

// SetSpanAttributes sets attributes on a span (nil-safe)
func SetSpanAttributes(span trace.Span, attrs ...attribute.KeyValue) {
	if span != nil {
		span.SetAttributes(attrs...)
	}
}

// AddGrantAttributes adds grant attributes to a span, skipping empty values
func AddGrantAttributes(span trace.Span, clientID, userID, grantID string) {
	if clientID != "" {
		SetSpanAttributes(span, attribute.String(AttrClientID, clientID))
	}
	if userID != "" {
		SetSpanAttributes(span, attribute.String(AttrUserID, userID))
	}
	if grantID != "" {
		SetSpanAttributes(span, attribute.String(AttrGrantID, grantID))
	}
}

// AddSessionAttributes adds session attributes to a span (nil-safe)
func AddSessionAttributes(span trace.Span, sessionID, status string) {
	if sessionID == "" {
		return
	}
	SetSpanAttributes(span,
		attribute.String(AttrSessionID, sessionID),
		attribute.String(AttrSessionState, status),
	)
}

// AddStorageAttributes adds storage operation attributes to a span (nil-safe)
func AddStorageAttributes(span trace.Span, operation, storageType string) {
	SetSpanAttributes(span,
		attribute.String(AttrStorageOperation, operation),
		attribute.String(AttrStorageType, storageType),
	)
}

// AddHTTPAttributes adds HTTP request attributes to a span (nil-safe)
func AddHTTPAttributes(span trace.Span, method, endpoint string, statusCode int) {
	SetSpanAttributes(span,
		attribute.String(AttrHTTPMethod, method),
		attribute.String(AttrHTTPEndpoint, endpoint),
		attribute.Int(AttrHTTPStatusCode, statusCode),
	)
}

// AddSecurityAttributes adds the client IP to a span. Callers check
// Instrumentation.ShouldLogClientIPs first.
func AddSecurityAttributes(span trace.Span, clientIP string) {
	if clientIP != "" {
		SetSpanAttributes(span, attribute.String(AttrClientIP, clientIP))
	}
}
