package instrumentation

import (
	"context"
	"fmt"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

// Metrics holds all metric instruments for the authorization server
type Metrics struct {
	// HTTP Layer Metrics
	HTTPRequestsTotal   metric.Int64Counter
	HTTPRequestDuration metric.Float64Histogram

	// Protocol Metrics
	GrantsIssued       metric.Int64Counter
	GrantsRedeemed     metric.Int64Counter
	SessionsCreated    metric.Int64Counter
	SessionTransitions metric.Int64Counter
	ClientsCreated     metric.Int64Counter

	// Security Metrics
	RateLimitExceeded      metric.Int64Counter
	ChallengeFailures      metric.Int64Counter
	ReplayDetected         metric.Int64Counter
	ClaimValidationFailure metric.Int64Counter
	ClientAuthFailures     metric.Int64Counter
	AuditEventsTotal       metric.Int64Counter

	// Storage Metrics
	StorageOperationTotal    metric.Int64Counter
	StorageOperationDuration metric.Float64Histogram
	StorageSizeClients       metric.Int64ObservableGauge
	StorageSizeGrants        metric.Int64ObservableGauge
	StorageSizeSessions      metric.Int64ObservableGauge
}

// newMetrics creates and registers all metric instruments
func newMetrics(inst *Instrumentation) (*Metrics, error) {
	m := &Metrics{}

	httpMeter := inst.Meter("http")
	serverMeter := inst.Meter("server")
	securityMeter := inst.Meter("security")
	storageMeter := inst.Meter("storage")

	var err error
	m.HTTPRequestsTotal, err = httpMeter.Int64Counter(
		"oauth.http.requests.total",
		metric.WithDescription("Total number of HTTP requests"),
		metric.WithUnit("{request}"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create http.requests.total counter: %w", err)
	}

	m.HTTPRequestDuration, err = httpMeter.Float64Histogram(
		"oauth.http.request.duration",
		metric.WithDescription("HTTP request duration in milliseconds"),
		metric.WithUnit("ms"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create http.request.duration histogram: %w", err)
	}

	m.GrantsIssued, err = serverMeter.Int64Counter(
		"oauth.grant.issued",
		metric.WithDescription("Number of authorization grants issued"),
		metric.WithUnit("{grant}"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create grant.issued counter: %w", err)
	}

	m.GrantsRedeemed, err = serverMeter.Int64Counter(
		"oauth.grant.redeemed",
		metric.WithDescription("Number of authorization grant redemption attempts"),
		metric.WithUnit("{redemption}"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create grant.redeemed counter: %w", err)
	}

	m.SessionsCreated, err = serverMeter.Int64Counter(
		"oauth.session.created",
		metric.WithDescription("Number of sessions (token pairs) created"),
		metric.WithUnit("{session}"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create session.created counter: %w", err)
	}

	m.SessionTransitions, err = serverMeter.Int64Counter(
		"oauth.session.transitions",
		metric.WithDescription("Number of session status transitions"),
		metric.WithUnit("{transition}"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create session.transitions counter: %w", err)
	}

	m.ClientsCreated, err = serverMeter.Int64Counter(
		"oauth.client.created",
		metric.WithDescription("Number of clients created"),
		metric.WithUnit("{client}"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create client.created counter: %w", err)
	}

	m.RateLimitExceeded, err = securityMeter.Int64Counter(
		"oauth.rate_limit.exceeded",
		metric.WithDescription("Number of rate limit violations"),
		metric.WithUnit("{violation}"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create rate_limit.exceeded counter: %w", err)
	}

	m.ChallengeFailures, err = securityMeter.Int64Counter(
		"oauth.challenge.failed",
		metric.WithDescription("Number of PKCE or redirect URI challenge failures"),
		metric.WithUnit("{failure}"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create challenge.failed counter: %w", err)
	}

	m.ReplayDetected, err = securityMeter.Int64Counter(
		"oauth.session.replay_detected",
		metric.WithDescription("Number of refresh token replays detected"),
		metric.WithUnit("{attempt}"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create session.replay_detected counter: %w", err)
	}

	m.ClaimValidationFailure, err = securityMeter.Int64Counter(
		"oauth.claims.validation_failed",
		metric.WithDescription("Number of token claim validation failures"),
		metric.WithUnit("{failure}"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create claims.validation_failed counter: %w", err)
	}

	m.ClientAuthFailures, err = securityMeter.Int64Counter(
		"oauth.client.auth_failed",
		metric.WithDescription("Number of client authentication failures"),
		metric.WithUnit("{failure}"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create client.auth_failed counter: %w", err)
	}

	m.AuditEventsTotal, err = securityMeter.Int64Counter(
		"oauth.audit.events.total",
		metric.WithDescription("Total number of audit events"),
		metric.WithUnit("{event}"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create audit.events.total counter: %w", err)
	}

	m.StorageOperationTotal, err = storageMeter.Int64Counter(
		"storage.operation.total",
		metric.WithDescription("Total number of storage operations"),
		metric.WithUnit("{operation}"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create storage.operation.total counter: %w", err)
	}

	m.StorageOperationDuration, err = storageMeter.Float64Histogram(
		"storage.operation.duration",
		metric.WithDescription("Storage operation duration in milliseconds"),
		metric.WithUnit("ms"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create storage.operation.duration histogram: %w", err)
	}

	m.StorageSizeClients, err = storageMeter.Int64ObservableGauge(
		"storage.clients.count",
		metric.WithDescription("Number of stored clients"),
		metric.WithUnit("{client}"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create storage.clients.count gauge: %w", err)
	}

	m.StorageSizeGrants, err = storageMeter.Int64ObservableGauge(
		"storage.grants.count",
		metric.WithDescription("Number of stored authorization grants"),
		metric.WithUnit("{grant}"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create storage.grants.count gauge: %w", err)
	}

	m.StorageSizeSessions, err = storageMeter.Int64ObservableGauge(
		"storage.sessions.count",
		metric.WithDescription("Number of stored sessions"),
		metric.WithUnit("{session}"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create storage.sessions.count gauge: %w", err)
	}

	return m, nil
}

// Helper methods for common metric recording patterns

// RecordHTTPRequest records an HTTP request metric
func (m *Metrics) RecordHTTPRequest(ctx context.Context, method, endpoint string, statusCode int, durationMs float64) {
	attrs := []attribute.KeyValue{
		attribute.String("method", method),
		attribute.String("endpoint", endpoint),
		attribute.Int("status", statusCode),
	}

	m.HTTPRequestsTotal.Add(ctx, 1, metric.WithAttributes(attrs...))
	m.HTTPRequestDuration.Record(ctx, durationMs, metric.WithAttributes(attribute.String("endpoint", endpoint)))
}

// RecordGrantIssued records a newly minted authorization grant
func (m *Metrics) RecordGrantIssued(ctx context.Context, clientID string, pkce bool) {
	m.GrantsIssued.Add(ctx, 1, metric.WithAttributes(
		attribute.String("client_id", clientID),
		attribute.Bool("pkce", pkce),
	))
}

// RecordGrantRedemption records a redemption attempt and its result
func (m *Metrics) RecordGrantRedemption(ctx context.Context, clientID, result string) {
	m.GrantsRedeemed.Add(ctx, 1, metric.WithAttributes(
		attribute.String("client_id", clientID),
		attribute.String("result", result),
	))
}

// RecordSessionCreated records a new session; origin is the grant type
// that produced it
func (m *Metrics) RecordSessionCreated(ctx context.Context, clientID, origin string) {
	m.SessionsCreated.Add(ctx, 1, metric.WithAttributes(
		attribute.String("client_id", clientID),
		attribute.String("origin", origin),
	))
}

// RecordSessionTransition records a session moving to status for reason
func (m *Metrics) RecordSessionTransition(ctx context.Context, status, reason string) {
	m.SessionTransitions.Add(ctx, 1, metric.WithAttributes(
		attribute.String("status", status),
		attribute.String("reason", reason),
	))
}

// RecordClientCreated records an administrative client creation
func (m *Metrics) RecordClientCreated(ctx context.Context, clientType string) {
	m.ClientsCreated.Add(ctx, 1, metric.WithAttributes(
		attribute.String("client_type", clientType),
	))
}

// RecordRateLimitExceeded records a rate limit violation
func (m *Metrics) RecordRateLimitExceeded(ctx context.Context, limiterType string) {
	m.RateLimitExceeded.Add(ctx, 1, metric.WithAttributes(
		attribute.String("limiter_type", limiterType),
	))
}

// RecordChallengeFailure records a failed PKCE or redirect URI check
func (m *Metrics) RecordChallengeFailure(ctx context.Context, reason string) {
	m.ChallengeFailures.Add(ctx, 1, metric.WithAttributes(
		attribute.String("reason", reason),
	))
}

// RecordReplayDetected records a refresh token replay
func (m *Metrics) RecordReplayDetected(ctx context.Context, clientID string) {
	m.ReplayDetected.Add(ctx, 1, metric.WithAttributes(
		attribute.String("client_id", clientID),
	))
}

// RecordClaimValidationFailure records an invalid claim
func (m *Metrics) RecordClaimValidationFailure(ctx context.Context, tokenKind, claim string) {
	m.ClaimValidationFailure.Add(ctx, 1, metric.WithAttributes(
		attribute.String("token_kind", tokenKind),
		attribute.String("claim", claim),
	))
}

// RecordClientAuthFailure records a failed client authentication
func (m *Metrics) RecordClientAuthFailure(ctx context.Context, reason string) {
	m.ClientAuthFailures.Add(ctx, 1, metric.WithAttributes(
		attribute.String("reason", reason),
	))
}

// RecordAuditEvent records an audit event
func (m *Metrics) RecordAuditEvent(ctx context.Context, eventType string) {
	m.AuditEventsTotal.Add(ctx, 1, metric.WithAttributes(
		attribute.String("event_type", eventType),
	))
}

// RecordStorageOperation records a storage operation
func (m *Metrics) RecordStorageOperation(ctx context.Context, operation, result string, durationMs float64) {
	attrs := []attribute.KeyValue{
		attribute.String("operation", operation),
		attribute.String("result", result),
	}

	m.StorageOperationTotal.Add(ctx, 1, metric.WithAttributes(attrs...))
	m.StorageOperationDuration.Record(ctx, durationMs, metric.WithAttributes(
		attribute.String("operation", operation),
	))
}
