package security

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"log/slog"
	"time"
)

// EventSink receives audit events after they are logged. Publish must not
// block the request path for long; sinks that talk to the network apply
// their own timeouts.
type EventSink interface {
	Publish(ctx context.Context, event Event) error
}

// Auditor handles security event logging with PII protection.
type Auditor struct {
	logger  *slog.Logger
	enabled bool
	sinks   []EventSink
	now     func() time.Time
}

// NewAuditor creates a new security auditor
func NewAuditor(logger *slog.Logger, enabled bool, sinks ...EventSink) *Auditor {
	if logger == nil {
		logger = slog.Default()
	}
	return &Auditor{
		logger:  logger,
		enabled: enabled,
		sinks:   sinks,
		now:     time.Now,
	}
}

// Event represents a security audit event. UserID is replaced by its hash
// before the event leaves the Auditor.
type Event struct {
	Type      string         `json:"type"`
	UserID    string         `json:"user_id_hash,omitempty"`
	ClientID  string         `json:"client_id,omitempty"`
	IPAddress string         `json:"ip_address,omitempty"`
	RequestID string         `json:"request_id,omitempty"`
	Details   map[string]any `json:"details,omitempty"`
	Timestamp time.Time      `json:"timestamp"`
}

// LogEvent logs a security event with hashed PII and forwards it to sinks.
func (a *Auditor) LogEvent(ctx context.Context, event Event) {
	if a == nil || !a.enabled {
		return
	}

	event.Timestamp = a.now()
	event.UserID = hashForLogging(event.UserID)
	if event.RequestID == "" {
		event.RequestID = GetRequestID(ctx)
	}

	a.logger.Info("security_audit",
		"event_type", event.Type,
		"user_id_hash", event.UserID,
		"client_id", event.ClientID,
		"ip_address", event.IPAddress,
		"request_id", event.RequestID,
		"details", event.Details,
		"timestamp", event.Timestamp,
	)

	for _, sink := range a.sinks {
		if err := sink.Publish(ctx, event); err != nil {
			a.logger.Warn("Failed to publish audit event",
				"event_type", event.Type,
				"error", err)
		}
	}
}

// LogSessionCreated logs a freshly issued token pair
func (a *Auditor) LogSessionCreated(ctx context.Context, userID, clientID, sessionID, origin string) {
	a.LogEvent(ctx, Event{
		Type:     EventSessionCreated,
		UserID:   userID,
		ClientID: clientID,
		Details: map[string]any{
			"session_id": sessionID,
			"origin":     origin,
		},
	})
}

// LogSessionRevoked logs a revocation and every session id it affected
func (a *Auditor) LogSessionRevoked(ctx context.Context, clientID string, sessionIDs []string, reason string) {
	a.LogEvent(ctx, Event{
		Type:     EventSessionRevoked,
		ClientID: clientID,
		Details: map[string]any{
			"session_ids": sessionIDs,
			"reason":      reason,
		},
	})
}

// LogAuthFailure logs a client authentication failure
func (a *Auditor) LogAuthFailure(ctx context.Context, clientID, ipAddress, reason string) {
	a.LogEvent(ctx, Event{
		Type:      EventAuthFailure,
		ClientID:  clientID,
		IPAddress: ipAddress,
		Details: map[string]any{
			"reason": reason,
		},
	})
}

// LogRateLimitExceeded logs a rate limit violation
func (a *Auditor) LogRateLimitExceeded(ctx context.Context, ipAddress, clientID string) {
	a.LogEvent(ctx, Event{
		Type:      EventRateLimitExceeded,
		ClientID:  clientID,
		IPAddress: ipAddress,
	})
}

// hashForLogging creates a SHA256 hash of sensitive data for logging
func hashForLogging(sensitive string) string {
	if sensitive == "" {
		return ""
	}
	hash := sha256.Sum256([]byte(sensitive))
	return hex.EncodeToString(hash[:])[:16]
}
