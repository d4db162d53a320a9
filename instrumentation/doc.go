// Package instrumentation provides OpenTelemetry instrumentation for the authorization server.
//
// Metrics and traces are created through named meters and tracers per layer
// ("http", "server", "storage", "security"). When instrumentation is disabled
// the package uses no-op providers so call sites never need nil checks on
// the instruments themselves.
//
// # Prometheus Metrics
//
//	inst, err := instrumentation.New(instrumentation.Config{
//		ServiceName:     "authz-server",
//		ServiceVersion:  "1.0.0",
//		Enabled:         true,
//		MetricsExporter: instrumentation.MetricsExporterPrometheus,
//	})
//	if err != nil {
//		log.Fatal(err)
//	}
//	defer inst.Shutdown(context.Background())
//
//	http.Handle("/metrics", inst.MetricsHandler())
//
// # Available Metrics
//
// HTTP Layer:
//   - oauth.http.requests.total{method, endpoint, status}
//   - oauth.http.request.duration{endpoint}
//
// Protocol:
//   - oauth.grant.issued{client_id, pkce}
//   - oauth.grant.redeemed{client_id, result}
//   - oauth.session.created{client_id, origin}
//   - oauth.session.transitions{status, reason}
//   - oauth.client.created{client_type}
//
// Security:
//   - oauth.rate_limit.exceeded{limiter_type}
//   - oauth.challenge.failed{reason}
//   - oauth.session.replay_detected{client_id}
//   - oauth.claims.validation_failed{token_kind, claim}
//   - oauth.client.auth_failed{reason}
//   - oauth.audit.events.total{event_type}
//
// Storage:
//   - storage.operation.total{operation, result}
//   - storage.operation.duration{operation}
//   - storage.clients.count, storage.grants.count, storage.sessions.count
//
// Client IPs are only attached to spans when Config.LogClientIPs is set.
package instrumentation
