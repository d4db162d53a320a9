// Package security provides the cryptographic and operational safeguards used
// by the authorization server: at-rest encryption of token identifiers,
// keyed blind indexes for encrypted lookups, audit logging with hashed PII,
// per-identifier rate limiting, request ids, client IP extraction, and
// response security headers.
package security
