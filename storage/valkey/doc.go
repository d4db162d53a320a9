// Package valkey provides a Valkey storage backend for the authorization
// server.
//
// Valkey is a high-performance key-value store that is wire-compatible with
// Redis; the store talks to it through go-redis, so Redis works as well.
// It is suitable for deployments that need:
//
//   - Shared storage for horizontally scaled servers
//   - Persistence across server restarts
//
// # Key Schema
//
// All keys use a configurable prefix (default "authz:") to avoid conflicts
// with other applications sharing the same Valkey instance:
//
//	{prefix}client:{clientID}         -> JSON(Client)
//	{prefix}clients                   -> ZSET of client ids scored by creation time
//	{prefix}grant:{grantID}           -> HASH(grant and challenge fields)
//	{prefix}user_grants:{userID}      -> SET of grant ids
//	{prefix}grant_sessions:{grantID}  -> LIST of session ids, oldest first
//	{prefix}session:{sessionID}       -> HASH(session fields)
//	{prefix}access:{index}            -> session id
//	{prefix}refresh:{index}           -> session id
//
// # Atomic Operations
//
// Grant redemption, session rotation and the revocation cascades run as Lua
// scripts, so exactly one of several concurrent callers wins:
//
//   - RedeemGrant: prevents authorization grant replay
//   - RotateSession: compare-and-swap on the session status
//   - RevokeSessionCascade and RevokeActiveSession
//
// The cascade scripts derive session keys from the prefix, so the store
// expects a single (non-cluster) deployment.
//
// # Configuration
//
//	store, err := valkey.New(valkey.Config{
//	    Address:   "valkey.example.com:6379",
//	    Password:  os.Getenv("VALKEY_PASSWORD"),
//	    TLS:       &tls.Config{MinVersion: tls.VersionTLS12},
//	})
package valkey
