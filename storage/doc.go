// Package storage defines the persistence contract for the authorization server.
//
// The storage package defines the interfaces used by the server package:
//   - ClientStore: registered OAuth clients
//   - GrantStore: authorization grants and their PKCE challenges
//   - SessionStore: issued token pairs and their lifecycle
//
// Every operation that spans more than one record (grant redemption, session
// rotation, revocation cascades) is a single store call so that backends can
// make it atomic.
//
// Implementations are provided in subpackages:
//   - storage/memory: In-memory storage for development and testing
//   - storage/sqlstore: SQLite or PostgreSQL via database/sql, migrated with goose
//   - storage/valkey: Valkey (or Redis) storage with Lua scripts for the atomic transitions
package storage
