// Package memory provides an in-memory implementation of storage.Store.
//
// All state is kept in maps guarded by a single sync.RWMutex, which makes
// every multi-record operation (grant redemption, session rotation,
// revocation cascades) trivially atomic. It is suitable for development,
// testing, and single-instance deployments where persistence is not required.
//
// Example usage:
//
//	store := memory.New()
//	srv, err := server.New(store, store, store, cfg, logger)
package memory
