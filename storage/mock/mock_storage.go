// Package mock provides a storage.Store wrapper for tests that need to
// inject failures or count calls.
package mock

import (
	"context"
	"sync"

	"github.com/giantswarm/authz-server/storage"
)

// Store delegates every call to the wrapped store unless the matching Func
// field is set.
type Store struct {
	storage.Store

	mu         sync.Mutex
	CallCounts map[string]int

	SaveClientFunc          func(ctx context.Context, client *storage.Client) error
	SaveGrantFunc           func(ctx context.Context, grant *storage.Grant) error
	GetGrantFunc            func(ctx context.Context, grantID string) (*storage.Grant, error)
	RedeemGrantFunc         func(ctx context.Context, grantID string, session *storage.Session) error
	RotateSessionFunc       func(ctx context.Context, currentID string, next *storage.Session) error
	UpdateSessionStatusFunc func(ctx context.Context, sessionID string, status storage.SessionStatus) (bool, error)
	RevokeActiveSessionFunc func(ctx context.Context, grantID, fallbackID string) (string, error)
}

// Compile-time interface check
var _ storage.Store = (*Store)(nil)

// New wraps delegate.
func New(delegate storage.Store) *Store {
	return &Store{
		Store:      delegate,
		CallCounts: make(map[string]int),
	}
}

// Calls returns how often method was invoked.
func (m *Store) Calls(method string) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.CallCounts[method]
}

func (m *Store) count(method string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.CallCounts[method]++
}

// SaveClient implements storage.ClientStore
func (m *Store) SaveClient(ctx context.Context, client *storage.Client) error {
	m.count("SaveClient")
	if m.SaveClientFunc != nil {
		return m.SaveClientFunc(ctx, client)
	}
	return m.Store.SaveClient(ctx, client)
}

// SaveGrant implements storage.GrantStore
func (m *Store) SaveGrant(ctx context.Context, grant *storage.Grant) error {
	m.count("SaveGrant")
	if m.SaveGrantFunc != nil {
		return m.SaveGrantFunc(ctx, grant)
	}
	return m.Store.SaveGrant(ctx, grant)
}

// GetGrant implements storage.GrantStore
func (m *Store) GetGrant(ctx context.Context, grantID string) (*storage.Grant, error) {
	m.count("GetGrant")
	if m.GetGrantFunc != nil {
		return m.GetGrantFunc(ctx, grantID)
	}
	return m.Store.GetGrant(ctx, grantID)
}

// RedeemGrant implements storage.GrantStore
func (m *Store) RedeemGrant(ctx context.Context, grantID string, session *storage.Session) error {
	m.count("RedeemGrant")
	if m.RedeemGrantFunc != nil {
		return m.RedeemGrantFunc(ctx, grantID, session)
	}
	return m.Store.RedeemGrant(ctx, grantID, session)
}

// RotateSession implements storage.SessionStore
func (m *Store) RotateSession(ctx context.Context, currentID string, next *storage.Session) error {
	m.count("RotateSession")
	if m.RotateSessionFunc != nil {
		return m.RotateSessionFunc(ctx, currentID, next)
	}
	return m.Store.RotateSession(ctx, currentID, next)
}

// UpdateSessionStatus implements storage.SessionStore
func (m *Store) UpdateSessionStatus(ctx context.Context, sessionID string, status storage.SessionStatus) (bool, error) {
	m.count("UpdateSessionStatus")
	if m.UpdateSessionStatusFunc != nil {
		return m.UpdateSessionStatusFunc(ctx, sessionID, status)
	}
	return m.Store.UpdateSessionStatus(ctx, sessionID, status)
}

// RevokeActiveSession implements storage.SessionStore
func (m *Store) RevokeActiveSession(ctx context.Context, grantID, fallbackID string) (string, error) {
	m.count("RevokeActiveSession")
	if m.RevokeActiveSessionFunc != nil {
		return m.RevokeActiveSessionFunc(ctx, grantID, fallbackID)
	}
	return m.Store.RevokeActiveSession(ctx, grantID, fallbackID)
}
