package memory

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/giantswarm/authz-server/instrumentation"
	"github.com/giantswarm/authz-server/storage"
)

// Store is an in-memory implementation of storage.Store.
type Store struct {
	mu sync.RWMutex

	clients  map[string]*storage.Client
	grants   map[string]*storage.Grant
	sessions map[string]*storage.Session

	// grantSessions lists session ids per grant in creation order
	grantSessions map[string][]string

	// blind index -> session id
	accessIndex  map[string]string
	refreshIndex map[string]string

	// Instrumentation
	instrumentation *instrumentation.Instrumentation
	tracer          trace.Tracer

	// Atomic counters for metrics (lock-free access during metric collection)
	clientsCountAtomic  atomic.Int64
	grantsCountAtomic   atomic.Int64
	sessionsCountAtomic atomic.Int64

	logger *slog.Logger
}

// Compile-time interface check
var _ storage.Store = (*Store)(nil)

// New creates an empty in-memory store
func New() *Store {
	return &Store{
		clients:       make(map[string]*storage.Client),
		grants:        make(map[string]*storage.Grant),
		sessions:      make(map[string]*storage.Session),
		grantSessions: make(map[string][]string),
		accessIndex:   make(map[string]string),
		refreshIndex:  make(map[string]string),
		logger:        slog.Default(),
	}
}

// SetLogger sets a custom logger
func (s *Store) SetLogger(logger *slog.Logger) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if logger != nil {
		s.logger = logger
	}
}

// SetInstrumentation sets OpenTelemetry instrumentation for the store
func (s *Store) SetInstrumentation(inst *instrumentation.Instrumentation) {
	s.mu.Lock()
	s.instrumentation = inst
	if inst != nil {
		s.tracer = inst.Tracer("storage")
	}
	s.clientsCountAtomic.Store(int64(len(s.clients)))
	s.grantsCountAtomic.Store(int64(len(s.grants)))
	s.sessionsCountAtomic.Store(int64(len(s.sessions)))
	s.mu.Unlock()

	if inst != nil {
		err := inst.RegisterStorageSizeCallbacks(
			func() int64 { return s.clientsCountAtomic.Load() },
			func() int64 { return s.grantsCountAtomic.Load() },
			func() int64 { return s.sessionsCountAtomic.Load() },
		)
		if err != nil {
			s.logger.Warn("Failed to register storage size callbacks", "error", err)
		}
	}
}

// ============================================================
// ClientStore Implementation
// ============================================================

// SaveClient stores a new client
func (s *Store) SaveClient(ctx context.Context, client *storage.Client) error {
	ctx, span := s.startStorageSpan(ctx, "save_client")
	defer span.End()

	startTime := time.Now()
	var err error
	defer func() {
		s.recordStorageOperation(ctx, span, "save_client", err, startTime)
	}()

	if client == nil || client.ID == "" {
		err = fmt.Errorf("client id cannot be empty")
		return err
	}
	if client.Type == nil {
		err = fmt.Errorf("client type cannot be empty")
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.clients[client.ID]; exists {
		err = fmt.Errorf("%w: %s", storage.ErrClientExists, client.ID)
		return err
	}

	c := *client
	s.clients[client.ID] = &c
	s.clientsCountAtomic.Add(1)

	s.logger.Debug("Saved client", "client_id", client.ID, "client_type", client.Type.Name())
	return nil
}

// GetClient retrieves a client by id
func (s *Store) GetClient(ctx context.Context, clientID string) (*storage.Client, error) {
	ctx, span := s.startStorageSpan(ctx, "get_client")
	defer span.End()

	startTime := time.Now()
	var err error
	defer func() {
		s.recordStorageOperation(ctx, span, "get_client", err, startTime)
	}()

	s.mu.RLock()
	defer s.mu.RUnlock()

	client, ok := s.clients[clientID]
	if !ok {
		err = fmt.Errorf("%w: %s", storage.ErrClientNotFound, clientID)
		return nil, err
	}

	c := *client
	return &c, nil
}

// ListClients returns all clients ordered by creation time
func (s *Store) ListClients(_ context.Context) ([]*storage.Client, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	clients := make([]*storage.Client, 0, len(s.clients))
	for _, client := range s.clients {
		c := *client
		clients = append(clients, &c)
	}
	sort.SliceStable(clients, func(i, j int) bool {
		if clients[i].CreatedAt.Equal(clients[j].CreatedAt) {
			return clients[i].ID < clients[j].ID
		}
		return clients[i].CreatedAt.Before(clients[j].CreatedAt)
	})

	return clients, nil
}

// ============================================================
// GrantStore Implementation
// ============================================================

// SaveGrant stores a new authorization grant
func (s *Store) SaveGrant(ctx context.Context, grant *storage.Grant) error {
	ctx, span := s.startStorageSpan(ctx, "save_grant")
	defer span.End()

	startTime := time.Now()
	var err error
	defer func() {
		s.recordStorageOperation(ctx, span, "save_grant", err, startTime)
	}()

	if grant == nil {
		err = fmt.Errorf("grant cannot be nil")
		return err
	}
	if err = grant.Validate(); err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.grants[grant.ID]; exists {
		err = fmt.Errorf("authorization grant %s already exists", grant.ID)
		return err
	}

	g := *grant
	s.grants[grant.ID] = &g
	s.grantsCountAtomic.Add(1)

	return nil
}

// GetGrant retrieves an authorization grant by id
func (s *Store) GetGrant(ctx context.Context, grantID string) (*storage.Grant, error) {
	ctx, span := s.startStorageSpan(ctx, "get_grant")
	defer span.End()

	startTime := time.Now()
	var err error
	defer func() {
		s.recordStorageOperation(ctx, span, "get_grant", err, startTime)
	}()

	s.mu.RLock()
	defer s.mu.RUnlock()

	grant, ok := s.grants[grantID]
	if !ok {
		err = storage.ErrGrantNotFound
		return nil, err
	}

	g := *grant
	return &g, nil
}

// RedeemGrant atomically marks the grant redeemed and inserts its first session.
func (s *Store) RedeemGrant(ctx context.Context, grantID string, session *storage.Session) error {
	ctx, span := s.startStorageSpan(ctx, "redeem_grant")
	defer span.End()

	startTime := time.Now()
	var err error
	defer func() {
		s.recordStorageOperation(ctx, span, "redeem_grant", err, startTime)
	}()

	s.mu.Lock()
	defer s.mu.Unlock()

	grant, ok := s.grants[grantID]
	if !ok {
		err = storage.ErrGrantNotFound
		return err
	}
	if grant.Redeemed {
		err = storage.ErrGrantAlreadyRedeemed
		return err
	}

	session.GrantID = grantID
	if err = s.checkSessionLocked(session); err != nil {
		return err
	}

	grant.Redeemed = true
	s.insertSessionLocked(session)

	return nil
}

// DeleteGrantsForUser removes the user's grants together with their sessions
func (s *Store) DeleteGrantsForUser(ctx context.Context, userID string) (int, error) {
	ctx, span := s.startStorageSpan(ctx, "delete_grants_for_user")
	defer span.End()

	startTime := time.Now()
	var err error
	defer func() {
		s.recordStorageOperation(ctx, span, "delete_grants_for_user", err, startTime)
	}()

	s.mu.Lock()
	defer s.mu.Unlock()

	deleted := 0
	for id, grant := range s.grants {
		if grant.UserID != userID {
			continue
		}

		for _, sessionID := range s.grantSessions[id] {
			if sess, ok := s.sessions[sessionID]; ok {
				delete(s.accessIndex, sess.AccessToken.Index)
				delete(s.refreshIndex, sess.RefreshToken.Index)
				delete(s.sessions, sessionID)
				s.sessionsCountAtomic.Add(-1)
			}
		}
		delete(s.grantSessions, id)
		delete(s.grants, id)
		s.grantsCountAtomic.Add(-1)
		deleted++
	}

	if deleted > 0 {
		s.logger.Info("Deleted authorization grants for user", "grants", deleted)
	}

	return deleted, nil
}

// ============================================================
// SessionStore Implementation
// ============================================================

// CreateSession inserts a new session for an existing grant
func (s *Store) CreateSession(ctx context.Context, session *storage.Session) error {
	ctx, span := s.startStorageSpan(ctx, "create_session")
	defer span.End()

	startTime := time.Now()
	var err error
	defer func() {
		s.recordStorageOperation(ctx, span, "create_session", err, startTime)
	}()

	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.grants[session.GrantID]; !ok {
		err = storage.ErrGrantNotFound
		return err
	}
	if err = s.checkSessionLocked(session); err != nil {
		return err
	}

	s.insertSessionLocked(session)
	return nil
}

// GetSession retrieves a session by id
func (s *Store) GetSession(ctx context.Context, sessionID string) (*storage.Session, error) {
	ctx, span := s.startStorageSpan(ctx, "get_session")
	defer span.End()

	startTime := time.Now()
	var err error
	defer func() {
		s.recordStorageOperation(ctx, span, "get_session", err, startTime)
	}()

	s.mu.RLock()
	defer s.mu.RUnlock()

	sess, ok := s.sessions[sessionID]
	if !ok {
		err = storage.ErrSessionNotFound
		return nil, err
	}

	c := *sess
	return &c, nil
}

// GetSessionByAccessToken looks a session up by access token index
func (s *Store) GetSessionByAccessToken(ctx context.Context, index string) (*storage.Session, error) {
	return s.getByIndex(ctx, "get_session_by_access_token", s.accessIndex, index)
}

// GetSessionByRefreshToken looks a session up by refresh token index
func (s *Store) GetSessionByRefreshToken(ctx context.Context, index string) (*storage.Session, error) {
	return s.getByIndex(ctx, "get_session_by_refresh_token", s.refreshIndex, index)
}

func (s *Store) getByIndex(ctx context.Context, operation string, idx map[string]string, index string) (*storage.Session, error) {
	ctx, span := s.startStorageSpan(ctx, operation)
	defer span.End()

	startTime := time.Now()
	var err error
	defer func() {
		s.recordStorageOperation(ctx, span, operation, err, startTime)
	}()

	s.mu.RLock()
	defer s.mu.RUnlock()

	id, ok := idx[index]
	if !ok || index == "" {
		err = storage.ErrSessionNotFound
		return nil, err
	}

	c := *s.sessions[id]
	return &c, nil
}

// ActiveSession returns the latest created session of the grant
func (s *Store) ActiveSession(_ context.Context, grantID string) (*storage.Session, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	sess := s.activeSessionLocked(grantID)
	if sess == nil {
		return nil, storage.ErrSessionNotFound
	}

	c := *sess
	return &c, nil
}

// ListSessions returns the grant's sessions oldest first
func (s *Store) ListSessions(_ context.Context, grantID string) ([]*storage.Session, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	ids := s.grantSessions[grantID]
	sessions := make([]*storage.Session, 0, len(ids))
	for _, id := range ids {
		c := *s.sessions[id]
		sessions = append(sessions, &c)
	}
	return sessions, nil
}

// RotateSession moves currentID to refreshed and inserts next, atomically.
func (s *Store) RotateSession(ctx context.Context, currentID string, next *storage.Session) error {
	ctx, span := s.startStorageSpan(ctx, "rotate_session")
	defer span.End()

	startTime := time.Now()
	var err error
	defer func() {
		s.recordStorageOperation(ctx, span, "rotate_session", err, startTime)
	}()

	s.mu.Lock()
	defer s.mu.Unlock()

	current, ok := s.sessions[currentID]
	if !ok {
		err = storage.ErrSessionNotFound
		return err
	}
	if current.Status != storage.StatusCreated {
		err = storage.ErrSessionNotActive
		return err
	}

	next.GrantID = current.GrantID
	if err = s.checkSessionLocked(next); err != nil {
		return err
	}

	current.Status = storage.StatusRefreshed
	s.insertSessionLocked(next)

	return nil
}

// UpdateSessionStatus applies an allowed status transition
func (s *Store) UpdateSessionStatus(ctx context.Context, sessionID string, status storage.SessionStatus) (bool, error) {
	ctx, span := s.startStorageSpan(ctx, "update_session_status")
	defer span.End()

	startTime := time.Now()
	var err error
	defer func() {
		s.recordStorageOperation(ctx, span, "update_session_status", err, startTime)
	}()

	if !status.Valid() {
		err = fmt.Errorf("invalid session status %q", status)
		return false, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	sess, ok := s.sessions[sessionID]
	if !ok {
		err = storage.ErrSessionNotFound
		return false, err
	}
	if !sess.Status.CanTransition(status) {
		return false, nil
	}

	sess.Status = status
	return true, nil
}

// RevokeSessionCascade revokes the session and its grant's active session
func (s *Store) RevokeSessionCascade(ctx context.Context, sessionID string) ([]string, error) {
	ctx, span := s.startStorageSpan(ctx, "revoke_session_cascade")
	defer span.End()

	startTime := time.Now()
	var err error
	defer func() {
		s.recordStorageOperation(ctx, span, "revoke_session_cascade", err, startTime)
	}()

	s.mu.Lock()
	defer s.mu.Unlock()

	sess, ok := s.sessions[sessionID]
	if !ok {
		err = storage.ErrSessionNotFound
		return nil, err
	}

	var revoked []string
	if active := s.activeSessionLocked(sess.GrantID); active != nil && active.ID != sess.ID {
		active.Status = storage.StatusRevoked
		revoked = append(revoked, active.ID)
	}
	if sess.Status.CanTransition(storage.StatusRevoked) {
		sess.Status = storage.StatusRevoked
		revoked = append(revoked, sess.ID)
	}

	return revoked, nil
}

// RevokeActiveSession revokes the grant's active session, or fallbackID
// when none is active
func (s *Store) RevokeActiveSession(ctx context.Context, grantID, fallbackID string) (string, error) {
	ctx, span := s.startStorageSpan(ctx, "revoke_active_session")
	defer span.End()

	startTime := time.Now()
	var err error
	defer func() {
		s.recordStorageOperation(ctx, span, "revoke_active_session", err, startTime)
	}()

	s.mu.Lock()
	defer s.mu.Unlock()

	target := s.activeSessionLocked(grantID)
	if target == nil {
		target = s.sessions[fallbackID]
	}
	if target == nil {
		err = storage.ErrSessionNotFound
		return "", err
	}

	if target.Status.CanTransition(storage.StatusRevoked) {
		target.Status = storage.StatusRevoked
	}
	return target.ID, nil
}

// activeSessionLocked scans from the newest session. Caller holds s.mu.
func (s *Store) activeSessionLocked(grantID string) *storage.Session {
	ids := s.grantSessions[grantID]
	for i := len(ids) - 1; i >= 0; i-- {
		if sess := s.sessions[ids[i]]; sess != nil && sess.Status == storage.StatusCreated {
			return sess
		}
	}
	return nil
}

// checkSessionLocked rejects id and jti index collisions. Caller holds s.mu.
func (s *Store) checkSessionLocked(session *storage.Session) error {
	if session == nil || session.ID == "" {
		return fmt.Errorf("session id cannot be empty")
	}
	if session.AccessToken.Index == "" || session.RefreshToken.Index == "" {
		return fmt.Errorf("session token indexes cannot be empty")
	}
	if _, exists := s.sessions[session.ID]; exists {
		return fmt.Errorf("session %s already exists", session.ID)
	}
	for _, index := range []string{session.AccessToken.Index, session.RefreshToken.Index} {
		if _, exists := s.accessIndex[index]; exists {
			return storage.ErrDuplicateTokenID
		}
		if _, exists := s.refreshIndex[index]; exists {
			return storage.ErrDuplicateTokenID
		}
	}
	if session.AccessToken.Index == session.RefreshToken.Index {
		return storage.ErrDuplicateTokenID
	}
	return nil
}

// insertSessionLocked stores a checked session as created. Caller holds s.mu.
func (s *Store) insertSessionLocked(session *storage.Session) {
	c := *session
	c.Status = storage.StatusCreated
	if c.CreatedAt.IsZero() {
		c.CreatedAt = time.Now()
	}

	s.sessions[c.ID] = &c
	s.grantSessions[c.GrantID] = append(s.grantSessions[c.GrantID], c.ID)
	s.accessIndex[c.AccessToken.Index] = c.ID
	s.refreshIndex[c.RefreshToken.Index] = c.ID
	s.sessionsCountAtomic.Add(1)
}

// ============================================================
// Instrumentation Helpers
// ============================================================

// startStorageSpan starts a new span for a storage operation
// Returns a context with the span attached and the span itself
func (s *Store) startStorageSpan(ctx context.Context, operation string) (context.Context, trace.Span) {
	if s.tracer == nil {
		return ctx, trace.SpanFromContext(ctx)
	}

	ctx, span := s.tracer.Start(ctx, fmt.Sprintf("storage.%s", operation),
		trace.WithAttributes(
			attribute.String(instrumentation.AttrStorageOperation, operation),
			attribute.String(instrumentation.AttrStorageType, "memory"),
		))

	return ctx, span
}

// recordStorageOperation records metrics for a storage operation and sets span status
func (s *Store) recordStorageOperation(ctx context.Context, span trace.Span, operation string, err error, startTime time.Time) {
	if s.instrumentation == nil {
		return
	}

	durationMs := float64(time.Since(startTime).Milliseconds())
	result := "success"
	if err != nil {
		result = "error"
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	} else {
		span.SetStatus(codes.Ok, "")
	}

	s.instrumentation.Metrics().RecordStorageOperation(ctx, operation, result, durationMs)
}
