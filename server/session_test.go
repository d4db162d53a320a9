package server

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/giantswarm/authz-server/internal/testutil"
	"github.com/giantswarm/authz-server/storage"
)

func TestServer_CreateSession(t *testing.T) {
	srv, store, clock := setupTestServer(t)
	ctx := context.Background()
	client, _ := createTestClient(t, srv, storage.ClientTypeConfidential)

	grant, err := srv.CreateGrant(ctx, testutil.TestUserID, client, storage.Challenge{})
	require.NoError(t, err)

	session, pair, err := srv.CreateSession(ctx, grant)
	require.NoError(t, err)

	assert.Equal(t, storage.StatusCreated, session.Status)
	assert.Equal(t, grant.ID, session.GrantID)
	assert.Equal(t, "bearer", pair.TokenType)
	assert.Equal(t, int64(300), pair.ExpiresIn)

	access, err := srv.Codec().DecodeAccessToken(pair.AccessToken)
	require.NoError(t, err)
	assert.Equal(t, testutil.TestUserID, access.UserID)
	assert.True(t, access.ExpiresAt.Time.Equal(clock.Now().Add(client.AccessTokenTTL)))

	refresh, err := srv.Codec().DecodeRefreshToken(pair.RefreshToken)
	require.NoError(t, err)
	assert.Empty(t, refresh.UserID)
	assert.True(t, refresh.ExpiresAt.Time.Equal(clock.Now().Add(client.RefreshTokenTTL)))
	assert.NotEqual(t, access.JTI(), refresh.JTI())

	stored, err := store.GetSession(ctx, session.ID)
	require.NoError(t, err)
	assert.NotEqual(t, access.JTI(), stored.AccessToken.Index, "jti must not be stored in the clear")
	assert.NotContains(t, stored.AccessToken.Sealed, access.JTI())
}

func TestServer_CreateSession_UnknownGrant(t *testing.T) {
	srv, _, _ := setupTestServer(t)
	client, _ := createTestClient(t, srv, storage.ClientTypeConfidential)
	grant := testutil.GenerateTestGrant(client.ID, storage.Challenge{})

	session, pair, err := srv.CreateSession(context.Background(), grant)

	var serr *ServerError
	assert.ErrorAs(t, err, &serr)
	assert.Nil(t, session)
	assert.Nil(t, pair)
}

func TestServer_Refresh_Rotation(t *testing.T) {
	srv, store, _ := setupTestServer(t)
	ctx := context.Background()
	client, grant, pair := redeemTestGrant(t, srv)

	first, err := store.ActiveSession(ctx, grant.ID)
	require.NoError(t, err)

	next, err := srv.RefreshToken(ctx, client, pair.RefreshToken)
	require.NoError(t, err)

	old, err := store.GetSession(ctx, first.ID)
	require.NoError(t, err)
	assert.Equal(t, storage.StatusRefreshed, old.Status)

	active, err := store.ActiveSession(ctx, grant.ID)
	require.NoError(t, err)
	assert.NotEqual(t, first.ID, active.ID)
	assert.Equal(t, grant.ID, active.GrantID)
	assert.NotEqual(t, first.AccessToken.Index, active.AccessToken.Index)
	assert.NotEqual(t, first.RefreshToken.Index, active.RefreshToken.Index)

	assert.NotEqual(t, mustRefreshJTI(t, srv, pair.RefreshToken), mustRefreshJTI(t, srv, next.RefreshToken))
	assert.NotEqual(t, mustAccessJTI(t, srv, pair.AccessToken), mustAccessJTI(t, srv, next.AccessToken))

	sessions, err := store.ListSessions(ctx, grant.ID)
	require.NoError(t, err)
	assert.Len(t, sessions, 2)

	// the successor rotates too
	_, err = srv.RefreshToken(ctx, client, next.RefreshToken)
	assert.NoError(t, err)
}

func TestServer_Refresh_ReplayCascades(t *testing.T) {
	srv, store, _ := setupTestServer(t)
	ctx := context.Background()
	client, grant, pair := redeemTestGrant(t, srv)

	next, err := srv.RefreshToken(ctx, client, pair.RefreshToken)
	require.NoError(t, err)
	active, err := store.ActiveSession(ctx, grant.ID)
	require.NoError(t, err)

	_, err = srv.RefreshToken(ctx, client, pair.RefreshToken)
	var replay *RevokedSessionError
	require.ErrorAs(t, err, &replay)
	assert.Equal(t, active.ID, replay.RevokedSessionID)

	revoked, err := store.GetSession(ctx, active.ID)
	require.NoError(t, err)
	assert.Equal(t, storage.StatusRevoked, revoked.Status)

	_, err = store.ActiveSession(ctx, grant.ID)
	assert.ErrorIs(t, err, storage.ErrSessionNotFound)

	// the revoked successor cannot be refreshed either
	_, err = srv.RefreshToken(ctx, client, next.RefreshToken)
	require.ErrorAs(t, err, &replay)
	assert.Equal(t, revoked.ID, replay.RevokedSessionID)
}

func TestServer_Refresh_OtherClientIsReplay(t *testing.T) {
	srv, store, _ := setupTestServer(t)
	ctx := context.Background()
	_, grant, pair := redeemTestGrant(t, srv)
	thief, _ := createTestClient(t, srv, storage.ClientTypePublic)

	active, err := store.ActiveSession(ctx, grant.ID)
	require.NoError(t, err)

	_, err = srv.RefreshToken(ctx, thief, pair.RefreshToken)
	var replay *RevokedSessionError
	require.ErrorAs(t, err, &replay)
	assert.Equal(t, thief.ID, replay.ClientID)
	assert.Equal(t, active.ID, replay.RefreshedSessionID)
	assert.Equal(t, active.ID, replay.RevokedSessionID)

	got, err := store.GetSession(ctx, active.ID)
	require.NoError(t, err)
	assert.Equal(t, storage.StatusRevoked, got.Status)
}

func TestServer_Refresh_Concurrent(t *testing.T) {
	srv, _, _ := setupTestServer(t)
	ctx := context.Background()
	client, _, pair := redeemTestGrant(t, srv)

	const attempts = 8
	var (
		wg        sync.WaitGroup
		mu        sync.Mutex
		successes int
		replays   int
	)
	for range attempts {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := srv.RefreshToken(ctx, client, pair.RefreshToken)

			mu.Lock()
			defer mu.Unlock()
			var replay *RevokedSessionError
			switch {
			case err == nil:
				successes++
			case errors.As(err, &replay):
				replays++
			default:
				t.Errorf("unexpected error: %v", err)
			}
		}()
	}
	wg.Wait()

	assert.Equal(t, 1, successes)
	assert.Equal(t, attempts-1, replays)
}

func TestServer_Refresh_Errors(t *testing.T) {
	srv, store, clock := setupTestServer(t)
	ctx := context.Background()
	client, grant, pair := redeemTestGrant(t, srv)

	t.Run("not a token", func(t *testing.T) {
		_, err := srv.RefreshToken(ctx, client, "garbage")
		assert.ErrorIs(t, err, ErrInvalidRefreshToken)
	})

	t.Run("access token presented", func(t *testing.T) {
		_, err := srv.RefreshToken(ctx, client, pair.AccessToken)
		assert.ErrorIs(t, err, ErrInvalidRefreshToken)
	})

	t.Run("unknown jti", func(t *testing.T) {
		raw, err := srv.Codec().EncodeRefreshToken(uuid.NewString(), clock.Now().Add(time.Hour))
		require.NoError(t, err)

		_, err = srv.RefreshToken(ctx, client, raw)
		assert.ErrorIs(t, err, ErrInvalidGrant)
	})

	t.Run("mismatched session", func(t *testing.T) {
		claims, err := srv.Codec().DecodeRefreshToken(pair.RefreshToken)
		require.NoError(t, err)
		other := testutil.GenerateTestSession(grant.ID)

		_, err = srv.Refresh(ctx, client, other, claims)
		var serr *ServerError
		assert.ErrorAs(t, err, &serr)
	})

	t.Run("expired refresh token", func(t *testing.T) {
		clock.Advance(client.RefreshTokenTTL + time.Second)

		_, err := srv.RefreshToken(ctx, client, pair.RefreshToken)
		assert.ErrorIs(t, err, ErrInvalidGrant)

		session, err := store.GetSessionByRefreshToken(ctx, srv.refreshTokenIndex(mustRefreshJTI(t, srv, pair.RefreshToken)))
		require.NoError(t, err)
		assert.Equal(t, storage.StatusExpired, session.Status)
	})
}

func TestServer_Revoke(t *testing.T) {
	srv, store, _ := setupTestServer(t)
	ctx := context.Background()
	client, grant, pair := redeemTestGrant(t, srv)

	first, err := store.ActiveSession(ctx, grant.ID)
	require.NoError(t, err)
	_, err = srv.RefreshToken(ctx, client, pair.RefreshToken)
	require.NoError(t, err)
	second, err := store.ActiveSession(ctx, grant.ID)
	require.NoError(t, err)

	// revoking the old session takes the active one down with it
	old, err := store.GetSession(ctx, first.ID)
	require.NoError(t, err)
	require.NoError(t, srv.Revoke(ctx, old))

	for _, id := range []string{first.ID, second.ID} {
		got, err := store.GetSession(ctx, id)
		require.NoError(t, err)
		assert.Equal(t, storage.StatusRevoked, got.Status, "session %s", id)
	}

	// again: no error, nothing changes
	require.NoError(t, srv.Revoke(ctx, old))
	sessions, err := store.ListSessions(ctx, grant.ID)
	require.NoError(t, err)
	assert.Len(t, sessions, 2)
}

func TestServer_RevokeForToken(t *testing.T) {
	srv, store, _ := setupTestServer(t)
	ctx := context.Background()

	tests := []struct {
		name   string
		revoke func(jtiAccess, jtiRefresh string) error
	}{
		{
			name:   "access jti",
			revoke: func(a, _ string) error { return srv.RevokeForToken(ctx, a) },
		},
		{
			name:   "refresh jti",
			revoke: func(_, r string) error { return srv.RevokeForToken(ctx, r) },
		},
		{
			name:   "access only",
			revoke: func(a, _ string) error { return srv.RevokeForAccessToken(ctx, a) },
		},
		{
			name:   "refresh only",
			revoke: func(_, r string) error { return srv.RevokeForRefreshToken(ctx, r) },
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, grant, pair := redeemTestGrant(t, srv)
			active, err := store.ActiveSession(ctx, grant.ID)
			require.NoError(t, err)

			require.NoError(t, tt.revoke(mustAccessJTI(t, srv, pair.AccessToken), mustRefreshJTI(t, srv, pair.RefreshToken)))

			got, err := store.GetSession(ctx, active.ID)
			require.NoError(t, err)
			assert.Equal(t, storage.StatusRevoked, got.Status)

			// idempotent
			require.NoError(t, tt.revoke(mustAccessJTI(t, srv, pair.AccessToken), mustRefreshJTI(t, srv, pair.RefreshToken)))
		})
	}

	t.Run("unknown jti", func(t *testing.T) {
		assert.NoError(t, srv.RevokeForToken(ctx, uuid.NewString()))
		assert.NoError(t, srv.RevokeForAccessToken(ctx, uuid.NewString()))
		assert.NoError(t, srv.RevokeForRefreshToken(ctx, uuid.NewString()))
	})

	t.Run("wrong kind lookup is a no-op", func(t *testing.T) {
		_, grant, pair := redeemTestGrant(t, srv)

		require.NoError(t, srv.RevokeForAccessToken(ctx, mustRefreshJTI(t, srv, pair.RefreshToken)))

		active, err := store.ActiveSession(ctx, grant.ID)
		require.NoError(t, err)
		assert.Equal(t, storage.StatusCreated, active.Status)
	})
}

func TestServer_RevokeToken(t *testing.T) {
	srv, store, _ := setupTestServer(t)
	ctx := context.Background()

	tests := []struct {
		name        string
		useRefresh  bool
		hint        string
		otherClient bool
		wantRevoked bool
	}{
		{name: "access token without hint", wantRevoked: true},
		{name: "refresh token without hint", useRefresh: true, wantRevoked: true},
		{name: "refresh token with hint", useRefresh: true, hint: TokenTypeHintRefreshToken, wantRevoked: true},
		{name: "access token with wrong hint", hint: TokenTypeHintRefreshToken, wantRevoked: true},
		{name: "refresh token with wrong hint", useRefresh: true, hint: TokenTypeHintAccessToken, wantRevoked: true},
		{name: "another client's token", otherClient: true, wantRevoked: false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			client, grant, pair := redeemTestGrant(t, srv)
			if tt.otherClient {
				client, _ = createTestClient(t, srv, storage.ClientTypePublic)
			}
			raw := pair.AccessToken
			if tt.useRefresh {
				raw = pair.RefreshToken
			}

			require.NoError(t, srv.RevokeToken(ctx, client, raw, tt.hint))

			sessions, err := store.ListSessions(ctx, grant.ID)
			require.NoError(t, err)
			require.Len(t, sessions, 1)
			if tt.wantRevoked {
				assert.Equal(t, storage.StatusRevoked, sessions[0].Status)
			} else {
				assert.Equal(t, storage.StatusCreated, sessions[0].Status)
			}
		})
	}

	t.Run("garbage token", func(t *testing.T) {
		client, _ := createTestClient(t, srv, storage.ClientTypePublic)
		assert.NoError(t, srv.RevokeToken(ctx, client, "not-a-token", ""))
	})
}

func TestServer_ListSessions(t *testing.T) {
	srv, _, _ := setupTestServer(t)
	ctx := context.Background()
	client, grant, pair := redeemTestGrant(t, srv)

	next, err := srv.RefreshToken(ctx, client, pair.RefreshToken)
	require.NoError(t, err)

	details, err := srv.ListSessions(ctx, grant.ID)
	require.NoError(t, err)
	require.Len(t, details, 2)

	assert.Equal(t, storage.StatusRefreshed, details[0].Status)
	assert.Equal(t, mustAccessJTI(t, srv, pair.AccessToken), details[0].AccessJTI)
	assert.Equal(t, mustRefreshJTI(t, srv, pair.RefreshToken), details[0].RefreshJTI)

	assert.Equal(t, storage.StatusCreated, details[1].Status)
	assert.Equal(t, mustAccessJTI(t, srv, next.AccessToken), details[1].AccessJTI)
	assert.Equal(t, mustRefreshJTI(t, srv, next.RefreshToken), details[1].RefreshJTI)

	details, err = srv.ListSessions(ctx, uuid.NewString())
	require.NoError(t, err)
	assert.Empty(t, details)
}

func TestServer_ListSessions_SwappedSealedJTI(t *testing.T) {
	srv, store, _ := setupTestServer(t)
	ctx := context.Background()
	client, _ := createTestClient(t, srv, storage.ClientTypeConfidential)

	grant, err := srv.CreateGrant(ctx, testutil.TestUserID, client, storage.Challenge{})
	require.NoError(t, err)

	jti := uuid.NewString()
	refreshRef, err := srv.tokenRef(refreshTokenDomain, jti)
	require.NoError(t, err)

	// a refresh token jti sealed into the access token column must not open
	require.NoError(t, store.CreateSession(ctx, &storage.Session{
		ID:      uuid.NewString(),
		GrantID: grant.ID,
		AccessToken: storage.TokenRef{
			Index:  srv.accessTokenIndex(jti),
			Sealed: refreshRef.Sealed,
		},
		RefreshToken: refreshRef,
		Status:       storage.StatusCreated,
		CreatedAt:    time.Now(),
	}))

	_, err = srv.ListSessions(ctx, grant.ID)
	assert.Error(t, err)
}
