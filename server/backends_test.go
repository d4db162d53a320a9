package server

import (
	"context"
	"log/slog"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/giantswarm/authz-server/internal/testutil"
	"github.com/giantswarm/authz-server/storage"
	"github.com/giantswarm/authz-server/storage/memory"
	"github.com/giantswarm/authz-server/storage/sqlstore"
	"github.com/giantswarm/authz-server/storage/valkey"
)

// backends returns a constructor for every storage implementation. Each
// call yields an empty store whose cleanup is registered on t.
func backends() map[string]func(t *testing.T) storage.Store {
	return map[string]func(t *testing.T) storage.Store{
		"memory": func(*testing.T) storage.Store {
			return memory.New()
		},
		"sqlite": func(t *testing.T) storage.Store {
			store, err := sqlstore.Open(context.Background(), sqlstore.Config{
				Driver: sqlstore.DriverSQLite,
				DSN:    ":memory:",
				Logger: slog.New(slog.DiscardHandler),
			})
			require.NoError(t, err)
			t.Cleanup(func() { _ = store.Close() })
			return store
		},
		"valkey": func(t *testing.T) storage.Store {
			mr := miniredis.RunT(t)
			store, err := valkey.New(valkey.Config{
				Address: mr.Addr(),
				Logger:  slog.New(slog.DiscardHandler),
			})
			require.NoError(t, err)
			t.Cleanup(func() { _ = store.Close() })
			return store
		},
	}
}

func setupBackendServer(t *testing.T, store storage.Store) *Server {
	t.Helper()

	clock := testutil.NewMockTime(time.Now())
	srv, err := New(store, store, store, testConfig(clock), slog.New(slog.DiscardHandler))
	require.NoError(t, err)
	return srv
}

// issuePublicGrant creates a public client and a PKCE grant for it,
// returning the verifier needed to redeem it.
func issuePublicGrant(t *testing.T, srv *Server) (*storage.Client, *storage.Grant, string) {
	t.Helper()
	ctx := context.Background()

	client, _ := createTestClient(t, srv, storage.ClientTypePublic)
	challenge, verifier := testutil.GeneratePKCEPair()
	grant, err := srv.CreateGrant(ctx, testutil.TestUserID, client, storage.Challenge{
		CodeChallenge:       challenge,
		CodeChallengeMethod: CodeChallengeMethodS256,
		RedirectURI:         testutil.TestRedirectURI,
	})
	require.NoError(t, err)
	return client, grant, verifier
}

func TestServer_Backends(t *testing.T) {
	for name, newStore := range backends() {
		t.Run(name, func(t *testing.T) {
			t.Run("redeem refresh replay", func(t *testing.T) {
				testBackendLifecycle(t, newStore(t))
			})
			t.Run("at most once redemption", func(t *testing.T) {
				testBackendRedeemOnce(t, newStore(t))
			})
			t.Run("revocation is idempotent", func(t *testing.T) {
				testBackendRevocation(t, newStore(t))
			})
			t.Run("grant lifetime ceiling", func(t *testing.T) {
				testBackendGrantCeiling(t, newStore(t))
			})
		})
	}
}

func testBackendLifecycle(t *testing.T, store storage.Store) {
	ctx := context.Background()
	srv := setupBackendServer(t, store)
	client, grant, verifier := issuePublicGrant(t, srv)

	pair, err := srv.Redeem(ctx, client, grant.ID, verifier, testutil.TestRedirectURI)
	require.NoError(t, err)
	assert.Equal(t, TokenTypeBearer, pair.TokenType)
	assert.Equal(t, int64(client.AccessTokenTTL/time.Second), pair.ExpiresIn)

	first, err := store.ActiveSession(ctx, grant.ID)
	require.NoError(t, err)

	identity, err := srv.AuthenticateBearer(ctx, "Bearer "+pair.AccessToken)
	require.NoError(t, err)
	assert.Equal(t, testutil.TestUserID, identity.UserID)

	next, err := srv.RefreshToken(ctx, client, pair.RefreshToken)
	require.NoError(t, err)

	old, err := store.GetSession(ctx, first.ID)
	require.NoError(t, err)
	assert.Equal(t, storage.StatusRefreshed, old.Status)

	active, err := store.ActiveSession(ctx, grant.ID)
	require.NoError(t, err)
	assert.NotEqual(t, first.ID, active.ID)

	_, err = srv.AuthenticateBearer(ctx, "Bearer "+pair.AccessToken)
	assert.Error(t, err, "access token of a refreshed session")
	_, err = srv.AuthenticateBearer(ctx, "Bearer "+next.AccessToken)
	require.NoError(t, err)

	// replaying the first refresh token takes down the active session
	_, err = srv.RefreshToken(ctx, client, pair.RefreshToken)
	var replay *RevokedSessionError
	require.ErrorAs(t, err, &replay)
	assert.Equal(t, first.ID, replay.RefreshedSessionID)
	assert.Equal(t, active.ID, replay.RevokedSessionID)

	revoked, err := store.GetSession(ctx, active.ID)
	require.NoError(t, err)
	assert.Equal(t, storage.StatusRevoked, revoked.Status)

	_, err = store.ActiveSession(ctx, grant.ID)
	assert.ErrorIs(t, err, storage.ErrSessionNotFound)

	_, err = srv.AuthenticateBearer(ctx, "Bearer "+next.AccessToken)
	assert.Error(t, err, "access token of a revoked session")
	_, err = srv.RefreshToken(ctx, client, next.RefreshToken)
	assert.Error(t, err, "refresh token of a revoked session")
}

func testBackendRedeemOnce(t *testing.T, store storage.Store) {
	ctx := context.Background()
	srv := setupBackendServer(t, store)
	client, grant, verifier := issuePublicGrant(t, srv)

	_, err := srv.Redeem(ctx, client, grant.ID, verifier, testutil.TestRedirectURI)
	require.NoError(t, err)

	_, err = srv.Redeem(ctx, client, grant.ID, verifier, testutil.TestRedirectURI)
	assert.ErrorIs(t, err, ErrInvalidGrant)

	sessions, err := store.ListSessions(ctx, grant.ID)
	require.NoError(t, err)
	assert.Len(t, sessions, 1)
}

func testBackendRevocation(t *testing.T, store storage.Store) {
	ctx := context.Background()
	srv := setupBackendServer(t, store)
	client, grant, verifier := issuePublicGrant(t, srv)

	pair, err := srv.Redeem(ctx, client, grant.ID, verifier, testutil.TestRedirectURI)
	require.NoError(t, err)

	for range 2 {
		require.NoError(t, srv.RevokeToken(ctx, client, pair.RefreshToken, TokenTypeHintRefreshToken))

		sessions, err := store.ListSessions(ctx, grant.ID)
		require.NoError(t, err)
		require.Len(t, sessions, 1)
		assert.Equal(t, storage.StatusRevoked, sessions[0].Status)
	}

	_, err = srv.AuthenticateBearer(ctx, "Bearer "+pair.AccessToken)
	assert.Error(t, err)
}

func testBackendGrantCeiling(t *testing.T, store storage.Store) {
	client := testutil.GenerateTestClient()
	require.NoError(t, store.SaveClient(context.Background(), client))

	grant := testutil.GenerateTestGrant(client.ID, storage.Challenge{})
	grant.ExpiresAt = grant.CreatedAt.Add(storage.MaxGrantLifetime + time.Minute)

	err := store.SaveGrant(context.Background(), grant)
	assert.ErrorIs(t, err, storage.ErrGrantExpiryTooLong)
}
