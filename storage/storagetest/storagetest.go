// Package storagetest holds the behavioural test suite every storage.Store
// implementation must pass. Backend packages call Run from their own tests.
package storagetest

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

// Factory returns an empty store. Cleanup is registered on t.
type Factory func(t *testing.T) storage.Store

// Run executes the full suite against stores produced by newStore.
func Run(t *testing.T, newStore Factory) {
	t.Run("Clients", func(t *testing.T) { testClients(t, newStore) })
	t.Run("Grants", func(t *testing.T) { testGrants(t, newStore) })
	t.Run("RedeemGrant", func(t *testing.T) { testRedeemGrant(t, newStore) })
	t.Run("Sessions", func(t *testing.T) { testSessions(t, newStore) })
	t.Run("RotateSession", func(t *testing.T) { testRotateSession(t, newStore) })
	t.Run("RotateSessionConcurrent", func(t *testing.T) { testRotateSessionConcurrent(t, newStore) })
	t.Run("UpdateSessionStatus", func(t *testing.T) { testUpdateSessionStatus(t, newStore) })
	t.Run("RevokeSessionCascade", func(t *testing.T) { testRevokeSessionCascade(t, newStore) })
	t.Run("RevokeActiveSession", func(t *testing.T) { testRevokeActiveSession(t, newStore) })
	t.Run("DeleteGrantsForUser", func(t *testing.T) { testDeleteGrantsForUser(t, newStore) })
}

// SeedGrant saves a client and an unredeemed grant for it.
func SeedGrant(t *testing.T, store storage.Store) (*storage.Client, *storage.Grant) {
	t.Helper()
	ctx := context.Background()

	client := testutil.GenerateTestClient()
	require.NoError(t, store.SaveClient(ctx, client))

	grant := testutil.GenerateTestGrant(client.ID, storage.Challenge{
		CodeChallenge:       "challenge",
		CodeChallengeMethod: "S256",
		RedirectURI:         testutil.TestRedirectURI,
	})
	require.NoError(t, store.SaveGrant(ctx, grant))
	return client, grant
}

// SeedRedeemedGrant seeds a grant and redeems it with a first session.
func SeedRedeemedGrant(t *testing.T, store storage.Store) (*storage.Grant, *storage.Session) {
	t.Helper()

	_, grant := SeedGrant(t, store)
	first := testutil.GenerateTestSession(grant.ID)
	require.NoError(t, store.RedeemGrant(context.Background(), grant.ID, first))
	return grant, first
}

func status(t *testing.T, store storage.Store, id string) storage.SessionStatus {
	t.Helper()
	sess, err := store.GetSession(context.Background(), id)
	require.NoError(t, err)
	return sess.Status
}

func testClients(t *testing.T, newStore Factory) {
	ctx := context.Background()
	store := newStore(t)

	public := testutil.GenerateTestClient()
	public.CreatedAt = time.Now().Add(-time.Hour)
	confidential := testutil.GenerateTestConfidentialClient()

	require.NoError(t, store.SaveClient(ctx, public))
	require.NoError(t, store.SaveClient(ctx, confidential))

	err := store.SaveClient(ctx, public)
	assert.True(t, errors.Is(err, storage.ErrClientExists), "duplicate save: %v", err)

	got, err := store.GetClient(ctx, confidential.ID)
	require.NoError(t, err)
	assert.Equal(t, confidential.Name, got.Name)
	assert.Equal(t, confidential.RedirectURI, got.RedirectURI)
	assert.Equal(t, confidential.AccessTokenTTL, got.AccessTokenTTL)
	assert.Equal(t, confidential.RefreshTokenTTL, got.RefreshTokenTTL)
	assert.False(t, got.IsPublic())
	assert.Equal(t, storage.SecretHashOf(confidential.Type), storage.SecretHashOf(got.Type))

	got, err = store.GetClient(ctx, public.ID)
	require.NoError(t, err)
	assert.True(t, got.IsPublic())

	_, err = store.GetClient(ctx, "missing")
	assert.True(t, errors.Is(err, storage.ErrClientNotFound))

	list, err := store.ListClients(ctx)
	require.NoError(t, err)
	require.Len(t, list, 2)
	assert.Equal(t, public.ID, list[0].ID)
	assert.Equal(t, confidential.ID, list[1].ID)
}

func testGrants(t *testing.T, newStore Factory) {
	ctx := context.Background()
	store := newStore(t)

	_, grant := SeedGrant(t, store)

	got, err := store.GetGrant(ctx, grant.ID)
	require.NoError(t, err)
	assert.Equal(t, grant.UserID, got.UserID)
	assert.Equal(t, grant.ClientID, got.ClientID)
	assert.Equal(t, storage.GrantKindAuthorizationCode, got.Kind)
	assert.Equal(t, grant.Challenge, got.Challenge)
	assert.True(t, grant.ExpiresAt.Equal(got.ExpiresAt), "expires_at %v != %v", got.ExpiresAt, grant.ExpiresAt)
	assert.False(t, got.Redeemed)

	_, err = store.GetGrant(ctx, "missing")
	assert.True(t, errors.Is(err, storage.ErrGrantNotFound))

	tooLong := testutil.GenerateTestGrant(grant.ClientID, storage.Challenge{})
	tooLong.ExpiresAt = tooLong.CreatedAt.Add(storage.MaxGrantLifetime + time.Second)
	err = store.SaveGrant(ctx, tooLong)
	assert.True(t, errors.Is(err, storage.ErrGrantExpiryTooLong))

	noChallenge := testutil.GenerateTestGrant(grant.ClientID, storage.Challenge{})
	require.NoError(t, store.SaveGrant(ctx, noChallenge))
	got, err = store.GetGrant(ctx, noChallenge.ID)
	require.NoError(t, err)
	assert.False(t, got.Challenge.HasCodeChallenge())
	assert.False(t, got.Challenge.HasRedirectURI())
}

func testRedeemGrant(t *testing.T, newStore Factory) {
	ctx := context.Background()
	store := newStore(t)

	_, grant := SeedGrant(t, store)

	first := testutil.GenerateTestSession(grant.ID)
	require.NoError(t, store.RedeemGrant(ctx, grant.ID, first))

	got, err := store.GetGrant(ctx, grant.ID)
	require.NoError(t, err)
	assert.True(t, got.Redeemed)

	active, err := store.ActiveSession(ctx, grant.ID)
	require.NoError(t, err)
	assert.Equal(t, first.ID, active.ID)

	second := testutil.GenerateTestSession(grant.ID)
	err = store.RedeemGrant(ctx, grant.ID, second)
	assert.True(t, errors.Is(err, storage.ErrGrantAlreadyRedeemed))
	_, err = store.GetSession(ctx, second.ID)
	assert.True(t, errors.Is(err, storage.ErrSessionNotFound), "losing redemption must not persist a session")

	err = store.RedeemGrant(ctx, "missing", testutil.GenerateTestSession("missing"))
	assert.True(t, errors.Is(err, storage.ErrGrantNotFound))

	// A jti collision leaves the grant unredeemed.
	_, other := SeedGrant(t, store)
	clash := testutil.GenerateTestSession(other.ID)
	clash.RefreshToken.Index = first.RefreshToken.Index
	err = store.RedeemGrant(ctx, other.ID, clash)
	assert.True(t, errors.Is(err, storage.ErrDuplicateTokenID), "collision: %v", err)

	got, err = store.GetGrant(ctx, other.ID)
	require.NoError(t, err)
	assert.False(t, got.Redeemed)
}

func testSessions(t *testing.T, newStore Factory) {
	ctx := context.Background()
	store := newStore(t)

	grant, first := SeedRedeemedGrant(t, store)

	byAccess, err := store.GetSessionByAccessToken(ctx, first.AccessToken.Index)
	require.NoError(t, err)
	assert.Equal(t, first.ID, byAccess.ID)
	assert.Equal(t, grant.ID, byAccess.GrantID)
	assert.Equal(t, first.AccessToken, byAccess.AccessToken)
	assert.Equal(t, first.RefreshToken, byAccess.RefreshToken)
	assert.Equal(t, storage.StatusCreated, byAccess.Status)

	byRefresh, err := store.GetSessionByRefreshToken(ctx, first.RefreshToken.Index)
	require.NoError(t, err)
	assert.Equal(t, first.ID, byRefresh.ID)

	_, err = store.GetSessionByAccessToken(ctx, first.RefreshToken.Index)
	assert.True(t, errors.Is(err, storage.ErrSessionNotFound), "indexes must not cross kinds")

	_, err = store.GetSession(ctx, uuid.NewString())
	assert.True(t, errors.Is(err, storage.ErrSessionNotFound))

	second := testutil.GenerateTestSession(grant.ID)
	second.CreatedAt = first.CreatedAt.Add(time.Second)
	require.NoError(t, store.CreateSession(ctx, second))

	active, err := store.ActiveSession(ctx, grant.ID)
	require.NoError(t, err)
	assert.Equal(t, second.ID, active.ID, "active session is the latest created one")

	list, err := store.ListSessions(ctx, grant.ID)
	require.NoError(t, err)
	require.Len(t, list, 2)
	assert.Equal(t, first.ID, list[0].ID)
	assert.Equal(t, second.ID, list[1].ID)

	dup := testutil.GenerateTestSession(grant.ID)
	dup.AccessToken.Index = second.AccessToken.Index
	err = store.CreateSession(ctx, dup)
	assert.True(t, errors.Is(err, storage.ErrDuplicateTokenID))

	orphan := testutil.GenerateTestSession("missing-grant")
	assert.Error(t, store.CreateSession(ctx, orphan))
}

func testRotateSession(t *testing.T, newStore Factory) {
	ctx := context.Background()
	store := newStore(t)

	grant, first := SeedRedeemedGrant(t, store)

	next := testutil.GenerateTestSession(grant.ID)
	next.CreatedAt = first.CreatedAt.Add(time.Second)
	require.NoError(t, store.RotateSession(ctx, first.ID, next))

	assert.Equal(t, storage.StatusRefreshed, status(t, store, first.ID))
	assert.Equal(t, storage.StatusCreated, status(t, store, next.ID))

	active, err := store.ActiveSession(ctx, grant.ID)
	require.NoError(t, err)
	assert.Equal(t, next.ID, active.ID)

	again := testutil.GenerateTestSession(grant.ID)
	err = store.RotateSession(ctx, first.ID, again)
	assert.True(t, errors.Is(err, storage.ErrSessionNotActive))
	_, err = store.GetSession(ctx, again.ID)
	assert.True(t, errors.Is(err, storage.ErrSessionNotFound), "losing rotation must not persist a session")

	err = store.RotateSession(ctx, uuid.NewString(), testutil.GenerateTestSession(grant.ID))
	assert.True(t, errors.Is(err, storage.ErrSessionNotFound))
}

func testRotateSessionConcurrent(t *testing.T, newStore Factory) {
	ctx := context.Background()
	store := newStore(t)

	grant, first := SeedRedeemedGrant(t, store)

	const workers = 8
	var (
		wg      sync.WaitGroup
		mu      sync.Mutex
		wins    int
		lossErr []error
	)
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			err := store.RotateSession(ctx, first.ID, testutil.GenerateTestSession(grant.ID))
			mu.Lock()
			defer mu.Unlock()
			if err == nil {
				wins++
			} else {
				lossErr = append(lossErr, err)
			}
		}()
	}
	wg.Wait()

	assert.Equal(t, 1, wins, "exactly one rotation must win")
	for _, err := range lossErr {
		assert.True(t, errors.Is(err, storage.ErrSessionNotActive), "loser: %v", err)
	}

	list, err := store.ListSessions(ctx, grant.ID)
	require.NoError(t, err)
	assert.Len(t, list, 2)
}

func testUpdateSessionStatus(t *testing.T, newStore Factory) {
	ctx := context.Background()
	store := newStore(t)

	_, first := SeedRedeemedGrant(t, store)

	changed, err := store.UpdateSessionStatus(ctx, first.ID, storage.StatusExpired)
	require.NoError(t, err)
	assert.True(t, changed)

	changed, err = store.UpdateSessionStatus(ctx, first.ID, storage.StatusCreated)
	require.NoError(t, err)
	assert.False(t, changed, "expired sessions cannot be reactivated")
	assert.Equal(t, storage.StatusExpired, status(t, store, first.ID))

	changed, err = store.UpdateSessionStatus(ctx, first.ID, storage.StatusRevoked)
	require.NoError(t, err)
	assert.True(t, changed)

	changed, err = store.UpdateSessionStatus(ctx, first.ID, storage.StatusRevoked)
	require.NoError(t, err)
	assert.False(t, changed, "revoked is terminal")

	_, err = store.UpdateSessionStatus(ctx, uuid.NewString(), storage.StatusRevoked)
	assert.True(t, errors.Is(err, storage.ErrSessionNotFound))

	_, err = store.UpdateSessionStatus(ctx, first.ID, storage.SessionStatus("bogus"))
	assert.Error(t, err)
}

func testRevokeSessionCascade(t *testing.T, newStore Factory) {
	ctx := context.Background()
	store := newStore(t)

	grant, first := SeedRedeemedGrant(t, store)
	second := testutil.GenerateTestSession(grant.ID)
	require.NoError(t, store.RotateSession(ctx, first.ID, second))

	revoked, err := store.RevokeSessionCascade(ctx, first.ID)
	require.NoError(t, err)
	assert.ElementsMatch(t, []string{first.ID, second.ID}, revoked)
	assert.Equal(t, storage.StatusRevoked, status(t, store, first.ID))
	assert.Equal(t, storage.StatusRevoked, status(t, store, second.ID))

	revoked, err = store.RevokeSessionCascade(ctx, first.ID)
	require.NoError(t, err)
	assert.Empty(t, revoked, "second revocation changes nothing")

	_, err = store.RevokeSessionCascade(ctx, uuid.NewString())
	assert.True(t, errors.Is(err, storage.ErrSessionNotFound))
}

func testRevokeActiveSession(t *testing.T, newStore Factory) {
	ctx := context.Background()
	store := newStore(t)

	grant, first := SeedRedeemedGrant(t, store)
	second := testutil.GenerateTestSession(grant.ID)
	require.NoError(t, store.RotateSession(ctx, first.ID, second))

	id, err := store.RevokeActiveSession(ctx, grant.ID, first.ID)
	require.NoError(t, err)
	assert.Equal(t, second.ID, id)
	assert.Equal(t, storage.StatusRevoked, status(t, store, second.ID))
	assert.Equal(t, storage.StatusRefreshed, status(t, store, first.ID))

	// Nothing active: the fallback is revoked.
	id, err = store.RevokeActiveSession(ctx, grant.ID, first.ID)
	require.NoError(t, err)
	assert.Equal(t, first.ID, id)
	assert.Equal(t, storage.StatusRevoked, status(t, store, first.ID))

	_, err = store.RevokeActiveSession(ctx, grant.ID, uuid.NewString())
	assert.True(t, errors.Is(err, storage.ErrSessionNotFound))
}

func testDeleteGrantsForUser(t *testing.T, newStore Factory) {
	ctx := context.Background()
	store := newStore(t)

	grant, first := SeedRedeemedGrant(t, store)
	_, second := SeedGrant(t, store)

	other := testutil.GenerateTestGrant(second.ClientID, storage.Challenge{})
	other.UserID = "other-user"
	require.NoError(t, store.SaveGrant(ctx, other))

	n, err := store.DeleteGrantsForUser(ctx, testutil.TestUserID)
	require.NoError(t, err)
	assert.Equal(t, 2, n)

	_, err = store.GetGrant(ctx, grant.ID)
	assert.True(t, errors.Is(err, storage.ErrGrantNotFound))
	_, err = store.GetSession(ctx, first.ID)
	assert.True(t, errors.Is(err, storage.ErrSessionNotFound))
	_, err = store.GetSessionByAccessToken(ctx, first.AccessToken.Index)
	assert.True(t, errors.Is(err, storage.ErrSessionNotFound))

	_, err = store.GetGrant(ctx, other.ID)
	assert.NoError(t, err)

	n, err = store.DeleteGrantsForUser(ctx, testutil.TestUserID)
	require.NoError(t, err)
	assert.Zero(t, n)
}
