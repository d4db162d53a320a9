package server

import (
	"context"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/giantswarm/authz-server/storage"
	"github.com/giantswarm/authz-server/token"
)

func TestServer_Validate(t *testing.T) {
	srv, _, clock := setupTestServer(t)
	ctx := context.Background()
	_, grant, pair := redeemTestGrant(t, srv)

	access, err := srv.Codec().DecodeAccessToken(pair.AccessToken)
	require.NoError(t, err)

	result, err := srv.Validate(ctx, token.KindAccess, access)
	require.NoError(t, err)
	assert.True(t, result.Valid(), "invalid claims: %v", result.InvalidClaims)
	require.NotNil(t, result.Session)
	require.NotNil(t, result.Grant)
	assert.Equal(t, grant.ID, result.Grant.ID)

	refresh, err := srv.Codec().DecodeRefreshToken(pair.RefreshToken)
	require.NoError(t, err)

	result, err = srv.Validate(ctx, token.KindRefresh, refresh)
	require.NoError(t, err)
	assert.True(t, result.Valid(), "invalid claims: %v", result.InvalidClaims)
	assert.Nil(t, result.Grant)

	// exactly at exp is still valid
	clock.Set(access.ExpiresAt.Time)
	result, err = srv.Validate(ctx, token.KindAccess, access)
	require.NoError(t, err)
	assert.False(t, result.Invalid(ClaimExpiration))
}

func TestServer_ValidateAndApplySideEffects(t *testing.T) {
	tests := []struct {
		name        string
		kind        token.Kind
		mutate      func(c *token.Claims, now time.Time)
		wantInvalid []string
		wantStatus  storage.SessionStatus
	}{
		{
			name:       "valid access token",
			kind:       token.KindAccess,
			mutate:     func(*token.Claims, time.Time) {},
			wantStatus: storage.StatusCreated,
		},
		{
			name:        "foreign audience",
			kind:        token.KindAccess,
			mutate:      func(c *token.Claims, _ time.Time) { c.Audience = jwt.ClaimStrings{"https://other.example.com"} },
			wantInvalid: []string{ClaimAudience},
			wantStatus:  storage.StatusRevoked,
		},
		{
			name:        "foreign issuer",
			kind:        token.KindRefresh,
			mutate:      func(c *token.Claims, _ time.Time) { c.Issuer = "https://evil.example.com" },
			wantInvalid: []string{ClaimIssuer},
			wantStatus:  storage.StatusRevoked,
		},
		{
			name:        "other user",
			kind:        token.KindAccess,
			mutate:      func(c *token.Claims, _ time.Time) { c.UserID = "someone-else" },
			wantInvalid: []string{ClaimUserID},
			wantStatus:  storage.StatusRevoked,
		},
		{
			name:        "missing user",
			kind:        token.KindAccess,
			mutate:      func(c *token.Claims, _ time.Time) { c.UserID = "" },
			wantInvalid: []string{ClaimUserID},
			wantStatus:  storage.StatusRevoked,
		},
		{
			name: "expired",
			kind: token.KindAccess,
			mutate: func(c *token.Claims, now time.Time) {
				c.ExpiresAt = jwt.NewNumericDate(now.Add(-time.Second))
			},
			wantInvalid: []string{ClaimExpiration},
			wantStatus:  storage.StatusExpired,
		},
		{
			name:        "missing exp",
			kind:        token.KindRefresh,
			mutate:      func(c *token.Claims, _ time.Time) { c.ExpiresAt = nil },
			wantInvalid: []string{ClaimExpiration},
			wantStatus:  storage.StatusExpired,
		},
		{
			name: "expired and tampered",
			kind: token.KindAccess,
			mutate: func(c *token.Claims, now time.Time) {
				c.ExpiresAt = jwt.NewNumericDate(now.Add(-time.Second))
				c.Issuer = "https://evil.example.com"
			},
			wantInvalid: []string{ClaimIssuer, ClaimExpiration},
			wantStatus:  storage.StatusRevoked,
		},
		{
			name: "unknown jti",
			kind: token.KindAccess,
			mutate: func(c *token.Claims, _ time.Time) {
				c.ID = uuid.NewString()
				c.Issuer = "https://evil.example.com"
			},
			wantInvalid: []string{ClaimJTI, ClaimIssuer, ClaimUserID},
			wantStatus:  storage.StatusCreated,
		},
		{
			name: "missing jti",
			kind: token.KindRefresh,
			mutate: func(c *token.Claims, now time.Time) {
				c.ID = ""
				c.ExpiresAt = jwt.NewNumericDate(now.Add(-time.Second))
			},
			wantInvalid: []string{ClaimJTI, ClaimExpiration},
			wantStatus:  storage.StatusCreated,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			srv, store, clock := setupTestServer(t)
			ctx := context.Background()
			_, grant, pair := redeemTestGrant(t, srv)

			raw := pair.AccessToken
			if tt.kind == token.KindRefresh {
				raw = pair.RefreshToken
			}
			claims, err := srv.Codec().Decode(tt.kind, raw)
			require.NoError(t, err)
			tt.mutate(claims, clock.Now())

			result, err := srv.Validate(ctx, tt.kind, claims)
			require.NoError(t, err)
			assert.ElementsMatch(t, tt.wantInvalid, result.InvalidClaims)

			// Validate alone never changes state
			active, err := store.ActiveSession(ctx, grant.ID)
			require.NoError(t, err)
			assert.Equal(t, storage.StatusCreated, active.Status)

			require.NoError(t, srv.ApplySideEffects(ctx, result))

			got, err := store.GetSession(ctx, active.ID)
			require.NoError(t, err)
			assert.Equal(t, tt.wantStatus, got.Status)
		})
	}
}

func TestServer_ApplySideEffects_NoResurrection(t *testing.T) {
	srv, store, clock := setupTestServer(t)
	ctx := context.Background()
	_, grant, pair := redeemTestGrant(t, srv)

	session, err := store.ActiveSession(ctx, grant.ID)
	require.NoError(t, err)
	require.NoError(t, srv.Revoke(ctx, session))

	clock.Advance(time.Hour)
	claims, err := srv.Codec().DecodeAccessToken(pair.AccessToken)
	require.NoError(t, err)

	result, err := srv.Check(ctx, token.KindAccess, claims)
	require.NoError(t, err)
	assert.True(t, result.Invalid(ClaimExpiration))

	got, err := store.GetSession(ctx, session.ID)
	require.NoError(t, err)
	assert.Equal(t, storage.StatusRevoked, got.Status, "revoked sessions must stay revoked")
}

func TestServer_Check_ExpiresSession(t *testing.T) {
	srv, store, clock := setupTestServer(t)
	ctx := context.Background()
	client, grant, pair := redeemTestGrant(t, srv)

	clock.Advance(client.AccessTokenTTL + time.Second)

	claims, err := srv.Codec().DecodeAccessToken(pair.AccessToken)
	require.NoError(t, err)

	result, err := srv.Check(ctx, token.KindAccess, claims)
	require.NoError(t, err)
	assert.Equal(t, []string{ClaimExpiration}, result.InvalidClaims)
	assert.Equal(t, storage.StatusExpired, result.Session.Status)

	sessions, err := store.ListSessions(ctx, grant.ID)
	require.NoError(t, err)
	require.Len(t, sessions, 1)
	assert.Equal(t, storage.StatusExpired, sessions[0].Status)

	// an expired session can still be revoked
	require.NoError(t, srv.Revoke(ctx, sessions[0]))
	got, err := store.GetSession(ctx, sessions[0].ID)
	require.NoError(t, err)
	assert.Equal(t, storage.StatusRevoked, got.Status)
}
