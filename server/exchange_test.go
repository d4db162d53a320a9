package server

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/giantswarm/authz-server/internal/testutil"
	"github.com/giantswarm/authz-server/storage"
)

func TestServer_ExchangeToken(t *testing.T) {
	srv, store, _ := setupTestServer(t)
	ctx := context.Background()
	_, _, pair := redeemTestGrant(t, srv)
	cli, _ := createTestClient(t, srv, storage.ClientTypeConfidential)

	exchanged, err := srv.ExchangeToken(ctx, cli, TokenExchangeParams{
		SubjectToken:     pair.AccessToken,
		SubjectTokenType: TokenTypeAccessToken,
		Resource:         "/api/v1/users/current",
	})
	require.NoError(t, err)
	assert.Equal(t, "bearer", exchanged.TokenType)

	identity, err := srv.AuthenticateBearer(ctx, "Bearer "+exchanged.AccessToken)
	require.NoError(t, err)
	assert.Equal(t, testutil.TestUserID, identity.UserID)
	assert.Equal(t, cli.ID, identity.ClientID)

	grant, err := store.GetGrant(ctx, identity.Session.GrantID)
	require.NoError(t, err)
	assert.Equal(t, storage.GrantKindTokenExchange, grant.Kind)
	assert.True(t, grant.Redeemed)

	// the subject token keeps working
	_, err = srv.AuthenticateBearer(ctx, "Bearer "+pair.AccessToken)
	assert.NoError(t, err)

	// exchanged sessions refresh like any other
	_, err = srv.RefreshToken(ctx, cli, exchanged.RefreshToken)
	assert.NoError(t, err)
}

func TestServer_ExchangeToken_Errors(t *testing.T) {
	ctx := context.Background()

	tests := []struct {
		name    string
		params  func(t *testing.T, srv *Server) TokenExchangeParams
		wantErr error
	}{
		{
			name: "unknown resource",
			params: func(t *testing.T, srv *Server) TokenExchangeParams {
				_, _, pair := redeemTestGrant(t, srv)
				return TokenExchangeParams{SubjectToken: pair.AccessToken, SubjectTokenType: TokenTypeAccessToken, Resource: "/api/v1/admin"}
			},
			wantErr: ErrInvalidTokenExchange,
		},
		{
			name: "missing resource",
			params: func(t *testing.T, srv *Server) TokenExchangeParams {
				_, _, pair := redeemTestGrant(t, srv)
				return TokenExchangeParams{SubjectToken: pair.AccessToken, SubjectTokenType: TokenTypeAccessToken}
			},
			wantErr: ErrInvalidTokenExchange,
		},
		{
			name: "refresh token type",
			params: func(t *testing.T, srv *Server) TokenExchangeParams {
				_, _, pair := redeemTestGrant(t, srv)
				return TokenExchangeParams{
					SubjectToken:     pair.RefreshToken,
					SubjectTokenType: "urn:ietf:params:oauth:token-type:refresh_token",
					Resource:         "/api/v1/users/current",
				}
			},
			wantErr: ErrInvalidTokenExchange,
		},
		{
			name: "undecodable subject token",
			params: func(*testing.T, *Server) TokenExchangeParams {
				return TokenExchangeParams{SubjectToken: "garbage", SubjectTokenType: TokenTypeAccessToken, Resource: "/api/v1/users/current"}
			},
			wantErr: ErrInvalidGrant,
		},
		{
			name: "revoked subject session",
			params: func(t *testing.T, srv *Server) TokenExchangeParams {
				client, _, pair := redeemTestGrant(t, srv)
				require.NoError(t, srv.RevokeToken(context.Background(), client, pair.AccessToken, ""))
				return TokenExchangeParams{SubjectToken: pair.AccessToken, SubjectTokenType: TokenTypeAccessToken, Resource: "/api/v1/users/current"}
			},
			wantErr: ErrInvalidGrant,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			srv, _, _ := setupTestServer(t)
			cli, _ := createTestClient(t, srv, storage.ClientTypeConfidential)

			_, err := srv.ExchangeToken(ctx, cli, tt.params(t, srv))
			assert.ErrorIs(t, err, tt.wantErr)
		})
	}
}
