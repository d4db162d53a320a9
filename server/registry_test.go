package server

import (
	"context"
	"net/url"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/crypto/bcrypt"

	"github.com/giantswarm/authz-server/internal/testutil"
	"github.com/giantswarm/authz-server/storage"
)

func TestServer_CreateClient(t *testing.T) {
	tests := []struct {
		name    string
		spec    ClientSpec
		wantErr bool
	}{
		{
			name: "confidential by default",
			spec: ClientSpec{Name: "Billing", RedirectURI: testutil.TestRedirectURI},
		},
		{
			name: "public",
			spec: ClientSpec{Name: "Mobile", Type: storage.ClientTypePublic, RedirectURI: testutil.TestRedirectURI},
		},
		{
			name: "explicit lifetimes",
			spec: ClientSpec{Name: "Short", RedirectURI: "http://localhost:8080/cb", AccessTokenTTL: 60, RefreshTokenTTL: 3600},
		},
		{
			name:    "name too short",
			spec:    ClientSpec{Name: "ab", RedirectURI: testutil.TestRedirectURI},
			wantErr: true,
		},
		{
			name:    "name too long",
			spec:    ClientSpec{Name: strings.Repeat("n", MaxClientNameLength+1), RedirectURI: testutil.TestRedirectURI},
			wantErr: true,
		},
		{
			name:    "negative lifetime",
			spec:    ClientSpec{Name: "Negative", RedirectURI: testutil.TestRedirectURI, AccessTokenTTL: -1},
			wantErr: true,
		},
		{
			name:    "non http redirect",
			spec:    ClientSpec{Name: "Custom", RedirectURI: "myapp://callback"},
			wantErr: true,
		},
		{
			name:    "redirect without host",
			spec:    ClientSpec{Name: "No Host", RedirectURI: "https:///callback"},
			wantErr: true,
		},
		{
			name:    "unknown type",
			spec:    ClientSpec{Name: "Odd", Type: "trusted", RedirectURI: testutil.TestRedirectURI},
			wantErr: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			srv, store, _ := setupTestServer(t)

			client, secret, err := srv.CreateClient(context.Background(), tt.spec)
			if tt.wantErr {
				require.ErrorIs(t, err, ErrInvalidClientSpec)
				return
			}
			require.NoError(t, err)

			stored, err := store.GetClient(context.Background(), client.ID)
			require.NoError(t, err)
			assert.Equal(t, client.RedirectURI, stored.RedirectURI)

			switch ct := stored.Type.(type) {
			case storage.Public:
				assert.Empty(t, secret)
			case storage.Confidential:
				require.NotEmpty(t, secret)
				assert.NotEqual(t, secret, ct.SecretHash, "secret must not be stored in plaintext")
				assert.NoError(t, bcrypt.CompareHashAndPassword([]byte(ct.SecretHash), []byte(secret)))
			}
		})
	}
}

func TestServer_CreateClient_Lifetimes(t *testing.T) {
	srv, _, _ := setupTestServer(t)
	ctx := context.Background()

	defaults, _, err := srv.CreateClient(ctx, ClientSpec{Name: "Defaults", RedirectURI: testutil.TestRedirectURI})
	require.NoError(t, err)
	assert.Equal(t, 300*time.Second, defaults.AccessTokenTTL)
	assert.Equal(t, 1209600*time.Second, defaults.RefreshTokenTTL)

	explicit, _, err := srv.CreateClient(ctx, ClientSpec{
		Name:            "Explicit",
		RedirectURI:     testutil.TestRedirectURI,
		AccessTokenTTL:  60,
		RefreshTokenTTL: 3600,
	})
	require.NoError(t, err)
	assert.Equal(t, time.Minute, explicit.AccessTokenTTL)
	assert.Equal(t, time.Hour, explicit.RefreshTokenTTL)
}

func TestServer_CreateClient_DuplicateID(t *testing.T) {
	srv, _, _ := setupTestServer(t)
	spec := ClientSpec{ID: "fixed-id", Name: "First", RedirectURI: testutil.TestRedirectURI}

	_, _, err := srv.CreateClient(context.Background(), spec)
	require.NoError(t, err)

	_, _, err = srv.CreateClient(context.Background(), spec)
	assert.ErrorIs(t, err, storage.ErrClientExists)
}

func TestServer_FindClient(t *testing.T) {
	srv, _, _ := setupTestServer(t)
	client, _ := createTestClient(t, srv, storage.ClientTypePublic)

	found, err := srv.FindClient(context.Background(), client.ID)
	require.NoError(t, err)
	assert.Equal(t, client.ID, found.ID)

	_, err = srv.FindClient(context.Background(), "")
	assert.ErrorIs(t, err, storage.ErrClientNotFound)

	_, err = srv.FindClient(context.Background(), "missing")
	assert.ErrorIs(t, err, storage.ErrClientNotFound)
}

func TestServer_AuthenticateClient(t *testing.T) {
	srv, _, _ := setupTestServer(t)
	public, _ := createTestClient(t, srv, storage.ClientTypePublic)
	confidential, secret := createTestClient(t, srv, storage.ClientTypeConfidential)

	tests := []struct {
		name    string
		creds   ClientCredentials
		wantID  string
		wantErr bool
	}{
		{
			name:   "public by client_id",
			creds:  ClientCredentials{ClientID: public.ID},
			wantID: public.ID,
		},
		{
			name:   "public with empty basic password",
			creds:  ClientCredentials{HasBasic: true, BasicID: public.ID},
			wantID: public.ID,
		},
		{
			name:    "public claiming a secret",
			creds:   ClientCredentials{HasBasic: true, BasicID: public.ID, BasicSecret: "anything"},
			wantErr: true,
		},
		{
			name:    "unknown client",
			creds:   ClientCredentials{ClientID: "missing"},
			wantErr: true,
		},
		{
			name:    "no client at all",
			creds:   ClientCredentials{},
			wantErr: true,
		},
		{
			name:   "confidential with basic",
			creds:  ClientCredentials{HasBasic: true, BasicID: confidential.ID, BasicSecret: secret},
			wantID: confidential.ID,
		},
		{
			name:   "confidential with matching client_id",
			creds:  ClientCredentials{ClientID: confidential.ID, HasBasic: true, BasicID: confidential.ID, BasicSecret: secret},
			wantID: confidential.ID,
		},
		{
			name:    "confidential with wrong secret",
			creds:   ClientCredentials{HasBasic: true, BasicID: confidential.ID, BasicSecret: "wrong"},
			wantErr: true,
		},
		{
			name:    "confidential without basic",
			creds:   ClientCredentials{ClientID: confidential.ID},
			wantErr: true,
		},
		{
			name:    "client_id differs from basic user",
			creds:   ClientCredentials{ClientID: public.ID, HasBasic: true, BasicID: confidential.ID, BasicSecret: secret},
			wantErr: true,
		},
		{
			name:    "unknown basic user",
			creds:   ClientCredentials{HasBasic: true, BasicID: "missing", BasicSecret: secret},
			wantErr: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			client, err := srv.AuthenticateClient(context.Background(), tt.creds)
			if tt.wantErr {
				assert.ErrorIs(t, err, ErrInvalidClient)
				assert.Nil(t, client)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.wantID, client.ID)
		})
	}
}

func TestServer_RedirectURLFor(t *testing.T) {
	srv, _, _ := setupTestServer(t)

	client := testutil.GenerateTestClient()
	client.RedirectURI = "https://client.example.com/callback?stale=1"

	got, err := srv.RedirectURLFor(client, url.Values{"code": {"abc"}, "state": {"xyz"}})
	require.NoError(t, err)

	u, err := url.Parse(got)
	require.NoError(t, err)
	assert.Equal(t, "client.example.com", u.Host)
	assert.Equal(t, "/callback", u.Path)
	assert.Equal(t, url.Values{"code": {"abc"}, "state": {"xyz"}}, u.Query())

	client.RedirectURI = "javascript:alert(1)"
	_, err = srv.RedirectURLFor(client, url.Values{})
	assert.ErrorIs(t, err, ErrInvalidRedirectURL)
}
