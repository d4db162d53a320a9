package server

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/giantswarm/authz-server/internal/testutil"
	"github.com/giantswarm/authz-server/storage"
)

func TestVerifyCodeChallenge(t *testing.T) {
	challenge, verifier := testutil.GeneratePKCEPair()

	tests := []struct {
		name      string
		challenge storage.Challenge
		verifier  string
		wantErr   bool
	}{
		{
			name:      "matching verifier",
			challenge: storage.Challenge{CodeChallenge: challenge, CodeChallengeMethod: CodeChallengeMethodS256},
			verifier:  verifier,
		},
		{
			name:      "empty verifier",
			challenge: storage.Challenge{CodeChallenge: challenge, CodeChallengeMethod: CodeChallengeMethodS256},
			verifier:  "",
			wantErr:   true,
		},
		{
			name:      "verifier for another challenge",
			challenge: storage.Challenge{CodeChallenge: challenge, CodeChallengeMethod: CodeChallengeMethodS256},
			verifier:  testutil.GenerateRandomString(50),
			wantErr:   true,
		},
		{
			name:      "challenge itself as verifier",
			challenge: storage.Challenge{CodeChallenge: challenge, CodeChallengeMethod: CodeChallengeMethodS256},
			verifier:  challenge,
			wantErr:   true,
		},
		{
			name:      "plain method rejected",
			challenge: storage.Challenge{CodeChallenge: verifier, CodeChallengeMethod: "plain"},
			verifier:  verifier,
			wantErr:   true,
		},
		{
			name:      "no stored challenge",
			challenge: storage.Challenge{},
			verifier:  verifier,
			wantErr:   true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := VerifyCodeChallenge(tt.challenge, tt.verifier)
			if tt.wantErr {
				assert.ErrorIs(t, err, ErrInvalidCodeVerifier)
				return
			}
			assert.NoError(t, err)
		})
	}
}

// Changing any single character of a valid verifier must be rejected.
func TestVerifyCodeChallenge_CorruptedVerifier(t *testing.T) {
	challenge, verifier := testutil.GeneratePKCEPair()
	stored := storage.Challenge{CodeChallenge: challenge, CodeChallengeMethod: CodeChallengeMethodS256}
	require.NoError(t, VerifyCodeChallenge(stored, verifier))

	for i := range len(verifier) {
		corrupted := []byte(verifier)
		if corrupted[i] == 'A' {
			corrupted[i] = 'B'
		} else {
			corrupted[i] = 'A'
		}

		err := VerifyCodeChallenge(stored, string(corrupted))
		require.ErrorIs(t, err, ErrInvalidCodeVerifier, "corrupting position %d was accepted", i)
	}
}

func TestVerifyRedirectURI(t *testing.T) {
	stored := storage.Challenge{RedirectURI: testutil.TestRedirectURI}

	assert.NoError(t, VerifyRedirectURI(stored, testutil.TestRedirectURI))
	assert.ErrorIs(t, VerifyRedirectURI(stored, ""), ErrInvalidRedirectionURI)
	assert.ErrorIs(t, VerifyRedirectURI(stored, testutil.TestRedirectURI+"/"), ErrInvalidRedirectionURI)
	assert.ErrorIs(t, VerifyRedirectURI(stored, "https://evil.example.com/callback"), ErrInvalidRedirectionURI)
	assert.ErrorIs(t, VerifyRedirectURI(storage.Challenge{}, testutil.TestRedirectURI), ErrInvalidRedirectionURI)
}
