package server

import (
	"crypto/subtle"

	"golang.org/x/oauth2"

	"github.com/giantswarm/authz-server/storage"
)

// CodeChallengeMethodS256 is the only supported PKCE method
const CodeChallengeMethodS256 = "S256"

// VerifyCodeChallenge checks verifier against the challenge recorded at
// authorize time: base64url(SHA-256(verifier)) must equal the stored
// code_challenge. An empty verifier never matches.
func VerifyCodeChallenge(challenge storage.Challenge, verifier string) error {
	if verifier == "" || challenge.CodeChallenge == "" {
		return ErrInvalidCodeVerifier
	}
	if challenge.CodeChallengeMethod != CodeChallengeMethodS256 {
		return ErrInvalidCodeVerifier
	}

	computed := oauth2.S256ChallengeFromVerifier(verifier)
	if subtle.ConstantTimeCompare([]byte(computed), []byte(challenge.CodeChallenge)) != 1 {
		return ErrInvalidCodeVerifier
	}
	return nil
}

// VerifyRedirectURI checks that uri is exactly the redirect URI declared at
// authorize time.
func VerifyRedirectURI(challenge storage.Challenge, uri string) error {
	if uri == "" || uri != challenge.RedirectURI {
		return ErrInvalidRedirectionURI
	}
	return nil
}
