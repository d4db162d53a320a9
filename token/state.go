package token

import (
	"errors"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// StateClaims carries a validated authorization request between the
// authorize endpoint and the user's grant decision.
type StateClaims struct {
	ClientID            string `json:"client_id"`
	ClientState         string `json:"client_state,omitempty"`
	CodeChallenge       string `json:"code_challenge,omitempty"`
	CodeChallengeMethod string `json:"code_challenge_method,omitempty"`
	RedirectURI         string `json:"redirect_uri,omitempty"`
	ResponseType        string `json:"response_type"`
	jwt.RegisteredClaims
}

// EncodeState signs a state token valid for ttl.
func (c *Codec) EncodeState(claims *StateClaims, ttl time.Duration) (string, error) {
	if claims == nil {
		return "", errors.New("claims are required")
	}

	now := c.now()
	claims.Issuer = c.issuer
	claims.Audience = jwt.ClaimStrings{c.issuer}
	claims.IssuedAt = jwt.NewNumericDate(now)
	claims.ExpiresAt = jwt.NewNumericDate(now.Add(ttl))

	return c.sign(KindState, claims)
}

// DecodeState verifies a state token, including its expiry, issuer and
// audience. Every failure is a *DecodeError.
func (c *Codec) DecodeState(raw string) (*StateClaims, error) {
	claims := &StateClaims{}
	parser := jwt.NewParser(
		jwt.WithValidMethods([]string{c.method.Alg()}),
		jwt.WithExpirationRequired(),
		jwt.WithIssuer(c.issuer),
		jwt.WithAudience(c.issuer),
		jwt.WithTimeFunc(c.now),
	)
	if err := c.parse(parser, KindState, raw, claims); err != nil {
		return nil, err
	}
	return claims, nil
}
