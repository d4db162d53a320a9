package token

import (
	"errors"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
)

// MinKeyLength is the minimum HMAC signing key length in bytes.
const MinKeyLength = 32

// Kind identifies which claim set a token carries. It is written to the JWS
// "typ" header so a token of one kind never decodes as another.
type Kind string

const (
	KindAccess  Kind = "at+jwt"
	KindRefresh Kind = "rt+jwt"
	KindState   Kind = "state+jwt"
)

// String returns a short name for logs and metrics.
func (k Kind) String() string {
	switch k {
	case KindAccess:
		return "access"
	case KindRefresh:
		return "refresh"
	case KindState:
		return "state"
	}
	return "unknown"
}

// ErrDecode matches every *DecodeError via errors.Is.
var ErrDecode = errors.New("token decode failed")

// DecodeError reports a token whose signature or structure is invalid.
type DecodeError struct {
	Reason string
	Err    error
}

func (e *DecodeError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("token decode failed: %s: %v", e.Reason, e.Err)
	}
	return "token decode failed: " + e.Reason
}

func (e *DecodeError) Unwrap() error { return e.Err }

// Is makes errors.Is(err, ErrDecode) true for any DecodeError.
func (e *DecodeError) Is(target error) bool { return target == ErrDecode }

// Claims is the claim set of access and refresh tokens. UserID is only
// set on access tokens.
type Claims struct {
	UserID string `json:"user_id,omitempty"`
	jwt.RegisteredClaims
}

// JTI returns the token id.
func (c *Claims) JTI() string { return c.ID }

// Codec signs and verifies tokens for a single issuer and audience.
type Codec struct {
	key      []byte
	issuer   string
	audience string
	method   jwt.SigningMethod
	now      func() time.Time
}

// NewCodec returns a codec signing with key. key must be at least
// MinKeyLength bytes.
func NewCodec(key []byte, issuer, audience string) (*Codec, error) {
	if len(key) < MinKeyLength {
		return nil, fmt.Errorf("signing key must be at least %d bytes, got %d", MinKeyLength, len(key))
	}
	if issuer == "" || audience == "" {
		return nil, errors.New("issuer and audience are required")
	}

	k := make([]byte, len(key))
	copy(k, key)

	return &Codec{
		key:      k,
		issuer:   issuer,
		audience: audience,
		method:   jwt.SigningMethodHS256,
		now:      time.Now,
	}, nil
}

// SetClock replaces the time source used for iat and state expiry.
func (c *Codec) SetClock(now func() time.Time) {
	if now != nil {
		c.now = now
	}
}

// Issuer returns the configured issuer.
func (c *Codec) Issuer() string { return c.issuer }

// Audience returns the configured audience.
func (c *Codec) Audience() string { return c.audience }

// Encode stamps exp on claims and signs them as kind. Missing iss, aud,
// iat and jti are filled in from the codec; values already present are
// kept so callers can encode arbitrary claim sets.
func (c *Codec) Encode(kind Kind, claims *Claims, expiration time.Time) (string, error) {
	if claims == nil {
		return "", errors.New("claims are required")
	}

	if claims.Issuer == "" {
		claims.Issuer = c.issuer
	}
	if len(claims.Audience) == 0 {
		claims.Audience = jwt.ClaimStrings{c.audience}
	}
	if claims.IssuedAt == nil {
		claims.IssuedAt = jwt.NewNumericDate(c.now())
	}
	if claims.ID == "" {
		claims.ID = uuid.NewString()
	}
	claims.ExpiresAt = jwt.NewNumericDate(expiration)

	return c.sign(kind, claims)
}

// Decode verifies the signature and structure of raw and that it was
// encoded as kind. It does not check exp, aud or iss.
func (c *Codec) Decode(kind Kind, raw string) (*Claims, error) {
	claims := &Claims{}
	parser := jwt.NewParser(
		jwt.WithValidMethods([]string{c.method.Alg()}),
		jwt.WithoutClaimsValidation(),
	)
	if err := c.parse(parser, kind, raw, claims); err != nil {
		return nil, err
	}
	return claims, nil
}

func (c *Codec) sign(kind Kind, claims jwt.Claims) (string, error) {
	tok := jwt.NewWithClaims(c.method, claims)
	tok.Header["typ"] = string(kind)

	signed, err := tok.SignedString(c.key)
	if err != nil {
		return "", fmt.Errorf("failed to sign %s token: %w", kind, err)
	}
	return signed, nil
}

func (c *Codec) parse(parser *jwt.Parser, kind Kind, raw string, claims jwt.Claims) error {
	if raw == "" {
		return &DecodeError{Reason: "empty token"}
	}

	tok, err := parser.ParseWithClaims(raw, claims, func(*jwt.Token) (any, error) {
		return c.key, nil
	})
	if err != nil {
		switch {
		case errors.Is(err, jwt.ErrTokenMalformed):
			return &DecodeError{Reason: "malformed", Err: err}
		case errors.Is(err, jwt.ErrTokenSignatureInvalid):
			return &DecodeError{Reason: "invalid signature", Err: err}
		default:
			return &DecodeError{Reason: "invalid token", Err: err}
		}
	}

	if typ, _ := tok.Header["typ"].(string); typ != string(kind) {
		return &DecodeError{Reason: fmt.Sprintf("unexpected token type %q", typ)}
	}
	return nil
}
