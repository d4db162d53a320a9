package token

import "time"

// EncodeAccessToken signs an access token for userID with the given jti.
func (c *Codec) EncodeAccessToken(jti, userID string, expiration time.Time) (string, error) {
	claims := &Claims{UserID: userID}
	claims.ID = jti
	return c.Encode(KindAccess, claims, expiration)
}

// EncodeRefreshToken signs a refresh token with the given jti.
func (c *Codec) EncodeRefreshToken(jti string, expiration time.Time) (string, error) {
	claims := &Claims{}
	claims.ID = jti
	return c.Encode(KindRefresh, claims, expiration)
}

// DecodeAccessToken decodes raw as an access token.
func (c *Codec) DecodeAccessToken(raw string) (*Claims, error) {
	return c.Decode(KindAccess, raw)
}

// DecodeRefreshToken decodes raw as a refresh token.
func (c *Codec) DecodeRefreshToken(raw string) (*Claims, error) {
	return c.Decode(KindRefresh, raw)
}
