// Package token encodes and decodes the signed claim sets used by the
// authorization server: access tokens, refresh tokens, and the internal
// state token that carries a pending authorization request across the
// consent redirect.
//
// Tokens are compact JWS values signed with HMAC-SHA256. Decoding access
// and refresh tokens verifies the signature and structure only; expiry is
// a claim the caller validates so that an expired token can be told apart
// from a tampered one. State tokens are the exception: nothing downstream
// validates them, so DecodeState enforces their expiry itself.
package token
