// Package server implements the authorization server core.
//
// The Server type ties together the client registry, the PKCE challenge
// engine, grant issuance and redemption, the session state machine and
// claim validation. It is transport agnostic; the root oauth package maps
// its errors to OAuth error responses and exposes it over HTTP.
//
// Sessions form a linear chain per grant. Refreshing the active session
// marks it refreshed and creates its successor atomically. Presenting a
// refresh token of a session that is no longer active is treated as replay:
// the grant's active session is revoked and *RevokedSessionError returned.
//
// Example usage:
//
//	store := memory.New()
//
//	config := &server.Config{
//	    Issuer:     "https://auth.example.com",
//	    Audience:   "https://api.example.com",
//	    SigningKey: key,
//	}
//
//	srv, err := server.New(store, store, store, config, logger)
//	if err != nil {
//	    log.Fatal(err)
//	}
package server
