package oauth

// ErrorResponse represents an OAuth error response
type ErrorResponse struct {
	// Error is the error code
	Error string `json:"error"`

	// ErrorDescription provides additional information
	ErrorDescription string `json:"error_description,omitempty"`
}

// AuthorizationResponse is returned by the authorize endpoint. State is the
// signed state token the consent UI posts back with the user's decision.
type AuthorizationResponse struct {
	State      string `json:"state"`
	ClientID   string `json:"client_id"`
	ClientName string `json:"client_name"`
}

// CurrentUserResponse is returned by the current user endpoint
type CurrentUserResponse struct {
	UserID string `json:"user_id"`
}

// Grant types accepted by the token endpoint
const (
	GrantTypeAuthorizationCode = "authorization_code"
	GrantTypeRefreshToken      = "refresh_token"
	GrantTypeTokenExchange     = "urn:ietf:params:oauth:grant-type:token-exchange"
)
