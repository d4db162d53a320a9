package testutil

import (
	"crypto/rand"
	"encoding/base64"
	"fmt"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/crypto/bcrypt"
	"golang.org/x/oauth2"

	"github.com/giantswarm/authz-server/storage"
)

const (
	// TestRedirectURI is the redirect URI registered for fixture clients.
	TestRedirectURI = "https://client.example.com/callback"

	// TestClientSecret is the plaintext secret of GenerateTestConfidentialClient.
	TestClientSecret = "test-client-secret"

	// TestUserID is the resource owner used by fixtures.
	TestUserID = "user-123"
)

// MockTime provides a controllable time source for deterministic testing
type MockTime struct {
	mu  sync.Mutex
	now time.Time
}

// NewMockTime creates a new mock time provider
func NewMockTime(t time.Time) *MockTime {
	return &MockTime{now: t}
}

// Now returns the current mock time
func (m *MockTime) Now() time.Time {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.now
}

// Advance moves the mock time forward by the given duration
func (m *MockTime) Advance(d time.Duration) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.now = m.now.Add(d)
}

// Set sets the mock time to a specific value
func (m *MockTime) Set(t time.Time) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.now = t
}

// GenerateTestClient creates a public client with default token lifetimes
func GenerateTestClient() *storage.Client {
	return &storage.Client{
		ID:              uuid.NewString(),
		Name:            "Test Public Client",
		Type:            storage.Public{},
		RedirectURI:     TestRedirectURI,
		AccessTokenTTL:  5 * time.Minute,
		RefreshTokenTTL: 14 * 24 * time.Hour,
		CreatedAt:       time.Now(),
	}
}

// GenerateTestConfidentialClient creates a confidential client whose secret
// is TestClientSecret
func GenerateTestConfidentialClient() *storage.Client {
	hash, err := bcrypt.GenerateFromPassword([]byte(TestClientSecret), bcrypt.MinCost)
	if err != nil {
		panic(fmt.Sprintf("failed to hash test secret: %v", err))
	}

	c := GenerateTestClient()
	c.Name = "Test Confidential Client"
	c.Type = storage.Confidential{SecretHash: string(hash)}
	return c
}

// GenerateTestGrant creates an unredeemed authorization grant for client
// expiring in five minutes
func GenerateTestGrant(clientID string, challenge storage.Challenge) *storage.Grant {
	now := time.Now()
	return &storage.Grant{
		ID:        uuid.NewString(),
		Kind:      storage.GrantKindAuthorizationCode,
		UserID:    TestUserID,
		ClientID:  clientID,
		Challenge: challenge,
		CreatedAt: now,
		ExpiresAt: now.Add(5 * time.Minute),
	}
}

// GenerateTestSession creates a created session for grantID with random
// token references
func GenerateTestSession(grantID string) *storage.Session {
	return &storage.Session{
		ID:      uuid.NewString(),
		GrantID: grantID,
		AccessToken: storage.TokenRef{
			Index:  GenerateRandomString(43),
			Sealed: GenerateRandomString(32),
		},
		RefreshToken: storage.TokenRef{
			Index:  GenerateRandomString(43),
			Sealed: GenerateRandomString(32),
		},
		Status:    storage.StatusCreated,
		CreatedAt: time.Now(),
	}
}

// GenerateRandomString generates a random base64-encoded string
func GenerateRandomString(length int) string {
	b := make([]byte, length)
	if _, err := rand.Read(b); err != nil {
		panic(fmt.Sprintf("failed to generate random string: %v", err))
	}
	return base64.RawURLEncoding.EncodeToString(b)[:length]
}

// GenerateTestKey returns n random bytes for signing or encryption keys
func GenerateTestKey(n int) []byte {
	b := make([]byte, n)
	if _, err := rand.Read(b); err != nil {
		panic(fmt.Sprintf("failed to generate key: %v", err))
	}
	return b
}

// GeneratePKCEPair generates a valid PKCE challenge and verifier pair for testing.
// Returns (challenge, verifier) where challenge is the S256 hash of the verifier.
func GeneratePKCEPair() (challenge, verifier string) {
	verifier = oauth2.GenerateVerifier()
	return oauth2.S256ChallengeFromVerifier(verifier), verifier
}

// HTTPRequest is a helper for making test HTTP requests
type HTTPRequest struct {
	Method  string
	URL     string
	Headers map[string]string
	Form    url.Values
}

// NewHTTPRequest creates a new HTTP request helper
func NewHTTPRequest(method, url string) *HTTPRequest {
	return &HTTPRequest{
		Method:  method,
		URL:     url,
		Headers: make(map[string]string),
	}
}

// WithHeader adds a header to the request
func (r *HTTPRequest) WithHeader(key, value string) *HTTPRequest {
	r.Headers[key] = value
	return r
}

// WithBasicAuth sets HTTP Basic credentials
func (r *HTTPRequest) WithBasicAuth(user, password string) *HTTPRequest {
	creds := base64.StdEncoding.EncodeToString([]byte(user + ":" + password))
	return r.WithHeader("Authorization", "Basic "+creds)
}

// WithForm sets a form-encoded request body
func (r *HTTPRequest) WithForm(form url.Values) *HTTPRequest {
	r.Form = form
	return r
}

// Do executes the HTTP request
func (r *HTTPRequest) Do(handler http.Handler) *httptest.ResponseRecorder {
	var req *http.Request
	if r.Form != nil {
		req = httptest.NewRequest(r.Method, r.URL, strings.NewReader(r.Form.Encode()))
		req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	} else {
		req = httptest.NewRequest(r.Method, r.URL, nil)
	}
	for k, v := range r.Headers {
		req.Header.Set(k, v)
	}
	rr := httptest.NewRecorder()
	handler.ServeHTTP(rr, req)
	return rr
}
