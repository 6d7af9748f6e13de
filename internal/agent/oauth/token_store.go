package oauth

import (
	"sync"
	"time"

	"golang.org/x/oauth2"
)

// tokenExpiryMargin is subtracted from a token's lifetime so callers refresh
// before the server-side expiry, avoiding 401s on in-flight requests.
const tokenExpiryMargin = 60 * time.Second

// TokenStore holds the current token pair and client registration for one
// server. All methods are safe for concurrent use; updates are atomic with
// respect to readers.
type TokenStore struct {
	mu           sync.RWMutex
	token        *oauth2.Token
	registration *ClientRegistration
}

// NewTokenStore creates an empty token store.
func NewTokenStore() *TokenStore {
	return &TokenStore{}
}

// Get returns a copy of the stored token, or nil if none is stored.
func (s *TokenStore) Get() *oauth2.Token {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.token == nil {
		return nil
	}
	t := *s.token
	return &t
}

// Set replaces the stored token. A nil token clears it.
func (s *TokenStore) Set(token *oauth2.Token) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if token == nil {
		s.token = nil
		return
	}
	t := *token
	s.token = &t
}

// Registration returns the stored client registration, or nil.
func (s *TokenStore) Registration() *ClientRegistration {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.registration == nil {
		return nil
	}
	r := *s.registration
	return &r
}

// SetRegistration replaces the stored client registration.
func (s *TokenStore) SetRegistration(reg *ClientRegistration) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if reg == nil {
		s.registration = nil
		return
	}
	r := *reg
	s.registration = &r
}

// IsExpired reports whether the stored access token is missing or within
// tokenExpiryMargin of its expiry. A zero Expiry means the token does not
// expire.
func (s *TokenStore) IsExpired() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return tokenExpired(s.token)
}

// HasRefreshToken reports whether a refresh token is available.
func (s *TokenStore) HasRefreshToken() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.token != nil && s.token.RefreshToken != ""
}

// Clear removes the stored token and registration.
func (s *TokenStore) Clear() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.token = nil
	s.registration = nil
}

func tokenExpired(t *oauth2.Token) bool {
	if t == nil || t.AccessToken == "" {
		return true
	}
	if t.Expiry.IsZero() {
		return false
	}
	return time.Now().After(t.Expiry.Add(-tokenExpiryMargin))
}
