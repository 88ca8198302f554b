package guesty

import (
	"sync"
	"time"
)

// Session holds the client credentials and the cached bearer token. It is an
// explicit value so tests and callers can build isolated instances.
type Session struct {
	mu           sync.RWMutex
	clientID     string
	clientSecret string
	token        string
	expiry       time.Time
	now          func() time.Time
}

func NewSession(clientID, clientSecret string) *Session {
	return &Session{clientID: clientID, clientSecret: clientSecret, now: time.Now}
}

// SetCredentials replaces the credentials and drops any cached token.
func (s *Session) SetCredentials(clientID, clientSecret string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.clientID, s.clientSecret = clientID, clientSecret
	s.token, s.expiry = "", time.Time{}
}

func (s *Session) HasCredentials() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.clientID != "" && s.clientSecret != ""
}

func (s *Session) credentials() (string, string) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.clientID, s.clientSecret
}

// Token returns the cached token while it is unexpired.
func (s *Session) Token() (string, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.token == "" || !s.now().Before(s.expiry) {
		return "", false
	}
	return s.token, true
}

func (s *Session) store(token string, expiry time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.token, s.expiry = token, expiry
}

// Invalidate forgets the token; the next request re-authenticates.
func (s *Session) Invalidate() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.token, s.expiry = "", time.Time{}
}
