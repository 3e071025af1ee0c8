package authtest

import (
	"crypto/rand"
	"encoding/hex"
	"sync"
	"time"
)

// AuthCode represents a pending authorization code.
type AuthCode struct {
	Code          string
	ClientID      string
	RedirectURI   string
	CodeChallenge string
	Scopes        []string
	ExpiresAt     time.Time
}

// Grant is an issued token for one resource server.
type Grant struct {
	AccessToken    string
	RefreshToken   string
	ResourceServer string
	Scopes         []string
	ExpiresAt      time.Time
}

// HasScope reports whether scope was granted.
func (g *Grant) HasScope(scope string) bool {
	for _, s := range g.Scopes {
		if s == scope {
			return true
		}
	}

	return false
}

const codeExpiry = 5 * time.Minute

// store holds the provider's in-memory OAuth state.
type store struct {
	mu      sync.Mutex
	codes   map[string]*AuthCode
	access  map[string]*Grant
	refresh map[string]*Grant
	revoked []string
}

func newStore() *store {
	return &store{
		codes:   make(map[string]*AuthCode),
		access:  make(map[string]*Grant),
		refresh: make(map[string]*Grant),
	}
}

func (s *store) saveCode(ac *AuthCode) {
	s.mu.Lock()
	s.codes[ac.Code] = ac
	s.mu.Unlock()
}

// consumeCode returns and deletes the code. Expired codes return nil.
func (s *store) consumeCode(code string) *AuthCode {
	s.mu.Lock()
	defer s.mu.Unlock()

	ac, ok := s.codes[code]
	if !ok {
		return nil
	}

	delete(s.codes, code)

	if time.Now().After(ac.ExpiresAt) {
		return nil
	}

	return ac
}

func (s *store) saveGrant(g *Grant) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.access[g.AccessToken] = g
	if g.RefreshToken != "" {
		s.refresh[g.RefreshToken] = g
	}
}

// validate returns the grant for an unexpired access token.
func (s *store) validate(token string) *Grant {
	s.mu.Lock()
	defer s.mu.Unlock()

	g, ok := s.access[token]
	if !ok || time.Now().After(g.ExpiresAt) {
		return nil
	}

	return g
}

func (s *store) byRefreshToken(token string) *Grant {
	s.mu.Lock()
	defer s.mu.Unlock()

	return s.refresh[token]
}

// rotate replaces g's access token and returns the new grant.
func (s *store) rotate(g *Grant, lifetime time.Duration) *Grant {
	s.mu.Lock()
	defer s.mu.Unlock()

	delete(s.access, g.AccessToken)

	next := &Grant{
		AccessToken:    randomHex(32),
		RefreshToken:   g.RefreshToken,
		ResourceServer: g.ResourceServer,
		Scopes:         g.Scopes,
		ExpiresAt:      time.Now().Add(lifetime),
	}

	s.access[next.AccessToken] = next
	s.refresh[next.RefreshToken] = next

	return next
}

func (s *store) invalidate(accessToken string) {
	s.mu.Lock()
	delete(s.access, accessToken)
	s.mu.Unlock()
}

func (s *store) revoke(token string) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if g, ok := s.access[token]; ok {
		delete(s.access, token)
		delete(s.refresh, g.RefreshToken)
	}

	if g, ok := s.refresh[token]; ok {
		delete(s.refresh, token)
		delete(s.access, g.AccessToken)
	}

	s.revoked = append(s.revoked, token)
}

func (s *store) revokedTokens() []string {
	s.mu.Lock()
	defer s.mu.Unlock()

	return append([]string(nil), s.revoked...)
}

// randomHex generates a cryptographically random hex string of the given byte length.
func randomHex(byteLen int) string {
	b := make([]byte, byteLen)
	if _, err := rand.Read(b); err != nil {
		panic("crypto/rand failed: " + err.Error())
	}

	return hex.EncodeToString(b)
}
