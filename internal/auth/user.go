package auth

import (
	"github.com/golang-jwt/jwt/v5"
)

// Identity is one entry of the identity_set claim.
type Identity struct {
	Sub              string `json:"sub"`
	Name             string `json:"name,omitempty"`
	Email            string `json:"email,omitempty"`
	Username         string `json:"username,omitempty"`
	Organization     string `json:"organization,omitempty"`
	IdentityProvider string `json:"identity_provider,omitempty"`
}

// UserInfo holds the OpenID Connect claims of the primary service's
// id_token.
type UserInfo struct {
	jwt.RegisteredClaims

	Name                        string     `json:"name,omitempty"`
	Email                       string     `json:"email,omitempty"`
	PreferredUsername           string     `json:"preferred_username,omitempty"`
	Organization                string     `json:"organization,omitempty"`
	IdentityProvider            string     `json:"identity_provider,omitempty"`
	IdentityProviderDisplayName string     `json:"identity_provider_display_name,omitempty"`
	IdentitySet                 []Identity `json:"identity_set,omitempty"`
	LastAuthentication          int64      `json:"last_authentication,omitempty"`
}

// User decodes the id_token stored with the primary service token. It
// returns nil when there is no such token, the token was not granted the
// openid scope, or the id_token cannot be decoded. The signature is not
// verified; the token came straight from the token endpoint over TLS.
func (m *Manager) User() *UserInfo {
	tok := m.tokens.Auth()
	if tok == nil || tok.IDToken == "" || !tok.HasScope("openid") {
		return nil
	}

	var claims UserInfo

	parser := jwt.NewParser(jwt.WithoutClaimsValidation())
	if _, _, err := parser.ParseUnverified(tok.IDToken, &claims); err != nil {
		m.logger.Debug("decoding id_token failed")
		return nil
	}

	return &claims
}
