// Package tokens stores and retrieves access tokens per resource server.
package tokens

import "strings"

// Token is a credential for one resource server as issued by the token
// endpoint. OtherTokens carries sibling grants for other resource servers
// issued in the same exchange.
type Token struct {
	AccessToken    string  `json:"access_token"`
	Scope          string  `json:"scope"`
	ExpiresIn      *int64  `json:"expires_in,omitempty"`
	TokenType      string  `json:"token_type"`
	ResourceServer string  `json:"resource_server"`
	RefreshToken   string  `json:"refresh_token,omitempty"`
	IDToken        string  `json:"id_token,omitempty"`
	State          string  `json:"state,omitempty"`
	OtherTokens    []Token `json:"other_tokens,omitempty"`
}

// TokenResponse is the raw result of a grant: a primary token plus
// OtherTokens.
type TokenResponse = Token

// Metadata is attached when a token is written to storage. Times are
// epoch milliseconds. Expires is nil when it could not be computed.
type Metadata struct {
	Created int64  `json:"created"`
	Expires *int64 `json:"expires"`
}

// StoredToken is a Token as read back from storage.
type StoredToken struct {
	Token
	Metadata *Metadata `json:"__metadata,omitempty"`
}

// Seconds returns a pointer to n for use as Token.ExpiresIn.
func Seconds(n int64) *int64 {
	return &n
}

// HasScope reports whether scope appears in the space-delimited granted
// scope string.
func (t *Token) HasScope(scope string) bool {
	for _, s := range strings.Fields(t.Scope) {
		if s == scope {
			return true
		}
	}

	return false
}
