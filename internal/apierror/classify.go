// Package apierror classifies error bodies returned by downstream
// services into the authorization outcomes a client can act on.
package apierror

import (
	"fmt"
	"io"
	"net/http"

	"github.com/tidwall/gjson"
)

// Kind is the classification of an error body.
type Kind int

const (
	// Unknown bodies require no authorization action.
	Unknown Kind = iota

	// AuthorizationRequirements bodies carry authorization_parameters the
	// session must satisfy (step-up, MFA, identity selection).
	AuthorizationRequirements

	// ConsentRequired bodies list scopes the user has not yet granted.
	ConsentRequired

	// AuthenticationFailed bodies mean the access token is no longer valid.
	AuthenticationFailed
)

func (k Kind) String() string {
	switch k {
	case AuthorizationRequirements:
		return "authorization_requirements"
	case ConsentRequired:
		return "consent_required"
	case AuthenticationFailed:
		return "authentication_failed"
	}

	return "unknown"
}

const (
	codeConsentRequired      = "ConsentRequired"
	codeAuthenticationFailed = "AuthenticationFailed"
)

// AuthorizationParameters are the session requirements attached to an
// authorization requirements error.
type AuthorizationParameters struct {
	SessionMessage              string
	SessionRequiredIdentities   []string
	SessionRequiredMFA          *bool
	SessionRequiredSingleDomain []string
	SessionRequiredPolicies     []string
	RequiredScopes              []string
	Prompt                      string
}

// Classification is the result of Classify. Only the fields for Kind are
// populated.
type Classification struct {
	Kind                    Kind
	Code                    string
	Message                 string
	RequiredScopes          []string
	AuthorizationParameters *AuthorizationParameters
}

// Classify inspects raw in a fixed priority order: authorization
// requirements, consent required, authentication failed. The first match
// wins; anything else, including invalid JSON, is Unknown.
func Classify(raw []byte) Classification {
	if !gjson.ValidBytes(raw) {
		return Classification{Kind: Unknown}
	}

	body := gjson.ParseBytes(raw)
	if !body.IsObject() {
		return Classification{Kind: Unknown}
	}

	c := Classification{
		Code:    stringField(body, "code"),
		Message: stringField(body, "message"),
	}

	if params := body.Get("authorization_parameters"); params.IsObject() {
		c.Kind = AuthorizationRequirements
		c.AuthorizationParameters = parseAuthorizationParameters(params)

		return c
	}

	if c.Code == codeConsentRequired {
		if scopes := body.Get("required_scopes"); scopes.IsArray() {
			c.Kind = ConsentRequired
			c.RequiredScopes = stringArray(scopes)

			return c
		}
	}

	if c.Code == codeAuthenticationFailed {
		c.Kind = AuthenticationFailed
		return c
	}

	c.Kind = Unknown

	return c
}

// FromResponse reads and classifies the body of resp. The body is
// consumed; the raw bytes are returned for callers that need them.
func FromResponse(resp *http.Response) (Classification, []byte, error) {
	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return Classification{}, nil, fmt.Errorf("reading error body: %w", err)
	}

	return Classify(raw), raw, nil
}

func parseAuthorizationParameters(r gjson.Result) *AuthorizationParameters {
	p := &AuthorizationParameters{
		SessionMessage:              stringField(r, "session_message"),
		SessionRequiredIdentities:   stringArray(r.Get("session_required_identities")),
		SessionRequiredSingleDomain: stringArray(r.Get("session_required_single_domain")),
		SessionRequiredPolicies:     stringArray(r.Get("session_required_policies")),
		RequiredScopes:              stringArray(r.Get("required_scopes")),
		Prompt:                      stringField(r, "prompt"),
	}

	if mfa := r.Get("session_required_mfa"); mfa.IsBool() {
		v := mfa.Bool()
		p.SessionRequiredMFA = &v
	}

	return p
}

func stringField(r gjson.Result, path string) string {
	v := r.Get(path)
	if v.Type != gjson.String {
		return ""
	}

	return v.Str
}

func stringArray(r gjson.Result) []string {
	if !r.IsArray() {
		return nil
	}

	var out []string
	for _, v := range r.Array() {
		if v.Type == gjson.String {
			out = append(out, v.Str)
		}
	}

	return out
}
