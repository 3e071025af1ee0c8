// Package authtest runs an in-process authorization service that speaks
// the same authorize, token and revocation protocol as the production
// one. Codes are only redeemed with a matching PKCE verifier.
package authtest

import (
	"crypto/sha256"
	"encoding/base64"
	"encoding/json"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"github.com/alexjbarnes/globus-auth/internal/auth"
	"github.com/alexjbarnes/globus-auth/internal/logging"
	"github.com/alexjbarnes/globus-auth/internal/tokens"
)

const (
	authScopePrefix = "urn:globus:auth:scope:"
	urlScopePrefix  = "https://auth.globus.org/scopes/"
)

// Identity is the user the provider signs in without asking.
type Identity struct {
	Subject string
	Name    string
	Email   string
}

// Provider is a running test authorization service. Authorization
// requests are approved immediately.
type Provider struct {
	URL      string
	ClientID string
	Identity Identity

	// TokenLifetime applies to every access token issued.
	TokenLifetime time.Duration

	store      *store
	signingKey []byte
	logger     *slog.Logger
	srv        *httptest.Server
}

// New starts a Provider for clientID. It is closed when t finishes.
func New(t testing.TB, clientID string) *Provider {
	t.Helper()

	p := &Provider{
		ClientID: clientID,
		Identity: Identity{
			Subject: "b3d5a2c4-7f1e-4e5a-9c1d-0a1b2c3d4e5f",
			Name:    "Test User",
			Email:   "test.user@example.org",
		},
		TokenLifetime: time.Hour,
		store:         newStore(),
		signingKey:    []byte(randomHex(32)),
		logger:        logging.Discard(),
	}

	mux := http.NewServeMux()
	mux.HandleFunc("GET /v2/oauth2/authorize", p.handleAuthorize)
	mux.HandleFunc("POST /v2/oauth2/token", p.handleToken)
	mux.HandleFunc("POST /v2/oauth2/token/revoke", p.handleRevoke)

	p.srv = httptest.NewServer(mux)
	p.URL = p.srv.URL
	t.Cleanup(p.srv.Close)

	return p
}

// Endpoints returns the provider's OAuth 2.0 URLs.
func (p *Provider) Endpoints() *auth.Endpoints {
	return &auth.Endpoints{
		Authorize: p.URL + "/v2/oauth2/authorize",
		Token:     p.URL + "/v2/oauth2/token",
		Revoke:    p.URL + "/v2/oauth2/token/revoke",
	}
}

// Invalidate makes accessToken unusable without revoking its refresh token.
func (p *Provider) Invalidate(accessToken string) {
	p.store.invalidate(accessToken)
}

// Revoked lists tokens received on the revocation endpoint.
func (p *Provider) Revoked() []string {
	return p.store.revokedTokens()
}

// ResourceServerFor maps a scope string to the resource server that
// receives tokens for it.
func ResourceServerFor(scope string) string {
	switch {
	case scope == "openid" || scope == "profile" || scope == "email":
		return tokens.ResourceServerAuth
	case strings.HasPrefix(scope, authScopePrefix):
		rest := strings.TrimPrefix(scope, authScopePrefix)
		if i := strings.LastIndex(rest, ":"); i > 0 {
			return rest[:i]
		}

		return rest
	case strings.HasPrefix(scope, urlScopePrefix):
		rest := strings.TrimPrefix(scope, urlScopePrefix)
		if i := strings.Index(rest, "/"); i > 0 {
			return rest[:i]
		}

		return rest
	}

	return scope
}

// redirectWithError redirects the user-agent back to the client with an
// error response per RFC 6749 Section 4.1.2.1.
func redirectWithError(w http.ResponseWriter, r *http.Request, redirectURI, state, errCode, description string) {
	params := url.Values{}
	params.Set("error", errCode)
	params.Set("error_description", description)

	if state != "" {
		params.Set("state", state)
	}

	http.Redirect(w, r, redirectURI+"?"+params.Encode(), http.StatusFound)
}

func (p *Provider) handleAuthorize(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()

	if q.Get("client_id") != p.ClientID {
		http.Error(w, "unknown client", http.StatusBadRequest)
		return
	}

	redirectURI := q.Get("redirect_uri")
	if redirectURI == "" {
		http.Error(w, "redirect_uri is required", http.StatusBadRequest)
		return
	}

	state := q.Get("state")

	if q.Get("response_type") != "code" {
		redirectWithError(w, r, redirectURI, state, "unsupported_response_type", "only code is supported")
		return
	}

	challenge := q.Get("code_challenge")
	if challenge == "" || q.Get("code_challenge_method") != "S256" {
		redirectWithError(w, r, redirectURI, state, "invalid_request", "PKCE with S256 is required")
		return
	}

	ac := &AuthCode{
		Code:          randomHex(32),
		ClientID:      p.ClientID,
		RedirectURI:   redirectURI,
		CodeChallenge: challenge,
		Scopes:        strings.Fields(q.Get("scope")),
		ExpiresAt:     time.Now().Add(codeExpiry),
	}
	p.store.saveCode(ac)

	p.logger.Debug("authorization approved", slog.Int("scopes", len(ac.Scopes)))

	params := url.Values{"code": {ac.Code}}
	if state != "" {
		params.Set("state", state)
	}

	http.Redirect(w, r, redirectURI+"?"+params.Encode(), http.StatusFound)
}

func (p *Provider) handleToken(w http.ResponseWriter, r *http.Request) {
	if err := r.ParseForm(); err != nil {
		writeJSONError(w, http.StatusBadRequest, "invalid_request", "invalid form data")
		return
	}

	if r.FormValue("client_id") != p.ClientID {
		writeJSONError(w, http.StatusUnauthorized, "invalid_client", "unknown client")
		return
	}

	switch r.FormValue("grant_type") {
	case "authorization_code":
		p.exchangeCode(w, r)
	case "refresh_token":
		p.exchangeRefreshToken(w, r)
	default:
		writeJSONError(w, http.StatusBadRequest, "unsupported_grant_type", "unsupported grant type")
	}
}

func (p *Provider) exchangeCode(w http.ResponseWriter, r *http.Request) {
	ac := p.store.consumeCode(r.FormValue("code"))
	if ac == nil {
		writeJSONError(w, http.StatusBadRequest, "invalid_grant", "invalid or expired authorization code")
		return
	}

	if r.FormValue("redirect_uri") != ac.RedirectURI {
		writeJSONError(w, http.StatusBadRequest, "invalid_grant", "redirect_uri mismatch")
		return
	}

	verifier := r.FormValue("code_verifier")
	if verifier == "" || !verifyPKCE(verifier, ac.CodeChallenge) {
		writeJSONError(w, http.StatusBadRequest, "invalid_grant", "PKCE verification failed")
		return
	}

	resp, err := p.issue(ac.Scopes)
	if err != nil {
		writeJSONError(w, http.StatusInternalServerError, "server_error", err.Error())
		return
	}

	writeJSON(w, resp)
}

func (p *Provider) exchangeRefreshToken(w http.ResponseWriter, r *http.Request) {
	g := p.store.byRefreshToken(r.FormValue("refresh_token"))
	if g == nil {
		writeJSONError(w, http.StatusBadRequest, "invalid_grant", "invalid refresh token")
		return
	}

	next := p.store.rotate(g, p.TokenLifetime)

	writeJSON(w, p.tokenFor(next))
}

// issue builds the response for a code grant: one token per resource
// server, with the auth service token primary when it was requested.
func (p *Provider) issue(scopes []string) (*tokens.TokenResponse, error) {
	offline := false

	var order []string

	byServer := make(map[string][]string)

	for _, s := range scopes {
		if s == "offline_access" {
			offline = true
			continue
		}

		rs := ResourceServerFor(s)
		if _, ok := byServer[rs]; !ok {
			order = append(order, rs)
		}

		byServer[rs] = append(byServer[rs], s)
	}

	if len(order) == 0 {
		order = []string{tokens.ResourceServerAuth}
	}

	for i, rs := range order {
		if rs == tokens.ResourceServerAuth && i > 0 {
			order[0], order[i] = order[i], order[0]
			break
		}
	}

	var all []tokens.Token

	for _, rs := range order {
		g := &Grant{
			AccessToken:    randomHex(32),
			ResourceServer: rs,
			Scopes:         byServer[rs],
			ExpiresAt:      time.Now().Add(p.TokenLifetime),
		}

		if offline {
			g.RefreshToken = randomHex(32)
		}

		p.store.saveGrant(g)
		all = append(all, *p.tokenFor(g))
	}

	primary := all[0]
	primary.OtherTokens = all[1:]

	if primary.HasScope("openid") {
		idToken, err := p.idToken()
		if err != nil {
			return nil, err
		}

		primary.IDToken = idToken
	}

	return &primary, nil
}

func (p *Provider) tokenFor(g *Grant) *tokens.TokenResponse {
	return &tokens.TokenResponse{
		AccessToken:    g.AccessToken,
		RefreshToken:   g.RefreshToken,
		TokenType:      "Bearer",
		ExpiresIn:      tokens.Seconds(int64(time.Until(g.ExpiresAt).Round(time.Second).Seconds())),
		Scope:          strings.Join(g.Scopes, " "),
		ResourceServer: g.ResourceServer,
	}
}

func (p *Provider) idToken() (string, error) {
	now := time.Now()

	return jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.MapClaims{
		"iss":                p.URL,
		"aud":                p.ClientID,
		"sub":                p.Identity.Subject,
		"name":               p.Identity.Name,
		"email":              p.Identity.Email,
		"preferred_username": p.Identity.Email,
		"iat":                now.Unix(),
		"exp":                now.Add(p.TokenLifetime).Unix(),
	}).SignedString(p.signingKey)
}

func (p *Provider) handleRevoke(w http.ResponseWriter, r *http.Request) {
	if err := r.ParseForm(); err != nil {
		writeJSONError(w, http.StatusBadRequest, "invalid_request", "invalid form data")
		return
	}

	if r.FormValue("client_id") != p.ClientID {
		writeJSONError(w, http.StatusUnauthorized, "invalid_client", "unknown client")
		return
	}

	p.store.revoke(r.FormValue("token"))

	writeJSON(w, map[string]bool{"active": false})
}

// verifyPKCE checks that SHA256(verifier) matches the challenge (S256 method).
func verifyPKCE(verifier, challenge string) bool {
	h := sha256.Sum256([]byte(verifier))
	computed := base64.RawURLEncoding.EncodeToString(h[:])

	return computed == challenge
}

func writeJSON(w http.ResponseWriter, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.Header().Set("Cache-Control", "no-store")
	_ = json.NewEncoder(w).Encode(v)
}

func writeJSONError(w http.ResponseWriter, status int, errCode, description string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(map[string]string{
		"error":             errCode,
		"error_description": description,
	})
}
