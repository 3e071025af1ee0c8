package auth

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"net/url"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	autherrors "github.com/alexjbarnes/globus-auth/internal/errors"
	"github.com/alexjbarnes/globus-auth/internal/events"
	"github.com/alexjbarnes/globus-auth/internal/storage"
	"github.com/alexjbarnes/globus-auth/internal/tokens"
	"github.com/alexjbarnes/globus-auth/internal/transport"
)

const (
	clientID    = "client_id"
	redirectURI = "https://app.example.org/callback"
)

// fakeGlobus serves the token and revocation endpoints.
type fakeGlobus struct {
	srv *httptest.Server

	mu           sync.Mutex
	codeResponse map[string]any
	refresh      map[string]map[string]any
	exchanges    []url.Values
	refreshes    []url.Values
	revoked      []string
	revokeStatus int
}

func newFakeGlobus(t *testing.T) *fakeGlobus {
	t.Helper()

	f := &fakeGlobus{
		refresh:      make(map[string]map[string]any),
		revokeStatus: http.StatusOK,
	}

	mux := http.NewServeMux()
	mux.HandleFunc("POST /v2/oauth2/token", f.handleToken)
	mux.HandleFunc("POST /v2/oauth2/token/revoke", f.handleRevoke)

	f.srv = httptest.NewServer(mux)
	t.Cleanup(f.srv.Close)

	return f
}

func (f *fakeGlobus) endpoints() *Endpoints {
	return &Endpoints{
		Authorize: "https://auth.example.org/v2/oauth2/authorize",
		Token:     f.srv.URL + "/v2/oauth2/token",
		Revoke:    f.srv.URL + "/v2/oauth2/token/revoke",
	}
}

func writeJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(body)
}

func (f *fakeGlobus) handleToken(w http.ResponseWriter, r *http.Request) {
	if err := r.ParseForm(); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid_request"})
		return
	}

	f.mu.Lock()
	defer f.mu.Unlock()

	switch r.PostForm.Get("grant_type") {
	case "authorization_code":
		f.exchanges = append(f.exchanges, r.PostForm)
		writeJSON(w, http.StatusOK, f.codeResponse)
	case "refresh_token":
		f.refreshes = append(f.refreshes, r.PostForm)

		body, ok := f.refresh[r.PostForm.Get("refresh_token")]
		if !ok {
			writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid_grant"})
			return
		}

		writeJSON(w, http.StatusOK, body)
	default:
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "unsupported_grant_type"})
	}
}

func (f *fakeGlobus) handleRevoke(w http.ResponseWriter, r *http.Request) {
	if err := r.ParseForm(); err != nil {
		w.WriteHeader(http.StatusBadRequest)
		return
	}

	f.mu.Lock()
	defer f.mu.Unlock()

	f.revoked = append(f.revoked, r.PostForm.Get("token"))
	writeJSON(w, f.revokeStatus, map[string]bool{"active": false})
}

func (f *fakeGlobus) revokedTokens() []string {
	f.mu.Lock()
	defer f.mu.Unlock()

	return append([]string(nil), f.revoked...)
}

// navigations records every URL handed to the navigator.
type navigations struct {
	mu   sync.Mutex
	urls []*url.URL
}

func (n *navigations) navigator() transport.Navigator {
	return transport.NavigatorFunc(func(_ context.Context, rawURL string) error {
		u, err := url.Parse(rawURL)
		if err != nil {
			return err
		}

		n.mu.Lock()
		n.urls = append(n.urls, u)
		n.mu.Unlock()

		return nil
	})
}

func (n *navigations) last(t *testing.T) url.Values {
	t.Helper()
	n.mu.Lock()
	defer n.mu.Unlock()
	require.NotEmpty(t, n.urls)

	return n.urls[len(n.urls)-1].Query()
}

func (n *navigations) count() int {
	n.mu.Lock()
	defer n.mu.Unlock()

	return len(n.urls)
}

type fixture struct {
	manager  *Manager
	store    *storage.Memory
	server   *fakeGlobus
	nav      *navigations
	location *transport.MemoryLocation
}

func newFixture(t *testing.T, mutate func(*Config)) *fixture {
	t.Helper()

	f := &fixture{
		store:    storage.NewMemory(),
		server:   newFakeGlobus(t),
		nav:      &navigations{},
		location: transport.NewMemoryLocation(redirectURI),
	}

	cfg := Config{
		ClientID:    clientID,
		RedirectURI: redirectURI,
		Endpoints:   f.server.endpoints(),
		Storage:     f.store,
		HTTPClient:  f.server.srv.Client(),
		Navigator:   f.nav.navigator(),
		Location:    f.location,
	}

	if mutate != nil {
		mutate(&cfg)
	}

	m, err := New(cfg)
	require.NoError(t, err)

	f.manager = m

	return f
}

func (f *fixture) seed(t *testing.T, tok tokens.Token) {
	t.Helper()
	require.NoError(t, f.manager.Tokens().Add(&tok))
}

func TestNew_RequiresClientID(t *testing.T) {
	_, err := New(Config{RedirectURI: redirectURI})
	assert.ErrorIs(t, err, autherrors.ErrMissingClient)
}

func TestNew_UnknownEnvironment(t *testing.T) {
	_, err := New(Config{ClientID: clientID, Environment: "moon"})
	assert.ErrorIs(t, err, autherrors.ErrUnknownEnvironment)
}

func TestEnvironment_Endpoints(t *testing.T) {
	tests := []struct {
		env  Environment
		want string
	}{
		{Production, "https://auth.globus.org/v2/oauth2/"},
		{"", "https://auth.globus.org/v2/oauth2/"},
		{Preview, "https://auth.preview.globus.org/v2/oauth2/"},
		{Sandbox, "https://auth.sandbox.globuscs.info/v2/oauth2/"},
		{Integration, "https://auth.integration.globuscs.info/v2/oauth2/"},
		{Test, "https://auth.test.globuscs.info/v2/oauth2/"},
		{Staging, "https://auth.staging.globuscs.info/v2/oauth2/"},
	}

	for _, tt := range tests {
		t.Run(string(tt.env), func(t *testing.T) {
			e, err := tt.env.Endpoints()
			require.NoError(t, err)
			assert.Equal(t, tt.want+"authorize", e.Authorize)
			assert.Equal(t, tt.want+"token", e.Token)
			assert.Equal(t, tt.want+"token/revoke", e.Revoke)
		})
	}
}

func TestParseEnvironment(t *testing.T) {
	env, err := ParseEnvironment("")
	require.NoError(t, err)
	assert.Equal(t, Production, env)

	env, err = ParseEnvironment("sandbox")
	require.NoError(t, err)
	assert.Equal(t, Sandbox, env)

	_, err = ParseEnvironment("nope")
	assert.ErrorIs(t, err, autherrors.ErrUnknownEnvironment)
}

func TestNew_BootstrapDispatchesOnce(t *testing.T) {
	store := storage.NewMemoryFrom(map[string]string{
		"client_id:auth.globus.org": `{"resource_server":"auth.globus.org"}`,
	})

	var got []AuthenticatedEvent

	m, err := New(Config{
		ClientID: clientID,
		Storage:  store,
		Events: Listeners{
			Authenticated: []events.Listener[AuthenticatedEvent]{
				func(_ context.Context, e AuthenticatedEvent) error {
					got = append(got, e)
					return nil
				},
			},
		},
	})
	require.NoError(t, err)

	assert.True(t, m.Authenticated())
	require.Len(t, got, 1)
	assert.True(t, got[0].IsAuthenticated)
	require.NotNil(t, got[0].Token)
	assert.Equal(t, "auth.globus.org", got[0].Token.ResourceServer)
}

func TestNew_NoTokenNoDispatch(t *testing.T) {
	calls := 0

	m, err := New(Config{
		ClientID: clientID,
		Events: Listeners{
			Authenticated: []events.Listener[AuthenticatedEvent]{
				func(context.Context, AuthenticatedEvent) error {
					calls++
					return nil
				},
			},
		},
	})
	require.NoError(t, err)

	assert.False(t, m.Authenticated())
	assert.Zero(t, calls)
}

func TestNew_StoredNullIsNotAuthenticated(t *testing.T) {
	store := storage.NewMemoryFrom(map[string]string{
		"client_id:auth.globus.org": "null",
	})

	m, err := New(Config{ClientID: clientID, Storage: store})
	require.NoError(t, err)

	assert.False(t, m.Authenticated())
	assert.Nil(t, m.Tokens().Auth())
	assert.Nil(t, m.User())
}

func TestSetAuthenticated_DispatchesOnlyOnChange(t *testing.T) {
	f := newFixture(t, nil)
	ctx := context.Background()

	calls := 0
	f.manager.Events().Authenticated.Subscribe(func(context.Context, AuthenticatedEvent) error {
		calls++
		return nil
	})

	f.manager.SetAuthenticated(ctx, false)
	assert.Zero(t, calls)

	f.manager.SetAuthenticated(ctx, true)
	f.manager.SetAuthenticated(ctx, true)
	assert.Equal(t, 1, calls)

	f.manager.SetAuthenticated(ctx, false)
	assert.Equal(t, 2, calls)
}

func TestSetAuthenticated_ConcurrentChangesDispatchInOrder(t *testing.T) {
	f := newFixture(t, nil)
	ctx := context.Background()

	var (
		mu   sync.Mutex
		seen []bool
	)
	f.manager.Events().Authenticated.Subscribe(func(_ context.Context, e AuthenticatedEvent) error {
		mu.Lock()
		seen = append(seen, e.IsAuthenticated)
		mu.Unlock()
		return nil
	})

	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func(v bool) {
			defer wg.Done()
			f.manager.SetAuthenticated(ctx, v)
		}(i%2 == 0)
	}
	wg.Wait()

	mu.Lock()
	defer mu.Unlock()

	require.NotEmpty(t, seen)
	assert.True(t, seen[0], "first change is from false to true")
	for i := 1; i < len(seen); i++ {
		assert.NotEqual(t, seen[i-1], seen[i], "event %d repeats the previous state", i)
	}
	assert.Equal(t, f.manager.Authenticated(), seen[len(seen)-1])
}

func TestScopes(t *testing.T) {
	empty := ""
	custom := "openid custom"

	tests := []struct {
		name   string
		cfg    Config
		expect string
	}{
		{"defaults only", Config{}, "openid profile email"},
		{"configured first", Config{Scopes: "urn:globus:auth:scope:transfer.api.globus.org:all"}, "urn:globus:auth:scope:transfer.api.globus.org:all openid profile email"},
		{"duplicates dropped", Config{Scopes: "email openid"}, "email openid profile"},
		{"defaults disabled", Config{Scopes: "scopeA", DefaultScopes: &empty}, "scopeA"},
		{"defaults replaced", Config{DefaultScopes: &custom}, "openid custom"},
		{"offline access", Config{Scopes: "scopeA", DefaultScopes: &empty, UseRefreshTokens: true}, "scopeA offline_access"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			tt.cfg.ClientID = clientID
			m, err := New(tt.cfg)
			require.NoError(t, err)
			assert.Equal(t, tt.expect, m.Scopes())
		})
	}
}

func TestReset_OnlyClearsOwnNamespace(t *testing.T) {
	f := newFixture(t, nil)
	f.seed(t, tokens.Token{AccessToken: "a", ResourceServer: tokens.ResourceServerAuth})
	f.seed(t, tokens.Token{AccessToken: "t", ResourceServer: tokens.ResourceServerTransfer})
	require.NoError(t, f.store.Set("some-entry", "value"))
	require.NoError(t, f.store.Set("other_client:auth.globus.org", `{"access_token":"x","resource_server":"auth.globus.org"}`))
	f.manager.SetAuthenticated(context.Background(), true)

	require.NoError(t, f.manager.Reset(context.Background()))

	keys, err := f.store.Keys()
	require.NoError(t, err)
	assert.ElementsMatch(t, []string{"some-entry", "other_client:auth.globus.org"}, keys)
	assert.False(t, f.manager.Authenticated())
}

func TestLogin_FullFlow(t *testing.T) {
	f := newFixture(t, nil)
	ctx := context.Background()

	f.server.codeResponse = map[string]any{
		"access_token":    "auth-token",
		"token_type":      "Bearer",
		"expires_in":      172800,
		"scope":           "openid profile email",
		"resource_server": "auth.globus.org",
		"other_tokens": []map[string]any{{
			"access_token":    "transfer-token",
			"token_type":      "Bearer",
			"expires_in":      172800,
			"scope":           "urn:globus:auth:scope:transfer.api.globus.org:all",
			"resource_server": "transfer.api.globus.org",
		}},
	}

	var dispatched []bool
	f.manager.Events().Authenticated.Subscribe(func(_ context.Context, e AuthenticatedEvent) error {
		dispatched = append(dispatched, e.IsAuthenticated)
		return nil
	})

	require.NoError(t, f.manager.Login(ctx, LoginOptions{}))

	q := f.nav.last(t)
	assert.Equal(t, clientID, q.Get("client_id"))
	assert.Equal(t, "openid profile email", q.Get("scope"))
	assert.Equal(t, "S256", q.Get("code_challenge_method"))
	assert.Equal(t, redirectURI, q.Get("redirect_uri"))

	require.NoError(t, f.location.Set(redirectURI+"?code=the-code&state="+url.QueryEscape(q.Get("state"))))

	resp, err := f.manager.HandleCodeRedirect(ctx, transport.GetTokenOptions{})
	require.NoError(t, err)
	require.NotNil(t, resp)
	assert.Equal(t, "auth-token", resp.AccessToken)

	assert.True(t, f.manager.Authenticated())
	assert.Equal(t, []bool{true}, dispatched)
	require.NotNil(t, f.manager.Tokens().Transfer())
	assert.Equal(t, "transfer-token", f.manager.Tokens().Transfer().AccessToken)

	require.Len(t, f.server.exchanges, 1)
	assert.Equal(t, "the-code", f.server.exchanges[0].Get("code"))
	assert.Equal(t, clientID, f.server.exchanges[0].Get("client_id"))
	assert.NotEmpty(t, f.server.exchanges[0].Get("code_verifier"))

	assert.Equal(t, redirectURI, f.location.URL().String())
	assert.Len(t, f.location.Replaced(), 1)
}

func TestLogin_ClearsExistingTokens(t *testing.T) {
	f := newFixture(t, nil)
	f.seed(t, tokens.Token{AccessToken: "old", ResourceServer: tokens.ResourceServerAuth})
	f.manager.SetAuthenticated(context.Background(), true)

	require.NoError(t, f.manager.Login(context.Background(), LoginOptions{}))

	assert.Nil(t, f.manager.Tokens().Auth())
	assert.False(t, f.manager.Authenticated())
	assert.Equal(t, 1, f.nav.count())
}

func TestLogin_MissingRedirectURI(t *testing.T) {
	f := newFixture(t, func(c *Config) { c.RedirectURI = "" })

	err := f.manager.Login(context.Background(), LoginOptions{})
	assert.ErrorIs(t, err, autherrors.ErrMissingRedirect)
	assert.Zero(t, f.nav.count())
}

func TestLogin_OfflineAccessAndParams(t *testing.T) {
	f := newFixture(t, func(c *Config) { c.UseRefreshTokens = true })

	err := f.manager.Login(context.Background(), LoginOptions{
		Params: map[string]string{"session_required_single_domain": "example.org"},
	})
	require.NoError(t, err)

	q := f.nav.last(t)
	assert.Equal(t, "openid profile email offline_access", q.Get("scope"))
	assert.Equal(t, "example.org", q.Get("session_required_single_domain"))
}

func TestPrompt_KeepsTokens(t *testing.T) {
	f := newFixture(t, nil)
	f.seed(t, tokens.Token{AccessToken: "a", ResourceServer: tokens.ResourceServerAuth})

	require.NoError(t, f.manager.Prompt(context.Background(), LoginOptions{Scopes: "scopeB"}))

	assert.NotNil(t, f.manager.Tokens().Auth())
	assert.Equal(t, "scopeB", f.nav.last(t).Get("scope"))
}

func TestAuthorizationURL(t *testing.T) {
	f := newFixture(t, nil)

	raw, err := f.manager.AuthorizationURL(LoginOptions{})
	require.NoError(t, err)

	u, err := url.Parse(raw)
	require.NoError(t, err)
	assert.Equal(t, "auth.example.org", u.Host)
	assert.NotEmpty(t, u.Query().Get("state"))
	assert.Zero(t, f.nav.count())
}

func TestHandleCodeRedirect_NoCode(t *testing.T) {
	f := newFixture(t, nil)

	resp, err := f.manager.HandleCodeRedirect(context.Background(), transport.GetTokenOptions{})
	assert.NoError(t, err)
	assert.Nil(t, resp)
}

func TestHandleCodeRedirect_StateMismatch(t *testing.T) {
	f := newFixture(t, nil)
	ctx := context.Background()

	require.NoError(t, f.manager.Login(ctx, LoginOptions{}))
	require.NoError(t, f.location.Set(redirectURI+"?code=the-code&state=forged"))

	resp, err := f.manager.HandleCodeRedirect(ctx, transport.GetTokenOptions{})
	assert.ErrorIs(t, err, autherrors.ErrStateMismatch)
	assert.Nil(t, resp)
	assert.Empty(t, f.server.exchanges)
	assert.False(t, f.manager.Authenticated())
}

func TestHandleCodeRedirect_MalformedResponseNotStored(t *testing.T) {
	f := newFixture(t, nil)
	ctx := context.Background()
	f.server.codeResponse = map[string]any{"access_token": "x", "token_type": "Bearer"}

	require.NoError(t, f.manager.Login(ctx, LoginOptions{}))
	state := f.nav.last(t).Get("state")
	require.NoError(t, f.location.Set(redirectURI+"?code=c&state="+url.QueryEscape(state)))

	resp, err := f.manager.HandleCodeRedirect(ctx, transport.GetTokenOptions{})
	require.NoError(t, err)
	require.NotNil(t, resp)
	assert.Empty(t, f.manager.Tokens().GetAll())
	assert.False(t, f.manager.Authenticated())
}

func TestAddTokenResponse(t *testing.T) {
	f := newFixture(t, nil)

	err := f.manager.AddTokenResponse(context.Background(), &tokens.TokenResponse{
		AccessToken:    "a",
		ResourceServer: tokens.ResourceServerAuth,
		OtherTokens: []tokens.Token{
			{AccessToken: "g", ResourceServer: tokens.ResourceServerGroups},
		},
	})
	require.NoError(t, err)

	assert.True(t, f.manager.Authenticated())
	assert.NotNil(t, f.manager.Tokens().Groups())
}
