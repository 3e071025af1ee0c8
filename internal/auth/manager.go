// Package auth is the client-side authorization runtime. A Manager owns
// the token namespace for one OAuth client, drives login through a
// redirect transport and keeps an authenticated flag in sync with the
// stored primary token.
package auth

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"sync"

	"golang.org/x/oauth2"

	autherrors "github.com/alexjbarnes/globus-auth/internal/errors"
	"github.com/alexjbarnes/globus-auth/internal/events"
	"github.com/alexjbarnes/globus-auth/internal/instrumentation"
	"github.com/alexjbarnes/globus-auth/internal/logging"
	"github.com/alexjbarnes/globus-auth/internal/storage"
	"github.com/alexjbarnes/globus-auth/internal/tokens"
	"github.com/alexjbarnes/globus-auth/internal/transport"
)

// DefaultScopes are requested on every login unless Config.DefaultScopes
// overrides them.
const DefaultScopes = "openid profile email"

const scopeOfflineAccess = "offline_access"

// Event names.
const (
	EventAuthenticated = "authenticated"
	EventRevoke        = "revoke"
)

// AuthenticatedEvent is dispatched whenever the authenticated flag flips.
type AuthenticatedEvent struct {
	IsAuthenticated bool
	// Token is the primary service token at the time of the change, or nil.
	Token *tokens.StoredToken
}

// RevokeEvent is dispatched once Revoke has finished.
type RevokeEvent struct{}

// Events are the registries a Manager dispatches to.
type Events struct {
	Authenticated *events.Event[AuthenticatedEvent]
	Revoke        *events.Event[RevokeEvent]
}

// Listeners are subscribed before construction finishes, so an
// Authenticated listener sees the bootstrap transition.
type Listeners struct {
	Authenticated []events.Listener[AuthenticatedEvent]
	Revoke        []events.Listener[RevokeEvent]
}

// Config configures a Manager. Only ClientID is required.
type Config struct {
	ClientID    string
	RedirectURI string

	// Scopes is a space-delimited list requested in addition to the
	// default scopes.
	Scopes string

	// DefaultScopes replaces DefaultScopes when non-nil. Point it at an
	// empty string to request no default scopes.
	DefaultScopes *string

	Environment Environment

	// Endpoints overrides the URLs derived from Environment.
	Endpoints *Endpoints

	// Storage holds tokens. Nil uses an in-memory store.
	Storage storage.Store

	// Transient holds PKCE material between Login and HandleCodeRedirect.
	// Nil uses an in-memory store owned by the Manager.
	Transient storage.Store

	UseRefreshTokens bool

	Events Listeners

	HTTPClient *http.Client
	Navigator  transport.Navigator
	Location   transport.Location
	Logger     *slog.Logger
	Metrics    *instrumentation.Metrics
}

// LoginOptions adjust a single authorization request.
type LoginOptions struct {
	// Scopes replaces the configured scopes when non-empty.
	Scopes string
	// Params are added to the authorization URL and win over defaults.
	Params map[string]string
}

// Manager is safe for concurrent use.
type Manager struct {
	clientID    string
	redirectURI string
	scopes      string
	useRefresh  bool
	endpoints   Endpoints

	storage    storage.Store
	transient  storage.Store
	tokens     *tokens.Manager
	events     *Events
	httpClient *http.Client
	navigator  transport.Navigator
	location   transport.Location
	logger     *slog.Logger
	metrics    *instrumentation.Metrics

	mu            sync.Mutex
	authenticated bool
	transport     *transport.Redirect

	// dispatchMu orders Authenticated events with the flag changes that
	// produced them.
	dispatchMu sync.Mutex
}

// New validates cfg, subscribes the configured listeners and derives the
// initial authenticated state from storage. An Authenticated listener is
// called before New returns when a primary token is already stored.
func New(cfg Config) (*Manager, error) {
	if cfg.ClientID == "" {
		return nil, autherrors.ErrMissingClient
	}

	endpoints, err := cfg.Environment.Endpoints()
	if err != nil {
		return nil, err
	}

	if cfg.Endpoints != nil {
		endpoints = *cfg.Endpoints
	}

	store := cfg.Storage
	if store == nil {
		store = storage.NewMemory()
	}

	transient := cfg.Transient
	if transient == nil {
		transient = storage.NewMemory()
	}

	logger := logging.OrDiscard(cfg.Logger).With(slog.String("client_id", cfg.ClientID))

	m := &Manager{
		clientID:    cfg.ClientID,
		redirectURI: cfg.RedirectURI,
		scopes:      effectiveScopes(cfg.Scopes, cfg.DefaultScopes),
		useRefresh:  cfg.UseRefreshTokens,
		endpoints:   endpoints,
		storage:     store,
		transient:   transient,
		tokens:      tokens.NewManager(store, cfg.ClientID, logger),
		events: &Events{
			Authenticated: events.New[AuthenticatedEvent](EventAuthenticated),
			Revoke:        events.New[RevokeEvent](EventRevoke),
		},
		httpClient: cfg.HTTPClient,
		navigator:  cfg.Navigator,
		location:   cfg.Location,
		logger:     logger,
		metrics:    cfg.Metrics,
	}

	for _, fn := range cfg.Events.Authenticated {
		m.events.Authenticated.Subscribe(fn)
	}

	for _, fn := range cfg.Events.Revoke {
		m.events.Revoke.Subscribe(fn)
	}

	m.updateAuthenticated(context.Background())

	return m, nil
}

// effectiveScopes merges configured and default scopes, dropping
// duplicates while keeping first-seen order.
func effectiveScopes(configured string, defaults *string) string {
	def := DefaultScopes
	if defaults != nil {
		def = *defaults
	}

	return joinUnique(strings.Fields(configured), strings.Fields(def))
}

func joinUnique(lists ...[]string) string {
	seen := make(map[string]bool)

	var out []string

	for _, list := range lists {
		for _, s := range list {
			if seen[s] {
				continue
			}

			seen[s] = true
			out = append(out, s)
		}
	}

	return strings.Join(out, " ")
}

func (m *Manager) withOfflineAccess(scopes string) string {
	if !m.useRefresh {
		return scopes
	}

	return joinUnique(strings.Fields(scopes), []string{scopeOfflineAccess})
}

// ClientID returns the configured client identifier.
func (m *Manager) ClientID() string { return m.clientID }

// Scopes returns the scopes requested by Login, including offline_access
// when refresh tokens are enabled.
func (m *Manager) Scopes() string { return m.withOfflineAccess(m.scopes) }

// Endpoints returns the resolved OAuth 2.0 URLs.
func (m *Manager) Endpoints() Endpoints { return m.endpoints }

// Tokens returns the token manager bound to this client's namespace.
func (m *Manager) Tokens() *tokens.Manager { return m.tokens }

// Storage returns the token store.
func (m *Manager) Storage() storage.Store { return m.storage }

// Events returns the event registries. Subscribing after New returns
// misses the bootstrap Authenticated dispatch.
func (m *Manager) Events() *Events { return m.events }

// Authenticated reports whether a primary service token is stored.
func (m *Manager) Authenticated() bool {
	m.mu.Lock()
	defer m.mu.Unlock()

	return m.authenticated
}

// SetAuthenticated updates the flag and dispatches Authenticated if the
// value changed. Listener errors are logged. Concurrent calls are
// serialised, so listeners see changes in the order they were applied.
// An Authenticated listener must not call SetAuthenticated.
func (m *Manager) SetAuthenticated(ctx context.Context, authenticated bool) {
	m.dispatchMu.Lock()
	defer m.dispatchMu.Unlock()

	m.mu.Lock()
	if m.authenticated == authenticated {
		m.mu.Unlock()
		return
	}

	m.authenticated = authenticated
	m.mu.Unlock()

	m.metrics.Authenticated(ctx, authenticated)

	payload := AuthenticatedEvent{IsAuthenticated: authenticated, Token: m.tokens.Auth()}
	if err := m.events.Authenticated.Dispatch(ctx, payload); err != nil {
		m.logger.Warn("authenticated listener failed", slog.String("error", err.Error()))
	}
}

func (m *Manager) updateAuthenticated(ctx context.Context) {
	m.SetAuthenticated(ctx, m.tokens.Auth() != nil)
}

// AddTokenResponse stores resp and any nested tokens, then recomputes
// the authenticated flag.
func (m *Manager) AddTokenResponse(ctx context.Context, resp *tokens.TokenResponse) error {
	if err := m.tokens.Add(resp); err != nil {
		return err
	}

	m.updateAuthenticated(ctx)

	return nil
}

// Reset removes every entry in this client's namespace and clears the
// authenticated flag. Entries outside the namespace are untouched.
func (m *Manager) Reset(ctx context.Context) error {
	err := storage.RemovePrefix(m.storage, m.tokens.Prefix())
	if err != nil {
		err = fmt.Errorf("clearing tokens: %w", err)
	}

	m.SetAuthenticated(ctx, false)

	return err
}

func (m *Manager) buildTransport(opts LoginOptions) (*transport.Redirect, error) {
	if m.redirectURI == "" {
		return nil, autherrors.ErrMissingRedirect
	}

	scopes := m.scopes
	if opts.Scopes != "" {
		scopes = opts.Scopes
	}

	return transport.NewRedirect(transport.Options{
		ClientID:    m.clientID,
		RedirectURI: m.redirectURI,
		Scopes:      m.withOfflineAccess(scopes),
		Params:      opts.Params,
		Endpoint: oauth2.Endpoint{
			AuthURL:  m.endpoints.Authorize,
			TokenURL: m.endpoints.Token,
		},
		HTTPClient: m.httpClient,
		Transient:  m.transient,
		Navigator:  m.navigator,
		Location:   m.location,
		Logger:     m.logger,
	})
}

func (m *Manager) currentTransport() (*transport.Redirect, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.transport != nil {
		return m.transport, nil
	}

	t, err := m.buildTransport(LoginOptions{})
	if err != nil {
		return nil, err
	}

	m.transport = t

	return t, nil
}

// AuthorizationURL prepares PKCE material and returns the URL Login
// would navigate to, for callers that drive the user agent themselves.
func (m *Manager) AuthorizationURL(opts LoginOptions) (string, error) {
	t, err := m.buildTransport(opts)
	if err != nil {
		return "", err
	}

	m.mu.Lock()
	m.transport = t
	m.mu.Unlock()

	return t.Prepare()
}

// Login clears all stored tokens and starts a fresh authorization.
func (m *Manager) Login(ctx context.Context, opts LoginOptions) error {
	if err := m.Reset(ctx); err != nil {
		return err
	}

	return m.send(ctx, "login", opts)
}

// Prompt starts an authorization without clearing existing tokens, for
// adding consents or satisfying session requirements.
func (m *Manager) Prompt(ctx context.Context, opts LoginOptions) error {
	return m.send(ctx, "prompt", opts)
}

func (m *Manager) send(ctx context.Context, kind string, opts LoginOptions) error {
	t, err := m.buildTransport(opts)
	if err != nil {
		return err
	}

	m.mu.Lock()
	m.transport = t
	m.mu.Unlock()

	m.metrics.Redirect(ctx, kind)
	m.logger.Info("starting authorization", slog.String("kind", kind))

	return t.Send(ctx)
}

// HandleCodeRedirect completes an authorization from the current
// location. It returns nil, nil when the location carries no code, so it
// is safe to call on every start-up. A well-formed response is stored.
func (m *Manager) HandleCodeRedirect(ctx context.Context, opts transport.GetTokenOptions) (*tokens.TokenResponse, error) {
	t, err := m.currentTransport()
	if err != nil {
		return nil, err
	}

	resp, err := t.GetToken(ctx, opts)
	if errors.Is(err, autherrors.ErrNoCode) {
		return nil, nil
	}

	m.metrics.Exchange(ctx, err)

	if err != nil {
		return nil, err
	}

	if resp.AccessToken != "" && resp.ResourceServer != "" {
		if err := m.AddTokenResponse(ctx, resp); err != nil {
			return resp, fmt.Errorf("storing token response: %w", err)
		}
	}

	m.logger.Info("authorization complete", slog.String("resource_server", resp.ResourceServer))

	return resp, nil
}

func (m *Manager) oauthConfig() *oauth2.Config {
	return &oauth2.Config{
		ClientID: m.clientID,
		Endpoint: oauth2.Endpoint{
			AuthURL:   m.endpoints.Authorize,
			TokenURL:  m.endpoints.Token,
			AuthStyle: oauth2.AuthStyleInParams,
		},
	}
}

func (m *Manager) clientContext(ctx context.Context) context.Context {
	if m.httpClient == nil {
		return ctx
	}

	return context.WithValue(ctx, oauth2.HTTPClient, m.httpClient)
}
