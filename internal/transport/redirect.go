// Package transport drives the OAuth 2.0 Authorization Code flow with
// PKCE through a user agent redirect.
package transport

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"strings"

	"golang.org/x/oauth2"

	autherrors "github.com/alexjbarnes/globus-auth/internal/errors"
	"github.com/alexjbarnes/globus-auth/internal/logging"
	"github.com/alexjbarnes/globus-auth/internal/pkce"
	"github.com/alexjbarnes/globus-auth/internal/storage"
	"github.com/alexjbarnes/globus-auth/internal/tokens"
)

// Transient store keys for PKCE material held between Send and GetToken.
const (
	KeyCodeVerifier = "pkce_code_verifier"
	KeyState        = "pkce_state"
)

// Options configures a Redirect.
type Options struct {
	ClientID    string
	RedirectURI string

	// Scopes is a space-delimited scope string.
	Scopes string

	// Params are added to the authorization URL after the defaults and
	// may override any of them, including scope.
	Params map[string]string

	Endpoint oauth2.Endpoint

	// HTTPClient is used for the token exchange. Nil uses http.DefaultClient.
	HTTPClient *http.Client

	// Transient holds PKCE material across the redirect. Nil uses a fresh
	// in-memory store, which only works when Send and GetToken share a process.
	Transient storage.Store

	Navigator Navigator
	Location  Location
	Logger    *slog.Logger
}

// GetTokenOptions controls GetToken.
type GetTokenOptions struct {
	// SkipReplace leaves code and state in the current location. By
	// default they are removed after a successful exchange.
	SkipReplace bool
}

// Redirect carries no state of its own beyond what is round-tripped
// through the authorization URL and the transient store.
type Redirect struct {
	config     *oauth2.Config
	params     map[string]string
	httpClient *http.Client
	transient  storage.Store
	navigator  Navigator
	location   Location
	logger     *slog.Logger
}

// NewRedirect validates the environment and builds a Redirect. It fails
// with ErrUnsupportedEnvironment when no secure random source exists.
func NewRedirect(opts Options) (*Redirect, error) {
	if !pkce.IsSupported() {
		return nil, autherrors.ErrUnsupportedEnvironment
	}

	if opts.ClientID == "" {
		return nil, autherrors.ErrMissingClient
	}

	transient := opts.Transient
	if transient == nil {
		transient = storage.NewMemory()
	}

	endpoint := opts.Endpoint
	endpoint.AuthStyle = oauth2.AuthStyleInParams

	return &Redirect{
		config: &oauth2.Config{
			ClientID:    opts.ClientID,
			RedirectURL: opts.RedirectURI,
			Scopes:      strings.Fields(opts.Scopes),
			Endpoint:    endpoint,
		},
		params:     opts.Params,
		httpClient: opts.HTTPClient,
		transient:  transient,
		navigator:  opts.Navigator,
		location:   opts.Location,
		logger:     logging.OrDiscard(opts.Logger),
	}, nil
}

// Prepare generates fresh PKCE material, persists the verifier and state
// in the transient store and returns the authorization URL.
func (r *Redirect) Prepare() (string, error) {
	verifier, err := pkce.GenerateCodeVerifier()
	if err != nil {
		return "", fmt.Errorf("generating code verifier: %w", err)
	}

	state, err := pkce.GenerateState()
	if err != nil {
		return "", fmt.Errorf("generating state: %w", err)
	}

	if err := r.transient.Set(KeyCodeVerifier, verifier); err != nil {
		return "", fmt.Errorf("storing code verifier: %w", err)
	}

	if err := r.transient.Set(KeyState, state); err != nil {
		return "", fmt.Errorf("storing state: %w", err)
	}

	return r.authorizationURL(state, pkce.GenerateCodeChallenge(verifier)), nil
}

func (r *Redirect) authorizationURL(state, challenge string) string {
	opts := []oauth2.AuthCodeOption{
		oauth2.SetAuthURLParam("code_challenge", challenge),
		oauth2.SetAuthURLParam("code_challenge_method", pkce.MethodS256),
	}

	for k, v := range r.params {
		opts = append(opts, oauth2.SetAuthURLParam(k, v))
	}

	return r.config.AuthCodeURL(state, opts...)
}

// Send prepares the authorization URL and hands it to the Navigator.
func (r *Redirect) Send(ctx context.Context) error {
	if r.navigator == nil {
		return errors.New("no navigator configured")
	}

	authURL, err := r.Prepare()
	if err != nil {
		return err
	}

	r.logger.Debug("redirecting to authorization endpoint",
		slog.String("endpoint", r.config.Endpoint.AuthURL),
	)

	if err := r.navigator.Navigate(ctx, authURL); err != nil {
		return fmt.Errorf("navigating to authorization endpoint: %w", err)
	}

	return nil
}

// GetToken completes the flow from the current location. It returns
// ErrNoCode when the location carries no authorization code. PKCE
// material is removed from the transient store as soon as it is read,
// whether or not the exchange succeeds.
func (r *Redirect) GetToken(ctx context.Context, opts GetTokenOptions) (*tokens.TokenResponse, error) {
	if r.location == nil {
		return nil, autherrors.ErrNoCode
	}

	current := r.location.URL()
	query := current.Query()

	if errCode := query.Get("error"); errCode != "" {
		desc := query.Get("error_description")
		if desc == "" {
			desc = "authorization failed (" + errCode + ")"
		}

		return nil, fmt.Errorf("%w: %s", autherrors.ErrAuthorizationResponse, desc)
	}

	code := query.Get("code")
	if code == "" {
		return nil, autherrors.ErrNoCode
	}

	storedState, hasState, stateErr := r.transient.Get(KeyState)
	verifier, hasVerifier, verifierErr := r.transient.Get(KeyCodeVerifier)
	r.clearTransient()

	if stateErr != nil || !hasState || query.Get("state") != storedState {
		return nil, autherrors.ErrStateMismatch
	}

	if verifierErr != nil || !hasVerifier || verifier == "" {
		return nil, autherrors.ErrMissingVerifier
	}

	if r.httpClient != nil {
		ctx = context.WithValue(ctx, oauth2.HTTPClient, r.httpClient)
	}

	tok, err := r.config.Exchange(ctx, code, oauth2.VerifierOption(verifier))
	if err != nil {
		return nil, fmt.Errorf("%w: %w", autherrors.ErrTokenExchange, err)
	}

	resp, err := TokenFromOAuth2(tok)
	if err != nil {
		return nil, err
	}

	if !opts.SkipReplace {
		r.location.Replace(withoutCodeAndState(current))
	}

	return resp, nil
}

func (r *Redirect) clearTransient() {
	for _, k := range []string{KeyState, KeyCodeVerifier} {
		if err := r.transient.Remove(k); err != nil {
			r.logger.Warn("failed to clear PKCE state",
				slog.String("key", k),
				slog.String("error", err.Error()),
			)
		}
	}
}

func withoutCodeAndState(u *url.URL) *url.URL {
	out := *u
	q := out.Query()
	q.Del("code")
	q.Del("state")
	out.RawQuery = q.Encode()

	return &out
}
