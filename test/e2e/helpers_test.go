package e2e_test

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"sync"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/alexjbarnes/globus-auth/internal/auth"
	"github.com/alexjbarnes/globus-auth/internal/authtest"
	"github.com/alexjbarnes/globus-auth/internal/logging"
	"github.com/alexjbarnes/globus-auth/internal/storage"
	"github.com/alexjbarnes/globus-auth/internal/transport"
)

const (
	testClientID  = "e2e-test-client"
	redirectURI   = "http://127.0.0.1:19876/callback"
	transferScope = "urn:globus:auth:scope:transfer.api.globus.org:all"
	manageScope   = "urn:globus:auth:scope:transfer.api.globus.org:manage"
	transferRS    = "transfer.api.globus.org"
)

// harness holds the full e2e stack: an authorization service, a
// protected resource server and the bolt file tokens persist in.
type harness struct {
	Provider  *authtest.Provider
	Resource  *httptest.Server
	StatePath string
}

func newHarness(t *testing.T) *harness {
	t.Helper()

	p := authtest.New(t, testClientID)

	mux := http.NewServeMux()
	mux.Handle("GET /v0.10/endpoint_search", p.Protect(transferRS, "", http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		fmt.Fprint(w, `{"DATA":[]}`)
	})))
	mux.Handle("POST /v0.10/endpoint", p.Protect(transferRS, manageScope, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		body, _ := io.ReadAll(r.Body)
		w.WriteHeader(http.StatusCreated)
		_, _ = w.Write(body)
	})))

	resource := httptest.NewServer(mux)
	t.Cleanup(resource.Close)

	return &harness{
		Provider:  p,
		Resource:  resource,
		StatePath: filepath.Join(t.TempDir(), "tokens.db"),
	}
}

// session is one process's view: a manager over the harness's bolt file
// and the location the fake browser lands on.
type session struct {
	Manager  *auth.Manager
	Location *transport.MemoryLocation

	closeOnce sync.Once
	closeFn   func() error
}

// Close releases the bolt file lock so another session can open it.
func (s *session) Close(t *testing.T) {
	t.Helper()
	s.closeOnce.Do(func() { require.NoError(t, s.closeFn()) })
}

// browser follows the authorization URL without following the redirect
// and lands on the redirect URI, as a consenting user's browser would.
func browser(location *transport.MemoryLocation) transport.Navigator {
	client := &http.Client{
		CheckRedirect: func(*http.Request, []*http.Request) error {
			return http.ErrUseLastResponse
		},
	}

	return transport.NavigatorFunc(func(ctx context.Context, rawURL string) error {
		req, err := http.NewRequestWithContext(ctx, http.MethodGet, rawURL, nil)
		if err != nil {
			return err
		}

		resp, err := client.Do(req)
		if err != nil {
			return err
		}
		defer resp.Body.Close()

		if resp.StatusCode != http.StatusFound {
			return fmt.Errorf("authorize returned %d", resp.StatusCode)
		}

		return location.Set(resp.Header.Get("Location"))
	})
}

func (h *harness) openSession(t *testing.T, passphrase string, mutate func(*auth.Config)) *session {
	t.Helper()

	store, closeFn, err := storage.Open(storage.KindBolt, storage.Options{
		Path:       h.StatePath,
		Passphrase: passphrase,
	})
	require.NoError(t, err)

	location := transport.NewMemoryLocation(redirectURI)

	cfg := auth.Config{
		ClientID:         testClientID,
		RedirectURI:      redirectURI,
		Scopes:           transferScope,
		UseRefreshTokens: true,
		Endpoints:        h.Provider.Endpoints(),
		Storage:          store,
		Navigator:        browser(location),
		Location:         location,
		Logger:           logging.Discard(),
	}

	if mutate != nil {
		mutate(&cfg)
	}

	m, err := auth.New(cfg)
	require.NoError(t, err)

	s := &session{Manager: m, Location: location, closeFn: closeFn}
	t.Cleanup(func() { s.Close(t) })

	return s
}

// login runs Login and completes the redirect.
func (s *session) login(t *testing.T) {
	t.Helper()
	ctx := context.Background()

	require.NoError(t, s.Manager.Login(ctx, auth.LoginOptions{}))

	resp, err := s.Manager.HandleCodeRedirect(ctx, transport.GetTokenOptions{})
	require.NoError(t, err)
	require.NotNil(t, resp)
}
