package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"golang.org/x/sync/errgroup"

	"github.com/alexjbarnes/globus-auth/internal/apierror"
	"github.com/alexjbarnes/globus-auth/internal/auth"
	"github.com/alexjbarnes/globus-auth/internal/client"
	"github.com/alexjbarnes/globus-auth/internal/config"
	"github.com/alexjbarnes/globus-auth/internal/events"
	"github.com/alexjbarnes/globus-auth/internal/instrumentation"
	"github.com/alexjbarnes/globus-auth/internal/logging"
	"github.com/alexjbarnes/globus-auth/internal/storage"
	"github.com/alexjbarnes/globus-auth/internal/tokens"
	"github.com/alexjbarnes/globus-auth/internal/transport"
)

var Version = "dev"

const usage = `usage: globus-auth <command> [args]

commands:
  login                      sign in, replacing any stored tokens
  prompt <scopes>            request additional scopes, keeping stored tokens
  status                     show whether a session exists
  whoami                     print the identity from the id_token
  tokens                     list stored tokens
  refresh                    refresh every token that has a refresh token
  revoke                     revoke stored tokens with the provider and forget them
  logout                     forget stored tokens without contacting the provider
  get <resource-server> <url>  GET url with the token for resource-server
                               (a service name such as transfer, or an identifier)
  version                    print the version
`

func main() {
	if err := run(os.Args[1:]); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

func run(args []string) error {
	if len(args) == 0 || args[0] == "help" || args[0] == "-h" || args[0] == "--help" {
		fmt.Print(usage)
		return nil
	}

	if args[0] == "version" {
		fmt.Println(Version)
		return nil
	}

	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("loading config: %w", err)
	}

	logger := logging.NewLogger(cfg.Environment, cfg.LogLevel)

	store, closeStore, err := cfg.OpenStorage()
	if err != nil {
		return fmt.Errorf("opening token storage: %w", err)
	}

	defer func() {
		if err := closeStore(); err != nil {
			logger.Warn("closing token storage", slog.String("error", err.Error()))
		}
	}()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	a, err := newApp(cfg, logger, os.Stdout, store)
	if err != nil {
		return err
	}

	return a.dispatch(ctx, args)
}

// app wires one Manager to the CLI's browser, callback location and
// output stream.
type app struct {
	cfg      *config.Config
	logger   *slog.Logger
	out      io.Writer
	manager  *auth.Manager
	location *transport.MemoryLocation
}

func newApp(cfg *config.Config, logger *slog.Logger, out io.Writer, store storage.Store, overrides ...func(*auth.Config)) (*app, error) {
	metrics, err := instrumentation.New(nil)
	if err != nil {
		return nil, fmt.Errorf("creating metrics: %w", err)
	}

	a := &app{
		cfg:      cfg,
		logger:   logger,
		out:      out,
		location: transport.NewMemoryLocation(cfg.RedirectURI),
	}

	ac := auth.Config{
		ClientID:         cfg.ClientID,
		RedirectURI:      cfg.RedirectURI,
		Scopes:           cfg.Scopes,
		DefaultScopes:    cfg.DefaultScopesOverride(),
		Environment:      cfg.Env(),
		Storage:          store,
		UseRefreshTokens: cfg.UseRefreshTokens,
		Navigator:        transport.BrowserNavigator{Logger: logger, Out: os.Stderr},
		Location:         a.location,
		Logger:           logger,
		Metrics:          metrics,
		Events: auth.Listeners{
			Authenticated: []events.Listener[auth.AuthenticatedEvent]{a.onAuthenticated},
		},
	}

	for _, fn := range overrides {
		fn(&ac)
	}

	m, err := auth.New(ac)
	if err != nil {
		return nil, fmt.Errorf("creating authorization manager: %w", err)
	}

	a.manager = m

	return a, nil
}

func (a *app) onAuthenticated(_ context.Context, e auth.AuthenticatedEvent) error {
	a.logger.Debug("authentication state changed", slog.Bool("authenticated", e.IsAuthenticated))
	return nil
}

func (a *app) dispatch(ctx context.Context, args []string) error {
	cmd, rest := args[0], args[1:]

	switch cmd {
	case "login":
		return a.login(ctx)
	case "prompt":
		if len(rest) == 0 {
			return errors.New("prompt requires at least one scope")
		}

		return a.prompt(ctx, strings.Join(rest, " "))
	case "status":
		return a.status()
	case "whoami":
		return a.whoami()
	case "tokens":
		return a.listTokens()
	case "refresh":
		return a.refresh(ctx)
	case "revoke":
		return a.manager.Revoke(ctx)
	case "logout":
		return a.manager.Reset(ctx)
	case "get":
		if len(rest) != 2 {
			return errors.New("usage: get <resource-server> <url>")
		}

		return a.get(ctx, tokens.ResolveResourceServer(rest[0]), rest[1])
	}

	return fmt.Errorf("unknown command %q\n\n%s", cmd, usage)
}

// authorize runs start while a callback server waits for the redirect,
// and returns once the code has been exchanged or the login timeout
// expires.
func (a *app) authorize(ctx context.Context, start auth.Handler) error {
	cb, err := newCallbackServer(a.cfg.RedirectURI, a.manager, a.location, a.logger)
	if err != nil {
		return err
	}

	ctx, cancel := context.WithTimeout(ctx, a.cfg.LoginTimeout)
	defer cancel()

	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		return cb.serve(gctx)
	})

	g.Go(func() error {
		defer cancel()

		if err := start(gctx); err != nil {
			return err
		}

		fmt.Fprintln(a.out, "Waiting for authorization in the browser...")

		resp, err := cb.wait(gctx)
		if err != nil {
			return err
		}

		fmt.Fprintf(a.out, "Authorized for %s\n", strings.Join(grantedServers(resp), ", "))

		return nil
	})

	return g.Wait()
}

func grantedServers(resp *tokens.TokenResponse) []string {
	if resp == nil {
		return nil
	}

	out := []string{resp.ResourceServer}
	for _, t := range resp.OtherTokens {
		out = append(out, t.ResourceServer)
	}

	return out
}

func (a *app) login(ctx context.Context) error {
	return a.authorize(ctx, func(ctx context.Context) error {
		return a.manager.Login(ctx, auth.LoginOptions{})
	})
}

func (a *app) prompt(ctx context.Context, scopes string) error {
	return a.authorize(ctx, func(ctx context.Context) error {
		return a.manager.Prompt(ctx, auth.LoginOptions{Scopes: scopes})
	})
}

func (a *app) refresh(ctx context.Context) error {
	results := a.manager.RefreshTokens(ctx)
	if len(results) == 0 {
		fmt.Fprintln(a.out, "No refreshable tokens stored.")
		return nil
	}

	failed := 0

	for _, r := range results {
		if r.Err != nil {
			failed++
			fmt.Fprintf(a.out, "%s: failed: %v\n", r.ResourceServer, r.Err)

			continue
		}

		fmt.Fprintf(a.out, "%s: refreshed\n", r.ResourceServer)
	}

	if failed > 0 {
		return fmt.Errorf("%d of %d refreshes failed", failed, len(results))
	}

	return nil
}

// get fetches rawURL with the token for resourceServer. Error bodies
// that call for a new authorization start one; authentication failures
// revoke the session.
func (a *app) get(ctx context.Context, resourceServer, rawURL string) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, rawURL, nil)
	if err != nil {
		return fmt.Errorf("creating request: %w", err)
	}

	resp, err := client.New(a.manager, resourceServer, a.logger).Do(req)
	if err != nil {
		return fmt.Errorf("requesting %s: %w", rawURL, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 200 && resp.StatusCode < 300 {
		_, err := io.Copy(a.out, resp.Body)
		return err
	}

	classification, raw, err := apierror.FromResponse(resp)
	if err != nil {
		return err
	}

	handle := a.manager.ErrorResponseHandler(raw, nil)

	switch classification.Kind {
	case apierror.AuthorizationRequirements, apierror.ConsentRequired:
		fmt.Fprintf(a.out, "%s requires further authorization (%s)\n", resourceServer, classification.Kind)
		return a.authorize(ctx, handle)
	case apierror.AuthenticationFailed:
		if err := handle(ctx); err != nil {
			return err
		}

		return errors.New("session is no longer valid; run login")
	}

	return fmt.Errorf("request failed with status %d: %s", resp.StatusCode, strings.TrimSpace(string(raw)))
}
