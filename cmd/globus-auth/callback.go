package main

import (
	"context"
	"errors"
	"fmt"
	"html/template"
	"log/slog"
	"net"
	"net/http"
	"net/url"
	"time"

	"github.com/alexjbarnes/globus-auth/internal/auth"
	"github.com/alexjbarnes/globus-auth/internal/tokens"
	"github.com/alexjbarnes/globus-auth/internal/transport"
)

// callbackPage is shown in the browser once the redirect has been handled.
var callbackPage = template.Must(template.New("callback").Parse(`<!DOCTYPE html>
<html lang="en">
<head>
<meta charset="utf-8">
<meta name="viewport" content="width=device-width, initial-scale=1">
<title>globus-auth</title>
<style>
  body {
    font-family: -apple-system, BlinkMacSystemFont, "Segoe UI", Roboto, Helvetica, Arial, sans-serif;
    background: #f5f5f5;
    color: #1a1a1a;
    display: flex;
    justify-content: center;
    padding-top: 15vh;
  }
  .card { background: #fff; border-radius: 8px; padding: 2rem; max-width: 28rem; box-shadow: 0 1px 3px rgba(0,0,0,.12); }
  .error { color: #b00020; }
</style>
</head>
<body>
<div class="card">
{{if .Error}}<h1 class="error">Authorization failed</h1><p>{{.Error}}</p>
{{else}}<h1>Authorization complete</h1><p>You can close this window and return to the terminal.</p>
{{end}}</div>
</body>
</html>
`))

type callbackResult struct {
	resp *tokens.TokenResponse
	err  error
}

// callbackServer receives the authorization redirect on the loopback
// address named by the redirect URI and completes the code exchange.
type callbackServer struct {
	redirect *url.URL
	manager  *auth.Manager
	location *transport.MemoryLocation
	logger   *slog.Logger
	results  chan callbackResult
	listener net.Listener
	server   *http.Server
}

func isLoopbackHost(host string) bool {
	return host == "127.0.0.1" || host == "localhost" || host == "::1"
}

func newCallbackServer(redirectURI string, m *auth.Manager, location *transport.MemoryLocation, logger *slog.Logger) (*callbackServer, error) {
	u, err := url.Parse(redirectURI)
	if err != nil {
		return nil, fmt.Errorf("parsing redirect URI: %w", err)
	}

	if u.Scheme != "http" || !isLoopbackHost(u.Hostname()) {
		return nil, fmt.Errorf("redirect URI %q is not an http loopback address", redirectURI)
	}

	addr := u.Host
	if u.Port() == "" {
		addr = net.JoinHostPort(u.Hostname(), "80")
	}

	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return nil, fmt.Errorf("listening on %s: %w", addr, err)
	}

	c := &callbackServer{
		redirect: u,
		manager:  m,
		location: location,
		logger:   logger,
		results:  make(chan callbackResult, 1),
		listener: ln,
	}

	path := u.Path
	if path == "" {
		path = "/"
	}

	mux := http.NewServeMux()
	mux.HandleFunc("GET "+path, c.handleCallback)

	c.server = &http.Server{
		Handler:      mux,
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 60 * time.Second,
		IdleTimeout:  120 * time.Second,
	}

	return c, nil
}

// serve runs until ctx is cancelled.
func (c *callbackServer) serve(ctx context.Context) error {
	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = c.server.Shutdown(shutdownCtx)
	}()

	if err := c.server.Serve(c.listener); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("callback server error: %w", err)
	}

	return nil
}

func (c *callbackServer) handleCallback(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	if !q.Has("code") && !q.Has("error") {
		http.NotFound(w, r)
		return
	}

	current := *c.redirect
	current.RawQuery = r.URL.RawQuery

	if err := c.location.Set(current.String()); err != nil {
		c.finish(w, callbackResult{err: err})
		return
	}

	resp, err := c.manager.HandleCodeRedirect(r.Context(), transport.GetTokenOptions{})
	if err == nil && resp == nil {
		err = errors.New("callback carried no authorization code")
	}

	c.finish(w, callbackResult{resp: resp, err: err})
}

func (c *callbackServer) finish(w http.ResponseWriter, res callbackResult) {
	data := struct{ Error string }{}
	status := http.StatusOK

	if res.err != nil {
		data.Error = res.err.Error()
		status = http.StatusBadRequest
		c.logger.Warn("authorization callback failed", slog.String("error", res.err.Error()))
	}

	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	w.Header().Set("Cache-Control", "no-store")
	w.WriteHeader(status)
	_ = callbackPage.Execute(w, data)

	select {
	case c.results <- res:
	default:
	}
}

// wait blocks for the first handled callback.
func (c *callbackServer) wait(ctx context.Context) (*tokens.TokenResponse, error) {
	select {
	case res := <-c.results:
		return res.resp, res.err
	case <-ctx.Done():
		return nil, fmt.Errorf("waiting for authorization callback: %w", ctx.Err())
	}
}
