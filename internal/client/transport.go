// Package client makes authenticated requests to resource servers with
// tokens held by an authorization manager.
package client

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"time"

	"github.com/tidwall/gjson"

	autherrors "github.com/alexjbarnes/globus-auth/internal/errors"
	"github.com/alexjbarnes/globus-auth/internal/logging"
	"github.com/alexjbarnes/globus-auth/internal/tokens"
)

// expiryLeeway refreshes tokens slightly before they lapse.
const expiryLeeway = 30 * time.Second

// Authorizer is the part of an authorization manager the transport uses.
type Authorizer interface {
	Tokens() *tokens.Manager
	RefreshToken(ctx context.Context, tok *tokens.Token) *tokens.TokenResponse
}

// Transport attaches the bearer token for one resource server. Each
// request refreshes at most once: either up front for an expired token,
// or after a 401 whose body reports AuthenticationFailed, followed by a
// single retry.
type Transport struct {
	Base           http.RoundTripper
	Authorizer     Authorizer
	ResourceServer string
	Logger         *slog.Logger
}

// New returns an http.Client whose requests carry the token for
// resourceServer.
func New(a Authorizer, resourceServer string, logger *slog.Logger) *http.Client {
	return &http.Client{
		Transport: &Transport{
			Authorizer:     a,
			ResourceServer: resourceServer,
			Logger:         logger,
		},
	}
}

func (t *Transport) base() http.RoundTripper {
	if t.Base != nil {
		return t.Base
	}

	return http.DefaultTransport
}

func (t *Transport) RoundTrip(req *http.Request) (*http.Response, error) {
	logger := logging.OrDiscard(t.Logger)
	ctx := req.Context()

	tok := t.Authorizer.Tokens().GetByResourceServer(t.ResourceServer)
	if tok == nil {
		return nil, fmt.Errorf("%w: no token for %s", autherrors.ErrNotFound, t.ResourceServer)
	}

	refreshed := false

	if expired, ok := tokens.IsTokenExpired(tok, expiryLeeway); ok && expired && tok.RefreshToken != "" {
		logger.Debug("refreshing expired token", slog.String("resource_server", t.ResourceServer))

		refreshed = true

		if fresh := t.Authorizer.RefreshToken(ctx, &tok.Token); fresh != nil {
			tok = &tokens.StoredToken{Token: *fresh}
		}
	}

	resp, err := t.send(req, tok.AccessToken)
	if err != nil {
		return nil, err
	}

	if refreshed || resp.StatusCode != http.StatusUnauthorized || tok.RefreshToken == "" || !replayable(req) {
		return resp, nil
	}

	body, err := io.ReadAll(resp.Body)
	resp.Body.Close()

	if err != nil {
		return nil, fmt.Errorf("reading 401 body: %w", err)
	}

	resp.Body = io.NopCloser(bytes.NewReader(body))

	if gjson.GetBytes(body, "code").String() != "AuthenticationFailed" {
		return resp, nil
	}

	fresh := t.Authorizer.RefreshToken(ctx, &tok.Token)
	if fresh == nil {
		return resp, nil
	}

	logger.Debug("retrying with refreshed token", slog.String("resource_server", t.ResourceServer))

	retry, err := rewind(req)
	if err != nil {
		return resp, nil
	}

	return t.send(retry, fresh.AccessToken)
}

func (t *Transport) send(req *http.Request, accessToken string) (*http.Response, error) {
	out := req.Clone(req.Context())
	out.Header.Set("Authorization", "Bearer "+accessToken)

	return t.base().RoundTrip(out)
}

func replayable(req *http.Request) bool {
	return req.Body == nil || req.Body == http.NoBody || req.GetBody != nil
}

func rewind(req *http.Request) (*http.Request, error) {
	if req.Body == nil || req.Body == http.NoBody {
		return req, nil
	}

	body, err := req.GetBody()
	if err != nil {
		return nil, err
	}

	out := req.Clone(req.Context())
	out.Body = body

	return out, nil
}
