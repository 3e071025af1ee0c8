package auth

import (
	"context"
	"fmt"
	"log/slog"

	"golang.org/x/oauth2"
	"golang.org/x/sync/errgroup"

	"github.com/alexjbarnes/globus-auth/internal/tokens"
	"github.com/alexjbarnes/globus-auth/internal/transport"
)

// RefreshResult is the settled outcome of refreshing one stored token.
type RefreshResult struct {
	ResourceServer string
	Response       *tokens.TokenResponse
	Err            error
}

// RefreshToken exchanges tok's refresh token for a new token and stores
// it. It never fails: a token without a refresh token, or a rejected
// refresh, logs and returns nil.
func (m *Manager) RefreshToken(ctx context.Context, tok *tokens.Token) *tokens.TokenResponse {
	resp, err := m.refresh(ctx, tok)
	if err != nil {
		m.logger.Warn("token refresh failed", slog.String("error", err.Error()))
		return nil
	}

	if resp == nil {
		return nil
	}

	m.updateAuthenticated(ctx)

	return resp
}

// RefreshTokens refreshes every stored token that carries a refresh
// token, concurrently. One failure does not stop the others. The
// authenticated flag is recomputed once after all attempts settle.
func (m *Manager) RefreshTokens(ctx context.Context) []RefreshResult {
	var candidates []*tokens.StoredToken

	for _, t := range m.tokens.GetAll() {
		if t.RefreshToken != "" {
			candidates = append(candidates, t)
		}
	}

	results := make([]RefreshResult, len(candidates))

	var g errgroup.Group

	for i, t := range candidates {
		g.Go(func() error {
			resp, err := m.refresh(ctx, &t.Token)
			if err != nil {
				m.logger.Warn("token refresh failed",
					slog.String("resource_server", t.ResourceServer),
					slog.String("error", err.Error()),
				)
			}

			results[i] = RefreshResult{ResourceServer: t.ResourceServer, Response: resp, Err: err}

			return nil
		})
	}

	_ = g.Wait()

	m.updateAuthenticated(ctx)

	return results
}

// refresh runs the refresh_token grant and stores the result without
// touching the authenticated flag.
func (m *Manager) refresh(ctx context.Context, tok *tokens.Token) (*tokens.TokenResponse, error) {
	if tok == nil || tok.RefreshToken == "" {
		return nil, nil
	}

	src := m.oauthConfig().TokenSource(m.clientContext(ctx), &oauth2.Token{RefreshToken: tok.RefreshToken})

	fresh, err := src.Token()
	m.metrics.Refresh(ctx, tok.ResourceServer, err)

	if err != nil {
		return nil, fmt.Errorf("refreshing %s: %w", tok.ResourceServer, err)
	}

	resp, err := transport.TokenFromOAuth2(fresh)
	if err != nil {
		return nil, err
	}

	if resp.ResourceServer == "" {
		resp.ResourceServer = tok.ResourceServer
	}

	if err := m.tokens.Add(resp); err != nil {
		return nil, fmt.Errorf("storing refreshed token: %w", err)
	}

	m.logger.Debug("token refreshed", slog.String("resource_server", resp.ResourceServer))

	return resp, nil
}
