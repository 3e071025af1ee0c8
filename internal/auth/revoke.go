package auth

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"

	"golang.org/x/sync/errgroup"

	autherrors "github.com/alexjbarnes/globus-auth/internal/errors"
)

// Revoke asks the authorization service to revoke every stored token,
// clears local state and then dispatches Revoke. Revocation failures are
// logged; local state is always cleared. The returned error only
// reports a failure to clear storage.
func (m *Manager) Revoke(ctx context.Context) error {
	all := m.tokens.GetAll()

	var g errgroup.Group

	for _, t := range all {
		g.Go(func() error {
			err := m.revokeToken(ctx, t.AccessToken)
			m.metrics.Revocation(ctx, err)

			if err != nil {
				m.logger.Warn("token revocation failed",
					slog.String("resource_server", t.ResourceServer),
					slog.String("error", err.Error()),
				)
			}

			return nil
		})
	}

	resetErr := m.Reset(ctx)

	_ = g.Wait()

	if err := m.events.Revoke.Dispatch(ctx, RevokeEvent{}); err != nil {
		m.logger.Warn("revoke listener failed", slog.String("error", err.Error()))
	}

	m.logger.Info("tokens revoked", slog.Int("count", len(all)))

	return resetErr
}

func (m *Manager) revokeToken(ctx context.Context, token string) error {
	form := url.Values{
		"client_id": {m.clientID},
		"token":     {token},
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, m.endpoints.Revoke, strings.NewReader(form.Encode()))
	if err != nil {
		return fmt.Errorf("creating revocation request: %w", err)
	}

	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	req.Header.Set("Accept", "application/json")

	client := m.httpClient
	if client == nil {
		client = http.DefaultClient
	}

	resp, err := client.Do(req)
	if err != nil {
		return fmt.Errorf("%w: %w", autherrors.ErrRevocation, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 1024))
		return fmt.Errorf("%w: status %d: %s", autherrors.ErrRevocation, resp.StatusCode, strings.TrimSpace(string(body)))
	}

	_, _ = io.Copy(io.Discard, resp.Body)

	return nil
}
