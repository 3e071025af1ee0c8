package auth

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/alexjbarnes/globus-auth/internal/tokens"
)

func TestRefreshToken_NoRefreshToken(t *testing.T) {
	f := newFixture(t, nil)

	got := f.manager.RefreshToken(context.Background(), &tokens.Token{
		AccessToken:    "a",
		ResourceServer: tokens.ResourceServerAuth,
	})
	assert.Nil(t, got)
	assert.Empty(t, f.server.refreshes)
}

func TestRefreshToken_Success(t *testing.T) {
	f := newFixture(t, nil)
	f.server.refresh["rt-auth"] = map[string]any{
		"access_token":    "new-auth",
		"token_type":      "Bearer",
		"expires_in":      3600,
		"scope":           "openid",
		"resource_server": "auth.globus.org",
		"refresh_token":   "rt-auth-2",
	}

	got := f.manager.RefreshToken(context.Background(), &tokens.Token{
		AccessToken:    "old",
		ResourceServer: tokens.ResourceServerAuth,
		RefreshToken:   "rt-auth",
	})
	require.NotNil(t, got)
	assert.Equal(t, "new-auth", got.AccessToken)

	require.Len(t, f.server.refreshes, 1)
	form := f.server.refreshes[0]
	assert.Equal(t, "refresh_token", form.Get("grant_type"))
	assert.Equal(t, "rt-auth", form.Get("refresh_token"))
	assert.Equal(t, clientID, form.Get("client_id"))

	stored := f.manager.Tokens().Auth()
	require.NotNil(t, stored)
	assert.Equal(t, "new-auth", stored.AccessToken)
	assert.Equal(t, "rt-auth-2", stored.RefreshToken)
	assert.True(t, f.manager.Authenticated())
}

func TestRefreshToken_RejectedReturnsNil(t *testing.T) {
	f := newFixture(t, nil)

	got := f.manager.RefreshToken(context.Background(), &tokens.Token{
		AccessToken:    "old",
		ResourceServer: tokens.ResourceServerAuth,
		RefreshToken:   "unknown",
	})
	assert.Nil(t, got)
	assert.Nil(t, f.manager.Tokens().Auth())
}

func TestRefreshTokens_IsolatesFailures(t *testing.T) {
	f := newFixture(t, nil)
	f.seed(t, tokens.Token{AccessToken: "a", ResourceServer: tokens.ResourceServerAuth, RefreshToken: "rt-auth"})
	f.seed(t, tokens.Token{AccessToken: "t", ResourceServer: tokens.ResourceServerTransfer, RefreshToken: "rt-bad"})
	f.seed(t, tokens.Token{AccessToken: "g", ResourceServer: tokens.ResourceServerGroups})

	f.server.refresh["rt-auth"] = map[string]any{
		"access_token":    "a2",
		"token_type":      "Bearer",
		"expires_in":      3600,
		"resource_server": "auth.globus.org",
	}

	calls := 0
	f.manager.Events().Authenticated.Subscribe(func(context.Context, AuthenticatedEvent) error {
		calls++
		return nil
	})

	results := f.manager.RefreshTokens(context.Background())
	require.Len(t, results, 2)

	byServer := make(map[string]RefreshResult)
	for _, r := range results {
		byServer[r.ResourceServer] = r
	}

	okResult := byServer[tokens.ResourceServerAuth]
	assert.NoError(t, okResult.Err)
	require.NotNil(t, okResult.Response)
	assert.Equal(t, "a2", okResult.Response.AccessToken)

	badResult := byServer[tokens.ResourceServerTransfer]
	assert.Error(t, badResult.Err)
	assert.Nil(t, badResult.Response)

	assert.Equal(t, "a2", f.manager.Tokens().Auth().AccessToken)
	assert.Equal(t, "t", f.manager.Tokens().Transfer().AccessToken)
	assert.Equal(t, "rt-auth", f.manager.Tokens().Auth().RefreshToken)
	assert.Len(t, f.server.refreshes, 2)
	assert.True(t, f.manager.Authenticated())
	assert.Equal(t, 1, calls)
}

func TestRefreshTokens_Empty(t *testing.T) {
	f := newFixture(t, nil)
	assert.Empty(t, f.manager.RefreshTokens(context.Background()))
}
