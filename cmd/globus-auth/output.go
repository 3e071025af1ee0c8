package main

import (
	"fmt"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/alexjbarnes/globus-auth/internal/tokens"
)

type tokenView struct {
	ResourceServer  string `yaml:"resource_server"`
	Scope           string `yaml:"scope,omitempty"`
	TokenType       string `yaml:"token_type,omitempty"`
	ExpiresAt       string `yaml:"expires_at,omitempty"`
	Expired         *bool  `yaml:"expired,omitempty"`
	HasRefreshToken bool   `yaml:"has_refresh_token"`
}

type userView struct {
	Subject           string   `yaml:"sub"`
	Name              string   `yaml:"name,omitempty"`
	Email             string   `yaml:"email,omitempty"`
	PreferredUsername string   `yaml:"preferred_username,omitempty"`
	Organization      string   `yaml:"organization,omitempty"`
	IdentityProvider  string   `yaml:"identity_provider,omitempty"`
	LinkedIdentities  []string `yaml:"linked_identities,omitempty"`
}

func newTokenView(t *tokens.StoredToken) tokenView {
	v := tokenView{
		ResourceServer:  t.ResourceServer,
		Scope:           t.Scope,
		TokenType:       t.TokenType,
		HasRefreshToken: t.RefreshToken != "",
	}

	if t.Metadata != nil && t.Metadata.Expires != nil {
		v.ExpiresAt = time.UnixMilli(*t.Metadata.Expires).UTC().Format(time.RFC3339)
	}

	if expired, ok := tokens.IsTokenExpired(t, 0); ok {
		v.Expired = &expired
	}

	return v
}

func (a *app) writeYAML(v any) error {
	enc := yaml.NewEncoder(a.out)
	enc.SetIndent(2)

	if err := enc.Encode(v); err != nil {
		return fmt.Errorf("encoding output: %w", err)
	}

	return enc.Close()
}

func (a *app) listTokens() error {
	all := a.manager.Tokens().GetAll()

	views := make([]tokenView, 0, len(all))
	for _, t := range all {
		views = append(views, newTokenView(t))
	}

	return a.writeYAML(views)
}

func (a *app) whoami() error {
	u := a.manager.User()
	if u == nil {
		return fmt.Errorf("no identity available; run login with the openid scope")
	}

	v := userView{
		Subject:           u.Subject,
		Name:              u.Name,
		Email:             u.Email,
		PreferredUsername: u.PreferredUsername,
		Organization:      u.Organization,
		IdentityProvider:  u.IdentityProviderDisplayName,
	}

	for _, id := range u.IdentitySet {
		if id.Sub != u.Subject && id.Username != "" {
			v.LinkedIdentities = append(v.LinkedIdentities, id.Username)
		}
	}

	return a.writeYAML(v)
}

func (a *app) status() error {
	if !a.manager.Authenticated() {
		fmt.Fprintln(a.out, "Not logged in.")
		return nil
	}

	all := a.manager.Tokens().GetAll()
	fmt.Fprintf(a.out, "Logged in (%d tokens stored).\n", len(all))

	if expired, ok := tokens.IsTokenExpired(a.manager.Tokens().Auth(), 0); ok && expired {
		fmt.Fprintln(a.out, "The primary token has expired; run refresh or login.")
	}

	return nil
}
