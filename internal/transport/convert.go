package transport

import (
	"encoding/json"
	"fmt"

	"golang.org/x/oauth2"

	"github.com/alexjbarnes/globus-auth/internal/tokens"
)

// TokenFromOAuth2 rebuilds the provider's raw token response, including
// the resource_server and other_tokens extensions, from an oauth2.Token.
func TokenFromOAuth2(tok *oauth2.Token) (*tokens.TokenResponse, error) {
	resp := &tokens.TokenResponse{
		AccessToken:    tok.AccessToken,
		TokenType:      tok.TokenType,
		RefreshToken:   tok.RefreshToken,
		Scope:          extraString(tok, "scope"),
		ResourceServer: extraString(tok, "resource_server"),
		IDToken:        extraString(tok, "id_token"),
		State:          extraString(tok, "state"),
	}

	if v, ok := tok.Extra("expires_in").(float64); ok {
		resp.ExpiresIn = tokens.Seconds(int64(v))
	} else if tok.ExpiresIn != 0 {
		resp.ExpiresIn = tokens.Seconds(tok.ExpiresIn)
	}

	if other := tok.Extra("other_tokens"); other != nil {
		data, err := json.Marshal(other)
		if err != nil {
			return nil, fmt.Errorf("encoding other_tokens: %w", err)
		}

		if err := json.Unmarshal(data, &resp.OtherTokens); err != nil {
			return nil, fmt.Errorf("decoding other_tokens: %w", err)
		}
	}

	return resp, nil
}

func extraString(tok *oauth2.Token, key string) string {
	s, _ := tok.Extra(key).(string)
	return s
}
