package auth

import (
	"fmt"

	autherrors "github.com/alexjbarnes/globus-auth/internal/errors"
)

// Environment selects which deployment of the authorization service a
// Manager talks to.
type Environment string

const (
	Production  Environment = "production"
	Preview     Environment = "preview"
	Sandbox     Environment = "sandbox"
	Integration Environment = "integration"
	Test        Environment = "test"
	Staging     Environment = "staging"
)

// Endpoints are the OAuth 2.0 URLs used by a Manager.
type Endpoints struct {
	Authorize string
	Token     string
	Revoke    string
}

// ParseEnvironment accepts the lowercase environment names. An empty
// string is Production.
func ParseEnvironment(s string) (Environment, error) {
	env := Environment(s)
	if s == "" {
		env = Production
	}

	if _, err := env.host(); err != nil {
		return "", err
	}

	return env, nil
}

func (e Environment) host() (string, error) {
	switch e {
	case Production, "":
		return "auth.globus.org", nil
	case Preview:
		return "auth.preview.globus.org", nil
	case Sandbox, Integration, Test, Staging:
		return "auth." + string(e) + ".globuscs.info", nil
	}

	return "", fmt.Errorf("%w: %q", autherrors.ErrUnknownEnvironment, string(e))
}

// Endpoints returns the OAuth 2.0 URLs served for e.
func (e Environment) Endpoints() (Endpoints, error) {
	host, err := e.host()
	if err != nil {
		return Endpoints{}, err
	}

	base := "https://" + host + "/v2/oauth2/"

	return Endpoints{
		Authorize: base + "authorize",
		Token:     base + "token",
		Revoke:    base + "token/revoke",
	}, nil
}
