package errors

import "errors"

// Configuration errors.
var (
	ErrMissingClient      = errors.New("client identifier is required")
	ErrMissingRedirect    = errors.New("redirect URI is required")
	ErrUnknownStorage     = errors.New("unknown storage backend")
	ErrUnknownEnvironment = errors.New("unknown environment")
)

// ErrUnsupportedEnvironment is returned when no cryptographically secure
// random source is available for PKCE.
var ErrUnsupportedEnvironment = errors.New("secure random source unavailable: PKCE is not supported in this environment")

// Protocol integrity errors raised while handling a return redirect.
var (
	ErrAuthorizationResponse = errors.New("authorization server returned an error")
	ErrStateMismatch         = errors.New("state parameter does not match the stored value")
	ErrMissingVerifier       = errors.New("code verifier not found in transient storage")
)

// ErrNoCode signals that the current location carries no authorization
// code. This is the normal case for a page that did not just complete a
// redirect and is not a failure.
var ErrNoCode = errors.New("no authorization code present")

// Identity provider and storage errors.
var (
	ErrTokenExchange = errors.New("token exchange failed")
	ErrRevocation    = errors.New("token revocation failed")
	ErrNotFound      = errors.New("key not found")
)
