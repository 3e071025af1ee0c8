// Package pkce implements the client half of Proof Key for Code Exchange
// (RFC 7636) using the S256 challenge method only.
package pkce

import (
	"crypto/rand"
	"crypto/sha256"
	"fmt"
	"io"

	"golang.org/x/oauth2"

	autherrors "github.com/alexjbarnes/globus-auth/internal/errors"
)

const (
	// MethodS256 is the only challenge method this package produces.
	MethodS256 = "S256"

	// VerifierLength is the length of generated code verifiers. RFC 7636
	// allows 43 to 128 characters.
	VerifierLength = 43

	// StateLength is the length of generated anti-CSRF state values.
	StateLength = 16

	minVerifierLength = 43
	maxVerifierLength = 128
)

const (
	unreservedCharset   = "ABCDEFGHIJKLMNOPQRSTUVWXYZabcdefghijklmnopqrstuvwxyz0123456789-._~"
	alphanumericCharset = "ABCDEFGHIJKLMNOPQRSTUVWXYZabcdefghijklmnopqrstuvwxyz0123456789"
)

// random is the secure source every generator reads from. Tests swap it
// to simulate an environment without one.
var random io.Reader = rand.Reader

// IsSupported reports whether a cryptographically secure random source
// is readable. Every generator in this package depends on it.
func IsSupported() bool {
	var probe [1]byte
	if _, err := io.ReadFull(random, probe[:]); err != nil {
		return false
	}

	h := sha256.New()
	return h.Size() == sha256.Size
}

// GenerateCodeVerifier returns a 43 character verifier drawn from the
// RFC 7636 unreserved set.
func GenerateCodeVerifier() (string, error) {
	return randomString(VerifierLength, unreservedCharset)
}

// GenerateCodeChallenge derives the S256 challenge for verifier:
// BASE64URL(SHA256(verifier)) without padding.
func GenerateCodeChallenge(verifier string) string {
	return oauth2.S256ChallengeFromVerifier(verifier)
}

// GenerateState returns a 16 character alphanumeric value echoed through
// the authorization redirect.
func GenerateState() (string, error) {
	return randomString(StateLength, alphanumericCharset)
}

// ValidVerifier reports whether v satisfies the RFC 7636 length bounds
// and character set.
func ValidVerifier(v string) bool {
	if len(v) < minVerifierLength || len(v) > maxVerifierLength {
		return false
	}

	for i := 0; i < len(v); i++ {
		if !isUnreserved(v[i]) {
			return false
		}
	}

	return true
}

func isUnreserved(c byte) bool {
	switch {
	case c >= 'A' && c <= 'Z', c >= 'a' && c <= 'z', c >= '0' && c <= '9':
		return true
	case c == '-', c == '.', c == '_', c == '~':
		return true
	}

	return false
}

// randomString maps each secure random byte onto charset by modulo.
// There is no non-cryptographic fallback: a read failure is fatal.
func randomString(n int, charset string) (string, error) {
	buf := make([]byte, n)
	if _, err := io.ReadFull(random, buf); err != nil {
		return "", fmt.Errorf("%w: %v", autherrors.ErrUnsupportedEnvironment, err)
	}

	for i, b := range buf {
		buf[i] = charset[int(b)%len(charset)]
	}

	return string(buf), nil
}
