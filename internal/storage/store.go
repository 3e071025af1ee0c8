// Package storage provides the key-value backends tokens and transient
// PKCE material are persisted in.
package storage

import (
	"fmt"
	"strings"

	autherrors "github.com/alexjbarnes/globus-auth/internal/errors"
)

// Store is the key-value contract every backend satisfies. Get reports
// ok=false for a missing key rather than an error.
type Store interface {
	Get(key string) (value string, ok bool, err error)
	Set(key, value string) error
	Remove(key string) error
	Keys() ([]string, error)
	Clear() error
}

// Kind selects a backend.
type Kind string

const (
	// KindMemory never persists across process restarts.
	KindMemory Kind = "memory"

	// KindBolt persists to a bbolt database file.
	KindBolt Kind = "bolt"

	// KindKeyring persists to the operating system keychain.
	KindKeyring Kind = "keyring"
)

// Options configures Open. Fields only apply to the backends that use them.
type Options struct {
	// Path is the bbolt database file.
	Path string

	// Bucket is the bbolt bucket. Defaults to "tokens".
	Bucket string

	// Service is the keychain service name. Defaults to "globus-auth".
	Service string

	// Passphrase, when set, wraps the backend in Sealed.
	Passphrase string
}

// Open constructs the backend named by kind. The returned close function
// must be called when the store is no longer needed.
func Open(kind Kind, opts Options) (Store, func() error, error) {
	var (
		s       Store
		closeFn = func() error { return nil }
	)

	switch kind {
	case KindMemory, "":
		s = NewMemory()
	case KindBolt:
		b, err := OpenBolt(opts.Path, opts.Bucket)
		if err != nil {
			return nil, nil, err
		}

		s, closeFn = b, b.Close
	case KindKeyring:
		s = NewKeyring(opts.Service)
	default:
		return nil, nil, fmt.Errorf("%w: %q", autherrors.ErrUnknownStorage, kind)
	}

	if opts.Passphrase != "" {
		sealed, err := NewSealed(s, opts.Passphrase)
		if err != nil {
			_ = closeFn()
			return nil, nil, err
		}

		s = sealed
	}

	return s, closeFn, nil
}

// ParseKind validates a textual backend name.
func ParseKind(s string) (Kind, error) {
	switch k := Kind(strings.ToLower(strings.TrimSpace(s))); k {
	case KindMemory, KindBolt, KindKeyring:
		return k, nil
	case "":
		return KindMemory, nil
	}

	return "", fmt.Errorf("%w: %q", autherrors.ErrUnknownStorage, s)
}

// KeysWithPrefix returns the keys of s that start with prefix.
func KeysWithPrefix(s Store, prefix string) ([]string, error) {
	keys, err := s.Keys()
	if err != nil {
		return nil, fmt.Errorf("listing keys: %w", err)
	}

	var out []string
	for _, k := range keys {
		if strings.HasPrefix(k, prefix) {
			out = append(out, k)
		}
	}

	return out, nil
}

// RemovePrefix deletes every key of s that starts with prefix and leaves
// all other keys untouched.
func RemovePrefix(s Store, prefix string) error {
	keys, err := KeysWithPrefix(s, prefix)
	if err != nil {
		return err
	}

	for _, k := range keys {
		if err := s.Remove(k); err != nil {
			return fmt.Errorf("removing %s: %w", k, err)
		}
	}

	return nil
}
