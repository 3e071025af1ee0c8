package storage

import (
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"sync"

	"github.com/zalando/go-keyring"
)

const (
	defaultService = "globus-auth"

	// keyringIndex holds the JSON list of keys, since keychains cannot be
	// enumerated portably.
	keyringIndex = "__index__"
)

// Keyring is a durable Store backed by the operating system keychain.
// Each key is stored as a separate secret under one service name.
type Keyring struct {
	mu      sync.Mutex
	service string
}

// NewKeyring returns a keychain store for service. An empty service uses
// "globus-auth".
func NewKeyring(service string) *Keyring {
	if service == "" {
		service = defaultService
	}

	return &Keyring{service: service}
}

func (k *Keyring) Get(key string) (string, bool, error) {
	v, err := keyring.Get(k.service, key)
	if errors.Is(err, keyring.ErrNotFound) {
		return "", false, nil
	}

	if err != nil {
		return "", false, fmt.Errorf("reading keychain entry: %w", err)
	}

	return v, true, nil
}

func (k *Keyring) Set(key, value string) error {
	k.mu.Lock()
	defer k.mu.Unlock()

	if err := keyring.Set(k.service, key, value); err != nil {
		return fmt.Errorf("writing keychain entry: %w", err)
	}

	keys, err := k.index()
	if err != nil {
		return err
	}

	for _, existing := range keys {
		if existing == key {
			return nil
		}
	}

	return k.writeIndex(append(keys, key))
}

func (k *Keyring) Remove(key string) error {
	k.mu.Lock()
	defer k.mu.Unlock()

	if err := keyring.Delete(k.service, key); err != nil && !errors.Is(err, keyring.ErrNotFound) {
		return fmt.Errorf("deleting keychain entry: %w", err)
	}

	keys, err := k.index()
	if err != nil {
		return err
	}

	kept := keys[:0]
	for _, existing := range keys {
		if existing != key {
			kept = append(kept, existing)
		}
	}

	return k.writeIndex(kept)
}

func (k *Keyring) Keys() ([]string, error) {
	k.mu.Lock()
	defer k.mu.Unlock()

	keys, err := k.index()
	if err != nil {
		return nil, err
	}

	sort.Strings(keys)

	return keys, nil
}

func (k *Keyring) Clear() error {
	k.mu.Lock()
	defer k.mu.Unlock()

	keys, err := k.index()
	if err != nil {
		return err
	}

	for _, key := range keys {
		if err := keyring.Delete(k.service, key); err != nil && !errors.Is(err, keyring.ErrNotFound) {
			return fmt.Errorf("deleting keychain entry: %w", err)
		}
	}

	return k.writeIndex(nil)
}

func (k *Keyring) index() ([]string, error) {
	raw, err := keyring.Get(k.service, keyringIndex)
	if errors.Is(err, keyring.ErrNotFound) {
		return nil, nil
	}

	if err != nil {
		return nil, fmt.Errorf("reading keychain index: %w", err)
	}

	var keys []string
	if err := json.Unmarshal([]byte(raw), &keys); err != nil {
		return nil, fmt.Errorf("decoding keychain index: %w", err)
	}

	return keys, nil
}

func (k *Keyring) writeIndex(keys []string) error {
	if len(keys) == 0 {
		if err := keyring.Delete(k.service, keyringIndex); err != nil && !errors.Is(err, keyring.ErrNotFound) {
			return fmt.Errorf("deleting keychain index: %w", err)
		}

		return nil
	}

	data, err := json.Marshal(keys)
	if err != nil {
		return fmt.Errorf("encoding keychain index: %w", err)
	}

	if err := keyring.Set(k.service, keyringIndex, string(data)); err != nil {
		return fmt.Errorf("writing keychain index: %w", err)
	}

	return nil
}
