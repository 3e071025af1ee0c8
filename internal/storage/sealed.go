package storage

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"encoding/base64"
	"fmt"

	"golang.org/x/crypto/scrypt"
	"golang.org/x/text/unicode/norm"
)

const (
	// scryptN is the CPU/memory cost parameter for scrypt key derivation.
	scryptN = 32768

	// scryptR is the block size parameter for scrypt key derivation.
	scryptR = 8

	// scryptP is the parallelization parameter for scrypt key derivation.
	scryptP = 1

	// scryptKeyLen is the derived key length in bytes.
	scryptKeyLen = 32
)

// SaltKey holds the random scrypt salt in the wrapped Store. Sealed hides
// it from Keys and keeps it across Clear.
const SaltKey = "__sealed_salt"

// saltLen is the length of a generated salt in bytes.
const saltLen = 16

// Sealed encrypts values before handing them to the wrapped Store. Keys
// are stored in the clear so prefix scans keep working.
// Values are stored as base64([12-byte nonce][ciphertext+GCM tag]).
type Sealed struct {
	inner Store
	gcm   cipher.AEAD
	salt  string
}

// NewSealed derives an AES-256 key from passphrase and the salt stored in
// inner, generating and storing a random salt on first use.
func NewSealed(inner Store, passphrase string) (*Sealed, error) {
	salt, err := loadSalt(inner)
	if err != nil {
		return nil, err
	}

	raw, err := base64.StdEncoding.DecodeString(salt)
	if err != nil {
		return nil, fmt.Errorf("decoding salt: %w", err)
	}

	key, err := deriveKey(passphrase, raw)
	if err != nil {
		return nil, err
	}
	defer zeroKey(key)

	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, fmt.Errorf("creating AES cipher: %w", err)
	}

	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return nil, fmt.Errorf("creating GCM: %w", err)
	}

	return &Sealed{inner: inner, gcm: gcm, salt: salt}, nil
}

func loadSalt(inner Store) (string, error) {
	salt, ok, err := inner.Get(SaltKey)
	if err != nil {
		return "", fmt.Errorf("reading salt: %w", err)
	}

	if ok {
		return salt, nil
	}

	raw := make([]byte, saltLen)
	if _, err := rand.Read(raw); err != nil {
		return "", fmt.Errorf("generating salt: %w", err)
	}

	salt = base64.StdEncoding.EncodeToString(raw)
	if err := inner.Set(SaltKey, salt); err != nil {
		return "", fmt.Errorf("storing salt: %w", err)
	}

	return salt, nil
}

// deriveKey normalizes the passphrase to NFKC and runs scrypt.
func deriveKey(passphrase string, salt []byte) ([]byte, error) {
	passphrase = norm.NFKC.String(passphrase)

	key, err := scrypt.Key([]byte(passphrase), salt, scryptN, scryptR, scryptP, scryptKeyLen)
	if err != nil {
		return nil, fmt.Errorf("deriving key: %w", err)
	}

	return key, nil
}

func zeroKey(key []byte) {
	for i := range key {
		key[i] = 0
	}
}

func (s *Sealed) Get(key string) (string, bool, error) {
	v, ok, err := s.inner.Get(key)
	if err != nil || !ok {
		return "", ok, err
	}

	plain, err := s.open(v)
	if err != nil {
		return "", false, fmt.Errorf("decrypting %s: %w", key, err)
	}

	return plain, true, nil
}

func (s *Sealed) Set(key, value string) error {
	sealed, err := s.seal(value)
	if err != nil {
		return err
	}

	return s.inner.Set(key, sealed)
}

func (s *Sealed) Remove(key string) error { return s.inner.Remove(key) }

func (s *Sealed) Keys() ([]string, error) {
	keys, err := s.inner.Keys()
	if err != nil {
		return nil, err
	}

	out := keys[:0]
	for _, k := range keys {
		if k != SaltKey {
			out = append(out, k)
		}
	}

	return out, nil
}

func (s *Sealed) Clear() error {
	if err := s.inner.Clear(); err != nil {
		return err
	}

	return s.inner.Set(SaltKey, s.salt)
}

func (s *Sealed) seal(value string) (string, error) {
	nonce := make([]byte, s.gcm.NonceSize())
	if _, err := rand.Read(nonce); err != nil {
		return "", fmt.Errorf("generating nonce: %w", err)
	}

	out := s.gcm.Seal(nonce, nonce, []byte(value), nil)

	return base64.StdEncoding.EncodeToString(out), nil
}

func (s *Sealed) open(encoded string) (string, error) {
	data, err := base64.StdEncoding.DecodeString(encoded)
	if err != nil {
		return "", fmt.Errorf("decoding base64: %w", err)
	}

	nonceSize := s.gcm.NonceSize()
	if len(data) < nonceSize {
		return "", fmt.Errorf("ciphertext too short: %d bytes", len(data))
	}

	plain, err := s.gcm.Open(nil, data[:nonceSize], data[nonceSize:], nil)
	if err != nil {
		return "", err
	}

	return string(plain), nil
}
