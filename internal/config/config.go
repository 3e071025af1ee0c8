package config

import (
	"fmt"
	"log"
	"os"
	"path/filepath"
	"runtime"
	"strings"
	"time"

	"github.com/caarlos0/env/v11"
	"github.com/joho/godotenv"

	"github.com/alexjbarnes/globus-auth/internal/auth"
	"github.com/alexjbarnes/globus-auth/internal/storage"
)

// noDefaultScopes in GLOBUS_DEFAULT_SCOPES requests no default scopes.
const noDefaultScopes = "none"

// Config holds all environment-based configuration for globus-auth.
type Config struct {
	// OAuth client registered with the authorization service (required).
	ClientID string `env:"GLOBUS_CLIENT_ID"`

	// Redirect URI registered for the client. The CLI listens on its host
	// and path for the authorization callback.
	RedirectURI string `env:"GLOBUS_REDIRECT_URI" envDefault:"http://localhost:8765/callback"`

	// Space-delimited scopes requested on login in addition to the defaults.
	Scopes string `env:"GLOBUS_SCOPES"`

	// Replaces the default "openid profile email". "none" disables them.
	DefaultScopes string `env:"GLOBUS_DEFAULT_SCOPES"`

	UseRefreshTokens bool `env:"GLOBUS_USE_REFRESH_TOKENS" envDefault:"true"`

	// AuthEnvironment selects the deployment of the authorization service.
	AuthEnvironment string `env:"GLOBUS_ENVIRONMENT" envDefault:"production"`

	// Token storage backend: memory, bolt or keyring.
	Storage string `env:"GLOBUS_STORAGE" envDefault:"bolt"`

	// Bolt database file. Defaults to ~/.globus-auth/tokens.db.
	StatePath string `env:"GLOBUS_STATE_PATH"`

	// When set, token values are encrypted at rest.
	StoragePassphrase string `env:"GLOBUS_STORAGE_PASSPHRASE"`

	// How long login and prompt wait for the browser callback.
	LoginTimeout time.Duration `env:"GLOBUS_LOGIN_TIMEOUT" envDefault:"5m"`

	// Environment controls log format
	Environment string `env:"ENVIRONMENT" envDefault:"development"`
	LogLevel    string `env:"LOG_LEVEL" envDefault:"info"`
}

// warnInsecureEnvFile checks whether the .env file (if present) has
// overly permissive permissions. On Unix systems, group or world
// readable files risk exposing the storage passphrase to other users.
func warnInsecureEnvFile() {
	if runtime.GOOS == "windows" {
		return
	}

	info, err := os.Stat(".env")
	if err != nil {
		return
	}

	mode := info.Mode().Perm()
	if mode&0o077 != 0 {
		log.Printf("WARNING: .env file has insecure permissions %04o; recommended 0600", mode)
	}
}

// Load reads configuration from environment variables.
// It first attempts to load a .env file if present, then parses env vars.
func Load() (*Config, error) {
	_ = godotenv.Load()

	warnInsecureEnvFile()

	cfg := &Config{}
	if err := env.Parse(cfg); err != nil {
		return nil, fmt.Errorf("parsing config: %w", err)
	}

	if err := cfg.validate(); err != nil {
		return nil, fmt.Errorf("validating config: %w", err)
	}

	if cfg.StorageKind() == storage.KindBolt {
		path, err := cfg.resolveStatePath()
		if err != nil {
			return nil, err
		}

		cfg.StatePath = path
	}

	return cfg, nil
}

func (c *Config) validate() error {
	if c.ClientID == "" {
		return fmt.Errorf("GLOBUS_CLIENT_ID is required")
	}

	if c.RedirectURI == "" {
		return fmt.Errorf("GLOBUS_REDIRECT_URI must not be empty")
	}

	if _, err := auth.ParseEnvironment(c.AuthEnvironment); err != nil {
		return fmt.Errorf("GLOBUS_ENVIRONMENT: %w", err)
	}

	if _, err := storage.ParseKind(c.Storage); err != nil {
		return fmt.Errorf("GLOBUS_STORAGE: %w", err)
	}

	if c.LoginTimeout <= 0 {
		return fmt.Errorf("GLOBUS_LOGIN_TIMEOUT must be positive")
	}

	return nil
}

// resolveStatePath makes the bolt file path absolute, falling back to the
// default location under the home directory.
func (c *Config) resolveStatePath() (string, error) {
	if c.StatePath == "" {
		return storage.DefaultBoltPath()
	}

	abs, err := filepath.Abs(c.StatePath)
	if err != nil {
		return "", fmt.Errorf("resolving state path to absolute path: %w", err)
	}

	return abs, nil
}

// DefaultScopesOverride returns nil when the built-in defaults apply.
func (c *Config) DefaultScopesOverride() *string {
	switch strings.TrimSpace(c.DefaultScopes) {
	case "":
		return nil
	case noDefaultScopes:
		empty := ""
		return &empty
	}

	s := c.DefaultScopes

	return &s
}

// Env returns the parsed authorization environment. Load has already
// validated it.
func (c *Config) Env() auth.Environment {
	e, _ := auth.ParseEnvironment(c.AuthEnvironment)
	return e
}

// StorageKind returns the parsed storage backend.
func (c *Config) StorageKind() storage.Kind {
	k, _ := storage.ParseKind(c.Storage)
	return k
}

// OpenStorage opens the configured token store. The close function must
// be called on shutdown.
func (c *Config) OpenStorage() (storage.Store, func() error, error) {
	return storage.Open(c.StorageKind(), storage.Options{
		Path:       c.StatePath,
		Passphrase: c.StoragePassphrase,
	})
}
