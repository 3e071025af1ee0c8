package tokens

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/tidwall/gjson"

	"github.com/alexjbarnes/globus-auth/internal/logging"
	"github.com/alexjbarnes/globus-auth/internal/storage"
)

// now is swapped in tests.
var now = time.Now

// Manager reads and writes tokens for one client. Every key it touches
// is prefixed with "<client>:" so several clients can share a Store.
type Manager struct {
	store  storage.Store
	prefix string
	logger *slog.Logger
}

// NewManager binds a Manager to store under clientID's namespace.
func NewManager(store storage.Store, clientID string, logger *slog.Logger) *Manager {
	return &Manager{
		store:  store,
		prefix: clientID + ":",
		logger: logging.OrDiscard(logger),
	}
}

// Prefix returns the storage key namespace, including the trailing colon.
func (m *Manager) Prefix() string {
	return m.prefix
}

func (m *Manager) key(resourceServer string) string {
	return m.prefix + resourceServer
}

// Add stores token under its resource server, overwriting any previous
// entry, and recurses into OtherTokens.
func (m *Manager) Add(token *Token) error {
	if token == nil {
		return nil
	}

	created := now().UnixMilli()
	meta := &Metadata{Created: created}

	// An absent expires_in leaves the expiry unknown rather than already past.
	if token.ExpiresIn != nil {
		expires := created + *token.ExpiresIn*1000
		meta.Expires = &expires
	}

	stored := StoredToken{Token: *token, Metadata: meta}

	data, err := json.Marshal(stored)
	if err != nil {
		return fmt.Errorf("marshalling token for %s: %w", token.ResourceServer, err)
	}

	if err := m.store.Set(m.key(token.ResourceServer), string(data)); err != nil {
		return fmt.Errorf("storing token for %s: %w", token.ResourceServer, err)
	}

	for i := range token.OtherTokens {
		if err := m.Add(&token.OtherTokens[i]); err != nil {
			return err
		}
	}

	return nil
}

// Remove deletes the token for resourceServer.
func (m *Manager) Remove(resourceServer string) error {
	if err := m.store.Remove(m.key(resourceServer)); err != nil {
		return fmt.Errorf("removing token for %s: %w", resourceServer, err)
	}

	return nil
}

// GetByResourceServer returns the stored token or nil when it is absent
// or cannot be parsed.
func (m *Manager) GetByResourceServer(resourceServer string) *StoredToken {
	raw, ok, err := m.store.Get(m.key(resourceServer))
	if err != nil {
		m.logger.Debug("reading token failed",
			slog.String("resource_server", resourceServer),
			slog.String("error", err.Error()),
		)
		return nil
	}

	if !ok {
		return nil
	}

	return parse(raw)
}

func parse(raw string) *StoredToken {
	if !gjson.Parse(raw).IsObject() {
		return nil
	}

	var t StoredToken
	if err := json.Unmarshal([]byte(raw), &t); err != nil {
		return nil
	}

	return &t
}

// Auth returns the token for auth.globus.org.
func (m *Manager) Auth() *StoredToken { return m.GetByResourceServer(ResourceServerAuth) }

// Transfer returns the token for the Transfer service.
func (m *Manager) Transfer() *StoredToken { return m.GetByResourceServer(ResourceServerTransfer) }

// Flows returns the token for the Flows service.
func (m *Manager) Flows() *StoredToken { return m.GetByResourceServer(ResourceServerFlows) }

// Groups returns the token for the Groups service.
func (m *Manager) Groups() *StoredToken { return m.GetByResourceServer(ResourceServerGroups) }

// Search returns the token for the Search service.
func (m *Manager) Search() *StoredToken { return m.GetByResourceServer(ResourceServerSearch) }

// Timer returns the token for the Timer service.
func (m *Manager) Timer() *StoredToken { return m.GetByResourceServer(ResourceServerTimer) }

// Compute returns the token for the Compute service.
func (m *Manager) Compute() *StoredToken { return m.GetByResourceServer(ResourceServerCompute) }

// GCS returns the token for a Globus Connect Server endpoint. Endpoint
// IDs are resource servers in their own right.
func (m *Manager) GCS(endpointID string) *StoredToken {
	return m.GetByResourceServer(endpointID)
}

// Get returns the token for a named service.
func (m *Manager) Get(s Service) *StoredToken {
	rs, ok := ResourceServer(s)
	if !ok {
		return nil
	}

	return m.GetByResourceServer(rs)
}

// GetAll returns every token in this client's namespace. Entries that are
// not token shaped are skipped, since the backend may be shared.
func (m *Manager) GetAll() []*StoredToken {
	keys, err := storage.KeysWithPrefix(m.store, m.prefix)
	if err != nil {
		m.logger.Debug("listing tokens failed", slog.String("error", err.Error()))
		return nil
	}

	var out []*StoredToken
	for _, k := range keys {
		raw, ok, err := m.store.Get(k)
		if err != nil || !ok || !isTokenShaped(raw) {
			continue
		}

		if t := parse(raw); t != nil {
			out = append(out, t)
		}
	}

	return out
}

func isTokenShaped(raw string) bool {
	if !gjson.Valid(raw) {
		return false
	}

	r := gjson.Parse(raw)
	if !r.IsObject() {
		return false
	}

	at := r.Get("access_token")
	rs := r.Get("resource_server")

	return at.Type == gjson.String && rs.Type == gjson.String && strings.TrimSpace(rs.Str) != ""
}

// IsTokenExpired compares the stored expiry against now plus augment.
// ok is false when expiry cannot be determined: a nil token or missing
// metadata. Callers must not read expired when ok is false.
func IsTokenExpired(t *StoredToken, augment time.Duration) (expired, ok bool) {
	if t == nil || t.Metadata == nil || t.Metadata.Expires == nil {
		return false, false
	}

	return now().Add(augment).UnixMilli() >= *t.Metadata.Expires, true
}
