package checks

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"sort"
	"sync"
	"time"

	"github.com/patrickmn/go-cache"

	"github.com/dandantas/lookout/internal/evaluator"
	"github.com/dandantas/lookout/internal/model"
)

// DefaultCredentialTTL is how long a fetched credential is reused
const DefaultCredentialTTL = 48 * time.Hour

// CredentialSource looks up the credential of a check
type CredentialSource interface {
	FetchCredential(ctx context.Context, checkID string) (*model.Credential, error)
}

// CredentialCache fronts a CredentialSource with a TTL cache
type CredentialCache struct {
	source CredentialSource
	cache  *cache.Cache
}

// NewCredentialCache creates a cache holding each credential for ttl
func NewCredentialCache(source CredentialSource, ttl time.Duration) *CredentialCache {
	return &CredentialCache{
		source: source,
		cache:  cache.New(ttl, ttl/4),
	}
}

// Get returns the cached credential or fetches it. Empty answers are not cached.
func (c *CredentialCache) Get(ctx context.Context, checkID string) (*model.Credential, error) {
	if cached, ok := c.cache.Get(checkID); ok {
		return cached.(*model.Credential), nil
	}
	if c.source == nil {
		return nil, fmt.Errorf("no credential source configured for check %s", checkID)
	}

	cred, err := c.source.FetchCredential(ctx, checkID)
	if err != nil {
		return nil, fmt.Errorf("failed to fetch credential for check %s: %w", checkID, err)
	}
	if cred != nil && !cred.Empty() {
		c.cache.Set(checkID, cred, cache.DefaultExpiration)
	}
	return cred, nil
}

// Registry maps check ids to runnable checks
type Registry struct {
	mu     sync.RWMutex
	checks map[string]Check
	creds  *CredentialCache

	httpClient  *http.Client
	httpTimeout time.Duration
}

// NewRegistry creates an empty registry. creds may be nil when no check needs credentials.
func NewRegistry(creds *CredentialCache, httpTimeout time.Duration) *Registry {
	return &Registry{
		checks:      make(map[string]Check),
		creds:       creds,
		httpClient:  NewHTTPClient(httpTimeout),
		httpTimeout: httpTimeout,
	}
}

// Register adds a check; ids must be unique
func (r *Registry) Register(c Check) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.checks[c.ID()]; exists {
		return fmt.Errorf("check %q is already registered", c.ID())
	}
	r.checks[c.ID()] = c
	return nil
}

// Load builds and registers a check for every definition meant for region
func (r *Registry) Load(defs []model.CheckDefinition, region string) error {
	loaded := 0
	for _, def := range defs {
		if def.Disabled || !def.RunsIn(region) {
			continue
		}
		c, err := r.Build(def)
		if err != nil {
			return err
		}
		if err := r.Register(c); err != nil {
			return err
		}
		loaded++
	}

	slog.Info("Check registry loaded", "region", region, "checks", loaded, "definitions", len(defs))
	return nil
}

// Build turns a validated definition into a check
func (r *Registry) Build(def model.CheckDefinition) (Check, error) {
	if err := def.Validate(); err != nil {
		return nil, err
	}
	if err := evaluator.ValidateRules(def.Rules); err != nil {
		return nil, fmt.Errorf("check %s: %w", def.ID, err)
	}
	for _, step := range def.Steps {
		if err := evaluator.ValidateRules(step.Rules); err != nil {
			return nil, fmt.Errorf("check %s step %s: %w", def.ID, step.Name, err)
		}
	}

	switch def.ExecutionKind() {
	case model.KindStateless:
		return NewHTTPProbe(def, r.httpClient), nil
	case model.KindPooled:
		return NewSessionFlow(def, r.httpTimeout), nil
	case model.KindIsolated:
		if def.Command != nil {
			return NewCommandCheck(def)
		}
		return NewSessionFlow(def, r.httpTimeout), nil
	case model.KindRemoteShell:
		return NewRemoteCommand(def, r.httpTimeout)
	default:
		return nil, fmt.Errorf("check %s: %w: %s", def.ID, model.ErrUnsupportedKind, def.Kind)
	}
}

// Lookup returns the check registered under id
func (r *Registry) Lookup(id string) (Check, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	c, ok := r.checks[id]
	return c, ok
}

// IDs returns every registered id, sorted
func (r *Registry) IDs() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	ids := make([]string, 0, len(r.checks))
	for id := range r.checks {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

// Len returns the number of registered checks
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.checks)
}

// CredentialFor returns the credential c needs, or nil when it needs none
func (r *Registry) CredentialFor(ctx context.Context, c Check) (*model.Credential, error) {
	cc, ok := c.(CredentialedCheck)
	if !ok || !cc.NeedsCredential() {
		return nil, nil
	}
	if r.creds == nil {
		return nil, fmt.Errorf("check %s needs a credential but no source is configured", c.ID())
	}
	return r.creds.Get(ctx, c.ID())
}
