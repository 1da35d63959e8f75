// Package registry is the source of truth for module existence,
// dependencies, batching capability and size limits.
package registry

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/scanhive-labs/scanhive-go/internal/domain"
)

var ErrModuleNotFound = errors.New("module not found or inactive")

// ErrBatchNotAllowed covers modules that exist but reject the requested
// batch shape; distinct from ErrModuleNotFound.
var ErrBatchNotAllowed = errors.New("batch request not allowed for module")

// Source loads module profiles from a backing store.
type Source interface {
	Load(ctx context.Context) ([]domain.ModuleProfile, error)
}

// BatchValidation is the outcome of checking one (module, count) pair.
type BatchValidation struct {
	Valid    bool
	Errors   []string
	Warnings []string
}

// warnUtilization is the fraction of MaxBatchSize past which a warning is
// attached to otherwise-valid requests.
const warnUtilizationFraction = 0.9

type Config struct {
	CacheTTL time.Duration
}

// Registry caches profiles from its source with time-based invalidation.
// The cache is owned by the instance; there is no package-level state.
type Registry struct {
	source Source
	ttl    time.Duration
	now    func() time.Time

	mu       sync.RWMutex
	cached   map[string]domain.ModuleProfile
	cachedAt time.Time
}

func New(source Source, cfg Config) (*Registry, error) {
	if source == nil {
		return nil, errors.New("profile source is required")
	}
	ttl := cfg.CacheTTL
	if ttl <= 0 {
		ttl = 5 * time.Minute
	}
	return &Registry{
		source: source,
		ttl:    ttl,
		now:    time.Now,
	}, nil
}

// WithClock replaces the time source, for tests.
func (r *Registry) WithClock(now func() time.Time) *Registry {
	if now != nil {
		r.now = now
	}
	return r
}

// Discover returns all active module profiles, sorted by name.
func (r *Registry) Discover(ctx context.Context) ([]domain.ModuleProfile, error) {
	profiles, err := r.snapshot(ctx)
	if err != nil {
		return nil, err
	}
	out := make([]domain.ModuleProfile, 0, len(profiles))
	for _, p := range profiles {
		out = append(out, p)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out, nil
}

// Get returns one active profile with the execution-mode convention
// applied, or ErrModuleNotFound.
func (r *Registry) Get(ctx context.Context, name string) (domain.ModuleProfile, error) {
	profiles, err := r.snapshot(ctx)
	if err != nil {
		return domain.ModuleProfile{}, err
	}
	profile, ok := profiles[strings.TrimSpace(name)]
	if !ok {
		return domain.ModuleProfile{}, fmt.Errorf("%w: %s", ErrModuleNotFound, name)
	}
	profile.ExecutionMode = profile.Mode()
	return profile, nil
}

// Validate reports per-name existence of active modules.
func (r *Registry) Validate(ctx context.Context, names []string) (map[string]bool, error) {
	profiles, err := r.snapshot(ctx)
	if err != nil {
		return nil, err
	}
	out := make(map[string]bool, len(names))
	for _, name := range names {
		_, ok := profiles[strings.TrimSpace(name)]
		out[name] = ok
	}
	return out, nil
}

// ValidateBatchRequest checks whether a module can accept a batch of the
// given size. Unknown modules produce a different error kind than modules
// that exist but reject the size.
func (r *Registry) ValidateBatchRequest(ctx context.Context, name string, count int) (BatchValidation, error) {
	profiles, err := r.snapshot(ctx)
	if err != nil {
		return BatchValidation{}, err
	}

	v := BatchValidation{Valid: true}
	profile, ok := profiles[strings.TrimSpace(name)]
	if !ok {
		v.Valid = false
		v.Errors = append(v.Errors, fmt.Sprintf("%v: %s", ErrModuleNotFound, name))
		return v, nil
	}
	if count <= 0 {
		v.Valid = false
		v.Errors = append(v.Errors, fmt.Sprintf("%v: domain count must be positive, got %d", ErrBatchNotAllowed, count))
		return v, nil
	}
	if count > 1 && !profile.SupportsBatching {
		v.Valid = false
		v.Errors = append(v.Errors, fmt.Sprintf("%v: module %s does not support batching", ErrBatchNotAllowed, name))
		return v, nil
	}
	if profile.SupportsBatching && count > profile.MaxBatchSize {
		v.Valid = false
		v.Errors = append(v.Errors, fmt.Sprintf("%v: count %d exceeds max batch size %d", ErrBatchNotAllowed, count, profile.MaxBatchSize))
		return v, nil
	}
	if profile.SupportsBatching && float64(count) >= warnUtilizationFraction*float64(profile.MaxBatchSize) {
		v.Warnings = append(v.Warnings, fmt.Sprintf("count %d is at %d%% of max batch size %d",
			count, count*100/profile.MaxBatchSize, profile.MaxBatchSize))
	}
	return v, nil
}

// Invalidate drops the cached snapshot; the next call reloads.
func (r *Registry) Invalidate() {
	r.mu.Lock()
	r.cached = nil
	r.cachedAt = time.Time{}
	r.mu.Unlock()
}

func (r *Registry) snapshot(ctx context.Context) (map[string]domain.ModuleProfile, error) {
	r.mu.RLock()
	if r.cached != nil && r.now().Sub(r.cachedAt) < r.ttl {
		cached := r.cached
		r.mu.RUnlock()
		return cached, nil
	}
	r.mu.RUnlock()

	loaded, err := r.source.Load(ctx)
	if err != nil {
		r.mu.RLock()
		stale := r.cached
		r.mu.RUnlock()
		if stale != nil {
			// Bounded staleness is preferable to failing the request.
			return stale, nil
		}
		return nil, fmt.Errorf("load module profiles: %w", err)
	}

	fresh := make(map[string]domain.ModuleProfile, len(loaded))
	for _, p := range loaded {
		if !p.Active {
			continue
		}
		if err := p.Validate(); err != nil {
			return nil, fmt.Errorf("invalid module profile: %w", err)
		}
		p.Hints = p.Hints.Normalize()
		fresh[p.Name] = p
	}

	r.mu.Lock()
	r.cached = fresh
	r.cachedAt = r.now()
	r.mu.Unlock()
	return fresh, nil
}
