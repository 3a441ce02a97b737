// Package tenantstore holds tenant records and their API keys. Records live in
// memory and may be seeded from, and kept in sync with, a YAML file.
package tenantstore

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"

	"pkt.systems/tenantd/internal/clock"
	"pkt.systems/tenantd/tenancy"
)

// ErrNotFound reports a missing tenant or API key.
var ErrNotFound = errors.New("tenantstore: not found")

// ErrSlugTaken reports that another tenant already uses the slug.
var ErrSlugTaken = errors.New("tenantstore: slug already in use")

// Store is the lookup surface tenantd needs from a tenant registry.
type Store interface {
	Get(ctx context.Context, id string) (*tenancy.Tenant, error)
	BySlug(ctx context.Context, slug string) (*tenancy.Tenant, error)
	ByAPIKey(ctx context.Context, key string) (*tenancy.Tenant, error)
	List(ctx context.Context) ([]*tenancy.Tenant, error)
	Put(ctx context.Context, tenant *tenancy.Tenant) error
	Delete(ctx context.Context, id string) error
}

// Memory is an in-memory Store. Returned tenants are copies.
type Memory struct {
	clock clock.Clock

	mu      sync.RWMutex
	tenants map[string]*tenancy.Tenant
	slugs   map[string]string
	keys    map[string]string
}

// MemoryOption customises a Memory store.
type MemoryOption func(*Memory)

// WithClock sets the clock used for CreatedAt/UpdatedAt.
func WithClock(c clock.Clock) MemoryOption {
	return func(m *Memory) {
		m.clock = c
	}
}

// NewMemory returns an empty store.
func NewMemory(opts ...MemoryOption) *Memory {
	m := &Memory{
		tenants: make(map[string]*tenancy.Tenant),
		slugs:   make(map[string]string),
		keys:    make(map[string]string),
	}
	for _, opt := range opts {
		if opt != nil {
			opt(m)
		}
	}
	m.clock = clock.OrReal(m.clock)
	return m
}

// Get returns the tenant with id.
func (m *Memory) Get(_ context.Context, id string) (*tenancy.Tenant, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	t, ok := m.tenants[id]
	if !ok {
		return nil, fmt.Errorf("%w: tenant %q", ErrNotFound, id)
	}
	return clone(t), nil
}

// BySlug returns the tenant with slug.
func (m *Memory) BySlug(_ context.Context, slug string) (*tenancy.Tenant, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	id, ok := m.slugs[slug]
	if !ok {
		return nil, fmt.Errorf("%w: slug %q", ErrNotFound, slug)
	}
	return clone(m.tenants[id]), nil
}

// ByAPIKey returns the tenant owning key.
func (m *Memory) ByAPIKey(_ context.Context, key string) (*tenancy.Tenant, error) {
	key = strings.TrimSpace(key)
	m.mu.RLock()
	defer m.mu.RUnlock()
	id, ok := m.keys[key]
	if !ok || key == "" {
		return nil, fmt.Errorf("%w: api key", ErrNotFound)
	}
	t, ok := m.tenants[id]
	if !ok {
		return nil, fmt.Errorf("%w: api key", ErrNotFound)
	}
	return clone(t), nil
}

// List returns all tenants ordered by slug.
func (m *Memory) List(context.Context) ([]*tenancy.Tenant, error) {
	m.mu.RLock()
	out := make([]*tenancy.Tenant, 0, len(m.tenants))
	for _, t := range m.tenants {
		out = append(out, clone(t))
	}
	m.mu.RUnlock()
	sort.Slice(out, func(i, j int) bool { return out[i].Slug < out[j].Slug })
	return out, nil
}

// Put validates and stores tenant, replacing any record with the same id.
func (m *Memory) Put(_ context.Context, tenant *tenancy.Tenant) error {
	if err := tenant.Validate(); err != nil {
		return err
	}
	now := m.clock.Now()
	t := clone(tenant)
	m.mu.Lock()
	defer m.mu.Unlock()
	if owner, ok := m.slugs[t.Slug]; ok && owner != t.ID {
		return fmt.Errorf("%w: %s", ErrSlugTaken, t.Slug)
	}
	if prev, ok := m.tenants[t.ID]; ok {
		delete(m.slugs, prev.Slug)
		if t.CreatedAt.IsZero() {
			t.CreatedAt = prev.CreatedAt
		}
	}
	if t.CreatedAt.IsZero() {
		t.CreatedAt = now
	}
	t.UpdatedAt = now
	m.tenants[t.ID] = t
	m.slugs[t.Slug] = t.ID
	return nil
}

// Delete removes the tenant and every API key issued to it.
func (m *Memory) Delete(_ context.Context, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	t, ok := m.tenants[id]
	if !ok {
		return fmt.Errorf("%w: tenant %q", ErrNotFound, id)
	}
	delete(m.tenants, id)
	delete(m.slugs, t.Slug)
	for key, owner := range m.keys {
		if owner == id {
			delete(m.keys, key)
		}
	}
	return nil
}

// AddAPIKey issues key to the tenant with id.
func (m *Memory) AddAPIKey(key, id string) error {
	key = strings.TrimSpace(key)
	if key == "" {
		return errors.New("tenantstore: api key required")
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.tenants[id]; !ok {
		return fmt.Errorf("%w: tenant %q", ErrNotFound, id)
	}
	m.keys[key] = id
	return nil
}

// replace swaps the whole content for the given snapshot.
func (m *Memory) replace(tenants map[string]*tenancy.Tenant, keys map[string]string) {
	slugs := make(map[string]string, len(tenants))
	for id, t := range tenants {
		slugs[t.Slug] = id
	}
	m.mu.Lock()
	m.tenants = tenants
	m.slugs = slugs
	m.keys = keys
	m.mu.Unlock()
}

func clone(t *tenancy.Tenant) *tenancy.Tenant {
	if t == nil {
		return nil
	}
	c := *t
	c.Config.ModelRouting.Fallbacks = append([]string(nil), t.Config.ModelRouting.Fallbacks...)
	if t.Config.AfterHoursThreshold != nil {
		v := *t.Config.AfterHoursThreshold
		c.Config.AfterHoursThreshold = &v
	}
	return &c
}
