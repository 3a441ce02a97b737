package tenantstore

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"

	"github.com/fsnotify/fsnotify"
	"gopkg.in/yaml.v3"

	"pkt.systems/pslog"
	"pkt.systems/tenantd/internal/svcfields"
	"pkt.systems/tenantd/tenancy"
)

// File is the on-disk layout of a tenants file.
//
//	tenants:
//	  - id: 7f9c...
//	    name: Acme Corp
//	    slug: acme
//	    config:
//	      model_routing:
//	        primary: azure/gpt-4o
//	api_keys:
//	  sk-acme-1: 7f9c...
type File struct {
	Tenants []*tenancy.Tenant `yaml:"tenants"`
	APIKeys map[string]string `yaml:"api_keys,omitempty"`
}

// ParseFile decodes and validates a tenants file. Unknown keys are rejected.
func ParseFile(data []byte) (*File, error) {
	var f File
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(&f); err != nil && !errors.Is(err, io.EOF) {
		return nil, fmt.Errorf("tenantstore: decode: %w", err)
	}
	seenSlug := make(map[string]string, len(f.Tenants))
	seenID := make(map[string]struct{}, len(f.Tenants))
	for i, t := range f.Tenants {
		if t == nil {
			return nil, fmt.Errorf("tenantstore: tenants[%d] is empty", i)
		}
		t.ApplyDefaults()
		if err := t.Validate(); err != nil {
			return nil, fmt.Errorf("tenantstore: tenants[%d]: %w", i, err)
		}
		if _, dup := seenID[t.ID]; dup {
			return nil, fmt.Errorf("tenantstore: tenants[%d]: duplicate id %q", i, t.ID)
		}
		if other, dup := seenSlug[t.Slug]; dup {
			return nil, fmt.Errorf("tenantstore: tenants[%d]: %w: %s (also %s)", i, ErrSlugTaken, t.Slug, other)
		}
		seenID[t.ID] = struct{}{}
		seenSlug[t.Slug] = t.ID
	}
	for key, id := range f.APIKeys {
		if _, ok := seenID[id]; !ok {
			return nil, fmt.Errorf("tenantstore: api key %s...: unknown tenant %q", redact(key), id)
		}
	}
	return &f, nil
}

// LoadFile replaces the store content with the tenants in path.
func (m *Memory) LoadFile(path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("tenantstore: read %s: %w", path, err)
	}
	f, err := ParseFile(data)
	if err != nil {
		return fmt.Errorf("%w (%s)", err, path)
	}
	now := m.clock.Now()
	tenants := make(map[string]*tenancy.Tenant, len(f.Tenants))
	for _, t := range f.Tenants {
		if t.CreatedAt.IsZero() {
			t.CreatedAt = now
		}
		if t.UpdatedAt.IsZero() {
			t.UpdatedAt = t.CreatedAt
		}
		tenants[t.ID] = t
	}
	keys := make(map[string]string, len(f.APIKeys))
	for key, id := range f.APIKeys {
		keys[key] = id
	}
	m.replace(tenants, keys)
	return nil
}

// SaveFile writes the store content to path in the File layout.
func (m *Memory) SaveFile(path string) error {
	tenants, _ := m.List(context.Background())
	m.mu.RLock()
	keys := make(map[string]string, len(m.keys))
	for k, v := range m.keys {
		keys[k] = v
	}
	m.mu.RUnlock()
	data, err := yaml.Marshal(File{Tenants: tenants, APIKeys: keys})
	if err != nil {
		return fmt.Errorf("tenantstore: encode: %w", err)
	}
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o600); err != nil {
		return fmt.Errorf("tenantstore: write %s: %w", tmp, err)
	}
	if err := os.Rename(tmp, path); err != nil {
		_ = os.Remove(tmp)
		return fmt.Errorf("tenantstore: rename %s: %w", path, err)
	}
	return nil
}

// Watch reloads path into m whenever it changes, until ctx is done. A reload
// that fails keeps the previous content. The parent directory is watched so
// editors that replace the file by rename are picked up.
func (m *Memory) Watch(ctx context.Context, path string, logger pslog.Logger) error {
	logger = svcfields.WithSubsystem(logger, "tenantstore.watch")
	abs, err := filepath.Abs(path)
	if err != nil {
		return fmt.Errorf("tenantstore: resolve %s: %w", path, err)
	}
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("tenantstore: create watcher: %w", err)
	}
	if err := watcher.Add(filepath.Dir(abs)); err != nil {
		watcher.Close()
		return fmt.Errorf("tenantstore: watch %s: %w", filepath.Dir(abs), err)
	}
	go func() {
		defer watcher.Close()
		for {
			select {
			case <-ctx.Done():
				return
			case ev, ok := <-watcher.Events:
				if !ok {
					return
				}
				if filepath.Clean(ev.Name) != abs || !ev.Has(fsnotify.Write|fsnotify.Create) {
					continue
				}
				if err := m.LoadFile(abs); err != nil {
					logger.Warn("tenantstore.reload.failed", "path", abs, "error", err)
					continue
				}
				logger.Info("tenantstore.reloaded", "path", abs)
			case err, ok := <-watcher.Errors:
				if !ok {
					return
				}
				logger.Warn("tenantstore.watch.error", "error", err)
			}
		}
	}()
	return nil
}

func redact(key string) string {
	if len(key) <= 4 {
		return "****"
	}
	return key[:4]
}
