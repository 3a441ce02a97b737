package tenantstore

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"pkt.systems/tenantd/internal/clock"
	"pkt.systems/tenantd/tenancy"
)

func tenant(id, slug string) *tenancy.Tenant {
	return &tenancy.Tenant{
		ID:     id,
		Name:   strings.ToUpper(slug[:1]) + slug[1:],
		Slug:   slug,
		Status: tenancy.StatusActive,
		Config: tenancy.TenantConfig{
			ModelRouting: tenancy.ModelRoutingConfig{Primary: "azure/gpt-4o", Fallbacks: []string{"openai/gpt-4o-mini"}},
		},
	}
}

const sampleFile = `tenants:
  - id: t-1
    name: Acme Corp
    slug: acme
    config:
      model_routing:
        primary: azure/gpt-4o
  - id: t-2
    name: Globex
    slug: globex
    status: active
    config:
      system_prompt: You help Globex customers.
      model_routing:
        primary: openai/gpt-4o
        fallbacks: [openai/gpt-4o-mini]
api_keys:
  sk-acme-1: t-1
  sk-globex-1: t-2
`

func TestMemoryPutAndLookups(t *testing.T) {
	ctx := context.Background()
	clk := clock.NewManual(time.Unix(1_700_000_000, 0))
	m := NewMemory(WithClock(clk))
	if err := m.Put(ctx, tenant("t-1", "acme")); err != nil {
		t.Fatalf("put: %v", err)
	}
	if err := m.AddAPIKey("sk-1", "t-1"); err != nil {
		t.Fatalf("add key: %v", err)
	}

	got, err := m.Get(ctx, "t-1")
	if err != nil || got.Slug != "acme" {
		t.Fatalf("get: %+v, %v", got, err)
	}
	if !got.CreatedAt.Equal(clk.Now()) || !got.UpdatedAt.Equal(clk.Now()) {
		t.Fatalf("timestamps not set: %+v", got)
	}
	if got, err := m.BySlug(ctx, "acme"); err != nil || got.ID != "t-1" {
		t.Fatalf("by slug: %+v, %v", got, err)
	}
	if got, err := m.ByAPIKey(ctx, " sk-1 "); err != nil || got.ID != "t-1" {
		t.Fatalf("by api key: %+v, %v", got, err)
	}
	if _, err := m.ByAPIKey(ctx, "sk-unknown"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

func TestMemoryReturnsCopies(t *testing.T) {
	ctx := context.Background()
	m := NewMemory()
	if err := m.Put(ctx, tenant("t-1", "acme")); err != nil {
		t.Fatalf("put: %v", err)
	}
	got, _ := m.Get(ctx, "t-1")
	got.Name = "mutated"
	got.Config.ModelRouting.Fallbacks[0] = "mutated"
	again, _ := m.Get(ctx, "t-1")
	if again.Name != "Acme" || again.Config.ModelRouting.Fallbacks[0] != "openai/gpt-4o-mini" {
		t.Fatalf("store content leaked through a returned value: %+v", again)
	}
}

func TestMemoryPutRenamesSlug(t *testing.T) {
	ctx := context.Background()
	clk := clock.NewManual(time.Unix(1_700_000_000, 0))
	m := NewMemory(WithClock(clk))
	_ = m.Put(ctx, tenant("t-1", "acme"))
	created, _ := m.Get(ctx, "t-1")

	clk.Advance(time.Minute)
	if err := m.Put(ctx, tenant("t-1", "acme-corp")); err != nil {
		t.Fatalf("update: %v", err)
	}
	if _, err := m.BySlug(ctx, "acme"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("old slug should be released, got %v", err)
	}
	got, err := m.BySlug(ctx, "acme-corp")
	if err != nil {
		t.Fatalf("by new slug: %v", err)
	}
	if !got.CreatedAt.Equal(created.CreatedAt) || !got.UpdatedAt.After(created.UpdatedAt) {
		t.Fatalf("unexpected timestamps %+v", got)
	}
}

func TestMemoryRejectsTakenSlugAndInvalidTenants(t *testing.T) {
	ctx := context.Background()
	m := NewMemory()
	_ = m.Put(ctx, tenant("t-1", "acme"))
	if err := m.Put(ctx, tenant("t-2", "acme")); !errors.Is(err, ErrSlugTaken) {
		t.Fatalf("expected ErrSlugTaken, got %v", err)
	}
	bad := tenant("t-3", "globex")
	bad.Config.ModelRouting.Primary = ""
	if err := m.Put(ctx, bad); !errors.Is(err, tenancy.ErrInvalidTenant) {
		t.Fatalf("expected ErrInvalidTenant, got %v", err)
	}
	if err := m.AddAPIKey("sk", "t-missing"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound for unknown tenant, got %v", err)
	}
}

func TestMemoryDeleteDropsKeys(t *testing.T) {
	ctx := context.Background()
	m := NewMemory()
	_ = m.Put(ctx, tenant("t-1", "acme"))
	_ = m.AddAPIKey("sk-1", "t-1")
	if err := m.Delete(ctx, "t-1"); err != nil {
		t.Fatalf("delete: %v", err)
	}
	if _, err := m.ByAPIKey(ctx, "sk-1"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("key should be gone, got %v", err)
	}
	if err := m.Delete(ctx, "t-1"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("second delete should report ErrNotFound, got %v", err)
	}
}

func TestListOrderedBySlug(t *testing.T) {
	ctx := context.Background()
	m := NewMemory()
	_ = m.Put(ctx, tenant("t-2", "zeta"))
	_ = m.Put(ctx, tenant("t-1", "alpha"))
	list, _ := m.List(ctx)
	if len(list) != 2 || list[0].Slug != "alpha" || list[1].Slug != "zeta" {
		t.Fatalf("unexpected order %+v", list)
	}
}

func TestParseFile(t *testing.T) {
	f, err := ParseFile([]byte(sampleFile))
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	if len(f.Tenants) != 2 || len(f.APIKeys) != 2 {
		t.Fatalf("unexpected file %+v", f)
	}
	acme := f.Tenants[0]
	if acme.Status != tenancy.StatusProvisioning || acme.Config.ConfidenceThreshold != tenancy.DefaultConfidenceThreshold {
		t.Fatalf("defaults not applied: %+v", acme)
	}
	if f.Tenants[1].Config.ModelRouting.Fallbacks[0] != "openai/gpt-4o-mini" {
		t.Fatalf("fallbacks not decoded: %+v", f.Tenants[1].Config.ModelRouting)
	}
	if f, err := ParseFile(nil); err != nil || len(f.Tenants) != 0 {
		t.Fatalf("empty file should parse, got %+v, %v", f, err)
	}
}

func TestParseFileErrors(t *testing.T) {
	cases := map[string]string{
		"unknown field": "tenants: []\nextra: 1\n",
		"invalid slug":  "tenants:\n  - id: t-1\n    slug: Bad Slug\n    config: {model_routing: {primary: m}}\n",
		"duplicate id":  "tenants:\n  - {id: t-1, slug: a, config: {model_routing: {primary: m}}}\n  - {id: t-1, slug: b, config: {model_routing: {primary: m}}}\n",
		"dangling key":  "tenants:\n  - {id: t-1, slug: a, config: {model_routing: {primary: m}}}\napi_keys:\n  sk-xyz: t-9\n",
	}
	for name, body := range cases {
		if _, err := ParseFile([]byte(body)); err == nil {
			t.Fatalf("%s: expected error", name)
		}
	}
	_, err := ParseFile([]byte("tenants:\n  - {id: t-1, slug: a, config: {model_routing: {primary: m}}}\n  - {id: t-2, slug: a, config: {model_routing: {primary: m}}}\n"))
	if !errors.Is(err, ErrSlugTaken) {
		t.Fatalf("duplicate slug should wrap ErrSlugTaken, got %v", err)
	}
}

func TestLoadAndSaveFile(t *testing.T) {
	ctx := context.Background()
	dir := t.TempDir()
	path := filepath.Join(dir, "tenants.yaml")
	if err := os.WriteFile(path, []byte(sampleFile), 0o600); err != nil {
		t.Fatalf("write: %v", err)
	}
	m := NewMemory()
	if err := m.LoadFile(path); err != nil {
		t.Fatalf("load: %v", err)
	}
	if got, err := m.ByAPIKey(ctx, "sk-globex-1"); err != nil || got.Slug != "globex" {
		t.Fatalf("by key after load: %+v, %v", got, err)
	}

	out := filepath.Join(dir, "saved.yaml")
	if err := m.SaveFile(out); err != nil {
		t.Fatalf("save: %v", err)
	}
	again := NewMemory()
	if err := again.LoadFile(out); err != nil {
		t.Fatalf("reload saved: %v", err)
	}
	list, _ := again.List(ctx)
	if len(list) != 2 || list[1].Config.SystemPrompt != "You help Globex customers." {
		t.Fatalf("saved file lost data: %+v", list)
	}
	if _, err := again.ByAPIKey(ctx, "sk-acme-1"); err != nil {
		t.Fatalf("saved file lost api keys: %v", err)
	}
}

func TestLoadFileKeepsContentOnError(t *testing.T) {
	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "tenants.yaml")
	_ = os.WriteFile(path, []byte(sampleFile), 0o600)
	m := NewMemory()
	if err := m.LoadFile(path); err != nil {
		t.Fatalf("load: %v", err)
	}
	_ = os.WriteFile(path, []byte("tenants: [\n"), 0o600)
	if err := m.LoadFile(path); err == nil {
		t.Fatalf("expected decode error")
	}
	if _, err := m.BySlug(ctx, "acme"); err != nil {
		t.Fatalf("previous content should survive a failed load: %v", err)
	}
}

func TestWatchReloads(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	path := filepath.Join(t.TempDir(), "tenants.yaml")
	_ = os.WriteFile(path, []byte(sampleFile), 0o600)
	m := NewMemory()
	if err := m.LoadFile(path); err != nil {
		t.Fatalf("load: %v", err)
	}
	if err := m.Watch(ctx, path, nil); err != nil {
		t.Fatalf("watch: %v", err)
	}

	updated := strings.Replace(sampleFile, "api_keys:", "  - id: t-3\n    name: Initech\n    slug: initech\n    config:\n      model_routing:\n        primary: azure/gpt-4o\napi_keys:", 1)
	if err := os.WriteFile(path, []byte(updated), 0o600); err != nil {
		t.Fatalf("rewrite: %v", err)
	}

	deadline := time.Now().Add(5 * time.Second)
	for {
		if got, err := m.BySlug(ctx, "initech"); err == nil && got.ID == "t-3" {
			return
		}
		if time.Now().After(deadline) {
			t.Fatalf("watch did not reload the tenants file")
		}
		time.Sleep(20 * time.Millisecond)
	}
}
