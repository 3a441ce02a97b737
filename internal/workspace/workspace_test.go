package workspace

import (
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"pkt.systems/tenantd/internal/clock"
	"pkt.systems/tenantd/tenancy"
)

func testTenant() *tenancy.Tenant {
	return &tenancy.Tenant{
		ID:   "tenant-1",
		Name: "Acme Corp",
		Slug: "acme",
		Config: tenancy.TenantConfig{
			ModelRouting: tenancy.ModelRoutingConfig{Primary: "azure/gpt-4o"},
		},
	}
}

func newManager(t *testing.T, opts ...Option) *Manager {
	t.Helper()
	m, err := New(t.TempDir(), opts...)
	if err != nil {
		t.Fatalf("new manager: %v", err)
	}
	return m
}

func readFile(t *testing.T, path string) string {
	t.Helper()
	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("read %s: %v", path, err)
	}
	return string(data)
}

func TestNewRequiresBase(t *testing.T) {
	if _, err := New("  "); err == nil {
		t.Fatalf("expected error for empty base")
	}
}

func TestCreateWritesBootstrapFiles(t *testing.T) {
	m := newManager(t)
	dir := m.Path("tenant-acme")

	created, err := m.Create(dir, testTenant())
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	if !created {
		t.Fatalf("expected created=true for a new workspace")
	}
	soul := readFile(t, filepath.Join(dir, SoulFile))
	if !strings.Contains(soul, "# Acme Corp Support Agent") || !strings.Contains(soul, "customer support agent for Acme Corp") {
		t.Fatalf("unexpected default persona %q", soul)
	}
	agents := readFile(t, filepath.Join(dir, AgentsFile))
	if !strings.Contains(agents, "Tenant ID: tenant-1") {
		t.Fatalf("unexpected AGENTS.md %q", agents)
	}
	entries, _ := os.ReadDir(dir)
	if len(entries) != 2 {
		t.Fatalf("temp files must not be left behind, got %d entries", len(entries))
	}
	if _, err := os.Stat(filepath.Join(m.Base(), LockFile)); err != nil {
		t.Fatalf("lock file should exist: %v", err)
	}
}

func TestCreateUsesSystemPrompt(t *testing.T) {
	m := newManager(t)
	tenant := testTenant()
	tenant.Config.SystemPrompt = "You are Acme's billing assistant."
	dir := m.Path("tenant-acme")
	if _, err := m.Create(dir, tenant); err != nil {
		t.Fatalf("create: %v", err)
	}
	if got := readFile(t, filepath.Join(dir, SoulFile)); got != tenant.Config.SystemPrompt {
		t.Fatalf("unexpected SOUL.md %q", got)
	}
}

func TestCreateExistingDirectoryReportsNotCreated(t *testing.T) {
	m := newManager(t)
	dir := m.Path("tenant-acme")
	if err := os.MkdirAll(dir, 0o755); err != nil {
		t.Fatalf("mkdir: %v", err)
	}
	if err := os.WriteFile(filepath.Join(dir, "notes.txt"), []byte("keep"), 0o644); err != nil {
		t.Fatalf("write: %v", err)
	}
	created, err := m.Create(dir, testTenant())
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	if created {
		t.Fatalf("existing workspace must report created=false")
	}
	if readFile(t, filepath.Join(dir, "notes.txt")) != "keep" {
		t.Fatalf("existing files must survive")
	}
}

func TestCreateRejectsPathsOutsideBase(t *testing.T) {
	m := newManager(t)
	for _, dir := range []string{
		filepath.Join(m.Base(), "a", "b"),
		filepath.Join(m.Base(), "..", "escape"),
		filepath.Join(m.Base(), LockFile),
		m.Base(),
	} {
		if _, err := m.Create(dir, testTenant()); !errors.Is(err, ErrOutsideBase) {
			t.Fatalf("%s: expected ErrOutsideBase, got %v", dir, err)
		}
	}
}

func TestArchiveRenames(t *testing.T) {
	clk := clock.NewManual(time.Unix(1_700_000_000, 0))
	m := newManager(t, WithClock(clk))
	dir := m.Path("tenant-acme")
	if _, err := m.Create(dir, testTenant()); err != nil {
		t.Fatalf("create: %v", err)
	}

	archived, err := m.Archive(dir)
	if err != nil {
		t.Fatalf("archive: %v", err)
	}
	if archived != dir+".archived.1700000000" {
		t.Fatalf("unexpected archive path %s", archived)
	}
	if _, err := os.Stat(dir); !errors.Is(err, os.ErrNotExist) {
		t.Fatalf("original directory should be gone, stat err=%v", err)
	}
	if !strings.Contains(readFile(t, filepath.Join(archived, AgentsFile)), "tenant-1") {
		t.Fatalf("archived content must be preserved")
	}

	if _, err := m.Create(dir, testTenant()); err != nil {
		t.Fatalf("recreate: %v", err)
	}
	second, err := m.Archive(dir)
	if err != nil {
		t.Fatalf("second archive: %v", err)
	}
	if second == archived {
		t.Fatalf("second archive must not overwrite the first")
	}
	archives, err := m.Archives("tenant-acme")
	if err != nil || len(archives) != 2 {
		t.Fatalf("expected two archives, got %v, %v", archives, err)
	}
}

func TestArchiveMissingIsNoop(t *testing.T) {
	m := newManager(t)
	archived, err := m.Archive(m.Path("tenant-none"))
	if err != nil || archived != "" {
		t.Fatalf("expected no-op, got %q, %v", archived, err)
	}
}

func TestRemove(t *testing.T) {
	m := newManager(t)
	dir := m.Path("tenant-acme")
	if _, err := m.Create(dir, testTenant()); err != nil {
		t.Fatalf("create: %v", err)
	}
	if err := m.Remove(dir); err != nil {
		t.Fatalf("remove: %v", err)
	}
	if _, err := os.Stat(dir); !errors.Is(err, os.ErrNotExist) {
		t.Fatalf("directory should be removed")
	}
	if err := m.Remove(dir); err != nil {
		t.Fatalf("removing a missing workspace should succeed: %v", err)
	}
}
