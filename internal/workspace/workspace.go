// Package workspace manages per-tenant agent workspace directories: the
// bootstrap files an agent reads on start, and archival when a tenant is
// removed. Archival renames; nothing here deletes a workspace except Remove,
// which provisioning only calls on directories it just created.
package workspace

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync"

	"pkt.systems/pslog"
	"pkt.systems/tenantd/internal/clock"
	"pkt.systems/tenantd/internal/svcfields"
	"pkt.systems/tenantd/tenancy"
)

const (
	// SoulFile holds the agent persona.
	SoulFile = "SOUL.md"
	// AgentsFile holds workspace instructions.
	AgentsFile = "AGENTS.md"
	// LockFile serializes workspace changes across processes sharing a base.
	LockFile = ".tenantd.lock"
	// ArchiveInfix separates the workspace name from the archive timestamp.
	ArchiveInfix = ".archived."
)

// ErrOutsideBase reports a path that does not live directly under the base
// directory.
var ErrOutsideBase = errors.New("workspace: path outside base directory")

// Manager owns the workspaces under one base directory.
type Manager struct {
	base   string
	clock  clock.Clock
	logger pslog.Logger

	mu sync.Mutex
}

// Option customises a Manager.
type Option func(*Manager)

// WithClock sets the clock used for archive timestamps.
func WithClock(c clock.Clock) Option {
	return func(m *Manager) {
		m.clock = c
	}
}

// WithLogger sets the manager logger.
func WithLogger(logger pslog.Logger) Option {
	return func(m *Manager) {
		m.logger = logger
	}
}

// New returns a Manager rooted at base. The directory is created on first use.
func New(base string, opts ...Option) (*Manager, error) {
	base = strings.TrimSpace(base)
	if base == "" {
		return nil, fmt.Errorf("workspace: base directory required")
	}
	abs, err := filepath.Abs(base)
	if err != nil {
		return nil, fmt.Errorf("workspace: resolve %s: %w", base, err)
	}
	m := &Manager{base: abs}
	for _, opt := range opts {
		if opt != nil {
			opt(m)
		}
	}
	m.clock = clock.OrReal(m.clock)
	m.logger = svcfields.WithSubsystem(m.logger, "workspace")
	return m, nil
}

// Base returns the absolute base directory.
func (m *Manager) Base() string {
	return m.base
}

// Path returns the workspace directory for an agent id.
func (m *Manager) Path(agentID string) string {
	return filepath.Join(m.base, agentID)
}

// Create makes dir (if needed) and writes the tenant's bootstrap files. It
// reports whether the directory was created by this call.
func (m *Manager) Create(dir string, tenant *tenancy.Tenant) (bool, error) {
	if tenant == nil {
		return false, fmt.Errorf("workspace: tenant required")
	}
	if err := m.checkPath(dir); err != nil {
		return false, err
	}
	unlock, err := m.lock()
	if err != nil {
		return false, err
	}
	defer unlock()

	created := false
	info, err := os.Stat(dir)
	switch {
	case err == nil && !info.IsDir():
		return false, fmt.Errorf("workspace: %s exists and is not a directory", dir)
	case errors.Is(err, os.ErrNotExist):
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return false, fmt.Errorf("workspace: create %s: %w", dir, err)
		}
		created = true
	case err != nil:
		return false, fmt.Errorf("workspace: stat %s: %w", dir, err)
	}

	files := []struct {
		name    string
		content string
	}{
		{SoulFile, SoulContent(tenant)},
		{AgentsFile, AgentsContent(tenant)},
	}
	for _, f := range files {
		if err := writeFileAtomic(dir, f.name, []byte(f.content)); err != nil {
			if created {
				_ = os.RemoveAll(dir)
			}
			return false, fmt.Errorf("workspace: write %s: %w", f.name, err)
		}
	}
	m.logger.Info("workspace.created", "dir", dir, "tenant_id", tenant.ID, "new", created)
	return created, nil
}

// Remove deletes dir and everything in it.
func (m *Manager) Remove(dir string) error {
	if err := m.checkPath(dir); err != nil {
		return err
	}
	unlock, err := m.lock()
	if err != nil {
		return err
	}
	defer unlock()
	if err := os.RemoveAll(dir); err != nil {
		return fmt.Errorf("workspace: remove %s: %w", dir, err)
	}
	m.logger.Info("workspace.removed", "dir", dir)
	return nil
}

// Archive renames dir to <dir>.archived.<unix seconds> and returns the new
// path. A missing dir is not an error and yields "".
func (m *Manager) Archive(dir string) (string, error) {
	if err := m.checkPath(dir); err != nil {
		return "", err
	}
	unlock, err := m.lock()
	if err != nil {
		return "", err
	}
	defer unlock()

	if _, err := os.Stat(dir); errors.Is(err, os.ErrNotExist) {
		return "", nil
	} else if err != nil {
		return "", fmt.Errorf("workspace: stat %s: %w", dir, err)
	}
	stamp := strconv.FormatInt(m.clock.Now().Unix(), 10)
	target := dir + ArchiveInfix + stamp
	for n := 1; ; n++ {
		if _, err := os.Stat(target); errors.Is(err, os.ErrNotExist) {
			break
		}
		target = dir + ArchiveInfix + stamp + "-" + strconv.Itoa(n)
	}
	if err := os.Rename(dir, target); err != nil {
		return "", fmt.Errorf("workspace: archive %s: %w", dir, err)
	}
	_ = syncDir(m.base)
	m.logger.Info("workspace.archived", "dir", dir, "archive", target)
	return target, nil
}

// Archives lists archived copies of the workspace for agentID, oldest first.
func (m *Manager) Archives(agentID string) ([]string, error) {
	matches, err := filepath.Glob(filepath.Join(m.base, agentID+ArchiveInfix+"*"))
	if err != nil {
		return nil, err
	}
	return matches, nil
}

// checkPath requires dir to be a direct child of the base directory.
func (m *Manager) checkPath(dir string) error {
	clean := filepath.Clean(dir)
	if filepath.Dir(clean) != m.base || filepath.Base(clean) == LockFile {
		return fmt.Errorf("%w: %s", ErrOutsideBase, dir)
	}
	return nil
}

func (m *Manager) lock() (func(), error) {
	m.mu.Lock()
	if err := os.MkdirAll(m.base, 0o755); err != nil {
		m.mu.Unlock()
		return nil, fmt.Errorf("workspace: create base %s: %w", m.base, err)
	}
	f, err := os.OpenFile(filepath.Join(m.base, LockFile), os.O_CREATE|os.O_RDWR, 0o644)
	if err != nil {
		m.mu.Unlock()
		return nil, fmt.Errorf("workspace: open lock: %w", err)
	}
	if err := lockFile(f); err != nil {
		f.Close()
		m.mu.Unlock()
		return nil, fmt.Errorf("workspace: acquire lock: %w", err)
	}
	return func() {
		_ = unlockFile(f)
		f.Close()
		m.mu.Unlock()
	}, nil
}

// SoulContent is the persona file: the tenant's system prompt, or a default
// support persona.
func SoulContent(tenant *tenancy.Tenant) string {
	if strings.TrimSpace(tenant.Config.SystemPrompt) != "" {
		return tenant.Config.SystemPrompt
	}
	return fmt.Sprintf("# %s Support Agent\n\n"+
		"You are a helpful customer support agent for %s.\n"+
		"Be friendly, professional, and concise.\n"+
		"If you're unsure about something, say so honestly.\n", tenant.Name, tenant.Name)
}

// AgentsContent is the workspace instruction file.
func AgentsContent(tenant *tenancy.Tenant) string {
	return fmt.Sprintf("# %s - tenantd Agent\n\n"+
		"This workspace is managed by tenantd.\n"+
		"Tenant ID: %s\n", tenant.Name, tenant.ID)
}

func writeFileAtomic(dir, name string, payload []byte) error {
	tmp, err := os.CreateTemp(dir, "."+name+"-*")
	if err != nil {
		return err
	}
	if _, err := tmp.Write(payload); err != nil {
		tmp.Close()
		os.Remove(tmp.Name())
		return err
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		os.Remove(tmp.Name())
		return err
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmp.Name())
		return err
	}
	if err := os.Chmod(tmp.Name(), 0o644); err != nil {
		os.Remove(tmp.Name())
		return err
	}
	if err := os.Rename(tmp.Name(), filepath.Join(dir, name)); err != nil {
		os.Remove(tmp.Name())
		return err
	}
	return syncDir(dir)
}

func syncDir(path string) error {
	dir, err := os.Open(path)
	if err != nil {
		return err
	}
	defer dir.Close()
	return dir.Sync()
}
