// Package provision maps tenants onto gateway agents: one workspace
// directory and one agents.list entry per tenant.
package provision

import (
	"context"
	"errors"
	"fmt"
	"time"

	"pkt.systems/pslog"
	"pkt.systems/tenantd/api"
	"pkt.systems/tenantd/internal/clock"
	"pkt.systems/tenantd/internal/correlation"
	"pkt.systems/tenantd/internal/svcfields"
	"pkt.systems/tenantd/internal/uuidv7"
	"pkt.systems/tenantd/registry"
	"pkt.systems/tenantd/tenancy"
)

// AgentIDPrefix prefixes every tenant agent id.
const AgentIDPrefix = "tenant-"

// Result statuses.
const (
	StatusSuccess = "success"
	StatusFailed  = "failed"
)

// Registry is the agent registry the provisioner edits. *registry.Mutator
// satisfies it.
type Registry interface {
	AddAgent(ctx context.Context, agent api.AgentConfig) error
	RemoveAgent(ctx context.Context, id string) error
}

// Workspaces creates and retires workspace directories.
// *workspace.Manager satisfies it.
type Workspaces interface {
	Path(agentID string) string
	Create(dir string, tenant *tenancy.Tenant) (bool, error)
	Remove(dir string) error
	Archive(dir string) (string, error)
}

// RetryConfig controls how registry conflicts are retried. Conflicts are the
// only retried failure; each retry starts from a fresh config snapshot.
type RetryConfig struct {
	ConflictRetries int
	BaseDelay       time.Duration
	MaxDelay        time.Duration
	Multiplier      float64
}

// Config wires a Provisioner.
type Config struct {
	Registry   Registry
	Workspaces Workspaces
	Retry      RetryConfig
	Clock      clock.Clock
	Logger     pslog.Logger
}

// Result reports the outcome of Provision.
type Result struct {
	OperationID   string `json:"operation_id"`
	TenantID      string `json:"tenant_id"`
	AgentID       string `json:"agent_id"`
	WorkspacePath string `json:"workspace_path"`
	Status        string `json:"status"`
	Error         string `json:"error,omitempty"`
	Attempts      int    `json:"attempts"`
	// Err is the underlying failure, for errors.Is/As.
	Err error `json:"-"`
}

// DeprovisionResult reports the outcome of Deprovision.
type DeprovisionResult struct {
	OperationID string `json:"operation_id"`
	TenantID    string `json:"tenant_id"`
	AgentID     string `json:"agent_id"`
	ArchivePath string `json:"archive_path,omitempty"`
	Status      string `json:"status"`
	Error       string `json:"error,omitempty"`
	Err         error  `json:"-"`
}

// Mapping is the full correspondence between a tenant and its agent.
type Mapping struct {
	TenantID      string          `json:"tenant_id"`
	AgentID       string          `json:"agent_id"`
	WorkspacePath string          `json:"workspace_path"`
	Agent         api.AgentConfig `json:"agent_config"`
}

// Provisioner creates and removes tenant agents.
type Provisioner struct {
	registry   Registry
	workspaces Workspaces
	retry      RetryConfig
	clock      clock.Clock
	logger     pslog.Logger
}

// New validates cfg and returns a Provisioner.
func New(cfg Config) (*Provisioner, error) {
	if cfg.Registry == nil {
		return nil, fmt.Errorf("provision: registry required")
	}
	if cfg.Workspaces == nil {
		return nil, fmt.Errorf("provision: workspaces required")
	}
	if cfg.Retry.ConflictRetries < 0 {
		cfg.Retry.ConflictRetries = 0
	}
	if cfg.Retry.BaseDelay <= 0 {
		cfg.Retry.BaseDelay = 100 * time.Millisecond
	}
	if cfg.Retry.Multiplier <= 0 {
		cfg.Retry.Multiplier = 2.0
	}
	if cfg.Retry.MaxDelay <= 0 {
		cfg.Retry.MaxDelay = 2 * time.Second
	}
	return &Provisioner{
		registry:   cfg.Registry,
		workspaces: cfg.Workspaces,
		retry:      cfg.Retry,
		clock:      clock.OrReal(cfg.Clock),
		logger:     svcfields.WithSubsystem(cfg.Logger, "provision"),
	}, nil
}

// AgentID returns the agent id for a tenant slug.
func AgentID(slug string) string {
	return AgentIDPrefix + slug
}

// BuildAgentConfig derives the agents.list entry for tenant.
func BuildAgentConfig(tenant *tenancy.Tenant, workspacePath string) api.AgentConfig {
	routing := tenant.Config.ModelRouting
	model := &api.AgentModel{Primary: routing.Primary}
	if len(routing.Fallbacks) > 0 {
		model.Fallbacks = append([]string(nil), routing.Fallbacks...)
	}
	return api.AgentConfig{
		ID:        AgentID(tenant.Slug),
		Name:      tenant.Name,
		Workspace: workspacePath,
		Model:     model,
		Sandbox:   map[string]any{"mode": "all", "workspaceAccess": "rw"},
	}
}

// Mapping returns the agent mapping for tenant.
func (p *Provisioner) Mapping(tenant *tenancy.Tenant) Mapping {
	agentID := AgentID(tenant.Slug)
	dir := p.workspaces.Path(agentID)
	return Mapping{
		TenantID:      tenant.ID,
		AgentID:       agentID,
		WorkspacePath: dir,
		Agent:         BuildAgentConfig(tenant, dir),
	}
}

// Provision creates the tenant's workspace and registers its agent. When
// registration fails the workspace is removed, but only if this call created
// it.
func (p *Provisioner) Provision(ctx context.Context, tenant *tenancy.Tenant) Result {
	res := Result{OperationID: operationID(ctx), Status: StatusFailed}
	if err := tenant.Validate(); err != nil {
		return res.fail(err)
	}
	res.TenantID = tenant.ID
	res.AgentID = AgentID(tenant.Slug)
	res.WorkspacePath = p.workspaces.Path(res.AgentID)
	logger := p.logger.With("op_id", res.OperationID, "tenant_id", tenant.ID, "agent_id", res.AgentID)
	logger.Info("provision.begin", "workspace", res.WorkspacePath)

	created, err := p.workspaces.Create(res.WorkspacePath, tenant)
	if err != nil {
		logger.Warn("provision.workspace.failed", "error", err)
		return res.fail(err)
	}

	agent := BuildAgentConfig(tenant, res.WorkspacePath)
	attempts, err := p.addAgent(ctx, agent, logger)
	res.Attempts = attempts
	if err != nil {
		logger.Warn("provision.register.failed", "attempts", attempts, "error", err)
		if created {
			if rmErr := p.workspaces.Remove(res.WorkspacePath); rmErr != nil {
				logger.Error("provision.workspace.cleanup_failed", "error", rmErr)
			}
		}
		return res.fail(err)
	}
	res.Status = StatusSuccess
	logger.Info("provision.success", "attempts", attempts, "new_workspace", created)
	return res
}

// Deprovision removes the tenant's agent and archives its workspace.
func (p *Provisioner) Deprovision(ctx context.Context, tenant *tenancy.Tenant) DeprovisionResult {
	res := DeprovisionResult{OperationID: operationID(ctx), Status: StatusFailed}
	if tenant == nil || !tenancy.ValidSlug(tenant.Slug) {
		return res.fail(fmt.Errorf("%w: slug required", tenancy.ErrInvalidTenant))
	}
	res.TenantID = tenant.ID
	res.AgentID = AgentID(tenant.Slug)
	logger := p.logger.With("op_id", res.OperationID, "tenant_id", tenant.ID, "agent_id", res.AgentID)
	logger.Info("deprovision.begin")

	if err := p.registry.RemoveAgent(ctx, res.AgentID); err != nil {
		logger.Warn("deprovision.unregister.failed", "error", err)
		return res.fail(err)
	}
	archive, err := p.workspaces.Archive(p.workspaces.Path(res.AgentID))
	if err != nil {
		logger.Warn("deprovision.archive.failed", "error", err)
		return res.fail(err)
	}
	res.ArchivePath = archive
	res.Status = StatusSuccess
	logger.Info("deprovision.success", "archive", archive)
	return res
}

// operationID reuses the caller's correlation id so result and logs line up.
func operationID(ctx context.Context) string {
	if id := correlation.ID(ctx); id != "" {
		return id
	}
	return uuidv7.NewString()
}

func (p *Provisioner) addAgent(ctx context.Context, agent api.AgentConfig, logger pslog.Logger) (int, error) {
	attempts := p.retry.ConflictRetries + 1
	delay := p.retry.BaseDelay
	for attempt := 1; ; attempt++ {
		err := p.registry.AddAgent(ctx, agent)
		if err == nil {
			return attempt, nil
		}
		if !errors.Is(err, registry.ErrConflict) || attempt >= attempts {
			return attempt, err
		}
		logger.Warn("provision.register.conflict",
			"attempt", attempt,
			"max_attempts", attempts,
			"retry_in", delay,
		)
		if err := ctx.Err(); err != nil {
			return attempt, err
		}
		select {
		case <-ctx.Done():
			return attempt, ctx.Err()
		case <-p.clock.After(delay):
		}
		next := time.Duration(float64(delay) * p.retry.Multiplier)
		if next > p.retry.MaxDelay {
			next = p.retry.MaxDelay
		}
		delay = next
	}
}

func (r Result) fail(err error) Result {
	r.Status = StatusFailed
	r.Err = err
	r.Error = err.Error()
	return r
}

// Succeeded reports whether provisioning completed.
func (r Result) Succeeded() bool {
	return r.Status == StatusSuccess
}

func (r DeprovisionResult) fail(err error) DeprovisionResult {
	r.Status = StatusFailed
	r.Err = err
	r.Error = err.Error()
	return r
}

// Succeeded reports whether deprovisioning completed.
func (r DeprovisionResult) Succeeded() bool {
	return r.Status == StatusSuccess
}
