package tenantd

import (
	"context"
	"errors"
	"fmt"
	"os"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"pkt.systems/pslog"
	"pkt.systems/tenantd/api"
	"pkt.systems/tenantd/gateway"
	"pkt.systems/tenantd/internal/clock"
	"pkt.systems/tenantd/internal/correlation"
	"pkt.systems/tenantd/internal/provision"
	"pkt.systems/tenantd/internal/svcfields"
	"pkt.systems/tenantd/internal/tenantstore"
	"pkt.systems/tenantd/internal/tlsutil"
	"pkt.systems/tenantd/internal/workspace"
	"pkt.systems/tenantd/registry"
	"pkt.systems/tenantd/tenancy"
)

var (
	// ErrNoTenant is returned by tenant-scoped calls when no tenant context is active.
	ErrNoTenant = errors.New("tenantd: no active tenant")
	// ErrTenantInactive is returned when the active tenant does not accept messages.
	ErrTenantInactive = errors.New("tenantd: tenant is not active")
	// ErrClosed is returned once the control plane has been closed.
	ErrClosed = errors.New("tenantd: closed")
)

// Bootstrapper names of the built-in tenant context steps.
const (
	WorkspaceBootstrapper = "workspace"
	AgentBootstrapper     = "agent"
)

type options struct {
	logger        pslog.Logger
	clock         clock.Clock
	dialer        gateway.Dialer
	store         tenantstore.Store
	bootstrappers []tenancy.Bootstrapper
}

// Option customises a ControlPlane.
type Option func(*options)

// WithLogger sets the base logger.
func WithLogger(logger pslog.Logger) Option {
	return func(o *options) { o.logger = logger }
}

// WithClock drives request deadlines, retry backoff and timestamps.
func WithClock(c clock.Clock) Option {
	return func(o *options) { o.clock = c }
}

// WithDialer replaces the gateway websocket dialer.
func WithDialer(d gateway.Dialer) Option {
	return func(o *options) { o.dialer = d }
}

// WithStore replaces the in-memory tenant store. Config.TenantsFile is
// ignored when a store is supplied.
func WithStore(store tenantstore.Store) Option {
	return func(o *options) { o.store = store }
}

// WithBootstrappers appends tenant context steps after the built-in ones.
func WithBootstrappers(bs ...tenancy.Bootstrapper) Option {
	return func(o *options) { o.bootstrappers = append(o.bootstrappers, bs...) }
}

// binding is what the built-in bootstrappers attach to the active tenant.
type binding struct {
	mu        sync.RWMutex
	workspace string
	agentID   string
}

func (b *binding) get() (workspace, agentID string) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.workspace, b.agentID
}

func (b *binding) set(fn func(*binding)) {
	b.mu.Lock()
	fn(b)
	b.mu.Unlock()
}

// ControlPlane wires the gateway client, agent registry, provisioner, tenant
// store and tenant context together.
type ControlPlane struct {
	cfg        Config
	logger     pslog.Logger
	client     *gateway.Client
	registry   *registry.Mutator
	workspaces *workspace.Manager
	provision  *provision.Provisioner
	tenancy    *tenancy.Context
	store      tenantstore.Store
	telemetry  *Telemetry
	bound      binding

	stopWatch context.CancelFunc
	closed    atomic.Bool
	closeOnce sync.Once
	closeErr  error
}

// New validates cfg and builds a ControlPlane. The gateway connection is
// opened lazily by the first call that needs it.
func New(ctx context.Context, cfg Config, opts ...Option) (*ControlPlane, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	o := options{}
	for _, opt := range opts {
		if opt != nil {
			opt(&o)
		}
	}
	logger := svcfields.Ensure(o.logger)
	clk := clock.OrReal(o.clock)

	telemetry, err := StartTelemetry(ctx, cfg, logger)
	if err != nil {
		return nil, err
	}
	cp := &ControlPlane{cfg: cfg, logger: svcfields.WithSubsystem(logger, "controlplane"), telemetry: telemetry}
	fail := func(err error) (*ControlPlane, error) {
		_ = cp.shutdown(context.WithoutCancel(ctx))
		return nil, err
	}

	clientOpts := []gateway.Option{
		gateway.WithToken(cfg.GatewayToken),
		gateway.WithConnectTimeout(cfg.ConnectTimeout),
		gateway.WithRequestTimeout(cfg.RequestTimeout),
		gateway.WithLogger(logger),
		gateway.WithClock(clk),
	}
	if cfg.GatewayBundle != "" {
		bundle, err := tlsutil.LoadBundle(cfg.GatewayBundle)
		if err != nil {
			return fail(err)
		}
		clientOpts = append(clientOpts, gateway.WithTLSConfig(bundle.ClientConfig()))
	}
	if o.dialer != nil {
		clientOpts = append(clientOpts, gateway.WithDialer(o.dialer))
	}
	if cp.client, err = gateway.New(cfg.GatewayURL, clientOpts...); err != nil {
		return fail(err)
	}
	cp.registry = registry.New(cp.client, registry.WithLogger(logger))

	if err := os.MkdirAll(cfg.WorkspaceDir, 0o755); err != nil {
		return fail(fmt.Errorf("tenantd: prepare workspace dir: %w", err))
	}
	if cp.workspaces, err = workspace.New(cfg.WorkspaceDir, workspace.WithClock(clk), workspace.WithLogger(logger)); err != nil {
		return fail(err)
	}
	cp.provision, err = provision.New(provision.Config{
		Registry:   cp.registry,
		Workspaces: cp.workspaces,
		Retry: provision.RetryConfig{
			ConflictRetries: cfg.ConflictRetries,
			BaseDelay:       cfg.RetryBaseDelay,
			MaxDelay:        cfg.RetryMaxDelay,
		},
		Clock:  clk,
		Logger: logger,
	})
	if err != nil {
		return fail(err)
	}

	cp.store = o.store
	if cp.store == nil {
		mem := tenantstore.NewMemory(tenantstore.WithClock(clk))
		if cfg.TenantsFile != "" {
			if err := mem.LoadFile(cfg.TenantsFile); err != nil && !errors.Is(err, os.ErrNotExist) {
				return fail(err)
			}
			if cfg.WatchTenants {
				watchCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
				if err := mem.Watch(watchCtx, cfg.TenantsFile, logger); err != nil {
					cancel()
					return fail(err)
				}
				cp.stopWatch = cancel
			}
		}
		cp.store = mem
	}

	steps := append([]tenancy.Bootstrapper{cp.workspaceStep(), cp.agentStep()}, o.bootstrappers...)
	cp.tenancy = tenancy.New(steps, tenancy.WithLogger(logger))
	cp.logger.Info("controlplane.ready",
		"gateway", cfg.GatewayURL,
		"workspaces", cfg.WorkspaceDir,
		"tenants_file", cfg.TenantsFile,
		"bootstrappers", len(steps),
	)
	return cp, nil
}

func (cp *ControlPlane) workspaceStep() tenancy.Bootstrapper {
	return tenancy.Step(WorkspaceBootstrapper,
		func(_ context.Context, t *tenancy.Tenant) error {
			dir := cp.workspaces.Path(agentIDOf(t))
			info, err := os.Stat(dir)
			if err != nil {
				return fmt.Errorf("workspace %s: %w", dir, err)
			}
			if !info.IsDir() {
				return fmt.Errorf("workspace %s is not a directory", dir)
			}
			cp.bound.set(func(b *binding) { b.workspace = dir })
			return nil
		},
		func(context.Context) error {
			cp.bound.set(func(b *binding) { b.workspace = "" })
			return nil
		},
	)
}

func (cp *ControlPlane) agentStep() tenancy.Bootstrapper {
	return tenancy.Step(AgentBootstrapper,
		func(ctx context.Context, t *tenancy.Tenant) error {
			agentID := agentIDOf(t)
			if _, err := cp.registry.Agent(ctx, agentID); err != nil {
				return err
			}
			cp.bound.set(func(b *binding) { b.agentID = agentID })
			return nil
		},
		func(context.Context) error {
			cp.bound.set(func(b *binding) { b.agentID = "" })
			return nil
		},
	)
}

func agentIDOf(t *tenancy.Tenant) string {
	if t.AgentID != "" {
		return t.AgentID
	}
	return provision.AgentID(t.Slug)
}

// Client returns the gateway client.
func (cp *ControlPlane) Client() *gateway.Client { return cp.client }

// Registry returns the agent registry mutator.
func (cp *ControlPlane) Registry() *registry.Mutator { return cp.registry }

// Tenancy returns the tenant context.
func (cp *ControlPlane) Tenancy() *tenancy.Context { return cp.tenancy }

// Store returns the tenant store.
func (cp *ControlPlane) Store() tenantstore.Store { return cp.store }

// Workspaces returns the workspace manager.
func (cp *ControlPlane) Workspaces() *workspace.Manager { return cp.workspaces }

// Telemetry returns the running telemetry, or nil.
func (cp *ControlPlane) Telemetry() *Telemetry { return cp.telemetry }

// Mapping returns the agent mapping for tenant.
func (cp *ControlPlane) Mapping(tenant *tenancy.Tenant) provision.Mapping {
	return cp.provision.Mapping(tenant)
}

// Provision creates tenant's workspace and agent outside any tenant context
// and records the tenant as active in the store. The returned error is the
// result's Err.
func (cp *ControlPlane) Provision(ctx context.Context, tenant *tenancy.Tenant) (provision.Result, error) {
	if cp.closed.Load() {
		return provision.Result{}, ErrClosed
	}
	if tenant == nil {
		return provision.Result{}, tenancy.ErrNilTenant
	}
	ctx, cid := correlation.Ensure(ctx)
	t := *tenant
	t.ApplyDefaults()
	var res provision.Result
	err := cp.tenancy.Central(ctx, func(ctx context.Context, _ *tenancy.Tenant) error {
		res = cp.provision.Provision(ctx, &t)
		return res.Err
	})
	if res.Err != nil {
		return res, err
	}
	t.Status = tenancy.StatusActive
	t.AgentID = res.AgentID
	if putErr := cp.store.Put(ctx, &t); putErr != nil {
		return res, errors.Join(err, fmt.Errorf("tenantd: record tenant: %w", putErr))
	}
	cp.logger.Info("controlplane.tenant.active", correlation.LogKey, cid, "tenant_id", t.ID, "agent_id", t.AgentID)
	*tenant = t
	return res, err
}

// Deprovision removes the tenant's agent, archives its workspace and drops
// it from the store. An active context for the tenant is ended first.
func (cp *ControlPlane) Deprovision(ctx context.Context, tenantID string) (provision.DeprovisionResult, error) {
	if cp.closed.Load() {
		return provision.DeprovisionResult{}, ErrClosed
	}
	ctx, _ = correlation.Ensure(ctx)
	tenant, err := cp.store.Get(ctx, tenantID)
	if err != nil {
		return provision.DeprovisionResult{}, err
	}
	if current := cp.tenancy.Tenant(); current != nil && current.ID == tenant.ID {
		cp.tenancy.End(ctx)
	}
	var res provision.DeprovisionResult
	err = cp.tenancy.Central(ctx, func(ctx context.Context, _ *tenancy.Tenant) error {
		res = cp.provision.Deprovision(ctx, tenant)
		return res.Err
	})
	if res.Err != nil {
		return res, err
	}
	if delErr := cp.store.Delete(ctx, tenant.ID); delErr != nil && !errors.Is(delErr, tenantstore.ErrNotFound) {
		return res, errors.Join(err, delErr)
	}
	return res, err
}

// RunAs runs fn in the context of the stored tenant with tenantID.
func (cp *ControlPlane) RunAs(ctx context.Context, tenantID string, fn func(context.Context, *tenancy.Tenant) error) error {
	if cp.closed.Load() {
		return ErrClosed
	}
	tenant, err := cp.store.Get(ctx, tenantID)
	if err != nil {
		return err
	}
	return cp.tenancy.Run(ctx, tenant, fn)
}

// RunAsAPIKey runs fn in the context of the tenant owning key.
func (cp *ControlPlane) RunAsAPIKey(ctx context.Context, key string, fn func(context.Context, *tenancy.Tenant) error) error {
	if cp.closed.Load() {
		return ErrClosed
	}
	tenant, err := cp.store.ByAPIKey(ctx, key)
	if err != nil {
		return err
	}
	return cp.tenancy.Run(ctx, tenant, fn)
}

// ForEachTenant runs fn once per stored tenant, in slug order, stopping at
// the first failure.
func (cp *ControlPlane) ForEachTenant(ctx context.Context, fn func(context.Context, *tenancy.Tenant) error) error {
	if cp.closed.Load() {
		return ErrClosed
	}
	tenants, err := cp.store.List(ctx)
	if err != nil {
		return err
	}
	return cp.tenancy.RunForMultiple(ctx, tenants, fn)
}

// ChatRequest is a customer message for the active tenant's agent.
type ChatRequest struct {
	CustomerID      string
	Message         string
	HasImages       bool
	EstimatedTokens int
	SentimentScore  float64
}

// ChatResponse reports how a message was routed and the agent's reply.
type ChatResponse struct {
	TenantID   string              `json:"tenant_id"`
	CustomerID string              `json:"customer_id"`
	SessionKey string              `json:"session_key"`
	Model      string              `json:"model_used"`
	Reason     tenancy.RouteReason `json:"routing_reason"`
	Escalate   bool                `json:"escalate"`
	MessageID  string              `json:"message_id,omitempty"`
	Response   string              `json:"response,omitempty"`
}

// SessionKey is the gateway session key of a customer conversation.
func SessionKey(agentID, customerID string) string {
	return "agent:" + agentID + ":customer-" + customerID
}

func (cp *ControlPlane) active() (*tenancy.Tenant, string, error) {
	tenant := cp.tenancy.Tenant()
	if tenant == nil || !cp.tenancy.Initialized() {
		return nil, "", ErrNoTenant
	}
	_, agentID := cp.bound.get()
	if agentID == "" {
		return nil, "", ErrNoTenant
	}
	return tenant, agentID, nil
}

// SendChat routes req to the active tenant's agent. The model is chosen by
// the tenant's routing rules.
func (cp *ControlPlane) SendChat(ctx context.Context, req ChatRequest) (ChatResponse, error) {
	tenant, agentID, err := cp.active()
	if err != nil {
		return ChatResponse{}, err
	}
	ctx, cid := correlation.Ensure(ctx)
	if tenant.Status != tenancy.StatusActive {
		return ChatResponse{}, fmt.Errorf("%w: %s is %s", ErrTenantInactive, tenant.ID, tenant.Status)
	}
	if strings.TrimSpace(req.CustomerID) == "" {
		return ChatResponse{}, fmt.Errorf("tenantd: customer id required")
	}
	analysis := tenancy.MessageAnalysis{
		HasImages:       req.HasImages,
		EstimatedTokens: req.EstimatedTokens,
		SentimentScore:  req.SentimentScore,
	}
	model, reason := tenancy.PickModel(tenant.Config.ModelRouting, analysis)
	out := ChatResponse{
		TenantID:   tenant.ID,
		CustomerID: req.CustomerID,
		SessionKey: SessionKey(agentID, req.CustomerID),
		Model:      model,
		Reason:     reason,
		Escalate:   tenancy.ShouldEscalate(tenant.Config.ModelRouting, analysis),
	}
	res, err := cp.client.ChatSend(ctx, api.ChatSendParams{
		SessionKey: out.SessionKey,
		Message:    req.Message,
		AgentID:    agentID,
	})
	if err != nil {
		return out, err
	}
	out.MessageID = res.MessageID
	out.Response = res.Response
	cp.logger.Debug("controlplane.chat.sent",
		correlation.LogKey, cid,
		"tenant_id", tenant.ID,
		"agent_id", agentID,
		"model", model,
		"reason", string(reason),
	)
	return out, nil
}

// History returns recent messages of a customer's session with the active
// tenant's agent.
func (cp *ControlPlane) History(ctx context.Context, customerID string, limit int) ([]api.ChatMessage, error) {
	_, agentID, err := cp.active()
	if err != nil {
		return nil, err
	}
	return cp.client.ChatHistory(ctx, SessionKey(agentID, customerID), limit)
}

// Sessions lists the active tenant's sessions seen within activeMinutes
// (0 means any).
func (cp *ControlPlane) Sessions(ctx context.Context, activeMinutes, limit int) ([]api.SessionEntry, error) {
	_, agentID, err := cp.active()
	if err != nil {
		return nil, err
	}
	return cp.client.SessionsList(ctx, api.SessionsListParams{
		AgentID:       agentID,
		ActiveMinutes: activeMinutes,
		Limit:         limit,
	})
}

// WorkspacePath returns the active tenant's workspace directory.
func (cp *ControlPlane) WorkspacePath() (string, error) {
	if _, _, err := cp.active(); err != nil {
		return "", err
	}
	dir, _ := cp.bound.get()
	return dir, nil
}

// Agents lists the gateway's registered agents.
func (cp *ControlPlane) Agents(ctx context.Context) ([]api.AgentConfig, error) {
	return cp.registry.ListAgents(ctx)
}

// Connected reports whether the gateway connection is open.
func (cp *ControlPlane) Connected() bool {
	return cp.client.Connected()
}

// Close ends any tenant context, closes the gateway connection and stops
// telemetry.
func (cp *ControlPlane) Close() error {
	cp.closeOnce.Do(func() {
		cp.closed.Store(true)
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		cp.tenancy.End(ctx)
		cp.closeErr = cp.shutdown(ctx)
		cp.logger.Info("controlplane.closed")
	})
	return cp.closeErr
}

func (cp *ControlPlane) shutdown(ctx context.Context) error {
	var errs []error
	if cp.stopWatch != nil {
		cp.stopWatch()
	}
	if cp.client != nil {
		if err := cp.client.Close(); err != nil {
			errs = append(errs, err)
		}
	}
	if err := cp.telemetry.Shutdown(ctx); err != nil {
		errs = append(errs, err)
	}
	return errors.Join(errs...)
}
