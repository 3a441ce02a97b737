// Package tenancy tracks which tenant the process is currently acting for and
// runs the bootstrapper chain that establishes and tears down that context.
//
// A Context is either idle (no tenant) or active for exactly one tenant.
// Initialize runs every configured Bootstrapper in order; End reverts the
// completed ones in reverse. Run, Central and RunForMultiple switch context
// around a callback and always restore what was active before.
//
// All five operations are serialized. The ctx handed to callbacks records
// that the caller already holds the lifecycle, so a callback may itself call
// Initialize, End or Run with that ctx without deadlocking. Callers must not
// hand that ctx to goroutines that outlive the callback.
package tenancy

import (
	"context"
	"errors"
	"sync"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"

	"pkt.systems/pslog"
	"pkt.systems/tenantd/internal/svcfields"
)

// ErrNilTenant is returned when a nil tenant is passed to an operation.
var ErrNilTenant = errors.New("tenancy: nil tenant")

// Context is the tenant lifecycle state machine.
type Context struct {
	bootstrappers []Bootstrapper
	logger        pslog.Logger

	revertFailures metric.Int64Counter
	transitions    metric.Int64Counter

	opMu sync.Mutex

	stateMu     sync.RWMutex
	tenant      *Tenant
	initialized bool
	completed   []Bootstrapper
}

// Option customises a Context.
type Option func(*Context)

// WithLogger sets the lifecycle logger.
func WithLogger(logger pslog.Logger) Option {
	return func(c *Context) {
		c.logger = logger
	}
}

// New returns an idle Context running bootstrappers in the given order.
func New(bootstrappers []Bootstrapper, opts ...Option) *Context {
	c := &Context{bootstrappers: append([]Bootstrapper(nil), bootstrappers...)}
	for _, opt := range opts {
		if opt != nil {
			opt(c)
		}
	}
	c.logger = svcfields.WithSubsystem(c.logger, "tenancy")
	c.initMetrics()
	return c
}

type heldKey struct {
	c *Context
}

// acquire serializes lifecycle operations. A ctx already carrying this
// Context's marker is running inside a callback that holds the lock.
func (c *Context) acquire(ctx context.Context) (context.Context, func()) {
	if ctx == nil {
		ctx = context.Background()
	}
	if held, _ := ctx.Value(heldKey{c}).(bool); held {
		return ctx, func() {}
	}
	c.opMu.Lock()
	return context.WithValue(ctx, heldKey{c}, true), c.opMu.Unlock
}

// Tenant returns the tenant being initialized or active, or nil.
func (c *Context) Tenant() *Tenant {
	c.stateMu.RLock()
	defer c.stateMu.RUnlock()
	return c.tenant
}

// Initialized reports whether a tenant context is fully established.
func (c *Context) Initialized() bool {
	c.stateMu.RLock()
	defer c.stateMu.RUnlock()
	return c.initialized
}

// Active returns the names of the bootstrappers currently applied, in the
// order they ran.
func (c *Context) Active() []string {
	c.stateMu.RLock()
	defer c.stateMu.RUnlock()
	names := make([]string, 0, len(c.completed))
	for _, b := range c.completed {
		names = append(names, b.Name())
	}
	return names
}

// Initialize establishes tenant's context. It is a no-op when tenant (by ID)
// is already active; a different active tenant is ended first. When a
// bootstrapper fails, the steps completed so far are reverted in reverse
// order, the Context returns to idle and a *BootstrapError is returned.
func (c *Context) Initialize(ctx context.Context, tenant *Tenant) error {
	ctx, release := c.acquire(ctx)
	defer release()
	return c.initialize(ctx, tenant)
}

// End reverts the active tenant's bootstrappers in reverse order and returns
// to idle. Revert failures are logged and counted but never stop the
// remaining reverts. End is a no-op when idle.
func (c *Context) End(ctx context.Context) {
	ctx, release := c.acquire(ctx)
	defer release()
	c.end(ctx)
}

// Run executes fn in tenant's context and then restores the previously
// active tenant, or idle, whether fn failed or panicked. A restore failure is
// joined after fn's error.
func (c *Context) Run(ctx context.Context, tenant *Tenant, fn func(context.Context, *Tenant) error) error {
	ctx, release := c.acquire(ctx)
	defer release()

	previous := c.current()
	defer c.restoreOnPanic(ctx, previous)
	err := c.initialize(ctx, tenant)
	if err == nil && fn != nil {
		err = fn(ctx, tenant)
	}
	return joinRestore(err, c.restore(ctx, previous))
}

// Central executes fn with no tenant active. fn receives the tenant that was
// active before, or nil. That tenant is re-initialized afterwards even when
// fn fails or panics.
func (c *Context) Central(ctx context.Context, fn func(context.Context, *Tenant) error) error {
	ctx, release := c.acquire(ctx)
	defer release()

	previous := c.current()
	defer c.restoreOnPanic(ctx, previous)
	c.end(ctx)
	var err error
	if fn != nil {
		err = fn(ctx, previous)
	}
	var restoreErr error
	if previous != nil {
		restoreErr = c.initialize(ctx, previous)
	}
	return joinRestore(err, restoreErr)
}

// RunForMultiple initializes each tenant in turn and calls fn for it without
// ending in between. Iteration stops at the first failure. Afterwards, panic
// included, the tenant active before the call is restored, or the Context is
// ended.
func (c *Context) RunForMultiple(ctx context.Context, tenants []*Tenant, fn func(context.Context, *Tenant) error) error {
	ctx, release := c.acquire(ctx)
	defer release()

	previous := c.current()
	defer c.restoreOnPanic(ctx, previous)
	var err error
	for _, tenant := range tenants {
		if err = c.initialize(ctx, tenant); err != nil {
			break
		}
		if fn != nil {
			if err = fn(ctx, tenant); err != nil {
				break
			}
		}
	}
	return joinRestore(err, c.restore(ctx, previous))
}

func (c *Context) current() *Tenant {
	c.stateMu.RLock()
	defer c.stateMu.RUnlock()
	if !c.initialized {
		return nil
	}
	return c.tenant
}

func (c *Context) initialize(ctx context.Context, tenant *Tenant) error {
	if tenant == nil {
		return ErrNilTenant
	}
	c.stateMu.RLock()
	same := c.initialized && c.tenant != nil && c.tenant.ID == tenant.ID
	switching := c.initialized
	c.stateMu.RUnlock()
	if same {
		return nil
	}
	if switching {
		c.end(ctx)
	}

	c.setState(tenant, false, nil)
	logger := c.logger.With("tenant_id", tenant.ID)
	completed := make([]Bootstrapper, 0, len(c.bootstrappers))
	for _, b := range c.bootstrappers {
		if err := b.Bootstrap(ctx, tenant); err != nil {
			logger.Warn("tenancy.bootstrap.failed", "bootstrapper", b.Name(), "completed", len(completed), "error", err)
			c.revert(ctx, completed, logger)
			c.setState(nil, false, nil)
			c.recordTransition(ctx, "bootstrap_failed")
			return &BootstrapError{Name: b.Name(), TenantID: tenant.ID, Err: err}
		}
		completed = append(completed, b)
		c.setState(tenant, false, completed)
	}
	c.setState(tenant, true, completed)
	c.recordTransition(ctx, "initialized")
	logger.Debug("tenancy.initialized", "bootstrappers", len(completed))
	return nil
}

func (c *Context) end(ctx context.Context) {
	c.stateMu.RLock()
	initialized := c.initialized
	tenant := c.tenant
	completed := c.completed
	c.stateMu.RUnlock()
	if !initialized {
		return
	}
	logger := c.logger
	if tenant != nil {
		logger = logger.With("tenant_id", tenant.ID)
	}
	c.revert(ctx, completed, logger)
	c.setState(nil, false, nil)
	c.recordTransition(ctx, "ended")
	logger.Debug("tenancy.ended")
}

// restoreOnPanic is deferred by the scoped operations so a panicking
// callback still leaves the Context as it found it. The panic is re-raised.
func (c *Context) restoreOnPanic(ctx context.Context, previous *Tenant) {
	r := recover()
	if r == nil {
		return
	}
	if err := c.restore(ctx, previous); err != nil {
		c.logger.Error("tenancy.restore.failed", "reason", "panic", "error", err)
	}
	c.recordTransition(ctx, "panic_restored")
	panic(r)
}

func (c *Context) restore(ctx context.Context, previous *Tenant) error {
	if previous != nil {
		return c.initialize(ctx, previous)
	}
	c.end(ctx)
	return nil
}

// revert undoes completed in reverse order. Each failure is isolated.
func (c *Context) revert(ctx context.Context, completed []Bootstrapper, logger pslog.Logger) {
	for i := len(completed) - 1; i >= 0; i-- {
		b := completed[i]
		if err := b.Revert(ctx); err != nil {
			logger.Error("tenancy.revert.failed", "bootstrapper", b.Name(), "error", err)
			if c.revertFailures != nil {
				c.revertFailures.Add(ctx, 1, metric.WithAttributes(attribute.String("bootstrapper", b.Name())))
			}
		}
	}
}

func (c *Context) setState(tenant *Tenant, initialized bool, completed []Bootstrapper) {
	c.stateMu.Lock()
	c.tenant = tenant
	c.initialized = initialized
	c.completed = completed
	c.stateMu.Unlock()
}

func (c *Context) initMetrics() {
	meter := otel.Meter("pkt.systems/tenantd/tenancy")
	var err error
	c.revertFailures, err = meter.Int64Counter(
		"tenantd.tenancy.revert_failures",
		metric.WithDescription("Bootstrapper reverts that returned an error"),
	)
	if err != nil {
		c.logger.Warn("tenancy.metrics.init_failed", "metric", "tenantd.tenancy.revert_failures", "error", err)
	}
	c.transitions, err = meter.Int64Counter(
		"tenantd.tenancy.transitions",
		metric.WithDescription("Tenant context transitions by kind"),
	)
	if err != nil {
		c.logger.Warn("tenancy.metrics.init_failed", "metric", "tenantd.tenancy.transitions", "error", err)
	}
}

func (c *Context) recordTransition(ctx context.Context, kind string) {
	if c.transitions == nil {
		return
	}
	c.transitions.Add(ctx, 1, metric.WithAttributes(attribute.String("kind", kind)))
}

func joinRestore(err, restoreErr error) error {
	switch {
	case restoreErr == nil:
		return err
	case err == nil:
		return restoreErr
	default:
		return errors.Join(err, restoreErr)
	}
}

// RunValue is Run for callbacks that produce a value.
func RunValue[T any](ctx context.Context, c *Context, tenant *Tenant, fn func(context.Context, *Tenant) (T, error)) (T, error) {
	var out T
	err := c.Run(ctx, tenant, func(ctx context.Context, t *Tenant) error {
		v, err := fn(ctx, t)
		out = v
		return err
	})
	if err != nil {
		var zero T
		return zero, err
	}
	return out, nil
}

// CentralValue is Central for callbacks that produce a value.
func CentralValue[T any](ctx context.Context, c *Context, fn func(context.Context, *Tenant) (T, error)) (T, error) {
	var out T
	err := c.Central(ctx, func(ctx context.Context, previous *Tenant) error {
		v, err := fn(ctx, previous)
		out = v
		return err
	})
	if err != nil {
		var zero T
		return zero, err
	}
	return out, nil
}
