package tenancy

import (
	"context"
	"fmt"
)

// Bootstrapper is one reversible step of establishing a tenant context.
// Revert is only called for bootstrappers whose Bootstrap succeeded.
type Bootstrapper interface {
	Name() string
	Bootstrap(ctx context.Context, tenant *Tenant) error
	Revert(ctx context.Context) error
}

type step struct {
	name string
	up   func(context.Context, *Tenant) error
	down func(context.Context) error
}

// Step adapts a pair of functions to Bootstrapper. Either may be nil.
func Step(name string, up func(context.Context, *Tenant) error, down func(context.Context) error) Bootstrapper {
	return step{name: name, up: up, down: down}
}

func (s step) Name() string {
	return s.name
}

func (s step) Bootstrap(ctx context.Context, tenant *Tenant) error {
	if s.up == nil {
		return nil
	}
	return s.up(ctx, tenant)
}

func (s step) Revert(ctx context.Context) error {
	if s.down == nil {
		return nil
	}
	return s.down(ctx)
}

// BootstrapError reports the bootstrapper that failed during Initialize.
// Every step completed before it has been reverted.
type BootstrapError struct {
	Name     string
	TenantID string
	Err      error
}

func (e *BootstrapError) Error() string {
	return fmt.Sprintf("tenancy: bootstrap %q for tenant %s: %v", e.Name, e.TenantID, e.Err)
}

// Unwrap returns the bootstrapper's own error.
func (e *BootstrapError) Unwrap() error {
	return e.Err
}
