// Package registry mutates the agent list held in the gateway configuration
// document using optimistic concurrency: every mutation is computed from a
// config.get snapshot and submitted with that snapshot's hash as baseHash.
// The gateway rejects the patch when the document changed in between, which
// surfaces here as a *ConflictError. The mutator does no locking, retrying or
// rollback of its own.
package registry

import (
	"context"
	"fmt"
	"strings"

	"pkt.systems/pslog"
	"pkt.systems/tenantd/api"
	"pkt.systems/tenantd/gateway"
	"pkt.systems/tenantd/internal/svcfields"
)

// ConfigClient is the subset of the gateway client the mutator needs.
// *gateway.Client satisfies it.
type ConfigClient interface {
	GetConfig(ctx context.Context) (api.ConfigSnapshot, error)
	PatchConfig(ctx context.Context, patch map[string]any, baseHash string) (api.ConfigPatchResult, error)
}

// Mutator edits the agents.list registry of the gateway configuration.
type Mutator struct {
	client ConfigClient
	logger pslog.Logger
}

// Option customises a Mutator.
type Option func(*Mutator)

// WithLogger sets the mutator logger.
func WithLogger(logger pslog.Logger) Option {
	return func(m *Mutator) {
		m.logger = logger
	}
}

// New returns a Mutator issuing calls through client.
func New(client ConfigClient, opts ...Option) *Mutator {
	m := &Mutator{client: client}
	for _, opt := range opts {
		if opt != nil {
			opt(m)
		}
	}
	m.logger = svcfields.WithSubsystem(m.logger, "registry")
	return m
}

// AddAgent appends agent to the registry. It fails with ErrDuplicateAgent,
// without sending a patch, when an entry with the same id exists.
func (m *Mutator) AddAgent(ctx context.Context, agent api.AgentConfig) error {
	id := strings.TrimSpace(agent.ID)
	if id == "" {
		return fmt.Errorf("registry: agent id required")
	}
	snap, err := m.client.GetConfig(ctx)
	if err != nil {
		return err
	}
	section, list, err := agentsSection(snap.Config)
	if err != nil {
		return err
	}
	if indexOf(list, id) >= 0 {
		return &EntryError{Op: "add", AgentID: id, Err: ErrDuplicateAgent}
	}
	entry, err := agent.Entry()
	if err != nil {
		return fmt.Errorf("registry: %w", err)
	}
	next := make([]any, 0, len(list)+1)
	next = append(next, list...)
	next = append(next, entry)
	if err := m.submit(ctx, "add", id, section, next, snap.Hash); err != nil {
		return err
	}
	m.logger.Info("registry.agent.added", "agent_id", id, "agents", len(next))
	return nil
}

// RemoveAgent drops every entry with id. Removing an absent agent succeeds
// without sending a patch.
func (m *Mutator) RemoveAgent(ctx context.Context, id string) error {
	id = strings.TrimSpace(id)
	if id == "" {
		return fmt.Errorf("registry: agent id required")
	}
	snap, err := m.client.GetConfig(ctx)
	if err != nil {
		return err
	}
	section, list, err := agentsSection(snap.Config)
	if err != nil {
		return err
	}
	next := make([]any, 0, len(list))
	for _, entry := range list {
		if entryID(entry) == id {
			continue
		}
		next = append(next, entry)
	}
	if len(next) == len(list) {
		m.logger.Debug("registry.agent.remove.absent", "agent_id", id)
		return nil
	}
	if err := m.submit(ctx, "remove", id, section, next, snap.Hash); err != nil {
		return err
	}
	m.logger.Info("registry.agent.removed", "agent_id", id, "agents", len(next))
	return nil
}

// UpdateAgent replaces the entry whose id matches agent.ID. It fails with
// ErrAgentNotFound, without sending a patch, when no such entry exists.
func (m *Mutator) UpdateAgent(ctx context.Context, agent api.AgentConfig) error {
	id := strings.TrimSpace(agent.ID)
	if id == "" {
		return fmt.Errorf("registry: agent id required")
	}
	snap, err := m.client.GetConfig(ctx)
	if err != nil {
		return err
	}
	section, list, err := agentsSection(snap.Config)
	if err != nil {
		return err
	}
	idx := indexOf(list, id)
	if idx < 0 {
		return &EntryError{Op: "update", AgentID: id, Err: ErrAgentNotFound}
	}
	entry, err := agent.Entry()
	if err != nil {
		return fmt.Errorf("registry: %w", err)
	}
	next := make([]any, len(list))
	copy(next, list)
	next[idx] = entry
	if err := m.submit(ctx, "update", id, section, next, snap.Hash); err != nil {
		return err
	}
	m.logger.Info("registry.agent.updated", "agent_id", id)
	return nil
}

// ListAgents returns the registry entries in document order. Entries that do
// not decode as agents are skipped.
func (m *Mutator) ListAgents(ctx context.Context) ([]api.AgentConfig, error) {
	snap, err := m.client.GetConfig(ctx)
	if err != nil {
		return nil, err
	}
	_, list, err := agentsSection(snap.Config)
	if err != nil {
		return nil, err
	}
	agents := make([]api.AgentConfig, 0, len(list))
	for _, raw := range list {
		entry, ok := raw.(map[string]any)
		if !ok {
			continue
		}
		agent, err := api.AgentFromEntry(entry)
		if err != nil {
			m.logger.Debug("registry.agent.decode_failed", "agent_id", entryID(raw), "error", err)
			continue
		}
		agents = append(agents, agent)
	}
	return agents, nil
}

// Agent returns the entry with id.
func (m *Mutator) Agent(ctx context.Context, id string) (api.AgentConfig, error) {
	agents, err := m.ListAgents(ctx)
	if err != nil {
		return api.AgentConfig{}, err
	}
	for _, agent := range agents {
		if agent.ID == id {
			return agent, nil
		}
	}
	return api.AgentConfig{}, &EntryError{Op: "get", AgentID: id, Err: ErrAgentNotFound}
}

func (m *Mutator) submit(ctx context.Context, op, id string, section map[string]any, list []any, baseHash string) error {
	agents := make(map[string]any, len(section)+1)
	for k, v := range section {
		agents[k] = v
	}
	agents[api.ConfigListKey] = list
	patch := map[string]any{api.ConfigAgentsKey: agents}
	if _, err := m.client.PatchConfig(ctx, patch, baseHash); err != nil {
		if gateway.IsRemoteCode(err, api.CodeConflict) {
			m.logger.Warn("registry.patch.conflict", "op", op, "agent_id", id, "base_hash", baseHash)
			return &ConflictError{Op: op, AgentID: id, BaseHash: baseHash, Err: err}
		}
		return err
	}
	return nil
}

// agentsSection extracts config.agents and its list. Both may be absent.
func agentsSection(config map[string]any) (map[string]any, []any, error) {
	raw, ok := config[api.ConfigAgentsKey]
	if !ok || raw == nil {
		return map[string]any{}, nil, nil
	}
	section, ok := raw.(map[string]any)
	if !ok {
		return nil, nil, fmt.Errorf("%w: agents is %T", ErrMalformedConfig, raw)
	}
	rawList, ok := section[api.ConfigListKey]
	if !ok || rawList == nil {
		return section, nil, nil
	}
	list, ok := rawList.([]any)
	if !ok {
		return nil, nil, fmt.Errorf("%w: agents.list is %T", ErrMalformedConfig, rawList)
	}
	return section, list, nil
}

func entryID(entry any) string {
	m, ok := entry.(map[string]any)
	if !ok {
		return ""
	}
	id, _ := m["id"].(string)
	return id
}

func indexOf(list []any, id string) int {
	for i, entry := range list {
		if entryID(entry) == id {
			return i
		}
	}
	return -1
}
