package tenancy

import (
	"errors"
	"fmt"
	"strings"
	"time"
)

// Status is the lifecycle status of a tenant record.
type Status string

// Tenant statuses.
const (
	StatusProvisioning Status = "provisioning"
	StatusActive       Status = "active"
	StatusPaused       Status = "paused"
	StatusSuspended    Status = "suspended"
	StatusDeleting     Status = "deleting"
)

const (
	// DefaultEscalationSentiment is the sentiment score at or below which a
	// conversation is handed to a human.
	DefaultEscalationSentiment = -0.5
	// DefaultLongContextThreshold is the estimated token count above which the
	// long-context model is used.
	DefaultLongContextThreshold = 100_000
	// DefaultConfidenceThreshold is the minimum answer confidence.
	DefaultConfidenceThreshold = 0.7
)

// ModelRoutingConfig selects the model an agent answers with.
type ModelRoutingConfig struct {
	Primary             string   `json:"primary" yaml:"primary"`
	Fallbacks           []string `json:"fallbacks,omitempty" yaml:"fallbacks,omitempty"`
	EscalationSentiment float64  `json:"escalation_sentiment" yaml:"escalation_sentiment"`
	// VisionModel overrides Primary when the message carries images.
	VisionModel string `json:"vision_model,omitempty" yaml:"vision_model,omitempty"`
	// LongContextModel overrides Primary above LongContextThreshold tokens.
	LongContextModel     string `json:"long_context_model,omitempty" yaml:"long_context_model,omitempty"`
	LongContextThreshold int    `json:"long_context_threshold" yaml:"long_context_threshold"`
}

// TenantConfig is the per-tenant agent configuration.
type TenantConfig struct {
	ModelRouting        ModelRoutingConfig `json:"model_routing" yaml:"model_routing"`
	ConfidenceThreshold float64            `json:"confidence_threshold" yaml:"confidence_threshold"`
	KnowledgeBaseID     string             `json:"knowledge_base_id,omitempty" yaml:"knowledge_base_id,omitempty"`
	SystemPrompt        string             `json:"system_prompt,omitempty" yaml:"system_prompt,omitempty"`
	AfterHoursThreshold *float64           `json:"after_hours_threshold,omitempty" yaml:"after_hours_threshold,omitempty"`
}

// Tenant is the tenant record the lifecycle and provisioning operate on.
// Identity is the ID; two values with equal IDs are the same tenant.
type Tenant struct {
	ID        string       `json:"id" yaml:"id"`
	Name      string       `json:"name" yaml:"name"`
	Slug      string       `json:"slug" yaml:"slug"`
	Status    Status       `json:"status" yaml:"status"`
	Config    TenantConfig `json:"config" yaml:"config"`
	AgentID   string       `json:"agent_id,omitempty" yaml:"agent_id,omitempty"`
	CreatedAt time.Time    `json:"created_at" yaml:"created_at"`
	UpdatedAt time.Time    `json:"updated_at" yaml:"updated_at"`
}

// ErrInvalidTenant is wrapped by Validate failures.
var ErrInvalidTenant = errors.New("tenancy: invalid tenant")

// ApplyDefaults fills zero-valued tuning fields with their defaults.
func (t *Tenant) ApplyDefaults() {
	if t.Status == "" {
		t.Status = StatusProvisioning
	}
	if t.Config.ConfidenceThreshold == 0 {
		t.Config.ConfidenceThreshold = DefaultConfidenceThreshold
	}
	if t.Config.ModelRouting.EscalationSentiment == 0 {
		t.Config.ModelRouting.EscalationSentiment = DefaultEscalationSentiment
	}
	if t.Config.ModelRouting.LongContextThreshold <= 0 {
		t.Config.ModelRouting.LongContextThreshold = DefaultLongContextThreshold
	}
}

// Validate checks the fields provisioning depends on.
func (t *Tenant) Validate() error {
	if t == nil {
		return fmt.Errorf("%w: nil", ErrInvalidTenant)
	}
	if strings.TrimSpace(t.ID) == "" {
		return fmt.Errorf("%w: id required", ErrInvalidTenant)
	}
	if !ValidSlug(t.Slug) {
		return fmt.Errorf("%w: slug %q must be lowercase letters, digits and dashes", ErrInvalidTenant, t.Slug)
	}
	if strings.TrimSpace(t.Config.ModelRouting.Primary) == "" {
		return fmt.Errorf("%w: primary model required", ErrInvalidTenant)
	}
	return nil
}

// ValidSlug reports whether slug is non-empty, made of [a-z0-9-] and does
// not start or end with a dash.
func ValidSlug(slug string) bool {
	if slug == "" || slug[0] == '-' || slug[len(slug)-1] == '-' {
		return false
	}
	for _, r := range slug {
		switch {
		case r >= 'a' && r <= 'z', r >= '0' && r <= '9', r == '-':
		default:
			return false
		}
	}
	return true
}

// MessageAnalysis summarises an inbound message for model routing.
type MessageAnalysis struct {
	HasImages       bool
	EstimatedTokens int
	// SentimentScore ranges from -1 (angry) to 1 (happy).
	SentimentScore float64
}

// RouteReason explains which rule PickModel applied.
type RouteReason string

// Routing reasons.
const (
	RouteVision      RouteReason = "vision"
	RouteLongContext RouteReason = "long_context"
	RoutePrimary     RouteReason = "primary"
)

// PickModel selects the model for a message: the vision model when images
// are present and one is configured, then the long-context model when the
// estimate exceeds the threshold, otherwise the primary model.
func PickModel(cfg ModelRoutingConfig, analysis MessageAnalysis) (string, RouteReason) {
	if analysis.HasImages && cfg.VisionModel != "" {
		return cfg.VisionModel, RouteVision
	}
	threshold := cfg.LongContextThreshold
	if threshold <= 0 {
		threshold = DefaultLongContextThreshold
	}
	if analysis.EstimatedTokens > threshold && cfg.LongContextModel != "" {
		return cfg.LongContextModel, RouteLongContext
	}
	return cfg.Primary, RoutePrimary
}

// ShouldEscalate reports whether the message sentiment is at or below the
// tenant's escalation threshold.
func ShouldEscalate(cfg ModelRoutingConfig, analysis MessageAnalysis) bool {
	return analysis.SentimentScore <= cfg.EscalationSentiment
}
