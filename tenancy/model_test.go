package tenancy

import (
	"errors"
	"testing"
)

func TestPickModel(t *testing.T) {
	cfg := ModelRoutingConfig{
		Primary:              "azure/gpt-4o",
		VisionModel:          "openai/gpt-4o-vision",
		LongContextModel:     "anthropic/claude-long",
		LongContextThreshold: 1000,
	}
	cases := []struct {
		name     string
		cfg      ModelRoutingConfig
		analysis MessageAnalysis
		model    string
		reason   RouteReason
	}{
		{"plain", cfg, MessageAnalysis{EstimatedTokens: 10}, "azure/gpt-4o", RoutePrimary},
		{"images", cfg, MessageAnalysis{HasImages: true, EstimatedTokens: 5000}, "openai/gpt-4o-vision", RouteVision},
		{"long", cfg, MessageAnalysis{EstimatedTokens: 1001}, "anthropic/claude-long", RouteLongContext},
		{"at threshold", cfg, MessageAnalysis{EstimatedTokens: 1000}, "azure/gpt-4o", RoutePrimary},
		{"images without vision model", ModelRoutingConfig{Primary: "p"}, MessageAnalysis{HasImages: true}, "p", RoutePrimary},
		{"default threshold", ModelRoutingConfig{Primary: "p", LongContextModel: "l"}, MessageAnalysis{EstimatedTokens: 100_001}, "l", RouteLongContext},
	}
	for _, tc := range cases {
		model, reason := PickModel(tc.cfg, tc.analysis)
		if model != tc.model || reason != tc.reason {
			t.Fatalf("%s: got %s/%s want %s/%s", tc.name, model, reason, tc.model, tc.reason)
		}
	}
}

func TestShouldEscalate(t *testing.T) {
	cfg := ModelRoutingConfig{EscalationSentiment: -0.5}
	if !ShouldEscalate(cfg, MessageAnalysis{SentimentScore: -0.8}) {
		t.Fatalf("angry message should escalate")
	}
	if ShouldEscalate(cfg, MessageAnalysis{SentimentScore: 0.2}) {
		t.Fatalf("happy message should not escalate")
	}
}

func TestValidSlug(t *testing.T) {
	good := []string{"acme", "acme-corp", "a1", "9"}
	bad := []string{"", "-acme", "acme-", "Acme", "acme_corp", "acme corp", "acme/../x"}
	for _, s := range good {
		if !ValidSlug(s) {
			t.Fatalf("%q should be valid", s)
		}
	}
	for _, s := range bad {
		if ValidSlug(s) {
			t.Fatalf("%q should be invalid", s)
		}
	}
}

func TestTenantValidateAndDefaults(t *testing.T) {
	tenant := &Tenant{ID: "t1", Slug: "acme", Config: TenantConfig{ModelRouting: ModelRoutingConfig{Primary: "p"}}}
	if err := tenant.Validate(); err != nil {
		t.Fatalf("validate: %v", err)
	}
	tenant.ApplyDefaults()
	if tenant.Status != StatusProvisioning {
		t.Fatalf("unexpected status %q", tenant.Status)
	}
	if tenant.Config.ConfidenceThreshold != DefaultConfidenceThreshold ||
		tenant.Config.ModelRouting.EscalationSentiment != DefaultEscalationSentiment ||
		tenant.Config.ModelRouting.LongContextThreshold != DefaultLongContextThreshold {
		t.Fatalf("defaults not applied: %+v", tenant.Config)
	}

	invalid := []*Tenant{
		nil,
		{Slug: "acme", Config: tenant.Config},
		{ID: "t1", Slug: "Bad Slug", Config: tenant.Config},
		{ID: "t1", Slug: "acme"},
	}
	for i, tn := range invalid {
		if err := tn.Validate(); !errors.Is(err, ErrInvalidTenant) {
			t.Fatalf("case %d: expected ErrInvalidTenant, got %v", i, err)
		}
	}
}
