package tenantd

import (
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"time"

	"pkt.systems/tenantd/gateway"
	"pkt.systems/tenantd/internal/pathutil"
)

const (
	// DefaultGatewayURL is the gateway websocket endpoint used when none is configured.
	DefaultGatewayURL = "ws://localhost:3001"
	// DefaultConnectTimeout bounds establishing the gateway connection.
	DefaultConnectTimeout = gateway.DefaultConnectTimeout
	// DefaultRequestTimeout bounds each gateway call.
	DefaultRequestTimeout = gateway.DefaultRequestTimeout
	// DefaultConflictRetries is how many times a conflicting registry patch is retried.
	DefaultConflictRetries = 3
	// DefaultRetryBaseDelay is the first conflict retry delay.
	DefaultRetryBaseDelay = 100 * time.Millisecond
	// DefaultRetryMaxDelay caps the conflict retry delay.
	DefaultRetryMaxDelay = 2 * time.Second
	// DefaultHistoryLimit is the chat history page size.
	DefaultHistoryLimit = gateway.DefaultHistoryLimit
	// DefaultSimListen is where "tenantd gateway-sim" listens by default.
	DefaultSimListen = "127.0.0.1:3001"
	// DefaultConfigFileName is the config file searched for when --config is omitted.
	DefaultConfigFileName = "config.yaml"
	// DefaultTenantsFileName is the tenants file name inside the config directory.
	DefaultTenantsFileName = "tenants.yaml"
	// DefaultWorkspaceDirName is the workspace directory name inside the config directory.
	DefaultWorkspaceDirName = "workspaces"
)

// Config captures the control plane configuration.
type Config struct {
	// GatewayURL is the ws:// or wss:// gateway endpoint.
	GatewayURL string
	// GatewayToken is presented as a bearer token on connect.
	GatewayToken string
	// GatewayBundle is a PEM bundle of trusted CAs and an optional client
	// certificate for wss:// gateways.
	GatewayBundle  string
	ConnectTimeout time.Duration
	RequestTimeout time.Duration

	// WorkspaceDir is the parent directory of tenant workspaces. "~" and
	// environment variables are expanded.
	WorkspaceDir string
	// TenantsFile optionally seeds the tenant store from YAML.
	TenantsFile string
	// WatchTenants reloads TenantsFile when it changes.
	WatchTenants bool

	// ConflictRetries is how many times a conflicting registry patch is
	// retried. ConflictRetriesSet distinguishes an explicit 0 from unset.
	ConflictRetries    int
	ConflictRetriesSet bool
	RetryBaseDelay     time.Duration
	RetryMaxDelay      time.Duration

	// MetricsListen serves Prometheus metrics when set.
	MetricsListen string
	// PprofListen serves net/http/pprof when set.
	PprofListen string
	// OTLPEndpoint enables trace export (grpc://, grpcs://, http://, https:// or host:port).
	OTLPEndpoint string
	// EnableProfilingMetrics adds Go runtime metrics to the metrics endpoint.
	EnableProfilingMetrics bool
}

// Validate applies defaults and checks the configuration.
func (c *Config) Validate() error {
	c.GatewayURL = strings.TrimSpace(c.GatewayURL)
	if c.GatewayURL == "" {
		c.GatewayURL = DefaultGatewayURL
	}
	u, err := url.Parse(c.GatewayURL)
	if err != nil {
		return fmt.Errorf("config: gateway url: %w", err)
	}
	switch strings.ToLower(u.Scheme) {
	case "ws", "wss":
	default:
		return fmt.Errorf("config: gateway url must use ws:// or wss://, got %q", c.GatewayURL)
	}
	if u.Host == "" {
		return fmt.Errorf("config: gateway url %q has no host", c.GatewayURL)
	}
	if strings.TrimSpace(c.GatewayBundle) != "" {
		if !strings.EqualFold(u.Scheme, "wss") {
			return fmt.Errorf("config: gateway bundle requires a wss:// gateway url")
		}
		if c.GatewayBundle, err = resolvePath(c.GatewayBundle); err != nil {
			return fmt.Errorf("config: gateway bundle: %w", err)
		}
	} else {
		c.GatewayBundle = ""
	}
	if c.ConnectTimeout == 0 {
		c.ConnectTimeout = DefaultConnectTimeout
	} else if c.ConnectTimeout < 0 {
		return fmt.Errorf("config: connect timeout must be > 0")
	}
	if c.RequestTimeout == 0 {
		c.RequestTimeout = DefaultRequestTimeout
	} else if c.RequestTimeout < 0 {
		return fmt.Errorf("config: request timeout must be > 0")
	}

	if strings.TrimSpace(c.WorkspaceDir) == "" {
		dir, err := DefaultWorkspaceDir()
		if err != nil {
			return fmt.Errorf("config: workspace dir: %w", err)
		}
		c.WorkspaceDir = dir
	}
	if c.WorkspaceDir, err = resolvePath(c.WorkspaceDir); err != nil {
		return fmt.Errorf("config: workspace dir: %w", err)
	}
	if strings.TrimSpace(c.TenantsFile) != "" {
		if c.TenantsFile, err = resolvePath(c.TenantsFile); err != nil {
			return fmt.Errorf("config: tenants file: %w", err)
		}
	} else {
		c.TenantsFile = ""
		if c.WatchTenants {
			return fmt.Errorf("config: watch-tenants requires a tenants file")
		}
	}

	if !c.ConflictRetriesSet && c.ConflictRetries == 0 {
		c.ConflictRetries = DefaultConflictRetries
	}
	if c.ConflictRetries < 0 {
		return fmt.Errorf("config: conflict retries must be >= 0")
	}
	if c.RetryBaseDelay == 0 {
		c.RetryBaseDelay = DefaultRetryBaseDelay
	}
	if c.RetryMaxDelay == 0 {
		c.RetryMaxDelay = DefaultRetryMaxDelay
	}
	if c.RetryBaseDelay < 0 || c.RetryMaxDelay < 0 {
		return fmt.Errorf("config: retry delays must be >= 0")
	}
	if c.RetryMaxDelay < c.RetryBaseDelay {
		return fmt.Errorf("config: retry max delay %s is below base delay %s", c.RetryMaxDelay, c.RetryBaseDelay)
	}

	c.MetricsListen = strings.TrimSpace(c.MetricsListen)
	c.PprofListen = strings.TrimSpace(c.PprofListen)
	c.OTLPEndpoint = strings.TrimSpace(c.OTLPEndpoint)
	if c.EnableProfilingMetrics && c.MetricsListen == "" {
		return fmt.Errorf("config: profiling metrics require metrics-listen")
	}
	if c.OTLPEndpoint != "" {
		if _, err := resolveOTLPTarget(c.OTLPEndpoint); err != nil {
			return fmt.Errorf("config: %w", err)
		}
	}
	return nil
}

// TelemetryEnabled reports whether any telemetry exporter is configured.
func (c Config) TelemetryEnabled() bool {
	return c.OTLPEndpoint != "" || c.MetricsListen != "" || c.PprofListen != ""
}

func resolvePath(p string) (string, error) {
	expanded, err := pathutil.ExpandUserAndEnv(p)
	if err != nil {
		return "", err
	}
	return filepath.Abs(expanded)
}

// DefaultConfigDir returns the default configuration directory ($HOME/.tenantd).
// TENANTD_CONFIG_DIR overrides it.
func DefaultConfigDir() (string, error) {
	if override := strings.TrimSpace(os.Getenv("TENANTD_CONFIG_DIR")); override != "" {
		return resolvePath(override)
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return "", err
	}
	return filepath.Join(home, ".tenantd"), nil
}

// DefaultWorkspaceDir returns the default workspace parent directory.
func DefaultWorkspaceDir() (string, error) {
	dir, err := DefaultConfigDir()
	if err != nil {
		return "", err
	}
	return filepath.Join(dir, DefaultWorkspaceDirName), nil
}

// DefaultTenantsFile returns the default tenants file location.
func DefaultTenantsFile() (string, error) {
	dir, err := DefaultConfigDir()
	if err != nil {
		return "", err
	}
	return filepath.Join(dir, DefaultTenantsFileName), nil
}
