package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"

	"github.com/dustin/go-humanize"
	"github.com/spf13/cobra"
	"github.com/spf13/pflag"
	"github.com/spf13/viper"

	"pkt.systems/pslog"
	"pkt.systems/tenantd"
	"pkt.systems/tenantd/internal/pathutil"
	"pkt.systems/tenantd/internal/svcfields"
	"pkt.systems/tenantd/internal/tenantstore"
)

func submain(ctx context.Context) int {
	baseLogger := pslog.LoggerFromEnv(context.Background(),
		pslog.WithEnvPrefix("TENANTD_LOG_"),
		pslog.WithEnvOptions(pslog.Options{Mode: pslog.ModeStructured, MinLevel: pslog.InfoLevel}),
		pslog.WithEnvWriter(os.Stderr),
	).With("app", "tenantd")
	cmd := newRootCommand(baseLogger)
	ctx = withSignalCancel(ctx)
	if _, err := cmd.ExecuteContextC(ctx); err != nil {
		if !errors.Is(err, context.Canceled) {
			fmt.Fprintf(os.Stderr, "%s\n", err)
		}
		return 1
	}
	return 0
}

// cli carries the state shared by every subcommand of one root command.
type cli struct {
	v          *viper.Viper
	baseLogger pslog.Logger
	logger     pslog.Logger
	configFile string
}

func newRootCommand(baseLogger pslog.Logger) *cobra.Command {
	c := &cli{v: viper.New(), baseLogger: baseLogger, logger: baseLogger}

	cmd := &cobra.Command{
		Use:           "tenantd",
		Short:         "tenantd provisions tenant agents on an agent gateway and routes their conversations",
		SilenceErrors: true,
		Example: `
  # Provision a tenant against a local gateway
  tenantd provision --id t-acme --name Acme --slug acme --model anthropic/claude-sonnet

  # Send a message as a customer of that tenant
  tenantd chat send --tenant t-acme --customer c1 "where is my order?"

  # Run the in-process gateway for development
  tenantd gateway-sim --listen 127.0.0.1:3001 --seed ./gateway.jsonc
`,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			cmd.SilenceUsage = true
			return c.prepare()
		},
	}

	defaultTenants := ""
	if path, err := tenantd.DefaultTenantsFile(); err == nil {
		defaultTenants = path
	}
	defaultWorkspaces := ""
	if dir, err := tenantd.DefaultWorkspaceDir(); err == nil {
		defaultWorkspaces = dir
	}

	flags := cmd.PersistentFlags()
	flags.String("config", "", "path to YAML config file (defaults to $HOME/.tenantd/config.yaml if present)")
	flags.String("gateway-url", tenantd.DefaultGatewayURL, "agent gateway websocket URL (ws:// or wss://)")
	flags.String("gateway-token", "", "bearer token presented to the gateway")
	flags.String("gateway-bundle", "", "PEM bundle with trusted CAs and an optional client certificate for wss:// gateways")
	flags.Duration("connect-timeout", tenantd.DefaultConnectTimeout, "gateway connect timeout")
	flags.Duration("request-timeout", tenantd.DefaultRequestTimeout, "per-request gateway timeout")
	flags.String("workspace-dir", defaultWorkspaces, "parent directory of tenant workspaces")
	flags.String("tenants-file", defaultTenants, "YAML tenant registry loaded at startup and saved after provisioning")
	flags.Bool("watch-tenants", false, "reload the tenants file when it changes")
	flags.Int("conflict-retries", tenantd.DefaultConflictRetries, "retries when the gateway config changed concurrently")
	flags.Duration("retry-base-delay", tenantd.DefaultRetryBaseDelay, "first conflict retry delay")
	flags.Duration("retry-max-delay", tenantd.DefaultRetryMaxDelay, "maximum conflict retry delay")
	flags.String("metrics-listen", "", "serve Prometheus metrics on this address (empty disables)")
	flags.String("pprof-listen", "", "serve net/http/pprof on this address (empty disables)")
	flags.Bool("enable-profiling-metrics", false, "add Go runtime metrics to the metrics endpoint")
	flags.String("otlp-endpoint", "", "OTLP collector endpoint (e.g. grpc://localhost:4317)")
	flags.String("log-level", "info", "log level (trace, debug, info, warn, error)")

	c.v.SetEnvPrefix("TENANTD")
	c.v.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	c.v.AutomaticEnv()
	flags.VisitAll(func(flag *pflag.Flag) {
		if err := c.v.BindPFlag(flag.Name, flag); err != nil {
			panic(err)
		}
	})

	cmd.AddCommand(newProvisionCommand(c))
	cmd.AddCommand(newDeprovisionCommand(c))
	cmd.AddCommand(newTenantsCommand(c))
	cmd.AddCommand(newAgentsCommand(c))
	cmd.AddCommand(newGatewayCommand(c))
	cmd.AddCommand(newChatCommand(c))
	cmd.AddCommand(newSessionsCommand(c))
	cmd.AddCommand(newWorkspacesCommand(c))
	cmd.AddCommand(newGatewaySimCommand(c))
	cmd.AddCommand(newConfigCommand(c))
	cmd.AddCommand(newVersionCommand())
	return cmd
}

// prepare loads the config file and applies the log level.
func (c *cli) prepare() error {
	path, err := c.loadConfigFile()
	if err != nil {
		return err
	}
	c.configFile = path
	c.logger = c.baseLogger
	if level, ok := pslog.ParseLevel(strings.TrimSpace(c.v.GetString("log-level"))); ok {
		c.logger = c.logger.LogLevel(level)
	}
	if path != "" {
		svcfields.WithSubsystem(c.logger, svcfields.Subsystem("cli", "config")).Debug("loaded config file", "path", path)
	}
	return nil
}

func (c *cli) loadConfigFile() (string, error) {
	cfgPath := strings.TrimSpace(c.v.GetString("config"))
	explicit := cfgPath != ""
	if cfgPath == "" {
		if dir, err := tenantd.DefaultConfigDir(); err == nil {
			candidate := filepath.Join(dir, tenantd.DefaultConfigFileName)
			if _, err := os.Stat(candidate); err == nil {
				cfgPath = candidate
			}
		}
	}
	if cfgPath == "" {
		return "", nil
	}
	expanded, err := pathutil.ExpandUserAndEnv(cfgPath)
	if err != nil {
		return "", fmt.Errorf("expand config path %q: %w", cfgPath, err)
	}
	info, err := os.Stat(expanded)
	if err != nil {
		if os.IsNotExist(err) && !explicit {
			return "", nil
		}
		return "", fmt.Errorf("config file %q: %w", expanded, err)
	}
	if info.IsDir() {
		return "", fmt.Errorf("config file %q is a directory", expanded)
	}
	c.v.SetConfigFile(expanded)
	if err := c.v.ReadInConfig(); err != nil {
		return "", fmt.Errorf("read config file %q: %w", expanded, err)
	}
	return expanded, nil
}

// config binds flags, environment and config file into a tenantd.Config.
func (c *cli) config() tenantd.Config {
	return tenantd.Config{
		GatewayURL:             c.v.GetString("gateway-url"),
		GatewayToken:           c.v.GetString("gateway-token"),
		GatewayBundle:          c.v.GetString("gateway-bundle"),
		ConnectTimeout:         c.v.GetDuration("connect-timeout"),
		RequestTimeout:         c.v.GetDuration("request-timeout"),
		WorkspaceDir:           c.v.GetString("workspace-dir"),
		TenantsFile:            c.v.GetString("tenants-file"),
		WatchTenants:           c.v.GetBool("watch-tenants"),
		ConflictRetries:        c.v.GetInt("conflict-retries"),
		ConflictRetriesSet:     true,
		RetryBaseDelay:         c.v.GetDuration("retry-base-delay"),
		RetryMaxDelay:          c.v.GetDuration("retry-max-delay"),
		MetricsListen:          c.v.GetString("metrics-listen"),
		PprofListen:            c.v.GetString("pprof-listen"),
		EnableProfilingMetrics: c.v.GetBool("enable-profiling-metrics"),
		OTLPEndpoint:           c.v.GetString("otlp-endpoint"),
	}
}

func (c *cli) open(ctx context.Context) (*tenantd.ControlPlane, tenantd.Config, error) {
	cfg := c.config()
	if err := cfg.Validate(); err != nil {
		return nil, cfg, err
	}
	cp, err := tenantd.New(ctx, cfg, tenantd.WithLogger(c.logger))
	if err != nil {
		return nil, cfg, err
	}
	return cp, cfg, nil
}

// persist writes the tenant store back to the tenants file.
func (c *cli) persist(cp *tenantd.ControlPlane, cfg tenantd.Config) error {
	if cfg.TenantsFile == "" {
		return nil
	}
	mem, ok := cp.Store().(*tenantstore.Memory)
	if !ok {
		return nil
	}
	if err := os.MkdirAll(filepath.Dir(cfg.TenantsFile), 0o755); err != nil {
		return fmt.Errorf("create tenants dir: %w", err)
	}
	if err := mem.SaveFile(cfg.TenantsFile); err != nil {
		return err
	}
	svcfields.WithSubsystem(c.logger, svcfields.Subsystem("cli", "store")).Debug("tenants saved", "path", cfg.TenantsFile)
	return nil
}

func humanizeBytes(n uint64) string {
	return strings.ReplaceAll(humanize.Bytes(n), " ", "")
}

func writeJSON(out io.Writer, v any) error {
	enc := json.NewEncoder(out)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func withSignalCancel(ctx context.Context) context.Context {
	ctx, cancel := context.WithCancel(ctx)
	signals := make(chan os.Signal, 1)
	signal.Notify(signals, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		select {
		case <-signals:
			cancel()
		case <-ctx.Done():
		}
		signal.Stop(signals)
	}()
	return ctx
}
