package main

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"pkt.systems/tenantd"
)

func newConfigCommand(c *cli) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "config",
		Short: "Manage tenantd configuration files",
	}
	cmd.AddCommand(newConfigGenCommand(), newConfigShowCommand(c))
	return cmd
}

func newConfigGenCommand() *cobra.Command {
	var outPath string
	var force bool
	var stdout bool
	defaultOutput := "$HOME/.tenantd/config.yaml"
	if dir, err := tenantd.DefaultConfigDir(); err == nil {
		defaultOutput = filepath.Join(dir, tenantd.DefaultConfigFileName)
	}

	cmd := &cobra.Command{
		Use:   "gen",
		Short: "Generate a default tenantd configuration file",
		RunE: func(cmd *cobra.Command, args []string) error {
			if stdout && outPath != "" {
				return fmt.Errorf("--stdout and --out are mutually exclusive")
			}
			data, err := defaultConfigYAML()
			if err != nil {
				return err
			}
			if stdout {
				_, err := cmd.OutOrStdout().Write(data)
				return err
			}
			if outPath == "" {
				dir, err := tenantd.DefaultConfigDir()
				if err != nil {
					return fmt.Errorf("resolve config dir: %w", err)
				}
				outPath = filepath.Join(dir, tenantd.DefaultConfigFileName)
			}
			if err := os.MkdirAll(filepath.Dir(outPath), 0o755); err != nil {
				return fmt.Errorf("create config dir: %w", err)
			}
			if !force {
				if _, err := os.Stat(outPath); err == nil {
					return fmt.Errorf("config file %s already exists (use --force to overwrite)", outPath)
				} else if !errors.Is(err, os.ErrNotExist) {
					return fmt.Errorf("stat config file: %w", err)
				}
			}
			if err := os.WriteFile(outPath, data, 0o600); err != nil {
				return fmt.Errorf("write config file: %w", err)
			}
			fmt.Fprintf(cmd.OutOrStdout(), "wrote default config to %s\n", outPath)
			return nil
		},
	}
	cmd.Flags().StringVar(&outPath, "out", "", fmt.Sprintf("output path for generated config (defaults to %s)", defaultOutput))
	cmd.Flags().BoolVar(&force, "force", false, "overwrite the target file if it already exists")
	cmd.Flags().BoolVar(&stdout, "stdout", false, "print the config to stdout instead of writing a file")
	return cmd
}

func newConfigShowCommand(c *cli) *cobra.Command {
	return &cobra.Command{
		Use:   "show",
		Short: "Print the effective configuration after flags, environment and config file",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg := c.config()
			if err := cfg.Validate(); err != nil {
				return err
			}
			if cfg.GatewayToken != "" {
				cfg.GatewayToken = "<redacted>"
			}
			return writeJSON(cmd.OutOrStdout(), cfg)
		},
	}
}

type configDefaults struct {
	GatewayURL             string `yaml:"gateway-url"`
	GatewayToken           string `yaml:"gateway-token"`
	GatewayBundle          string `yaml:"gateway-bundle"`
	ConnectTimeout         string `yaml:"connect-timeout"`
	RequestTimeout         string `yaml:"request-timeout"`
	WorkspaceDir           string `yaml:"workspace-dir"`
	TenantsFile            string `yaml:"tenants-file"`
	WatchTenants           bool   `yaml:"watch-tenants"`
	ConflictRetries        int    `yaml:"conflict-retries"`
	RetryBaseDelay         string `yaml:"retry-base-delay"`
	RetryMaxDelay          string `yaml:"retry-max-delay"`
	MetricsListen          string `yaml:"metrics-listen"`
	PprofListen            string `yaml:"pprof-listen"`
	EnableProfilingMetrics bool   `yaml:"enable-profiling-metrics"`
	OTLPEndpoint           string `yaml:"otlp-endpoint"`
	LogLevel               string `yaml:"log-level"`
}

func defaultConfigYAML(overrides ...func(*configDefaults)) ([]byte, error) {
	workspaceDir := ""
	if dir, err := tenantd.DefaultWorkspaceDir(); err == nil {
		workspaceDir = dir
	}
	tenantsFile := ""
	if path, err := tenantd.DefaultTenantsFile(); err == nil {
		tenantsFile = path
	}
	defaults := configDefaults{
		GatewayURL:      tenantd.DefaultGatewayURL,
		ConnectTimeout:  tenantd.DefaultConnectTimeout.String(),
		RequestTimeout:  tenantd.DefaultRequestTimeout.String(),
		WorkspaceDir:    workspaceDir,
		TenantsFile:     tenantsFile,
		ConflictRetries: tenantd.DefaultConflictRetries,
		RetryBaseDelay:  tenantd.DefaultRetryBaseDelay.String(),
		RetryMaxDelay:   tenantd.DefaultRetryMaxDelay.String(),
		LogLevel:        "info",
	}
	for _, fn := range overrides {
		if fn != nil {
			fn(&defaults)
		}
	}
	out, err := yaml.Marshal(&defaults)
	if err != nil {
		return nil, fmt.Errorf("marshal config: %w", err)
	}
	return out, nil
}
