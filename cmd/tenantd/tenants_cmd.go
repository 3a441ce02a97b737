package main

import (
	"fmt"
	"os"
	"strings"
	"text/tabwriter"

	"github.com/dustin/go-humanize"
	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"pkt.systems/tenantd/tenancy"
)

type provisionFlags struct {
	file             string
	id               string
	name             string
	slug             string
	model            string
	fallbacks        []string
	visionModel      string
	longContextModel string
	systemPrompt     string
	knowledgeBaseID  string
}

func (f provisionFlags) tenant() (*tenancy.Tenant, error) {
	if f.file != "" {
		data, err := os.ReadFile(f.file)
		if err != nil {
			return nil, fmt.Errorf("read tenant file: %w", err)
		}
		var t tenancy.Tenant
		if err := yaml.Unmarshal(data, &t); err != nil {
			return nil, fmt.Errorf("parse tenant file %s: %w", f.file, err)
		}
		return &t, nil
	}
	if f.id == "" || f.slug == "" || f.model == "" {
		return nil, fmt.Errorf("--id, --slug and --model are required without --file")
	}
	name := f.name
	if name == "" {
		name = f.slug
	}
	return &tenancy.Tenant{
		ID:   f.id,
		Name: name,
		Slug: f.slug,
		Config: tenancy.TenantConfig{
			ModelRouting: tenancy.ModelRoutingConfig{
				Primary:          f.model,
				Fallbacks:        f.fallbacks,
				VisionModel:      f.visionModel,
				LongContextModel: f.longContextModel,
			},
			SystemPrompt:    f.systemPrompt,
			KnowledgeBaseID: f.knowledgeBaseID,
		},
	}, nil
}

func newProvisionCommand(c *cli) *cobra.Command {
	var f provisionFlags
	cmd := &cobra.Command{
		Use:   "provision",
		Short: "Create a tenant's workspace and register its agent",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			tenant, err := f.tenant()
			if err != nil {
				return err
			}
			cp, cfg, err := c.open(cmd.Context())
			if err != nil {
				return err
			}
			defer cp.Close()
			res, err := cp.Provision(cmd.Context(), tenant)
			if writeErr := writeJSON(cmd.OutOrStdout(), res); writeErr != nil {
				return writeErr
			}
			if err != nil {
				return err
			}
			return c.persist(cp, cfg)
		},
	}
	flags := cmd.Flags()
	flags.StringVarP(&f.file, "file", "f", "", "YAML tenant definition (overrides the other flags)")
	flags.StringVar(&f.id, "id", "", "tenant id")
	flags.StringVar(&f.name, "name", "", "display name (defaults to the slug)")
	flags.StringVar(&f.slug, "slug", "", "tenant slug ([a-z0-9-])")
	flags.StringVar(&f.model, "model", "", "primary model")
	flags.StringSliceVar(&f.fallbacks, "fallback", nil, "fallback model (repeatable)")
	flags.StringVar(&f.visionModel, "vision-model", "", "model used for messages with images")
	flags.StringVar(&f.longContextModel, "long-context-model", "", "model used for long messages")
	flags.StringVar(&f.systemPrompt, "system-prompt", "", "system prompt written to the workspace")
	flags.StringVar(&f.knowledgeBaseID, "knowledge-base", "", "knowledge base id")
	return cmd
}

func newDeprovisionCommand(c *cli) *cobra.Command {
	return &cobra.Command{
		Use:   "deprovision <tenant-id>",
		Short: "Remove a tenant's agent and archive its workspace",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cp, cfg, err := c.open(cmd.Context())
			if err != nil {
				return err
			}
			defer cp.Close()
			res, err := cp.Deprovision(cmd.Context(), args[0])
			if err != nil && res.OperationID == "" {
				return err
			}
			if writeErr := writeJSON(cmd.OutOrStdout(), res); writeErr != nil {
				return writeErr
			}
			if err != nil {
				return err
			}
			return c.persist(cp, cfg)
		},
	}
}

func newTenantsCommand(c *cli) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "tenants",
		Short: "Inspect the tenant registry",
	}
	cmd.AddCommand(newTenantsListCommand(c), newTenantsShowCommand(c))
	return cmd
}

func newTenantsListCommand(c *cli) *cobra.Command {
	var asJSON bool
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List known tenants",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cp, _, err := c.open(cmd.Context())
			if err != nil {
				return err
			}
			defer cp.Close()
			tenants, err := cp.Store().List(cmd.Context())
			if err != nil {
				return err
			}
			if asJSON {
				return writeJSON(cmd.OutOrStdout(), tenants)
			}
			w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
			fmt.Fprintln(w, "ID\tSLUG\tSTATUS\tAGENT\tMODEL\tUPDATED")
			for _, t := range tenants {
				updated := "-"
				if !t.UpdatedAt.IsZero() {
					updated = humanize.Time(t.UpdatedAt)
				}
				fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\t%s\n",
					t.ID, t.Slug, t.Status, dash(t.AgentID), t.Config.ModelRouting.Primary, updated)
			}
			return w.Flush()
		},
	}
	cmd.Flags().BoolVar(&asJSON, "json", false, "print JSON instead of a table")
	return cmd
}

func newTenantsShowCommand(c *cli) *cobra.Command {
	return &cobra.Command{
		Use:   "show <tenant-id>",
		Short: "Show a tenant and its agent mapping",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cp, _, err := c.open(cmd.Context())
			if err != nil {
				return err
			}
			defer cp.Close()
			tenant, err := cp.Store().Get(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			return writeJSON(cmd.OutOrStdout(), map[string]any{
				"tenant":  tenant,
				"mapping": cp.Mapping(tenant),
			})
		},
	}
}

func dash(s string) string {
	if strings.TrimSpace(s) == "" {
		return "-"
	}
	return s
}
