package main

import (
	"context"
	"fmt"
	"strings"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"pkt.systems/tenantd"
	"pkt.systems/tenantd/gateway"
	"pkt.systems/tenantd/tenancy"
)

func newAgentsCommand(c *cli) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "agents",
		Short: "Inspect the gateway's agent registry",
	}
	var asJSON bool
	list := &cobra.Command{
		Use:   "list",
		Short: "List registered agents",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cp, _, err := c.open(cmd.Context())
			if err != nil {
				return err
			}
			defer cp.Close()
			agents, err := cp.Agents(cmd.Context())
			if err != nil {
				return err
			}
			if asJSON {
				return writeJSON(cmd.OutOrStdout(), agents)
			}
			w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
			fmt.Fprintln(w, "ID\tNAME\tMODEL\tWORKSPACE")
			for _, a := range agents {
				model := "-"
				if a.Model != nil {
					model = a.Model.Primary
				}
				fmt.Fprintf(w, "%s\t%s\t%s\t%s\n", a.ID, dash(a.Name), dash(model), dash(a.Workspace))
			}
			return w.Flush()
		},
	}
	list.Flags().BoolVar(&asJSON, "json", false, "print JSON instead of a table")
	cmd.AddCommand(list)
	return cmd
}

func newGatewayCommand(c *cli) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "gateway",
		Short: "Talk to the agent gateway directly",
	}
	var hashOnly bool
	get := &cobra.Command{
		Use:   "config",
		Short: "Print the gateway configuration document and its hash",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cp, _, err := c.open(cmd.Context())
			if err != nil {
				return err
			}
			defer cp.Close()
			snap, err := cp.Client().GetConfig(cmd.Context())
			if err != nil {
				return err
			}
			if hashOnly {
				_, err := fmt.Fprintln(cmd.OutOrStdout(), snap.Hash)
				return err
			}
			return writeJSON(cmd.OutOrStdout(), snap)
		},
	}
	get.Flags().BoolVar(&hashOnly, "hash", false, "print only the config hash")
	cmd.AddCommand(get)
	return cmd
}

// asTenant runs fn inside the tenant context selected by --tenant or --api-key.
func asTenant(ctx context.Context, cp *tenantd.ControlPlane, tenantID, apiKey string, fn func(context.Context, *tenancy.Tenant) error) error {
	switch {
	case apiKey != "":
		return cp.RunAsAPIKey(ctx, apiKey, fn)
	case tenantID != "":
		return cp.RunAs(ctx, tenantID, fn)
	default:
		return fmt.Errorf("--tenant or --api-key is required")
	}
}

func newChatCommand(c *cli) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "chat",
		Short: "Send and read customer conversations",
	}
	cmd.AddCommand(newChatSendCommand(c), newChatHistoryCommand(c))
	return cmd
}

func newChatSendCommand(c *cli) *cobra.Command {
	var (
		tenantID string
		apiKey   string
		req      tenantd.ChatRequest
	)
	cmd := &cobra.Command{
		Use:   "send <message...>",
		Short: "Send a customer message to the tenant's agent",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			req.Message = strings.Join(args, " ")
			cp, _, err := c.open(cmd.Context())
			if err != nil {
				return err
			}
			defer cp.Close()
			var out tenantd.ChatResponse
			err = asTenant(cmd.Context(), cp, tenantID, apiKey, func(ctx context.Context, _ *tenancy.Tenant) error {
				var sendErr error
				out, sendErr = cp.SendChat(ctx, req)
				return sendErr
			})
			if err != nil {
				return err
			}
			return writeJSON(cmd.OutOrStdout(), out)
		},
	}
	flags := cmd.Flags()
	flags.StringVar(&tenantID, "tenant", "", "tenant id")
	flags.StringVar(&apiKey, "api-key", "", "tenant API key (alternative to --tenant)")
	flags.StringVar(&req.CustomerID, "customer", "", "customer id")
	flags.BoolVar(&req.HasImages, "images", false, "the message carries images")
	flags.IntVar(&req.EstimatedTokens, "tokens", 0, "estimated message size in tokens")
	flags.Float64Var(&req.SentimentScore, "sentiment", 0, "message sentiment in [-1, 1]")
	_ = cmd.MarkFlagRequired("customer")
	return cmd
}

func newChatHistoryCommand(c *cli) *cobra.Command {
	var (
		tenantID   string
		apiKey     string
		customerID string
		limit      int
	)
	cmd := &cobra.Command{
		Use:   "history",
		Short: "Print a customer's recent conversation",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cp, _, err := c.open(cmd.Context())
			if err != nil {
				return err
			}
			defer cp.Close()
			return asTenant(cmd.Context(), cp, tenantID, apiKey, func(ctx context.Context, _ *tenancy.Tenant) error {
				msgs, err := cp.History(ctx, customerID, limit)
				if err != nil {
					return err
				}
				for _, m := range msgs {
					if _, err := fmt.Fprintf(cmd.OutOrStdout(), "%s\t%s\t%s\n", m.Timestamp, m.Role, m.Content); err != nil {
						return err
					}
				}
				return nil
			})
		},
	}
	flags := cmd.Flags()
	flags.StringVar(&tenantID, "tenant", "", "tenant id")
	flags.StringVar(&apiKey, "api-key", "", "tenant API key (alternative to --tenant)")
	flags.StringVar(&customerID, "customer", "", "customer id")
	flags.IntVar(&limit, "limit", gateway.DefaultHistoryLimit, "maximum messages to print")
	_ = cmd.MarkFlagRequired("customer")
	return cmd
}

func newSessionsCommand(c *cli) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "sessions",
		Short: "Inspect a tenant's gateway sessions",
	}
	var (
		tenantID      string
		apiKey        string
		activeMinutes int
		limit         int
	)
	list := &cobra.Command{
		Use:   "list",
		Short: "List the tenant's sessions, most recent first",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cp, _, err := c.open(cmd.Context())
			if err != nil {
				return err
			}
			defer cp.Close()
			return asTenant(cmd.Context(), cp, tenantID, apiKey, func(ctx context.Context, _ *tenancy.Tenant) error {
				sessions, err := cp.Sessions(ctx, activeMinutes, limit)
				if err != nil {
					return err
				}
				w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
				fmt.Fprintln(w, "KEY\tMESSAGES\tLAST ACTIVITY")
				for _, s := range sessions {
					fmt.Fprintf(w, "%s\t%d\t%s\n", s.Key, s.MessageCount, s.LastActivity)
				}
				return w.Flush()
			})
		},
	}
	flags := list.Flags()
	flags.StringVar(&tenantID, "tenant", "", "tenant id")
	flags.StringVar(&apiKey, "api-key", "", "tenant API key (alternative to --tenant)")
	flags.IntVar(&activeMinutes, "active-minutes", 0, "only sessions active within this many minutes (0 means any)")
	flags.IntVar(&limit, "limit", 0, "maximum sessions (0 means all)")
	cmd.AddCommand(list)
	return cmd
}
