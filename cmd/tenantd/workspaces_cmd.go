package main

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"text/tabwriter"

	"github.com/shirou/gopsutil/v4/disk"
	"github.com/spf13/cobra"

	"pkt.systems/tenantd/internal/provision"
)

type workspaceUsage struct {
	TenantID string `json:"tenant_id"`
	AgentID  string `json:"agent_id"`
	Path     string `json:"path"`
	Exists   bool   `json:"exists"`
	Bytes    uint64 `json:"bytes"`
	Archives int    `json:"archives"`
}

type workspaceReport struct {
	Base       string           `json:"base"`
	Workspaces []workspaceUsage `json:"workspaces"`
	DiskTotal  uint64           `json:"disk_total_bytes"`
	DiskFree   uint64           `json:"disk_free_bytes"`
	DiskUsed   float64          `json:"disk_used_percent"`
}

func newWorkspacesCommand(c *cli) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "workspaces",
		Short: "Inspect tenant workspaces on disk",
	}
	var asJSON bool
	list := &cobra.Command{
		Use:   "list",
		Short: "Show workspace sizes, archives and free disk space",
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
			ws := cp.Workspaces()
			report := workspaceReport{Base: ws.Base()}
			for _, t := range tenants {
				agentID := t.AgentID
				if agentID == "" {
					agentID = provision.AgentID(t.Slug)
				}
				u := workspaceUsage{TenantID: t.ID, AgentID: agentID, Path: ws.Path(agentID)}
				u.Bytes, u.Exists, err = dirSize(u.Path)
				if err != nil {
					return err
				}
				archives, err := ws.Archives(agentID)
				if err != nil {
					return err
				}
				u.Archives = len(archives)
				report.Workspaces = append(report.Workspaces, u)
			}
			if usage, err := disk.UsageWithContext(cmd.Context(), ws.Base()); err == nil {
				report.DiskTotal = usage.Total
				report.DiskFree = usage.Free
				report.DiskUsed = usage.UsedPercent
			}
			if asJSON {
				return writeJSON(cmd.OutOrStdout(), report)
			}
			w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
			fmt.Fprintln(w, "TENANT\tAGENT\tSIZE\tARCHIVES\tPATH")
			for _, u := range report.Workspaces {
				size := "missing"
				if u.Exists {
					size = humanizeBytes(u.Bytes)
				}
				fmt.Fprintf(w, "%s\t%s\t%s\t%d\t%s\n", u.TenantID, u.AgentID, size, u.Archives, u.Path)
			}
			if err := w.Flush(); err != nil {
				return err
			}
			if report.DiskTotal > 0 {
				_, err := fmt.Fprintf(cmd.OutOrStdout(), "\n%s free of %s (%.1f%% used) at %s\n",
					humanizeBytes(report.DiskFree), humanizeBytes(report.DiskTotal), report.DiskUsed, report.Base)
				return err
			}
			return nil
		},
	}
	list.Flags().BoolVar(&asJSON, "json", false, "print JSON instead of a table")
	cmd.AddCommand(list)
	return cmd
}

// dirSize sums regular file sizes under dir. A missing dir is not an error.
func dirSize(dir string) (uint64, bool, error) {
	var total uint64
	err := filepath.WalkDir(dir, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if !d.Type().IsRegular() {
			return nil
		}
		info, err := d.Info()
		if err != nil {
			return err
		}
		total += uint64(info.Size())
		return nil
	})
	if errors.Is(err, os.ErrNotExist) {
		return 0, false, nil
	}
	if err != nil {
		return 0, false, fmt.Errorf("size %s: %w", dir, err)
	}
	return total, true, nil
}
