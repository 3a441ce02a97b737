package main

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"strings"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/spf13/cobra"

	"pkt.systems/tenantd"
	"pkt.systems/tenantd/internal/gatewaysim"
	"pkt.systems/tenantd/internal/svcfields"
)

type simFlags struct {
	listen   string
	token    string
	seed     string
	maxFrame string
}

func newGatewaySimCommand(c *cli) *cobra.Command {
	f := simFlags{listen: tenantd.DefaultSimListen}
	cmd := &cobra.Command{
		Use:   "gateway-sim",
		Short: "Run an in-memory agent gateway for development and tests",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			logger := svcfields.WithSubsystem(c.logger, svcfields.Subsystem("cli", cmd.Name()))
			opts := gatewaysim.Options{Token: f.token, Logger: c.logger}
			if f.seed != "" {
				doc, err := gatewaysim.LoadSeed(f.seed)
				if err != nil {
					return err
				}
				opts.Config = doc
			}
			if f.maxFrame != "" {
				size, err := humanize.ParseBytes(f.maxFrame)
				if err != nil {
					return fmt.Errorf("parse max-frame: %w", err)
				}
				opts.MaxFrameBytes = int64(size)
			}
			sim, err := gatewaysim.New(opts)
			if err != nil {
				return err
			}
			ln, err := net.Listen("tcp", f.listen)
			if err != nil {
				return fmt.Errorf("listen %s: %w", f.listen, err)
			}
			srv := &http.Server{Handler: sim.Handler(), ReadHeaderTimeout: 10 * time.Second}
			errCh := make(chan error, 1)
			go func() { errCh <- srv.Serve(ln) }()
			_, hash := sim.Snapshot()
			logger.Info("gatewaysim.listening", "addr", ln.Addr().String(), "auth", f.token != "", "config_hash", hash)
			fmt.Fprintf(cmd.OutOrStdout(), "ws://%s\n", ln.Addr().String())

			select {
			case <-ctx.Done():
			case err := <-errCh:
				if err != nil && !errors.Is(err, http.ErrServerClosed) {
					return err
				}
				return nil
			}
			shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
			defer cancel()
			_ = sim.Close()
			if err := srv.Shutdown(shutdownCtx); err != nil && !errors.Is(err, http.ErrServerClosed) {
				return err
			}
			patches, conflicts := sim.Stats()
			logger.Info("gatewaysim.stopped", "patches", patches, "conflicts", conflicts)
			return nil
		},
	}
	flags := cmd.Flags()
	flags.StringVar(&f.listen, "listen", f.listen, "listen address")
	flags.StringVar(&f.token, "token", "", "require this bearer token")
	flags.StringVar(&f.seed, "seed", "", "JSON or JSONC file with the initial config document")
	flags.StringVar(&f.maxFrame, "max-frame", "", fmt.Sprintf("maximum inbound frame size, e.g. 8MiB (default %s)",
		strings.ReplaceAll(humanize.IBytes(gatewaysim.DefaultMaxFrameBytes), " ", "")))
	return cmd
}
