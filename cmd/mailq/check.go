package main

import (
	"fmt"
	"strings"

	"github.com/spf13/cobra"

	"mailq/internal/config"
)

func newCheckConfigCommand(f *rootFlags) *cobra.Command {
	return &cobra.Command{
		Use:   "check-config",
		Short: "Load and validate the config file, then print the effective settings",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.NewConfigManager(f.config).Load()
			if err != nil {
				return err
			}
			s, err := config.Resolve(cfg)
			if err != nil {
				return fmt.Errorf("invalid config %s:\n%w", f.config, err)
			}
			out := cmd.OutOrStdout()
			fmt.Fprintf(out, "config ok: %s\n", f.config)
			fmt.Fprintf(out, "  email queue: concurrency=%d attempts=%d drain=%s\n", s.Email.Concurrency, s.Email.Attempts, s.Email.DrainTimeout)
			fmt.Fprintf(out, "  bulk queue:  concurrency=%d batch=%d wait=%s\n", s.BulkQueue.Concurrency, s.Bulk.BatchSize, s.Bulk.WaitTimeout)
			fmt.Fprintf(out, "  retention:   enabled=%t schedule=%q max_age=%s\n", s.Retention.Enabled, s.Retention.Schedule, s.Retention.MaxAge)
			driver := "none"
			if cfg.Storage != nil && cfg.Storage.Driver != "" {
				driver = cfg.Storage.Driver
			}
			fmt.Fprintf(out, "  storage:     %s\n", driver)
			if s.HTTP.Enabled {
				fmt.Fprintf(out, "  http:        %s (auth=%t)\n", s.HTTP.Addr, cfg.HTTP.JWTSecret != "")
			} else {
				fmt.Fprintln(out, "  http:        disabled")
			}
			if strings.TrimSpace(cfg.Transport.From) == "" {
				fmt.Fprintln(out, "warning: transport.from is empty; requests without \"from\" will be rejected")
			}
			return nil
		},
	}
}
