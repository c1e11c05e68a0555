package main

import (
	"github.com/spf13/cobra"

	"mailq/internal/config"
)

type rootFlags struct {
	config  string
	envFile string
}

func newRootCommand() *cobra.Command {
	f := &rootFlags{}
	root := &cobra.Command{
		Use:   "mailq",
		Short: "Email job queue with bulk fan-out",
		Long: `mailq runs two in-process job queues: one delivers single emails over
SMTP or Mailgun, the other fans a bulk request out into per-recipient email
jobs and waits for them to finish.`,
		SilenceUsage: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			return config.LoadDotEnv(f.envFile)
		},
	}
	root.PersistentFlags().StringVarP(&f.config, "config", "c", "./mailq.yaml", "path to config file (yaml or json)")
	root.PersistentFlags().StringVar(&f.envFile, "env-file", ".env", "dotenv file with MAILQ_* secrets; missing is fine")

	root.AddCommand(
		newServeCommand(f),
		newSendCommand(f),
		newCheckConfigCommand(f),
	)
	return root
}
