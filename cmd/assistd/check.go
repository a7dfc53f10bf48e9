package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"assistd/internal/app"
	"assistd/internal/config"
)

func newCheckCmd(opts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "check",
		Short: "Parse and validate the config file, then exit",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := config.NewConfigManager(opts.configPath).Parse()
			if err != nil {
				return fmt.Errorf("parse %s: %w", opts.configPath, err)
			}
			if err := app.Validate(cfg); err != nil {
				return fmt.Errorf("invalid %s: %w", opts.configPath, err)
			}
			fmt.Fprintf(cmd.OutOrStdout(), "%s: ok\n", opts.configPath)
			return nil
		},
	}
}
