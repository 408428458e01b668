package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/GitAcrown/MARI4/internal/config"
)

// buildConfigCmd creates the "config" command group.
func buildConfigCmd(opts *rootOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "config",
		Short: "Configuration helpers",
	}
	cmd.AddCommand(
		&cobra.Command{
			Use:   "schema",
			Short: "Print the configuration JSON schema",
			RunE: func(cmd *cobra.Command, args []string) error {
				schema, err := config.JSONSchema()
				if err != nil {
					return err
				}
				_, err = fmt.Fprintln(cmd.OutOrStdout(), string(schema))
				return err
			},
		},
		&cobra.Command{
			Use:   "validate",
			Short: "Load and validate the configuration file",
			RunE: func(cmd *cobra.Command, args []string) error {
				cfg, err := config.Load(opts.configPath)
				if err != nil {
					return err
				}
				fmt.Fprintf(cmd.OutOrStdout(), "%s is valid (version %d, default mode %s, scheduler %t)\n",
					opts.configPath, cfg.Version, cfg.Discord.DefaultMode, cfg.Scheduler.IsEnabled())
				return nil
			},
		},
	)
	return cmd
}
