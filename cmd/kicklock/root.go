package main

import (
	"github.com/spf13/cobra"

	"github.com/Skotchmaster/kicklock/internal/config"
)

// NewRootCommand builds the root CLI command.
func NewRootCommand(loader *config.Loader) *cobra.Command {
	var configFile string
	var envFiles []string

	cmd := &cobra.Command{
		Use:           "kicklock",
		Short:         "Invitation-gated sessions and Galaxy deployment control",
		Version:       version,
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, _ []string) error {
			if err := loader.LoadDotEnv(envFiles...); err != nil {
				return err
			}
			if configFile != "" {
				loader.SetConfigFile(configFile)
			}
			return nil
		},
	}

	pf := cmd.PersistentFlags()
	pf.StringVar(&configFile, "config", "", "path to kicklock.yaml")
	pf.StringSliceVar(&envFiles, "env-file", nil, "dotenv files to load (default .env)")

	cmd.AddCommand(
		NewServeCommand(loader),
		NewAdminCommand(loader),
		NewTokenCommand(loader),
		NewReconcileCommand(loader),
		NewConfigCommand(loader),
	)
	return cmd
}
