package main

import (
	"github.com/spf13/cobra"

	"github.com/Skotchmaster/kicklock/internal/config"
)

// NewReconcileCommand runs one token/user reconciliation pass and prints
// what it repaired.
func NewReconcileCommand(loader *config.Loader) *cobra.Command {
	return &cobra.Command{
		Use:   "reconcile",
		Short: "Repair token and user rows left by interrupted writes",
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := loader.Load()
			if err != nil {
				return err
			}
			a, err := openApp(cmd.Context(), cfg)
			if err != nil {
				return err
			}
			defer a.Close()

			rep, err := a.invite.Reconcile(cmd.Context())
			if err != nil {
				return err
			}
			return printJSON(cmd, rep)
		},
	}
}
