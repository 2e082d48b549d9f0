package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/Skotchmaster/kicklock/internal/config"
	"github.com/Skotchmaster/kicklock/internal/models"
)

// NewTokenCommand builds invitation token commands.
func NewTokenCommand(loader *config.Loader) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "token",
		Short: "Manage invitation tokens",
	}

	var duration string
	generateCmd := &cobra.Command{
		Use:   "generate",
		Short: "Generate an invitation token",
		RunE: func(cmd *cobra.Command, _ []string) error {
			d := models.TokenDuration(duration)
			if !d.Valid() {
				return fmt.Errorf("invalid duration %q: want 3month, 6month or 1year", duration)
			}
			cfg, err := loader.Load()
			if err != nil {
				return err
			}
			a, err := openApp(cmd.Context(), cfg)
			if err != nil {
				return err
			}
			defer a.Close()

			tok, err := a.invite.Generate(cmd.Context(), d)
			if err != nil {
				return err
			}
			return printJSON(cmd, tok)
		},
	}
	generateCmd.Flags().StringVar(&duration, "duration", string(models.Duration3Months), "3month, 6month or 1year")

	var page, size int
	listCmd := &cobra.Command{
		Use:   "list",
		Short: "Page through token history, newest first",
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

			hist, err := a.invite.History(cmd.Context(), page, size)
			if err != nil {
				return err
			}
			return printJSON(cmd, hist)
		},
	}
	listCmd.Flags().IntVar(&page, "page", 1, "page number")
	listCmd.Flags().IntVar(&size, "size", 20, "page size")

	deleteCmd := &cobra.Command{
		Use:   "delete <token-id>",
		Short: "Delete a token row",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loader.Load()
			if err != nil {
				return err
			}
			a, err := openApp(cmd.Context(), cfg)
			if err != nil {
				return err
			}
			defer a.Close()

			if err := a.invite.Delete(cmd.Context(), args[0]); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "token %s deleted\n", args[0])
			return nil
		},
	}

	cmd.AddCommand(generateCmd, listCmd, deleteCmd)
	return cmd
}
