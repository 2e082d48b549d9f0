package main

import (
	"bufio"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/spf13/cobra"

	"github.com/Skotchmaster/kicklock/internal/admin"
	"github.com/Skotchmaster/kicklock/internal/config"
)

const adminPasswordEnv = "KICKLOCK_ADMIN_PASSWORD"

// NewAdminCommand builds admin account and user inspection commands.
func NewAdminCommand(loader *config.Loader) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "admin",
		Short: "Manage the admin account",
	}

	var passwordStdin, enableTOTP bool
	setCmd := &cobra.Command{
		Use:   "set-credentials <username>",
		Short: "Create or update an admin",
		Long: "Create or update an admin. The password is read from " + adminPasswordEnv +
			" or, with --password-stdin, from the first line of stdin.",
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			password, err := readPassword(cmd.InOrStdin(), passwordStdin)
			if err != nil {
				return err
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

			svc := &admin.Service{Store: a.repo, Invites: a.invite, Audit: a.audit}
			url, err := svc.SetCredentials(cmd.Context(), args[0], password, enableTOTP)
			if err != nil {
				return err
			}
			out := cmd.OutOrStdout()
			fmt.Fprintf(out, "admin %q saved\n", args[0])
			if url != "" {
				fmt.Fprintf(out, "totp provisioning url: %s\n", url)
			}
			return nil
		},
	}
	setCmd.Flags().BoolVar(&passwordStdin, "password-stdin", false, "read the password from stdin")
	setCmd.Flags().BoolVar(&enableTOTP, "totp", false, "generate a new TOTP secret and print its provisioning url")

	usersCmd := &cobra.Command{
		Use:   "users",
		Short: "List users with their token and session state",
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

			svc := &admin.Service{Store: a.repo, Invites: a.invite, Audit: a.audit}
			rows, err := svc.Users(cmd.Context())
			if err != nil {
				return err
			}
			return printJSON(cmd, rows)
		},
	}

	cmd.AddCommand(setCmd, usersCmd)
	return cmd
}

func readPassword(stdin io.Reader, fromStdin bool) (string, error) {
	if !fromStdin {
		if pw := os.Getenv(adminPasswordEnv); pw != "" {
			return pw, nil
		}
		return "", fmt.Errorf("set %s or pass --password-stdin", adminPasswordEnv)
	}
	line, err := bufio.NewReader(stdin).ReadString('\n')
	if err != nil && !errors.Is(err, io.EOF) {
		return "", fmt.Errorf("read password: %w", err)
	}
	pw := strings.TrimRight(line, "\r\n")
	if pw == "" {
		return "", errors.New("empty password on stdin")
	}
	return pw, nil
}
