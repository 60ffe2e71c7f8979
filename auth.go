package main

import (
	"errors"
	"fmt"
	"log/slog"

	"github.com/spf13/cobra"

	"github.com/tonimelisma/receipts-go/internal/api"
)

func newLoginCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "login",
		Short: "Sign in with email and password",
		Long: `Sign in and save the credential pair to the token file.

The password is read from the terminal without echo, or as one line from
standard input when it is not a terminal.`,
		Args: cobra.NoArgs,
		RunE: runLogin,
	}

	cmd.Flags().String("email", "", "account email")
	_ = cmd.MarkFlagRequired("email")

	return cmd
}

func newRegisterCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "register",
		Short: "Create an account",
		Args:  cobra.NoArgs,
		RunE:  runRegister,
	}

	cmd.Flags().String("email", "", "account email")
	cmd.Flags().String("name", "", "display name")
	_ = cmd.MarkFlagRequired("email")

	return cmd
}

func newLogoutCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "logout",
		Short: "End the session and remove saved credentials",
		Args:  cobra.NoArgs,
		RunE:  runLogout,
	}
}

func newVerifyEmailCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "verify-email <token>",
		Short: "Confirm an email address with the mailed token",
		Args:  cobra.ExactArgs(1),
		RunE:  runVerifyEmail,
	}
}

func newResetPasswordCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "reset-password",
		Short: "Reset a forgotten password",
	}

	cmd.AddCommand(&cobra.Command{
		Use:   "request <email>",
		Short: "Mail a password reset link",
		Args:  cobra.ExactArgs(1),
		RunE:  runResetRequest,
	})

	cmd.AddCommand(&cobra.Command{
		Use:   "confirm <token>",
		Short: "Set a new password using the mailed token",
		Args:  cobra.ExactArgs(1),
		RunE:  runResetConfirm,
	})

	return cmd
}

func runLogin(cmd *cobra.Command, _ []string) error {
	email, err := cmd.Flags().GetString("email")
	if err != nil {
		return err
	}

	password, err := promptSecret(cmd.InOrStdin(), cmd.ErrOrStderr(), "Password: ")
	if err != nil {
		return err
	}

	s, err := newCommandSession(cmd)
	if err != nil {
		return err
	}
	defer s.Close()

	s.Logger.Info("login started", slog.String("account", email))
	s.Store.SetAccount(email)

	if err := s.Client.Login(cmd.Context(), email, password); err != nil {
		if errors.Is(err, api.ErrInvalidCredentials) {
			return fmt.Errorf("wrong email or password")
		}

		return err
	}

	statusf(cmd.ErrOrStderr(), "Signed in as %s.\n", email)

	return nil
}

func runRegister(cmd *cobra.Command, _ []string) error {
	email, err := cmd.Flags().GetString("email")
	if err != nil {
		return err
	}

	name, err := cmd.Flags().GetString("name")
	if err != nil {
		return err
	}

	password, err := promptSecret(cmd.InOrStdin(), cmd.ErrOrStderr(), "Choose a password: ")
	if err != nil {
		return err
	}

	s, err := newCommandSession(cmd)
	if err != nil {
		return err
	}
	defer s.Close()

	s.Store.SetAccount(email)

	signedIn, err := s.Client.Register(cmd.Context(), name, email, password)
	if err != nil {
		if errors.Is(err, api.ErrConflict) {
			return fmt.Errorf("an account for %s already exists", email)
		}

		return err
	}

	if signedIn {
		statusf(cmd.ErrOrStderr(), "Account created. Signed in as %s.\n", email)
		return nil
	}

	statusf(cmd.ErrOrStderr(), "Account created. Check %s for a verification link, then run 'receipts-go verify-email <token>'.\n", email)

	return nil
}

func runLogout(cmd *cobra.Command, _ []string) error {
	s, err := newCommandSession(cmd)
	if err != nil {
		return err
	}
	defer s.Close()

	if _, ok := s.Store.Get(); !ok {
		statusf(cmd.ErrOrStderr(), "Not signed in.\n")
		return nil
	}

	s.Client.Logout(cmd.Context())
	statusf(cmd.ErrOrStderr(), "Logged out.\n")

	return nil
}

func runVerifyEmail(cmd *cobra.Command, args []string) error {
	s, err := newCommandSession(cmd)
	if err != nil {
		return err
	}
	defer s.Close()

	if err := s.Client.VerifyEmail(cmd.Context(), args[0]); err != nil {
		return err
	}

	statusf(cmd.ErrOrStderr(), "Email verified. You can now run 'receipts-go login'.\n")

	return nil
}

func runResetRequest(cmd *cobra.Command, args []string) error {
	s, err := newCommandSession(cmd)
	if err != nil {
		return err
	}
	defer s.Close()

	if err := s.Client.RequestPasswordReset(cmd.Context(), args[0]); err != nil {
		return err
	}

	statusf(cmd.ErrOrStderr(), "If %s has an account, a reset link is on its way.\n", args[0])

	return nil
}

func runResetConfirm(cmd *cobra.Command, args []string) error {
	password, err := promptSecret(cmd.InOrStdin(), cmd.ErrOrStderr(), "New password: ")
	if err != nil {
		return err
	}

	s, err := newCommandSession(cmd)
	if err != nil {
		return err
	}
	defer s.Close()

	if err := s.Client.ConfirmPasswordReset(cmd.Context(), args[0], password); err != nil {
		return err
	}

	statusf(cmd.ErrOrStderr(), "Password updated.\n")

	return nil
}

// newCommandSession wires a Session from the resolved config for cmd.
func newCommandSession(cmd *cobra.Command) (*Session, error) {
	if resolvedCfg == nil {
		return nil, fmt.Errorf("no configuration loaded")
	}

	return NewSession(resolvedCfg, buildLogger(), cmd.ErrOrStderr())
}
