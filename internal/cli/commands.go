package cli

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"aerosol/internal/config"
)

func newTokenCmd(a *app) *cobra.Command {
	var vaultName, password string
	cmd := &cobra.Command{
		Use:   "token",
		Short: "Request a registration token from the server",
		Long: `Request a single-use registration token. The vault name and password are
the ones the server was started with. The password may also be passed in
the ` + passwordEnv + ` environment variable.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			if password == "" {
				password = a.getenv(passwordEnv)
			}
			if password == "" {
				return errors.New("vault password is required: use --password or " + passwordEnv)
			}
			e, _, logger, err := a.open()
			if err != nil {
				return err
			}
			defer func() { _ = logger.Sync() }()

			tok, err := e.RequestRegistrationToken(cmd.Context(), vaultName, password)
			if err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), tok)
			return nil
		},
	}
	cmd.Flags().StringVar(&vaultName, "vault-name", "vault", "Name of the server vault")
	cmd.Flags().StringVar(&password, "password", "", "Vault password")
	return cmd
}

func newConnectCmd(a *app) *cobra.Command {
	var server, vaultDir, username string
	var poll time.Duration
	cmd := &cobra.Command{
		Use:   "connect <registration-token>",
		Short: "Register this client with the server",
		Long: `Exchange a registration token for long-lived credentials and store them in
the configuration file together with the server address and vault directory.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			e, file, logger, err := a.open()
			if err != nil {
				return err
			}
			defer func() { _ = logger.Sync() }()

			var applyErr error
			err = file.Update(func(c *config.ClientConfig) {
				if server != "" {
					applyErr = applyServer(c, server)
				}
				if vaultDir != "" {
					if abs, err := filepath.Abs(vaultDir); err == nil {
						vaultDir = abs
					}
					c.VaultDir = vaultDir
				}
				if poll > 0 {
					c.PollInterval = poll
				}
			})
			if err := errors.Join(applyErr, err); err != nil {
				return err
			}

			if err := e.Connect(cmd.Context(), args[0], username); err != nil {
				return err
			}
			cfg := file.Get()
			fmt.Fprintf(cmd.OutOrStdout(), "Connected to %s as %q. Run `aerosol sync` to start syncing %s.\n",
				cfg.BaseURL(), cfg.Username, cfg.VaultDir)
			return nil
		},
	}
	cmd.Flags().StringVar(&server, "server", "", "Server URL, e.g. http://localhost:27027")
	cmd.Flags().StringVar(&vaultDir, "vault", "", "Local vault directory")
	cmd.Flags().StringVar(&username, "username", "", "Name to register as")
	cmd.Flags().DurationVar(&poll, "poll", 0, "Poll interval")
	return cmd
}

func newSyncCmd(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "sync",
		Short: "Synchronize the vault until interrupted",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			e, _, logger, err := a.open()
			if err != nil {
				return err
			}
			defer func() { _ = logger.Sync() }()

			ctx := cmd.Context()
			if err := e.Start(ctx); err != nil {
				return err
			}
			<-ctx.Done()
			logger.Info("shutting down", zap.NamedError("reason", context.Cause(ctx)))
			e.Stop()
			return nil
		},
	}
}

func newStatusCmd(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "status",
		Short: "Show the connection and sync state",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			e, _, logger, err := a.open()
			if err != nil {
				return err
			}
			defer func() { _ = logger.Sync() }()

			st, err := e.Status(cmd.Context())
			out := cmd.OutOrStdout()
			fmt.Fprintf(out, "server:    %s\n", st.Server)
			fmt.Fprintf(out, "vault:     %s\n", st.VaultDir)
			if !st.Connected {
				fmt.Fprintln(out, "connected: no")
				return nil
			}
			fmt.Fprintf(out, "connected: yes (%s)\n", st.Username)
			fmt.Fprintf(out, "files:     %d\n", st.Files)
			fmt.Fprintf(out, "checksum:  %s\n", st.LocalChecksum)
			if err != nil {
				fmt.Fprintln(out, "remote:    unreachable")
				return err
			}
			if st.InSync() {
				fmt.Fprintln(out, "remote:    in sync")
			} else {
				fmt.Fprintf(out, "remote:    differs (%s)\n", st.RemoteChecksum)
			}
			return nil
		},
	}
}

func newDisconnectCmd(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "disconnect",
		Short: "Revoke this client's credentials and forget them",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			e, _, logger, err := a.open()
			if err != nil {
				return err
			}
			defer func() { _ = logger.Sync() }()

			err = e.Disconnect(cmd.Context())
			fmt.Fprintln(cmd.OutOrStdout(), "Disconnected.")
			if err != nil {
				return fmt.Errorf("credentials were removed locally but not revoked on the server: %w", err)
			}
			return nil
		},
	}
}
