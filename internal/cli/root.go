// Package cli implements the aerosol client commands.
package cli

import (
	"context"
	"fmt"
	"net/url"
	"os"
	"strconv"

	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"aerosol/internal/config"
	"aerosol/internal/engine"
)

// passwordEnv can carry the vault password instead of a flag.
const passwordEnv = "AEROSOL_VAULT_PASSWORD"

type app struct {
	configPath string
	verbose    bool

	newLogger func(verbose bool) (*zap.Logger, error)
	getenv    func(string) string
}

func newLogger(verbose bool) (*zap.Logger, error) {
	if verbose {
		return zap.NewDevelopment()
	}
	cfg := zap.NewProductionConfig()
	cfg.Encoding = "console"
	cfg.EncoderConfig.EncodeTime = zapcore.ISO8601TimeEncoder
	return cfg.Build()
}

// Execute runs the root command until ctx is done.
func Execute(ctx context.Context) error {
	return NewRoot().ExecuteContext(ctx)
}

// NewRoot creates the `aerosol` command with every subcommand attached.
func NewRoot() *cobra.Command {
	return newRoot(&app{newLogger: newLogger, getenv: os.Getenv})
}

func newRoot(a *app) *cobra.Command {
	root := &cobra.Command{
		Use:   "aerosol",
		Short: "Keep a local vault directory in sync with an aerosol server",

		SilenceUsage: true,
	}
	root.PersistentFlags().StringVar(&a.configPath, "config", "",
		"Path of the client configuration file (default: $XDG_CONFIG_HOME/aerosol/config.yaml)")
	root.PersistentFlags().BoolVarP(&a.verbose, "verbose", "v", false, "Log debug output")

	root.AddCommand(
		newTokenCmd(a),
		newConnectCmd(a),
		newSyncCmd(a),
		newStatusCmd(a),
		newDisconnectCmd(a),
	)
	return root
}

// open loads the configuration file and builds an engine over it.
func (a *app) open() (*engine.Engine, *config.ClientFile, *zap.Logger, error) {
	path := a.configPath
	if path == "" {
		var err error
		if path, err = config.DefaultClientConfigPath(); err != nil {
			return nil, nil, nil, fmt.Errorf("locate config: %w", err)
		}
	}
	file, err := config.OpenClientFile(path)
	if err != nil {
		return nil, nil, nil, err
	}
	logger, err := a.newLogger(a.verbose)
	if err != nil {
		return nil, nil, nil, fmt.Errorf("create logger: %w", err)
	}
	e := engine.New(engine.Options{Config: file, Logger: logger})
	return e, file, logger, nil
}

// applyServer sets protocol, host and port from a URL such as
// https://sync.example.com:8443. The port defaults to config.DefaultPort.
func applyServer(c *config.ClientConfig, raw string) error {
	u, err := url.Parse(raw)
	if err != nil || u.Host == "" {
		u, err = url.Parse("http://" + raw)
		if err != nil {
			return fmt.Errorf("invalid server %q: %w", raw, err)
		}
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return fmt.Errorf("invalid server %q: scheme must be http or https", raw)
	}
	if u.Hostname() == "" {
		return fmt.Errorf("invalid server %q: missing host", raw)
	}

	port := config.DefaultPort
	if p := u.Port(); p != "" {
		if port, err = strconv.Atoi(p); err != nil {
			return fmt.Errorf("invalid server %q: %w", raw, err)
		}
	}
	c.Protocol = u.Scheme
	c.ServerURL = u.Hostname()
	c.ServerPort = port
	return nil
}
