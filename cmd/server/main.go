// Command aerosol-server serves a vault directory to sync clients.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"aerosol/internal/auth"
	"aerosol/internal/config"
	"aerosol/internal/filestore"
	"aerosol/internal/migrate"
	"aerosol/internal/repository"
	"aerosol/internal/repository/postgres"
	"aerosol/internal/server"
	"aerosol/internal/service"
	"aerosol/internal/store"
)

func newLogger(level string) (*zap.Logger, error) {
	if level == "debug" {
		return zap.NewDevelopment()
	}
	cfg := zap.NewProductionConfig()
	if lvl, err := zapcore.ParseLevel(level); err == nil {
		cfg.Level = zap.NewAtomicLevelAt(lvl)
	}
	return cfg.Build()
}

func main() {
	cfg, err := config.LoadConfig()
	if err != nil {
		_, _ = os.Stderr.WriteString(err.Error() + "\n")
		os.Exit(1)
	}

	logger, err := newLogger(cfg.LogLevel)
	if err != nil {
		_, _ = os.Stderr.WriteString(err.Error() + "\n")
		os.Exit(1)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	err = run(ctx, cfg, logger)
	stop()
	if err != nil {
		logger.Error("server stopped", zap.Error(err))
	}
	_ = logger.Sync()
	if err != nil {
		os.Exit(1)
	}
}

// run opens storage and the vault, then serves until ctx is done. Every
// resource it opens is released before it returns.
func run(ctx context.Context, cfg config.Config, logger *zap.Logger) error {
	var repos repository.Repositories
	if cfg.DatabaseURL != "" {
		if err := migrate.Up(ctx, cfg.DatabaseURL); err != nil {
			return fmt.Errorf("migrate up: %w", err)
		}
		db, err := postgres.New(ctx, cfg.DatabaseURL)
		if err != nil {
			return fmt.Errorf("connect postgres: %w", err)
		}
		defer db.Close()
		repos = db.Repositories()
		logger.Info("using postgres storage")
	} else {
		st, err := store.NewWithOptions(store.Options{StateFile: cfg.StateFile, Logger: logger})
		if err != nil {
			return fmt.Errorf("open state file %s: %w", cfg.StateFile, err)
		}
		repos = st.Repositories()
		logger.Info("using state file storage", zap.String("path", cfg.StateFile))
	}

	files, err := filestore.NewOS(cfg.VaultPath)
	if err != nil {
		return fmt.Errorf("open vault: %w", err)
	}

	tokenCfg := auth.DefaultTokenConfig(cfg.MasterSecret)
	tokenCfg.AccessExpiry = cfg.AccessTokenTTL

	authSvc := service.NewAuthService(service.AuthOptions{
		Users:           repos.Users,
		Tokens:          repos.Tokens,
		Vaults:          repos.Vaults,
		TokenConfig:     tokenCfg,
		RegistrationTTL: cfg.RegistrationTokenTTL,
		Logger:          logger,
	})
	if err := authSvc.EnsureVault(ctx, cfg.VaultName, cfg.VaultPassword); err != nil {
		return fmt.Errorf("vault credential: %w", err)
	}

	vault := service.NewVaultService(files, repos.Checksums, logger)
	if _, err := vault.Load(ctx); err != nil {
		return fmt.Errorf("load vault: %w", err)
	}

	gin.SetMode(cfg.GinMode)
	router := server.NewRouter(server.Deps{Auth: authSvc, Vault: vault, Logger: logger})

	return server.Run(ctx, cfg, router, logger)
}
