// Package config loads the server configuration from the environment and
// the client configuration from a YAML file.
package config

import (
	"fmt"
	"os"
	"strconv"
	"time"
)

// DefaultPort is the port the vault server listens on and clients dial.
const DefaultPort = 27027

// Config is the vault server configuration.
type Config struct {
	Port         int
	MasterSecret string
	GinMode      string
	TLSCertFile  string
	TLSKeyFile   string

	AccessTokenTTL       time.Duration
	RegistrationTokenTTL time.Duration

	VaultPath     string
	VaultName     string
	VaultPassword string

	// DatabaseURL selects postgres storage. When empty, state goes to
	// StateFile.
	DatabaseURL string
	StateFile   string

	LogLevel string
}

type Env interface {
	Getenv(key string) string
}

type osEnv struct{}

func (osEnv) Getenv(key string) string { return os.Getenv(key) }

func LoadConfig() (Config, error) {
	return LoadConfigFromEnv(osEnv{})
}

func LoadConfigFromEnv(env Env) (Config, error) {
	cfg := Config{
		Port:           DefaultPort,
		GinMode:        "release",
		AccessTokenTTL: 60 * time.Second,
		VaultPath:      "Obsidian Vault",
		VaultName:      "vault",
		StateFile:      "aerosol-state.json",
		LogLevel:       "info",
	}

	if raw := env.Getenv("PORT"); raw != "" {
		port, err := strconv.Atoi(raw)
		if err != nil || port <= 0 || port > 65535 {
			return Config{}, fmt.Errorf("invalid PORT")
		}
		cfg.Port = port
	}

	cfg.MasterSecret = env.Getenv("MASTER_SECRET")
	if cfg.MasterSecret == "" {
		return Config{}, fmt.Errorf("MASTER_SECRET is required")
	}

	if raw := env.Getenv("GIN_MODE"); raw != "" {
		cfg.GinMode = raw
	}

	cfg.TLSCertFile = env.Getenv("TLS_CERT_FILE")
	cfg.TLSKeyFile = env.Getenv("TLS_KEY_FILE")
	if (cfg.TLSCertFile == "") != (cfg.TLSKeyFile == "") {
		return Config{}, fmt.Errorf("TLS_CERT_FILE and TLS_KEY_FILE must be set together")
	}

	if raw := env.Getenv("ACCESS_TOKEN_TTL_SECONDS"); raw != "" {
		seconds, err := strconv.Atoi(raw)
		if err != nil || seconds <= 0 {
			return Config{}, fmt.Errorf("invalid ACCESS_TOKEN_TTL_SECONDS")
		}
		cfg.AccessTokenTTL = time.Duration(seconds) * time.Second
	}

	if raw := env.Getenv("REGISTRATION_TOKEN_TTL_SECONDS"); raw != "" {
		seconds, err := strconv.Atoi(raw)
		if err != nil || seconds < 0 {
			return Config{}, fmt.Errorf("invalid REGISTRATION_TOKEN_TTL_SECONDS")
		}
		cfg.RegistrationTokenTTL = time.Duration(seconds) * time.Second
	}

	if raw := env.Getenv("VAULT_PATH"); raw != "" {
		cfg.VaultPath = raw
	}
	if raw := env.Getenv("VAULT_NAME"); raw != "" {
		cfg.VaultName = raw
	}
	cfg.VaultPassword = env.Getenv("VAULT_PASSWORD")

	cfg.DatabaseURL = env.Getenv("DATABASE_URL")
	if raw := env.Getenv("STATE_FILE"); raw != "" {
		cfg.StateFile = raw
	}

	if raw := env.Getenv("LOG_LEVEL"); raw != "" {
		cfg.LogLevel = raw
	}

	return cfg, nil
}
