package config

import (
	"errors"
	"fmt"
	"io/fs"
	"maps"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"time"

	"gopkg.in/yaml.v3"
)

const DefaultPollInterval = 5 * time.Second

// ClientConfig is the persisted client state: connection settings, the
// credentials obtained during registration and the last synced index.
type ClientConfig struct {
	Protocol   string `yaml:"protocol"`
	ServerURL  string `yaml:"serverURL"`
	ServerPort int    `yaml:"serverPort"`
	VaultDir   string `yaml:"vaultDir"`
	Username   string `yaml:"username"`

	RegistrationToken string    `yaml:"registrationToken,omitempty"`
	RefreshToken      string    `yaml:"refreshToken,omitempty"`
	AccessToken       string    `yaml:"accessToken,omitempty"`
	AccessExpiresAt   time.Time `yaml:"accessExpiresAt,omitempty"`

	PollInterval time.Duration `yaml:"pollInterval"`

	// Index maps vault paths to fingerprints as of the last completed sync.
	Index map[string]string `yaml:"index,omitempty"`
}

func DefaultClientConfig() ClientConfig {
	return ClientConfig{
		Protocol:     "http",
		ServerURL:    "localhost",
		ServerPort:   DefaultPort,
		VaultDir:     ".",
		PollInterval: DefaultPollInterval,
	}
}

// BaseURL joins protocol, host and port, e.g. http://localhost:27027.
func (c ClientConfig) BaseURL() string {
	host := strings.TrimSuffix(c.ServerURL, "/")
	if i := strings.Index(host, "://"); i >= 0 {
		host = host[i+3:]
	}
	return c.Protocol + "://" + host + ":" + strconv.Itoa(c.ServerPort)
}

func (c ClientConfig) Validate() error {
	if c.Protocol != "http" && c.Protocol != "https" {
		return fmt.Errorf("protocol must be http or https, got %q", c.Protocol)
	}
	if c.ServerURL == "" {
		return errors.New("serverURL is required")
	}
	if c.ServerPort <= 0 || c.ServerPort > 65535 {
		return fmt.Errorf("invalid serverPort %d", c.ServerPort)
	}
	if c.VaultDir == "" {
		return errors.New("vaultDir is required")
	}
	if c.PollInterval <= 0 {
		return fmt.Errorf("invalid pollInterval %s", c.PollInterval)
	}
	return nil
}

func (c ClientConfig) Clone() ClientConfig {
	out := c
	out.Index = maps.Clone(c.Index)
	return out
}

// DefaultClientConfigPath returns $XDG_CONFIG_HOME/aerosol/config.yaml or the
// platform equivalent.
func DefaultClientConfigPath() (string, error) {
	dir, err := os.UserConfigDir()
	if err != nil {
		return "", err
	}
	return filepath.Join(dir, "aerosol", "config.yaml"), nil
}

// LoadClientConfig reads path. A missing file yields the defaults.
func LoadClientConfig(path string) (ClientConfig, error) {
	cfg := DefaultClientConfig()
	raw, err := os.ReadFile(path)
	if errors.Is(err, fs.ErrNotExist) {
		return cfg, nil
	}
	if err != nil {
		return ClientConfig{}, fmt.Errorf("read client config: %w", err)
	}
	if err := yaml.Unmarshal(raw, &cfg); err != nil {
		return ClientConfig{}, fmt.Errorf("parse client config %s: %w", path, err)
	}
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = DefaultPollInterval
	}
	return cfg, nil
}

// SaveClientConfig writes cfg to path atomically with 0600 permissions.
func SaveClientConfig(path string, cfg ClientConfig) error {
	raw, err := yaml.Marshal(cfg)
	if err != nil {
		return fmt.Errorf("marshal client config: %w", err)
	}

	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return fmt.Errorf("create config dir: %w", err)
	}

	tmp, err := os.CreateTemp(dir, filepath.Base(path)+".*.tmp")
	if err != nil {
		return fmt.Errorf("create temp config: %w", err)
	}
	tmpName := tmp.Name()
	defer func() { _ = os.Remove(tmpName) }()

	if err := tmp.Chmod(0o600); err != nil {
		_ = tmp.Close()
		return fmt.Errorf("chmod temp config: %w", err)
	}
	if _, err := tmp.Write(raw); err != nil {
		_ = tmp.Close()
		return fmt.Errorf("write temp config: %w", err)
	}
	if err := tmp.Sync(); err != nil {
		_ = tmp.Close()
		return fmt.Errorf("sync temp config: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("close temp config: %w", err)
	}
	if err := os.Rename(tmpName, path); err != nil {
		return fmt.Errorf("rename temp config: %w", err)
	}
	return nil
}

// ClientFile owns the on-disk client config. Every Update is saved and then
// announced through the Notifier.
type ClientFile struct {
	path     string
	notifier *Notifier

	mu  sync.Mutex
	cfg ClientConfig
}

func OpenClientFile(path string) (*ClientFile, error) {
	cfg, err := LoadClientConfig(path)
	if err != nil {
		return nil, err
	}
	return &ClientFile{path: path, cfg: cfg, notifier: NewNotifier()}, nil
}

func (f *ClientFile) Path() string { return f.path }

func (f *ClientFile) Notifier() *Notifier { return f.notifier }

func (f *ClientFile) Get() ClientConfig {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.cfg.Clone()
}

// Update applies fn to a copy of the current config and persists it. The
// in-memory config is left untouched when saving fails.
func (f *ClientFile) Update(fn func(*ClientConfig)) error {
	f.mu.Lock()
	previous := f.cfg.Clone()
	next := f.cfg.Clone()
	fn(&next)
	if err := SaveClientConfig(f.path, next); err != nil {
		f.mu.Unlock()
		return err
	}
	f.cfg = next
	f.mu.Unlock()

	f.notifier.Publish(ClientConfigChanged{Previous: previous, Current: next.Clone()})
	return nil
}
