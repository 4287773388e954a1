package config

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/adrg/xdg"
	"gopkg.in/yaml.v3"
)

const (
	DefaultRemote        = "origin"
	DefaultDebounce      = 10 * time.Second
	DefaultPullInterval  = 60 * time.Second
	DefaultCommitMessage = "Autocommit"
	DefaultSSHKeyName    = "id_ed25519"
)

// Config represents the complete reposyncd configuration
type Config struct {
	Repo  RepoConfig  `yaml:"repo"`
	Sync  SyncConfig  `yaml:"sync"`
	Watch WatchConfig `yaml:"watch"`
	Auth  AuthConfig  `yaml:"auth"`
	Serve ServeConfig `yaml:"serve"`
}

// RepoConfig identifies the local repository and what it tracks
type RepoConfig struct {
	Path   string `yaml:"path"`
	Remote string `yaml:"remote"`
	// Branch is optional; the branch HEAD points at is used when empty.
	Branch string `yaml:"branch"`
}

// SyncConfig configures the sync loop timings and behavior
type SyncConfig struct {
	Debounce         time.Duration `yaml:"debounce"`
	PullInterval     time.Duration `yaml:"pull_interval"`
	CommitMessage    string        `yaml:"commit_message"`
	OperationTimeout time.Duration `yaml:"operation_timeout"`
	RetryPushOnTick  bool          `yaml:"retry_push_on_tick"`
}

// WatchConfig configures the filesystem watcher
type WatchConfig struct {
	// Ignore holds gitignore-style patterns applied on top of the repository's .gitignore.
	Ignore []string `yaml:"ignore"`
}

// AuthConfig configures Git authentication
type AuthConfig struct {
	SSHKeyFile            string `yaml:"ssh_key_file"`
	SSHKeyPassphraseFile  string `yaml:"ssh_key_passphrase_file"`
	SSHUser               string `yaml:"ssh_user"`
	KnownHostsFile        string `yaml:"known_hosts_file"`
	InsecureIgnoreHostKey bool   `yaml:"insecure_ignore_host_key"`
	HTTPSTokenFile        string `yaml:"https_token_file"`
}

// ServeConfig configures the optional HTTP surface (webhook, metrics, health)
type ServeConfig struct {
	ListenAddr              string   `yaml:"listen_addr"`
	GitHubWebhookSecretFile string   `yaml:"github_webhook_secret_file"`
	AllowedEventTypes       []string `yaml:"allowed_event_types"`
	AllowedRefs             []string `yaml:"allowed_refs"`
}

// DefaultPath returns the config file location under the XDG config home.
func DefaultPath() string {
	return filepath.Join(xdg.ConfigHome, "reposyncd", "config.yaml")
}

// Default returns a configuration with every default applied and no file read.
func Default() *Config {
	cfg := &Config{}
	cfg.applyDefaults()
	return cfg
}

// Load reads, parses and validates the configuration file
func Load(path string) (*Config, error) {
	cfg, err := Read(path)
	if err != nil {
		return nil, err
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	return cfg, nil
}

// Read parses the configuration file and applies defaults without validating,
// so callers can layer overrides on top before calling Validate.
func Read(path string) (*Config, error) {
	// Expand environment variables in path
	path = os.ExpandEnv(path)

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config file: %w", err)
	}

	cfg.expandEnv()
	cfg.applyDefaults()

	return &cfg, nil
}

// expandEnv expands environment variables in all path-like string fields
func (c *Config) expandEnv() {
	c.Repo.Path = os.ExpandEnv(c.Repo.Path)
	c.Auth.SSHKeyFile = os.ExpandEnv(c.Auth.SSHKeyFile)
	c.Auth.SSHKeyPassphraseFile = os.ExpandEnv(c.Auth.SSHKeyPassphraseFile)
	c.Auth.KnownHostsFile = os.ExpandEnv(c.Auth.KnownHostsFile)
	c.Auth.HTTPSTokenFile = os.ExpandEnv(c.Auth.HTTPSTokenFile)
	c.Serve.ListenAddr = os.ExpandEnv(c.Serve.ListenAddr)
	c.Serve.GitHubWebhookSecretFile = os.ExpandEnv(c.Serve.GitHubWebhookSecretFile)
}

// applyDefaults fills in zero-value fields with sensible defaults.
func (c *Config) applyDefaults() {
	if c.Repo.Remote == "" {
		c.Repo.Remote = DefaultRemote
	}
	if c.Sync.Debounce == 0 {
		c.Sync.Debounce = DefaultDebounce
	}
	if c.Sync.PullInterval == 0 {
		c.Sync.PullInterval = DefaultPullInterval
	}
	if c.Sync.CommitMessage == "" {
		c.Sync.CommitMessage = DefaultCommitMessage
	}
	if c.Auth.SSHKeyFile == "" && c.Auth.HTTPSTokenFile == "" {
		if home, err := os.UserHomeDir(); err == nil {
			c.Auth.SSHKeyFile = filepath.Join(home, ".ssh", DefaultSSHKeyName)
		}
	}
}

// Validate checks the configuration for errors
func (c *Config) Validate() error {
	if c.Repo.Path == "" {
		return fmt.Errorf("repo.path is required")
	}
	if !filepath.IsAbs(c.Repo.Path) {
		return fmt.Errorf("repo.path must be an absolute path: %s", c.Repo.Path)
	}
	if c.Repo.Remote == "" {
		return fmt.Errorf("repo.remote is required")
	}

	if c.Sync.Debounce <= 0 {
		return fmt.Errorf("sync.debounce must be positive: %s", c.Sync.Debounce)
	}
	if c.Sync.PullInterval <= 0 {
		return fmt.Errorf("sync.pull_interval must be positive: %s", c.Sync.PullInterval)
	}
	if c.Sync.OperationTimeout < 0 {
		return fmt.Errorf("sync.operation_timeout must not be negative: %s", c.Sync.OperationTimeout)
	}

	// Only one auth method may be configured
	if c.Auth.SSHKeyFile != "" && c.Auth.HTTPSTokenFile != "" {
		return fmt.Errorf("auth: only one of ssh_key_file or https_token_file may be set")
	}
	if c.Auth.InsecureIgnoreHostKey && c.Auth.KnownHostsFile != "" {
		return fmt.Errorf("auth: known_hosts_file and insecure_ignore_host_key are mutually exclusive")
	}

	if c.Serve.GitHubWebhookSecretFile != "" && c.Serve.ListenAddr == "" {
		return fmt.Errorf("serve.listen_addr is required when serve.github_webhook_secret_file is set")
	}

	return nil
}

// ServeEnabled reports whether the HTTP surface should be started
func (c *Config) ServeEnabled() bool {
	return c.Serve.ListenAddr != ""
}

// WebhookEnabled reports whether push webhooks should be accepted
func (c *Config) WebhookEnabled() bool {
	return c.ServeEnabled() && c.Serve.GitHubWebhookSecretFile != ""
}

// AuthMethod returns a description of the configured auth method
func (c *Config) AuthMethod() string {
	if c.Auth.HTTPSTokenFile != "" {
		return "https"
	}
	if c.Auth.SSHKeyFile != "" {
		return "ssh"
	}
	return "none"
}
