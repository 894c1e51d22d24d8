package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// DefaultCommandTimeout bounds a single external tool invocation.
const DefaultCommandTimeout = 60 * time.Second

// Config holds all soldeploy configuration.
type Config struct {
	Name    string `yaml:"name"`
	Version string `yaml:"version"`

	// Network is the default cluster for deploy/invoke.
	Network string `yaml:"network"`

	// KeypairPath is the fee payer / deploy authority keypair.
	KeypairPath string `yaml:"keypair_path"`

	// BuildOutputDir is where cargo build-sbf leaves artifacts, relative to
	// the program directory.
	BuildOutputDir string `yaml:"build_output_dir"`

	// ConfirmDelay is how long build-deploy-invoke waits after deploying.
	ConfirmDelay string `yaml:"confirm_delay"`

	// HistoryPath is the SQLite deployment history. Empty disables history.
	HistoryPath string `yaml:"history_path"`

	Networks map[string]Network `yaml:"networks"`

	Execution ExecutionConfig `yaml:"execution"`

	Server ServerConfig `yaml:"server"`

	Logging LoggingConfig `yaml:"logging"`
}

// ServerConfig configures the explorer HTTP API.
type ServerConfig struct {
	Port            int    `yaml:"port"`
	ShutdownTimeout string `yaml:"shutdown_timeout"`
}

// Tool is an external binary the SDK depends on.
type Tool struct {
	Name    string
	Label   string
	Command string
	Missing ErrorCode
}

// RequiredTools lists the binaries needed to build and deploy programs.
var RequiredTools = []Tool{
	{Name: "solana", Label: "Solana CLI", Command: "solana --version", Missing: ErrSolanaCLIMissing},
	{Name: "rust", Label: "Rust", Command: "rustc --version", Missing: ErrRustMissing},
	{Name: "cargo", Label: "Cargo", Command: "cargo --version", Missing: ErrRustMissing},
}

// DefaultConfig returns the default configuration.
func DefaultConfig() *Config {
	home, _ := os.UserHomeDir()
	return &Config{
		Name:           "soldeploy",
		Version:        "1.0.0",
		Network:        Devnet,
		KeypairPath:    filepath.Join(home, ".config", "solana", "id.json"),
		BuildOutputDir: filepath.Join("target", "deploy"),
		ConfirmDelay:   "5s",
		HistoryPath:    filepath.Join(home, ".config", "soldeploy", "history.db"),
		Networks:       DefaultNetworks(),
		Execution: ExecutionConfig{
			DefaultTimeout: "60s",
			BuildTimeout:   "10m",
			AllowedEnvVars: DefaultAllowedEnvVars(),
			MaxOutputBytes: 10 * 1024 * 1024,
		},
		Server: ServerConfig{
			Port:            3000,
			ShutdownTimeout: "5s",
		},
		Logging: LoggingConfig{
			Level:  "info",
			Format: "console",
		},
	}
}

// DefaultAllowedEnvVars lists the variables passed through to cargo and the
// Solana CLI. Proxy and certificate settings are needed to fetch crates and
// reach RPC endpoints from behind a corporate proxy.
func DefaultAllowedEnvVars() []string {
	return []string{
		"PATH", "HOME", "USER", "TMPDIR", "LANG", "LC_ALL",
		"CARGO_HOME", "RUSTUP_HOME", "SOLANA_HOME",
		"HTTP_PROXY", "HTTPS_PROXY", "NO_PROXY", "http_proxy", "https_proxy", "no_proxy",
		"SSL_CERT_FILE", "SSL_CERT_DIR",
	}
}

// DefaultConfigPath returns ~/.config/soldeploy/config.yaml.
func DefaultConfigPath() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return "soldeploy.yaml"
	}
	return filepath.Join(home, ".config", "soldeploy", "config.yaml")
}

// Load loads configuration from a YAML file.
func Load(path string) (*Config, error) {
	cfg := DefaultConfig()

	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			// Return defaults if config file doesn't exist
			cfg.applyEnvOverrides()
			return cfg, nil
		}
		return nil, fmt.Errorf("failed to read config: %w", err)
	}

	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}

	// A partial networks section extends rather than replaces the built-ins.
	if cfg.Networks == nil {
		cfg.Networks = make(map[string]Network)
	}
	for name, n := range DefaultNetworks() {
		if _, ok := cfg.Networks[name]; !ok {
			cfg.Networks[name] = n
		}
	}

	cfg.applyEnvOverrides()

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Save saves configuration to a YAML file.
func (c *Config) Save(path string) error {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return fmt.Errorf("failed to create config directory: %w", err)
	}

	data, err := yaml.Marshal(c)
	if err != nil {
		return fmt.Errorf("failed to marshal config: %w", err)
	}

	if err := os.WriteFile(path, data, 0644); err != nil {
		return fmt.Errorf("failed to write config: %w", err)
	}

	return nil
}

// applyEnvOverrides applies environment variable overrides.
func (c *Config) applyEnvOverrides() {
	if network := os.Getenv("SOLANA_NETWORK"); network != "" {
		c.Network = network
	}
	if path := os.Getenv("SOLANA_KEYPAIR_PATH"); path != "" {
		c.KeypairPath = path
	}
	if path := os.Getenv("SOLDEPLOY_DB"); path != "" {
		c.HistoryPath = path
	}

	// Per-cluster RPC overrides, e.g. SOLDEPLOY_RPC_DEVNET, SOLDEPLOY_RPC_MAINNET_BETA.
	for name, n := range c.Networks {
		key := "SOLDEPLOY_RPC_" + strings.ToUpper(strings.ReplaceAll(name, "-", "_"))
		if url := os.Getenv(key); url != "" {
			n.URL = url
			c.Networks[name] = n
		}
	}
}

// Validate checks the configuration for obvious mistakes.
func (c *Config) Validate() error {
	if len(c.Networks) == 0 {
		return fmt.Errorf("no networks configured")
	}
	for name, n := range c.Networks {
		if n.URL == "" {
			return fmt.Errorf("network %q has no url", name)
		}
	}
	if c.Server.Port < 0 || c.Server.Port > 65535 {
		return fmt.Errorf("invalid server port %d", c.Server.Port)
	}
	return nil
}

// GetConfirmDelay returns the post-deploy wait as a duration.
func (c *Config) GetConfirmDelay() time.Duration {
	d, err := time.ParseDuration(c.ConfirmDelay)
	if err != nil || d < 0 {
		return 5 * time.Second
	}
	return d
}

// GetShutdownTimeout returns the explorer server's graceful shutdown budget.
func (c *Config) GetShutdownTimeout() time.Duration {
	return parseDuration(c.Server.ShutdownTimeout, 5*time.Second)
}
