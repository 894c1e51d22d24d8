package config

import "time"

// ExecutionConfig configures how external tools (cargo, solana) are run.
type ExecutionConfig struct {
	// Default timeout for commands
	DefaultTimeout string `yaml:"default_timeout" json:"default_timeout,omitempty"`

	// Build timeout; cargo build-sbf on a cold cache is slow.
	BuildTimeout string `yaml:"build_timeout" json:"build_timeout,omitempty"`

	// Environment variables passed through to child processes
	AllowedEnvVars []string `yaml:"allowed_env_vars" json:"allowed_env_vars,omitempty"`

	// Maximum captured stdout+stderr per command
	MaxOutputBytes int64 `yaml:"max_output_bytes" json:"max_output_bytes,omitempty"`
}

// GetDefaultTimeout returns the command timeout as a duration.
func (e ExecutionConfig) GetDefaultTimeout() time.Duration {
	return parseDuration(e.DefaultTimeout, DefaultCommandTimeout)
}

// GetBuildTimeout returns the build timeout as a duration.
func (e ExecutionConfig) GetBuildTimeout() time.Duration {
	return parseDuration(e.BuildTimeout, 10*time.Minute)
}

func parseDuration(s string, fallback time.Duration) time.Duration {
	d, err := time.ParseDuration(s)
	if err != nil || d <= 0 {
		return fallback
	}
	return d
}
