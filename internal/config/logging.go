package config

// LoggingConfig configures logging.
type LoggingConfig struct {
	Level  string `yaml:"level" json:"level,omitempty"`   // debug, info
	Format string `yaml:"format" json:"format,omitempty"` // json, console
}

// IsDebug reports whether debug output was requested.
func (c LoggingConfig) IsDebug() bool {
	return c.Level == "debug"
}

// IsJSON reports whether entries should be JSON encoded.
func (c LoggingConfig) IsJSON() bool {
	return c.Format == "json"
}
