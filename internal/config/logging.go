package config

import "codecoach/internal/logging"

// LoggingConfig configures the categorized file logs.
type LoggingConfig struct {
	DebugMode  bool            `yaml:"debug_mode"`           // Master toggle - false = no file logs
	Level      string          `yaml:"level"`                // debug, info, warn, error
	JSONFormat bool            `yaml:"json_format"`          // One JSON object per line
	Categories map[string]bool `yaml:"categories,omitempty"` // Per-category toggles
}

// IsCategoryEnabled returns whether logging is enabled for a category.
// Returns false if debug_mode is false.
// Returns true if debug_mode is true and category is enabled (or not specified).
func (c *LoggingConfig) IsCategoryEnabled(category string) bool {
	if !c.DebugMode {
		return false
	}
	if c.Categories == nil {
		return true
	}
	enabled, exists := c.Categories[category]
	if !exists {
		return true
	}
	return enabled
}

// Settings converts the section for logging.Initialize.
func (c *LoggingConfig) Settings() logging.Settings {
	return logging.Settings{
		DebugMode:  c.DebugMode,
		Level:      c.Level,
		JSONFormat: c.JSONFormat,
		Categories: c.Categories,
	}
}
