// Package config handles configuration for flutter-driver.
package config

import (
	"fmt"
	"os"
	"path/filepath"

	"gopkg.in/yaml.v3"
)

// DefaultAppiumURL is where the native backends are reached when nothing is configured.
const DefaultAppiumURL = "http://127.0.0.1:4723"

// Config represents the driver configuration (config.yaml).
type Config struct {
	// Native backend
	AppiumURL string `yaml:"appiumURL"` // Appium server hosting XCUITest / UiAutomator2

	// Logging
	LogFile  string `yaml:"logFile"`  // Empty logs to stderr
	LogLevel string `yaml:"logLevel"` // debug, info, warn, error

	// Capability defaults, overridden by the session's own capabilities
	Capabilities map[string]interface{} `yaml:"capabilities"`
}

// Load loads configuration from a file.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path) //#nosec G304 -- user-provided config file
	if err != nil {
		return nil, err
	}

	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, err
	}
	cfg.applyDefaults()

	return &cfg, nil
}

// LoadFromDir looks for config.yaml or config.yml in the directory.
func LoadFromDir(dir string) (*Config, error) {
	// Try config.yaml first
	configPath := filepath.Join(dir, "config.yaml")
	if _, err := os.Stat(configPath); err == nil {
		return Load(configPath)
	}

	// Try config.yml
	configPath = filepath.Join(dir, "config.yml")
	if _, err := os.Stat(configPath); err == nil {
		return Load(configPath)
	}

	// No config file found, return defaults
	cfg := &Config{}
	cfg.applyDefaults()
	return cfg, nil
}

func (c *Config) applyDefaults() {
	if c.AppiumURL == "" {
		c.AppiumURL = DefaultAppiumURL
	}
	if c.LogLevel == "" {
		c.LogLevel = "info"
	}
}

// MergeCapabilities layers caps over the configured capability defaults.
// Neither input is modified.
func (c *Config) MergeCapabilities(caps map[string]interface{}) map[string]interface{} {
	merged := make(map[string]interface{}, len(c.Capabilities)+len(caps))
	for k, v := range c.Capabilities {
		merged[k] = v
	}
	for k, v := range caps {
		merged[k] = v
	}
	return merged
}

// LoadCapabilities reads a capabilities file. YAML is a superset of JSON, so
// both caps.yaml and caps.json work.
func LoadCapabilities(path string) (map[string]interface{}, error) {
	data, err := os.ReadFile(path) //#nosec G304 -- user-provided capabilities file
	if err != nil {
		return nil, err
	}

	var caps map[string]interface{}
	if err := yaml.Unmarshal(data, &caps); err != nil {
		return nil, fmt.Errorf("failed to parse capabilities %s: %w", path, err)
	}
	if caps == nil {
		caps = map[string]interface{}{}
	}
	return caps, nil
}
