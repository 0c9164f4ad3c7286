package config

import (
	"os"
	"path/filepath"
	"testing"
)

func TestLoad_ValidConfig(t *testing.T) {
	dir := t.TempDir()
	configPath := filepath.Join(dir, "config.yaml")

	content := `
appiumURL: http://10.0.0.5:4723
logFile: /tmp/flutter-driver.log
logLevel: debug
capabilities:
  retryBackoffTime: 500
  maxRetryCount: 4
  automationName: Flutter
`
	if err := os.WriteFile(configPath, []byte(content), 0644); err != nil {
		t.Fatal(err)
	}

	cfg, err := Load(configPath)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if cfg.AppiumURL != "http://10.0.0.5:4723" {
		t.Errorf("expected appiumURL http://10.0.0.5:4723, got %s", cfg.AppiumURL)
	}
	if cfg.LogFile != "/tmp/flutter-driver.log" {
		t.Errorf("expected logFile /tmp/flutter-driver.log, got %s", cfg.LogFile)
	}
	if cfg.LogLevel != "debug" {
		t.Errorf("expected logLevel debug, got %s", cfg.LogLevel)
	}
	if cfg.Capabilities["retryBackoffTime"] != 500 {
		t.Errorf("expected retryBackoffTime 500, got %v", cfg.Capabilities["retryBackoffTime"])
	}
	if cfg.Capabilities["maxRetryCount"] != 4 {
		t.Errorf("expected maxRetryCount 4, got %v", cfg.Capabilities["maxRetryCount"])
	}
}

func TestLoad_NonExistentFile(t *testing.T) {
	_, err := Load("/nonexistent/config.yaml")
	if err == nil {
		t.Error("expected error for nonexistent file")
	}
}

func TestLoad_InvalidYAML(t *testing.T) {
	dir := t.TempDir()
	configPath := filepath.Join(dir, "config.yaml")

	content := `capabilities: [invalid yaml`
	if err := os.WriteFile(configPath, []byte(content), 0644); err != nil {
		t.Fatal(err)
	}

	_, err := Load(configPath)
	if err == nil {
		t.Error("expected error for invalid YAML")
	}
}

func TestLoad_EmptyConfigGetsDefaults(t *testing.T) {
	dir := t.TempDir()
	configPath := filepath.Join(dir, "config.yaml")

	if err := os.WriteFile(configPath, []byte(``), 0644); err != nil {
		t.Fatal(err)
	}

	cfg, err := Load(configPath)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if cfg.AppiumURL != DefaultAppiumURL {
		t.Errorf("expected default appiumURL, got %s", cfg.AppiumURL)
	}
	if cfg.LogLevel != "info" {
		t.Errorf("expected default logLevel info, got %s", cfg.LogLevel)
	}
}

func TestLoadFromDir_ConfigYml(t *testing.T) {
	dir := t.TempDir()

	if err := os.WriteFile(filepath.Join(dir, "config.yml"), []byte(`logLevel: warn`), 0644); err != nil {
		t.Fatal(err)
	}

	cfg, err := LoadFromDir(dir)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if cfg.LogLevel != "warn" {
		t.Errorf("expected logLevel warn, got %s", cfg.LogLevel)
	}
}

func TestLoadFromDir_NoConfig(t *testing.T) {
	cfg, err := LoadFromDir(t.TempDir())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if cfg.AppiumURL != DefaultAppiumURL {
		t.Errorf("expected default appiumURL, got %s", cfg.AppiumURL)
	}
	if len(cfg.Capabilities) != 0 {
		t.Errorf("expected no capability defaults, got %v", cfg.Capabilities)
	}
}

func TestLoadFromDir_PrefersYamlOverYml(t *testing.T) {
	dir := t.TempDir()

	if err := os.WriteFile(filepath.Join(dir, "config.yaml"), []byte(`logLevel: debug`), 0644); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(filepath.Join(dir, "config.yml"), []byte(`logLevel: error`), 0644); err != nil {
		t.Fatal(err)
	}

	cfg, err := LoadFromDir(dir)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if cfg.LogLevel != "debug" {
		t.Errorf("expected logLevel debug (from config.yaml), got %s", cfg.LogLevel)
	}
}

func TestMergeCapabilities(t *testing.T) {
	cfg := &Config{Capabilities: map[string]interface{}{
		"automationName": "Flutter",
		"maxRetryCount":  4,
	}}
	caps := map[string]interface{}{
		"platformName":  "iOS",
		"maxRetryCount": 2,
	}

	merged := cfg.MergeCapabilities(caps)

	if merged["automationName"] != "Flutter" {
		t.Errorf("default automationName missing: %v", merged)
	}
	if merged["maxRetryCount"] != 2 {
		t.Errorf("session value should win, got %v", merged["maxRetryCount"])
	}
	if _, ok := cfg.Capabilities["platformName"]; ok {
		t.Error("MergeCapabilities modified the defaults")
	}
}

func TestLoadCapabilities_JSONAndYAML(t *testing.T) {
	dir := t.TempDir()

	jsonPath := filepath.Join(dir, "caps.json")
	if err := os.WriteFile(jsonPath, []byte(`{"platformName": "Android", "maxRetryCount": 3}`), 0644); err != nil {
		t.Fatal(err)
	}
	yamlPath := filepath.Join(dir, "caps.yaml")
	if err := os.WriteFile(yamlPath, []byte("platformName: iOS\nudid: abc\n"), 0644); err != nil {
		t.Fatal(err)
	}

	caps, err := LoadCapabilities(jsonPath)
	if err != nil {
		t.Fatalf("json: %v", err)
	}
	if caps["platformName"] != "Android" || caps["maxRetryCount"] != 3 {
		t.Errorf("json caps = %v", caps)
	}

	caps, err = LoadCapabilities(yamlPath)
	if err != nil {
		t.Fatalf("yaml: %v", err)
	}
	if caps["platformName"] != "iOS" || caps["udid"] != "abc" {
		t.Errorf("yaml caps = %v", caps)
	}
}
