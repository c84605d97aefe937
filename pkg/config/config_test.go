package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func writeConfig(t *testing.T, home, body string) string {
	t.Helper()
	configDir := filepath.Join(home, ".concierge")
	if err := os.MkdirAll(configDir, 0o700); err != nil {
		t.Fatalf("mkdir config dir: %v", err)
	}
	configPath := filepath.Join(configDir, "config.yaml")
	if err := os.WriteFile(configPath, []byte(body), 0o600); err != nil {
		t.Fatalf("write config: %v", err)
	}
	return configPath
}

func TestLoad_MissingFile_ReturnsDefault(t *testing.T) {
	t.Setenv("HOME", t.TempDir())

	cfg, path, err := Load()
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if path == "" {
		t.Fatalf("expected config path")
	}
	if got := cfg.Host(); got != DefaultHost {
		t.Fatalf("cfg.Host() = %q, want %q", got, DefaultHost)
	}
	if got := cfg.Port(); got != DefaultPort {
		t.Fatalf("cfg.Port() = %d, want %d", got, DefaultPort)
	}
	if got := cfg.LookbackMessages(); got != DefaultLookbackMessages {
		t.Fatalf("cfg.LookbackMessages() = %d, want %d", got, DefaultLookbackMessages)
	}
	if !cfg.ActionsEnabled() {
		t.Fatalf("actions should be enabled by default")
	}
	if got := cfg.CompactionMode(); got != "llm" {
		t.Fatalf("cfg.CompactionMode() = %q, want llm", got)
	}
}

func TestEnsureDefaultConfig_CreatesFile(t *testing.T) {
	home := t.TempDir()
	t.Setenv("HOME", home)

	path, err := EnsureDefaultConfig()
	if err != nil {
		t.Fatalf("EnsureDefaultConfig() error = %v", err)
	}
	if _, err := os.Stat(path); err != nil {
		t.Fatalf("expected config file to exist at %s: %v", path, err)
	}

	cfg, gotPath, err := Load()
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if filepath.Clean(gotPath) != filepath.Clean(path) {
		t.Fatalf("Load() path = %s, want %s", gotPath, path)
	}
	if got := cfg.ModelTimeout(); got != DefaultModelTimeout {
		t.Fatalf("cfg.ModelTimeout() = %s, want %s", got, DefaultModelTimeout)
	}
}

func TestLoad_ParsesAssistantAndCompaction(t *testing.T) {
	home := t.TempDir()
	t.Setenv("HOME", home)
	writeConfig(t, home, `
server:
  port: 9090
assistant:
  lookback_messages: 5
  retrieval_token_budget: 800
  model_timeout: 3s
  actions_enabled: false
compaction:
  max_unsummarized_messages: 12
  mode: concat
`)

	cfg, _, err := Load()
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if got := cfg.Port(); got != 9090 {
		t.Errorf("cfg.Port() = %d, want 9090", got)
	}
	if got := cfg.LookbackMessages(); got != 5 {
		t.Errorf("cfg.LookbackMessages() = %d, want 5", got)
	}
	if got := cfg.RetrievalTokenBudget(); got != 800 {
		t.Errorf("cfg.RetrievalTokenBudget() = %d, want 800", got)
	}
	if got := cfg.ModelTimeout(); got != 3*time.Second {
		t.Errorf("cfg.ModelTimeout() = %s, want 3s", got)
	}
	if cfg.ActionsEnabled() {
		t.Errorf("cfg.ActionsEnabled() = true, want false")
	}
	if got := cfg.MaxUnsummarizedMessages(); got != 12 {
		t.Errorf("cfg.MaxUnsummarizedMessages() = %d, want 12", got)
	}
	if got := cfg.CompactionMode(); got != "concat" {
		t.Errorf("cfg.CompactionMode() = %q, want concat", got)
	}
}

func TestLoad_RejectsInvalidValues(t *testing.T) {
	tests := []struct {
		name string
		body string
	}{
		{"port", "server:\n  port: 70000\n"},
		{"driver", "database:\n  driver: oracle\n"},
		{"mode", "compaction:\n  mode: magic\n"},
		{"lookback", "assistant:\n  lookback_messages: 0\n"},
		{"source driver", "knowledge_sources:\n  - driver: mssql\n    tenant_id: t\n    source_type: faq\n    query: select 1\n"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			home := t.TempDir()
			t.Setenv("HOME", home)
			writeConfig(t, home, tt.body)
			if _, _, err := Load(); err == nil {
				t.Fatalf("expected error for %s", tt.name)
			}
		})
	}
}

func TestLoad_EnvOverridesSecrets(t *testing.T) {
	t.Setenv("HOME", t.TempDir())
	t.Setenv("CONCIERGE_MODEL_API_KEY", "sk-test")
	t.Setenv("CONCIERGE_DB_DSN", "/tmp/other.db")

	cfg, _, err := Load()
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if cfg.Model.ApiKey != "sk-test" {
		t.Errorf("Model.ApiKey = %q, want sk-test", cfg.Model.ApiKey)
	}
	if got := cfg.DatabaseDSN(); got != "/tmp/other.db" {
		t.Errorf("DatabaseDSN() = %q", got)
	}
}

func TestLoadDotEnv(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, ".env")
	if err := os.WriteFile(path, []byte("CONCIERGE_TEST_DOTENV=loaded\n"), 0o600); err != nil {
		t.Fatalf("write env: %v", err)
	}
	t.Setenv("CONCIERGE_TEST_DOTENV", "")
	os.Unsetenv("CONCIERGE_TEST_DOTENV")

	if err := LoadDotEnv(path); err != nil {
		t.Fatalf("LoadDotEnv() error = %v", err)
	}
	if got := os.Getenv("CONCIERGE_TEST_DOTENV"); got != "loaded" {
		t.Fatalf("env = %q, want loaded", got)
	}
	if err := LoadDotEnv(filepath.Join(dir, "missing.env")); err != nil {
		t.Fatalf("missing file should not error: %v", err)
	}
}
