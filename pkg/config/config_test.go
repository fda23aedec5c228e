package config

import (
	"os"
	"path/filepath"
	"runtime"
	"strings"
	"testing"
)

func clearEnv(t *testing.T) {
	t.Helper()
	for _, k := range []string{
		"ANTHROPIC_API_KEY", "OPENAI_API_KEY", "GOOGLE_API_KEY", "DEEPSEEK_API_KEY",
		"REFERRALGATE_ORACLE_ADAPTER", "REFERRALGATE_ORACLE_MODEL", "REFERRALGATE_REGISTRY_BASE_URL",
		"REFERRALGATE_STORE_DRIVER", "REFERRALGATE_STORE_PATH", "REFERRALGATE_SERVER_ADDR",
		"REFERRALGATE_LOG_LEVEL", "REFERRALGATE_LOG_DEVELOPMENT", "REFERRALGATE_EVIDENCE_DIR",
		"REFERRALGATE_INTAKE_MAX_TURNS", "REFERRALGATE_INTAKE_MAX_CONCURRENT_TURNS",
	} {
		t.Setenv(k, "")
	}
}

func TestLoadDefaultsWithoutFile(t *testing.T) {
	home := t.TempDir()
	setHomeEnv(t, home)
	clearEnv(t)

	cfg, err := Load()
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.Oracle.Adapter != "mock" || cfg.Oracle.Model != "mock-1" {
		t.Fatalf("expected mock oracle without keys, got %s/%s", cfg.Oracle.Adapter, cfg.Oracle.Model)
	}
	if cfg.Intake.MaxTurns != 10 {
		t.Fatalf("expected turn budget 10, got %d", cfg.Intake.MaxTurns)
	}
	if cfg.Registry.MaxAttempts != 3 || cfg.Registry.Version != "2.1" {
		t.Fatalf("unexpected registry defaults: %+v", cfg.Registry)
	}
	if cfg.Oracle.Retry.MaxRetries != 2 || cfg.Oracle.Retry.BaseBackoffMs != 200 || cfg.Oracle.Retry.MaxBackoffMs != 2000 {
		t.Fatalf("unexpected retry defaults: %+v", cfg.Oracle.Retry)
	}
	if cfg.ConfigDir != filepath.Join(home, ".referralgate") {
		t.Fatalf("unexpected config dir %s", cfg.ConfigDir)
	}
	if err := cfg.Validate(); err != nil {
		t.Fatalf("default config should validate: %v", err)
	}
}

func TestLoadReadsFileAndEnvWins(t *testing.T) {
	home := t.TempDir()
	setHomeEnv(t, home)
	clearEnv(t)

	configDir := filepath.Join(home, ".referralgate")
	if err := os.MkdirAll(configDir, 0700); err != nil {
		t.Fatalf("mkdir config dir: %v", err)
	}
	data := []byte(`api_keys:
  anthropic: file-ant
oracle:
  adapter: anthropic
  model: quality
intake:
  max_turns: 6
  emergency_phrases: ["code blue"]
store:
  driver: sqlite
  path: /tmp/cases.db
`)
	if err := os.WriteFile(filepath.Join(configDir, "config.yaml"), data, 0600); err != nil {
		t.Fatalf("write config: %v", err)
	}
	t.Setenv("ANTHROPIC_API_KEY", "env-ant")
	t.Setenv("REFERRALGATE_INTAKE_MAX_TURNS", "8")

	cfg, err := Load()
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.Intake.MaxTurns != 6 {
		t.Fatalf("Load reads only API keys from the environment, got max turns %d", cfg.Intake.MaxTurns)
	}
	ApplyOverrides(cfg, NewViper())
	if cfg.APIKeys.Anthropic != "env-ant" {
		t.Fatalf("expected env API key to win, got %q", cfg.APIKeys.Anthropic)
	}
	if cfg.Intake.MaxTurns != 8 {
		t.Fatalf("expected env max turns, got %d", cfg.Intake.MaxTurns)
	}
	if cfg.ResolvedModel() != "claude-sonnet-4-20250514" {
		t.Fatalf("expected alias resolution, got %s", cfg.ResolvedModel())
	}
	if len(cfg.Intake.EmergencyPhrases) != 1 || cfg.Intake.EmergencyPhrases[0] != "code blue" {
		t.Fatalf("unexpected phrases %v", cfg.Intake.EmergencyPhrases)
	}
	if err := cfg.Validate(); err != nil {
		t.Fatalf("validate: %v", err)
	}
}

func TestLoadFileRejectsBadYAML(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	if err := os.WriteFile(path, []byte("oracle: [unclosed"), 0600); err != nil {
		t.Fatalf("write: %v", err)
	}
	if _, err := LoadFile(path); err == nil {
		t.Fatalf("expected parse error")
	}
}

func TestValidateReportsProblems(t *testing.T) {
	clearEnv(t)
	cfg := Default()
	cfg.Oracle.Adapter = "openai"
	cfg.Store.Driver = "sqlite"
	cfg.Registry.BaseURL = "not a url"
	cfg.Log.Level = "loud"

	err := cfg.Validate()
	if err == nil {
		t.Fatalf("expected validation error")
	}
	for _, want := range []string{"no API key", "store.path", "registry.base_url", "log level"} {
		if !strings.Contains(err.Error(), want) {
			t.Fatalf("expected %q in %v", want, err)
		}
	}
}

func setHomeEnv(t *testing.T, home string) {
	t.Helper()
	t.Setenv("HOME", home)
	if runtime.GOOS == "windows" {
		t.Setenv("USERPROFILE", home)
	}
}

func TestApplyOverrides(t *testing.T) {
	clearEnv(t)
	cfg := Default()

	v := NewViper()
	v.Set(KeyOracleAdapter, "deepseek")
	v.Set(KeyMaxTurns, 4)
	v.Set(KeyStoreDriver, "file")
	v.Set(KeyLogDevelopment, true)
	ApplyOverrides(cfg, v)

	if cfg.Oracle.Adapter != "deepseek" || cfg.Oracle.Model != "deepseek-chat" {
		t.Fatalf("expected deepseek default model, got %s/%s", cfg.Oracle.Adapter, cfg.Oracle.Model)
	}
	if cfg.Intake.MaxTurns != 4 {
		t.Fatalf("expected max turns 4, got %d", cfg.Intake.MaxTurns)
	}
	if cfg.Store.Driver != "file" || !cfg.Log.Development {
		t.Fatalf("unexpected overrides: store=%s dev=%v", cfg.Store.Driver, cfg.Log.Development)
	}
	if cfg.Server.Addr != ":8080" {
		t.Fatalf("unset key should keep default, got %s", cfg.Server.Addr)
	}
}

func TestApplyOverridesReadsEnv(t *testing.T) {
	clearEnv(t)
	cfg := Default()
	t.Setenv("REFERRALGATE_SERVER_ADDR", "127.0.0.1:9999")

	ApplyOverrides(cfg, NewViper())

	if cfg.Server.Addr != "127.0.0.1:9999" {
		t.Fatalf("expected env addr, got %s", cfg.Server.Addr)
	}
}

func TestDefaultIgnoresPrefixedEnv(t *testing.T) {
	clearEnv(t)
	t.Setenv("REFERRALGATE_STORE_DRIVER", "file")

	cfg := Default()
	if cfg.Store.Driver == "file" {
		t.Fatalf("prefixed variables belong to ApplyOverrides")
	}
	ApplyOverrides(cfg, NewViper())
	if cfg.Store.Driver != "file" {
		t.Fatalf("expected env store driver, got %s", cfg.Store.Driver)
	}
}
