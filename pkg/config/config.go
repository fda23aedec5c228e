package config

import (
	"errors"
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

const (
	dirName  = ".referralgate"
	fileName = "config.yaml"
)

// Config holds the application configuration.
type Config struct {
	APIKeys     APIKeysConfig  `yaml:"api_keys"`
	Oracle      OracleConfig   `yaml:"oracle"`
	Registry    RegistryConfig `yaml:"registry"`
	Intake      IntakeConfig   `yaml:"intake"`
	Store       StoreConfig    `yaml:"store"`
	Server      ServerConfig   `yaml:"server"`
	Log         LogConfig      `yaml:"log"`
	EvidenceDir string         `yaml:"evidence_dir,omitempty"`

	Models    *ModelAliases `yaml:"-"`
	ConfigDir string        `yaml:"-"`
}

// APIKeysConfig holds oracle provider keys. Environment variables win.
type APIKeysConfig struct {
	Anthropic string `yaml:"anthropic"`
	OpenAI    string `yaml:"openai"`
	Google    string `yaml:"google"`
	DeepSeek  string `yaml:"deepseek"`
}

// OracleConfig selects and tunes the decision oracle.
type OracleConfig struct {
	Adapter     string      `yaml:"adapter"`
	Model       string      `yaml:"model"`
	Temperature *float64    `yaml:"temperature,omitempty"`
	MaxTokens   int         `yaml:"max_tokens,omitempty"`
	TimeoutMs   int         `yaml:"timeout_ms,omitempty"`
	Retry       RetryConfig `yaml:"retry,omitempty"`
}

// RetryConfig defines retry and backoff behavior for oracle calls.
type RetryConfig struct {
	MaxRetries    int `yaml:"max_retries,omitempty"`
	BaseBackoffMs int `yaml:"base_backoff_ms,omitempty"`
	MaxBackoffMs  int `yaml:"max_backoff_ms,omitempty"`
}

// RegistryConfig configures the NPPES client.
type RegistryConfig struct {
	BaseURL            string `yaml:"base_url"`
	Version            string `yaml:"version"`
	Limit              int    `yaml:"limit,omitempty"`
	TimeoutMs          int    `yaml:"timeout_ms,omitempty"`
	MaxAttempts        int    `yaml:"max_attempts,omitempty"`
	RateLimitBackoffMs int    `yaml:"rate_limit_backoff_ms,omitempty"`
	TransientBackoffMs int    `yaml:"transient_backoff_ms,omitempty"`
	MaxBackoffMs       int    `yaml:"max_backoff_ms,omitempty"`
}

// IntakeConfig bounds the controller.
type IntakeConfig struct {
	MaxTurns           int      `yaml:"max_turns,omitempty"`
	MaxConcurrentTurns int      `yaml:"max_concurrent_turns,omitempty"`
	MaxToolRounds      int      `yaml:"max_tool_rounds,omitempty"`
	EmergencyPhrases   []string `yaml:"emergency_phrases,omitempty"`
	CancelPhrases      []string `yaml:"cancel_phrases,omitempty"`
	CancelUtterances   []string `yaml:"cancel_utterances,omitempty"`
	OutOfScopePhrases  []string `yaml:"out_of_scope_phrases,omitempty"`
}

// StoreConfig selects the case store.
type StoreConfig struct {
	Driver string `yaml:"driver"`
	Path   string `yaml:"path,omitempty"`
}

// ServerConfig configures the HTTP transport.
type ServerConfig struct {
	Addr string `yaml:"addr"`
}

// LogConfig configures zap.
type LogConfig struct {
	Level       string `yaml:"level"`
	Development bool   `yaml:"development,omitempty"`
}

// Load reads ~/.referralgate/config.yaml when present, then applies API key
// variables and defaults.
func Load() (*Config, error) {
	configDir, err := getConfigDir()
	if err != nil {
		return nil, fmt.Errorf("failed to get config directory: %w", err)
	}

	cfg, err := readFile(filepath.Join(configDir, fileName))
	if err != nil && !errors.Is(err, os.ErrNotExist) {
		return nil, err
	}
	if cfg == nil {
		cfg = &Config{}
	}
	cfg.ConfigDir = configDir

	models, err := LoadAliasesWithFallback(filepath.Join(configDir, "models.yaml"))
	if err != nil {
		return nil, fmt.Errorf("failed to load model aliases: %w", err)
	}
	cfg.Models = models

	applyEnv(cfg)
	applyDefaults(cfg)
	return cfg, nil
}

// LoadFile reads configuration from an explicit path. A missing file is an
// error.
func LoadFile(path string) (*Config, error) {
	cfg, err := readFile(path)
	if err != nil {
		return nil, err
	}
	cfg.ConfigDir = filepath.Dir(path)
	cfg.Models = DefaultAliases()
	applyEnv(cfg)
	applyDefaults(cfg)
	return cfg, nil
}

// Default returns the built-in configuration with environment overrides.
func Default() *Config {
	cfg := &Config{Models: DefaultAliases()}
	applyEnv(cfg)
	applyDefaults(cfg)
	return cfg
}

func readFile(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("failed to parse %s: %w", path, err)
	}
	return &cfg, nil
}

// applyEnv reads provider API keys from their conventional variables.
// REFERRALGATE_* settings are read by ApplyOverrides.
func applyEnv(cfg *Config) {
	cfg.APIKeys.Anthropic = getEnvOrDefault("ANTHROPIC_API_KEY", cfg.APIKeys.Anthropic)
	cfg.APIKeys.OpenAI = getEnvOrDefault("OPENAI_API_KEY", cfg.APIKeys.OpenAI)
	cfg.APIKeys.Google = getEnvOrDefault("GOOGLE_API_KEY", cfg.APIKeys.Google)
	cfg.APIKeys.DeepSeek = getEnvOrDefault("DEEPSEEK_API_KEY", cfg.APIKeys.DeepSeek)
}

func applyDefaults(cfg *Config) {
	if cfg.Oracle.Adapter == "" {
		cfg.Oracle.Adapter = cfg.firstConfiguredAdapter()
	}
	if cfg.Oracle.MaxTokens == 0 {
		cfg.Oracle.MaxTokens = 1200
	}
	if cfg.Oracle.Temperature == nil {
		t := 0.7
		cfg.Oracle.Temperature = &t
	}
	if cfg.Oracle.TimeoutMs == 0 {
		cfg.Oracle.TimeoutMs = 60000
	}
	if cfg.Oracle.Retry.MaxRetries == 0 {
		cfg.Oracle.Retry.MaxRetries = 2
	}
	if cfg.Oracle.Retry.BaseBackoffMs == 0 {
		cfg.Oracle.Retry.BaseBackoffMs = 200
	}
	if cfg.Oracle.Retry.MaxBackoffMs == 0 {
		cfg.Oracle.Retry.MaxBackoffMs = 2000
	}

	if cfg.Registry.BaseURL == "" {
		cfg.Registry.BaseURL = "https://npiregistry.cms.hhs.gov/api/"
	}
	if cfg.Registry.Version == "" {
		cfg.Registry.Version = "2.1"
	}
	if cfg.Registry.Limit == 0 {
		cfg.Registry.Limit = 10
	}
	if cfg.Registry.TimeoutMs == 0 {
		cfg.Registry.TimeoutMs = 30000
	}
	if cfg.Registry.MaxAttempts == 0 {
		cfg.Registry.MaxAttempts = 3
	}
	if cfg.Registry.RateLimitBackoffMs == 0 {
		cfg.Registry.RateLimitBackoffMs = 1000
	}
	if cfg.Registry.TransientBackoffMs == 0 {
		cfg.Registry.TransientBackoffMs = 1000
	}
	if cfg.Registry.MaxBackoffMs == 0 {
		cfg.Registry.MaxBackoffMs = 30000
	}

	if cfg.Intake.MaxTurns == 0 {
		cfg.Intake.MaxTurns = 10
	}
	if cfg.Intake.MaxConcurrentTurns == 0 {
		cfg.Intake.MaxConcurrentTurns = 16
	}
	if cfg.Intake.MaxToolRounds == 0 {
		cfg.Intake.MaxToolRounds = 2
	}

	if cfg.Store.Driver == "" {
		cfg.Store.Driver = "memory"
	}
	if cfg.Server.Addr == "" {
		cfg.Server.Addr = ":8080"
	}
	if cfg.Log.Level == "" {
		cfg.Log.Level = "info"
	}
	if cfg.Models == nil {
		cfg.Models = DefaultAliases()
	}
	if cfg.Oracle.Model == "" {
		cfg.Oracle.Model = defaultModel(cfg.Oracle.Adapter)
	}
}

func (c *Config) firstConfiguredAdapter() string {
	for _, name := range []string{"anthropic", "openai", "google", "deepseek"} {
		if c.HasAdapter(name) {
			return name
		}
	}
	return "mock"
}

func defaultModel(adapter string) string {
	switch adapter {
	case "anthropic":
		return "claude-sonnet-4-20250514"
	case "openai":
		return "gpt-4.1"
	case "google":
		return "gemini-2.5-flash"
	case "deepseek":
		return "deepseek-chat"
	default:
		return "mock-1"
	}
}

// Validate reports configuration that cannot work.
func (c *Config) Validate() error {
	var problems []string
	switch c.Oracle.Adapter {
	case "mock":
	case "anthropic", "openai", "google", "deepseek":
		if !c.HasAdapter(c.Oracle.Adapter) {
			problems = append(problems, fmt.Sprintf("oracle adapter %s has no API key", c.Oracle.Adapter))
		}
	default:
		problems = append(problems, fmt.Sprintf("unknown oracle adapter %q", c.Oracle.Adapter))
	}
	if c.Intake.MaxTurns < 1 {
		problems = append(problems, "intake.max_turns must be positive")
	}
	if c.Intake.MaxConcurrentTurns < 1 {
		problems = append(problems, "intake.max_concurrent_turns must be positive")
	}
	switch c.Store.Driver {
	case "memory", "file":
	case "sqlite":
		if c.Store.Path == "" {
			problems = append(problems, "store.path is required for the sqlite driver")
		}
	default:
		problems = append(problems, fmt.Sprintf("unknown store driver %q", c.Store.Driver))
	}
	if u, err := url.Parse(c.Registry.BaseURL); err != nil || u.Scheme == "" || u.Host == "" {
		problems = append(problems, fmt.Sprintf("registry.base_url %q is not an absolute URL", c.Registry.BaseURL))
	}
	switch strings.ToLower(c.Log.Level) {
	case "debug", "info", "warn", "error":
	default:
		problems = append(problems, fmt.Sprintf("unknown log level %q", c.Log.Level))
	}
	if len(problems) > 0 {
		return fmt.Errorf("invalid configuration: %s", strings.Join(problems, "; "))
	}
	return nil
}

// HasAdapter returns true if the API key for the given adapter is configured.
func (c *Config) HasAdapter(name string) bool {
	switch name {
	case "anthropic":
		return c.APIKeys.Anthropic != ""
	case "openai":
		return c.APIKeys.OpenAI != ""
	case "google":
		return c.APIKeys.Google != ""
	case "deepseek":
		return c.APIKeys.DeepSeek != ""
	case "mock":
		return true
	default:
		return false
	}
}

// ResolvedModel returns the oracle model with aliases expanded.
func (c *Config) ResolvedModel() string {
	return c.Models.Resolve(c.Oracle.Model)
}

// Timeout returns the per-call oracle timeout.
func (o OracleConfig) Timeout() time.Duration {
	return time.Duration(o.TimeoutMs) * time.Millisecond
}

// Timeout returns the per-attempt registry timeout.
func (r RegistryConfig) Timeout() time.Duration {
	return time.Duration(r.TimeoutMs) * time.Millisecond
}

// getEnvOrDefault returns the environment variable value if set,
// otherwise returns the default value.
func getEnvOrDefault(envVar, defaultValue string) string {
	if val := os.Getenv(envVar); val != "" {
		return val
	}
	return defaultValue
}

func getConfigDir() (string, error) {
	home, err := os.UserHomeDir()
	if err != nil {
		return "", err
	}
	configDir := filepath.Join(home, dirName)
	if err := os.MkdirAll(configDir, 0755); err != nil {
		return "", err
	}
	return configDir, nil
}
