package config

import (
	"os"
	"path/filepath"
	"testing"
)

func TestResolve(t *testing.T) {
	aliases := &ModelAliases{
		Aliases: map[string]string{
			"fast":    "gpt-4.1-mini",
			"quality": "claude-sonnet-4-20250514",
		},
	}

	tests := []struct {
		name     string
		input    string
		expected string
	}{
		{name: "resolve known alias", input: "fast", expected: "gpt-4.1-mini"},
		{name: "resolve another alias", input: "quality", expected: "claude-sonnet-4-20250514"},
		{name: "unknown alias returns input unchanged", input: "unknown-model", expected: "unknown-model"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := aliases.Resolve(tt.input); got != tt.expected {
				t.Errorf("Resolve(%q) = %q, want %q", tt.input, got, tt.expected)
			}
		})
	}
}

func TestResolveNilAliases(t *testing.T) {
	var aliases *ModelAliases
	if got := aliases.Resolve("fast"); got != "fast" {
		t.Errorf("Resolve on nil should return input, got %q", got)
	}
}

func TestValidateModel(t *testing.T) {
	aliases := DefaultAliases()
	if err := aliases.ValidateModel("anthropic", "claude-sonnet-4-20250514"); err != nil {
		t.Fatalf("expected valid model, got %v", err)
	}
	if err := aliases.ValidateModel("anthropic", "gpt-4.1"); err == nil {
		t.Fatalf("expected error for model from another provider")
	}
	if err := aliases.ValidateModel("unknown", "x"); err == nil {
		t.Fatalf("expected error for unknown adapter")
	}
}

func TestLoadAliasesWithFallback(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "models.yaml")

	aliases, err := LoadAliasesWithFallback(path)
	if err != nil {
		t.Fatalf("fallback: %v", err)
	}
	if aliases.Resolve("quality") != "claude-sonnet-4-20250514" {
		t.Fatalf("expected default aliases when file is missing")
	}

	data := []byte("aliases:\n  house: deepseek-chat\nproviders:\n  deepseek:\n    - deepseek-chat\n")
	if err := os.WriteFile(path, data, 0600); err != nil {
		t.Fatalf("write: %v", err)
	}
	aliases, err = LoadAliasesWithFallback(path)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if aliases.Resolve("house") != "deepseek-chat" {
		t.Fatalf("expected alias from file")
	}
	if aliases.Resolve("quality") != "quality" {
		t.Fatalf("file aliases replace the defaults")
	}
}
