package config

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"
)

// ModelAliases maps short model names to provider model ids.
type ModelAliases struct {
	Aliases   map[string]string   `yaml:"aliases"`
	Providers map[string][]string `yaml:"providers"`
}

// LoadAliases reads model aliases from a YAML file.
func LoadAliases(path string) (*ModelAliases, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}

	var aliases ModelAliases
	if err := yaml.Unmarshal(data, &aliases); err != nil {
		return nil, err
	}
	if aliases.Aliases == nil {
		aliases.Aliases = make(map[string]string)
	}
	if aliases.Providers == nil {
		aliases.Providers = make(map[string][]string)
	}
	return &aliases, nil
}

// LoadAliasesWithFallback loads path when it exists and the defaults
// otherwise.
func LoadAliasesWithFallback(path string) (*ModelAliases, error) {
	if _, err := os.Stat(path); err == nil {
		return LoadAliases(path)
	}
	return DefaultAliases(), nil
}

// Resolve returns the canonical model name for an alias.
// If the input is not an alias, it returns the input unchanged.
func (a *ModelAliases) Resolve(modelOrAlias string) string {
	if a == nil || a.Aliases == nil {
		return modelOrAlias
	}
	if canonical, ok := a.Aliases[modelOrAlias]; ok {
		return canonical
	}
	return modelOrAlias
}

// ValidateModel checks if a model exists in the provider's list.
func (a *ModelAliases) ValidateModel(adapter, model string) error {
	if a == nil || a.Providers == nil {
		return nil
	}

	models, ok := a.Providers[adapter]
	if !ok {
		return fmt.Errorf("unknown adapter %q", adapter)
	}
	for _, m := range models {
		if m == model {
			return nil
		}
	}
	return fmt.Errorf("model %q not in %s provider list", model, adapter)
}

// DefaultAliases returns the built-in aliases.
func DefaultAliases() *ModelAliases {
	return &ModelAliases{
		Aliases: map[string]string{
			"quality": "claude-sonnet-4-20250514",
			"deep":    "claude-opus-4-20250514",
			"fast":    "gpt-4.1-mini",
			"gpt":     "gpt-4.1",
			"gemini":  "gemini-2.5-flash",
			"cheap":   "deepseek-chat",
		},
		Providers: map[string][]string{
			"anthropic": {"claude-sonnet-4-20250514", "claude-opus-4-20250514"},
			"openai":    {"gpt-4.1", "gpt-4.1-mini", "gpt-4o"},
			"google":    {"gemini-2.5-pro", "gemini-2.5-flash"},
			"deepseek":  {"deepseek-chat", "deepseek-reasoner"},
			"mock":      {"mock-1"},
		},
	}
}
