package config

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/BurntSushi/toml"
)

// ForgeConfig is the user-facing configuration loaded from config.toml (spec
// §6), kept separate from the gateway-shaped Config above: forge is a
// single-user local CLI, not a multi-channel server, so its on-disk
// settings are a much smaller table (default provider/model, per-provider
// secrets, context and provider-specific tuning knobs) rather than the
// gateway's server/auth/channels surface.
type ForgeConfig struct {
	App     ForgeAppConfig    `toml:"app"`
	APIKeys map[string]string `toml:"api_keys"`
	Context ForgeContextConfig `toml:"context"`
	Anthropic ForgeAnthropicConfig `toml:"anthropic"`
	OpenAI  ForgeOpenAIConfig `toml:"openai"`
	Tools   ForgeToolsConfig  `toml:"tools"`
}

type ForgeAppConfig struct {
	Provider        string `toml:"provider"`
	Model           string `toml:"model"`
	MaxOutputTokens int    `toml:"max_output_tokens"`
}

type ForgeContextConfig struct {
	Infinity bool `toml:"infinity"`
}

type ForgeAnthropicConfig struct {
	CacheEnabled        bool `toml:"cache_enabled"`
	ThinkingEnabled     bool `toml:"thinking_enabled"`
	ThinkingBudgetTokens int `toml:"thinking_budget_tokens"`
}

type ForgeOpenAIConfig struct {
	ReasoningEffort string `toml:"reasoning_effort"`
	Verbosity       string `toml:"verbosity"`
	Truncation      string `toml:"truncation"`
}

type ForgeToolsConfig struct {
	Shell ForgeShellConfig `toml:"shell"`
}

type ForgeShellConfig struct {
	Binary string   `toml:"binary"`
	Args   []string `toml:"args"`
}

// DefaultForgeDataDir returns the per-user data directory forge persists
// state under (history.db, stream.journal, tool.journal, config.toml).
func DefaultForgeDataDir() string {
	if dir := os.Getenv("FORGE_HOME"); dir != "" {
		return dir
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return ".forge"
	}
	return filepath.Join(home, ".forge")
}

// DefaultForgeConfigPath returns config.toml's default location.
func DefaultForgeConfigPath() string {
	return filepath.Join(DefaultForgeDataDir(), "config.toml")
}

// defaultForgeConfig returns the configuration forge runs with when
// config.toml doesn't exist yet, so a first run never fails for lack of a
// file the user hasn't created.
func defaultForgeConfig() *ForgeConfig {
	return &ForgeConfig{
		App: ForgeAppConfig{
			Provider:        "anthropic",
			Model:           "claude-sonnet-4-5",
			MaxOutputTokens: 8192,
		},
		Anthropic: ForgeAnthropicConfig{CacheEnabled: true},
	}
}

// LoadForgeConfig reads config.toml from path, expanding ${ENV_VAR}
// references in api_keys (and anywhere else in the file) before decoding,
// same as loader.go's LoadRaw does for the gateway config's YAML/JSON5
// stack. Unknown keys are ignored with a warning rather than rejected,
// per spec's "unknown keys ignored with warnings" rule, matching TOML
// decode's MetaData.Undecoded() rather than KnownFields(true)'s strict
// YAML decoder used elsewhere.
func LoadForgeConfig(path string) (*ForgeConfig, []string, error) {
	cfg := defaultForgeConfig()

	data, err := os.ReadFile(path)
	if os.IsNotExist(err) {
		return cfg, nil, nil
	}
	if err != nil {
		return nil, nil, fmt.Errorf("config: read %s: %w", path, err)
	}

	expanded := os.ExpandEnv(string(data))
	meta, err := toml.Decode(expanded, cfg)
	if err != nil {
		return nil, nil, fmt.Errorf("config: parse %s: %w", path, err)
	}

	var warnings []string
	for _, key := range meta.Undecoded() {
		warnings = append(warnings, fmt.Sprintf("config: unknown key %q ignored", key.String()))
	}
	return cfg, warnings, nil
}
