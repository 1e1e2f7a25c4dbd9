package config

import (
	"errors"
	"os"
	"strings"
)

// ErrNoAPIKey is returned when no API key is configured.
var ErrNoAPIKey = errors.New("no Anthropic API key configured")

// Environment variables consulted for the planner credential, in order.
const (
	EnvAPIKey       = "ANTHROPIC_API_KEY"
	EnvClaudeAPIKey = "CLAUDE_API_KEY"
)

// KeySource records where the planner credential came from.
type KeySource string

const (
	KeySourceEnv       KeySource = "environment"
	KeySourceClaudeEnv KeySource = "claude_environment"
	KeySourceConfig    KeySource = "config_file"
	KeySourceNone      KeySource = "none"
)

// resolveAPIKey walks ANTHROPIC_API_KEY, CLAUDE_API_KEY and then
// anthropic.api_key. A config value that still holds an unexpanded
// ${VAR} reference does not count.
func resolveAPIKey(cfg *Config) (string, KeySource) {
	if key := os.Getenv(EnvAPIKey); key != "" {
		return key, KeySourceEnv
	}
	if key := os.Getenv(EnvClaudeAPIKey); key != "" {
		return key, KeySourceClaudeEnv
	}
	if cfg == nil || cfg.Anthropic.APIKey == "" {
		return "", KeySourceNone
	}
	key := os.ExpandEnv(cfg.Anthropic.APIKey)
	if key == "" || strings.HasPrefix(key, "${") {
		return "", KeySourceNone
	}
	return key, KeySourceConfig
}

// GetAPIKey returns the credential the orchestrator planner uses.
func GetAPIKey(cfg *Config) (string, error) {
	key, src := resolveAPIKey(cfg)
	if src == KeySourceNone {
		return "", ErrNoAPIKey
	}
	return key, nil
}

// GetAPIKeySource reports which source GetAPIKey would read.
func GetAPIKeySource(cfg *Config) KeySource {
	_, src := resolveAPIKey(cfg)
	return src
}

// ValidateAPIKey checks the shape of key without contacting the API.
func ValidateAPIKey(key string) error {
	switch {
	case key == "":
		return ErrNoAPIKey
	case !strings.HasPrefix(key, "sk-ant-"):
		return errors.New("invalid API key format: expected 'sk-ant-' prefix")
	case len(key) < 20:
		return errors.New("invalid API key format: key too short")
	}
	return nil
}

// MaskAPIKey keeps the "sk-ant-" prefix and the last four characters.
func MaskAPIKey(key string) string {
	switch {
	case key == "":
		return "(not set)"
	case len(key) <= 15:
		return "***"
	}
	return key[:7] + "..." + key[len(key)-4:]
}
