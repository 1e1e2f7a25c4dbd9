// Package config handles configuration loading and management for the agent hub.
// It supports XDG config paths, project-level overrides, and environment variables.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// DefaultOrchestratorDir is the working directory that addresses the orchestrator.
const DefaultOrchestratorDir = "/tmp/orchestrator"

// Config holds all configuration for the agent hub.
type Config struct {
	Server    ServerConfig    `mapstructure:"server"`
	Claude    ClaudeConfig    `mapstructure:"claude"`
	Anthropic AnthropicConfig `mapstructure:"anthropic"`
	Router    RouterConfig    `mapstructure:"router"`
	Relay     RelayConfig     `mapstructure:"relay"`
	Scheduler SchedulerConfig `mapstructure:"scheduler"`
	Roster    RosterConfig    `mapstructure:"roster"`
	State     StateConfig     `mapstructure:"state"`
	Log       LogConfig       `mapstructure:"log"`
	Tracing   TracingConfig   `mapstructure:"tracing"`
}

// ServerConfig holds HTTP listener settings.
type ServerConfig struct {
	Host            string        `mapstructure:"host"`
	Port            int           `mapstructure:"port"`
	ShutdownTimeout time.Duration `mapstructure:"shutdown_timeout"`
}

// Addr returns host:port.
func (s ServerConfig) Addr() string {
	return fmt.Sprintf("%s:%d", s.Host, s.Port)
}

// ClaudeConfig holds settings for the local claude CLI.
type ClaudeConfig struct {
	// Path is the claude executable, looked up in PATH when not absolute.
	Path string `mapstructure:"path"`
}

// AnthropicConfig holds Anthropic API settings used by the orchestrator.
type AnthropicConfig struct {
	APIKey     string `mapstructure:"api_key"`
	Model      string `mapstructure:"model"`
	MaxTokens  int64  `mapstructure:"max_tokens"`
	BaseURL    string `mapstructure:"base_url"`
	UseBedrock bool   `mapstructure:"use_bedrock"`
	AWSRegion  string `mapstructure:"aws_region"`
	AWSProfile string `mapstructure:"aws_profile"`
}

// RouterConfig holds request routing settings.
type RouterConfig struct {
	// OrchestratorDir is the sentinel working directory of the orchestrator.
	OrchestratorDir string `mapstructure:"orchestrator_dir"`
}

// RelayConfig holds remote relay settings.
type RelayConfig struct {
	// ReadTimeout is the longest the relay waits for the next chunk.
	ReadTimeout time.Duration `mapstructure:"read_timeout"`
}

// SchedulerConfig holds plan scheduling settings.
type SchedulerConfig struct {
	// MaxParallel bounds concurrent steps per wave. Zero means unbounded.
	MaxParallel int `mapstructure:"max_parallel"`
}

// RosterConfig holds agent roster file settings.
type RosterConfig struct {
	Path  string `mapstructure:"path"`
	Watch bool   `mapstructure:"watch"`
}

// StateConfig holds plan ledger settings.
type StateConfig struct {
	Enabled bool `mapstructure:"enabled"`
	// DBPath is the SQLite file for the plan ledger. Empty means the XDG
	// data directory.
	DBPath string `mapstructure:"db_path"`
	// Retention is how long finished plan runs are kept. Zero keeps them all.
	Retention time.Duration `mapstructure:"retention"`
}

// LogConfig holds logging settings.
type LogConfig struct {
	Level  string `mapstructure:"level"`
	Format string `mapstructure:"format"`
	Output string `mapstructure:"output"`
}

// TracingConfig holds tracing settings.
type TracingConfig struct {
	Enabled  bool   `mapstructure:"enabled"`
	Exporter string `mapstructure:"exporter"`
}

// Load loads configuration from XDG paths, project overrides, and environment variables.
// Precedence (highest to lowest):
// 1. Environment variables (ANTHROPIC_API_KEY, AGENTHUB_*)
// 2. Project config (.agenthub.yaml in current directory or parent)
// 3. User config (~/.config/agenthub/config.yaml)
// 4. Built-in defaults
func Load() (*Config, error) {
	v := viper.New()

	setDefaults(v)

	v.SetConfigName("config")
	v.SetConfigType("yaml")
	v.AddConfigPath(getUserConfigDir())

	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, fmt.Errorf("reading user config: %w", err)
		}
	}

	if projectConfig := findProjectConfig(); projectConfig != "" {
		projectViper := viper.New()
		projectViper.SetConfigFile(projectConfig)
		if err := projectViper.ReadInConfig(); err == nil {
			if err := v.MergeConfigMap(projectViper.AllSettings()); err != nil {
				return nil, fmt.Errorf("merging project config: %w", err)
			}
		}
	}

	bindEnv(v)

	return unmarshal(v)
}

// LoadFromPath loads configuration from a specific file, still honouring
// environment overrides.
func LoadFromPath(path string) (*Config, error) {
	v := viper.New()

	setDefaults(v)

	v.SetConfigFile(path)
	if err := v.ReadInConfig(); err != nil {
		return nil, fmt.Errorf("reading config from %s: %w", path, err)
	}

	bindEnv(v)

	return unmarshal(v)
}

func bindEnv(v *viper.Viper) {
	v.SetEnvPrefix("agenthub")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	// The Anthropic key keeps its conventional name.
	v.BindEnv("anthropic.api_key", "AGENTHUB_ANTHROPIC_API_KEY", "ANTHROPIC_API_KEY")
}

func unmarshal(v *viper.Viper) (*Config, error) {
	cfg := &Config{}
	if err := v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("unmarshaling config: %w", err)
	}

	// Expand ${VAR} references
	cfg.Anthropic.APIKey = os.ExpandEnv(cfg.Anthropic.APIKey)
	cfg.Roster.Path = expandPath(cfg.Roster.Path)
	cfg.State.DBPath = expandPath(cfg.State.DBPath)

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate rejects settings the hub cannot run with.
func (c *Config) Validate() error {
	if c.Server.Port <= 0 || c.Server.Port > 65535 {
		return fmt.Errorf("invalid server.port %d", c.Server.Port)
	}
	if c.Relay.ReadTimeout <= 0 {
		return fmt.Errorf("relay.read_timeout must be positive")
	}
	if c.Scheduler.MaxParallel < 0 {
		return fmt.Errorf("scheduler.max_parallel must not be negative")
	}
	if c.Router.OrchestratorDir == "" {
		return fmt.Errorf("router.orchestrator_dir must be set")
	}
	return nil
}

// Save writes the configuration to the user config file.
func Save(cfg *Config) error {
	userConfigDir := getUserConfigDir()
	if err := os.MkdirAll(userConfigDir, 0700); err != nil {
		return fmt.Errorf("creating config directory: %w", err)
	}

	v := viper.New()
	v.SetConfigFile(filepath.Join(userConfigDir, "config.yaml"))

	for key, value := range cfg.Values() {
		v.Set(key, value)
	}

	return v.WriteConfig()
}

// Set assigns value to the dotted key, converting it to the key's type.
// cfg is left untouched when the result does not validate.
func Set(cfg *Config, key, value string) error {
	key = strings.ToLower(key)
	values := cfg.Values()
	if _, ok := values[key]; !ok {
		return fmt.Errorf("unknown configuration key: %s", key)
	}

	v := viper.New()
	for k, val := range values {
		v.Set(k, val)
	}
	v.Set(key, value)

	updated := &Config{}
	if err := v.Unmarshal(updated); err != nil {
		return fmt.Errorf("invalid value for %s: %w", key, err)
	}
	if err := updated.Validate(); err != nil {
		return err
	}
	*cfg = *updated
	return nil
}

// Values flattens the configuration into dotted keys.
func (c *Config) Values() map[string]interface{} {
	return map[string]interface{}{
		"server.host":             c.Server.Host,
		"server.port":             c.Server.Port,
		"server.shutdown_timeout": c.Server.ShutdownTimeout.String(),
		"claude.path":             c.Claude.Path,
		"anthropic.api_key":       c.Anthropic.APIKey,
		"anthropic.model":         c.Anthropic.Model,
		"anthropic.max_tokens":    c.Anthropic.MaxTokens,
		"anthropic.base_url":      c.Anthropic.BaseURL,
		"anthropic.use_bedrock":   c.Anthropic.UseBedrock,
		"anthropic.aws_region":    c.Anthropic.AWSRegion,
		"anthropic.aws_profile":   c.Anthropic.AWSProfile,
		"router.orchestrator_dir": c.Router.OrchestratorDir,
		"relay.read_timeout":      c.Relay.ReadTimeout.String(),
		"scheduler.max_parallel":  c.Scheduler.MaxParallel,
		"roster.path":             c.Roster.Path,
		"roster.watch":            c.Roster.Watch,
		"state.enabled":           c.State.Enabled,
		"state.db_path":           c.State.DBPath,
		"state.retention":         c.State.Retention.String(),
		"log.level":               c.Log.Level,
		"log.format":              c.Log.Format,
		"log.output":              c.Log.Output,
		"tracing.enabled":         c.Tracing.Enabled,
		"tracing.exporter":        c.Tracing.Exporter,
	}
}

// GetUserConfigPath returns the path to the user config file.
func GetUserConfigPath() string {
	return filepath.Join(getUserConfigDir(), "config.yaml")
}

// GetProjectConfigPath returns the path to the project config file if it exists.
func GetProjectConfigPath() string {
	return findProjectConfig()
}

func setDefaults(v *viper.Viper) {
	d := Default()
	for key, value := range d.Values() {
		v.SetDefault(key, value)
	}
}

// getUserConfigDir returns the XDG config directory for the hub.
func getUserConfigDir() string {
	if xdgConfig := os.Getenv("XDG_CONFIG_HOME"); xdgConfig != "" {
		return filepath.Join(xdgConfig, "agenthub")
	}

	home, err := os.UserHomeDir()
	if err != nil {
		return filepath.Join(".", ".config", "agenthub")
	}
	return filepath.Join(home, ".config", "agenthub")
}

// DefaultDataDir returns the XDG data directory for the hub.
func DefaultDataDir() string {
	dataDir := os.Getenv("XDG_DATA_HOME")
	if dataDir == "" {
		home, _ := os.UserHomeDir()
		dataDir = filepath.Join(home, ".local", "share")
	}
	return filepath.Join(dataDir, "agenthub")
}

// findProjectConfig searches for .agenthub.yaml in the current directory and parents.
func findProjectConfig() string {
	cwd, err := os.Getwd()
	if err != nil {
		return ""
	}

	for {
		configPath := filepath.Join(cwd, ".agenthub.yaml")
		if _, err := os.Stat(configPath); err == nil {
			return configPath
		}

		parent := filepath.Dir(cwd)
		if parent == cwd {
			break
		}
		cwd = parent
	}

	return ""
}

func expandPath(p string) string {
	p = os.ExpandEnv(p)
	if strings.HasPrefix(p, "~/") {
		if home, err := os.UserHomeDir(); err == nil {
			p = filepath.Join(home, p[2:])
		}
	}
	return p
}

// Default returns a Config with default values.
func Default() *Config {
	return &Config{
		Server: ServerConfig{
			Host:            "127.0.0.1",
			Port:            8080,
			ShutdownTimeout: 10 * time.Second,
		},
		Claude: ClaudeConfig{
			Path: "claude",
		},
		Anthropic: AnthropicConfig{
			Model:     "claude-sonnet-4-20250514",
			MaxTokens: 4000,
		},
		Router: RouterConfig{
			OrchestratorDir: DefaultOrchestratorDir,
		},
		Relay: RelayConfig{
			ReadTimeout: 30 * time.Second,
		},
		Scheduler: SchedulerConfig{
			MaxParallel: 4,
		},
		Roster: RosterConfig{
			Watch: true,
		},
		State: StateConfig{
			Enabled:   true,
			Retention: 30 * 24 * time.Hour,
		},
		Log: LogConfig{
			Level:  "info",
			Format: "text",
			Output: "stderr",
		},
		Tracing: TracingConfig{
			Exporter: "stdout",
		},
	}
}
