// Package config handles configuration loading and management for quorum.
// It supports XDG config paths, project-level overrides, and environment variables.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/spf13/viper"

	"github.com/ShayCichocki/quorum/pkg/models"
)

// ProjectConfigName is the per-project override file searched upward from cwd.
const ProjectConfigName = ".quorum.yaml"

// Config holds all configuration for quorum.
type Config struct {
	Anthropic    AnthropicConfig    `mapstructure:"anthropic"`
	Defaults     DefaultsConfig     `mapstructure:"defaults"`
	Orchestrator OrchestratorConfig `mapstructure:"orchestrator"`
	LLM          LLMConfig          `mapstructure:"llm"`
	Reasoning    ReasoningConfig    `mapstructure:"reasoning"`
	Registry     RegistryConfig     `mapstructure:"registry"`
	Store        StoreConfig        `mapstructure:"store"`
	Server       ServerConfig       `mapstructure:"server"`
	Logging      LoggingConfig      `mapstructure:"logging"`
}

// AnthropicConfig holds Anthropic API settings.
type AnthropicConfig struct {
	APIKey     string `mapstructure:"api_key"`
	UseBedrock bool   `mapstructure:"use_bedrock"`
	AWSRegion  string `mapstructure:"aws_region"`
	AWSProfile string `mapstructure:"aws_profile"`
}

// DefaultsConfig holds model defaults applied to every agent plan.
type DefaultsConfig struct {
	Model           string `mapstructure:"model"`
	AutoSelectModel bool   `mapstructure:"auto_select_model"`
	// ModelMapping maps a complexity name (TRIVIAL..EXPERT) to a model id.
	ModelMapping map[string]string `mapstructure:"model_mapping"`
}

// OrchestratorConfig holds scheduling and quality gate settings.
type OrchestratorConfig struct {
	Policy           string        `mapstructure:"policy"`
	MaxParallel      int           `mapstructure:"max_parallel"`
	PollInterval     time.Duration `mapstructure:"poll_interval"`
	SubtaskRetries   int           `mapstructure:"subtask_retries"`
	SubtaskTimeout   time.Duration `mapstructure:"subtask_timeout"`
	QualityThreshold float64       `mapstructure:"quality_threshold"`
	QualityRetries   int           `mapstructure:"quality_retries"`
	AutoMerge        bool          `mapstructure:"auto_merge"`
	BaseBranch       string        `mapstructure:"base_branch"`
}

// LLMConfig holds text generation call settings.
type LLMConfig struct {
	CallTimeout time.Duration `mapstructure:"call_timeout"`
	MaxRetries  int           `mapstructure:"max_retries"`
	Backoff     time.Duration `mapstructure:"backoff"`
	MaxTokens   int           `mapstructure:"max_tokens"`
	Temperature float64       `mapstructure:"temperature"`
	TopP        float64       `mapstructure:"top_p"`
}

// ReasoningConfig holds strategy parameters.
type ReasoningConfig struct {
	Breadth              int     `mapstructure:"breadth"`
	Depth                int     `mapstructure:"depth"`
	NumSamples           int     `mapstructure:"num_samples"`
	MaxIterations        int     `mapstructure:"max_iterations"`
	MaxSteps             int     `mapstructure:"max_steps"`
	ConsensusTemperature float64 `mapstructure:"consensus_temperature"`
}

// RegistryConfig points at an optional model catalog file.
type RegistryConfig struct {
	Path  string `mapstructure:"path"`
	Watch bool   `mapstructure:"watch"`
}

// StoreConfig selects the coordination store backend.
type StoreConfig struct {
	// Path is the SQLite file; empty or ":memory:" selects the in-memory store.
	Path string `mapstructure:"path"`
}

// ServerConfig holds HTTP control API settings.
type ServerConfig struct {
	Addr string `mapstructure:"addr"`
}

// LoggingConfig holds log output settings.
type LoggingConfig struct {
	Level  string `mapstructure:"level"`
	Pretty bool   `mapstructure:"pretty"`
	File   string `mapstructure:"file"`
}

// InMemoryStore reports whether the coordination store should live in memory.
func (s StoreConfig) InMemoryStore() bool {
	return s.Path == "" || s.Path == ":memory:"
}

// ComplexityMapping converts the configured mapping to typed keys.
func (d DefaultsConfig) ComplexityMapping() (map[models.Complexity]string, error) {
	out := make(map[models.Complexity]string, len(d.ModelMapping))
	for name, model := range d.ModelMapping {
		c, err := models.ParseComplexity(name)
		if err != nil {
			return nil, fmt.Errorf("defaults.model_mapping: %w", err)
		}
		out[c] = model
	}
	return out, nil
}

// Load loads configuration from XDG paths, project overrides, and environment variables.
// Precedence (highest to lowest):
// 1. Environment variables (ANTHROPIC_API_KEY, QUORUM_*)
// 2. Project config (.quorum.yaml in current directory or parent)
// 3. User config (~/.config/quorum/config.yaml)
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
		if err := projectViper.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("reading project config %s: %w", projectConfig, err)
		}
		if err := v.MergeConfigMap(projectViper.AllSettings()); err != nil {
			return nil, fmt.Errorf("merging project config: %w", err)
		}
	}

	bindEnv(v)

	return unmarshal(v)
}

// LoadFromPath loads configuration from a specific path (for testing).
func LoadFromPath(path string) (*Config, error) {
	v := viper.New()
	setDefaults(v)

	v.SetConfigFile(path)
	if err := v.ReadInConfig(); err != nil {
		return nil, fmt.Errorf("reading config from %s: %w", path, err)
	}

	return unmarshal(v)
}

func unmarshal(v *viper.Viper) (*Config, error) {
	cfg := &Config{}
	if err := v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("unmarshaling config: %w", err)
	}
	cfg.Anthropic.APIKey = os.ExpandEnv(cfg.Anthropic.APIKey)
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func bindEnv(v *viper.Viper) {
	v.SetEnvPrefix("QUORUM")
	v.AutomaticEnv()
	_ = v.BindEnv("anthropic.api_key", "ANTHROPIC_API_KEY")
	_ = v.BindEnv("orchestrator.policy", "QUORUM_POLICY")
	_ = v.BindEnv("orchestrator.max_parallel", "QUORUM_MAX_PARALLEL")
	_ = v.BindEnv("store.path", "QUORUM_STORE")
	_ = v.BindEnv("logging.level", "QUORUM_LOG_LEVEL")
}

// Validate checks value ranges that would otherwise fail deep inside a run.
func (c *Config) Validate() error {
	switch c.Orchestrator.Policy {
	case "sequential", "parallel", "smart":
	default:
		return fmt.Errorf("orchestrator.policy: unknown policy %q", c.Orchestrator.Policy)
	}
	if c.Orchestrator.MaxParallel < 1 {
		return fmt.Errorf("orchestrator.max_parallel must be at least 1, got %d", c.Orchestrator.MaxParallel)
	}
	if c.Orchestrator.PollInterval <= 0 {
		return fmt.Errorf("orchestrator.poll_interval must be positive")
	}
	if c.Orchestrator.QualityThreshold < 0 || c.Orchestrator.QualityThreshold > 1 {
		return fmt.Errorf("orchestrator.quality_threshold must be in [0,1], got %v", c.Orchestrator.QualityThreshold)
	}
	if c.Orchestrator.QualityRetries < 0 {
		return fmt.Errorf("orchestrator.quality_retries must not be negative, got %d", c.Orchestrator.QualityRetries)
	}
	if c.Orchestrator.SubtaskRetries < 0 {
		return fmt.Errorf("orchestrator.subtask_retries must not be negative, got %d", c.Orchestrator.SubtaskRetries)
	}
	if c.Reasoning.ConsensusTemperature <= 0 {
		return fmt.Errorf("reasoning.consensus_temperature must be positive")
	}
	if _, err := c.Defaults.ComplexityMapping(); err != nil {
		return err
	}
	return nil
}

// Save writes the user-facing subset of the configuration to the user config file.
func Save(cfg *Config) error {
	userConfigDir := getUserConfigDir()
	if err := os.MkdirAll(userConfigDir, 0700); err != nil {
		return fmt.Errorf("creating config directory: %w", err)
	}

	v := viper.New()
	v.SetConfigFile(filepath.Join(userConfigDir, "config.yaml"))

	v.Set("anthropic.api_key", cfg.Anthropic.APIKey)
	v.Set("anthropic.use_bedrock", cfg.Anthropic.UseBedrock)
	v.Set("anthropic.aws_region", cfg.Anthropic.AWSRegion)
	v.Set("defaults.model", cfg.Defaults.Model)
	v.Set("defaults.auto_select_model", cfg.Defaults.AutoSelectModel)
	v.Set("defaults.model_mapping", cfg.Defaults.ModelMapping)
	v.Set("orchestrator.policy", cfg.Orchestrator.Policy)
	v.Set("orchestrator.max_parallel", cfg.Orchestrator.MaxParallel)
	v.Set("orchestrator.poll_interval", cfg.Orchestrator.PollInterval.String())
	v.Set("logging.level", cfg.Logging.Level)

	return v.WriteConfig()
}

// GetUserConfigPath returns the path to the user config file.
func GetUserConfigPath() string {
	return filepath.Join(getUserConfigDir(), "config.yaml")
}

// GetProjectConfigPath returns the path to the project config file if it exists.
func GetProjectConfigPath() string {
	return findProjectConfig()
}

// setDefaults configures default values.
func setDefaults(v *viper.Viper) {
	v.SetDefault("anthropic.api_key", "")
	v.SetDefault("anthropic.use_bedrock", false)
	v.SetDefault("anthropic.aws_region", "us-east-1")
	v.SetDefault("anthropic.aws_profile", "")

	v.SetDefault("defaults.model", "claude-sonnet-4-5-20250929")
	v.SetDefault("defaults.auto_select_model", true)
	v.SetDefault("defaults.model_mapping", map[string]string{})

	v.SetDefault("orchestrator.policy", "smart")
	v.SetDefault("orchestrator.max_parallel", 3)
	v.SetDefault("orchestrator.poll_interval", "2s")
	v.SetDefault("orchestrator.subtask_retries", 1)
	v.SetDefault("orchestrator.subtask_timeout", "15m")
	v.SetDefault("orchestrator.quality_threshold", 0.7)
	v.SetDefault("orchestrator.quality_retries", 2)
	v.SetDefault("orchestrator.auto_merge", true)
	v.SetDefault("orchestrator.base_branch", "")

	v.SetDefault("llm.call_timeout", "2m")
	v.SetDefault("llm.max_retries", 3)
	v.SetDefault("llm.backoff", "1s")
	v.SetDefault("llm.max_tokens", 4096)
	v.SetDefault("llm.temperature", 0.7)
	v.SetDefault("llm.top_p", 0.0)

	v.SetDefault("reasoning.breadth", 4)
	v.SetDefault("reasoning.depth", 2)
	v.SetDefault("reasoning.num_samples", 5)
	v.SetDefault("reasoning.max_iterations", 3)
	v.SetDefault("reasoning.max_steps", 10)
	v.SetDefault("reasoning.consensus_temperature", 0.8)

	v.SetDefault("registry.path", "")
	v.SetDefault("registry.watch", false)

	v.SetDefault("store.path", filepath.Join(".quorum", "state.db"))

	v.SetDefault("server.addr", ":8080")

	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.pretty", true)
	v.SetDefault("logging.file", filepath.Join(".quorum", "logs", "quorum.log"))
}

// getUserConfigDir returns the XDG config directory for quorum.
func getUserConfigDir() string {
	if xdgConfig := os.Getenv("XDG_CONFIG_HOME"); xdgConfig != "" {
		return filepath.Join(xdgConfig, "quorum")
	}

	home, err := os.UserHomeDir()
	if err != nil {
		return filepath.Join(".", ".config", "quorum")
	}
	return filepath.Join(home, ".config", "quorum")
}

// findProjectConfig searches for .quorum.yaml in the current directory and parents.
func findProjectConfig() string {
	cwd, err := os.Getwd()
	if err != nil {
		return ""
	}

	for {
		configPath := filepath.Join(cwd, ProjectConfigName)
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

// Default returns a Config with default values.
func Default() *Config {
	v := viper.New()
	setDefaults(v)
	cfg := &Config{}
	// defaults always decode
	_ = v.Unmarshal(cfg)
	return cfg
}
