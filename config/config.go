// Package config loads the mcp-bridge configuration from YAML, with environment overrides.
package config

import (
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/MegaGrindStone/mcp-bridge"
)

// Config is the complete bridge configuration.
type Config struct {
	Provider ProviderConfig `yaml:"provider"`
	Model    ModelConfig    `yaml:"model"`
	Sampling SamplingConfig `yaml:"sampling"`
	Loop     LoopConfig     `yaml:"loop"`
	Log      LogConfig      `yaml:"log"`
}

// ProviderConfig selects how the capability provider is reached.
type ProviderConfig struct {
	Transport string   `yaml:"transport"`
	URL       string   `yaml:"url"`
	Command   string   `yaml:"command"`
	Args      []string `yaml:"args"`
	Env       []string `yaml:"env"`

	// RequestTimeoutSec bounds every request to the provider.
	RequestTimeoutSec int `yaml:"request_timeout_sec"`
	// LogLevel is the minimum level of the logs the provider sends. Empty leaves the provider's default.
	LogLevel string `yaml:"log_level"`
}

// ModelConfig configures the chat model endpoint.
type ModelConfig struct {
	Kind           string               `yaml:"kind"`
	BaseURL        string               `yaml:"base_url"`
	APIKey         string               `yaml:"api_key"`
	Name           string               `yaml:"name"`
	APIVersion     string               `yaml:"api_version"`
	TimeoutSec     int                  `yaml:"timeout_sec"`
	MaxRetries     int                  `yaml:"max_retries"`
	CircuitBreaker CircuitBreakerConfig `yaml:"circuit_breaker"`
}

// CircuitBreakerConfig configures the model circuit breaker. A zero MaxFailures disables it.
type CircuitBreakerConfig struct {
	MaxFailures     int `yaml:"max_failures"`
	ResetTimeoutSec int `yaml:"reset_timeout_sec"`
}

// SamplingConfig holds the generation defaults, for chat turns and for the provider's sampling
// requests alike.
type SamplingConfig struct {
	MaxTokens    int     `yaml:"max_tokens"`
	Temperature  float64 `yaml:"temperature"`
	TopP         float64 `yaml:"top_p"`
	MaxTokensCap int     `yaml:"max_tokens_cap"`
}

// LoopConfig configures the dispatch loop and the notification relay.
type LoopConfig struct {
	MaxRounds   int `yaml:"max_rounds"`
	RelayBuffer int `yaml:"relay_buffer"`
}

// LogConfig configures the bridge's own logging.
type LogConfig struct {
	Level string `yaml:"level"`
}

const (
	// TransportSSE reaches the provider over HTTP with Server-Sent Events.
	TransportSSE = "sse"
	// TransportStdIO runs the provider as a child process and talks over its stdin and stdout.
	TransportStdIO = "stdio"

	// ModelOpenAI is an OpenAI-compatible chat completions API.
	ModelOpenAI = "openai"
	// ModelAzure is an Azure OpenAI deployment.
	ModelAzure = "azure"
)

// DefaultConfig returns the configuration used for everything a file and the environment leave out.
func DefaultConfig() *Config {
	return &Config{
		Provider: ProviderConfig{
			Transport:         TransportSSE,
			URL:               "http://localhost:9000/sse",
			RequestTimeoutSec: 120,
		},
		Model: ModelConfig{
			Kind:       ModelOpenAI,
			BaseURL:    "https://api.openai.com/v1",
			Name:       "gpt-4o-mini",
			TimeoutSec: 120,
			MaxRetries: 3,
			CircuitBreaker: CircuitBreakerConfig{
				MaxFailures:     5,
				ResetTimeoutSec: 30,
			},
		},
		Sampling: SamplingConfig{
			MaxTokens:    800,
			Temperature:  0.7,
			TopP:         0.95,
			MaxTokensCap: 4096,
		},
		Loop: LoopConfig{
			MaxRounds:   10,
			RelayBuffer: 64,
		},
		Log: LogConfig{
			Level: "info",
		},
	}
}

// Load reads the configuration at path. An empty path tries ./mcp-bridge.yaml, then
// ~/.config/mcp-bridge/config.yaml, and falls back to the defaults when neither exists. Environment
// variables override file values.
func Load(path string) (*Config, error) {
	cfg := DefaultConfig()

	paths := []string{path}
	if path == "" {
		paths = []string{
			"./mcp-bridge.yaml",
			filepath.Join(homeDir(), ".config", "mcp-bridge", "config.yaml"),
		}
	}

	var loaded bool
	for _, p := range paths {
		if p == "" {
			continue
		}
		data, err := os.ReadFile(p)
		if err != nil {
			continue
		}
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("parse config %s: %w", p, err)
		}
		loaded = true
		break
	}

	if !loaded && path != "" {
		return nil, fmt.Errorf("config file not found: %s", path)
	}

	applyEnvOverrides(cfg)
	return cfg, nil
}

func applyEnvOverrides(cfg *Config) {
	if v := os.Getenv("MCP_BRIDGE_PROVIDER_TRANSPORT"); v != "" {
		cfg.Provider.Transport = strings.ToLower(v)
	}
	if v := os.Getenv("MCP_BRIDGE_PROVIDER_URL"); v != "" {
		cfg.Provider.URL = v
	}
	if v := os.Getenv("MCP_BRIDGE_PROVIDER_COMMAND"); v != "" {
		cfg.Provider.Command = v
	}
	if v := os.Getenv("MCP_BRIDGE_PROVIDER_LOG_LEVEL"); v != "" {
		cfg.Provider.LogLevel = v
	}

	if v := os.Getenv("AZURE_OPENAI_ENDPOINT"); v != "" {
		cfg.Model.Kind = ModelAzure
		cfg.Model.BaseURL = v
	}
	if v := os.Getenv("AZURE_OPENAI_DEPLOYMENT_NAME"); v != "" {
		cfg.Model.Name = v
	}
	if v := os.Getenv("AZURE_OPENAI_API_VERSION"); v != "" {
		cfg.Model.APIVersion = v
	}
	if cfg.Model.Kind == ModelAzure {
		if v := envOrFile("AZURE_OPENAI_API_KEY"); v != "" {
			cfg.Model.APIKey = v
		}
	} else if v := envOrFile("OPENAI_API_KEY"); v != "" {
		cfg.Model.APIKey = v
	}
	if v := envOrFile("MCP_BRIDGE_MODEL_API_KEY"); v != "" {
		cfg.Model.APIKey = v
	}
	if v := os.Getenv("MCP_BRIDGE_MODEL_BASE_URL"); v != "" {
		cfg.Model.BaseURL = v
	}
	if v := os.Getenv("MCP_BRIDGE_MODEL_NAME"); v != "" {
		cfg.Model.Name = v
	}
	if v := os.Getenv("MCP_BRIDGE_MODEL_TIMEOUT_SEC"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.Model.TimeoutSec = n
		}
	}
	if v := os.Getenv("MCP_BRIDGE_MODEL_MAX_RETRIES"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.Model.MaxRetries = n
		}
	}

	if v := os.Getenv("MCP_BRIDGE_SAMPLING_MAX_TOKENS"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.Sampling.MaxTokens = n
		}
	}
	if v := os.Getenv("MCP_BRIDGE_SAMPLING_TEMPERATURE"); v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			cfg.Sampling.Temperature = f
		}
	}
	if v := os.Getenv("MCP_BRIDGE_SAMPLING_TOP_P"); v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			cfg.Sampling.TopP = f
		}
	}

	if v := os.Getenv("MCP_BRIDGE_LOOP_MAX_ROUNDS"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.Loop.MaxRounds = n
		}
	}
	if v := os.Getenv("MCP_BRIDGE_LOG_LEVEL"); v != "" {
		cfg.Log.Level = v
	}
}

// Validate checks the configuration for values the bridge cannot run with.
func (c *Config) Validate() error {
	var errs []error

	switch c.Provider.Transport {
	case TransportSSE:
		if c.Provider.URL == "" {
			errs = append(errs, errors.New("provider.url is required for the sse transport"))
		}
	case TransportStdIO:
		if c.Provider.Command == "" {
			errs = append(errs, errors.New("provider.command is required for the stdio transport"))
		}
	default:
		errs = append(errs, fmt.Errorf("provider.transport must be %q or %q, got %q",
			TransportSSE, TransportStdIO, c.Provider.Transport))
	}
	if c.Provider.LogLevel != "" {
		if _, err := mcp.ParseLogLevel(c.Provider.LogLevel); err != nil {
			errs = append(errs, fmt.Errorf("provider.log_level: %w", err))
		}
	}

	switch c.Model.Kind {
	case ModelOpenAI:
	case ModelAzure:
		if c.Model.APIVersion == "" {
			errs = append(errs, errors.New("model.api_version is required for azure"))
		}
	default:
		errs = append(errs, fmt.Errorf("model.kind must be %q or %q, got %q", ModelOpenAI, ModelAzure, c.Model.Kind))
	}
	if c.Model.APIKey == "" {
		errs = append(errs, errors.New("model.api_key is required"))
	}
	if c.Model.Name == "" {
		errs = append(errs, errors.New("model.name is required"))
	}
	if c.Model.MaxRetries < 0 {
		errs = append(errs, fmt.Errorf("model.max_retries must not be negative, got %d", c.Model.MaxRetries))
	}

	if c.Sampling.MaxTokens <= 0 {
		errs = append(errs, fmt.Errorf("sampling.max_tokens must be positive, got %d", c.Sampling.MaxTokens))
	}
	if c.Sampling.Temperature < 0 || c.Sampling.Temperature > 2 {
		errs = append(errs, fmt.Errorf("sampling.temperature must be between 0 and 2, got %g", c.Sampling.Temperature))
	}
	if c.Sampling.TopP <= 0 || c.Sampling.TopP > 1 {
		errs = append(errs, fmt.Errorf("sampling.top_p must be in (0, 1], got %g", c.Sampling.TopP))
	}

	if c.Loop.MaxRounds <= 0 {
		errs = append(errs, fmt.Errorf("loop.max_rounds must be positive, got %d", c.Loop.MaxRounds))
	}
	if _, err := c.SlogLevel(); err != nil {
		errs = append(errs, err)
	}

	return errors.Join(errs...)
}

// SlogLevel returns the bridge's log level.
func (c *Config) SlogLevel() (slog.Level, error) {
	var level slog.Level
	if err := level.UnmarshalText([]byte(c.Log.Level)); err != nil {
		return 0, fmt.Errorf("log.level: %w", err)
	}
	return level, nil
}

// ProviderLogLevel returns the level to request from the provider, and whether one is configured.
func (c *Config) ProviderLogLevel() (mcp.LogLevel, bool) {
	if c.Provider.LogLevel == "" {
		return 0, false
	}
	level, err := mcp.ParseLogLevel(c.Provider.LogLevel)
	if err != nil {
		return 0, false
	}
	return level, true
}

// RequestTimeout returns the provider request timeout.
func (c *Config) RequestTimeout() time.Duration {
	return time.Duration(c.Provider.RequestTimeoutSec) * time.Second
}

// ModelTimeout returns the model request timeout.
func (c *Config) ModelTimeout() time.Duration {
	return time.Duration(c.Model.TimeoutSec) * time.Second
}

func homeDir() string {
	home, _ := os.UserHomeDir()
	return home
}

// envOrFile returns the value of envKey, or the content of the file named by envKey+"_FILE".
func envOrFile(envKey string) string {
	if v := os.Getenv(envKey); v != "" {
		return v
	}
	if path := os.Getenv(envKey + "_FILE"); path != "" {
		data, err := os.ReadFile(path)
		if err == nil {
			return strings.TrimSpace(string(data))
		}
	}
	return ""
}
