package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"dario.cat/mergo"
	"github.com/aschepis/backscratcher/relay/proxy"
	"github.com/aschepis/backscratcher/relay/telemetry"
	"gopkg.in/yaml.v3"
)

// UpstreamConfig represents configuration for the upstream chat API.
type UpstreamConfig struct {
	BaseURL string        `yaml:"base_url,omitempty"` // Upstream base URL (default: official API)
	APIKey  string        `yaml:"api_key,omitempty"`  // API key, usually supplied via ANTHROPIC_API_KEY
	Version string        `yaml:"version,omitempty"`  // anthropic-version header
	Timeout time.Duration `yaml:"timeout,omitempty"`  // Per-attempt HTTP timeout
}

// DefaultsConfig represents values applied to requests that omit them.
type DefaultsConfig struct {
	Model            string `yaml:"model,omitempty"`
	MaxTokens        int64  `yaml:"max_tokens,omitempty"`
	MaxTokensCeiling int64  `yaml:"max_tokens_ceiling,omitempty"`
	SystemPrompt     string `yaml:"system_prompt,omitempty"` // Installed as a request interceptor when set
}

// RetryConfig represents configuration for the retry engine.
type RetryConfig struct {
	MaxRetries  int           `yaml:"max_retries,omitempty"` // -1 disables retries
	Factor      float64       `yaml:"factor,omitempty"`
	MinWait     time.Duration `yaml:"min_wait,omitempty"`
	MaxWait     time.Duration `yaml:"max_wait,omitempty"`
	Jitter      float64       `yaml:"jitter,omitempty"`       // 0 disables jitter
	CallTimeout time.Duration `yaml:"call_timeout,omitempty"` // Bounds all attempts of one call
}

// CacheConfig represents configuration for the response cache.
type CacheConfig struct {
	Disabled           bool          `yaml:"disabled,omitempty"` // The cache is enabled by default
	TTL                time.Duration `yaml:"ttl,omitempty"`
	EvictionSampleRate float64       `yaml:"eviction_sample_rate,omitempty"` // 0 disables the sampled sweep
	EvictionSampleSize int           `yaml:"eviction_sample_size,omitempty"`
}

// MetricsConfig represents configuration for metrics and the HTTP listener.
type MetricsConfig struct {
	OverheadBudget time.Duration `yaml:"overhead_budget,omitempty"`
	Namespace      string        `yaml:"namespace,omitempty"`
	Listen         string        `yaml:"listen,omitempty"` // HTTP address for /v1/messages, /metrics and /debug; empty disables
}

// LedgerConfig represents configuration for the SQLite usage ledger.
type LedgerConfig struct {
	Enabled       bool          `yaml:"enabled,omitempty"`
	Path          string        `yaml:"path,omitempty"`
	Retention     time.Duration `yaml:"retention,omitempty"`
	PruneSchedule string        `yaml:"prune_schedule,omitempty"` // Cron expression or Go duration
}

// ServerConfig represents configuration for the relayd gRPC listener.
type ServerConfig struct {
	GRPC          string        `yaml:"grpc,omitempty"`           // TCP address for the health service
	CallerTimeout time.Duration `yaml:"caller_timeout,omitempty"` // Deadline applied to each /v1/messages call
}

// ProxyConfig is the complete relay configuration.
type ProxyConfig struct {
	Upstream UpstreamConfig   `yaml:"upstream,omitempty"`
	Defaults DefaultsConfig   `yaml:"defaults,omitempty"`
	Retry    RetryConfig      `yaml:"retry,omitempty"`
	Cache    CacheConfig      `yaml:"cache,omitempty"`
	Metrics  MetricsConfig    `yaml:"metrics,omitempty"`
	Prices   proxy.PriceTable `yaml:"prices,omitempty"` // Model or model prefix -> USD per million tokens
	Ledger   LedgerConfig     `yaml:"ledger,omitempty"`
	Server   ServerConfig     `yaml:"server,omitempty"`
}

// Defaults returns the built-in configuration.
func Defaults() ProxyConfig {
	return ProxyConfig{
		Upstream: UpstreamConfig{
			BaseURL: "https://api.anthropic.com",
			Version: "2023-06-01",
			Timeout: 30 * time.Second,
		},
		Defaults: DefaultsConfig{
			Model:            "claude-sonnet-4-20250514",
			MaxTokens:        proxy.DefaultMaxTokens,
			MaxTokensCeiling: proxy.DefaultMaxTokensCeiling,
		},
		Retry: RetryConfig{
			MaxRetries:  proxy.DefaultMaxRetries,
			Factor:      proxy.DefaultBackoffFactor,
			MinWait:     proxy.DefaultMinWait,
			MaxWait:     proxy.DefaultMaxWait,
			Jitter:      proxy.DefaultJitter,
			CallTimeout: proxy.DefaultCallTimeout,
		},
		Cache: CacheConfig{
			TTL:                proxy.DefaultCacheTTL,
			EvictionSampleRate: proxy.DefaultEvictionSampleRate,
			EvictionSampleSize: proxy.DefaultEvictionSampleSize,
		},
		Metrics: MetricsConfig{
			OverheadBudget: proxy.DefaultOverheadBudget,
			Namespace:      "relay",
			Listen:         "localhost:9090",
		},
		Prices: proxy.PriceTable{
			"claude-opus-4":     {Input: 15, Output: 75},
			"claude-sonnet-4":   {Input: 3, Output: 15},
			"claude-3-7-sonnet": {Input: 3, Output: 15},
			"claude-3-5-haiku":  {Input: 0.8, Output: 4},
		},
		Ledger: LedgerConfig{
			Enabled:       false,
			Path:          "relay.db",
			Retention:     30 * 24 * time.Hour,
			PruneSchedule: "@hourly",
		},
		Server: ServerConfig{
			GRPC:          "localhost:50061",
			CallerTimeout: 60 * time.Second,
		},
	}
}

// GetConfigPath returns the default config file path.
// Can be overridden via RELAY_CONFIG_PATH environment variable.
func GetConfigPath() string {
	if envPath := os.Getenv("RELAY_CONFIG_PATH"); envPath != "" {
		return expandPath(envPath)
	}
	homeDir, err := os.UserHomeDir()
	if err != nil {
		return "./.relay/config.yaml"
	}
	return filepath.Join(homeDir, ".relay", "config.yaml")
}

// expandPath expands ~ to the user's home directory.
func expandPath(path string) string {
	if strings.HasPrefix(path, "~/") {
		homeDir, err := os.UserHomeDir()
		if err != nil {
			return path
		}
		return filepath.Join(homeDir, path[2:])
	}
	return path
}

// LoadProxyConfig loads configuration: defaults, then the YAML file at path if it
// exists, then environment overrides. The result is validated.
func LoadProxyConfig(path string) (*ProxyConfig, error) {
	// Step 1: Set defaults
	cfg := Defaults()

	// Step 2: Merge config file onto defaults (if it exists)
	expandedPath := expandPath(path)
	if _, err := os.Stat(expandedPath); err == nil {
		data, err := os.ReadFile(expandedPath) //#nosec 304 -- intentional file read for config
		if err != nil {
			return nil, fmt.Errorf("failed to read config file %q: %w", expandedPath, err)
		}
		fileCfg, err := ParseProxyConfig(data)
		if err != nil {
			return nil, fmt.Errorf("failed to parse config file %q: %w", expandedPath, err)
		}
		if err := mergeConfig(&cfg, fileCfg); err != nil {
			return nil, err
		}
		if err := applyExplicitZeros(&cfg, data); err != nil {
			return nil, fmt.Errorf("failed to parse config file %q: %w", expandedPath, err)
		}
	}

	// Step 3: Environment overrides
	applyEnv(&cfg)

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}
	return &cfg, nil
}

// ParseProxyConfig parses YAML without applying defaults.
func ParseProxyConfig(data []byte) (ProxyConfig, error) {
	var cfg ProxyConfig
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return ProxyConfig{}, err
	}
	return cfg, nil
}

func mergeConfig(dst *ProxyConfig, src ProxyConfig) error {
	// A configured price table replaces the built-in one rather than extending it
	if len(src.Prices) > 0 {
		dst.Prices = nil
	}
	if err := mergo.Merge(dst, src, mergo.WithOverride); err != nil {
		return fmt.Errorf("failed to merge config: %w", err)
	}
	return nil
}

// explicitZeros captures settings where zero is meaningful. mergo skips zero
// values, so these are re-applied from the file after the merge.
type explicitZeros struct {
	Retry struct {
		Jitter *float64 `yaml:"jitter"`
	} `yaml:"retry"`
	Cache struct {
		EvictionSampleRate *float64 `yaml:"eviction_sample_rate"`
	} `yaml:"cache"`
}

func applyExplicitZeros(dst *ProxyConfig, data []byte) error {
	var zeros explicitZeros
	if err := yaml.Unmarshal(data, &zeros); err != nil {
		return err
	}
	if zeros.Retry.Jitter != nil {
		dst.Retry.Jitter = *zeros.Retry.Jitter
	}
	if zeros.Cache.EvictionSampleRate != nil {
		dst.Cache.EvictionSampleRate = *zeros.Cache.EvictionSampleRate
	}
	return nil
}

func applyEnv(cfg *ProxyConfig) {
	if apiKey := os.Getenv("ANTHROPIC_API_KEY"); apiKey != "" {
		cfg.Upstream.APIKey = apiKey
	}
	if baseURL := os.Getenv("ANTHROPIC_BASE_URL"); baseURL != "" {
		cfg.Upstream.BaseURL = baseURL
	}
	if model := os.Getenv("RELAY_DEFAULT_MODEL"); model != "" {
		cfg.Defaults.Model = model
	}
}

// Validate checks cross-field constraints.
func (c *ProxyConfig) Validate() error {
	var problems []string

	if c.Defaults.Model == "" {
		problems = append(problems, "defaults.model is required")
	}
	if c.Defaults.MaxTokens > c.Defaults.MaxTokensCeiling {
		problems = append(problems, fmt.Sprintf("defaults.max_tokens %d exceeds max_tokens_ceiling %d", c.Defaults.MaxTokens, c.Defaults.MaxTokensCeiling))
	}
	if c.Retry.Factor < 1 {
		problems = append(problems, fmt.Sprintf("retry.factor %v must be at least 1", c.Retry.Factor))
	}
	if c.Retry.MinWait > c.Retry.MaxWait {
		problems = append(problems, fmt.Sprintf("retry.min_wait %s exceeds retry.max_wait %s", c.Retry.MinWait, c.Retry.MaxWait))
	}
	if c.Retry.Jitter < 0 || c.Retry.Jitter >= 1 {
		problems = append(problems, fmt.Sprintf("retry.jitter %v must be in [0, 1)", c.Retry.Jitter))
	}
	if c.Server.CallerTimeout > 0 && c.Retry.CallTimeout >= c.Server.CallerTimeout {
		problems = append(problems, fmt.Sprintf("retry.call_timeout %s must be below server.caller_timeout %s", c.Retry.CallTimeout, c.Server.CallerTimeout))
	}
	if c.Cache.EvictionSampleRate < 0 || c.Cache.EvictionSampleRate > 1 {
		problems = append(problems, fmt.Sprintf("cache.eviction_sample_rate %v must be in [0, 1]", c.Cache.EvictionSampleRate))
	}
	for model, price := range c.Prices {
		if price.Input < 0 || price.Output < 0 {
			problems = append(problems, fmt.Sprintf("prices.%s must not be negative", model))
		}
	}
	if c.Ledger.Enabled {
		if c.Ledger.Path == "" {
			problems = append(problems, "ledger.path is required when the ledger is enabled")
		}
		if c.Ledger.Retention <= 0 {
			problems = append(problems, "ledger.retention must be positive")
		}
	}

	if len(problems) > 0 {
		return fmt.Errorf("%s", strings.Join(problems, "; "))
	}
	return nil
}

// ProxySettings converts the configuration into proxy.Config.
func (c *ProxyConfig) ProxySettings() proxy.Config {
	return proxy.Config{
		DefaultModel:     c.Defaults.Model,
		DefaultMaxTokens: c.Defaults.MaxTokens,
		MaxTokensCeiling: c.Defaults.MaxTokensCeiling,
		Retry: proxy.RetryConfig{
			MaxRetries:  c.Retry.MaxRetries,
			Factor:      c.Retry.Factor,
			MinWait:     c.Retry.MinWait,
			MaxWait:     c.Retry.MaxWait,
			Jitter:      c.Retry.Jitter,
			CallTimeout: c.Retry.CallTimeout,
		},
		OverheadBudget: c.Metrics.OverheadBudget,
		Prices:         c.Prices,
	}
}

// CacheSettings converts the cache section into proxy.CacheConfig.
func (c *ProxyConfig) CacheSettings() proxy.CacheConfig {
	return proxy.CacheConfig{
		TTL:                c.Cache.TTL,
		EvictionSampleRate: c.Cache.EvictionSampleRate,
		EvictionSampleSize: c.Cache.EvictionSampleSize,
	}
}

// TelemetrySettings converts the metrics section into telemetry.Config.
func (c *ProxyConfig) TelemetrySettings() telemetry.Config {
	return telemetry.Config{Namespace: c.Metrics.Namespace}
}

// SaveProxyConfig saves the configuration to the specified path.
func SaveProxyConfig(cfg *ProxyConfig, path string) error {
	expandedPath := expandPath(path)

	// Ensure directory exists
	dir := filepath.Dir(expandedPath)
	if err := os.MkdirAll(dir, 0o750); err != nil {
		return fmt.Errorf("failed to create config directory: %w", err)
	}

	data, err := yaml.Marshal(cfg)
	if err != nil {
		return fmt.Errorf("failed to marshal config: %w", err)
	}

	if err := os.WriteFile(expandedPath, data, 0o600); err != nil {
		return fmt.Errorf("failed to write config file: %w", err)
	}

	return nil
}
