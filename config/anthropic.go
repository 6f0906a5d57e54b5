package config

import (
	"github.com/aschepis/backscratcher/relay/llm/anthropic"
	"github.com/rs/zerolog"
)

// AnthropicSettings converts the upstream section into the client configuration.
func (c *ProxyConfig) AnthropicSettings() anthropic.Config {
	return anthropic.Config{
		BaseURL: c.Upstream.BaseURL,
		APIKey:  c.Upstream.APIKey,
		Version: c.Upstream.Version,
		Timeout: c.Upstream.Timeout,
	}
}

// NewAnthropicClient creates the upstream client from the configuration.
func NewAnthropicClient(cfg *ProxyConfig, logger zerolog.Logger) (*anthropic.AnthropicClient, error) {
	return anthropic.NewAnthropicClient(cfg.AnthropicSettings(), logger)
}
