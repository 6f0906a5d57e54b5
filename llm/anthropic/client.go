package anthropic

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"time"

	anthropic "github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"
	"github.com/aschepis/backscratcher/relay/llm"
	"github.com/rs/zerolog"
)

const (
	// DefaultVersion is the anthropic-version header sent when none is configured.
	DefaultVersion = "2023-06-01"
	// DefaultTimeout bounds a single upstream attempt.
	DefaultTimeout = 30 * time.Second
)

// Config holds the upstream connection settings.
type Config struct {
	BaseURL string
	APIKey  string
	Version string
	Timeout time.Duration
	// HTTPClient overrides the transport, mostly for tests.
	HTTPClient *http.Client
}

// AnthropicClient implements the llm.Client interface for Anthropic's Messages API.
// The SDK's own retries are disabled; retrying belongs to the proxy.
type AnthropicClient struct {
	client *anthropic.Client
	logger zerolog.Logger
}

// NewAnthropicClient creates a new AnthropicClient from the given config.
func NewAnthropicClient(cfg Config, logger zerolog.Logger) (*AnthropicClient, error) {
	if cfg.APIKey == "" {
		return nil, fmt.Errorf("api key is required")
	}
	if cfg.Version == "" {
		cfg.Version = DefaultVersion
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = DefaultTimeout
	}

	opts := []option.RequestOption{
		option.WithAPIKey(cfg.APIKey),
		option.WithHeader("anthropic-version", cfg.Version),
		option.WithRequestTimeout(cfg.Timeout),
		option.WithMaxRetries(0),
	}
	if cfg.BaseURL != "" {
		opts = append(opts, option.WithBaseURL(cfg.BaseURL))
	}
	if cfg.HTTPClient != nil {
		opts = append(opts, option.WithHTTPClient(cfg.HTTPClient))
	}

	client := anthropic.NewClient(opts...)
	return &AnthropicClient{
		client: &client,
		logger: logger.With().Str("component", "anthropicClient").Logger(),
	}, nil
}

// Synchronous implements llm.Client.Synchronous.
func (c *AnthropicClient) Synchronous(ctx context.Context, req *llm.Request) (*llm.Response, error) {
	if req == nil {
		return nil, llm.NewProviderError("request is required", nil)
	}

	params := anthropic.MessageNewParams{
		Model:     anthropic.Model(req.Model),
		MaxTokens: req.MaxTokens,
		Messages:  ToMessageParams(req.Messages),
		System:    buildSystemBlocks(req.System),
	}
	if req.Temperature != nil {
		params.Temperature = anthropic.Float(*req.Temperature)
	}

	message, err := c.client.Messages.New(ctx, params)
	if err != nil {
		return nil, classifyError(ctx, err)
	}

	usage := &llm.Usage{
		InputTokens:              message.Usage.InputTokens,
		OutputTokens:             message.Usage.OutputTokens,
		CacheCreationInputTokens: message.Usage.CacheCreationInputTokens,
		CacheReadInputTokens:     message.Usage.CacheReadInputTokens,
	}

	// Log prompt cache information for tracking efficacy
	if usage.CacheCreationInputTokens > 0 || usage.CacheReadInputTokens > 0 {
		c.logger.Debug().
			Int64("input_tokens", usage.InputTokens).
			Int64("cache_creation_tokens", usage.CacheCreationInputTokens).
			Int64("cache_read_tokens", usage.CacheReadInputTokens).
			Msg("Prompt cache stats")
	}

	return &llm.Response{
		ID:         message.ID,
		Model:      string(message.Model),
		Content:    FromContentBlocks(message.Content),
		Usage:      usage,
		StopReason: string(message.StopReason),
	}, nil
}

// classifyError converts SDK and transport errors into *llm.Error.
func classifyError(ctx context.Context, err error) error {
	var apiErr *anthropic.Error
	if errors.As(err, &apiErr) {
		var retryAfter *time.Duration
		if apiErr.Response != nil {
			retryAfter = parseRetryAfter(apiErr.Response.Header.Get("Retry-After"))
		}
		return llm.NewStatusError(apiErr.StatusCode, "anthropic API error", retryAfter, err)
	}

	if ctx.Err() != nil || errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) {
		return &llm.Error{
			Type:        llm.ErrorTypeTimeout,
			Message:     "anthropic request cancelled",
			ProviderErr: err,
		}
	}

	return llm.NewNetworkError("anthropic request failed", err)
}

// parseRetryAfter reads a Retry-After header given in seconds or as an HTTP date.
func parseRetryAfter(value string) *time.Duration {
	if value == "" {
		return nil
	}
	if seconds, err := strconv.Atoi(value); err == nil {
		d := time.Duration(seconds) * time.Second
		return &d
	}
	if retryTime, err := time.Parse(time.RFC1123, value); err == nil {
		if d := time.Until(retryTime); d > 0 {
			return &d
		}
	}
	return nil
}

// buildSystemBlocks creates the system text block with prompt caching enabled.
// Placing cache_control on the system block lets Anthropic cache the shared prefix
// across calls that reuse the same system instruction.
func buildSystemBlocks(systemPrompt string) []anthropic.TextBlockParam {
	if systemPrompt == "" {
		return nil
	}
	return []anthropic.TextBlockParam{
		{Text: systemPrompt, CacheControl: anthropic.NewCacheControlEphemeralParam()},
	}
}

// Ensure AnthropicClient implements llm.Client
var _ llm.Client = (*AnthropicClient)(nil)
