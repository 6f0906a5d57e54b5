package proxy

import (
	"context"
	"maps"

	"github.com/rs/zerolog"
)

// LoggingInterceptor logs requests and responses at debug level.
// It implements both RequestInterceptor and ResponseInterceptor.
type LoggingInterceptor struct {
	logger zerolog.Logger
}

// NewLoggingInterceptor creates a LoggingInterceptor.
func NewLoggingInterceptor(logger zerolog.Logger) *LoggingInterceptor {
	return &LoggingInterceptor{
		logger: logger.With().Str("component", "loggingInterceptor").Logger(),
	}
}

// Name implements RequestInterceptor and ResponseInterceptor.
func (l *LoggingInterceptor) Name() string {
	return "logging"
}

// InterceptRequest implements RequestInterceptor.
func (l *LoggingInterceptor) InterceptRequest(ctx context.Context, req Request) (Request, error) {
	l.logger.Debug().
		Str("request_id", RequestIDFromContext(ctx)).
		Str("model", req.Model).
		Int("messages", len(req.Messages)).
		Int64("max_tokens", req.MaxTokens).
		Bool("has_system", req.System != "").
		Msg("Forwarding request")
	return req, nil
}

// InterceptResponse implements ResponseInterceptor.
func (l *LoggingInterceptor) InterceptResponse(ctx context.Context, _ Request, resp Response) (Response, error) {
	l.logger.Debug().
		Str("request_id", RequestIDFromContext(ctx)).
		Str("response_id", resp.ID).
		Str("stop_reason", resp.StopReason).
		Int64("input_tokens", resp.Usage.InputTokens).
		Int64("output_tokens", resp.Usage.OutputTokens).
		Float64("cost", resp.Metrics.Cost).
		Msg("Received response")
	return resp, nil
}

// DefaultSystemPrompt returns a request interceptor that fills in the system
// instruction when the request has none.
func DefaultSystemPrompt(prompt string) RequestInterceptor {
	return NewRequestInterceptor("default-system-prompt", func(_ context.Context, req Request) (Request, error) {
		if req.System == "" {
			req.System = prompt
		}
		return req, nil
	})
}

// TagMetadata returns a request interceptor that sets the given metadata entries,
// overwriting existing keys.
func TagMetadata(name string, tags map[string]any) RequestInterceptor {
	tags = maps.Clone(tags)
	return NewRequestInterceptor(name, func(_ context.Context, req Request) (Request, error) {
		metadata := make(map[string]any, len(req.Metadata)+len(tags))
		maps.Copy(metadata, req.Metadata)
		maps.Copy(metadata, tags)
		req.Metadata = metadata
		return req, nil
	})
}

// Ensure LoggingInterceptor implements both pipelines
var (
	_ RequestInterceptor  = (*LoggingInterceptor)(nil)
	_ ResponseInterceptor = (*LoggingInterceptor)(nil)
)
