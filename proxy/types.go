package proxy

import (
	"maps"
	"slices"
	"time"

	"github.com/aschepis/backscratcher/relay/llm"
)

// Request is a chat completion request as handed to the proxy.
// Interceptors receive and return Request values; the caller's copy is never modified.
type Request struct {
	Messages    []llm.Message
	System      string
	Model       string
	MaxTokens   int64
	Temperature *float64
	Metadata    map[string]any
}

// Clone returns a deep copy of the request, including nested metadata maps and slices.
func (r Request) Clone() Request {
	out := r
	out.Messages = make([]llm.Message, len(r.Messages))
	for i, msg := range r.Messages {
		out.Messages[i] = llm.Message{
			Role:    msg.Role,
			Content: slices.Clone(msg.Content),
		}
	}
	if r.Temperature != nil {
		temp := *r.Temperature
		out.Temperature = &temp
	}
	if r.Metadata != nil {
		out.Metadata = cloneMetadata(r.Metadata)
	}
	return out
}

// cloneMetadata copies m along with the nested maps and slices JSON decoding
// produces. Other reference values, such as pointers, are still shared.
func cloneMetadata(m map[string]any) map[string]any {
	out := make(map[string]any, len(m))
	for k, v := range m {
		out[k] = cloneValue(v)
	}
	return out
}

func cloneValue(v any) any {
	switch val := v.(type) {
	case map[string]any:
		return cloneMetadata(val)
	case []any:
		out := make([]any, len(val))
		for i, item := range val {
			out[i] = cloneValue(item)
		}
		return out
	case map[string]string:
		return maps.Clone(val)
	case []string:
		return slices.Clone(val)
	default:
		return v
	}
}

func (r Request) toLLM() *llm.Request {
	return &llm.Request{
		Model:       r.Model,
		Messages:    r.Messages,
		System:      r.System,
		MaxTokens:   r.MaxTokens,
		Temperature: r.Temperature,
	}
}

// Response wraps the upstream completion plus the metrics of the call that produced it.
type Response struct {
	ID         string             `json:"id"`
	Model      string             `json:"model"`
	Content    []llm.ContentBlock `json:"content"`
	StopReason string             `json:"stop_reason"`
	Usage      llm.Usage          `json:"usage"`
	Metrics    Metrics            `json:"metrics"`
}

// Text concatenates the text blocks of the completion.
func (r Response) Text() string {
	return llm.JoinText(r.Content)
}

// Clone returns a copy that shares no slices with r.
func (r Response) Clone() Response {
	out := r
	out.Content = slices.Clone(r.Content)
	return out
}

// Metrics describes one completed call. It is built once per call and not modified afterwards.
type Metrics struct {
	RequestID       string        `json:"request_id"`
	Timestamp       time.Time     `json:"timestamp"`
	UpstreamLatency time.Duration `json:"upstream_latency"`
	Overhead        time.Duration `json:"overhead"`
	TokensUsed      int64         `json:"tokens_used"`
	Cost            float64       `json:"cost"`
	CacheHit        bool          `json:"cache_hit"`
	RetryCount      int           `json:"retry_count"`
}

// UpstreamLatencyMs returns the upstream latency in milliseconds.
func (m Metrics) UpstreamLatencyMs() float64 {
	return float64(m.UpstreamLatency) / float64(time.Millisecond)
}

// OverheadMs returns the proxy overhead in milliseconds.
func (m Metrics) OverheadMs() float64 {
	return float64(m.Overhead) / float64(time.Millisecond)
}
