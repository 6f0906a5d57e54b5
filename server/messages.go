package server

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/aschepis/backscratcher/relay/llm"
	"github.com/aschepis/backscratcher/relay/proxy"
	"github.com/rs/zerolog"
)

// maxMessageBody bounds the size of a /v1/messages request body.
const maxMessageBody = 4 << 20

// Sender sends one request through the proxy. proxy.Proxy implements it.
type Sender interface {
	SendMessage(ctx context.Context, req proxy.Request) (*proxy.Response, error)
}

type messageRequest struct {
	Messages    []llm.Message  `json:"messages"`
	System      string         `json:"system,omitempty"`
	Model       string         `json:"model,omitempty"`
	MaxTokens   int64          `json:"max_tokens,omitempty"`
	Temperature *float64       `json:"temperature,omitempty"`
	Metadata    map[string]any `json:"metadata,omitempty"`
}

type errorBody struct {
	Error errorDetail `json:"error"`
}

type errorDetail struct {
	Kind           string `json:"kind"`
	Message        string `json:"message"`
	RequestID      string `json:"request_id,omitempty"`
	UpstreamStatus int    `json:"upstream_status,omitempty"`
	Retries        int    `json:"retries,omitempty"`
}

// messagesHandler serves POST /v1/messages: the JSON body is handed to the proxy
// and the response, including its metrics, is written back.
func messagesHandler(sender Sender, callerTimeout time.Duration, logger zerolog.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var body messageRequest
		dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxMessageBody))
		if err := dec.Decode(&body); err != nil {
			writeJSON(w, logger, http.StatusBadRequest, errorBody{Error: errorDetail{
				Kind:    string(proxy.KindValidation),
				Message: "invalid request body: " + err.Error(),
			}})
			return
		}

		ctx := r.Context()
		if callerTimeout > 0 {
			var cancel context.CancelFunc
			ctx, cancel = context.WithTimeout(ctx, callerTimeout)
			defer cancel()
		}

		resp, err := sender.SendMessage(ctx, proxy.Request{
			Messages:    body.Messages,
			System:      body.System,
			Model:       body.Model,
			MaxTokens:   body.MaxTokens,
			Temperature: body.Temperature,
			Metadata:    body.Metadata,
		})
		if err != nil {
			status, detail := describeError(err)
			if detail.RequestID != "" {
				w.Header().Set("X-Request-Id", detail.RequestID)
			}
			writeJSON(w, logger, status, errorBody{Error: detail})
			return
		}

		w.Header().Set("X-Request-Id", resp.Metrics.RequestID)
		writeJSON(w, logger, http.StatusOK, resp)
	}
}

// describeError maps a proxy failure onto an HTTP status. Upstream 5xx become 502,
// rate limits stay 429, other upstream 4xx become 400 (404 kept), and deadlines 504.
func describeError(err error) (int, errorDetail) {
	detail := errorDetail{
		Kind:           string(proxy.KindOf(err)),
		Message:        err.Error(),
		RequestID:      proxy.RequestIDOf(err),
		UpstreamStatus: llm.StatusCode(err),
	}
	var proxyErr *proxy.Error
	if errors.As(err, &proxyErr) {
		detail.Retries = proxyErr.Retries
	}
	if detail.Kind == "" {
		detail.Kind = string(proxy.KindFatal)
	}

	switch code := detail.UpstreamStatus; {
	case proxy.IsValidation(err):
		return http.StatusBadRequest, detail
	case errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled):
		return http.StatusGatewayTimeout, detail
	case code >= 500:
		return http.StatusBadGateway, detail
	case code == http.StatusTooManyRequests:
		return http.StatusTooManyRequests, detail
	case code == http.StatusNotFound:
		return http.StatusNotFound, detail
	case code >= 400:
		return http.StatusBadRequest, detail
	case proxy.IsRetryable(err):
		return http.StatusBadGateway, detail
	default:
		return http.StatusInternalServerError, detail
	}
}
