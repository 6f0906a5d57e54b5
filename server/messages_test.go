package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/aschepis/backscratcher/relay/llm"
	"github.com/aschepis/backscratcher/relay/proxy"
	"github.com/rs/zerolog"
)

type stubSender struct {
	err      error
	deadline bool
}

func (s *stubSender) SendMessage(ctx context.Context, _ proxy.Request) (*proxy.Response, error) {
	_, s.deadline = ctx.Deadline()
	return nil, s.err
}

func postMessage(t *testing.T, handler http.Handler, body string) *httptest.ResponseRecorder {
	t.Helper()
	rec := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodPost, "/v1/messages", strings.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	handler.ServeHTTP(rec, req)
	return rec
}

func TestMessagesThroughProxy(t *testing.T) {
	var upstreamCalls atomic.Int32
	client := llm.ClientFunc(func(_ context.Context, req *llm.Request) (*llm.Response, error) {
		upstreamCalls.Add(1)
		return &llm.Response{
			ID:         "msg_1",
			Model:      req.Model,
			Content:    []llm.ContentBlock{{Type: llm.ContentBlockTypeText, Text: "pong"}},
			StopReason: "end_turn",
			Usage:      &llm.Usage{InputTokens: 3, OutputTokens: 2},
		}, nil
	})
	p, err := proxy.New(client, proxy.Config{DefaultModel: "claude-test"}, zerolog.Nop())
	if err != nil {
		t.Fatalf("proxy.New failed: %v", err)
	}
	if err := p.UseCache(proxy.NewCache(proxy.CacheConfig{}, zerolog.Nop())); err != nil {
		t.Fatalf("UseCache failed: %v", err)
	}
	handler := NewHTTPHandler(HTTPConfig{Proxy: p, Sender: p, Logger: zerolog.Nop(), CallerTimeout: 5 * time.Second})

	body := `{"messages":[{"role":"user","content":[{"type":"text","text":"ping"}]}]}`
	rec := postMessage(t, handler, body)
	if rec.Code != http.StatusOK {
		t.Fatalf("Expected 200, got %d: %s", rec.Code, rec.Body.String())
	}
	var resp proxy.Response
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatalf("Failed to decode response: %v", err)
	}
	if resp.Text() != "pong" || resp.Model != "claude-test" {
		t.Errorf("Unexpected response: %+v", resp)
	}
	if rec.Header().Get("X-Request-Id") != resp.Metrics.RequestID || resp.Metrics.RequestID == "" {
		t.Errorf("Expected X-Request-Id to match %q, got %q", resp.Metrics.RequestID, rec.Header().Get("X-Request-Id"))
	}

	// The same request again is served from the cache
	rec = postMessage(t, handler, body)
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatalf("Failed to decode response: %v", err)
	}
	if !resp.Metrics.CacheHit || upstreamCalls.Load() != 1 {
		t.Errorf("Expected a cache hit without a second upstream call, got hit=%v calls=%d", resp.Metrics.CacheHit, upstreamCalls.Load())
	}

	snap := serve(t, handler, "/debug/snapshot")
	var counters proxy.Snapshot
	if err := json.Unmarshal(snap.Body.Bytes(), &counters); err != nil {
		t.Fatalf("Failed to decode snapshot: %v", err)
	}
	if counters.TotalCalls != 2 || counters.CacheHits != 1 {
		t.Errorf("Expected snapshot to count both calls, got %+v", counters)
	}
}

func TestMessagesBadBody(t *testing.T) {
	handler := NewHTTPHandler(HTTPConfig{Proxy: &stubProxy{}, Sender: &stubSender{}, Logger: zerolog.Nop()})
	rec := postMessage(t, handler, "{not json")
	if rec.Code != http.StatusBadRequest {
		t.Errorf("Expected 400, got %d", rec.Code)
	}
	if !strings.Contains(rec.Body.String(), `"kind":"validation"`) {
		t.Errorf("Expected validation kind in body, got %s", rec.Body.String())
	}
}

func TestMessagesAppliesCallerTimeout(t *testing.T) {
	sender := &stubSender{err: &proxy.Error{Kind: proxy.KindFatal}}
	handler := NewHTTPHandler(HTTPConfig{Proxy: &stubProxy{}, Sender: sender, Logger: zerolog.Nop(), CallerTimeout: time.Second})
	postMessage(t, handler, `{"messages":[]}`)
	if !sender.deadline {
		t.Error("Expected the caller timeout to set a deadline")
	}
}

func TestMessagesErrorStatus(t *testing.T) {
	upstream := func(code int) error { return llm.NewStatusError(code, "upstream", nil, nil) }
	tests := []struct {
		name string
		err  error
		want int
	}{
		{"validation", &proxy.Error{Kind: proxy.KindValidation, RequestID: "req_1_1", Err: proxy.ErrEmptyMessages}, http.StatusBadRequest},
		{"exhausted 503", &proxy.Error{Kind: proxy.KindRetryable, StatusCode: 503, Retries: 3, Err: upstream(503)}, http.StatusBadGateway},
		{"exhausted 429", &proxy.Error{Kind: proxy.KindRetryable, StatusCode: 429, Err: upstream(429)}, http.StatusTooManyRequests},
		{"exhausted network", &proxy.Error{Kind: proxy.KindRetryable, Err: llm.NewNetworkError("reset", nil)}, http.StatusBadGateway},
		{"upstream 401", &proxy.Error{Kind: proxy.KindFatal, StatusCode: 401, Err: upstream(401)}, http.StatusBadRequest},
		{"upstream 404", &proxy.Error{Kind: proxy.KindFatal, StatusCode: 404, Err: upstream(404)}, http.StatusNotFound},
		{"deadline", &proxy.Error{Kind: proxy.KindFatal, Err: errors.Join(context.DeadlineExceeded, upstream(503))}, http.StatusGatewayTimeout},
		{"interceptor", &proxy.Error{Kind: proxy.KindFatal, Stage: "request:guard", Err: errors.New("blocked")}, http.StatusInternalServerError},
		{"plain", fmt.Errorf("boom"), http.StatusInternalServerError},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			handler := NewHTTPHandler(HTTPConfig{Proxy: &stubProxy{}, Sender: &stubSender{err: tt.err}, Logger: zerolog.Nop()})
			rec := postMessage(t, handler, `{"messages":[{"role":"user","content":[{"type":"text","text":"hi"}]}]}`)
			if rec.Code != tt.want {
				t.Errorf("Expected %d, got %d", tt.want, rec.Code)
			}
			var body errorBody
			if err := json.Unmarshal(rec.Body.Bytes(), &body); err != nil {
				t.Fatalf("Failed to decode error body: %v", err)
			}
			if body.Error.Kind == "" || body.Error.Message == "" {
				t.Errorf("Expected kind and message in error body, got %+v", body.Error)
			}
		})
	}
}
