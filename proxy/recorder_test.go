package proxy

import (
	"math"
	"testing"
	"time"

	"github.com/aschepis/backscratcher/relay/llm"
	"github.com/rs/zerolog"
)

type countingObserver struct {
	calls      int
	failures   map[ErrorKind]int
	overBudget int
}

func (o *countingObserver) ObserveCall(string, Metrics) { o.calls++ }

func (o *countingObserver) ObserveFailure(kind ErrorKind, _ int) {
	if o.failures == nil {
		o.failures = make(map[ErrorKind]int)
	}
	o.failures[kind]++
}

func (o *countingObserver) ObserveOverBudget() { o.overBudget++ }

func TestPriceTableLookup(t *testing.T) {
	table := PriceTable{
		"claude-sonnet":            {Input: 1, Output: 1},
		"claude-sonnet-4":          {Input: 3, Output: 15},
		"claude-sonnet-4-20250514": {Input: 4, Output: 16},
		"claude-haiku":             {Input: 0.8, Output: 4},
	}

	tests := []struct {
		model string
		want  float64
		found bool
	}{
		{"claude-sonnet-4-20250514", 4, true},
		{"claude-sonnet-4-5", 3, true},
		{"claude-sonnet-3", 1, true},
		{"claude-haiku-3-5", 0.8, true},
		{"gpt-4", 0, false},
	}

	for _, tt := range tests {
		price, ok := table.Lookup(tt.model)
		if ok != tt.found {
			t.Errorf("Lookup(%q) found = %v, want %v", tt.model, ok, tt.found)
		}
		if price.Input != tt.want {
			t.Errorf("Lookup(%q) input price = %v, want %v", tt.model, price.Input, tt.want)
		}
	}
}

func TestModelPriceCost(t *testing.T) {
	price := ModelPrice{Input: 3, Output: 15}
	cost := price.Cost(llm.Usage{InputTokens: 1000, OutputTokens: 500})
	if math.Abs(cost-0.0105) > 1e-12 {
		t.Errorf("Expected cost 0.0105, got %v", cost)
	}
}

func TestRecorderCostUnknownModel(t *testing.T) {
	r := NewRecorder(PriceTable{"claude": {Input: 3, Output: 15}}, 0, nil, zerolog.Nop())
	if cost := r.Cost("req_1", "mystery", llm.Usage{InputTokens: 1000}); cost != 0 {
		t.Errorf("Expected unknown model to cost 0, got %v", cost)
	}
}

func TestRecorderSetPrices(t *testing.T) {
	prices := PriceTable{"claude": {Input: 3, Output: 15}}
	r := NewRecorder(prices, 0, nil, zerolog.Nop())

	// The recorder keeps its own copy
	prices["claude"] = ModelPrice{Input: 100, Output: 100}
	if r.Prices()["claude"].Input != 3 {
		t.Error("Expected recorder to copy the price table")
	}

	r.SetPrices(PriceTable{"claude": {Input: 1, Output: 2}})
	if got := r.Cost("req_1", "claude-x", llm.Usage{InputTokens: 1_000_000, OutputTokens: 1_000_000}); got != 3 {
		t.Errorf("Expected cost 3 after price update, got %v", got)
	}
}

func TestRecorderBuild(t *testing.T) {
	r := NewRecorder(nil, 0, nil, zerolog.Nop())
	start := time.Unix(1_700_000_000, 0)

	m := r.Build("req_1", "claude", start, start.Add(120*time.Millisecond), 100*time.Millisecond, llm.Usage{InputTokens: 7, OutputTokens: 3}, 2)
	if m.Overhead != 20*time.Millisecond {
		t.Errorf("Expected 20ms overhead, got %v", m.Overhead)
	}
	if m.TokensUsed != 10 {
		t.Errorf("Expected 10 tokens, got %d", m.TokensUsed)
	}
	if m.RetryCount != 2 || m.RequestID != "req_1" || !m.Timestamp.Equal(start) {
		t.Errorf("Unexpected metrics: %+v", m)
	}

	// Clock skew must not produce negative overhead
	m = r.Build("req_2", "claude", start, start.Add(50*time.Millisecond), 80*time.Millisecond, llm.Usage{}, 0)
	if m.Overhead != 0 {
		t.Errorf("Expected overhead clamped to 0, got %v", m.Overhead)
	}
}

func TestRecorderBuildCacheHit(t *testing.T) {
	r := NewRecorder(PriceTable{"claude": {Input: 3, Output: 15}}, 0, nil, zerolog.Nop())
	m := r.BuildCacheHit("req_1", time.Now(), llm.Usage{InputTokens: 5, OutputTokens: 5})
	if !m.CacheHit || m.Cost != 0 || m.UpstreamLatency != 0 || m.Overhead != CacheHitOverhead {
		t.Errorf("Unexpected cache hit metrics: %+v", m)
	}
	if m.TokensUsed != 10 {
		t.Errorf("Expected 10 tokens, got %d", m.TokensUsed)
	}
}

func TestRecorderRecord(t *testing.T) {
	observer := &countingObserver{}
	r := NewRecorder(nil, 10*time.Millisecond, observer, zerolog.Nop())

	r.Record("claude", Metrics{Overhead: 4 * time.Millisecond, Cost: 0.5, RetryCount: 1})
	r.Record("claude", Metrics{Overhead: 16 * time.Millisecond, Cost: 0.25})
	r.Record("claude", Metrics{Overhead: CacheHitOverhead, CacheHit: true})
	r.RecordFailure(KindValidation, 0)
	r.RecordFailure(KindRetryable, 3)
	r.RecordFailure(KindFatal, 0)

	snap := r.Snapshot()
	if snap.TotalCalls != 6 {
		t.Errorf("Expected 6 calls, got %d", snap.TotalCalls)
	}
	if snap.Successes != 3 || snap.CacheHits != 1 {
		t.Errorf("Expected 3 successes and 1 cache hit, got %+v", snap)
	}
	if snap.ValidationFailures != 1 || snap.RetryableFailures != 1 || snap.FatalFailures != 1 {
		t.Errorf("Unexpected failure counters: %+v", snap)
	}
	if snap.TotalRetries != 4 {
		t.Errorf("Expected 4 retries, got %d", snap.TotalRetries)
	}
	if snap.OverBudget != 1 {
		t.Errorf("Expected 1 over-budget call, got %d", snap.OverBudget)
	}
	if snap.CumulativeOverheadMs != 21 {
		t.Errorf("Expected 21ms cumulative overhead, got %v", snap.CumulativeOverheadMs)
	}
	if snap.AverageOverheadMs != 7 {
		t.Errorf("Expected 7ms average overhead, got %v", snap.AverageOverheadMs)
	}
	if snap.CumulativeCost != 0.75 {
		t.Errorf("Expected cumulative cost 0.75, got %v", snap.CumulativeCost)
	}

	if observer.calls != 3 || observer.overBudget != 1 {
		t.Errorf("Unexpected observer counts: calls=%d overBudget=%d", observer.calls, observer.overBudget)
	}
	if observer.failures[KindRetryable] != 1 {
		t.Errorf("Expected observer to see the retryable failure, got %v", observer.failures)
	}
}
