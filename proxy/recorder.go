package proxy

import (
	"math"
	"strings"
	"sync/atomic"
	"time"

	"github.com/aschepis/backscratcher/relay/llm"
	"github.com/rs/zerolog"
)

const (
	// CacheHitOverhead is the overhead reported for calls served from the cache.
	CacheHitOverhead = time.Millisecond
	// DefaultOverheadBudget is the proxy-attributable latency a call should stay under.
	DefaultOverheadBudget = 50 * time.Millisecond

	tokensPerPriceUnit = 1_000_000
)

// ModelPrice is the price of one million input and output tokens.
type ModelPrice struct {
	Input  float64 `yaml:"input" json:"input"`
	Output float64 `yaml:"output" json:"output"`
}

// PriceTable maps a model identifier, or a model prefix, to its price.
type PriceTable map[string]ModelPrice

// Lookup finds the price for model. An exact entry wins; otherwise the longest
// key that prefixes the model is used, so "claude-sonnet-4" prices
// "claude-sonnet-4-20250514".
func (t PriceTable) Lookup(model string) (ModelPrice, bool) {
	if price, ok := t[model]; ok {
		return price, true
	}
	var (
		best    ModelPrice
		bestLen int
	)
	for key, price := range t {
		if len(key) > bestLen && strings.HasPrefix(model, key) {
			best, bestLen = price, len(key)
		}
	}
	return best, bestLen > 0
}

// Cost computes the monetary cost of usage at this price.
func (p ModelPrice) Cost(usage llm.Usage) float64 {
	return float64(usage.InputTokens)/tokensPerPriceUnit*p.Input +
		float64(usage.OutputTokens)/tokensPerPriceUnit*p.Output
}

// Observer receives every recorded call, e.g. to export Prometheus metrics.
type Observer interface {
	ObserveCall(model string, m Metrics)
	ObserveFailure(kind ErrorKind, retries int)
	ObserveOverBudget()
}

// Snapshot holds aggregate counters for health and observability endpoints.
type Snapshot struct {
	InstanceID           string  `json:"instance_id"`
	TotalCalls           uint64  `json:"total_calls"`
	Successes            uint64  `json:"successes"`
	CacheHits            uint64  `json:"cache_hits"`
	ValidationFailures   uint64  `json:"validation_failures"`
	RetryableFailures    uint64  `json:"retryable_failures"`
	FatalFailures        uint64  `json:"fatal_failures"`
	TotalRetries         uint64  `json:"total_retries"`
	OverBudget           uint64  `json:"over_budget"`
	CumulativeOverheadMs float64 `json:"cumulative_overhead_ms"`
	AverageOverheadMs    float64 `json:"average_overhead_ms"`
	CumulativeCost       float64 `json:"cumulative_cost"`
}

// Recorder builds per-call Metrics and keeps process-wide aggregates.
// All counters are atomics; recording never blocks another call.
type Recorder struct {
	prices   atomic.Pointer[PriceTable]
	budget   time.Duration
	observer Observer
	logger   zerolog.Logger

	successes          atomic.Uint64
	cacheHits          atomic.Uint64
	validationFailures atomic.Uint64
	retryableFailures  atomic.Uint64
	fatalFailures      atomic.Uint64
	retries            atomic.Uint64
	overBudget         atomic.Uint64
	overheadNanos      atomic.Int64
	costBits           atomic.Uint64
}

// NewRecorder creates a Recorder. observer may be nil.
func NewRecorder(prices PriceTable, budget time.Duration, observer Observer, logger zerolog.Logger) *Recorder {
	if budget <= 0 {
		budget = DefaultOverheadBudget
	}
	r := &Recorder{
		budget:   budget,
		observer: observer,
		logger:   logger.With().Str("component", "metricsRecorder").Logger(),
	}
	r.SetPrices(prices)
	return r
}

// SetPrices atomically replaces the price table. Calls in flight keep the table they loaded.
func (r *Recorder) SetPrices(prices PriceTable) {
	table := make(PriceTable, len(prices))
	for model, price := range prices {
		table[model] = price
	}
	r.prices.Store(&table)
}

// Prices returns the current price table.
func (r *Recorder) Prices() PriceTable {
	return *r.prices.Load()
}

// Cost returns the cost of usage for model. Unknown models cost 0 and log a warning.
func (r *Recorder) Cost(requestID, model string, usage llm.Usage) float64 {
	price, ok := r.prices.Load().Lookup(model)
	if !ok {
		r.logger.Warn().
			Str("request_id", requestID).
			Str("model", model).
			Msg("No price configured for model, recording cost as 0")
		return 0
	}
	return price.Cost(usage)
}

// Build produces the Metrics for a call that went upstream. Overhead is the elapsed
// time between start and end minus the upstream latency, never below zero.
func (r *Recorder) Build(requestID, model string, start, end time.Time, upstream time.Duration, usage llm.Usage, retries int) Metrics {
	overhead := max(end.Sub(start)-upstream, 0)
	return Metrics{
		RequestID:       requestID,
		Timestamp:       start,
		UpstreamLatency: upstream,
		Overhead:        overhead,
		TokensUsed:      usage.Total(),
		Cost:            r.Cost(requestID, model, usage),
		RetryCount:      retries,
	}
}

// BuildCacheHit produces the Metrics for a call served by a short-circuit.
// Nothing was billed, so cost is 0.
func (r *Recorder) BuildCacheHit(requestID string, start time.Time, usage llm.Usage) Metrics {
	return Metrics{
		RequestID:  requestID,
		Timestamp:  start,
		Overhead:   CacheHitOverhead,
		TokensUsed: usage.Total(),
		CacheHit:   true,
	}
}

// Record adds a completed call to the aggregates.
func (r *Recorder) Record(model string, m Metrics) {
	r.successes.Add(1)
	if m.CacheHit {
		r.cacheHits.Add(1)
	}
	r.retries.Add(uint64(max(m.RetryCount, 0))) //nolint:gosec // clamped
	r.overheadNanos.Add(int64(m.Overhead))
	r.addCost(m.Cost)

	if m.Overhead > r.budget {
		r.overBudget.Add(1)
		r.logger.Warn().
			Str("request_id", m.RequestID).
			Dur("overhead", m.Overhead).
			Dur("budget", r.budget).
			Msg("Proxy overhead above budget")
		if r.observer != nil {
			r.observer.ObserveOverBudget()
		}
	}

	if r.observer != nil {
		r.observer.ObserveCall(model, m)
	}
}

// RecordFailure adds a failed call to the aggregates.
func (r *Recorder) RecordFailure(kind ErrorKind, retries int) {
	switch kind {
	case KindValidation:
		r.validationFailures.Add(1)
	case KindRetryable:
		r.retryableFailures.Add(1)
	default:
		r.fatalFailures.Add(1)
	}
	r.retries.Add(uint64(max(retries, 0))) //nolint:gosec // clamped
	if r.observer != nil {
		r.observer.ObserveFailure(kind, retries)
	}
}

func (r *Recorder) addCost(cost float64) {
	if cost == 0 {
		return
	}
	for {
		old := r.costBits.Load()
		updated := math.Float64bits(math.Float64frombits(old) + cost)
		if r.costBits.CompareAndSwap(old, updated) {
			return
		}
	}
}

// Snapshot returns the current aggregate counters.
func (r *Recorder) Snapshot() Snapshot {
	s := Snapshot{
		Successes:          r.successes.Load(),
		CacheHits:          r.cacheHits.Load(),
		ValidationFailures: r.validationFailures.Load(),
		RetryableFailures:  r.retryableFailures.Load(),
		FatalFailures:      r.fatalFailures.Load(),
		TotalRetries:       r.retries.Load(),
		OverBudget:         r.overBudget.Load(),
		CumulativeCost:     math.Float64frombits(r.costBits.Load()),
	}
	s.TotalCalls = s.Successes + s.ValidationFailures + s.RetryableFailures + s.FatalFailures
	s.CumulativeOverheadMs = float64(r.overheadNanos.Load()) / float64(time.Millisecond)
	if s.Successes > 0 {
		s.AverageOverheadMs = s.CumulativeOverheadMs / float64(s.Successes)
	}
	return s
}
