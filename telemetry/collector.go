package telemetry

import (
	"net/http"
	"sync"

	"github.com/aschepis/backscratcher/relay/proxy"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const (
	defaultNamespace      = "relay"
	defaultMaxModelLabels = 100
	otherModel            = "other"
)

// Config configures the Prometheus collector.
type Config struct {
	Namespace string
	Subsystem string

	// LatencyBuckets are in seconds and apply to upstream latency.
	LatencyBuckets []float64
	// OverheadBuckets are in seconds and apply to proxy overhead.
	OverheadBuckets []float64
	// MaxModelLabels bounds the number of distinct model label values.
	MaxModelLabels int
}

// Collector exports proxy call metrics to Prometheus. It implements proxy.Observer.
//
// Metrics:
//   - relay_calls_total: completed calls by model and cache outcome
//   - relay_failures_total: failed calls by error kind
//   - relay_retries_total: upstream retries
//   - relay_upstream_latency_seconds: upstream latency histogram
//   - relay_overhead_seconds: proxy overhead histogram
//   - relay_tokens_total: tokens by model
//   - relay_cost_total: cost by model
//   - relay_overhead_budget_exceeded_total: calls whose overhead exceeded the budget
type Collector struct {
	registry *prometheus.Registry
	models   *labelLimiter
	cfg      Config

	calls           *prometheus.CounterVec
	failures        *prometheus.CounterVec
	retries         prometheus.Counter
	upstreamLatency *prometheus.HistogramVec
	overhead        prometheus.Histogram
	tokens          *prometheus.CounterVec
	cost            *prometheus.CounterVec
	overBudget      prometheus.Counter
}

// NewCollector creates a collector and registers its metrics with registry.
// If registry is nil a new one is created.
func NewCollector(cfg Config, registry *prometheus.Registry) *Collector {
	if registry == nil {
		registry = prometheus.NewRegistry()
	}
	if cfg.Namespace == "" {
		cfg.Namespace = defaultNamespace
	}
	if len(cfg.LatencyBuckets) == 0 {
		// LLM calls: 100ms to 60s
		cfg.LatencyBuckets = []float64{0.1, 0.25, 0.5, 1, 2, 5, 10, 30, 60}
	}
	if len(cfg.OverheadBuckets) == 0 {
		// Proxy overhead: 100us to 100ms
		cfg.OverheadBuckets = []float64{0.0001, 0.0005, 0.001, 0.005, 0.01, 0.025, 0.05, 0.1}
	}
	if cfg.MaxModelLabels <= 0 {
		cfg.MaxModelLabels = defaultMaxModelLabels
	}

	c := &Collector{
		registry: registry,
		models:   newLabelLimiter(cfg.MaxModelLabels),
		cfg:      cfg,
		calls: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: cfg.Namespace,
			Subsystem: cfg.Subsystem,
			Name:      "calls_total",
			Help:      "Completed calls by model and cache outcome",
		}, []string{"model", "cache"}),
		failures: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: cfg.Namespace,
			Subsystem: cfg.Subsystem,
			Name:      "failures_total",
			Help:      "Failed calls by error kind",
		}, []string{"kind"}),
		retries: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: cfg.Namespace,
			Subsystem: cfg.Subsystem,
			Name:      "retries_total",
			Help:      "Upstream retries across all calls",
		}),
		upstreamLatency: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: cfg.Namespace,
			Subsystem: cfg.Subsystem,
			Name:      "upstream_latency_seconds",
			Help:      "Upstream latency including retries",
			Buckets:   cfg.LatencyBuckets,
		}, []string{"model"}),
		overhead: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: cfg.Namespace,
			Subsystem: cfg.Subsystem,
			Name:      "overhead_seconds",
			Help:      "Latency added by the proxy",
			Buckets:   cfg.OverheadBuckets,
		}),
		tokens: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: cfg.Namespace,
			Subsystem: cfg.Subsystem,
			Name:      "tokens_total",
			Help:      "Tokens consumed by model",
		}, []string{"model"}),
		cost: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: cfg.Namespace,
			Subsystem: cfg.Subsystem,
			Name:      "cost_total",
			Help:      "Cost in USD by model",
		}, []string{"model"}),
		overBudget: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: cfg.Namespace,
			Subsystem: cfg.Subsystem,
			Name:      "overhead_budget_exceeded_total",
			Help:      "Calls whose proxy overhead exceeded the budget",
		}),
	}

	registry.MustRegister(
		c.calls,
		c.failures,
		c.retries,
		c.upstreamLatency,
		c.overhead,
		c.tokens,
		c.cost,
		c.overBudget,
	)
	return c
}

// ObserveCall implements proxy.Observer.
func (c *Collector) ObserveCall(model string, m proxy.Metrics) {
	model = c.modelLabel(model)

	cacheLabel := "miss"
	if m.CacheHit {
		cacheLabel = "hit"
	}
	c.calls.WithLabelValues(model, cacheLabel).Inc()
	c.overhead.Observe(m.Overhead.Seconds())
	if m.RetryCount > 0 {
		c.retries.Add(float64(m.RetryCount))
	}
	if !m.CacheHit {
		c.upstreamLatency.WithLabelValues(model).Observe(m.UpstreamLatency.Seconds())
	}
	if m.TokensUsed > 0 {
		c.tokens.WithLabelValues(model).Add(float64(m.TokensUsed))
	}
	if m.Cost > 0 {
		c.cost.WithLabelValues(model).Add(m.Cost)
	}
}

// ObserveFailure implements proxy.Observer.
func (c *Collector) ObserveFailure(kind proxy.ErrorKind, retries int) {
	c.failures.WithLabelValues(string(kind)).Inc()
	if retries > 0 {
		c.retries.Add(float64(retries))
	}
}

// ObserveOverBudget implements proxy.Observer.
func (c *Collector) ObserveOverBudget() {
	c.overBudget.Inc()
}

// WatchCache exports the size and hit counters of a response cache.
func (c *Collector) WatchCache(cache *proxy.Cache) error {
	opts := func(name, help string) prometheus.GaugeOpts {
		return prometheus.GaugeOpts{
			Namespace: c.cfg.Namespace,
			Subsystem: c.cfg.Subsystem,
			Name:      name,
			Help:      help,
		}
	}
	collectors := []prometheus.Collector{
		prometheus.NewGaugeFunc(opts("cache_entries", "Entries held by the response cache"), func() float64 {
			return float64(cache.Len())
		}),
		prometheus.NewCounterFunc(prometheus.CounterOpts(opts("cache_evictions_total", "Expired cache entries removed")), func() float64 {
			return float64(cache.Stats().Evictions)
		}),
	}
	for _, collector := range collectors {
		if err := c.registry.Register(collector); err != nil {
			return err
		}
	}
	return nil
}

// Registry returns the Prometheus registry used by this collector.
func (c *Collector) Registry() *prometheus.Registry {
	return c.registry
}

// Handler returns an HTTP handler serving the registry in the Prometheus exposition format.
func (c *Collector) Handler() http.Handler {
	return promhttp.HandlerFor(c.registry, promhttp.HandlerOpts{
		EnableOpenMetrics: true,
		ErrorHandling:     promhttp.ContinueOnError,
	})
}

func (c *Collector) modelLabel(model string) string {
	if model == "" {
		return "unknown"
	}
	if !c.models.Allow(model) {
		return otherModel
	}
	return model
}

// labelLimiter bounds the number of distinct values a label can take.
type labelLimiter struct {
	max     int
	mu      sync.RWMutex
	current map[string]struct{}
}

func newLabelLimiter(maxValues int) *labelLimiter {
	return &labelLimiter{max: maxValues, current: make(map[string]struct{})}
}

// Allow reports whether value is already tracked or there is room to track it.
func (l *labelLimiter) Allow(value string) bool {
	l.mu.RLock()
	_, ok := l.current[value]
	l.mu.RUnlock()
	if ok {
		return true
	}

	l.mu.Lock()
	defer l.mu.Unlock()
	if _, ok := l.current[value]; ok {
		return true
	}
	if len(l.current) >= l.max {
		return false
	}
	l.current[value] = struct{}{}
	return true
}

// Ensure Collector implements proxy.Observer
var _ proxy.Observer = (*Collector)(nil)
