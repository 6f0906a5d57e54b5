package proxy

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"math/rand/v2"
	"sync"
	"sync/atomic"
	"time"

	"github.com/aschepis/backscratcher/relay/llm"
	"github.com/rs/zerolog"
)

const (
	// CacheInterceptorName is the name the response cache registers under.
	CacheInterceptorName = "response-cache"
	// DefaultCacheTTL is how long a stored response is served.
	DefaultCacheTTL = 5 * time.Minute
	// DefaultEvictionSampleRate is the probability a store also sweeps expired entries.
	DefaultEvictionSampleRate = 0.1
	// DefaultEvictionSampleSize is how many entries one sweep inspects.
	DefaultEvictionSampleSize = 20
)

// CacheConfig configures the response cache.
type CacheConfig struct {
	TTL                time.Duration
	EvictionSampleRate float64
	EvictionSampleSize int
}

// CacheStats reports cache activity.
type CacheStats struct {
	Entries   int    `json:"entries"`
	Hits      uint64 `json:"hits"`
	Misses    uint64 `json:"misses"`
	Evictions uint64 `json:"evictions"`
}

type cacheEntry struct {
	response  Response
	expiresAt time.Time
}

// Cache serves previously computed responses for identical requests within a TTL.
// It is registered in both pipelines: the request side short-circuits on a hit and
// the response side stores cacheable responses.
//
// Expired entries are dropped when read, and a random sample of entries is swept on
// some stores so the map cannot grow without bound.
type Cache struct {
	cfg    CacheConfig
	logger zerolog.Logger

	mu      sync.Mutex
	entries map[string]cacheEntry

	now    func() time.Time
	random func() float64

	hits      atomic.Uint64
	misses    atomic.Uint64
	evictions atomic.Uint64
}

// NewCache creates an in-memory response cache.
func NewCache(cfg CacheConfig, logger zerolog.Logger) *Cache {
	if cfg.TTL <= 0 {
		cfg.TTL = DefaultCacheTTL
	}
	if cfg.EvictionSampleRate < 0 || cfg.EvictionSampleRate > 1 {
		cfg.EvictionSampleRate = DefaultEvictionSampleRate
	}
	if cfg.EvictionSampleSize <= 0 {
		cfg.EvictionSampleSize = DefaultEvictionSampleSize
	}
	return &Cache{
		cfg:     cfg,
		logger:  logger.With().Str("component", "responseCache").Logger(),
		entries: make(map[string]cacheEntry),
		now:     time.Now,
		random:  rand.Float64,
	}
}

// Name implements RequestInterceptor and ResponseInterceptor.
func (c *Cache) Name() string {
	return CacheInterceptorName
}

// cacheKeyFields are the request fields that decide whether two requests are the same.
// Metadata is deliberately absent.
type cacheKeyFields struct {
	Messages    []llm.Message `json:"messages"`
	Model       string        `json:"model"`
	Temperature *float64      `json:"temperature"`
	System      string        `json:"system"`
}

// CacheKey returns the digest of the semantically relevant request fields.
func CacheKey(req Request) string {
	payload, err := json.Marshal(cacheKeyFields{
		Messages:    req.Messages,
		Model:       req.Model,
		Temperature: req.Temperature,
		System:      req.System,
	})
	if err != nil {
		// llm.Message holds only strings; marshaling cannot fail in practice
		return ""
	}
	sum := sha256.Sum256(payload)
	return hex.EncodeToString(sum[:])
}

// Lookup implements ShortCircuiter.
func (c *Cache) Lookup(ctx context.Context, req Request) (Lookup, error) {
	key := CacheKey(req)
	if key == "" {
		return Miss(""), nil
	}

	now := c.now()
	c.mu.Lock()
	entry, ok := c.entries[key]
	if ok && !now.Before(entry.expiresAt) {
		delete(c.entries, key)
		c.evictions.Add(1)
		ok = false
	}
	c.mu.Unlock()

	if !ok {
		c.misses.Add(1)
		return Miss(key), nil
	}

	c.hits.Add(1)
	c.logger.Debug().
		Str("request_id", RequestIDFromContext(ctx)).
		Str("key", key[:12]).
		Msg("Cache hit")
	return Hit(entry.response.Clone()), nil
}

// InterceptRequest implements RequestInterceptor. The cache never changes requests.
func (c *Cache) InterceptRequest(_ context.Context, req Request) (Request, error) {
	return req, nil
}

// InterceptResponse implements ResponseInterceptor by storing cacheable responses
// under the key computed at lookup time.
func (c *Cache) InterceptResponse(ctx context.Context, req Request, resp Response) (Response, error) {
	if !Cacheable(resp) {
		return resp, nil
	}
	key, ok := LookupKeyFromContext(ctx, c.Name())
	if !ok {
		key = CacheKey(req)
	}
	if key == "" {
		return resp, nil
	}
	c.store(key, resp)
	return resp, nil
}

// Cacheable reports whether a response may be stored: it must be a complete,
// non-empty completion that was not itself served from the cache.
func Cacheable(resp Response) bool {
	if resp.Metrics.CacheHit || len(resp.Content) == 0 {
		return false
	}
	switch resp.StopReason {
	case "end_turn", "stop_sequence":
		return true
	}
	return false
}

func (c *Cache) store(key string, resp Response) {
	now := c.now()
	stored := resp.Clone()
	stored.Metrics = Metrics{}

	c.mu.Lock()
	defer c.mu.Unlock()

	c.entries[key] = cacheEntry{response: stored, expiresAt: now.Add(c.cfg.TTL)}
	if c.random() < c.cfg.EvictionSampleRate {
		c.evictSampleLocked(now)
	}
}

// evictSampleLocked inspects up to EvictionSampleSize entries, relying on Go's
// randomized map iteration order, and drops the expired ones.
func (c *Cache) evictSampleLocked(now time.Time) {
	inspected, evicted := 0, 0
	for key, entry := range c.entries {
		if inspected >= c.cfg.EvictionSampleSize {
			break
		}
		inspected++
		if !now.Before(entry.expiresAt) {
			delete(c.entries, key)
			evicted++
		}
	}
	if evicted > 0 {
		c.evictions.Add(uint64(evicted)) //nolint:gosec // non-negative
		c.logger.Debug().Int("evicted", evicted).Int("inspected", inspected).Msg("Swept expired cache entries")
	}
}

// Len returns the number of stored entries, including expired ones not yet swept.
func (c *Cache) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.entries)
}

// Stats returns cache counters.
func (c *Cache) Stats() CacheStats {
	return CacheStats{
		Entries:   c.Len(),
		Hits:      c.hits.Load(),
		Misses:    c.misses.Load(),
		Evictions: c.evictions.Load(),
	}
}

// Clear drops every entry.
func (c *Cache) Clear() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.entries = make(map[string]cacheEntry)
}

// Ensure Cache implements both pipelines
var (
	_ ShortCircuiter      = (*Cache)(nil)
	_ ResponseInterceptor = (*Cache)(nil)
)
