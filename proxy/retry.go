package proxy

import (
	"context"
	"errors"
	"time"

	"github.com/aschepis/backscratcher/relay/llm"
	"github.com/cenkalti/backoff/v4"
	"github.com/rs/zerolog"
)

const (
	// DefaultMaxRetries is the default number of retries after the first attempt
	DefaultMaxRetries = 3
	// DefaultBackoffFactor is the default growth factor between waits
	DefaultBackoffFactor = 2.0
	// DefaultMinWait is the default wait before the first retry
	DefaultMinWait = 1 * time.Second
	// DefaultMaxWait caps a single wait
	DefaultMaxWait = 10 * time.Second
	// DefaultJitter is the default randomization factor applied to each wait
	DefaultJitter = 0.2
	// DefaultCallTimeout bounds the whole retry phase of one call
	DefaultCallTimeout = 55 * time.Second
)

// RetryConfig configures the retry engine.
type RetryConfig struct {
	MaxRetries  int
	Factor      float64
	MinWait     time.Duration
	MaxWait     time.Duration
	Jitter      float64
	CallTimeout time.Duration
}

// DefaultRetryConfig returns the retry defaults.
func DefaultRetryConfig() RetryConfig {
	return RetryConfig{
		MaxRetries:  DefaultMaxRetries,
		Factor:      DefaultBackoffFactor,
		MinWait:     DefaultMinWait,
		MaxWait:     DefaultMaxWait,
		Jitter:      DefaultJitter,
		CallTimeout: DefaultCallTimeout,
	}
}

// Retrier re-issues a single upstream call with exponential backoff.
// It knows nothing about interceptors.
type Retrier struct {
	cfg    RetryConfig
	logger zerolog.Logger
}

// NewRetrier creates a Retrier. Zero fields other than Jitter fall back to the
// defaults; a negative MaxRetries disables retrying.
func NewRetrier(cfg RetryConfig, logger zerolog.Logger) *Retrier {
	defaults := DefaultRetryConfig()
	if cfg.MaxRetries == 0 {
		cfg.MaxRetries = defaults.MaxRetries
	}
	if cfg.MaxRetries < 0 {
		cfg.MaxRetries = 0
	}
	if cfg.Factor < 1 {
		cfg.Factor = defaults.Factor
	}
	if cfg.MinWait <= 0 {
		cfg.MinWait = defaults.MinWait
	}
	if cfg.MaxWait <= 0 {
		cfg.MaxWait = defaults.MaxWait
	}
	if cfg.MaxWait < cfg.MinWait {
		cfg.MaxWait = cfg.MinWait
	}
	// Zero jitter is a valid setting
	if cfg.Jitter < 0 || cfg.Jitter >= 1 {
		cfg.Jitter = 0
	}
	if cfg.CallTimeout <= 0 {
		cfg.CallTimeout = defaults.CallTimeout
	}
	return &Retrier{
		cfg:    cfg,
		logger: logger.With().Str("component", "retrier").Logger(),
	}
}

// Config returns the effective retry configuration.
func (r *Retrier) Config() RetryConfig {
	return r.cfg
}

// newBackOff builds the wait schedule min(MaxWait, MinWait * Factor^attempt) with jitter.
// The returned hint lets the operation stretch the next wait to an upstream Retry-After.
func (r *Retrier) newBackOff(ctx context.Context) (backoff.BackOff, *retryAfterBackOff) {
	eb := backoff.NewExponentialBackOff()
	eb.InitialInterval = r.cfg.MinWait
	eb.Multiplier = r.cfg.Factor
	eb.MaxInterval = r.cfg.MaxWait
	eb.RandomizationFactor = r.cfg.Jitter
	// The call timeout bounds the loop, not the backoff's own clock
	eb.MaxElapsedTime = 0
	eb.Reset()

	hinted := &retryAfterBackOff{
		BackOff: backoff.WithMaxRetries(eb, uint64(r.cfg.MaxRetries)), //nolint:gosec // MaxRetries is clamped to >= 0
		maxWait: r.cfg.MaxWait,
	}
	// WithContext stays outermost so RetryNotify can cancel the wait on ctx
	return backoff.WithContext(hinted, ctx), hinted
}

// retryAfterBackOff raises the next wait to the upstream's Retry-After, capped at maxWait.
type retryAfterBackOff struct {
	backoff.BackOff
	maxWait    time.Duration
	retryAfter time.Duration
}

// setRetryAfter records the hint for the next wait. Non-positive values clear it.
func (b *retryAfterBackOff) setRetryAfter(d time.Duration) {
	b.retryAfter = max(d, 0)
}

func (b *retryAfterBackOff) NextBackOff() time.Duration {
	next := b.BackOff.NextBackOff()
	hint := b.retryAfter
	b.retryAfter = 0
	if next == backoff.Stop {
		return backoff.Stop
	}
	return max(next, min(hint, b.maxWait))
}

func (b *retryAfterBackOff) Reset() {
	b.retryAfter = 0
	b.BackOff.Reset()
}

// Do runs op until it succeeds, fails with a non-retryable error, or the retry budget
// or call timeout runs out. It returns the number of retries performed. Failures are
// returned as *Error without a request id; the caller annotates them.
func (r *Retrier) Do(ctx context.Context, requestID string, op func(ctx context.Context) error) (int, error) {
	ctx, cancel := context.WithTimeout(ctx, r.cfg.CallTimeout)
	defer cancel()

	attempts := 0
	var lastErr error
	b, hinted := r.newBackOff(ctx)

	operation := func() error {
		attempts++
		err := op(ctx)
		if err == nil {
			return nil
		}
		lastErr = err
		if Classify(err) != KindRetryable {
			return backoff.Permanent(err)
		}
		if retryAfter := llm.ExtractRetryAfter(err); retryAfter != nil {
			hinted.setRetryAfter(*retryAfter)
		}
		return err
	}

	notify := func(err error, wait time.Duration) {
		msg := "Retryable upstream failure. Retrying after delay"
		if llm.IsRateLimitError(err) {
			msg = "Rate limited by upstream. Retrying after delay"
		}
		r.logger.Warn().
			Str("request_id", requestID).
			Int("attempt", attempts).
			Int("max_retries", r.cfg.MaxRetries).
			Int("status", llm.StatusCode(err)).
			Dur("next_delay", wait).
			Err(err).
			Msg(msg)
	}

	err := backoff.RetryNotify(operation, b, notify)
	retries := max(attempts-1, 0)
	if err == nil {
		return retries, nil
	}

	// The loop may stop on the context rather than on the upstream error;
	// keep both so the status code stays reachable.
	if lastErr != nil && !errors.Is(err, lastErr) {
		err = errors.Join(err, lastErr)
	}

	kind := Classify(err)
	if kind == KindRetryable {
		r.logger.Error().
			Str("request_id", requestID).
			Int("retries", retries).
			Err(err).
			Msg("Retry budget exhausted")
	}

	return retries, &Error{
		Kind:       kind,
		StatusCode: llm.StatusCode(err),
		Retries:    retries,
		Stage:      StageUpstream,
		Err:        err,
	}
}
