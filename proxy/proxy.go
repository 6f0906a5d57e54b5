package proxy

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"sync"
	"sync/atomic"
	"time"

	"github.com/aschepis/backscratcher/relay/llm"
	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/samber/lo"
)

const (
	// DefaultMaxTokens is used when neither the request nor the config sets a token limit.
	DefaultMaxTokens = 1024
	// DefaultMaxTokensCeiling is the largest token limit a request may ask for.
	DefaultMaxTokensCeiling = 64000
)

// Config holds the orchestrator settings.
type Config struct {
	DefaultModel     string
	DefaultMaxTokens int64
	MaxTokensCeiling int64
	Retry            RetryConfig
	OverheadBudget   time.Duration
	Prices           PriceTable
}

// Option configures a Proxy.
type Option func(*Proxy)

// WithRecorder replaces the metrics recorder built from Config.
func WithRecorder(recorder *Recorder) Option {
	return func(p *Proxy) {
		p.recorder = recorder
	}
}

// WithObserver attaches an observer to the recorder built from Config.
func WithObserver(observer Observer) Option {
	return func(p *Proxy) {
		p.observer = observer
	}
}

// WithInstanceID sets the id reported in snapshots.
func WithInstanceID(id string) Option {
	return func(p *Proxy) {
		p.instanceID = id
	}
}

// Proxy forwards chat completion requests upstream through ordered request and
// response interceptor pipelines, with bounded retries and per-call metrics.
//
// A Proxy is safe for concurrent use. Each call snapshots the interceptor
// pipelines when it starts, so adding or removing interceptors only affects
// calls started afterwards.
type Proxy struct {
	client     llm.Client
	cfg        Config
	retrier    *Retrier
	recorder   *Recorder
	observer   Observer
	logger     zerolog.Logger
	instanceID string

	// mu serializes pipeline mutation; calls read the pipeline without locking.
	mu       sync.Mutex
	pipeline atomic.Pointer[pipeline]

	calls atomic.Uint64
}

// New creates a Proxy around the given upstream client.
func New(client llm.Client, cfg Config, logger zerolog.Logger, opts ...Option) (*Proxy, error) {
	if client == nil {
		return nil, fmt.Errorf("upstream client is required")
	}
	if cfg.DefaultMaxTokens <= 0 {
		cfg.DefaultMaxTokens = DefaultMaxTokens
	}
	if cfg.MaxTokensCeiling <= 0 {
		cfg.MaxTokensCeiling = DefaultMaxTokensCeiling
	}
	if cfg.DefaultMaxTokens > cfg.MaxTokensCeiling {
		return nil, fmt.Errorf("default max tokens %d exceeds ceiling %d", cfg.DefaultMaxTokens, cfg.MaxTokensCeiling)
	}

	p := &Proxy{
		client: client,
		cfg:    cfg,
		logger: logger.With().Str("component", "proxy").Logger(),
	}
	for _, opt := range opts {
		opt(p)
	}
	if p.instanceID == "" {
		p.instanceID = uuid.NewString()
	}
	if p.recorder == nil {
		p.recorder = NewRecorder(cfg.Prices, cfg.OverheadBudget, p.observer, logger)
	}
	p.retrier = NewRetrier(cfg.Retry, logger)
	p.pipeline.Store(&pipeline{})

	return p, nil
}

// InstanceID returns the id of this proxy instance.
func (p *Proxy) InstanceID() string {
	return p.instanceID
}

// Recorder returns the metrics recorder.
func (p *Proxy) Recorder() *Recorder {
	return p.recorder
}

// nextRequestID derives a unique id from the wall clock and the process-wide call counter.
func (p *Proxy) nextRequestID(now time.Time) string {
	n := p.calls.Add(1)
	return fmt.Sprintf("req_%d_%d", now.UnixMilli(), n)
}

// SendMessage runs one call: validation, request interceptors, the upstream call
// under the retry engine, then response interceptors. On failure it returns an
// *Error carrying the call's request id.
func (p *Proxy) SendMessage(ctx context.Context, req Request) (*Response, error) {
	start := time.Now()
	requestID := p.nextRequestID(start)
	ctx = withRequestID(ctx, requestID)
	logger := p.logger.With().Str("request_id", requestID).Logger()

	req = p.applyDefaults(req.Clone())
	if err := p.validate(req); err != nil {
		return nil, p.fail(logger, &Error{Kind: KindValidation, Stage: StageValidation, Err: err}, requestID)
	}

	pl := p.pipeline.Load()

	req, hit, keys, err := p.runRequestPipeline(ctx, logger, pl, req)
	if err != nil {
		return nil, p.fail(logger, err, requestID)
	}
	if hit != nil {
		resp := hit.Clone()
		resp.Metrics = p.recorder.BuildCacheHit(requestID, start, resp.Usage)
		p.recorder.Record(req.Model, resp.Metrics)
		logger.Debug().Str("model", req.Model).Msg("Served from cache")
		return &resp, nil
	}
	if err := p.validate(req); err != nil {
		return nil, p.fail(logger, &Error{Kind: KindFatal, Stage: StageRequest, Err: fmt.Errorf("interceptors produced an invalid request: %w", err)}, requestID)
	}

	upstreamReq := req.toLLM()
	var upstreamResp *llm.Response
	upstreamStart := time.Now()
	retries, err := p.retrier.Do(ctx, requestID, func(ctx context.Context) error {
		resp, err := p.client.Synchronous(ctx, upstreamReq)
		if err != nil {
			return err
		}
		upstreamResp = resp
		return nil
	})
	upstreamLatency := time.Since(upstreamStart)
	if err != nil {
		return nil, p.fail(logger, err, requestID)
	}
	if upstreamResp == nil || len(upstreamResp.Content) == 0 {
		return nil, p.fail(logger, &Error{Kind: KindFatal, Stage: StageCompletion, Retries: retries, Err: ErrEmptyContent}, requestID)
	}

	resp := Response{
		ID:         upstreamResp.ID,
		Model:      upstreamResp.Model,
		Content:    slices.Clone(upstreamResp.Content),
		StopReason: upstreamResp.StopReason,
	}
	if resp.Model == "" {
		resp.Model = req.Model
	}
	if upstreamResp.Usage != nil {
		resp.Usage = *upstreamResp.Usage
	}
	metrics := p.recorder.Build(requestID, req.Model, start, time.Now(), upstreamLatency, resp.Usage, retries)
	resp.Metrics = metrics

	resp, err = p.runResponsePipeline(withLookupKeys(ctx, keys), logger, pl, req, resp)
	if err != nil {
		return nil, p.fail(logger, err, requestID)
	}
	resp.Metrics = metrics

	p.recorder.Record(req.Model, metrics)
	logger.Debug().
		Str("model", req.Model).
		Dur("upstream_latency", metrics.UpstreamLatency).
		Dur("overhead", metrics.Overhead).
		Int64("tokens", metrics.TokensUsed).
		Int("retries", metrics.RetryCount).
		Msg("Call completed")

	return &resp, nil
}

func (p *Proxy) applyDefaults(req Request) Request {
	if req.Model == "" {
		req.Model = p.cfg.DefaultModel
	}
	if req.MaxTokens == 0 {
		req.MaxTokens = p.cfg.DefaultMaxTokens
	}
	return req
}

func (p *Proxy) validate(req Request) error {
	if len(req.Messages) == 0 {
		return ErrEmptyMessages
	}
	for i, msg := range req.Messages {
		if msg.Role != llm.RoleUser && msg.Role != llm.RoleAssistant {
			return fmt.Errorf("message %d: %w", i, ErrInvalidRole)
		}
		if len(msg.Content) == 0 {
			return fmt.Errorf("message %d: %w", i, ErrEmptyMessageContent)
		}
	}
	if req.Model == "" {
		return ErrMissingModel
	}
	if req.MaxTokens <= 0 {
		return ErrInvalidMaxTokens
	}
	if req.MaxTokens > p.cfg.MaxTokensCeiling {
		return fmt.Errorf("%w: %d > %d", ErrTokenCeiling, req.MaxTokens, p.cfg.MaxTokensCeiling)
	}
	if req.Temperature != nil && (*req.Temperature < 0 || *req.Temperature > 1) {
		return fmt.Errorf("%w: %v", ErrInvalidTemperature, *req.Temperature)
	}
	return nil
}

// runRequestPipeline runs the request interceptors in registration order. It stops
// early on a short-circuit hit and collects the keys reported on misses.
func (p *Proxy) runRequestPipeline(ctx context.Context, logger zerolog.Logger, pl *pipeline, req Request) (Request, *Response, map[string]string, error) {
	var keys map[string]string

	for _, reg := range pl.request {
		if sc, ok := reg.interceptor.(ShortCircuiter); ok {
			lookup, err := sc.Lookup(ctx, req)
			switch {
			case err != nil && reg.optional:
				logger.Warn().Str("interceptor", reg.name).Err(err).Msg("Optional short-circuit lookup failed, continuing")
			case err != nil:
				return req, nil, nil, &Error{Kind: KindFatal, Stage: interceptorStage(StageRequest, reg.name), Err: err}
			case lookup.Kind == LookupHit:
				return req, &lookup.Response, nil, nil
			case lookup.Key != "":
				if keys == nil {
					keys = make(map[string]string)
				}
				keys[reg.name] = lookup.Key
			}
		}

		next, err := reg.interceptor.InterceptRequest(ctx, req)
		if err != nil {
			if reg.optional {
				logger.Warn().Str("interceptor", reg.name).Err(err).Msg("Optional request interceptor failed, continuing with previous request")
				continue
			}
			return req, nil, nil, &Error{Kind: KindFatal, Stage: interceptorStage(StageRequest, reg.name), Err: err}
		}
		req = next
	}

	return req, nil, keys, nil
}

// runResponsePipeline runs the response interceptors in registration order.
func (p *Proxy) runResponsePipeline(ctx context.Context, logger zerolog.Logger, pl *pipeline, req Request, resp Response) (Response, error) {
	for _, reg := range pl.response {
		next, err := reg.interceptor.InterceptResponse(ctx, req, resp)
		if err != nil {
			if reg.optional {
				logger.Warn().Str("interceptor", reg.name).Err(err).Msg("Optional response interceptor failed, continuing with previous response")
				continue
			}
			return resp, &Error{Kind: KindFatal, Stage: interceptorStage(StageResponse, reg.name), Err: err}
		}
		resp = next
	}
	return resp, nil
}

// fail annotates err with the request id, records it and logs it. It is the only
// place that decides how a failure is presented to the caller.
func (p *Proxy) fail(logger zerolog.Logger, err error, requestID string) error {
	var proxyErr *Error
	if !errors.As(err, &proxyErr) {
		proxyErr = &Error{Kind: KindFatal, Err: err}
	}
	if proxyErr.Kind == KindCacheHit {
		// Short-circuits are reported through Lookup; a cache-hit error here is a bug
		logger.Error().Str("stage", proxyErr.Stage).Msg("cache-hit signal escaped as an error")
		proxyErr.Kind = KindFatal
	}
	proxyErr.RequestID = requestID

	p.recorder.RecordFailure(proxyErr.Kind, proxyErr.Retries)

	event := logger.Error()
	if proxyErr.Kind == KindValidation {
		event = logger.Info()
	}
	event.
		Str("kind", string(proxyErr.Kind)).
		Str("stage", proxyErr.Stage).
		Int("status", proxyErr.StatusCode).
		Int("retries", proxyErr.Retries).
		Err(proxyErr.Err).
		Msg("Call failed")

	return proxyErr
}

// AddRequestInterceptor appends a request interceptor. It takes effect for calls
// started after it returns.
func (p *Proxy) AddRequestInterceptor(interceptor RequestInterceptor, opts ...InterceptorOption) error {
	if interceptor == nil {
		return ErrNilInterceptor
	}
	options := applyOptions(opts)
	name := interceptor.Name()

	p.mu.Lock()
	defer p.mu.Unlock()

	current := p.pipeline.Load()
	if lo.ContainsBy(current.request, func(reg registration[RequestInterceptor]) bool { return reg.name == name }) {
		return fmt.Errorf("%w: request interceptor %q", ErrDuplicateInterceptor, name)
	}
	next := &pipeline{
		request:  append(slices.Clone(current.request), registration[RequestInterceptor]{interceptor: interceptor, name: name, optional: options.optional}),
		response: current.response,
	}
	p.pipeline.Store(next)
	p.logger.Info().Str("interceptor", name).Bool("optional", options.optional).Msg("Request interceptor added")
	return nil
}

// AddResponseInterceptor appends a response interceptor. It takes effect for calls
// started after it returns.
func (p *Proxy) AddResponseInterceptor(interceptor ResponseInterceptor, opts ...InterceptorOption) error {
	if interceptor == nil {
		return ErrNilInterceptor
	}
	options := applyOptions(opts)
	name := interceptor.Name()

	p.mu.Lock()
	defer p.mu.Unlock()

	current := p.pipeline.Load()
	if lo.ContainsBy(current.response, func(reg registration[ResponseInterceptor]) bool { return reg.name == name }) {
		return fmt.Errorf("%w: response interceptor %q", ErrDuplicateInterceptor, name)
	}
	next := &pipeline{
		request:  current.request,
		response: append(slices.Clone(current.response), registration[ResponseInterceptor]{interceptor: interceptor, name: name, optional: options.optional}),
	}
	p.pipeline.Store(next)
	p.logger.Info().Str("interceptor", name).Bool("optional", options.optional).Msg("Response interceptor added")
	return nil
}

// UseCache registers the cache in both pipelines.
func (p *Proxy) UseCache(cache *Cache, opts ...InterceptorOption) error {
	if err := p.AddRequestInterceptor(cache, opts...); err != nil {
		return err
	}
	if err := p.AddResponseInterceptor(cache, opts...); err != nil {
		_ = p.RemoveInterceptor(cache.Name())
		return err
	}
	return nil
}

// RemoveInterceptor removes every interceptor registered under name from both
// pipelines. Calls already in flight keep the pipeline they started with.
func (p *Proxy) RemoveInterceptor(name string) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	current := p.pipeline.Load()
	next := &pipeline{
		request:  lo.Reject(current.request, func(reg registration[RequestInterceptor], _ int) bool { return reg.name == name }),
		response: lo.Reject(current.response, func(reg registration[ResponseInterceptor], _ int) bool { return reg.name == name }),
	}
	if len(next.request) == len(current.request) && len(next.response) == len(current.response) {
		return fmt.Errorf("%w: %q", ErrInterceptorNotFound, name)
	}
	p.pipeline.Store(next)
	p.logger.Info().Str("interceptor", name).Msg("Interceptor removed")
	return nil
}

// Interceptors returns the names of the registered interceptors in order.
func (p *Proxy) Interceptors() (request, response []string) {
	pl := p.pipeline.Load()
	request = lo.Map(pl.request, func(reg registration[RequestInterceptor], _ int) string { return reg.name })
	response = lo.Map(pl.response, func(reg registration[ResponseInterceptor], _ int) string { return reg.name })
	return request, response
}

// Snapshot returns aggregate counters for health and observability endpoints.
func (p *Proxy) Snapshot() Snapshot {
	s := p.recorder.Snapshot()
	s.InstanceID = p.instanceID
	return s
}

func applyOptions(opts []InterceptorOption) registrationOptions {
	var options registrationOptions
	for _, opt := range opts {
		opt(&options)
	}
	return options
}
