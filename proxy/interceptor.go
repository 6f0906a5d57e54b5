package proxy

import (
	"context"
)

// RequestInterceptor transforms a request before it is forwarded upstream.
// Request interceptors run once per call, before the retry loop starts.
type RequestInterceptor interface {
	// Name identifies the interceptor for RemoveInterceptor and logs.
	Name() string

	// InterceptRequest returns the (possibly modified) request, or an error to abort the call.
	InterceptRequest(ctx context.Context, req Request) (Request, error)
}

// ResponseInterceptor transforms a successful response before it is returned.
// The response already carries its Metrics.
type ResponseInterceptor interface {
	// Name identifies the interceptor for RemoveInterceptor and logs.
	Name() string

	// InterceptResponse returns the (possibly modified) response, or an error to fail the call.
	InterceptResponse(ctx context.Context, req Request, resp Response) (Response, error)
}

// LookupKind tags the result of a ShortCircuiter lookup.
type LookupKind int

const (
	LookupMiss LookupKind = iota
	LookupHit
)

// Lookup is the explicit result of a short-circuit check.
// On a hit Response is served as-is; on a miss Key, if set, is handed back to the
// same interceptor's response side through LookupKeyFromContext.
type Lookup struct {
	Kind     LookupKind
	Response Response
	Key      string
}

// Hit returns a Lookup serving resp.
func Hit(resp Response) Lookup {
	return Lookup{Kind: LookupHit, Response: resp}
}

// Miss returns a Lookup that lets the call continue. key may be empty.
func Miss(key string) Lookup {
	return Lookup{Kind: LookupMiss, Key: key}
}

// ShortCircuiter is a request interceptor that can answer a call without contacting upstream.
// Lookup runs before InterceptRequest; a hit skips the rest of the request pipeline,
// the upstream call and the response pipeline.
type ShortCircuiter interface {
	RequestInterceptor
	Lookup(ctx context.Context, req Request) (Lookup, error)
}

// InterceptorOption configures how an interceptor is registered.
type InterceptorOption func(*registrationOptions)

type registrationOptions struct {
	optional bool
}

// Optional marks an interceptor whose failures are logged and skipped: the pipeline
// continues with the last good value instead of failing the call.
func Optional() InterceptorOption {
	return func(o *registrationOptions) {
		o.optional = true
	}
}

type registration[T any] struct {
	interceptor T
	name        string
	optional    bool
}

// pipeline is an immutable snapshot of the registered interceptors.
// A call loads the current snapshot once and uses it to completion.
type pipeline struct {
	request  []registration[RequestInterceptor]
	response []registration[ResponseInterceptor]
}

// requestInterceptorFunc adapts a function to RequestInterceptor.
type requestInterceptorFunc struct {
	name string
	fn   func(ctx context.Context, req Request) (Request, error)
}

// NewRequestInterceptor builds a named RequestInterceptor from a function.
func NewRequestInterceptor(name string, fn func(ctx context.Context, req Request) (Request, error)) RequestInterceptor {
	return &requestInterceptorFunc{name: name, fn: fn}
}

func (f *requestInterceptorFunc) Name() string { return f.name }

func (f *requestInterceptorFunc) InterceptRequest(ctx context.Context, req Request) (Request, error) {
	if f.fn == nil {
		return req, nil
	}
	return f.fn(ctx, req)
}

// responseInterceptorFunc adapts a function to ResponseInterceptor.
type responseInterceptorFunc struct {
	name string
	fn   func(ctx context.Context, req Request, resp Response) (Response, error)
}

// NewResponseInterceptor builds a named ResponseInterceptor from a function.
func NewResponseInterceptor(name string, fn func(ctx context.Context, req Request, resp Response) (Response, error)) ResponseInterceptor {
	return &responseInterceptorFunc{name: name, fn: fn}
}

func (f *responseInterceptorFunc) Name() string { return f.name }

func (f *responseInterceptorFunc) InterceptResponse(ctx context.Context, req Request, resp Response) (Response, error) {
	if f.fn == nil {
		return resp, nil
	}
	return f.fn(ctx, req, resp)
}

type requestIDKey struct{}

type lookupKeysKey struct{}

func withRequestID(ctx context.Context, requestID string) context.Context {
	return context.WithValue(ctx, requestIDKey{}, requestID)
}

// RequestIDFromContext returns the id of the call an interceptor is running in.
func RequestIDFromContext(ctx context.Context) string {
	id, _ := ctx.Value(requestIDKey{}).(string)
	return id
}

func withLookupKeys(ctx context.Context, keys map[string]string) context.Context {
	if len(keys) == 0 {
		return ctx
	}
	return context.WithValue(ctx, lookupKeysKey{}, keys)
}

// LookupKeyFromContext returns the key a ShortCircuiter named name reported on a miss
// earlier in the same call.
func LookupKeyFromContext(ctx context.Context, name string) (string, bool) {
	keys, _ := ctx.Value(lookupKeysKey{}).(map[string]string)
	key, ok := keys[name]
	return key, ok
}

// Ensure adapters implement the interceptor interfaces
var (
	_ RequestInterceptor  = (*requestInterceptorFunc)(nil)
	_ ResponseInterceptor = (*responseInterceptorFunc)(nil)
)
