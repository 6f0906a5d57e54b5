package llm

import (
	"context"
)

// Client provides a provider-neutral interface for making upstream chat API calls.
// Implementations should handle provider-specific details internally and report
// non-2xx responses as *Error with StatusCode set.
type Client interface {
	// Synchronous sends a request and returns a complete response.
	Synchronous(ctx context.Context, req *Request) (*Response, error)
}

// ClientFunc adapts a function to the Client interface.
type ClientFunc func(ctx context.Context, req *Request) (*Response, error)

// Synchronous calls f(ctx, req).
func (f ClientFunc) Synchronous(ctx context.Context, req *Request) (*Response, error) {
	return f(ctx, req)
}

// Ensure ClientFunc implements Client
var _ Client = ClientFunc(nil)
