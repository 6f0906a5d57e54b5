package proxy

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/aschepis/backscratcher/relay/llm"
)

// ErrorKind classifies a failed call.
type ErrorKind string

const (
	// KindValidation means the request was malformed; upstream was never contacted.
	KindValidation ErrorKind = "validation"
	// KindRetryable means upstream failed transiently and the retry budget ran out.
	KindRetryable ErrorKind = "retryable"
	// KindFatal means a non-retryable upstream failure or an interceptor failure.
	KindFatal ErrorKind = "fatal"
	// KindCacheHit is a control signal only. It never reaches callers of SendMessage.
	KindCacheHit ErrorKind = "cache-hit"
)

// Stages reported on Error.Stage.
const (
	StageValidation  = "validation"
	StageRequest     = "request-interceptor"
	StageUpstream    = "upstream"
	StageResponse    = "response-interceptor"
	StageCompletion  = "completion"
	stageSeparator   = ":"
	unknownRequestID = "unknown"
)

var (
	ErrEmptyMessages        = errors.New("request has no messages")
	ErrEmptyMessageContent  = errors.New("message has no content")
	ErrInvalidRole          = errors.New("message role must be user or assistant")
	ErrMissingModel         = errors.New("request has no model")
	ErrInvalidMaxTokens     = errors.New("max tokens must be positive")
	ErrTokenCeiling         = errors.New("max tokens exceeds configured ceiling")
	ErrInvalidTemperature   = errors.New("temperature must be between 0 and 1")
	ErrEmptyContent         = errors.New("upstream returned no content")
	ErrInterceptorNotFound  = errors.New("interceptor not found")
	ErrDuplicateInterceptor = errors.New("interceptor already registered")
	ErrNilInterceptor       = errors.New("interceptor is nil")
)

// Error is the failure returned by SendMessage. Every Error carries the request id
// of the call so it can be matched against logs and metrics.
type Error struct {
	Kind       ErrorKind
	StatusCode int
	RequestID  string
	Retries    int
	Stage      string
	Err        error
}

// Error implements the error interface.
func (e *Error) Error() string {
	var b strings.Builder
	fmt.Fprintf(&b, "relay: %s failure", e.Kind)
	if e.Stage != "" {
		fmt.Fprintf(&b, " at %s", e.Stage)
	}
	requestID := e.RequestID
	if requestID == "" {
		requestID = unknownRequestID
	}
	fmt.Fprintf(&b, " (request %s", requestID)
	if e.StatusCode != 0 {
		fmt.Fprintf(&b, ", status %d", e.StatusCode)
	}
	if e.Retries > 0 {
		fmt.Fprintf(&b, ", retries %d", e.Retries)
	}
	b.WriteString(")")
	if e.Err != nil {
		b.WriteString(": ")
		b.WriteString(e.Err.Error())
	}
	return b.String()
}

// Unwrap returns the underlying cause.
func (e *Error) Unwrap() error {
	return e.Err
}

// KindOf returns the kind of a proxy error, or "" if err is not one.
func KindOf(err error) ErrorKind {
	var proxyErr *Error
	if errors.As(err, &proxyErr) {
		return proxyErr.Kind
	}
	return ""
}

// RequestIDOf returns the request id attached to a proxy error.
func RequestIDOf(err error) string {
	var proxyErr *Error
	if errors.As(err, &proxyErr) {
		return proxyErr.RequestID
	}
	return ""
}

// IsValidation reports whether err is a validation failure.
func IsValidation(err error) bool { return KindOf(err) == KindValidation }

// IsRetryable reports whether err is an exhausted retryable failure.
func IsRetryable(err error) bool { return KindOf(err) == KindRetryable }

// IsFatal reports whether err is a fatal failure.
func IsFatal(err error) bool { return KindOf(err) == KindFatal }

// Classify decides whether an upstream failure may be retried.
// HTTP 429, 500, 502, 503 and 504 are retryable; every other status is fatal.
// Failures without a status are retryable only when the client flagged them
// retryable, as it does for network errors. Cancellation and deadlines are always fatal.
func Classify(err error) ErrorKind {
	if err == nil {
		return ""
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return KindFatal
	}
	if code := llm.StatusCode(err); code != 0 {
		if llm.IsRetryableStatus(code) {
			return KindRetryable
		}
		return KindFatal
	}
	if llm.IsRetryableError(err) {
		return KindRetryable
	}
	return KindFatal
}

func interceptorStage(stage, name string) string {
	return stage + stageSeparator + name
}
