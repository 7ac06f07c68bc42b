package client

import (
	"net/http"
	"time"
)

const (
	DefaultRetries = 2
	DefaultTimeout = 15 * time.Second
)

// Options control a single logical call. Every field is always set: specs
// start from the client's defaults and RequestOption funcs override them.
type Options struct {
	// SkipAuth sends the request without a bearer token and without
	// requiring one to be present.
	SkipAuth bool
	// Retries is the backoff retry budget; total attempts are Retries+1.
	// The single retry after a token refresh is not counted.
	Retries int
	// Timeout bounds each attempt, not the call as a whole.
	Timeout time.Duration
}

func DefaultOptions() Options {
	return Options{Retries: DefaultRetries, Timeout: DefaultTimeout}
}

func (o Options) normalize(defaults Options) Options {
	if o.Retries < 0 {
		o.Retries = 0
	}
	if o.Timeout <= 0 {
		o.Timeout = defaults.Timeout
	}
	return o
}

// RequestSpec describes one logical call. It is not modified once built;
// headers are cloned for every attempt.
type RequestSpec struct {
	Method  string
	Path    string
	Body    any
	Header  http.Header
	Options Options
}

type RequestOption func(*RequestSpec)

func SkipAuth() RequestOption {
	return func(s *RequestSpec) { s.Options.SkipAuth = true }
}

func WithRetries(n int) RequestOption {
	return func(s *RequestSpec) { s.Options.Retries = n }
}

func WithTimeout(d time.Duration) RequestOption {
	return func(s *RequestSpec) { s.Options.Timeout = d }
}

// WithHeader adds a caller header. Content-Type and Authorization set by
// the client always take precedence.
func WithHeader(key, value string) RequestOption {
	return func(s *RequestSpec) { s.Header.Add(key, value) }
}
