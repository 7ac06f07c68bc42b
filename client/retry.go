package client

import (
	"math/rand/v2"
	"net/http"
	"strconv"
	"strings"
	"time"
)

// Class is the classification of one attempt.
type Class int

const (
	ClassSuccess Class = iota
	ClassNetwork
	ClassTimeout
	ClassUnauthorized
	ClassClientError
	ClassServerError
)

func (c Class) String() string {
	switch c {
	case ClassSuccess:
		return "success"
	case ClassNetwork:
		return "network"
	case ClassTimeout:
		return "timeout"
	case ClassUnauthorized:
		return "unauthorized"
	case ClassClientError:
		return "client_error"
	case ClassServerError:
		return "server_error"
	default:
		return "unknown"
	}
}

// Classify maps an HTTP status to a Class. Informational and redirect
// statuses that reach the caller are client errors, so they surface
// without a retry.
func Classify(status int) Class {
	switch {
	case status >= 200 && status < 300:
		return ClassSuccess
	case status == http.StatusUnauthorized:
		return ClassUnauthorized
	case status >= 500:
		return ClassServerError
	default:
		return ClassClientError
	}
}

// Outcome is the result of one attempt. It lives only until the retry
// decision for that attempt has been made.
type Outcome struct {
	Class      Class
	Status     int
	Body       []byte
	RetryAfter time.Duration
	Err        error
}

type Decision struct {
	Retry bool
	Delay time.Duration
}

const (
	DefaultBackoffBase = 300 * time.Millisecond
	DefaultBackoffCap  = 5 * time.Second
)

// Policy decides whether and when a failed attempt is retried.
type Policy struct {
	Base time.Duration
	Cap  time.Duration

	// jitter returns a value in [0, 1); nil means math/rand.
	jitter func() float64
}

func NewPolicy(base, maxDelay time.Duration) Policy {
	if base <= 0 {
		base = DefaultBackoffBase
	}
	if maxDelay <= 0 {
		maxDelay = DefaultBackoffCap
	}
	return Policy{Base: base, Cap: max(base, maxDelay)}
}

func DefaultPolicy() Policy {
	return NewPolicy(DefaultBackoffBase, DefaultBackoffCap)
}

// Retryable reports whether the outcome is eligible for the backoff loop.
// Unauthorized is handled by the refresh path, never here.
func (p Policy) Retryable(o Outcome) bool {
	switch o.Class {
	case ClassNetwork, ClassTimeout, ClassServerError:
		return true
	case ClassClientError:
		return o.Status == http.StatusTooManyRequests
	default:
		return false
	}
}

// Decide returns the decision for the attempt with index attempt (0-based)
// given the caller's retry budget.
func (p Policy) Decide(attempt int, o Outcome, maxRetries int) Decision {
	if attempt >= maxRetries || !p.Retryable(o) {
		return Decision{}
	}
	if o.RetryAfter > 0 && (o.Status == http.StatusTooManyRequests || o.Status == http.StatusServiceUnavailable) {
		return Decision{Retry: true, Delay: min(o.RetryAfter, p.Cap)}
	}
	return Decision{Retry: true, Delay: p.Backoff(attempt)}
}

// Backoff is min(cap, base*2^attempt) scaled by a jitter factor in
// [0.5, 1.5), then clamped to cap.
func (p Policy) Backoff(attempt int) time.Duration {
	d := p.Cap
	if attempt < 32 {
		if exp := p.Base << attempt; exp > 0 && exp < p.Cap {
			d = exp
		}
	}
	j := rand.Float64
	if p.jitter != nil {
		j = p.jitter
	}
	d = time.Duration(float64(d) * (0.5 + j()))
	return min(d, p.Cap)
}

// parseRetryAfter accepts both delta-seconds and HTTP-date forms.
func parseRetryAfter(v string, now time.Time) time.Duration {
	v = strings.TrimSpace(v)
	if v == "" {
		return 0
	}
	if secs, err := strconv.Atoi(v); err == nil {
		if secs <= 0 {
			return 0
		}
		return time.Duration(secs) * time.Second
	}
	if t, err := http.ParseTime(v); err == nil {
		if d := t.Sub(now); d > 0 {
			return d
		}
	}
	return 0
}
