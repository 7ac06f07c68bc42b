package client

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"apigate/internal/metrics"
	v1 "apigate/pkg/api/v1"
	"apigate/pkg/constraints"
	"apigate/pkg/logger"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

const (
	MsgAuthRequired = "authentication required"
	errCanceled     = "request canceled"
	errTimeout      = "request timed out"
)

// Config holds what a Client needs to reach the backend.
type Config struct {
	BaseURL        string
	Defaults       Options
	Policy         Policy
	LoginPath      string
	RefreshPath    string
	LogoutPath     string
	RefreshTimeout time.Duration
}

// Client issues authenticated JSON calls against the backend for one
// session's Store.
type Client struct {
	baseURL    string
	httpClient *http.Client
	store      *Store
	refresher  *Refresher
	policy     Policy
	defaults   Options
	observer   metrics.ClientObserver

	loginPath  string
	logoutPath string

	sleep func(ctx context.Context, d time.Duration) error
}

type Option func(*Client)

func WithHTTPClient(hc *http.Client) Option {
	return func(c *Client) { c.httpClient = hc }
}

func WithObserver(o metrics.ClientObserver) Option {
	return func(c *Client) { c.observer = o }
}

// WithRefresher shares one Refresher between clients so concurrent
// refreshes of the same session are deduplicated across them.
func WithRefresher(r *Refresher) Option {
	return func(c *Client) { c.refresher = r }
}

func New(cfg Config, store *Store, opts ...Option) *Client {
	defaults := cfg.Defaults
	if defaults == (Options{}) {
		defaults = DefaultOptions()
	}
	defaults = defaults.normalize(DefaultOptions())

	policy := cfg.Policy
	if policy.Base <= 0 || policy.Cap <= 0 {
		policy = NewPolicy(policy.Base, policy.Cap)
	}

	c := &Client{
		baseURL:    strings.TrimRight(cfg.BaseURL, "/"),
		httpClient: &http.Client{},
		store:      store,
		policy:     policy,
		defaults:   defaults,
		observer:   metrics.NopObserver{},
		loginPath:  orDefault(cfg.LoginPath, "/auth/login"),
		logoutPath: orDefault(cfg.LogoutPath, "/auth/logout"),
		sleep:      sleepCtx,
	}
	for _, o := range opts {
		o(c)
	}
	if c.refresher == nil {
		c.refresher = NewRefresher(c.httpClient, c.baseURL+orDefault(cfg.RefreshPath, "/auth/refresh"), cfg.RefreshTimeout, c.observer)
	}
	return c
}

func (c *Client) Store() *Store {
	return c.store
}

// NewRequest builds a spec from the client's defaults.
func (c *Client) NewRequest(method, path string, body any, opts ...RequestOption) RequestSpec {
	spec := RequestSpec{
		Method:  method,
		Path:    path,
		Body:    body,
		Header:  make(http.Header),
		Options: c.defaults,
	}
	for _, o := range opts {
		o(&spec)
	}
	spec.Options = spec.Options.normalize(c.defaults)
	return spec
}

// Execute runs spec and decodes a successful body into T. A body that does
// not decode into T yields the zero value.
func Execute[T any](ctx context.Context, c *Client, spec RequestSpec) v1.Result[T] {
	raw := c.Do(ctx, spec)
	if !raw.Success {
		return v1.Fail[T](raw.Error, raw.Status)
	}
	var data T
	if err := json.Unmarshal(raw.Data, &data); err != nil {
		logger.Debug("response body does not match result type", zap.String("path", spec.Path), zap.Error(err))
		var zero T
		data = zero
	}
	return v1.OK(data, raw.Message)
}

func Get[T any](ctx context.Context, c *Client, path string, opts ...RequestOption) v1.Result[T] {
	return Execute[T](ctx, c, c.NewRequest(http.MethodGet, path, nil, opts...))
}

func Post[T any](ctx context.Context, c *Client, path string, body any, opts ...RequestOption) v1.Result[T] {
	return Execute[T](ctx, c, c.NewRequest(http.MethodPost, path, body, opts...))
}

func Put[T any](ctx context.Context, c *Client, path string, body any, opts ...RequestOption) v1.Result[T] {
	return Execute[T](ctx, c, c.NewRequest(http.MethodPut, path, body, opts...))
}

func Patch[T any](ctx context.Context, c *Client, path string, body any, opts ...RequestOption) v1.Result[T] {
	return Execute[T](ctx, c, c.NewRequest(http.MethodPatch, path, body, opts...))
}

func Delete[T any](ctx context.Context, c *Client, path string, opts ...RequestOption) v1.Result[T] {
	return Execute[T](ctx, c, c.NewRequest(http.MethodDelete, path, nil, opts...))
}

// Do runs the attempt loop for spec. It never returns an error: every
// path ends in a Result.
func (c *Client) Do(ctx context.Context, spec RequestSpec) v1.Result[json.RawMessage] {
	opts := spec.Options.normalize(c.defaults)

	var token string
	if !opts.SkipAuth {
		pair, err := c.store.Get(ctx)
		if err != nil {
			logger.Error("token store read failed", zap.Error(err))
			return v1.Fail[json.RawMessage]("token store unavailable", 0)
		}
		if pair == nil {
			return v1.Fail[json.RawMessage](MsgAuthRequired, 0)
		}
		token = pair.AccessToken
	}

	body, err := encodeBody(spec.Body)
	if err != nil {
		return v1.Fail[json.RawMessage](fmt.Sprintf("invalid request body: %v", err), 0)
	}

	requestID := ""
	if spec.Header != nil {
		requestID = spec.Header.Get(constraints.HeaderRequestID)
	}
	if requestID == "" {
		requestID = uuid.New().String()
	}

	var (
		attempt   int
		refreshed bool
		lastDelay time.Duration
	)
	for {
		out := c.attempt(ctx, spec, opts, body, token, requestID)

		if (out.Class == ClassNetwork || out.Class == ClassTimeout) && ctx.Err() != nil {
			return v1.Fail[json.RawMessage](errCanceled, 0)
		}

		switch out.Class {
		case ClassSuccess:
			return successResult(out)
		case ClassUnauthorized:
			if opts.SkipAuth || refreshed {
				return failureResult(out)
			}
			refreshed = true
			pair, err := c.refresher.Refresh(ctx, c.store, token)
			if err != nil {
				logger.Info("request unauthorized and refresh failed",
					zap.String("request_id", requestID),
					zap.String("path", spec.Path),
					zap.Error(err))
				return failureResult(out)
			}
			token = pair.AccessToken
			continue
		}

		d := c.policy.Decide(attempt, out, opts.Retries)
		if !d.Retry {
			return failureResult(out)
		}
		delay := max(d.Delay, lastDelay)
		lastDelay = delay
		c.observer.RecordRetry()
		logger.Debug("retrying request",
			zap.String("request_id", requestID),
			zap.String("path", spec.Path),
			zap.String("class", out.Class.String()),
			zap.Int("attempt", attempt+1),
			zap.Duration("delay", delay))

		if err := c.sleep(ctx, delay); err != nil {
			return v1.Fail[json.RawMessage](errCanceled, 0)
		}
		attempt++
	}
}

func (c *Client) attempt(ctx context.Context, spec RequestSpec, opts Options, body []byte, token, requestID string) Outcome {
	start := time.Now()
	out := c.send(ctx, spec, opts, body, token, requestID)
	c.observer.ObserveAttempt(out.Class.String(), time.Since(start).Seconds())
	return out
}

func (c *Client) send(ctx context.Context, spec RequestSpec, opts Options, body []byte, token, requestID string) Outcome {
	actx, cancel := context.WithTimeout(ctx, opts.Timeout)
	defer cancel()

	var reader io.Reader
	if body != nil {
		reader = bytes.NewReader(body)
	}
	req, err := http.NewRequestWithContext(actx, spec.Method, c.baseURL+spec.Path, reader)
	if err != nil {
		return Outcome{Class: ClassClientError, Err: err}
	}
	req.Header = c.headers(spec, opts, token, requestID)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return transportOutcome(ctx, actx, err)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return transportOutcome(ctx, actx, err)
	}

	out := Outcome{Class: Classify(resp.StatusCode), Status: resp.StatusCode, Body: raw}
	if resp.StatusCode == http.StatusTooManyRequests || resp.StatusCode == http.StatusServiceUnavailable {
		out.RetryAfter = parseRetryAfter(resp.Header.Get(constraints.HeaderRetryAfter), time.Now())
	}
	return out
}

// headers layers the caller's headers under the client defaults.
func (c *Client) headers(spec RequestSpec, opts Options, token, requestID string) http.Header {
	h := make(http.Header)
	for k, vs := range spec.Header {
		h[k] = append([]string(nil), vs...)
	}
	h.Set(constraints.HeaderContentType, constraints.ContentTypeJSON)
	if !opts.SkipAuth && token != "" {
		h.Set(constraints.HeaderAuthorization, constraints.BearerPrefix+token)
	}
	h.Set(constraints.HeaderRequestID, requestID)
	return h
}

func transportOutcome(parent, attemptCtx context.Context, err error) Outcome {
	if parent.Err() == nil && errors.Is(attemptCtx.Err(), context.DeadlineExceeded) {
		return Outcome{Class: ClassTimeout, Err: err}
	}
	return Outcome{Class: ClassNetwork, Err: err}
}

func encodeBody(body any) ([]byte, error) {
	switch b := body.(type) {
	case nil:
		return nil, nil
	case []byte:
		return b, nil
	case json.RawMessage:
		return b, nil
	default:
		return json.Marshal(b)
	}
}

func successResult(out Outcome) v1.Result[json.RawMessage] {
	data := json.RawMessage(out.Body)
	if !json.Valid(out.Body) {
		data = json.RawMessage("{}")
	}
	return v1.OK(data, bodyField(out.Body, "message"))
}

func failureResult(out Outcome) v1.Result[json.RawMessage] {
	switch out.Class {
	case ClassTimeout:
		return v1.Fail[json.RawMessage](errTimeout, 0)
	case ClassNetwork:
		return v1.Fail[json.RawMessage](fmt.Sprintf("network error: %v", out.Err), 0)
	}
	if out.Status == 0 {
		return v1.Fail[json.RawMessage](fmt.Sprintf("invalid request: %v", out.Err), 0)
	}
	msg := bodyField(out.Body, "error")
	if msg == "" {
		msg = bodyField(out.Body, "message")
	}
	if msg == "" {
		msg = http.StatusText(out.Status)
	}
	return v1.Fail[json.RawMessage](msg, out.Status)
}

// bodyField returns a top-level string field of a JSON object body.
func bodyField(body []byte, field string) string {
	var obj map[string]json.RawMessage
	if err := json.Unmarshal(body, &obj); err != nil {
		return ""
	}
	var s string
	if err := json.Unmarshal(obj[field], &s); err != nil {
		return ""
	}
	return s
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

func orDefault(v, def string) string {
	if v == "" {
		return def
	}
	return v
}
