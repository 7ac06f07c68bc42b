package client

import (
	"context"
	"io"
	"net/http"
	"net/http/httptest"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"apigate/pkg/logger"
)

func init() {
	logger.InitLogger("test")
}

// sleepRecorder replaces the client's sleep so tests do not wait.
type sleepRecorder struct {
	mu     sync.Mutex
	delays []time.Duration
}

func (s *sleepRecorder) sleep(ctx context.Context, d time.Duration) error {
	s.mu.Lock()
	s.delays = append(s.delays, d)
	s.mu.Unlock()
	return ctx.Err()
}

func newTestClient(t *testing.T, baseURL string, store *Store) (*Client, *sleepRecorder) {
	t.Helper()
	if store == nil {
		store = NewStore(NewMemoryBackend(), "")
	}
	rec := &sleepRecorder{}
	c := New(Config{
		BaseURL:  baseURL,
		Defaults: Options{Retries: 2, Timeout: 2 * time.Second},
		Policy:   NewPolicy(300*time.Millisecond, 5*time.Second),
	}, store)
	c.sleep = rec.sleep
	return c, rec
}

func loggedInStore(t *testing.T, access, refresh string) *Store {
	t.Helper()
	store := NewStore(NewMemoryBackend(), "")
	if err := store.SetPair(context.Background(), TokenPair{AccessToken: access, RefreshToken: refresh}); err != nil {
		t.Fatal(err)
	}
	return store
}

func TestDo_NoTokenShortCircuits(t *testing.T) {
	var hits int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&hits, 1)
	}))
	defer srv.Close()

	c, _ := newTestClient(t, srv.URL, nil)
	res := Get[map[string]any](context.Background(), c, "/me")

	if res.Success || res.Error != "authentication required" {
		t.Fatalf("expected authentication required failure, got %+v", res)
	}
	if n := atomic.LoadInt32(&hits); n != 0 {
		t.Errorf("expected no network call, got %d", n)
	}
}

func TestDo_ClearThenCallShortCircuits(t *testing.T) {
	var hits int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&hits, 1)
		w.Write([]byte(`{}`))
	}))
	defer srv.Close()

	store := loggedInStore(t, "a", "r")
	c, _ := newTestClient(t, srv.URL, store)
	if err := store.Clear(context.Background()); err != nil {
		t.Fatal(err)
	}

	res := Get[map[string]any](context.Background(), c, "/me")
	if res.Success || res.Error != "authentication required" {
		t.Fatalf("expected short circuit after clear, got %+v", res)
	}
	if atomic.LoadInt32(&hits) != 0 {
		t.Errorf("expected no network call after clear")
	}
}

func TestDo_SkipAuthSendsNoAuthorization(t *testing.T) {
	var gotAuth []string
	var hits int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&hits, 1)
		gotAuth = r.Header.Values("Authorization")
		w.Write([]byte(`{"items":[1,2]}`))
	}))
	defer srv.Close()

	c, _ := newTestClient(t, srv.URL, nil)
	res := Get[struct {
		Items []int `json:"items"`
	}](context.Background(), c, "/public/faqs", SkipAuth())

	if !res.Success {
		t.Fatalf("expected success, got %+v", res)
	}
	if atomic.LoadInt32(&hits) != 1 {
		t.Errorf("expected exactly one call")
	}
	if len(gotAuth) != 0 {
		t.Errorf("expected no Authorization header, got %v", gotAuth)
	}
	if len(res.Data.Items) != 2 {
		t.Errorf("unexpected data %+v", res.Data)
	}
}

func TestDo_HeadersLayering(t *testing.T) {
	var got http.Header
	var body []byte
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		got = r.Header.Clone()
		body, _ = io.ReadAll(r.Body)
		w.Write([]byte(`{"message":"saved"}`))
	}))
	defer srv.Close()

	c, _ := newTestClient(t, srv.URL, loggedInStore(t, "tok", "r"))
	res := Post[map[string]any](context.Background(), c, "/profile", map[string]string{"name": "x"},
		WithHeader("Content-Type", "text/plain"),
		WithHeader("Authorization", "Bearer forged"),
		WithHeader("X-Locale", "en"),
	)

	if !res.Success || res.Message != "saved" {
		t.Fatalf("unexpected result %+v", res)
	}
	if ct := got.Values("Content-Type"); len(ct) != 1 || ct[0] != "application/json" {
		t.Errorf("Content-Type = %v, want application/json only", ct)
	}
	if auth := got.Values("Authorization"); len(auth) != 1 || auth[0] != "Bearer tok" {
		t.Errorf("Authorization = %v, want Bearer tok only", auth)
	}
	if got.Get("X-Locale") != "en" {
		t.Errorf("caller header dropped")
	}
	if got.Get("X-Request-ID") == "" {
		t.Errorf("expected request id header")
	}
	if string(body) != `{"name":"x"}` {
		t.Errorf("body = %s", body)
	}
}

func TestDo_RetriesServiceUnavailable(t *testing.T) {
	for _, retries := range []int{0, 1, 3, 5} {
		var hits int32
		srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			atomic.AddInt32(&hits, 1)
			w.WriteHeader(http.StatusServiceUnavailable)
		}))

		c, rec := newTestClient(t, srv.URL, loggedInStore(t, "a", "r"))
		res := Get[map[string]any](context.Background(), c, "/busy", WithRetries(retries))
		srv.Close()

		if res.Success || res.Status != http.StatusServiceUnavailable {
			t.Fatalf("retries=%d: expected 503 failure, got %+v", retries, res)
		}
		if n := int(atomic.LoadInt32(&hits)); n != retries+1 {
			t.Errorf("retries=%d: expected %d attempts, got %d", retries, retries+1, n)
		}
		if len(rec.delays) != retries {
			t.Fatalf("retries=%d: expected %d sleeps, got %d", retries, retries, len(rec.delays))
		}
		for i, d := range rec.delays {
			if d > 5*time.Second {
				t.Errorf("delay %d = %v exceeds cap", i, d)
			}
			if i > 0 && d < rec.delays[i-1] {
				t.Errorf("delays decreased: %v", rec.delays)
			}
		}
	}
}

func TestDo_RetryAfterHonored(t *testing.T) {
	var hits int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if atomic.AddInt32(&hits, 1) == 1 {
			w.Header().Set("Retry-After", "2")
			w.WriteHeader(http.StatusTooManyRequests)
			return
		}
		w.Write([]byte(`{"ok":true}`))
	}))
	defer srv.Close()

	c, rec := newTestClient(t, srv.URL, loggedInStore(t, "a", "r"))
	res := Get[map[string]bool](context.Background(), c, "/limited")

	if !res.Success || !res.Data["ok"] {
		t.Fatalf("expected success after retry, got %+v", res)
	}
	if len(rec.delays) != 1 || rec.delays[0] != 2*time.Second {
		t.Errorf("expected a single 2s delay, got %v", rec.delays)
	}
}

func TestDo_ClientErrorNotRetried(t *testing.T) {
	var hits int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&hits, 1)
		w.WriteHeader(http.StatusUnprocessableEntity)
		w.Write([]byte(`{"error":"email taken"}`))
	}))
	defer srv.Close()

	c, rec := newTestClient(t, srv.URL, loggedInStore(t, "a", "r"))
	res := Post[map[string]any](context.Background(), c, "/users", map[string]string{}, WithRetries(5))

	if res.Success || res.Error != "email taken" || res.Status != http.StatusUnprocessableEntity {
		t.Fatalf("unexpected result %+v", res)
	}
	if atomic.LoadInt32(&hits) != 1 || len(rec.delays) != 0 {
		t.Errorf("client errors must not be retried")
	}
}

func TestDo_EmptySuccessBodyIsEmptyObject(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNoContent)
	}))
	defer srv.Close()

	c, _ := newTestClient(t, srv.URL, loggedInStore(t, "a", "r"))
	raw := c.Do(context.Background(), c.NewRequest(http.MethodDelete, "/items/1", nil))
	if !raw.Success || string(raw.Data) != "{}" {
		t.Fatalf("expected {} data, got %+v", raw)
	}

	res := Delete[map[string]any](context.Background(), c, "/items/1")
	if !res.Success || res.Data == nil || len(res.Data) != 0 {
		t.Errorf("expected empty map, got %#v", res.Data)
	}
}

func TestDo_TimeoutIsRetriedThenSurfaced(t *testing.T) {
	var hits int32
	release := make(chan struct{})
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&hits, 1)
		select {
		case <-release:
		case <-r.Context().Done():
		}
	}))
	defer srv.Close()
	defer close(release)

	c, rec := newTestClient(t, srv.URL, loggedInStore(t, "a", "r"))
	res := Get[map[string]any](context.Background(), c, "/slow",
		WithTimeout(50*time.Millisecond), WithRetries(1))

	if res.Success || res.Error != "request timed out" {
		t.Fatalf("expected timeout failure, got %+v", res)
	}
	if atomic.LoadInt32(&hits) != 2 || len(rec.delays) != 1 {
		t.Errorf("expected 2 attempts and 1 sleep, got %d and %d", hits, len(rec.delays))
	}
}

func TestDo_ParentCancelStopsLoop(t *testing.T) {
	var hits int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&hits, 1)
		w.WriteHeader(http.StatusBadGateway)
	}))
	defer srv.Close()

	ctx, cancel := context.WithCancel(context.Background())
	c, _ := newTestClient(t, srv.URL, loggedInStore(t, "a", "r"))
	c.sleep = func(ctx context.Context, d time.Duration) error {
		cancel()
		return ctx.Err()
	}

	res := Get[map[string]any](ctx, c, "/flaky", WithRetries(5))
	if res.Success || res.Error != "request canceled" {
		t.Fatalf("expected canceled failure, got %+v", res)
	}
	if atomic.LoadInt32(&hits) != 1 {
		t.Errorf("expected no attempt after cancellation, got %d", hits)
	}
}

func TestDo_NetworkErrorClassified(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))
	url := srv.URL
	srv.Close()

	c, rec := newTestClient(t, url, loggedInStore(t, "a", "r"))
	raw := c.Do(context.Background(), c.NewRequest(http.MethodGet, "/x", nil, WithRetries(2)))

	if raw.Success || raw.Status != 0 {
		t.Fatalf("expected network failure, got %+v", raw)
	}
	if len(rec.delays) != 2 {
		t.Errorf("expected network errors to be retried twice, got %d", len(rec.delays))
	}
	if raw.Data != nil {
		t.Errorf("failed result must not carry data, got %s", raw.Data)
	}
}

func TestDo_NotModifiedNotRetried(t *testing.T) {
	var hits int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&hits, 1)
		w.WriteHeader(http.StatusNotModified)
	}))
	defer srv.Close()

	c, rec := newTestClient(t, srv.URL, loggedInStore(t, "a", "r"))
	res := Get[map[string]any](context.Background(), c, "/cached", WithRetries(3))

	if res.Success || res.Status != http.StatusNotModified {
		t.Fatalf("expected a 304 failure, got %+v", res)
	}
	if atomic.LoadInt32(&hits) != 1 || len(rec.delays) != 0 {
		t.Errorf("304 was retried: %d hits, delays %v", hits, rec.delays)
	}
}

func TestExecute_MismatchedBodyYieldsZeroValue(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{"name":"ada","age":"unknown"}`))
	}))
	defer srv.Close()

	type profile struct {
		Name string `json:"name"`
		Age  int    `json:"age"`
	}
	c, _ := newTestClient(t, srv.URL, loggedInStore(t, "a", "r"))
	res := Get[profile](context.Background(), c, "/me")

	if !res.Success {
		t.Fatalf("expected success, got %+v", res)
	}
	if res.Data != (profile{}) {
		t.Errorf("partially decoded body leaked into result: %+v", res.Data)
	}
}
