package api

import (
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"apigate/pkg/logger"

	"github.com/gin-gonic/gin"
)

func init() {
	logger.InitLogger("test")
	gin.SetMode(gin.TestMode)
}

type recordedRequest struct {
	method   string
	path     string
	rawQuery string
	header   http.Header
	body     string
}

// recordingBackend remembers every request it receives.
type recordingBackend struct {
	mu       sync.Mutex
	requests []recordedRequest
	status   int
	body     string
}

func (b *recordingBackend) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	raw, _ := io.ReadAll(r.Body)
	b.mu.Lock()
	b.requests = append(b.requests, recordedRequest{
		method:   r.Method,
		path:     r.URL.Path,
		rawQuery: r.URL.RawQuery,
		header:   r.Header.Clone(),
		body:     string(raw),
	})
	b.mu.Unlock()
	if b.status != 0 {
		w.WriteHeader(b.status)
	}
	w.Write([]byte(b.body))
}

func newProxyRouter(baseURL string) *gin.Engine {
	h := NewProxyHandler(baseURL, 2*time.Second)
	r := gin.New()
	r.Group("/proxy", ProxyCORS()).Any("/*path", h.Forward)
	return r
}

func assertProxyCORS(t *testing.T, w *httptest.ResponseRecorder) {
	t.Helper()
	want := map[string]string{
		"Access-Control-Allow-Origin":  "*",
		"Access-Control-Allow-Methods": "GET, POST, PUT, PATCH, DELETE, OPTIONS",
		"Access-Control-Allow-Headers": "Content-Type, Authorization",
	}
	for k, v := range want {
		if got := w.Header().Get(k); got != v {
			t.Errorf("%s = %q, want %q", k, got, v)
		}
	}
}

func TestProxy_ForwardsGetWithQuery(t *testing.T) {
	backend := &recordingBackend{body: `{"items":[{"q":"hi"}]}`}
	srv := httptest.NewServer(backend)
	defer srv.Close()

	w := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodGet, "/proxy/public/faqs?lang=en", nil)
	newProxyRouter(srv.URL).ServeHTTP(w, req)

	if w.Code != http.StatusOK || w.Body.String() != `{"items":[{"q":"hi"}]}` {
		t.Fatalf("unexpected response %d %s", w.Code, w.Body.String())
	}
	assertProxyCORS(t, w)
	if len(backend.requests) != 1 {
		t.Fatalf("expected one backend call, got %d", len(backend.requests))
	}
	got := backend.requests[0]
	if got.method != http.MethodGet || got.path != "/public/faqs" || got.rawQuery != "lang=en" || got.body != "" {
		t.Errorf("unexpected forwarded request %+v", got)
	}
}

func TestProxy_OptionsShortCircuits(t *testing.T) {
	backend := &recordingBackend{}
	srv := httptest.NewServer(backend)
	defer srv.Close()

	w := httptest.NewRecorder()
	newProxyRouter(srv.URL).ServeHTTP(w, httptest.NewRequest(http.MethodOptions, "/proxy/anything", nil))

	if w.Code != http.StatusNoContent {
		t.Errorf("expected 204, got %d", w.Code)
	}
	assertProxyCORS(t, w)
	if len(backend.requests) != 0 {
		t.Errorf("OPTIONS must not reach the backend")
	}
}

func TestProxy_Bodies(t *testing.T) {
	tests := []struct {
		name     string
		method   string
		body     string
		wantBody string
	}{
		{"valid json compacted", http.MethodPost, "{\n  \"name\": \"x\",\n  \"tags\": [1, 2]\n}", `{"name":"x","tags":[1,2]}`},
		{"invalid json dropped", http.MethodPost, `{"name":`, ""},
		{"empty body", http.MethodPut, "", ""},
		{"patch forwarded", http.MethodPatch, `{"a":1}`, `{"a":1}`},
		{"delete never carries a body", http.MethodDelete, `{"a":1}`, ""},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			backend := &recordingBackend{body: `{}`}
			srv := httptest.NewServer(backend)
			defer srv.Close()

			w := httptest.NewRecorder()
			req := httptest.NewRequest(tt.method, "/proxy/items", strings.NewReader(tt.body))
			newProxyRouter(srv.URL).ServeHTTP(w, req)

			if w.Code != http.StatusOK {
				t.Fatalf("expected 200, got %d", w.Code)
			}
			if len(backend.requests) != 1 {
				t.Fatalf("expected one backend call")
			}
			got := backend.requests[0]
			if got.method != tt.method || got.body != tt.wantBody {
				t.Errorf("forwarded %s %q, want %s %q", got.method, got.body, tt.method, tt.wantBody)
			}
		})
	}
}

func TestProxy_RepeatedQueryKeys(t *testing.T) {
	backend := &recordingBackend{body: `[]`}
	srv := httptest.NewServer(backend)
	defer srv.Close()

	w := httptest.NewRecorder()
	newProxyRouter(srv.URL).ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/proxy/search?tag=a&tag=b&q=x%20y", nil))

	got := backend.requests[0].rawQuery
	if got != "q=x+y&tag=a&tag=b" {
		t.Errorf("forwarded query %q", got)
	}
	if w.Body.String() != `[]` {
		t.Errorf("array bodies must pass through, got %s", w.Body.String())
	}
}

func TestProxy_OnlyAllowListedHeaders(t *testing.T) {
	backend := &recordingBackend{body: `{}`}
	srv := httptest.NewServer(backend)
	defer srv.Close()

	req := httptest.NewRequest(http.MethodPost, "/proxy/me", strings.NewReader(`{}`))
	req.Header.Set("Authorization", "Bearer abc")
	req.Header.Set("Content-Type", "text/plain")
	req.Header.Set("Cookie", "apigate_tokens=secret")
	req.Header.Set("X-Forwarded-For", "1.2.3.4")
	newProxyRouter(srv.URL).ServeHTTP(httptest.NewRecorder(), req)

	h := backend.requests[0].header
	if h.Get("Authorization") != "Bearer abc" {
		t.Errorf("Authorization not forwarded")
	}
	if h.Get("Content-Type") != "application/json" {
		t.Errorf("Content-Type = %q", h.Get("Content-Type"))
	}
	if h.Get("Cookie") != "" || h.Get("X-Forwarded-For") != "" {
		t.Errorf("unexpected headers forwarded: %v", h)
	}

	// Without an inbound Authorization none is sent.
	newProxyRouter(srv.URL).ServeHTTP(httptest.NewRecorder(), httptest.NewRequest(http.MethodGet, "/proxy/me", nil))
	if v := backend.requests[1].header.Values("Authorization"); len(v) != 0 {
		t.Errorf("expected no Authorization, got %v", v)
	}
}

func TestProxy_BackendStatusAndBody(t *testing.T) {
	tests := []struct {
		name       string
		status     int
		body       string
		wantStatus int
		wantBody   string
	}{
		{"error status relayed", http.StatusNotFound, `{"error":"missing"}`, http.StatusNotFound, `{"error":"missing"}`},
		{"non json replaced", http.StatusOK, `<html>oops</html>`, http.StatusOK, `{}`},
		{"empty body replaced", http.StatusBadGateway, ``, http.StatusBadGateway, `{}`},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			srv := httptest.NewServer(&recordingBackend{status: tt.status, body: tt.body})
			defer srv.Close()

			w := httptest.NewRecorder()
			newProxyRouter(srv.URL).ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/proxy/x", nil))

			if w.Code != tt.wantStatus || w.Body.String() != tt.wantBody {
				t.Errorf("got %d %s, want %d %s", w.Code, w.Body.String(), tt.wantStatus, tt.wantBody)
			}
			if ct := w.Header().Get("Content-Type"); ct != "application/json" {
				t.Errorf("Content-Type = %q", ct)
			}
		})
	}
}

func TestProxy_BackendDown(t *testing.T) {
	srv := httptest.NewServer(http.NotFoundHandler())
	url := srv.URL
	srv.Close()

	w := httptest.NewRecorder()
	newProxyRouter(url).ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/proxy/x", nil))

	if w.Code != http.StatusInternalServerError {
		t.Fatalf("expected 500, got %d", w.Code)
	}
	if w.Body.String() != `{"error":"proxy request failed","success":false}` {
		t.Errorf("unexpected body %s", w.Body.String())
	}
	assertProxyCORS(t, w)
}
