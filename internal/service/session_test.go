package service

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"apigate/client"
	"apigate/internal/repository"
	"apigate/pkg/constraints"
	"apigate/pkg/logger"
)

func init() {
	logger.InitLogger("test")
}

func sidFrom(t *testing.T, w *httptest.ResponseRecorder) *http.Cookie {
	t.Helper()
	for _, c := range w.Result().Cookies() {
		if c.Name == "apigate_sid" {
			return c
		}
	}
	t.Fatalf("no session cookie in response")
	return nil
}

func TestSessionManager_ServerSideSharesStore(t *testing.T) {
	m := NewSessionManager(SessionOptions{
		Mode:   constraints.StoreMemory,
		Cookie: repository.CookieOptions{Prefix: "apigate_"},
		Client: client.Config{BaseURL: "http://backend.invalid"},
	})

	w1 := httptest.NewRecorder()
	c1 := m.Open(w1, httptest.NewRequest(http.MethodPost, "/session/login", nil))
	if err := c1.Store().SetPair(context.Background(), client.TokenPair{AccessToken: "a", RefreshToken: "r"}); err != nil {
		t.Fatal(err)
	}
	sid := sidFrom(t, w1)
	if !sid.HttpOnly {
		t.Errorf("session cookie must be HttpOnly")
	}

	r2 := httptest.NewRequest(http.MethodGet, "/session", nil)
	r2.AddCookie(sid)
	c2 := m.Open(httptest.NewRecorder(), r2)
	if c2.Store() != c1.Store() {
		t.Fatalf("expected the cached store to be shared")
	}
	pair, _ := c2.Store().Get(context.Background())
	if pair == nil || pair.AccessToken != "a" {
		t.Errorf("expected the stored pair, got %+v", pair)
	}

	// A different browser gets its own session.
	c3 := m.Open(httptest.NewRecorder(), httptest.NewRequest(http.MethodGet, "/session", nil))
	if pair, _ := c3.Store().Get(context.Background()); pair != nil {
		t.Errorf("new session must start empty, got %+v", pair)
	}
}

func TestSessionManager_ForgetAndSweep(t *testing.T) {
	now := time.Now()
	m := NewSessionManager(SessionOptions{
		Mode:    constraints.StoreMemory,
		Cookie:  repository.CookieOptions{Prefix: "apigate_"},
		IdleTTL: time.Minute,
	})
	m.now = func() time.Time { return now }

	w := httptest.NewRecorder()
	m.Open(w, httptest.NewRequest(http.MethodGet, "/", nil))
	m.Open(httptest.NewRecorder(), httptest.NewRequest(http.MethodGet, "/", nil))
	if len(m.stores) != 2 {
		t.Fatalf("expected 2 cached stores, got %d", len(m.stores))
	}

	r := httptest.NewRequest(http.MethodPost, "/session/logout", nil)
	r.AddCookie(sidFrom(t, w))
	fw := httptest.NewRecorder()
	m.Forget(fw, r)
	if len(m.stores) != 1 {
		t.Errorf("expected forgotten store evicted, %d left", len(m.stores))
	}
	if c := sidFrom(t, fw); c.MaxAge >= 0 {
		t.Errorf("expected expired session cookie, got %+v", c)
	}

	now = now.Add(2 * time.Minute)
	if n := m.Sweep(); n != 1 || len(m.stores) != 0 {
		t.Errorf("Sweep evicted %d, %d left", n, len(m.stores))
	}
}

func TestSessionManager_CookieMode(t *testing.T) {
	m := NewSessionManager(SessionOptions{
		Cookie: repository.CookieOptions{Prefix: "apigate_"},
	})
	if m.Mode() != constraints.StoreCookie {
		t.Fatalf("expected cookie mode by default, got %s", m.Mode())
	}

	w := httptest.NewRecorder()
	c := m.Open(w, httptest.NewRequest(http.MethodPost, "/session/login", nil))
	_ = c.Store().SetPair(context.Background(), client.TokenPair{AccessToken: "a", RefreshToken: "r"})

	r := httptest.NewRequest(http.MethodGet, "/session", nil)
	for _, ck := range w.Result().Cookies() {
		if ck.Name == "apigate_sid" {
			t.Errorf("cookie mode must not mint session ids")
		}
		r.AddCookie(ck)
	}
	pair, _ := m.Open(httptest.NewRecorder(), r).Store().Get(context.Background())
	if pair == nil || pair.RefreshToken != "r" {
		t.Errorf("expected pair from cookies, got %+v", pair)
	}
}
