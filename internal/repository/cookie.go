package repository

import (
	"context"
	"encoding/base64"
	"errors"
	"net/http"
	"sync"
	"time"

	"apigate/client"
)

// ErrRequestDone is returned by writes after the owning request ended. The
// response writer may already be serving another request by then.
var ErrRequestDone = errors.New("cookie write after request ended")

// CookieOptions control the cookies written by a CookieBackend.
type CookieOptions struct {
	Prefix string
	Path   string
	Domain string
	Secure bool
}

// CookieBackend stores session keys in browser cookies for the lifetime of
// one request. Writes are applied to the response and also remembered so
// later reads in the same request observe them.
type CookieBackend struct {
	w    http.ResponseWriter
	r    *http.Request
	opts CookieOptions

	mu      sync.Mutex
	written map[string][]byte
}

func NewCookieBackend(w http.ResponseWriter, r *http.Request, opts CookieOptions) *CookieBackend {
	if opts.Path == "" {
		opts.Path = "/"
	}
	return &CookieBackend{w: w, r: r, opts: opts, written: make(map[string][]byte)}
}

// RequestScoped marks the backend as bound to one request.
func (b *CookieBackend) RequestScoped() bool {
	return true
}

func (b *CookieBackend) name(key string) string {
	return b.opts.Prefix + key
}

func (b *CookieBackend) Get(_ context.Context, key string) ([]byte, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if v, ok := b.written[key]; ok {
		if v == nil {
			return nil, client.ErrNotFound
		}
		return v, nil
	}
	c, err := b.r.Cookie(b.name(key))
	if err != nil || c.Value == "" {
		return nil, client.ErrNotFound
	}
	v, err := base64.RawURLEncoding.DecodeString(c.Value)
	if err != nil {
		return nil, client.ErrNotFound
	}
	return v, nil
}

// Set writes an HttpOnly cookie. A zero ttl makes it a browser-session
// cookie.
func (b *CookieBackend) Set(_ context.Context, key string, value []byte, ttl time.Duration) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.r.Context().Err() != nil {
		return ErrRequestDone
	}

	cookie := b.cookie(key)
	cookie.Value = base64.RawURLEncoding.EncodeToString(value)
	if ttl > 0 {
		cookie.MaxAge = int(ttl.Seconds())
		cookie.Expires = time.Now().Add(ttl)
	}
	http.SetCookie(b.w, cookie)
	b.written[key] = append([]byte(nil), value...)
	return nil
}

func (b *CookieBackend) Delete(_ context.Context, keys ...string) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.r.Context().Err() != nil {
		return ErrRequestDone
	}

	for _, key := range keys {
		cookie := b.cookie(key)
		cookie.MaxAge = -1
		http.SetCookie(b.w, cookie)
		b.written[key] = nil
	}
	return nil
}

func (b *CookieBackend) cookie(key string) *http.Cookie {
	return &http.Cookie{
		Name:     b.name(key),
		Path:     b.opts.Path,
		Domain:   b.opts.Domain,
		Secure:   b.opts.Secure,
		HttpOnly: true,
		SameSite: http.SameSiteLaxMode,
	}
}
