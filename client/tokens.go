package client

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	v1 "apigate/pkg/api/v1"

	"github.com/golang-jwt/jwt/v5"
)

var (
	// ErrNotFound is returned by a Backend when a key does not exist.
	ErrNotFound = errors.New("key not found")
	// ErrLoggedOut is returned by conditional writes when the store was
	// written or cleared after the caller captured its generation.
	ErrLoggedOut = errors.New("token store changed since refresh started")
)

const (
	keyTokens   = "tokens"
	keyRedirect = "redirect"
)

// TokenPair is the credential state held for one session. Zero expiry
// times mean the backend did not report them.
type TokenPair struct {
	AccessToken   string    `json:"access_token"`
	RefreshToken  string    `json:"refresh_token"`
	AccessExpiry  time.Time `json:"access_expiry,omitzero"`
	RefreshExpiry time.Time `json:"refresh_expiry,omitzero"`
}

func (p TokenPair) AccessExpired(now time.Time) bool {
	return !p.AccessExpiry.IsZero() && !now.Before(p.AccessExpiry)
}

// Backend is the storage medium behind a Store. Implementations must treat
// a single Set as atomic; Delete must not fail for missing keys.
type Backend interface {
	Get(ctx context.Context, key string) ([]byte, error)
	Set(ctx context.Context, key string, value []byte, ttl time.Duration) error
	Delete(ctx context.Context, keys ...string) error
}

// RequestScoped is implemented by backends bound to one inbound HTTP
// exchange, such as browser cookies. Such a backend must only be written
// while its request is being served, so shared refreshes leave the write
// to each waiting caller instead of doing it themselves.
type RequestScoped interface {
	RequestScoped() bool
}

// Store owns the token pair and the post-login redirect target of one
// session. The pair is persisted as a single record so readers never see
// an access token from one write next to a refresh token from another.
type Store struct {
	backend Backend
	prefix  string

	mu  sync.RWMutex
	gen uint64
}

// NewStore creates a store whose keys are namespaced by prefix. An empty
// prefix is valid for per-session backends such as cookies.
func NewStore(backend Backend, prefix string) *Store {
	return &Store{backend: backend, prefix: prefix}
}

// RequestScoped reports whether the backend is bound to a single request.
func (s *Store) RequestScoped() bool {
	rs, ok := s.backend.(RequestScoped)
	return ok && rs.RequestScoped()
}

// Key identifies the session this store belongs to.
func (s *Store) Key() string {
	return s.prefix
}

// Generation changes on every write. Pass it to SetPairIf/ClearIf to make a
// write conditional on nothing else having touched the store.
func (s *Store) Generation() uint64 {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.gen
}

// Get returns the current pair, or nil when there is no usable access
// token. A stored refresh token without an access token is not reported.
func (s *Store) Get(ctx context.Context) (*TokenPair, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	pair, err := s.load(ctx)
	if err != nil || pair == nil {
		return nil, err
	}
	if pair.AccessToken == "" {
		return nil, nil
	}
	return pair, nil
}

func (s *Store) SetAccess(ctx context.Context, token string, expiry time.Time) error {
	return s.update(ctx, func(p *TokenPair) {
		p.AccessToken = token
		p.AccessExpiry = expiry
	})
}

func (s *Store) SetRefresh(ctx context.Context, token string, expiry time.Time) error {
	return s.update(ctx, func(p *TokenPair) {
		p.RefreshToken = token
		p.RefreshExpiry = expiry
	})
}

func (s *Store) SetPair(ctx context.Context, pair TokenPair) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.gen++
	return s.save(ctx, pair)
}

// SetPairIf writes pair only if the generation is still gen.
func (s *Store) SetPairIf(ctx context.Context, pair TokenPair, gen uint64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.gen != gen {
		return ErrLoggedOut
	}
	s.gen++
	return s.save(ctx, pair)
}

// Clear removes the pair and the redirect target.
func (s *Store) Clear(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.gen++
	return s.backend.Delete(ctx, s.prefix+keyTokens, s.prefix+keyRedirect)
}

// ClearIf clears the store only if the generation is still gen. It reports
// whether the clear happened.
func (s *Store) ClearIf(ctx context.Context, gen uint64) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.gen != gen {
		return false, nil
	}
	s.gen++
	return true, s.backend.Delete(ctx, s.prefix+keyTokens, s.prefix+keyRedirect)
}

func (s *Store) SetRedirect(ctx context.Context, target string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if target == "" {
		return s.backend.Delete(ctx, s.prefix+keyRedirect)
	}
	return s.backend.Set(ctx, s.prefix+keyRedirect, []byte(target), 0)
}

func (s *Store) Redirect(ctx context.Context) (string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	b, err := s.backend.Get(ctx, s.prefix+keyRedirect)
	if errors.Is(err, ErrNotFound) {
		return "", nil
	}
	if err != nil {
		return "", err
	}
	return string(b), nil
}

func (s *Store) update(ctx context.Context, fn func(*TokenPair)) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	pair, err := s.load(ctx)
	if err != nil {
		return err
	}
	if pair == nil {
		pair = &TokenPair{}
	}
	fn(pair)
	s.gen++
	return s.save(ctx, *pair)
}

func (s *Store) load(ctx context.Context) (*TokenPair, error) {
	b, err := s.backend.Get(ctx, s.prefix+keyTokens)
	if errors.Is(err, ErrNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("load tokens: %w", err)
	}
	var pair TokenPair
	if err := json.Unmarshal(b, &pair); err != nil {
		return nil, fmt.Errorf("decode tokens: %w", err)
	}
	return &pair, nil
}

func (s *Store) save(ctx context.Context, pair TokenPair) error {
	b, err := json.Marshal(pair)
	if err != nil {
		return err
	}
	var ttl time.Duration
	if !pair.RefreshExpiry.IsZero() {
		if d := time.Until(pair.RefreshExpiry); d > 0 {
			ttl = d
		}
	}
	if err := s.backend.Set(ctx, s.prefix+keyTokens, b, ttl); err != nil {
		return fmt.Errorf("save tokens: %w", err)
	}
	return nil
}

// PairFromResp builds a TokenPair from a login or refresh response.
// Backends that do not rotate refresh tokens omit refresh_token; the
// previous one is kept in that case.
func PairFromResp(resp v1.TokenResp, prevRefresh string, now time.Time) TokenPair {
	pair := TokenPair{
		AccessToken:  resp.AccessToken,
		RefreshToken: resp.RefreshToken,
	}
	if pair.RefreshToken == "" {
		pair.RefreshToken = prevRefresh
	}
	if resp.ExpiresIn > 0 {
		pair.AccessExpiry = now.Add(time.Duration(resp.ExpiresIn) * time.Second)
	} else {
		pair.AccessExpiry = ExpiryFromJWT(resp.AccessToken)
	}
	if resp.RefreshExpiresIn > 0 {
		pair.RefreshExpiry = now.Add(time.Duration(resp.RefreshExpiresIn) * time.Second)
	} else if resp.RefreshToken != "" {
		pair.RefreshExpiry = ExpiryFromJWT(resp.RefreshToken)
	}
	return pair
}

// ExpiryFromJWT reads the exp claim of a JWT without verifying it. Opaque
// tokens yield the zero time.
func ExpiryFromJWT(token string) time.Time {
	var claims jwt.RegisteredClaims
	if _, _, err := jwt.NewParser().ParseUnverified(token, &claims); err != nil {
		return time.Time{}
	}
	if claims.ExpiresAt == nil {
		return time.Time{}
	}
	return claims.ExpiresAt.Time
}

type memEntry struct {
	value     []byte
	expiresAt time.Time
}

// MemoryBackend keeps values in process memory. It is the default for
// server-side use and tests.
type MemoryBackend struct {
	mu   sync.RWMutex
	data map[string]memEntry
	now  func() time.Time
}

func NewMemoryBackend() *MemoryBackend {
	return &MemoryBackend{
		data: make(map[string]memEntry),
		now:  time.Now,
	}
}

func (m *MemoryBackend) Get(_ context.Context, key string) ([]byte, error) {
	m.mu.RLock()
	e, ok := m.data[key]
	m.mu.RUnlock()
	if !ok || (!e.expiresAt.IsZero() && !m.now().Before(e.expiresAt)) {
		return nil, ErrNotFound
	}
	out := make([]byte, len(e.value))
	copy(out, e.value)
	return out, nil
}

func (m *MemoryBackend) Set(_ context.Context, key string, value []byte, ttl time.Duration) error {
	e := memEntry{value: append([]byte(nil), value...)}
	if ttl > 0 {
		e.expiresAt = m.now().Add(ttl)
	}
	m.mu.Lock()
	m.data[key] = e
	m.mu.Unlock()
	return nil
}

func (m *MemoryBackend) Delete(_ context.Context, keys ...string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, k := range keys {
		delete(m.data, k)
	}
	return nil
}
