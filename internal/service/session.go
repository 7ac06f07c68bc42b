package service

import (
	"context"
	"net/http"
	"strings"
	"sync"
	"time"

	"apigate/client"
	"apigate/internal/metrics"
	"apigate/internal/repository"
	"apigate/pkg/constraints"
	"apigate/pkg/logger"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

const sessionCookie = "sid"

// SessionOptions configure a SessionManager.
type SessionOptions struct {
	// Mode is one of the constraints.Store* values.
	Mode string
	// Backend holds server-side sessions. Ignored in cookie mode.
	Backend    client.Backend
	Cookie     repository.CookieOptions
	Client     client.Config
	HTTPClient *http.Client
	Observer   metrics.ClientObserver
	IdleTTL    time.Duration
}

type cachedStore struct {
	store    *client.Store
	lastSeen time.Time
}

// SessionManager hands out API clients bound to the caller's session. In
// cookie mode the token pair travels in the browser's cookies; every other
// mode keeps only a session id cookie and the pair in the backend.
//
// Stores for server-side sessions are cached per session id so concurrent
// requests of one session share generations, and a logout in one request
// invalidates refreshes running in another.
type SessionManager struct {
	mode       string
	backend    client.Backend
	cookie     repository.CookieOptions
	clientCfg  client.Config
	httpClient *http.Client
	observer   metrics.ClientObserver
	refresher  *client.Refresher
	idleTTL    time.Duration

	mu     sync.Mutex
	stores map[string]*cachedStore
	now    func() time.Time
}

func NewSessionManager(opts SessionOptions) *SessionManager {
	if opts.Mode == "" {
		opts.Mode = constraints.StoreCookie
	}
	if opts.Mode != constraints.StoreCookie && opts.Backend == nil {
		opts.Backend = client.NewMemoryBackend()
	}
	if opts.HTTPClient == nil {
		opts.HTTPClient = &http.Client{}
	}
	if opts.Observer == nil {
		opts.Observer = metrics.NopObserver{}
	}
	if opts.IdleTTL <= 0 {
		opts.IdleTTL = 30 * time.Minute
	}
	refreshPath := opts.Client.RefreshPath
	if refreshPath == "" {
		refreshPath = "/auth/refresh"
	}

	return &SessionManager{
		mode:       opts.Mode,
		backend:    opts.Backend,
		cookie:     opts.Cookie,
		clientCfg:  opts.Client,
		httpClient: opts.HTTPClient,
		observer:   opts.Observer,
		refresher: client.NewRefresher(opts.HTTPClient, strings.TrimRight(opts.Client.BaseURL, "/")+refreshPath,
			opts.Client.RefreshTimeout, opts.Observer),
		idleTTL: opts.IdleTTL,
		stores:  make(map[string]*cachedStore),
		now:     time.Now,
	}
}

func (m *SessionManager) Mode() string {
	return m.mode
}

// Open returns a client for the session of r. Server-side modes mint a
// session id cookie on first use.
func (m *SessionManager) Open(w http.ResponseWriter, r *http.Request) *client.Client {
	return client.New(m.clientCfg, m.store(w, r),
		client.WithHTTPClient(m.httpClient),
		client.WithObserver(m.observer),
		client.WithRefresher(m.refresher),
	)
}

// Forget drops the session id cookie and the cached store. Call it after
// the store has been cleared.
func (m *SessionManager) Forget(w http.ResponseWriter, r *http.Request) {
	if m.mode == constraints.StoreCookie {
		return
	}
	if c, err := r.Cookie(m.cookie.Prefix + sessionCookie); err == nil {
		m.mu.Lock()
		delete(m.stores, c.Value)
		m.mu.Unlock()
	}
	http.SetCookie(w, m.sidCookie("", -1))
}

func (m *SessionManager) store(w http.ResponseWriter, r *http.Request) *client.Store {
	if m.mode == constraints.StoreCookie {
		return client.NewStore(repository.NewCookieBackend(w, r, m.cookie), "")
	}

	sid := ""
	if c, err := r.Cookie(m.cookie.Prefix + sessionCookie); err == nil {
		if _, err := uuid.Parse(c.Value); err == nil {
			sid = c.Value
		}
	}
	if sid == "" {
		sid = uuid.New().String()
		http.SetCookie(w, m.sidCookie(sid, 0))
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	entry, ok := m.stores[sid]
	if !ok {
		entry = &cachedStore{store: client.NewStore(m.backend, "session:"+sid+":")}
		m.stores[sid] = entry
	}
	entry.lastSeen = m.now()
	return entry.store
}

func (m *SessionManager) sidCookie(value string, maxAge int) *http.Cookie {
	path := m.cookie.Path
	if path == "" {
		path = "/"
	}
	return &http.Cookie{
		Name:     m.cookie.Prefix + sessionCookie,
		Value:    value,
		Path:     path,
		Domain:   m.cookie.Domain,
		MaxAge:   maxAge,
		Secure:   m.cookie.Secure,
		HttpOnly: true,
		SameSite: http.SameSiteLaxMode,
	}
}

// Sweep evicts stores idle for longer than the idle TTL and reports how
// many were evicted.
func (m *SessionManager) Sweep() int {
	m.mu.Lock()
	defer m.mu.Unlock()

	now := m.now()
	evicted := 0
	for sid, entry := range m.stores {
		if now.Sub(entry.lastSeen) > m.idleTTL {
			delete(m.stores, sid)
			evicted++
		}
	}
	return evicted
}

type purger interface {
	Purge(ctx context.Context) (int64, error)
}

// Run sweeps idle stores every interval until ctx ends. Backends that keep
// expired rows around are purged on the same tick.
func (m *SessionManager) Run(ctx context.Context, interval time.Duration) {
	if m.mode == constraints.StoreCookie {
		return
	}
	if interval <= 0 {
		interval = 5 * time.Minute
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	logger.Info("session sweeper started", zap.String("mode", m.mode), zap.Duration("interval", interval))

	for {
		select {
		case <-ctx.Done():
			logger.Info("session sweeper stopped")
			return
		case <-ticker.C:
			if n := m.Sweep(); n > 0 {
				logger.Debug("evicted idle sessions", zap.Int("count", n))
			}
			if p, ok := m.backend.(purger); ok {
				n, err := p.Purge(ctx)
				if err != nil {
					logger.Warn("failed to purge expired sessions", zap.Error(err))
				} else if n > 0 {
					logger.Debug("purged expired sessions", zap.Int64("count", n))
				}
			}
		}
	}
}
