package client

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	"apigate/internal/metrics"
	v1 "apigate/pkg/api/v1"
	"apigate/pkg/constraints"
	"apigate/pkg/logger"

	"go.uber.org/zap"
	"golang.org/x/sync/singleflight"
)

var (
	ErrNoRefreshToken  = errors.New("no refresh token")
	ErrRefreshRejected = errors.New("refresh token rejected")
	ErrRefreshFailed   = errors.New("refresh failed")
)

const (
	DefaultRefreshTimeout = 10 * time.Second
	refreshRetryDelay     = 100 * time.Millisecond
)

// errRefreshTransport marks failures worth the single network-blip retry.
var errRefreshTransport = errors.New("refresh transport error")

// Refresher exchanges refresh tokens for new pairs. Concurrent callers that
// hold the same refresh token share one backend call; the shared call is
// forgotten once it settles so a later failure can start a new one.
type Refresher struct {
	httpClient *http.Client
	url        string
	timeout    time.Duration
	observer   metrics.ClientObserver
	retryDelay time.Duration

	group   singleflight.Group
	revoked *revocations
}

func NewRefresher(httpClient *http.Client, refreshURL string, timeout time.Duration, observer metrics.ClientObserver) *Refresher {
	if httpClient == nil {
		httpClient = &http.Client{}
	}
	if timeout <= 0 {
		timeout = DefaultRefreshTimeout
	}
	if observer == nil {
		observer = metrics.NopObserver{}
	}
	return &Refresher{
		httpClient: httpClient,
		url:        refreshURL,
		timeout:    timeout,
		observer:   observer,
		retryDelay: refreshRetryDelay,
		revoked:    newRevocations(2*timeout + refreshRetryDelay),
	}
}

// Revoke marks refreshToken as logged out. A refresh of it that is still
// in flight, or that starts shortly after, ends with ErrLoggedOut and
// persists nothing.
func (r *Refresher) Revoke(refreshToken string) {
	r.revoked.revoke(refreshToken)
}

// Refresh returns a pair newer than staleAccess. If the store already holds
// a different access token, someone else refreshed it and that pair is
// returned without calling the backend. ctx only bounds how long this
// caller waits; the shared exchange runs on its own deadline.
//
// Stores on request-scoped backends are never written by the shared
// exchange. Each waiter persists the result into its own store, so
// nothing is written once the request that owns the store has ended.
func (r *Refresher) Refresh(ctx context.Context, store *Store, staleAccess string) (TokenPair, error) {
	gen := store.Generation()
	pair, err := store.Get(ctx)
	if err != nil {
		return TokenPair{}, err
	}
	if pair == nil {
		return TokenPair{}, ErrNoRefreshToken
	}
	if pair.RefreshToken != "" && r.revoked.isRevoked(pair.RefreshToken) {
		r.clear(ctx, store, gen)
		return TokenPair{}, ErrLoggedOut
	}
	if pair.AccessToken != staleAccess {
		return *pair, nil
	}
	if pair.RefreshToken == "" {
		r.observer.RecordRefresh("missing")
		r.clear(ctx, store, gen)
		return TokenPair{}, ErrNoRefreshToken
	}

	stale := *pair
	scoped := store.RequestScoped()
	ch := r.group.DoChan(store.Key()+"\x00"+stale.RefreshToken, func() (any, error) {
		fctx := context.WithoutCancel(ctx)
		if scoped {
			return r.exchange(fctx, stale.RefreshToken)
		}
		// A flight started after a previous one already rotated the pair.
		if cur, err := store.Get(fctx); err == nil && cur != nil && cur.AccessToken != stale.AccessToken {
			return *cur, nil
		}
		next, err := r.exchange(fctx, stale.RefreshToken)
		return next, r.settle(fctx, store, next, err, gen)
	})

	select {
	case res := <-ch:
		next, _ := res.Val.(TokenPair)
		if scoped {
			res.Err = r.settle(ctx, store, next, res.Err, gen)
		}
		if res.Err != nil {
			return TokenPair{}, res.Err
		}
		return next, nil
	case <-ctx.Done():
		return TokenPair{}, ctx.Err()
	}
}

// exchange calls the backend once, retrying a single transport failure.
func (r *Refresher) exchange(ctx context.Context, refreshToken string) (TokenPair, error) {
	ctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()

	resp, err := r.post(ctx, refreshToken)
	if errors.Is(err, errRefreshTransport) && ctx.Err() == nil {
		logger.Warn("refresh transport error, retrying once", zap.Error(err))
		t := time.NewTimer(r.retryDelay)
		select {
		case <-ctx.Done():
			t.Stop()
		case <-t.C:
			resp, err = r.post(ctx, refreshToken)
		}
	}
	if err != nil {
		if errors.Is(err, ErrRefreshRejected) {
			r.observer.RecordRefresh("rejected")
		} else {
			r.observer.RecordRefresh("error")
		}
		return TokenPair{}, err
	}

	next := PairFromResp(*resp, refreshToken, time.Now())
	if !r.revoked.commit(refreshToken, next.RefreshToken) {
		r.observer.RecordRefresh("discarded")
		logger.Info("refreshed tokens discarded, session logged out meanwhile")
		return TokenPair{}, ErrLoggedOut
	}
	return next, nil
}

// settle writes the outcome of an exchange into store, provided nothing
// else wrote to it since gen was read. A failed exchange clears it.
func (r *Refresher) settle(ctx context.Context, store *Store, next TokenPair, err error, gen uint64) error {
	if err != nil {
		if !errors.Is(err, ErrLoggedOut) {
			logger.Warn("token refresh failed, clearing session", zap.String("session", store.Key()), zap.Error(err))
		}
		r.clear(ctx, store, gen)
		return err
	}
	if r.revoked.isRevoked(next.RefreshToken) {
		r.observer.RecordRefresh("discarded")
		r.clear(ctx, store, gen)
		return ErrLoggedOut
	}

	if err := store.SetPairIf(ctx, next, gen); err != nil {
		// Another waiter on the same store already saved this pair.
		if cur, gerr := store.Get(ctx); gerr == nil && cur != nil && cur.AccessToken == next.AccessToken {
			return nil
		}
		r.observer.RecordRefresh("discarded")
		logger.Info("refreshed tokens discarded, session changed meanwhile", zap.String("session", store.Key()))
		return err
	}
	r.observer.RecordRefresh("ok")
	logger.Debug("tokens refreshed", zap.String("session", store.Key()))
	return nil
}

func (r *Refresher) clear(ctx context.Context, store *Store, gen uint64) {
	if _, err := store.ClearIf(context.WithoutCancel(ctx), gen); err != nil {
		logger.Error("failed to clear tokens after refresh failure", zap.Error(err))
	}
}

func (r *Refresher) post(ctx context.Context, refreshToken string) (*v1.TokenResp, error) {
	body, err := json.Marshal(v1.RefreshReq{RefreshToken: refreshToken})
	if err != nil {
		return nil, err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, r.url, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrRefreshFailed, err)
	}
	req.Header.Set(constraints.HeaderContentType, constraints.ContentTypeJSON)

	resp, err := r.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("%w: %w: %v", ErrRefreshFailed, errRefreshTransport, err)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("%w: %w: %v", ErrRefreshFailed, errRefreshTransport, err)
	}

	switch {
	case resp.StatusCode >= 400 && resp.StatusCode < 500:
		return nil, fmt.Errorf("%w: status %d", ErrRefreshRejected, resp.StatusCode)
	case resp.StatusCode < 200 || resp.StatusCode >= 300:
		return nil, fmt.Errorf("%w: status %d", ErrRefreshFailed, resp.StatusCode)
	}

	tokens, ok := decodeTokenResp(raw)
	if !ok {
		return nil, fmt.Errorf("%w: invalid token response", ErrRefreshFailed)
	}
	return tokens, nil
}

// decodeTokenResp accepts the token payload either bare or wrapped in a
// {"data": ...} envelope.
func decodeTokenResp(raw []byte) (*v1.TokenResp, bool) {
	var tokens v1.TokenResp
	if err := json.Unmarshal(raw, &tokens); err == nil && tokens.AccessToken != "" {
		return &tokens, true
	}
	var wrapped struct {
		Data v1.TokenResp `json:"data"`
	}
	if err := json.Unmarshal(raw, &wrapped); err == nil && wrapped.Data.AccessToken != "" {
		return &wrapped.Data, true
	}
	return nil, false
}
