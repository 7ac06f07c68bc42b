package client

import (
	"context"
	"errors"
	"net/http"
	"time"

	v1 "apigate/pkg/api/v1"
	"apigate/pkg/logger"

	"go.uber.org/zap"
)

// Login exchanges credentials for a token pair and stores it.
func (c *Client) Login(ctx context.Context, creds v1.LoginReq) v1.Result[v1.TokenResp] {
	res := c.Do(ctx, c.NewRequest(http.MethodPost, c.loginPath, creds, SkipAuth()))
	if !res.Success {
		return v1.Fail[v1.TokenResp](res.Error, res.Status)
	}

	tokens, ok := decodeTokenResp(res.Data)
	if !ok {
		return v1.Fail[v1.TokenResp]("invalid login response", http.StatusBadGateway)
	}
	if err := c.store.SetPair(ctx, PairFromResp(*tokens, "", time.Now())); err != nil {
		logger.Error("failed to store tokens after login", zap.Error(err))
		return v1.Fail[v1.TokenResp]("token store unavailable", 0)
	}
	return v1.OK(*tokens, res.Message)
}

// Logout tells the backend to revoke the session and clears local state.
// The refresh token is also revoked in the client's Refresher.
// Local state always wins: the result is successful even if the backend
// call fails, as long as the local tokens could be cleared.
func (c *Client) Logout(ctx context.Context) v1.Result[v1.Empty] {
	pair, err := c.store.Get(ctx)
	if err != nil {
		logger.Warn("token store read failed during logout", zap.Error(err))
	}
	if pair != nil {
		// Refreshes of this token running elsewhere must not bring it back.
		c.refresher.Revoke(pair.RefreshToken)
		res := c.Do(ctx, c.NewRequest(http.MethodPost, c.logoutPath,
			v1.RefreshReq{RefreshToken: pair.RefreshToken}, WithRetries(0)))
		if !res.Success {
			logger.Warn("backend logout failed, clearing local session anyway",
				zap.String("error", res.Error), zap.Int("status", res.Status))
		}
	}

	if err := c.store.Clear(ctx); err != nil {
		logger.Error("failed to clear tokens on logout", zap.Error(err))
		return v1.Fail[v1.Empty]("token store unavailable", 0)
	}
	return v1.OK(v1.Empty{}, "logged out")
}

// Refresh forces a token refresh for the current session.
func (c *Client) Refresh(ctx context.Context) v1.Result[TokenPair] {
	pair, err := c.store.Get(ctx)
	if err != nil {
		return v1.Fail[TokenPair]("token store unavailable", 0)
	}
	if pair == nil {
		return v1.Fail[TokenPair](MsgAuthRequired, 0)
	}

	next, err := c.refresher.Refresh(ctx, c.store, pair.AccessToken)
	switch {
	case err == nil:
		return v1.OK(next, "")
	case errors.Is(err, ErrRefreshRejected), errors.Is(err, ErrNoRefreshToken), errors.Is(err, ErrLoggedOut):
		return v1.Fail[TokenPair](err.Error(), http.StatusUnauthorized)
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		return v1.Fail[TokenPair](errCanceled, 0)
	default:
		return v1.Fail[TokenPair](err.Error(), 0)
	}
}
