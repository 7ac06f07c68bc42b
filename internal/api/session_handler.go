package api

import (
	"net/http"
	"net/url"
	"strings"

	"apigate/client"
	"apigate/internal/service"
	v1 "apigate/pkg/api/v1"
	"apigate/pkg/logger"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
)

// SessionHandler lets a browser log in and out through the edge. Tokens
// stay in the session store and never reach the browser as JSON.
type SessionHandler struct {
	sessions  *service.SessionManager
	dashboard string
}

func NewSessionHandler(sessions *service.SessionManager, dashboardURL string) *SessionHandler {
	return &SessionHandler{sessions: sessions, dashboard: dashboardURL}
}

// statusFor maps a failed client result to the status the browser sees.
// Results without a backend status are transport failures.
func statusFor(status int) int {
	if status != 0 {
		return status
	}
	return http.StatusBadGateway
}

func (h *SessionHandler) Login(c *gin.Context) {
	var body v1.LoginReq
	if err := c.ShouldBindJSON(&body); err != nil {
		c.JSON(http.StatusBadRequest, v1.Fail[v1.LoginResp](err.Error(), http.StatusBadRequest))
		return
	}

	ctx := c.Request.Context()
	cl := h.sessions.Open(c.Writer, c.Request)
	res := cl.Login(ctx, body)
	if !res.Success {
		c.JSON(statusFor(res.Status), v1.Fail[v1.LoginResp](res.Error, res.Status))
		return
	}

	target, err := cl.Store().Redirect(ctx)
	if err != nil {
		logger.Warn("failed to read redirect target", zap.Error(err))
	}
	if target == "" {
		target = h.dashboard
	} else if err := cl.Store().SetRedirect(ctx, ""); err != nil {
		logger.Warn("failed to clear redirect target", zap.Error(err))
	}

	c.JSON(http.StatusOK, v1.OK(v1.LoginResp{User: res.Data.User, RedirectTo: target}, "logged in"))
}

func (h *SessionHandler) Logout(c *gin.Context) {
	cl := h.sessions.Open(c.Writer, c.Request)
	res := cl.Logout(c.Request.Context())
	if !res.Success {
		c.JSON(http.StatusInternalServerError, res)
		return
	}
	h.sessions.Forget(c.Writer, c.Request)
	c.JSON(http.StatusOK, res)
}

func (h *SessionHandler) Refresh(c *gin.Context) {
	cl := h.sessions.Open(c.Writer, c.Request)
	res := cl.Refresh(c.Request.Context())
	if !res.Success {
		status := res.Status
		if status == 0 && res.Error == client.MsgAuthRequired {
			status = http.StatusUnauthorized
		}
		c.JSON(statusFor(status), v1.Fail[v1.SessionInfo](res.Error, status))
		return
	}
	c.JSON(http.StatusOK, v1.OK(sessionInfo(&res.Data, ""), "refreshed"))
}

func (h *SessionHandler) Get(c *gin.Context) {
	ctx := c.Request.Context()
	store := h.sessions.Open(c.Writer, c.Request).Store()

	pair, err := store.Get(ctx)
	if err != nil {
		logger.Error("failed to read session", zap.Error(err))
		c.JSON(http.StatusInternalServerError, v1.Fail[v1.SessionInfo]("token store unavailable", 0))
		return
	}
	target, err := store.Redirect(ctx)
	if err != nil {
		logger.Warn("failed to read redirect target", zap.Error(err))
	}
	c.JSON(http.StatusOK, v1.OK(sessionInfo(pair, target), ""))
}

// SetRedirect remembers where to send the browser after the next login.
// Only same-site paths and dashboard URLs are accepted.
func (h *SessionHandler) SetRedirect(c *gin.Context) {
	var body v1.RedirectReq
	if err := c.ShouldBindJSON(&body); err != nil {
		c.JSON(http.StatusBadRequest, v1.Fail[v1.Empty](err.Error(), http.StatusBadRequest))
		return
	}
	if !h.allowedRedirect(body.Target) {
		c.JSON(http.StatusBadRequest, v1.Fail[v1.Empty]("redirect target not allowed", http.StatusBadRequest))
		return
	}

	store := h.sessions.Open(c.Writer, c.Request).Store()
	if err := store.SetRedirect(c.Request.Context(), body.Target); err != nil {
		logger.Error("failed to store redirect target", zap.Error(err))
		c.JSON(http.StatusInternalServerError, v1.Fail[v1.Empty]("token store unavailable", 0))
		return
	}
	c.JSON(http.StatusOK, v1.OK(v1.Empty{}, "redirect saved"))
}

func (h *SessionHandler) allowedRedirect(target string) bool {
	// Browsers read a backslash as a slash, so "/\host" would leave the site.
	if target == "" || strings.ContainsAny(target, "\\\r\n\t") {
		return false
	}
	u, err := url.Parse(target)
	if err != nil {
		return false
	}
	if u.Scheme == "" && u.Host == "" && u.User == nil {
		return strings.HasPrefix(u.Path, "/") && !strings.HasPrefix(target, "//")
	}

	dash, err := url.Parse(h.dashboard)
	if err != nil || dash.Host == "" || u.User != nil {
		return false
	}
	if !strings.EqualFold(u.Scheme, dash.Scheme) || !strings.EqualFold(u.Host, dash.Host) {
		return false
	}
	base := strings.TrimRight(dash.Path, "/")
	return u.Path == base || strings.HasPrefix(u.Path, base+"/")
}

func sessionInfo(pair *client.TokenPair, redirect string) v1.SessionInfo {
	info := v1.SessionInfo{RedirectTo: redirect}
	if pair == nil {
		return info
	}
	info.Authenticated = true
	if !pair.AccessExpiry.IsZero() {
		t := pair.AccessExpiry
		info.AccessExpiry = &t
	}
	if !pair.RefreshExpiry.IsZero() {
		t := pair.RefreshExpiry
		info.RefreshExpiry = &t
	}
	return info
}
