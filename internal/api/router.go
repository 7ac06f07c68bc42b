package api

import (
	"net/http"

	"apigate/internal/metrics"
	"apigate/internal/middleware"

	"github.com/gin-gonic/gin"
	"github.com/redis/go-redis/v9"
)

// RouterDeps carries everything RegisterRoutes wires. Rdb may be nil.
type RouterDeps struct {
	Proxy       *ProxyHandler
	Sessions    *SessionHandler
	Health      *HealthHandler
	Rdb         redis.UniversalClient
	WriteLimit  middleware.Limit
	LoginLimit  middleware.Limit
	CORSOrigins []string
}

func RegisterRoutes(d RouterDeps) *gin.Engine {
	r := gin.New()

	// Global Middleware
	r.Use(
		middleware.RequestID(),
		middleware.GinZapLogger(),
		middleware.GinZapRecovery(),
		middleware.HttpMiddleware(),
		middleware.TraceMiddleware(),
	)
	r.SetTrustedProxies(nil)

	// Public Routes
	r.GET("/health", d.Health.HealthCheck)
	r.GET("/metrics", gin.WrapH(metrics.Handler()))

	// Separate buckets: proxy writes and login attempts, each per client IP.
	d.WriteLimit.Scope = "proxy_write"
	d.LoginLimit.Scope = "login"
	writeLimiter := middleware.RateLimit(d.Rdb, d.WriteLimit)
	loginLimiter := middleware.RateLimit(d.Rdb, d.LoginLimit)

	proxy := r.Group("/proxy", ProxyCORS())
	{
		proxy.GET("/*path", d.Proxy.Forward)
		proxy.DELETE("/*path", writeLimiter, d.Proxy.Forward)
		proxy.POST("/*path", writeLimiter, d.Proxy.Forward)
		proxy.PUT("/*path", writeLimiter, d.Proxy.Forward)
		proxy.PATCH("/*path", writeLimiter, d.Proxy.Forward)
		proxy.OPTIONS("/*path", d.Proxy.Forward)
	}

	session := r.Group("/session")
	session.Use(middleware.CorsMiddleware(d.CORSOrigins))
	{
		session.GET("", d.Sessions.Get)
		session.POST("/login", loginLimiter, d.Sessions.Login)
		session.POST("/logout", d.Sessions.Logout)
		session.POST("/refresh", d.Sessions.Refresh)
		session.PUT("/redirect", d.Sessions.SetRedirect)
		session.OPTIONS("/*any", func(c *gin.Context) { c.Status(http.StatusNoContent) })
	}
	return r
}
