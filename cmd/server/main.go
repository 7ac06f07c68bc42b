package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"apigate/client"
	"apigate/internal/api"
	"apigate/internal/config"
	"apigate/internal/metrics"
	"apigate/internal/middleware"
	"apigate/internal/repository"
	"apigate/internal/service"
	"apigate/pkg/constraints"
	"apigate/pkg/logger"

	"github.com/redis/go-redis/v9"
	clientv3 "go.etcd.io/etcd/client/v3"
	"go.uber.org/zap"
	"gorm.io/driver/mysql"
	"gorm.io/gorm"
)

func main() {
	// 1. Load Configuration
	cfg := config.Load()

	// Initialize logger
	logger.InitLogger(cfg.Server.Environment)
	defer logger.Sync()

	if err := run(cfg); err != nil {
		logger.Error("application startup failed", zap.Error(err))
		os.Exit(1)
	}
}

func run(cfg *config.Config) error {
	// 2. Context for graceful shutdown
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// 3. Initialize Infrastructure
	checks := map[string]api.HealthCheck{}

	var rdb redis.UniversalClient
	if cfg.Session.Store == constraints.StoreRedis || cfg.Redis.Addr != "" {
		c, err := initRedis(cfg.Redis)
		switch {
		case err == nil:
			defer c.Close()
			rdb = c
			checks["redis"] = repository.NewRedisBackend(c).Health
		case cfg.Session.Store == constraints.StoreRedis:
			return err
		default:
			logger.Warn("redis unavailable, rate limiting stays local", zap.Error(err))
		}
	}

	backend, err := initSessionBackend(cfg, rdb, checks)
	if err != nil {
		return err
	}
	if closer, ok := backend.(interface{ Close() error }); ok {
		defer closer.Close()
	}

	// 4. Initialize Services
	observer := metrics.NewPrometheusObserver()
	sessions := service.NewSessionManager(service.SessionOptions{
		Mode:    cfg.Session.Store,
		Backend: backend,
		Cookie: repository.CookieOptions{
			Prefix: cfg.Session.CookiePrefix,
			Domain: cfg.Session.CookieDomain,
			Secure: cfg.Session.CookieSecure,
		},
		Client: client.Config{
			BaseURL:        cfg.Backend.APIBaseURL,
			Defaults:       client.Options{Retries: cfg.Client.Retries, Timeout: cfg.Client.Timeout},
			Policy:         client.NewPolicy(cfg.Client.BackoffBase, cfg.Client.BackoffCap),
			LoginPath:      cfg.Backend.LoginPath,
			RefreshPath:    cfg.Backend.RefreshPath,
			LogoutPath:     cfg.Backend.LogoutPath,
			RefreshTimeout: cfg.Client.RefreshTimeout,
		},
		Observer: observer,
		IdleTTL:  cfg.Session.IdleTTL,
	})

	// 5. Start background routines
	go func() {
		sessions.Run(ctx, cfg.Session.SweepInterval)
	}()

	// 6. Setup HTTP Server
	r := api.RegisterRoutes(api.RouterDeps{
		Proxy:    api.NewProxyHandler(cfg.Backend.APIBaseURL, cfg.Proxy.Timeout),
		Sessions: api.NewSessionHandler(sessions, cfg.Backend.DashboardBaseURL),
		Health:   api.NewHealthHandler(checks),
		Rdb:      rdb,
		WriteLimit: middleware.Limit{
			Rate:  cfg.RateLimit.ProxyWrite.Rate,
			Burst: cfg.RateLimit.ProxyWrite.Burst,
		},
		LoginLimit: middleware.Limit{
			Rate:  cfg.RateLimit.Login.Rate,
			Burst: cfg.RateLimit.Login.Burst,
		},
		CORSOrigins: cfg.CORS.AllowOrigins,
	})

	addr := cfg.Server.Port
	if !strings.Contains(addr, ":") {
		addr = ":" + addr
	}
	srv := &http.Server{
		Addr:    addr,
		Handler: r,
	}

	// 7. Start Server
	go func() {
		logger.Info("server starting",
			zap.String("addr", addr),
			zap.String("env", cfg.Server.Environment),
			zap.String("backend", cfg.Backend.APIBaseURL),
			zap.String("session_store", cfg.Session.Store))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("server listen failed", zap.Error(err))
		}
	}()

	// 8. Graceful Shutdown Signal Wait
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit
	logger.Info("shutting down server...")

	// Create a deadline to wait for current requests to complete
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
	defer shutdownCancel()

	// Signal all workers to stop
	cancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("server forced to shutdown: %w", err)
	}

	logger.Info("server exited properly")
	return nil
}

// -- Infrastructure Initializers --

// initSessionBackend opens the storage selected by session.store and
// registers its health check. Cookie mode needs no server-side backend.
func initSessionBackend(cfg *config.Config, rdb redis.UniversalClient, checks map[string]api.HealthCheck) (client.Backend, error) {
	switch cfg.Session.Store {
	case constraints.StoreCookie:
		return nil, nil
	case constraints.StoreMemory:
		return client.NewMemoryBackend(), nil
	case constraints.StoreRedis:
		return repository.NewRedisBackend(rdb), nil
	case constraints.StoreEtcd:
		etcdCli, err := initEtcd(cfg.Etcd)
		if err != nil {
			return nil, err
		}
		b := repository.NewEtcdBackend(etcdCli)
		checks["etcd"] = b.Health
		return &closingBackend{Backend: b, close: etcdCli.Close}, nil
	case constraints.StoreMySQL:
		db, err := initDB(cfg.MySQL)
		if err != nil {
			return nil, err
		}
		b := repository.NewSQLBackend(db)
		if err := b.Migrate(); err != nil {
			return nil, fmt.Errorf("failed to migrate database: %w", err)
		}
		checks["mysql"] = b.PingContext
		return b, nil
	default:
		return nil, fmt.Errorf("unknown session store %q", cfg.Session.Store)
	}
}

// closingBackend ties a backend to the client it was built on.
type closingBackend struct {
	client.Backend
	close func() error
}

func (b *closingBackend) Close() error {
	return b.close()
}

func initRedis(cfg config.RedisConfig) (*redis.Client, error) {
	rdb := redis.NewClient(&redis.Options{
		Addr:     cfg.Addr,
		Password: cfg.Password,
		DB:       cfg.DB,
	})
	if err := rdb.Ping(context.Background()).Err(); err != nil {
		rdb.Close()
		return nil, fmt.Errorf("failed to connect to redis: %w", err)
	}
	return rdb, nil
}

func initEtcd(cfg config.EtcdConfig) (*clientv3.Client, error) {
	client, err := clientv3.New(clientv3.Config{
		Endpoints:   cfg.Endpoints,
		DialTimeout: cfg.DialTimeout,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to connect to etcd: %w", err)
	}
	return client, nil
}

func initDB(cfg config.MySQLConfig) (*gorm.DB, error) {
	db, err := gorm.Open(mysql.Open(cfg.DSN), &gorm.Config{})
	if err != nil {
		return nil, fmt.Errorf("failed to connect to mysql: %w", err)
	}
	return db, nil
}
