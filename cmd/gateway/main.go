package main

import (
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/redis/go-redis/v9"

	"github.com/dealcycle/identity-gateway/internal/bypass"
	"github.com/dealcycle/identity-gateway/internal/config"
	"github.com/dealcycle/identity-gateway/internal/httputil"
	"github.com/dealcycle/identity-gateway/internal/identity"
	"github.com/dealcycle/identity-gateway/internal/proxy"
	"github.com/dealcycle/identity-gateway/internal/ratelimit"
	"github.com/dealcycle/identity-gateway/internal/session"
	"github.com/dealcycle/identity-gateway/internal/telemetry"
)

var version = "dev"

func main() {
	configDir := flag.String("config", "configs", "path to configuration directory")
	flag.Parse()

	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
		Level: slog.LevelInfo,
	}))
	slog.SetDefault(logger)

	// Load configuration
	loader := config.NewLoader(*configDir, logger)
	if err := loader.Load(); err != nil {
		logger.Error("failed to load configuration", "error", err)
		os.Exit(1)
	}

	watchCtx, stopWatch := context.WithCancel(context.Background())
	defer stopWatch()
	if err := loader.Watch(watchCtx); err != nil {
		logger.Warn("failed to start config watcher", "error", err)
	}

	cfg := loader.Config()

	logger = slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
		Level: parseLevel(cfg.Telemetry.LogLevel),
	})).With("environment", cfg.Environment)
	slog.SetDefault(logger)

	metrics := telemetry.NewMetrics(nil)

	// Connect to Redis
	var rdb *redis.Client
	if cfg.Redis.Enabled() {
		rdb = redis.NewClient(&redis.Options{
			Addr:     cfg.Redis.Addresses[0],
			Password: cfg.Redis.Password,
			DB:       cfg.Redis.DB,
			PoolSize: cfg.Redis.PoolSize,
		})
		if err := rdb.Ping(context.Background()).Err(); err != nil {
			logger.Warn("redis not reachable (using in-process rate limit and token cache)", "error", err)
			rdb.Close()
			rdb = nil
		} else {
			logger.Info("redis connected")
			defer rdb.Close()
		}
	}

	// Connect to PostgreSQL, only needed by the postgres event sink
	var dbPool *pgxpool.Pool
	if cfg.Events.Has("postgres") {
		pool, err := pgxpool.New(context.Background(), cfg.Database.DSN())
		if err != nil {
			logger.Error("failed to connect to database", "error", err)
			os.Exit(1)
		}
		if err := pool.Ping(context.Background()); err != nil {
			logger.Warn("database not reachable (session events will fail to persist)", "error", err)
		} else {
			logger.Info("database connected")
		}
		dbPool = pool
		defer dbPool.Close()
	}

	sinks := buildSinks(cfg, logger, metrics, dbPool)

	// Identity chain
	var verifier identity.Verifier
	if cfg.Identity.JWTSecret != "" {
		verifier = identity.NewHMACVerifier(cfg.Identity.JWTSecret)
	}
	resolver := identity.NewTenantResolver(cfg.Identity.DefaultTenantID, cfg.Identity.OAuthCallbackPrefixes, cfg.IsProduction())
	chain := identity.NewChain(resolver, verifier)

	// Bypass token provider
	var tokenCache bypass.Cache = bypass.NewMemoryCache()
	if rdb != nil {
		tokenCache = bypass.NewRedisCache(rdb)
	}
	provider := bypass.NewProvider(bypass.ProviderConfig{
		TokenURL: tokenURL(loader.Services(), cfg.Bypass),
		Email:    cfg.Bypass.AdminEmail,
		Password: cfg.Bypass.AdminPassword,
		TTL:      cfg.Bypass.TokenTTL,
		Timeout:  cfg.Bypass.Timeout,
	}, tokenCache, nil, metrics)
	policy := bypass.NewPolicy(cfg.Bypass.Expected)

	// Proxy routes
	registry, err := proxy.BuildFromConfig(loader.Services())
	if err != nil {
		logger.Error("failed to build service registry", "error", err)
		os.Exit(1)
	}
	health := proxy.NewHealthTracker(cfg.Proxy.FailureThreshold, cfg.Proxy.RecoveryInterval, metrics)
	proxyHandler := proxy.NewHandler(registry, proxy.NewForwarder(health, metrics), proxy.HandlerOptions{
		Production: cfg.IsProduction(),
		Guards: []func(http.Handler) http.Handler{
			identity.RequireTenant,
			bypass.RequireCredential(provider, policy),
		},
		Invalidator:  provider,
		MaxBodyBytes: cfg.Proxy.MaxBodyBytes,
	})
	loader.OnReload(func() {
		if err := proxyHandler.Reload(loader.Services()); err != nil {
			logger.Error("proxy route reload failed, keeping previous routes", "error", err)
		}
	})
	logger.Info("proxy routes loaded", "routes", len(registry.Routes()), "services", registry.ServiceNames())

	var limiter ratelimit.Limiter = ratelimit.NewMemoryLimiter()
	if rdb != nil {
		limiter = ratelimit.NewRedisLimiter(rdb)
	}

	tracker := session.NewTracker(sinks.sink)

	r := newRouter(routerDeps{
		chain:     chain,
		tracker:   tracker,
		health:    health,
		proxy:     proxyHandler,
		limiter:   limiter,
		rateLimit: cfg.RateLimit,
		metrics:   metrics,
	})

	addr := fmt.Sprintf("%s:%d", cfg.Server.Host, cfg.Server.Port)
	srv := &http.Server{
		Addr:         addr,
		Handler:      r,
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
		IdleTimeout:  cfg.Server.IdleTimeout,
	}

	metricsMux := http.NewServeMux()
	metricsMux.Handle("/metrics", promhttp.Handler())
	metricsSrv := &http.Server{
		Addr:    fmt.Sprintf("%s:%d", cfg.Server.Host, cfg.Telemetry.MetricsPort),
		Handler: metricsMux,
	}

	// Graceful shutdown
	errCh := make(chan error, 2)
	go func() {
		logger.Info("gateway starting", "addr", addr, "version", version, "bypass_expected", policy.Expected())
		errCh <- srv.ListenAndServe()
	}()
	go func() {
		logger.Info("metrics server starting", "addr", metricsSrv.Addr)
		errCh <- metricsSrv.ListenAndServe()
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)

	select {
	case sig := <-quit:
		logger.Info("received shutdown signal", "signal", sig)
	case err := <-errCh:
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("server error", "error", err)
			os.Exit(1)
		}
	}

	ctx, cancel := context.WithTimeout(context.Background(), cfg.Server.GracefulShutdown)
	defer cancel()

	if err := srv.Shutdown(ctx); err != nil {
		logger.Error("graceful shutdown failed", "error", err)
	}
	metricsSrv.Shutdown(ctx)
	sinks.close(ctx)
	proxyHandler.Registry().Close()
	logger.Info("gateway stopped")
}

type routerDeps struct {
	chain     *identity.Chain
	tracker   *session.Tracker
	health    *proxy.HealthTracker
	proxy     http.Handler
	limiter   ratelimit.Limiter
	rateLimit config.RateLimitConfig
	metrics   *telemetry.Metrics
}

// newRouter assembles the request pipeline. The tracker sits outside every rejecting
// middleware so that rejected requests still produce response events.
func newRouter(d routerDeps) chi.Router {
	r := chi.NewRouter()
	r.Use(requestIDMiddleware)
	r.Use(identity.Middleware(d.chain))
	r.Use(d.tracker.Middleware)
	r.Use(middleware.Recoverer)

	// Unauthenticated routes
	r.Get("/health", healthHandler(d.health))

	// Proxied routes
	r.Group(func(r chi.Router) {
		if d.rateLimit.Enabled && d.limiter != nil {
			r.Use(ratelimit.Middleware(d.limiter, d.rateLimit.Requests, d.rateLimit.Window, d.metrics))
		}
		r.Handle("/*", d.proxy)
	})
	return r
}

func parseLevel(s string) slog.Level {
	var level slog.Level
	if err := level.UnmarshalText([]byte(strings.TrimSpace(s))); err != nil {
		return slog.LevelInfo
	}
	return level
}

// tokenURL points at the login endpoint of the service named by bypass.service.
func tokenURL(services *config.ServicesConfig, b config.BypassConfig) string {
	svc, ok := services.Services[b.Service]
	if !ok || svc.BaseURL == "" {
		return ""
	}
	return strings.TrimRight(svc.BaseURL, "/") + b.TokenPath
}

func healthHandler(health *proxy.HealthTracker) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(map[string]any{
			"status":   "healthy",
			"version":  version,
			"circuits": health.States(),
		})
	}
}

func requestIDMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		reqID := r.Header.Get(httputil.HeaderRequestID)
		if reqID == "" {
			reqID = "req_" + uuid.NewString()
		}
		w.Header().Set(httputil.HeaderRequestID, reqID)
		next.ServeHTTP(w, r)
	})
}
