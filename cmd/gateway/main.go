package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/aegisgate/gateway-service/internal/client"
	"github.com/aegisgate/gateway-service/internal/config"
	"github.com/aegisgate/gateway-service/internal/engine"
	"github.com/aegisgate/gateway-service/internal/handler"
	"github.com/aegisgate/gateway-service/internal/metrics"
	"github.com/aegisgate/gateway-service/internal/middleware"
	"github.com/aegisgate/gateway-service/internal/telemetry"
	"github.com/aegisgate/gateway-service/internal/util/logger"
	"github.com/aegisgate/gateway-service/internal/window"
)

var version = "development"

func main() {
	configPath := os.Getenv("CONFIG_PATH")
	if configPath == "" {
		configPath = "config/gateway.yaml"
	}

	cfg, err := config.LoadConfig(configPath)
	if err != nil {
		panic(fmt.Errorf("failed to load config: %w", err))
	}

	logger.InitLogger(&logger.Config{
		Level:    cfg.Logger.Level,
		Encoding: cfg.Logger.Encoding,
	})
	defer logger.Sync()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	registry := prometheus.NewRegistry()
	if err := metrics.Register(registry); err != nil {
		logger.Fatal("metrics registration failed: %v", err)
	}

	// Redis, when either the window backend or the ban list needs it.
	var rcli *client.RedisClient
	if cfg.RedisURL != "" {
		rcli, err = client.NewFromURL(ctx, cfg.RedisURL)
		if err != nil {
			logger.Fatal("Redis init failed: %v", err)
		}
		defer rcli.Close()
	}

	// Window store
	storeOpts := window.Options{
		Duration: cfg.Enforcement.WindowDuration,
		HardCap:  cfg.Window.HardCap,
	}
	var store window.Store
	switch cfg.Window.Backend {
	case "redis":
		rs := window.NewRedisStore(rcli, cfg.Window.KeyPrefix, storeOpts)
		rs.OnEviction(metrics.WindowEvictions)
		store = rs
	default:
		ms := window.NewMemoryStore(storeOpts)
		ms.OnEviction(metrics.WindowEvictions)
		store = ms
	}

	var banlist engine.BanList
	if rcli != nil {
		banlist = engine.NewRedisBanList(rcli, "ban:")
	} else {
		banlist = engine.NewMemoryBanList()
	}

	// Telemetry sinks
	var sinks telemetry.Fanout

	var shipper *telemetry.KafkaShipper
	if cfg.Telemetry.Kafka.Enabled {
		shipper, err = telemetry.NewKafkaShipper(cfg.Telemetry.Kafka)
		if err != nil {
			logger.Fatal("kafka shipper init error: %v", err)
		}
		shipper.OnDrop(func(n int) { metrics.TelemetryDropped("kafka", n) })
		shipper.Start()
		sinks = append(sinks, shipper)
	}

	var pgSink *telemetry.PostgresSink
	if cfg.Telemetry.Postgres.Enabled && cfg.DatabaseURL != "" {
		pgSink, err = telemetry.NewPostgresSink(ctx, cfg.DatabaseURL, cfg.Telemetry.Postgres)
		if err != nil {
			logger.Fatal("postgres sink init error: %v", err)
		}
		pgSink.OnDrop(func(n int) { metrics.TelemetryDropped("postgres", n) })
		pgSink.Start()
		sinks = append(sinks, pgSink)
	}

	// Decision core
	scorer := engine.NewScorer(1024, cfg.Anomaly.MinBaselineSamples)
	ledger := engine.NewLedger(cfg.Correlation.Timeout, sinks)
	pipeline := engine.NewPipeline(store, scorer, ledger, banlist, sinks, cfg.Enforcement, cfg.Anomaly)
	pipeline.Start(ctx)

	go ledger.Run(ctx, cfg.Correlation.SweepInterval)
	go func() {
		ticker := time.NewTicker(cfg.Window.PurgeInterval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				store.PurgeExpired(ctx)
			}
		}
	}()

	// Health checkers
	checkers := []handler.HealthChecker{handler.NewApplicationHealthChecker(cfg)}
	if rcli != nil {
		checkers = append(checkers, handler.NewRedisHealthChecker(rcli))
	}
	if pgSink != nil {
		checkers = append(checkers, handler.NewDatabaseHealthChecker(pgSink.DB()))
	}
	healthHandler := handler.NewHealthHandler(cfg, version, checkers...)

	// Router
	r := chi.NewRouter()
	r.Use(chimw.RequestID, chimw.RealIP, chimw.Recoverer, chimw.Timeout(10*time.Second))
	r.Use(middleware.NewAccessLogMW(cfg.Backend.APIKeyHeader).Handler)

	r.Handle("/healthz", healthHandler)
	r.HandleFunc("/readyz", healthHandler.ReadinessHandler)
	r.HandleFunc("/livez", healthHandler.LivenessHandler)
	r.Handle("/metrics", promhttp.HandlerFor(registry, promhttp.HandlerOpts{}))

	decisionHandler := handler.NewDecisionHandler(pipeline)
	r.Route("/v1", func(rt chi.Router) {
		rt.Post("/decide", decisionHandler.Decide)
		rt.Post("/complete", decisionHandler.Complete)
	})

	if cfg.Backend.ProxyEnabled {
		proxy, err := middleware.NewBackendProxy(cfg.Backend.URL)
		if err != nil {
			logger.Fatal("backend proxy init error: %v", err)
		}
		enforcer := middleware.NewEnforcer(pipeline, middleware.EnforcerConfig{
			IdentityHeader: cfg.Backend.APIKeyHeader,
		})
		r.Handle("/*", enforcer.Handler(proxy))
		logger.Info("Proxy enforcement enabled, forwarding to %s", cfg.Backend.URL)
	}

	addr := fmt.Sprintf(":%d", cfg.Port)
	srv := &http.Server{
		Addr:         addr,
		Handler:      r,
		ReadTimeout:  5 * time.Second,
		WriteTimeout: 10 * time.Second,
		IdleTimeout:  120 * time.Second,
	}

	logger.Info("Starting gateway on %s (env=%s, window=%s, backend=%s)",
		addr, cfg.Env, cfg.Enforcement.WindowDuration, cfg.Window.Backend)

	go func() {
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Fatal("HTTP server error: %v", err)
		}
	}()

	<-ctx.Done()
	logger.Info("Shutting down...")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Error("Server shutdown error: %v", err)
	}

	pipeline.Close(shutdownCtx)
	if shipper != nil {
		shipper.Stop(shutdownCtx)
	}
	if pgSink != nil {
		pgSink.Stop(shutdownCtx)
	}
}
