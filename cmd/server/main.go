package main

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/jonboulle/clockwork"

	"agentbridge-backend/internal/auth"
	"agentbridge-backend/internal/bridge"
	"agentbridge-backend/internal/cache"
	"agentbridge-backend/internal/config"
	"agentbridge-backend/internal/handlers"
	"agentbridge-backend/internal/health"
	"agentbridge-backend/internal/hub"
	"agentbridge-backend/internal/ingest"
	"agentbridge-backend/internal/logging"
	ratelimit "agentbridge-backend/internal/middleware"
	"agentbridge-backend/internal/natsbus"
	"agentbridge-backend/internal/presence"
	"agentbridge-backend/internal/relay"
	"agentbridge-backend/internal/rpc"
	"agentbridge-backend/internal/runtime"
	"agentbridge-backend/internal/services"
	"agentbridge-backend/internal/storage"
	"agentbridge-backend/internal/workers"
)

func main() {
	cfg, err := config.LoadServer()
	if err != nil {
		logging.Init("info", "text").Error("invalid configuration", "error", err)
		os.Exit(1)
	}
	logger := logging.Init(cfg.Log.Level, cfg.Log.Format)
	clock := clockwork.NewRealClock()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// Database connection (with retries)
	db, err := storage.Open(ctx, cfg.Database.DSN(), logger)
	if err != nil {
		logger.Error("failed to connect to database", "error", err)
		os.Exit(1)
	}
	defer db.Close()
	store := storage.NewStorage(db)
	if err := store.EnsureSchema(ctx); err != nil {
		logger.Error("failed to apply schema", "error", err)
		os.Exit(1)
	}
	logger.Info("connected to database")

	// NATS connection
	natsClient, err := natsbus.Connect(cfg.NATS.URL, logger)
	if err != nil {
		logger.Error("failed to connect to NATS", "error", err)
		os.Exit(1)
	}
	defer natsClient.Close()

	// Redis cache
	redisClient, err := cache.NewRedisClient(ctx, cfg.Redis.URL, cfg.Redis.DB)
	if err != nil {
		logger.Error("failed to connect to Redis", "error", err)
		os.Exit(1)
	}
	defer redisClient.Close()

	tokens, err := auth.NewTokenService(cfg.Auth.JWTSecret, cfg.Auth.UserTokenTTL, cfg.Auth.TunnelTokenTTL)
	if err != nil {
		logger.Error("invalid auth configuration", "error", err)
		os.Exit(1)
	}

	// Tunnels
	sink := presence.NewService(store, redisClient, clock, cfg.Workers.PresenceTTL, logger)

	relayServer := relay.NewServer(relay.Options{
		ChatTimeout:    cfg.Relay.ChatTimeout,
		RequestTimeout: cfg.Relay.RequestTimeout,
		StaleAfter:     cfg.Relay.StaleAfter,
		AuthGrace:      cfg.Relay.AuthGrace,
		MaxFrameBytes:  cfg.Relay.MaxFrameBytes,
	}, tokens, store, sink, clock, logger)

	bridgeServer := bridge.NewServer(bridge.Options{
		MessageTimeout: cfg.Bridge.MessageTimeout,
		CommandTimeout: cfg.Bridge.CommandTimeout,
	}, store, sink, clock, logger)
	bridgeServer.UseWebsocket(tokens, bridge.WSConfig{
		PingPeriod:    cfg.Bridge.PingInterval,
		PongWait:      cfg.Bridge.PongWait,
		MaxFrameBytes: cfg.Bridge.MaxFrameBytes,
	})

	tunnelHub := hub.NewHub(logger, relayServer, bridgeServer)
	sink.SetLocator(tunnelHub)

	// Services
	runtimeClient := runtime.NewClient(cfg.Runtime.URL, cfg.Runtime.Token, cfg.Runtime.Timeout, logger)
	aiClient := services.NewOpenRouterClient(cfg.Provider.APIKey, cfg.Provider.BaseURL, cfg.Provider.Model, cfg.Provider.Timeout, logger)
	slackClient := services.NewSlackClient(cfg.Slack.WebhookURL, logger)

	dispatcher := rpc.NewClient(logger, aiClient,
		rpc.TunnelStrategy(relayServer),
		rpc.TunnelStrategy(bridgeServer),
		rpc.ContainerStrategy(runtimeClient),
		rpc.ProxyStrategy(aiClient),
	)

	supervisor := health.NewSupervisor(health.Options{
		Thresholds: health.Thresholds{
			ErrorRatePercent: cfg.Health.ErrorRatePercent,
			ResponseTimeMs:   cfg.Health.ResponseTimeMs,
			CPUPercent:       cfg.Health.CPUPercent,
			MemoryMB:         cfg.Health.MemoryMB,
			InactivityAfter:  cfg.Health.InactivityAfter,
			ActivityWindow:   cfg.Health.ActivityWindow,
		},
		Restart: health.RestartPolicy{
			MaxAttempts: cfg.Health.MaxRestarts,
			BackoffBase: cfg.Health.RestartBackoffBase,
			Cooldown:    cfg.Health.RestartCooldown,
		},
		CheckTimeout: cfg.Health.CheckTimeout,
		Concurrency:  cfg.Health.Concurrency,
	}, health.Deps{
		Agents:   store,
		Runtime:  runtimeClient,
		Tunnels:  tunnelHub,
		Bridge:   bridgeServer,
		Events:   natsClient,
		Notifier: slackClient,
		Clock:    clock,
		Logger:   logger,
	})

	// Start consumers
	auditConsumer := ingest.NewAuditConsumer(natsClient.JS(), store, logger)
	if err := auditConsumer.Start(ctx); err != nil {
		logger.Error("failed to start audit consumer", "error", err)
		os.Exit(1)
	}

	reconciler := workers.NewStatusReconciler(store, redisClient, tunnelHub, logger)
	if !workers.StartRedisKeyeventWorker(ctx, redisClient, reconciler, logger) {
		logger.Warn("redis keyspace notifications are not active, relying on the periodic reconciler")
	}

	scheduler, err := workers.NewScheduler(ctx, logger)
	if err != nil {
		logger.Error("failed to create scheduler", "error", err)
		os.Exit(1)
	}
	jobs := []workers.Job{
		{Name: "health-check", Interval: cfg.Health.Interval, Run: supervisor.CheckAll},
		{Name: "relay-sweep", Interval: cfg.Relay.PingInterval, Run: func(ctx context.Context) error {
			if n := relayServer.Sweep(ctx); n > 0 {
				logger.Info("pruned stale relay tunnels", "count", n)
			}
			return nil
		}},
		{Name: "presence-refresh", Interval: cfg.Workers.PresenceRefresh, Run: func(ctx context.Context) error {
			sink.Touch(ctx, tunnelHub.ConnectedAgents(""))
			return nil
		}},
		{Name: "status-reconcile", Interval: cfg.Workers.ReconcileInterval, Run: func(ctx context.Context) error {
			_, err := reconciler.ReconcileOnce(ctx)
			return err
		}},
	}
	for _, job := range jobs {
		if err := scheduler.Register(job); err != nil {
			logger.Error("failed to register job", "job", job.Name, "error", err)
			os.Exit(1)
		}
	}
	scheduler.Start()

	// HTTP handlers
	authHandler := auth.NewHandler(store, tokens)
	limiter := ratelimit.NewLimiter(redisClient, logger)
	h := handlers.New(handlers.Deps{
		Store:           store,
		Dispatcher:      dispatcher,
		Tunnels:         tunnelHub,
		Health:          supervisor,
		Feed:            natsClient,
		Clock:           clock,
		Logger:          logger,
		StreamKeepalive: cfg.Health.StreamKeepalive,
	})

	// Router
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)

	r.Get("/healthz", func(w http.ResponseWriter, r *http.Request) {
		status := http.StatusOK
		body := map[string]any{"status": "ok", "tunnels": tunnelHub.Stats()}
		if err := store.Ping(r.Context()); err != nil {
			status = http.StatusServiceUnavailable
			body["status"] = "degraded"
			body["database"] = err.Error()
		}
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(status)
		json.NewEncoder(w).Encode(body)
	})

	r.With(limiter.PerIP("login", cfg.Limits.LoginPerMinute)).Post("/auth/login", authHandler.Login)

	r.Group(func(r chi.Router) {
		r.Use(limiter.PerIP("handshake", cfg.Limits.HandshakePerMinute))
		r.Handle("/tunnel/relay", relayServer)
		r.Handle("/tunnel/bridge", bridgeServer)
	})

	r.Group(func(r chi.Router) {
		r.Use(tokens.Middleware)
		r.Get("/auth/me", authHandler.Me)
		r.With(limiter.PerUser("tunnel-token", cfg.Limits.TunnelTokenPerMinute)).Post("/v1/tunnel/token", authHandler.TunnelToken)
		h.RegisterRoutes(r)
	})

	server := &http.Server{
		Addr:              cfg.Addr,
		Handler:           r,
		ReadHeaderTimeout: 10 * time.Second,
	}

	// Graceful shutdown
	go func() {
		sigCh := make(chan os.Signal, 1)
		signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
		<-sigCh

		logger.Info("shutting down")
		cancel()

		shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer shutdownCancel()

		if err := scheduler.Shutdown(); err != nil {
			logger.Warn("scheduler shutdown", "error", err)
		}
		_ = auditConsumer.Stop()
		_ = server.Shutdown(shutdownCtx)
	}()

	logger.Info("server starting", "addr", cfg.Addr)
	if err := server.ListenAndServe(); !errors.Is(err, http.ErrServerClosed) {
		logger.Error("server error", "error", err)
		os.Exit(1)
	}
	logger.Info("server stopped")
}
