// Reelgate - realtime command gateway for the video assistant
package main

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	chiMiddleware "github.com/go-chi/chi/v5/middleware"
	"github.com/joho/godotenv"

	"github.com/reelworks/reelgate/internal/api"
	"github.com/reelworks/reelgate/internal/auth"
	"github.com/reelworks/reelgate/internal/config"
	"github.com/reelworks/reelgate/internal/executor"
	"github.com/reelworks/reelgate/internal/gateway"
	"github.com/reelworks/reelgate/internal/intent"
	"github.com/reelworks/reelgate/internal/media"
	"github.com/reelworks/reelgate/internal/middleware"
	"github.com/reelworks/reelgate/internal/operation"
	"github.com/reelworks/reelgate/internal/ratelimit"
	"github.com/reelworks/reelgate/internal/router"
	"github.com/reelworks/reelgate/internal/session"
	"github.com/reelworks/reelgate/internal/store"
)

func main() {
	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
		Level: slog.LevelInfo,
	}))
	slog.SetDefault(logger)

	if err := godotenv.Load(); err != nil {
		slog.Info("No .env file found, using environment variables")
	}

	cfg, err := config.Load()
	if err != nil {
		slog.Error("Failed to load configuration", "error", err)
		os.Exit(1)
	}

	slog.Info("Starting server", "port", cfg.Port, "dev", cfg.IsDevelopment(), "auth_required", cfg.AuthRequired)

	// Initialize dependencies.
	repo, err := store.NewSQLite(cfg.DBPath)
	if err != nil {
		slog.Error("Failed to initialize database", "error", err)
		os.Exit(1)
	}
	defer func() {
		if closeErr := repo.Close(); closeErr != nil {
			slog.Error("Failed to close repository", "error", closeErr)
		}
	}()

	if err := repo.Ping(context.Background()); err != nil {
		slog.Error("Database health check failed", "error", err)
		os.Exit(1)
	}
	slog.Info("Database connected")

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	// Rate limiting.
	limiter := ratelimit.New(map[ratelimit.Category]ratelimit.Limit{
		ratelimit.CategoryChat: {
			MaxEvents: cfg.ChatRate.MaxEvents,
			Window:    cfg.ChatRate.Window,
		},
		ratelimit.CategoryDispatch: {
			MaxEvents: cfg.DispatchRate.MaxEvents,
			Window:    cfg.DispatchRate.Window,
		},
	})
	limiter.StartSweep()
	defer limiter.Stop()

	// Command execution.
	handlers := executor.NewRegistry()
	if cfg.MediaAPIURL != "" {
		media.RegisterHandlers(handlers, media.NewClient(cfg.MediaAPIURL, cfg.MediaAPIKey))
		slog.Info("Media provider configured", "url", cfg.MediaAPIURL)
	} else {
		slog.Warn("MEDIA_API_URL not set, command dispatch will fail until a provider is configured")
	}

	pool := executor.NewPool(handlers, cfg.ExecutorWorkers, cfg.ExecutorWorkers*4)
	pool.Start(cfg.ExecutorWorkers)
	defer pool.Stop()

	// Intent classification and replies (optional).
	var classifier intent.Classifier = intent.DisabledClassifier{}
	var replier intent.ReplyGenerator = intent.StaticReplyGenerator{}
	if cfg.AI.Enabled() {
		llm, err := intent.NewLLMService(ctx, cfg.AI)
		if err != nil {
			slog.Warn("Failed to initialize language model, AI features disabled", "error", err)
		} else {
			classifier = llm
			replier = llm
			slog.Info("Language model initialized", "model", cfg.AI.Model)
		}
	} else {
		slog.Info("AI features disabled (ARK_API_KEY or ARK_MODEL not set)")
	}

	// Core orchestration.
	tracker := operation.NewTracker(256)
	registry := session.NewRegistry()

	rt := router.New(classifier, replier, tracker, pool, repo, router.Config{
		ConfidenceThreshold: cfg.ConfidenceThreshold,
		ClassifyTimeout:     cfg.ClassifyTimeout,
		ReplyTimeout:        cfg.ReplyTimeout,
		StoreTimeout:        cfg.StoreTimeout,
		DispatchGate: func(key string) (bool, time.Duration) {
			return limiter.Allow(ratelimit.CategoryDispatch, key, 1)
		},
	})

	gw := gateway.New(gateway.Options{
		AuthRequired:     cfg.AuthRequired,
		HandshakeTimeout: cfg.HandshakeTimeout,
		StoreTimeout:     cfg.StoreTimeout,
		AllowedOrigin:    cfg.FrontendURL,
		IsDev:            cfg.IsDevelopment(),
	}, registry, limiter, rt, tracker, pool, auth.NewKeyAuthenticator(repo), repo)

	// Operation event pump: fans lifecycle events out to sessions and
	// mirrors outcomes into stored history.
	go gw.Run(ctx)

	// Setup router.
	r := chi.NewRouter()

	// Global middleware.
	r.Use(chiMiddleware.RequestID)
	r.Use(chiMiddleware.RealIP)
	r.Use(chiMiddleware.Logger)
	r.Use(chiMiddleware.Recoverer)
	r.Use(chiMiddleware.Heartbeat("/ping"))
	r.Use(middleware.CORS([]string{"*"}))

	// REST surface.
	api.NewHealthHandler(repo, cfg.StoreTimeout).RegisterHealth(r)
	api.NewHistoryHandler(repo, cfg.StoreTimeout).RegisterRoutes(r)

	// WebSocket endpoint.
	r.Get("/ws/chat", gw.ServeHTTP)

	// Create server.
	// Note: websocket connections are long-lived, so no write timeout.
	srv := &http.Server{
		Addr:        ":" + cfg.Port,
		Handler:     r,
		ReadTimeout: 30 * time.Second,
		IdleTimeout: 120 * time.Second,
	}

	// Start server.
	go func() {
		slog.Info("Server listening", "addr", srv.Addr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			slog.Error("Server failed", "error", err)
			os.Exit(1)
		}
	}()

	// Wait for shutdown signal.
	<-ctx.Done()
	stop()

	slog.Info("Shutting down gracefully...")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		slog.Error("Server forced to shutdown", "error", err)
		os.Exit(1)
	}

	slog.Info("Server stopped successfully")
}
