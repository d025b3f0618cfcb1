// Pagewarden - Security Assistant Gateway
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
	"github.com/pagewarden/pagewarden/internal/api"
	"github.com/pagewarden/pagewarden/internal/chat"
	"github.com/pagewarden/pagewarden/internal/config"
	"github.com/pagewarden/pagewarden/internal/fetch"
	"github.com/pagewarden/pagewarden/internal/middleware"
	"github.com/pagewarden/pagewarden/internal/model"
	"github.com/pagewarden/pagewarden/internal/scan"
	"github.com/pagewarden/pagewarden/internal/store"
	"github.com/pagewarden/pagewarden/internal/ws"
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

	slog.Info("Starting gateway",
		"port", cfg.Port,
		"model", cfg.ModelName,
		"dev", cfg.IsDevelopment(),
		"api_token", cfg.TokenPrefix(),
	)

	// Initialize dependencies.
	repo, err := store.NewSQLite(cfg.DBPath, cfg.MaxMemoryTurns, cfg.MaxScanHistory)
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

	modelClient := model.NewOllamaClient(cfg.ModelBaseURL, cfg.ModelName)
	if err := modelClient.Ping(context.Background()); err != nil {
		slog.Warn("Model service not reachable at startup, chat will degrade until it is", "error", err)
	}

	fetcher := fetch.NewHTTPFetcher(cfg.ContentLimit)

	// Initialize services.
	chatSvc := chat.NewService(repo, modelClient, chat.DefaultConfig(cfg.MaxMemoryTurns))

	scanCfg := scan.DefaultConfig()
	scanCfg.RedirectTimeout = cfg.RedirectTimeout
	scanCfg.FetchTimeout = cfg.FetchTimeout
	pipeline := scan.NewPipeline(fetcher, modelClient, repo, scanCfg)

	// Initialize handlers. Each socket surface owns its own session table:
	// a user may hold a chat and a scan connection at the same time, and
	// opening one must not evict the other.
	chatRegistry := ws.NewRegistry()
	scanRegistry := ws.NewRegistry()
	restHandler := api.NewHandler(repo, chatSvc, pipeline, modelClient, cfg)
	chatWS := ws.NewChatHandler(chatSvc, chatRegistry, cfg)
	scanWS := ws.NewScanHandler(pipeline, scanRegistry, cfg)

	// Setup router.
	r := chi.NewRouter()

	r.Use(chiMiddleware.RequestID)
	r.Use(chiMiddleware.RealIP)
	r.Use(chiMiddleware.Logger)
	r.Use(chiMiddleware.Recoverer)

	origins := []string{"*"}
	if cfg.FrontendURL != "" {
		origins = []string{cfg.FrontendURL}
	}
	r.Use(middleware.CORS(origins))

	restHandler.RegisterRoutes(r)
	if cfg.APIToken != "" {
		// Token-guarded alias of the API surface for non-browser callers.
		r.With(middleware.BearerToken(cfg.APIToken)).Get("/api/admin/sessions", func(w http.ResponseWriter, _ *http.Request) {
			api.JSON(w, http.StatusOK, map[string]int{
				"active_sessions": chatRegistry.ActiveCount() + scanRegistry.ActiveCount(),
			})
		})
	}

	// WebSocket endpoints.
	r.Get("/chatbot", chatWS.ServeHTTP)
	r.Get("/scan", scanWS.ServeHTTP)

	// WriteTimeout stays 0: WebSocket sessions outlive any fixed budget.
	srv := &http.Server{
		Addr:         ":" + cfg.Port,
		Handler:      r,
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 0,
		IdleTimeout:  120 * time.Second,
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	go func() {
		slog.Info("Server listening", "addr", srv.Addr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			slog.Error("Server failed", "error", err)
			os.Exit(1)
		}
	}()

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
