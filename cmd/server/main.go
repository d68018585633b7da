// LexiGen - AI legal document generation server
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

	"github.com/ashureev/lexigen/internal/api"
	"github.com/ashureev/lexigen/internal/category"
	"github.com/ashureev/lexigen/internal/chat"
	"github.com/ashureev/lexigen/internal/config"
	"github.com/ashureev/lexigen/internal/generation"
	"github.com/ashureev/lexigen/internal/identity"
	"github.com/ashureev/lexigen/internal/middleware"
	"github.com/ashureev/lexigen/internal/pipeline"
	"github.com/ashureev/lexigen/internal/prompt"
	"github.com/ashureev/lexigen/internal/render"
	"github.com/ashureev/lexigen/internal/session"
	"github.com/ashureev/lexigen/internal/store"
	"github.com/ashureev/lexigen/web"
	"github.com/go-chi/chi/v5"
	chiMiddleware "github.com/go-chi/chi/v5/middleware"
	"github.com/joho/godotenv"
)

const authCleanupInterval = time.Hour

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

	slog.Info("Starting server", "port", cfg.Port, "dev", cfg.IsDevelopment())
	if cfg.Generation.APIKey == "" {
		slog.Warn("OPENROUTER_API_KEY is not set; generation requests will fail")
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

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
	slog.Info("Database connected", "path", cfg.DBPath)

	categories, err := category.NewRegistry()
	if err != nil {
		slog.Error("Failed to load categories", "error", err)
		os.Exit(1)
	}
	if cfg.CategoriesPath != "" {
		if err := categories.LoadFile(cfg.CategoriesPath); err != nil {
			slog.Error("Failed to load category overrides", "error", err)
			os.Exit(1)
		}
		if err := categories.Watch(ctx, cfg.CategoriesPath, logger); err != nil {
			slog.Warn("Category hot reload disabled", "error", err)
		}
	}
	slog.Info("Categories loaded", "source", categories.Source(), "count", len(categories.List()))

	gen := generation.NewClient(generation.Config{
		URL:      cfg.Generation.URL,
		APIKey:   cfg.Generation.APIKey,
		Model:    cfg.Generation.Model,
		AppTitle: cfg.Generation.AppTitle,
		System:   prompt.SystemInstruction,
		Timeout:  cfg.Generation.Timeout,
	}, logger)

	var exporter render.Exporter
	if cfg.Render.PDFEnabled {
		rod := render.NewRodExporter(render.RodConfig{
			ChromeBin:     cfg.Render.ChromeBin,
			MaxConcurrent: int64(cfg.Render.PDFMaxConcurrent),
		}, logger)
		defer func() {
			if closeErr := rod.Close(); closeErr != nil {
				slog.Warn("Failed to close PDF exporter", "error", closeErr)
			}
		}()
		exporter = rod
	} else {
		slog.Info("PDF export disabled")
	}
	surface := render.NewSurface(cfg.Render.SanitizePreview, exporter)

	auth := identity.NewProvider(repo, cfg.Auth.JWTSecret, cfg.Auth.TokenTTL, logger)
	go auth.CleanupLoop(ctx, authCleanupInterval)

	sessions := session.NewManager(auth, cfg.SessionIdleTTL, logger)
	sessions.StartSweeper(ctx)
	defer sessions.CloseAll()

	svc := pipeline.NewService(gen, surface, repo, categories, logger)
	limiter := middleware.NewRateLimiter(ctx, cfg.RateLimit.RequestsPerWindow, cfg.RateLimit.WindowDuration)

	// Initialize handlers.
	apiHandler := api.NewHandler(api.Deps{
		Repo:       repo,
		Auth:       auth,
		Sessions:   sessions,
		Pipeline:   svc,
		Categories: categories,
		Limiter:    limiter,
		IsDev:      cfg.IsDevelopment(),
		Logger:     logger,
	})
	healthHandler := api.NewHealthHandler(repo)
	chatHandler := chat.NewHandler(sessions, svc, cfg.FrontendURL, cfg.IsDevelopment(), logger)

	allowedOrigins := []string{"*"}
	if cfg.FrontendURL != "" {
		allowedOrigins = []string{cfg.FrontendURL}
	}

	// Setup router.
	r := chi.NewRouter()

	// Global middleware.
	r.Use(chiMiddleware.RequestID)
	r.Use(chiMiddleware.RealIP)
	r.Use(chiMiddleware.Logger)
	r.Use(chiMiddleware.Recoverer)
	r.Use(chiMiddleware.Heartbeat("/ping"))
	r.Use(middleware.CORS(allowedOrigins))
	r.Use(identity.Middleware(auth))

	// Public routes.
	healthHandler.RegisterHealth(r)
	apiHandler.RegisterRoutes(r)

	// WebSocket endpoint.
	r.With(identity.RequireUser).Get("/ws/chat", chatHandler.ServeHTTP)

	// Serve embedded frontend (SPA catch-all).
	r.Handle("/*", web.SPAHandler())

	// SSE and long generations need no WriteTimeout.
	srv := &http.Server{
		Addr:         ":" + cfg.Port,
		Handler:      r,
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 0,
		IdleTimeout:  120 * time.Second,
	}

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
		return
	}

	slog.Info("Server stopped successfully")
}
