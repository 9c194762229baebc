// cmd/main.go is the application entry point.
// It wires together all layers and starts the HTTP server.
package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/eventcert/certclaim/internal/assets"
	"github.com/eventcert/certclaim/internal/certimage"
	"github.com/eventcert/certclaim/internal/config"
	"github.com/eventcert/certclaim/internal/database"
	"github.com/eventcert/certclaim/internal/handler"
	"github.com/eventcert/certclaim/internal/migrations"
	"github.com/eventcert/certclaim/internal/repository"
	"github.com/eventcert/certclaim/internal/service"
	"github.com/go-chi/chi/v5"
	chimiddleware "github.com/go-chi/chi/v5/middleware"
	"github.com/joho/godotenv"
	"go.uber.org/zap"
)

func main() {
	// .env is optional; real deployments set env vars directly.
	_ = godotenv.Load()

	configPath := flag.String("config", os.Getenv("CERTCLAIM_CONFIG"), "path to YAML config file")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		log.Fatalf("config: %v", err)
	}

	logger, err := newLogger(cfg.Server.Mode)
	if err != nil {
		log.Fatalf("logger: %v", err)
	}
	defer logger.Sync()

	ctx := context.Background()

	// ── 1. Connect to PostgreSQL and migrate ─────────────────────────────
	pool, err := database.NewPool(ctx, cfg.Database, logger)
	if err != nil {
		logger.Fatal("database", zap.Error(err))
	}
	defer pool.Close()
	logger.Info("connected to PostgreSQL")

	if err := migrations.Run(pool, cfg.Database.AutoMigrate, logger); err != nil {
		logger.Fatal("migrations", zap.Error(err))
	}

	// ── 2. Wire up layers ────────────────────────────────────────────────
	eventRepo := repository.NewEventRepository(pool)
	regRepo := repository.NewRegistrationRepository(pool)
	certRepo := repository.NewCertificateRepository(pool)
	seqRepo := repository.NewSequenceRepository(pool)

	// Idempotent counter init, safe under concurrent replica startup.
	if err := seqRepo.Ensure(ctx, repository.CertCodeSequence); err != nil {
		logger.Fatal("sequence init", zap.Error(err))
	}

	assetStore, err := assets.NewLocalStore(cfg.Assets.Dir, cfg.Assets.BaseURL)
	if err != nil {
		logger.Fatal("assets", zap.Error(err))
	}

	svc := service.New(eventRepo, regRepo, certRepo, seqRepo, assetStore, certimage.Renderer{}, logger, service.Options{
		ClaimWindow: cfg.Claim.Window,
	})
	eventHandler := handler.NewEventHandler(svc, assetStore)

	// ── 3. Build the router ───────────────────────────────────────────────
	r := chi.NewRouter()

	r.Use(chimiddleware.Recoverer)
	r.Use(chimiddleware.RequestID)
	r.Use(chimiddleware.RealIP)
	r.Use(handler.Logger(logger))
	r.Use(handler.CORS)

	r.Get("/health", handler.HealthCheck)

	authenticated := handler.Authenticate(cfg.Auth.JWTSecret)
	r.Route("/events", func(r chi.Router) {
		r.Get("/", eventHandler.ListEvents)
		r.Get("/{id}", eventHandler.GetEvent)

		r.Group(func(r chi.Router) {
			r.Use(authenticated, handler.RequireRole(handler.RoleOrganizer))
			r.Post("/", eventHandler.CreateEvent)
			r.Post("/{id}/end", eventHandler.EndEvent)
			r.Get("/{id}/registrations", eventHandler.ListRegistrations)
			r.Get("/{id}/certificates", eventHandler.ListCertificates)
			r.Get("/{id}/stats", eventHandler.Stats)
		})

		r.Group(func(r chi.Router) {
			r.Use(authenticated, handler.RequireRole(handler.RoleStudent))
			r.Post("/{id}/register", eventHandler.Register)
			r.Post("/{id}/claim", eventHandler.Claim)
		})
	})

	// Stored templates and generated certificates.
	r.Handle(cfg.Assets.BaseURL+"/*", http.StripPrefix(cfg.Assets.BaseURL+"/",
		http.FileServer(http.Dir(assetStore.Dir()))))

	// ── 4. Start server with graceful shutdown ────────────────────────────
	srv := &http.Server{
		Addr:         fmt.Sprintf("%s:%d", cfg.Server.Host, cfg.Server.Port),
		Handler:      r,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	go func() {
		logger.Info("server listening", zap.String("addr", srv.Addr))
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Fatal("server error", zap.Error(err))
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	logger.Info("shutting down server")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Fatal("graceful shutdown failed", zap.Error(err))
	}
	logger.Info("server stopped")
}

func newLogger(mode string) (*zap.Logger, error) {
	if mode == "debug" {
		return zap.NewDevelopment()
	}
	return zap.NewProduction()
}
