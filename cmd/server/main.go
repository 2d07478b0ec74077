package main

import (
	"fmt"
	"log"
	"net/http"

	"seatguard/internal/api"
	"seatguard/internal/api/handlers"
	"seatguard/internal/api/middleware"
	"seatguard/internal/api/ws"
	"seatguard/internal/engine/invites"
	"seatguard/internal/engine/reconcile"
	"seatguard/internal/engine/upstream"
	"seatguard/internal/pkg/logger"
	"seatguard/internal/platform/audit"
	"seatguard/internal/platform/auth"
	"seatguard/internal/platform/config"
	"seatguard/internal/platform/database"
	"seatguard/internal/platform/repositories"
)

func main() {
	cfg, err := config.Load("configs/config.yaml")
	if err != nil {
		log.Fatalf("Failed to load config: %v", err)
	}

	logger.Init(cfg.Logging)

	db, err := database.Open(cfg.Database)
	if err != nil {
		log.Fatalf("Failed to open database: %v", err)
	}
	defer db.Close()

	if err := database.Migrate(db); err != nil {
		log.Fatalf("Failed to run migrations: %v", err)
	}

	// Repositories
	userRepo := repositories.NewUserRepository(db)
	accountRepo := repositories.NewAccountRepository(db)

	// Services
	tokenSvc := auth.NewTokenService(cfg.JWT)
	auditor := audit.NewLogger(db)

	client := upstream.NewClient(upstream.Config{
		BaseURL:     cfg.Upstream.BaseURL,
		SessionURL:  cfg.Upstream.SessionURL,
		MaxAttempts: cfg.Upstream.MaxAttempts,
		Backoff:     cfg.Upstream.Backoff,
		Timeout:     cfg.Upstream.Timeout,
	})
	inviteSvc := invites.NewService(client, cfg.Scheduler.GracePeriod, cfg.Scheduler.DeletePause)
	reconciler := reconcile.NewReconciler(client, inviteSvc, accountRepo, auditor)
	scheduler := reconcile.NewScheduler(reconciler, accountRepo,
		cfg.Scheduler.Interval, cfg.Scheduler.Stagger, cfg.Scheduler.RefreshPause)

	// Handlers
	authHandler := handlers.NewAuthHandler(userRepo, tokenSvc)
	accountHandler := handlers.NewAccountHandler(accountRepo, client, inviteSvc, reconciler, scheduler, auditor)
	healthHandler := handlers.NewHealthHandler(db)
	wsHandler := ws.NewHandler(tokenSvc, scheduler)

	// Middleware
	authMiddleware := middleware.NewAuthMiddleware(tokenSvc)

	// Router
	deps := &api.Dependencies{
		AuthHandler:    authHandler,
		AccountHandler: accountHandler,
		HealthHandler:  healthHandler,
		WSHandler:      wsHandler.Endpoint(),
		AuthMiddleware: authMiddleware,
	}
	router := api.NewRouter(deps)

	addr := fmt.Sprintf("%s:%d", cfg.Server.Host, cfg.Server.Port)
	server := &http.Server{
		Addr:         addr,
		Handler:      router,
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
		IdleTimeout:  cfg.Server.IdleTimeout,
	}

	log.Printf("Server starting on %s", addr)
	if err := server.ListenAndServe(); err != nil {
		log.Fatalf("Server failed: %v", err)
	}
}
