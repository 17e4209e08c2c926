package main

import (
	"context"
	"errors"
	"log"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/middleware/cors"
	"github.com/gofiber/fiber/v2/middleware/logger"
	"github.com/gofiber/fiber/v2/middleware/recover"

	"idle-arena/config"
	"idle-arena/handlers"
	"idle-arena/middleware"
	"idle-arena/realtime"
	"idle-arena/services"
	"idle-arena/store"
	"idle-arena/utils"
	"idle-arena/workers"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		log.Fatal("❌ invalid configuration: ", err)
	}

	st, err := openStore(cfg)
	if err != nil {
		log.Fatal("failed to open store: ", err)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	// The writer gets its own context so it can drain after the servers stop.
	writerCtx, stopWriter := context.WithCancel(context.Background())
	writer := workers.NewPersistenceWriter(st, cfg.Writer.QueueSize, cfg.Writer.JobTimeout)
	writer.Start(writerCtx)

	tokens, err := services.NewTokenIssuer(cfg.TokenSecret, cfg.Session.TTL)
	if err != nil {
		log.Fatal("failed to create token issuer: ", err)
	}

	hub := services.NewHub(64)
	registry := services.NewSessionRegistry(cfg.Session, tokens, writer)
	guard := services.NewAntiCheatGuard(cfg.AntiCheat, writer)
	board := services.NewLeaderboardAggregator(st, hub, cfg.Leaderboard)

	if cfg.R2.Enabled() {
		archiver, err := utils.NewR2Archiver(ctx, cfg.R2)
		if err != nil {
			log.Fatal("failed to initialize R2 client: ", err)
		}
		board.SetArchiver(archiver)
	} else {
		log.Println("⚠️  R2 not configured, leaderboard snapshots will not be archived")
	}

	orch := services.NewSessionOrchestrator(services.OrchestratorDeps{
		Registry:      registry,
		Guard:         guard,
		Leaderboard:   board,
		Hub:           hub,
		Store:         st,
		Writer:        writer,
		Combat:        cfg.Combat,
		PresenceDelay: cfg.Leaderboard.PresenceDelay,
	})

	board.Start(ctx)

	if cfg.Sync.ServiceURL != "" {
		workers.NewProfileSyncWorker(st, cfg.Sync.ServiceURL, cfg.Sync.EndpointPath, cfg.GatewayToken, cfg.Sync.Interval).Start(ctx)
	} else {
		log.Println("⚠️  SYNC_SERVICE_URL not set, profile sync disabled")
	}

	sched, err := services.StartMaintenance(ctx, cfg, orch, board)
	if err != nil {
		log.Fatal("failed to start scheduler: ", err)
	}

	var authClient middleware.TokenValidator
	if cfg.AuthServiceURL != "" {
		authClient = services.NewAuthServiceClient(cfg.AuthServiceURL, cfg.GatewayToken, utils.HTTPClient)
	}

	app := fiber.New(fiber.Config{
		AppName:      "idle-arena",
		BodyLimit:    64 * 1024,
		ErrorHandler: errorHandler,
	})
	app.Use(recover.New())
	app.Use(logger.New(logger.Config{
		Format: "[${time}] ${status} - ${latency} ${method} ${path}\n",
	}))

	// 🔐❗ GLOBAL: Only Gateway requests allowed, no exceptions
	app.Use(middleware.GatewayAuthMiddleware(cfg.GatewayToken))

	allowedOrigins := strings.Join(cfg.AllowedOrigins, ",")
	app.Use(cors.New(cors.Config{
		AllowOrigins:     allowedOrigins,
		AllowMethods:     "GET,POST,OPTIONS",
		AllowHeaders:     "Origin, Content-Type, Accept, Authorization, X-Requested-With, X-Request-ID, User-Agent, Cache-Control, X-Service-Token, X-Device-ID",
		ExposeHeaders:    "Content-Length, Content-Type, X-Request-ID, Retry-After",
		AllowCredentials: !strings.Contains(allowedOrigins, "*"),
		MaxAge:           86400,
	}))

	app.Get("/healthz", func(c *fiber.Ctx) error {
		return c.JSON(fiber.Map{"status": "ok", "sessions": orch.Stats()})
	})
	handlers.SetupGameRoutes(app, orch)
	handlers.SetupLeaderboardRoutes(app, board, orch, hub, authClient)
	handlers.SetupAdminRoutes(app, orch, board, hub, writer)

	ws := realtime.NewServer(orch, hub, tokens, realtime.Config{
		GatewayToken:   cfg.GatewayToken,
		AllowedOrigins: cfg.AllowedOrigins,
	})
	realtimeSrv := &http.Server{
		Addr:              cfg.RealtimeAddr,
		Handler:           ws.Router(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	go func() {
		if err := app.Listen(":" + cfg.Port); err != nil {
			log.Printf("Server error: %v", err)
		}
	}()
	go func() {
		if err := realtimeSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Printf("Realtime server error: %v", err)
		}
	}()

	log.Printf("✅ Server running on http://localhost:%s (store=%s)", cfg.Port, cfg.StoreDriver)
	log.Printf("✅ Realtime socket on ws://localhost%s/ws", cfg.RealtimeAddr)
	log.Printf("✅ CORS configured for origins: %s", allowedOrigins)

	<-ctx.Done()
	log.Println("Shutting down server...")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()

	if err := sched.Shutdown(); err != nil {
		log.Printf("⚠️ scheduler shutdown: %v", err)
	}
	if err := realtimeSrv.Shutdown(shutdownCtx); err != nil {
		log.Printf("⚠️ realtime shutdown: %v", err)
	}
	if err := app.ShutdownWithContext(shutdownCtx); err != nil {
		log.Printf("⚠️ http shutdown: %v", err)
	}

	if err := writer.Flush(shutdownCtx); err != nil {
		log.Printf("⚠️ persistence flush: %v", err)
	}
	stopWriter()
	select {
	case <-writer.Done():
	case <-shutdownCtx.Done():
		log.Printf("⚠️ persistence writer did not drain, %d job(s) failed", writer.Failures())
	}
	log.Println("👋 Shutdown complete")
}

func openStore(cfg config.Config) (store.Store, error) {
	switch cfg.StoreDriver {
	case config.StoreMemory:
		log.Println("⚠️  Using in-memory store, data is lost on restart")
		return store.NewMemoryStore(), nil
	default:
		return store.OpenPostgres(cfg.DatabaseURL)
	}
}

func errorHandler(c *fiber.Ctx, err error) error {
	code := fiber.StatusInternalServerError
	var fe *fiber.Error
	if errors.As(err, &fe) {
		code = fe.Code
	}
	if code >= fiber.StatusInternalServerError {
		log.Printf("❌ [HTTP] %s %s: %v", c.Method(), c.Path(), err)
	}
	return c.Status(code).JSON(fiber.Map{"error": err.Error()})
}
