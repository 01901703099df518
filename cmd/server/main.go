package main

import (
	"context"
	"log"
	"os"
	"os/signal"
	"syscall"

	"github.com/fitversal/coachchat/internal/config"
	"github.com/fitversal/coachchat/internal/database"
	"github.com/fitversal/coachchat/internal/routes"
	applog "github.com/fitversal/coachchat/pkg/logger"
	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/middleware/cors"
	"github.com/gofiber/fiber/v2/middleware/logger"
	"github.com/gofiber/fiber/v2/middleware/recover"
	"github.com/redis/go-redis/v9"
)

func main() {
	// 1. Load Config
	cfg, err := config.LoadConfig()
	if err != nil {
		log.Fatalf("Failed to load config: %v", err)
	}
	applog.Init(cfg.AppEnv, cfg.LogLevel)
	zl := applog.WithComponent("server")

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	// 2. Connect to backing services
	var deps routes.Dependencies
	if cfg.StoreBackend == "postgres" {
		pool, err := database.Connect(ctx, cfg.DBUrl)
		if err != nil {
			log.Fatalf("Failed to connect to database: %v", err)
		}
		defer pool.Close()
		deps.DB = pool
	}
	if cfg.RedisURL != "" {
		opts, err := redis.ParseURL(cfg.RedisURL)
		if err != nil {
			log.Fatalf("Invalid REDIS_URL: %v", err)
		}
		client := redis.NewClient(opts)
		if err := client.Ping(ctx).Err(); err != nil {
			log.Fatalf("Failed to connect to redis: %v", err)
		}
		defer client.Close()
		deps.Redis = client
	}

	// 3. Setup Fiber
	app := fiber.New()

	// Middleware
	app.Use(cors.New())
	app.Use(logger.New())
	app.Use(recover.New())

	// Routes
	app.Get("/health", func(c *fiber.Ctx) error {
		return c.JSON(fiber.Map{
			"status": "ok",
		})
	})
	cleanup, err := routes.RegisterRoutes(ctx, app, cfg, deps)
	if err != nil {
		log.Fatalf("Failed to register routes: %v", err)
	}
	defer cleanup()

	go func() {
		<-ctx.Done()
		zl.Info().Msg("shutting down")
		_ = app.Shutdown()
	}()

	// 4. Start Server
	zl.Info().
		Str("port", cfg.Port).
		Str("store", cfg.StoreBackend).
		Str("storage", cfg.StorageBackend).
		Bool("redis", deps.Redis != nil).
		Msg("server starting")
	if err := app.Listen(":" + cfg.Port); err != nil {
		log.Fatalf("Server failed to start: %v", err)
	}
}
