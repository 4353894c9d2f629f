package main

import (
	"context"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/Abraxas-365/jobq/pkg/config"
	"github.com/Abraxas-365/jobq/pkg/jobx/jobxhttp"
	"github.com/Abraxas-365/jobq/pkg/logx"
	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/middleware/cors"
	"github.com/gofiber/fiber/v2/middleware/logger"
	"github.com/gofiber/fiber/v2/middleware/recover"
	"github.com/gofiber/fiber/v2/middleware/requestid"
	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"
)

func main() {
	logx.Info("🚀 Starting jobq...")

	cfg, err := config.Load()
	if err != nil {
		logx.Fatalf("Invalid configuration: %v", err)
	}
	if err := run(cfg); err != nil {
		logx.Fatalf("jobq stopped with error: %v", err)
	}
	logx.Info("✅ jobq exited successfully")
}

// run serves until SIGINT or SIGTERM, or until a background service fails.
func run(cfg *config.Config) error {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	container, err := NewContainer(ctx, cfg)
	if err != nil {
		return err
	}
	defer container.Cleanup()

	app := newApp(container)

	g, gctx := errgroup.WithContext(ctx)
	container.StartBackgroundServices(gctx, g)

	g.Go(func() error {
		logx.Info("=" + strings.Repeat("=", 60))
		logx.Infof("🚀 Server listening on port %s", cfg.Server.Port)
		logx.Infof("💚 Health Check: http://localhost:%s/health", cfg.Server.Port)
		logx.Info("=" + strings.Repeat("=", 60))
		return app.Listen(":" + cfg.Server.Port)
	})
	g.Go(func() error {
		<-gctx.Done()
		logx.Info("🛑 Shutting down gracefully...")
		return app.ShutdownWithTimeout(cfg.Server.ShutdownTimeout)
	})

	return g.Wait()
}

// newApp builds the Fiber app with global middleware and the job routes.
func newApp(container *Container) *fiber.App {
	app := fiber.New(fiber.Config{
		AppName:               "jobq",
		DisableStartupMessage: true,
		ErrorHandler:          jobxhttp.ErrorHandler,
		BodyLimit:             4 * 1024 * 1024,
		IdleTimeout:           120 * time.Second,
	})

	app.Use(recover.New(recover.Config{
		EnableStackTrace: true,
	}))

	app.Use(requestid.New(requestid.Config{
		Header:    "X-Request-ID",
		Generator: uuid.NewString,
	}))

	app.Use(cors.New(cors.Config{
		AllowOrigins:  container.Config.Server.CORSOrigins,
		AllowHeaders:  "Origin, Content-Type, Accept, Cache-Control, X-Request-ID",
		AllowMethods:  "GET, POST, HEAD, OPTIONS",
		ExposeHeaders: "X-Request-ID",
	}))

	app.Use(logger.New(logger.Config{
		Format:     "${time} | ${status} | ${latency} | ${method} ${path} | ${ip} | ${reqHeader:X-Request-ID}\n",
		TimeFormat: "2006-01-02 15:04:05",
		TimeZone:   "Local",
	}))

	app.Get("/health", healthCheckHandler(container))
	app.Get("/", infoHandler(container))

	container.Handlers.RegisterRoutes(app)
	logx.Info("✓ Job routes registered")

	app.Use(notFoundHandler)
	return app
}

// healthCheckHandler reports whether the ledger backend is reachable.
func healthCheckHandler(container *Container) fiber.Handler {
	return func(c *fiber.Ctx) error {
		health := fiber.Map{
			"status":  "healthy",
			"service": "jobq",
			"version": container.Config.Server.Version,
			"backend": container.Config.Jobq.Backend,
		}

		ctx, cancel := context.WithTimeout(c.UserContext(), 2*time.Second)
		defer cancel()
		if err := container.Ping(ctx); err != nil {
			health["status"] = "degraded"
			health["backend_error"] = err.Error()
			return c.Status(fiber.StatusServiceUnavailable).JSON(health)
		}
		return c.JSON(health)
	}
}

func infoHandler(container *Container) fiber.Handler {
	return func(c *fiber.Ctx) error {
		return c.JSON(fiber.Map{
			"service":    "jobq",
			"version":    container.Config.Server.Version,
			"queue":      container.Queue.Name(),
			"processors": container.Registry.Names(),
			"endpoints": fiber.Map{
				"enqueue": "POST /jobs",
				"list":    "GET /jobs?status=&page=&page_size=",
				"get":     "GET /jobs/:id",
				"events":  "GET /jobs/:id/events",
				"counts":  "GET /counts",
				"health":  "GET /health",
			},
		})
	}
}

func notFoundHandler(c *fiber.Ctx) error {
	return c.Status(fiber.StatusNotFound).JSON(fiber.Map{
		"error":      "Route not found",
		"code":       "NOT_FOUND",
		"path":       c.Path(),
		"method":     c.Method(),
		"request_id": c.Get("X-Request-ID"),
	})
}
