package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/ahrdadan/snapq/internal/api"
	"github.com/ahrdadan/snapq/internal/artifact"
	"github.com/ahrdadan/snapq/internal/browser"
	"github.com/ahrdadan/snapq/internal/capture"
	"github.com/ahrdadan/snapq/internal/config"
	"github.com/ahrdadan/snapq/internal/events"
	"github.com/ahrdadan/snapq/internal/nats"
	"github.com/ahrdadan/snapq/internal/observability"
	"github.com/ahrdadan/snapq/internal/session"
	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/middleware/cors"
	"github.com/gofiber/fiber/v2/middleware/logger"
	"github.com/gofiber/fiber/v2/middleware/recover"
	"go.uber.org/zap"
)

func main() {
	// Parse CLI flags
	cfg := config.ParseFlags()

	// Handle --version and --help
	config.HandleFlags(cfg)

	log := observability.NewLogger(cfg.Log)
	defer func() { _ = log.Sync() }()

	log.Info("starting",
		zap.String("app", config.AppName),
		zap.String("version", config.Version),
		zap.String("artifact_dir", cfg.ArtifactDir),
		zap.Int("max_pages", cfg.Capture.MaxPages))

	spanMode, err := capture.ParseSpanWidthMode(cfg.Capture.SpanWidthMode)
	if err != nil {
		log.Fatal("invalid config", zap.Error(err))
	}

	// Chrome is required; without it no request can be served.
	chromeManager := browser.NewChromeManager(browser.ChromeConfig{
		Bin:        cfg.Browser.Bin,
		Candidates: cfg.Browser.Candidates,
		Download:   cfg.Browser.Download,
		Revision:   cfg.Browser.Revision,
		Stealth:    cfg.Browser.Stealth,
		Logger:     log,
	})
	startCtx, cancel := context.WithTimeout(context.Background(), 2*time.Minute)
	err = chromeManager.Start(startCtx)
	cancel()
	if err != nil {
		log.Fatal("failed to start Chrome", zap.Error(err))
	}

	// Artifact events
	hub := events.NewHub(log)
	var publisher *nats.Publisher
	if cfg.NATS.URL != "" {
		publisher, err = nats.Connect(nats.PublisherConfig{
			URL:     cfg.NATS.URL,
			Subject: cfg.NATS.Subject,
			Logger:  log,
		})
		if err != nil {
			// Events are best-effort; captures keep working without NATS.
			log.Warn("NATS disabled", zap.Error(err))
		} else {
			hub.AddSink(publisher)
		}
	}

	store, err := artifact.NewStore(cfg.ArtifactDir, cfg.ArchiveURL(), log, hub)
	if err != nil {
		_ = chromeManager.Stop()
		log.Fatal("failed to open artifact dir", zap.Error(err))
	}

	sweeper := artifact.NewSweeper(store, cfg.Retention.MaxAge, cfg.Retention.Interval, log, hub)
	sweeper.Start()

	sessions := session.NewManager(chromeManager, cfg.Capture.MaxPages)
	resolver := &capture.Resolver{
		Timeout:  cfg.Capture.SelectorTimeout,
		SpanMode: spanMode,
		Logger:   log.Named("resolver"),
	}
	engine := capture.NewEngine(capture.EngineConfig{
		Viewport:          browser.MobileViewport(),
		NavigationTimeout: cfg.Capture.NavigationTimeout,
		DefaultWidth:      cfg.Capture.DefaultWidth,
	}, resolver, store, log.Named("engine"))
	service := capture.NewService(sessions, engine, log)

	// Create Fiber app
	app := fiber.New(fiber.Config{
		AppName:               config.AppName,
		ErrorHandler:          api.ErrorHandler,
		BodyLimit:             cfg.BodyLimit,
		DisableStartupMessage: true,
	})

	// Middleware
	app.Use(recover.New())
	app.Use(logger.New())
	app.Use(cors.New())

	// Setup routes
	api.SetupRoutes(app,
		api.NewHandler(service, sessions, store, log),
		api.NewEventsHandler(hub, log),
		api.RouteConfig{BodyLimit: cfg.BodyLimit})

	// Graceful shutdown
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)

	go func() {
		<-quit
		log.Info("shutting down server")
		if err := app.ShutdownWithTimeout(30 * time.Second); err != nil {
			log.Error("error during shutdown", zap.Error(err))
		}
	}()

	log.Info("listening",
		zap.String("addr", cfg.Addr()),
		zap.String("archives", cfg.ArchiveURL()),
		zap.String("cdp", chromeManager.GetEndpoint()))

	if err := app.Listen(cfg.Addr()); err != nil {
		log.Error("server stopped", zap.Error(err))
	}

	sweeper.Stop()
	hub.Close()
	if publisher != nil {
		publisher.Close()
	}
	if err := chromeManager.Stop(); err != nil {
		log.Error("failed to stop Chrome", zap.Error(err))
	}
	log.Info("stopped")
}
