package api

import (
	"github.com/ahrdadan/snapq/internal/security"
	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/websocket/v2"
)

// RouteConfig holds configuration for routes
type RouteConfig struct {
	BodyLimit int // Max accepted request body in bytes
}

// DefaultRouteConfig returns default route configuration
func DefaultRouteConfig() RouteConfig {
	return RouteConfig{
		BodyLimit: 1 << 20,
	}
}

// SetupRoutes configures all API routes
func SetupRoutes(app *fiber.App, handler *Handler, eventsHandler *EventsHandler, config RouteConfig) {
	app.Use(security.SecurityHeadersMiddleware())

	// Health check (simple path)
	app.Get("/health", handler.HealthCheck)
	app.Get("/browser/status", handler.BrowserStatus)

	app.Post("/capture", security.RequestValidationMiddleware(config.BodyLimit), handler.Capture)
	app.Get("/archives/:file", handler.Archive)

	if eventsHandler == nil {
		return
	}
	app.Get("/events", eventsHandler.StreamEvents)

	// WebSocket endpoint for artifact events
	app.Use("/events/ws", func(c *fiber.Ctx) error {
		if websocket.IsWebSocketUpgrade(c) {
			return c.Next()
		}
		return fiber.ErrUpgradeRequired
	})
	app.Get("/events/ws", websocket.New(eventsHandler.HandleWebSocket))
}
