package router

import (
	"github.com/gofiber/fiber/v2"

	"github.com/noah-isme/dissertation-eval-api/internal/config"
	"github.com/noah-isme/dissertation-eval-api/internal/handler"
	"github.com/noah-isme/dissertation-eval-api/internal/middleware"
	"github.com/noah-isme/dissertation-eval-api/internal/observability"
)

// Dependencies groups router dependencies for registration.
type Dependencies struct {
	EvaluationHandler *handler.EvaluationHandler
	OutcomeHandler    *handler.OutcomeHandler
	Slots             handler.SlotCounter
}

// Register wires the HTTP and websocket routes into the fiber application.
func Register(app *fiber.App, cfg config.Config, deps Dependencies) {
	app.Get("/metrics", observability.MetricsHandler())

	api := app.Group("/api/v1", func(c *fiber.Ctx) error {
		c.Set("X-Application", cfg.AppName)
		return c.Next()
	})
	api.Get("/health", handler.HealthCheck(cfg))

	if deps.Slots != nil {
		api.Get("/admission", handler.AdmissionStatus(deps.Slots))
	}

	if deps.OutcomeHandler != nil {
		deps.OutcomeHandler.Register(api.Group("/evaluations"))
	}

	if deps.EvaluationHandler != nil {
		dissertation := app.Group("/dissertation/api")
		deps.EvaluationHandler.RegisterHTTP(dissertation)

		// Websocket channels
		ws := dissertation.Group("/ws", middleware.RateLimit("ws", cfg.WebsocketRateLimit, cfg.WebsocketRateLimitSpan))
		deps.EvaluationHandler.Register(ws)
	}
}
