package handler

import (
	"context"
	"errors"

	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/websocket/v2"
	"github.com/rs/zerolog"

	"github.com/noah-isme/dissertation-eval-api/internal/middleware"
	"github.com/noah-isme/dissertation-eval-api/internal/observability"
	"github.com/noah-isme/dissertation-eval-api/internal/service"
	"github.com/noah-isme/dissertation-eval-api/internal/utils"
)

// EvaluationHandler wires the evaluation, notification and reconnect websocket endpoints.
type EvaluationHandler struct {
	gateway *service.SessionGateway
	logger  zerolog.Logger
}

// NewEvaluationHandler creates an evaluation handler instance.
func NewEvaluationHandler(gateway *service.SessionGateway, logger zerolog.Logger) *EvaluationHandler {
	return &EvaluationHandler{
		gateway: gateway,
		logger:  logger.With().Str("component", "evaluation_handler").Logger(),
	}
}

// Register binds the websocket routes under the provided router group.
func (h *EvaluationHandler) Register(router fiber.Router) {
	router.Use(func(c *fiber.Ctx) error {
		if websocket.IsWebSocketUpgrade(c) {
			ctx := middleware.ContextWithCorrelation(c.UserContext(), middleware.GetCorrelationID(c))
			c.Locals("request_ctx", ctx)
			return c.Next()
		}
		return fiber.ErrUpgradeRequired
	})

	router.Get("/dissertation_analysis", websocket.New(h.evaluate))
	router.Get("/notifications", websocket.New(h.notifications))
	router.Get("/dissertation_analysis_reconnect", websocket.New(h.reconnect))
}

// RegisterHTTP binds the non-streaming evaluation route.
func (h *EvaluationHandler) RegisterHTTP(router fiber.Router) {
	router.Post("/dissertation_analysis", h.analyze)
}

func (h *EvaluationHandler) analyze(c *fiber.Ctx) error {
	result, err := h.gateway.Evaluate(c.UserContext(), c.Body())
	if err == nil {
		return utils.SendSuccess(c, "evaluation complete", result)
	}

	message := err.Error()
	var sessionErr *service.SessionError
	if errors.As(err, &sessionErr) {
		message = sessionErr.Message
	}

	switch {
	case errors.Is(err, service.ErrInvalidPayload):
		return utils.SendError(c, fiber.StatusBadRequest, message)
	case errors.Is(err, service.ErrMissingMetadata):
		return utils.SendError(c, fiber.StatusUnprocessableEntity, message)
	case errors.Is(err, service.ErrServiceBusy):
		return utils.SendError(c, fiber.StatusServiceUnavailable, message)
	case errors.Is(err, service.ErrEvaluationFailed):
		return utils.SendError(c, fiber.StatusBadGateway, message)
	}

	requestLogger(h.logger, c).Error().Err(err).Msg("synchronous evaluation aborted")
	return utils.SendError(c, fiber.StatusInternalServerError, "evaluation aborted")
}

func (h *EvaluationHandler) evaluate(conn *websocket.Conn) {
	done := h.track(conn, "evaluation")
	defer done()

	h.gateway.HandleEvaluation(connContext(conn), conn)
}

func (h *EvaluationHandler) notifications(conn *websocket.Conn) {
	done := h.track(conn, "notification")
	defer done()

	h.gateway.HandleNotifications(conn)
}

func (h *EvaluationHandler) reconnect(conn *websocket.Conn) {
	done := h.track(conn, "reconnect")
	defer done()

	h.gateway.HandleReconnect(connContext(conn), conn.Query("session_id"), conn)
}

func (h *EvaluationHandler) track(conn *websocket.Conn, channel string) func() {
	logger := h.logger.With().Str("channel", channel).Logger()
	if correlation := middleware.CorrelationIDFromContext(connContext(conn)); correlation != "" {
		logger = logger.With().Str("correlation_id", correlation).Logger()
	}

	gauge := observability.WebsocketConnections().WithLabelValues(channel)
	gauge.Inc()
	logger.Debug().Msg("websocket connected")

	return func() {
		gauge.Dec()
		logger.Debug().Msg("websocket disconnected")
	}
}

func connContext(conn *websocket.Conn) context.Context {
	if ctx, ok := conn.Locals("request_ctx").(context.Context); ok && ctx != nil {
		return ctx
	}
	return context.Background()
}
