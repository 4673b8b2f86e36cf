package handler

import (
	"errors"
	"strconv"

	"github.com/gofiber/fiber/v2"
	"github.com/rs/zerolog"

	"github.com/noah-isme/dissertation-eval-api/internal/dto"
	"github.com/noah-isme/dissertation-eval-api/internal/service"
	"github.com/noah-isme/dissertation-eval-api/internal/utils"
)

// OutcomeHandler serves stored evaluation outcomes.
type OutcomeHandler struct {
	service service.OutcomeService
	logger  zerolog.Logger
}

// NewOutcomeHandler constructs the handler.
func NewOutcomeHandler(service service.OutcomeService, logger zerolog.Logger) *OutcomeHandler {
	return &OutcomeHandler{
		service: service,
		logger:  logger.With().Str("component", "outcome_handler").Logger(),
	}
}

// Register wires routes for outcome history.
func (h *OutcomeHandler) Register(router fiber.Router) {
	router.Get("", h.list)
	router.Get("/:id", h.detail)
}

func (h *OutcomeHandler) list(c *fiber.Ctx) error {
	limit, err := parseQueryInt(c, "limit")
	if err != nil {
		return utils.SendError(c, fiber.StatusBadRequest, "invalid limit")
	}

	query := dto.EvaluationListQuery{Name: c.Query("name"), Limit: limit}
	results, err := h.service.List(c.UserContext(), query)
	if err != nil {
		if isValidationError(err) {
			return utils.SendError(c, fiber.StatusBadRequest, err.Error())
		}
		requestLogger(h.logger, c).Error().Err(err).Msg("failed to list evaluations")
		return utils.SendError(c, fiber.StatusInternalServerError, "failed to list evaluations")
	}

	return utils.SendSuccess(c, "evaluations retrieved", results)
}

func (h *OutcomeHandler) detail(c *fiber.Ctx) error {
	id, err := strconv.ParseUint(c.Params("id"), 10, 64)
	if err != nil || id == 0 {
		return utils.SendError(c, fiber.StatusBadRequest, "invalid evaluation id")
	}

	result, err := h.service.Get(c.UserContext(), uint(id))
	if err != nil {
		if errors.Is(err, service.ErrEvaluationNotFound) {
			return utils.SendError(c, fiber.StatusNotFound, "evaluation not found")
		}
		requestLogger(h.logger, c).Error().Err(err).Uint64("evaluation_id", id).Msg("failed to load evaluation")
		return utils.SendError(c, fiber.StatusInternalServerError, "failed to load evaluation")
	}

	return utils.SendSuccess(c, "evaluation retrieved", result)
}
