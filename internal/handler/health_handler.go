package handler

import (
	"time"

	"github.com/gofiber/fiber/v2"

	"github.com/noah-isme/dissertation-eval-api/internal/config"
	"github.com/noah-isme/dissertation-eval-api/internal/dto"
	"github.com/noah-isme/dissertation-eval-api/internal/utils"
)

// HealthResponse represents the payload returned by the health endpoint.
type HealthResponse struct {
	Status      string    `json:"status"`
	Timestamp   time.Time `json:"timestamp"`
	Service     string    `json:"service"`
	Environment string    `json:"environment"`
	QueueBroker string    `json:"queue_backend"`
}

// HealthCheck returns a handler that reports application health information.
func HealthCheck(cfg config.Config) fiber.Handler {
	return func(c *fiber.Ctx) error {
		payload := HealthResponse{
			Status:      "ok",
			Timestamp:   time.Now().UTC(),
			Service:     cfg.AppName,
			Environment: cfg.AppEnv,
			QueueBroker: cfg.QueueBackend,
		}

		return utils.SendSuccess(c, "service healthy", payload)
	}
}

// SlotCounter reports admission slot usage.
type SlotCounter interface {
	ActiveCount() int
	Max() int
}

// AdmissionStatus returns a handler that reports how many session slots are in use.
func AdmissionStatus(slots SlotCounter) fiber.Handler {
	return func(c *fiber.Ctx) error {
		return utils.SendSuccess(c, "admission status", dto.AdmissionStatusResponse{
			Active: slots.ActiveCount(),
			Max:    slots.Max(),
		})
	}
}
