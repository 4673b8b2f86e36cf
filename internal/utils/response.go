package utils

import "github.com/gofiber/fiber/v2"

// APIResponse is the envelope returned by the REST endpoints.
type APIResponse struct {
	Success bool        `json:"success"`
	Data    interface{} `json:"data,omitempty"`
	Message string      `json:"message"`
}

// EventResponse mirrors the websocket event envelope so that clients of the
// upgrade routes can parse HTTP rejections the same way as channel frames.
type EventResponse struct {
	Type string      `json:"type"`
	Data interface{} `json:"data"`
}

// SendSuccess sends a successful JSON response with a message.
func SendSuccess(c *fiber.Ctx, message string, data interface{}) error {
	return SendSuccessWithStatus(c, fiber.StatusOK, message, data)
}

// SendSuccessWithStatus sends a success payload using the provided HTTP status code.
func SendSuccessWithStatus(c *fiber.Ctx, status int, message string, data interface{}) error {
	if message == "" {
		message = "success"
	}
	if status == 0 {
		status = fiber.StatusOK
	}

	return c.Status(status).JSON(APIResponse{
		Success: true,
		Data:    data,
		Message: message,
	})
}

// SendError sends an error JSON response with the given status code.
func SendError(c *fiber.Ctx, status int, message string) error {
	if message == "" {
		message = "error"
	}

	return c.Status(status).JSON(APIResponse{
		Success: false,
		Message: message,
	})
}

// SendErrorEvent rejects a websocket upgrade with an error event body.
func SendErrorEvent(c *fiber.Ctx, status int, message string) error {
	return c.Status(status).JSON(EventResponse{
		Type: "error",
		Data: fiber.Map{"message": message},
	})
}
