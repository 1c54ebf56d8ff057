package admin

import (
	"strconv"

	"github.com/gofiber/fiber/v2"
)

// ErrorResponse is the body of every non-2xx admin response.
type ErrorResponse struct {
	Code    string `json:"code"`
	Title   string `json:"title"`
	Message string `json:"message"`
}

func writeError(c *fiber.Ctx, status int, title, message string) error {
	return c.Status(status).JSON(ErrorResponse{
		Code:    strconv.Itoa(status),
		Title:   title,
		Message: message,
	})
}

func badRequest(c *fiber.Ctx, title, message string) error {
	return writeError(c, fiber.StatusBadRequest, title, message)
}

func notFound(c *fiber.Ctx, title, message string) error {
	return writeError(c, fiber.StatusNotFound, title, message)
}

// internalError never echoes the cause to the client.
func internalError(c *fiber.Ctx) error {
	return writeError(c, fiber.StatusInternalServerError, "internal_error", "internal server error")
}

func serviceUnavailable(c *fiber.Ctx) error {
	return writeError(c, fiber.StatusServiceUnavailable, "service_unavailable", "service unavailable")
}
