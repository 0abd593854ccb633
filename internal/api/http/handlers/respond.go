package handlers

import (
	"net/http"

	"github.com/gofiber/fiber/v2"

	"github.com/solsync-africa/dispatch/internal/api/dto"
	apperrors "github.com/solsync-africa/dispatch/pkg/util/errorutil"
)

// respondCommitted writes data for an operation whose state change committed.
// Non-fatal errors turn the response into 202 with warnings; anything else is
// returned for the error middleware.
func respondCommitted(c *fiber.Ctx, status int, data any, err error) error {
	if err == nil {
		return c.Status(status).JSON(fiber.Map{"data": data})
	}
	if !apperrors.IsNonFatal(err) {
		return err
	}
	return c.Status(http.StatusAccepted).JSON(fiber.Map{
		"data":     data,
		"warnings": dto.WarningsFrom(err),
	})
}
