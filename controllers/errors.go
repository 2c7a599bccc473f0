package controller

import (
	"errors"

	"cadence/engine"
	"cadence/utils"

	"github.com/gofiber/fiber/v2"
	"gorm.io/gorm"
)

// respondError maps engine errors onto HTTP statuses. Claim conflicts
// never reach this layer; the dispatcher swallows them.
func respondError(c *fiber.Ctx, err error) error {
	switch {
	case engine.IsValidation(err):
		return utils.ErrorResponse(c, fiber.StatusBadRequest, "Validation failed", err)
	case engine.IsConflict(err):
		return utils.ErrorResponse(c, fiber.StatusConflict, "Conflict", err)
	case errors.Is(err, gorm.ErrRecordNotFound):
		return utils.ErrorResponse(c, fiber.StatusNotFound, "Not found", nil)
	default:
		return utils.ErrorResponse(c, fiber.StatusInternalServerError, "Internal error", err)
	}
}
